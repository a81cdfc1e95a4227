// Package replay serves recorded klines as market data so the rotation engine
// can run against history with a paper wallet.
package replay

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bridge-rotation/internal/core"
)

// CandleFeed reads one market's candles from a JSONL file or a directory of
// them, in file name order.
type CandleFeed struct {
	market   string
	interval string
	paths    []string
	index    int
	file     *os.File
	scanner  *bufio.Scanner
}

func NewCandleFeed(path, market, interval string) (*CandleFeed, error) {
	paths, err := resolveJSONLPaths(path)
	if err != nil {
		return nil, err
	}
	feed := &CandleFeed{market: strings.ToUpper(market), interval: interval, paths: paths}
	if err := feed.openCurrent(); err != nil {
		return nil, err
	}
	return feed, nil
}

func (f *CandleFeed) Close() error {
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.scanner = nil
	return err
}

// Next returns the next well-formed candle; unparseable lines are skipped.
// io.EOF marks the end of the last file.
func (f *CandleFeed) Next() (core.Candle, error) {
	for {
		if f.scanner == nil {
			if err := f.openCurrent(); err != nil {
				return core.Candle{}, err
			}
		}
		if !f.scanner.Scan() {
			if err := f.scanner.Err(); err != nil {
				return core.Candle{}, err
			}
			_ = f.Close()
			f.index++
			if f.index >= len(f.paths) {
				return core.Candle{}, io.EOF
			}
			continue
		}
		line := strings.TrimSpace(f.scanner.Text())
		if line == "" {
			continue
		}
		if c, ok := f.parseLine(line); ok {
			return c, nil
		}
	}
}

func (f *CandleFeed) parseLine(line string) (core.Candle, bool) {
	var raw map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return core.Candle{}, false
	}
	v, found := first(raw, "timestamp", "time", "ts", "t")
	if !found {
		return core.Candle{}, false
	}
	openTime, ok := parseTimeValue(v)
	if !ok {
		return core.Candle{}, false
	}
	v, found = first(raw, "close", "price", "p")
	if !found {
		return core.Candle{}, false
	}
	closep, ok := parseDecimalValue(v)
	if !ok {
		return core.Candle{}, false
	}
	c := core.Candle{
		Market:   f.market,
		Interval: f.interval,
		OpenTime: openTime.UTC(),
		Open:     closep,
		High:     closep,
		Low:      closep,
		Close:    closep,
		Volume:   decimal.Zero,
		Closed:   true,
	}
	if v, found := first(raw, "open", "o"); found {
		if d, ok := parseDecimalValue(v); ok {
			c.Open = d
		}
	}
	if v, found := first(raw, "high", "h"); found {
		if d, ok := parseDecimalValue(v); ok {
			c.High = d
		}
	}
	if v, found := first(raw, "low", "l"); found {
		if d, ok := parseDecimalValue(v); ok {
			c.Low = d
		}
	}
	if v, found := first(raw, "volume", "v"); found {
		if d, ok := parseDecimalValue(v); ok {
			c.Volume = d
		}
	}
	if v, found := first(raw, "close_time"); found {
		if ts, ok := parseTimeValue(v); ok {
			c.CloseTime = ts.UTC()
		}
	}
	return c, true
}

func (f *CandleFeed) openCurrent() error {
	if f.index >= len(f.paths) {
		return io.EOF
	}
	file, err := os.Open(f.paths[f.index])
	if err != nil {
		return err
	}
	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 1024*1024)
	scanner.Buffer(buf, 10*1024*1024)
	f.file = file
	f.scanner = scanner
	return nil
}

func resolveJSONLPaths(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".jsonl") {
			continue
		}
		paths = append(paths, filepath.Join(path, name))
	}
	sort.Strings(paths)
	if len(paths) == 0 {
		return nil, errors.New("no jsonl files found in directory")
	}
	return paths, nil
}

func first(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func parseTimeValue(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		return parseTimeString(t)
	case json.Number:
		if iv, err := t.Int64(); err == nil {
			return parseTimeNumber(iv), true
		}
		if fv, err := t.Float64(); err == nil {
			return parseTimeNumber(int64(fv)), true
		}
	case float64:
		return parseTimeNumber(int64(t)), true
	}
	return time.Time{}, false
}

func parseTimeString(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if allDigits(raw) {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		return parseTimeNumber(v), true
	}
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseTimeNumber(v int64) time.Time {
	if v >= 1_000_000_000_000 {
		return time.UnixMilli(v)
	}
	return time.Unix(v, 0)
}

func parseDecimalValue(v interface{}) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case json.Number:
		dec, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero, false
		}
		return dec, true
	case string:
		if t == "" {
			return decimal.Zero, false
		}
		dec, err := decimal.NewFromString(strings.TrimSpace(t))
		if err != nil {
			return decimal.Zero, false
		}
		return dec, true
	case float64:
		return decimal.NewFromFloat(t), true
	}
	return decimal.Zero, false
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
