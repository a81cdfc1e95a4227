package replay

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"bridge-rotation/internal/core"
)

// CandleLine is the on-disk form of one candle, one JSON object per line.
type CandleLine struct {
	Time      string `json:"time"`
	Timestamp int64  `json:"timestamp"`
	Market    string `json:"market"`
	Interval  string `json:"interval"`
	Open      string `json:"open"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Close     string `json:"close"`
	Volume    string `json:"volume"`
}

// MarketDir is where a market's candles of one interval live under root.
func MarketDir(root, market, interval string) string {
	return filepath.Join(root, market, interval)
}

// DailyWriter appends candles to one <YYYY-MM-DD>.jsonl file per UTC day.
type DailyWriter struct {
	root        string
	currentDate string
	currentFile *os.File
}

func NewDailyWriter(root string) (*DailyWriter, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DailyWriter{root: root}, nil
}

func (w *DailyWriter) Write(c core.Candle) error {
	ts := c.OpenTime.UTC()
	line, err := json.Marshal(CandleLine{
		Time:      ts.Format(time.RFC3339),
		Timestamp: ts.UnixMilli(),
		Market:    c.Market,
		Interval:  c.Interval,
		Open:      c.Open.String(),
		High:      c.High.String(),
		Low:       c.Low.String(),
		Close:     c.Close.String(),
		Volume:    c.Volume.String(),
	})
	if err != nil {
		return err
	}
	if err := w.rotate(ts.Format("2006-01-02")); err != nil {
		return err
	}
	_, err = w.currentFile.Write(append(line, '\n'))
	return err
}

func (w *DailyWriter) rotate(date string) error {
	if date == w.currentDate && w.currentFile != nil {
		return nil
	}
	if err := w.Close(); err != nil {
		return err
	}
	path := filepath.Join(w.root, date+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.currentDate = date
	w.currentFile = f
	return nil
}

func (w *DailyWriter) Close() error {
	if w == nil || w.currentFile == nil {
		return nil
	}
	if err := w.currentFile.Sync(); err != nil {
		_ = w.currentFile.Close()
		w.currentFile = nil
		return err
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	return err
}
