package binance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bridge-rotation/internal/core"
)

const maxKlinesPerRequest = 1000

// Klines fetches closed candles of market opening in [start, end).
func (c *Client) Klines(ctx context.Context, market, interval string, start, end time.Time, limit int) ([]core.Candle, error) {
	if market == "" || interval == "" {
		return nil, errors.New("market and interval required")
	}
	if limit <= 0 || limit > maxKlinesPerRequest {
		limit = maxKlinesPerRequest
	}
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(market))
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	if !start.IsZero() {
		params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		params.Set("endTime", strconv.FormatInt(end.UnixMilli()-1, 10))
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/klines", params, AuthNone)
	if err != nil {
		return nil, err
	}
	return parseKlineRows(strings.ToUpper(market), interval, body)
}

func parseKlineRows(market, interval string, body []byte) ([]core.Candle, error) {
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, err
	}
	out := make([]core.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		openTime, err := parseRawInt64(row[0])
		if err != nil {
			continue
		}
		closeTime, _ := parseRawInt64(row[6])
		open, err1 := decimal.NewFromString(parseRawString(row[1]))
		high, err2 := decimal.NewFromString(parseRawString(row[2]))
		low, err3 := decimal.NewFromString(parseRawString(row[3]))
		closep, err4 := decimal.NewFromString(parseRawString(row[4]))
		vol, err5 := decimal.NewFromString(parseRawString(row[5]))
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			continue
		}
		out = append(out, core.Candle{
			Market:    market,
			Interval:  interval,
			OpenTime:  unixMilli(openTime),
			CloseTime: unixMilli(closeTime),
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closep,
			Volume:    vol,
			Closed:    true,
		})
	}
	return out, nil
}

func parseRawInt64(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int64(f), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	}
	return 0, errors.New("invalid int64")
}

func parseRawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	return strings.TrimSpace(string(raw))
}
