package binance

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"bridge-rotation/internal/core"
)

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type APIError struct {
	Code int
	Msg  string
}

func (e APIError) Error() string {
	return "binance api error " + strconv.Itoa(e.Code) + ": " + e.Msg
}

type orderResultResponse struct {
	Symbol             string `json:"symbol"`
	OrderID            int64  `json:"orderId"`
	ClientOrderID      string `json:"clientOrderId"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CumulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status             string `json:"status"`
	Side               string `json:"side"`
	Type               string `json:"type"`
	TransactTime       int64  `json:"transactTime"`
	UpdateTime         int64  `json:"updateTime"`
	Fills              []fill `json:"fills"`
}

// fill is one execution of an order, from a FULL order response or myTrades.
type fill struct {
	Commission      string `json:"commission"`
	CommissionAsset string `json:"commissionAsset"`
}

type tickerPriceResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type exchangeInfoResponse struct {
	Symbols []symbolInfoResponse `json:"symbols"`
}

type symbolFilter struct {
	FilterType  string `json:"filterType"`
	MinQty      string `json:"minQty"`
	MaxQty      string `json:"maxQty"`
	StepSize    string `json:"stepSize"`
	MinPrice    string `json:"minPrice"`
	MaxPrice    string `json:"maxPrice"`
	TickSize    string `json:"tickSize"`
	MinNotional string `json:"minNotional"`
}

type symbolInfoResponse struct {
	Symbol     string         `json:"symbol"`
	Status     string         `json:"status"`
	BaseAsset  string         `json:"baseAsset"`
	QuoteAsset string         `json:"quoteAsset"`
	Filters    []symbolFilter `json:"filters"`
}

type klineEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	K         struct {
		StartTime int64  `json:"t"`
		EndTime   int64  `json:"T"`
		Symbol    string `json:"s"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		Close     string `json:"c"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

func parseSymbolInfo(src symbolInfoResponse) core.SymbolInfo {
	info := core.SymbolInfo{
		Symbol:     strings.ToUpper(src.Symbol),
		BaseAsset:  strings.ToUpper(src.BaseAsset),
		QuoteAsset: strings.ToUpper(src.QuoteAsset),
		Rules: core.Rules{
			MinQty:      decimal.Zero,
			MaxQty:      decimal.Zero,
			QtyStep:     decimal.Zero,
			MinPrice:    decimal.Zero,
			MaxPrice:    decimal.Zero,
			PriceTick:   decimal.Zero,
			MinNotional: decimal.Zero,
		},
	}
	for _, f := range src.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			setDecimal(&info.Rules.MinQty, f.MinQty)
			setDecimal(&info.Rules.MaxQty, f.MaxQty)
			setDecimal(&info.Rules.QtyStep, f.StepSize)
		case "PRICE_FILTER":
			setDecimal(&info.Rules.MinPrice, f.MinPrice)
			setDecimal(&info.Rules.MaxPrice, f.MaxPrice)
			setDecimal(&info.Rules.PriceTick, f.TickSize)
		case "MIN_NOTIONAL", "NOTIONAL":
			if f.MinNotional != "" {
				if v, err := decimal.NewFromString(f.MinNotional); err == nil {
					// If both MIN_NOTIONAL and NOTIONAL are present, keep the stricter minimum.
					if v.Cmp(info.Rules.MinNotional) > 0 {
						info.Rules.MinNotional = v
					}
				}
			}
		}
	}
	return info
}

func setDecimal(dst *decimal.Decimal, raw string) {
	if raw == "" {
		return
	}
	if v, err := decimal.NewFromString(raw); err == nil {
		*dst = v
	}
}

func parseOrderResult(resp orderResultResponse) core.OrderResult {
	price, _ := decimal.NewFromString(resp.Price)
	origQty, _ := decimal.NewFromString(resp.OrigQty)
	executedQty, _ := decimal.NewFromString(resp.ExecutedQty)
	cumQuote, _ := decimal.NewFromString(resp.CumulativeQuoteQty)
	status := core.OrderStatus(resp.Status)
	if status == "" {
		status = core.OrderNew
	}
	res := core.OrderResult{
		OrderID:            strconv.FormatInt(resp.OrderID, 10),
		ClientID:           resp.ClientOrderID,
		Symbol:             resp.Symbol,
		Side:               core.Side(resp.Side),
		Status:             status,
		Price:              price,
		OrigQty:            origQty,
		ExecutedQty:        executedQty,
		CumulativeQuoteQty: cumQuote,
	}
	ts := resp.UpdateTime
	if ts == 0 {
		ts = resp.TransactTime
	}
	if ts > 0 {
		res.UpdatedAt = unixMilli(ts)
	}
	return res
}

// commissionIn sums the fills' commission charged in asset.
func commissionIn(asset string, fills []fill) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fills {
		if !strings.EqualFold(f.CommissionAsset, asset) {
			continue
		}
		v, err := decimal.NewFromString(f.Commission)
		if err != nil {
			continue
		}
		total = total.Add(v)
	}
	return total
}

func parseKlineEvent(data []byte) (core.Candle, bool) {
	var ev klineEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return core.Candle{}, false
	}
	if ev.EventType != "kline" {
		return core.Candle{}, false
	}
	open, err1 := decimal.NewFromString(ev.K.Open)
	high, err2 := decimal.NewFromString(ev.K.High)
	low, err3 := decimal.NewFromString(ev.K.Low)
	closep, err4 := decimal.NewFromString(ev.K.Close)
	vol, err5 := decimal.NewFromString(ev.K.Volume)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
		return core.Candle{}, false
	}
	market := ev.K.Symbol
	if market == "" {
		market = ev.Symbol
	}
	return core.Candle{
		Market:    strings.ToUpper(market),
		Interval:  ev.K.Interval,
		OpenTime:  unixMilli(ev.K.StartTime),
		CloseTime: unixMilli(ev.K.EndTime),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closep,
		Volume:    vol,
		Closed:    ev.K.IsClosed,
	}, true
}

func unixMilli(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
