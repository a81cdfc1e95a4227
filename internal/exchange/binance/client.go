package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"bridge-rotation/internal/alert"
	"bridge-rotation/internal/config"
	"bridge-rotation/internal/core"
)

var log = logrus.WithField("component", "binance")

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

const defaultClientOrderPrefix = "br"

// ReconnectGuard gates websocket redials. *safety.Breaker satisfies it.
type ReconnectGuard interface {
	AllowReconnect() error
	RecordReconnect(err error) error
	ReconnectCooldownRemaining() time.Duration
}

type Client struct {
	apiKey            string
	apiSecret         string
	wsBaseURL         string
	clientOrderPrefix string
	recvWindow        time.Duration

	http    *resty.Client
	limiter *rate.Limiter

	mu          sync.Mutex
	symbolCache map[string]core.SymbolInfo
	alerter     alert.Alerter
	guard       ReconnectGuard
	streams     []*klineStream
}

type Options struct {
	APIKey            string
	APISecret         string
	RestBaseURL       string
	WSBaseURL         string
	ClientOrderPrefix string
	RecvWindowMs      int64
	HTTPTimeoutSec    int64
	RequestsPerSecond float64
	RequestBurst      int
}

// NewClient builds a client from the exchange section. Keys are optional so a
// paper broker can reuse the public market data endpoints.
func NewClient(cfg config.ExchangeConfig, instanceID string) *Client {
	return NewClientWithOptions(Options{
		APIKey:            cfg.APIKey,
		APISecret:         cfg.APISecret,
		RestBaseURL:       cfg.RestBaseURL,
		WSBaseURL:         cfg.WSBaseURL,
		ClientOrderPrefix: instanceID,
		RecvWindowMs:      cfg.RecvWindowMs,
		HTTPTimeoutSec:    cfg.HTTPTimeoutSec,
		RequestsPerSecond: cfg.RequestsPerSecond,
		RequestBurst:      cfg.RequestBurst,
	})
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.RequestBurst
	if burst < 1 {
		burst = 1
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(opts.RestBaseURL, "/")).
		SetTimeout(timeout)
	return &Client{
		apiKey:            opts.APIKey,
		apiSecret:         opts.APISecret,
		wsBaseURL:         strings.TrimRight(opts.WSBaseURL, "/"),
		clientOrderPrefix: normalizeClientOrderPrefix(opts.ClientOrderPrefix),
		recvWindow:        time.Duration(opts.RecvWindowMs) * time.Millisecond,
		http:              httpClient,
		limiter:           rate.NewLimiter(limit, burst),
		symbolCache:       make(map[string]core.SymbolInfo),
	}
}

func (c *Client) SetAlerter(alerter alert.Alerter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerter = alerter
}

func (c *Client) SetReconnectGuard(guard ReconnectGuard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guard = guard
}

func (c *Client) raise(ev alert.Event) {
	c.mu.Lock()
	alerter := c.alerter
	c.mu.Unlock()
	if alerter == nil {
		return
	}
	alerter.Raise(ev)
}

func normalizeClientOrderPrefix(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return defaultClientOrderPrefix
	}
	b := strings.Builder{}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return defaultClientOrderPrefix
	}
	if len(out) > 20 {
		out = out[:20]
	}
	return out
}

// newClientOrderID fits Binance's 36 character limit for newClientOrderId.
func newClientOrderID(prefix string) string {
	if prefix == "" {
		prefix = defaultClientOrderPrefix
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
	maxPrefix := 36 - 1 - len(suffix)
	if len(prefix) > maxPrefix {
		prefix = prefix[:maxPrefix]
	}
	return prefix + "-" + suffix
}

func (c *Client) Name() string { return "binance" }

func (c *Client) Prices(ctx context.Context) (map[string]decimal.Decimal, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", url.Values{}, AuthNone)
	if err != nil {
		return nil, err
	}
	var resp []tickerPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(resp))
	for _, t := range resp {
		price, err := decimal.NewFromString(t.Price)
		if err != nil {
			continue
		}
		out[strings.ToUpper(t.Symbol)] = price
	}
	return out, nil
}

func (c *Client) Price(ctx context.Context, market string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", market)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", params, AuthNone)
	if err != nil {
		return decimal.Zero, err
	}
	var resp tickerPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(resp.Price)
	if err != nil {
		return decimal.Zero, err
	}
	return price, nil
}

func (c *Client) Account(ctx context.Context) ([]core.Balance, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", url.Values{}, AuthSigned)
	if err != nil {
		return nil, err
	}
	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	out := make([]core.Balance, 0, len(resp.Balances))
	for _, b := range resp.Balances {
		free, _ := decimal.NewFromString(b.Free)
		locked, _ := decimal.NewFromString(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out = append(out, core.Balance{Asset: strings.ToUpper(b.Asset), Free: free, Locked: locked})
	}
	return out, nil
}

// ExchangeInfo returns filters for the given markets, using the cache when every
// market has been seen before.
func (c *Client) ExchangeInfo(ctx context.Context, markets ...string) (map[string]core.SymbolInfo, error) {
	out := make(map[string]core.SymbolInfo, len(markets))
	missing := make([]string, 0, len(markets))
	c.mu.Lock()
	for _, m := range markets {
		m = strings.ToUpper(m)
		if info, ok := c.symbolCache[m]; ok {
			out[m] = info
			continue
		}
		missing = append(missing, m)
	}
	c.mu.Unlock()
	if len(markets) > 0 && len(missing) == 0 {
		return out, nil
	}

	params := url.Values{}
	if len(missing) > 0 {
		sort.Strings(missing)
		raw, err := json.Marshal(missing)
		if err != nil {
			return nil, err
		}
		params.Set("symbols", string(raw))
	}
	infos, err := c.fetchExchangeInfo(ctx, params)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		out[info.Symbol] = info
	}
	for _, m := range missing {
		if _, ok := out[m]; !ok {
			return nil, fmt.Errorf("symbol %s not found", m)
		}
	}
	return out, nil
}

// AllPairs lists every market currently in TRADING status.
func (c *Client) AllPairs(ctx context.Context) ([]core.SymbolInfo, error) {
	infos, err := c.fetchExchangeInfo(ctx, url.Values{})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Symbol < infos[j].Symbol })
	return infos, nil
}

func (c *Client) fetchExchangeInfo(ctx context.Context, params url.Values) ([]core.SymbolInfo, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, AuthNone)
	if err != nil {
		return nil, err
	}
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	out := make([]core.SymbolInfo, 0, len(resp.Symbols))
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range resp.Symbols {
		if s.Status != "" && s.Status != "TRADING" {
			continue
		}
		info := parseSymbolInfo(s)
		c.symbolCache[info.Symbol] = info
		out = append(out, info)
	}
	return out, nil
}

func (c *Client) Buy(ctx context.Context, market string, qty, price decimal.Decimal, flags core.OrderFlags) (core.OrderResult, error) {
	return c.placeOrder(ctx, market, core.Buy, qty, price, flags)
}

func (c *Client) Sell(ctx context.Context, market string, qty, price decimal.Decimal, flags core.OrderFlags) (core.OrderResult, error) {
	return c.placeOrder(ctx, market, core.Sell, qty, price, flags)
}

func (c *Client) placeOrder(ctx context.Context, market string, side core.Side, qty, price decimal.Decimal, flags core.OrderFlags) (core.OrderResult, error) {
	if market == "" {
		return core.OrderResult{}, errors.New("market required")
	}
	orderType := flags.Type
	if orderType == "" {
		orderType = core.Limit
	}
	clientID := flags.ClientID
	if clientID == "" {
		clientID = newClientOrderID(c.clientOrderPrefix)
	}
	params := url.Values{}
	params.Set("symbol", market)
	params.Set("side", string(side))
	params.Set("type", string(orderType))
	params.Set("quantity", qty.String())
	params.Set("newClientOrderId", clientID)
	params.Set("newOrderRespType", "FULL")
	if orderType == core.Limit {
		params.Set("timeInForce", "GTC")
		params.Set("price", price.String())
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, AuthSigned)
	if err != nil {
		if errors.Is(err, core.ErrInsufficientBalance) {
			c.raise(alert.Event{
				Kind:   alert.InsufficientBalance,
				Market: market,
				Side:   string(side),
				Amount: qty,
				Err:    err,
			})
		}
		return core.OrderResult{}, err
	}
	var resp orderResultResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderResult{}, err
	}
	res := parseOrderResult(resp)
	if res.ClientID == "" {
		res.ClientID = clientID
	}
	if res.Commission, err = c.receivedCommission(ctx, market, side, resp.Fills); err != nil {
		return core.OrderResult{}, err
	}
	log.WithFields(logrus.Fields{
		"event":     "order_placed",
		"market":    market,
		"side":      side,
		"qty":       qty.String(),
		"price":     price.String(),
		"order_id":  res.OrderID,
		"client_id": res.ClientID,
		"status":    res.Status,
	}).Info("order placed")
	return res, nil
}

func (c *Client) OrderStatus(ctx context.Context, market, orderID string) (core.OrderResult, error) {
	if market == "" || orderID == "" {
		return core.OrderResult{}, errors.New("market and orderID required")
	}
	params := url.Values{}
	params.Set("symbol", market)
	params.Set("orderId", orderID)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, AuthSigned)
	if err != nil {
		return core.OrderResult{}, err
	}
	var resp orderResultResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.OrderResult{}, err
	}
	res := parseOrderResult(resp)
	if res.Status != core.OrderFilled {
		return res, nil
	}
	fills, err := c.orderFills(ctx, market, orderID)
	if err != nil {
		return core.OrderResult{}, err
	}
	if res.Commission, err = c.receivedCommission(ctx, market, res.Side, fills); err != nil {
		return core.OrderResult{}, err
	}
	return res, nil
}

// orderFills lists the executions of one order.
func (c *Client) orderFills(ctx context.Context, market, orderID string) ([]fill, error) {
	params := url.Values{}
	params.Set("symbol", market)
	params.Set("orderId", orderID)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/myTrades", params, AuthSigned)
	if err != nil {
		return nil, err
	}
	var fills []fill
	if err := json.Unmarshal(body, &fills); err != nil {
		return nil, err
	}
	return fills, nil
}

// receivedCommission is the part of the fills' commission paid in the asset the
// order receives. Fees paid in any other asset (BNB discounts) are not counted.
func (c *Client) receivedCommission(ctx context.Context, market string, side core.Side, fills []fill) (decimal.Decimal, error) {
	if len(fills) == 0 {
		return decimal.Zero, nil
	}
	infos, err := c.ExchangeInfo(ctx, market)
	if err != nil {
		return decimal.Zero, err
	}
	info := infos[strings.ToUpper(market)]
	received := info.BaseAsset
	if side == core.Sell {
		received = info.QuoteAsset
	}
	return commissionIn(received, fills), nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth AuthType) ([]byte, error) {
	if auth != AuthNone && (c.apiKey == "" || c.apiSecret == "") {
		return nil, errors.New("api_key/api_secret required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	query := params.Encode()
	if auth == AuthSigned {
		params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		if c.recvWindow > 0 {
			params.Set("recvWindow", strconv.FormatInt(c.recvWindow.Milliseconds(), 10))
		}
		query = params.Encode()
		query += "&signature=" + sign(c.apiSecret, query)
	}

	req := c.http.R().SetContext(ctx)
	if auth == AuthAPIKey || auth == AuthSigned {
		req.SetHeader("X-MBX-APIKEY", c.apiKey)
	}
	if method == http.MethodGet || method == http.MethodDelete {
		if query != "" {
			path += "?" + query
		}
	} else {
		req.SetHeader("Content-Type", "application/x-www-form-urlencoded").SetBody(query)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode()/100 != 2 {
		return nil, parseAPIError(resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}

func parseAPIError(status int, body []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		return wrapAPIError(apiErr.Code, apiErr.Msg)
	}
	return fmt.Errorf("binance http error %d: %s", status, strings.TrimSpace(string(body)))
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}
