package binance

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"bridge-rotation/internal/alert"
	"bridge-rotation/internal/exchange"
)

const (
	klineHandshakeTimeout = 15 * time.Second
	klineReadTimeout      = 30 * time.Second
	klineDialRetry        = 2 * time.Second
	klineReadRetry        = time.Second
)

var _ exchange.Broker = (*Client)(nil)

type streamPayload struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineStream struct {
	url     string
	markets []string
	handler exchange.CandleHandler
	guard   ReconnectGuard
	client  *Client

	cancel context.CancelFunc
	done   chan struct{}

	connMu sync.Mutex
	conn   *websocket.Conn
}

// Candlesticks subscribes to one combined kline stream for all markets and
// invokes handler for every kline event. Reconnects until the context ends or
// CloseWebSockets is called.
func (c *Client) Candlesticks(ctx context.Context, markets []string, interval string, handler exchange.CandleHandler) error {
	if len(markets) == 0 {
		return errors.New("at least one market is required")
	}
	if handler == nil {
		return errors.New("candle handler is required")
	}
	if c.wsBaseURL == "" {
		return errors.New("ws base url is required")
	}
	if interval == "" {
		interval = "1m"
	}
	streams := make([]string, 0, len(markets))
	for _, m := range markets {
		streams = append(streams, strings.ToLower(m)+"@kline_"+interval)
	}
	sctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	s := &klineStream{
		url:     c.wsBaseURL + "/stream?streams=" + strings.Join(streams, "/"),
		markets: append([]string(nil), markets...),
		handler: handler,
		guard:   c.guard,
		client:  c,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.streams = append(c.streams, s)
	c.mu.Unlock()

	go s.run(sctx)
	return nil
}

// CloseWebSockets stops every stream and waits for their goroutines to exit.
func (c *Client) CloseWebSockets() {
	c.mu.Lock()
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()
	for _, s := range streams {
		s.close()
	}
	for _, s := range streams {
		<-s.done
	}
}

func (s *klineStream) close() {
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.connMu.Unlock()
}

func (s *klineStream) run(ctx context.Context) {
	defer close(s.done)
	logger := log.WithFields(logrus.Fields{"stream": "klines", "markets": strings.Join(s.markets, ",")})
	connected := false
	for {
		if ctx.Err() != nil {
			return
		}
		if s.guard != nil {
			if err := s.guard.AllowReconnect(); err != nil {
				wait := s.guard.ReconnectCooldownRemaining()
				if wait <= 0 {
					wait = klineDialRetry
				}
				logger.WithError(err).WithField("wait", wait.String()).Warn("kline reconnect blocked")
				if !sleepCtx(ctx, wait) {
					return
				}
				continue
			}
		}

		conn, err := s.dial(ctx)
		if s.guard != nil {
			_ = s.guard.RecordReconnect(err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Warn("kline dial failed")
			if connected {
				connected = false
				s.client.raise(alert.Event{
					Kind:   alert.StreamDown,
					Market: strings.Join(s.markets, ","),
					Err:    err,
				})
			}
			if !sleepCtx(ctx, klineDialRetry) {
				return
			}
			continue
		}
		connected = true
		logger.Info("kline stream connected")

		err = s.readLoop(ctx, conn)
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		logger.WithError(err).Warn("kline stream dropped, reconnecting")
		if !sleepCtx(ctx, klineReadRetry) {
			return
		}
	}
}

func (s *klineStream) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: klineHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, err
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	if err := ctx.Err(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *klineStream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(klineReadTimeout))
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var payload streamPayload
		if err := json.Unmarshal(message, &payload); err != nil {
			continue
		}
		data := []byte(payload.Data)
		if len(data) == 0 {
			// single-stream endpoints deliver the bare event
			data = message
		}
		candle, ok := parseKlineEvent(data)
		if !ok {
			continue
		}
		s.handler(candle)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
