package safety

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"bridge-rotation/internal/alert"
	"bridge-rotation/internal/core"
	"bridge-rotation/internal/exchange"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

var log = logrus.WithField("component", "safety")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const (
	ActionPlace     = "place order"
	ActionPoll      = "poll order"
	ActionReconnect = "reconnect"
)

const (
	defaultCooldown    = 30 * time.Second
	defaultProbePasses = 1
)

type circuit struct {
	name            string
	maxFailures     int
	failures        int
	state           circuitState
	openedAt        time.Time
	openErr         error
	halfOpenSuccess int
	// gated circuits are probed through allow; the rest close on the next success.
	gated bool
}

type Breaker struct {
	enabled bool

	mu        sync.Mutex
	place     circuit
	poll      circuit
	reconnect circuit

	cooldown    time.Duration
	probePasses int

	alerter alert.Alerter
}

func NewBreaker(enabled bool, maxPlaceFailures, maxPollFailures, maxReconnectFailures int) *Breaker {
	return &Breaker{
		enabled:     enabled,
		place:       circuit{name: ActionPlace, maxFailures: maxPlaceFailures, state: circuitClosed, gated: true},
		poll:        circuit{name: ActionPoll, maxFailures: maxPollFailures, state: circuitClosed},
		reconnect:   circuit{name: ActionReconnect, maxFailures: maxReconnectFailures, state: circuitClosed, gated: true},
		cooldown:    defaultCooldown,
		probePasses: defaultProbePasses,
	}
}

func (b *Breaker) SetRecovery(cooldown time.Duration, probePasses int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	if probePasses < 1 {
		probePasses = defaultProbePasses
	}
	b.cooldown = cooldown
	b.probePasses = probePasses
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

func (b *Breaker) RecordPlace(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.place, err)
}

func (b *Breaker) RecordPoll(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.poll, err)
}

func (b *Breaker) RecordReconnect(err error) error {
	if b == nil {
		return nil
	}
	return b.record(&b.reconnect, err)
}

// AllowPlace fails fast while the placement circuit cools down.
func (b *Breaker) AllowPlace() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.place)
}

func (b *Breaker) AllowReconnect() error {
	if b == nil {
		return nil
	}
	return b.allow(&b.reconnect)
}

func (b *Breaker) ReconnectCooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.reconnect.state != circuitOpen || b.cooldown <= 0 {
		return 0
	}
	elapsed := time.Since(b.reconnect.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

// States reports each circuit's state keyed by action, for status output.
func (b *Breaker) States() map[string]string {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]string{
		b.place.name:     string(b.place.state),
		b.poll.name:      string(b.poll.state),
		b.reconnect.name: string(b.reconnect.state),
	}
}

func (b *Breaker) allow(c *circuit) error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	if c.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.cooldown > 0 && time.Now().UTC().Sub(c.openedAt) < b.cooldown {
		err := c.openErr
		if err == nil {
			err = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, c.name)
		}
		b.mu.Unlock()
		return err
	}
	c.state = circuitHalfOpen
	c.halfOpenSuccess = 0
	c.failures = 0
	c.openErr = nil
	alerter := b.alerter
	cooldownSec := int64(b.cooldown / time.Second)
	b.mu.Unlock()
	log.WithFields(logrus.Fields{
		"event":        "circuit_breaker_half_open",
		"action":       c.name,
		"cooldown_sec": cooldownSec,
	}).Info("circuit half open")
	if alerter != nil {
		alerter.Raise(alert.Event{
			Kind:    alert.CircuitHalfOpen,
			Circuit: c.name,
			Detail:  map[string]string{"cooldown_sec": strconv.FormatInt(cooldownSec, 10)},
		})
	}
	return nil
}

func (b *Breaker) record(c *circuit, err error) error {
	if b == nil || !b.enabled || c == nil {
		return nil
	}

	b.mu.Lock()
	if c.maxFailures < 1 {
		b.mu.Unlock()
		return nil
	}

	if err == nil {
		prevFailures := c.failures
		prevState := c.state
		recovered := false
		switch c.state {
		case circuitHalfOpen:
			c.halfOpenSuccess++
			if c.halfOpenSuccess >= b.probePasses {
				recovered = true
				c.reset()
			}
		case circuitOpen:
			// gated circuits only recover through a half-open probe
			if !c.gated {
				recovered = true
				c.reset()
			}
		case circuitClosed:
			if c.failures > 0 {
				recovered = true
				c.failures = 0
			}
		}
		alerter := b.alerter
		b.mu.Unlock()
		if recovered {
			log.WithFields(logrus.Fields{
				"event":                         "circuit_breaker_recovered",
				"action":                        c.name,
				"previous_consecutive_failures": prevFailures,
				"from_state":                    string(prevState),
			}).Info("circuit recovered")
			if alerter != nil && prevState != circuitClosed {
				alerter.Raise(alert.Event{
					Kind:    alert.CircuitRecovered,
					Circuit: c.name,
					Detail: map[string]string{
						"previous_consecutive_failures": strconv.Itoa(prevFailures),
						"from_state":                    string(prevState),
					},
				})
			}
		}
		return nil
	}

	if c.state == circuitOpen {
		openErr := c.openErr
		if openErr == nil {
			openErr = fmt.Errorf("%w: %s circuit is open", ErrCircuitOpen, c.name)
			c.openErr = openErr
		}
		b.mu.Unlock()
		return openErr
	}

	if c.state == circuitHalfOpen {
		openErr := b.tripLocked(c, err, 1, "half_open_probe_failed")
		alerter := b.alerter
		b.mu.Unlock()
		b.reportTrip(alerter, c, err, "half_open", 1)
		return openErr
	}

	c.failures++
	failures := c.failures
	limit := c.maxFailures
	alerter := b.alerter
	if failures < limit {
		nearTrip := limit > 1 && failures == limit-1
		b.mu.Unlock()
		if nearTrip {
			log.WithFields(logrus.Fields{
				"event":                "circuit_breaker_near_trip",
				"action":               c.name,
				"consecutive_failures": failures,
				"threshold":            limit,
			}).WithError(err).Warn("circuit near trip")
			if alerter != nil && c.name == ActionPlace {
				alerter.Raise(alert.Event{
					Kind:    alert.CircuitNearTrip,
					Circuit: c.name,
					Err:     err,
					Detail: map[string]string{
						"consecutive_failures": strconv.Itoa(failures),
						"threshold":            strconv.Itoa(limit),
					},
				})
			}
		}
		return nil
	}

	openErr := b.tripLocked(c, err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.reportTrip(alerter, c, err, "closed", failures)
	return openErr
}

func (b *Breaker) reportTrip(alerter alert.Alerter, c *circuit, err error, phase string, failures int) {
	log.WithFields(logrus.Fields{
		"event":                "circuit_breaker_trip",
		"action":               c.name,
		"phase":                phase,
		"consecutive_failures": failures,
		"threshold":            c.maxFailures,
	}).WithError(err).Error("circuit tripped")
	if alerter != nil {
		alerter.Raise(alert.Event{
			Kind:    alert.CircuitTrip,
			Circuit: c.name,
			Err:     err,
			Detail: map[string]string{
				"phase":                phase,
				"consecutive_failures": strconv.Itoa(failures),
				"threshold":            strconv.Itoa(c.maxFailures),
			},
		})
	}
}

func (b *Breaker) tripLocked(c *circuit, err error, failures int, reason string) error {
	if failures < 1 {
		failures = c.maxFailures
	}
	c.state = circuitOpen
	c.openedAt = time.Now().UTC()
	c.halfOpenSuccess = 0
	c.failures = failures
	if c.gated && b.cooldown > 0 {
		c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, cooldown=%s, reason=%s, last error: %v", ErrCircuitOpen, c.name, failures, b.cooldown, reason, err)
	} else {
		c.openErr = fmt.Errorf("%w: %s failed %d consecutive times, reason=%s, last error: %v", ErrCircuitOpen, c.name, failures, reason, err)
	}
	return c.openErr
}

func (c *circuit) reset() {
	c.state = circuitClosed
	c.failures = 0
	c.openErr = nil
	c.openedAt = time.Time{}
	c.halfOpenSuccess = 0
}

// GuardedBroker routes order traffic through the breaker. Market data passes
// straight to the wrapped broker.
type GuardedBroker struct {
	exchange.Broker
	breaker *Breaker
}

func NewGuardedBroker(inner exchange.Broker, breaker *Breaker) *GuardedBroker {
	return &GuardedBroker{Broker: inner, breaker: breaker}
}

func (g *GuardedBroker) Buy(ctx context.Context, market string, qty, price decimal.Decimal, flags core.OrderFlags) (core.OrderResult, error) {
	if err := g.breaker.AllowPlace(); err != nil {
		return core.OrderResult{}, err
	}
	res, err := g.Broker.Buy(ctx, market, qty, price, flags)
	if trip := g.breaker.RecordPlace(err); trip != nil {
		return res, trip
	}
	return res, err
}

func (g *GuardedBroker) Sell(ctx context.Context, market string, qty, price decimal.Decimal, flags core.OrderFlags) (core.OrderResult, error) {
	if err := g.breaker.AllowPlace(); err != nil {
		return core.OrderResult{}, err
	}
	res, err := g.Broker.Sell(ctx, market, qty, price, flags)
	if trip := g.breaker.RecordPlace(err); trip != nil {
		return res, trip
	}
	return res, err
}

func (g *GuardedBroker) OrderStatus(ctx context.Context, market, orderID string) (core.OrderResult, error) {
	res, err := g.Broker.OrderStatus(ctx, market, orderID)
	if trip := g.breaker.RecordPoll(err); trip != nil {
		return res, trip
	}
	return res, err
}
