package alert

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "alert")

type Notifier interface {
	Notify(ctx context.Context, msg string) error
}

// Alerter is what the engine, breaker and exchange client raise events on.
type Alerter interface {
	Raise(ev Event)
}

const (
	defaultQueueSize = 128
	defaultThrottle  = time.Minute
	notifyTimeout    = 20 * time.Second
)

// Labels identify the running rotator in every message.
type Labels struct {
	Mode     string
	Instance string
	Bridge   string
}

type Options struct {
	QueueSize int
	// Throttle is the minimum gap between two messages about the same
	// subject. Zero sends every event.
	Throttle time.Duration
}

// Dispatcher delivers events to a Notifier from a single worker. Raise never
// blocks: overflow is counted and reported on the next delivered message,
// as are repeats swallowed by the throttle.
type Dispatcher struct {
	labels   Labels
	notifier Notifier
	throttle time.Duration
	now      func() time.Time

	queue   chan Event
	stop    chan struct{}
	done    chan struct{}
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool

	// worker-owned
	lastSent   map[string]time.Time
	suppressed map[string]int
}

// NewDispatcher returns nil when notifier is nil; every method is nil-safe.
func NewDispatcher(labels Labels, notifier Notifier, opts Options) *Dispatcher {
	if notifier == nil {
		return nil
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Throttle < 0 {
		opts.Throttle = 0
	}
	d := &Dispatcher{
		labels:     labels,
		notifier:   notifier,
		throttle:   opts.Throttle,
		now:        time.Now,
		queue:      make(chan Event, opts.QueueSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		lastSent:   make(map[string]time.Time),
		suppressed: make(map[string]int),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) Raise(ev Event) {
	if d == nil {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- ev:
	default:
		if n := d.dropped.Add(1); n == 1 {
			log.WithFields(logrus.Fields{
				"event":      "alert_queue_dropped",
				"alert_kind": ev.Kind,
				"queue_cap":  cap(d.queue),
			}).Warn("alert dropped")
		}
	}
}

// Close stops intake and waits for queued events to be delivered.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.stop)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case ev := <-d.queue:
			d.deliver(ev)
		case <-d.stop:
			for {
				select {
				case ev := <-d.queue:
					d.deliver(ev)
				default:
					if n := d.dropped.Load(); n > 0 {
						log.WithFields(logrus.Fields{
							"event":   "alert_queue_dropped_report",
							"dropped": n,
						}).Warn("alerts dropped before shutdown")
					}
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	key := ev.subject()
	now := d.now()
	if d.throttle > 0 && !ev.Kind.Critical() {
		if last, ok := d.lastSent[key]; ok && now.Sub(last) < d.throttle {
			d.suppressed[key]++
			return
		}
	}
	d.lastSent[key] = now
	repeats := d.suppressed[key]
	delete(d.suppressed, key)

	msg := d.render(ev, now, repeats, d.dropped.Swap(0))
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, msg); err != nil {
		log.WithFields(logrus.Fields{
			"event":        "alert_notify_failed",
			"alert_kind":   ev.Kind,
			"operation_id": ev.OperationID,
		}).WithError(err).Error("alert notify failed")
	}
}

func (d *Dispatcher) render(ev Event, at time.Time, repeats int, dropped uint64) string {
	lines := []string{
		fmt.Sprintf("[rotator %s/%s] %s", d.labels.Mode, d.labels.Instance, ev.Kind),
		"bridge: " + d.labels.Bridge,
	}
	lines = append(lines, ev.lines()...)
	if repeats > 0 {
		lines = append(lines, fmt.Sprintf("repeated: %d more since last notice", repeats))
	}
	if dropped > 0 {
		lines = append(lines, fmt.Sprintf("dropped: %d alerts lost to a full queue", dropped))
	}
	lines = append(lines, "time: "+at.UTC().Format(time.RFC3339))
	return strings.Join(lines, "\n")
}
