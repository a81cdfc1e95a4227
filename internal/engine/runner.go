package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"bridge-rotation/internal/alert"
	"bridge-rotation/internal/core"
	"bridge-rotation/internal/domain"
	"bridge-rotation/internal/exchange"
	"bridge-rotation/internal/store"
)

var log = logrus.WithField("component", "engine")

var ErrNotRunning = errors.New("runner not running")

const (
	defaultPollInterval    = 3 * time.Second
	defaultPollConcurrency = 8
	defaultStatusInterval  = 30 * time.Second
	candleBuffer           = 1024
)

// StateStore persists the trader state between runs.
type StateStore interface {
	SaveAssets(assets []domain.AssetSnapshot) error
	SaveRatios(ratios domain.Ratios) error
	SaveRuntimeStatus(status store.RuntimeStatus) error
}

// LegLedger keeps the history of legs and finished operations.
type LegLedger interface {
	RecordLeg(ctx context.Context, rec store.LegRecord) error
	RecordOperation(ctx context.Context, rec store.OperationRecord) error
}

type BreakerStatus interface {
	States() map[string]string
}

type Options struct {
	Broker   exchange.Broker
	Trader   *domain.Trader
	Universe *domain.Universe
	Store    StateStore
	Ledger   LegLedger
	Alerts   alert.Alerter
	Breaker  BreakerStatus

	Mode       string
	InstanceID string
	Interval   string

	PollInterval    time.Duration
	PollConcurrency int
	StatusInterval  time.Duration
	AutoStart       bool
}

// Runner drives the trader from joint market ticks. The trader, the universe
// and every leg are owned by the goroutine running Run; order placement and
// polling run elsewhere and report back over channels.
type Runner struct {
	opts Options

	cmds    chan command
	candles chan streamCandle
	placed  chan placeResult
	polled  chan pollResult
	done    chan struct{}
	workers sync.WaitGroup

	zip          *Zip
	tickers      bool
	generation   int
	streamCancel context.CancelFunc
	legs         map[string]*legState
	polling      map[string]struct{}
	startedAt    time.Time
	lastTickAt   time.Time
	lastErr      error
}

// streamCandle tags a candle with the subscription that produced it, so
// candles of a stopped subscription never reach a later zip.
type streamCandle struct {
	generation int
	candle     core.Candle
}

type legState struct {
	op      *domain.Operation
	leg     *domain.Trade
	placing bool
}

type placeResult struct {
	legID  string
	qty    decimal.Decimal
	price  decimal.Decimal
	result core.OrderResult
	err    error
}

type pollQuery struct {
	legID   string
	market  string
	orderID string
}

type pollResult struct {
	legID  string
	result core.OrderResult
	err    error
}

type commandKind int

const (
	cmdStartTickers commandKind = iota
	cmdStopTickers
	cmdSaveState
	cmdStatus
)

type command struct {
	kind  commandKind
	reply chan commandReply
}

type commandReply struct {
	status Status
	err    error
}

func NewRunner(opts Options) (*Runner, error) {
	if opts.Broker == nil || opts.Trader == nil || opts.Universe == nil {
		return nil, errors.New("runner requires broker, trader and universe")
	}
	if opts.Interval == "" {
		opts.Interval = "1m"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.PollConcurrency <= 0 {
		opts.PollConcurrency = defaultPollConcurrency
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = defaultStatusInterval
	}
	if opts.Mode == "" {
		opts.Mode = "paper"
	}
	if opts.InstanceID == "" {
		opts.InstanceID = "default"
	}
	return &Runner{
		opts:    opts,
		cmds:    make(chan command),
		candles: make(chan streamCandle, candleBuffer),
		placed:  make(chan placeResult),
		polled:  make(chan pollResult),
		done:    make(chan struct{}),
		legs:    make(map[string]*legState),
		polling: make(map[string]struct{}),
	}, nil
}

// Run owns the trader until ctx is cancelled. On the way out it stops the
// streams, waits for in-flight exchange calls and saves the state.
func (r *Runner) Run(ctx context.Context) (runErr error) {
	defer close(r.done)
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.startedAt = time.Now().UTC()
	r.persistRuntimeStatus("starting", nil)
	defer func() {
		err := runErr
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		r.persistRuntimeStatus("stopped", err)
	}()

	if r.opts.AutoStart {
		if err := r.startTickers(loopCtx); err != nil {
			r.lastErr = err
			log.WithFields(logrus.Fields{"event": "tickers_start_failed"}).WithError(err).Error("start tickers failed")
			r.raise(alert.Event{Kind: alert.TickersFailed, Err: err})
		}
	}
	r.persistRuntimeStatus("running", nil)

	pollTick := time.NewTicker(r.opts.PollInterval)
	defer pollTick.Stop()
	statusTick := time.NewTicker(r.opts.StatusInterval)
	defer statusTick.Stop()

	for {
		select {
		case c := <-r.candles:
			r.onCandle(loopCtx, c)
		case res := <-r.placed:
			r.onPlaced(loopCtx, res)
		case res := <-r.polled:
			r.onPolled(loopCtx, res)
		case cmd := <-r.cmds:
			cmd.reply <- r.handle(loopCtx, cmd.kind)
		case <-pollTick.C:
			r.pollPending(loopCtx)
		case <-statusTick.C:
			r.persistRuntimeStatus("running", r.lastErr)
		case <-ctx.Done():
			return r.shutdown(cancel, ctx.Err())
		}
	}
}

func (r *Runner) shutdown(cancel context.CancelFunc, cause error) error {
	r.stopTickers()
	cancel()
	r.workers.Wait()
	if n := len(r.legs); n > 0 {
		log.WithFields(logrus.Fields{
			"event": "legs_unresolved",
			"legs":  n,
		}).Warn("stopping with open legs")
		r.raise(alert.Event{Kind: alert.LegsUnresolved, Detail: map[string]string{"legs": fmt.Sprint(n)}})
	}
	if err := r.saveState(); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// StartTickers subscribes to every bridge market of the universe.
func (r *Runner) StartTickers(ctx context.Context) error {
	_, err := r.do(ctx, cmdStartTickers)
	return err
}

// StopTickers unsubscribes every stream. Open legs keep being polled.
func (r *Runner) StopTickers(ctx context.Context) error {
	_, err := r.do(ctx, cmdStopTickers)
	return err
}

func (r *Runner) SaveState(ctx context.Context) error {
	_, err := r.do(ctx, cmdSaveState)
	return err
}

func (r *Runner) Status(ctx context.Context) (Status, error) {
	rep, err := r.do(ctx, cmdStatus)
	return rep.status, err
}

func (r *Runner) do(ctx context.Context, kind commandKind) (commandReply, error) {
	reply := make(chan commandReply, 1)
	select {
	case r.cmds <- command{kind: kind, reply: reply}:
	case <-r.done:
		return commandReply{}, ErrNotRunning
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	}
	select {
	case rep := <-reply:
		return rep, rep.err
	case <-ctx.Done():
		return commandReply{}, ctx.Err()
	}
}

func (r *Runner) handle(ctx context.Context, kind commandKind) commandReply {
	switch kind {
	case cmdStartTickers:
		return commandReply{err: r.startTickers(ctx)}
	case cmdStopTickers:
		r.stopTickers()
		return commandReply{}
	case cmdSaveState:
		return commandReply{err: r.saveState()}
	case cmdStatus:
		return commandReply{status: r.snapshot()}
	}
	return commandReply{err: fmt.Errorf("unknown command %d", kind)}
}

func (r *Runner) startTickers(ctx context.Context) error {
	if r.tickers {
		return nil
	}
	markets := r.opts.Universe.Markets()
	if len(markets) == 0 {
		return errors.New("no markets to subscribe")
	}
	r.generation++
	generation := r.generation
	streamCtx, cancel := context.WithCancel(ctx)
	handler := func(c core.Candle) {
		select {
		case r.candles <- streamCandle{generation: generation, candle: c}:
		case <-streamCtx.Done():
		}
	}
	if err := r.opts.Broker.Candlesticks(streamCtx, markets, r.opts.Interval, handler); err != nil {
		cancel()
		return fmt.Errorf("subscribe candlesticks: %w", err)
	}
	r.zip = NewZip(markets)
	r.tickers = true
	r.streamCancel = cancel
	log.WithFields(logrus.Fields{
		"event":    "tickers_started",
		"markets":  len(markets),
		"interval": r.opts.Interval,
	}).Info("tickers started")
	return nil
}

func (r *Runner) stopTickers() {
	if !r.tickers {
		return
	}
	r.streamCancel()
	r.opts.Broker.CloseWebSockets()
	r.tickers = false
	r.streamCancel = nil
	r.zip = nil
	dropped := r.drainCandles()
	log.WithFields(logrus.Fields{"event": "tickers_stopped", "dropped": dropped}).Info("tickers stopped")
}

// drainCandles empties the buffer of the stopped subscription.
func (r *Runner) drainCandles() int {
	n := 0
	for {
		select {
		case <-r.candles:
			n++
		default:
			return n
		}
	}
}

func (r *Runner) onCandle(ctx context.Context, sc streamCandle) {
	if !r.tickers || sc.generation != r.generation {
		return
	}
	tick, ok := r.zip.Push(sc.candle)
	if !ok {
		return
	}
	if err := r.opts.Universe.UpdateFromCandles(tick); err != nil {
		log.WithField("event", "joint_tick_rejected").WithError(err).Warn("joint tick rejected")
		return
	}
	r.lastTickAt = time.Now().UTC()
	r.evaluate(ctx)
}

func (r *Runner) evaluate(ctx context.Context) {
	ev, ok := r.opts.Trader.EvaluateMarket()
	if !ok {
		return
	}
	op, leg, err := r.opts.Trader.AddOperation(ev)
	if err != nil {
		log.WithFields(logrus.Fields{
			"event":  "operation_start_failed",
			"source": ev.Asset.Code(),
			"target": ev.Target.Code,
		}).WithError(err).Warn("operation start failed")
		return
	}
	log.WithFields(logrus.Fields{
		"event":        "operation_started",
		"operation_id": op.ID(),
		"source":       op.Source().Code,
		"target":       op.Target().Code,
		"amount":       op.Amount().String(),
		"ratio_growth": op.RatioGrowth().String(),
		"direct":       op.Direct(),
	}).Info("operation started")
	r.dispatch(ctx, op, leg)
}

// dispatch places leg off the loop. The leg stays registered so its result,
// or a later poll, finds it again.
func (r *Runner) dispatch(ctx context.Context, op *domain.Operation, leg *domain.Trade) {
	st := &legState{op: op, leg: leg, placing: true}
	r.legs[leg.ID()] = st
	r.recordLeg(ctx, st)

	order := leg.Order()
	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		res := r.place(ctx, order)
		select {
		case r.placed <- res:
		case <-ctx.Done():
		}
	}()
}

func (r *Runner) place(ctx context.Context, order domain.LegOrder) placeResult {
	out := placeResult{legID: order.LegID}
	price, err := r.opts.Broker.Price(ctx, order.Market)
	if err != nil {
		out.err = fmt.Errorf("%w: price %s: %w", core.ErrOrderPlacement, order.Market, err)
		return out
	}
	qty, err := order.Quantity(price)
	if err != nil {
		out.err = fmt.Errorf("%w: %w", core.ErrOrderPlacement, err)
		return out
	}
	out.qty, out.price = qty, price

	flags := core.OrderFlags{Type: core.Limit}
	var res core.OrderResult
	if order.Side == core.Buy {
		res, err = r.opts.Broker.Buy(ctx, order.Market, qty, price, flags)
	} else {
		res, err = r.opts.Broker.Sell(ctx, order.Market, qty, price, flags)
	}
	if err != nil {
		out.err = fmt.Errorf("%w: %w", core.ErrOrderPlacement, err)
		return out
	}
	out.result = res
	return out
}

func (r *Runner) onPlaced(ctx context.Context, res placeResult) {
	st, ok := r.legs[res.legID]
	if !ok {
		return
	}
	st.placing = false
	fields := logrus.Fields{
		"operation_id": st.op.ID(),
		"leg_id":       st.leg.ID(),
		"market":       st.leg.Market(),
		"side":         st.leg.Side(),
	}
	update := domain.CanceledUpdate()
	if res.err != nil {
		r.lastErr = res.err
		fields["event"] = "leg_place_failed"
		log.WithFields(fields).WithError(res.err).Warn("leg placement failed")
		r.raise(operationEvent(alert.PlacementFailed, st.op, st.leg, res.err))
	} else {
		fields["event"] = "leg_placed"
		fields["order_id"] = res.result.OrderID
		fields["qty"] = res.qty.String()
		fields["price"] = res.price.String()
		fields["status"] = res.result.Status
		log.WithFields(fields).Info("leg placed")
		update = domain.UpdateFromOrder(st.leg.Side(), res.result)
	}
	r.advance(ctx, st, update)
}

// pollPending asks the exchange about every placed, unfinished leg that is
// not already being polled.
func (r *Runner) pollPending(ctx context.Context) {
	var queries []pollQuery
	for id, st := range r.legs {
		if st.placing || st.leg.OrderID() == "" {
			continue
		}
		if _, busy := r.polling[id]; busy {
			continue
		}
		r.polling[id] = struct{}{}
		queries = append(queries, pollQuery{legID: id, market: st.leg.Market(), orderID: st.leg.OrderID()})
	}
	if len(queries) == 0 {
		return
	}
	r.workers.Add(1)
	go func() {
		defer r.workers.Done()
		var g errgroup.Group
		g.SetLimit(r.opts.PollConcurrency)
		for _, q := range queries {
			q := q
			g.Go(func() error {
				res, err := r.opts.Broker.OrderStatus(ctx, q.market, q.orderID)
				select {
				case r.polled <- pollResult{legID: q.legID, result: res, err: err}:
				case <-ctx.Done():
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (r *Runner) onPolled(ctx context.Context, res pollResult) {
	delete(r.polling, res.legID)
	st, ok := r.legs[res.legID]
	if !ok {
		return
	}
	if res.err != nil {
		r.lastErr = res.err
		log.WithFields(logrus.Fields{
			"event":    "leg_poll_failed",
			"leg_id":   st.leg.ID(),
			"market":   st.leg.Market(),
			"order_id": st.leg.OrderID(),
		}).WithError(res.err).Warn("leg poll failed")
		return
	}
	r.advance(ctx, st, domain.UpdateFromOrder(st.leg.Side(), res.result))
}

func (r *Runner) advance(ctx context.Context, st *legState, update domain.OrderUpdate) {
	prevStatus, prevExec := st.leg.Status(), st.leg.Executed()
	step, err := r.opts.Trader.Advance(st.op, st.leg, update)
	if err != nil {
		r.lastErr = err
		log.WithFields(logrus.Fields{
			"event":        "operation_advance_failed",
			"operation_id": st.op.ID(),
			"leg_id":       st.leg.ID(),
		}).WithError(err).Error("operation advance failed")
	}
	exec := st.leg.Executed()
	if st.leg.Status() != prevStatus || !exec.Base.Equal(prevExec.Base) || !exec.Quote.Equal(prevExec.Quote) {
		r.recordLeg(ctx, st)
	}
	if st.leg.Terminal() || err != nil {
		delete(r.legs, st.leg.ID())
	}
	if step.Next != nil {
		r.dispatch(ctx, st.op, step.Next)
	}
	if step.Settlement != nil {
		r.settled(ctx, st.op, *step.Settlement)
	}
}

func (r *Runner) settled(ctx context.Context, op *domain.Operation, s domain.Settlement) {
	rec := store.OperationRecord{
		OperationID: op.ID(),
		Source:      op.Source().Code,
		Target:      op.Target().Code,
		Amount:      op.Amount(),
		RatioGrowth: op.RatioGrowth(),
		Direct:      s.Direct,
		Aborted:     s.Aborted,
		Reason:      string(s.Reason),
		Received:    s.Amount,
		StartedAt:   op.StartedAt(),
		FinishedAt:  time.Now().UTC(),
	}
	if r.opts.Ledger != nil {
		if err := r.opts.Ledger.RecordOperation(ctx, rec); err != nil {
			log.WithField("event", "ledger_write_failed").WithError(err).Warn("record operation failed")
		}
	}
	fields := logrus.Fields{
		"event":        "operation_finished",
		"operation_id": op.ID(),
		"source":       rec.Source,
		"target":       rec.Target,
		"received":     s.Amount.String(),
		"aborted":      s.Aborted,
		"reason":       rec.Reason,
	}
	if s.Aborted {
		log.WithFields(fields).Warn("operation aborted")
		ev := operationEvent(alert.OperationAborted, op, nil, nil)
		ev.Detail = map[string]string{"reason": rec.Reason, "received": s.Amount.String()}
		r.raise(ev)
	} else {
		log.WithFields(fields).Info("operation settled")
	}
	if err := r.saveState(); err != nil {
		r.lastErr = err
		log.WithField("event", "state_write_failed").WithError(err).Error("save state failed")
	}
}

func (r *Runner) recordLeg(ctx context.Context, st *legState) {
	if r.opts.Ledger == nil {
		return
	}
	leg := st.leg
	exec := leg.Executed()
	rec := store.LegRecord{
		LegID:       leg.ID(),
		OperationID: st.op.ID(),
		Market:      leg.Market(),
		Side:        string(leg.Side()),
		From:        leg.From().Code,
		To:          leg.To().Code,
		Amount:      leg.Amount(),
		OrderID:     leg.OrderID(),
		Status:      string(leg.Status()),
		ExecBase:    exec.Base,
		ExecQuote:   exec.Quote,
		Price:       leg.ExecutedPrice(),
		UpdatedAt:   leg.UpdatedAt(),
	}
	// Leg history must survive shutdown even when ctx is already done.
	if err := r.opts.Ledger.RecordLeg(context.WithoutCancel(ctx), rec); err != nil {
		log.WithField("event", "ledger_write_failed").WithError(err).Warn("record leg failed")
	}
}

func (r *Runner) saveState() error {
	if r.opts.Store == nil {
		return nil
	}
	if err := r.opts.Store.SaveAssets(r.opts.Trader.Assets()); err != nil {
		return fmt.Errorf("save assets: %w", err)
	}
	if err := r.opts.Store.SaveRatios(r.opts.Trader.Ratios()); err != nil {
		return fmt.Errorf("save ratios: %w", err)
	}
	return nil
}

func (r *Runner) raise(ev alert.Event) {
	if r.opts.Alerts == nil {
		return
	}
	r.opts.Alerts.Raise(ev)
}

// operationEvent fills the route of op and, when set, the market of leg.
func operationEvent(kind alert.Kind, op *domain.Operation, leg *domain.Trade, err error) alert.Event {
	ev := alert.Event{
		Kind:        kind,
		OperationID: op.ID(),
		Source:      op.Source().Code,
		Target:      op.Target().Code,
		Amount:      op.Amount(),
		RatioGrowth: op.RatioGrowth(),
		Err:         err,
	}
	if leg != nil {
		ev.LegID = leg.ID()
		ev.Market = leg.Market()
		ev.Side = string(leg.Side())
		ev.Amount = leg.Amount()
	}
	return ev
}

func (r *Runner) persistRuntimeStatus(state string, lastErr error) {
	if r.opts.Store == nil {
		return
	}
	snap := r.snapshot()
	status := store.RuntimeStatus{
		Mode:            snap.Mode,
		Bridge:          snap.Bridge,
		InstanceID:      snap.InstanceID,
		PID:             os.Getpid(),
		State:           state,
		Tickers:         snap.Tickers,
		StartedAt:       snap.StartedAt,
		ActiveOps:       len(snap.Operations),
		PendingLegs:     snap.PendingLegs,
		PortfolioValue:  snap.PortfolioValue,
		LastTickAt:      snap.LastTickAt,
		CircuitBreakers: snap.CircuitBreakers,
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if err := r.opts.Store.SaveRuntimeStatus(status); err != nil {
		log.WithField("event", "runtime_status_write_failed").WithError(err).Warn("runtime status write failed")
	}
}
