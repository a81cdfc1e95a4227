package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"bridge-rotation/internal/alert"
	"bridge-rotation/internal/api"
	"bridge-rotation/internal/config"
	"bridge-rotation/internal/engine"
	"bridge-rotation/internal/exchange"
	"bridge-rotation/internal/exchange/binance"
	"bridge-rotation/internal/exchange/paper"
	"bridge-rotation/internal/logging"
	"bridge-rotation/internal/replay"
	"bridge-rotation/internal/safety"
	"bridge-rotation/internal/store"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Bootstrap the trader and rotate on joint market ticks until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logCloser, err := logging.Init(cfg.Log)
	if err != nil {
		return pkgerrors.Wrap(err, "init logging")
	}
	defer logCloser.Close()
	log := logging.For("main")

	alerts := buildAlerts(cfg)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				log.WithError(err).Warn("close alert manager failed")
			}
		}()
	}

	lockTakeover := true
	if cfg.State.LockTakeover != nil {
		lockTakeover = *cfg.State.LockTakeover
	}
	stateLock, err := store.LockState(cfg.State.Dir, ownerFor(cfg), store.LockOptions{
		TakeoverEnabled: lockTakeover,
		StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
	})
	if err != nil {
		return err
	}
	defer func() {
		if relErr := stateLock.Release(); relErr != nil {
			log.WithError(relErr).Warn("release state lock failed")
		}
	}()
	stateDir := stateDirFor(cfg)
	repo, err := store.New(stateDir)
	if err != nil {
		return err
	}

	ledger, err := store.OpenLedger(ledgerPathFor(cfg, stateDir))
	if err != nil {
		return err
	}
	defer ledger.Close()

	client := binance.NewClient(cfg.Exchange, cfg.InstanceID)
	client.SetAlerter(alerts)
	breaker := safety.NewBreaker(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.MaxPlaceFailures,
		cfg.CircuitBreaker.MaxPollFailures,
		cfg.CircuitBreaker.MaxReconnectFailures,
	)
	breaker.SetRecovery(time.Duration(cfg.CircuitBreaker.CooldownSec)*time.Second, cfg.CircuitBreaker.ProbePasses)
	breaker.SetAlerter(alerts)
	client.SetReconnectGuard(breaker)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	broker, finished, err := buildBroker(cfg, client)
	if err != nil {
		return err
	}
	if finished != nil {
		go func() {
			select {
			case <-finished:
				log.WithField("event", "replay_done").Info("replay exhausted, stopping")
				cancel()
			case <-runCtx.Done():
			}
		}()
	}
	guarded := safety.NewGuardedBroker(broker, breaker)

	universe, trader, err := engine.Bootstrap(runCtx, guarded, repo, cfg)
	if err != nil {
		return err
	}
	runner, err := engine.NewRunner(engine.Options{
		Broker:          guarded,
		Trader:          trader,
		Universe:        universe,
		Store:           stateLock.Guard(repo),
		Ledger:          ledger,
		Alerts:          alerts,
		Breaker:         breaker,
		Mode:            string(cfg.Mode),
		InstanceID:      cfg.InstanceID,
		Interval:        cfg.Engine.CandleInterval,
		PollInterval:    time.Duration(cfg.Engine.PollIntervalMs) * time.Millisecond,
		PollConcurrency: cfg.Engine.PollConcurrency,
		StatusInterval:  time.Duration(cfg.Engine.StatusIntervalSec) * time.Second,
		AutoStart:       cfg.Engine.AutoStart == nil || *cfg.Engine.AutoStart,
	})
	if err != nil {
		return err
	}

	if cfg.HTTP.Enabled {
		srv, err := api.New(runner, ledger)
		if err != nil {
			return err
		}
		httpSrv := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           srv.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.WithFields(logrus.Fields{"event": "http_listening", "listen": cfg.HTTP.Listen}).Info("control surface listening")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithField("event", "http_failed").WithError(err).Error("http server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
		}()
	}

	log.WithFields(logrus.Fields{
		"event":    "rotator_start",
		"mode":     cfg.Mode,
		"instance": cfg.InstanceID,
		"bridge":   cfg.Bridge,
		"coins":    strings.Join(universe.Codes(), ","),
		"state":    stateDir,
	}).Info("rotator starting")
	if err := runner.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// buildBroker picks the account side for the mode. Paper and replay fill
// against a local wallet; replay also reports when its data runs out.
func buildBroker(cfg config.Config, client *binance.Client) (exchange.Broker, <-chan struct{}, error) {
	switch cfg.Mode {
	case config.ModeLive, config.ModeTestnet:
		return client, nil, nil
	case config.ModePaper:
		b, err := paper.New(client, paperBalances(cfg), cfg.Paper.FeeRate.Decimal)
		return b, nil, err
	case config.ModeReplay:
		src, err := replay.NewSource(client, cfg.Replay.DataDir, cfg.Engine.CandleInterval, time.Duration(cfg.Replay.PaceMs)*time.Millisecond)
		if err != nil {
			return nil, nil, err
		}
		b, err := paper.New(src, paperBalances(cfg), cfg.Paper.FeeRate.Decimal)
		if err != nil {
			return nil, nil, err
		}
		return b, src.Finished(), nil
	}
	return nil, nil, fmt.Errorf("unknown mode %q", cfg.Mode)
}

func paperBalances(cfg config.Config) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(cfg.Paper.InitialBalances))
	for code, v := range cfg.Paper.InitialBalances {
		out[code] = v.Decimal
	}
	return out
}

func ownerFor(cfg config.Config) store.Owner {
	return store.Owner{Mode: string(cfg.Mode), Bridge: cfg.Bridge, Instance: cfg.InstanceID}
}

func stateDirFor(cfg config.Config) string {
	return store.StateDir(cfg.State.Dir, ownerFor(cfg))
}

func ledgerPathFor(cfg config.Config, stateDir string) string {
	if filepath.IsAbs(cfg.State.LedgerPath) {
		return cfg.State.LedgerPath
	}
	return filepath.Join(stateDir, cfg.State.LedgerPath)
}

// buildAlerts returns a nil dispatcher when telegram is off; Raise on it is a no-op.
func buildAlerts(cfg config.Config) *alert.Dispatcher {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(
		tg.Enabled,
		tg.BotToken,
		tg.ChatID,
		tg.APIBaseURL,
		time.Duration(tg.TimeoutSec)*time.Second,
	)
	labels := alert.Labels{Mode: string(cfg.Mode), Instance: cfg.InstanceID, Bridge: cfg.Bridge}
	return alert.NewDispatcher(labels, notifier, alert.Options{
		Throttle: time.Duration(cfg.Observability.AlertThrottleSec) * time.Second,
	})
}
