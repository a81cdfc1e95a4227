package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bridge-rotation/internal/core"
	"bridge-rotation/internal/exchange/binance"
	"bridge-rotation/internal/replay"
)

type klinesOptions struct {
	days     int
	startRaw string
	endRaw   string
	outDir   string
}

// klineFetcher is the slice of the binance client the download loop needs.
type klineFetcher interface {
	Klines(ctx context.Context, market, interval string, start, end time.Time, limit int) ([]core.Candle, error)
}

func newKlinesCmd() *cobra.Command {
	var opts klinesOptions
	cmd := &cobra.Command{
		Use:   "klines",
		Short: "Download bridge market klines of the configured coins for replay mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Coins) == 0 {
				return errors.New("config coins list is required to download klines")
			}
			start, end, err := resolveWindow(opts.days, opts.startRaw, opts.endRaw, time.Now().UTC())
			if err != nil {
				return err
			}
			outDir := opts.outDir
			if outDir == "" {
				outDir = cfg.Replay.DataDir
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			client := binance.NewClient(cfg.Exchange, cfg.InstanceID)
			for _, code := range cfg.Coins {
				market := code + cfg.Bridge
				n, err := downloadKlines(ctx, client, outDir, market, cfg.Engine.CandleInterval, start, end)
				if err != nil {
					return fmt.Errorf("%s: %w", market, err)
				}
				fmt.Printf("done: market=%s records=%d output=%s\n", market, n, replay.MarketDir(outDir, market, cfg.Engine.CandleInterval))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.days, "days", 7, "how many days to fetch back from now")
	cmd.Flags().StringVar(&opts.startRaw, "start", "", "start time (YYYY-MM-DD or RFC3339, UTC)")
	cmd.Flags().StringVar(&opts.endRaw, "end", "", "end time (YYYY-MM-DD or RFC3339, UTC), inclusive for date")
	cmd.Flags().StringVar(&opts.outDir, "out-dir", "", "output root dir, defaults to replay.data_dir")
	return cmd
}

func downloadKlines(ctx context.Context, client klineFetcher, root, market, interval string, start, end time.Time) (int, error) {
	writer, err := replay.NewDailyWriter(replay.MarketDir(root, market, interval))
	if err != nil {
		return 0, err
	}
	total := 0
	cursor := start
	for cursor.Before(end) {
		batch, err := client.Klines(ctx, market, interval, cursor, end, 1000)
		if err != nil {
			_ = writer.Close()
			return total, err
		}
		if len(batch) == 0 {
			break
		}
		advanced := false
		for _, c := range batch {
			if c.OpenTime.Before(cursor) || !c.OpenTime.Before(end) {
				continue
			}
			if err := writer.Write(c); err != nil {
				_ = writer.Close()
				return total, err
			}
			total++
			cursor = c.OpenTime.Add(time.Millisecond)
			advanced = true
		}
		if !advanced {
			break
		}
	}
	return total, writer.Close()
}

func resolveWindow(days int, startRaw, endRaw string, now time.Time) (time.Time, time.Time, error) {
	startRaw = strings.TrimSpace(startRaw)
	endRaw = strings.TrimSpace(endRaw)
	if startRaw == "" && endRaw == "" {
		if days < 1 {
			return time.Time{}, time.Time{}, errors.New("days must be >= 1")
		}
		return now.AddDate(0, 0, -days), now, nil
	}
	if startRaw == "" || endRaw == "" {
		return time.Time{}, time.Time{}, errors.New("start and end must be provided together")
	}
	start, startDateOnly, err := parseRangeTime(startRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
	}
	end, endDateOnly, err := parseRangeTime(endRaw)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
	}
	if startDateOnly {
		start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	}
	if endDateOnly {
		end = time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, errors.New("end must be after start")
	}
	return start.UTC(), end.UTC(), nil
}

func parseRangeTime(raw string) (time.Time, bool, error) {
	if len(raw) == len("2006-01-02") {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return time.Time{}, false, err
		}
		return t, true, nil
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), false, nil
		}
	}
	return time.Time{}, false, errors.New("unsupported time format")
}
