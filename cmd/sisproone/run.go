package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/salvadorguc/sisproone-micro/cmd/sisproone/ui"
	"github.com/salvadorguc/sisproone-micro/config"
	"github.com/salvadorguc/sisproone-micro/internal/alert"
	"github.com/salvadorguc/sisproone-micro/internal/buffer"
	"github.com/salvadorguc/sisproone-micro/internal/bus"
	"github.com/salvadorguc/sisproone-micro/internal/clock"
	"github.com/salvadorguc/sisproone-micro/internal/gateway"
	"github.com/salvadorguc/sisproone-micro/internal/mes"
	"github.com/salvadorguc/sisproone-micro/internal/replicate"
	"github.com/salvadorguc/sisproone-micro/internal/rs485"
)

func runCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the gateway engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, cfg)
		},
	}
}

func runEngine(ctx context.Context, cfg *config.Config) error {
	store, err := buffer.Open(cfg.Buffer.Path, nil)
	if err != nil {
		return fmt.Errorf("open buffer: %w", err)
	}

	client := mes.New(cfg.MES.BaseURL, cfg.MES.Username, cfg.MES.Password, cfg.MES.CompanyID)
	authCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = client.Authenticate(authCtx)
	cancel()
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("mes login: %w", err)
	}

	port, err := rs485.Open(cfg.RS485.Port, cfg.RS485.Baud, cfg.ReadTimeout())
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("open serial: %w", err)
	}

	events := bus.New()
	repl := replicate.New(store, client, events,
		cfg.SyncInterval(), cfg.Buffer.BatchMax, cfg.Sync.MaxAttemptsPerPass)
	dial := func() (gateway.Transport, error) {
		return rs485.Open(cfg.RS485.Port, cfg.RS485.Baud, cfg.ReadTimeout())
	}
	engine := gateway.New(cfg, store, client, repl, events, port, dial)

	drift := clock.NewNTPChecker(nil)
	go drift.Run(ctx)
	go watchDrift(ctx, drift)

	if cfg.Alert.Enabled {
		ch, cancelSub := events.Subscribe(16)
		defer cancelSub()
		go alert.NewNotifier(cfg.Alert).Run(ctx, ch)
	}

	feed, cancelFeed := events.Subscribe(128)
	defer cancelFeed()
	go printFeed(feed)

	slog.Info("gateway running",
		"serial", cfg.RS485.Port, "baud", cfg.RS485.Baud,
		"mes", cfg.MES.BaseURL, "buffer", cfg.Buffer.Path)
	return engine.Run(ctx)
}

// watchDrift logs when the wall clock drifts past the checker's threshold.
// Timestamps stay on wall time; the operator fixes the clock, not the engine.
func watchDrift(ctx context.Context, drift *clock.NTPChecker) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s := drift.Status(); !s.CheckedAt.IsZero() && !s.Healthy {
				slog.Warn("wall clock drift detected", "offset", s.Offset, "error", s.Error)
			}
		}
	}
}

// printFeed writes a human line per engine event.
func printFeed(events <-chan bus.Event) {
	for ev := range events {
		var line string
		switch ev.Type {
		case bus.CountUpdated:
			line = ui.SuccessMsg("%s +%d (counter %d, seq %d)", ev.OrderCode, ev.Delta, ev.Counter, ev.Seq)
		case bus.ProgressUpdated:
			line = ui.InfoMsg("%s pending %d (%.0f%%)", ev.OrderCode, ev.Pending, ev.Ratio*100)
		case bus.StateChanged:
			line = ui.InfoMsg("state %s", ui.Bold(ev.Phase))
		case bus.DeviceHeartbeat:
			continue
		case bus.DeviceReset:
			line = ui.WarnMsg("device %s reset (counter %d)", ev.DeviceID, ev.Counter)
		case bus.StaleCounterDetected:
			line = ui.WarnMsg("device %s holds stale count %d, decision required", ev.DeviceID, ev.Counter)
		case bus.LecturaCompleted:
			line = ui.SuccessMsg("device %s reports completion", ev.DeviceID)
		case bus.IncrementRejected:
			line = ui.WarnMsg("increment seq %d rejected: %s", ev.Seq, ev.Reason)
		case bus.SyncStarted:
			line = ui.Muted(fmt.Sprintf("sync started, %d pending", ev.Pending))
		case bus.SyncCompleted:
			line = ui.InfoMsg("sync done: %d uploaded, %d pending", ev.Uploaded, ev.Pending)
		case bus.EngineFailed:
			line = ui.ErrorMsg("engine failed: %s", ev.Reason)
		default:
			continue
		}
		fmt.Println(line)
	}
}
