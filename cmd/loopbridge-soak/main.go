// Command loopbridge-soak runs the cross-loop scenarios against two
// reference event loops, one playing the backend and one the UI, and reports
// the outcome as structured logs and, optionally, Prometheus metrics.
//
// Configuration is merged from defaults, an optional YAML or JSON file,
// LOOPBRIDGE_ environment variables, then flags.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/go-loopbridge"
	"github.com/joeycumines/go-loopbridge/eventloop"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	exitFailure = 1
	exitConfig  = 2
)

// flagKeys maps flag names to config keys.
var flagKeys = map[string]string{
	"log-level":         "log.level",
	"rounds":            "soak.rounds",
	"calls":             "soak.calls",
	"events":            "soak.events",
	"locks":             "soak.locks",
	"tasks":             "soak.tasks",
	"timeout":           "soak.timeout",
	"interval":          "soak.interval",
	"lock-timeout":      "bridge.lock_timeout",
	"poll-interval":     "bridge.poll_interval",
	"max-poll-interval": "bridge.max_poll_interval",
	"metrics-addr":      "metrics.addr",
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stderr).ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "loopbridge-soak:", err)
		stop()
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var details ValidationErrors
	if errors.As(err, &details) {
		return exitConfig
	}
	return exitFailure
}

func newRootCommand(logOutput io.Writer) *cobra.Command {
	var configPath string
	defaults := DefaultConfig()

	cmd := &cobra.Command{
		Use:   "loopbridge-soak",
		Short: "Soak test the loop bridge between two event loops",
		Long: `Runs bridge calls concurrently with posted events, lock sessions with
posts made while locked, and scheduled/cancelled tasks, against a backend and a
UI reference event loop, failing on any lost, duplicated or misordered event.

Example:
  loopbridge-soak --rounds 10 --calls 5000
  LOOPBRIDGE_SOAK_EVENTS=20000 loopbridge-soak -c soak.yaml --metrics-addr :9464`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			overrides, err := flagOverrides(cmd)
			if err != nil {
				return err
			}
			cfg, err := LoadConfig(configPath, overrides)
			if err != nil {
				return err
			}
			logger := stumpy.L.New(
				stumpy.L.WithStumpy(stumpy.WithWriter(logOutput)),
				stumpy.L.WithLevel(cfg.LogLevel()),
			).Logger()
			return run(cmd.Context(), cfg, logger)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "path to a YAML or JSON config file")
	f.String("log-level", defaults.Log.Level, "log level (emerg|alert|crit|err|warning|notice|info|debug|trace)")
	f.Int("rounds", defaults.Soak.Rounds, "number of rounds")
	f.Int("calls", defaults.Soak.Calls, "bridge calls per round")
	f.Int("events", defaults.Soak.Events, "posted events per round")
	f.Int("locks", defaults.Soak.Locks, "lock sessions per round")
	f.Int("tasks", defaults.Soak.Tasks, "scheduled tasks per round, half cancelled")
	f.Duration("timeout", defaults.Soak.Timeout, "deadline for each round")
	f.Duration("interval", defaults.Soak.Interval, "pause between rounds")
	f.Duration("lock-timeout", defaults.Bridge.LockTimeout, "lock watchdog timeout, 0 disables")
	f.Duration("poll-interval", defaults.Bridge.PollInterval, "backend readiness poll interval")
	f.Duration("max-poll-interval", defaults.Bridge.MaxPollInterval, "cap on the backend's idle poll back-off")
	f.String("metrics-addr", defaults.Metrics.Addr, "serve /metrics on this address, empty disables")

	return cmd
}

// flagOverrides returns the config keys of explicitly set flags, so that
// unset flags do not mask file or environment values.
func flagOverrides(cmd *cobra.Command) (map[string]any, error) {
	overrides := make(map[string]any)
	f := cmd.Flags()
	for name, key := range flagKeys {
		if !f.Changed(name) {
			continue
		}
		flag := f.Lookup(name)
		var (
			value any
			err   error
		)
		switch flag.Value.Type() {
		case "int":
			value, err = f.GetInt(name)
		case "duration":
			value, err = f.GetDuration(name)
		default:
			value = flag.Value.String()
		}
		if err != nil {
			return nil, err
		}
		overrides[key] = value
	}
	return overrides, nil
}

func run(ctx context.Context, cfg *Config, logger *logiface.Logger[logiface.Event]) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := loopbridge.NewMetrics(reg)
	if err != nil {
		return err
	}

	backend, err := eventloop.New(eventloop.WithLogger(logger))
	if err != nil {
		return err
	}
	ui, err := eventloop.New(eventloop.WithLogger(logger))
	if err != nil {
		_ = backend.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	for _, loop := range []*eventloop.Loop{backend, ui} {
		g.Go(func() error {
			if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	if cfg.Metrics.Addr != "" {
		serveMetrics(ctx, g, cfg.Metrics.Addr, reg, logger)
	}

	coord, err := loopbridge.NewCoordinator(&soakState{}, backend, ui,
		loopbridge.WithLogger(logger),
		loopbridge.WithMetrics(metrics),
		loopbridge.WithLockTimeout(cfg.Bridge.LockTimeout),
		loopbridge.WithLockWarnInterval(cfg.Bridge.LockWarnInterval),
		loopbridge.WithPollInterval(cfg.Bridge.PollInterval),
		loopbridge.WithMaxPollInterval(cfg.Bridge.MaxPollInterval),
	)
	if err != nil {
		logger.Crit().
			Err(err).
			Log("loopbridge-soak: failed to create coordinator")
		cancel()
		return errors.Join(err, g.Wait())
	}

	g.Go(func() error {
		defer cancel()
		s := &soaker{cfg: cfg.Soak, coord: coord, logger: logger}
		start := time.Now()
		if err := s.Run(ctx); err != nil {
			logger.Err().
				Err(err).
				Log("loopbridge-soak: soak failed")
			// a timed out round may still hold a bridge, Close reports that
			return errors.Join(err, coord.Close())
		}
		if err := s.teardown(cfg.Soak.Tasks); err != nil {
			return err
		}
		logger.Info().
			Int("rounds", cfg.Soak.Rounds).
			Dur("elapsed", time.Since(start)).
			Log("loopbridge-soak: soak passed")
		return nil
	})

	return g.Wait()
}

func serveMetrics(ctx context.Context, g *errgroup.Group, addr string, reg *prometheus.Registry, logger *logiface.Logger[logiface.Event]) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g.Go(func() error {
		logger.Info().
			Str("addr", addr).
			Log("loopbridge-soak: serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
