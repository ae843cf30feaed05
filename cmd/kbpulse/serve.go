package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pbaille/kbpulse/internal/api"
	"github.com/pbaille/kbpulse/internal/delivery"
	"github.com/pbaille/kbpulse/internal/logging"
	"github.com/pbaille/kbpulse/internal/pipeline"
	"github.com/pbaille/kbpulse/internal/ratelimit"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduled ticks and the read-only API",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if addr != "" {
				a.cfg.API.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			counters, closeCounters, err := counterStore(ctx, a)
			if err != nil {
				return err
			}
			defer closeCounters()

			runner := a.runner()
			c, err := schedule(ctx, runner, a.cfg.Schedule.Trends, a.cfg.Schedule.Merges, a.cfg.Schedule.Delivery, a.cfg.Schedule.Maintenance)
			if err != nil {
				return err
			}
			c.Start()
			defer func() { <-c.Stop().Done() }()

			limiter := ratelimit.NewLoginLimiter(counters, a.cfg.RateLimit.MaxFailures,
				time.Duration(a.cfg.RateLimit.WindowMinutes)*time.Minute)
			server := api.New(a.store, delivery.NewScheduler(a.store), limiter, a.cfg.API.AdminToken, a.cfg.API.Addr)
			return server.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "server address (overrides config)")
	return cmd
}

// counterStore picks the login-failure backend from the config
func counterStore(ctx context.Context, a *app) (ratelimit.CounterStore, func(), error) {
	if a.cfg.RateLimit.Backend != "redis" {
		return ratelimit.NewMemoryCounter(), func() {}, nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rc, err := ratelimit.DialRedis(dialCtx, a.cfg.RateLimit.RedisAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis %s: %w", a.cfg.RateLimit.RedisAddr, err)
	}
	return rc, func() { rc.Close() }, nil
}

// schedule registers the four ticks. An empty expression disables a tick.
func schedule(ctx context.Context, r *pipeline.Runner, trendsSpec, mergesSpec, deliverySpec, maintenanceSpec string) (*cron.Cron, error) {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	jobs := []struct {
		name string
		spec string
		run  func()
	}{
		{"trends", trendsSpec, func() {
			if _, err := r.RunTrends(ctx); err != nil {
				logging.Error("Trend tick failed", "err", err)
			}
		}},
		{"merges", mergesSpec, func() {
			if _, err := r.RunMerges(ctx); err != nil {
				logging.Error("Merge tick failed", "err", err)
			}
		}},
		{"delivery", deliverySpec, func() {
			if _, err := r.RunDelivery(ctx); err != nil {
				logging.Error("Delivery tick failed", "err", err)
			}
		}},
		{"maintenance", maintenanceSpec, func() {
			r.RunMaintenance(ctx)
		}},
	}

	for _, job := range jobs {
		if job.spec == "" {
			logging.Info("Tick disabled", "job", job.name)
			continue
		}
		if _, err := c.AddFunc(job.spec, job.run); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", job.name, job.spec, err)
		}
		logging.Info("Tick scheduled", "job", job.name, "spec", job.spec)
	}
	return c, nil
}

// cronLogger routes cron's own messages to the app logger
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
