package scheduler

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

// NewScheduler registers the cron entries; a panicking job is logged and the schedule keeps going.
func NewScheduler(lc fx.Lifecycle, cfg Config, sched *Scheduler, log *zap.Logger) error {
	if !cfg.Enabled {
		log.Info("reconciliation scheduler disabled")
		return nil
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(log.Named("cron")))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger)))

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := c.AddFunc(cfg.Schedule, func() {
		if err := sched.RunOnce(ctx); err != nil {
			sched.log.Error("scheduler run failed", zap.Error(err))
		}
	}); err != nil {
		cancel()
		return err
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			c.Start()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-c.Stop().Done():
			case <-stopCtx.Done():
			}
			return nil
		},
	})
	return nil
}
