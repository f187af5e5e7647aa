package scheduler

import (
	"context"

	"github.com/tinylvt/tinylvt/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(StartScheduler),
)

func ProvideConfig(appCfg config.Config) Config {
	cfg := DefaultConfig()
	cfg.TickInterval = appCfg.SchedulerTickInterval
	cfg.BatchSize = appCfg.SchedulerBatchSize
	return cfg.withDefaults()
}

func StartScheduler(lc fx.Lifecycle, sched *Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			runCtx, cancel := context.WithCancel(context.Background())

			go sched.RunForever(runCtx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
