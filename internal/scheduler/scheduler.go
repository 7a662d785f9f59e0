package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenvault/internal/clock"
	grantdomain "github.com/smallbiznis/tokenvault/internal/grant/domain"
	obsmetrics "github.com/smallbiznis/tokenvault/internal/observability/metrics"
	"github.com/smallbiznis/tokenvault/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	jobReconcile     = "reconcile_usage"
	reconcileLockKey = "scheduler:reconcile_usage"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	GrantRepo  grantdomain.Repository
	Config     Config              `optional:"true"`
	Locker     *ratelimit.Locker   `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	grantRepo  grantdomain.Repository
	locker     *ratelimit.Locker
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.GrantRepo == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		grantRepo:  p.GrantRepo,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
	}, nil
}

// RunOnce runs every enabled job a single time; the cron entry calls it.
func (s *Scheduler) RunOnce(parent context.Context) error {
	return s.withLock(parent, reconcileLockKey, func(ctx context.Context) error {
		return s.runJob(ctx, jobReconcile, s.cfg.BatchSize, s.cfg.JobTimeout, s.ReconcileJob)
	})
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.startJobRun(ctx, name, batchSize)
	s.logJobStart(ctx, run)

	err := fn(ctx)
	if err != nil {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	// deadline is a soft timeout, the next tick continues
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// withLock runs fn under the cluster-wide lease when Redis is configured.
// Without Redis every replica reconciles, which is read-only and therefore harmless.
func (s *Scheduler) withLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if s.locker == nil {
		return fn(ctx)
	}
	lease, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
	if err != nil {
		s.log.Warn("scheduler lock unavailable, skipping run", zap.String("key", key), zap.Error(err))
		return nil
	}
	if lease == nil {
		s.log.Debug("scheduler lock held elsewhere", zap.String("key", key))
		return nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("scheduler lock release failed", zap.String("key", lease.Key()), zap.Error(err))
		}
	}()
	return fn(ctx)
}
