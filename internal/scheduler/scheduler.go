package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	auctiondomain "github.com/tinylvt/tinylvt/internal/auction/domain"
	"github.com/tinylvt/tinylvt/internal/clock"
	obsmetrics "github.com/tinylvt/tinylvt/internal/observability/metrics"
	proxybiddomain "github.com/tinylvt/tinylvt/internal/proxybid/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	AuctionSvc auctiondomain.Service
	ProxySvc   proxybiddomain.Service
	Config     Config `optional:"true"`
}

// Scheduler is the process-wide loop that creates upcoming auctions from
// site schedules, opens and advances rounds at their boundaries, and runs
// proxy bidding, recovering from failures with capped exponential backoff.
type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	genID      *snowflake.Node
	clock      clock.Clock
	auctionSvc auctiondomain.Service
	proxySvc   proxybiddomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.AuctionSvc == nil || p.ProxySvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		genID:      p.GenID,
		clock:      p.Clock,
		auctionSvc: p.AuctionSvc,
		proxySvc:   p.ProxySvc,
	}, nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler tick failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce drives one tick: create due auctions, open or advance rounds,
// then run proxy bidding for active rounds.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{obsmetrics.JobCreateAuctions, s.CreateAuctionsJob},
		{obsmetrics.JobAdvanceRounds, s.AdvanceAuctionsJob},
		{obsmetrics.JobProxyBidding, s.ProxyBiddingJob},
	}

	var err error
	schedMetrics := obsmetrics.Scheduler()
	for _, job := range jobs {
		if ctx.Err() != nil {
			return errors.Join(err, ctx.Err())
		}
		start := time.Now()
		schedMetrics.IncJobRun(job.Name)
		jobErr := job.Run(ctx)
		schedMetrics.ObserveJobDuration(job.Name, time.Since(start))
		if jobErr != nil {
			schedMetrics.IncJobError(job.Name)
			err = errors.Join(err, jobErr)
		}
	}
	return err
}

// AdvanceAuctionsJob opens round 0 for due scheduled auctions and closes
// concluded rounds, one auction at a time, until nothing is due. A failing
// auction is recorded and backed off without halting the rest.
func (s *Scheduler) AdvanceAuctionsJob(ctx context.Context) error {
	var jobErr error
	for i := 0; i < s.cfg.BatchSize; i++ {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		auction, err := s.nextAuctionNeedingUpdate(ctx)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if auction == nil {
			break
		}

		if err := s.processAuction(ctx, *auction); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.recordAuctionFailure(ctx, auction.ID)
			s.log.Error("failed to process auction",
				zap.String("auction_id", auction.ID.String()),
				zap.Error(err),
			)
			continue
		}
		s.resetAuctionFailure(ctx, auction.ID)
	}
	return jobErr
}

func (s *Scheduler) processAuction(ctx context.Context, auction workAuction) error {
	if !auction.HasRounds {
		return s.auctionSvc.StartAuction(ctx, auction.ID)
	}

	// Advance until the auction's current round is no longer due; each
	// call closes at most one round, so late ticks catch up here.
	for {
		continues, err := s.auctionSvc.Advance(ctx, auction.ID)
		if err != nil {
			return err
		}
		if !continues {
			return nil
		}
		due, err := s.roundDue(ctx, auction.ID)
		if err != nil {
			return err
		}
		if !due {
			return nil
		}
	}
}

func (s *Scheduler) recordAuctionFailure(ctx context.Context, auctionID snowflake.ID) {
	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE auctions
		 SET scheduler_failure_count = scheduler_failure_count + 1,
		     scheduler_last_failed_at = ?
		 WHERE id = ?`,
		now, auctionID,
	).Error; err != nil {
		s.log.Warn("failed to record auction failure",
			zap.String("auction_id", auctionID.String()),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) resetAuctionFailure(ctx context.Context, auctionID snowflake.ID) {
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE auctions
		 SET scheduler_failure_count = 0, scheduler_last_failed_at = NULL
		 WHERE id = ? AND scheduler_failure_count > 0`,
		auctionID,
	).Error; err != nil {
		s.log.Warn("failed to reset auction failure",
			zap.String("auction_id", auctionID.String()),
			zap.Error(err),
		)
	}
}

// ProxyBiddingJob reprocesses active rounds whose proxy plan is stale:
// never processed, enrollment or valuations changed since the last pass, or
// a failure whose backoff has expired.
func (s *Scheduler) ProxyBiddingJob(ctx context.Context) error {
	rounds, err := s.roundsNeedingProxyRun(ctx)
	if err != nil {
		return err
	}

	var jobErr error
	for _, round := range rounds {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if err := s.proxySvc.ProcessRound(ctx, round.ID); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.recordProxyFailure(ctx, round.ID)
			s.log.Error("proxy bidding failed for round",
				zap.String("round_id", round.ID.String()),
				zap.Error(err),
			)
			continue
		}
		now := s.clock.Now()
		if err := s.db.WithContext(ctx).Exec(
			`UPDATE auction_rounds
			 SET proxy_last_processed_at = ?,
			     proxy_failure_count = 0,
			     proxy_last_failed_at = NULL,
			     updated_at = ?
			 WHERE id = ?`,
			now, now, round.ID,
		).Error; err != nil {
			jobErr = errors.Join(jobErr, err)
		}
	}
	return jobErr
}

func (s *Scheduler) recordProxyFailure(ctx context.Context, roundID snowflake.ID) {
	now := s.clock.Now()
	if err := s.db.WithContext(ctx).Exec(
		`UPDATE auction_rounds
		 SET proxy_failure_count = proxy_failure_count + 1,
		     proxy_last_failed_at = ?,
		     updated_at = ?
		 WHERE id = ?`,
		now, now, roundID,
	).Error; err != nil {
		s.log.Warn("failed to record proxy failure",
			zap.String("round_id", roundID.String()),
			zap.Error(err),
		)
	}
}
