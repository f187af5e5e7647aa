package scheduler

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	auctiondomain "github.com/tinylvt/tinylvt/internal/auction/domain"
	pkgdb "github.com/tinylvt/tinylvt/pkg/db"
)

// workAuction is the claim row for auctions needing a tick.
type workAuction struct {
	ID                    snowflake.ID
	SiteID                snowflake.ID
	StartAt               time.Time
	SchedulerFailureCount int
	SchedulerLastFailedAt *time.Time
	HasRounds             bool
}

// nextAuctionNeedingUpdate returns one ongoing auction whose round state is
// behind the clock: either no round exists yet (round 0 due) or the latest
// round has concluded. Auctions inside their failure backoff window are
// skipped.
func (s *Scheduler) nextAuctionNeedingUpdate(ctx context.Context) (*workAuction, error) {
	now := s.clock.Now()

	var candidates []workAuction
	query := `SELECT auctions.id, auctions.site_id, auctions.start_at,
	                 auctions.scheduler_failure_count, auctions.scheduler_last_failed_at,
	                 EXISTS (
	                     SELECT 1 FROM auction_rounds
	                     WHERE auction_rounds.auction_id = auctions.id
	                 ) AS has_rounds
	          FROM auctions
	          JOIN sites ON auctions.site_id = sites.id
	          WHERE sites.deleted_at IS NULL
	            AND auctions.start_at <= ?
	            AND auctions.end_at IS NULL
	            AND auctions.aborted_at IS NULL
	            AND NOT EXISTS (
	                SELECT 1 FROM auction_rounds
	                WHERE auction_rounds.auction_id = auctions.id
	                  AND auction_rounds.end_at > ?
	            )
	          ORDER BY auctions.start_at
	          LIMIT ?` + pkgdb.RowLockClause(s.db)
	if err := s.db.WithContext(ctx).Raw(query, now, now, s.cfg.BatchSize).Scan(&candidates).Error; err != nil {
		return nil, err
	}

	for i := range candidates {
		candidate := candidates[i]
		if candidate.SchedulerFailureCount > 0 && candidate.SchedulerLastFailedAt != nil {
			retryAt := candidate.SchedulerLastFailedAt.Add(s.cfg.backoffFor(candidate.SchedulerFailureCount))
			if now.Before(retryAt) {
				continue
			}
		}
		return &candidate, nil
	}
	return nil, nil
}

// roundDue reports whether the auction's latest round has concluded.
func (s *Scheduler) roundDue(ctx context.Context, auctionID snowflake.ID) (bool, error) {
	now := s.clock.Now()
	var rounds []auctiondomain.AuctionRound
	if err := s.db.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order("round_num DESC").
		Limit(1).
		Find(&rounds).Error; err != nil {
		return false, err
	}
	if len(rounds) == 0 {
		return false, nil
	}
	var ended int64
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM auctions WHERE id = ? AND end_at IS NOT NULL`, auctionID,
	).Scan(&ended).Error; err != nil {
		return false, err
	}
	if ended > 0 {
		return false, nil
	}
	return !now.Before(rounds[0].EndAt), nil
}

// roundsNeedingProxyRun selects active rounds whose proxy plan is stale.
func (s *Scheduler) roundsNeedingProxyRun(ctx context.Context) ([]auctiondomain.AuctionRound, error) {
	now := s.clock.Now()

	var rounds []auctiondomain.AuctionRound
	query := `SELECT ar.* FROM auction_rounds ar
	          JOIN auctions a ON ar.auction_id = a.id
	          WHERE ar.start_at <= ? AND ar.end_at > ?
	            AND a.end_at IS NULL AND a.aborted_at IS NULL
	            AND (
	                (ar.proxy_last_processed_at IS NULL AND ar.proxy_failure_count = 0)
	                OR EXISTS (
	                    SELECT 1 FROM use_proxy_bidding upb
	                    WHERE upb.auction_id = ar.auction_id
	                      AND ar.proxy_last_processed_at IS NOT NULL
	                      AND upb.updated_at > ar.proxy_last_processed_at
	                )
	                OR EXISTS (
	                    SELECT 1 FROM user_values uv
	                    JOIN spaces sp ON uv.space_id = sp.id
	                    JOIN sites si ON sp.site_id = si.id
	                    JOIN auctions au ON si.id = au.site_id
	                    WHERE au.id = ar.auction_id
	                      AND ar.proxy_last_processed_at IS NOT NULL
	                      AND uv.updated_at > ar.proxy_last_processed_at
	                )
	                OR ar.proxy_failure_count > 0
	            )
	          ORDER BY ar.id
	          LIMIT ?` + pkgdb.RowLockClause(s.db)
	if err := s.db.WithContext(ctx).Raw(query, now, now, s.cfg.BatchSize).Scan(&rounds).Error; err != nil {
		return nil, err
	}

	eligible := rounds[:0]
	for _, round := range rounds {
		if round.ProxyFailureCount > 0 {
			if round.ProxyLastFailedAt == nil {
				continue
			}
			retryAt := round.ProxyLastFailedAt.Add(s.cfg.backoffFor(round.ProxyFailureCount))
			if now.Before(retryAt) {
				continue
			}
		}
		eligible = append(eligible, round)
	}
	return eligible, nil
}
