package scheduler

import (
	"context"
	"errors"
	"time"

	auctiondomain "github.com/tinylvt/tinylvt/internal/auction/domain"
	sitedomain "github.com/tinylvt/tinylvt/internal/site/domain"
	"go.uber.org/zap"
)

// CreateAuctionsJob creates auction rows for sites with auto-scheduling
// enabled. The auction row appears proxy_bidding_lead_time before its
// start so users can register valuations in advance; start_at precedes the
// possession window by auction_lead_time.
func (s *Scheduler) CreateAuctionsJob(ctx context.Context) error {
	var sites []sitedomain.Site
	if err := s.db.WithContext(ctx).
		Where("auto_schedule = ? AND deleted_at IS NULL", true).
		Order("id").
		Find(&sites).Error; err != nil {
		return err
	}

	var jobErr error
	for _, site := range sites {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if err := s.ensureSiteAuctions(ctx, site); err != nil {
			jobErr = errors.Join(jobErr, err)
			s.log.Error("failed to schedule auctions for site",
				zap.String("site_id", site.ID.String()),
				zap.Error(err),
			)
		}
	}
	return jobErr
}

func (s *Scheduler) ensureSiteAuctions(ctx context.Context, site sitedomain.Site) error {
	if site.PossessionPeriod <= 0 {
		return nil
	}

	openHours, err := sitedomain.ParseOpenHours(site.OpenHours)
	if err != nil {
		return err
	}
	loc := site.Location()
	now := s.clock.Now()

	next, err := s.nextPossessionStart(site)
	if err != nil {
		return err
	}

	// Walk candidate windows forward, skipping those that do not fit the
	// open hours, until the next window's creation time is in the future.
	for i := 0; i < s.cfg.ScheduleWindow; i++ {
		possStart := next
		possEnd := possStart.Add(site.PossessionPeriod)
		next = next.Add(site.PossessionPeriod)

		if !openHours.Contains(possStart, possEnd, loc) {
			continue
		}

		startAt := possStart.Add(-site.AuctionLeadTime)
		createAt := startAt.Add(-site.ProxyBiddingLeadTime)
		if now.Before(createAt) {
			return nil
		}

		created, err := s.createAuctionForWindow(ctx, site, possStart, possEnd, startAt)
		if err != nil {
			return err
		}
		if created {
			s.log.Info("auction scheduled",
				zap.String("site_id", site.ID.String()),
				zap.Time("possession_start", possStart),
				zap.Time("start_at", startAt),
			)
		}
	}
	return nil
}

// nextPossessionStart resolves the first candidate window: one period past
// the last scheduled possession, or the configured anchor.
func (s *Scheduler) nextPossessionStart(site sitedomain.Site) (time.Time, error) {
	if site.LastScheduledPossTime != nil {
		return site.LastScheduledPossTime.Add(site.PossessionPeriod), nil
	}
	if site.PossessionAnchorAt != nil {
		return *site.PossessionAnchorAt, nil
	}
	// With no anchor, align to the top of the next hour in site-local
	// time so windows land on predictable boundaries.
	local := s.clock.Now().In(site.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), local.Hour()+1, 0, 0, 0, local.Location()).UTC(), nil
}

func (s *Scheduler) createAuctionForWindow(ctx context.Context, site sitedomain.Site, possStart, possEnd, startAt time.Time) (bool, error) {
	var existing int64
	if err := s.db.WithContext(ctx).Model(&auctiondomain.Auction{}).
		Where("site_id = ? AND possession_start_at = ?", site.ID, possStart).
		Count(&existing).Error; err != nil {
		return false, err
	}

	if existing == 0 {
		if _, err := s.auctionSvc.CreateAuction(ctx, auctiondomain.CreateAuctionRequest{
			SiteID:            site.ID,
			PossessionStartAt: possStart,
			PossessionEndAt:   possEnd,
			StartAt:           startAt,
		}); err != nil {
			return false, err
		}
	}

	if err := s.db.WithContext(ctx).Exec(
		`UPDATE sites SET last_scheduled_poss_time = ?, updated_at = ? WHERE id = ?`,
		possStart, s.clock.Now(), site.ID,
	).Error; err != nil {
		return false, err
	}
	return existing == 0, nil
}
