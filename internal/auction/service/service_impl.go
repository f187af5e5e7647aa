package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auctiondomain "github.com/tinylvt/tinylvt/internal/auction/domain"
	"github.com/tinylvt/tinylvt/internal/auction/guard"
	"github.com/tinylvt/tinylvt/internal/clock"
	communitydomain "github.com/tinylvt/tinylvt/internal/community/domain"
	"github.com/tinylvt/tinylvt/internal/events"
	ledgerdomain "github.com/tinylvt/tinylvt/internal/ledger/domain"
	obsmetrics "github.com/tinylvt/tinylvt/internal/observability/metrics"
	sitedomain "github.com/tinylvt/tinylvt/internal/site/domain"
	pkgdb "github.com/tinylvt/tinylvt/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	LedgerSvc ledgerdomain.Service
	Outbox    *events.Outbox `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	ledgerSvc ledgerdomain.Service
	outbox    *events.Outbox
}

func NewService(p Params) auctiondomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("auction.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		ledgerSvc: p.LedgerSvc,
		outbox:    p.Outbox,
	}
}

// lockAuctionTx claims the per-auction lock for the transaction. Every
// state-changing operation on an auction goes through this row lock, which
// serializes ticks, bids, and proxy runs per auction.
func lockAuctionTx(ctx context.Context, tx *gorm.DB, auctionID snowflake.ID) (auctiondomain.Auction, error) {
	var auctions []auctiondomain.Auction
	query := fmt.Sprintf(`SELECT * FROM auctions WHERE id = ?%s`, pkgdb.ForUpdateClause(tx))
	if err := tx.WithContext(ctx).Raw(query, auctionID).Scan(&auctions).Error; err != nil {
		return auctiondomain.Auction{}, err
	}
	if len(auctions) == 0 {
		return auctiondomain.Auction{}, auctiondomain.ErrAuctionNotFound
	}
	return auctions[0], nil
}

func loadParams(ctx context.Context, tx *gorm.DB, auction auctiondomain.Auction) (auctiondomain.AuctionParams, *auctiondomain.ActivityRule, *auctiondomain.BidIncrement, error) {
	var params auctiondomain.AuctionParams
	if err := tx.WithContext(ctx).First(&params, "id = ?", auction.AuctionParamsID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return params, nil, nil, auctiondomain.ErrInvalidAuctionParams
		}
		return params, nil, nil, err
	}
	rule, err := auctiondomain.ParseActivityRule(params.ActivityRule)
	if err != nil {
		return params, nil, nil, err
	}
	increment, err := auctiondomain.ParseBidIncrement(params.BidIncrement)
	if err != nil {
		return params, nil, nil, err
	}
	return params, rule, increment, nil
}

func latestRound(ctx context.Context, tx *gorm.DB, auctionID snowflake.ID) (*auctiondomain.AuctionRound, error) {
	var rounds []auctiondomain.AuctionRound
	if err := tx.WithContext(ctx).
		Where("auction_id = ?", auctionID).
		Order("round_num DESC").
		Limit(1).
		Find(&rounds).Error; err != nil {
		return nil, err
	}
	if len(rounds) == 0 {
		return nil, nil
	}
	return &rounds[0], nil
}

func availableSpaces(ctx context.Context, tx *gorm.DB, siteID snowflake.ID) ([]sitedomain.Space, error) {
	var spaces []sitedomain.Space
	err := tx.WithContext(ctx).
		Where("site_id = ? AND is_available = ? AND deleted_at IS NULL", siteID, true).
		Order("id").
		Find(&spaces).Error
	return spaces, err
}

// resultBefore returns the most recent round_space_result for a space prior
// to the given round number.
func resultBefore(ctx context.Context, tx *gorm.DB, auctionID, spaceID snowflake.ID, roundNum int) (*auctiondomain.RoundSpaceResult, error) {
	var results []auctiondomain.RoundSpaceResult
	if err := tx.WithContext(ctx).Raw(
		`SELECT rsr.* FROM round_space_results rsr
		 JOIN auction_rounds ar ON rsr.round_id = ar.id
		 WHERE ar.auction_id = ? AND rsr.space_id = ? AND ar.round_num < ?
		 ORDER BY ar.round_num DESC
		 LIMIT 1`,
		auctionID, spaceID, roundNum,
	).Scan(&results).Error; err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// minBid computes the round's minimum bid for a space: zero while the space
// has no prior value, otherwise previous value plus the round increment.
func minBid(prev *auctiondomain.RoundSpaceResult, increment *auctiondomain.BidIncrement, roundNum int) decimal.Decimal {
	if prev == nil {
		return decimal.Zero
	}
	return prev.Value.Add(increment.IncrementFor(roundNum))
}

func (s *Service) CreateAuction(ctx context.Context, req auctiondomain.CreateAuctionRequest) (snowflake.ID, error) {
	var auctionID snowflake.ID
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var site sitedomain.Site
		if err := tx.WithContext(ctx).First(&site, "id = ?", req.SiteID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return sitedomain.ErrSiteNotFound
			}
			return err
		}
		if site.DeletedAt != nil {
			return sitedomain.ErrSiteDeleted
		}

		sourceParamsID := req.ParamsID
		if sourceParamsID == 0 {
			sourceParamsID = site.DefaultParamsID
		}
		var source auctiondomain.AuctionParams
		if err := tx.WithContext(ctx).First(&source, "id = ?", sourceParamsID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return auctiondomain.ErrInvalidAuctionParams
			}
			return err
		}

		now := s.clock.Now()

		// Pin an immutable snapshot so later edits to site defaults never
		// touch a running or finalized auction.
		snapshot := auctiondomain.AuctionParams{
			ID:            s.genID.Generate(),
			RoundDuration: source.RoundDuration,
			BidIncrement:  source.BidIncrement,
			ActivityRule:  source.ActivityRule,
			CreatedAt:     now,
		}
		if err := tx.WithContext(ctx).Create(&snapshot).Error; err != nil {
			return err
		}

		auction := auctiondomain.Auction{
			ID:                s.genID.Generate(),
			SiteID:            req.SiteID,
			AuctionParamsID:   snapshot.ID,
			PossessionStartAt: req.PossessionStartAt,
			PossessionEndAt:   req.PossessionEndAt,
			StartAt:           req.StartAt,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := tx.WithContext(ctx).Create(&auction).Error; err != nil {
			return err
		}
		auctionID = auction.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Info("auction created", zap.String("auction_id", auctionID.String()))
	return auctionID, nil
}

func (s *Service) StartAuction(ctx context.Context, auctionID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		auction, err := lockAuctionTx(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if err := guard.EnsureAuctionCanStart(auction, now); err != nil {
			return err
		}
		existing, err := latestRound(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if existing != nil {
			return nil
		}

		params, rule, _, err := loadParams(ctx, tx, auction)
		if err != nil {
			return err
		}

		startAt := auction.StartAt
		if now.After(startAt) {
			startAt = now
		}
		round := auctiondomain.AuctionRound{
			ID:                   s.genID.Generate(),
			AuctionID:            auctionID,
			RoundNum:             0,
			StartAt:              startAt,
			EndAt:                startAt.Add(params.RoundDuration),
			EligibilityThreshold: rule.ThresholdFor(0),
			WinnerSeed:           int64(s.genID.Generate()),
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := tx.WithContext(ctx).Create(&round).Error; err != nil {
			return err
		}

		obsmetrics.Scheduler().IncAuctionTransition("scheduled_to_active")
		return s.publishTx(ctx, tx, events.Event{
			Type:        events.EventAuctionOpened,
			AggregateID: auctionID,
			Payload: map[string]any{
				"auction_id": auctionID.String(),
				"round_num":  0,
			},
			DedupeKey: fmt.Sprintf("auction_opened:%d", auctionID),
		})
	})
}

func (s *Service) publishTx(ctx context.Context, tx *gorm.DB, event events.Event) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.PublishTx(ctx, tx, event)
}

// spaceOutcome is one space's state after a round closes.
type spaceOutcome struct {
	space    sitedomain.Space
	value    decimal.Decimal
	winner   snowflake.ID
	hadBids  bool
	previous *auctiondomain.RoundSpaceResult
}

func (s *Service) Advance(ctx context.Context, auctionID snowflake.ID) (bool, error) {
	continues := true
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		auction, err := lockAuctionTx(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if auction.EndAt != nil || auction.AbortedAt != nil {
			continues = false
			return nil
		}

		round, err := latestRound(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if round == nil {
			return auctiondomain.ErrRoundNotFound
		}
		now := s.clock.Now()
		if now.Before(round.EndAt) {
			return nil
		}

		params, rule, increment, err := loadParams(ctx, tx, auction)
		if err != nil {
			return err
		}
		spaces, err := availableSpaces(ctx, tx, auction.SiteID)
		if err != nil {
			return err
		}

		outcomes, anyBids, err := s.closeRoundTx(ctx, tx, auction, *round, spaces, increment)
		if err != nil {
			return err
		}

		if !anyBids {
			continues = false
			return s.finalizeTx(ctx, tx, auction, *round, outcomes)
		}

		nextStart := round.EndAt
		if now.After(nextStart) {
			nextStart = now
		}
		next := auctiondomain.AuctionRound{
			ID:                   s.genID.Generate(),
			AuctionID:            auctionID,
			RoundNum:             round.RoundNum + 1,
			StartAt:              nextStart,
			EndAt:                nextStart.Add(params.RoundDuration),
			EligibilityThreshold: rule.ThresholdFor(round.RoundNum + 1),
			WinnerSeed:           int64(s.genID.Generate()),
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := tx.WithContext(ctx).Create(&next).Error; err != nil {
			return err
		}

		if err := s.carryEligibilitiesTx(ctx, tx, auction, *round, next.ID, spaces); err != nil {
			return err
		}

		return s.publishTx(ctx, tx, events.Event{
			Type:        events.EventRoundClosed,
			AggregateID: auctionID,
			Payload: map[string]any{
				"auction_id": auctionID.String(),
				"round_num":  round.RoundNum,
				"next_round": next.RoundNum,
			},
			DedupeKey: fmt.Sprintf("round_closed:%d:%d", auctionID, round.RoundNum),
		})
	})
	if err != nil {
		return false, err
	}
	return continues, nil
}

// closeRoundTx writes round_space_results for a concluded round. Winners
// among a space's bidders are drawn with the round's persisted seed so a
// replayed close picks the same users.
func (s *Service) closeRoundTx(ctx context.Context, tx *gorm.DB, auction auctiondomain.Auction, round auctiondomain.AuctionRound, spaces []sitedomain.Space, increment *auctiondomain.BidIncrement) ([]spaceOutcome, bool, error) {
	rng := rand.New(rand.NewSource(round.WinnerSeed))
	anyBids := false
	outcomes := make([]spaceOutcome, 0, len(spaces))

	for _, space := range spaces {
		var bidders []snowflake.ID
		if err := tx.WithContext(ctx).Raw(
			`SELECT user_id FROM bids WHERE space_id = ? AND round_id = ? ORDER BY user_id`,
			space.ID, round.ID,
		).Scan(&bidders).Error; err != nil {
			return nil, false, err
		}

		prev, err := resultBefore(ctx, tx, auction.ID, space.ID, round.RoundNum)
		if err != nil {
			return nil, false, err
		}

		var outcome spaceOutcome
		switch {
		case len(bidders) > 0:
			anyBids = true
			winner := bidders[rng.Intn(len(bidders))]
			outcome = spaceOutcome{
				space:    space,
				value:    minBid(prev, increment, round.RoundNum),
				winner:   winner,
				hadBids:  true,
				previous: prev,
			}
		case prev != nil:
			// Quiescent this round: carry the standing winner and value.
			outcome = spaceOutcome{
				space:    space,
				value:    prev.Value,
				winner:   prev.WinningUserID,
				previous: prev,
			}
		default:
			// Never bid on: no result row yet.
			continue
		}

		result := auctiondomain.RoundSpaceResult{
			ID:            s.genID.Generate(),
			SpaceID:       space.ID,
			RoundID:       round.ID,
			WinningUserID: outcome.winner,
			Value:         outcome.value,
			CreatedAt:     s.clock.Now(),
		}
		if err := tx.WithContext(ctx).Create(&result).Error; err != nil {
			return nil, false, err
		}

		if outcome.hadBids && outcome.previous != nil && outcome.previous.WinningUserID != outcome.winner {
			if err := s.publishTx(ctx, tx, events.Event{
				Type:        events.EventUserOutbid,
				AggregateID: auction.ID,
				Payload: map[string]any{
					"auction_id": auction.ID.String(),
					"space_id":   space.ID.String(),
					"user_id":    outcome.previous.WinningUserID.String(),
					"round_num":  round.RoundNum,
				},
				DedupeKey: fmt.Sprintf("user_outbid:%d:%d:%d", round.ID, space.ID, outcome.previous.WinningUserID),
			}); err != nil {
				return nil, false, err
			}
		}

		outcomes = append(outcomes, outcome)
	}

	return outcomes, anyBids, nil
}

// carryEligibilitiesTx computes each participating user's eligibility for
// the next round. Activity counts new bids in the closed round plus
// standing wins entering it; eligibility is activity divided by the round
// threshold, never increasing after round 0.
func (s *Service) carryEligibilitiesTx(ctx context.Context, tx *gorm.DB, auction auctiondomain.Auction, closed auctiondomain.AuctionRound, nextRoundID snowflake.ID, spaces []sitedomain.Space) error {
	pointsBySpace := make(map[snowflake.ID]float64, len(spaces))
	maxEligibility := 0.0
	for _, space := range spaces {
		pointsBySpace[space.ID] = space.EligibilityPoints
		maxEligibility += space.EligibilityPoints
	}

	var users []snowflake.ID
	if err := tx.WithContext(ctx).Raw(
		`SELECT DISTINCT user_id FROM (
			SELECT user_id FROM bids WHERE round_id = ?
			UNION
			SELECT rsr.winning_user_id AS user_id FROM round_space_results rsr
			JOIN auction_rounds ar ON rsr.round_id = ar.id
			WHERE ar.auction_id = ? AND ar.round_num = ?
		) participants ORDER BY user_id`,
		closed.ID, auction.ID, closed.RoundNum-1,
	).Scan(&users).Error; err != nil {
		return err
	}

	for _, userID := range users {
		var activeSpaces []snowflake.ID
		if err := tx.WithContext(ctx).Raw(
			`SELECT DISTINCT space_id FROM (
				SELECT space_id FROM bids WHERE round_id = ? AND user_id = ?
				UNION
				SELECT rsr.space_id FROM round_space_results rsr
				JOIN auction_rounds ar ON rsr.round_id = ar.id
				WHERE ar.auction_id = ? AND ar.round_num = ? AND rsr.winning_user_id = ?
			) active`,
			closed.ID, userID, auction.ID, closed.RoundNum-1, userID,
		).Scan(&activeSpaces).Error; err != nil {
			return err
		}

		activity := 0.0
		for _, spaceID := range activeSpaces {
			activity += pointsBySpace[spaceID]
		}

		previous := maxEligibility
		if closed.RoundNum > 0 {
			var rows []auctiondomain.UserEligibility
			if err := tx.WithContext(ctx).
				Where("round_id = ? AND user_id = ?", closed.ID, userID).
				Limit(1).
				Find(&rows).Error; err != nil {
				return err
			}
			if len(rows) == 0 {
				previous = 0
			} else {
				previous = rows[0].Eligibility
			}
		}

		eligibility := previous
		if closed.EligibilityThreshold > 0 {
			eligibility = activity / closed.EligibilityThreshold
			if eligibility > previous {
				eligibility = previous
			}
		}

		row := auctiondomain.UserEligibility{
			ID:          s.genID.Generate(),
			RoundID:     nextRoundID,
			UserID:      userID,
			Eligibility: eligibility,
			CreatedAt:   s.clock.Now(),
		}
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			return err
		}
	}

	return nil
}

// finalizeTx concludes a quiescent auction: end_at is set to the closing
// round's scheduled end, the settlement entry posts in the same
// transaction, and consumers are notified.
func (s *Service) finalizeTx(ctx context.Context, tx *gorm.DB, auction auctiondomain.Auction, round auctiondomain.AuctionRound, outcomes []spaceOutcome) error {
	now := s.clock.Now()
	if err := tx.WithContext(ctx).Exec(
		`UPDATE auctions SET end_at = ?, updated_at = ? WHERE id = ? AND end_at IS NULL`,
		round.EndAt, now, auction.ID,
	).Error; err != nil {
		return err
	}

	winnerPayments := make(map[snowflake.ID]decimal.Decimal)
	for _, outcome := range outcomes {
		winnerPayments[outcome.winner] = winnerPayments[outcome.winner].Add(outcome.value)
	}

	var communityID snowflake.ID
	if err := tx.WithContext(ctx).Raw(
		`SELECT community_id FROM sites WHERE id = ?`, auction.SiteID,
	).Scan(&communityID).Error; err != nil {
		return err
	}

	if err := s.ledgerSvc.SettleAuctionTx(ctx, tx, communityID, auction.ID, winnerPayments); err != nil {
		return fmt.Errorf("settling auction %s: %w", auction.ID, err)
	}

	obsmetrics.Scheduler().IncAuctionTransition("active_to_finalized")
	s.log.Info("auction finalized",
		zap.String("auction_id", auction.ID.String()),
		zap.Int("final_round", round.RoundNum),
		zap.Int("winning_spaces", len(outcomes)),
	)

	payload := map[string]any{
		"auction_id":  auction.ID.String(),
		"final_round": round.RoundNum,
	}
	allocations := make([]map[string]any, 0, len(outcomes))
	for _, outcome := range outcomes {
		allocations = append(allocations, map[string]any{
			"space_id": outcome.space.ID.String(),
			"user_id":  outcome.winner.String(),
			"value":    outcome.value.String(),
		})
	}
	payload["allocations"] = allocations

	return s.publishTx(ctx, tx, events.Event{
		Type:        events.EventAuctionFinalized,
		AggregateID: auction.ID,
		Payload:     payload,
		DedupeKey:   fmt.Sprintf("auction_finalized:%d", auction.ID),
	})
}

func (s *Service) PlaceBid(ctx context.Context, userID, auctionID, spaceID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		auction, err := lockAuctionTx(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if err := guard.EnsureAuctionOngoing(auction); err != nil {
			return err
		}
		round, err := latestRound(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if round == nil {
			return auctiondomain.ErrNotOpen
		}
		return s.PlaceBidTx(ctx, tx, userID, round, spaceID)
	})
}

func (s *Service) PlaceBidTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, round *auctiondomain.AuctionRound, spaceID snowflake.ID) error {
	now := s.clock.Now()
	if err := guard.EnsureRoundOpen(*round, now); err != nil {
		return err
	}

	var auction auctiondomain.Auction
	if err := tx.WithContext(ctx).First(&auction, "id = ?", round.AuctionID).Error; err != nil {
		return err
	}

	var space sitedomain.Space
	if err := tx.WithContext(ctx).First(&space, "id = ?", spaceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return sitedomain.ErrSpaceNotFound
		}
		return err
	}
	if space.SiteID != auction.SiteID || !space.IsAvailable || space.DeletedAt != nil {
		return auctiondomain.ErrSpaceUnavailable
	}

	var site sitedomain.Site
	if err := tx.WithContext(ctx).First(&site, "id = ?", space.SiteID).Error; err != nil {
		return err
	}
	if site.DeletedAt != nil {
		return auctiondomain.ErrSpaceUnavailable
	}

	var memberCount int64
	if err := tx.WithContext(ctx).Model(&communitydomain.Member{}).
		Where("community_id = ? AND user_id = ?", site.CommunityID, userID).
		Count(&memberCount).Error; err != nil {
		return err
	}
	if memberCount == 0 {
		return communitydomain.ErrMemberNotFound
	}

	// Standing winners carry without re-bidding.
	if round.RoundNum > 0 {
		var standing int64
		if err := tx.WithContext(ctx).Raw(
			`SELECT COUNT(1) FROM round_space_results rsr
			 JOIN auction_rounds ar ON rsr.round_id = ar.id
			 WHERE ar.auction_id = ? AND ar.round_num = ?
			   AND rsr.space_id = ? AND rsr.winning_user_id = ?`,
			auction.ID, round.RoundNum-1, spaceID, userID,
		).Scan(&standing).Error; err != nil {
			return err
		}
		if standing > 0 {
			return auctiondomain.ErrAlreadyStanding
		}
	}

	// Re-placing the same bid within a round is a no-op.
	var existing int64
	if err := tx.WithContext(ctx).Model(&auctiondomain.Bid{}).
		Where("space_id = ? AND round_id = ? AND user_id = ?", spaceID, round.ID, userID).
		Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	if round.RoundNum > 0 {
		if err := s.checkEligibilityTx(ctx, tx, auction, round, userID, space); err != nil {
			return err
		}
	}

	_, _, increment, err := loadParams(ctx, tx, auction)
	if err != nil {
		return err
	}
	prev, err := resultBefore(ctx, tx, auction.ID, spaceID, round.RoundNum)
	if err != nil {
		return err
	}
	amount := minBid(prev, increment, round.RoundNum)

	account, err := s.ledgerSvc.EnsureMemberAccountTx(ctx, tx, site.CommunityID, userID)
	if err != nil {
		return err
	}
	if err := s.ledgerSvc.CheckSufficientCreditTx(ctx, tx, account.ID, amount); err != nil {
		if errors.Is(err, ledgerdomain.ErrInsufficientCredit) {
			return auctiondomain.ErrInsufficientCredit
		}
		return err
	}

	bid := auctiondomain.Bid{
		ID:        s.genID.Generate(),
		SpaceID:   spaceID,
		RoundID:   round.ID,
		UserID:    userID,
		CreatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(&bid).Error; err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return nil
		}
		return err
	}
	return nil
}

// checkEligibilityTx verifies the user's remaining eligibility covers every
// distinct space they are bidding on or standing on, including the new one.
func (s *Service) checkEligibilityTx(ctx context.Context, tx *gorm.DB, auction auctiondomain.Auction, round *auctiondomain.AuctionRound, userID snowflake.ID, space sitedomain.Space) error {
	var rows []auctiondomain.UserEligibility
	if err := tx.WithContext(ctx).
		Where("round_id = ? AND user_id = ?", round.ID, userID).
		Limit(1).
		Find(&rows).Error; err != nil {
		return err
	}
	if len(rows) == 0 {
		return auctiondomain.ErrInsufficientEligibility
	}
	eligibility := rows[0].Eligibility

	var activeSpaces []snowflake.ID
	if err := tx.WithContext(ctx).Raw(
		`SELECT DISTINCT space_id FROM (
			SELECT space_id FROM bids WHERE round_id = ? AND user_id = ?
			UNION
			SELECT rsr.space_id FROM round_space_results rsr
			JOIN auction_rounds ar ON rsr.round_id = ar.id
			WHERE ar.auction_id = ? AND ar.round_num = ? AND rsr.winning_user_id = ?
		) active`,
		round.ID, userID, auction.ID, round.RoundNum-1, userID,
	).Scan(&activeSpaces).Error; err != nil {
		return err
	}

	total := space.EligibilityPoints
	if len(activeSpaces) > 0 {
		var points []float64
		if err := tx.WithContext(ctx).Raw(
			`SELECT eligibility_points FROM spaces WHERE id IN ?`, activeSpaces,
		).Scan(&points).Error; err != nil {
			return err
		}
		for _, p := range points {
			total += p
		}
	}

	if total > eligibility {
		return auctiondomain.ErrInsufficientEligibility
	}
	return nil
}

func (s *Service) WithdrawBid(ctx context.Context, userID, auctionID, spaceID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockAuctionTx(ctx, tx, auctionID); err != nil {
			return err
		}
		round, err := latestRound(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if round == nil {
			return auctiondomain.ErrNotOpen
		}
		now := s.clock.Now()
		if err := guard.EnsureRoundOpen(*round, now); err != nil {
			return err
		}
		return tx.WithContext(ctx).
			Where("space_id = ? AND round_id = ? AND user_id = ?", spaceID, round.ID, userID).
			Delete(&auctiondomain.Bid{}).Error
	})
}

func (s *Service) GetAuctionState(ctx context.Context, auctionID snowflake.ID) (auctiondomain.AuctionState, error) {
	state := auctiondomain.AuctionState{AuctionID: auctionID, Eligibility: map[snowflake.ID]float64{}}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var auction auctiondomain.Auction
		if err := tx.WithContext(ctx).First(&auction, "id = ?", auctionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return auctiondomain.ErrAuctionNotFound
			}
			return err
		}

		round, err := latestRound(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		state.CurrentRound = round
		state.Status = auction.StatusAt(s.clock.Now(), round != nil)

		_, _, increment, err := loadParams(ctx, tx, auction)
		if err != nil {
			return err
		}
		spaces, err := availableSpaces(ctx, tx, auction.SiteID)
		if err != nil {
			return err
		}

		roundNum := 0
		if round != nil {
			roundNum = round.RoundNum
		}
		for _, space := range spaces {
			prev, err := resultBefore(ctx, tx, auctionID, space.ID, roundNum)
			if err != nil {
				return err
			}
			spaceState := auctiondomain.SpaceState{
				SpaceID: space.ID,
				MinBid:  minBid(prev, increment, roundNum),
			}
			if prev != nil {
				spaceState.Value = prev.Value
				winner := prev.WinningUserID
				spaceState.StandingWinner = &winner
			}
			state.Spaces = append(state.Spaces, spaceState)
		}

		if round != nil && round.RoundNum > 0 {
			var rows []auctiondomain.UserEligibility
			if err := tx.WithContext(ctx).
				Where("round_id = ?", round.ID).
				Find(&rows).Error; err != nil {
				return err
			}
			for _, row := range rows {
				state.Eligibility[row.UserID] = row.Eligibility
			}
		}
		return nil
	})
	return state, err
}

func (s *Service) AbortAuction(ctx context.Context, auctionID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		auction, err := lockAuctionTx(ctx, tx, auctionID)
		if err != nil {
			return err
		}
		if auction.EndAt != nil {
			return auctiondomain.ErrInvalidTransition
		}
		if auction.AbortedAt != nil {
			return nil
		}
		now := s.clock.Now()
		if err := tx.WithContext(ctx).Exec(
			`UPDATE auctions SET aborted_at = ?, updated_at = ? WHERE id = ? AND end_at IS NULL`,
			now, now, auctionID,
		).Error; err != nil {
			return err
		}
		obsmetrics.Scheduler().IncAuctionTransition("aborted")
		return nil
	})
}

func (s *Service) ListEligibility(ctx context.Context, auctionID, userID snowflake.ID) ([]float64, error) {
	var rounds []auctiondomain.AuctionRound
	if err := s.db.WithContext(ctx).
		Where("auction_id = ? AND round_num > 0", auctionID).
		Order("round_num").
		Find(&rounds).Error; err != nil {
		return nil, err
	}

	eligibilities := make([]float64, 0, len(rounds))
	for _, round := range rounds {
		var rows []auctiondomain.UserEligibility
		if err := s.db.WithContext(ctx).
			Where("round_id = ? AND user_id = ?", round.ID, userID).
			Limit(1).
			Find(&rows).Error; err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			eligibilities = append(eligibilities, 0)
			continue
		}
		eligibilities = append(eligibilities, rows[0].Eligibility)
	}
	return eligibilities, nil
}
