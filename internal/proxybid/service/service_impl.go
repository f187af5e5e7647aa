package service

import (
	"context"
	"errors"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auctiondomain "github.com/tinylvt/tinylvt/internal/auction/domain"
	"github.com/tinylvt/tinylvt/internal/auction/guard"
	"github.com/tinylvt/tinylvt/internal/clock"
	proxybiddomain "github.com/tinylvt/tinylvt/internal/proxybid/domain"
	sitedomain "github.com/tinylvt/tinylvt/internal/site/domain"
	pkgdb "github.com/tinylvt/tinylvt/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	AuctionSvc auctiondomain.Service
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	auctionSvc auctiondomain.Service
}

func NewService(p Params) proxybiddomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("proxybid.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		auctionSvc: p.AuctionSvc,
	}
}

func (s *Service) SetUserValue(ctx context.Context, userID, spaceID snowflake.ID, value decimal.Decimal) error {
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`UPDATE user_values SET value = ?, updated_at = ? WHERE user_id = ? AND space_id = ?`,
			value, now, userID, spaceID,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}
		row := proxybiddomain.UserValue{
			ID:        s.genID.Generate(),
			UserID:    userID,
			SpaceID:   spaceID,
			Value:     value,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			if pkgdb.IsDuplicateKeyErr(err) {
				return tx.WithContext(ctx).Exec(
					`UPDATE user_values SET value = ?, updated_at = ? WHERE user_id = ? AND space_id = ?`,
					value, now, userID, spaceID,
				).Error
			}
			return err
		}
		return nil
	})
}

func (s *Service) DeleteUserValue(ctx context.Context, userID, spaceID snowflake.ID) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND space_id = ?", userID, spaceID).
		Delete(&proxybiddomain.UserValue{}).Error
}

func (s *Service) Enroll(ctx context.Context, userID, auctionID snowflake.ID, maxItems int) error {
	if maxItems < 1 {
		return proxybiddomain.ErrInvalidMaxItems
	}
	now := s.clock.Now()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Exec(
			`UPDATE use_proxy_bidding SET max_items = ?, updated_at = ? WHERE user_id = ? AND auction_id = ?`,
			maxItems, now, userID, auctionID,
		)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}
		row := proxybiddomain.UseProxyBidding{
			ID:        s.genID.Generate(),
			UserID:    userID,
			AuctionID: auctionID,
			MaxItems:  maxItems,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
			if pkgdb.IsDuplicateKeyErr(err) {
				return tx.WithContext(ctx).Exec(
					`UPDATE use_proxy_bidding SET max_items = ?, updated_at = ? WHERE user_id = ? AND auction_id = ?`,
					maxItems, now, userID, auctionID,
				).Error
			}
			return err
		}
		return nil
	})
}

func (s *Service) Disable(ctx context.Context, userID, auctionID snowflake.ID) error {
	result := s.db.WithContext(ctx).
		Where("user_id = ? AND auction_id = ?", userID, auctionID).
		Delete(&proxybiddomain.UseProxyBidding{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return proxybiddomain.ErrNotEnrolled
	}
	return nil
}

// candidate is one space the proxy may bid on for a user.
type candidate struct {
	spaceID snowflake.ID
	minBid  decimal.Decimal
	surplus decimal.Decimal
}

// ProcessRound plans and places proxy bids for every enrolled user of the
// round's auction. The whole batch runs under the per-auction lock so it
// cannot interleave with a round transition.
func (s *Service) ProcessRound(ctx context.Context, roundID snowflake.ID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rounds []auctiondomain.AuctionRound
		if err := tx.WithContext(ctx).Where("id = ?", roundID).Limit(1).Find(&rounds).Error; err != nil {
			return err
		}
		if len(rounds) == 0 {
			return auctiondomain.ErrRoundNotFound
		}
		round := rounds[0]

		now := s.clock.Now()
		if err := guard.EnsureRoundOpen(round, now); err != nil {
			return err
		}

		// Per-auction lock for the batch.
		var auctions []auctiondomain.Auction
		lockQuery := `SELECT * FROM auctions WHERE id = ?` + pkgdb.ForUpdateClause(tx)
		if err := tx.WithContext(ctx).Raw(lockQuery, round.AuctionID).Scan(&auctions).Error; err != nil {
			return err
		}
		if len(auctions) == 0 {
			return auctiondomain.ErrAuctionNotFound
		}
		auction := auctions[0]

		var settings []proxybiddomain.UseProxyBidding
		if err := tx.WithContext(ctx).
			Where("auction_id = ?", auction.ID).
			Order("user_id").
			Find(&settings).Error; err != nil {
			return err
		}
		if len(settings) == 0 {
			return nil
		}

		var spaces []sitedomain.Space
		if err := tx.WithContext(ctx).
			Where("site_id = ? AND is_available = ? AND deleted_at IS NULL", auction.SiteID, true).
			Order("id").
			Find(&spaces).Error; err != nil {
			return err
		}

		var prevResults []auctiondomain.RoundSpaceResult
		if round.RoundNum > 0 {
			if err := tx.WithContext(ctx).Raw(
				`SELECT rsr.* FROM round_space_results rsr
				 JOIN auction_rounds ar ON rsr.round_id = ar.id
				 WHERE ar.auction_id = ? AND ar.round_num = ?`,
				auction.ID, round.RoundNum-1,
			).Scan(&prevResults).Error; err != nil {
				return err
			}
		}

		var params auctiondomain.AuctionParams
		if err := tx.WithContext(ctx).First(&params, "id = ?", auction.AuctionParamsID).Error; err != nil {
			return err
		}
		increment, err := auctiondomain.ParseBidIncrement(params.BidIncrement)
		if err != nil {
			return err
		}

		var userErr error
		for _, setting := range settings {
			if err := s.processUserTx(ctx, tx, &round, setting, spaces, prevResults, increment); err != nil {
				s.log.Warn("proxy bidding failed for user",
					zap.String("user_id", setting.UserID.String()),
					zap.Error(err),
				)
				userErr = errors.Join(userErr, err)
			}
		}
		return userErr
	})
}

func (s *Service) processUserTx(ctx context.Context, tx *gorm.DB, round *auctiondomain.AuctionRound, setting proxybiddomain.UseProxyBidding, spaces []sitedomain.Space, prevResults []auctiondomain.RoundSpaceResult, increment *auctiondomain.BidIncrement) error {
	// Clear this user's bids for the round so updated valuations or caps
	// replace the previous plan rather than stacking on it.
	if err := tx.WithContext(ctx).
		Where("round_id = ? AND user_id = ?", round.ID, setting.UserID).
		Delete(&auctiondomain.Bid{}).Error; err != nil {
		return err
	}

	standing := make(map[snowflake.ID]bool)
	for _, result := range prevResults {
		if result.WinningUserID == setting.UserID {
			standing[result.SpaceID] = true
		}
	}

	target := setting.MaxItems - len(standing)
	if target <= 0 {
		return nil
	}

	spaceIDs := make([]snowflake.ID, 0, len(spaces))
	for _, space := range spaces {
		spaceIDs = append(spaceIDs, space.ID)
	}
	var values []proxybiddomain.UserValue
	if err := tx.WithContext(ctx).
		Where("user_id = ? AND space_id IN ?", setting.UserID, spaceIDs).
		Find(&values).Error; err != nil {
		return err
	}

	prevBySpace := make(map[snowflake.ID]auctiondomain.RoundSpaceResult, len(prevResults))
	for _, result := range prevResults {
		prevBySpace[result.SpaceID] = result
	}

	candidates := make([]candidate, 0, len(values))
	for _, value := range values {
		if standing[value.SpaceID] {
			continue
		}
		min := decimal.Zero
		if prev, ok := prevBySpace[value.SpaceID]; ok {
			min = prev.Value.Add(increment.IncrementFor(round.RoundNum))
		}
		surplus := value.Value.Sub(min)
		if !surplus.IsPositive() {
			continue
		}
		candidates = append(candidates, candidate{spaceID: value.SpaceID, minBid: min, surplus: surplus})
	}

	// Highest surplus first; ties resolve to the cheaper space, then the
	// stable space id.
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].surplus.Equal(candidates[j].surplus) {
			return candidates[i].surplus.GreaterThan(candidates[j].surplus)
		}
		if !candidates[i].minBid.Equal(candidates[j].minBid) {
			return candidates[i].minBid.LessThan(candidates[j].minBid)
		}
		return candidates[i].spaceID < candidates[j].spaceID
	})

	placed := 0
	for _, cand := range candidates {
		if placed >= target {
			break
		}
		err := s.auctionSvc.PlaceBidTx(ctx, tx, setting.UserID, round, cand.spaceID)
		switch {
		case err == nil:
			placed++
		case errors.Is(err, auctiondomain.ErrInsufficientEligibility),
			errors.Is(err, auctiondomain.ErrAlreadyStanding),
			errors.Is(err, auctiondomain.ErrInsufficientCredit):
			continue
		default:
			return err
		}
	}

	return nil
}
