package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// UserValue is a user's maximum willingness to pay for a space, consumed by
// the proxy bidder.
type UserValue struct {
	ID        snowflake.ID    `gorm:"primaryKey"`
	UserID    snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_user_values,priority:1"`
	SpaceID   snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_user_values,priority:2"`
	Value     decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	CreatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UserValue) TableName() string { return "user_values" }

// UseProxyBidding enrolls a user for automated bidding in one auction.
// MaxItems caps how many spaces the user is willing to end up standing on.
type UseProxyBidding struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	UserID    snowflake.ID `gorm:"not null;index;uniqueIndex:ux_use_proxy_bidding,priority:1"`
	AuctionID snowflake.ID `gorm:"not null;index;uniqueIndex:ux_use_proxy_bidding,priority:2"`
	MaxItems  int          `gorm:"not null;default:1"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UseProxyBidding) TableName() string { return "use_proxy_bidding" }

// Service places bids on behalf of enrolled users from their declared
// valuations.
type Service interface {
	SetUserValue(ctx context.Context, userID, spaceID snowflake.ID, value decimal.Decimal) error
	DeleteUserValue(ctx context.Context, userID, spaceID snowflake.ID) error

	// Enroll opts a user into proxy bidding for an auction with the given
	// standing-win cap.
	Enroll(ctx context.Context, userID, auctionID snowflake.ID, maxItems int) error
	Disable(ctx context.Context, userID, auctionID snowflake.ID) error

	// ProcessRound runs proxy planning for every enrolled user of the
	// round's auction. Idempotent per (round, user): re-running replaces
	// the user's bids with the same plan.
	ProcessRound(ctx context.Context, roundID snowflake.ID) error
}

var (
	ErrNotEnrolled     = errors.New("not_enrolled")
	ErrInvalidMaxItems = errors.New("invalid_max_items")
)
