package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// AuctionParams is an immutable parameter snapshot. Editing site defaults
// copies on write; params referenced by an auction are never mutated.
type AuctionParams struct {
	ID            snowflake.ID   `gorm:"primaryKey"`
	RoundDuration time.Duration  `gorm:"not null"`
	BidIncrement  datatypes.JSON `gorm:"not null"`
	ActivityRule  datatypes.JSON `gorm:"not null"`
	CreatedAt     time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AuctionParams) TableName() string { return "auction_params" }

// Status is the derived auction lifecycle state.
type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusActive     Status = "active"
	StatusFinalizing Status = "finalizing"
	StatusFinalized  Status = "finalized"
	StatusAborted    Status = "aborted"
)

// Auction drives one simultaneous ascending auction for a site's spaces
// over a possession window.
type Auction struct {
	ID                    snowflake.ID `gorm:"primaryKey"`
	SiteID                snowflake.ID `gorm:"not null;index"`
	AuctionParamsID       snowflake.ID `gorm:"not null"`
	PossessionStartAt     time.Time    `gorm:"not null"`
	PossessionEndAt       time.Time    `gorm:"not null"`
	StartAt               time.Time    `gorm:"not null;index"`
	EndAt                 *time.Time   `gorm:""`
	AbortedAt             *time.Time   `gorm:""`
	SchedulerFailureCount int          `gorm:"not null;default:0"`
	SchedulerLastFailedAt *time.Time   `gorm:""`
	CreatedAt             time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Auction) TableName() string { return "auctions" }

// StatusAt derives the lifecycle state as of now, given whether any round
// exists.
func (a *Auction) StatusAt(now time.Time, hasRounds bool) Status {
	switch {
	case a.AbortedAt != nil:
		return StatusAborted
	case a.EndAt != nil:
		return StatusFinalized
	case now.Before(a.StartAt) || !hasRounds:
		return StatusScheduled
	default:
		return StatusActive
	}
}

// AuctionRound is one bidding round. Rounds are dense and 0-based; the
// winner seed makes random winner selection replayable.
type AuctionRound struct {
	ID                   snowflake.ID `gorm:"primaryKey"`
	AuctionID            snowflake.ID `gorm:"not null;index;uniqueIndex:ux_auction_rounds_num,priority:1"`
	RoundNum             int          `gorm:"not null;uniqueIndex:ux_auction_rounds_num,priority:2"`
	StartAt              time.Time    `gorm:"not null"`
	EndAt                time.Time    `gorm:"not null;index"`
	EligibilityThreshold float64      `gorm:"not null"`
	WinnerSeed           int64        `gorm:"not null"`
	ProxyLastProcessedAt *time.Time   `gorm:""`
	ProxyFailureCount    int          `gorm:"not null;default:0"`
	ProxyLastFailedAt    *time.Time   `gorm:""`
	CreatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt            time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (AuctionRound) TableName() string { return "auction_rounds" }

// RoundSpaceResult records the standing winner and running value of a space
// after a round closes. Values are nondecreasing across rounds.
type RoundSpaceResult struct {
	ID            snowflake.ID    `gorm:"primaryKey"`
	SpaceID       snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_round_space_results,priority:2"`
	RoundID       snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_round_space_results,priority:1"`
	WinningUserID snowflake.ID    `gorm:"not null"`
	Value         decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	CreatedAt     time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RoundSpaceResult) TableName() string { return "round_space_results" }

// Bid is a binary commitment to pay the round's minimum bid for a space.
type Bid struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	SpaceID   snowflake.ID `gorm:"not null;index;uniqueIndex:ux_bids,priority:2"`
	RoundID   snowflake.ID `gorm:"not null;index;uniqueIndex:ux_bids,priority:1"`
	UserID    snowflake.ID `gorm:"not null;index;uniqueIndex:ux_bids,priority:3"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Bid) TableName() string { return "bids" }

// UserEligibility is the eligibility-point budget a user carries into a
// round. Rows exist only for round_num > 0; round 0 eligibility is the sum
// of all available spaces' points.
type UserEligibility struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	RoundID     snowflake.ID `gorm:"not null;index;uniqueIndex:ux_user_eligibilities,priority:1"`
	UserID      snowflake.ID `gorm:"not null;uniqueIndex:ux_user_eligibilities,priority:2"`
	Eligibility float64      `gorm:"not null"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (UserEligibility) TableName() string { return "user_eligibilities" }

// SpaceState is the per-space view served by GetAuctionState.
type SpaceState struct {
	SpaceID        snowflake.ID
	MinBid         decimal.Decimal
	Value          decimal.Decimal
	StandingWinner *snowflake.ID
}

// AuctionState is the aggregate view of one auction for display and for
// proxy planning.
type AuctionState struct {
	AuctionID    snowflake.ID
	Status       Status
	CurrentRound *AuctionRound
	Spaces       []SpaceState
	Eligibility  map[snowflake.ID]float64
}
