package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// CreateAuctionRequest describes a new auction for a site. Params are
// snapshotted from the site defaults when ParamsID is zero.
type CreateAuctionRequest struct {
	SiteID            snowflake.ID
	PossessionStartAt time.Time
	PossessionEndAt   time.Time
	StartAt           time.Time
	ParamsID          snowflake.ID
}

// Service is the auction engine: the round-by-round state machine driving
// one auction from creation through settlement.
type Service interface {
	CreateAuction(ctx context.Context, req CreateAuctionRequest) (snowflake.ID, error)

	// PlaceBid records a commitment to pay the current round's minimum
	// bid for the space. The current open round is inferred.
	PlaceBid(ctx context.Context, userID, auctionID, spaceID snowflake.ID) error

	// PlaceBidTx is PlaceBid inside an existing transaction, used by the
	// proxy bidder to batch bids under the per-auction lock.
	PlaceBidTx(ctx context.Context, tx *gorm.DB, userID snowflake.ID, round *AuctionRound, spaceID snowflake.ID) error

	// WithdrawBid retracts a bid while its round is still open.
	WithdrawBid(ctx context.Context, userID, auctionID, spaceID snowflake.ID) error

	// StartAuction opens round 0 for a scheduled auction whose start time
	// has passed.
	StartAuction(ctx context.Context, auctionID snowflake.ID) error

	// Advance closes the current round if it is due and either opens the
	// next round or finalizes the auction. Returns true while the auction
	// is still ongoing.
	Advance(ctx context.Context, auctionID snowflake.ID) (bool, error)

	GetAuctionState(ctx context.Context, auctionID snowflake.ID) (AuctionState, error)

	// AbortAuction terminates an auction without settlement. Rejected once
	// finalized.
	AbortAuction(ctx context.Context, auctionID snowflake.ID) error

	// ListEligibility returns a user's eligibility for every round after
	// round 0, in round order.
	ListEligibility(ctx context.Context, auctionID, userID snowflake.ID) ([]float64, error)
}
