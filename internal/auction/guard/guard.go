package guard

import (
	"time"

	auctiondomain "github.com/tinylvt/tinylvt/internal/auction/domain"
)

// EnsureAuctionCanStart checks a scheduled auction may open round 0.
func EnsureAuctionCanStart(auction auctiondomain.Auction, now time.Time) error {
	if auction.EndAt != nil || auction.AbortedAt != nil {
		return auctiondomain.ErrInvalidTransition
	}
	if now.Before(auction.StartAt) {
		return auctiondomain.ErrInvalidTransition
	}
	return nil
}

// EnsureAuctionOngoing checks the auction is neither finalized nor aborted.
func EnsureAuctionOngoing(auction auctiondomain.Auction) error {
	if auction.EndAt != nil || auction.AbortedAt != nil {
		return auctiondomain.ErrNotOpen
	}
	return nil
}

// EnsureRoundOpen checks the round accepts bids at now.
func EnsureRoundOpen(round auctiondomain.AuctionRound, now time.Time) error {
	if now.Before(round.StartAt) || !now.Before(round.EndAt) {
		return auctiondomain.ErrNotOpen
	}
	return nil
}

// EnsureRoundConcluded checks the round has reached its scheduled end.
func EnsureRoundConcluded(round auctiondomain.AuctionRound, now time.Time) error {
	if now.Before(round.EndAt) {
		return auctiondomain.ErrNotOpen
	}
	return nil
}
