package domain

import "errors"

// Precondition failures are user-visible and retryable after fixing input.
var (
	ErrNotOpen                 = errors.New("round_not_open")
	ErrSpaceUnavailable        = errors.New("space_unavailable")
	ErrInsufficientEligibility = errors.New("insufficient_eligibility")
	ErrInsufficientCredit      = errors.New("insufficient_credit")
	ErrAlreadyStanding         = errors.New("already_standing")
	ErrInvalidTransition       = errors.New("invalid_transition")
)

// Lookup and integrity failures.
var (
	ErrAuctionNotFound      = errors.New("auction_not_found")
	ErrRoundNotFound        = errors.New("auction_round_not_found")
	ErrInvalidAuctionParams = errors.New("invalid_auction_params")
	ErrInvariantViolation   = errors.New("invariant_violation")
)

// Retryable conflicts.
var (
	ErrConcurrentUpdate = errors.New("concurrent_update")
)

// IsPrecondition reports whether err is a user-visible precondition
// failure rather than an operational one.
func IsPrecondition(err error) bool {
	for _, target := range []error{
		ErrNotOpen,
		ErrSpaceUnavailable,
		ErrInsufficientEligibility,
		ErrInsufficientCredit,
		ErrAlreadyStanding,
		ErrInvalidTransition,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
