package domain

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// ActivityRuleEntry maps a starting round to the eligibility threshold that
// applies from that round onward. Thresholds are fractions in [0, 1] and
// must be nondecreasing across entries.
type ActivityRuleEntry struct {
	FromRound int     `json:"from_round"`
	Threshold float64 `json:"threshold"`
}

// ActivityRule is the decoded activity-rule schedule pinned on auction
// params.
type ActivityRule struct {
	Schedule []ActivityRuleEntry `json:"schedule"`
}

// ParseActivityRule decodes and validates the activity-rule JSON document.
func ParseActivityRule(raw datatypes.JSON) (*ActivityRule, error) {
	var rule ActivityRule
	if err := json.Unmarshal(raw, &rule); err != nil {
		return nil, fmt.Errorf("decoding activity rule: %w", err)
	}
	if len(rule.Schedule) == 0 {
		return nil, ErrInvalidAuctionParams
	}
	if !sort.SliceIsSorted(rule.Schedule, func(i, j int) bool {
		return rule.Schedule[i].FromRound < rule.Schedule[j].FromRound
	}) {
		return nil, ErrInvalidAuctionParams
	}
	prev := 0.0
	for _, entry := range rule.Schedule {
		if entry.Threshold < 0 || entry.Threshold > 1 || entry.Threshold < prev {
			return nil, ErrInvalidAuctionParams
		}
		prev = entry.Threshold
	}
	return &rule, nil
}

// ThresholdFor returns the threshold of the greatest schedule entry with
// from_round <= roundNum. The first entry applies from round 0.
func (r *ActivityRule) ThresholdFor(roundNum int) float64 {
	threshold := 0.0
	found := false
	for _, entry := range r.Schedule {
		if entry.FromRound > roundNum {
			break
		}
		threshold = entry.Threshold
		found = true
	}
	if !found && len(r.Schedule) > 0 {
		return r.Schedule[0].Threshold
	}
	return threshold
}

// Document serializes the rule for persisting it back to the params column.
func (r *ActivityRule) Document() (datatypes.JSON, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

const (
	IncrementKindFixed  = "fixed"
	IncrementKindAffine = "affine"
)

// BidIncrement defines the per-round bid increment schedule. Fixed
// schedules use Amount; affine schedules evaluate a + b*r + c*r^2 in
// decimal arithmetic.
type BidIncrement struct {
	Kind   string          `json:"kind"`
	Amount decimal.Decimal `json:"amount,omitempty"`
	A      decimal.Decimal `json:"a,omitempty"`
	B      decimal.Decimal `json:"b,omitempty"`
	C      decimal.Decimal `json:"c,omitempty"`
}

// ParseBidIncrement decodes and validates the bid-increment JSON document.
func ParseBidIncrement(raw datatypes.JSON) (*BidIncrement, error) {
	var inc BidIncrement
	if err := json.Unmarshal(raw, &inc); err != nil {
		return nil, fmt.Errorf("decoding bid increment: %w", err)
	}
	switch inc.Kind {
	case IncrementKindFixed:
		if inc.Amount.IsNegative() {
			return nil, ErrInvalidAuctionParams
		}
	case IncrementKindAffine:
		// Coefficients may individually be negative as long as the
		// increment is nonneg for round 0. Later rounds are not checked:
		// IncrementFor returns the evaluated value as is, negative or not.
		if inc.IncrementFor(0).IsNegative() {
			return nil, ErrInvalidAuctionParams
		}
	default:
		return nil, ErrInvalidAuctionParams
	}
	return &inc, nil
}

// IncrementFor evaluates the increment for a round index.
func (b *BidIncrement) IncrementFor(roundNum int) decimal.Decimal {
	switch b.Kind {
	case IncrementKindAffine:
		r := decimal.NewFromInt(int64(roundNum))
		return b.A.Add(b.B.Mul(r)).Add(b.C.Mul(r).Mul(r))
	default:
		return b.Amount
	}
}

// Document serializes the increment spec for the params column.
func (b *BidIncrement) Document() (datatypes.JSON, error) {
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

// FixedIncrement builds a fixed-amount increment spec.
func FixedIncrement(amount decimal.Decimal) *BidIncrement {
	return &BidIncrement{Kind: IncrementKindFixed, Amount: amount}
}
