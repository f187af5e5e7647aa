package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service converts auction outcomes and grants into balanced journal
// entries, enforcing credit limits. Tx variants run inside a caller
// transaction so settlement commits atomically with finalization.
type Service interface {
	// EnsureMemberAccount creates the member_main account if missing and
	// returns it.
	EnsureMemberAccount(ctx context.Context, communityID, userID snowflake.ID) (Account, error)

	// EnsureMemberAccountTx is EnsureMemberAccount inside an existing
	// transaction.
	EnsureMemberAccountTx(ctx context.Context, tx *gorm.DB, communityID, userID snowflake.ID) (Account, error)

	// EnsureTreasuryAccount creates the community_treasury account if
	// missing and returns it.
	EnsureTreasuryAccount(ctx context.Context, communityID snowflake.ID) (Account, error)

	GetAccount(ctx context.Context, communityID snowflake.ID, owner AccountOwnerType, ownerUserID *snowflake.ID) (Account, error)

	// CreateEntry posts a balanced entry with credit-limit enforcement.
	// Retrying an idempotency key is a no-op.
	CreateEntry(ctx context.Context, communityID snowflake.ID, entryType EntryType, idempotencyKey string, lines []Line, auctionID, initiatedByID *snowflake.ID, note *string) error

	// CreateEntryTx is CreateEntry inside an existing transaction.
	CreateEntryTx(ctx context.Context, tx *gorm.DB, communityID snowflake.ID, entryType EntryType, idempotencyKey string, lines []Line, auctionID, initiatedByID *snowflake.ID, note *string) error

	// SettleAuctionTx builds and posts the settlement entry for a
	// finalized auction's winner payments, per the community currency
	// mode.
	SettleAuctionTx(ctx context.Context, tx *gorm.DB, communityID, auctionID snowflake.ID, winnerPayments map[snowflake.ID]decimal.Decimal) error

	// CheckSufficientCreditTx verifies an account can take on a further
	// debit of amount, accounting for balance, locked bids, and the
	// effective credit limit.
	CheckSufficientCreditTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, amount decimal.Decimal) error

	// IssueAllowance posts the recurring issuance grant for the current
	// allowance period. Idempotent per (community, period index).
	IssueAllowance(ctx context.Context, communityID snowflake.ID) error

	// Transfer moves amount between member accounts, or from the treasury
	// when fromUserID is nil.
	Transfer(ctx context.Context, communityID snowflake.ID, fromUserID *snowflake.ID, toUserID snowflake.ID, amount decimal.Decimal, initiatedByID snowflake.ID) error
}
