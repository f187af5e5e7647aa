package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// AccountOwnerType distinguishes member accounts from the community
// treasury.
type AccountOwnerType string

const (
	OwnerMemberMain        AccountOwnerType = "member_main"
	OwnerCommunityTreasury AccountOwnerType = "community_treasury"
)

// Account is a double-entry account within a community. BalanceCached is
// kept equal to the sum of the account's journal lines in the same
// transaction that writes them.
type Account struct {
	ID            snowflake.ID     `gorm:"primaryKey"`
	CommunityID   snowflake.ID     `gorm:"not null;index;uniqueIndex:ux_accounts_owner,priority:1"`
	OwnerType     AccountOwnerType `gorm:"type:text;not null;uniqueIndex:ux_accounts_owner,priority:2"`
	OwnerUserID   *snowflake.ID    `gorm:"uniqueIndex:ux_accounts_owner,priority:3"`
	BalanceCached decimal.Decimal  `gorm:"type:numeric(20,6);not null;default:0"`
	CreditLimit   *decimal.Decimal `gorm:"type:numeric(20,6)"`
	CreatedAt     time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

// EntryType classifies a journal entry.
type EntryType string

const (
	EntryIssuanceGrant     EntryType = "issuance_grant"
	EntryCreditPurchase    EntryType = "credit_purchase"
	EntryAuctionSettlement EntryType = "auction_settlement"
	EntryTransfer          EntryType = "transfer"
)

// JournalEntry is the immutable header of one balanced posting.
type JournalEntry struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	CommunityID    snowflake.ID  `gorm:"not null;index"`
	EntryType      EntryType     `gorm:"type:text;not null"`
	IdempotencyKey string        `gorm:"type:text;not null;uniqueIndex"`
	AuctionID      *snowflake.ID `gorm:"index"`
	InitiatedByID  *snowflake.ID `gorm:""`
	Note           *string       `gorm:"type:text"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (JournalEntry) TableName() string { return "journal_entries" }

// JournalLine is one signed posting. Lines of an entry sum to zero.
type JournalLine struct {
	ID        snowflake.ID    `gorm:"primaryKey"`
	EntryID   snowflake.ID    `gorm:"not null;index"`
	AccountID snowflake.ID    `gorm:"not null;index"`
	Amount    decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	CreatedAt time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (JournalLine) TableName() string { return "journal_lines" }

// Line is the input form of a posting.
type Line struct {
	AccountID snowflake.ID
	Amount    decimal.Decimal
}

// ValidateBalanced checks that lines sum to exactly zero and reference
// each account at most once.
func ValidateBalanced(lines []Line) error {
	if len(lines) == 0 {
		return ErrInvalidEntryLines
	}
	seen := make(map[snowflake.ID]struct{}, len(lines))
	sum := decimal.Zero
	for _, line := range lines {
		if _, dup := seen[line.AccountID]; dup {
			return ErrDuplicateAccount
		}
		seen[line.AccountID] = struct{}{}
		sum = sum.Add(line.Amount)
	}
	if !sum.IsZero() {
		return ErrUnbalancedEntry
	}
	return nil
}

var (
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrInvalidEntryLines   = errors.New("invalid_entry_lines")
	ErrDuplicateAccount    = errors.New("duplicate_account_in_entry")
	ErrUnbalancedEntry     = errors.New("journal_lines_do_not_sum_to_zero")
	ErrInsufficientCredit  = errors.New("insufficient_credit")
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrAllowanceNotEnabled = errors.New("allowance_not_enabled")
)
