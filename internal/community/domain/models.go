package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// Role orders member permissions from lowest to highest.
type Role string

const (
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleColeader  Role = "coleader"
	RoleLeader    Role = "leader"
)

var roleRank = map[Role]int{
	RoleMember:    0,
	RoleModerator: 1,
	RoleColeader:  2,
	RoleLeader:    3,
}

// AtLeast reports whether r grants the permissions of required.
func (r Role) AtLeast(required Role) bool {
	return roleRank[r] >= roleRank[required]
}

// CurrencyMode selects how auction proceeds are settled.
type CurrencyMode string

const (
	ModePointsAllocation    CurrencyMode = "points_allocation"
	ModeDistributedClearing CurrencyMode = "distributed_clearing"
	ModeDeferredPayment     CurrencyMode = "deferred_payment"
	ModePrepaidCredits      CurrencyMode = "prepaid_credits"
)

// Community is the root aggregate owning members, sites, and accounts.
type Community struct {
	ID                 snowflake.ID     `gorm:"primaryKey"`
	Name               string           `gorm:"type:text;not null"`
	CurrencyMode       CurrencyMode     `gorm:"type:text;not null"`
	CurrencySymbol     string           `gorm:"type:text;not null;default:'$'"`
	DefaultCreditLimit *decimal.Decimal `gorm:"type:numeric(20,6)"`
	DebtsCallable      bool             `gorm:"not null;default:false"`
	AllowanceAmount    *decimal.Decimal `gorm:"type:numeric(20,6)"`
	AllowancePeriod    *time.Duration   `gorm:""`
	AllowanceStart     *time.Time       `gorm:""`
	CreatedAt          time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Community) TableName() string { return "communities" }

// Member links a user to a community. Exactly one member per community
// holds the leader role; IsActive gates participation in distributions.
type Member struct {
	ID          snowflake.ID `gorm:"primaryKey"`
	CommunityID snowflake.ID `gorm:"not null;index;uniqueIndex:ux_members_community_user,priority:1"`
	UserID      snowflake.ID `gorm:"not null;uniqueIndex:ux_members_community_user,priority:2"`
	Role        Role         `gorm:"type:text;not null;default:'member'"`
	IsActive    bool         `gorm:"not null;default:true"`
	CreatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt   time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Member) TableName() string { return "members" }

var (
	ErrCommunityNotFound = errors.New("community_not_found")
	ErrMemberNotFound    = errors.New("member_not_found")
	ErrInvalidRole       = errors.New("invalid_role")
)
