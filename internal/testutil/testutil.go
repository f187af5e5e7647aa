package testutil

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	auctiondomain "github.com/tinylvt/tinylvt/internal/auction/domain"
	communitydomain "github.com/tinylvt/tinylvt/internal/community/domain"
	"github.com/tinylvt/tinylvt/internal/migration"
	sitedomain "github.com/tinylvt/tinylvt/internal/site/domain"
	"gorm.io/gorm"
)

// NewDB opens an isolated in-memory database with the full schema applied.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("unwrap sql.DB: %v", err)
	}
	// A single connection keeps every session on the same in-memory
	// database.
	sqlDB.SetMaxOpenConns(1)

	if err := migration.AutoMigrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

// NewNode builds the snowflake node used across tests.
func NewNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

// Fixture seeds one community with a site, spaces, params, and members.
type Fixture struct {
	Community communitydomain.Community
	Site      sitedomain.Site
	Params    auctiondomain.AuctionParams
	Spaces    []sitedomain.Space
	Members   []communitydomain.Member
}

// FixtureSpec controls fixture construction.
type FixtureSpec struct {
	CurrencyMode       communitydomain.CurrencyMode
	DefaultCreditLimit *decimal.Decimal
	SpacePoints        []float64
	MemberUserIDs      []snowflake.ID
	RoundDuration      time.Duration
	BidIncrement       decimal.Decimal
	ActivityRule       *auctiondomain.ActivityRule
}

// SeedFixture inserts the fixture rows and returns their models.
func SeedFixture(t *testing.T, db *gorm.DB, node *snowflake.Node, spec FixtureSpec) Fixture {
	t.Helper()

	if spec.CurrencyMode == "" {
		spec.CurrencyMode = communitydomain.ModePointsAllocation
	}
	if spec.RoundDuration == 0 {
		spec.RoundDuration = time.Minute
	}
	if spec.BidIncrement.IsZero() {
		spec.BidIncrement = decimal.NewFromInt(10)
	}
	if spec.ActivityRule == nil {
		spec.ActivityRule = &auctiondomain.ActivityRule{
			Schedule: []auctiondomain.ActivityRuleEntry{{FromRound: 0, Threshold: 1.0}},
		}
	}
	if len(spec.SpacePoints) == 0 {
		spec.SpacePoints = []float64{1}
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	community := communitydomain.Community{
		ID:                 node.Generate(),
		Name:               "test community",
		CurrencyMode:       spec.CurrencyMode,
		DefaultCreditLimit: spec.DefaultCreditLimit,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := db.Create(&community).Error; err != nil {
		t.Fatalf("seed community: %v", err)
	}

	ruleDoc, err := spec.ActivityRule.Document()
	if err != nil {
		t.Fatalf("activity rule doc: %v", err)
	}
	incDoc, err := auctiondomain.FixedIncrement(spec.BidIncrement).Document()
	if err != nil {
		t.Fatalf("bid increment doc: %v", err)
	}
	params := auctiondomain.AuctionParams{
		ID:            node.Generate(),
		RoundDuration: spec.RoundDuration,
		BidIncrement:  incDoc,
		ActivityRule:  ruleDoc,
		CreatedAt:     now,
	}
	if err := db.Create(&params).Error; err != nil {
		t.Fatalf("seed params: %v", err)
	}

	site := sitedomain.Site{
		ID:               node.Generate(),
		CommunityID:      community.ID,
		Name:             "test site",
		DefaultParamsID:  params.ID,
		PossessionPeriod: 24 * time.Hour,
		AuctionLeadTime:  time.Hour,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := db.Create(&site).Error; err != nil {
		t.Fatalf("seed site: %v", err)
	}

	fixture := Fixture{Community: community, Site: site, Params: params}

	for i, points := range spec.SpacePoints {
		space := sitedomain.Space{
			ID:                node.Generate(),
			SiteID:            site.ID,
			Name:              "space-" + string(rune('A'+i)),
			EligibilityPoints: points,
			IsAvailable:       true,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := db.Create(&space).Error; err != nil {
			t.Fatalf("seed space: %v", err)
		}
		fixture.Spaces = append(fixture.Spaces, space)
	}

	for i, userID := range spec.MemberUserIDs {
		role := communitydomain.RoleMember
		if i == 0 {
			role = communitydomain.RoleLeader
		}
		member := communitydomain.Member{
			ID:          node.Generate(),
			CommunityID: community.ID,
			UserID:      userID,
			Role:        role,
			IsActive:    true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := db.Create(&member).Error; err != nil {
			t.Fatalf("seed member: %v", err)
		}
		fixture.Members = append(fixture.Members, member)
	}

	return fixture
}
