package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	auctiondomain "github.com/tinylvt/tinylvt/internal/auction/domain"
	auctionservice "github.com/tinylvt/tinylvt/internal/auction/service"
	"github.com/tinylvt/tinylvt/internal/clock"
	ledgerdomain "github.com/tinylvt/tinylvt/internal/ledger/domain"
	ledgerservice "github.com/tinylvt/tinylvt/internal/ledger/service"
	proxyservice "github.com/tinylvt/tinylvt/internal/proxybid/service"
	"github.com/tinylvt/tinylvt/internal/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type schedulerHarness struct {
	db    *gorm.DB
	node  *snowflake.Node
	clk   *clock.FakeClock
	sched *Scheduler
}

func newSchedulerHarness(t *testing.T) *schedulerHarness {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	engine := auctionservice.NewService(auctionservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, LedgerSvc: ledgerSvc,
	})
	proxy := proxyservice.NewService(proxyservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, AuctionSvc: engine,
	})

	sched, err := New(Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		AuctionSvc: engine, ProxySvc: proxy,
		Config: Config{TickInterval: time.Second, BatchSize: 10, BackoffBase: 5 * time.Minute},
	})
	require.NoError(t, err)
	return &schedulerHarness{db: db, node: node, clk: clk, sched: sched}
}

func TestCreateAuctionsFromSiteSchedule(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()
	userA := h.node.Generate()

	fixture := testutil.SeedFixture(t, h.db, h.node, testutil.FixtureSpec{
		MemberUserIDs: []snowflake.ID{userA},
	})

	// Possession begins in 26h; lead times put the auction row 2h+30m
	// before that.
	anchor := h.clk.Now().Add(26 * time.Hour)
	require.NoError(t, h.db.Exec(
		`UPDATE sites SET auto_schedule = ?, possession_anchor_at = ?, auction_lead_time = ?, proxy_bidding_lead_time = ? WHERE id = ?`,
		true, anchor, 2*time.Hour, 30*time.Minute, fixture.Site.ID,
	).Error)

	// Too early: nothing is created.
	require.NoError(t, h.sched.CreateAuctionsJob(ctx))
	var count int64
	require.NoError(t, h.db.Model(&auctiondomain.Auction{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	// Past the proxy-bidding lead time, the row appears.
	h.clk.Advance(24*time.Hour - time.Minute)
	require.NoError(t, h.sched.CreateAuctionsJob(ctx))
	var auctions []auctiondomain.Auction
	require.NoError(t, h.db.Find(&auctions).Error)
	require.Len(t, auctions, 1)

	assert.WithinDuration(t, anchor, auctions[0].PossessionStartAt, time.Second)
	assert.WithinDuration(t, anchor.Add(24*time.Hour), auctions[0].PossessionEndAt, time.Second)
	assert.WithinDuration(t, anchor.Add(-2*time.Hour), auctions[0].StartAt, time.Second)

	// Re-running does not duplicate.
	require.NoError(t, h.sched.CreateAuctionsJob(ctx))
	require.NoError(t, h.db.Model(&auctiondomain.Auction{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSchedulerDrivesAuctionToSettlement(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()
	userA := h.node.Generate()
	userB := h.node.Generate()

	fixture := testutil.SeedFixture(t, h.db, h.node, testutil.FixtureSpec{
		SpacePoints:   []float64{1},
		MemberUserIDs: []snowflake.ID{userA, userB},
		RoundDuration: time.Minute,
		BidIncrement:  decimal.NewFromInt(10),
	})
	spaceX := fixture.Spaces[0]

	// Proxy enrollment happens against the auction row before it starts.
	require.NoError(t, h.db.Exec(
		`INSERT INTO user_values (id, user_id, space_id, value, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?), (?, ?, ?, ?, ?, ?)`,
		h.node.Generate(), userA, spaceX.ID, decimal.NewFromInt(100), h.clk.Now(), h.clk.Now(),
		h.node.Generate(), userB, spaceX.ID, decimal.NewFromInt(80), h.clk.Now(), h.clk.Now(),
	).Error)

	auction := auctiondomain.Auction{
		ID:                h.node.Generate(),
		SiteID:            fixture.Site.ID,
		AuctionParamsID:   fixture.Params.ID,
		PossessionStartAt: h.clk.Now().Add(24 * time.Hour),
		PossessionEndAt:   h.clk.Now().Add(48 * time.Hour),
		StartAt:           h.clk.Now().Add(time.Minute),
		CreatedAt:         h.clk.Now(),
		UpdatedAt:         h.clk.Now(),
	}
	require.NoError(t, h.db.Create(&auction).Error)
	require.NoError(t, h.db.Exec(
		`INSERT INTO use_proxy_bidding (id, user_id, auction_id, max_items, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?), (?, ?, ?, ?, ?, ?)`,
		h.node.Generate(), userA, auction.ID, 1, h.clk.Now(), h.clk.Now(),
		h.node.Generate(), userB, auction.ID, 1, h.clk.Now(), h.clk.Now(),
	).Error)

	// Tick until settled, advancing a minute at a time.
	settled := false
	for i := 0; i < 60; i++ {
		require.NoError(t, h.sched.RunOnce(ctx))
		var refreshed auctiondomain.Auction
		require.NoError(t, h.db.First(&refreshed, "id = ?", auction.ID).Error)
		if refreshed.EndAt != nil {
			settled = true
			break
		}
		h.clk.Advance(time.Minute)
	}
	require.True(t, settled, "auction did not settle")

	var entries []ledgerdomain.JournalEntry
	require.NoError(t, h.db.Where("auction_id = ?", auction.ID).Find(&entries).Error)
	require.Len(t, entries, 1)
	assert.Equal(t, ledgerdomain.EntryAuctionSettlement, entries[0].EntryType)

	// The high-value proxy user holds the space at the end.
	var results []auctiondomain.RoundSpaceResult
	require.NoError(t, h.db.Raw(
		`SELECT rsr.* FROM round_space_results rsr
		 JOIN auction_rounds ar ON rsr.round_id = ar.id
		 WHERE ar.auction_id = ? ORDER BY ar.round_num DESC LIMIT 1`, auction.ID,
	).Scan(&results).Error)
	require.Len(t, results, 1)
	assert.Equal(t, userA, results[0].WinningUserID)
}

func TestSchedulerBackoffOnFailingAuction(t *testing.T) {
	h := newSchedulerHarness(t)
	ctx := context.Background()
	userA := h.node.Generate()

	fixture := testutil.SeedFixture(t, h.db, h.node, testutil.FixtureSpec{
		MemberUserIDs: []snowflake.ID{userA},
	})

	// Corrupt params make round opening fail.
	badParams := auctiondomain.AuctionParams{
		ID:            h.node.Generate(),
		RoundDuration: time.Minute,
		BidIncrement:  []byte(`{"kind":"bogus"}`),
		ActivityRule:  []byte(`{"schedule":[{"from_round":0,"threshold":1.0}]}`),
		CreatedAt:     h.clk.Now(),
	}
	require.NoError(t, h.db.Create(&badParams).Error)

	auction := auctiondomain.Auction{
		ID:                h.node.Generate(),
		SiteID:            fixture.Site.ID,
		AuctionParamsID:   badParams.ID,
		PossessionStartAt: h.clk.Now().Add(24 * time.Hour),
		PossessionEndAt:   h.clk.Now().Add(48 * time.Hour),
		StartAt:           h.clk.Now(),
		CreatedAt:         h.clk.Now(),
		UpdatedAt:         h.clk.Now(),
	}
	require.NoError(t, h.db.Create(&auction).Error)

	err := h.sched.AdvanceAuctionsJob(ctx)
	require.Error(t, err)

	var refreshed auctiondomain.Auction
	require.NoError(t, h.db.First(&refreshed, "id = ?", auction.ID).Error)
	assert.Equal(t, 1, refreshed.SchedulerFailureCount)
	require.NotNil(t, refreshed.SchedulerLastFailedAt)

	// Within the backoff window, the auction is skipped entirely.
	require.NoError(t, h.sched.AdvanceAuctionsJob(ctx))
	require.NoError(t, h.db.First(&refreshed, "id = ?", auction.ID).Error)
	assert.Equal(t, 1, refreshed.SchedulerFailureCount)

	// After the backoff expires, it is retried.
	h.clk.Advance(11 * time.Minute)
	err = h.sched.AdvanceAuctionsJob(ctx)
	require.Error(t, err)
	require.NoError(t, h.db.First(&refreshed, "id = ?", auction.ID).Error)
	assert.Equal(t, 2, refreshed.SchedulerFailureCount)

	// Other auctions are unaffected: a healthy one starts fine.
	healthy := auctiondomain.Auction{
		ID:                h.node.Generate(),
		SiteID:            fixture.Site.ID,
		AuctionParamsID:   fixture.Params.ID,
		PossessionStartAt: h.clk.Now().Add(24 * time.Hour),
		PossessionEndAt:   h.clk.Now().Add(48 * time.Hour),
		StartAt:           h.clk.Now(),
		CreatedAt:         h.clk.Now(),
		UpdatedAt:         h.clk.Now(),
	}
	require.NoError(t, h.db.Create(&healthy).Error)
	_ = h.sched.AdvanceAuctionsJob(ctx)

	var rounds int64
	require.NoError(t, h.db.Model(&auctiondomain.AuctionRound{}).Where("auction_id = ?", healthy.ID).Count(&rounds).Error)
	assert.Equal(t, int64(1), rounds)
}

func TestBackoffDoubling(t *testing.T) {
	cfg := Config{BackoffBase: 5 * time.Minute, BackoffMaxExp: 5}.withDefaults()

	assert.Equal(t, time.Duration(0), cfg.backoffFor(0))
	assert.Equal(t, 10*time.Minute, cfg.backoffFor(1))
	assert.Equal(t, 20*time.Minute, cfg.backoffFor(2))
	assert.Equal(t, 160*time.Minute, cfg.backoffFor(5))
	// Capped past five failures.
	assert.Equal(t, 160*time.Minute, cfg.backoffFor(12))
}
