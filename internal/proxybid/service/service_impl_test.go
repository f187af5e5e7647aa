package service

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
	ledgerservice "github.com/tinylvt/tinylvt/internal/ledger/service"
	proxybiddomain "github.com/tinylvt/tinylvt/internal/proxybid/domain"
	"github.com/tinylvt/tinylvt/internal/testutil"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type proxyHarness struct {
	db     *gorm.DB
	node   *snowflake.Node
	clk    *clock.FakeClock
	engine auctiondomain.Service
	proxy  proxybiddomain.Service
}

func newProxyHarness(t *testing.T) *proxyHarness {
	t.Helper()
	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	ledgerSvc := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node, Clock: clk})
	engine := auctionservice.NewService(auctionservice.Params{
		DB: db, Log: log, GenID: node, Clock: clk, LedgerSvc: ledgerSvc,
	})
	proxy := NewService(Params{DB: db, Log: log, GenID: node, Clock: clk, AuctionSvc: engine})
	return &proxyHarness{db: db, node: node, clk: clk, engine: engine, proxy: proxy}
}

func (h *proxyHarness) startAuction(t *testing.T, fixture testutil.Fixture) snowflake.ID {
	t.Helper()
	now := h.clk.Now()
	auctionID, err := h.engine.CreateAuction(context.Background(), auctiondomain.CreateAuctionRequest{
		SiteID:            fixture.Site.ID,
		PossessionStartAt: now.Add(24 * time.Hour),
		PossessionEndAt:   now.Add(48 * time.Hour),
		StartAt:           now,
	})
	require.NoError(t, err)
	require.NoError(t, h.engine.StartAuction(context.Background(), auctionID))
	return auctionID
}

func (h *proxyHarness) currentRound(t *testing.T, auctionID snowflake.ID) auctiondomain.AuctionRound {
	t.Helper()
	var rounds []auctiondomain.AuctionRound
	require.NoError(t, h.db.Where("auction_id = ?", auctionID).Order("round_num DESC").Limit(1).Find(&rounds).Error)
	require.Len(t, rounds, 1)
	return rounds[0]
}

func (h *proxyHarness) bidsInRound(t *testing.T, roundID snowflake.ID) []auctiondomain.Bid {
	t.Helper()
	var bids []auctiondomain.Bid
	require.NoError(t, h.db.Where("round_id = ?", roundID).Order("user_id, space_id").Find(&bids).Error)
	return bids
}

func TestProxyRunsAuctionToCompletion(t *testing.T) {
	h := newProxyHarness(t)
	ctx := context.Background()
	userA := h.node.Generate()
	userB := h.node.Generate()

	fixture := testutil.SeedFixture(t, h.db, h.node, testutil.FixtureSpec{
		SpacePoints:   []float64{1},
		MemberUserIDs: []snowflake.ID{userA, userB},
		BidIncrement:  decimal.NewFromInt(10),
	})
	spaceX := fixture.Spaces[0]

	require.NoError(t, h.proxy.SetUserValue(ctx, userA, spaceX.ID, decimal.NewFromInt(100)))
	require.NoError(t, h.proxy.SetUserValue(ctx, userB, spaceX.ID, decimal.NewFromInt(80)))

	auctionID := h.startAuction(t, fixture)
	require.NoError(t, h.proxy.Enroll(ctx, userA, auctionID, 1))
	require.NoError(t, h.proxy.Enroll(ctx, userB, auctionID, 1))

	for i := 0; i < 50; i++ {
		state, err := h.engine.GetAuctionState(ctx, auctionID)
		require.NoError(t, err)
		if state.Status == auctiondomain.StatusFinalized {
			break
		}
		round := h.currentRound(t, auctionID)
		require.NoError(t, h.proxy.ProcessRound(ctx, round.ID))
		h.clk.Advance(time.Minute)
		_, err = h.engine.Advance(ctx, auctionID)
		require.NoError(t, err)
	}

	state, err := h.engine.GetAuctionState(ctx, auctionID)
	require.NoError(t, err)
	require.Equal(t, auctiondomain.StatusFinalized, state.Status)

	var results []auctiondomain.RoundSpaceResult
	require.NoError(t, h.db.Raw(
		`SELECT rsr.* FROM round_space_results rsr
		 JOIN auction_rounds ar ON rsr.round_id = ar.id
		 WHERE ar.auction_id = ? ORDER BY ar.round_num DESC LIMIT 1`, auctionID,
	).Scan(&results).Error)
	require.Len(t, results, 1)

	// The higher valuation prevails. The final price lands within one
	// increment of the loser's 80 valuation either side, depending on who
	// held the space as B priced out.
	assert.Equal(t, userA, results[0].WinningUserID)
	assert.True(t, results[0].Value.GreaterThanOrEqual(decimal.NewFromInt(70)), "value %s", results[0].Value)
	assert.True(t, results[0].Value.LessThanOrEqual(decimal.NewFromInt(90)), "value %s", results[0].Value)
}

func TestProxyPlacesNoBidWithoutPositiveSurplus(t *testing.T) {
	h := newProxyHarness(t)
	ctx := context.Background()
	userA := h.node.Generate()

	fixture := testutil.SeedFixture(t, h.db, h.node, testutil.FixtureSpec{
		SpacePoints:   []float64{1},
		MemberUserIDs: []snowflake.ID{userA},
	})
	spaceX := fixture.Spaces[0]

	// Round 0 minimum is 0; a zero valuation has no surplus.
	require.NoError(t, h.proxy.SetUserValue(ctx, userA, spaceX.ID, decimal.Zero))

	auctionID := h.startAuction(t, fixture)
	require.NoError(t, h.proxy.Enroll(ctx, userA, auctionID, 1))

	round := h.currentRound(t, auctionID)
	require.NoError(t, h.proxy.ProcessRound(ctx, round.ID))
	assert.Empty(t, h.bidsInRound(t, round.ID))
}

func TestProxyRespectsMaxItems(t *testing.T) {
	h := newProxyHarness(t)
	ctx := context.Background()
	userA := h.node.Generate()

	fixture := testutil.SeedFixture(t, h.db, h.node, testutil.FixtureSpec{
		SpacePoints:   []float64{1, 1, 1},
		MemberUserIDs: []snowflake.ID{userA},
	})

	// Three valued spaces, cap of two: the two highest surpluses win bids.
	require.NoError(t, h.proxy.SetUserValue(ctx, userA, fixture.Spaces[0].ID, decimal.NewFromInt(30)))
	require.NoError(t, h.proxy.SetUserValue(ctx, userA, fixture.Spaces[1].ID, decimal.NewFromInt(50)))
	require.NoError(t, h.proxy.SetUserValue(ctx, userA, fixture.Spaces[2].ID, decimal.NewFromInt(40)))

	auctionID := h.startAuction(t, fixture)
	require.NoError(t, h.proxy.Enroll(ctx, userA, auctionID, 2))

	round := h.currentRound(t, auctionID)
	require.NoError(t, h.proxy.ProcessRound(ctx, round.ID))

	bids := h.bidsInRound(t, round.ID)
	require.Len(t, bids, 2)
	bidSpaces := map[snowflake.ID]bool{}
	for _, bid := range bids {
		bidSpaces[bid.SpaceID] = true
	}
	assert.True(t, bidSpaces[fixture.Spaces[1].ID])
	assert.True(t, bidSpaces[fixture.Spaces[2].ID])
}

func TestProxyIdempotentPerRound(t *testing.T) {
	h := newProxyHarness(t)
	ctx := context.Background()
	userA := h.node.Generate()

	fixture := testutil.SeedFixture(t, h.db, h.node, testutil.FixtureSpec{
		SpacePoints:   []float64{1, 1},
		MemberUserIDs: []snowflake.ID{userA},
	})
	require.NoError(t, h.proxy.SetUserValue(ctx, userA, fixture.Spaces[0].ID, decimal.NewFromInt(20)))
	require.NoError(t, h.proxy.SetUserValue(ctx, userA, fixture.Spaces[1].ID, decimal.NewFromInt(10)))

	auctionID := h.startAuction(t, fixture)
	require.NoError(t, h.proxy.Enroll(ctx, userA, auctionID, 2))

	round := h.currentRound(t, auctionID)
	require.NoError(t, h.proxy.ProcessRound(ctx, round.ID))
	first := h.bidsInRound(t, round.ID)
	require.NoError(t, h.proxy.ProcessRound(ctx, round.ID))
	second := h.bidsInRound(t, round.ID)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].SpaceID, second[i].SpaceID)
		assert.Equal(t, first[i].UserID, second[i].UserID)
	}
}

func TestProxyReprocessAfterValueChange(t *testing.T) {
	h := newProxyHarness(t)
	ctx := context.Background()
	userA := h.node.Generate()

	fixture := testutil.SeedFixture(t, h.db, h.node, testutil.FixtureSpec{
		SpacePoints:   []float64{1, 1},
		MemberUserIDs: []snowflake.ID{userA},
	})
	require.NoError(t, h.proxy.SetUserValue(ctx, userA, fixture.Spaces[0].ID, decimal.NewFromInt(20)))

	auctionID := h.startAuction(t, fixture)
	require.NoError(t, h.proxy.Enroll(ctx, userA, auctionID, 1))

	round := h.currentRound(t, auctionID)
	require.NoError(t, h.proxy.ProcessRound(ctx, round.ID))
	require.Len(t, h.bidsInRound(t, round.ID), 1)

	// Retargeting to the other space replaces the plan mid-round.
	require.NoError(t, h.proxy.DeleteUserValue(ctx, userA, fixture.Spaces[0].ID))
	require.NoError(t, h.proxy.SetUserValue(ctx, userA, fixture.Spaces[1].ID, decimal.NewFromInt(20)))
	require.NoError(t, h.proxy.ProcessRound(ctx, round.ID))

	bids := h.bidsInRound(t, round.ID)
	require.Len(t, bids, 1)
	assert.Equal(t, fixture.Spaces[1].ID, bids[0].SpaceID)
}

func TestProxyStandingWinsCountTowardCap(t *testing.T) {
	h := newProxyHarness(t)
	ctx := context.Background()
	userA := h.node.Generate()

	fixture := testutil.SeedFixture(t, h.db, h.node, testutil.FixtureSpec{
		SpacePoints:   []float64{1, 1},
		MemberUserIDs: []snowflake.ID{userA},
	})
	require.NoError(t, h.proxy.SetUserValue(ctx, userA, fixture.Spaces[0].ID, decimal.NewFromInt(50)))
	require.NoError(t, h.proxy.SetUserValue(ctx, userA, fixture.Spaces[1].ID, decimal.NewFromInt(40)))

	auctionID := h.startAuction(t, fixture)
	require.NoError(t, h.proxy.Enroll(ctx, userA, auctionID, 1))

	round0 := h.currentRound(t, auctionID)
	require.NoError(t, h.proxy.ProcessRound(ctx, round0.ID))
	require.Len(t, h.bidsInRound(t, round0.ID), 1)

	h.clk.Advance(time.Minute)
	_, err := h.engine.Advance(ctx, auctionID)
	require.NoError(t, err)

	// Standing on the first space, the proxy places nothing further.
	round1 := h.currentRound(t, auctionID)
	require.Equal(t, 1, round1.RoundNum)
	require.NoError(t, h.proxy.ProcessRound(ctx, round1.ID))
	assert.Empty(t, h.bidsInRound(t, round1.ID))
}

func TestEnrollValidation(t *testing.T) {
	h := newProxyHarness(t)
	ctx := context.Background()
	userA := h.node.Generate()
	auctionID := h.node.Generate()

	assert.ErrorIs(t, h.proxy.Enroll(ctx, userA, auctionID, 0), proxybiddomain.ErrInvalidMaxItems)
	assert.ErrorIs(t, h.proxy.Disable(ctx, userA, auctionID), proxybiddomain.ErrNotEnrolled)

	require.NoError(t, h.proxy.Enroll(ctx, userA, auctionID, 2))
	require.NoError(t, h.proxy.Disable(ctx, userA, auctionID))
}
