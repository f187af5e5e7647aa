package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	auctiondomain "github.com/tinylvt/tinylvt/internal/auction/domain"
	"github.com/tinylvt/tinylvt/internal/clock"
	communitydomain "github.com/tinylvt/tinylvt/internal/community/domain"
	ledgerdomain "github.com/tinylvt/tinylvt/internal/ledger/domain"
	obsmetrics "github.com/tinylvt/tinylvt/internal/observability/metrics"
	pkgdb "github.com/tinylvt/tinylvt/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// moneyPlaces is the fixed-point scale for all currency amounts.
const moneyPlaces = 6

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("ledger.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) EnsureMemberAccount(ctx context.Context, communityID, userID snowflake.ID) (ledgerdomain.Account, error) {
	return s.ensureAccount(ctx, communityID, ledgerdomain.OwnerMemberMain, &userID)
}

func (s *Service) EnsureMemberAccountTx(ctx context.Context, tx *gorm.DB, communityID, userID snowflake.ID) (ledgerdomain.Account, error) {
	return s.ensureAccountTx(ctx, tx, communityID, ledgerdomain.OwnerMemberMain, &userID)
}

func (s *Service) EnsureTreasuryAccount(ctx context.Context, communityID snowflake.ID) (ledgerdomain.Account, error) {
	return s.ensureAccount(ctx, communityID, ledgerdomain.OwnerCommunityTreasury, nil)
}

func (s *Service) ensureAccount(ctx context.Context, communityID snowflake.ID, ownerType ledgerdomain.AccountOwnerType, ownerUserID *snowflake.ID) (ledgerdomain.Account, error) {
	var account ledgerdomain.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		account, err = s.ensureAccountTx(ctx, tx, communityID, ownerType, ownerUserID)
		return err
	})
	return account, err
}

func (s *Service) ensureAccountTx(ctx context.Context, tx *gorm.DB, communityID snowflake.ID, ownerType ledgerdomain.AccountOwnerType, ownerUserID *snowflake.ID) (ledgerdomain.Account, error) {
	account, err := findAccountTx(ctx, tx, communityID, ownerType, ownerUserID)
	if err == nil {
		return account, nil
	}
	if err != ledgerdomain.ErrAccountNotFound {
		return ledgerdomain.Account{}, err
	}

	account = ledgerdomain.Account{
		ID:            s.genID.Generate(),
		CommunityID:   communityID,
		OwnerType:     ownerType,
		OwnerUserID:   ownerUserID,
		BalanceCached: decimal.Zero,
		CreatedAt:     s.clock.Now(),
	}
	if err := tx.WithContext(ctx).Create(&account).Error; err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return findAccountTx(ctx, tx, communityID, ownerType, ownerUserID)
		}
		return ledgerdomain.Account{}, err
	}
	return account, nil
}

func findAccountTx(ctx context.Context, tx *gorm.DB, communityID snowflake.ID, ownerType ledgerdomain.AccountOwnerType, ownerUserID *snowflake.ID) (ledgerdomain.Account, error) {
	var accounts []ledgerdomain.Account
	q := tx.WithContext(ctx).Where("community_id = ? AND owner_type = ?", communityID, ownerType)
	if ownerUserID != nil {
		q = q.Where("owner_user_id = ?", *ownerUserID)
	} else {
		q = q.Where("owner_user_id IS NULL")
	}
	if err := q.Limit(1).Find(&accounts).Error; err != nil {
		return ledgerdomain.Account{}, err
	}
	if len(accounts) == 0 {
		return ledgerdomain.Account{}, ledgerdomain.ErrAccountNotFound
	}
	return accounts[0], nil
}

func (s *Service) GetAccount(ctx context.Context, communityID snowflake.ID, owner ledgerdomain.AccountOwnerType, ownerUserID *snowflake.ID) (ledgerdomain.Account, error) {
	return findAccountTx(ctx, s.db, communityID, owner, ownerUserID)
}

// lockAccountTx reads an account under FOR UPDATE so balance checks hold
// until commit.
func lockAccountTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (ledgerdomain.Account, error) {
	var accounts []ledgerdomain.Account
	query := fmt.Sprintf(`SELECT * FROM accounts WHERE id = ?%s`, pkgdb.ForUpdateClause(tx))
	if err := tx.WithContext(ctx).Raw(query, accountID).Scan(&accounts).Error; err != nil {
		return ledgerdomain.Account{}, err
	}
	if len(accounts) == 0 {
		return ledgerdomain.Account{}, ledgerdomain.ErrAccountNotFound
	}
	return accounts[0], nil
}

// effectiveCreditLimitTx returns the account override if set, else the
// community default. Nil means unlimited.
func effectiveCreditLimitTx(ctx context.Context, tx *gorm.DB, account ledgerdomain.Account) (*decimal.Decimal, error) {
	if account.CreditLimit != nil {
		return account.CreditLimit, nil
	}
	var community communitydomain.Community
	if err := tx.WithContext(ctx).First(&community, "id = ?", account.CommunityID).Error; err != nil {
		return nil, err
	}
	return community.DefaultCreditLimit, nil
}

// lockedBalanceTx sums credit pledged via standing wins and outstanding
// bids in active auctions of the account's community. Only auctions with
// end_at unset contribute, so settlement in the same transaction that
// finalizes an auction does not double count.
func (s *Service) lockedBalanceTx(ctx context.Context, tx *gorm.DB, account ledgerdomain.Account) (decimal.Decimal, error) {
	if account.OwnerUserID == nil {
		return decimal.Zero, nil
	}
	userID := *account.OwnerUserID

	var auctions []auctiondomain.Auction
	if err := tx.WithContext(ctx).Raw(
		`SELECT auctions.* FROM auctions
		 JOIN sites ON auctions.site_id = sites.id
		 WHERE sites.community_id = ? AND auctions.end_at IS NULL AND auctions.aborted_at IS NULL`,
		account.CommunityID,
	).Scan(&auctions).Error; err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, auction := range auctions {
		var params auctiondomain.AuctionParams
		if err := tx.WithContext(ctx).First(&params, "id = ?", auction.AuctionParamsID).Error; err != nil {
			return decimal.Zero, err
		}
		increment, err := auctiondomain.ParseBidIncrement(params.BidIncrement)
		if err != nil {
			return decimal.Zero, err
		}

		var maxProcessed sql.NullInt64
		if err := tx.WithContext(ctx).Raw(
			`SELECT MAX(ar.round_num) FROM round_space_results rsr
			 JOIN auction_rounds ar ON rsr.round_id = ar.id
			 WHERE ar.auction_id = ?`,
			auction.ID,
		).Scan(&maxProcessed).Error; err != nil {
			return decimal.Zero, err
		}

		// Standing wins at the latest processed round.
		if maxProcessed.Valid {
			var winningValues []decimal.Decimal
			if err := tx.WithContext(ctx).Raw(
				`SELECT rsr.value FROM round_space_results rsr
				 JOIN auction_rounds ar ON rsr.round_id = ar.id
				 WHERE ar.auction_id = ? AND ar.round_num = ? AND rsr.winning_user_id = ?`,
				auction.ID, maxProcessed.Int64, userID,
			).Scan(&winningValues).Error; err != nil {
				return decimal.Zero, err
			}
			for _, v := range winningValues {
				total = total.Add(v)
			}
		}

		// Committed bids in rounds not yet processed.
		minRound := int64(-1)
		if maxProcessed.Valid {
			minRound = maxProcessed.Int64
		}
		type pendingBid struct {
			SpaceID  snowflake.ID
			RoundNum int
		}
		var pending []pendingBid
		if err := tx.WithContext(ctx).Raw(
			`SELECT b.space_id, ar.round_num FROM bids b
			 JOIN auction_rounds ar ON b.round_id = ar.id
			 WHERE ar.auction_id = ? AND ar.round_num > ? AND b.user_id = ?`,
			auction.ID, minRound, userID,
		).Scan(&pending).Error; err != nil {
			return decimal.Zero, err
		}

		for _, bid := range pending {
			amount := decimal.Zero
			if bid.RoundNum > 0 {
				var prevValues []decimal.Decimal
				if err := tx.WithContext(ctx).Raw(
					`SELECT rsr.value FROM round_space_results rsr
					 JOIN auction_rounds ar ON rsr.round_id = ar.id
					 WHERE ar.auction_id = ? AND ar.round_num = ? AND rsr.space_id = ?`,
					auction.ID, bid.RoundNum-1, bid.SpaceID,
				).Scan(&prevValues).Error; err != nil {
					return decimal.Zero, err
				}
				if len(prevValues) > 0 {
					amount = prevValues[0].Add(increment.IncrementFor(bid.RoundNum))
				}
			}
			total = total.Add(amount)
		}
	}

	return total, nil
}

// availableCreditTx computes balance - locked + limit. Nil means
// unlimited (treasury accounts, or no limit configured).
func (s *Service) availableCreditTx(ctx context.Context, tx *gorm.DB, account ledgerdomain.Account) (*decimal.Decimal, error) {
	if account.OwnerType == ledgerdomain.OwnerCommunityTreasury {
		return nil, nil
	}
	limit, err := effectiveCreditLimitTx(ctx, tx, account)
	if err != nil {
		return nil, err
	}
	if limit == nil {
		return nil, nil
	}
	locked, err := s.lockedBalanceTx(ctx, tx, account)
	if err != nil {
		return nil, err
	}
	available := account.BalanceCached.Sub(locked).Add(*limit)
	return &available, nil
}

func (s *Service) CheckSufficientCreditTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, amount decimal.Decimal) error {
	account, err := lockAccountTx(ctx, tx, accountID)
	if err != nil {
		return err
	}
	available, err := s.availableCreditTx(ctx, tx, account)
	if err != nil {
		return err
	}
	if available == nil {
		return nil
	}
	if available.LessThan(amount) {
		return ledgerdomain.ErrInsufficientCredit
	}
	return nil
}

func (s *Service) CreateEntry(ctx context.Context, communityID snowflake.ID, entryType ledgerdomain.EntryType, idempotencyKey string, lines []ledgerdomain.Line, auctionID, initiatedByID *snowflake.ID, note *string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.CreateEntryTx(ctx, tx, communityID, entryType, idempotencyKey, lines, auctionID, initiatedByID, note)
	})
}

func (s *Service) CreateEntryTx(ctx context.Context, tx *gorm.DB, communityID snowflake.ID, entryType ledgerdomain.EntryType, idempotencyKey string, lines []ledgerdomain.Line, auctionID, initiatedByID *snowflake.ID, note *string) error {
	if err := ledgerdomain.ValidateBalanced(lines); err != nil {
		return err
	}

	// Idempotency: an existing key means the entry is already posted.
	var existing int64
	if err := tx.WithContext(ctx).Model(&ledgerdomain.JournalEntry{}).
		Where("idempotency_key = ?", idempotencyKey).
		Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	// Lock debited accounts in ID order to keep lock acquisition
	// deterministic across concurrent entries.
	debited := make([]snowflake.ID, 0, len(lines))
	for _, line := range lines {
		if line.Amount.IsNegative() {
			debited = append(debited, line.AccountID)
		}
	}
	sort.Slice(debited, func(i, j int) bool { return debited[i] < debited[j] })
	for _, accountID := range debited {
		if _, err := lockAccountTx(ctx, tx, accountID); err != nil {
			return err
		}
	}

	for _, line := range lines {
		if !line.Amount.IsNegative() {
			continue
		}
		if err := s.CheckSufficientCreditTx(ctx, tx, line.AccountID, line.Amount.Abs()); err != nil {
			return err
		}
	}

	now := s.clock.Now()
	entry := ledgerdomain.JournalEntry{
		ID:             s.genID.Generate(),
		CommunityID:    communityID,
		EntryType:      entryType,
		IdempotencyKey: idempotencyKey,
		AuctionID:      auctionID,
		InitiatedByID:  initiatedByID,
		Note:           note,
		CreatedAt:      now,
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return nil
		}
		return err
	}

	for _, line := range lines {
		journalLine := ledgerdomain.JournalLine{
			ID:        s.genID.Generate(),
			EntryID:   entry.ID,
			AccountID: line.AccountID,
			Amount:    line.Amount,
			CreatedAt: now,
		}
		if err := tx.WithContext(ctx).Create(&journalLine).Error; err != nil {
			return err
		}
		if err := tx.WithContext(ctx).Exec(
			`UPDATE accounts SET balance_cached = balance_cached + ? WHERE id = ?`,
			line.Amount, line.AccountID,
		).Error; err != nil {
			return err
		}
	}

	obsmetrics.Scheduler().IncSettlementEntry(string(entryType))
	s.log.Info("journal entry posted",
		zap.String("entry_type", string(entryType)),
		zap.String("idempotency_key", idempotencyKey),
		zap.Int("lines", len(lines)),
	)
	return nil
}

func (s *Service) SettleAuctionTx(ctx context.Context, tx *gorm.DB, communityID, auctionID snowflake.ID, winnerPayments map[snowflake.ID]decimal.Decimal) error {
	var community communitydomain.Community
	if err := tx.WithContext(ctx).First(&community, "id = ?", communityID).Error; err != nil {
		return err
	}

	treasury, err := s.ensureAccountTx(ctx, tx, communityID, ledgerdomain.OwnerCommunityTreasury, nil)
	if err != nil {
		return err
	}

	// Net amount per account; a winner who also receives a distribution
	// share gets a single combined line.
	net := make(map[snowflake.ID]decimal.Decimal)

	winners := make([]snowflake.ID, 0, len(winnerPayments))
	for userID := range winnerPayments {
		winners = append(winners, userID)
	}
	sort.Slice(winners, func(i, j int) bool { return winners[i] < winners[j] })

	total := decimal.Zero
	for _, userID := range winners {
		value := winnerPayments[userID].Round(moneyPlaces)
		account, err := s.ensureAccountTx(ctx, tx, communityID, ledgerdomain.OwnerMemberMain, &userID)
		if err != nil {
			return err
		}
		if community.CurrencyMode == communitydomain.ModePrepaidCredits {
			if account.BalanceCached.Sub(value).IsNegative() {
				return ledgerdomain.ErrInsufficientBalance
			}
		}
		net[account.ID] = net[account.ID].Sub(value)
		total = total.Add(value)
	}

	switch community.CurrencyMode {
	case communitydomain.ModePointsAllocation,
		communitydomain.ModeDeferredPayment,
		communitydomain.ModePrepaidCredits:
		net[treasury.ID] = net[treasury.ID].Add(total)

	case communitydomain.ModeDistributedClearing:
		var activeMembers []communitydomain.Member
		if err := tx.WithContext(ctx).
			Where("community_id = ? AND is_active = ?", communityID, true).
			Order("user_id").
			Find(&activeMembers).Error; err != nil {
			return err
		}
		if len(activeMembers) == 0 {
			net[treasury.ID] = net[treasury.ID].Add(total)
			break
		}
		share := total.DivRound(decimal.NewFromInt(int64(len(activeMembers))), moneyPlaces+1).RoundDown(moneyPlaces)
		distributed := decimal.Zero
		for _, member := range activeMembers {
			userID := member.UserID
			account, err := s.ensureAccountTx(ctx, tx, communityID, ledgerdomain.OwnerMemberMain, &userID)
			if err != nil {
				return err
			}
			net[account.ID] = net[account.ID].Add(share)
			distributed = distributed.Add(share)
		}
		residual := total.Sub(distributed)
		if !residual.IsZero() {
			net[treasury.ID] = net[treasury.ID].Add(residual)
		}

	default:
		return fmt.Errorf("unknown currency mode %q", community.CurrencyMode)
	}

	// An auction with no standing winners settles to nothing.
	if len(winners) == 0 {
		return nil
	}

	accountIDs := make([]snowflake.ID, 0, len(net))
	for accountID := range net {
		accountIDs = append(accountIDs, accountID)
	}
	sort.Slice(accountIDs, func(i, j int) bool { return accountIDs[i] < accountIDs[j] })

	lines := make([]ledgerdomain.Line, 0, len(net))
	for _, accountID := range accountIDs {
		lines = append(lines, ledgerdomain.Line{AccountID: accountID, Amount: net[accountID]})
	}

	key := fmt.Sprintf("auction_settlement:%d", auctionID)
	return s.CreateEntryTx(ctx, tx, communityID, ledgerdomain.EntryAuctionSettlement, key, lines, &auctionID, nil, nil)
}

func (s *Service) IssueAllowance(ctx context.Context, communityID snowflake.ID) error {
	var community communitydomain.Community
	if err := s.db.WithContext(ctx).First(&community, "id = ?", communityID).Error; err != nil {
		return err
	}
	if community.CurrencyMode != communitydomain.ModePointsAllocation ||
		community.AllowanceAmount == nil ||
		community.AllowancePeriod == nil ||
		community.AllowanceStart == nil {
		return ledgerdomain.ErrAllowanceNotEnabled
	}

	now := s.clock.Now()
	if now.Before(*community.AllowanceStart) {
		return nil
	}
	periodIndex := int64(now.Sub(*community.AllowanceStart) / *community.AllowancePeriod)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		treasury, err := s.ensureAccountTx(ctx, tx, communityID, ledgerdomain.OwnerCommunityTreasury, nil)
		if err != nil {
			return err
		}

		var activeMembers []communitydomain.Member
		if err := tx.WithContext(ctx).
			Where("community_id = ? AND is_active = ?", communityID, true).
			Order("user_id").
			Find(&activeMembers).Error; err != nil {
			return err
		}
		if len(activeMembers) == 0 {
			return nil
		}

		amount := community.AllowanceAmount.Round(moneyPlaces)
		lines := make([]ledgerdomain.Line, 0, len(activeMembers)+1)
		totalGranted := decimal.Zero
		for _, member := range activeMembers {
			userID := member.UserID
			account, err := s.ensureAccountTx(ctx, tx, communityID, ledgerdomain.OwnerMemberMain, &userID)
			if err != nil {
				return err
			}
			lines = append(lines, ledgerdomain.Line{AccountID: account.ID, Amount: amount})
			totalGranted = totalGranted.Add(amount)
		}
		lines = append(lines, ledgerdomain.Line{AccountID: treasury.ID, Amount: totalGranted.Neg()})

		key := fmt.Sprintf("issuance_grant:%d:%d", communityID, periodIndex)
		return s.CreateEntryTx(ctx, tx, communityID, ledgerdomain.EntryIssuanceGrant, key, lines, nil, nil, nil)
	})
}

func (s *Service) Transfer(ctx context.Context, communityID snowflake.ID, fromUserID *snowflake.ID, toUserID snowflake.ID, amount decimal.Decimal, initiatedByID snowflake.ID) error {
	if !amount.IsPositive() {
		return ledgerdomain.ErrInvalidEntryLines
	}
	amount = amount.Round(moneyPlaces)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var from ledgerdomain.Account
		var err error
		if fromUserID != nil {
			from, err = s.ensureAccountTx(ctx, tx, communityID, ledgerdomain.OwnerMemberMain, fromUserID)
		} else {
			from, err = s.ensureAccountTx(ctx, tx, communityID, ledgerdomain.OwnerCommunityTreasury, nil)
		}
		if err != nil {
			return err
		}
		to, err := s.ensureAccountTx(ctx, tx, communityID, ledgerdomain.OwnerMemberMain, &toUserID)
		if err != nil {
			return err
		}

		lines := []ledgerdomain.Line{
			{AccountID: from.ID, Amount: amount.Neg()},
			{AccountID: to.ID, Amount: amount},
		}
		key := fmt.Sprintf("transfer:%d", s.genID.Generate())
		return s.CreateEntryTx(ctx, tx, communityID, ledgerdomain.EntryTransfer, key, lines, nil, &initiatedByID, nil)
	})
}
