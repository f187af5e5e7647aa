package migration

import (
	auctiondomain "github.com/tinylvt/tinylvt/internal/auction/domain"
	communitydomain "github.com/tinylvt/tinylvt/internal/community/domain"
	"github.com/tinylvt/tinylvt/internal/events"
	ledgerdomain "github.com/tinylvt/tinylvt/internal/ledger/domain"
	proxybiddomain "github.com/tinylvt/tinylvt/internal/proxybid/domain"
	sitedomain "github.com/tinylvt/tinylvt/internal/site/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// Models lists every persisted entity in dependency order.
func Models() []any {
	return []any{
		&communitydomain.Community{},
		&communitydomain.Member{},
		&sitedomain.Site{},
		&sitedomain.Space{},
		&auctiondomain.AuctionParams{},
		&auctiondomain.Auction{},
		&auctiondomain.AuctionRound{},
		&auctiondomain.RoundSpaceResult{},
		&auctiondomain.Bid{},
		&auctiondomain.UserEligibility{},
		&proxybiddomain.UserValue{},
		&proxybiddomain.UseProxyBidding{},
		&ledgerdomain.Account{},
		&ledgerdomain.JournalEntry{},
		&ledgerdomain.JournalLine{},
		&events.OutboxEvent{},
	}
}

// AutoMigrate applies the schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

var Module = fx.Module("migration",
	fx.Invoke(AutoMigrate),
)
