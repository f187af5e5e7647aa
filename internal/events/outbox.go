package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/tinylvt/tinylvt/internal/clock"
	pkgdb "github.com/tinylvt/tinylvt/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Event types emitted by the auction engine. Delivery is at-least-once;
// consumers deduplicate on the dedupe key.
const (
	EventAuctionOpened    = "auction.opened"
	EventRoundClosed      = "auction.round_closed"
	EventUserOutbid       = "auction.user_outbid"
	EventAuctionFinalized = "auction.finalized"
)

// OutboxEvent is a pending notification written in the same transaction as
// the state change it describes.
type OutboxEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	Type        string         `gorm:"type:text;not null;index"`
	AggregateID snowflake.ID   `gorm:"not null;index"`
	Payload     datatypes.JSON `gorm:"not null"`
	DedupeKey   string         `gorm:"type:text;not null;uniqueIndex"`
	CreatedAt   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	PublishedAt *time.Time     `gorm:""`
}

// TableName sets the database table name.
func (OutboxEvent) TableName() string { return "outbox_events" }

// Event is the input form for publication.
type Event struct {
	Type        string
	AggregateID snowflake.ID
	Payload     map[string]any
	DedupeKey   string
}

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Outbox struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewOutbox(p Params) *Outbox {
	return &Outbox{
		db:    p.DB,
		log:   p.Log.Named("events.outbox"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

// PublishTx records an event inside the caller's transaction. A duplicate
// dedupe key is a no-op.
func (o *Outbox) PublishTx(ctx context.Context, tx *gorm.DB, event Event) error {
	raw, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	row := OutboxEvent{
		ID:          o.genID.Generate(),
		Type:        event.Type,
		AggregateID: event.AggregateID,
		Payload:     datatypes.JSON(raw),
		DedupeKey:   event.DedupeKey,
		CreatedAt:   o.clock.Now(),
	}
	if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return nil
		}
		return err
	}
	return nil
}

// ListPending returns unpublished events in creation order.
func (o *Outbox) ListPending(ctx context.Context, limit int) ([]OutboxEvent, error) {
	var rows []OutboxEvent
	err := o.db.WithContext(ctx).
		Where("published_at IS NULL").
		Order("id").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// MarkPublished stamps events as delivered.
func (o *Outbox) MarkPublished(ctx context.Context, ids []snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	now := o.clock.Now()
	return o.db.WithContext(ctx).Model(&OutboxEvent{}).
		Where("id IN ?", ids).
		Update("published_at", now).Error
}

var Module = fx.Module("events",
	fx.Provide(NewOutbox),
)
