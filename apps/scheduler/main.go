package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/tinylvt/tinylvt/internal/auction"
	"github.com/tinylvt/tinylvt/internal/clock"
	"github.com/tinylvt/tinylvt/internal/config"
	"github.com/tinylvt/tinylvt/internal/events"
	"github.com/tinylvt/tinylvt/internal/ledger"
	"github.com/tinylvt/tinylvt/internal/logger"
	"github.com/tinylvt/tinylvt/internal/migration"
	"github.com/tinylvt/tinylvt/internal/proxybid"
	"github.com/tinylvt/tinylvt/internal/scheduler"
	"github.com/tinylvt/tinylvt/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		events.Module,
		ledger.Module,
		auction.Module,
		proxybid.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
