package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/craftpage/metering/internal/config"
	"github.com/craftpage/metering/internal/migration"
	"github.com/craftpage/metering/internal/observability"
	"github.com/craftpage/metering/internal/server"
	"github.com/craftpage/metering/pkg/db"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		migration.Module,
		server.Module,
	).Run()
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
