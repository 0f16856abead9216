package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkhare/orgchat/pkg/bus"
	"github.com/mkhare/orgchat/pkg/config"
	"github.com/mkhare/orgchat/pkg/db"
	"github.com/mkhare/orgchat/pkg/logging"
	"github.com/mkhare/orgchat/pkg/model"
	"github.com/mkhare/orgchat/pkg/snowflake"
	"github.com/mkhare/orgchat/pkg/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, "messaging")

	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		logger.Fatal().Err(err).Msg("snowflake init failed")
	}

	var convs store.ConversationStore
	if cfg.Backend == "memory" {
		convs = store.NewMemory(node)
		logger.Warn().Msg("using in-memory store, projections will not survive a restart")
	} else {
		session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace)
		if err != nil {
			logger.Fatal().Err(err).Msg("scylla connection failed")
		}
		defer session.Close()
		convs = store.NewScylla(session, node)
		logger.Info().Strs("hosts", cfg.ScyllaHosts).Msg("connected to ScyllaDB")
	}

	projector := NewProjector(convs, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	logger.Info().Msg("projection worker started")
	// A shared group id: the projection runs once per event across however
	// many worker replicas are deployed. Broker outages reconnect with
	// backoff; the projection lags and catches up.
	bus.RunLoop(ctx, logger, time.Second, func(ctx context.Context) error {
		consumer := bus.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, "messaging-projector", logger)
		defer consumer.Close()
		return consumer.Run(ctx, func(ev *model.Event) { projector.Apply(ctx, ev) })
	})
	logger.Info().Msg("projection worker stopped")
}
