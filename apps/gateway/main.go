package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mkhare/orgchat/pkg/auth"
	"github.com/mkhare/orgchat/pkg/bus"
	"github.com/mkhare/orgchat/pkg/config"
	"github.com/mkhare/orgchat/pkg/db"
	"github.com/mkhare/orgchat/pkg/directory"
	"github.com/mkhare/orgchat/pkg/logging"
	"github.com/mkhare/orgchat/pkg/presence"
	"github.com/mkhare/orgchat/pkg/realtime"
	"github.com/mkhare/orgchat/pkg/registry"
	"github.com/mkhare/orgchat/pkg/snowflake"
	"github.com/mkhare/orgchat/pkg/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, "gateway")

	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		logger.Fatal().Err(err).Msg("snowflake init failed")
	}

	var convs store.ConversationStore
	if cfg.Backend == "memory" {
		convs = store.NewMemory(node)
		logger.Warn().Msg("using in-memory store, data will not survive a restart")
	} else {
		session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace)
		if err != nil {
			logger.Fatal().Err(err).Msg("scylla connection failed")
		}
		defer session.Close()
		convs = store.NewScylla(session, node)
		logger.Info().Strs("hosts", cfg.ScyllaHosts).Msg("connected to ScyllaDB")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	var dir directory.Service
	if cfg.DirectoryURL != "" {
		dir = directory.NewClient(cfg.DirectoryURL, issuer, rdb)
	} else {
		dir = directory.NewStatic(issuer)
		logger.Warn().Msg("DIRECTORY_URL unset, every user id resolves as active")
	}

	publisher := bus.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer publisher.Close()

	reg := registry.New()
	router := realtime.NewRouter(reg, convs, logger)
	gw := realtime.NewGateway(reg, router, convs, dir, presence.NewRedisMirror(rdb), publisher.Publish, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Every gateway instance consumes the full stream under its own group
	// id. Broker outages reconnect with backoff, never kill the process.
	go bus.RunLoop(ctx, logger, time.Second, func(ctx context.Context) error {
		consumer := bus.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, bus.FanoutGroupID("gateway"), logger)
		defer consumer.Close()
		return consumer.Run(ctx, gw.HandleEvent)
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.ServeWS)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:        ":" + cfg.GatewayPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("gateway server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
	}
	logger.Info().Msg("gateway stopped")
}
