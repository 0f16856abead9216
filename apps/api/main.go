package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mkhare/orgchat/pkg/auth"
	"github.com/mkhare/orgchat/pkg/bus"
	"github.com/mkhare/orgchat/pkg/config"
	"github.com/mkhare/orgchat/pkg/db"
	"github.com/mkhare/orgchat/pkg/directory"
	"github.com/mkhare/orgchat/pkg/logging"
	"github.com/mkhare/orgchat/pkg/presence"
	"github.com/mkhare/orgchat/pkg/snowflake"
	"github.com/mkhare/orgchat/pkg/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, "api")

	node, err := snowflake.NewNode(cfg.SnowflakeNode)
	if err != nil {
		logger.Fatal().Err(err).Msg("snowflake init failed")
	}

	var (
		convs store.ConversationStore
		msgs  store.MessageStore
	)
	if cfg.Backend == "memory" {
		mem := store.NewMemory(node)
		convs, msgs = mem, mem
		logger.Warn().Msg("using in-memory store, data will not survive a restart")
	} else {
		session, err := db.NewSession(cfg.ScyllaHosts, cfg.Keyspace)
		if err != nil {
			logger.Fatal().Err(err).Msg("scylla connection failed")
		}
		defer session.Close()
		sc := store.NewScylla(session, node)
		convs, msgs = sc, sc
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

	server := &Server{
		convs:  convs,
		msgs:   msgs,
		dir:    dir,
		pub:    publisher,
		mirror: presence.NewRedisMirror(rdb),
		issuer: issuer,
		log:    logger,
	}

	srv := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      server.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("api server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
	}
	logger.Info().Msg("api stopped")
}
