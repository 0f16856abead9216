// Command initschema creates the keyspace and tables the api, gateway and
// messaging binaries expect. Safe to re-run: every statement is IF NOT EXISTS.
package main

import (
	"fmt"

	"github.com/mkhare/orgchat/pkg/config"
	"github.com/mkhare/orgchat/pkg/db"
	"github.com/mkhare/orgchat/pkg/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, "initschema")

	// Connect without a keyspace first so we can create it.
	session, err := db.NewSession(cfg.ScyllaHosts, "")
	if err != nil {
		logger.Fatal().Err(err).Msg("scylla connection failed")
	}

	createKeyspace := fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`,
		cfg.Keyspace,
	)
	if err := session.Query(createKeyspace).Exec(); err != nil {
		logger.Fatal().Err(err).Msg("create keyspace failed")
	}
	session.Close()

	session, err = db.NewSession(cfg.ScyllaHosts, cfg.Keyspace)
	if err != nil {
		logger.Fatal().Err(err).Msg("scylla reconnection failed")
	}
	defer session.Close()

	tables := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id uuid PRIMARY KEY,
			type text,
			name text,
			created_by text,
			created_at timestamp,
			updated_at timestamp
		)`,

		// Direct-conversation dedup index. The lexically ordered user pair is
		// the key; inserts race through a lightweight transaction.
		`CREATE TABLE IF NOT EXISTS conversation_pairs (
			user_lo text,
			user_hi text,
			conversation_id uuid,
			PRIMARY KEY ((user_lo, user_hi))
		)`,

		`CREATE TABLE IF NOT EXISTS participants (
			conversation_id uuid,
			user_id text,
			joined_at timestamp,
			last_read_at timestamp,
			PRIMARY KEY (conversation_id, user_id)
		)`,

		// Message ids are snowflakes, so clustering by id descending gives
		// reverse chronological pages for free.
		`CREATE TABLE IF NOT EXISTS messages (
			conversation_id uuid,
			id bigint,
			sender_id text,
			content text,
			type text,
			created_at timestamp,
			PRIMARY KEY (conversation_id, id)
		) WITH CLUSTERING ORDER BY (id DESC)`,

		// Per-user conversation list, recency maintained by the projection
		// worker.
		`CREATE TABLE IF NOT EXISTS user_conversations (
			user_id text,
			conversation_id uuid,
			last_updated timestamp,
			PRIMARY KEY (user_id, conversation_id)
		)`,
	}

	for _, q := range tables {
		if err := session.Query(q).Exec(); err != nil {
			logger.Fatal().Err(err).Str("query", q).Msg("create table failed")
		}
	}

	logger.Info().Str("keyspace", cfg.Keyspace).Msg("schema ready")
}
