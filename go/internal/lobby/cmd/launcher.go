package main

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lobby/go/internal/countdown"
	"github.com/mcdev12/lobby/go/internal/dbconfig"
	"github.com/mcdev12/lobby/go/internal/lobbyconfig"
	"github.com/mcdev12/lobby/go/internal/transition"
)

// setupLauncher logs every transition and, when DB_HOST is set, also records
// it in the Postgres outbox for the relay to publish.
func setupLauncher(cfg lobbyconfig.Config) (countdown.Transitioner, func(), error) {
	if !dbconfig.Configured() {
		return transition.LogLauncher{}, func() {}, nil
	}

	dbCfg := dbconfig.NewConfigFromEnv()
	db, err := sql.Open("postgres", dbCfg.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(int(dbCfg.MaxConns))
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("ping database %s: %w", dbCfg.Redacted(), err)
	}

	log.Info().
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Str("database", dbCfg.Database).
		Msg("transitions recorded in outbox")

	outbox := transition.NewOutboxLauncher(db, map[string]string{
		"member_id":   cfg.Session.MemberID,
		"member_name": cfg.Session.MemberName,
		"substrate":   cfg.Substrate,
	})
	closeFn := func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("close database")
		}
	}
	return transition.MultiLauncher{transition.LogLauncher{}, outbox}, closeFn, nil
}
