package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/mcdev12/lobby/go/internal/dbconfig"
	"github.com/mcdev12/lobby/go/internal/transition/db"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func main() {
	prune := flag.Duration("prune-sent", 0, "also delete outbox rows sent longer ago than this (0 keeps everything)")
	flag.Parse()

	_ = godotenv.Load()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// 1) Connect using shared dbconfig
	cfg := dbconfig.NewConfigFromEnv()
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse dsn %s: %v\n", cfg.Redacted(), err)
		os.Exit(1)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 2) Apply the outbox schema in one transaction
	applied, err := migrate(ctx, pool)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("applied %d statements to %s\n", applied, cfg.Redacted())

	// 3) Optional cleanup of relayed rows
	if *prune > 0 {
		deleted, err := pruneSent(ctx, pool, time.Now().Add(-*prune))
		if err != nil {
			fmt.Fprintf(os.Stderr, "prune: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("pruned %d sent outbox rows older than %s\n", deleted, *prune)
	}
}

func migrate(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var applied int
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		var err error
		applied, err = apply(ctx, tx, db.Schema)
		return err
	})
	return applied, err
}

func apply(ctx context.Context, conn execer, schema string) (int, error) {
	stmts := splitStatements(schema)
	for i, stmt := range stmts {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return i, fmt.Errorf("statement %d: %w", i+1, err)
		}
	}
	return len(stmts), nil
}

func pruneSent(ctx context.Context, conn execer, before time.Time) (int64, error) {
	tag, err := conn.Exec(ctx, `DELETE FROM lobby_outbox WHERE sent_at IS NOT NULL AND sent_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// splitStatements splits a schema file on ';'. The schema holds no function
// bodies or string literals containing ';'.
func splitStatements(schema string) []string {
	var out []string
	for _, part := range strings.Split(schema, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			if trimmed := strings.TrimSpace(line); trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
