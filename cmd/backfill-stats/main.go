// Command backfill-stats rewrites legacy statistics_generations rows
// that predate the context_tokens/completion_tokens split, applying the
// 95/5 prompt/completion ratio spec §9's Open Question directs
// (previously those rows carried only a flat tokens_consumed total).
//
// Usage: go run ./cmd/backfill-stats
package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/guanke/geminimw/internal/config"
	"github.com/guanke/geminimw/internal/pg"
)

// legacyPromptFraction mirrors stats.legacyPromptFraction; duplicated
// here rather than imported so this one-shot tool has no dependency on
// package stats's read path, only on the table it migrates.
const legacyPromptFraction = 0.95

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, err := pg.Connect(ctx, pg.Config{
		Host: cfg.PostgresHost, User: cfg.PostgresUser, Password: cfg.PostgresPassword,
		MinConns: cfg.PostgresPoolMin, MaxConns: cfg.PostgresPoolMax,
	})
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	res, err := db.ExecContext(ctx, `
		UPDATE statistics_generations
		SET context_tokens = ROUND(tokens_consumed * $1),
		    completion_tokens = tokens_consumed - ROUND(tokens_consumed * $1)
		WHERE context_tokens = 0 AND completion_tokens = 0 AND tokens_consumed > 0`,
		legacyPromptFraction)
	if err != nil {
		log.Fatalf("backfill: %v", err)
	}

	n, _ := res.RowsAffected()
	log.Printf("backfill complete: rewrote %d legacy statistics row(s)", n)
	if n == 0 {
		os.Exit(0)
	}
}
