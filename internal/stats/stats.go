// Package stats implements Statistics (spec §4, component H): an
// append-only log of generation events plus the aggregate queries the
// admin /stats command needs.
package stats

import (
	"context"
	"time"

	"github.com/guanke/geminimw/internal/pg"
)

// Store writes to and reads from statistics_generations.
type Store struct {
	db *pg.DB
}

// New builds a Store backed by db.
func New(db *pg.DB) *Store {
	return &Store{db: db}
}

// Generation is one row logged after a successful dispatch.
type Generation struct {
	ChatID           int64
	UserID           int64
	Endpoint         string
	Model            string
	ContextTokens    int
	CompletionTokens int
}

// LogGeneration appends one generation event (original_source
// statistics.log_generation), never failing the surrounding request: a
// write failure here is logged by the caller and otherwise ignored.
func (s *Store) LogGeneration(ctx context.Context, g Generation) error {
	tokens := g.ContextTokens + g.CompletionTokens
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO statistics_generations
			(chat_id, user_id, endpoint, model, context_tokens, completion_tokens, tokens_consumed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ChatID, g.UserID, g.Endpoint, g.Model, g.ContextTokens, g.CompletionTokens, tokens)
	return err
}

// ActiveUsers returns the count and ids of users with at least one
// generation in the last `days` days (original_source get_active_users).
func (s *Store) ActiveUsers(ctx context.Context, days int) (int, []int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM statistics_generations WHERE timestamp > $1`, cutoff(days))
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	var users []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, nil, err
		}
		users = append(users, id)
	}
	return len(users), users, rows.Err()
}

// TopUser is one row of a top-N-by-generation-count result.
type TopUser struct {
	UserID      int64
	Generations int64
}

// TopUsers returns the top `limit` users by generation count in the
// last `days` days (original_source get_top_users).
func (s *Store) TopUsers(ctx context.Context, days, limit int) ([]TopUser, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, COUNT(*) AS generations
		FROM statistics_generations
		WHERE timestamp > $1
		GROUP BY user_id
		ORDER BY generations DESC
		LIMIT $2`, cutoff(days), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TopUser
	for rows.Next() {
		var u TopUser
		if err := rows.Scan(&u.UserID, &u.Generations); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ChatTokens is one row of a top-N-chats-by-token-consumption result.
type ChatTokens struct {
	ChatID int64
	Tokens int64
}

// TokenStats returns total tokens consumed across all time and the top
// 5 chats by token consumption (original_source get_token_stats).
func (s *Store) TokenStats(ctx context.Context) (int64, []ChatTokens, error) {
	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(SUM(tokens_consumed), 0) FROM statistics_generations").Scan(&total); err != nil {
		return 0, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chat_id, SUM(tokens_consumed) AS tokens
		FROM statistics_generations
		GROUP BY chat_id
		ORDER BY tokens DESC
		LIMIT 5`)
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	var top []ChatTokens
	for rows.Next() {
		var c ChatTokens
		if err := rows.Scan(&c.ChatID, &c.Tokens); err != nil {
			return 0, nil, err
		}
		top = append(top, c)
	}
	return total, top, rows.Err()
}

// TokensConsumed returns total tokens consumed in the last `days` days
// (original_source get_tokens_consumed).
func (s *Store) TokensConsumed(ctx context.Context, days int) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(tokens_consumed), 0) FROM statistics_generations WHERE timestamp >= $1",
		cutoff(days)).Scan(&total)
	return total, err
}

// GenerationCount returns the number of generations in the last `days`
// days (original_source get_generation_counts).
func (s *Store) GenerationCount(ctx context.Context, days int) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM statistics_generations WHERE timestamp > $1", cutoff(days)).Scan(&n)
	return n, err
}

// ChatGenerationCount returns the number of generations for one chat in
// the last `days` days, backing the non-admin form of /stats.
func (s *Store) ChatGenerationCount(ctx context.Context, chatID int64, days int) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM statistics_generations WHERE chat_id = $1 AND timestamp > $2", chatID, cutoff(days)).Scan(&n)
	return n, err
}

// TokenSplit is a prompt/completion breakdown, used both for rows that
// store the split directly and for legacy rows that predate it.
type TokenSplit struct {
	Prompt     int64
	Completion int64
}

// legacyPromptFraction is the prompt-token share applied to rows logged
// before context_tokens/completion_tokens existed (spec §9 Open Question:
// "legacy rows with only tokens_consumed must be treated as 95/5
// prompt/completion when aggregated").
const legacyPromptFraction = 0.95

// TokenSplitStats returns the prompt/completion token breakdown across
// all generations in the last `days` days, synthesizing a 95/5 split for
// any row logged before the two-column form existed (context_tokens = 0
// AND completion_tokens = 0 but tokens_consumed > 0).
func (s *Store) TokenSplitStats(ctx context.Context, days int) (TokenSplit, error) {
	var split TokenSplit
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE
				WHEN context_tokens = 0 AND completion_tokens = 0 AND tokens_consumed > 0
					THEN ROUND(tokens_consumed * $2)
				ELSE context_tokens
			END), 0) AS prompt_tokens,
			COALESCE(SUM(CASE
				WHEN context_tokens = 0 AND completion_tokens = 0 AND tokens_consumed > 0
					THEN tokens_consumed - ROUND(tokens_consumed * $2)
				ELSE completion_tokens
			END), 0) AS completion_tokens
		FROM statistics_generations
		WHERE timestamp > $1`, cutoff(days), legacyPromptFraction).Scan(&split.Prompt, &split.Completion)
	return split, err
}

func cutoff(days int) time.Time {
	return time.Now().AddDate(0, 0, -days)
}
