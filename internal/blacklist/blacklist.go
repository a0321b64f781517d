// Package blacklist implements the Blacklist (spec §4, component I):
// an LRU-cached allow/deny set over entity ids (users or chats).
package blacklist

import (
	"context"

	"github.com/guanke/geminimw/internal/lru"
	"github.com/guanke/geminimw/internal/pg"
)

const defaultCacheSize = 1024

// List checks and mutates the blacklist table, caching negative and
// positive lookups the way original_source's is_blacklisted does with
// @alru_cache (spec §4 component I).
type List struct {
	db    *pg.DB
	cache *lru.Cache[int64, bool]
}

// New builds a List backed by db.
func New(db *pg.DB) *List {
	return &List{db: db, cache: lru.New[int64, bool](defaultCacheSize)}
}

// IsBlacklisted reports whether id is blacklisted.
func (l *List) IsBlacklisted(ctx context.Context, id int64) (bool, error) {
	if v, ok := l.cache.Get(id); ok {
		return v, nil
	}

	row := l.db.QueryRowContext(ctx, "SELECT 1 FROM blacklist WHERE entity_id = $1", id)
	var dummy int
	switch err := row.Scan(&dummy); {
	case err == nil:
		l.cache.Put(id, true)
		return true, nil
	case pg.IsNotFound(err):
		l.cache.Put(id, false)
		return false, nil
	default:
		return false, err
	}
}

// Add blacklists id.
func (l *List) Add(ctx context.Context, id int64) error {
	_, err := l.db.ExecContext(ctx, "INSERT INTO blacklist (entity_id) VALUES ($1) ON CONFLICT DO NOTHING", id)
	if err != nil {
		return err
	}
	l.cache.Invalidate(id)
	return nil
}

// Remove un-blacklists id.
func (l *List) Remove(ctx context.Context, id int64) error {
	_, err := l.db.ExecContext(ctx, "DELETE FROM blacklist WHERE entity_id = $1", id)
	if err != nil {
		return err
	}
	l.cache.Invalidate(id)
	return nil
}
