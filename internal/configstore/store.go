// Package configstore implements the Config Store (spec §4.2): a
// Postgres-backed, LRU-cached, schema-validated key/value store of
// per-chat parameters.
package configstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/guanke/geminimw/internal/lru"
	"github.com/guanke/geminimw/internal/pg"
)

// ErrUnknownParam is returned for a Get/Set on a name not in Schema.
var ErrUnknownParam = errors.New("configstore: unknown parameter")

// ErrNotAdmin is returned when a non-admin attempts to set a protected parameter.
var ErrNotAdmin = errors.New("configstore: protected parameter requires admin")

// ErrInvalidValue is returned when a raw value fails type or range validation.
type ErrInvalidValue struct {
	Param      string
	Reason     string
	Suggestion string
}

func (e *ErrInvalidValue) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("configstore: invalid value for %s: %s (did you mean %q?)", e.Param, e.Reason, e.Suggestion)
	}
	return fmt.Sprintf("configstore: invalid value for %s: %s", e.Param, e.Reason)
}

type cacheKey struct {
	chatID int64
	param  string
}

// Store reads and writes chat_config rows.
type Store struct {
	db    *pg.DB
	cache *lru.Cache[cacheKey, string]
}

// New builds a Store backed by db, with an LRU read cache sized for
// capacity distinct (chat, param) pairs.
func New(db *pg.DB, capacity int) *Store {
	return &Store{db: db, cache: lru.New[cacheKey, string](capacity)}
}

// DropCaches empties the per-chat parameter read cache (the /dropcaches
// admin command).
func (s *Store) DropCaches() {
	s.cache.Purge()
}

// DB exposes the underlying connection pool for callers that need raw
// SQL access outside the typed Get/Set surface (the /sql admin command).
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// Migrate reconciles the chat_config table with Schema (spec §4.2
// "Startup migration"): add missing columns, update drifted defaults,
// rewrite rows still holding the old default, and drop orphan columns.
func Migrate(ctx context.Context, db *pg.DB) error {
	existing, err := existingColumns(ctx, db)
	if err != nil {
		return err
	}

	for _, p := range Schema {
		col, ok := existing[p.Name]
		if !ok {
			stmt := fmt.Sprintf("ALTER TABLE chat_config ADD COLUMN %s %s DEFAULT %s",
				p.Name, p.Type.sqlType(), literal(p))
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("configstore: add column %s: %w", p.Name, err)
			}
			continue
		}
		if col.defaultExpr != literal(p) {
			if _, err := db.ExecContext(ctx,
				fmt.Sprintf("UPDATE chat_config SET %s = %s WHERE %s = %s", p.Name, literal(p), p.Name, col.defaultExpr),
			); err != nil {
				return fmt.Errorf("configstore: rewrite drifted default for %s: %w", p.Name, err)
			}
			if _, err := db.ExecContext(ctx,
				fmt.Sprintf("ALTER TABLE chat_config ALTER COLUMN %s SET DEFAULT %s", p.Name, literal(p)),
			); err != nil {
				return fmt.Errorf("configstore: set default for %s: %w", p.Name, err)
			}
		}
	}

	for name := range existing {
		if name == "chat_id" {
			continue
		}
		if Lookup(name) == nil {
			if _, err := db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE chat_config DROP COLUMN %s", name)); err != nil {
				return fmt.Errorf("configstore: drop orphan column %s: %w", name, err)
			}
		}
	}

	return nil
}

type column struct {
	defaultExpr string
}

func existingColumns(ctx context.Context, db *pg.DB) (map[string]column, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT column_name, column_default FROM information_schema.columns WHERE table_name = 'chat_config'`)
	if err != nil {
		return nil, fmt.Errorf("configstore: read columns: %w", err)
	}
	defer rows.Close()

	out := make(map[string]column)
	for rows.Next() {
		var name string
		var def sql.NullString
		if err := rows.Scan(&name, &def); err != nil {
			return nil, fmt.Errorf("configstore: scan column: %w", err)
		}
		out[name] = column{defaultExpr: normalizeDefault(def.String)}
	}
	return out, rows.Err()
}

// normalizeDefault strips the type cast Postgres echoes back
// (e.g. "'google'::text" or "true" as-is) so it can be compared to literal(p).
func normalizeDefault(expr string) string {
	if i := strings.Index(expr, "::"); i >= 0 {
		expr = expr[:i]
	}
	return expr
}

func literal(p Param) string {
	switch p.Type {
	case TypeInteger, TypeDecimal:
		return p.Default
	case TypeBoolean:
		return p.Default
	default:
		return "'" + strings.ReplaceAll(p.Default, "'", "''") + "'"
	}
}

// ensureRow inserts a default row for chatID if one does not exist yet
// (spec §4.2 Get is total).
func (s *Store) ensureRow(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO chat_config (chat_id) VALUES ($1) ON CONFLICT DO NOTHING", chatID)
	if err != nil {
		return fmt.Errorf("configstore: ensure row: %w", err)
	}
	return nil
}

// Get returns the raw textual value of param for chatID, auto-creating a
// default row if the chat has never been configured.
func (s *Store) Get(ctx context.Context, chatID int64, param string) (string, error) {
	p := Lookup(param)
	if p == nil {
		return "", errors.Wrapf(ErrUnknownParam, "%s", param)
	}

	key := cacheKey{chatID: chatID, param: param}
	if v, ok := s.cache.Get(key); ok {
		return v, nil
	}

	if err := s.ensureRow(ctx, chatID); err != nil {
		return "", err
	}

	var raw sql.NullString
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT %s::text FROM chat_config WHERE chat_id = $1", param), chatID)
	if err := row.Scan(&raw); err != nil {
		return "", fmt.Errorf("configstore: get %s: %w", param, err)
	}

	value := raw.String
	s.cache.Put(key, value)
	return value, nil
}

// GetBool is a typed convenience wrapper over Get.
func (s *Store) GetBool(ctx context.Context, chatID int64, param string) (bool, error) {
	raw, err := s.Get(ctx, chatID, param)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(raw, "t") || strings.EqualFold(raw, "true"), nil
}

// GetInt is a typed convenience wrapper over Get.
func (s *Store) GetInt(ctx context.Context, chatID int64, param string) (int64, error) {
	raw, err := s.Get(ctx, chatID, param)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
}

// GetFloat is a typed convenience wrapper over Get.
func (s *Store) GetFloat(ctx context.Context, chatID int64, param string) (float64, error) {
	raw, err := s.Get(ctx, chatID, param)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(strings.TrimSpace(raw), 64)
}

// Set validates raw against param's schema and, if valid, persists it and
// invalidates the cache entry (spec §4.2 "Set"). isAdmin gates protected
// parameters.
func (s *Store) Set(ctx context.Context, chatID int64, param, raw string, isAdmin bool) (string, error) {
	p := Lookup(param)
	if p == nil {
		return "", errors.Wrapf(ErrUnknownParam, "%s", param)
	}
	if p.Protected && !isAdmin {
		return "", ErrNotAdmin
	}

	canonical, err := validate(*p, raw)
	if err != nil {
		return "", err
	}

	if err := s.ensureRow(ctx, chatID); err != nil {
		return "", err
	}

	stmt := fmt.Sprintf("UPDATE chat_config SET %s = $1 WHERE chat_id = $2", param)
	if _, err := s.db.ExecContext(ctx, stmt, sqlArg(*p, canonical), chatID); err != nil {
		return "", fmt.Errorf("configstore: set %s: %w", param, err)
	}

	s.cache.Invalidate(cacheKey{chatID: chatID, param: param})
	return canonical, nil
}

// ApplyPreset sets every (param, value) pair in preset for chatID,
// bypassing protected-param gating (presets are curated, not user input).
func (s *Store) ApplyPreset(ctx context.Context, chatID int64, presetName string) error {
	preset, ok := Presets[presetName]
	if !ok {
		return fmt.Errorf("configstore: unknown preset %q", presetName)
	}
	for param, raw := range preset.Values {
		if _, err := s.Set(ctx, chatID, param, raw, true); err != nil {
			return fmt.Errorf("configstore: apply preset %s, param %s: %w", presetName, param, err)
		}
	}
	return nil
}

// sqlArg converts a canonical textual value into the Go type the driver
// should bind, so boolean/integer/decimal columns receive native types.
func sqlArg(p Param, canonical string) interface{} {
	switch p.Type {
	case TypeBoolean:
		return strings.EqualFold(canonical, "true")
	case TypeInteger:
		n, _ := strconv.ParseInt(canonical, 10, 64)
		return n
	case TypeDecimal:
		f, _ := strconv.ParseFloat(canonical, 64)
		return f
	default:
		return canonical
	}
}

// validate checks raw against p's type and accepted-values rule, returning
// the canonical textual form to persist (spec §4.2, supplemented frange
// validator for stepped decimal ranges).
func validate(p Param, raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	switch p.Type {
	case TypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return "", &ErrInvalidValue{Param: p.Name, Reason: "expected a boolean (true/false)"}
		}
		return strconv.FormatBool(b), nil

	case TypeInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", &ErrInvalidValue{Param: p.Name, Reason: "expected an integer"}
		}
		if p.Accepted == AcceptRange && (float64(n) < p.RangeMin || float64(n) > p.RangeMax) {
			return "", &ErrInvalidValue{Param: p.Name, Reason: fmt.Sprintf("must be between %g and %g", p.RangeMin, p.RangeMax)}
		}
		return strconv.FormatInt(n, 10), nil

	case TypeDecimal:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", &ErrInvalidValue{Param: p.Name, Reason: "expected a decimal number"}
		}
		if p.Accepted == AcceptRange {
			if f < p.RangeMin || f > p.RangeMax {
				return "", &ErrInvalidValue{Param: p.Name, Reason: fmt.Sprintf("must be between %g and %g", p.RangeMin, p.RangeMax)}
			}
			if p.RangeStep > 0 && !onStep(f, p.RangeMin, p.RangeStep) {
				return "", &ErrInvalidValue{Param: p.Name, Reason: fmt.Sprintf("must be a multiple of %g starting from %g", p.RangeStep, p.RangeMin)}
			}
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil

	default: // TypeText
		if p.Private {
			return raw, nil
		}
		switch p.Accepted {
		case AcceptEnum:
			return matchEnum(p, raw)
		default:
			return raw, nil
		}
	}
}

// onStep reports whether f lies on the grid min, min+step, min+2*step, ...
// within floating-point tolerance (supplemented "frange"-style check).
func onStep(f, min, step float64) bool {
	n := (f - min) / step
	rounded := float64(int64(n + 0.5))
	return absf(n-rounded) < 1e-6
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// matchEnum requires an exact (case-insensitive) match, or a unique prefix
// match among EnumValues. A value with no match is rejected with the
// closest value as a suggestion; an ambiguous prefix is rejected with the
// list of matching values and no suggestion (spec §4.2, property 9).
func matchEnum(p Param, raw string) (string, error) {
	lower := strings.ToLower(raw)
	for _, v := range p.EnumValues {
		if strings.EqualFold(v, raw) {
			return v, nil
		}
	}

	var matches []string
	for _, v := range p.EnumValues {
		if strings.HasPrefix(strings.ToLower(v), lower) {
			matches = append(matches, v)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		sort.Strings(p.EnumValues)
		return "", &ErrInvalidValue{
			Param:      p.Name,
			Reason:     "must be one of " + strings.Join(p.EnumValues, ", "),
			Suggestion: closest(raw, p.EnumValues),
		}
	default:
		sort.Strings(matches)
		return "", &ErrInvalidValue{Param: p.Name, Reason: "ambiguous prefix, matches " + strings.Join(matches, ", ")}
	}
}

// closest returns the enum value sharing the longest common prefix with
// raw, used only to populate a helpful suggestion.
func closest(raw string, values []string) string {
	best, bestLen := "", -1
	lower := strings.ToLower(raw)
	for _, v := range values {
		l := commonPrefixLen(lower, strings.ToLower(v))
		if l > bestLen {
			best, bestLen = v, l
		}
	}
	return best
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}
