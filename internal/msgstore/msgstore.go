// Package msgstore implements the Message Store (spec §4.3): an
// append-only, soft-deletable log of chat turns in Postgres, with a
// reply-chain walk used by the prompt assembler and media resolver.
package msgstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/guanke/geminimw/internal/pg"
)

// Message mirrors one row of the messages table (spec §3 ChatMessage).
type Message struct {
	UMID                       int64
	ChatID                     int64
	MessageID                  int64
	Timestamp                  time.Time
	SenderID                   int64
	SenderUsername             string
	SenderName                 string
	Text                       string
	ReplyToMessageID           sql.NullInt64
	ReplyToMessageTrimmedText  sql.NullString
	MediaFileID                sql.NullString
	MediaType                  sql.NullString
	Deleted                    bool
}

// SystemSenderID and BotSenderID are reserved sender ids used for
// synthetic rows, matching original_source's save_system_message /
// save_our_message conventions (727 for system, 0 for the bot itself).
const (
	SystemSenderID = 727
	BotSenderID    = 0
)

const maxTrimmedReplyLen = 50

// Store reads and writes the messages table.
type Store struct {
	db *pg.DB
}

// New builds a Store backed by db.
func New(db *pg.DB) *Store {
	return &Store{db: db}
}

// Append inserts one message row (spec §4.3 "Append"). Bot rows reuse
// the platform's own sent-message id; system rows use a synthetic
// negative id (see nextSyntheticMessageID) — both distinct per chat_id
// under the table's UNIQUE(chat_id, message_id) constraint.
func (s *Store) Append(ctx context.Context, m Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages
			(chat_id, message_id, timestamp, sender_id, sender_username, sender_name,
			 text, reply_to_message_id, reply_to_message_trimmed_text, media_file_id, media_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ChatID, m.MessageID, timestampOrNow(m.Timestamp), m.SenderID, m.SenderUsername, m.SenderName,
		m.Text, nullableInt(m.ReplyToMessageID), nullableString(m.ReplyToMessageTrimmedText),
		nullableString(m.MediaFileID), nullableString(m.MediaType))
	return err
}

// AppendBotReply records the bot's own reply as a Message keyed by the
// platform's own sent-message id (sentMessageID), so it coexists with
// every other row under the table's UNIQUE(chat_id, message_id)
// constraint, and linked back to the message that triggered it via
// ReplyToMessageID (original_source save_our_message).
func (s *Store) AppendBotReply(ctx context.Context, chatID int64, sentMessageID, triggerMessageID int64, triggerText, text string) error {
	return s.Append(ctx, Message{
		ChatID:                    chatID,
		MessageID:                 sentMessageID,
		SenderID:                  BotSenderID,
		SenderUsername:            "You",
		SenderName:                "You",
		Text:                      text,
		ReplyToMessageID:          sql.NullInt64{Int64: triggerMessageID, Valid: triggerMessageID != 0},
		ReplyToMessageTrimmedText: sql.NullString{String: TruncateText(triggerText, maxTrimmedReplyLen), Valid: triggerText != ""},
	})
}

// AppendSystemMessage records a synthetic system-authored message under
// a synthetic negative message id, since the note itself is never sent
// to the platform and so has no message id of its own to reuse
// (original_source save_system_message).
func (s *Store) AppendSystemMessage(ctx context.Context, chatID int64, text string) error {
	return s.Append(ctx, Message{
		ChatID:         chatID,
		MessageID:      nextSyntheticMessageID(),
		SenderID:       SystemSenderID,
		SenderUsername: "SYSTEM",
		SenderName:     "SYSTEM",
		Text:           text,
	})
}

// nextSyntheticMessageID returns a negative id guaranteed never to
// collide with a platform-issued message id (those are always
// positive), distinct across calls at nanosecond resolution.
func nextSyntheticMessageID() int64 {
	return -time.Now().UnixNano()
}

// Window returns the most recent limit non-deleted messages for chatID,
// oldest first (spec §4.3 "Window read").
func (s *Store) Window(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT umid, chat_id, message_id, timestamp, sender_id, sender_username, sender_name,
		       text, reply_to_message_id, reply_to_message_trimmed_text, media_file_id, media_type, deleted
		FROM messages
		WHERE chat_id = $1 AND deleted = false
		ORDER BY timestamp DESC
		LIMIT $2`, chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := scanMessage(rows, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// FindByMessageID looks up a single non-deleted message by platform id
// (used by the reply-chain walk and /forget by-id).
func (s *Store) FindByMessageID(ctx context.Context, chatID, messageID int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT umid, chat_id, message_id, timestamp, sender_id, sender_username, sender_name,
		       text, reply_to_message_id, reply_to_message_trimmed_text, media_file_id, media_type, deleted
		FROM messages
		WHERE chat_id = $1 AND message_id = $2 AND deleted = false`, chatID, messageID)

	var m Message
	if err := scanMessage(row, &m); err != nil {
		if pg.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// ReplyChain walks up the reply_to_message_id links starting at
// messageID, returning up to maxDepth messages, nearest first (spec
// §4.3 "reply-chain walk", property 5: reply-chain depth bound).
func (s *Store) ReplyChain(ctx context.Context, chatID, messageID int64, maxDepth int) ([]Message, error) {
	var chain []Message
	current := messageID
	for depth := 0; depth < maxDepth; depth++ {
		m, err := s.FindByMessageID(ctx, chatID, current)
		if err != nil {
			return nil, err
		}
		if m == nil {
			break
		}
		chain = append(chain, *m)
		if !m.ReplyToMessageID.Valid {
			break
		}
		current = m.ReplyToMessageID.Int64
	}
	return chain, nil
}

// Reset marks every message in chatID as deleted (spec §4.3 "Reset",
// original_source mark_all_messages_as_deleted).
func (s *Store) Reset(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx, "UPDATE messages SET deleted = true WHERE chat_id = $1", chatID)
	return err
}

// Forget soft-deletes a single message by platform message id (spec
// §4.3 "Forget", property 6: soft-delete idempotence — deleting an
// already-deleted or absent id is not an error).
func (s *Store) Forget(ctx context.Context, chatID, messageID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET deleted = true WHERE chat_id = $1 AND message_id = $2 AND deleted = false",
		chatID, messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Replace overwrites the text of a stored message (spec §4.3 "Replace",
// original_source replace_message).
func (s *Store) Replace(ctx context.Context, chatID, messageID int64, text string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET text = $1 WHERE chat_id = $2 AND message_id = $3", text, chatID, messageID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Prune deletes messages older than retentionDays, optionally scoped to
// one chat, mirroring original_source's delete_old_messages (spec §4.3
// "Prune", admin /prune command).
func (s *Store) Prune(ctx context.Context, retentionDays int, chatID *int64) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	var res sql.Result
	var err error
	if chatID != nil {
		res, err = s.db.ExecContext(ctx, "DELETE FROM messages WHERE timestamp < $1 AND chat_id = $2", cutoff, *chatID)
	} else {
		res, err = s.db.ExecContext(ctx, "DELETE FROM messages WHERE timestamp < $1", cutoff)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// scanner abstracts over *sql.Row and *sql.Rows, both of which expose Scan.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner, m *Message) error {
	return row.Scan(&m.UMID, &m.ChatID, &m.MessageID, &m.Timestamp, &m.SenderID, &m.SenderUsername, &m.SenderName,
		&m.Text, &m.ReplyToMessageID, &m.ReplyToMessageTrimmedText, &m.MediaFileID, &m.MediaType, &m.Deleted)
}

func timestampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func nullableInt(v sql.NullInt64) interface{} {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func nullableString(v sql.NullString) interface{} {
	if !v.Valid {
		return nil
	}
	return v.String
}

// TruncateText shortens text to maxLength, collapsing newlines and
// eliding the middle, matching original_source's truncate_str exactly
// (used when quoting a replied-to message).
func TruncateText(text string, maxLength int) string {
	if text == "" {
		return ""
	}
	text = strings.ReplaceAll(text, "\n", " ")
	if len(text) <= maxLength {
		return text
	}

	partLen := maxLength/2 - len(" {...} ")/2
	if partLen < 1 {
		partLen = 1
	}
	start := text[:partLen]
	end := text[len(text)-partLen:]

	if i := strings.LastIndex(start, " "); i >= 0 {
		start = start[:i]
	}
	if i := strings.Index(end, " "); i >= 0 {
		end = end[i+1:]
	}
	return start + " ... " + end
}
