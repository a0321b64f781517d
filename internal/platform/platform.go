// Package platform abstracts over the messaging surface the bot runs
// on. The orchestrator depends only on this capability interface, never
// on a platform tag, so that a capability (reply, download, typing
// indicator) can be added to any adapter without the orchestrator
// branching on "if telegram else if discord" (spec §9 design note).
package platform

import "context"

// Attachment is one piece of media carried by an inbound message.
type Attachment struct {
	MimeType string
	// FileRef is an adapter-native handle (Telegram file_id, Discord
	// attachment URL) that Download resolves to bytes.
	FileRef string
}

// Message is an inbound chat message, normalized across adapters.
type Message struct {
	ChatID           int64
	MessageID        int64
	SenderID         int64
	SenderUsername   string
	SenderName       string
	Text             string
	ReplyToMessageID int64
	IsDirect         bool
	ChatTitle        string
	Attachments      []Attachment
}

// ChatMember reports a user's standing in a chat, used for admin/owner
// permission checks (spec memory_alter_permission).
type ChatMember struct {
	Status string // "creator", "administrator", "member", "left", "kicked"
}

// Client is the capability surface the orchestrator drives. Both the
// Telegram and Discord adapters implement it.
type Client interface {
	// Updates returns a channel of inbound messages. Closed when ctx is done.
	Updates(ctx context.Context) <-chan Message

	// Reply sends text in response to a message, chunking if the
	// platform enforces a length limit. Returns the sent message's id.
	Reply(ctx context.Context, chatID, replyToMessageID int64, text string, markdown bool) (int64, error)

	// Download resolves an Attachment to its raw bytes.
	Download(ctx context.Context, a Attachment) ([]byte, error)

	// SendChatAction signals a "typing" indicator for the chat.
	SendChatAction(ctx context.Context, chatID int64) error

	// GetChatMember reports member's status in chatID.
	GetChatMember(ctx context.Context, chatID, userID int64) (ChatMember, error)

	// DeleteMessage removes a previously sent message, best-effort.
	DeleteMessage(ctx context.Context, chatID, messageID int64) error

	// Username returns the bot's own handle.
	Username() string
}
