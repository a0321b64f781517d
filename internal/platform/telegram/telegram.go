// Package telegram adapts github.com/go-telegram-bot-api/telegram-bot-api
// to the platform.Client capability interface (spec §9), grounded on the
// teacher's own internal/telegram/bot.go polling-and-dispatch structure.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/guanke/geminimw/internal/platform"
)

const maxMessageLength = 4096

// Client wraps a tgbotapi.BotAPI.
type Client struct {
	api *tgbotapi.BotAPI
}

// New authenticates against Telegram with token.
func New(token string) (*Client, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: auth: %w", err)
	}
	return &Client{api: api}, nil
}

// Username implements platform.Client.
func (c *Client) Username() string { return c.api.Self.UserName }

// Updates implements platform.Client.
func (c *Client) Updates(ctx context.Context) <-chan platform.Message {
	out := make(chan platform.Message)
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := c.api.GetUpdatesChan(cfg)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				if upd.Message == nil {
					continue
				}
				msg := convert(upd.Message)
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}

func convert(m *tgbotapi.Message) platform.Message {
	out := platform.Message{
		ChatID:         m.Chat.ID,
		MessageID:      int64(m.MessageID),
		Text:           messageText(m),
		IsDirect:       m.Chat.IsPrivate(),
		ChatTitle:      m.Chat.Title,
	}
	if m.From != nil {
		out.SenderID = m.From.ID
		out.SenderUsername = m.From.UserName
		out.SenderName = m.From.FirstName
	}
	if m.ReplyToMessage != nil {
		out.ReplyToMessageID = int64(m.ReplyToMessage.MessageID)
	}
	if m.Photo != nil && len(m.Photo) > 0 {
		best := m.Photo[len(m.Photo)-1]
		out.Attachments = append(out.Attachments, platform.Attachment{MimeType: "image/jpeg", FileRef: best.FileID})
	}
	if m.Document != nil {
		out.Attachments = append(out.Attachments, platform.Attachment{MimeType: m.Document.MimeType, FileRef: m.Document.FileID})
	}
	return out
}

func messageText(m *tgbotapi.Message) string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}

// Reply implements platform.Client, chunking text across multiple
// messages when it exceeds Telegram's length limit (spec §4.7
// "chunk fallback").
func (c *Client) Reply(ctx context.Context, chatID, replyToMessageID int64, text string, markdown bool) (int64, error) {
	chunks := chunk(text, maxMessageLength)
	var lastID int64
	for i, part := range chunks {
		msg := tgbotapi.NewMessage(chatID, part)
		if i == 0 && replyToMessageID != 0 {
			msg.ReplyToMessageID = int(replyToMessageID)
		}
		if markdown {
			msg.ParseMode = tgbotapi.ModeMarkdown
		}

		sent, err := c.api.Send(msg)
		if err != nil && markdown {
			// Fall back to plain text on markdown parse failure (spec
			// §4.7: "plain-text fallback when parse_mode rejects the reply").
			slog.Warn("telegram: markdown send failed, retrying as plain text", "error", err)
			msg.ParseMode = ""
			sent, err = c.api.Send(msg)
		}
		if err != nil {
			return lastID, fmt.Errorf("telegram: send: %w", err)
		}
		lastID = int64(sent.MessageID)
	}
	return lastID, nil
}

func chunk(text string, size int) []string {
	if len(text) <= size {
		return []string{text}
	}
	var out []string
	for len(text) > size {
		cut := size
		if idx := strings.LastIndex(text[:size], "\n"); idx > size/2 {
			cut = idx
		}
		out = append(out, text[:cut])
		text = text[cut:]
	}
	if len(text) > 0 {
		out = append(out, text)
	}
	return out
}

// Download implements platform.Client.
func (c *Client) Download(ctx context.Context, a platform.Attachment) ([]byte, error) {
	url, err := c.api.GetFileDirectURL(a.FileRef)
	if err != nil {
		return nil, fmt.Errorf("telegram: resolve file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: download: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// SendChatAction implements platform.Client.
func (c *Client) SendChatAction(ctx context.Context, chatID int64) error {
	_, err := c.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping))
	return err
}

// GetChatMember implements platform.Client.
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (platform.ChatMember, error) {
	member, err := c.api.GetChatMember(tgbotapi.GetChatMemberConfig{
		ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
	})
	if err != nil {
		return platform.ChatMember{}, fmt.Errorf("telegram: get chat member: %w", err)
	}
	return platform.ChatMember{Status: member.Status}, nil
}

// DeleteMessage implements platform.Client.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	_, err := c.api.Request(tgbotapi.NewDeleteMessage(chatID, int(messageID)))
	return err
}
