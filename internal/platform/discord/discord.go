// Package discord adapts github.com/bwmarrin/discordgo to the
// platform.Client capability interface (spec §9), grounded on the
// teacher's internal/discord/bot.go session/handler wiring.
package discord

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/guanke/geminimw/internal/platform"
)

const maxMessageLength = 2000

// Client wraps a discordgo.Session.
type Client struct {
	session *discordgo.Session

	mu   sync.Mutex
	subs []chan platform.Message
}

// New authenticates against Discord with token and opens the gateway
// connection.
func New(token string) (*Client, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: auth: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	c := &Client{session: session}
	session.AddHandler(c.onMessage)

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open gateway: %w", err)
	}
	return c, nil
}

// Username implements platform.Client.
func (c *Client) Username() string {
	if c.session.State == nil || c.session.State.User == nil {
		return ""
	}
	return c.session.State.User.Username
}

func (c *Client) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	msg := platform.Message{
		ChatID:         snowflake(m.ChannelID),
		MessageID:      snowflake(m.ID),
		SenderID:       snowflake(m.Author.ID),
		SenderUsername: m.Author.Username,
		SenderName:     displayName(m.Author),
		Text:           m.Content,
		IsDirect:       m.GuildID == "",
	}
	if m.MessageReference != nil {
		msg.ReplyToMessageID = snowflake(m.MessageReference.MessageID)
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, platform.Attachment{MimeType: a.ContentType, FileRef: a.URL})
	}

	c.mu.Lock()
	subs := append([]chan platform.Message(nil), c.subs...)
	c.mu.Unlock()
	for _, ch := range subs {
		ch <- msg
	}
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

func snowflake(id string) int64 {
	n, _ := strconv.ParseInt(id, 10, 64)
	return n
}

// Updates implements platform.Client.
func (c *Client) Updates(ctx context.Context) <-chan platform.Message {
	ch := make(chan platform.Message)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s == ch {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

// Reply implements platform.Client.
func (c *Client) Reply(ctx context.Context, chatID, replyToMessageID int64, text string, markdown bool) (int64, error) {
	channelID := strconv.FormatInt(chatID, 10)
	var lastID int64
	for _, part := range chunk(text, maxMessageLength) {
		sent, err := c.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Content: part,
		})
		if err != nil {
			return lastID, fmt.Errorf("discord: send: %w", err)
		}
		lastID = snowflake(sent.ID)
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
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.FileRef, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discord: download: %w", err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// SendChatAction implements platform.Client.
func (c *Client) SendChatAction(ctx context.Context, chatID int64) error {
	return c.session.ChannelTyping(strconv.FormatInt(chatID, 10))
}

// GetChatMember implements platform.Client. Discord has no direct
// per-channel "member status" analogue to Telegram's creator/admin/
// member enum; this maps guild permissions onto the same vocabulary so
// the orchestrator's permission checks stay platform-agnostic.
func (c *Client) GetChatMember(ctx context.Context, chatID, userID int64) (platform.ChatMember, error) {
	channel, err := c.session.Channel(strconv.FormatInt(chatID, 10))
	if err != nil {
		return platform.ChatMember{}, fmt.Errorf("discord: get channel: %w", err)
	}
	if channel.GuildID == "" {
		return platform.ChatMember{Status: "member"}, nil
	}

	member, err := c.session.GuildMember(channel.GuildID, strconv.FormatInt(userID, 10))
	if err != nil {
		return platform.ChatMember{}, fmt.Errorf("discord: get member: %w", err)
	}
	perms, err := c.session.State.UserChannelPermissions(member.User.ID, channel.ID)
	if err == nil && perms&discordgo.PermissionAdministrator != 0 {
		return platform.ChatMember{Status: "administrator"}, nil
	}
	return platform.ChatMember{Status: "member"}, nil
}

// DeleteMessage implements platform.Client.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return c.session.ChannelMessageDelete(strconv.FormatInt(chatID, 10), strconv.FormatInt(messageID, 10))
}
