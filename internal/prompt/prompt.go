// Package prompt implements the Prompt Assembler (spec §4.4, component
// D): turns a message window into an ordered list of rendered turns,
// grouping consecutive human messages into one user turn the way
// original_source's _prepare_prompt does, and attaching resolved media
// to the last turn.
package prompt

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/guanke/geminimw/internal/backend/common"
	"github.com/guanke/geminimw/internal/msgstore"
)

// ErrEmptyPrompt is returned when the message window yields no turns at
// all (e.g. every message was filtered or censored away).
var ErrEmptyPrompt = errors.New("prompt: assembled prompt has no turns")

// Options configures rendering.
type Options struct {
	AddReplyTo   bool // prefix "[> ...]" per spec §4.3/§4.4
	SystemPrompt string
	// AddSystemMessages folds sender_id=727 rows into the system prompt
	// under a <behaviour_rules> wrapper instead of dropping them (spec
	// §4.4 "System prompt": gated by o_add_system_messages on the
	// OpenAI-compatible path, always on for Google).
	AddSystemMessages bool
	// ClarifyTargetMessage appends a synthetic assistant acknowledgement
	// and a synthetic user turn naming exactly which message triggered
	// generation (spec o_clarify_target_message).
	ClarifyTargetMessage bool
	TargetMessageText    string
}

// Assemble renders messages (oldest first, as returned by
// msgstore.Store.Window) into a common.Prompt.
func Assemble(messages []msgstore.Message, opts Options) (common.Prompt, error) {
	var turns []common.Turn
	var userBuffer []string
	var directives []string

	flush := func() {
		if len(userBuffer) == 0 {
			return
		}
		turns = append(turns, common.Turn{Role: common.RoleUser, Text: strings.Join(userBuffer, "\n")})
		userBuffer = nil
	}

	for _, m := range messages {
		switch m.SenderID {
		case msgstore.BotSenderID:
			flush()
			text := render(m, opts.AddReplyTo)
			text = strings.TrimPrefix(text, "You: ")
			turns = append(turns, common.Turn{Role: common.RoleModel, Text: text})
		case msgstore.SystemSenderID:
			// Collected into the system prompt rather than rendered as a
			// mid-conversation turn (spec §4.4); dropped entirely when
			// AddSystemMessages is off.
			if opts.AddSystemMessages {
				directives = append(directives, m.Text)
			}
		default:
			userBuffer = append(userBuffer, render(m, opts.AddReplyTo))
		}
	}
	flush()

	if opts.ClarifyTargetMessage && len(turns) > 0 {
		target := opts.TargetMessageText
		if target == "" {
			target = turns[len(turns)-1].Text
		}
		turns = append(turns,
			common.Turn{Role: common.RoleModel, Text: "Understood, I'll answer the message below specifically."},
			common.Turn{Role: common.RoleUser, Text: fmt.Sprintf("[Respond to the following message specifically: %s]", target)},
		)
	}

	if len(turns) == 0 {
		return common.Prompt{}, ErrEmptyPrompt
	}
	if turns[len(turns)-1].Role != common.RoleUser {
		// Terminal turn must be user (spec property 4): extend with a
		// copy of the most recent user turn rather than erroring.
		for i := len(turns) - 1; i >= 0; i-- {
			if turns[i].Role == common.RoleUser {
				turns = append(turns, turns[i])
				break
			}
		}
	}

	systemPrompt := opts.SystemPrompt
	if len(directives) > 0 {
		rules := fmt.Sprintf("<behaviour_rules>\n%s\n</behaviour_rules>", strings.Join(directives, "\n"))
		if systemPrompt != "" {
			systemPrompt += "\n\n" + rules
		} else {
			systemPrompt = rules
		}
	}

	return common.Prompt{SystemPrompt: systemPrompt, Turns: turns}, nil
}

// AttachMedia appends parts to the final turn of p, mirroring how both
// original_source dispatchers splice image/file parts onto the last
// message's parts list rather than creating a new turn.
func AttachMedia(p *common.Prompt, parts ...common.MediaPart) {
	if len(p.Turns) == 0 || len(parts) == 0 {
		return
	}
	last := &p.Turns[len(p.Turns)-1]
	last.Media = append(last.Media, parts...)
}

// render formats one message the way original_source's
// format_message_for_prompt does: "Name (username): [> ...] text".
func render(m msgstore.Message, addReplyTo bool) string {
	var b strings.Builder

	switch m.SenderID {
	case msgstore.BotSenderID:
		b.WriteString("You: ")
	case msgstore.SystemSenderID:
		b.WriteString("SYSTEM: ")
	default:
		if m.SenderUsername == m.SenderName || m.SenderUsername == "" {
			b.WriteString(m.SenderName)
		} else {
			fmt.Fprintf(&b, "%s (%s)", m.SenderName, m.SenderUsername)
		}
		b.WriteString(": ")
	}

	if addReplyTo && m.ReplyToMessageID.Valid && m.ReplyToMessageTrimmedText.Valid {
		fmt.Fprintf(&b, "[> %s] ", m.ReplyToMessageTrimmedText.String)
	}

	if m.Text != "" {
		b.WriteString(m.Text)
	} else {
		b.WriteString(emptyTextPlaceholder(m.MediaType))
	}

	return b.String()
}

// emptyTextPlaceholder is the literal spec §4.4 fallback for a message with
// no text, chosen by media_type.
func emptyTextPlaceholder(mediaType sql.NullString) string {
	if !mediaType.Valid {
		return "*No text*"
	}
	switch mediaType.String {
	case "photo":
		return "[photo.jpg]"
	case "":
		return "*No text*"
	default:
		return "[miscellaneous_file]"
	}
}
