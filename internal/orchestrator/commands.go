package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/guanke/geminimw/internal/configstore"
	"github.com/guanke/geminimw/internal/msgstore"
	"github.com/guanke/geminimw/internal/platform"
)

// handleCommand dispatches a leading-slash message to the matching
// command handler (spec §6). Unknown commands are ignored silently,
// matching original_source's CommandHandler filters.
func (m *Manager) handleCommand(ctx context.Context, client platform.Client, msg platform.Message) {
	fields := strings.Fields(msg.Text)
	name := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if i := strings.Index(name, "@"); i >= 0 {
		name = name[:i] // strip Telegram's "/cmd@botname" suffix
	}
	args := fields[1:]

	switch name {
	case "start":
		m.cmdStart(ctx, client, msg)
	case "help":
		m.cmdHelp(ctx, client, msg)
	case "status":
		m.cmdStatus(ctx, client, msg)
	case "stats":
		m.cmdStats(ctx, client, msg, args)
	case "reset", "clear":
		m.cmdReset(ctx, client, msg)
	case "forget":
		m.cmdForget(ctx, client, msg, args)
	case "replace":
		m.cmdReplace(ctx, client, msg, args)
	case "system":
		m.cmdSystem(ctx, client, msg, args)
	case "hide":
		m.cmdHide(ctx, client, msg)
	case "settings":
		m.cmdSettings(ctx, client, msg)
	case "set":
		m.cmdSet(ctx, client, msg, args)
	case "preset":
		m.cmdPreset(ctx, client, msg, args)
	case "feedback":
		m.cmdFeedback(ctx, client, msg, args)
	case "sql":
		m.cmdSQL(ctx, client, msg, args)
	case "directsend":
		m.cmdDirectSend(ctx, client, msg, args)
	case "blacklist":
		m.cmdBlacklist(ctx, client, msg, args, true)
	case "unblacklist":
		m.cmdBlacklist(ctx, client, msg, args, false)
	case "prune":
		m.cmdPrune(ctx, client, msg, args)
	case "restart":
		m.cmdRestart(ctx, client, msg)
	case "dropcaches":
		m.cmdDropCaches(ctx, client, msg)
	case "fset":
		m.cmdForceSet(ctx, client, msg, args)
	}
}

func (m *Manager) cmdStart(ctx context.Context, client platform.Client, msg platform.Message) {
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID,
		"Hi, I'm a chat bot bridging Telegram/Discord to Gemini and OpenAI-compatible backends. Send me a message or reply to start a conversation. Use /help to see available commands.", false)
}

func (m *Manager) cmdHelp(ctx context.Context, client platform.Client, msg platform.Message) {
	text := strings.Join([]string{
		"/status - show key pool health",
		"/stats [days] - show usage statistics (days: admins only; no lookup by id)",
		"/reset (or /clear) - forget this chat's entire history",
		"/forget <id> - forget one message",
		"/replace <id> <text> - overwrite a stored message's text",
		"/system <text> - set a per-chat system prompt addendum",
		"/hide - delete the message this command replies to",
		"/settings - list current per-chat configuration",
		"/set <param> <value> - change one configuration parameter",
		"/preset <name> - apply a configuration preset",
		"/feedback <text> - send feedback to the bot operator",
	}, "\n")
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, text, false)
}

func (m *Manager) cmdStatus(ctx context.Context, client platform.Client, msg platform.Message) {
	status := m.Keys.Status()
	text := fmt.Sprintf("Active keys: %d/%d\nBilling keys: %d/%d", status.ActiveGeneral, status.TotalGeneral, status.ActiveBilling, status.TotalBilling)
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, text, false)
}

func (m *Manager) cmdStats(ctx context.Context, client platform.Client, msg platform.Message, args []string) {
	days := 30
	if len(args) > 0 && m.IsAdmin(msg.SenderID) {
		if n, err := strconv.Atoi(args[0]); err == nil {
			days = n
		}
	}
	if m.IsAdmin(msg.SenderID) {
		activeCount, _, err := m.Stats.ActiveUsers(ctx, days)
		if err != nil {
			m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Failed to read statistics.", false)
			return
		}
		generations, _ := m.Stats.GenerationCount(ctx, days)
		tokens, _ := m.Stats.TokensConsumed(ctx, days)
		split, _ := m.Stats.TokenSplitStats(ctx, days)
		text := fmt.Sprintf("Last %d days: %d active users, %d generations, %d tokens consumed (%d prompt / %d completion).",
			days, activeCount, generations, tokens, split.Prompt, split.Completion)
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, text, false)
		return
	}

	count, err := m.Stats.ChatGenerationCount(ctx, msg.ChatID, days)
	if err != nil {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Failed to read statistics.", false)
		return
	}
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, fmt.Sprintf("This chat had %d generations in the last %d days.", count, days), false)
}

func (m *Manager) cmdReset(ctx context.Context, client platform.Client, msg platform.Message) {
	if err := m.Messages.Reset(ctx, msg.ChatID); err != nil {
		slog.Error("orchestrator: reset chat", "error", err)
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Failed to reset history.", false)
		return
	}
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "History cleared.", false)
}

// cmdForget forgets one message by its numeric platform message id
// (spec Open Question, resolved in DESIGN.md as the id-only form the
// spec explicitly directs implementers toward rather than guessing).
func (m *Manager) cmdForget(ctx context.Context, client platform.Client, msg platform.Message, args []string) {
	if len(args) != 1 {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Usage: /forget <message id>", false)
		return
	}
	targetID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Argument must be a message id.", false)
		return
	}

	changed, err := m.Messages.Forget(ctx, msg.ChatID, targetID)
	if err != nil {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Failed to forget message.", false)
		return
	}
	if !changed {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "That message was already forgotten or doesn't exist.", false)
		return
	}
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Forgotten.", false)
}

func (m *Manager) cmdReplace(ctx context.Context, client platform.Client, msg platform.Message, args []string) {
	perm, _ := m.Config.Get(ctx, msg.ChatID, "memory_alter_permission")
	if perm != "all" && !m.IsAdmin(msg.SenderID) {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Memory editing is disabled for this chat.", false)
		return
	}
	if len(args) < 2 {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Usage: /replace <message id> <new text>", false)
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "First argument must be a message id.", false)
		return
	}
	text := strings.Join(args[1:], " ")
	changed, err := m.Messages.Replace(ctx, msg.ChatID, id, text)
	if err != nil || !changed {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "No such message in this chat.", false)
		return
	}
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Replaced.", false)
}

func (m *Manager) cmdSystem(ctx context.Context, client platform.Client, msg platform.Message, args []string) {
	if len(args) == 0 {
		text, _ := m.Config.Get(ctx, msg.ChatID, "endpoint")
		_ = text
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Usage: /system <text to add to the system prompt>", false)
		return
	}
	if err := m.Messages.AppendSystemMessage(ctx, msg.ChatID, strings.Join(args, " ")); err != nil {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Failed to record system note.", false)
		return
	}
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Noted.", false)
}

// cmdHide deletes the message that the /hide command replies to and drops
// it from stored history (a lightweight "undo" for an unwanted answer).
func (m *Manager) cmdHide(ctx context.Context, client platform.Client, msg platform.Message) {
	if msg.ReplyToMessageID == 0 {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Reply to the message you want hidden with /hide.", false)
		return
	}
	if err := client.DeleteMessage(ctx, msg.ChatID, msg.ReplyToMessageID); err != nil {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Failed to delete that message.", false)
		return
	}
	_, _ = m.Messages.Forget(ctx, msg.ChatID, msg.ReplyToMessageID)
}

func (m *Manager) cmdSettings(ctx context.Context, client platform.Client, msg platform.Message) {
	isAdmin := m.IsAdmin(msg.SenderID)
	var b strings.Builder
	for _, p := range configstore.Schema {
		if p.Private && !isAdmin {
			continue
		}
		if p.Advanced {
			show, _ := m.Config.GetBool(ctx, msg.ChatID, "show_advanced_settings")
			if !show {
				continue
			}
		}
		val, err := m.Config.Get(ctx, msg.ChatID, p.Name)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "%s = %s\n", p.Name, val)
	}
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, b.String(), false)
}

func (m *Manager) cmdSet(ctx context.Context, client platform.Client, msg platform.Message, args []string) {
	if len(args) < 2 {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Usage: /set <param> <value>", false)
		return
	}
	canonical, err := m.Config.Set(ctx, msg.ChatID, args[0], strings.Join(args[1:], " "), m.IsAdmin(msg.SenderID))
	if err != nil {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, err.Error(), false)
		return
	}
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, fmt.Sprintf("%s = %s", args[0], canonical), false)
}

func (m *Manager) cmdPreset(ctx context.Context, client platform.Client, msg platform.Message, args []string) {
	if len(args) != 1 {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Usage: /preset <name>", false)
		return
	}
	if err := m.Config.ApplyPreset(ctx, msg.ChatID, args[0]); err != nil {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, err.Error(), false)
		return
	}
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, fmt.Sprintf("Applied preset %q.", args[0]), false)
}

func (m *Manager) cmdFeedback(ctx context.Context, client platform.Client, msg platform.Message, args []string) {
	if len(args) == 0 {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Usage: /feedback <message>", false)
		return
	}
	if err := m.Messages.AppendSystemMessage(ctx, msg.ChatID, "feedback from "+msg.SenderUsername+": "+strings.Join(args, " ")); err != nil {
		slog.Error("orchestrator: record feedback", "error", err)
	}
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Thanks for the feedback.", false)
}

// cmdSQL runs an admin-supplied read query against the database and
// replies with the first rows, matching original_source's /sql debug
// command. Restricted to admins; any statement error is surfaced as-is.
func (m *Manager) cmdSQL(ctx context.Context, client platform.Client, msg platform.Message, args []string) {
	if !m.IsAdmin(msg.SenderID) {
		return
	}
	if len(args) == 0 {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Usage: /sql <query>", false)
		return
	}
	query := strings.Join(args, " ")
	rows, err := m.Config.DB().QueryContext(ctx, query)
	if err != nil {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Query error: "+err.Error(), false)
		return
	}
	defer rows.Close()

	cols, _ := rows.Columns()
	var b strings.Builder
	b.WriteString(strings.Join(cols, " | ") + "\n")
	count := 0
	for rows.Next() && count < 20 {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			break
		}
		strs := make([]string, len(values))
		for i, v := range values {
			strs[i] = fmt.Sprintf("%v", v)
		}
		b.WriteString(strings.Join(strs, " | ") + "\n")
		count++
	}
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, b.String(), false)
}

// cmdDirectSend lets an admin deliver a one-off message to an arbitrary
// chat id, matching original_source's /directsend.
func (m *Manager) cmdDirectSend(ctx context.Context, client platform.Client, msg platform.Message, args []string) {
	if !m.IsAdmin(msg.SenderID) {
		return
	}
	if len(args) < 2 {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Usage: /directsend <chat id> <text>", false)
		return
	}
	targetChat, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "First argument must be a chat id.", false)
		return
	}
	if _, err := client.Reply(ctx, targetChat, 0, strings.Join(args[1:], " "), false); err != nil {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Failed to deliver: "+err.Error(), false)
		return
	}
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Sent.", false)
}

func (m *Manager) cmdBlacklist(ctx context.Context, client platform.Client, msg platform.Message, args []string, add bool) {
	if !m.IsAdmin(msg.SenderID) {
		return
	}
	if len(args) != 1 {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Usage: /blacklist <id>", false)
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Argument must be a numeric id.", false)
		return
	}
	if add {
		err = m.Blacklist.Add(ctx, id)
	} else {
		err = m.Blacklist.Remove(ctx, id)
	}
	if err != nil {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Failed.", false)
		return
	}
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Done.", false)
}

func (m *Manager) cmdPrune(ctx context.Context, client platform.Client, msg platform.Message, args []string) {
	if !m.IsAdmin(msg.SenderID) {
		return
	}
	days := 90
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			days = n
		}
	}
	n, err := m.Messages.Prune(ctx, days, nil)
	if err != nil {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Prune failed.", false)
		return
	}
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, fmt.Sprintf("Pruned %d messages older than %d days.", n, days), false)
}

// cmdRestart exits the process with a non-zero status so the process
// supervisor (systemd/docker) restarts it, matching original_source's
// /restart (spec §6 "exit codes").
func (m *Manager) cmdRestart(ctx context.Context, client platform.Client, msg platform.Message) {
	if !m.IsAdmin(msg.SenderID) {
		return
	}
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Restarting.", false)
	slog.Warn("orchestrator: /restart requested, exiting for supervisor restart")
	os.Exit(1)
}

func (m *Manager) cmdDropCaches(ctx context.Context, client platform.Client, msg platform.Message) {
	if !m.IsAdmin(msg.SenderID) {
		return
	}
	m.Config.DropCaches()
	removed, err := m.Media.PurgeRemoteCache()
	if err != nil {
		slog.Error("orchestrator: purge r2 cache", "error", err)
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Config caches dropped; R2 purge failed.", false)
		return
	}
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, fmt.Sprintf("Caches dropped (%d R2 objects purged).", removed), false)
}

// cmdForceSet sets a parameter on an arbitrary chat id, bypassing the
// admin-of-this-chat notion entirely (matching original_source /fset,
// a superuser-only override used for support requests).
func (m *Manager) cmdForceSet(ctx context.Context, client platform.Client, msg platform.Message, args []string) {
	if !m.IsAdmin(msg.SenderID) {
		return
	}
	if len(args) < 3 {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "Usage: /fset <chat id> <param> <value>", false)
		return
	}
	targetChat, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, "First argument must be a chat id.", false)
		return
	}
	canonical, err := m.Config.Set(ctx, targetChat, args[1], strings.Join(args[2:], " "), true)
	if err != nil {
		m.safeReply(ctx, client, msg.ChatID, msg.MessageID, err.Error(), false)
		return
	}
	m.safeReply(ctx, client, msg.ChatID, msg.MessageID, fmt.Sprintf("chat %d: %s = %s", targetChat, args[1], canonical), false)
}

var _ = msgstore.BotSenderID
