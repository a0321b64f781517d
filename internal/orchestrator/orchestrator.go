// Package orchestrator implements the Orchestrator (spec §4.7,
// component G): it decides whether an inbound message should trigger a
// generation, assembles the prompt, dispatches to the configured
// backend with cross-backend fallback, and delivers the reply.
package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/guanke/geminimw/internal/backend/common"
	"github.com/guanke/geminimw/internal/blacklist"
	"github.com/guanke/geminimw/internal/configstore"
	"github.com/guanke/geminimw/internal/keypool"
	"github.com/guanke/geminimw/internal/media"
	"github.com/guanke/geminimw/internal/msgstore"
	"github.com/guanke/geminimw/internal/platform"
	"github.com/guanke/geminimw/internal/prompt"
	"github.com/guanke/geminimw/internal/stats"
	"github.com/guanke/geminimw/internal/tokencount"
)

// SystemPromptTemplate renders the bot's persona text; Render mirrors
// original_source's sys_prompt_template.format(chat_title=, chat_type=).
type SystemPromptTemplate struct {
	Text string
}

func (t SystemPromptTemplate) Render(chatType, chatTitle string) string {
	out := strings.ReplaceAll(t.Text, "{chat_type}", chatType)
	out = strings.ReplaceAll(out, "{chat_title}", chatTitle)
	return out
}

// Manager coordinates one chat platform's message stream against the
// configured backends and stores.
type Manager struct {
	Config      *configstore.Store
	Messages    *msgstore.Store
	Blacklist   *blacklist.List
	Stats       *stats.Store
	Keys        *keypool.Pool
	Media       *media.Resolver
	Backends    map[string]common.Backend // "google", "openai"
	System      SystemPromptTemplate
	AdminIDs    []int64
	BotUsername string

	mu         sync.Mutex
	chatSems   map[int64]*semaphore.Weighted
	rateLimits map[int64]*hourWindow
}

// chatSemaphorePermits bounds per-chat fan-out to 2 concurrent
// generations (spec §4.7/§5: "a semaphore chat_semaphores[chat_id]
// created lazily, permits = 2").
const chatSemaphorePermits = 2

// typingInterval is how often the typing-indicator keepalive re-fires
// send_chat_action for the duration of a generation (spec §4.7/§5).
const typingInterval = 4 * time.Second

type hourWindow struct {
	start time.Time
	count int
}

// New builds a Manager. Backends must contain at least "google" and,
// when OAI_ENABLED is set, "openai".
func New(cfg *configstore.Store, msgs *msgstore.Store, bl *blacklist.List, st *stats.Store, keys *keypool.Pool,
	med *media.Resolver, backends map[string]common.Backend, systemPrompt string, adminIDs []int64, botUsername string) *Manager {
	return &Manager{
		Config: cfg, Messages: msgs, Blacklist: bl, Stats: st, Keys: keys, Media: med,
		Backends: backends, System: SystemPromptTemplate{Text: systemPrompt},
		AdminIDs: adminIDs, BotUsername: botUsername,
		chatSems:   make(map[int64]*semaphore.Weighted),
		rateLimits: make(map[int64]*hourWindow),
	}
}

func (m *Manager) IsAdmin(userID int64) bool {
	for _, id := range m.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// chatSemaphore returns a per-chat semaphore with chatSemaphorePermits
// slots, created lazily (spec §4.7/§5 concurrency model: bounds fan-out
// to 2 in-flight generations per chat without blocking unrelated chats).
func (m *Manager) chatSemaphore(chatID int64) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.chatSems[chatID]
	if !ok {
		sem = semaphore.NewWeighted(chatSemaphorePermits)
		m.chatSems[chatID] = sem
	}
	return sem
}

// startTyping fires client.SendChatAction every typingInterval until
// stop() is called, which blocks until the background goroutine has
// acknowledged cancellation (spec §5: "implementers must await
// cancellation acknowledgement before returning to avoid orphan tasks").
func startTyping(ctx context.Context, client platform.Client, chatID int64) (stop func()) {
	done := make(chan struct{})
	stopCh := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		_ = client.SendChatAction(ctx, chatID)
		for {
			select {
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = client.SendChatAction(ctx, chatID)
			}
		}
	}()
	return func() {
		close(stopCh)
		<-done
	}
}

// Handle processes one inbound message end to end: persistence,
// command dispatch, and (if applicable) generation.
func (m *Manager) Handle(ctx context.Context, client platform.Client, msg platform.Message) {
	blocked, err := m.Blacklist.IsBlacklisted(ctx, msg.SenderID)
	if err != nil {
		slog.Error("orchestrator: blacklist check failed", "error", err)
	}
	if blocked {
		return
	}
	if ok, _ := m.Blacklist.IsBlacklisted(ctx, msg.ChatID); ok {
		return
	}

	endpoint, _ := m.Config.Get(ctx, msg.ChatID, "endpoint")
	if !endpointAccepts(endpoint, msg) {
		return
	}

	if err := m.store(ctx, msg); err != nil {
		slog.Error("orchestrator: store inbound message failed", "error", err)
	}

	if strings.HasPrefix(msg.Text, "/") {
		m.handleCommand(ctx, client, msg)
		return
	}

	if !m.shouldGenerate(ctx, client, msg) {
		return
	}

	if handled := m.tryForcedAnswer(ctx, client, msg); handled {
		return
	}

	sem := m.chatSemaphore(msg.ChatID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer sem.Release(1)

	m.generate(ctx, client, msg)
}

// forceAnswerSentinel splits a message into (prefix, remainder); when
// present, the remainder is echoed verbatim as the bot's reply without
// invoking any backend, letting an operator seed the model's voice
// (spec §4.7 "forced-answer splice", glossary "Forced-answer").
const forceAnswerSentinel = " --force-answer "

// tryForcedAnswer handles the forced-answer sentinel, reporting whether
// it consumed msg (in which case generate must not run).
func (m *Manager) tryForcedAnswer(ctx context.Context, client platform.Client, msg platform.Message) bool {
	idx := strings.Index(msg.Text, forceAnswerSentinel)
	if idx < 0 {
		return false
	}

	perm, _ := m.Config.Get(ctx, msg.ChatID, "memory_alter_permission")
	if perm != "all" && !m.IsAdmin(msg.SenderID) {
		return false
	}

	answer := strings.TrimSpace(msg.Text[idx+len(forceAnswerSentinel):])
	if answer == "" {
		return false
	}

	sentID, err := client.Reply(ctx, msg.ChatID, msg.MessageID, answer, false)
	if err != nil {
		slog.Error("orchestrator: forced-answer reply failed", "error", err)
		return true
	}
	if err := m.Messages.AppendBotReply(ctx, msg.ChatID, sentID, msg.MessageID, msg.Text, answer); err != nil {
		slog.Error("orchestrator: store forced-answer reply", "error", err)
	}
	return true
}

// endpointAccepts implements the endpoint-requirement filter (spec
// §4.7): Google accepts text plus any attachment kind this module
// models (photo, video, audio, voice, document, sticker, video_note all
// arrive as platform.Attachment); the OpenAI-compatible endpoint only
// accepts text/caption and photo attachments.
func endpointAccepts(endpoint string, msg platform.Message) bool {
	if strings.TrimSpace(msg.Text) != "" || strings.HasPrefix(msg.Text, "/") {
		return true
	}
	if len(msg.Attachments) == 0 {
		return false
	}
	if endpoint != "openai" {
		return true
	}
	for _, a := range msg.Attachments {
		if strings.HasPrefix(a.MimeType, "image/") {
			return true
		}
	}
	return false
}

func (m *Manager) store(ctx context.Context, msg platform.Message) error {
	return m.Messages.Append(ctx, msgstore.Message{
		ChatID:           msg.ChatID,
		MessageID:        msg.MessageID,
		SenderID:         msg.SenderID,
		SenderUsername:   msg.SenderUsername,
		SenderName:       msg.SenderName,
		Text:             msg.Text,
		ReplyToMessageID: nullInt(msg.ReplyToMessageID),
	})
}

func nullInt(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

// shouldGenerate reports whether msg should trigger a generation: a DM,
// an @mention of the bot, or a reply to one of the bot's own messages
// (spec §4.7 "should-generate predicate").
func (m *Manager) shouldGenerate(ctx context.Context, client platform.Client, msg platform.Message) bool {
	if msg.Text == "" {
		return false
	}
	if msg.IsDirect {
		return true
	}
	if m.BotUsername != "" && strings.Contains(msg.Text, "@"+m.BotUsername) {
		return true
	}
	if msg.ReplyToMessageID != 0 {
		replied, err := m.Messages.FindByMessageID(ctx, msg.ChatID, msg.ReplyToMessageID)
		if err == nil && replied != nil && replied.SenderID == msgstore.BotSenderID {
			return true
		}
	}
	return false
}

// generate assembles the prompt, dispatches, and replies (spec §4.7
// full pipeline).
func (m *Manager) generate(ctx context.Context, client platform.Client, msg platform.Message) {
	chatID := msg.ChatID

	if allowed, waitMsg := m.checkRateLimit(ctx, chatID); !allowed {
		m.safeReply(ctx, client, chatID, msg.MessageID, waitMsg, false)
		return
	}

	stopTyping := startTyping(ctx, client, chatID)
	defer stopTyping()

	endpoint, err := m.Config.Get(ctx, chatID, "endpoint")
	if err != nil {
		slog.Error("orchestrator: read endpoint config", "error", err)
		return
	}

	limit, _ := m.Config.GetInt(ctx, chatID, "message_limit")
	messages, err := m.Messages.Window(ctx, chatID, int(limit))
	if err != nil {
		slog.Error("orchestrator: read message window", "error", err)
		return
	}
	if len(messages) == 0 || messages[len(messages)-1].SenderID == msgstore.BotSenderID {
		return
	}

	addReplyTo, _ := m.Config.GetBool(ctx, chatID, "add_reply_to")

	// o_add_system_prompt/o_add_system_messages only exist in the openai
	// config group (original_source's definitions.py never offers the
	// toggle for Google); Google always carries both.
	addSystemPrompt := true
	addSystemMessages := true
	var clarifyTarget bool
	if endpoint == "openai" {
		addSystemPrompt, _ = m.Config.GetBool(ctx, chatID, "o_add_system_prompt")
		addSystemMessages, _ = m.Config.GetBool(ctx, chatID, "o_add_system_messages")
		clarifyTarget, _ = m.Config.GetBool(ctx, chatID, "o_clarify_target_message")
	}

	chatType, chatTitle := classifyChat(msg)
	var systemPrompt string
	if addSystemPrompt {
		systemPrompt = m.System.Render(chatType, chatTitle)
	}

	p, err := prompt.Assemble(messages, prompt.Options{
		AddReplyTo:           addReplyTo,
		SystemPrompt:         systemPrompt,
		AddSystemMessages:    addSystemMessages,
		ClarifyTargetMessage: clarifyTarget,
	})
	if err != nil {
		slog.Debug("orchestrator: nothing to assemble", "error", err)
		return
	}

	includeImage := true
	if endpoint == "openai" {
		includeImage, _ = m.Config.GetBool(ctx, chatID, "o_vision")
	}
	pinnedKey, err := m.attachMedia(ctx, client, msg, &p, includeImage)
	if err != nil {
		slog.Warn("orchestrator: media resolution failed, continuing without it", "error", err)
	}

	if limit, _ := m.Config.GetInt(ctx, chatID, "token_limit"); limit > 0 {
		total := tokencount.CountOrZero(p.SystemPrompt)
		for _, t := range p.Turns {
			total += tokencount.CountOrZero(t.Text)
		}
		if int64(total) > limit {
			action, _ := m.Config.Get(ctx, chatID, "token_limit_action")
			if action == "block" {
				m.safeReply(ctx, client, chatID, msg.MessageID, "⚠️ The conversation exceeds the configured token limit.", false)
				return
			}
		}
	}

	if endpoint == "openai" {
		if logPrompt, _ := m.Config.GetBool(ctx, chatID, "o_log_prompt"); logPrompt {
			slog.Debug("orchestrator: assembled prompt", "chat_id", chatID, "system_prompt", p.SystemPrompt, "turns", p.Turns)
		}
	}

	outcome, usedEndpoint := m.dispatch(ctx, client, msg, endpoint, p, pinnedKey)

	m.deliverOutcome(ctx, client, msg, outcome, usedEndpoint)
}

// dispatch calls the configured endpoint, falling back to Google
// exactly once when OpenAI fails and o_auto_fallback is set (spec §8
// property 8: fallback exactly once). pinnedKey, if non-empty, came
// from uploading non-image media for this request and must be reused
// rather than letting the backend rotate keys (spec §8 property 3).
func (m *Manager) dispatch(ctx context.Context, client platform.Client, msg platform.Message, endpoint string, p common.Prompt, pinnedKey string) (common.Outcome, string) {
	chatID, userID := msg.ChatID, msg.SenderID
	req := m.buildRequest(ctx, chatID, userID, endpoint, p, pinnedKey)

	backend, ok := m.Backends[endpoint]
	if !ok {
		return common.Outcome{Kind: common.OutcomeInternal, Err: fmt.Errorf("orchestrator: unknown endpoint %q", endpoint)}, endpoint
	}

	genCtx := ctx
	if endpoint == "openai" {
		if timeout, _ := m.Config.GetInt(ctx, chatID, "o_timeout"); timeout > 0 {
			var cancel context.CancelFunc
			genCtx, cancel = context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
			defer cancel()
		}
	}

	outcome := backend.Generate(genCtx, req)
	if endpoint != "openai" || outcome.Kind == common.OutcomeText {
		return outcome, endpoint
	}

	autoFallback, _ := m.Config.GetBool(ctx, chatID, "o_auto_fallback")
	if !autoFallback {
		return outcome, endpoint
	}
	google, ok := m.Backends["google"]
	if !ok {
		return outcome, endpoint
	}

	// Spec §4.7/§8 property 8: post a transient notice, re-dispatch via
	// Google, then delete the notice so the user only ever sees the
	// fallback's final outcome at steady state.
	noticeID, noticeErr := client.Reply(ctx, chatID, msg.MessageID, "⚠️ Falling back to Gemini...", false)

	fallbackReq := m.buildRequest(ctx, chatID, userID, "google", p, pinnedKey)
	result := google.Generate(ctx, fallbackReq)

	if noticeErr == nil {
		if err := client.DeleteMessage(ctx, chatID, noticeID); err != nil {
			slog.Warn("orchestrator: delete fallback notice", "error", err)
		}
	}

	return result, "google"
}

func (m *Manager) buildRequest(ctx context.Context, chatID, userID int64, endpoint string, p common.Prompt, pinnedKey string) common.Request {
	// Every built request gets a fresh RequestID, so the fallback retry
	// carries an id of its own. Neither the backends nor the statistics
	// store record it.
	req := common.Request{RequestID: uuid.NewString(), ChatID: chatID, UserID: userID, Prompt: p, PinnedKey: pinnedKey}

	maxTokens, _ := m.Config.GetInt(ctx, chatID, "max_output_tokens")
	req.MaxOutputTokens = int(maxTokens)

	switch endpoint {
	case "google":
		req.Model, _ = m.Config.Get(ctx, chatID, "g_model")
		req.Temperature, _ = m.Config.GetFloat(ctx, chatID, "g_temperature")
		req.TopP, _ = m.Config.GetFloat(ctx, chatID, "g_top_p")
		if topK, _ := m.Config.GetInt(ctx, chatID, "g_top_k"); topK > 0 {
			req.TopK = int(topK)
		}
		req.CodeExecution, _ = m.Config.GetBool(ctx, chatID, "g_code_execution")
		req.Grounding, _ = m.Config.GetBool(ctx, chatID, "g_web_search")
		req.GroundingThreshold, _ = m.Config.GetFloat(ctx, chatID, "g_web_threshold")
		req.ShowThinking, _ = m.Config.GetBool(ctx, chatID, "g_show_thinking")
		req.ShowGroundingQueries, _ = m.Config.GetBool(ctx, chatID, "g_web_show_queries")
		req.ShowGroundingSources, _ = m.Config.GetBool(ctx, chatID, "g_web_show_sources")
		if threshold, _ := m.Config.Get(ctx, chatID, "g_safety_threshold"); threshold != "" {
			req.SafetyThreshold = safetyThresholdToAPI(threshold)
		}
	default:
		req.Model, _ = m.Config.Get(ctx, chatID, "o_model")
		req.Temperature, _ = m.Config.GetFloat(ctx, chatID, "o_temperature")
		req.TopP, _ = m.Config.GetFloat(ctx, chatID, "o_top_p")
		req.FrequencyPenalty, _ = m.Config.GetFloat(ctx, chatID, "o_frequency_penalty")
		req.PresencePenalty, _ = m.Config.GetFloat(ctx, chatID, "o_presence_penalty")
		req.OverrideBaseURL, _ = m.Config.Get(ctx, chatID, "o_url")
		req.OverrideAPIKey, _ = m.Config.Get(ctx, chatID, "o_key")
	}
	return req
}

// safetyThresholdToAPI maps g_safety_threshold's enum values (spec §3) to
// Gemini's BLOCK_* wire constants.
func safetyThresholdToAPI(v string) string {
	switch v {
	case "only_high":
		return "BLOCK_ONLY_HIGH"
	case "medium_and_above":
		return "BLOCK_MEDIUM_AND_ABOVE"
	case "low_and_above":
		return "BLOCK_LOW_AND_ABOVE"
	default:
		return "BLOCK_NONE"
	}
}

func (m *Manager) attachMedia(ctx context.Context, client platform.Client, msg platform.Message, p *common.Prompt, includeImage bool) (pinnedKey string, err error) {
	depth, _ := m.Config.GetInt(ctx, msg.ChatID, "media_context_max_depth")
	if depth <= 0 {
		depth = 5
	}

	chain := []media.AttachmentSource{media.FromLive(msg)}
	replyChain, err := m.Messages.ReplyChain(ctx, msg.ChatID, msg.ReplyToMessageID, int(depth))
	if err == nil {
		for _, stored := range replyChain {
			chain = append(chain, media.FromStored(stored))
		}
	}

	resolved, err := m.Media.ResolveForChain(ctx, client, chain)
	if err != nil {
		return "", err
	}
	if resolved.Image != nil && includeImage {
		prompt.AttachMedia(p, *resolved.Image)
	}
	if resolved.Other != nil {
		prompt.AttachMedia(p, *resolved.Other)
	}
	return resolved.PinnedKey, nil
}

func (m *Manager) deliverOutcome(ctx context.Context, client platform.Client, msg platform.Message, outcome common.Outcome, endpoint string) {
	chatID := msg.ChatID

	var text string
	switch outcome.Kind {
	case common.OutcomeText:
		text = outcome.Text
		if err := m.Stats.LogGeneration(ctx, stats.Generation{
			ChatID: chatID, UserID: msg.SenderID, Endpoint: endpoint,
			ContextTokens: outcome.ContextTokens, CompletionTokens: outcome.CompletionTokens,
		}); err != nil {
			slog.Error("orchestrator: log generation stats", "error", err)
		}
	case common.OutcomeCensored:
		text = "❌ The request was blocked by content filtering."
	case common.OutcomeUnsupportedMedia:
		text = "❌ This media type is not supported."
	default:
		text = "❌ An error occurred while generating a response."
		showErrors, _ := m.Config.GetBool(ctx, chatID, "show_error_messages")
		if showErrors && outcome.Err != nil {
			text += "\n\n" + outcome.Err.Error()
		}
		if err := m.Messages.AppendSystemMessage(ctx, chatID, "Your response was supposed to be here, but generation failed."); err != nil {
			slog.Error("orchestrator: append system failure message", "error", err)
		}
	}

	useMarkdown, _ := m.Config.GetBool(ctx, chatID, "process_markdown")
	sentID, err := client.Reply(ctx, chatID, msg.MessageID, text, useMarkdown)
	if err != nil {
		slog.Error("orchestrator: reply failed", "error", err)
		return
	}

	if err := m.Messages.AppendBotReply(ctx, chatID, sentID, msg.MessageID, msg.Text, savedReplyText(text)); err != nil {
		slog.Error("orchestrator: store bot reply", "error", err)
	}
}

// groundingSeparator marks the start of trailing grounding metadata
// (search queries, source links) appended to a Google response; it is
// shown to the user but never re-entered into the model's context (spec
// §4.7 "Reply delivery").
const groundingSeparator = "⎯⎯⎯⎯⎯"

// savedReplyText strips what deliverOutcome shows the user but must not
// persist into history: trailing grounding metadata and "❌ ..." error
// lines (spec §4.7).
func savedReplyText(text string) string {
	if i := strings.Index(text, groundingSeparator); i >= 0 {
		text = text[:i]
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "❌") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func (m *Manager) safeReply(ctx context.Context, client platform.Client, chatID, replyTo int64, text string, markdown bool) {
	if _, err := client.Reply(ctx, chatID, replyTo, text, markdown); err != nil {
		slog.Error("orchestrator: reply failed", "error", err)
	}
}

// checkRateLimit enforces max_requests_per_hour per chat (spec §8
// property 7).
func (m *Manager) checkRateLimit(ctx context.Context, chatID int64) (bool, string) {
	limit, err := m.Config.GetInt(ctx, chatID, "max_requests_per_hour")
	if err != nil || limit <= 0 {
		return true, ""
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	w, ok := m.rateLimits[chatID]
	if !ok || now.Sub(w.start) >= time.Hour {
		m.rateLimits[chatID] = &hourWindow{start: now, count: 1}
		return true, ""
	}
	if int64(w.count) >= limit {
		return false, "⏳ This chat has hit its hourly request limit. Please try again later."
	}
	w.count++
	return true, ""
}

func classifyChat(msg platform.Message) (chatType, chatTitle string) {
	if msg.IsDirect {
		return "direct message (DM)", " with " + msg.SenderName
	}
	return "group", " called " + msg.ChatTitle
}

