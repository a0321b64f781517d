package prompt

import (
	"strings"
	"testing"

	"github.com/guanke/geminimw/internal/backend/common"
	"github.com/guanke/geminimw/internal/msgstore"
)

func userMsg(id int64, sender, text string) msgstore.Message {
	return msgstore.Message{MessageID: id, SenderID: id, SenderUsername: sender, SenderName: sender, Text: text}
}

func botMsg(text string) msgstore.Message {
	return msgstore.Message{SenderID: msgstore.BotSenderID, SenderUsername: "You", SenderName: "You", Text: text}
}

func TestAssemble_GroupsConsecutiveUserMessages(t *testing.T) {
	msgs := []msgstore.Message{
		userMsg(1, "alice", "hi"),
		userMsg(2, "alice", "there"),
	}
	p, err := Assemble(msgs, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Turns) != 1 {
		t.Fatalf("expected 1 grouped turn, got %d", len(p.Turns))
	}
	if p.Turns[0].Role != common.RoleUser {
		t.Fatalf("expected RoleUser, got %v", p.Turns[0].Role)
	}
}

func TestAssemble_BotMessageSplitsTurns(t *testing.T) {
	msgs := []msgstore.Message{
		userMsg(1, "alice", "hi"),
		botMsg("hello!"),
		userMsg(2, "alice", "how are you"),
	}
	p, err := Assemble(msgs, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Turns) != 3 {
		t.Fatalf("expected 3 turns, got %d", len(p.Turns))
	}
	if p.Turns[1].Role != common.RoleModel {
		t.Fatalf("expected middle turn RoleModel, got %v", p.Turns[1].Role)
	}
	if p.Turns[2].Role != common.RoleUser {
		t.Fatalf("expected terminal turn RoleUser, got %v", p.Turns[2].Role)
	}
}

// TestAssemble_TerminalMustBeUser covers property 4: a window ending on
// a bot turn is extended with a copy of the last user turn.
func TestAssemble_TerminalMustBeUser(t *testing.T) {
	msgs := []msgstore.Message{
		userMsg(1, "alice", "hi"),
		botMsg("hello!"),
	}
	p, err := Assemble(msgs, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Turns) != 3 {
		t.Fatalf("expected 3 turns (user, model, appended user copy), got %d", len(p.Turns))
	}
	last := p.Turns[len(p.Turns)-1]
	if last.Role != common.RoleUser || last.Text != p.Turns[0].Text {
		t.Fatalf("expected terminal turn to be a copy of the last user turn, got %+v", last)
	}
}

func TestAssemble_EmptyWindow(t *testing.T) {
	_, err := Assemble(nil, Options{})
	if err != ErrEmptyPrompt {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
}

func TestAttachMedia_AppendsToFinalTurn(t *testing.T) {
	p := common.Prompt{Turns: []common.Turn{{Role: common.RoleUser, Text: "look at this"}}}
	AttachMedia(&p, common.MediaPart{MimeType: "image/jpeg", Data: []byte{1, 2, 3}})
	if len(p.Turns[0].Media) != 1 {
		t.Fatalf("expected 1 media part attached, got %d", len(p.Turns[0].Media))
	}
}

func TestAssemble_SystemRowsFoldIntoBehaviourRules(t *testing.T) {
	msgs := []msgstore.Message{
		{SenderID: msgstore.SystemSenderID, Text: "always answer in haiku"},
		userMsg(1, "alice", "hi"),
	}
	p, err := Assemble(msgs, Options{SystemPrompt: "You are a bot.", AddSystemMessages: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Turns) != 1 {
		t.Fatalf("expected the system row to be folded in rather than rendered as its own turn, got %d turns", len(p.Turns))
	}
	if !strings.Contains(p.SystemPrompt, "<behaviour_rules>") || !strings.Contains(p.SystemPrompt, "always answer in haiku") {
		t.Fatalf("expected system prompt to carry the behaviour_rules wrapper, got %q", p.SystemPrompt)
	}
}

func TestAssemble_SystemRowsDroppedWhenDisabled(t *testing.T) {
	msgs := []msgstore.Message{
		{SenderID: msgstore.SystemSenderID, Text: "always answer in haiku"},
		userMsg(1, "alice", "hi"),
	}
	p, err := Assemble(msgs, Options{SystemPrompt: "You are a bot.", AddSystemMessages: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.SystemPrompt != "You are a bot." {
		t.Fatalf("expected system prompt unchanged, got %q", p.SystemPrompt)
	}
}

func TestAssemble_ClarifyTargetMessage(t *testing.T) {
	msgs := []msgstore.Message{userMsg(1, "alice", "hi")}
	p, err := Assemble(msgs, Options{ClarifyTargetMessage: true, TargetMessageText: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := p.Turns[len(p.Turns)-1]
	if last.Role != common.RoleUser {
		t.Fatalf("expected clarifying turn to be RoleUser, got %v", last.Role)
	}
}
