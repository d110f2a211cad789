package unifiedllm

import (
	"encoding/json"
	"testing"
)

func TestMessageConstructors(t *testing.T) {
	if m := SystemMessage("sys"); m.Role != RoleSystem || m.Content != "sys" {
		t.Errorf("unexpected system message %+v", m)
	}
	if m := UserMessage("hi"); m.Role != RoleUser {
		t.Errorf("unexpected user message %+v", m)
	}

	call := ToolCall{ID: "c1", Name: "terminal", Arguments: json.RawMessage(`{"command":"ls"}`)}
	m := AssistantMessage("running", call)
	if !m.HasToolCalls() || m.ToolCalls[0].ID != "c1" {
		t.Errorf("expected tool call on assistant message, got %+v", m)
	}
	if AssistantMessage("plain").HasToolCalls() {
		t.Error("expected no tool calls")
	}

	tm := ToolResultMessage("c1", `{"exitCode":0}`)
	if tm.Role != RoleTool || tm.ToolCallID != "c1" {
		t.Errorf("unexpected tool message %+v", tm)
	}
}

func TestMessageJSONRoundTripKeepsToolCalls(t *testing.T) {
	m := AssistantMessage("", ToolCall{ID: "c1", Name: "readFiles", Arguments: json.RawMessage(`{"files":["a.txt"]}`)})
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.ToolCalls) != 1 || string(decoded.ToolCalls[0].Arguments) != `{"files":["a.txt"]}` {
		t.Errorf("tool calls lost in round trip: %+v", decoded)
	}
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}.Add(Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30})
	if u.InputTokens != 11 || u.OutputTokens != 22 || u.TotalTokens != 33 {
		t.Errorf("unexpected sum %+v", u)
	}
}

func TestCountMessageTokens(t *testing.T) {
	if n := CountMessageTokens(nil); n != 0 {
		t.Errorf("expected 0 for empty transcript, got %d", n)
	}
	n := CountMessageTokens([]Message{UserMessage("Hello world, this is a test message.")})
	if n <= 4 {
		t.Errorf("expected a positive estimate beyond framing, got %d", n)
	}
}

func TestEstimateFast(t *testing.T) {
	if estimateFast("   ") != 0 {
		t.Error("expected 0 for blank text")
	}
	if got := estimateFast("one two three"); got != 3 {
		t.Errorf("expected word count floor of 3, got %d", got)
	}
}
