package stride

import (
	"encoding/json"
	"testing"
)

func TestAgentStateAppendStampsSentAt(t *testing.T) {
	s := &AgentState{AgentID: "a-1"}
	stamped, _ := UserMessage("already stamped")
	stamped.SentAt = 42

	fresh, _ := UserMessage("fresh")
	s.Append(stamped, fresh)

	if s.Messages[0].SentAt != 42 {
		t.Errorf("existing stamp overwritten: %d", s.Messages[0].SentAt)
	}
	if s.Messages[1].SentAt == 0 {
		t.Error("fresh message not stamped")
	}
}

func TestLastAssistantText(t *testing.T) {
	s := &AgentState{}
	if got := s.LastAssistantText(); got != "" {
		t.Errorf("empty history = %q", got)
	}

	u, _ := UserMessage("question")
	a1, _ := AssistantMessage("first answer")
	a2, _ := AssistantMessage("second answer")
	tool, _ := ToolMessage("c1", "glob", TextPart("files"))
	s.Append(u, a1, a2, tool)

	if got := s.LastAssistantText(); got != "second answer" {
		t.Errorf("LastAssistantText = %q", got)
	}
}

func TestSessionStateCloneIndependence(t *testing.T) {
	orig := NewSessionState("echo", FileContext{
		ProjectRoot:    "/project",
		IgnorePatterns: []string{"dist/"},
	})
	u, _ := UserMessage("hello")
	orig.MainAgent.Append(u)
	orig.MainAgent.ChildIDs = []string{"child-1"}
	orig.MainAgent.Output = &Output{Type: OutputTypeLastMessage}
	orig.MainAgent.structuredOutput = json.RawMessage(`{"a":1}`)
	orig.MainAgent.structuredSet = true
	orig.SubagentsByID["child-1"] = &AgentState{AgentID: "child-1", AgentType: "worker"}

	cp := orig.Clone()

	// Mutations of the clone must not leak back.
	cp.MainAgent.Messages[0].Parts[0].Text = "mutated"
	cp.MainAgent.ChildIDs[0] = "other"
	cp.MainAgent.Output.Type = OutputTypeError
	cp.MainAgent.structuredOutput[2] = 'x'
	cp.SubagentsByID["child-1"].AgentType = "mutated"
	cp.FileContext.IgnorePatterns[0] = "mutated/"

	if orig.MainAgent.Messages[0].Parts[0].Text != "hello" {
		t.Error("clone shares message parts")
	}
	if orig.MainAgent.ChildIDs[0] != "child-1" {
		t.Error("clone shares child ids")
	}
	if orig.MainAgent.Output.Type != OutputTypeLastMessage {
		t.Error("clone shares output")
	}
	if string(orig.MainAgent.structuredOutput) != `{"a":1}` {
		t.Error("clone shares structured output")
	}
	if orig.SubagentsByID["child-1"].AgentType != "worker" {
		t.Error("clone shares subagent states")
	}
	if orig.FileContext.IgnorePatterns[0] != "dist/" {
		t.Error("clone shares ignore patterns")
	}
	if !cp.MainAgent.structuredSet {
		t.Error("clone dropped structured flag")
	}
}

func TestSessionStateCloneNil(t *testing.T) {
	var s *SessionState
	if s.Clone() != nil {
		t.Error("nil Clone must return nil")
	}
}

func TestShapeOutputLastMessage(t *testing.T) {
	tpl := AgentTemplate{ID: "echo", OutputMode: OutputLastMessage}
	state := &AgentState{}
	u, _ := UserMessage("question")
	a, _ := AssistantMessage("the answer")
	tool, _ := ToolMessage("c1", "glob", TextPart("files"))
	state.Append(u, a, tool)

	out, ok := shapeOutput(tpl, state)
	if !ok || out.Type != OutputTypeLastMessage {
		t.Fatalf("out = %+v, ok = %v", out, ok)
	}
	parts, isParts := out.Value.([]Part)
	if !isParts || len(parts) != 1 || parts[0].Text != "the answer" {
		t.Errorf("value = %+v", out.Value)
	}

	// No assistant message at all shapes to an empty part slice.
	empty := &AgentState{}
	out, _ = shapeOutput(tpl, empty)
	if parts, _ := out.Value.([]Part); len(parts) != 0 {
		t.Errorf("empty history value = %+v", out.Value)
	}
}

func TestShapeOutputAllMessagesExcludesScaffolding(t *testing.T) {
	tpl := AgentTemplate{ID: "echo", OutputMode: OutputAllMessages}
	state := &AgentState{}
	sys, _ := SystemMessage("be helpful")
	inst, _ := UserMessage("follow the checklist")
	u, _ := UserMessage("question")
	a, _ := AssistantMessage("answer")
	state.Append(sys.WithTags(TagSystemPrompt), inst.WithTags(TagInstructions), u, a)

	out, ok := shapeOutput(tpl, state)
	if !ok {
		t.Fatal("shapeOutput not ok")
	}
	msgs, isMsgs := out.Value.([]Message)
	if !isMsgs || len(msgs) != 2 {
		t.Fatalf("value = %+v", out.Value)
	}
	if msgs[0].Text() != "question" || msgs[1].Text() != "answer" {
		t.Errorf("messages = %q, %q", msgs[0].Text(), msgs[1].Text())
	}
}

func TestShapeOutputStructured(t *testing.T) {
	tpl := AgentTemplate{ID: "echo", OutputMode: OutputStructured}

	unset := &AgentState{}
	out, ok := shapeOutput(tpl, unset)
	if ok {
		t.Error("unset structured output reported ok")
	}
	if out.Type != OutputTypeStructured || out.Value != nil {
		t.Errorf("unset output = %+v", out)
	}

	set := &AgentState{structuredOutput: json.RawMessage(`{"answer":42}`), structuredSet: true}
	out, ok = shapeOutput(tpl, set)
	if !ok {
		t.Fatal("set structured output not ok")
	}
	v, isMap := out.Value.(map[string]any)
	if !isMap || v["answer"] != float64(42) {
		t.Errorf("value = %+v", out.Value)
	}
}
