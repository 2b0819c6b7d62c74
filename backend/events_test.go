// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"strings"
	"testing"
)

func TestDecodeToolStateEvent(t *testing.T) {
	data := `{
		"session_id": "sess-1",
		"tool": {"id": "t1", "name": "Bash", "state": "running", "input": {"command": "ls"}}
	}`
	event, err := DecodeEvent("tool.state", []byte(data))
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if event.Kind != KindToolState {
		t.Errorf("Kind = %q", event.Kind)
	}
	if event.Tool.ID != "t1" || event.Tool.Name != "Bash" || event.Tool.State != ToolStateRunning {
		t.Errorf("Tool = %+v", event.Tool)
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := DecodeEvent("session.teleported", []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "unknown stream event") {
		t.Fatalf("err = %v, want unknown-event error", err)
	}
}

func TestDecodeRejectsMissingPayload(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"tool.state", `{"session_id": "s"}`},
		{"reasoning.delta", `{"session_id": "s"}`},
		{"text.delta", `{"session_id": "s"}`},
		{"session.mode_changed", `{"session_id": "s"}`},
		{"session.changed", `{"session_id": "s"}`},
		{"session.error", `{"session_id": "s"}`},
	}
	for _, c := range cases {
		if _, err := DecodeEvent(c.name, []byte(c.data)); err == nil {
			t.Errorf("%s: expected payload validation error", c.name)
		}
	}
}

func TestDecodeRejectsUnknownToolState(t *testing.T) {
	data := `{"session_id": "s", "tool": {"id": "t1", "state": "paused"}}`
	if _, err := DecodeEvent("tool.state", []byte(data)); err == nil {
		t.Fatal("expected error for unknown tool state")
	}
}

func TestTerminalKinds(t *testing.T) {
	terminals := []EventKind{KindSessionIdle, KindSessionError, KindSessionAborted}
	for _, kind := range terminals {
		if !kind.Terminal() {
			t.Errorf("%s.Terminal() = false", kind)
		}
	}
	if KindToolState.Terminal() || KindTextDelta.Terminal() {
		t.Error("non-terminal kind reported terminal")
	}
}
