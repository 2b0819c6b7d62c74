// Copyright 2026 The Parley Authors
// SPDX-License-Identifier: Apache-2.0

package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/parley-dev/parley/activity"
)

// TextRenderer renders snapshots as plain text: one line per activity
// entry, a todo checklist, and a trailing status line while the turn is
// still running.
type TextRenderer struct {
	// PreviewLimit truncates thinking previews. Zero means 280.
	PreviewLimit int
}

func (r *TextRenderer) previewLimit() int {
	if r.PreviewLimit > 0 {
		return r.PreviewLimit
	}
	return 280
}

// Render implements Renderer.
func (r *TextRenderer) Render(snapshot Snapshot) (string, error) {
	var b strings.Builder

	for _, entry := range snapshot.Entries {
		switch entry.Kind {
		case activity.EntryStarting:
			// The status line covers the starting state.
		case activity.EntryThinking:
			preview := truncate(firstLine(entry.Text), r.previewLimit())
			if entry.InProgress {
				fmt.Fprintf(&b, "_Thinking: %s_\n", preview)
			} else if preview != "" {
				fmt.Fprintf(&b, "_Thought: %s_\n", preview)
			}
		case activity.EntryToolStart:
			fmt.Fprintf(&b, "• %s (running)\n", toolLabel(entry))
		case activity.EntryToolComplete:
			if entry.ToolErrored {
				fmt.Fprintf(&b, "• %s failed (%s)\n", toolLabel(entry), formatDuration(entry.Duration))
			} else {
				fmt.Fprintf(&b, "• %s (%s)\n", toolLabel(entry), formatDuration(entry.Duration))
			}
		case activity.EntryGenerating:
			if entry.Text != "" {
				b.WriteString(entry.Text)
				b.WriteString("\n")
			}
		case activity.EntryError:
			fmt.Fprintf(&b, "Error: %s\n", entry.Text)
		case activity.EntryAborted:
			b.WriteString("Aborted.\n")
		case activity.EntryModeChanged:
			fmt.Fprintf(&b, "_Mode changed to %s._\n", entry.Mode)
		case activity.EntryContextCleared:
			b.WriteString("_Context cleared._\n")
		case activity.EntrySessionChanged:
			// Session rotation is bookkeeping, not conversation content.
		}
	}

	if len(snapshot.Todos) > 0 {
		b.WriteString("\n")
		for _, todo := range snapshot.Todos {
			fmt.Fprintf(&b, "%s %s\n", todoMarker(todo.Status), todo.Content)
		}
	}

	if status := statusLine(snapshot); status != "" {
		b.WriteString("\n")
		b.WriteString(status)
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n"), nil
}

func statusLine(snapshot Snapshot) string {
	if snapshot.Status.Terminal() {
		return ""
	}
	label := ""
	switch snapshot.Status {
	case activity.StatusStarting:
		label = "Starting"
	case activity.StatusThinking:
		label = "Thinking"
	case activity.StatusTool:
		label = "Running tools"
	case activity.StatusGenerating:
		label = "Writing"
	}
	if snapshot.CustomStatus != "" {
		label = label + " (" + snapshot.CustomStatus + ")"
	}
	if label == "" {
		return ""
	}
	return "_" + label + "…_"
}

func toolLabel(entry activity.Entry) string {
	name := entry.ToolName
	if name == "" {
		name = "tool"
	}
	return name
}

func todoMarker(status string) string {
	switch status {
	case "completed":
		return "[x]"
	case "in_progress":
		return "[~]"
	}
	return "[ ]"
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
