package testutil

import (
	"bufio"
	"strings"
	"testing"
)

// SSEEvent is one parsed Server-Sent Event.
type SSEEvent struct {
	Type string
	Data string
}

// ParseSSEEvents parses a raw SSE response body into structured events.
// Multiple data: lines within one event are joined with newlines, a bare
// data: line defaults to the "message" event type, and comment lines
// (leading ":") are skipped, per the SSE spec.
func ParseSSEEvents(t *testing.T, body string) []SSEEvent {
	t.Helper()

	var events []SSEEvent
	var cur SSEEvent
	var dataLines []string

	flush := func() {
		if cur.Type == "" && len(dataLines) == 0 {
			return
		}
		cur.Data = strings.Join(dataLines, "\n")
		events = append(events, cur)
		cur = SSEEvent{}
		dataLines = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "event: "):
			cur.Type = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if cur.Type == "" {
				cur.Type = "message"
			}
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		case strings.HasPrefix(line, ":"):
			// comment
		default:
			t.Fatalf("unexpected SSE line: %q", line)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanning SSE body: %v", err)
	}
	if cur.Type != "" || len(dataLines) > 0 {
		t.Fatalf("SSE stream ended mid-event (missing blank line after %q)", cur.Type)
	}

	return events
}
