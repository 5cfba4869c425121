package testutil

import (
	"bufio"
	"strings"
	"testing"
)

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	Type string
	Data string
}

// ParseSSE parses a raw SSE response body into events.
//
// Follows the parts of the SSE format the chat stream uses: an optional
// "event:" line, one or more "data:" lines (joined with newlines), and a
// blank line terminating each event. Events without an explicit type default
// to "message". Comment lines (":") are skipped. Anything else fails the
// test, since the handler should never produce it.
func ParseSSE(t *testing.T, body string) []SSEEvent {
	t.Helper()

	var (
		events  []SSEEvent
		current SSEEvent
		data    []string
	)

	flush := func() {
		if current.Type == "" && len(data) == 0 {
			return
		}
		if current.Type == "" {
			current.Type = "message"
		}
		current.Data = strings.Join(data, "\n")
		events = append(events, current)
		current = SSEEvent{}
		data = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		switch {
		case text == "":
			flush()
		case strings.HasPrefix(text, "event: "):
			if current.Type != "" {
				t.Fatalf("line %d: event %q begins before %q was terminated", line, text, current.Type)
			}
			current.Type = strings.TrimPrefix(text, "event: ")
		case strings.HasPrefix(text, "data: "):
			data = append(data, strings.TrimPrefix(text, "data: "))
		case strings.HasPrefix(text, ":"):
			// comment, ignored
		default:
			t.Fatalf("line %d: unexpected SSE line %q", line, text)
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanning SSE body: %v", err)
	}
	if current.Type != "" || len(data) > 0 {
		t.Fatalf("SSE body ended mid-event (missing blank line after %q)", current.Type)
	}

	return events
}

// EventsOfType filters parsed events by type, preserving order.
func EventsOfType(events []SSEEvent, eventType string) []SSEEvent {
	var out []SSEEvent
	for _, e := range events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// LastEvent returns the final event, failing the test on an empty stream.
func LastEvent(t *testing.T, events []SSEEvent) SSEEvent {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("SSE stream contained no events")
	}
	return events[len(events)-1]
}
