package prompt

import (
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/go-cmp/cmp"

	"github.com/okubit/sluice/internal/session"
)

func newTestBuilder(budget int) *Builder {
	return NewBuilder(budget, slog.New(slog.DiscardHandler))
}

func userTurn(text string) *session.Turn {
	return &session.Turn{Role: ai.RoleUser, Content: []*ai.Part{ai.NewTextPart(text)}}
}

func modelTurn(text string) *session.Turn {
	return &session.Turn{Role: ai.RoleModel, Content: []*ai.Part{ai.NewTextPart(text)}}
}

func toolCallTurn(name, ref string, input map[string]any) *session.Turn {
	return &session.Turn{
		Role: ai.RoleModel,
		Content: []*ai.Part{{
			Kind:        ai.PartToolRequest,
			ToolRequest: &ai.ToolRequest{Name: name, Ref: ref, Input: input},
		}},
	}
}

func toolResultTurn(name, ref string, output map[string]any) *session.Turn {
	return &session.Turn{
		Role: ai.RoleTool,
		Content: []*ai.Part{
			ai.NewToolResponsePart(&ai.ToolResponse{Name: name, Ref: ref, Output: output}),
		},
	}
}

func withEstimate(t *session.Turn, tokens int) *session.Turn {
	t.TokenEstimate = tokens
	return t
}

func messageTexts(msgs []*ai.Message) []string {
	texts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		var b strings.Builder
		for _, p := range m.Content {
			if p != nil && p.IsText() {
				b.WriteString(p.Text)
			}
		}
		texts = append(texts, b.String())
	}
	return texts
}

func hasToolParts(m *ai.Message) bool {
	for _, p := range m.Content {
		if p != nil && (p.ToolRequest != nil || p.ToolResponse != nil) {
			return true
		}
	}
	return false
}

// assertToolPairing fails when any tool-requesting message is not
// immediately followed by a matching tool message, or a tool message has no
// requesting predecessor.
func assertToolPairing(t *testing.T, msgs []*ai.Message) {
	t.Helper()

	for i, m := range msgs {
		refs := map[string]bool{}
		for _, p := range m.Content {
			if p != nil && p.ToolRequest != nil {
				refs[p.ToolRequest.Ref] = true
			}
		}
		if len(refs) > 0 {
			if i+1 >= len(msgs) || msgs[i+1].Role != ai.RoleTool {
				t.Fatalf("message %d requests tools without a following tool message", i)
			}
			for _, p := range msgs[i+1].Content {
				if p != nil && p.ToolResponse != nil && !refs[p.ToolResponse.Ref] {
					t.Fatalf("tool response ref %q has no matching request", p.ToolResponse.Ref)
				}
			}
		}
		if m.Role == ai.RoleTool {
			if i == 0 {
				t.Fatal("tool message at position 0 has no requesting turn")
			}
			requested := false
			for _, p := range msgs[i-1].Content {
				if p != nil && p.ToolRequest != nil {
					requested = true
				}
			}
			if !requested {
				t.Fatalf("tool message %d not preceded by a tool request", i)
			}
		}
	}
}

func TestNewBuilder_Defaults(t *testing.T) {
	t.Parallel()

	b := NewBuilder(0, nil)

	if b.budget != DefaultTokenBudget {
		t.Errorf("budget = %d, want %d", b.budget, DefaultTokenBudget)
	}
	if b.logger == nil {
		t.Error("logger should never be nil")
	}
}

func TestBuild_Empty(t *testing.T) {
	t.Parallel()

	msgs, stats := newTestBuilder(100).Build(nil)

	if msgs != nil {
		t.Errorf("Build(nil) = %d messages, want none", len(msgs))
	}
	if diff := cmp.Diff(Stats{}, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_AllWithinBudget(t *testing.T) {
	t.Parallel()

	turns := []*session.Turn{
		userTurn("hello"),       // 2 tokens
		modelTurn("hi there"),   // 4 tokens
		userTurn("how are you"), // 5 tokens
	}

	msgs, stats := newTestBuilder(100).Build(turns)

	want := []string{"hello", "hi there", "how are you"}
	if diff := cmp.Diff(want, messageTexts(msgs)); diff != "" {
		t.Errorf("texts mismatch (-want +got):\n%s", diff)
	}
	wantStats := Stats{Turns: 3, Tokens: 11}
	if diff := cmp.Diff(wantStats, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_DropsOldestIntoSummary(t *testing.T) {
	t.Parallel()

	turns := []*session.Turn{
		withEstimate(userTurn("what is the weather like"), 60),
		withEstimate(modelTurn("sunny and clear all day"), 30),
		withEstimate(userTurn("and tomorrow"), 20),
		withEstimate(modelTurn("rain arriving by noon"), 20),
		withEstimate(userTurn("thanks, summarize the week"), 10),
	}

	// Budget fits everything except the oldest turn: newest costs 10,
	// leaving 120, of which 30 is held back for the summary.
	msgs, stats := newTestBuilder(130).Build(turns)

	if !stats.Summarized {
		t.Fatal("expected a summary turn")
	}
	if stats.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", stats.Dropped)
	}
	if stats.Turns != 4 {
		t.Errorf("Turns = %d, want 4", stats.Turns)
	}
	if stats.Tokens != 122 {
		t.Errorf("Tokens = %d, want 122", stats.Tokens)
	}

	texts := messageTexts(msgs)
	if len(texts) != 5 {
		t.Fatalf("got %d messages, want 5", len(texts))
	}
	if msgs[0].Role != ai.RoleUser {
		t.Errorf("summary role = %s, want user", msgs[0].Role)
	}
	if !strings.Contains(texts[0], "1 earlier turns omitted") {
		t.Errorf("summary %q missing dropped count", texts[0])
	}
	if !strings.Contains(texts[0], "what is the weather like") {
		t.Errorf("summary %q missing dropped user excerpt", texts[0])
	}
	wantTail := []string{"sunny and clear all day", "and tomorrow", "rain arriving by noon", "thanks, summarize the week"}
	if diff := cmp.Diff(wantTail, texts[1:]); diff != "" {
		t.Errorf("retained texts mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_NewestUserTurnTruncated(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("ab", 40) // 80 runes, 40 tokens
	turns := []*session.Turn{
		userTurn("earlier question"),
		modelTurn("earlier answer"),
		userTurn(long),
	}

	msgs, stats := newTestBuilder(10).Build(turns)

	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if got, want := msgs[0].Content[0].Text, strings.Repeat("ab", 10); got != want {
		t.Errorf("truncated text = %q, want %q", got, want)
	}
	if !stats.Truncated {
		t.Error("expected Truncated")
	}
	if stats.Summarized {
		t.Error("no room for a summary at this budget")
	}
	if stats.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", stats.Dropped)
	}
	if stats.Tokens != 10 {
		t.Errorf("Tokens = %d, want 10", stats.Tokens)
	}
}

func TestBuild_ToolPairNeverSplit(t *testing.T) {
	t.Parallel()

	turns := []*session.Turn{
		withEstimate(userTurn("find the docs"), 10),
		withEstimate(toolCallTurn("web_search", "call-1", map[string]any{"query": "docs"}), 40),
		withEstimate(toolResultTurn("web_search", "call-1", map[string]any{"results": "two hits"}), 40),
		withEstimate(modelTurn("here are the docs"), 10),
		withEstimate(userTurn("thanks"), 5),
	}

	// The pair costs 80 and cannot fit; it must vanish whole, never
	// leaving a lone request or response behind.
	msgs, stats := newTestBuilder(60).Build(turns)

	for i, m := range msgs {
		if hasToolParts(m) {
			t.Errorf("message %d carries tool parts, pair should have been dropped whole", i)
		}
	}
	assertToolPairing(t, msgs)

	if stats.Dropped != 3 {
		t.Errorf("Dropped = %d, want 3", stats.Dropped)
	}
	texts := messageTexts(msgs)
	if len(texts) != 3 {
		t.Fatalf("got %d messages, want 3", len(texts))
	}
	if !strings.Contains(texts[0], "find the docs") {
		t.Errorf("summary %q missing dropped user excerpt", texts[0])
	}
	if strings.Contains(texts[0], "web_search") {
		t.Errorf("summary %q leaks tool traffic", texts[0])
	}
	wantTail := []string{"here are the docs", "thanks"}
	if diff := cmp.Diff(wantTail, texts[1:]); diff != "" {
		t.Errorf("retained texts mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_ToolPairKeptTogether(t *testing.T) {
	t.Parallel()

	turns := []*session.Turn{
		withEstimate(userTurn("find the docs"), 10),
		withEstimate(toolCallTurn("web_search", "call-1", map[string]any{"query": "docs"}), 40),
		withEstimate(toolResultTurn("web_search", "call-1", map[string]any{"results": "two hits"}), 40),
		withEstimate(modelTurn("here are the docs"), 10),
		withEstimate(userTurn("thanks"), 5),
	}

	msgs, stats := newTestBuilder(200).Build(turns)

	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	wantRoles := []ai.Role{ai.RoleUser, ai.RoleModel, ai.RoleTool, ai.RoleModel, ai.RoleUser}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("message %d role = %s, want %s", i, msgs[i].Role, want)
		}
	}
	assertToolPairing(t, msgs)

	wantStats := Stats{Turns: 5, Tokens: 105}
	if diff := cmp.Diff(wantStats, stats); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestBuild_LongHistoryCompressed(t *testing.T) {
	t.Parallel()

	var turns []*session.Turn
	for i := range 10 {
		turns = append(turns,
			userTurn(fmt.Sprintf("question %d about the deployment pipeline", i)),
			toolCallTurn("web_search", fmt.Sprintf("call-%d", i), map[string]any{"query": fmt.Sprintf("pipeline stage %d", i)}),
			toolResultTurn("web_search", fmt.Sprintf("call-%d", i), map[string]any{"results": "three matching documents"}),
			modelTurn(fmt.Sprintf("answer %d with the findings", i)),
		)
	}
	if len(turns) != 40 {
		t.Fatalf("fixture has %d turns, want 40", len(turns))
	}

	const budget = 260
	msgs, stats := newTestBuilder(budget).Build(turns)

	if !stats.Summarized {
		t.Fatal("expected a summary turn")
	}
	if stats.Dropped == 0 {
		t.Fatal("expected dropped turns")
	}
	if len(msgs) != stats.Turns+1 {
		t.Errorf("len(msgs) = %d, want %d turns plus summary", len(msgs), stats.Turns)
	}
	if got := EstimateMessages(msgs); got > budget {
		t.Errorf("assembled context estimates at %d tokens, over budget %d", got, budget)
	}
	assertToolPairing(t, msgs)

	if msgs[0].Role != ai.RoleUser {
		t.Errorf("summary role = %s, want user", msgs[0].Role)
	}
	summaryTxt := messageTexts(msgs[:1])[0]
	if !strings.Contains(summaryTxt, "turns omitted") {
		t.Errorf("summary %q missing dropped count", summaryTxt)
	}
	if !strings.Contains(summaryTxt, "question 7") {
		t.Errorf("summary %q missing newest dropped user excerpt", summaryTxt)
	}
	if strings.Contains(summaryTxt, "web_search") || strings.Contains(summaryTxt, "matching documents") {
		t.Errorf("summary %q leaks tool traffic", summaryTxt)
	}

	texts := messageTexts(msgs)
	foundNewestUser := false
	for _, txt := range texts {
		if txt == "question 9 about the deployment pipeline" {
			foundNewestUser = true
		}
	}
	if !foundNewestUser {
		t.Error("newest user turn missing from assembled context")
	}
	if got, want := texts[len(texts)-1], "answer 9 with the findings"; got != want {
		t.Errorf("last message = %q, want %q", got, want)
	}
}

func TestBuild_OrphanToolTurnDropped(t *testing.T) {
	t.Parallel()

	turns := []*session.Turn{
		toolResultTurn("web_search", "call-9", map[string]any{"results": "stale"}),
		userTurn("hello"),
	}

	msgs, stats := newTestBuilder(100).Build(turns)

	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if hasToolParts(msgs[0]) {
		t.Error("orphaned tool turn should not survive")
	}
	if stats.Turns != 1 {
		t.Errorf("Turns = %d, want 1", stats.Turns)
	}
}

func TestBuild_UnansweredToolRequestStripped(t *testing.T) {
	t.Parallel()

	turns := []*session.Turn{
		// Request with no recorded answer and nothing else: vanishes.
		toolCallTurn("web_search", "call-0", map[string]any{"query": "a"}),
		// Request with accompanying text: only the request parts go.
		{Role: ai.RoleModel, Content: []*ai.Part{
			{Kind: ai.PartToolRequest, ToolRequest: &ai.ToolRequest{Name: "web_search", Ref: "call-1", Input: map[string]any{"query": "b"}}},
			ai.NewTextPart("searching now"),
		}},
		userTurn("still there?"),
	}

	msgs, _ := newTestBuilder(100).Build(turns)

	want := []string{"searching now", "still there?"}
	if diff := cmp.Diff(want, messageTexts(msgs)); diff != "" {
		t.Errorf("texts mismatch (-want +got):\n%s", diff)
	}
	for i, m := range msgs {
		if hasToolParts(m) {
			t.Errorf("message %d still carries tool parts", i)
		}
	}
}
