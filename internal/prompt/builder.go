// Package prompt assembles the bounded model context from a conversation's
// durable history.
//
// The builder walks the history from the newest turn backward, admitting
// turns until the token budget is spent. Two rules override the plain walk:
// a tool-requesting model turn and the tool turns answering it are admitted
// or dropped together, and the newest user turn always survives, with its
// text cut down if it alone exceeds the budget. When older turns fall off
// the window they collapse into a single synthetic summary turn placed at
// the oldest retained position.
package prompt

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/firebase/genkit/go/ai"

	"github.com/okubit/sluice/internal/session"
)

// DefaultTokenBudget bounds the assembled context when no explicit budget
// is configured.
const DefaultTokenBudget = 8192

const (
	// summaryReserve is held back from the walk once dropping becomes
	// inevitable, so the digest of the dropped turns has room to fit.
	summaryReserve = 140

	summaryMaxExcerpts  = 3
	summaryExcerptRunes = 60
)

// Stats reports what Build kept and shed.
type Stats struct {
	Turns      int  // turns emitted, excluding any synthetic summary
	Dropped    int  // turns dropped from the window
	Tokens     int  // estimated budget consumed by the assembled context
	Truncated  bool // newest user turn was cut to fit
	Summarized bool // a synthetic summary turn was prepended
}

// Builder assembles prompts under a fixed token budget.
type Builder struct {
	budget int
	logger *slog.Logger
}

func NewBuilder(budget int, logger *slog.Logger) *Builder {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Builder{budget: budget, logger: logger}
}

// block is the atomic unit of inclusion: a single turn, or a tool-requesting
// model turn grouped with the tool turns that answer it.
type block struct {
	turns []*session.Turn
	cost  int
}

// Build assembles the model context from turns ordered oldest to newest.
// The returned messages are chronological and never contain a tool request
// without its response or the reverse.
func (b *Builder) Build(turns []*session.Turn) ([]*ai.Message, Stats) {
	blocks := groupTurns(turns, b.logger)
	if len(blocks) == 0 {
		return nil, Stats{}
	}
	for i := range blocks {
		blocks[i].cost = blockCost(blocks[i])
	}

	newestUser := -1
	for i := len(blocks) - 1; i >= 0; i-- {
		ts := blocks[i].turns
		if len(ts) == 1 && ts[0].Role == ai.RoleUser {
			newestUser = i
			break
		}
	}

	include := make([]bool, len(blocks))
	remaining := b.budget
	var stats Stats

	if newestUser >= 0 {
		if blocks[newestUser].cost > remaining {
			blocks[newestUser].turns = []*session.Turn{truncateTurn(blocks[newestUser].turns[0], remaining)}
			blocks[newestUser].cost = blockCost(blocks[newestUser])
			stats.Truncated = true
		}
		include[newestUser] = true
		remaining -= blocks[newestUser].cost
	}

	rest := 0
	for i, blk := range blocks {
		if !include[i] {
			rest += blk.cost
		}
	}

	var summary *ai.Message
	if rest <= remaining {
		for i := range include {
			include[i] = true
		}
		remaining -= rest
	} else {
		reserve := remaining / 4
		if reserve > summaryReserve {
			reserve = summaryReserve
		}
		avail := remaining - reserve

		cut := -1
		for i := len(blocks) - 1; i >= 0; i-- {
			if include[i] {
				continue
			}
			if blocks[i].cost <= avail {
				include[i] = true
				avail -= blocks[i].cost
				continue
			}
			cut = i
			break
		}

		var dropped []*session.Turn
		for j := 0; j <= cut; j++ {
			if include[j] {
				continue
			}
			dropped = append(dropped, blocks[j].turns...)
		}
		stats.Dropped = len(dropped)

		remaining = reserve + avail
		if msg, cost, ok := summarize(dropped, remaining); ok {
			summary = msg
			remaining -= cost
			stats.Summarized = true
		}
	}

	var msgs []*ai.Message
	if summary != nil {
		msgs = append(msgs, summary)
	}
	for i, blk := range blocks {
		if !include[i] {
			continue
		}
		for _, t := range blk.turns {
			msgs = append(msgs, &ai.Message{Role: t.Role, Content: t.Content})
			stats.Turns++
		}
	}
	stats.Tokens = b.budget - remaining

	if stats.Dropped > 0 {
		b.logger.Debug("compressed conversation window",
			"kept", stats.Turns,
			"dropped", stats.Dropped,
			"tokens", stats.Tokens,
			"summarized", stats.Summarized)
	}
	return msgs, stats
}

// groupTurns partitions the history into inclusion blocks. Tool turns
// attach to the tool-requesting model turn directly before them. Tool turns
// with no such neighbor, and tool requests with no recorded answer, cannot
// be replayed to the model and are repaired here.
func groupTurns(turns []*session.Turn, logger *slog.Logger) []block {
	var blocks []block
	for i := 0; i < len(turns); i++ {
		t := turns[i]
		if t == nil {
			continue
		}
		switch {
		case t.Role == ai.RoleTool:
			logger.Debug("dropping orphaned tool turn", "turn", t.ID)
		case t.Role == ai.RoleModel && hasToolRequest(t):
			blk := block{turns: []*session.Turn{t}}
			j := i + 1
			for j < len(turns) && turns[j] != nil && turns[j].Role == ai.RoleTool {
				blk.turns = append(blk.turns, turns[j])
				j++
			}
			i = j - 1
			if len(blk.turns) == 1 {
				stripped := stripToolRequests(t)
				if stripped == nil {
					logger.Debug("dropping unanswered tool request turn", "turn", t.ID)
					continue
				}
				blk.turns[0] = stripped
			}
			blocks = append(blocks, blk)
		default:
			blocks = append(blocks, block{turns: []*session.Turn{t}})
		}
	}
	return blocks
}

func hasToolRequest(t *session.Turn) bool {
	for _, part := range t.Content {
		if part != nil && part.ToolRequest != nil {
			return true
		}
	}
	return false
}

// stripToolRequests returns a copy of the turn without its tool-request
// parts, or nil when nothing else remains.
func stripToolRequests(t *session.Turn) *session.Turn {
	var parts []*ai.Part
	for _, part := range t.Content {
		if part == nil || part.ToolRequest != nil {
			continue
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return nil
	}
	clone := *t
	clone.Content = parts
	clone.TokenEstimate = 0
	return &clone
}

func blockCost(blk block) int {
	total := 0
	for _, t := range blk.turns {
		total += turnCost(t)
	}
	return total
}

func turnCost(t *session.Turn) int {
	if t.TokenEstimate > 0 {
		return t.TokenEstimate
	}
	return EstimateParts(t.Content)
}

// truncateTurn cuts a turn down to at most budget tokens of plain text.
// Only the newest user turn is ever truncated, and only when it alone
// exceeds the whole budget.
func truncateTurn(t *session.Turn, budget int) *session.Turn {
	if budget < 1 {
		budget = 1
	}
	runes := []rune(t.Text())
	if limit := budget * 2; len(runes) > limit {
		runes = runes[:limit]
	}
	clone := *t
	clone.Content = []*ai.Part{ai.NewTextPart(string(runes))}
	clone.TokenEstimate = 0
	return &clone
}

// summarize collapses dropped turns into one synthetic user turn carrying
// the dropped count and first-line excerpts of the most recent dropped user
// turns. Tool traffic never leaks into the digest. Excerpts are shed
// oldest-first until the digest fits; when not even the bare count line
// fits, no summary is emitted.
func summarize(dropped []*session.Turn, budget int) (*ai.Message, int, bool) {
	if len(dropped) == 0 {
		return nil, 0, false
	}

	var excerpts []string
	for i := len(dropped) - 1; i >= 0 && len(excerpts) < summaryMaxExcerpts; i-- {
		t := dropped[i]
		if t.Role != ai.RoleUser {
			continue
		}
		if line := firstLine(t.Text()); line != "" {
			excerpts = append(excerpts, line)
		}
	}
	slices.Reverse(excerpts)

	for {
		text := summaryText(len(dropped), excerpts)
		cost := EstimateText(text)
		if cost <= budget {
			return ai.NewUserMessage(ai.NewTextPart(text)), cost, true
		}
		if len(excerpts) == 0 {
			return nil, 0, false
		}
		excerpts = excerpts[1:]
	}
}

func summaryText(count int, excerpts []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Summary of %d earlier turns omitted from context.", count)
	for _, e := range excerpts {
		sb.WriteString("\nUser asked: ")
		sb.WriteString(e)
	}
	return sb.String()
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	line = strings.TrimSpace(line)
	if runes := []rune(line); len(runes) > summaryExcerptRunes {
		line = string(runes[:summaryExcerptRunes]) + "..."
	}
	return line
}
