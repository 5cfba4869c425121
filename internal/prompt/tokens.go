package prompt

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/firebase/genkit/go/ai"
)

// EstimateText approximates the token cost of a string. The heuristic is
// one token per two runes, which stays close enough for CJK and English
// alike without shipping a tokenizer. Non-empty text costs at least one
// token.
func EstimateText(text string) int {
	if text == "" {
		return 0
	}
	n := utf8.RuneCountInString(text) / 2
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateParts sums the estimated cost of a part slice. Tool requests and
// responses are costed by their name plus the JSON rendering of their
// payload, which is what the provider ultimately sees.
func EstimateParts(parts []*ai.Part) int {
	total := 0
	for _, part := range parts {
		switch {
		case part == nil:
		case part.IsText():
			total += EstimateText(part.Text)
		case part.ToolRequest != nil:
			total += EstimateText(part.ToolRequest.Name) + estimateJSON(part.ToolRequest.Input)
		case part.ToolResponse != nil:
			total += EstimateText(part.ToolResponse.Name) + estimateJSON(part.ToolResponse.Output)
		}
	}
	return total
}

// EstimateMessages sums the estimated cost of a message slice.
func EstimateMessages(msgs []*ai.Message) int {
	total := 0
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		total += EstimateParts(msg.Content)
	}
	return total
}

func estimateJSON(v any) int {
	if v == nil {
		return 0
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return 1
	}
	return EstimateText(string(raw))
}
