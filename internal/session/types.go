package session

import (
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
)

// TitleMaxLength bounds conversation titles in runes. Longer titles are
// truncated with an ellipsis.
const TitleMaxLength = 80

// Conversation is one caller-owned chat log.
type Conversation struct {
	ID        uuid.UUID
	OwnerKey  string
	Title     string
	TurnCount int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Turn is a single entry in a conversation: a user message, a model message
// (possibly carrying tool requests), or a tool-response message. Content
// stores the part slice as JSONB.
type Turn struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           ai.Role
	Content        []*ai.Part
	// TokenEstimate is the cached size of this turn as estimated at append
	// time. Zero means no estimate was recorded.
	TokenEstimate int
	Seq           int
	CreatedAt     time.Time
}

// Text concatenates the plain-text parts of the turn. Tool requests and
// responses contribute nothing.
func (t *Turn) Text() string {
	var b strings.Builder
	for _, part := range t.Content {
		if part != nil && part.IsText() {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}
