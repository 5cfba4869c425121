package testutil

import (
	"context"
	"sync"

	"github.com/firebase/genkit/go/ai"

	"github.com/okubit/sluice/internal/model"
)

// MockBackend is a scripted model backend. Responses are consumed in FIFO
// order; when the script runs dry the fallback text is returned. Calls are
// recorded for assertions.
//
// Thread-safe for concurrent use.
type MockBackend struct {
	mu       sync.Mutex
	script   []MockResponse
	fallback string
	calls    []*model.Request
}

// MockResponse is one scripted model turn.
type MockResponse struct {
	Text         string
	ToolRequests []*ai.ToolRequest

	// Err, when set, fails the call after any chunks have streamed.
	Err error

	// Chunks overrides the streamed chunk texts; nil streams Text whole.
	Chunks []string

	// Block, when non-nil, holds the call until the channel is closed or
	// the context ends.
	Block chan struct{}
}

// NewMockBackend creates a mock backend with the given fallback response.
func NewMockBackend(fallback string) *MockBackend {
	return &MockBackend{fallback: fallback}
}

// Enqueue appends a scripted response.
func (m *MockBackend) Enqueue(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, responses...)
}

// Calls returns a copy of all recorded requests.
func (m *MockBackend) Calls() []*model.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]*model.Request, len(m.calls))
	copy(cp, m.calls)
	return cp
}

// CallCount returns how many times Generate ran.
func (m *MockBackend) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *MockBackend) Name() string { return "mock/test-model" }

// Generate pops the next scripted response, streaming its text through cb
// when provided.
func (m *MockBackend) Generate(ctx context.Context, req *model.Request, cb ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	m.mu.Lock()
	var r MockResponse
	if len(m.script) > 0 {
		r = m.script[0]
		m.script = m.script[1:]
	} else {
		r = MockResponse{Text: m.fallback}
	}
	m.calls = append(m.calls, cloneRequest(req))
	m.mu.Unlock()

	if r.Block != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.Block:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if cb != nil {
		chunks := r.Chunks
		if chunks == nil && r.Text != "" {
			chunks = []string{r.Text}
		}
		for _, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			err := cb(ctx, &ai.ModelResponseChunk{
				Content: []*ai.Part{ai.NewTextPart(chunk)},
			})
			if err != nil {
				return nil, err
			}
		}
	}

	if r.Err != nil {
		return nil, r.Err
	}

	var parts []*ai.Part
	for _, tr := range r.ToolRequests {
		parts = append(parts, &ai.Part{
			Kind:        ai.PartToolRequest,
			ToolRequest: tr,
		})
	}
	if r.Text != "" {
		parts = append(parts, ai.NewTextPart(r.Text))
	}

	return &ai.ModelResponse{
		Message: &ai.Message{
			Role:    ai.RoleModel,
			Content: parts,
		},
	}, nil
}

func cloneRequest(req *model.Request) *model.Request {
	cp := &model.Request{System: req.System}
	cp.Messages = append([]*ai.Message(nil), req.Messages...)
	cp.Tools = append([]ai.ToolRef(nil), req.Tools...)
	return cp
}
