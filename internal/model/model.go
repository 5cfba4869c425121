// Package model narrows the upstream LLM surface to a single Generate call
// so the generation loop can drive real providers and scripted test doubles
// through the same seam.
package model

import (
	"context"

	"github.com/firebase/genkit/go/ai"
)

// Request is one model invocation: the assembled message history plus the
// tools the model may request.
type Request struct {
	System   string
	Messages []*ai.Message
	Tools    []ai.ToolRef
}

// Backend is a single upstream provider.
//
// Generate blocks until the final response; when cb is non-nil it receives
// chunks as the provider streams them. Implementations never execute tool
// requests themselves — requested calls come back in the response for the
// caller to resolve.
type Backend interface {
	Name() string
	Generate(ctx context.Context, req *Request, cb ai.ModelStreamCallback) (*ai.ModelResponse, error)
}
