package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"
)

// GenkitConfig configures the production backend.
type GenkitConfig struct {
	Genkit    *genkit.Genkit
	ModelName string // provider-qualified, e.g. "googleai/gemini-2.5-flash"

	// ModelConfig is handed to the provider verbatim (for Gemini a
	// *genai.GenerateContentConfig). Nil uses provider defaults.
	ModelConfig any

	// RequestsPerSecond paces upstream calls; zero disables pacing.
	RequestsPerSecond float64
	Burst             int

	Logger *slog.Logger
}

// GenkitBackend drives whichever provider plugin the genkit instance was
// initialized with.
type GenkitBackend struct {
	g           *genkit.Genkit
	modelName   string
	modelConfig any
	limiter     *rate.Limiter
	logger      *slog.Logger
}

func NewGenkitBackend(cfg GenkitConfig) (*GenkitBackend, error) {
	if cfg.Genkit == nil {
		return nil, errors.New("genkit instance is required")
	}
	if cfg.ModelName == "" {
		return nil, errors.New("model name is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &GenkitBackend{
		g:           cfg.Genkit,
		modelName:   cfg.ModelName,
		modelConfig: cfg.ModelConfig,
		limiter:     limiter,
		logger:      logger,
	}, nil
}

func (b *GenkitBackend) Name() string { return b.modelName }

// Generate issues one model call. The history is deep-copied first: genkit's
// renderMessages modifies message content in place, so sharing part slices
// across repeated or concurrent calls races (observed on genkit v1.4.0).
func (b *GenkitBackend) Generate(ctx context.Context, req *Request, cb ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("pacing upstream call: %w", err)
		}
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(b.modelName),
		ai.WithMessages(deepCopyMessages(req.Messages)...),
	}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(req.System))
	}
	if len(req.Tools) > 0 {
		// The generation loop executes tools itself; the provider only
		// declares them and hands requests back.
		opts = append(opts, ai.WithTools(req.Tools...), ai.WithReturnToolRequests(true))
	}
	if b.modelConfig != nil {
		opts = append(opts, ai.WithConfig(b.modelConfig))
	}
	if cb != nil {
		opts = append(opts, ai.WithStreaming(cb))
	}

	b.logger.Debug("calling model backend",
		"model", b.modelName,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"streaming", cb != nil)

	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	return resp, nil
}
