package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/okubit/sluice/internal/engine"
	"github.com/okubit/sluice/internal/identity"
	"github.com/okubit/sluice/internal/quota"
	"github.com/okubit/sluice/internal/security"
	"github.com/okubit/sluice/internal/session"
)

// ConversationStore is the slice of the session store the HTTP surface
// consumes. *session.Store satisfies it; tests substitute an in-memory
// implementation.
type ConversationStore interface {
	CreateConversation(ctx context.Context, ownerKey, title string) (*session.Conversation, error)
	Conversation(ctx context.Context, id uuid.UUID) (*session.Conversation, error)
	Conversations(ctx context.Context, ownerKey string, limit, offset int) ([]*session.Conversation, int, error)
	SetTitle(ctx context.Context, id uuid.UUID, title string) error
	DeleteConversation(ctx context.Context, id uuid.UUID) error
	Turns(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*session.Turn, int, error)
}

// Config assembles the API server.
type Config struct {
	Logger   *slog.Logger
	Engine   *engine.Engine     // Required
	Store    ConversationStore  // Required
	Resolver *identity.Resolver // Required
	Ledger   *quota.Ledger      // Required

	// Screen enables log-only injection screening of inbound messages.
	// Nil disables screening.
	Screen *security.PromptValidator
	// Pool enables the database check and stats in /ready. Nil reports ready.
	Pool *pgxpool.Pool

	// CORSOrigins lists origins permitted to call the API from a browser.
	CORSOrigins []string
	// TrustProxy trusts X-Real-IP/X-Forwarded-For headers (behind reverse
	// proxy only).
	TrustProxy bool
	// RateBurst is the per-IP transport limiter burst size (0 = default 60).
	RateBurst int

	// Request shape bounds checked at admission. Zero values fall back to
	// package defaults.
	MaxMessageBytes    int
	MaxAttachments     int
	MaxAttachmentBytes int
}

// Server is the JSON-and-SSE HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates an API server with all routes configured.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("conversation store is required")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("identity resolver is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("quota ledger is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	chat := &chatHandler{
		engine:             cfg.Engine,
		store:              cfg.Store,
		ledger:             cfg.Ledger,
		screen:             cfg.Screen,
		logger:             logger,
		maxMessageBytes:    orDefault(cfg.MaxMessageBytes, defaultMaxMessageBytes),
		maxAttachments:     orDefault(cfg.MaxAttachments, defaultMaxAttachments),
		maxAttachmentBytes: orDefault(cfg.MaxAttachmentBytes, defaultMaxAttachmentBytes),
	}

	conv := &conversationHandler{store: cfg.Store, logger: logger}

	mux := http.NewServeMux()

	// Chat admission and streaming
	mux.HandleFunc("POST /api/v1/chat", chat.send)

	// Conversation lifecycle
	mux.HandleFunc("GET /api/v1/conversations", conv.list)
	mux.HandleFunc("POST /api/v1/conversations", conv.create)
	mux.HandleFunc("GET /api/v1/conversations/{id}", conv.get)
	mux.HandleFunc("GET /api/v1/conversations/{id}/turns", conv.turns)
	mux.HandleFunc("DELETE /api/v1/conversations/{id}", conv.remove)

	// Transport-level limiter: per-IP token bucket (1 token/sec refill)
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Identity → Routes
	// RequestID must be before Logging so request_id is available in log
	// attributes. CORS must be before RateLimit so preflight OPTIONS gets
	// proper CORS headers. Identity runs innermost so rejected callers are
	// turned away before any handler runs.
	var handler http.Handler = mux
	handler = identityMiddleware(cfg.Resolver, logger)(handler)
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w)
		handler.ServeHTTP(w, r)
	})

	// Top-level mux separates health probes from the middleware stack.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", health(logger))
	topMux.HandleFunc("GET /ready", readiness(cfg.Pool, logger))
	topMux.Handle("/", final)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
