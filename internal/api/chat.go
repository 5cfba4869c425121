package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"

	"github.com/okubit/sluice/internal/engine"
	"github.com/okubit/sluice/internal/quota"
	"github.com/okubit/sluice/internal/security"
	"github.com/okubit/sluice/internal/session"
)

// Request shape bounds applied when Config leaves them zero.
const (
	defaultMaxMessageBytes    = 32 * 1024
	defaultMaxAttachments     = 8
	defaultMaxAttachmentBytes = 512 * 1024
)

// chatRequest is the wire shape of a chat admission request.
type chatRequest struct {
	// ConversationID continues an existing conversation. Empty starts a new
	// one owned by the caller.
	ConversationID string       `json:"conversation_id,omitempty"`
	Message        string       `json:"message"`
	Attachments    []attachment `json:"attachments,omitempty"`
}

// attachment is an inline media upload accompanying a chat message.
type attachment struct {
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"` // standard base64
}

// chatHandler admits chat requests and streams engine events over SSE.
type chatHandler struct {
	engine *engine.Engine
	store  ConversationStore
	ledger *quota.Ledger
	screen *security.PromptValidator
	logger *slog.Logger

	maxMessageBytes    int
	maxAttachments     int
	maxAttachmentBytes int
}

// send handles POST /api/v1/chat. Admission order is fixed: the identity
// middleware has already authenticated and resolved the caller; this handler
// consumes the route quota, validates request shape, checks conversation
// ownership, then hands off to the engine. Everything before the handoff
// rejects with a plain JSON envelope; after it the response is an SSE stream.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	caller, ok := identityFromContext(r.Context())
	if !ok {
		// The identity middleware runs ahead of every route; reaching this
		// branch means a wiring bug, but the response is still correct.
		writeError(w, http.StatusUnauthorized, "unauthenticated", "credentials required", h.logger)
		return
	}

	// Route budget, charged before the body is read. A denied request costs
	// nothing downstream, and a denied caller still pays for the attempt.
	decision := h.ledger.Consume(r.Context(), quota.RouteKey(caller.Key), 1)
	if !decision.Allowed {
		h.rejectRateLimited(w, decision)
		return
	}

	var in chatRequest
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes())
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body", h.logger)
		return
	}
	if strings.TrimSpace(in.Message) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "message must not be empty", h.logger)
		return
	}
	if len(in.Message) > h.maxMessageBytes {
		writeError(w, http.StatusBadRequest, "validation_error",
			fmt.Sprintf("message exceeds %d bytes", h.maxMessageBytes), h.logger)
		return
	}
	parts, err := h.decodeAttachments(in.Attachments)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error(), h.logger)
		return
	}

	h.screenMessage(caller.Key, in.Message)

	convID, created, ok := h.resolveConversation(w, r, caller.Key, in.ConversationID)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported", h.logger)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	requestID, _ := requestIDFromContext(r.Context())
	req := &engine.StreamRequest{
		RequestID:      requestID,
		Identity:       caller,
		ConversationID: convID,
		Message:        in.Message,
		Attachments:    parts,
	}

	h.logger.Debug("chat stream started",
		"request_id", requestID,
		"conversation_id", convID,
	)

	emit := func(ev engine.Event) error {
		return writeEvent(w, flusher, string(ev.Type), ev.Data)
	}
	status := h.engine.Run(r.Context(), req, emit)

	if created && status == engine.StatusOK {
		h.nameConversation(r.Context(), convID, in.Message)
	}
}

// rejectRateLimited writes a 429 with the advisory retry delay. A degraded
// decision (counter store unreachable) reads differently from an exhausted
// budget so callers can tell an outage from their own usage.
func (h *chatHandler) rejectRateLimited(w http.ResponseWriter, d quota.Decision) {
	retry := d.RetryAfter(time.Now())
	w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))

	message := "request budget exhausted"
	if d.Degraded {
		message = "rate limiting temporarily unavailable"
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", message, h.logger)
}

// maxBodyBytes bounds the request body: the message budget plus the base64
// expansion of every allowed attachment, with headroom for field names.
func (h *chatHandler) maxBodyBytes() int64 {
	perAttachment := h.maxAttachmentBytes/3*4 + 1024
	return int64(h.maxMessageBytes + h.maxAttachments*perAttachment + 4096)
}

// decodeAttachments enforces attachment bounds and converts uploads to media
// parts. Only image types are accepted; the data URI form is what multimodal
// prompts expect.
func (h *chatHandler) decodeAttachments(atts []attachment) ([]*ai.Part, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	if len(atts) > h.maxAttachments {
		return nil, fmt.Errorf("too many attachments: %d exceeds limit of %d", len(atts), h.maxAttachments)
	}

	parts := make([]*ai.Part, 0, len(atts))
	for i, att := range atts {
		mediaType, _, err := mime.ParseMediaType(att.MediaType)
		if err != nil || !strings.HasPrefix(mediaType, "image/") {
			return nil, fmt.Errorf("attachment %d: unsupported media type %q", i, att.MediaType)
		}

		data, err := base64.StdEncoding.DecodeString(att.Data)
		if err != nil {
			return nil, fmt.Errorf("attachment %d: invalid base64 data", i)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("attachment %d: empty data", i)
		}
		if len(data) > h.maxAttachmentBytes {
			return nil, fmt.Errorf("attachment %d: %d bytes exceeds limit of %d", i, len(data), h.maxAttachmentBytes)
		}

		encoded := base64.StdEncoding.EncodeToString(data)
		parts = append(parts, ai.NewMediaPart(mediaType, "data:"+mediaType+";base64,"+encoded))
	}
	return parts, nil
}

// screenMessage runs log-only injection screening. Pattern matches are an
// audit signal, not a rejection; the generation loop treats the message as
// data either way.
func (h *chatHandler) screenMessage(callerKey, message string) {
	if h.screen == nil {
		return
	}
	if res := h.screen.Validate(message); !res.Safe {
		h.logger.Warn("prompt screening flagged message",
			"security_event", "prompt_injection_detected",
			"caller", callerKey,
			"patterns", len(res.Patterns),
		)
	}
}

// resolveConversation maps the request's conversation field to a verified
// conversation ID. An empty field creates a new conversation owned by the
// caller; a populated one must parse and belong to the caller. The second
// return reports whether a conversation was created by this call.
func (h *chatHandler) resolveConversation(w http.ResponseWriter, r *http.Request, ownerKey, raw string) (uuid.UUID, bool, bool) {
	if strings.TrimSpace(raw) == "" {
		conv, err := h.store.CreateConversation(r.Context(), ownerKey, "")
		if err != nil {
			h.logger.Error("creating conversation", "error", err)
			writeError(w, http.StatusInternalServerError, "create_failed", "failed to create conversation", h.logger)
			return uuid.Nil, false, false
		}
		return conv.ID, true, true
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid conversation ID", h.logger)
		return uuid.Nil, false, false
	}

	conv, err := h.store.Conversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "conversation not found", h.logger)
			return uuid.Nil, false, false
		}
		h.logger.Error("loading conversation", "error", err, "conversation_id", id)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to load conversation", h.logger)
		return uuid.Nil, false, false
	}
	if conv.OwnerKey != ownerKey {
		h.logger.Warn("conversation ownership check failed",
			"conversation_id", id,
			"owner", conv.OwnerKey,
			"caller", ownerKey,
			"path", r.URL.Path,
		)
		writeError(w, http.StatusForbidden, "forbidden", "conversation access denied", h.logger)
		return uuid.Nil, false, false
	}

	return id, false, true
}

// nameConversation derives a title from the first exchange, best-effort.
// Runs after the stream has terminated; a client disconnect between the done
// frame and here must not abort the write.
func (h *chatHandler) nameConversation(ctx context.Context, id uuid.UUID, message string) {
	ctx = context.WithoutCancel(ctx)

	title := h.engine.GenerateTitle(ctx, message)
	if title == "" {
		return
	}
	if err := h.store.SetTitle(ctx, id, title); err != nil {
		h.logger.Debug("storing conversation title", "error", err, "conversation_id", id)
	}
}

// writeEvent writes a single SSE event with JSON-encoded data.
// SSE format: "event: <type>\ndata: <json>\n\n"
func writeEvent(w io.Writer, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	flusher.Flush()
	return nil
}
