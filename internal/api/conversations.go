package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/okubit/sluice/internal/session"
)

// Pagination defaults and caps.
const (
	conversationsDefaultLimit = 50
	conversationsMaxLimit     = 200
	conversationsMaxOffset    = 10000
	turnsDefaultLimit         = 100
	turnsMaxLimit             = 1000
	turnsMaxOffset            = 100000
)

// conversationHandler exposes conversation lifecycle endpoints. Every
// operation on an existing conversation verifies ownership first.
type conversationHandler struct {
	store  ConversationStore
	logger *slog.Logger
}

// conversationItem is the JSON representation of a conversation.
type conversationItem struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	TurnCount int    `json:"turn_count"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// turnItem is the JSON representation of a turn in list responses. Content
// is the turn's plain text; tool traffic renders as empty content under its
// role.
type turnItem struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

func toConversationItem(conv *session.Conversation) conversationItem {
	return conversationItem{
		ID:        conv.ID.String(),
		Title:     conv.Title,
		TurnCount: conv.TurnCount,
		CreatedAt: conv.CreatedAt.Format(time.RFC3339),
		UpdatedAt: conv.UpdatedAt.Format(time.RFC3339),
	}
}

// requireOwnership loads the conversation named in the path and verifies it
// belongs to the caller. Returns the conversation and true, or writes an
// error response and returns false.
func (ch *conversationHandler) requireOwnership(w http.ResponseWriter, r *http.Request) (*session.Conversation, bool) {
	idStr := r.PathValue("id")
	if idStr == "" {
		writeError(w, http.StatusBadRequest, "missing_id", "conversation ID required", ch.logger)
		return nil, false
	}

	targetID, err := uuid.Parse(idStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid conversation ID", ch.logger)
		return nil, false
	}

	caller, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "credentials required", ch.logger)
		return nil, false
	}

	conv, err := ch.store.Conversation(r.Context(), targetID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "conversation not found", ch.logger)
			return nil, false
		}
		ch.logger.Error("checking conversation ownership", "error", err, "conversation_id", targetID)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to load conversation", ch.logger)
		return nil, false
	}

	if conv.OwnerKey != caller.Key {
		ch.logger.Warn("conversation ownership check failed",
			"conversation_id", targetID,
			"owner", conv.OwnerKey,
			"caller", caller.Key,
			"path", r.URL.Path,
		)
		writeError(w, http.StatusForbidden, "forbidden", "conversation access denied", ch.logger)
		return nil, false
	}

	return conv, true
}

// list handles GET /api/v1/conversations — the caller's conversations,
// newest first, paginated.
func (ch *conversationHandler) list(w http.ResponseWriter, r *http.Request) {
	caller, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "credentials required", ch.logger)
		return
	}

	limit := min(parseIntParam(r, "limit", conversationsDefaultLimit), conversationsMaxLimit)
	offset := parseIntParam(r, "offset", 0)
	if offset > conversationsMaxOffset {
		writeError(w, http.StatusBadRequest, "invalid_offset", "offset too large", ch.logger)
		return
	}

	convs, total, err := ch.store.Conversations(r.Context(), caller.Key, limit, offset)
	if err != nil {
		ch.logger.Error("listing conversations", "error", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "failed to list conversations", ch.logger)
		return
	}

	items := make([]conversationItem, len(convs))
	for i, conv := range convs {
		items[i] = toConversationItem(conv)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
	}, ch.logger)
}

// create handles POST /api/v1/conversations. The title is optional; long
// titles are truncated to the store's limit.
func (ch *conversationHandler) create(w http.ResponseWriter, r *http.Request) {
	caller, ok := identityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "credentials required", ch.logger)
		return
	}

	// An empty body is a valid create-without-title request.
	var in struct {
		Title string `json:"title"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4096)
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid request body", ch.logger)
		return
	}

	title := in.Title
	if runes := []rune(title); len(runes) > session.TitleMaxLength {
		title = string(runes[:session.TitleMaxLength])
	}

	conv, err := ch.store.CreateConversation(r.Context(), caller.Key, title)
	if err != nil {
		ch.logger.Error("creating conversation", "error", err)
		writeError(w, http.StatusInternalServerError, "create_failed", "failed to create conversation", ch.logger)
		return
	}

	writeJSON(w, http.StatusCreated, toConversationItem(conv), ch.logger)
}

// get handles GET /api/v1/conversations/{id}.
func (ch *conversationHandler) get(w http.ResponseWriter, r *http.Request) {
	conv, ok := ch.requireOwnership(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toConversationItem(conv), ch.logger)
}

// turns handles GET /api/v1/conversations/{id}/turns — a page of the
// conversation in sequence order.
func (ch *conversationHandler) turns(w http.ResponseWriter, r *http.Request) {
	conv, ok := ch.requireOwnership(w, r)
	if !ok {
		return
	}

	limit := min(parseIntParam(r, "limit", turnsDefaultLimit), turnsMaxLimit)
	offset := parseIntParam(r, "offset", 0)
	if offset > turnsMaxOffset {
		writeError(w, http.StatusBadRequest, "invalid_offset", "offset too large", ch.logger)
		return
	}

	turns, total, err := ch.store.Turns(r.Context(), conv.ID, limit, offset)
	if err != nil {
		ch.logger.Error("reading turns", "error", err, "conversation_id", conv.ID)
		writeError(w, http.StatusInternalServerError, "get_failed", "failed to read turns", ch.logger)
		return
	}

	items := make([]turnItem, len(turns))
	for i, turn := range turns {
		items[i] = turnItem{
			ID:        turn.ID.String(),
			Role:      string(turn.Role),
			Content:   turn.Text(),
			CreatedAt: turn.CreatedAt.Format(time.RFC3339),
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
	}, ch.logger)
}

// remove handles DELETE /api/v1/conversations/{id}.
func (ch *conversationHandler) remove(w http.ResponseWriter, r *http.Request) {
	conv, ok := ch.requireOwnership(w, r)
	if !ok {
		return
	}

	if err := ch.store.DeleteConversation(r.Context(), conv.ID); err != nil {
		ch.logger.Error("deleting conversation", "error", err, "conversation_id", conv.ID)
		writeError(w, http.StatusInternalServerError, "delete_failed", "failed to delete conversation", ch.logger)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"}, ch.logger)
}
