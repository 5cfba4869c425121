package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxHistoryTurns caps how much of a conversation the pipeline reads back.
// The context window builder trims further by token budget; this bound only
// protects memory on pathologically long conversations.
const maxHistoryTurns = 1000

// Store manages conversation persistence with a PostgreSQL backend.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// CreateConversation starts an empty conversation owned by ownerKey.
// An empty title is stored as NULL.
func (s *Store) CreateConversation(ctx context.Context, ownerKey, title string) (*Conversation, error) {
	var titlePtr *string
	if title != "" {
		titlePtr = &title
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (owner_key, title)
		VALUES ($1, $2)
		RETURNING id, owner_key, title, turn_count, created_at, updated_at`,
		ownerKey, titlePtr,
	)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "owner", ownerKey)
	return conv, nil
}

// Conversation retrieves one conversation by ID.
// Returns ErrNotFound when it does not exist.
func (s *Store) Conversation(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner_key, title, turn_count, created_at, updated_at
		FROM conversations
		WHERE id = $1`,
		uuidToPg(id),
	)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}
	return conv, nil
}

// Conversations lists a caller's conversations newest-first, with the total
// count for pagination.
func (s *Store) Conversations(ctx context.Context, ownerKey string, limit, offset int) ([]*Conversation, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conversations WHERE owner_key = $1`, ownerKey,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting conversations: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_key, title, turn_count, created_at, updated_at
		FROM conversations
		WHERE owner_key = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3`,
		ownerKey, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing conversations: %w", err)
	}
	return convs, total, nil
}

// SetTitle updates a conversation's title. An empty title stores as NULL.
// Returns ErrNotFound when the conversation does not exist.
func (s *Store) SetTitle(ctx context.Context, id uuid.UUID, title string) error {
	var titlePtr *string
	if title != "" {
		titlePtr = &title
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1`,
		uuidToPg(id), titlePtr,
	)
	if err != nil {
		return fmt.Errorf("setting title for %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and all its turns (CASCADE).
// Returns ErrNotFound when nothing was deleted.
func (s *Store) DeleteConversation(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, uuidToPg(id))
	if err != nil {
		return fmt.Errorf("deleting conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted conversation", "id", id)
	return nil
}

// Append writes turns to a conversation in one transaction, assigning
// contiguous sequence numbers. The conversation row is locked first so
// concurrent appends cannot interleave sequence numbers.
//
// Returns ErrNotFound when the conversation does not exist.
func (s *Store) Append(ctx context.Context, conversationID uuid.UUID, turns ...*Turn) error {
	if len(turns) == 0 {
		return nil
	}
	for i, turn := range turns {
		if turn == nil {
			return fmt.Errorf("turn %d is nil", i)
		}
		for j, part := range turn.Content {
			if part == nil {
				return fmt.Errorf("turn %d has nil content part at index %d", i, j)
			}
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("transaction rollback", "error", err)
		}
	}()

	var locked pgtype.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM conversations WHERE id = $1 FOR UPDATE`, uuidToPg(conversationID),
	).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("locking conversation: %w", err)
	}

	var maxSeq int32
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM turns WHERE conversation_id = $1`, uuidToPg(conversationID),
	).Scan(&maxSeq); err != nil {
		return fmt.Errorf("reading max sequence: %w", err)
	}

	for i, turn := range turns {
		content, err := json.Marshal(turn.Content)
		if err != nil {
			return fmt.Errorf("marshaling turn %d content: %w", i, err)
		}

		seq := maxSeq + int32(i) + 1 // #nosec G115 -- i is a loop index bounded by the slice length
		if _, err := tx.Exec(ctx, `
			INSERT INTO turns (conversation_id, role, content, token_estimate, seq)
			VALUES ($1, $2, $3, $4, $5)`,
			uuidToPg(conversationID), string(turn.Role), content, turn.TokenEstimate, seq,
		); err != nil {
			return fmt.Errorf("inserting turn %d: %w", i, err)
		}
	}

	newCount := maxSeq + int32(len(turns)) // #nosec G115 -- batch sizes stay far below int32
	if _, err := tx.Exec(ctx, `
		UPDATE conversations SET turn_count = $2, updated_at = now() WHERE id = $1`,
		uuidToPg(conversationID), newCount,
	); err != nil {
		return fmt.Errorf("updating conversation metadata: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("appended turns", "conversation_id", conversationID, "count", len(turns))
	return nil
}

// History reads the turns the pipeline feeds to the context window builder:
// the newest maxHistoryTurns entries, returned in ascending sequence order.
func (s *Store) History(ctx context.Context, conversationID uuid.UUID) ([]*Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, token_estimate, seq, created_at
		FROM turns
		WHERE conversation_id = $1
		ORDER BY seq DESC
		LIMIT $2`,
		uuidToPg(conversationID), maxHistoryTurns,
	)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	defer rows.Close()

	turns, err := s.collectTurns(rows)
	if err != nil {
		return nil, err
	}

	// The query walked newest-first; callers want chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Turns reads a page of a conversation in ascending sequence order, with the
// total count for pagination.
func (s *Store) Turns(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*Turn, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM turns WHERE conversation_id = $1`, uuidToPg(conversationID),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting turns: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, token_estimate, seq, created_at
		FROM turns
		WHERE conversation_id = $1
		ORDER BY seq ASC
		LIMIT $2 OFFSET $3`,
		uuidToPg(conversationID), limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("reading turns: %w", err)
	}
	defer rows.Close()

	turns, err := s.collectTurns(rows)
	if err != nil {
		return nil, 0, err
	}
	return turns, total, nil
}

// collectTurns scans and closes a turn result set. Turns whose content no
// longer unmarshals are skipped with a warning rather than poisoning the
// whole read.
func (s *Store) collectTurns(rows pgx.Rows) ([]*Turn, error) {
	var turns []*Turn
	for rows.Next() {
		var (
			id        pgtype.UUID
			convID    pgtype.UUID
			role      string
			content   []byte
			estimate  int
			seq       int
			createdAt pgtype.Timestamptz
		)
		if err := rows.Scan(&id, &convID, &role, &content, &estimate, &seq, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}

		var parts []*ai.Part
		if err := json.Unmarshal(content, &parts); err != nil {
			s.logger.Warn("skipping turn with unreadable content",
				"turn_id", pgToUUID(id),
				"error", err,
			)
			continue
		}

		turns = append(turns, &Turn{
			ID:             pgToUUID(id),
			ConversationID: pgToUUID(convID),
			Role:           ai.Role(role),
			Content:        parts,
			TokenEstimate:  estimate,
			Seq:            seq,
			CreatedAt:      createdAt.Time,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading turns: %w", err)
	}
	return turns, nil
}

// scanConversation scans one conversation row from either QueryRow or Query.
func scanConversation(row pgx.Row) (*Conversation, error) {
	var (
		id        pgtype.UUID
		ownerKey  string
		title     *string
		turnCount int
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &ownerKey, &title, &turnCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	conv := &Conversation{
		ID:        pgToUUID(id),
		OwnerKey:  ownerKey,
		TurnCount: turnCount,
		CreatedAt: createdAt.Time,
		UpdatedAt: updatedAt.Time,
	}
	if title != nil {
		conv.Title = *title
	}
	return conv, nil
}

// uuidToPg converts uuid.UUID to pgtype.UUID.
func uuidToPg(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

// pgToUUID converts pgtype.UUID to uuid.UUID.
func pgToUUID(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return id.Bytes
}
