package copilot

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/llm"
)

// ConversationEntry is one exchange between the owner and the assistant.
type ConversationEntry struct {
	UserMessage       string    `json:"user_message"`
	AssistantResponse string    `json:"assistant_response"`
	Timestamp         time.Time `json:"timestamp"`
}

// HistoryStore keeps the conversation of each actor.
type HistoryStore interface {
	Append(ctx context.Context, actor string, e ConversationEntry) error
	Recent(ctx context.Context, actor string, n int) ([]ConversationEntry, error)
	Clear(ctx context.Context, actor string) error
}

// SQLiteHistory stores conversation entries in the conversation_entries
// table.
type SQLiteHistory struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteHistory creates a history store on db.
func NewSQLiteHistory(db *sql.DB, logger *slog.Logger) *SQLiteHistory {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteHistory{db: db, logger: logger.With("component", "history")}
}

// Append saves one exchange.
func (h *SQLiteHistory) Append(ctx context.Context, actor string, e ConversationEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO conversation_entries (actor_id, user_message, assistant_response, created_at)
		VALUES (?, ?, ?, ?)`,
		actor, e.UserMessage, e.AssistantResponse, e.Timestamp.UTC().Format(time.RFC3339))
	if err != nil {
		h.logger.Error("failed to save conversation entry", "actor", actor, "err", err)
		return fmt.Errorf("save conversation entry: %w", err)
	}
	return nil
}

// Recent returns the last n exchanges of actor, oldest first. n <= 0
// returns everything.
func (h *SQLiteHistory) Recent(ctx context.Context, actor string, n int) ([]ConversationEntry, error) {
	limit := n
	if limit <= 0 {
		limit = -1
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT user_message, assistant_response, created_at FROM (
			SELECT id, user_message, assistant_response, created_at
			FROM conversation_entries
			WHERE actor_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`, actor, limit)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	defer rows.Close()

	var out []ConversationEntry
	for rows.Next() {
		var (
			e       ConversationEntry
			created string
		)
		if err := rows.Scan(&e.UserMessage, &e.AssistantResponse, &created); err != nil {
			return nil, fmt.Errorf("scan conversation entry: %w", err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Clear deletes the conversation of actor.
func (h *SQLiteHistory) Clear(ctx context.Context, actor string) error {
	if _, err := h.db.ExecContext(ctx, `DELETE FROM conversation_entries WHERE actor_id = ?`, actor); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}
	return nil
}

// toTurns converts stored entries into model turns.
func toTurns(entries []ConversationEntry) []llm.Turn {
	turns := make([]llm.Turn, 0, len(entries))
	for _, e := range entries {
		turns = append(turns, llm.Turn{User: e.UserMessage, Assistant: e.AssistantResponse})
	}
	return turns
}
