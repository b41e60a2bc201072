package copilot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
)

// MemoryConfirmationStore keeps confirmations in process memory.
type MemoryConfirmationStore struct {
	mu      sync.Mutex
	records map[string]Record
	order   []string
}

// NewMemoryConfirmationStore creates an empty in-memory store.
func NewMemoryConfirmationStore() *MemoryConfirmationStore {
	return &MemoryConfirmationStore{records: make(map[string]Record)}
}

func (s *MemoryConfirmationStore) Create(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("confirmation %s already exists", rec.ID)
	}
	s.records[rec.ID] = *rec
	s.order = append(s.order, rec.ID)
	return nil
}

func (s *MemoryConfirmationStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrConfirmationNotFound
	}
	return &rec, nil
}

func (s *MemoryConfirmationStore) List(_ context.Context, actor string, status Status) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, id := range s.order {
		rec := s.records[id]
		if actor != "" && rec.ActorID != actor {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *MemoryConfirmationStore) Transition(_ context.Context, id string, from, to Status, change Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return ErrConfirmationNotFound
	}
	if rec.Status != from || !CanTransition(from, to) {
		return &StateError{ID: id, Current: rec.Status, Target: to}
	}
	rec.Status = to
	applyChange(&rec, change)
	s.records[id] = rec
	return nil
}

func applyChange(rec *Record, c Change) {
	if c.Call != nil {
		rec.ToolToExecute = *c.Call
	}
	if c.Result != nil {
		r := *c.Result
		rec.Result = &r
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		rec.ResolvedAt = &t
	}
}

// tsLayout is fixed-width so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteConfirmationStore keeps confirmations in the confirmations table.
// Transitions are a single UPDATE guarded by the expected status.
type SQLiteConfirmationStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteConfirmationStore creates a store on db. The table is created by
// the database migrations.
func NewSQLiteConfirmationStore(db *sql.DB, logger *slog.Logger) *SQLiteConfirmationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteConfirmationStore{db: db, logger: logger.With("component", "confirmation_store")}
}

func (s *SQLiteConfirmationStore) Create(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	params, err := json.Marshal(rec.ToolToExecute.Parameters)
	if err != nil {
		return fmt.Errorf("encode tool parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO confirmations (id, actor_id, type, status, summary, payload, tool_name, tool_params, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ActorID, string(rec.Type), string(rec.Status), rec.Summary,
		string(payload), rec.ToolToExecute.Name, string(params),
		rec.CreatedAt.UTC().Format(tsLayout))
	if err != nil {
		return fmt.Errorf("insert confirmation: %w", err)
	}
	return nil
}

const confirmationColumns = `id, actor_id, type, status, summary, payload, tool_name, tool_params, result, created_at, resolved_at`

func (s *SQLiteConfirmationStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+confirmationColumns+` FROM confirmations WHERE id = ?`, id)
	rec, err := scanConfirmation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConfirmationNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteConfirmationStore) List(ctx context.Context, actor string, status Status) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+confirmationColumns+` FROM confirmations
		WHERE (? = '' OR actor_id = ?) AND (? = '' OR status = ?)
		ORDER BY created_at, rowid`,
		actor, actor, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("list confirmations: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanConfirmation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteConfirmationStore) Transition(ctx context.Context, id string, from, to Status, change Change) error {
	if !CanTransition(from, to) {
		return &StateError{ID: id, Current: from, Target: to}
	}

	sets := "status = ?"
	args := []any{string(to)}
	if change.Call != nil {
		params, err := json.Marshal(change.Call.Parameters)
		if err != nil {
			return fmt.Errorf("encode tool parameters: %w", err)
		}
		sets += ", tool_params = ?"
		args = append(args, string(params))
	}
	if change.Result != nil {
		result, err := json.Marshal(change.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		sets += ", result = ?"
		args = append(args, string(result))
	}
	if change.ResolvedAt != nil {
		sets += ", resolved_at = ?"
		args = append(args, change.ResolvedAt.UTC().Format(tsLayout))
	}
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx, `UPDATE confirmations SET `+sets+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return fmt.Errorf("update confirmation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update confirmation %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM confirmations WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrConfirmationNotFound
	}
	if err != nil {
		return fmt.Errorf("read confirmation %s: %w", id, err)
	}
	return &StateError{ID: id, Current: Status(current), Target: to}
}

func scanConfirmation(row interface{ Scan(...any) error }) (*Record, error) {
	var (
		rec                     Record
		typ, status             string
		payload, params, result string
		created                 string
		resolved                sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.ActorID, &typ, &status, &rec.Summary, &payload,
		&rec.ToolToExecute.Name, &params, &result, &created, &resolved)
	if err != nil {
		return nil, err
	}
	rec.Type = tools.ConfirmationType(typ)
	rec.Status = Status(status)
	rec.CreatedAt, _ = time.Parse(tsLayout, created)
	if resolved.Valid && resolved.String != "" {
		t, _ := time.Parse(tsLayout, resolved.String)
		rec.ResolvedAt = &t
	}
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(params), &rec.ToolToExecute.Parameters); err != nil {
		return nil, fmt.Errorf("decode tool parameters of %s: %w", rec.ID, err)
	}
	if result != "" {
		var r ToolResult
		if err := json.Unmarshal([]byte(result), &r); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", rec.ID, err)
		}
		rec.Result = &r
	}
	return &rec, nil
}
