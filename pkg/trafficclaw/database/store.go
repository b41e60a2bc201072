package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// Store implements business.Store and business.ContextProvider on SQLite.
type Store struct {
	db  *sql.DB
	loc *time.Location
	now func() time.Time
}

var (
	_ business.Store           = (*Store)(nil)
	_ business.ContextProvider = (*Store)(nil)
)

// NewStore creates a store. Dates without a time of day are interpreted in
// loc.
func NewStore(db *DB, loc *time.Location) *Store {
	if loc == nil {
		loc = time.Local
	}
	return &Store{db: db.SQL, loc: loc, now: time.Now}
}

// wrapErr maps driver errors onto the business sentinels.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, business.ErrNotFound)
	case IsConstraintError(err):
		return fmt.Errorf("%s: %w: %w", op, business.ErrConflict, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func formatTS(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseTS(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func (s *Store) parseDate(v string) time.Time {
	t, _ := time.ParseInLocation(dateLayout, v, s.loc)
	return t
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.New().String()
	}
}

// ---------- Clients ----------

const clientColumns = "id, name, phone, email, company, monthly_fee, created_at"

func scanClient(row interface{ Scan(...any) error }) (business.Client, error) {
	var (
		c       business.Client
		fee     string
		created string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.Company, &fee, &created); err != nil {
		return c, err
	}
	c.MonthlyFee, _ = decimal.NewFromString(fee)
	c.CreatedAt = parseTS(created)
	return c, nil
}

func (s *Store) queryClients(ctx context.Context, op, query string, args ...any) ([]business.Client, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	var out []business.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, wrapErr(op, err)
		}
		out = append(out, c)
	}
	return out, wrapErr(op, rows.Err())
}

// ListClients returns the owner's clients whose name, company or phone
// contains query (all clients when query is empty).
func (s *Store) ListClients(ctx context.Context, owner, query string) ([]business.Client, error) {
	like := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	return s.queryClients(ctx, "list clients", `
		SELECT `+clientColumns+` FROM clients
		WHERE owner_id = ?
		  AND (LOWER(name) LIKE ? OR LOWER(company) LIKE ? OR phone LIKE ?)
		ORDER BY name`, owner, like, like, like)
}

// FindClientsByName returns clients whose name contains name. An exact
// (case-insensitive) match wins over partial matches.
func (s *Store) FindClientsByName(ctx context.Context, owner, name string) ([]business.Client, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	all, err := s.queryClients(ctx, "find clients", `
		SELECT `+clientColumns+` FROM clients
		WHERE owner_id = ? AND LOWER(name) LIKE ?
		ORDER BY name`, owner, "%"+strings.ToLower(name)+"%")
	if err != nil {
		return nil, err
	}
	for _, c := range all {
		if strings.EqualFold(c.Name, name) {
			return []business.Client{c}, nil
		}
	}
	return all, nil
}

// GetClient loads a client by id. Clients of another owner yield
// ErrPermissionDenied.
func (s *Store) GetClient(ctx context.Context, owner, id string) (*business.Client, error) {
	var clientOwner string
	row := s.db.QueryRowContext(ctx, `SELECT owner_id, `+clientColumns+` FROM clients WHERE id = ?`, id)

	var (
		c       business.Client
		fee     string
		created string
	)
	err := row.Scan(&clientOwner, &c.ID, &c.Name, &c.Phone, &c.Email, &c.Company, &fee, &created)
	if err != nil {
		return nil, wrapErr("get client", err)
	}
	if clientOwner != owner {
		return nil, fmt.Errorf("get client %s: %w", id, business.ErrPermissionDenied)
	}
	c.MonthlyFee, _ = decimal.NewFromString(fee)
	c.CreatedAt = parseTS(created)
	return &c, nil
}

// CreateClient inserts a client.
func (s *Store) CreateClient(ctx context.Context, owner string, c *business.Client) error {
	ensureID(&c.ID)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, owner_id, name, phone, email, company, monthly_fee, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, owner, c.Name, c.Phone, c.Email, c.Company, c.MonthlyFee.String(), formatTS(c.CreatedAt))
	return wrapErr("create client", err)
}

// ---------- Meetings ----------

// ListMeetings returns scheduled meetings starting in [from, to).
func (s *Store) ListMeetings(ctx context.Context, owner string, from, to time.Time) ([]business.Meeting, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.client_id, c.name, c.phone, m.title, m.starts_at, m.duration_min, m.notes, m.status
		FROM meetings m JOIN clients c ON c.id = m.client_id
		WHERE m.owner_id = ? AND m.status = ? AND m.starts_at >= ? AND m.starts_at < ?
		ORDER BY m.starts_at`,
		owner, business.MeetingScheduled, formatTS(from), formatTS(to))
	if err != nil {
		return nil, wrapErr("list meetings", err)
	}
	defer rows.Close()

	var out []business.Meeting
	for rows.Next() {
		var (
			m      business.Meeting
			starts string
			dur    int
		)
		if err := rows.Scan(&m.ID, &m.ClientID, &m.ClientName, &m.Phone, &m.Title, &starts, &dur, &m.Notes, &m.Status); err != nil {
			return nil, wrapErr("list meetings", err)
		}
		m.StartsAt = parseTS(starts).In(s.loc)
		m.Duration = time.Duration(dur) * time.Minute
		out = append(out, m)
	}
	return out, wrapErr("list meetings", rows.Err())
}

// CreateMeeting inserts a meeting. A second meeting for the same client at
// the same instant is a conflict.
func (s *Store) CreateMeeting(ctx context.Context, owner string, m *business.Meeting) error {
	ensureID(&m.ID)
	if m.Status == "" {
		m.Status = business.MeetingScheduled
	}
	if m.Duration <= 0 {
		m.Duration = time.Hour
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meetings (id, owner_id, client_id, title, starts_at, duration_min, notes, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, owner, m.ClientID, m.Title, formatTS(m.StartsAt), int(m.Duration/time.Minute), m.Notes, m.Status)
	return wrapErr("create meeting", err)
}

// ---------- Tasks ----------

// CreateTask inserts a task.
func (s *Store) CreateTask(ctx context.Context, owner string, t *business.Task) error {
	ensureID(&t.ID)
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	var clientID, due any
	if t.ClientID != "" {
		clientID = t.ClientID
	}
	if t.DueDate != nil {
		due = t.DueDate.In(s.loc).Format(dateLayout)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, owner_id, client_id, title, due_date, done, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, owner, clientID, t.Title, due, t.Done, formatTS(t.CreatedAt))
	return wrapErr("create task", err)
}

// ListOpenTasks returns pending tasks, earliest due date first.
func (s *Store) ListOpenTasks(ctx context.Context, owner string, limit int) ([]business.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(client_id, ''), title, due_date, created_at
		FROM tasks
		WHERE owner_id = ? AND done = 0
		ORDER BY due_date IS NULL, due_date, created_at
		LIMIT ?`, owner, limit)
	if err != nil {
		return nil, wrapErr("list tasks", err)
	}
	defer rows.Close()

	var out []business.Task
	for rows.Next() {
		var (
			t       business.Task
			due     sql.NullString
			created string
		)
		if err := rows.Scan(&t.ID, &t.ClientID, &t.Title, &due, &created); err != nil {
			return nil, wrapErr("list tasks", err)
		}
		if due.Valid {
			d := s.parseDate(due.String)
			t.DueDate = &d
		}
		t.CreatedAt = parseTS(created)
		out = append(out, t)
	}
	return out, wrapErr("list tasks", rows.Err())
}

// ---------- Invoices and charges ----------

// CreateInvoice inserts an invoice.
func (s *Store) CreateInvoice(ctx context.Context, owner string, inv *business.Invoice) error {
	ensureID(&inv.ID)
	if inv.Status == "" {
		inv.Status = business.StatusPending
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invoices (id, owner_id, client_id, amount, description, due_date, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, owner, inv.ClientID, inv.Amount.StringFixed(2), inv.Description,
		inv.DueDate.In(s.loc).Format(dateLayout), inv.Status, formatTS(inv.CreatedAt))
	return wrapErr("create invoice", err)
}

// CreateCharge inserts a charge.
func (s *Store) CreateCharge(ctx context.Context, owner string, ch *business.Charge) error {
	ensureID(&ch.ID)
	if ch.Status == "" {
		ch.Status = business.StatusPending
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO charges (id, owner_id, client_id, amount, description, due_date, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, owner, ch.ClientID, ch.Amount.StringFixed(2), ch.Description,
		ch.DueDate.In(s.loc).Format(dateLayout), ch.Status, formatTS(ch.CreatedAt))
	return wrapErr("create charge", err)
}

// OverdueAccounts aggregates pending charges due at least minDays days
// before now, one entry per client, oldest debt first.
func (s *Store) OverdueAccounts(ctx context.Context, owner string, minDays int, now time.Time) ([]business.OverdueAccount, error) {
	if minDays < 0 {
		minDays = 0
	}
	now = now.In(s.loc)
	cutoff := now.AddDate(0, 0, -minDays).Format(dateLayout)

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.phone, c.email, c.company, c.monthly_fee, c.created_at,
		       ch.amount, ch.due_date
		FROM charges ch JOIN clients c ON c.id = ch.client_id
		WHERE ch.owner_id = ? AND ch.status = ? AND ch.due_date <= ?
		ORDER BY ch.due_date, c.name`,
		owner, business.StatusPending, cutoff)
	if err != nil {
		return nil, wrapErr("overdue accounts", err)
	}
	defer rows.Close()

	byClient := map[string]*business.OverdueAccount{}
	var order []string
	for rows.Next() {
		var (
			c       business.Client
			fee     string
			created string
			amount  string
			due     string
		)
		if err := rows.Scan(&c.ID, &c.Name, &c.Phone, &c.Email, &c.Company, &fee, &created, &amount, &due); err != nil {
			return nil, wrapErr("overdue accounts", err)
		}
		amt, err := decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("overdue accounts: charge amount %q: %w", amount, err)
		}

		acc, ok := byClient[c.ID]
		if !ok {
			c.MonthlyFee, _ = decimal.NewFromString(fee)
			c.CreatedAt = parseTS(created)
			dueDate := s.parseDate(due)
			acc = &business.OverdueAccount{
				Client:      c,
				OldestDue:   dueDate,
				DaysOverdue: business.DaysBetween(dueDate, now),
			}
			byClient[c.ID] = acc
			order = append(order, c.ID)
		}
		acc.Total = acc.Total.Add(amt)
		acc.Charges++
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("overdue accounts", err)
	}

	out := make([]business.OverdueAccount, 0, len(order))
	for _, id := range order {
		out = append(out, *byClient[id])
	}
	return out, nil
}

// ---------- Messages ----------

// LogMessage records an outbound message.
func (s *Store) LogMessage(ctx context.Context, owner string, m *business.MessageLog) error {
	ensureID(&m.ID)
	if m.SentAt.IsZero() {
		m.SentAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO message_log (id, owner_id, client_id, phone, body, kind, sent_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, owner, m.ClientID, m.Phone, m.Body, m.Kind, formatTS(m.SentAt), m.Error)
	return wrapErr("log message", err)
}

// ---------- Snapshot ----------

// Snapshot implements business.ContextProvider.
func (s *Store) Snapshot(ctx context.Context, owner string) (*business.Snapshot, error) {
	now := s.now().In(s.loc)

	clients, err := s.ListClients(ctx, owner, "")
	if err != nil {
		return nil, err
	}
	meetings, err := s.ListMeetings(ctx, owner, now, now.AddDate(0, 0, 7))
	if err != nil {
		return nil, err
	}
	tasks, err := s.ListOpenTasks(ctx, owner, 20)
	if err != nil {
		return nil, err
	}
	overdue, err := s.OverdueAccounts(ctx, owner, 1, now)
	if err != nil {
		return nil, err
	}

	return &business.Snapshot{
		Clients:          clients,
		UpcomingMeetings: meetings,
		OpenTasks:        tasks,
		Overdue:          overdue,
		GeneratedAt:      now,
	}, nil
}
