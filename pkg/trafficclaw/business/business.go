// Package business defines the records an agency owner works with and the
// collaborator contracts (storage, messaging) the assistant depends on.
package business

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Collaborator errors. Storage and messaging implementations wrap these so
// callers can classify failures with errors.Is.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrPermissionDenied = errors.New("permission denied")
)

// Statuses shared by invoices and charges.
const (
	StatusPending   = "pending"
	StatusPaid      = "paid"
	StatusCancelled = "cancelled"
)

// Meeting statuses.
const (
	MeetingScheduled = "scheduled"
	MeetingDone      = "done"
	MeetingCancelled = "cancelled"
)

// Client is a customer of the agency.
type Client struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Phone      string          `json:"phone,omitempty"`
	Email      string          `json:"email,omitempty"`
	Company    string          `json:"company,omitempty"`
	MonthlyFee decimal.Decimal `json:"monthly_fee"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Meeting is a scheduled call or visit with a client.
type Meeting struct {
	ID         string        `json:"id"`
	ClientID   string        `json:"client_id"`
	ClientName string        `json:"client_name,omitempty"`
	Phone      string        `json:"phone,omitempty"`
	Title      string        `json:"title"`
	StartsAt   time.Time     `json:"starts_at"`
	Duration   time.Duration `json:"duration"`
	Notes      string        `json:"notes,omitempty"`
	Status     string        `json:"status"`
}

// Task is a to-do item, optionally tied to a client.
type Task struct {
	ID        string     `json:"id"`
	ClientID  string     `json:"client_id,omitempty"`
	Title     string     `json:"title"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	Done      bool       `json:"done"`
	CreatedAt time.Time  `json:"created_at"`
}

// Invoice is a bill issued to a client.
type Invoice struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	DueDate     time.Time       `json:"due_date"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Charge is an amount a client owes with a due date.
type Charge struct {
	ID          string          `json:"id"`
	ClientID    string          `json:"client_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	DueDate     time.Time       `json:"due_date"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// OverdueAccount aggregates the pending charges of one client that are past
// due.
type OverdueAccount struct {
	Client      Client          `json:"client"`
	Total       decimal.Decimal `json:"total"`
	OldestDue   time.Time       `json:"oldest_due"`
	DaysOverdue int             `json:"days_overdue"`
	Charges     int             `json:"charges"`
}

// MessageLog records an outbound message, successful or not.
type MessageLog struct {
	ID       string    `json:"id"`
	ClientID string    `json:"client_id,omitempty"`
	Phone    string    `json:"phone"`
	Body     string    `json:"body"`
	Kind     string    `json:"kind"`
	SentAt   time.Time `json:"sent_at"`
	Error    string    `json:"error,omitempty"`
}

// Snapshot is the read-only business context used to build the system
// prompt for a turn.
type Snapshot struct {
	Clients          []Client         `json:"clients"`
	UpcomingMeetings []Meeting        `json:"upcoming_meetings"`
	OpenTasks        []Task           `json:"open_tasks"`
	Overdue          []OverdueAccount `json:"overdue"`
	GeneratedAt      time.Time        `json:"generated_at"`
}

// Store is the persistence collaborator. Every method is scoped to an
// owner (the actor the assistant works for).
type Store interface {
	ListClients(ctx context.Context, owner, query string) ([]Client, error)
	GetClient(ctx context.Context, owner, id string) (*Client, error)
	FindClientsByName(ctx context.Context, owner, name string) ([]Client, error)
	CreateClient(ctx context.Context, owner string, c *Client) error

	ListMeetings(ctx context.Context, owner string, from, to time.Time) ([]Meeting, error)
	CreateMeeting(ctx context.Context, owner string, m *Meeting) error

	CreateTask(ctx context.Context, owner string, t *Task) error
	ListOpenTasks(ctx context.Context, owner string, limit int) ([]Task, error)

	CreateInvoice(ctx context.Context, owner string, inv *Invoice) error
	CreateCharge(ctx context.Context, owner string, ch *Charge) error
	OverdueAccounts(ctx context.Context, owner string, minDays int, now time.Time) ([]OverdueAccount, error)

	LogMessage(ctx context.Context, owner string, m *MessageLog) error
}

// ContextProvider supplies the business snapshot for an owner.
type ContextProvider interface {
	Snapshot(ctx context.Context, owner string) (*Snapshot, error)
}

// Messenger delivers a text message to a phone number.
type Messenger interface {
	SendText(ctx context.Context, phone, text string) error
}
