package copilot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/llm"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	testLoc = time.FixedZone("BRT", -3*3600)
	testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, testLoc)
)

const testActor = "owner-1"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory business.Store. Every write bumps writes.
type fakeStore struct {
	mu       sync.Mutex
	clients  map[string][]business.Client
	meetings []business.Meeting
	tasks    []business.Task
	invoices []business.Invoice
	charges  []business.Charge
	overdue  []business.OverdueAccount
	messages []business.MessageLog
	writes   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{clients: map[string][]business.Client{}}
}

func (s *fakeStore) addClient(owner string, c business.Client) business.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.clients[owner] = append(s.clients[owner], c)
	return c
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *fakeStore) ListClients(_ context.Context, owner, query string) ([]business.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []business.Client
	for _, c := range s.clients[owner] {
		if query == "" || strings.Contains(strings.ToLower(c.Name), strings.ToLower(query)) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) GetClient(_ context.Context, owner, id string) (*business.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for o, list := range s.clients {
		for _, c := range list {
			if c.ID != id {
				continue
			}
			if o != owner {
				return nil, fmt.Errorf("get client %s: %w", id, business.ErrPermissionDenied)
			}
			return &c, nil
		}
	}
	return nil, fmt.Errorf("get client %s: %w", id, business.ErrNotFound)
}

func (s *fakeStore) FindClientsByName(ctx context.Context, owner, name string) ([]business.Client, error) {
	return s.ListClients(ctx, owner, name)
}

func (s *fakeStore) CreateClient(_ context.Context, owner string, c *business.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.clients[owner] = append(s.clients[owner], *c)
	s.writes++
	return nil
}

func (s *fakeStore) ListMeetings(_ context.Context, _ string, from, to time.Time) ([]business.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []business.Meeting
	for _, m := range s.meetings {
		if !m.StartsAt.Before(from) && m.StartsAt.Before(to) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateMeeting(_ context.Context, _ string, m *business.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	s.meetings = append(s.meetings, *m)
	s.writes++
	return nil
}

func (s *fakeStore) CreateTask(_ context.Context, _ string, t *business.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	s.tasks = append(s.tasks, *t)
	s.writes++
	return nil
}

func (s *fakeStore) ListOpenTasks(_ context.Context, _ string, _ int) ([]business.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]business.Task(nil), s.tasks...), nil
}

func (s *fakeStore) CreateInvoice(_ context.Context, _ string, inv *business.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices = append(s.invoices, *inv)
	s.writes++
	return nil
}

func (s *fakeStore) CreateCharge(_ context.Context, _ string, ch *business.Charge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charges = append(s.charges, *ch)
	s.writes++
	return nil
}

func (s *fakeStore) OverdueAccounts(_ context.Context, _ string, minDays int, _ time.Time) ([]business.OverdueAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []business.OverdueAccount
	for _, acc := range s.overdue {
		if acc.DaysOverdue >= minDays {
			out = append(out, acc)
		}
	}
	return out, nil
}

func (s *fakeStore) LogMessage(_ context.Context, _ string, m *business.MessageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, *m)
	return nil
}

func (s *fakeStore) Snapshot(ctx context.Context, owner string) (*business.Snapshot, error) {
	clients, _ := s.ListClients(ctx, owner, "")
	return &business.Snapshot{Clients: clients, GeneratedAt: testNow}, nil
}

// fakeMessenger records sends and fails for the phones in fail.
type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[string]error
}

type sentMessage struct {
	Phone string
	Text  string
}

func (m *fakeMessenger) SendText(_ context.Context, phone, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[phone]; err != nil {
		return err
	}
	m.sent = append(m.sent, sentMessage{Phone: phone, Text: text})
	return nil
}

func (m *fakeMessenger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// fakeCompleter returns a canned reply and records the prompts it saw.
type fakeCompleter struct {
	reply   *llm.Reply
	err     error
	prompts []string
	history [][]llm.Turn
}

func (f *fakeCompleter) ProcessMessage(_ context.Context, _ string, systemPrompt string, history []llm.Turn) (*llm.Reply, error) {
	f.prompts = append(f.prompts, systemPrompt)
	f.history = append(f.history, history)
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

// memoryHistory is an in-memory HistoryStore.
type memoryHistory struct {
	entries map[string][]ConversationEntry
}

func (h *memoryHistory) Append(_ context.Context, actor string, e ConversationEntry) error {
	if h.entries == nil {
		h.entries = map[string][]ConversationEntry{}
	}
	h.entries[actor] = append(h.entries[actor], e)
	return nil
}

func (h *memoryHistory) Recent(_ context.Context, actor string, n int) ([]ConversationEntry, error) {
	all := h.entries[actor]
	if n > 0 && len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func (h *memoryHistory) Clear(_ context.Context, actor string) error {
	delete(h.entries, actor)
	return nil
}

// harness wires the real Actions, Dispatcher and Confirmations over fakes.
type harness struct {
	store         *fakeStore
	messenger     *fakeMessenger
	actions       *Actions
	dispatcher    *Dispatcher
	confirmations *Confirmations
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newFakeStore()
	messenger := &fakeMessenger{}
	actions := NewActions(store, messenger, ActionsConfig{
		Location:   testLoc,
		Registerer: prometheus.NewRegistry(),
		Logger:     discardLogger(),
	})
	actions.now = func() time.Time { return testNow }

	dispatcher, err := NewDispatcher(actions.Handlers(), time.Second, discardLogger())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	confirmations := NewConfirmations(NewMemoryConfirmationStore(), actions, dispatcher, discardLogger())
	confirmations.now = func() time.Time { return testNow }

	return &harness{
		store:         store,
		messenger:     messenger,
		actions:       actions,
		dispatcher:    dispatcher,
		confirmations: confirmations,
	}
}
