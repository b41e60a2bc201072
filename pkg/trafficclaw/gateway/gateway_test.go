package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/copilot"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/database"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/llm"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
	"github.com/prometheus/client_golang/prometheus"
)

const testToken = "s3cret"

type scriptedModel struct {
	reply *llm.Reply
	err   error
}

func (m *scriptedModel) ProcessMessage(context.Context, string, string, []llm.Turn) (*llm.Reply, error) {
	return m.reply, m.err
}

type nopMessenger struct{}

func (nopMessenger) SendText(context.Context, string, string) error { return nil }

type testEnv struct {
	handler http.Handler
	model   *scriptedModel
	store   *database.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loc := time.FixedZone("BRT", -3*3600)

	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := database.NewStore(db, loc)

	reg := prometheus.NewRegistry()
	actions := copilot.NewActions(store, nopMessenger{}, copilot.ActionsConfig{Location: loc, Registerer: reg, Logger: logger})
	dispatcher, err := copilot.NewDispatcher(actions.Handlers(), time.Second, logger)
	if err != nil {
		t.Fatal(err)
	}
	confirmations := copilot.NewConfirmations(copilot.NewMemoryConfirmationStore(), actions, dispatcher, logger)
	model := &scriptedModel{}
	assistant := copilot.NewAssistant(model, store, dispatcher, confirmations, copilot.AssistantOptions{Location: loc, Logger: logger})

	gw := New(assistant, copilot.GatewayConfig{
		AuthToken:    testToken,
		DefaultActor: "owner",
		CORSOrigins:  []string{"https://painel.example.com"},
	}, Options{Database: db, Gatherer: reg, Logger: logger})

	return &testEnv{handler: gw.Handler(), model: model, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		path   string
		auth   string
		status int
	}{
		{"health is public", "/health", "", http.StatusOK},
		{"missing token", "/api/tools", "", http.StatusUnauthorized},
		{"wrong token", "/api/tools", "Bearer nope", http.StatusUnauthorized},
		{"basic scheme", "/api/tools", "Basic " + testToken, http.StatusUnauthorized},
		{"valid token", "/api/tools", "Bearer " + testToken, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Error("security headers missing")
			}
		})
	}
}

func TestHealthAndTools(t *testing.T) {
	env := newTestEnv(t)

	health := decode[map[string]any](t, env.do(t, http.MethodGet, "/health", ""))
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	rec := env.do(t, http.MethodGet, "/api/tools", "")
	body := decode[struct {
		Tools []tools.Schema `json:"tools"`
	}](t, rec)
	if len(body.Tools) != len(tools.All()) {
		t.Fatalf("tools = %d, want %d", len(body.Tools), len(tools.All()))
	}
	if body.Tools[0].ParameterSchema["type"] != "object" {
		t.Errorf("schema = %v", body.Tools[0].ParameterSchema)
	}

	if rec := env.do(t, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Errorf("/metrics status = %d", rec.Code)
	}
}

func TestTurnAndConfirm(t *testing.T) {
	env := newTestEnv(t)
	env.model.reply = &llm.Reply{
		Text:         "Certo.",
		ToolCalls:    []llm.ToolCall{{ID: "1", Name: string(tools.CreateTask), Arguments: map[string]any{"titulo": "Relatório"}}},
		ProviderUsed: "primary",
	}

	rec := env.do(t, http.MethodPost, "/api/turn", `{"message":"cria a tarefa relatório"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("turn status = %d: %s", rec.Code, rec.Body.String())
	}
	turn := decode[copilot.TurnResult](t, rec)
	if turn.PendingConfirmation == nil || turn.PendingConfirmation.Status != copilot.StatusPending {
		t.Fatalf("turn = %+v", turn)
	}
	id := turn.PendingConfirmation.ID

	list := decode[struct {
		Confirmations []copilot.Record `json:"confirmations"`
	}](t, env.do(t, http.MethodGet, "/api/confirmations?status=pending", ""))
	if len(list.Confirmations) != 1 || list.Confirmations[0].ID != id {
		t.Errorf("pending = %+v", list.Confirmations)
	}

	// Another actor cannot see or resolve it.
	if rec := env.do(t, http.MethodGet, "/api/confirmations/"+id, "", "X-Actor-ID", "intruso"); rec.Code != http.StatusForbidden {
		t.Errorf("other actor status = %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/confirmations/"+id+"/confirm", `{"edits":{"titulo":"Relatório mensal"}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm status = %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[copilot.Resolution](t, rec)
	if res.Record.Status != copilot.StatusCompleted || !strings.Contains(res.AssistantText, "Relatório mensal") {
		t.Errorf("resolution = %+v", res)
	}

	tasks, err := env.store.ListOpenTasks(context.Background(), "owner", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 || tasks[0].Title != "Relatório mensal" {
		t.Errorf("tasks = %+v", tasks)
	}

	rec = env.do(t, http.MethodPost, "/api/confirmations/"+id+"/cancel", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("cancel after confirm = %d", rec.Code)
	}
	errBody := decode[errorResponse](t, rec)
	if errBody.Error.Kind != string(copilot.KindConflict) || !strings.Contains(errBody.Error.Message, "concluída") {
		t.Errorf("error = %+v", errBody)
	}
}

func TestTurnStatelessAndErrors(t *testing.T) {
	env := newTestEnv(t)
	env.model.err = llm.ErrProviderExhausted

	rec := env.do(t, http.MethodPost, "/api/turn", `{"message":"oi","history":[{"user":"a","assistant":"b"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if turn := decode[copilot.TurnResult](t, rec); turn.ProviderUsed != "" || turn.AssistantText == "" {
		t.Errorf("turn = %+v", turn)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"empty message", http.MethodPost, "/api/turn", `{"message":"  "}`, http.StatusBadRequest},
		{"bad json", http.MethodPost, "/api/turn", `{`, http.StatusBadRequest},
		{"unknown status", http.MethodGet, "/api/confirmations?status=talvez", "", http.StatusBadRequest},
		{"unknown confirmation", http.MethodPost, "/api/confirmations/nao-existe/confirm", "", http.StatusNotFound},
		{"select unknown", http.MethodPost, "/api/confirmations/nao-existe/select", `{"choice":"1"}`, http.StatusNotFound},
		{"wrong method", http.MethodGet, "/api/turn", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, tt.method, tt.path, tt.body); rec.Code != tt.status {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestClientSelectOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, name := range []string{"Ana Souza", "Ana Lima"} {
		if err := env.store.CreateClient(ctx, "owner", &business.Client{Name: name, Phone: "5511999990001"}); err != nil {
			t.Fatal(err)
		}
	}
	env.model.reply = &llm.Reply{
		ToolCalls:    []llm.ToolCall{{Name: string(tools.CreateTask), Arguments: map[string]any{"titulo": "Briefing", "cliente": "Ana"}}},
		ProviderUsed: "primary",
	}

	turn := decode[copilot.TurnResult](t, env.do(t, http.MethodPost, "/api/turn", `{"message":"tarefa para a Ana"}`))
	if turn.PendingConfirmation == nil || turn.PendingConfirmation.Type != tools.ConfirmClientSelect {
		t.Fatalf("turn = %+v", turn)
	}

	rec := env.do(t, http.MethodPost, "/api/confirmations/"+turn.PendingConfirmation.ShortID()+"/select", `{"choice":"2"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("select status = %d: %s", rec.Code, rec.Body.String())
	}
	if res := decode[copilot.Resolution](t, rec); res.Record.Status != copilot.StatusCompleted {
		t.Errorf("resolution = %+v", res)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/turn", nil)
	req.Header.Set("Origin", "https://painel.example.com")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://painel.example.com" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/turn", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("foreign origin allowed: %q", got)
	}
}
