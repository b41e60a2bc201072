package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/copilot"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/llm"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
)

const maxBodyBytes = 1 << 20

// errorResponse is the error format of every route.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Code    int    `json:"code"`
}

type turnRequest struct {
	Message string `json:"message"`

	// History makes the turn stateless: when present, stored history is
	// neither read nor written.
	History []historyTurn `json:"history"`
}

type historyTurn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

type decisionRequest struct {
	Edits map[string]any `json:"edits"`
}

type selectRequest struct {
	Choice string `json:"choice"`
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, kind, msg string) {
	g.writeJSON(w, status, errorResponse{Error: errorBody{Message: msg, Kind: kind, Code: status}})
}

// writeFailure maps assistant errors onto HTTP statuses. The message is the
// same text the owner would get on WhatsApp.
func (g *Gateway) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	kind := copilot.ClassifyError(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, copilot.ErrConfirmationNotFound):
		status, kind = http.StatusNotFound, copilot.KindNotFound
	case errors.Is(err, copilot.ErrStateConflict):
		status, kind = http.StatusConflict, copilot.KindConflict
	case kind == copilot.KindInvalidParameters, kind == copilot.KindToolNotFound:
		status = http.StatusBadRequest
	case kind == copilot.KindNotFound:
		status = http.StatusNotFound
	case kind == copilot.KindPermissionDenied:
		status = http.StatusForbidden
	case kind == copilot.KindConflict:
		status = http.StatusConflict
	case kind == copilot.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		g.logger.Error("request failed", "path", r.URL.Path, "err", err)
	}
	g.writeError(w, status, string(kind), copilot.ReplyForError(err))
}

// decodeJSON reads the body into v. An empty body is accepted when
// optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// actor returns the actor of the request: X-Actor-ID or the configured
// default.
func (g *Gateway) actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get("X-Actor-ID")); a != "" {
		return a
	}
	return g.config.DefaultActor
}

// handleHealth implements GET /health.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	body := map[string]any{
		"version": version,
		"uptime":  time.Since(g.startedAt).Round(time.Second).String(),
	}
	if g.database != nil {
		db := g.database.Health(r.Context())
		body["database"] = db
		if healthy, _ := db["healthy"].(bool); !healthy {
			status = "degraded"
		}
	}
	body["status"] = status

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	g.writeJSON(w, code, body)
}

// handleStatus implements GET /api/status.
func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	chans := make(map[string]any, len(g.channels))
	for _, ch := range g.channels {
		chans[ch.Name()] = ch.Health()
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"version":  version,
		"started":  g.startedAt,
		"channels": chans,
	})
}

// handleTurn implements POST /api/turn.
func (g *Gateway) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		g.writeError(w, http.StatusBadRequest, string(copilot.KindInvalidParameters), err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		g.writeError(w, http.StatusBadRequest, string(copilot.KindInvalidParameters), "message is required")
		return
	}

	actor := g.actor(r)
	var (
		res *copilot.TurnResult
		err error
	)
	if req.History != nil {
		history := make([]llm.Turn, 0, len(req.History))
		for _, h := range req.History {
			history = append(history, llm.Turn{User: h.User, Assistant: h.Assistant})
		}
		res, err = g.assistant.ProcessTurn(r.Context(), actor, req.Message, nil, history)
	} else {
		res, err = g.assistant.Chat(r.Context(), actor, req.Message)
	}
	if err != nil {
		g.writeFailure(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

// handleTools implements GET /api/tools.
func (g *Gateway) handleTools(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"tools": tools.Export()})
}

// handleListConfirmations implements GET /api/confirmations?status=.
func (g *Gateway) handleListConfirmations(w http.ResponseWriter, r *http.Request) {
	status := copilot.Status(r.URL.Query().Get("status"))
	switch status {
	case "", copilot.StatusPending, copilot.StatusConfirmed, copilot.StatusCancelled,
		copilot.StatusExecuting, copilot.StatusCompleted, copilot.StatusFailed:
	default:
		g.writeError(w, http.StatusBadRequest, string(copilot.KindInvalidParameters), "unknown status "+string(status))
		return
	}

	recs, err := g.assistant.Confirmations().List(r.Context(), g.actor(r), status)
	if err != nil {
		g.writeFailure(w, r, err)
		return
	}
	if recs == nil {
		recs = []copilot.Record{}
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"confirmations": recs})
}

// handleGetConfirmation implements GET /api/confirmations/{id}.
func (g *Gateway) handleGetConfirmation(w http.ResponseWriter, r *http.Request) {
	rec, err := g.assistant.Confirmations().Get(r.Context(), g.actor(r), r.PathValue("id"))
	if err != nil {
		g.writeFailure(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, rec)
}

// handleDecision implements POST /api/confirmations/{id}/confirm and /cancel.
func (g *Gateway) handleDecision(decision copilot.Decision) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if err := decodeJSON(w, r, &req, true); err != nil {
			g.writeError(w, http.StatusBadRequest, string(copilot.KindInvalidParameters), err.Error())
			return
		}
		res, err := g.assistant.ResolveConfirmation(r.Context(), g.actor(r), r.PathValue("id"), decision, req.Edits)
		if err != nil {
			g.writeFailure(w, r, err)
			return
		}
		g.writeJSON(w, http.StatusOK, res)
	}
}

// handleSelect implements POST /api/confirmations/{id}/select.
func (g *Gateway) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		g.writeError(w, http.StatusBadRequest, string(copilot.KindInvalidParameters), err.Error())
		return
	}
	res, err := g.assistant.SelectClient(r.Context(), g.actor(r), r.PathValue("id"), req.Choice)
	if err != nil {
		g.writeFailure(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, res)
}

// handleClearHistory implements DELETE /api/history.
func (g *Gateway) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := g.assistant.ClearHistory(r.Context(), g.actor(r)); err != nil {
		g.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
