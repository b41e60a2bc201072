package copilot

import (
	"context"
	"errors"
	"strings"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
)

// ErrorKind is the bounded set of failure categories a tool result can
// carry. Anything that matches no other kind is KindUnknown.
type ErrorKind string

const (
	KindToolNotFound      ErrorKind = "tool_not_found"
	KindInvalidParameters ErrorKind = "invalid_parameters"
	KindNotFound          ErrorKind = "not_found"
	KindPermissionDenied  ErrorKind = "permission_denied"
	KindConflict          ErrorKind = "conflict"
	KindTimeout           ErrorKind = "timeout"
	KindUnknown           ErrorKind = "unknown"
)

// userMessages are the only texts shown to the user for a failed action.
// Raw collaborator errors go to the log, never to the reply.
var userMessages = map[ErrorKind]string{
	KindToolNotFound:      "Não conheço essa ação.",
	KindInvalidParameters: "Faltou alguma informação ou algum dado veio num formato que não entendi.",
	KindNotFound:          "Não encontrei o registro solicitado.",
	KindPermissionDenied:  "Você não tem permissão para acessar esse registro.",
	KindConflict:          "Já existe um registro igual ou conflitante. Nada foi alterado.",
	KindTimeout:           "O serviço demorou demais para responder. Tente novamente em instantes.",
	KindUnknown:           "Não consegui concluir a ação por um erro inesperado.",
}

// UserMessage returns the fixed text for kind.
func UserMessage(kind ErrorKind) string {
	if msg, ok := userMessages[kind]; ok {
		return msg
	}
	return userMessages[KindUnknown]
}

// UserError is a failure whose message was written for the user and can be
// shown as is.
type UserError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *UserError) Error() string { return e.Message }

func (e *UserError) Unwrap() error { return e.Err }

// ErrAmbiguousClient is returned when a client name matches several records
// at execution time.
var ErrAmbiguousClient = errors.New("client name matches more than one record")

// ClassifyError maps err onto an ErrorKind. Typed errors are checked first;
// the substring table only catches collaborators that do not wrap the
// business sentinels.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var ue *UserError
	var ve *tools.ValidationError
	var ute *tools.UnknownToolError
	switch {
	case errors.As(err, &ue):
		return ue.Kind
	case errors.As(err, &ute):
		return KindToolNotFound
	case errors.As(err, &ve):
		return KindInvalidParameters
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, business.ErrNotFound):
		return KindNotFound
	case errors.Is(err, business.ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, business.ErrConflict), errors.Is(err, ErrAmbiguousClient):
		return KindConflict
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"), strings.Contains(msg, "no rows"):
		return KindNotFound
	case strings.Contains(msg, "permission"), strings.Contains(msg, "forbidden"), strings.Contains(msg, "unauthorized"):
		return KindPermissionDenied
	case strings.Contains(msg, "conflict"), strings.Contains(msg, "duplicate"), strings.Contains(msg, "unique constraint"):
		return KindConflict
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"), strings.Contains(msg, "timed out"):
		return KindTimeout
	}
	return KindUnknown
}

// describeError builds the user-facing error of a failed action.
func describeError(err error) *ToolError {
	kind := ClassifyError(err)
	msg := UserMessage(kind)

	var ue *UserError
	var ve *tools.ValidationError
	switch {
	case errors.As(err, &ue):
		msg = ue.Message
	case errors.As(err, &ve) && ve.Field != "":
		msg = "Parâmetro inválido (" + ve.Field + "): " + ve.Reason
	}
	return &ToolError{Kind: kind, Message: msg}
}
