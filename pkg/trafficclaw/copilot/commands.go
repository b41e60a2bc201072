package copilot

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const helpText = `Comandos:
/confirmar [código] executa a ação pendente (sem código, a mais recente)
/cancelar [código] descarta a ação pendente
/escolher [código] <número> escolhe o cliente de uma lista
/pendentes lista as ações aguardando confirmação
/limpar apaga o histórico da conversa
/ajuda mostra esta mensagem`

// HandleIncoming answers one owner message: slash commands resolve
// confirmations, anything else is a conversation turn. The returned text is
// always safe to send back to the owner.
func (a *Assistant) HandleIncoming(ctx context.Context, actor, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	if !strings.HasPrefix(text, "/") {
		res, err := a.Chat(ctx, actor, text)
		if err != nil {
			return "", err
		}
		return res.AssistantText, nil
	}

	fields := strings.Fields(text)
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "/confirmar", "/sim":
		return a.resolveCommand(ctx, actor, args, DecisionConfirm)
	case "/cancelar", "/nao", "/não":
		return a.resolveCommand(ctx, actor, args, DecisionCancel)
	case "/escolher":
		return a.selectCommand(ctx, actor, args)
	case "/pendentes":
		return a.pendingCommand(ctx, actor)
	case "/limpar":
		if err := a.ClearHistory(ctx, actor); err != nil {
			return "", err
		}
		return "Histórico apagado.", nil
	case "/ajuda", "/help":
		return helpText, nil
	}
	return "Comando desconhecido.\n\n" + helpText, nil
}

func (a *Assistant) resolveCommand(ctx context.Context, actor string, args []string, decision Decision) (string, error) {
	id, err := a.targetID(ctx, actor, args)
	if err != nil {
		return ReplyForError(err), nil
	}
	res, err := a.ResolveConfirmation(ctx, actor, id, decision, nil)
	if err != nil {
		return replyOrError(err)
	}
	return res.AssistantText, nil
}

func (a *Assistant) selectCommand(ctx context.Context, actor string, args []string) (string, error) {
	var id, choice string
	switch len(args) {
	case 1:
		choice = args[0]
		rec, err := a.confirmations.LatestPending(ctx, actor)
		if err != nil {
			return replyOrError(err)
		}
		id = rec.ID
	case 2:
		id, choice = args[0], args[1]
	default:
		return "Use /escolher <código> <número>.", nil
	}
	res, err := a.SelectClient(ctx, actor, id, choice)
	if err != nil {
		return replyOrError(err)
	}
	return res.AssistantText, nil
}

func (a *Assistant) pendingCommand(ctx context.Context, actor string) (string, error) {
	recs, err := a.confirmations.ListPending(ctx, actor)
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "Nenhuma ação aguardando confirmação.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d ação(ões) aguardando confirmação:", len(recs))
	for _, rec := range recs {
		fmt.Fprintf(&b, "\n\n[%s] %s", rec.ShortID(), firstLine(rec.Summary))
	}
	return b.String(), nil
}

// targetID returns the id given in args or the latest pending record.
func (a *Assistant) targetID(ctx context.Context, actor string, args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	rec, err := a.confirmations.LatestPending(ctx, actor)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// replyOrError converts errors the owner can act on into a reply and
// passes storage failures up.
func replyOrError(err error) (string, error) {
	var ue *UserError
	if errors.Is(err, ErrStateConflict) || errors.Is(err, ErrConfirmationNotFound) || errors.As(err, &ue) {
		return ReplyForError(err), nil
	}
	if ClassifyError(err) == KindInvalidParameters {
		return ReplyForError(err), nil
	}
	return "", err
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
