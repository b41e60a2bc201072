package copilot

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"strings"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
	"github.com/shopspring/decimal"
)

// Preview is what the owner sees before a gated action runs, together with
// the exact parameters that will be executed if they confirm.
type Preview struct {
	Type       tools.ConfirmationType
	Summary    string
	Payload    map[string]any
	Parameters map[string]any
}

// Preview builds the confirmation preview of a gated call. Nothing is
// written to storage and no message is sent. A client name that matches
// several records yields a client_select preview instead of the typed one.
func (a *Actions) Preview(ctx context.Context, actor string, call tools.Call) (*Preview, error) {
	def, ok := tools.Lookup(call.Name)
	if !ok {
		return nil, &tools.UnknownToolError{Name: call.Name}
	}
	params := maps.Clone(call.Parameters)
	if params == nil {
		params = map[string]any{}
	}

	switch def.ConfirmationType {
	case tools.ConfirmMeeting:
		req, err := tools.Bind[tools.ScheduleMeetingRequest](def.Name, params)
		if err != nil {
			return nil, err
		}
		return a.previewMeeting(ctx, actor, def, req, params)
	case tools.ConfirmMessage:
		req, err := tools.Bind[tools.SendWhatsAppRequest](def.Name, params)
		if err != nil {
			return nil, err
		}
		return a.previewMessage(ctx, actor, def, req, params)
	case tools.ConfirmInvoice:
		req, err := tools.Bind[tools.CreateInvoiceRequest](def.Name, params)
		if err != nil {
			return nil, err
		}
		return a.previewBilling(ctx, actor, def, req.ClientRef, req.Valor, req.Descricao, req.Vencimento, 7, params)
	case tools.ConfirmCharge:
		req, err := tools.Bind[tools.CreateChargeRequest](def.Name, params)
		if err != nil {
			return nil, err
		}
		return a.previewBilling(ctx, actor, def, req.ClientRef, req.Valor, req.Descricao, req.Vencimento, 0, params)
	case tools.ConfirmTask:
		req, err := tools.Bind[tools.CreateTaskRequest](def.Name, params)
		if err != nil {
			return nil, err
		}
		return a.previewTask(ctx, actor, def, req, params)
	case tools.ConfirmBatchCharge:
		req, err := tools.Bind[tools.BatchChargeRequest](def.Name, params)
		if err != nil {
			return nil, err
		}
		return a.PrepareBatchCharge(ctx, actor, req)
	case tools.ConfirmBatchReminder:
		req, err := tools.Bind[tools.BatchMeetingReminderRequest](def.Name, params)
		if err != nil {
			return nil, err
		}
		return a.PrepareMeetingReminders(ctx, actor, req)
	default:
		return nil, fmt.Errorf("tool %s has no confirmation preview", def.Name)
	}
}

// clientFor resolves ref for a preview. When the name is ambiguous the
// returned preview asks the owner to pick a client and c is nil.
func (a *Actions) clientFor(ctx context.Context, actor string, def tools.Definition, ref tools.ClientRef, params map[string]any) (c *business.Client, sel *Preview, err error) {
	c, candidates, err := a.resolveClient(ctx, actor, ref)
	if err != nil {
		return nil, nil, err
	}
	if len(candidates) > 0 {
		return nil, clientSelectPreview(def, ref.Cliente, candidates, params), nil
	}
	params["cliente_id"] = c.ID
	return c, nil, nil
}

func clientSelectPreview(def tools.Definition, query string, candidates []business.Client, params map[string]any) *Preview {
	list := make([]any, 0, len(candidates))
	var b strings.Builder
	fmt.Fprintf(&b, "Encontrei %d clientes para \"%s\". Qual deles?", len(candidates), query)
	for i, c := range candidates {
		item := map[string]any{
			"indice": i + 1,
			"id":     c.ID,
			"nome":   c.Name,
		}
		line := fmt.Sprintf("\n%d. %s", i+1, c.Name)
		if c.Company != "" {
			item["empresa"] = c.Company
			line += " (" + c.Company + ")"
		}
		if c.Phone != "" {
			item["telefone"] = c.Phone
		}
		list = append(list, item)
		b.WriteString(line)
	}
	return &Preview{
		Type:    tools.ConfirmClientSelect,
		Summary: b.String(),
		Payload: map[string]any{
			"acao":       string(def.Name),
			"tipo":       string(def.ConfirmationType),
			"busca":      query,
			"candidatos": list,
		},
		Parameters: params,
	}
}

func (a *Actions) previewMeeting(ctx context.Context, actor string, def tools.Definition, req tools.ScheduleMeetingRequest, params map[string]any) (*Preview, error) {
	c, sel, err := a.clientFor(ctx, actor, def, req.ClientRef, params)
	if err != nil || sel != nil {
		return sel, err
	}
	starts, err := tools.ParseDateTime(req.DataHora, a.loc)
	if err != nil {
		return nil, &tools.ValidationError{Tool: def.Name, Field: "data_hora", Reason: "use o formato AAAA-MM-DD HH:MM"}
	}
	minutes := req.DuracaoMinutos
	if minutes <= 0 {
		minutes = 60
	}
	at := starts.In(a.loc)

	payload := map[string]any{
		"cliente_id":      c.ID,
		"cliente":         c.Name,
		"titulo":          req.Titulo,
		"data":            business.FormatDate(at),
		"hora":            business.FormatTime(at),
		"duracao_minutos": minutes,
	}
	if req.Notas != "" {
		payload["notas"] = req.Notas
	}
	return &Preview{
		Type: def.ConfirmationType,
		Summary: fmt.Sprintf("Agendar reunião \"%s\" com %s em %s às %s (%d min).",
			req.Titulo, c.Name, business.FormatDate(at), business.FormatTime(at), minutes),
		Payload:    payload,
		Parameters: params,
	}, nil
}

func (a *Actions) previewMessage(ctx context.Context, actor string, def tools.Definition, req tools.SendWhatsAppRequest, params map[string]any) (*Preview, error) {
	var rcpt recipient
	if req.HasClient() {
		c, sel, err := a.clientFor(ctx, actor, def, req.ClientRef, params)
		if err != nil || sel != nil {
			return sel, err
		}
		if rcpt, err = a.recipientFor(c, req.Telefone); err != nil {
			return nil, err
		}
	} else {
		rcpt = recipient{phone: business.NormalizePhone(req.Telefone)}
	}

	payload := map[string]any{
		"telefone": rcpt.phone,
		"mensagem": req.Mensagem,
	}
	if rcpt.clientID != "" {
		payload["cliente_id"] = rcpt.clientID
		payload["cliente"] = rcpt.name
	}
	return &Preview{
		Type:       def.ConfirmationType,
		Summary:    fmt.Sprintf("Enviar para %s (%s):\n%s", rcpt.label(), rcpt.phone, req.Mensagem),
		Payload:    payload,
		Parameters: params,
	}, nil
}

func (a *Actions) previewBilling(ctx context.Context, actor string, def tools.Definition, ref tools.ClientRef, valor float64, descricao, vencimento string, defaultDays int, params map[string]any) (*Preview, error) {
	c, sel, err := a.clientFor(ctx, actor, def, ref, params)
	if err != nil || sel != nil {
		return sel, err
	}
	due, err := a.dueDate(vencimento, defaultDays)
	if err != nil {
		return nil, err
	}
	params["vencimento"] = due.Format(tools.DateLayout)
	amount := decimal.NewFromFloat(valor).Round(2)

	what := "Emitir fatura"
	if def.ConfirmationType == tools.ConfirmCharge {
		what = "Registrar cobrança"
	}
	summary := fmt.Sprintf("%s de %s para %s com vencimento em %s.",
		what, business.FormatBRL(amount), c.Name, business.FormatDate(due))
	if descricao != "" {
		summary += "\nDescrição: " + descricao
	}
	return &Preview{
		Type:    def.ConfirmationType,
		Summary: summary,
		Payload: map[string]any{
			"cliente_id": c.ID,
			"cliente":    c.Name,
			"valor":      business.FormatBRL(amount),
			"descricao":  descricao,
			"vencimento": business.FormatDate(due),
		},
		Parameters: params,
	}, nil
}

func (a *Actions) previewTask(ctx context.Context, actor string, def tools.Definition, req tools.CreateTaskRequest, params map[string]any) (*Preview, error) {
	payload := map[string]any{"titulo": req.Titulo}
	summary := fmt.Sprintf("Criar tarefa \"%s\"", req.Titulo)

	if req.HasClient() {
		c, sel, err := a.clientFor(ctx, actor, def, req.ClientRef, params)
		if err != nil || sel != nil {
			return sel, err
		}
		payload["cliente_id"] = c.ID
		payload["cliente"] = c.Name
		summary += " para " + c.Name
	}
	if req.Prazo != "" {
		due, err := a.dueDate(req.Prazo, 0)
		if err != nil {
			return nil, err
		}
		payload["prazo"] = business.FormatDate(due)
		summary += " até " + business.FormatDate(due)
	}
	return &Preview{
		Type:       def.ConfirmationType,
		Summary:    summary + ".",
		Payload:    payload,
		Parameters: params,
	}, nil
}

// PrepareBatchCharge resolves the targets of a charge batch and renders
// the message each one would receive. The resolved targets are pinned in
// the parameters so the confirmed execution sends to exactly this list.
func (a *Actions) PrepareBatchCharge(ctx context.Context, actor string, req tools.BatchChargeRequest) (*Preview, error) {
	targets, skipped, err := a.chargeTargets(ctx, actor, req)
	if err != nil {
		return nil, err
	}
	params, err := toParams(req)
	if err != nil {
		return nil, err
	}
	params[tools.PinnedTargetsKey] = targets

	tpl := a.templates.pick(batchCharge, req.Variante, req.Mensagem)
	total := decimal.Zero
	items := make([]any, 0, len(targets))
	for _, t := range targets {
		amount, _ := decimal.NewFromString(t.Valor)
		total = total.Add(amount)
		items = append(items, map[string]any{
			"id":       t.ID,
			"nome":     t.Nome,
			"telefone": t.Telefone,
			"valor":    business.FormatBRL(amount),
			"dias":     t.Dias,
			"mensagem": renderTarget(tpl, t),
		})
	}

	summary := fmt.Sprintf("Enviar cobrança para %d cliente(s), total %s.", len(targets), business.FormatBRL(total))
	if skipped > 0 {
		summary += fmt.Sprintf(" %d cliente(s) em atraso sem telefone ficaram de fora.", skipped)
	}
	return &Preview{
		Type:    tools.ConfirmBatchCharge,
		Summary: summary,
		Payload: map[string]any{
			"total_clientes": len(targets),
			"valor_total":    business.FormatBRL(total),
			"sem_telefone":   skipped,
			"alvos":          items,
		},
		Parameters: params,
	}, nil
}

// PrepareMeetingReminders resolves tomorrow's meetings and renders each
// reminder.
func (a *Actions) PrepareMeetingReminders(ctx context.Context, actor string, req tools.BatchMeetingReminderRequest) (*Preview, error) {
	targets, skipped, err := a.reminderTargets(ctx, actor)
	if err != nil {
		return nil, err
	}
	params, err := toParams(req)
	if err != nil {
		return nil, err
	}
	params[tools.PinnedTargetsKey] = targets

	tpl := a.templates.pick(batchReminder, req.Variante, req.Mensagem)
	items := make([]any, 0, len(targets))
	for _, t := range targets {
		items = append(items, map[string]any{
			"id":       t.ID,
			"nome":     t.Nome,
			"telefone": t.Telefone,
			"hora":     t.Hora,
			"titulo":   t.Titulo,
			"mensagem": renderTarget(tpl, t),
		})
	}

	summary := fmt.Sprintf("Enviar lembrete para %d reunião(ões) de amanhã.", len(targets))
	if skipped > 0 {
		summary += fmt.Sprintf(" %d reunião(ões) sem telefone ficaram de fora.", skipped)
	}
	return &Preview{
		Type:    tools.ConfirmBatchReminder,
		Summary: summary,
		Payload: map[string]any{
			"total_reunioes": len(targets),
			"sem_telefone":   skipped,
			"alvos":          items,
		},
		Parameters: params,
	}, nil
}

// toParams converts a typed request back into a parameter bag.
func toParams(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	return out, nil
}
