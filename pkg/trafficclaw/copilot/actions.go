package copilot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// batchToolTimeout bounds a whole batch; each item has its own messaging
// timeout inside it.
const batchToolTimeout = 10 * time.Minute

// Message kinds recorded in the message log.
const (
	messageManual   = "manual"
	messageCharge   = "batch_charge"
	messageReminder = "batch_reminder"
)

// ActionsConfig configures Actions.
type ActionsConfig struct {
	Location         *time.Location
	MessagingTimeout time.Duration
	Batch            BatchConfig
	Registerer       prometheus.Registerer
	Logger           *slog.Logger
}

// Actions implements every catalog tool on top of the storage and
// messaging collaborators. It also builds confirmation previews and batch
// target lists, so a preview and its later execution agree on what they
// mean.
type Actions struct {
	store        business.Store
	messenger    business.Messenger
	loc          *time.Location
	now          func() time.Time
	sendTimeout  time.Duration
	templates    templateSet
	defaultLimit int
	metrics      *batchMetrics
	logger       *slog.Logger
}

// NewActions creates the tool implementations. messenger may be nil; sends
// then fail with a user-facing error.
func NewActions(store business.Store, messenger business.Messenger, cfg ActionsConfig) *Actions {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	timeout := cfg.MessagingTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	limit := cfg.Batch.DefaultLimit
	if limit <= 0 {
		limit = 20
	}
	return &Actions{
		store:        store,
		messenger:    messenger,
		loc:          loc,
		now:          time.Now,
		sendTimeout:  timeout,
		templates:    newTemplateSet(cfg.Batch.Templates),
		defaultLimit: limit,
		metrics:      newBatchMetrics(cfg.Registerer),
		logger:       logger.With("component", "actions"),
	}
}

// Handlers returns one handler per catalog tool.
func (a *Actions) Handlers() map[tools.Name]Handler {
	return map[tools.Name]Handler{
		tools.ListClients:          Typed(tools.ListClients, a.listClients),
		tools.ListMeetings:         Typed(tools.ListMeetings, a.listMeetings),
		tools.ListOverdueCharges:   Typed(tools.ListOverdueCharges, a.listOverdueCharges),
		tools.ScheduleMeeting:      Typed(tools.ScheduleMeeting, a.scheduleMeeting),
		tools.SendWhatsApp:         Typed(tools.SendWhatsApp, a.sendWhatsApp),
		tools.CreateInvoice:        Typed(tools.CreateInvoice, a.createInvoice),
		tools.CreateCharge:         Typed(tools.CreateCharge, a.createCharge),
		tools.CreateTask:           Typed(tools.CreateTask, a.createTask),
		tools.BatchCharge:          Typed(tools.BatchCharge, a.batchCharge).WithTimeout(batchToolTimeout),
		tools.BatchMeetingReminder: Typed(tools.BatchMeetingReminder, a.batchMeetingReminder).WithTimeout(batchToolTimeout),
	}
}

func (a *Actions) today() time.Time {
	n := a.now().In(a.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, a.loc)
}

func (a *Actions) listClients(ctx context.Context, actor string, req tools.ListClientsRequest) (ToolResult, error) {
	clients, err := a.store.ListClients(ctx, actor, strings.TrimSpace(req.Busca))
	if err != nil {
		return ToolResult{}, err
	}
	if len(clients) == 0 {
		return okResult(clients, "Nenhum cliente encontrado.")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d cliente(s):", len(clients))
	for _, c := range clients {
		b.WriteString("\n- " + c.Name)
		if c.Company != "" {
			b.WriteString(" (" + c.Company + ")")
		}
		if c.Phone == "" {
			b.WriteString(" [sem telefone]")
		}
	}
	return okResult(clients, b.String())
}

func (a *Actions) listMeetings(ctx context.Context, actor string, req tools.ListMeetingsRequest) (ToolResult, error) {
	from, to, label := a.meetingWindow(req.Periodo)
	meetings, err := a.store.ListMeetings(ctx, actor, from, to)
	if err != nil {
		return ToolResult{}, err
	}
	if len(meetings) == 0 {
		return okResult(meetings, "Nenhuma reunião "+label+".")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Reuniões %s:", label)
	for _, m := range meetings {
		at := m.StartsAt.In(a.loc)
		fmt.Fprintf(&b, "\n- %s %s: %s com %s", business.FormatDate(at), business.FormatTime(at), m.Title, m.ClientName)
	}
	return okResult(meetings, b.String())
}

func (a *Actions) meetingWindow(periodo string) (from, to time.Time, label string) {
	today := a.today()
	switch periodo {
	case "hoje":
		return today, today.AddDate(0, 0, 1), "hoje"
	case "amanha":
		return today.AddDate(0, 0, 1), today.AddDate(0, 0, 2), "amanhã"
	default:
		now := a.now()
		return now, now.AddDate(0, 0, 7), "nos próximos 7 dias"
	}
}

func (a *Actions) listOverdueCharges(ctx context.Context, actor string, req tools.ListOverdueChargesRequest) (ToolResult, error) {
	days := req.DiasAtraso
	if days <= 0 {
		days = 1
	}
	accounts, err := a.store.OverdueAccounts(ctx, actor, days, a.now())
	if err != nil {
		return ToolResult{}, err
	}
	if len(accounts) == 0 {
		return okResult(accounts, fmt.Sprintf("Nenhuma cobrança vencida há %d dia(s) ou mais.", days))
	}

	total := decimal.Zero
	var b strings.Builder
	for _, acc := range accounts {
		total = total.Add(acc.Total)
		fmt.Fprintf(&b, "\n- %s: %s (%d dias, %d cobrança(s))",
			acc.Client.Name, business.FormatBRL(acc.Total), acc.DaysOverdue, acc.Charges)
	}
	head := fmt.Sprintf("%d cliente(s) em atraso, total %s:", len(accounts), business.FormatBRL(total))
	return okResult(accounts, head+b.String())
}

func (a *Actions) scheduleMeeting(ctx context.Context, actor string, req tools.ScheduleMeetingRequest) (ToolResult, error) {
	client, err := a.resolveOne(ctx, actor, req.ClientRef)
	if err != nil {
		return ToolResult{}, err
	}
	starts, err := tools.ParseDateTime(req.DataHora, a.loc)
	if err != nil {
		return ToolResult{}, &tools.ValidationError{Tool: tools.ScheduleMeeting, Field: "data_hora", Reason: "use o formato AAAA-MM-DD HH:MM"}
	}
	minutes := req.DuracaoMinutos
	if minutes <= 0 {
		minutes = 60
	}

	m := &business.Meeting{
		ClientID: client.ID,
		Title:    strings.TrimSpace(req.Titulo),
		StartsAt: starts,
		Duration: time.Duration(minutes) * time.Minute,
		Notes:    req.Notas,
		Status:   business.MeetingScheduled,
	}
	if err := a.store.CreateMeeting(ctx, actor, m); err != nil {
		return ToolResult{}, err
	}
	m.ClientName = client.Name

	at := starts.In(a.loc)
	return okResult(m, fmt.Sprintf("Reunião \"%s\" agendada com %s em %s às %s.",
		m.Title, client.Name, business.FormatDate(at), business.FormatTime(at)))
}

func (a *Actions) sendWhatsApp(ctx context.Context, actor string, req tools.SendWhatsAppRequest) (ToolResult, error) {
	rcpt, err := a.resolveRecipient(ctx, actor, req.ClientRef, req.Telefone)
	if err != nil {
		return ToolResult{}, err
	}
	if err := a.send(ctx, actor, rcpt.clientID, rcpt.phone, req.Mensagem, messageManual); err != nil {
		return ToolResult{}, err
	}
	return okResult(map[string]string{"telefone": rcpt.phone, "cliente_id": rcpt.clientID},
		"Mensagem enviada para "+rcpt.label()+".")
}

func (a *Actions) createInvoice(ctx context.Context, actor string, req tools.CreateInvoiceRequest) (ToolResult, error) {
	client, err := a.resolveOne(ctx, actor, req.ClientRef)
	if err != nil {
		return ToolResult{}, err
	}
	due, err := a.dueDate(req.Vencimento, 7)
	if err != nil {
		return ToolResult{}, err
	}

	inv := &business.Invoice{
		ClientID:    client.ID,
		Amount:      decimal.NewFromFloat(req.Valor).Round(2),
		Description: req.Descricao,
		DueDate:     due,
		Status:      business.StatusPending,
	}
	if err := a.store.CreateInvoice(ctx, actor, inv); err != nil {
		return ToolResult{}, err
	}
	return okResult(inv, fmt.Sprintf("Fatura de %s emitida para %s com vencimento em %s.",
		business.FormatBRL(inv.Amount), client.Name, business.FormatDate(due)))
}

func (a *Actions) createCharge(ctx context.Context, actor string, req tools.CreateChargeRequest) (ToolResult, error) {
	client, err := a.resolveOne(ctx, actor, req.ClientRef)
	if err != nil {
		return ToolResult{}, err
	}
	due, err := a.dueDate(req.Vencimento, 0)
	if err != nil {
		return ToolResult{}, err
	}

	ch := &business.Charge{
		ClientID:    client.ID,
		Amount:      decimal.NewFromFloat(req.Valor).Round(2),
		Description: req.Descricao,
		DueDate:     due,
		Status:      business.StatusPending,
	}
	if err := a.store.CreateCharge(ctx, actor, ch); err != nil {
		return ToolResult{}, err
	}
	return okResult(ch, fmt.Sprintf("Cobrança de %s registrada para %s com vencimento em %s.",
		business.FormatBRL(ch.Amount), client.Name, business.FormatDate(due)))
}

func (a *Actions) createTask(ctx context.Context, actor string, req tools.CreateTaskRequest) (ToolResult, error) {
	t := &business.Task{Title: strings.TrimSpace(req.Titulo)}

	suffix := ""
	if req.HasClient() {
		client, err := a.resolveOne(ctx, actor, req.ClientRef)
		if err != nil {
			return ToolResult{}, err
		}
		t.ClientID = client.ID
		suffix = " para " + client.Name
	}
	if req.Prazo != "" {
		due, err := a.dueDate(req.Prazo, 0)
		if err != nil {
			return ToolResult{}, err
		}
		t.DueDate = &due
		suffix += " até " + business.FormatDate(due)
	}

	if err := a.store.CreateTask(ctx, actor, t); err != nil {
		return ToolResult{}, err
	}
	return okResult(t, fmt.Sprintf("Tarefa \"%s\" criada%s.", t.Title, suffix))
}

func (a *Actions) batchCharge(ctx context.Context, actor string, req tools.BatchChargeRequest) (ToolResult, error) {
	res, err := a.ExecuteBatchCharge(ctx, actor, req)
	if err != nil {
		return ToolResult{}, err
	}
	return res.toolResult(), nil
}

func (a *Actions) batchMeetingReminder(ctx context.Context, actor string, req tools.BatchMeetingReminderRequest) (ToolResult, error) {
	res, err := a.ExecuteMeetingReminders(ctx, actor, req)
	if err != nil {
		return ToolResult{}, err
	}
	return res.toolResult(), nil
}

// dueDate parses an AAAA-MM-DD date in the configured location. An empty
// value defaults to today plus defaultDays.
func (a *Actions) dueDate(s string, defaultDays int) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return a.today().AddDate(0, 0, defaultDays), nil
	}
	t, err := time.ParseInLocation(tools.DateLayout, strings.TrimSpace(s), a.loc)
	if err != nil {
		return time.Time{}, &tools.ValidationError{Field: "vencimento", Reason: "use o formato AAAA-MM-DD"}
	}
	return t, nil
}

// send delivers one message and records it in the message log, whether it
// went out or not.
func (a *Actions) send(ctx context.Context, actor, clientID, phone, body, kind string) error {
	if a.messenger == nil {
		return &UserError{Kind: KindUnknown, Message: "O WhatsApp não está conectado."}
	}

	sendCtx, cancel := context.WithTimeout(ctx, a.sendTimeout)
	defer cancel()
	sendErr := a.messenger.SendText(sendCtx, phone, body)

	entry := &business.MessageLog{
		ClientID: clientID,
		Phone:    phone,
		Body:     body,
		Kind:     kind,
		SentAt:   a.now(),
	}
	if sendErr != nil {
		entry.Error = sendErr.Error()
	}
	if err := a.store.LogMessage(context.WithoutCancel(ctx), actor, entry); err != nil {
		a.logger.Warn("failed to record message", "phone", phone, "error", err)
	}

	if sendErr != nil {
		return fmt.Errorf("send to %s: %w", phone, sendErr)
	}
	return nil
}
