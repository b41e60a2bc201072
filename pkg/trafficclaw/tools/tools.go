// Package tools holds the static catalog of business operations the
// assistant can invoke: names, descriptions, parameter schemas and the
// confirmation gate attached to each one.
package tools

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// Name identifies a tool. The set of valid names is closed: every value
// accepted by Parse is listed in the const block below.
type Name string

const (
	ListClients          Name = "list_clients"
	ListMeetings         Name = "list_meetings"
	ListOverdueCharges   Name = "list_overdue_charges"
	ScheduleMeeting      Name = "schedule_meeting"
	SendWhatsApp         Name = "send_whatsapp"
	CreateInvoice        Name = "create_invoice"
	CreateCharge         Name = "create_charge"
	CreateTask           Name = "create_task"
	BatchCharge          Name = "batch_charge"
	BatchMeetingReminder Name = "batch_meeting_reminder"
)

// ConfirmationType selects the preview builder used before a gated tool runs.
type ConfirmationType string

const (
	ConfirmNone          ConfirmationType = ""
	ConfirmMeeting       ConfirmationType = "meeting"
	ConfirmMessage       ConfirmationType = "message"
	ConfirmInvoice       ConfirmationType = "invoice"
	ConfirmCharge        ConfirmationType = "charge"
	ConfirmTask          ConfirmationType = "task"
	ConfirmBatchCharge   ConfirmationType = "batch_charge"
	ConfirmBatchReminder ConfirmationType = "batch_reminder"

	// ConfirmClientSelect has no tool of its own: it wraps any client-targeted
	// call whose client could not be resolved to a single record.
	ConfirmClientSelect ConfirmationType = "client_select"
)

// Definition describes one tool. Definitions are built once at package
// initialization and never mutated.
type Definition struct {
	Name                 Name
	Description          string
	ParameterSchema      map[string]any
	RequiresConfirmation bool
	ConfirmationType     ConfirmationType
}

// Call is a tool invocation requested by a model or replayed from a stored
// confirmation.
type Call struct {
	ID         string         `json:"id,omitempty"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// Schema is the exported shape of a tool, consumable by provider adapters.
type Schema struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	ParameterSchema map[string]any `json:"parameterSchema"`
}

// UnknownToolError is returned by Parse for names outside the catalog.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool %q", e.Name)
}

type entry struct {
	name         Name
	description  string
	request      any
	confirmation ConfirmationType
}

// entries is the catalog in export order: read-only tools first.
var entries = []entry{
	{ListClients, "Lista os clientes cadastrados, com filtro opcional por nome, empresa ou telefone.", ListClientsRequest{}, ConfirmNone},
	{ListMeetings, "Lista as reuniões agendadas para hoje, amanhã ou para os próximos 7 dias.", ListMeetingsRequest{}, ConfirmNone},
	{ListOverdueCharges, "Lista as cobranças vencidas há pelo menos N dias.", ListOverdueChargesRequest{}, ConfirmNone},
	{ScheduleMeeting, "Agenda uma reunião com um cliente. Exige confirmação do usuário.", ScheduleMeetingRequest{}, ConfirmMeeting},
	{SendWhatsApp, "Envia uma mensagem de WhatsApp para um cliente ou telefone. Exige confirmação do usuário.", SendWhatsAppRequest{}, ConfirmMessage},
	{CreateInvoice, "Emite uma fatura para um cliente. Exige confirmação do usuário.", CreateInvoiceRequest{}, ConfirmInvoice},
	{CreateCharge, "Cria uma cobrança para um cliente. Exige confirmação do usuário.", CreateChargeRequest{}, ConfirmCharge},
	{CreateTask, "Cria uma tarefa, opcionalmente vinculada a um cliente. Exige confirmação do usuário.", CreateTaskRequest{}, ConfirmTask},
	{BatchCharge, "Envia cobranças por WhatsApp para todos os clientes com pagamentos em atraso. Exige confirmação do usuário.", BatchChargeRequest{}, ConfirmBatchCharge},
	{BatchMeetingReminder, "Envia lembretes por WhatsApp para as reuniões de amanhã. Exige confirmação do usuário.", BatchMeetingReminderRequest{}, ConfirmBatchReminder},
}

var (
	catalog = buildCatalog()
	ordered = exportOrder()
)

// Parse maps a raw tool name onto the closed set of tool names.
func Parse(s string) (Name, error) {
	switch n := Name(s); n {
	case ListClients, ListMeetings, ListOverdueCharges,
		ScheduleMeeting, SendWhatsApp, CreateInvoice, CreateCharge, CreateTask,
		BatchCharge, BatchMeetingReminder:
		return n, nil
	default:
		return "", &UnknownToolError{Name: s}
	}
}

// Lookup returns the definition registered under name.
func Lookup(name string) (Definition, bool) {
	n, err := Parse(name)
	if err != nil {
		return Definition{}, false
	}
	def, ok := catalog[n]
	return def, ok
}

// RequiresConfirmation reports whether name is gated behind a user
// confirmation. Unknown names are never gated.
func RequiresConfirmation(name string) bool {
	def, ok := Lookup(name)
	return ok && def.RequiresConfirmation
}

// All returns every tool name in catalog order.
func All() []Name {
	out := make([]Name, len(ordered))
	copy(out, ordered)
	return out
}

// Export returns the schema of every tool in catalog order.
func Export() []Schema {
	out := make([]Schema, 0, len(ordered))
	for _, n := range ordered {
		def := catalog[n]
		out = append(out, Schema{
			Name:            string(def.Name),
			Description:     def.Description,
			ParameterSchema: def.ParameterSchema,
		})
	}
	return out
}

func buildCatalog() map[Name]Definition {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	m := make(map[Name]Definition, len(entries))
	for _, e := range entries {
		if _, err := Parse(string(e.name)); err != nil {
			panic(err)
		}
		if _, dup := m[e.name]; dup {
			panic(fmt.Sprintf("tools: duplicate tool %q", e.name))
		}
		m[e.name] = Definition{
			Name:                 e.name,
			Description:          e.description,
			ParameterSchema:      reflectSchema(&reflector, e.request),
			RequiresConfirmation: e.confirmation != ConfirmNone,
			ConfirmationType:     e.confirmation,
		}
	}
	return m
}

func exportOrder() []Name {
	out := make([]Name, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.name)
	}
	return out
}

// reflectSchema turns a request struct into a plain JSON-schema map.
func reflectSchema(r *jsonschema.Reflector, v any) map[string]any {
	s := r.ReflectFromType(reflect.TypeOf(v))
	raw, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("tools: marshal schema for %T: %v", v, err))
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		panic(fmt.Sprintf("tools: decode schema for %T: %v", v, err))
	}
	delete(m, "$schema")
	delete(m, "$id")
	if _, ok := m["properties"]; !ok {
		m["properties"] = map[string]any{}
	}
	return m
}
