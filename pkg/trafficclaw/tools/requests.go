package tools

import (
	"strings"
	"time"
)

// Date layouts accepted in tool parameters.
const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = "2006-01-02 15:04"
)

// Template variants for batch messages.
const (
	VariantFriendly = "amigavel"
	VariantFormal   = "formal"
	VariantUrgent   = "urgente"
)

// ClientRef points at a client either by id or by (partial) name. When
// both are set the id wins.
type ClientRef struct {
	ClienteID string `json:"cliente_id,omitempty" jsonschema:"description=ID do cliente quando conhecido"`
	Cliente   string `json:"cliente,omitempty" jsonschema:"description=Nome (ou parte do nome) do cliente"`
}

// HasClient reports whether the reference names a client at all.
func (r ClientRef) HasClient() bool {
	return strings.TrimSpace(r.ClienteID) != "" || strings.TrimSpace(r.Cliente) != ""
}

func (r ClientRef) validate() error {
	if !r.HasClient() {
		return fieldError("cliente", "informe cliente_id ou o nome do cliente")
	}
	return nil
}

type ListClientsRequest struct {
	Busca string `json:"busca,omitempty" jsonschema:"description=Filtro por nome/empresa/telefone"`
}

type ListMeetingsRequest struct {
	Periodo string `json:"periodo,omitempty" jsonschema:"enum=hoje,enum=amanha,enum=semana,description=Janela de busca (padrão: semana)"`
}

type ListOverdueChargesRequest struct {
	DiasAtraso int `json:"dias_atraso,omitempty" jsonschema:"minimum=0,description=Dias mínimos de atraso (padrão: 1)"`
}

type ScheduleMeetingRequest struct {
	ClientRef
	Titulo         string `json:"titulo" jsonschema:"description=Assunto da reunião"`
	DataHora       string `json:"data_hora" jsonschema:"description=Data e hora no formato AAAA-MM-DD HH:MM"`
	DuracaoMinutos int    `json:"duracao_minutos,omitempty" jsonschema:"minimum=15,maximum=480,description=Duração em minutos (padrão: 60)"`
	Notas          string `json:"notas,omitempty"`
}

// Validate implements Validator.
func (r ScheduleMeetingRequest) Validate() error {
	if err := r.ClientRef.validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.Titulo) == "" {
		return fieldError("titulo", "não pode ser vazio")
	}
	if _, err := ParseDateTime(r.DataHora, time.UTC); err != nil {
		return fieldError("data_hora", "use o formato AAAA-MM-DD HH:MM")
	}
	return nil
}

type SendWhatsAppRequest struct {
	ClientRef
	Telefone string `json:"telefone,omitempty" jsonschema:"description=Telefone com DDI e DDD quando não houver cliente"`
	Mensagem string `json:"mensagem" jsonschema:"description=Texto da mensagem"`
}

// Validate implements Validator.
func (r SendWhatsAppRequest) Validate() error {
	if !r.HasClient() && strings.TrimSpace(r.Telefone) == "" {
		return fieldError("cliente", "informe o cliente ou o telefone")
	}
	if strings.TrimSpace(r.Mensagem) == "" {
		return fieldError("mensagem", "não pode ser vazia")
	}
	return nil
}

type CreateInvoiceRequest struct {
	ClientRef
	Valor      float64 `json:"valor" jsonschema:"minimum=0.01,description=Valor em reais"`
	Descricao  string  `json:"descricao" jsonschema:"description=Descrição do serviço faturado"`
	Vencimento string  `json:"vencimento,omitempty" jsonschema:"description=Vencimento no formato AAAA-MM-DD (padrão: 7 dias)"`
}

// Validate implements Validator.
func (r CreateInvoiceRequest) Validate() error {
	if err := r.ClientRef.validate(); err != nil {
		return err
	}
	if r.Vencimento != "" {
		if _, err := time.Parse(DateLayout, r.Vencimento); err != nil {
			return fieldError("vencimento", "use o formato AAAA-MM-DD")
		}
	}
	return nil
}

type CreateChargeRequest struct {
	ClientRef
	Valor      float64 `json:"valor" jsonschema:"minimum=0.01,description=Valor em reais"`
	Vencimento string  `json:"vencimento" jsonschema:"description=Vencimento no formato AAAA-MM-DD"`
	Descricao  string  `json:"descricao,omitempty"`
}

// Validate implements Validator.
func (r CreateChargeRequest) Validate() error {
	if err := r.ClientRef.validate(); err != nil {
		return err
	}
	if _, err := time.Parse(DateLayout, r.Vencimento); err != nil {
		return fieldError("vencimento", "use o formato AAAA-MM-DD")
	}
	return nil
}

type CreateTaskRequest struct {
	ClientRef
	Titulo string `json:"titulo" jsonschema:"description=O que precisa ser feito"`
	Prazo  string `json:"prazo,omitempty" jsonschema:"description=Prazo no formato AAAA-MM-DD"`
}

// Validate implements Validator.
func (r CreateTaskRequest) Validate() error {
	if strings.TrimSpace(r.Titulo) == "" {
		return fieldError("titulo", "não pode ser vazio")
	}
	if r.Prazo != "" {
		if _, err := time.Parse(DateLayout, r.Prazo); err != nil {
			return fieldError("prazo", "use o formato AAAA-MM-DD")
		}
	}
	return nil
}

// PinnedTargetsKey is the parameter key holding the recipients fixed when a
// batch preview was built. It is not part of any tool schema; only Bind
// reads it, and only for batch requests.
const PinnedTargetsKey = "_alvos"

// BatchTarget is one resolved recipient of a batch. Targets are filled in
// when the batch preview is built and replayed verbatim on confirmation.
type BatchTarget struct {
	ID         string `json:"id"`
	ClienteID  string `json:"cliente_id,omitempty"`
	Nome       string `json:"nome"`
	Telefone   string `json:"telefone"`
	Valor      string `json:"valor,omitempty"`
	Vencimento string `json:"vencimento,omitempty"`
	Dias       int    `json:"dias,omitempty"`
	Data       string `json:"data,omitempty"`
	Hora       string `json:"hora,omitempty"`
	Titulo     string `json:"titulo,omitempty"`
}

type BatchChargeRequest struct {
	DiasAtraso int           `json:"dias_atraso,omitempty" jsonschema:"minimum=1,description=Dias mínimos de atraso (padrão: 1)"`
	Limite     int           `json:"limite,omitempty" jsonschema:"minimum=1,maximum=200,description=Máximo de clientes no lote (padrão: 20)"`
	Variante   string        `json:"variante,omitempty" jsonschema:"enum=amigavel,enum=formal,enum=urgente,description=Tom da mensagem (padrão: amigavel)"`
	Mensagem   string        `json:"mensagem,omitempty" jsonschema:"description=Modelo próprio usando {nome} {valor} {vencimento} e {dias}"`
	Targets    []BatchTarget `json:"-"`
}

type BatchMeetingReminderRequest struct {
	Variante string        `json:"variante,omitempty" jsonschema:"enum=amigavel,enum=formal,enum=urgente,description=Tom da mensagem (padrão: amigavel)"`
	Mensagem string        `json:"mensagem,omitempty" jsonschema:"description=Modelo próprio usando {nome} {data} {hora} e {titulo}"`
	Targets  []BatchTarget `json:"-"`
}

// targetPinner is implemented by requests that accept pinned targets.
type targetPinner interface {
	pinTargets([]BatchTarget)
}

func (r *BatchChargeRequest) pinTargets(t []BatchTarget) { r.Targets = t }
func (r *BatchMeetingReminderRequest) pinTargets(t []BatchTarget) { r.Targets = t }

// ParseDateTime accepts DateTimeLayout or RFC 3339 and interprets local
// layouts in loc.
func ParseDateTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(DateTimeLayout, s, loc); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
