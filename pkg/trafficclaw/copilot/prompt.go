package copilot

import (
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
)

// promptListLimit caps each context list so the prompt stays small for
// agencies with many clients.
const promptListLimit = 50

// BuildSystemPrompt renders the instructions and the business snapshot the
// model sees on every turn.
func BuildSystemPrompt(name string, snap *business.Snapshot, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)

	var b strings.Builder
	fmt.Fprintf(&b, "Você é %s, assistente de um gestor de tráfego pago. Responda sempre em português do Brasil, de forma curta e direta.\n", name)
	fmt.Fprintf(&b, "Agora: %s %s (%s).\n\n", business.FormatDate(now), business.FormatTime(now), weekday(now))

	b.WriteString("## Regras\n")
	b.WriteString("- Use as ferramentas para consultar e agir. Nunca invente clientes, valores ou IDs.\n")
	b.WriteString("- Ações que agendam, cobram, faturam, criam tarefas ou enviam mensagens passam por confirmação do usuário. Chame a ferramenta normalmente; o sistema mostra a prévia e aguarda a confirmação.\n")
	b.WriteString("- Datas em AAAA-MM-DD e horários em HH:MM, no fuso do usuário. Resolva \"amanhã\", \"sexta\" etc. a partir da data atual.\n")
	b.WriteString("- Prefira cliente_id quando o cliente aparecer na lista abaixo.\n\n")

	if snap == nil {
		return b.String()
	}

	b.WriteString("## Clientes\n")
	if len(snap.Clients) == 0 {
		b.WriteString("(nenhum)\n")
	}
	for i, c := range snap.Clients {
		if i == promptListLimit {
			fmt.Fprintf(&b, "... e mais %d\n", len(snap.Clients)-promptListLimit)
			break
		}
		fmt.Fprintf(&b, "- %s [id %s]", c.Name, c.ID)
		if c.Company != "" {
			fmt.Fprintf(&b, " empresa: %s", c.Company)
		}
		if c.Phone == "" {
			b.WriteString(" (sem telefone)")
		}
		b.WriteByte('\n')
	}

	if len(snap.UpcomingMeetings) > 0 {
		b.WriteString("\n## Próximas reuniões\n")
		for _, m := range snap.UpcomingMeetings {
			at := m.StartsAt.In(loc)
			fmt.Fprintf(&b, "- %s %s %s com %s\n", business.FormatDate(at), business.FormatTime(at), m.Title, m.ClientName)
		}
	}

	if len(snap.OpenTasks) > 0 {
		b.WriteString("\n## Tarefas abertas\n")
		for _, t := range snap.OpenTasks {
			b.WriteString("- " + t.Title)
			if t.DueDate != nil {
				b.WriteString(" (até " + business.FormatDate(t.DueDate.In(loc)) + ")")
			}
			b.WriteByte('\n')
		}
	}

	if len(snap.Overdue) > 0 {
		b.WriteString("\n## Pagamentos em atraso\n")
		for _, acc := range snap.Overdue {
			fmt.Fprintf(&b, "- %s: %s há %d dias\n", acc.Client.Name, business.FormatBRL(acc.Total), acc.DaysOverdue)
		}
	}

	return b.String()
}

var weekdays = [...]string{"domingo", "segunda-feira", "terça-feira", "quarta-feira", "quinta-feira", "sexta-feira", "sábado"}

func weekday(t time.Time) string {
	return weekdays[t.Weekday()]
}
