package tools

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name        string
		wantOK      bool
		wantConfirm bool
		wantType    ConfirmationType
	}{
		{"list_clients", true, false, ConfirmNone},
		{"list_overdue_charges", true, false, ConfirmNone},
		{"schedule_meeting", true, true, ConfirmMeeting},
		{"send_whatsapp", true, true, ConfirmMessage},
		{"create_invoice", true, true, ConfirmInvoice},
		{"create_charge", true, true, ConfirmCharge},
		{"create_task", true, true, ConfirmTask},
		{"batch_charge", true, true, ConfirmBatchCharge},
		{"batch_meeting_reminder", true, true, ConfirmBatchReminder},
		{"delete_everything", false, false, ConfirmNone},
		{"", false, false, ConfirmNone},
		{"Schedule_Meeting", false, false, ConfirmNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def, ok := Lookup(tt.name)
			if ok != tt.wantOK {
				t.Fatalf("Lookup(%q) ok = %v, want %v", tt.name, ok, tt.wantOK)
			}
			if got := RequiresConfirmation(tt.name); got != tt.wantConfirm {
				t.Errorf("RequiresConfirmation(%q) = %v, want %v", tt.name, got, tt.wantConfirm)
			}
			if def.ConfirmationType != tt.wantType {
				t.Errorf("ConfirmationType = %q, want %q", def.ConfirmationType, tt.wantType)
			}
		})
	}
}

func TestParseUnknown(t *testing.T) {
	_, err := Parse("rm_rf")
	var unknown *UnknownToolError
	if !errors.As(err, &unknown) {
		t.Fatalf("Parse error = %v, want *UnknownToolError", err)
	}
	if unknown.Name != "rm_rf" {
		t.Errorf("Name = %q, want %q", unknown.Name, "rm_rf")
	}
}

func TestEveryNameHasDefinition(t *testing.T) {
	for _, n := range All() {
		def, ok := Lookup(string(n))
		if !ok {
			t.Errorf("%s: missing definition", n)
			continue
		}
		if def.Description == "" {
			t.Errorf("%s: empty description", n)
		}
		if def.ParameterSchema["type"] != "object" {
			t.Errorf("%s: schema type = %v, want object", n, def.ParameterSchema["type"])
		}
	}
}

func TestExport(t *testing.T) {
	schemas := Export()
	if len(schemas) != len(All()) {
		t.Fatalf("Export() returned %d tools, want %d", len(schemas), len(All()))
	}
	if schemas[0].Name != string(ListClients) {
		t.Errorf("first tool = %q, want %q", schemas[0].Name, ListClients)
	}

	var meeting Schema
	for _, s := range schemas {
		if s.Name == string(ScheduleMeeting) {
			meeting = s
		}
	}
	props, ok := meeting.ParameterSchema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schedule_meeting properties = %T", meeting.ParameterSchema["properties"])
	}
	for _, key := range []string{"cliente_id", "cliente", "titulo", "data_hora", "duracao_minutos"} {
		if _, ok := props[key]; !ok {
			t.Errorf("schedule_meeting schema missing %q", key)
		}
	}

	required, _ := meeting.ParameterSchema["required"].([]any)
	var got []string
	for _, r := range required {
		got = append(got, r.(string))
	}
	if diff := cmp.Diff([]string{"titulo", "data_hora"}, got); diff != "" {
		t.Errorf("required mismatch (-want +got):\n%s", diff)
	}
}

func TestBind(t *testing.T) {
	tests := []struct {
		name      string
		params    map[string]any
		wantField string
		wantErr   bool
	}{
		{
			name:   "valid",
			params: map[string]any{"cliente": "Ana", "titulo": "Kickoff", "data_hora": "2026-03-10 14:00"},
		},
		{
			name:    "missing required",
			params:  map[string]any{"cliente": "Ana", "data_hora": "2026-03-10 14:00"},
			wantErr: true,
		},
		{
			name:    "wrong type",
			params:  map[string]any{"cliente": "Ana", "titulo": 42, "data_hora": "2026-03-10 14:00"},
			wantErr: true,
		},
		{
			name:    "unknown property",
			params:  map[string]any{"cliente": "Ana", "titulo": "x", "data_hora": "2026-03-10 14:00", "sala": "1"},
			wantErr: true,
		},
		{
			name:      "no client",
			params:    map[string]any{"titulo": "x", "data_hora": "2026-03-10 14:00"},
			wantErr:   true,
			wantField: "cliente",
		},
		{
			name:      "bad date",
			params:    map[string]any{"cliente_id": "c1", "titulo": "x", "data_hora": "amanhã cedo"},
			wantErr:   true,
			wantField: "data_hora",
		},
		{
			name:    "duration below minimum",
			params:  map[string]any{"cliente_id": "c1", "titulo": "x", "data_hora": "2026-03-10 14:00", "duracao_minutos": 5},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Bind[ScheduleMeetingRequest](ScheduleMeeting, tt.params)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Bind() error = %v", err)
				}
				if req.Titulo != "Kickoff" || req.Cliente != "Ana" {
					t.Errorf("Bind() = %+v", req)
				}
				return
			}

			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Bind() error = %v, want *ValidationError", err)
			}
			if ve.Tool != ScheduleMeeting {
				t.Errorf("Tool = %q, want %q", ve.Tool, ScheduleMeeting)
			}
			if tt.wantField != "" && ve.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestBindBatchTargets(t *testing.T) {
	pinned := []BatchTarget{{ID: "c1", Nome: "Ana", Telefone: "5511999990001", Valor: "150.00", Dias: 3}}

	tests := []struct {
		name   string
		params map[string]any
	}{
		{name: "in memory", params: map[string]any{"limite": 5, PinnedTargetsKey: pinned}},
		{name: "from json", params: map[string]any{"limite": 5, PinnedTargetsKey: []any{
			map[string]any{"id": "c1", "nome": "Ana", "telefone": "5511999990001", "valor": "150.00", "dias": 3},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Bind[BatchChargeRequest](BatchCharge, tt.params)
			if err != nil {
				t.Fatalf("Bind() error = %v", err)
			}
			if req.Limite != 5 {
				t.Errorf("Limite = %d", req.Limite)
			}
			if diff := cmp.Diff(pinned, req.Targets); diff != "" {
				t.Errorf("targets mismatch (-want +got):\n%s", diff)
			}
			if _, ok := tt.params[PinnedTargetsKey]; !ok {
				t.Error("Bind mutated the caller's parameters")
			}
		})
	}
}

func TestBatchTargetsNotInSchema(t *testing.T) {
	for _, s := range Export() {
		props, _ := s.ParameterSchema["properties"].(map[string]any)
		for _, key := range []string{"targets", PinnedTargetsKey} {
			if _, ok := props[key]; ok {
				t.Errorf("%s schema exposes %q", s.Name, key)
			}
		}
	}

	_, err := Bind[BatchChargeRequest](BatchCharge, map[string]any{
		"targets": []any{map[string]any{"id": "x", "nome": "Intruso", "telefone": "5511900000000"}},
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("targets as a parameter: err = %v, want *ValidationError", err)
	}

	_, err = Bind[CreateTaskRequest](CreateTask, map[string]any{
		"titulo":         "Revisar",
		PinnedTargetsKey: []BatchTarget{{ID: "c1"}},
	})
	if !errors.As(err, &ve) || ve.Field != PinnedTargetsKey {
		t.Errorf("pinned targets on a non-batch tool: err = %v", err)
	}
}
