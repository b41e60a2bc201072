package commands

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/copilot"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/llm"
)

func TestParseEdits(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{name: "none", pairs: nil, want: nil},
		{
			name:  "typed values",
			pairs: []string{"valor=450.5", "descricao=Gestão de março", "limite=3", "ativo=true"},
			want: map[string]any{
				"valor":     450.5,
				"descricao": "Gestão de março",
				"limite":    float64(3),
				"ativo":     true,
			},
		},
		{name: "null deletes", pairs: []string{"prazo=null"}, want: map[string]any{"prazo": nil}},
		{name: "quoted string", pairs: []string{`titulo="123"`}, want: map[string]any{"titulo": "123"}},
		{name: "missing equals", pairs: []string{"valor"}, wantErr: true},
		{name: "empty key", pairs: []string{"=1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEdits(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("edits mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMaskSecret(t *testing.T) {
	tests := map[string]string{
		"":                      "",
		"${OPENAI_API_KEY}":     "${OPENAI_API_KEY}",
		"short":                 "****",
		"sk-ant-1234567890abcd": "sk-a****abcd",
	}
	for in, want := range tests {
		if got := maskSecret(in); got != want {
			t.Errorf("maskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildSetupConfig(t *testing.T) {
	cfg := buildSetupConfig(setupAnswers{
		Name:         " Copiloto ",
		Timezone:     "America/Sao_Paulo",
		OwnerID:      "ana",
		OwnerName:    "Ana",
		OwnerPhone:   "+55 (11) 99999-0001",
		ProviderType: llm.TypeGemini,
		Gateway:      true,
	})

	if cfg.Name != "Copiloto" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if len(cfg.Owners) != 1 || cfg.Owners[0].Phone != "5511999990001" {
		t.Errorf("Owners = %+v", cfg.Owners)
	}
	if got := cfg.Providers[0]; got.Type != llm.TypeGemini || got.Model != "gemini-2.5-flash" {
		t.Errorf("provider = %+v", got)
	}
	if !cfg.Gateway.Enabled || cfg.Gateway.AuthToken == "" || cfg.Gateway.DefaultActor != "ana" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Channels.WhatsApp.Enabled {
		t.Error("whatsapp should stay disabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestRootCommands(t *testing.T) {
	root := NewRootCmd("test")
	for _, name := range []string{"serve", "chat", "pending", "confirm", "cancel", "tools", "jobs", "setup", "config"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered (err %v)", name, err)
		}
	}
}

func TestCandidateOptions(t *testing.T) {
	rec := &copilot.Record{Payload: map[string]any{
		"candidatos": []any{
			map[string]any{"indice": 1, "nome": "Ana Souza"},
			map[string]any{"indice": 2, "nome": "Ana Lima", "empresa": "Lima Ads"},
		},
	}}

	opts := candidateOptions(rec)
	if len(opts) != 2 {
		t.Fatalf("options = %d, want 2", len(opts))
	}
	if opts[1].Key != "Ana Lima (Lima Ads)" || opts[1].Value != "2" {
		t.Errorf("options[1] = %+v", opts[1])
	}
	if got := candidateOptions(&copilot.Record{}); len(got) != 0 {
		t.Errorf("empty payload gave %d options", len(got))
	}
}

func TestNonEmptyLines(t *testing.T) {
	got := nonEmptyLines("valor=10\n\n  prazo=2026-03-20  \n")
	if diff := cmp.Diff([]string{"valor=10", "prazo=2026-03-20"}, got); diff != "" {
		t.Errorf("lines mismatch (-want +got):\n%s", diff)
	}
}
