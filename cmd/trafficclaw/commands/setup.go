package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/copilot"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/llm"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// providerEnv is the variable the loader reads each provider key from.
var providerEnv = map[string]string{
	llm.TypeOpenAI:    "OPENAI_API_KEY",
	llm.TypeAnthropic: "ANTHROPIC_API_KEY",
	llm.TypeGemini:    "GEMINI_API_KEY",
	llm.TypeCompat:    "TRAFFICCLAW_API_KEY",
}

var defaultModels = map[string]string{
	llm.TypeOpenAI:    "gpt-4o-mini",
	llm.TypeAnthropic: "claude-sonnet-4-5",
	llm.TypeGemini:    "gemini-2.5-flash",
}

// newSetupCmd cria o comando `trafficclaw setup`, o assistente interativo de
// configuração.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Cria o config.yaml de forma interativa",
		Long: `Pergunta o essencial (dono, provedor de IA, canais) e grava o
config.yaml. A API key vai para o chaveiro do sistema quando disponível, ou
para o arquivo .env.`,
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			path, err := runInteractiveSetup()
			if err != nil {
				return err
			}
			fmt.Printf("Configuração salva em %s. Rode 'trafficclaw serve' para iniciar.\n", path)
			return nil
		},
	}
	return cmd
}

// setupAnswers are the values collected by the wizard.
type setupAnswers struct {
	Name     string
	Timezone string

	OwnerID    string
	OwnerName  string
	OwnerPhone string

	ProviderType string
	Model        string
	BaseURL      string
	APIKey       string

	WhatsApp bool
	Gateway  bool
}

func runInteractiveSetup() (string, error) {
	ans := setupAnswers{
		Name:         "TrafficClaw",
		Timezone:     "America/Sao_Paulo",
		OwnerID:      "owner",
		ProviderType: llm.TypeAnthropic,
		WhatsApp:     true,
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().Title("Nome do assistente").Value(&ans.Name),
			huh.NewInput().Title("Fuso horário (IANA)").Value(&ans.Timezone).
				Validate(func(s string) error {
					_, err := time.LoadLocation(strings.TrimSpace(s))
					return err
				}),
		),
		huh.NewGroup(
			huh.NewInput().Title("Seu identificador").Description("Usado como dono dos registros").
				Value(&ans.OwnerID).Validate(notBlank),
			huh.NewInput().Title("Seu nome").Value(&ans.OwnerName),
			huh.NewInput().Title("Seu WhatsApp com DDI e DDD").Placeholder("5511999990000").
				Value(&ans.OwnerPhone).
				Validate(func(s string) error {
					if len(business.NormalizePhone(s)) < 10 {
						return errors.New("telefone inválido")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewSelect[string]().Title("Provedor de IA principal").
				Options(
					huh.NewOption("Anthropic (Claude)", llm.TypeAnthropic),
					huh.NewOption("OpenAI", llm.TypeOpenAI),
					huh.NewOption("Google Gemini", llm.TypeGemini),
					huh.NewOption("Compatível com OpenAI (Groq, Ollama...)", llm.TypeCompat),
				).
				Value(&ans.ProviderType),
			huh.NewInput().Title("Modelo").Description("Vazio usa o padrão do provedor").Value(&ans.Model),
			huh.NewInput().Title("API key").EchoMode(huh.EchoModePassword).Value(&ans.APIKey),
		),
		huh.NewGroup(
			huh.NewInput().Title("URL base da API").Placeholder("http://localhost:11434/v1").
				Value(&ans.BaseURL).Validate(notBlank),
		).WithHideFunc(func() bool { return ans.ProviderType != llm.TypeCompat }),
		huh.NewGroup(
			huh.NewConfirm().Title("Conectar o WhatsApp?").Value(&ans.WhatsApp),
			huh.NewConfirm().Title("Habilitar a API HTTP?").Value(&ans.Gateway),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return "", errors.New("setup cancelado")
		}
		return "", err
	}

	cfg := buildSetupConfig(ans)
	if err := storeAPIKey(cfg, ans); err != nil {
		return "", err
	}

	const path = "config.yaml"
	if err := copilot.SaveConfigToFile(cfg, path); err != nil {
		return "", err
	}
	if cfg.Gateway.Enabled {
		fmt.Printf("Token da API HTTP: %s\n", cfg.Gateway.AuthToken)
	}
	return path, nil
}

// buildSetupConfig overlays the wizard answers on the defaults.
func buildSetupConfig(ans setupAnswers) *copilot.Config {
	cfg := copilot.DefaultConfig()
	cfg.Name = strings.TrimSpace(ans.Name)
	cfg.Timezone = strings.TrimSpace(ans.Timezone)

	ownerID := strings.TrimSpace(ans.OwnerID)
	cfg.Owners = []copilot.OwnerConfig{{
		ID:    ownerID,
		Name:  strings.TrimSpace(ans.OwnerName),
		Phone: business.NormalizePhone(ans.OwnerPhone),
	}}

	model := strings.TrimSpace(ans.Model)
	if model == "" {
		model = defaultModels[ans.ProviderType]
	}
	cfg.Providers = []llm.ProviderConfig{{
		Name:    ans.ProviderType,
		Type:    ans.ProviderType,
		Model:   model,
		BaseURL: strings.TrimSpace(ans.BaseURL),
	}}

	cfg.Channels.WhatsApp.Enabled = ans.WhatsApp
	cfg.Gateway.Enabled = ans.Gateway
	cfg.Gateway.DefaultActor = ownerID
	if ans.Gateway {
		cfg.Gateway.Address = "127.0.0.1:8085"
		cfg.Gateway.AuthToken = uuid.NewString()
	}
	return cfg
}

// storeAPIKey keeps the key out of config.yaml: the OS keyring when
// available, otherwise .env with a reference in the config.
func storeAPIKey(cfg *copilot.Config, ans setupAnswers) error {
	key := strings.TrimSpace(ans.APIKey)
	if key == "" {
		return nil
	}
	p := &cfg.Providers[0]

	if copilot.KeyringAvailable() {
		if err := copilot.StoreProviderKey(p.Name, key); err == nil {
			fmt.Println("API key salva no chaveiro do sistema.")
			return nil
		}
	}

	env := providerEnv[p.Type]
	vars, err := godotenv.Read(".env")
	if err != nil {
		vars = map[string]string{}
	}
	vars[env] = key
	if err := godotenv.Write(vars, ".env"); err != nil {
		return fmt.Errorf("writing .env: %w", err)
	}
	if err := os.Chmod(".env", 0o600); err != nil {
		return err
	}
	p.APIKey = "${" + env + "}"
	fmt.Println("API key salva em .env.")
	return nil
}

func notBlank(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("obrigatório")
	}
	return nil
}
