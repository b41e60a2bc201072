package commands

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/copilot"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/llm"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// newConfigCmd cria o comando `trafficclaw config` para gerenciar configurações.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Gerencia configurações do copiloto",
		Long: `Gerencia as configurações do TrafficClaw.

Exemplos:
  trafficclaw config init
  trafficclaw config show
  trafficclaw config validate
  trafficclaw config set-key anthropic`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigValidateCmd(),
		newConfigSetKeyCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Gera um config.yaml com os valores padrão",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("output")
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s já existe (use --force para sobrescrever)", path)
			}

			cfg := copilot.DefaultConfig()
			cfg.Owners = []copilot.OwnerConfig{{ID: "owner", Name: "Seu nome", Phone: "5511999990000"}}
			cfg.Providers = append(cfg.Providers,
				defaultProvider("anthropic", "${ANTHROPIC_API_KEY}"),
				defaultProvider("openai", "${OPENAI_API_KEY}"),
			)
			if err := copilot.SaveConfigToFile(cfg, path); err != nil {
				return err
			}
			fmt.Printf("Configuração criada em %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "config.yaml", "arquivo de saída")
	cmd.Flags().Bool("force", false, "sobrescreve um arquivo existente")
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Exibe a configuração efetiva, sem segredos",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			for i := range cfg.Providers {
				cfg.Providers[i].APIKey = maskSecret(cfg.Providers[i].APIKey)
			}
			cfg.Gateway.AuthToken = maskSecret(cfg.Gateway.AuthToken)

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Valida a configuração e as chaves dos provedores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			missing := copilot.ResolveAPIKeys(cfg, nil)
			for _, name := range missing {
				fmt.Printf("aviso: provedor %s sem API key\n", name)
			}
			if len(missing) == len(cfg.Providers) {
				return errors.New("nenhum provedor tem API key")
			}
			fmt.Println("Configuração válida.")
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key <provedor>",
		Short: "Salva a API key de um provedor no chaveiro do sistema",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if !copilot.KeyringAvailable() {
				return errors.New("chaveiro do sistema indisponível; use variáveis de ambiente")
			}

			fmt.Printf("API key de %s: ", args[0])
			key, err := readSecret()
			fmt.Println()
			if err != nil {
				return err
			}
			if key == "" {
				return errors.New("API key vazia")
			}
			if err := copilot.StoreProviderKey(args[0], key); err != nil {
				return fmt.Errorf("saving key: %w", err)
			}
			fmt.Println("API key salva no chaveiro.")
			return nil
		},
	}
}

func defaultProvider(typ, apiKey string) llm.ProviderConfig {
	return llm.ProviderConfig{Name: typ, Type: typ, Model: defaultModels[typ], APIKey: apiKey}
}

// readSecret reads a line without echo when stdin is a terminal.
func readSecret() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		return strings.TrimSpace(string(b)), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func maskSecret(s string) string {
	switch {
	case s == "", copilot.IsEnvReference(s):
		return s
	case len(s) <= 8:
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
