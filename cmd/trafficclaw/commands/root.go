// Package commands implementa os comandos CLI do TrafficClaw usando cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd cria o comando raiz do CLI com todos os subcomandos registrados.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trafficclaw",
		Short: "TrafficClaw - copiloto do gestor de tráfego",
		Long: `TrafficClaw é um copiloto conversacional para gestores de tráfego.
Agenda reuniões, envia mensagens, emite faturas e cobranças sempre com
confirmação antes de qualquer efeito.

Exemplos:
  trafficclaw serve
  trafficclaw chat "Quais reuniões tenho amanhã?"
  trafficclaw pending
  trafficclaw confirm 1a2b3c4d
  trafficclaw jobs list`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newPendingCmd(),
		newConfirmCmd(),
		newCancelCmd(),
		newToolsCmd(),
		newJobsCmd(),
		newSetupCmd(),
		newConfigCmd(),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "caminho para o arquivo de configuração")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "habilita logs detalhados")
	rootCmd.PersistentFlags().String("owner", "", "id do dono (ator) usado pelos comandos locais")

	return rootCmd
}
