package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
	"github.com/spf13/cobra"
)

// newToolsCmd cria o comando `trafficclaw tools`, que exporta o catálogo de
// ferramentas no formato enviado aos modelos.
func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Mostra o catálogo de ferramentas",
		Long: `Mostra as ferramentas que o copiloto oferece aos modelos. Com --json
exporta nome, descrição e JSON Schema dos parâmetros.

Exemplos:
  trafficclaw tools
  trafficclaw tools --json > tools.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schemas := tools.Export()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(schemas)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FERRAMENTA\tCONFIRMAÇÃO\tDESCRIÇÃO")
			for _, s := range schemas {
				confirm := "-"
				if def, ok := tools.Lookup(s.Name); ok && def.ConfirmationType != "" {
					confirm = string(def.ConfirmationType)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.Name, confirm, s.Description)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Bool("json", false, "exporta os schemas em JSON")
	return cmd
}
