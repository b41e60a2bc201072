package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/copilot"
	"github.com/spf13/cobra"
)

// newPendingCmd cria o comando `trafficclaw pending`.
func newPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Lista as confirmações do dono",
		Long: `Lista as confirmações do dono. Por padrão só as pendentes.

Exemplos:
  trafficclaw pending
  trafficclaw pending --status completed --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, cmd, appOptions{logOut: os.Stderr, quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()
			actor, err := a.actor(cmd)
			if err != nil {
				return err
			}

			status, _ := cmd.Flags().GetString("status")
			if status == "all" {
				status = ""
			}
			recs, err := a.confirmations.List(ctx, actor, copilot.Status(status))
			if err != nil {
				return err
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(recs)
			}
			if len(recs) == 0 {
				fmt.Println("Nenhuma confirmação encontrada.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CÓDIGO\tTIPO\tSTATUS\tCRIADA\tRESUMO")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					r.ShortID(), r.Type, r.Status,
					r.CreatedAt.In(a.cfg.Location()).Format("02/01 15:04"),
					firstLine(r.Summary))
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("status", string(copilot.StatusPending), "filtra por status (pending, completed, cancelled, failed, all)")
	cmd.Flags().Bool("json", false, "saída em JSON")
	return cmd
}

// newConfirmCmd cria o comando `trafficclaw confirm`.
func newConfirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm <código>",
		Short: "Confirma e executa uma ação pendente",
		Long: `Confirma uma ação pendente, opcionalmente alterando parâmetros antes
de executar. Valores de --set são lidos como JSON quando possível.

Exemplos:
  trafficclaw confirm 1a2b3c4d
  trafficclaw confirm 1a2b3c4d --set valor=450.5 --set descricao="Gestão de março"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sets, _ := cmd.Flags().GetStringArray("set")
			edits, err := parseEdits(sets)
			if err != nil {
				return err
			}
			return resolve(cmd, args[0], copilot.DecisionConfirm, edits)
		},
	}
	cmd.Flags().StringArray("set", nil, "altera um parâmetro antes de executar (chave=valor)")
	return cmd
}

// newCancelCmd cria o comando `trafficclaw cancel`.
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <código>",
		Short: "Descarta uma ação pendente",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resolve(cmd, args[0], copilot.DecisionCancel, nil)
		},
	}
}

func resolve(cmd *cobra.Command, id string, decision copilot.Decision, edits map[string]any) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cmd, appOptions{logOut: os.Stderr, quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()
	if decision == copilot.DecisionConfirm {
		a.connectWhatsApp(ctx)
	}
	actor, err := a.actor(cmd)
	if err != nil {
		return err
	}

	res, err := a.assistant.ResolveConfirmation(ctx, actor, id, decision, edits)
	if err != nil {
		return fmt.Errorf("%s", copilot.ReplyForError(err))
	}
	fmt.Println(res.AssistantText)
	return nil
}

// parseEdits turns key=value pairs into an edit map. A value that parses
// as JSON keeps its type; anything else is a string.
func parseEdits(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	edits := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: use chave=valor", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		edits[key] = v
	}
	return edits, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
