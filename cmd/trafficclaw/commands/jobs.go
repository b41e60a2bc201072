package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/scheduler"
	"github.com/spf13/cobra"
)

// newJobsCmd cria o comando `trafficclaw jobs` para inspecionar e disparar
// os jobs agendados.
func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Gerencia os jobs agendados",
		Long: `Os jobs são declarados em scheduler.jobs do config.yaml. Jobs de lote
só propõem a ação ao dono; nada é enviado aos clientes sem confirmação.

Exemplos:
  trafficclaw jobs list
  trafficclaw jobs run overdue_charges-ana`,
	}
	cmd.AddCommand(newJobsListCmd(), newJobsRunCmd())
	return cmd
}

func newJobsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lista os jobs com a última e a próxima execução",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(context.Background(), cmd, appOptions{logOut: os.Stderr, quiet: true})
			if err != nil {
				return err
			}
			defer a.Close()

			jobs, err := scheduler.FromConfig(a.cfg.Scheduler, a.cfg.Confirmation.TTL)
			if err != nil {
				return err
			}
			storage := scheduler.NewSQLiteJobStorage(a.db.SQL)
			stored, err := storage.LoadAll()
			if err != nil {
				return err
			}
			state := make(map[string]*scheduler.Job, len(stored))
			for _, j := range stored {
				state[j.ID] = j
			}

			sched := scheduler.New(storage, nil, scheduler.Options{Location: a.cfg.Location(), Logger: a.logger})
			loc, now := a.cfg.Location(), time.Now()

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTIPO\tDONO\tAGENDA\tÚLTIMA\tPRÓXIMA\tEXECUÇÕES\tERRO")
			for _, j := range jobs {
				last, runs, lastErr := "-", 0, ""
				if s, ok := state[j.ID]; ok {
					runs, lastErr = s.RunCount, s.LastError
					if s.LastRunAt != nil {
						last = s.LastRunAt.In(loc).Format("02/01 15:04")
					}
				}
				next := "desativado"
				if t := sched.NextRun(*j, now); !t.IsZero() {
					next = t.Format("02/01 15:04")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
					j.ID, j.Kind, j.Owner, j.Schedule, last, next, runs, lastErr)
			}
			return w.Flush()
		},
	}
}

func newJobsRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <id>",
		Short: "Executa um job agora",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			a, err := newApp(ctx, cmd, appOptions{logOut: os.Stderr})
			if err != nil {
				return err
			}
			defer a.Close()
			a.connectWhatsApp(ctx)

			sched, err := newScheduler(a)
			if err != nil {
				return err
			}
			// Start merges the stored run state before the run is recorded.
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer sched.Stop()

			out, err := sched.RunNow(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(out)
			return nil
		},
	}
}
