package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/channels"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/copilot"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/gateway"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/scheduler"
	"github.com/spf13/cobra"
)

// newServeCmd creates the `trafficclaw serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Inicia o serviço com WhatsApp, agendador e API HTTP",
		Long: `Inicia o TrafficClaw como serviço: recebe as mensagens dos donos pelo
WhatsApp, roda os jobs agendados e expõe a API HTTP quando habilitada.

Exemplos:
  trafficclaw serve
  trafficclaw serve --no-gateway
  trafficclaw serve --config ./config.yaml`,
		RunE: runServe,
	}

	cmd.Flags().Bool("no-gateway", false, "não inicia a API HTTP")
	cmd.Flags().Bool("no-scheduler", false, "não inicia o agendador")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cmd, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	// ── WhatsApp ──
	var (
		chans []channels.Channel
		wg    sync.WaitGroup
	)
	if a.whatsapp != nil {
		qr, unsubscribe := a.whatsapp.SubscribeQR()
		defer unsubscribe()
		go printQRCodes(qr)

		if err := a.whatsapp.Connect(ctx); err != nil {
			return fmt.Errorf("connecting WhatsApp: %w", err)
		}
		chans = append(chans, a.whatsapp)

		inbound := copilot.NewInbound(a.assistant, a.whatsapp, cfg.OwnerByPhone, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			inbound.Run(ctx)
		}()
	} else {
		logger.Warn("whatsapp disabled, only the HTTP API will receive messages")
	}

	// ── Scheduler ──
	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled && !noScheduler {
		sched, err = newScheduler(a)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
	}

	// ── Gateway ──
	noGateway, _ := cmd.Flags().GetBool("no-gateway")
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled && !noGateway {
		gw = gateway.New(a.assistant, cfg.Gateway, gateway.Options{
			Channels: chans,
			Database: a.db,
			Gatherer: a.registry,
			Logger:   logger,
		})
		if err := gw.Start(ctx); err != nil {
			return fmt.Errorf("starting gateway: %w", err)
		}
	}

	logger.Info("TrafficClaw running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"owners", len(cfg.Owners),
		"timezone", cfg.Timezone)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		defer close(done)
		if gw != nil {
			shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			if err := gw.Stop(shutdownCtx); err != nil {
				logger.Warn("gateway shutdown failed", "err", err)
			}
			stop()
		}
		if sched != nil {
			sched.Stop()
		}
		cancel()
		wg.Wait()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}

// newScheduler builds the scheduler with the configured jobs. Job state
// survives restarts through the scheduler_jobs table.
func newScheduler(a *app) (*scheduler.Scheduler, error) {
	runner := scheduler.NewRunner(scheduler.RunnerConfig{
		Proposer: a.assistant,
		Expirer:  a.confirmations,
		Notifier: a.messenger(),
		OwnerPhone: func(owner string) (string, bool) {
			o, ok := a.cfg.OwnerByID(owner)
			return o.Phone, ok
		},
		ConfirmationTTL: a.cfg.Confirmation.TTL,
		Logger:          a.logger,
	})

	sched := scheduler.New(scheduler.NewSQLiteJobStorage(a.db.SQL), runner.Handle, scheduler.Options{
		Location: a.cfg.Location(),
		Logger:   a.logger,
	})

	jobs, err := scheduler.FromConfig(a.cfg.Scheduler, a.cfg.Confirmation.TTL)
	if err != nil {
		return nil, err
	}
	if err := sched.Sync(jobs); err != nil {
		return nil, fmt.Errorf("loading jobs: %w", err)
	}
	return sched, nil
}

// printQRCodes shows pairing codes until the stream closes.
func printQRCodes(codes <-chan string) {
	for code := range codes {
		fmt.Println()
		fmt.Println("Escaneie o código abaixo em WhatsApp > Aparelhos conectados:")
		fmt.Println(code)
		fmt.Println()
	}
}
