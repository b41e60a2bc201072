package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/channels/whatsapp"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/copilot"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/database"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// app holds the components shared by serve and the local commands.
type app struct {
	cfg    *copilot.Config
	logger *slog.Logger

	registry *prometheus.Registry
	db       *database.DB
	store    *database.Store

	// whatsapp is nil when the channel is disabled.
	whatsapp *whatsapp.WhatsApp

	actions       *copilot.Actions
	confirmations *copilot.Confirmations
	assistant     *copilot.Assistant
}

type appOptions struct {
	// logOut receives the logs. Local commands log to stderr so replies on
	// stdout stay readable.
	logOut io.Writer

	// quiet raises the default level to warn.
	quiet bool
}

// newApp loads the configuration and builds every component except the
// inbound loop, the scheduler and the gateway.
func newApp(ctx context.Context, cmd *cobra.Command, opts appOptions) (*app, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd, cfg, opts)

	if missing := copilot.ResolveAPIKeys(cfg, logger); len(missing) > 0 {
		logger.Warn("providers without API key", "providers", strings.Join(missing, ","))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	loc := cfg.Location()
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		db:       db,
		store:    database.NewStore(db, loc),
	}

	if cfg.Channels.WhatsApp.Enabled {
		a.whatsapp = whatsapp.New(cfg.Channels.WhatsApp, logger)
	}

	model, err := copilot.NewModel(ctx, cfg, reg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	a.actions = copilot.NewActions(a.store, a.messenger(), copilot.ActionsConfig{
		Location:         loc,
		MessagingTimeout: cfg.Messaging.Timeout,
		Batch:            cfg.Batch,
		Registerer:       reg,
		Logger:           logger,
	})
	dispatcher, err := copilot.NewDispatcher(a.actions.Handlers(), cfg.ToolTimeout, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	a.confirmations = copilot.NewConfirmations(
		copilot.NewSQLiteConfirmationStore(db.SQL, logger), a.actions, dispatcher, logger)
	a.assistant = copilot.NewAssistant(model, a.store, dispatcher, a.confirmations, copilot.AssistantOptions{
		Name:         cfg.Name,
		Location:     loc,
		History:      copilot.NewSQLiteHistory(db.SQL, logger),
		HistoryTurns: cfg.Fallback.HistoryTurns,
		Logger:       logger,
	})
	return a, nil
}

// messenger returns the outbound channel, or nil when WhatsApp is disabled.
func (a *app) messenger() business.Messenger {
	if a.whatsapp == nil {
		return nil
	}
	return a.whatsapp
}

// connectWhatsApp opens the WhatsApp session when the channel is enabled.
// Connect does not wait for pairing; an unpaired session keeps sends
// failing until the QR code is scanned in serve.
func (a *app) connectWhatsApp(ctx context.Context) {
	if a.whatsapp == nil {
		return
	}
	if err := a.whatsapp.Connect(ctx); err != nil {
		a.logger.Warn("whatsapp unavailable, messages will fail", "err", err)
	}
}

func (a *app) Close() {
	if a.whatsapp != nil {
		_ = a.whatsapp.Disconnect()
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", "err", err)
	}
}

// actor picks the owner used by local commands: --owner, the only
// configured owner, or the gateway default actor.
func (a *app) actor(cmd *cobra.Command) (string, error) {
	if id, _ := cmd.Root().PersistentFlags().GetString("owner"); id != "" {
		if len(a.cfg.Owners) > 0 {
			if _, ok := a.cfg.OwnerByID(id); !ok {
				return "", fmt.Errorf("owner %q não está configurado", id)
			}
		}
		return id, nil
	}
	if len(a.cfg.Owners) == 1 {
		return a.cfg.Owners[0].ID, nil
	}
	if a.cfg.Gateway.DefaultActor != "" {
		return a.cfg.Gateway.DefaultActor, nil
	}
	return "", errors.New("use --owner para escolher o dono")
}

func newLogger(cmd *cobra.Command, cfg *copilot.Config, opts appOptions) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if opts.quiet && level < slog.LevelWarn {
		level = slog.LevelWarn
	}
	if verbose {
		level = slog.LevelDebug
	}

	out := opts.logOut
	if out == nil {
		out = os.Stdout
	}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// resolveConfig loads config from file, runs interactive setup if missing.
func resolveConfig(cmd *cobra.Command) (*copilot.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	if configPath != "" {
		cfg, err := copilot.LoadConfigFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	if found := copilot.FindConfigFile(); found != "" {
		cfg, err := copilot.LoadConfigFromFile(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		return cfg, nil
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, errors.New("config.yaml não encontrado; rode 'trafficclaw setup' ou use --config")
	}

	fmt.Println()
	fmt.Println("Nenhum arquivo de configuração encontrado.")
	fmt.Println()
	path, err := runInteractiveSetup()
	if err != nil {
		return nil, fmt.Errorf("setup: %w", err)
	}
	cfg, err := copilot.LoadConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}
	return cfg, nil
}
