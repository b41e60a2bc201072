package copilot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/llm"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
	"github.com/prometheus/client_golang/prometheus"
)

// ToolSpecs advertises the tool catalog to the model.
func ToolSpecs() []llm.ToolSpec {
	schemas := tools.Export()
	out := make([]llm.ToolSpec, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, llm.ToolSpec{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.ParameterSchema,
		})
	}
	return out
}

// NewModel builds the fallback client from the configured provider chain.
// Providers that cannot be built are skipped with a warning; it fails only
// when none is left.
func NewModel(ctx context.Context, cfg *Config, reg prometheus.Registerer, logger *slog.Logger) (*llm.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var entries []llm.Entry
	for _, pc := range cfg.Providers {
		p, err := llm.NewProvider(ctx, pc, logger)
		if err != nil {
			logger.Warn("skipping provider", "provider", pc.Name, "err", err)
			continue
		}
		entries = append(entries, llm.Entry{Provider: p, Timeout: pc.Timeout})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no usable provider among %d configured", len(cfg.Providers))
	}

	return llm.NewClient(entries, llm.Options{
		Tools:          ToolSpecs(),
		HistoryTurns:   cfg.Fallback.HistoryTurns,
		DefaultTimeout: cfg.Fallback.DefaultTimeout,
		MaxTokens:      cfg.Fallback.MaxTokens,
		Logger:         logger,
		Registerer:     reg,
	})
}
