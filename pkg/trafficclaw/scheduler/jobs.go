package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/business"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/copilot"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/tools"
)

// Job kinds.
const (
	// KindMeetingReminders proposes tomorrow's meeting reminders to the owner.
	KindMeetingReminders = "meeting_reminders"

	// KindOverdueCharges proposes a batch charge of overdue clients.
	KindOverdueCharges = "overdue_charges"

	// KindExpireConfirmations cancels pending confirmations past their TTL.
	KindExpireConfirmations = "expire_confirmations"
)

// kindTools maps the proposal kinds to the batch tool they stage.
var kindTools = map[string]tools.Name{
	KindMeetingReminders: tools.BatchMeetingReminder,
	KindOverdueCharges:   tools.BatchCharge,
}

// ValidKind reports whether kind is a known job kind.
func ValidKind(kind string) bool {
	_, ok := kindTools[kind]
	return ok || kind == KindExpireConfirmations
}

// Proposer stages a confirmation without a model turn. *copilot.Assistant
// implements it.
type Proposer interface {
	Propose(ctx context.Context, actor string, call tools.Call) (*copilot.Record, string, error)
}

// Expirer cancels stale confirmations. *copilot.Confirmations implements it.
type Expirer interface {
	ExpireStale(ctx context.Context, ttl time.Duration) (int, error)
}

// RunnerConfig wires the job kinds to the assistant.
type RunnerConfig struct {
	Proposer Proposer
	Expirer  Expirer

	// Notifier delivers proposals to the owner's phone.
	Notifier   business.Messenger
	OwnerPhone func(owner string) (string, bool)

	// ConfirmationTTL is used by expire jobs without a "ttl" param.
	ConfirmationTTL time.Duration

	Logger *slog.Logger
}

// Runner executes jobs by kind. Its Handle method is the JobHandler.
type Runner struct {
	cfg    RunnerConfig
	logger *slog.Logger
}

// NewRunner creates a job runner.
func NewRunner(cfg RunnerConfig) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: logger.With("component", "jobs")}
}

// Handle runs one job.
func (r *Runner) Handle(ctx context.Context, job *Job) (string, error) {
	if name, ok := kindTools[job.Kind]; ok {
		return r.propose(ctx, job, name)
	}
	if job.Kind == KindExpireConfirmations {
		return r.expire(ctx, job)
	}
	return "", fmt.Errorf("unknown job kind %q", job.Kind)
}

// propose stages the batch and sends the preview to the owner. Nothing is
// sent to clients until the owner confirms.
func (r *Runner) propose(ctx context.Context, job *Job, name tools.Name) (string, error) {
	if r.cfg.Proposer == nil || r.cfg.Notifier == nil {
		return "", errors.New("proposal jobs need a proposer and a notifier")
	}
	phone, ok := r.ownerPhone(job.Owner)
	if !ok {
		return "", fmt.Errorf("owner %q has no phone configured", job.Owner)
	}

	rec, text, err := r.cfg.Proposer.Propose(ctx, job.Owner, tools.Call{Name: string(name), Parameters: job.Params})
	if errors.Is(err, copilot.ErrEmptyBatch) {
		return "nothing to propose", nil
	}
	if err != nil {
		return "", fmt.Errorf("propose %s: %w", name, err)
	}

	if err := r.cfg.Notifier.SendText(ctx, phone, text); err != nil {
		return "", fmt.Errorf("notify owner %q: %w", job.Owner, err)
	}
	r.logger.Info("batch proposed to owner", "job", job.ID, "owner", job.Owner, "confirmation", rec.ID, "type", rec.Type)
	return "proposed " + rec.ShortID(), nil
}

func (r *Runner) expire(ctx context.Context, job *Job) (string, error) {
	if r.cfg.Expirer == nil {
		return "", errors.New("expire job needs an expirer")
	}
	ttl := r.cfg.ConfirmationTTL
	if raw, ok := job.Params["ttl"].(string); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return "", fmt.Errorf("invalid ttl %q: %w", raw, err)
		}
		ttl = d
	}
	n, err := r.cfg.Expirer.ExpireStale(ctx, ttl)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d expired", n), nil
}

func (r *Runner) ownerPhone(owner string) (string, bool) {
	if r.cfg.OwnerPhone == nil || owner == "" {
		return "", false
	}
	phone, ok := r.cfg.OwnerPhone(owner)
	return phone, ok && phone != ""
}

// defaultExpireSchedule is used for the implicit expiry job.
const defaultExpireSchedule = "@every 15m"

// FromConfig converts the configured jobs. An expiry job is added when ttl
// is positive and none is declared.
func FromConfig(cfg copilot.SchedulerConfig, ttl time.Duration) ([]*Job, error) {
	var (
		jobs      []*Job
		errs      []error
		hasExpire bool
	)
	seen := make(map[string]bool)
	for i, jc := range cfg.Jobs {
		if !ValidKind(jc.Kind) {
			errs = append(errs, fmt.Errorf("scheduler.jobs[%d]: unknown kind %q", i, jc.Kind))
			continue
		}
		if _, needsOwner := kindTools[jc.Kind]; needsOwner && jc.Owner == "" {
			errs = append(errs, fmt.Errorf("scheduler.jobs[%d]: owner is required for %s", i, jc.Kind))
			continue
		}

		id := jc.ID
		if id == "" {
			id = jc.Kind
			if jc.Owner != "" {
				id += "-" + jc.Owner
			}
		}
		if seen[id] {
			errs = append(errs, fmt.Errorf("scheduler.jobs[%d]: duplicate id %q", i, id))
			continue
		}
		seen[id] = true

		enabled := true
		if jc.Enabled != nil {
			enabled = *jc.Enabled
		}
		if jc.Kind == KindExpireConfirmations {
			hasExpire = true
		}
		jobs = append(jobs, &Job{
			ID:       id,
			Kind:     jc.Kind,
			Owner:    jc.Owner,
			Schedule: jc.Schedule,
			Params:   jc.Params,
			Enabled:  enabled,
		})
	}

	if !hasExpire && ttl > 0 && !seen[KindExpireConfirmations] {
		jobs = append(jobs, &Job{
			ID:       KindExpireConfirmations,
			Kind:     KindExpireConfirmations,
			Schedule: defaultExpireSchedule,
			Enabled:  true,
		})
	}
	return jobs, errors.Join(errs...)
}
