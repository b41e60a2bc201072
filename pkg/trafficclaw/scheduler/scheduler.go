// Package scheduler runs the recurring jobs of the assistant: proactive
// batch proposals sent to the owner and the expiry of stale confirmations.
// Uses robfig/cron for schedule parsing and firing, with SQLite persistence
// of the run state so restarts keep counters and last errors.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	// ErrJobNotFound is returned for an unknown job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobRunning is returned when a job is fired while its previous run
	// is still active.
	ErrJobRunning = errors.New("job already running")
)

// minJobInterval is the minimum time between two cron fires of the same job.
const minJobInterval = 2 * time.Second

// Job is one recurring task.
type Job struct {
	ID string `json:"id"`

	// Kind selects what the job does (see the Kind constants).
	Kind string `json:"kind"`

	// Owner is the actor the job works for. Empty for global jobs.
	Owner string `json:"owner,omitempty"`

	// Schedule is a 5-field cron expression or a descriptor such as
	// "@daily" or "@every 15m", evaluated in the scheduler location.
	Schedule string `json:"schedule"`

	// Params are passed to the job kind, e.g. the batch tool parameters.
	Params map[string]any `json:"params,omitempty"`

	Enabled   bool       `json:"enabled"`
	CreatedAt time.Time  `json:"created_at"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	RunCount  int        `json:"run_count"`
}

func (j *Job) clone() *Job {
	c := *j
	c.Params = maps.Clone(j.Params)
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		c.LastRunAt = &t
	}
	return &c
}

// JobHandler runs a fired job and returns a short description of what it did.
type JobHandler func(ctx context.Context, job *Job) (string, error)

// JobStorage persists jobs and their run state.
type JobStorage interface {
	Save(job *Job) error
	Delete(id string) error
	LoadAll() ([]*Job, error)
}

// Options configures a Scheduler.
type Options struct {
	// Location is the zone schedules are evaluated in. Defaults to Local.
	Location *time.Location

	// JobTimeout bounds one run. Defaults to 5 minutes.
	JobTimeout time.Duration

	Logger *slog.Logger
}

// Scheduler manages jobs with cron expressions.
type Scheduler struct {
	jobs        map[string]*Job
	cron        *cron.Cron
	cronIDs     map[string]cron.EntryID
	runningJobs map[string]bool

	parser     cron.Parser
	storage    JobStorage
	handler    JobHandler
	loc        *time.Location
	jobTimeout time.Duration
	now        func() time.Time

	logger *slog.Logger
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. storage may be nil.
func New(storage JobStorage, handler JobHandler, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	timeout := opts.JobTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return &Scheduler{
		jobs:        make(map[string]*Job),
		cronIDs:     make(map[string]cron.EntryID),
		runningJobs: make(map[string]bool),
		parser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		storage:     storage,
		handler:     handler,
		loc:         loc,
		jobTimeout:  timeout,
		now:         time.Now,
		logger:      logger.With("component", "scheduler"),
	}
}

// Add registers a new job.
func (s *Scheduler) Add(job *Job) error {
	if err := s.validate(job); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("job %q already exists", job.ID)
	}
	job = job.clone()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = s.now()
	}
	if err := s.scheduleLocked(job); err != nil {
		s.mu.Unlock()
		return err
	}
	s.jobs[job.ID] = job
	saved := job.clone()
	started := s.cron != nil
	s.mu.Unlock()

	// Before Start the stored run state has not been merged yet; Start
	// persists the job then.
	if started {
		s.persist(saved)
	}
	s.logger.Info("job added", "id", job.ID, "kind", job.Kind, "schedule", job.Schedule, "enabled", job.Enabled)
	return nil
}

// Sync adds the given jobs or updates the definition of existing ones,
// keeping their run state. Jobs declared in configuration go through here
// on every start.
func (s *Scheduler) Sync(jobs []*Job) error {
	var errs []error
	for _, job := range jobs {
		if err := s.validate(job); err != nil {
			errs = append(errs, err)
			continue
		}

		s.mu.Lock()
		cur, exists := s.jobs[job.ID]
		if !exists {
			s.mu.Unlock()
			if err := s.Add(job); err != nil {
				errs = append(errs, err)
			}
			continue
		}

		cur.Kind = job.Kind
		cur.Owner = job.Owner
		cur.Schedule = job.Schedule
		cur.Params = maps.Clone(job.Params)
		cur.Enabled = job.Enabled
		s.unscheduleLocked(cur.ID)
		err := s.scheduleLocked(cur)
		saved := cur.clone()
		started := s.cron != nil
		s.mu.Unlock()

		if err != nil {
			errs = append(errs, err)
			continue
		}
		if started {
			s.persist(saved)
		}
	}
	return errors.Join(errs...)
}

// Remove deletes a job.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	if _, exists := s.jobs[id]; !exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.unscheduleLocked(id)
	delete(s.jobs, id)
	s.mu.Unlock()

	if s.storage != nil {
		if err := s.storage.Delete(id); err != nil {
			s.logger.Error("failed to remove job from storage", "id", id, "err", err)
		}
	}
	s.logger.Info("job removed", "id", id)
	return nil
}

// List returns copies of every job ordered by id.
func (s *Scheduler) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j.clone())
	}
	slices.SortFunc(out, func(a, b Job) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Get returns a copy of a job.
func (s *Scheduler) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j.clone(), true
}

// NextRun returns when job fires next after t, or the zero time for
// disabled jobs and invalid schedules.
func (s *Scheduler) NextRun(job Job, t time.Time) time.Time {
	if !job.Enabled {
		return time.Time{}
	}
	sched, err := s.parser.Parse(job.Schedule)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(t.In(s.loc))
}

// Start loads persisted jobs and starts firing. Jobs added before Start keep
// their definition and take the persisted run state.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))

	if s.storage != nil {
		stored, err := s.storage.LoadAll()
		if err != nil {
			s.logger.Error("failed to load jobs", "err", err)
		}
		for _, job := range stored {
			if cur, ok := s.jobs[job.ID]; ok {
				cur.CreatedAt = job.CreatedAt
				cur.LastRunAt = job.LastRunAt
				cur.LastError = job.LastError
				cur.RunCount = job.RunCount
				continue
			}
			s.jobs[job.ID] = job
		}
		if len(stored) > 0 {
			s.logger.Info("jobs loaded from storage", "count", len(stored))
		}
	}

	for _, job := range s.jobs {
		s.persist(job.clone())
		if err := s.scheduleLocked(job); err != nil {
			s.logger.Warn("skipping job with invalid schedule", "id", job.ID, "schedule", job.Schedule, "err", err)
		}
	}
	s.cron.Start()

	s.logger.Info("scheduler started", "jobs", len(s.jobs), "cron_entries", len(s.cron.Entries()), "location", s.loc.String())
	return nil
}

// Stop stops firing and waits up to 10 seconds for running jobs.
func (s *Scheduler) Stop() {
	s.mu.RLock()
	c := s.cron
	s.mu.RUnlock()

	if c != nil {
		done := c.Stop()
		select {
		case <-done.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("scheduler stop timed out")
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped")
}

// RunNow runs a job immediately, regardless of its schedule and enabled
// flag, and returns the handler output.
func (s *Scheduler) RunNow(ctx context.Context, id string) (string, error) {
	return s.run(ctx, id)
}

func (s *Scheduler) validate(job *Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if job.Schedule == "" {
		return fmt.Errorf("job %q: schedule is required", job.ID)
	}
	if _, err := s.parser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", job.ID, job.Schedule, err)
	}
	return nil
}

// scheduleLocked registers an enabled job with cron once it is running.
func (s *Scheduler) scheduleLocked(job *Job) error {
	if s.cron == nil || !job.Enabled {
		return nil
	}
	id := job.ID
	entryID, err := s.cron.AddFunc(job.Schedule, func() { s.fire(id) })
	if err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", id, job.Schedule, err)
	}
	s.cronIDs[id] = entryID
	return nil
}

func (s *Scheduler) unscheduleLocked(id string) {
	if entryID, ok := s.cronIDs[id]; ok {
		s.cron.Remove(entryID)
		delete(s.cronIDs, id)
	}
}

// fire is the cron callback.
func (s *Scheduler) fire(id string) {
	s.mu.RLock()
	job, ok := s.jobs[id]
	var last *time.Time
	if ok {
		last = job.LastRunAt
	}
	s.mu.RUnlock()
	if !ok {
		return
	}
	if last != nil && s.now().Sub(*last) < minJobInterval {
		s.logger.Debug("skipping job (ran too recently)", "id", id, "last_run_at", last.Format(time.RFC3339))
		return
	}

	if _, err := s.run(s.ctx, id); errors.Is(err, ErrJobRunning) {
		s.logger.Warn("skipping job (already running)", "id", id)
	}
}

func (s *Scheduler) run(ctx context.Context, id string) (out string, err error) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if s.runningJobs[id] {
		s.mu.Unlock()
		return "", ErrJobRunning
	}
	s.runningJobs[id] = true
	now := s.now()
	job.LastRunAt = &now
	job.RunCount++
	snapshot := job.clone()
	s.mu.Unlock()

	// Persist the run start so a crash mid-run does not refire on restart.
	s.persist(snapshot)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled job panicked", "id", id, "panic", r)
			err = fmt.Errorf("job %q panicked: %v", id, r)
		}
		s.finish(id, err)
		if err != nil {
			s.logger.Error("scheduled job failed", "id", id, "kind", snapshot.Kind, "err", err, "duration", time.Since(start))
		} else {
			s.logger.Info("scheduled job completed", "id", id, "kind", snapshot.Kind, "result", out, "duration", time.Since(start))
		}
	}()

	if s.handler == nil {
		return "", errors.New("no job handler configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	s.logger.Info("executing scheduled job", "id", id, "kind", snapshot.Kind, "owner", snapshot.Owner)
	return s.handler(ctx, snapshot)
}

func (s *Scheduler) finish(id string, runErr error) {
	s.mu.Lock()
	delete(s.runningJobs, id)
	job, stillExists := s.jobs[id]
	var saved *Job
	if stillExists {
		job.LastError = ""
		if runErr != nil {
			job.LastError = runErr.Error()
		}
		saved = job.clone()
	}
	s.mu.Unlock()

	if saved != nil {
		s.persist(saved)
	}
}

func (s *Scheduler) persist(job *Job) {
	if s.storage == nil {
		return
	}
	if err := s.storage.Save(job); err != nil {
		s.logger.Error("failed to persist job", "id", job.ID, "err", err)
	}
}
