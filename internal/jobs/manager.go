package jobs

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/avatarcore/internal/clock"
)

// Publisher delivers job events to the job's scope.
type Publisher interface {
	Publish(scope, eventType string, payload any) int
}

type entry struct {
	mu  sync.Mutex
	job Job
}

// Manager is the in-memory job table. Each job is mutated under its own
// lock and its events are published under that same lock, so subscribers
// see them in mutation order.
type Manager struct {
	mu         sync.RWMutex
	jobs       map[string]*entry
	clock      clock.Clock
	pub        Publisher
	logger     *slog.Logger
	onTerminal func(Job)
}

func NewManager(clk clock.Clock, pub Publisher, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		jobs:   make(map[string]*entry),
		clock:  clk,
		pub:    pub,
		logger: logger,
	}
}

// SetTerminalHook registers a callback run once when a job completes or fails.
func (m *Manager) SetTerminalHook(hook func(Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTerminal = hook
}

func (m *Manager) Create(kind Kind, ownerID string) (Job, error) {
	if _, ok := stages[kind]; !ok {
		return Job{}, ErrUnknownKind
	}
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return Job{}, fmt.Errorf("owner id is required")
	}
	now := m.clock.Now()
	job := Job{
		ID:        string(kind) + "_" + ownerID + "_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + uuid.NewString()[:8],
		OwnerID:   ownerID,
		Kind:      kind,
		Stage:     StageQueued,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.jobs[job.ID] = &entry{job: job}
	m.mu.Unlock()
	return job, nil
}

// Advance moves a running job to stage at progress. Regressions, foreign
// stages and terminal jobs are rejected and logged; the job is unchanged.
func (m *Manager) Advance(jobID, stage string, progress int, message string) (Job, error) {
	e, ok := m.lookup(jobID)
	if !ok {
		return Job{}, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	job := &e.job

	var err error
	switch {
	case job.Terminal():
		err = ErrTerminal
	case !validStage(job.Kind, stage):
		err = ErrUnknownStage
	case progress < 0 || progress > 100:
		err = ErrInvalidProgress
	case progress < job.Progress:
		err = ErrProgressRegression
	}
	if err != nil {
		m.logger.Warn("job advance rejected",
			"job_id", job.ID,
			"stage", stage,
			"progress", progress,
			"current_progress", job.Progress,
			"error", err,
		)
		return *job, err
	}

	job.Stage = stage
	job.Progress = progress
	job.Message = message
	job.UpdatedAt = m.laterOf(job.UpdatedAt)
	m.publishProgressLocked(job)
	return *job, nil
}

// Complete finishes a running job. Once terminal, further calls are no-ops
// that return the stored job.
func (m *Manager) Complete(jobID string, result any) (Job, error) {
	return m.finish(jobID, func(job *Job) {
		job.Status = StatusCompleted
		job.Stage = StageCompleted
		job.Progress = 100
		job.Message = "completed"
		job.Result = result
	})
}

// Fail records cause and finishes a running job. Idempotent like Complete.
func (m *Manager) Fail(jobID string, cause error) (Job, error) {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return m.finish(jobID, func(job *Job) {
		job.Status = StatusFailed
		job.Stage = StageFailed
		job.Message = msg
		job.Error = msg
	})
}

func (m *Manager) finish(jobID string, apply func(*Job)) (Job, error) {
	e, ok := m.lookup(jobID)
	if !ok {
		return Job{}, ErrNotFound
	}

	e.mu.Lock()
	job := &e.job
	if job.Terminal() {
		out := *job
		e.mu.Unlock()
		return out, nil
	}
	apply(job)
	job.UpdatedAt = m.laterOf(job.UpdatedAt)
	job.EndedAt = job.UpdatedAt
	m.publishProgressLocked(job)
	if m.pub != nil {
		if job.Status == StatusCompleted {
			m.pub.Publish(job.ID, EventJobCompleted, Completed{JobID: job.ID, Result: job.Result})
		} else {
			m.pub.Publish(job.ID, EventJobFailed, Failed{JobID: job.ID, Error: job.Error})
		}
	}
	out := *job
	e.mu.Unlock()

	m.mu.RLock()
	hook := m.onTerminal
	m.mu.RUnlock()
	if hook != nil {
		hook(out)
	}
	return out, nil
}

func (m *Manager) Get(jobID string) (Job, error) {
	e, ok := m.lookup(jobID)
	if !ok {
		return Job{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job, nil
}

// SweepStale purges terminal jobs that finished more than grace ago and
// force-fails running jobs older than ceiling. Force-failed jobs are kept
// for their own grace period.
func (m *Manager) SweepStale(grace, ceiling time.Duration) SweepReport {
	now := m.clock.Now()
	var report SweepReport

	m.mu.Lock()
	var overdue []string
	for id, e := range m.jobs {
		e.mu.Lock()
		switch {
		case e.job.Terminal() && now.Sub(e.job.EndedAt) > grace:
			delete(m.jobs, id)
			report.Purged = append(report.Purged, id)
		case !e.job.Terminal() && ceiling > 0 && now.Sub(e.job.CreatedAt) > ceiling:
			overdue = append(overdue, id)
		}
		e.mu.Unlock()
	}
	m.mu.Unlock()

	for _, id := range overdue {
		job, err := m.Fail(id, fmt.Errorf("job exceeded %s without finishing", ceiling))
		if err == nil && job.Status == StatusFailed {
			report.ForceFailed = append(report.ForceFailed, id)
		}
	}
	sort.Strings(report.Purged)
	sort.Strings(report.ForceFailed)
	return report
}

// ActiveCount counts running jobs.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.jobs {
		e.mu.Lock()
		if !e.job.Terminal() {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// ListByOwner returns the owner's jobs, newest first.
func (m *Manager) ListByOwner(ownerID string) []Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Job
	for _, e := range m.jobs {
		e.mu.Lock()
		if e.job.OwnerID == ownerID {
			out = append(out, e.job)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *Manager) lookup(jobID string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.jobs[strings.TrimSpace(jobID)]
	return e, ok
}

func (m *Manager) laterOf(prev time.Time) time.Time {
	now := m.clock.Now()
	if now.Before(prev) {
		return prev
	}
	return now
}

func (m *Manager) publishProgressLocked(job *Job) {
	if m.pub == nil {
		return
	}
	m.pub.Publish(job.ID, EventJobProgress, Snapshot(*job))
}

// Snapshot is the job_progress view of job.
func Snapshot(job Job) Progress {
	return Progress{
		JobID:    job.ID,
		Kind:     job.Kind,
		Stage:    job.Stage,
		Progress: job.Progress,
		Status:   job.Status,
		Message:  job.Message,
	}
}
