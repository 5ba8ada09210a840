// Package stream tracks push jobs: one job per live input, binding a stream
// key to the output it is remuxed to. Jobs move Created -> Started ->
// Stopped and are forgotten once stopped.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/pushmux/internal/metrics"
)

// State is a job's lifecycle position.
type State int

const (
	StateCreated State = iota
	StateStarted
	StateStopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotFound is returned for a key with no job.
	ErrNotFound = errors.New("stream: no such job")
	// ErrAlreadyStarted is returned by Start for a job that has run.
	ErrAlreadyStarted = errors.New("stream: job already started")
)

// RunFunc does a job's work. It should return promptly once ctx is done.
type RunFunc func(ctx context.Context) error

// Job is one push: a stream key remuxed to an output.
type Job struct {
	Key       string
	Output    string
	CreatedAt time.Time

	mu        sync.Mutex
	state     State
	startedAt time.Time
	err       error
	cancel    context.CancelFunc
	done      chan struct{}
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the error the job's RunFunc returned, once stopped.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Uptime is the time since Start, or zero before it.
func (j *Job) Uptime() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.startedAt.IsZero() {
		return 0
	}
	return time.Since(j.startedAt)
}

// Done is closed when the job reaches StateStopped.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Manager manages the lifecycle of push jobs.
type Manager struct {
	log  *slog.Logger
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewManager creates a new job manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:  log.With("component", "stream-manager"),
		jobs: make(map[string]*Job),
	}
}

// Create registers a new job. Returns the job and true if created,
// or nil and false if a job with this key already exists.
func (m *Manager) Create(key, output string) (*Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[key]; ok {
		m.log.Warn("job already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	j := &Job{
		Key:       key,
		Output:    output,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
	m.jobs[key] = j
	metrics.ActiveJobs.Inc()
	m.log.Info("job created", "key", key, "output", output)
	return j, true
}

// Start runs fn for the job on its own goroutine. The job is removed when
// fn returns.
func (m *Manager) Start(ctx context.Context, key string, fn RunFunc) error {
	m.mu.RLock()
	j, ok := m.jobs[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	j.mu.Lock()
	if j.state != StateCreated {
		j.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyStarted, key)
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.state = StateStarted
	j.startedAt = time.Now()
	j.cancel = cancel
	j.mu.Unlock()

	m.log.Info("job started", "key", key)
	go func() {
		err := fn(runCtx)
		cancel()
		m.finish(j, err)
	}()
	return nil
}

// finish moves j to StateStopped and forgets it.
func (m *Manager) finish(j *Job, err error) {
	j.mu.Lock()
	if j.state == StateStopped {
		j.mu.Unlock()
		return
	}
	j.state = StateStopped
	j.err = err
	uptime := time.Duration(0)
	if !j.startedAt.IsZero() {
		uptime = time.Since(j.startedAt)
	}
	j.mu.Unlock()

	m.mu.Lock()
	if m.jobs[j.Key] == j {
		delete(m.jobs, j.Key)
	}
	m.mu.Unlock()

	metrics.ActiveJobs.Dec()
	close(j.done)
	if err != nil {
		m.log.Warn("job stopped", "key", j.Key, "uptime_ms", uptime.Milliseconds(), "error", err)
		return
	}
	m.log.Info("job stopped", "key", j.Key, "uptime_ms", uptime.Milliseconds())
}

// Stop cancels the job for key and waits for it to reach StateStopped. A
// job that was never started is stopped directly.
func (m *Manager) Stop(key string) error {
	m.mu.RLock()
	j, ok := m.jobs[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, key)
	}

	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel == nil {
		m.finish(j, nil)
		return nil
	}
	cancel()
	<-j.done
	return nil
}

// Remove stops the job for key if there is one.
func (m *Manager) Remove(key string) {
	if err := m.Stop(key); err != nil {
		m.log.Debug("remove", "key", key, "error", err)
	}
}

// StopAll stops every job and waits for them.
func (m *Manager) StopAll() {
	for _, j := range m.List() {
		m.Remove(j.Key)
	}
}

// Get returns the job for key.
func (m *Manager) Get(key string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[key]
	return j, ok
}

// List returns all jobs ordered by key.
func (m *Manager) List() []*Job {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.RUnlock()

	slices.SortFunc(jobs, func(a, b *Job) int {
		return strings.Compare(a.Key, b.Key)
	})
	return jobs
}
