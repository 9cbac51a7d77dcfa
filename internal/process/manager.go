// Package process tracks the external encoder invocations started on behalf
// of composition jobs. A Manager is an explicit value owned by the
// application: every ffmpeg or ffprobe run is registered before it starts and
// deregistered once it exits, and shutdown can terminate everything that is
// still in flight.
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Static errors for lifecycle operations.
var (
	// ErrClosed is returned by Register once the manager has been closed.
	ErrClosed = errors.New("process manager is closed")
	// ErrUnknownHandle is returned by Deregister for an id that is not tracked.
	ErrUnknownHandle = errors.New("unknown process handle")
	// ErrTerminated is returned by Run when TerminateAll stopped the process.
	ErrTerminated = errors.New("process terminated")
	// ErrNilCommand is returned when a nil command is registered.
	ErrNilCommand = errors.New("nil command")
)

// Handle identifies one tracked invocation.
type Handle struct {
	// ID is unique per registration.
	ID string
	// JobID is the composition job the invocation belongs to.
	JobID string
	// StartedAt is the registration time.
	StartedAt time.Time

	mu         sync.Mutex // guards cmd.Process between Start and kill
	cmd        *exec.Cmd
	terminated chan struct{}
	once       sync.Once
}

// Command returns the command line of the tracked invocation.
func (h *Handle) Command() []string {
	if h.cmd == nil {
		return nil
	}
	return h.cmd.Args
}

func (h *Handle) markTerminated() bool {
	first := false
	h.once.Do(func() {
		close(h.terminated)
		first = true
	})
	return first
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout bounds every invocation run through the manager. Zero disables
// the deadline.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.timeout = d
		}
	}
}

// WithLogger sets the logger used for termination and sweep reports.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// Manager is the registry of in-flight encoder processes.
type Manager struct {
	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool

	timeout time.Duration
	logger  *slog.Logger
}

// NewManager creates an empty Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		handles: make(map[string]*Handle),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register starts tracking cmd for jobID. The command must not have been
// started yet.
func (m *Manager) Register(jobID string, cmd *exec.Cmd) (*Handle, error) {
	if cmd == nil {
		return nil, ErrNilCommand
	}

	h := &Handle{
		ID:         uuid.NewString(),
		JobID:      jobID,
		StartedAt:  time.Now(),
		cmd:        cmd,
		terminated: make(chan struct{}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	m.handles[h.ID] = h
	return h, nil
}

// Deregister stops tracking the handle with the given id.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handles[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, id)
	}
	delete(m.handles, id)
	return nil
}

// Run registers cmd, starts it and waits for its exit. The job id is taken
// from ctx (see WithJobID). Cancellation of ctx, the manager timeout and
// TerminateAll all kill the process; Run returns only after it has exited
// and been deregistered.
func (m *Manager) Run(ctx context.Context, cmd *exec.Cmd) error {
	h, err := m.Register(JobIDFromContext(ctx), cmd)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Deregister(h.ID); err != nil {
			m.logger.Warn("deregister process",
				slog.String("handle_id", h.ID),
				slog.String("error", err.Error()),
			)
		}
	}()

	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	select {
	case <-h.terminated:
		h.mu.Unlock()
		return ErrTerminated
	default:
	}
	err = cmd.Start()
	h.mu.Unlock()
	if err != nil {
		return fmt.Errorf("start %s: %w", cmd.Path, err)
	}

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	select {
	case err := <-exited:
		return err
	case <-ctx.Done():
		m.kill(h)
		<-exited
		return ctx.Err()
	case <-h.terminated:
		m.kill(h)
		<-exited
		return ErrTerminated
	}
}

// TerminateAll kills every tracked process. Failures are logged, never
// returned; processes that already exited are ignored.
func (m *Manager) TerminateAll() int {
	m.mu.Lock()
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	count := 0
	for _, h := range handles {
		if !h.markTerminated() {
			continue
		}
		count++
		m.kill(h)
	}

	if count > 0 {
		m.logger.Info("terminated encoder processes", slog.Int("count", count))
	}
	return count
}

// Close rejects further registrations and terminates what is still running.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.TerminateAll()
}

// Count returns the number of tracked invocations.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// Handles returns a snapshot of the tracked handles.
func (m *Manager) Handles() []*Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, h)
	}
	return out
}

// Sweep logs the tracked invocation count every interval until ctx is done.
// It is a monitoring hook and never terminates anything.
func (m *Manager) Sweep(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			handles := m.Handles()
			m.logger.Info("encoder process sweep", slog.Int("tracked", len(handles)))
			for _, h := range handles {
				m.logger.Debug("encoder process running",
					slog.String("handle_id", h.ID),
					slog.String("job_id", h.JobID),
					slog.Duration("elapsed", time.Since(h.StartedAt).Round(time.Second)),
					slog.String("command", strings.Join(h.Command(), " ")),
				)
			}
		}
	}
}

// kill signals the native process. The process may not have started yet or
// may already be gone; both are fine.
func (m *Manager) kill(h *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.logger.Warn("kill encoder process",
			slog.String("handle_id", h.ID),
			slog.String("job_id", h.JobID),
			slog.Int("pid", h.cmd.Process.Pid),
			slog.String("error", err.Error()),
		)
	}
}
