package process

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipIfMissing(t *testing.T, bins ...string) {
	t.Helper()
	for _, b := range bins {
		if _, err := exec.LookPath(b); err != nil {
			t.Skipf("%s not found in PATH, skipping test", b)
		}
	}
}

func newTestManager(opts ...Option) *Manager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewManager(append([]Option{WithLogger(logger)}, opts...)...)
}

func TestRegisterDeregister(t *testing.T) {
	m := newTestManager()

	h, err := m.Register("job-1", exec.Command("true"))
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID)
	assert.Equal(t, "job-1", h.JobID)
	assert.Equal(t, 1, m.Count())

	require.NoError(t, m.Deregister(h.ID))
	assert.Equal(t, 0, m.Count())

	err = m.Deregister(h.ID)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestRegister_NilCommand(t *testing.T) {
	m := newTestManager()
	_, err := m.Register("job", nil)
	assert.ErrorIs(t, err, ErrNilCommand)
}

func TestRegister_AfterClose(t *testing.T) {
	m := newTestManager()
	m.Close()

	_, err := m.Register("job", exec.Command("true"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRun_Success(t *testing.T) {
	skipIfMissing(t, "true")
	m := newTestManager()

	err := m.Run(WithJobID(context.Background(), "job-ok"), exec.Command("true"))
	require.NoError(t, err)
	assert.Equal(t, 0, m.Count())
}

func TestRun_NonZeroExitDeregisters(t *testing.T) {
	skipIfMissing(t, "false")
	m := newTestManager()

	err := m.Run(context.Background(), exec.Command("false"))
	require.Error(t, err)
	var exitErr *exec.ExitError
	assert.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 0, m.Count())
}

func TestRun_StartFailureDeregisters(t *testing.T) {
	m := newTestManager()

	err := m.Run(context.Background(), exec.Command("/nonexistent/encoder-binary"))
	require.Error(t, err)
	assert.Equal(t, 0, m.Count())
}

func TestRun_CancelledContext(t *testing.T) {
	skipIfMissing(t, "sleep")
	m := newTestManager()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, exec.Command("sleep", "30")) }()

	require.Eventually(t, func() bool { return m.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, 0, m.Count())
}

func TestRun_Timeout(t *testing.T) {
	skipIfMissing(t, "sleep")
	m := newTestManager(WithTimeout(100 * time.Millisecond))

	start := time.Now()
	err := m.Run(context.Background(), exec.Command("sleep", "30"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 0, m.Count())
}

func TestTerminateAll(t *testing.T) {
	skipIfMissing(t, "sleep")
	m := newTestManager()

	const n = 3
	done := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			done <- m.Run(WithJobID(context.Background(), "job-kill"), exec.Command("sleep", "30"))
		}()
	}

	require.Eventually(t, func() bool { return m.Count() == n }, 2*time.Second, 10*time.Millisecond)
	for _, h := range m.Handles() {
		assert.Equal(t, "job-kill", h.JobID)
		assert.Equal(t, []string{"sleep", "30"}, h.Command())
	}

	assert.Equal(t, n, m.TerminateAll())

	for i := 0; i < n; i++ {
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrTerminated)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after TerminateAll")
		}
	}
	assert.Equal(t, 0, m.Count())
}

func TestTerminateAll_NothingTracked(t *testing.T) {
	m := newTestManager()
	assert.Equal(t, 0, m.TerminateAll())
}

func TestTerminateAll_BeforeStart(t *testing.T) {
	m := newTestManager()

	// A registered but never started command must not panic on kill.
	h, err := m.Register("job", exec.Command("sleep", "30"))
	require.NoError(t, err)
	assert.Equal(t, 1, m.TerminateAll())
	// A second pass does not count the same handle again.
	assert.Equal(t, 0, m.TerminateAll())
	require.NoError(t, m.Deregister(h.ID))
}

func TestSweep_StopsWithContext(t *testing.T) {
	m := newTestManager()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Sweep(ctx, 5*time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Sweep did not stop")
	}
}

// syncBuffer is a bytes.Buffer safe for a logger goroutine and a reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSweep_ReportsTrackedCommands(t *testing.T) {
	var out syncBuffer
	m := NewManager(WithLogger(slog.New(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug}))))

	h, err := m.Register("job-sweep", exec.Command("sleep", "30"))
	require.NoError(t, err)
	defer func() { _ = m.Deregister(h.ID) }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Sweep(ctx, 5*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("command=\"sleep 30\""))
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	logged := out.String()
	assert.Contains(t, logged, "tracked=1")
	assert.Contains(t, logged, "job_id=job-sweep")
	assert.Equal(t, 1, m.Count(), "sweeping never removes handles")
}

func TestJobIDFromContext(t *testing.T) {
	assert.Equal(t, "", JobIDFromContext(context.Background()))
	assert.Equal(t, "job-9", JobIDFromContext(WithJobID(context.Background(), "job-9")))
}
