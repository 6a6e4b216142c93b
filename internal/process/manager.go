package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nerrad567/tuya-gateway/internal/infrastructure/config"
)

// Status represents the current state of a managed process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

const (
	defaultRestartDelay    = time.Second
	defaultMaxRestartDelay = time.Minute
	defaultGracefulTimeout = 10 * time.Second

	// stableRunTime is how long a process must stay up before the restart
	// backoff starts again from its initial delay.
	stableRunTime = time.Minute
)

// ErrAlreadyStarted is returned by a second call to Start.
var ErrAlreadyStarted = errors.New("process: already started")

// Config holds configuration for a managed subprocess.
type Config struct {
	// Name identifies the process in logs.
	Name string

	Binary string
	Args   []string

	// Env is appended to the gateway's own environment.
	Env []string

	// RestartDelay is the first delay after an unexpected exit. Later
	// delays grow exponentially up to MaxRestartDelay.
	RestartDelay    time.Duration
	MaxRestartDelay time.Duration

	// MaxRestarts limits restarts. 0 means unlimited.
	MaxRestarts int

	// GracefulTimeout is how long Stop waits after SIGTERM before the
	// process is killed.
	GracefulTimeout time.Duration
}

// FromConfig builds a Config for the protocol agent.
func FromConfig(name string, c config.AgentProcessConfig) Config {
	return Config{
		Name:            name,
		Binary:          c.Binary,
		Args:            c.Args,
		Env:             c.Env,
		RestartDelay:    time.Duration(c.RestartDelay) * time.Second,
		MaxRestartDelay: time.Duration(c.MaxRestartDelay) * time.Second,
		MaxRestarts:     c.MaxRestarts,
		GracefulTimeout: time.Duration(c.GracefulTimeout) * time.Second,
	}
}

// Logger defines the logging interface for the process manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager runs one subprocess and restarts it when it exits unexpectedly.
//
// Thread Safety: All methods are safe for concurrent use.
type Manager struct {
	cfg    Config
	logger Logger

	mu        sync.RWMutex
	status    Status
	pid       int
	restarts  int
	lastErr   error
	startedAt time.Time

	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Manager. Zero delays take their defaults.
func New(cfg Config) (*Manager, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("binary is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Binary
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}
	if cfg.MaxRestartDelay < cfg.RestartDelay {
		cfg.MaxRestartDelay = max(defaultMaxRestartDelay, cfg.RestartDelay)
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}

	return &Manager{
		cfg:    cfg,
		logger: noopLogger{},
		status: StatusStopped,
		done:   make(chan struct{}),
	}, nil
}

// SetLogger sets the logger for the manager. Call before Start.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the process and supervises it until ctx is cancelled or
// Stop is called. It fails if the first launch fails.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.status = StatusStarting
	m.mu.Unlock()

	cmd, err := m.launch(runCtx)
	if err != nil {
		cancel()
		m.setExited(StatusFailed, err)
		close(m.done)
		return err
	}

	go m.supervise(runCtx, cmd)
	return nil
}

// Stop terminates the process group and waits for supervision to end.
// Safe to call more than once, and before Start.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		started := m.started
		m.mu.Unlock()

		if !started {
			return
		}
		cancel()
		<-m.done
	})
}

// launch starts one instance of the process in its own process group.
func (m *Manager) launch(ctx context.Context) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, m.cfg.Binary, m.cfg.Args...) //nolint:gosec // binary comes from operator configuration
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd, syscall.SIGTERM)
	}
	cmd.WaitDelay = m.cfg.GracefulTimeout
	if len(m.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), m.cfg.Env...)
	}
	cmd.Stdout = &lineLogger{logger: m.logger, name: m.cfg.Name, stream: "stdout"}
	cmd.Stderr = &lineLogger{logger: m.logger, name: m.cfg.Name, stream: "stderr"}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", m.cfg.Name, err)
	}

	m.mu.Lock()
	m.status = StatusRunning
	m.pid = cmd.Process.Pid
	m.startedAt = time.Now()
	m.mu.Unlock()

	m.logger.Info("process started", "name", m.cfg.Name, "pid", cmd.Process.Pid)
	return cmd, nil
}

// supervise waits for the process and restarts it with exponential
// backoff until the context ends or the restart budget is spent.
func (m *Manager) supervise(ctx context.Context, cmd *exec.Cmd) {
	defer close(m.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RestartDelay
	b.MaxInterval = m.cfg.MaxRestartDelay
	b.MaxElapsedTime = 0

	for {
		err := cmd.Wait()
		ran := m.sinceStart()
		if ctx.Err() != nil {
			m.setExited(StatusStopped, nil)
			m.logger.Info("process stopped", "name", m.cfg.Name)
			return
		}

		if err == nil {
			err = errors.New("exited with status 0")
		}
		m.setExited(StatusFailed, err)
		m.logger.Warn("process exited unexpectedly", "name", m.cfg.Name, "error", err)

		if ran >= stableRunTime {
			b.Reset()
		}

		next, ok := m.restart(ctx, b)
		if !ok {
			return
		}
		cmd = next
	}
}

// restart relaunches the process, retrying failed launches, until it runs
// or supervision has to end.
func (m *Manager) restart(ctx context.Context, b backoff.BackOff) (*exec.Cmd, bool) {
	for {
		m.mu.Lock()
		if m.cfg.MaxRestarts > 0 && m.restarts >= m.cfg.MaxRestarts {
			m.mu.Unlock()
			m.logger.Error("max restarts reached, giving up", "name", m.cfg.Name, "restarts", m.cfg.MaxRestarts)
			return nil, false
		}
		m.restarts++
		attempt := m.restarts
		m.mu.Unlock()

		delay := b.NextBackOff()
		m.logger.Info("restarting process", "name", m.cfg.Name, "attempt", attempt, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.setExited(StatusStopped, nil)
			return nil, false
		case <-timer.C:
		}

		cmd, err := m.launch(ctx)
		if err == nil {
			return cmd, true
		}
		m.setExited(StatusFailed, err)
		m.logger.Error("failed to restart process", "name", m.cfg.Name, "error", err)
	}
}

func (m *Manager) sinceStart() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.startedAt)
}

func (m *Manager) setExited(status Status, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
	m.pid = 0
	if err != nil {
		m.lastErr = err
	}
}

// signalGroup signals the whole process group started for cmd.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signalling process group: %w", err)
	}
	return nil
}

// =============================================================================
// Status
// =============================================================================

// Status returns the current status of the managed process.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Uptime returns how long the current instance has been running, or 0.
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusRunning {
		return 0
	}
	return time.Since(m.startedAt)
}

// Stats is a point-in-time view of a managed process.
type Stats struct {
	Name          string `json:"name"`
	Status        Status `json:"status"`
	PID           int    `json:"pid,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds,omitempty"`
	Restarts      int    `json:"restarts"`
	LastError     string `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Name:     m.cfg.Name,
		Status:   m.status,
		PID:      m.pid,
		Restarts: m.restarts,
	}
	if m.status == StatusRunning {
		stats.UptimeSeconds = int64(time.Since(m.startedAt).Seconds())
	}
	if m.lastErr != nil {
		stats.LastError = m.lastErr.Error()
	}
	return stats
}

// =============================================================================
// Output capture
// =============================================================================

// lineLogger logs process output one line at a time. exec copies output
// from a single goroutine per stream, so it needs no locking.
type lineLogger struct {
	logger Logger
	name   string
	stream string
	buf    []byte
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(l.buf[:i], "\r"); len(line) > 0 {
			l.logger.Debug("process output", "name", l.name, "stream", l.stream, "line", string(line))
		}
		l.buf = l.buf[i+1:]
	}
	return len(p), nil
}
