// Package shutdown coordinates stopping a pumped server. A signal or an
// explicit Request cancels the manager's context; the goroutine that owns
// the server notices, leaves its pump loop and calls Shutdown, which runs
// the registered hooks on that same goroutine.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/billm/baaaht/ipcserver/internal/logger"
	"github.com/billm/baaaht/ipcserver/pkg/types"
)

// State represents the current state of the shutdown process
type State string

const (
	// StateRunning indicates the server is running normally
	StateRunning State = "running"
	// StateInitiated indicates shutdown has been requested
	StateInitiated State = "initiated"
	// StateStopping indicates hooks are running
	StateStopping State = "stopping"
	// StateComplete indicates shutdown is complete
	StateComplete State = "complete"
)

// String returns the state name
func (s State) String() string {
	return string(s)
}

// Hook is a function called during shutdown
type Hook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

// Manager manages the shutdown process
type Manager struct {
	mu        sync.RWMutex
	state     State
	timeout   time.Duration
	hooks     []namedHook
	logger    *logger.Logger
	signals   chan os.Signal
	stop      chan struct{}
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	started   bool
	reason    string
	initiated time.Time
}

// New creates a shutdown manager whose hooks share timeout
func New(timeout time.Duration, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		state:   StateRunning,
		timeout: timeout,
		logger:  log.With("component", "shutdown_manager"),
		signals: make(chan os.Signal, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins listening for SIGINT and SIGTERM
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	signal.Notify(m.signals, syscall.SIGINT, syscall.SIGTERM)
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.started = true
	m.logger.Debug("Shutdown manager started", "timeout", m.timeout.String())

	go m.handleSignals(m.stop, m.done)
}

// Stop stops signal handling
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}
	signal.Stop(m.signals)
	close(m.stop)
	m.started = false
	m.logger.Debug("Shutdown manager stopped")
}

func (m *Manager) handleSignals(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case sig := <-m.signals:
			m.logger.Info("Shutdown signal received", "signal", sig.String())
			m.Request(fmt.Sprintf("signal received: %s", sig))
		case <-m.ctx.Done():
			return
		}
	}
}

// Context is cancelled once shutdown is requested
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Request asks for shutdown. It returns false if shutdown was already
// requested.
func (m *Manager) Request(reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return false
	}
	m.state = StateInitiated
	m.reason = reason
	m.initiated = time.Now()
	m.cancel()
	m.logger.Info("Shutdown initiated", "reason", reason)
	return true
}

// AddHook registers a hook. Hooks run in registration order.
func (m *Manager) AddHook(name string, hook Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, fn: hook})
	m.logger.Debug("Shutdown hook registered", "hook", name, "total_hooks", len(m.hooks))
}

// Shutdown runs every hook and marks shutdown complete. Hook failures do
// not stop later hooks; they are joined into the returned error.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Request("shutdown called")

	m.mu.Lock()
	if m.state != StateInitiated {
		m.mu.Unlock()
		return types.NewError(types.ErrCodeServerClosed, "shutdown already in progress or complete")
	}
	m.state = StateStopping
	hooks := make([]namedHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var errs []error
	for _, h := range hooks {
		if err := h.fn(shutdownCtx); err != nil {
			m.logger.Error("Shutdown hook failed", "hook", h.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	if err := shutdownCtx.Err(); err != nil {
		errs = append(errs, types.WrapError(types.ErrCodeInternal, "shutdown timed out", err))
	}

	m.mu.Lock()
	m.state = StateComplete
	reason, initiated := m.reason, m.initiated
	m.mu.Unlock()

	m.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(initiated).String())
	return errors.Join(errs...)
}

// State returns the current shutdown state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Reason returns why shutdown was requested
func (m *Manager) Reason() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reason
}
