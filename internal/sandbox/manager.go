package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/workspace"
)

var (
	// ErrPoolQueueFull is returned when too many callers are already
	// waiting for a sandbox slot.
	ErrPoolQueueFull = errors.New("sandbox creation queue full")
	// ErrManagerClosed is returned after ShutdownAll.
	ErrManagerClosed = errors.New("sandbox manager closed")
)

// fatalErrorMarkers invalidate a sandbox: once an execution dies this way
// the environment cannot be trusted for the next call.
var fatalErrorMarkers = []string{
	"timeout", "docker", "container", "memory", "killed", "signal", "resource",
}

// Config controls pool sizing and idle reaping.
type Config struct {
	MaxConcurrency int
	MaxQueue       int
	IdleTTL        time.Duration
	ReaperInterval time.Duration
	Logger         *slog.Logger
	Metrics        *observability.Metrics
}

// DefaultConfig reads sandbox limits from the environment.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: envInt("SANDBOX_MAX_CONCURRENCY", 16),
		MaxQueue:       envInt("SANDBOX_MAX_QUEUE", 32),
		IdleTTL:        envSeconds("SANDBOX_IDLE_TTL_SECONDS", 900),
		ReaperInterval: envSeconds("SANDBOX_REAPER_INTERVAL_SECONDS", 60),
	}
}

// handle is one worldline's sandbox. Its mutex serializes executions and
// doubles as the in-use signal for the reaper's TryLock.
type handle struct {
	worldlineID string
	instance    Instance

	mu       sync.Mutex
	lastUsed time.Time
}

// creation is an in-progress sandbox start that later callers await.
type creation struct {
	done chan struct{}
	h    *handle
	err  error
}

// Manager owns the sticky per-worldline sandboxes.
type Manager struct {
	runner  Runner
	layout  workspace.Layout
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	handles  map[string]*handle
	creating map[string]*creation
	queued   int
	closed   bool

	slots chan struct{}

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewManager creates a manager. Call Start to run the idle reaper.
func NewManager(runner Runner, layout workspace.Layout, cfg Config) *Manager {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.MaxQueue < 0 {
		cfg.MaxQueue = 0
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 15 * time.Minute
	}
	if cfg.ReaperInterval <= 0 {
		cfg.ReaperInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "sandbox")
	}
	return &Manager{
		runner:   runner,
		layout:   layout,
		cfg:      cfg,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		handles:  make(map[string]*handle),
		creating: make(map[string]*creation),
		slots:    make(chan struct{}, cfg.MaxConcurrency),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the idle reaper. Idempotent.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info("starting sandbox reaper",
		"idle_ttl", m.cfg.IdleTTL,
		"interval", m.cfg.ReaperInterval,
		"max_concurrency", m.cfg.MaxConcurrency,
	)
	m.wg.Add(1)
	go m.reapLoop()
}

func (m *Manager) reapLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if n := m.ReapIdle(m.cfg.IdleTTL); n > 0 {
				m.logger.Info("reaped idle sandboxes", "count", n)
			}
		}
	}
}

// Execute runs code in the worldline's sandbox, creating it on first use.
// Executions on the same worldline serialize; distinct worldlines run in
// parallel up to the pool limit.
func (m *Manager) Execute(ctx context.Context, worldlineID, code string, timeout time.Duration) (ExecResult, error) {
	h, err := m.acquireHandle(ctx, worldlineID)
	if err != nil {
		return ExecResult{}, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastUsed = time.Now()

	result, err := h.instance.Exec(ctx, code, timeout)
	h.lastUsed = time.Now()
	if err != nil {
		// Transport-level failure: the instance state is unknown.
		m.invalidate(h, "exec_error")
		return ExecResult{}, fmt.Errorf("sandbox exec for %s: %w", worldlineID, err)
	}
	m.metrics.RecordSandboxExec(result.Duration)

	if result.Error != "" && isFatalExecError(result.Error) {
		m.logger.Warn("invalidating sandbox after fatal execution error",
			"worldline_id", worldlineID, "error", result.Error)
		m.invalidate(h, "fatal")
	}
	return result, nil
}

// acquireHandle returns the worldline's handle, waiting on or becoming the
// creator as needed.
func (m *Manager) acquireHandle(ctx context.Context, worldlineID string) (*handle, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrManagerClosed
		}
		if h, ok := m.handles[worldlineID]; ok {
			m.mu.Unlock()
			return h, nil
		}
		if c, ok := m.creating[worldlineID]; ok {
			m.mu.Unlock()
			select {
			case <-c.done:
				if c.err != nil {
					return nil, c.err
				}
				return c.h, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		// No handle, nobody creating: this caller becomes the creator.
		if m.queued >= m.cfg.MaxQueue {
			free := false
			select {
			case m.slots <- struct{}{}:
				free = true
			default:
			}
			if !free {
				m.mu.Unlock()
				return nil, fmt.Errorf("sandbox for %s: %w", worldlineID, ErrPoolQueueFull)
			}
			// Grabbed a slot without queueing; fall through as creator.
			c := &creation{done: make(chan struct{})}
			m.creating[worldlineID] = c
			m.mu.Unlock()
			return m.create(ctx, worldlineID, c, true)
		}
		m.queued++
		c := &creation{done: make(chan struct{})}
		m.creating[worldlineID] = c
		m.mu.Unlock()
		return m.create(ctx, worldlineID, c, false)
	}
}

// create starts the instance. The creator holds the creation promise; any
// error is published there before returning.
func (m *Manager) create(ctx context.Context, worldlineID string, c *creation, slotHeld bool) (*handle, error) {
	fail := func(err error) (*handle, error) {
		m.mu.Lock()
		delete(m.creating, worldlineID)
		m.mu.Unlock()
		c.err = err
		close(c.done)
		return nil, err
	}

	if !slotHeld {
		select {
		case m.slots <- struct{}{}:
		case <-ctx.Done():
			m.mu.Lock()
			m.queued--
			m.mu.Unlock()
			return fail(ctx.Err())
		case <-m.stopCh:
			m.mu.Lock()
			m.queued--
			m.mu.Unlock()
			return fail(ErrManagerClosed)
		}
		m.mu.Lock()
		m.queued--
		m.mu.Unlock()
	}

	if err := m.layout.EnsureWorldline(worldlineID); err != nil {
		<-m.slots
		return fail(err)
	}
	instance, err := m.runner.Start(ctx, worldlineID, m.layout.WorldlineDir(worldlineID))
	if err != nil {
		<-m.slots
		return fail(fmt.Errorf("start sandbox for %s: %w", worldlineID, err))
	}

	h := &handle{worldlineID: worldlineID, instance: instance, lastUsed: time.Now()}
	m.mu.Lock()
	if m.closed {
		delete(m.creating, worldlineID)
		m.mu.Unlock()
		m.stopInstance(instance)
		<-m.slots
		c.err = ErrManagerClosed
		close(c.done)
		return nil, ErrManagerClosed
	}
	m.handles[worldlineID] = h
	delete(m.creating, worldlineID)
	m.mu.Unlock()

	m.metrics.SandboxCreated()
	m.logger.Info("sandbox started", "worldline_id", worldlineID, "instance_id", instance.ID())
	c.h = h
	close(c.done)
	return h, nil
}

// Warm reports whether the worldline already has a live sandbox.
func (m *Manager) Warm(worldlineID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handles[worldlineID]
	return ok
}

// invalidate removes a handle (if still registered), stops its instance,
// and returns the pool slot. Caller may hold h.mu.
func (m *Manager) invalidate(h *handle, reason string) {
	m.mu.Lock()
	current, ok := m.handles[h.worldlineID]
	if !ok || current != h {
		m.mu.Unlock()
		return
	}
	delete(m.handles, h.worldlineID)
	m.mu.Unlock()

	m.stopInstance(h.instance)
	<-m.slots
	m.metrics.SandboxRemoved(reason)
}

// ReapIdle removes handles idle for at least ttl that are not currently
// executing, and returns how many were reaped.
func (m *Manager) ReapIdle(ttl time.Duration) int {
	now := time.Now()
	var victims []*handle

	m.mu.Lock()
	for worldlineID, h := range m.handles {
		if !h.mu.TryLock() {
			continue
		}
		idle := now.Sub(h.lastUsed)
		h.mu.Unlock()
		if idle >= ttl {
			delete(m.handles, worldlineID)
			victims = append(victims, h)
		}
	}
	m.mu.Unlock()

	for _, h := range victims {
		m.stopInstance(h.instance)
		<-m.slots
		m.metrics.SandboxRemoved("idle")
	}
	return len(victims)
}

// ShutdownAll stops the reaper and every sandbox. The manager rejects new
// work afterwards.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	victims := make([]*handle, 0, len(m.handles))
	for _, h := range m.handles {
		victims = append(victims, h)
	}
	m.handles = make(map[string]*handle)
	started := m.started
	m.mu.Unlock()

	close(m.stopCh)
	if started {
		m.wg.Wait()
	}

	for _, h := range victims {
		// Wait out any in-flight execution before stopping.
		h.mu.Lock()
		m.stopInstance(h.instance)
		h.mu.Unlock()
		<-m.slots
		m.metrics.SandboxRemoved("shutdown")
	}
	m.logger.Info("sandbox manager shut down", "stopped", len(victims))

	_ = ctx
}

func (m *Manager) stopInstance(instance Instance) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := instance.Stop(stopCtx); err != nil {
		m.logger.Warn("sandbox stop failed", "instance_id", instance.ID(), "error", err)
	}
}

func isFatalExecError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range fatalErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return fallback
	}
	return v
}

func envSeconds(name string, fallbackSeconds int) time.Duration {
	return time.Duration(envInt(name, fallbackSeconds)) * time.Second
}
