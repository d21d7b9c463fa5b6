// Package connwatch watches the mesh's long-lived links (the MQTT
// broker on the hub, the hub itself on a device agent) and paces
// reconnect attempts with exponential backoff.
//
// A [Watcher] probes one link in two phases:
//  1. Startup: probes spaced by a growing [Backoff] (2s, 4s, 8s, ... capped at 60s)
//  2. Background: periodic polling with ready/down transition callbacks
//
// [Backoff] is also usable on its own by loops that own their
// connection and only need the delay schedule.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a link is usable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first retry (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each retry (default: 2.0).
	Multiplier float64

	// MaxRetries is the maximum number of startup probe attempts (default: 10).
	MaxRetries int

	// PollInterval is the background check interval after startup
	// (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout limits how long each probe call may take (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns 2s, 4s, 8s, 16s, 32s, 60s (capped), with
// 10 startup retries and 60-second background polling.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   10,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// WithDefaults replaces zero-value fields with [DefaultBackoffConfig].
func (c BackoffConfig) WithDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// Backoff produces the delay schedule of a BackoffConfig. Not safe for
// concurrent use.
type Backoff struct {
	cfg  BackoffConfig
	next time.Duration
}

// NewBackoff starts a schedule at cfg.InitialDelay.
func NewBackoff(cfg BackoffConfig) *Backoff {
	cfg = cfg.WithDefaults()
	return &Backoff{cfg: cfg, next: cfg.InitialDelay}
}

// Next returns the current delay and grows the schedule.
func (b *Backoff) Next() time.Duration {
	d := b.next
	b.next = min(time.Duration(float64(b.next)*b.cfg.Multiplier), b.cfg.MaxDelay)
	return d
}

// Reset restarts the schedule at the initial delay.
func (b *Backoff) Reset() {
	b.next = b.cfg.InitialDelay
}

// Sleep waits for d or until ctx is done. It reports false if ctx
// ended first.
func Sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// WatcherConfig configures a single link watcher.
type WatcherConfig struct {
	// Name identifies the link in logs and status, e.g. "mqtt".
	Name string

	// Probe checks link health. Must be safe for concurrent use.
	Probe ProbeFunc

	// Backoff controls retry timing. Zero fields take defaults.
	Backoff BackoffConfig

	// OnReady is called when the link transitions from down to ready.
	// Called in a separate goroutine. Optional.
	OnReady func()

	// OnDown is called when the link transitions from ready to down.
	// Called in a separate goroutine. Optional.
	OnDown func(err error)

	// Logger for structured logging. Uses the manager's logger if nil.
	Logger *slog.Logger
}

// ServiceStatus is the health of a watched link, as served by the
// health endpoint.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher monitors one link.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the link is currently usable.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Wait blocks until the watcher goroutine exits.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if !w.startup(ctx) {
		return
	}
	w.poll(ctx)
}

// startup probes with backoff until the link is ready or the retries
// run out. It returns false if ctx ended.
func (w *Watcher) startup(ctx context.Context) bool {
	cfg := w.config.Backoff
	logger := w.config.Logger
	backoff := NewBackoff(cfg)

	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		err := w.probe(ctx)
		if err == nil {
			logger.Info("link ready", "link", w.config.Name, "after_attempts", attempt)
			w.transition(nil)
			return true
		}
		if attempt == cfg.MaxRetries {
			logger.Info("link still down after startup retries, polling in background",
				"link", w.config.Name,
				"attempts", attempt,
				"error", err,
			)
			return true
		}

		delay := backoff.Next()
		logger.Debug("link probe failed, retrying",
			"link", w.config.Name,
			"attempt", attempt,
			"next_delay", delay.String(),
			"error", err,
		)
		if !Sleep(ctx, delay) {
			return false
		}
	}
	return true
}

func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(w.config.Backoff.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.probe(ctx)
			if err != nil && !w.ready.Load() {
				w.config.Logger.Debug("link still down", "link", w.config.Name, "error", err)
			}
			w.transition(err)
		}
	}
}

// transition flips the ready flag and fires the matching callback when
// the state changes.
func (w *Watcher) transition(err error) {
	nowReady := err == nil
	if w.ready.Swap(nowReady) == nowReady {
		return
	}
	if nowReady {
		w.config.Logger.Info("link recovered", "link", w.config.Name)
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
		return
	}
	w.config.Logger.Warn("link lost", "link", w.config.Name, "error", err)
	if w.config.OnDown != nil {
		go w.config.OnDown(err)
	}
}

// probe calls the ProbeFunc with a timeout and records the outcome.
func (w *Watcher) probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()

	err := w.config.Probe(probeCtx)

	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
}

// Manager coordinates several watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a watch manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher. It runs until ctx is cancelled
// or Stop is called. Panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.WithDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Status returns the health status of every watched link.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
