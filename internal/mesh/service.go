// Package mesh assembles the device registry, router, delegator and
// pairing authority into one explicitly constructed service.
//
// A [Service] has a plain lifecycle: [New] builds it, [Service.Start]
// starts the background event handling, and [Service.Close] fails
// in-flight commands and drops every device connection. Transports
// (WebSocket hub, MQTT bridge) and the HTTP API hold a reference to the
// service; nothing is stored in package-level state.
package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/thane-mesh/internal/capability"
	"github.com/nugget/thane-mesh/internal/delegate"
	"github.com/nugget/thane-mesh/internal/device"
	"github.com/nugget/thane-mesh/internal/events"
	"github.com/nugget/thane-mesh/internal/pairing"
	"github.com/nugget/thane-mesh/internal/protocol"
	"github.com/nugget/thane-mesh/internal/router"
)

// ErrNoCapableDevice is wrapped by [*NoCapableDeviceError].
var ErrNoCapableDevice = errors.New("no capable device connected")

// ErrNotStarted is returned by Execute and Submit before Start.
var ErrNotStarted = errors.New("mesh service not started")

// NoCapableDeviceError reports that routing found no eligible device.
// It is returned before any delivery attempt.
type NoCapableDeviceError struct {
	Tool        string
	LiveDevices int
	RequestID   string
}

// Error implements the error interface.
func (e *NoCapableDeviceError) Error() string {
	if e.LiveDevices == 0 {
		return fmt.Sprintf("no device can run %s: no devices connected", e.Tool)
	}
	return fmt.Sprintf("no device can run %s: none of %d connected devices is permitted", e.Tool, e.LiveDevices)
}

// Unwrap lets callers match with errors.Is(err, ErrNoCapableDevice).
func (e *NoCapableDeviceError) Unwrap() error { return ErrNoCapableDevice }

// ToolExecutionRequest asks the mesh to run a tool on the best device.
type ToolExecutionRequest struct {
	Tool              string          `json:"tool"`
	Args              json.RawMessage `json:"args,omitempty"`
	PreferredDeviceID string          `json:"preferred_device_id,omitempty"`
	// Timeout overrides the delegator default when positive.
	Timeout time.Duration `json:"-"`
}

// Config holds service configuration.
type Config struct {
	Capabilities    *capability.Map
	CommandTimeout  time.Duration
	SendTimeout     time.Duration
	MaxAuditLog     int
	RequirePairing  bool
	EventBufferSize int
}

// Deps are the collaborators the caller owns. All are optional except
// where noted: a nil Bus gets a private bus, a nil History disables
// command history, and a nil Pairing admits every registration.
type Deps struct {
	Bus     *events.Bus
	History *delegate.CommandStore
	Pairing *pairing.Authority
}

// Service is the device mesh.
type Service struct {
	logger   *slog.Logger
	cfg      Config
	bus      *events.Bus
	registry *device.Registry
	router   *router.Router
	del      *delegate.Delegator
	history  *delegate.CommandStore
	pairing  *pairing.Authority

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a service. Call Start before routing commands.
func New(logger *slog.Logger, cfg Config, deps Deps) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = capability.Default()
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 256
	}
	bus := deps.Bus
	if bus == nil {
		bus = events.New()
	}

	registry := device.NewRegistry(logger.With("component", "registry"), bus)
	return &Service{
		logger:   logger,
		cfg:      cfg,
		bus:      bus,
		registry: registry,
		router: router.NewRouter(logger.With("component", "router"), router.Config{
			Capabilities: cfg.Capabilities,
			MaxAuditLog:  cfg.MaxAuditLog,
		}),
		del: delegate.New(logger.With("component", "delegate"), bus, registry, delegate.Config{
			Timeout:     cfg.CommandTimeout,
			SendTimeout: cfg.SendTimeout,
		}),
		history: deps.History,
		pairing: deps.Pairing,
	}
}

// Bus returns the service's event bus.
func (s *Service) Bus() *events.Bus { return s.bus }

// Registry returns the device registry.
func (s *Service) Registry() *device.Registry { return s.registry }

// Router returns the capability router.
func (s *Service) Router() *router.Router { return s.router }

// Delegator returns the command delegator.
func (s *Service) Delegator() *delegate.Delegator { return s.del }

// History returns the command history store, or nil when disabled.
func (s *Service) History() *delegate.CommandStore { return s.history }

// Pairing returns the pairing authority, or nil when pairing is off.
func (s *Service) Pairing() *pairing.Authority { return s.pairing }

// Start launches the background event loop. It returns once the loop
// is subscribed; the loop runs until Close. Cancelling ctx does not
// stop it, so results produced while closing still reach history.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return delegate.ErrClosed
	}
	if s.started {
		return nil
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.started = true

	ch := s.bus.Subscribe(s.cfg.EventBufferSize, events.KindDeviceDisconnected, events.KindCommandResult)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.bus.Unsubscribe(ch)
		s.eventLoop(ctx, ch)
	}()

	s.logger.Info("mesh service started",
		"tools", len(s.cfg.Capabilities.Tools()),
		"command_timeout", s.del.Timeout(),
		"require_pairing", s.cfg.RequirePairing && s.pairing != nil,
		"history", s.history != nil,
	)
	return nil
}

func (s *Service) eventLoop(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			// Record results already queued, e.g. commands failed by Close.
			for {
				select {
				case e := <-ch:
					if e.Kind == events.KindCommandResult {
						s.recordHistory(e)
					}
				default:
					return
				}
			}
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.handleEvent(e)
		}
	}
}

func (s *Service) handleEvent(e events.Event) {
	switch e.Kind {
	case events.KindDeviceDisconnected:
		s.onDisconnect(e)
	case events.KindCommandResult:
		s.recordHistory(e)
	}
}

func (s *Service) onDisconnect(e events.Event) {
	id, _ := e.Data["device_id"].(string)
	if id == "" {
		return
	}
	// A device that reconnected before this event was handled keeps its
	// in-flight commands; the new connection may still answer them.
	if _, live := s.registry.Get(id); live {
		return
	}
	s.failInFlight(id)
}

func (s *Service) failInFlight(deviceID string) {
	if n := s.del.FailDevice(deviceID); n > 0 {
		s.logger.Warn("failed in-flight commands for disconnected device",
			"device_id", deviceID,
			"commands", n,
		)
	}
}

func (s *Service) recordHistory(e events.Event) {
	if s.history == nil {
		return
	}
	rec := commandRecordFromEvent(e)
	if err := s.history.Record(rec); err != nil {
		s.logger.Warn("failed to record command history",
			"command_id", rec.ID,
			"error", err,
		)
	}
}

func commandRecordFromEvent(e events.Event) *delegate.CommandRecord {
	rec := &delegate.CommandRecord{CompletedAt: e.Timestamp}
	rec.ID, _ = e.Data["command_id"].(string)
	rec.DeviceID, _ = e.Data["device_id"].(string)
	rec.Tool, _ = e.Data["tool"].(string)
	rec.Args, _ = e.Data["args"].(json.RawMessage)
	rec.Result, _ = e.Data["result"].(json.RawMessage)
	rec.Error, _ = e.Data["error"].(string)
	rec.CreatedAt, _ = e.Data["created_at"].(time.Time)
	rec.DurationMs, _ = e.Data["duration_ms"].(int64)
	if st, ok := e.Data["state"].(string); ok {
		rec.State = delegate.State(st)
	}
	return rec
}

// Connect admits a device registration arriving over a transport. When
// pairing is required the registration must carry a valid token or
// credential; a redeemed token yields a credential in the returned
// acknowledgement.
func (s *Service) Connect(reg protocol.Registration, conn device.Conn) (protocol.Registered, error) {
	var credential string
	if s.cfg.RequirePairing && s.pairing != nil {
		c, err := s.pairing.Admit(reg)
		if err != nil {
			return protocol.Registered{}, err
		}
		credential = c
	}

	d, err := s.registry.Register(reg.DeviceID, device.MetadataFromRegistration(reg), conn)
	if err != nil {
		return protocol.Registered{}, err
	}
	return protocol.Registered{DeviceID: d.ID, Credential: credential}, nil
}

// Disconnect releases the registry entry held by conn and fails the
// device's in-flight commands before returning. A newer connection for
// the same device id is left alone, along with its commands.
func (s *Service) Disconnect(deviceID string, conn device.Conn) {
	if s.registry.Release(deviceID, conn) {
		s.failInFlight(deviceID)
	}
}

// HandleResult applies a result received from deviceID.
func (s *Service) HandleResult(deviceID string, res protocol.Result) {
	s.del.HandleResult(deviceID, res)
}

// Submit routes req and delegates it, returning the pending future
// without waiting. A [*NoCapableDeviceError] is returned when routing
// finds no eligible device; nothing is sent in that case.
func (s *Service) Submit(ctx context.Context, req ToolExecutionRequest) (*delegate.Future, error) {
	s.mu.Lock()
	started, closed := s.started, s.closed
	s.mu.Unlock()
	switch {
	case closed:
		return nil, delegate.ErrClosed
	case !started:
		return nil, ErrNotStarted
	}

	live := s.registry.List()
	dev, decision, ok := s.router.SelectDevice(ctx, router.Request{
		Tool:              req.Tool,
		PreferredDeviceID: req.PreferredDeviceID,
	}, live)
	if !ok {
		return nil, &NoCapableDeviceError{
			Tool:        req.Tool,
			LiveDevices: len(live),
			RequestID:   decision.RequestID,
		}
	}

	var opts []delegate.Option
	if req.Timeout > 0 {
		opts = append(opts, delegate.WithTimeout(req.Timeout))
	}
	f, err := s.del.Delegate(ctx, dev.ID, req.Tool, req.Args, opts...)
	if err != nil {
		s.router.RecordOutcome(decision.RequestID, 0, false, err.Error())
		return nil, fmt.Errorf("delegate %s to %s: %w", req.Tool, dev.ID, err)
	}

	go s.recordOutcome(decision.RequestID, f)
	return f, nil
}

// recordOutcome feeds the command's terminal state back into the
// router's audit log. The future always completes (result, timeout or
// Close), so the goroutine is bounded.
func (s *Service) recordOutcome(requestID string, f *delegate.Future) {
	<-f.Done()
	o, _ := f.Outcome()
	latency := o.CompletedAt.Sub(f.CreatedAt()).Milliseconds()
	s.router.RecordOutcome(requestID, latency, o.State == delegate.StateResolved, string(o.State))
}

// Execute routes, delegates and waits for the result. If ctx ends first
// the wait is abandoned and ctx's error returned; the command itself
// still runs to completion or timeout.
func (s *Service) Execute(ctx context.Context, req ToolExecutionRequest) (json.RawMessage, error) {
	f, err := s.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return f.Wait(ctx)
}

// Close fails every pending command, closes every device connection
// and stops the event loop. Safe to call more than once.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()

	s.del.Close()
	for _, d := range s.registry.List() {
		if d.Conn != nil {
			if err := d.Conn.Close(); err != nil {
				s.logger.Debug("closing device connection", "device_id", d.ID, "error", err)
			}
		}
		s.registry.Unregister(d.ID)
	}

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if s.pairing != nil {
		s.pairing.Close()
	}
	s.logger.Info("mesh service stopped")
	return nil
}
