// Package delegate issues tool commands to connected devices and
// correlates their asynchronous results.
//
// Each call to [Delegator.Delegate] creates a pending entry keyed by a
// fresh UUID, arms a timeout timer and hands the command to the target
// device's connection. The entry is removed exactly once, by whichever
// of Resolve, Reject, the timeout, Cancel, a device disconnect or Close
// gets to it first; the losers are silent no-ops. Late results for a
// removed id are logged and dropped.
package delegate

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/thane-mesh/internal/device"
	"github.com/nugget/thane-mesh/internal/events"
	"github.com/nugget/thane-mesh/internal/protocol"
)

// DefaultTimeout bounds how long a command may wait for its result.
const DefaultTimeout = 30 * time.Second

// defaultSendTimeout bounds a single transport hand-off.
const defaultSendTimeout = 10 * time.Second

// Locator resolves a device id to its live registry entry. Satisfied
// by [*device.Registry].
type Locator interface {
	Get(id string) (device.Device, bool)
}

// Config controls delegator behavior. Zero values select defaults.
type Config struct {
	// Timeout is the default deadline per command (default 30s).
	Timeout time.Duration
	// SendTimeout bounds each transport Send call (default 10s).
	SendTimeout time.Duration
}

// Option adjusts a single delegation.
type Option func(*delegateOptions)

type delegateOptions struct {
	timeout time.Duration
}

// WithTimeout overrides the delegator's default timeout for one
// command. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(o *delegateOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// PendingInfo describes an in-flight command.
type PendingInfo struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Tool      string    `json:"tool"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`
}

type pendingCommand struct {
	cmd       protocol.Command
	deviceID  string
	createdAt time.Time
	timeout   time.Duration
	timer     *time.Timer
	future    *Future
}

// Delegator tracks in-flight commands. All methods are safe for
// concurrent use.
type Delegator struct {
	logger      *slog.Logger
	bus         *events.Bus
	devices     Locator
	timeout     time.Duration
	sendTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingCommand
	closed  bool
}

// New creates a delegator that reaches devices through devices. bus may
// be nil.
func New(logger *slog.Logger, bus *events.Bus, devices Locator, cfg Config) *Delegator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	return &Delegator{
		logger:      logger,
		bus:         bus,
		devices:     devices,
		timeout:     cfg.Timeout,
		sendTimeout: cfg.SendTimeout,
		pending:     make(map[string]*pendingCommand),
	}
}

// Timeout returns the default per-command timeout.
func (d *Delegator) Timeout() time.Duration {
	return d.timeout
}

// Delegate sends tool with args to the device identified by deviceID
// and returns a [Future] immediately. The returned error is non-nil
// only when no command was issued (delegator closed, device not
// connected); every failure after issuance, including transport
// errors, is reported through the future.
func (d *Delegator) Delegate(ctx context.Context, deviceID, tool string, args json.RawMessage, opts ...Option) (*Future, error) {
	o := delegateOptions{timeout: d.timeout}
	for _, opt := range opts {
		opt(&o)
	}

	dev, ok := d.devices.Get(deviceID)
	if !ok {
		return nil, ErrDeviceNotConnected
	}

	id := uuid.NewString()
	cmd := protocol.NewCommand(id, tool, args)
	now := time.Now()
	pc := &pendingCommand{
		cmd:       cmd,
		deviceID:  deviceID,
		createdAt: now,
		timeout:   o.timeout,
		future:    newFuture(id, deviceID, tool, now),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.pending[id] = pc
	// Armed under the lock so the timer callback cannot observe an
	// entry without its timer.
	pc.timer = time.AfterFunc(o.timeout, func() { d.expire(id) })
	d.mu.Unlock()

	d.logger.Debug("command delegated",
		"command_id", id,
		"device_id", deviceID,
		"tool", tool,
		"timeout", o.timeout,
	)
	d.bus.Publish(events.NewEvent(events.SourceDelegate, events.KindToolDelegate, map[string]any{
		"device_id": deviceID,
		"command":   cmd,
	}))

	go d.deliver(ctx, dev, cmd)

	return pc.future, nil
}

// deliver hands the command to the device's connection. A failure
// rejects the command so the caller learns about it without waiting
// for the timeout.
func (d *Delegator) deliver(ctx context.Context, dev device.Device, cmd protocol.Command) {
	if dev.Conn == nil {
		d.complete(cmd.ID, "", func(pc *pendingCommand) Outcome {
			return Outcome{State: StateRejected, Err: ErrDeviceNotConnected}
		})
		return
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.sendTimeout)
	defer cancel()

	if err := dev.Conn.Send(sendCtx, cmd); err != nil {
		terr := &TransportError{DeviceID: dev.ID, Transport: dev.Conn.Transport(), Err: err}
		d.logger.Warn("command delivery failed",
			"command_id", cmd.ID,
			"device_id", dev.ID,
			"error", err,
		)
		d.complete(cmd.ID, "", func(pc *pendingCommand) Outcome {
			return Outcome{State: StateRejected, Err: terr}
		})
	}
}

// Resolve completes the command with a successful result. It reports
// whether the command was pending; unknown ids are logged and ignored.
func (d *Delegator) Resolve(commandID string, result json.RawMessage) bool {
	return d.complete(commandID, "", func(pc *pendingCommand) Outcome {
		return Outcome{State: StateResolved, Result: result}
	})
}

// Reject fails the command with the device-reported message. It
// reports whether the command was pending; unknown ids are logged and
// ignored.
func (d *Delegator) Reject(commandID, message string) bool {
	return d.complete(commandID, "", func(pc *pendingCommand) Outcome {
		return Outcome{State: StateRejected, Err: &RemoteError{
			CommandID: commandID,
			DeviceID:  pc.deviceID,
			Message:   message,
		}}
	})
}

// HandleResult applies a wire result received from fromDevice. A result
// whose id belongs to a command sent to a different device is ignored,
// so one device cannot complete another's commands. An empty
// fromDevice skips that check.
func (d *Delegator) HandleResult(fromDevice string, res protocol.Result) bool {
	if res.Failed() {
		return d.complete(res.ID, fromDevice, func(pc *pendingCommand) Outcome {
			return Outcome{State: StateRejected, Err: &RemoteError{
				CommandID: res.ID,
				DeviceID:  pc.deviceID,
				Message:   res.Error,
			}}
		})
	}
	return d.complete(res.ID, fromDevice, func(pc *pendingCommand) Outcome {
		return Outcome{State: StateResolved, Result: res.Result}
	})
}

// Cancel removes a pending command and fails it with [ErrCancelled].
// It reports whether the command was pending.
func (d *Delegator) Cancel(commandID string) bool {
	return d.complete(commandID, "", func(pc *pendingCommand) Outcome {
		return Outcome{State: StateCancelled, Err: ErrCancelled}
	})
}

func (d *Delegator) expire(commandID string) {
	d.complete(commandID, "", func(pc *pendingCommand) Outcome {
		return Outcome{State: StateTimedOut, Err: &TimeoutError{
			CommandID: commandID,
			DeviceID:  pc.deviceID,
			Tool:      pc.cmd.Tool,
			Timeout:   pc.timeout,
		}}
	})
}

// complete is the single check-and-delete step shared by every terminal
// path. Lookup and removal happen under one lock acquisition, so only
// one caller per id ever reaches the outcome builder.
func (d *Delegator) complete(commandID, fromDevice string, build func(*pendingCommand) Outcome) bool {
	d.mu.Lock()
	pc, ok := d.pending[commandID]
	if ok && fromDevice != "" && pc.deviceID != fromDevice {
		d.mu.Unlock()
		d.logger.Warn("result from unexpected device ignored",
			"command_id", commandID,
			"expected_device", pc.deviceID,
			"from_device", fromDevice,
		)
		return false
	}
	if ok {
		delete(d.pending, commandID)
	}
	d.mu.Unlock()

	if !ok {
		d.logger.Debug("dropping result for command that is not pending",
			"command_id", commandID,
			"error", ErrUnknownCommand,
		)
		return false
	}

	pc.timer.Stop()
	o := build(pc)
	o.CompletedAt = time.Now()
	pc.future.finish(o)
	d.announce(pc, o)
	return true
}

func (d *Delegator) announce(pc *pendingCommand, o Outcome) {
	elapsed := o.CompletedAt.Sub(pc.createdAt)
	data := map[string]any{
		"command_id":  pc.cmd.ID,
		"device_id":   pc.deviceID,
		"tool":        pc.cmd.Tool,
		"args":        pc.cmd.Args,
		"state":       string(o.State),
		"created_at":  pc.createdAt,
		"duration_ms": elapsed.Milliseconds(),
	}
	if o.Err != nil {
		data["error"] = o.Err.Error()
	} else {
		data["result"] = o.Result
	}

	level := slog.LevelInfo
	if o.State != StateResolved {
		level = slog.LevelWarn
	}
	d.logger.Log(context.Background(), level, "command completed",
		"command_id", pc.cmd.ID,
		"device_id", pc.deviceID,
		"tool", pc.cmd.Tool,
		"state", o.State,
		"elapsed", elapsed,
	)
	d.bus.Publish(events.NewEvent(events.SourceDelegate, events.KindCommandResult, data))
}

// FailDevice fails every pending command addressed to deviceID with
// [ErrDeviceGone]. Called when a device disconnects so callers do not
// wait out the full timeout. Returns the number of commands failed.
func (d *Delegator) FailDevice(deviceID string) int {
	d.mu.Lock()
	var ids []string
	for id, pc := range d.pending {
		if pc.deviceID == deviceID {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()

	n := 0
	for _, id := range ids {
		if d.complete(id, "", func(*pendingCommand) Outcome {
			return Outcome{State: StateRejected, Err: ErrDeviceGone}
		}) {
			n++
		}
	}
	return n
}

// Pending returns a snapshot of in-flight commands, oldest first.
func (d *Delegator) Pending() []PendingInfo {
	d.mu.Lock()
	out := make([]PendingInfo, 0, len(d.pending))
	for _, pc := range d.pending {
		out = append(out, PendingInfo{
			ID:        pc.cmd.ID,
			DeviceID:  pc.deviceID,
			Tool:      pc.cmd.Tool,
			CreatedAt: pc.createdAt,
			Deadline:  pc.createdAt.Add(pc.timeout),
		})
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of pending commands.
func (d *Delegator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close rejects every pending command with [ErrClosed] and refuses new
// delegations. Safe to call more than once.
func (d *Delegator) Close() {
	d.mu.Lock()
	d.closed = true
	ids := make([]string, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.complete(id, "", func(*pendingCommand) Outcome {
			return Outcome{State: StateRejected, Err: ErrClosed}
		})
	}
}
