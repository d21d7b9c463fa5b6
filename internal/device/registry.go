// Package device tracks the devices currently connected to the mesh.
//
// The [Registry] holds at most one live entry per device id. A
// re-registration with the same id replaces the previous entry
// (last write wins) and closes the stale connection. Every mutation is
// announced on the event bus so transports and observers can react
// without holding a reference to the registry.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nugget/thane-mesh/internal/capability"
	"github.com/nugget/thane-mesh/internal/events"
	"github.com/nugget/thane-mesh/internal/protocol"
)

// Status is the lifecycle state of a registered device.
type Status string

const (
	StatusOnline Status = "online"
)

// Conn is the connection reference held for each device. Transports
// (WebSocket hub, MQTT bridge) implement it so the delegator can reach
// a device without knowing how it is connected.
type Conn interface {
	// Send delivers a command to the device. It must not block for
	// longer than ctx allows.
	Send(ctx context.Context, cmd protocol.Command) error
	// Close tears down the connection. Safe to call more than once.
	Close() error
	// Transport names the carrier, e.g. "websocket" or "mqtt".
	Transport() string
}

// Metadata is the self-description a device supplies on registration.
type Metadata struct {
	Name         string
	Type         capability.DeviceType
	Capabilities []string
}

// MetadataFromRegistration converts a wire registration payload.
func MetadataFromRegistration(reg protocol.Registration) Metadata {
	return Metadata{
		Name:         reg.Name,
		Type:         capability.DeviceType(strings.ToLower(strings.TrimSpace(reg.Type))),
		Capabilities: reg.Capabilities,
	}
}

// Device is a point-in-time view of a registered device. Values
// returned by the registry are copies; mutating them does not affect
// the registry.
type Device struct {
	ID           string                `json:"id"`
	Type         capability.DeviceType `json:"type"`
	Name         string                `json:"name"`
	Capabilities []string              `json:"capabilities"`
	Transport    string                `json:"transport,omitempty"`
	ConnectedAt  time.Time             `json:"connected_at"`
	Status       Status                `json:"status"`

	// Conn is the live connection. Not serialized.
	Conn Conn `json:"-"`

	seq uint64
}

// HasCapability reports whether the device declared the named
// capability.
func (d Device) HasCapability(name string) bool {
	for _, c := range d.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// ErrInvalidRegistration is the sentinel wrapped by every
// [RegistrationError].
var ErrInvalidRegistration = errors.New("invalid registration")

// RegistrationError reports malformed registration metadata. The
// registry is left unchanged when one is returned.
type RegistrationError struct {
	DeviceID string
	Reason   string
}

// Error implements the error interface.
func (e *RegistrationError) Error() string {
	if e.DeviceID == "" {
		return fmt.Sprintf("registration rejected: %s", e.Reason)
	}
	return fmt.Sprintf("registration of %q rejected: %s", e.DeviceID, e.Reason)
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidRegistration).
func (e *RegistrationError) Unwrap() error {
	return ErrInvalidRegistration
}

// Registry tracks connected devices. All methods are safe for
// concurrent use.
type Registry struct {
	logger *slog.Logger
	bus    *events.Bus

	mu      sync.RWMutex
	devices map[string]*Device
	seq     uint64
}

// NewRegistry creates an empty registry. bus may be nil.
func NewRegistry(logger *slog.Logger, bus *events.Bus) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger,
		bus:     bus,
		devices: make(map[string]*Device),
	}
}

// Register upserts a device entry, stamps ConnectedAt, marks it online
// and publishes [events.KindDeviceConnected]. If an entry with the same
// id exists it is replaced and its connection closed. Malformed
// metadata yields a [*RegistrationError] and leaves the registry
// untouched.
func (r *Registry) Register(id string, meta Metadata, conn Conn) (Device, error) {
	id = strings.TrimSpace(id)
	if err := validate(id, meta); err != nil {
		r.logger.Warn("device registration rejected", "device_id", id, "error", err)
		return Device{}, err
	}
	if meta.Name == "" {
		meta.Name = id
	}

	d := &Device{
		ID:           id,
		Type:         meta.Type,
		Name:         meta.Name,
		Capabilities: append([]string(nil), meta.Capabilities...),
		ConnectedAt:  time.Now(),
		Status:       StatusOnline,
		Conn:         conn,
	}
	if conn != nil {
		d.Transport = conn.Transport()
	}

	// A re-registration keeps the device's place in registry order.
	r.mu.Lock()
	prev := r.devices[id]
	if prev != nil {
		d.seq = prev.seq
	} else {
		r.seq++
		d.seq = r.seq
	}
	r.devices[id] = d
	r.mu.Unlock()

	if prev != nil && prev.Conn != nil && prev.Conn != conn {
		if err := prev.Conn.Close(); err != nil {
			r.logger.Debug("closing replaced device connection", "device_id", id, "error", err)
		}
		r.logger.Info("device re-registered, replaced stale entry",
			"device_id", id,
			"previous_connected_at", prev.ConnectedAt,
		)
	}

	r.logger.Info("device connected",
		"device_id", id,
		"type", d.Type,
		"name", d.Name,
		"transport", d.Transport,
		"capabilities", len(d.Capabilities),
	)
	r.bus.Publish(events.NewEvent(events.SourceRegistry, events.KindDeviceConnected, deviceData(*d)))

	return *d, nil
}

// Unregister removes the device if present and publishes
// [events.KindDeviceDisconnected] with its last known metadata.
// Unregistering an absent id is a silent no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	d, ok := r.devices[id]
	if ok {
		delete(r.devices, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.announceRemoval(*d)
}

// Release unregisters id only if the live entry still holds conn. A
// transport calls it when a connection closes so that a stale
// connection shutting down after a reconnect does not evict the fresh
// entry. Reports whether the entry was removed.
func (r *Registry) Release(id string, conn Conn) bool {
	r.mu.Lock()
	d, ok := r.devices[id]
	if ok && d.Conn == conn {
		delete(r.devices, id)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.announceRemoval(*d)
	return true
}

func (r *Registry) announceRemoval(d Device) {
	r.logger.Info("device disconnected",
		"device_id", d.ID,
		"type", d.Type,
		"connected_for", time.Since(d.ConnectedAt).Truncate(time.Second),
	)
	r.bus.Publish(events.NewEvent(events.SourceRegistry, events.KindDeviceDisconnected, deviceData(d)))
}

// Get returns the device with the given id.
func (r *Registry) Get(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return d.clone(), true
}

// List returns a snapshot of all live devices in registration order
// (oldest registration first). The snapshot is unaffected by later
// registry mutations.
func (r *Registry) List() []Device {
	r.mu.RLock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Len returns the number of live devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func (d *Device) clone() Device {
	c := *d
	c.Capabilities = append([]string(nil), d.Capabilities...)
	return c
}

func validate(id string, meta Metadata) error {
	switch {
	case id == "":
		return &RegistrationError{Reason: "missing device id"}
	case meta.Type == "":
		return &RegistrationError{DeviceID: id, Reason: "missing device type"}
	case !meta.Type.Valid():
		return &RegistrationError{DeviceID: id, Reason: fmt.Sprintf("unknown device type %q", meta.Type)}
	}
	for _, c := range meta.Capabilities {
		if strings.TrimSpace(c) == "" {
			return &RegistrationError{DeviceID: id, Reason: "empty capability name"}
		}
	}
	return nil
}

func deviceData(d Device) map[string]any {
	return map[string]any{
		"device_id":    d.ID,
		"type":         string(d.Type),
		"name":         d.Name,
		"capabilities": append([]string(nil), d.Capabilities...),
		"transport":    d.Transport,
	}
}
