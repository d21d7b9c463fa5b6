// Package toolexec runs delegated commands on the device side.
//
// A [Registry] maps tool names to handlers. The device agent hands
// every command it receives to [Registry.Execute]; whatever the handler
// returns is marshaled into the result payload sent back to the hub.
package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/nugget/thane-mesh/internal/buildinfo"
)

// ErrUnknownTool is returned for a tool with no registered handler.
var ErrUnknownTool = errors.New("unknown tool")

// Handler runs one tool invocation. args is the raw JSON sent by the
// hub and may be empty.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Registry holds the tools a device can run. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// Names returns the registered tool names, sorted. Agents advertise
// them as capabilities.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs tool with args.
func (r *Registry) Execute(ctx context.Context, tool string, args json.RawMessage) (any, error) {
	r.mu.RLock()
	h, ok := r.handlers[tool]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, tool)
	}
	return h(ctx, args)
}

// DeviceInfo describes the device the registry runs on.
type DeviceInfo struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
}

// RegisterBuiltins adds the tools every device answers: ping and
// getDeviceInfo.
func RegisterBuiltins(r *Registry, info DeviceInfo) {
	r.Register("ping", func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{
			"pong":      true,
			"timestamp": time.Now().UnixMilli(),
		}, nil
	})
	r.Register("getDeviceInfo", func(context.Context, json.RawMessage) (any, error) {
		hostname, _ := os.Hostname()
		return map[string]any{
			"device_id": info.DeviceID,
			"name":      info.Name,
			"type":      info.Type,
			"hostname":  hostname,
			"tools":     r.Names(),
			"build":     buildinfo.Info(),
		}, nil
	})
}

// decodeArgs unmarshals args into v. Empty args leave v untouched.
func decodeArgs(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
