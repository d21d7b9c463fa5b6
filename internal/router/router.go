// Package router selects the device that should execute a tool.
//
// Selection is a pure function of (tool, live devices, preferred id)
// and the static capability map; see [Select]. The [Router] wraps it
// with an audit log and statistics so operators can ask why a command
// went where it did.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/thane-mesh/internal/capability"
	"github.com/nugget/thane-mesh/internal/device"
)

// Request describes a tool execution to be routed. It is an ephemeral
// value; nothing about it is persisted beyond the audit log.
type Request struct {
	Tool              string
	PreferredDeviceID string
}

// Rule names the step of the selection algorithm that produced a
// decision.
type Rule string

const (
	// RulePreferred: the preferred device was live and capable.
	RulePreferred Rule = "preferred_device"
	// RuleUnknownDesktop: the tool is not in the capability map and a
	// desktop was available.
	RuleUnknownDesktop Rule = "unknown_tool_desktop"
	// RuleUnknownFirst: the tool is not in the capability map and no
	// desktop was connected, so the first live device was used.
	RuleUnknownFirst Rule = "unknown_tool_first_available"
	// RulePriority: the first permitted device type in priority order.
	RulePriority Rule = "priority_order"
	// RuleNone: no device qualified.
	RuleNone Rule = "no_capable_device"
)

// Decision records why a device was selected.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Input
	Tool              string   `json:"tool"`
	PreferredDeviceID string   `json:"preferred_device_id,omitempty"`
	KnownTool         bool     `json:"known_tool"`
	LiveDevices       []string `json:"live_devices"`
	PermittedTypes    []string `json:"permitted_types,omitempty"`

	// Outcome
	Rule           Rule   `json:"rule"`
	DeviceSelected string `json:"device_selected,omitempty"`
	DeviceType     string `json:"device_type,omitempty"`
	Reasoning      string `json:"reasoning"`

	// Post-execution (filled in later)
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
}

// Config holds router configuration.
type Config struct {
	Capabilities *capability.Map // Tool → permitted device types
	MaxAuditLog  int             // How many decisions to keep in memory
}

// Router selects devices for tool executions and keeps an audit trail.
type Router struct {
	logger *slog.Logger
	caps   *capability.Map

	mu       sync.RWMutex
	auditLog []Decision
	maxAudit int
	stats    Stats
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	Unroutable    int64            `json:"unroutable"`
	DeviceCounts  map[string]int64 `json:"device_counts"`
	RuleCounts    map[string]int64 `json:"rule_counts"`
	AvgLatencyMs  map[string]int64 `json:"avg_latency_ms"`
}

// NewRouter creates a router with the given configuration.
func NewRouter(logger *slog.Logger, config Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	return &Router{
		logger:   logger,
		caps:     config.Capabilities,
		maxAudit: config.MaxAuditLog,
		auditLog: make([]Decision, 0, config.MaxAuditLog),
		stats:    newStats(),
	}
}

func newStats() Stats {
	return Stats{
		DeviceCounts: make(map[string]int64),
		RuleCounts:   make(map[string]int64),
		AvgLatencyMs: make(map[string]int64),
	}
}

// Capabilities returns the capability map the router consults.
func (r *Router) Capabilities() *capability.Map {
	return r.caps
}

// CanRun reports whether a device of type t may run tool.
func (r *Router) CanRun(t capability.DeviceType, tool string) bool {
	return r.caps.CanRun(t, tool)
}

// SelectDevice picks the device that should run req.Tool from the given
// live-device snapshot. The boolean result is false when no device
// qualifies; callers must then report that no capable device is
// connected rather than attempting delegation.
func (r *Router) SelectDevice(ctx context.Context, req Request, devices []device.Device) (device.Device, *Decision, bool) {
	d, rule, ok := Select(r.caps, req.Tool, devices, req.PreferredDeviceID)

	decision := &Decision{
		RequestID:         uuid.NewString(),
		Timestamp:         time.Now(),
		Tool:              req.Tool,
		PreferredDeviceID: req.PreferredDeviceID,
		KnownTool:         r.caps.Known(req.Tool),
		LiveDevices:       deviceIDs(devices),
		Rule:              rule,
	}
	for _, t := range r.caps.DeviceTypes(req.Tool) {
		decision.PermittedTypes = append(decision.PermittedTypes, string(t))
	}
	if ok {
		decision.DeviceSelected = d.ID
		decision.DeviceType = string(d.Type)
	}
	decision.Reasoning = explain(decision, len(devices))

	r.recordDecision(*decision)

	if ok {
		r.logger.Info("tool routed",
			"request_id", decision.RequestID,
			"tool", req.Tool,
			"device_id", d.ID,
			"device_type", d.Type,
			"rule", rule,
		)
	} else {
		r.logger.Warn("no capable device for tool",
			"request_id", decision.RequestID,
			"tool", req.Tool,
			"live_devices", len(devices),
		)
	}

	return d, decision, ok
}

// Select is the deterministic selection algorithm:
//
//  1. If preferredID names a live device permitted to run tool, return it.
//  2. If tool is absent from the capability map, return the first live
//     desktop, otherwise the first live device in the given order.
//  3. Otherwise walk [capability.Priority] and return the first live
//     device (in the given order) whose type is permitted.
//  4. Otherwise report no match.
//
// devices is expected in registry order; identical inputs always yield
// the identical output.
func Select(caps *capability.Map, tool string, devices []device.Device, preferredID string) (device.Device, Rule, bool) {
	if preferredID != "" {
		for _, d := range devices {
			if d.ID == preferredID && caps.CanRun(d.Type, tool) {
				return d, RulePreferred, true
			}
		}
	}

	if !caps.Known(tool) {
		for _, d := range devices {
			if d.Type == capability.Desktop {
				return d, RuleUnknownDesktop, true
			}
		}
		if len(devices) > 0 {
			return devices[0], RuleUnknownFirst, true
		}
		return device.Device{}, RuleNone, false
	}

	for _, t := range capability.Priority {
		if !caps.CanRun(t, tool) {
			continue
		}
		for _, d := range devices {
			if d.Type == t {
				return d, RulePriority, true
			}
		}
	}
	return device.Device{}, RuleNone, false
}

func explain(d *Decision, live int) string {
	var b strings.Builder
	switch d.Rule {
	case RulePreferred:
		b.WriteString("Preferred device " + d.DeviceSelected + " is live and permitted for " + d.Tool + ".")
	case RuleUnknownDesktop:
		b.WriteString("Tool " + d.Tool + " is not in the capability map; defaulting to desktop " + d.DeviceSelected + ".")
	case RuleUnknownFirst:
		b.WriteString("Tool " + d.Tool + " is not in the capability map and no desktop is connected; using first available device " + d.DeviceSelected + ".")
	case RulePriority:
		b.WriteString("Selected " + d.DeviceSelected + " (" + d.DeviceType + ") as the highest-priority permitted device type.")
	default:
		if live == 0 {
			b.WriteString("No devices are connected.")
		} else {
			b.WriteString("None of the connected devices may run " + d.Tool + ".")
		}
	}
	if d.PreferredDeviceID != "" && d.Rule != RulePreferred {
		b.WriteString(" Preferred device " + d.PreferredDeviceID + " was not live or not permitted.")
	}
	return b.String()
}

// RecordOutcome updates a decision with execution results. outcome is a
// short state label such as "resolved" or "timed_out".
func (r *Router) RecordOutcome(requestID string, latencyMs int64, success bool, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			r.auditLog[i].LatencyMs = latencyMs
			r.auditLog[i].Success = &success
			r.auditLog[i].Outcome = outcome

			dev := r.auditLog[i].DeviceSelected
			if prev, ok := r.stats.AvgLatencyMs[dev]; ok {
				r.stats.AvgLatencyMs[dev] = (prev + latencyMs) / 2
			} else {
				r.stats.AvgLatencyMs[dev] = latencyMs
			}
			break
		}
	}
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.auditLog) >= r.maxAudit {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.RuleCounts[string(d.Rule)]++
	if d.DeviceSelected == "" {
		r.stats.Unroutable++
	} else {
		r.stats.DeviceCounts[d.DeviceSelected]++
	}
}

// GetAuditLog returns recent routing decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}

	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a copy of the routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := newStats()
	s.TotalRequests = r.stats.TotalRequests
	s.Unroutable = r.stats.Unroutable
	for k, v := range r.stats.DeviceCounts {
		s.DeviceCounts[k] = v
	}
	for k, v := range r.stats.RuleCounts {
		s.RuleCounts[k] = v
	}
	for k, v := range r.stats.AvgLatencyMs {
		s.AvgLatencyMs[k] = v
	}
	return s
}

// Explain returns details about why a specific decision was made.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}

func deviceIDs(devices []device.Device) []string {
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	return ids
}
