// Package capability defines device types and the static table that
// maps tool names to the device types permitted to run them. A [Map] is
// immutable after construction and safe for concurrent use without
// locking.
package capability

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeviceType classifies a connected device.
type DeviceType string

// Known device types. The order of [Priority] is the routing preference.
const (
	Desktop      DeviceType = "desktop"
	Android      DeviceType = "android"
	IOS          DeviceType = "ios"
	SmartTV      DeviceType = "smart_tv"
	SmartSpeaker DeviceType = "smart_speaker"
	IoTDevice    DeviceType = "iot_device"
)

// Priority is the fixed routing order used when several device types
// are permitted to run a tool: desktop first, IoT nodes last.
var Priority = []DeviceType{Desktop, Android, IOS, SmartTV, SmartSpeaker, IoTDevice}

// Valid reports whether t is one of the known device types.
func (t DeviceType) Valid() bool {
	for _, p := range Priority {
		if p == t {
			return true
		}
	}
	return false
}

// ParseDeviceType converts a case-insensitive string to a DeviceType.
func ParseDeviceType(s string) (DeviceType, error) {
	t := DeviceType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown device type %q", s)
	}
	return t, nil
}

// Map associates tool names with the set of device types allowed to
// execute them. The zero value is an empty map in which every tool is
// unknown.
type Map struct {
	tools map[string]map[DeviceType]struct{}
}

// NewMap builds a Map from a tool → device types table. Unknown device
// types are rejected so a typo in configuration fails loudly at startup
// instead of silently making a tool unroutable.
func NewMap(table map[string][]DeviceType) (*Map, error) {
	m := &Map{tools: make(map[string]map[DeviceType]struct{}, len(table))}
	for tool, types := range table {
		if tool == "" {
			return nil, fmt.Errorf("capability map: empty tool name")
		}
		set := make(map[DeviceType]struct{}, len(types))
		for _, t := range types {
			if !t.Valid() {
				return nil, fmt.Errorf("capability map: tool %q: unknown device type %q", tool, t)
			}
			set[t] = struct{}{}
		}
		m.tools[tool] = set
	}
	return m, nil
}

// MustMap is like [NewMap] but panics on error. Intended for
// package-level tables that are known to be valid.
func MustMap(table map[string][]DeviceType) *Map {
	m, err := NewMap(table)
	if err != nil {
		panic(err)
	}
	return m
}

// Known reports whether tool appears in the map.
func (m *Map) Known(tool string) bool {
	if m == nil {
		return false
	}
	_, ok := m.tools[tool]
	return ok
}

// CanRun reports whether a device of type t is permitted to run tool.
// Unknown tools return false; the router applies its own fallback for
// those.
func (m *Map) CanRun(t DeviceType, tool string) bool {
	if m == nil {
		return false
	}
	set, ok := m.tools[tool]
	if !ok {
		return false
	}
	_, ok = set[t]
	return ok
}

// DeviceTypes returns the device types permitted for tool in priority
// order, or nil if the tool is unknown.
func (m *Map) DeviceTypes(tool string) []DeviceType {
	if m == nil {
		return nil
	}
	set, ok := m.tools[tool]
	if !ok {
		return nil
	}
	out := make([]DeviceType, 0, len(set))
	for _, t := range Priority {
		if _, ok := set[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Tools returns the sorted list of tool names in the map.
func (m *Map) Tools() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.tools))
	for tool := range m.tools {
		out = append(out, tool)
	}
	sort.Strings(out)
	return out
}

// Table returns a copy of the map as a tool → device types table, with
// each device list in priority order. Suitable for JSON responses.
func (m *Map) Table() map[string][]DeviceType {
	out := make(map[string][]DeviceType)
	if m == nil {
		return out
	}
	for tool := range m.tools {
		out[tool] = m.DeviceTypes(tool)
	}
	return out
}

// Merge returns a new Map containing the entries of m overlaid with
// those of other. Entries in other replace entries for the same tool.
func (m *Map) Merge(other *Map) *Map {
	merged := &Map{tools: make(map[string]map[DeviceType]struct{})}
	for _, src := range []*Map{m, other} {
		if src == nil {
			continue
		}
		for tool, set := range src.tools {
			merged.tools[tool] = set
		}
	}
	return merged
}

// LoadFile reads a YAML capability table of the form
//
//	readAndroidNotifications: [desktop, android]
//	castToTV: [smart_tv]
//
// and returns the resulting Map.
func LoadFile(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capability file: %w", err)
	}
	var raw map[string][]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse capability file %s: %w", path, err)
	}
	return FromStrings(raw)
}

// FromStrings builds a Map from string-typed configuration values.
func FromStrings(raw map[string][]string) (*Map, error) {
	table := make(map[string][]DeviceType, len(raw))
	for tool, names := range raw {
		types := make([]DeviceType, 0, len(names))
		for _, n := range names {
			t, err := ParseDeviceType(n)
			if err != nil {
				return nil, fmt.Errorf("capability map: tool %q: %w", tool, err)
			}
			types = append(types, t)
		}
		table[tool] = types
	}
	return NewMap(table)
}
