package mqtt

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/nugget/thane-mesh/internal/buildinfo"
)

// StatsSource provides runtime data for sensor state publishing. The
// concrete adapter is wired in main.go so this package does not depend
// on the mesh service.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// ConnectedDevices returns the number of live devices on every
	// transport.
	ConnectedDevices() int
	// PendingCommands returns the number of delegated commands awaiting
	// a result.
	PendingCommands() int
}

// DeviceInfo holds the Home Assistant device registry fields shared
// across all MQTT discovery config payloads. Every sensor entity
// published by this hub references the same device block so HA groups
// them under a single device page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published (retained) to the discovery topic on every
// broker (re-)connect.
type SensorConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo creates a DeviceInfo from the persistent instance ID
// and the human-readable hub name. The instance ID is the primary HA
// device identifier (stable across renames); the name appears in the
// HA UI.
func NewDeviceInfo(instanceID, name string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         name,
		Manufacturer: "Hollow Oak",
		Model:        "Thane Mesh Hub",
		SWVersion:    buildinfo.Version,
	}
}

// Device returns the HA device block for this hub.
func (b *Bridge) Device() DeviceInfo { return b.device }

func (b *Bridge) hubTopic() string {
	return b.cfg.TopicPrefix + "/hub"
}

func (b *Bridge) availabilityTopic() string {
	return b.hubTopic() + "/availability"
}

func (b *Bridge) stateTopic(entity string) string {
	return b.hubTopic() + "/" + entity + "/state"
}

func (b *Bridge) discoveryTopic(component, entity string) string {
	return b.cfg.DiscoveryPrefix + "/" + component + "/" + b.cfg.DeviceName + "/" + entity + "/config"
}

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (b *Bridge) sensor(entity, name, icon string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          b.instanceID + "_" + entity,
		StateTopic:        b.stateTopic(entity),
		AvailabilityTopic: b.availabilityTopic(),
		Device:            b.device,
		Icon:              icon,
	}
}

func (b *Bridge) sensorDefinitions() []sensorDef {
	connected := b.sensor("connected_devices", "Connected Devices", "mdi:devices")
	connected.StateClass = "measurement"

	mqttDevices := b.sensor("mqtt_devices", "MQTT Devices", "mdi:access-point-network")
	mqttDevices.StateClass = "measurement"

	pending := b.sensor("pending_commands", "Pending Commands", "mdi:timer-sand")
	pending.StateClass = "measurement"

	uptime := b.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"

	version := b.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	return []sensorDef{
		{"connected_devices", connected},
		{"mqtt_devices", mqttDevices},
		{"pending_commands", pending},
		{"uptime", uptime},
		{"version", version},
	}
}

func (b *Bridge) publishDiscovery(ctx context.Context) {
	for _, s := range b.sensorDefinitions() {
		topic := b.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			b.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}
		if err := b.publish(ctx, topic, payload, 1, true); err != nil {
			b.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			b.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (b *Bridge) publishAvailability(ctx context.Context, status string) {
	if err := b.publish(ctx, b.availabilityTopic(), []byte(status), 1, true); err != nil {
		b.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		b.logger.Info("mqtt availability published", "status", status)
	}
}

func (b *Bridge) runLoop(ctx context.Context) {
	interval := b.cfg.PublishInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	b.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishStates(ctx)
		}
	}
}

func (b *Bridge) sensorStates() map[string]string {
	states := map[string]string{
		"mqtt_devices": strconv.Itoa(b.DeviceCount()),
	}
	if b.stats != nil {
		states["uptime"] = b.stats.Uptime().Truncate(time.Second).String()
		states["version"] = b.stats.Version()
		states["connected_devices"] = strconv.Itoa(b.stats.ConnectedDevices())
		states["pending_commands"] = strconv.Itoa(b.stats.PendingCommands())
	}
	return states
}

func (b *Bridge) publishStates(ctx context.Context) {
	states := b.sensorStates()
	for entity, value := range states {
		if err := b.publish(ctx, b.stateTopic(entity), []byte(value), 0, true); err != nil {
			b.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}
	b.logger.Debug("mqtt sensor states published", "entities", len(states))
}
