package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/thane-mesh/internal/config"
	"github.com/nugget/thane-mesh/internal/device"
	"github.com/nugget/thane-mesh/internal/protocol"
)

// TransportName is reported by connections from this bridge.
const TransportName = "mqtt"

// Device topic suffixes under <prefix>/devices/<id>/.
const (
	topicRegister   = "register"
	topicRegistered = "registered"
	topicStatus     = "status"
	topicCommands   = "commands"
	topicResults    = "results"
)

var (
	// ErrNotConnected is returned when publishing before the broker
	// connection exists.
	ErrNotConnected = errors.New("mqtt bridge not connected")
	// ErrConnClosed is returned by Send on a released device.
	ErrConnClosed = errors.New("mqtt device connection closed")
)

// Mesh is the subset of the mesh service the bridge drives. Satisfied
// by [*mesh.Service].
type Mesh interface {
	Connect(reg protocol.Registration, conn device.Conn) (protocol.Registered, error)
	Disconnect(deviceID string, conn device.Conn)
	HandleResult(deviceID string, res protocol.Result)
}

// publisher is the part of [autopaho.ConnectionManager] the bridge
// publishes through.
type publisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Bridge manages the broker connection, admits MQTT devices into the
// mesh and publishes the hub's own Home Assistant sensors.
type Bridge struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	mesh       Mesh
	stats      StatsSource
	logger     *slog.Logger
	limiter    *messageRateLimiter

	cm  *autopaho.ConnectionManager
	pub publisher

	mu    sync.Mutex
	conns map[string]*deviceConn
}

// New creates a Bridge but does not connect. Call [Bridge.Start] to
// begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, mesh Mesh, stats StatsSource, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	limit := cfg.RateLimitPerMinute
	if limit <= 0 {
		limit = 600
	}
	return &Bridge{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		mesh:       mesh,
		stats:      stats,
		logger:     logger,
		limiter:    newMessageRateLimiter(int64(limit), time.Minute, logger),
		conns:      make(map[string]*deviceConn),
	}
}

// Start connects to the MQTT broker and begins the periodic sensor
// publish loop. It blocks until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   b.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			b.subscribe(ctx, cm)
			b.publishDiscovery(ctx)
			b.publishAvailability(ctx, "online")
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "thane-mesh-" + b.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.handleMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.mu.Lock()
	b.cm = cm
	b.pub = cm
	b.mu.Unlock()

	go b.limiter.start(ctx)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	b.runLoop(ctx)
	return nil
}

// Stop publishes an "offline" availability message, releases every
// MQTT device and closes the broker connection.
func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	cm := b.cm
	conns := make([]*deviceConn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		b.mesh.Disconnect(c.id, c)
		c.Close()
	}
	if cm == nil {
		return nil
	}
	b.publishAvailability(ctx, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires. Used as a connwatch health probe.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	b.mu.Lock()
	cm := b.cm
	b.mu.Unlock()
	if cm == nil {
		return fmt.Errorf("mqtt bridge not started")
	}
	return cm.AwaitConnection(ctx)
}

// DeviceCount returns the number of devices currently joined through
// the broker.
func (b *Bridge) DeviceCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// --- Topic helpers ---

func (b *Bridge) devicesRoot() string {
	return b.cfg.TopicPrefix + "/devices/"
}

func (b *Bridge) deviceTopic(id, kind string) string {
	return b.devicesRoot() + id + "/" + kind
}

// parseDeviceTopic splits <prefix>/devices/<id>/<kind>.
func (b *Bridge) parseDeviceTopic(topic string) (id, kind string, ok bool) {
	rest, found := strings.CutPrefix(topic, b.devicesRoot())
	if !found {
		return "", "", false
	}
	id, kind, found = strings.Cut(rest, "/")
	if !found || id == "" || kind == "" || strings.Contains(kind, "/") {
		return "", "", false
	}
	return id, kind, true
}

func (b *Bridge) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	subs := make([]paho.SubscribeOptions, 0, 3)
	for _, kind := range []string{topicRegister, topicStatus, topicResults} {
		subs = append(subs, paho.SubscribeOptions{Topic: b.deviceTopic("+", kind), QoS: 1})
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		b.logger.Error("mqtt subscribe failed", "error", err)
		return
	}
	b.logger.Debug("mqtt device topics subscribed", "prefix", b.devicesRoot())
}

func (b *Bridge) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	b.mu.Lock()
	pub := b.pub
	b.mu.Unlock()
	if pub == nil {
		return ErrNotConnected
	}
	_, err := pub.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	})
	return err
}

// --- Inbound ---

// handleMessage dispatches one inbound device message. It runs on the
// client's receive path, so anything that publishes is moved off it.
func (b *Bridge) handleMessage(ctx context.Context, topic string, payload []byte) {
	id, kind, ok := b.parseDeviceTopic(topic)
	if !ok {
		b.logger.Debug("mqtt message on unexpected topic", "topic", topic)
		return
	}
	if !b.limiter.allow(id) {
		return
	}
	b.logger.Log(ctx, config.LevelTrace, "mqtt message received",
		"topic", topic,
		"device_id", id,
		"payload_size", len(payload),
	)

	switch kind {
	case topicRegister:
		go b.handleRegister(ctx, id, payload)
	case topicResults:
		b.handleResult(id, payload)
	case topicStatus:
		if strings.TrimSpace(string(payload)) == "offline" {
			b.handleOffline(id)
		}
	}
}

func (b *Bridge) handleRegister(ctx context.Context, id string, payload []byte) {
	var reg protocol.Registration
	if err := json.Unmarshal(payload, &reg); err != nil {
		b.logger.Warn("mqtt registration is not valid JSON", "device_id", id, "error", err)
		b.ack(ctx, id, protocol.Envelope{Type: protocol.TypeError, Error: "registration is not valid JSON"})
		return
	}
	if reg.DeviceID == "" {
		reg.DeviceID = id
	}
	if reg.DeviceID != id {
		b.logger.Warn("mqtt registration id does not match topic",
			"topic_id", id,
			"device_id", reg.DeviceID,
		)
		b.ack(ctx, id, protocol.Envelope{Type: protocol.TypeError, Error: "device id does not match topic"})
		return
	}

	conn := &deviceConn{bridge: b, id: id}
	b.mu.Lock()
	prev := b.conns[id]
	b.conns[id] = conn
	b.mu.Unlock()

	ack, err := b.mesh.Connect(reg, conn)
	if err != nil {
		// A refused re-registration leaves the existing session alone.
		b.mu.Lock()
		if b.conns[id] == conn {
			if prev != nil && !prev.closed.Load() {
				b.conns[id] = prev
			} else {
				delete(b.conns, id)
			}
		}
		b.mu.Unlock()
		b.logger.Warn("mqtt device admission refused", "device_id", id, "error", err)
		b.ack(ctx, id, protocol.Envelope{Type: protocol.TypeError, Error: err.Error()})
		return
	}
	b.logger.Info("mqtt device joined", "device_id", id, "type", reg.Type)
	b.ack(ctx, id, protocol.Envelope{Type: protocol.TypeRegistered, Registered: &ack})
}

func (b *Bridge) ack(ctx context.Context, id string, env protocol.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := b.publish(ctx, b.deviceTopic(id, topicRegistered), payload, 1, false); err != nil {
		b.logger.Warn("mqtt registration reply failed", "device_id", id, "error", err)
	}
}

func (b *Bridge) handleResult(id string, payload []byte) {
	b.mu.Lock()
	_, joined := b.conns[id]
	b.mu.Unlock()
	if !joined {
		b.logger.Debug("mqtt result from device that has not joined", "device_id", id)
		return
	}

	var res protocol.Result
	if err := json.Unmarshal(payload, &res); err != nil || res.ID == "" {
		b.logger.Warn("mqtt result payload malformed", "device_id", id, "error", err)
		return
	}
	b.mesh.HandleResult(id, res)
}

func (b *Bridge) handleOffline(id string) {
	b.mu.Lock()
	conn := b.conns[id]
	b.mu.Unlock()
	if conn == nil {
		return
	}
	b.logger.Info("mqtt device went offline", "device_id", id)
	b.mesh.Disconnect(id, conn)
	conn.Close()
}

// forget drops conn from the table unless a newer registration replaced
// it.
func (b *Bridge) forget(conn *deviceConn) {
	b.mu.Lock()
	if b.conns[conn.id] == conn {
		delete(b.conns, conn.id)
	}
	b.mu.Unlock()
}

// deviceConn is one MQTT device's registry connection. It implements
// [device.Conn].
type deviceConn struct {
	bridge *Bridge
	id     string
	closed atomic.Bool
}

// Send publishes the command to the device's commands topic at QoS 1.
func (c *deviceConn) Send(ctx context.Context, cmd protocol.Command) error {
	if c.closed.Load() {
		return ErrConnClosed
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return c.bridge.publish(ctx, c.bridge.deviceTopic(c.id, topicCommands), payload, 1, false)
}

// Close releases the connection. Safe to call more than once.
func (c *deviceConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.bridge.forget(c)
	}
	return nil
}

// Transport implements [device.Conn].
func (c *deviceConn) Transport() string { return TransportName }
