// Package hub is the WebSocket transport between the mesh and its
// devices.
//
// A device dials the hub endpoint and must send a register frame
// first. Once admitted it receives command frames and answers with
// result frames on the same socket. The hub keeps each socket alive
// with protocol-level pings and releases the device's registry entry
// when the socket closes.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/thane-mesh/internal/device"
	"github.com/nugget/thane-mesh/internal/protocol"
)

// TransportName is reported by connections from this hub.
const TransportName = "websocket"

// ErrConnClosed is returned by Send on a closed connection.
var ErrConnClosed = errors.New("websocket connection closed")

// Mesh is the subset of the mesh service the hub drives. Satisfied by
// [*mesh.Service].
type Mesh interface {
	Connect(reg protocol.Registration, conn device.Conn) (protocol.Registered, error)
	Disconnect(deviceID string, conn device.Conn)
	HandleResult(deviceID string, res protocol.Result)
}

// Config holds keepalive and framing limits. Zero values select
// defaults.
type Config struct {
	PingInterval    time.Duration // default 30s
	PongTimeout     time.Duration // default 10s
	RegisterTimeout time.Duration // default 10s
	MaxMessageSize  int64         // default 1 MiB
	SendBuffer      int           // default 64 frames
}

func (c *Config) applyDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
}

// Hub accepts device WebSocket connections. It implements
// [http.Handler].
type Hub struct {
	logger   *slog.Logger
	mesh     Mesh
	cfg      Config
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// New creates a hub that admits devices into mesh.
func New(logger *slog.Logger, mesh Mesh, cfg Config) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	return &Hub{
		logger: logger,
		mesh:   mesh,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices are not browsers; admission is by pairing token
			// or credential, not origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and runs the device session until the
// socket closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(h.cfg.MaxMessageSize)

	c := &Conn{
		ws:     ws,
		send:   make(chan []byte, h.cfg.SendBuffer),
		done:   make(chan struct{}),
		remote: r.RemoteAddr,
	}
	if !h.track(c) {
		ws.Close()
		return
	}
	defer h.untrack(c)

	reg, ok := h.readRegistration(c)
	if !ok {
		c.Close()
		return
	}
	c.deviceID = reg.DeviceID

	ack, err := h.mesh.Connect(reg, c)
	if err != nil {
		h.logger.Warn("device admission refused",
			"device_id", reg.DeviceID,
			"remote", c.remote,
			"error", err,
		)
		h.refuse(c, err.Error())
		return
	}
	if err := c.writeEnvelope(protocol.Envelope{Type: protocol.TypeRegistered, Registered: &ack}, h.cfg.PongTimeout); err != nil {
		h.logger.Warn("failed to acknowledge registration", "device_id", reg.DeviceID, "error", err)
		h.mesh.Disconnect(reg.DeviceID, c)
		c.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) track(c *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c] = struct{}{}
	return true
}

func (h *Hub) untrack(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// readRegistration waits for the mandatory first frame.
func (h *Hub) readRegistration(c *Conn) (protocol.Registration, bool) {
	//nolint:errcheck // Best-effort deadline on connection setup
	c.ws.SetReadDeadline(time.Now().Add(h.cfg.RegisterTimeout))

	var env protocol.Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		h.logger.Debug("no registration received", "remote", c.remote, "error", err)
		return protocol.Registration{}, false
	}
	if env.Type != protocol.TypeRegister || env.Register == nil {
		h.refuse(c, "first frame must be register")
		return protocol.Registration{}, false
	}
	return *env.Register, true
}

// refuse sends an error frame and a close frame, then drops the socket.
func (h *Hub) refuse(c *Conn, reason string) {
	//nolint:errcheck // Best-effort error frame before close
	c.writeEnvelope(protocol.Envelope{Type: protocol.TypeError, Error: reason}, h.cfg.PongTimeout)
	//nolint:errcheck // Best-effort close frame
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, truncate(reason, 120)),
		time.Now().Add(time.Second))
	c.Close()
	c.ws.Close()
}

func (h *Hub) readPump(c *Conn) {
	defer func() {
		h.mesh.Disconnect(c.deviceID, c)
		c.Close()
	}()

	wait := h.cfg.PingInterval + h.cfg.PongTimeout
	//nolint:errcheck // Best-effort deadline
	c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		var env protocol.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("device socket read error", "device_id", c.deviceID, "error", err)
			} else {
				h.logger.Debug("device socket closed", "device_id", c.deviceID, "error", err)
			}
			return
		}
		// Any frame proves liveness.
		//nolint:errcheck // Best-effort deadline reset
		c.ws.SetReadDeadline(time.Now().Add(wait))

		switch env.Type {
		case protocol.TypeResult:
			if env.Result == nil || env.Result.ID == "" {
				c.enqueue(protocol.Envelope{Type: protocol.TypeError, Error: "result frame without id"})
				continue
			}
			h.mesh.HandleResult(c.deviceID, *env.Result)
		case protocol.TypePing:
			c.enqueue(protocol.Envelope{Type: protocol.TypePong})
		case protocol.TypePong:
		default:
			h.logger.Debug("unhandled device frame", "device_id", c.deviceID, "type", env.Type)
			c.enqueue(protocol.Envelope{Type: protocol.TypeError, Error: "unknown message type: " + env.Type})
		}
	}
}

func (h *Hub) writePump(c *Conn) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.ws.SetWriteDeadline(time.Now().Add(h.cfg.PongTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("device socket write failed", "device_id", c.deviceID, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.ws.SetWriteDeadline(time.Now().Add(h.cfg.PongTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			//nolint:errcheck // Best-effort close frame
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}

// ConnCount returns the number of open device sockets, including ones
// still registering.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Close closes every device socket and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return nil
}

// Conn is one device's socket. It implements [device.Conn].
type Conn struct {
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	remote   string
	deviceID string
}

// Send queues a command frame for the device.
func (c *Conn) Send(ctx context.Context, cmd protocol.Command) error {
	data, err := json.Marshal(protocol.Envelope{Type: protocol.TypeCommand, Command: &cmd})
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		// Unblocks a pending read; the write pump sends a close frame
		// first when it is running.
		time.AfterFunc(time.Second, func() { c.ws.Close() })
	})
	return nil
}

// Transport implements [device.Conn].
func (c *Conn) Transport() string { return TransportName }

// enqueue queues a control reply without blocking the read loop.
func (c *Conn) enqueue(env protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// writeEnvelope writes directly to the socket. Only used before the
// write pump starts.
func (c *Conn) writeEnvelope(env protocol.Envelope, timeout time.Duration) error {
	//nolint:errcheck // Best-effort deadline; write error returned below
	c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteJSON(env)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
