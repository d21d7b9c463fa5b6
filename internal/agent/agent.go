// Package agent is the device side of the mesh.
//
// An [Agent] dials the hub's WebSocket endpoint, registers the device,
// runs every command it is sent through an [Executor] and answers with
// a result frame. When the socket drops it reconnects with exponential
// backoff. A credential issued on first pairing is persisted so later
// sessions do not need a fresh pairing token.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/thane-mesh/internal/buildinfo"
	"github.com/nugget/thane-mesh/internal/config"
	"github.com/nugget/thane-mesh/internal/connwatch"
	"github.com/nugget/thane-mesh/internal/protocol"
)

// DevicePath is the hub's WebSocket endpoint path.
const DevicePath = "/v1/devices/ws"

// Executor runs a delegated tool. Satisfied by [*toolexec.Registry].
type Executor interface {
	Execute(ctx context.Context, tool string, args json.RawMessage) (any, error)
}

// RefusedError reports that the hub rejected the registration. Retrying
// with the same registration would be refused again, so [Agent.Run]
// returns it instead of reconnecting.
type RefusedError struct {
	Reason string
}

// Error implements the error interface.
func (e *RefusedError) Error() string {
	return "hub refused registration: " + e.Reason
}

// Config configures an agent.
type Config struct {
	// HubURL is the hub address. http(s) URLs are converted to ws(s);
	// a bare host gets the default device path.
	HubURL       string
	DeviceID     string
	Name         string
	Type         string
	Capabilities []string
	// Token is a pairing token, sent only while no credential is held.
	Token string
	// CredentialFile persists the credential issued on pairing. Empty
	// keeps it in memory only.
	CredentialFile string

	Backoff          connwatch.BackoffConfig
	HandshakeTimeout time.Duration // default 10s
	ReadTimeout      time.Duration // default 90s; any frame or ping resets it
	CommandTimeout   time.Duration // default 2m
}

// Agent connects one device to a hub.
type Agent struct {
	cfg    Config
	exec   Executor
	logger *slog.Logger

	mu         sync.Mutex
	credential string
	token      string

	writeMu   sync.Mutex
	connected atomic.Bool
	sessions  atomic.Int64
}

// New creates an agent and loads a previously saved credential.
func New(logger *slog.Logger, cfg Config, exec Executor) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case cfg.HubURL == "":
		return nil, errors.New("agent: hub URL is required")
	case cfg.DeviceID == "":
		return nil, errors.New("agent: device id is required")
	case cfg.Type == "":
		return nil, errors.New("agent: device type is required")
	case exec == nil:
		return nil, errors.New("agent: executor is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 2 * time.Minute
	}

	a := &Agent{
		cfg:    cfg,
		exec:   exec,
		logger: logger.With("device_id", cfg.DeviceID),
		token:  cfg.Token,
	}
	if cfg.CredentialFile != "" {
		data, err := os.ReadFile(cfg.CredentialFile)
		switch {
		case err == nil:
			a.credential = strings.TrimSpace(string(data))
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read credential file: %w", err)
		}
	}
	return a, nil
}

// Connected reports whether the agent currently holds a registered
// session.
func (a *Agent) Connected() bool { return a.connected.Load() }

// Sessions returns how many sessions have registered successfully.
func (a *Agent) Sessions() int64 { return a.sessions.Load() }

// Credential returns the credential the agent authenticates with, if
// any.
func (a *Agent) Credential() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.credential
}

// Run keeps the device connected until ctx is cancelled. It returns nil
// on cancellation and a [*RefusedError] if the hub rejects the device.
func (a *Agent) Run(ctx context.Context) error {
	backoff := connwatch.NewBackoff(a.cfg.Backoff)
	for {
		registered, err := a.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var refused *RefusedError
		if errors.As(err, &refused) {
			return err
		}
		if registered {
			backoff.Reset()
		}

		delay := backoff.Next()
		a.logger.Warn("hub session ended, reconnecting",
			"error", err,
			"delay", delay.String(),
		)
		if !connwatch.Sleep(ctx, delay) {
			return nil
		}
	}
}

// WebSocketURL normalizes a configured hub address.
func WebSocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse hub URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("hub URL %q has no host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DevicePath
	}
	return u.String(), nil
}

// session runs one connection. registered reports whether the hub
// accepted the device before the session ended.
func (a *Agent) session(ctx context.Context) (registered bool, err error) {
	target, err := WebSocketURL(a.cfg.HubURL)
	if err != nil {
		return false, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: a.cfg.HandshakeTimeout}
	header := http.Header{"User-Agent": {buildinfo.UserAgent("agent")}}
	ws, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return false, fmt.Errorf("dial hub: %w", err)
	}
	defer ws.Close()

	// Unblocks the read loop when ctx ends.
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	if err := a.register(ws); err != nil {
		return false, err
	}
	a.sessions.Add(1)
	a.connected.Store(true)
	defer a.connected.Store(false)
	a.logger.Info("registered with hub", "hub", target)

	var wg sync.WaitGroup
	defer wg.Wait()
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	extend := func() {
		//nolint:errcheck // Best-effort deadline reset
		ws.SetReadDeadline(time.Now().Add(a.cfg.ReadTimeout))
	}
	extend()
	ws.SetPingHandler(func(data string) error {
		extend()
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		var env protocol.Envelope
		if err := ws.ReadJSON(&env); err != nil {
			return true, fmt.Errorf("read from hub: %w", err)
		}
		extend()

		switch env.Type {
		case protocol.TypeCommand:
			if env.Command == nil {
				continue
			}
			wg.Add(1)
			go func(cmd protocol.Command) {
				defer wg.Done()
				a.execute(sessCtx, ws, cmd)
			}(*env.Command)
		case protocol.TypePing:
			a.write(ws, protocol.Envelope{Type: protocol.TypePong})
		case protocol.TypePong:
		case protocol.TypeError:
			a.logger.Warn("hub reported an error", "error", env.Error)
		default:
			a.logger.Debug("unhandled hub frame", "type", env.Type)
		}
	}
}

// register sends the registration frame and waits for the reply.
func (a *Agent) register(ws *websocket.Conn) error {
	a.mu.Lock()
	reg := protocol.Registration{
		DeviceID:     a.cfg.DeviceID,
		Name:         a.cfg.Name,
		Type:         a.cfg.Type,
		Capabilities: a.cfg.Capabilities,
	}
	usedCredential := a.credential != ""
	if usedCredential {
		reg.Credential = a.credential
	} else {
		reg.Token = a.token
	}
	a.mu.Unlock()

	if err := a.write(ws, protocol.Envelope{Type: protocol.TypeRegister, Register: &reg}); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	//nolint:errcheck // Best-effort deadline on the handshake
	ws.SetReadDeadline(time.Now().Add(a.cfg.HandshakeTimeout))
	var reply protocol.Envelope
	if err := ws.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read registration reply: %w", err)
	}

	switch reply.Type {
	case protocol.TypeRegistered:
		if reply.Registered != nil && reply.Registered.Credential != "" {
			a.storeCredential(reply.Registered.Credential)
		}
		return nil
	case protocol.TypeError:
		a.mu.Lock()
		canFallBack := usedCredential && a.token != ""
		if canFallBack {
			// Try the pairing token on the next attempt.
			a.credential = ""
		}
		a.mu.Unlock()
		if canFallBack {
			return fmt.Errorf("stored credential rejected: %s", reply.Error)
		}
		return &RefusedError{Reason: reply.Error}
	default:
		return fmt.Errorf("unexpected registration reply %q", reply.Type)
	}
}

// storeCredential keeps a freshly issued credential and persists it. The
// pairing token is spent once a credential exists.
func (a *Agent) storeCredential(cred string) {
	a.mu.Lock()
	a.credential = cred
	a.token = ""
	a.mu.Unlock()

	if a.cfg.CredentialFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(a.cfg.CredentialFile), 0700); err != nil {
		a.logger.Error("create credential directory", "error", err)
		return
	}
	if err := os.WriteFile(a.cfg.CredentialFile, []byte(cred+"\n"), 0600); err != nil {
		a.logger.Error("persist device credential", "path", a.cfg.CredentialFile, "error", err)
		return
	}
	a.logger.Info("paired with hub, credential saved", "path", a.cfg.CredentialFile)
}

// execute runs one command and sends its result.
func (a *Agent) execute(ctx context.Context, ws *websocket.Conn, cmd protocol.Command) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CommandTimeout)
	defer cancel()

	start := time.Now()
	out, err := a.exec.Execute(ctx, cmd.Tool, cmd.Args)

	res := protocol.Result{ID: cmd.ID}
	if err != nil {
		res.Error = err.Error()
	} else if raw, merr := json.Marshal(out); merr != nil {
		res.Error = "encode result: " + merr.Error()
	} else {
		res.Result = raw
	}

	a.logger.Debug("command executed",
		"command_id", cmd.ID,
		"tool", cmd.Tool,
		"duration", time.Since(start).String(),
		"failed", res.Failed(),
	)
	a.logger.Log(ctx, config.LevelTrace, "command result",
		"command_id", cmd.ID,
		"args", string(cmd.Args),
		"result", string(res.Result),
	)

	if err := a.write(ws, protocol.Envelope{Type: protocol.TypeResult, Result: &res}); err != nil {
		a.logger.Warn("failed to send result", "command_id", cmd.ID, "error", err)
	}
}

func (a *Agent) write(ws *websocket.Conn, env protocol.Envelope) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	//nolint:errcheck // Best-effort deadline; write error returned below
	ws.SetWriteDeadline(time.Now().Add(a.cfg.HandshakeTimeout))
	return ws.WriteJSON(env)
}

// ConfigFromFile builds an agent Config from the agent section of the
// config file.
func ConfigFromFile(c config.AgentConfig) Config {
	return Config{
		HubURL:         c.HubURL,
		DeviceID:       c.DeviceID,
		Name:           c.Name,
		Type:           c.Type,
		Capabilities:   c.Capabilities,
		Token:          c.Token,
		CredentialFile: c.CredentialFile,
	}
}
