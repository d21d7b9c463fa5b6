// Thane Mesh joins heterogeneous devices into one agent surface.
//
// The hub routes each tool execution to a connected device that can run
// it and returns the result; devices join over WebSocket (the agent
// subcommand) or MQTT. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	thane-mesh serve                  Start the hub
//	thane-mesh agent                  Connect this machine to a hub as a device
//	thane-mesh pair                   Issue a pairing token on a running hub
//	thane-mesh exec <tool> [args]     Run a tool on the mesh
//	thane-mesh devices                List connected devices
//	thane-mesh init [dir]             Write an example config
//	thane-mesh version                Print version and build information
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/thane-mesh/internal/agent"
	"github.com/nugget/thane-mesh/internal/api"
	"github.com/nugget/thane-mesh/internal/buildinfo"
	"github.com/nugget/thane-mesh/internal/config"
	"github.com/nugget/thane-mesh/internal/connwatch"
	"github.com/nugget/thane-mesh/internal/delegate"
	"github.com/nugget/thane-mesh/internal/hub"
	"github.com/nugget/thane-mesh/internal/hubclient"
	"github.com/nugget/thane-mesh/internal/mesh"
	"github.com/nugget/thane-mesh/internal/mqtt"
	"github.com/nugget/thane-mesh/internal/pairing"
	"github.com/nugget/thane-mesh/internal/toolexec"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options holds the parsed global flags.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	hubURL     string
	deviceID   string
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's globals would get in the way of calling run from parallel
// tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			opts.outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-hub" && i+1 < len(args):
			opts.hubURL = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-hub="):
			opts.hubURL = strings.TrimPrefix(args[i], "-hub=")
		case args[i] == "-device" && i+1 < len(args):
			opts.deviceID = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-device="):
			opts.deviceID = strings.TrimPrefix(args[i], "-device=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "agent":
		return runAgent(ctx, stdout, opts)
	case "pair":
		return runPair(ctx, stdout, opts)
	case "exec":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: thane-mesh exec <tool> [json-args]")
		}
		return runExec(ctx, stdout, opts, cmdArgs)
	case "devices":
		return runDevices(ctx, stdout, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Thane Mesh - cross-device command delegation")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: thane-mesh [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                 Start the hub")
	fmt.Fprintln(w, "  agent                 Connect this machine to a hub as a device")
	fmt.Fprintln(w, "  pair                  Issue a pairing token on a running hub")
	fmt.Fprintln(w, "  exec <tool> [args]    Run a tool on the mesh (args is a JSON object)")
	fmt.Fprintln(w, "  devices               List connected devices")
	fmt.Fprintln(w, "  init [dir]            Write an example config (default: .)")
	fmt.Fprintln(w, "  version               Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>        Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt      Output format: text (default) or json")
	fmt.Fprintln(w, "  -hub <url>            Hub address for pair, exec and devices")
	fmt.Fprintln(w, "  -device <id>          Preferred device for exec")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/thane-mesh/config.yaml, /etc/thane-mesh/config.yaml")
	return nil
}

// runServe starts the hub: mesh service, WebSocket endpoint, HTTP API
// and the optional MQTT bridge. It blocks until a shutdown signal.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Thane Mesh", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"pairing_required", cfg.Pairing.Required,
		"mqtt", cfg.MQTT.Configured(),
	)

	// --- Persistent state ---
	// Pairing credentials and command history share one SQLite file.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "mesh.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()
	logger.Info("database opened", "path", dbPath)

	caps, err := cfg.Capabilities.Load()
	if err != nil {
		return err
	}

	pairStore, err := pairing.NewStore(db, cfg.Pairing.BcryptCost)
	if err != nil {
		return fmt.Errorf("open pairing store: %w", err)
	}
	auth := pairing.NewAuthority(logger.With("component", "pairing"), pairStore, pairing.Config{
		TTL:      cfg.Pairing.TokenTTL(),
		Reusable: cfg.Pairing.Reusable,
	})
	defer auth.Close()

	var history *delegate.CommandStore
	if cfg.Delegation.HistoryEnabled() {
		history, err = delegate.NewCommandStore(db)
		if err != nil {
			return fmt.Errorf("open command history: %w", err)
		}
	}

	// --- Mesh ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc := mesh.New(logger.With("component", "mesh"), mesh.Config{
		Capabilities:   caps,
		CommandTimeout: cfg.Delegation.Timeout(),
		SendTimeout:    cfg.Delegation.SendTimeout(),
		MaxAuditLog:    cfg.Router.MaxAuditLog,
		RequirePairing: cfg.Pairing.Required,
	}, mesh.Deps{History: history, Pairing: auth})
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start mesh: %w", err)
	}
	defer svc.Close()

	wsHub := hub.New(logger.With("component", "hub"), svc, hubConfig(cfg.Hub))

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, svc, logger.With("component", "api"))
	server.SetDeviceHandler(wsHub)
	server.SetConnWatcher(connMgr)
	server.SetPublicURL(cfg.Pairing.PublicURL)

	// --- MQTT bridge ---
	// Optional: IoT nodes join over MQTT and the hub appears in Home
	// Assistant through MQTT discovery.
	var bridge *mqtt.Bridge
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		bridge = mqtt.New(cfg.MQTT, instanceID, svc, &meshStats{svc: svc}, logger.With("component", "mqtt"))
		go func() {
			if err := bridge.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("mqtt bridge failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return bridge.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})

		logger.Info("mqtt bridge enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
		)
	} else {
		logger.Info("mqtt bridge disabled (not configured)")
	}

	// --- Shutdown ---
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if bridge != nil {
			if err := bridge.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := wsHub.Close(); err != nil {
			logger.Error("hub shutdown failed", "error", err)
		}
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Thane Mesh stopped")
	return nil
}

// runAgent connects this machine to a hub as a device and runs until
// interrupted or refused.
func runAgent(ctx context.Context, stdout io.Writer, opts options) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg)

	acfg := agent.ConfigFromFile(cfg.Agent)
	if opts.hubURL != "" {
		acfg.HubURL = opts.hubURL
	}
	if acfg.DeviceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("agent.device_id not set and hostname unavailable: %w", err)
		}
		acfg.DeviceID = host
	}
	if acfg.Name == "" {
		acfg.Name = acfg.DeviceID
	}

	tools := toolexec.NewRegistry()
	toolexec.RegisterBuiltins(tools, toolexec.DeviceInfo{
		DeviceID: acfg.DeviceID,
		Name:     acfg.Name,
		Type:     acfg.Type,
	})
	shell := toolexec.NewShellExec(cfg.Agent.ShellExec)
	shell.Register(tools)
	if len(acfg.Capabilities) == 0 {
		acfg.Capabilities = tools.Names()
	}

	logger.Info("starting device agent",
		"config", cfgPath,
		"hub", acfg.HubURL,
		"device_id", acfg.DeviceID,
		"type", acfg.Type,
		"tools", acfg.Capabilities,
		"shell_exec", shell.Enabled(),
	)

	a, err := agent.New(logger.With("component", "agent"), acfg, tools)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := a.Run(ctx); err != nil {
		return err
	}
	logger.Info("device agent stopped")
	return nil
}

// newHubClient resolves the hub address from -hub or the config file.
func newHubClient(opts options) (*hubclient.Client, error) {
	base := opts.hubURL
	if base == "" {
		cfg, _, err := loadConfig(opts.configPath)
		if err != nil {
			return nil, fmt.Errorf("no -hub given and %w", err)
		}
		host := cfg.Listen.Address
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "localhost"
		}
		base = fmt.Sprintf("http://%s:%d", host, cfg.Listen.Port)
	}
	return hubclient.New(base, hubclient.WithRetry(2, 500*time.Millisecond))
}

// runPair issues a pairing token on a running hub and prints it with a
// terminal QR code. Tokens live in the hub process, so this goes
// through the HTTP API.
func runPair(ctx context.Context, stdout io.Writer, opts options) error {
	client, err := newHubClient(opts)
	if err != nil {
		return err
	}
	tok, err := client.IssuePairingToken(ctx)
	if err != nil {
		return fmt.Errorf("issue pairing token: %w", err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tok)
	}

	qr, err := pairing.QRText(tok.URI)
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, qr)
	fmt.Fprintf(stdout, "token:   %s\n", tok.Value)
	fmt.Fprintf(stdout, "expires: %s (%s)\n", tok.ExpiresAt.Local().Format(time.Kitchen),
		time.Until(tok.ExpiresAt).Round(time.Second))
	fmt.Fprintf(stdout, "uri:     %s\n", tok.URI)
	return nil
}

// runExec runs a tool through a running hub and prints the result.
func runExec(ctx context.Context, stdout io.Writer, opts options, args []string) error {
	req := api.ExecuteRequest{PreferredDeviceID: opts.deviceID}
	if len(args) > 1 {
		raw := json.RawMessage(strings.Join(args[1:], " "))
		if !json.Valid(raw) {
			return fmt.Errorf("tool arguments must be valid JSON: %s", raw)
		}
		req.Args = raw
	}

	client, err := newHubClient(opts)
	if err != nil {
		return err
	}
	out, err := client.Execute(ctx, args[0], req)
	if err != nil {
		return fmt.Errorf("exec %s: %w", args[0], err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Fprintf(stdout, "%s ran on %s in %dms\n", out.Tool, out.DeviceID, out.DurationMs)
	fmt.Fprintln(stdout, string(out.Result))
	return nil
}

// runDevices lists the devices connected to a running hub.
func runDevices(ctx context.Context, stdout io.Writer, opts options) error {
	client, err := newHubClient(opts)
	if err != nil {
		return err
	}
	devices, err := client.Devices(ctx)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	}
	if len(devices) == 0 {
		fmt.Fprintln(stdout, "no devices connected")
		return nil
	}
	for _, d := range devices {
		fmt.Fprintf(stdout, "%-24s %-14s %-10s %s\n", d.ID, d.Type, d.Transport,
			time.Since(d.ConnectedAt).Round(time.Second))
	}
	return nil
}

// loadConfig locates and parses the YAML configuration file. An
// explicit path must exist; otherwise [config.FindConfig] searches the
// default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// configuredLogger builds the logger the config file asks for. The
// level was validated by config.Load.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return config.NewLogger(w, level, cfg.LogFormat)
}

func hubConfig(c config.HubConfig) hub.Config {
	return hub.Config{
		PingInterval:    time.Duration(c.PingIntervalSec) * time.Second,
		PongTimeout:     time.Duration(c.PongTimeoutSec) * time.Second,
		RegisterTimeout: time.Duration(c.RegisterTimeoutSec) * time.Second,
		MaxMessageSize:  int64(c.MaxMessageKB) << 10,
	}
}

// meshStats adapts the mesh service and build info to the MQTT
// bridge's [mqtt.StatsSource].
type meshStats struct {
	svc *mesh.Service
}

func (m *meshStats) Uptime() time.Duration { return buildinfo.Uptime() }
func (m *meshStats) Version() string       { return buildinfo.Version }
func (m *meshStats) ConnectedDevices() int { return m.svc.Registry().Len() }
func (m *meshStats) PendingCommands() int  { return m.svc.Delegator().Len() }
