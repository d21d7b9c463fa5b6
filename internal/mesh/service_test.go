package mesh

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/thane-mesh/internal/capability"
	"github.com/nugget/thane-mesh/internal/delegate"
	"github.com/nugget/thane-mesh/internal/pairing"
	"github.com/nugget/thane-mesh/internal/protocol"
)

// answeringConn replies to every command through the service, tagging
// the result with its own device id.
type answeringConn struct {
	svc      *Service
	deviceID string
	silent   bool

	mu     sync.Mutex
	closed bool
	sent   []protocol.Command
}

func (c *answeringConn) Send(_ context.Context, cmd protocol.Command) error {
	c.mu.Lock()
	c.sent = append(c.sent, cmd)
	c.mu.Unlock()
	if c.silent {
		return nil
	}
	go c.svc.HandleResult(c.deviceID, protocol.Result{
		ID:     cmd.ID,
		Result: json.RawMessage(`{"ranOn":"` + c.deviceID + `"}`),
	})
	return nil
}

func (c *answeringConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *answeringConn) Transport() string { return "test" }

func (c *answeringConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCaps() *capability.Map {
	return capability.MustMap(map[string][]capability.DeviceType{
		"readAndroidNotifications": {capability.Desktop, capability.Android},
		"castMedia":                {capability.SmartTV},
	})
}

func newStartedService(t *testing.T, cfg Config, deps Deps) *Service {
	t.Helper()
	if cfg.Capabilities == nil {
		cfg.Capabilities = testCaps()
	}
	svc := New(testLogger(), cfg, deps)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func connect(t *testing.T, svc *Service, id string, typ capability.DeviceType, silent bool) *answeringConn {
	t.Helper()
	conn := &answeringConn{svc: svc, deviceID: id, silent: silent}
	if _, err := svc.Connect(protocol.Registration{DeviceID: id, Type: string(typ)}, conn); err != nil {
		t.Fatalf("Connect %s: %v", id, err)
	}
	return conn
}

func ranOn(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var v struct {
		RanOn string `json:"ranOn"`
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode result %s: %v", raw, err)
	}
	return v.RanOn
}

func TestExecute_DesktopFirstThenFallback(t *testing.T) {
	svc := newStartedService(t, Config{}, Deps{})
	connect(t, svc, "D1", capability.Desktop, false)
	connect(t, svc, "D2", capability.Android, false)

	req := ToolExecutionRequest{Tool: "readAndroidNotifications"}
	res, err := svc.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := ranOn(t, res); got != "D1" {
		t.Errorf("ran on %q, want D1", got)
	}

	svc.Registry().Unregister("D1")
	res, err = svc.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute after D1 left: %v", err)
	}
	if got := ranOn(t, res); got != "D2" {
		t.Errorf("ran on %q, want D2", got)
	}
}

func TestExecute_PreferredDevice(t *testing.T) {
	svc := newStartedService(t, Config{}, Deps{})
	connect(t, svc, "D1", capability.Desktop, false)
	connect(t, svc, "D2", capability.Android, false)

	res, err := svc.Execute(context.Background(), ToolExecutionRequest{
		Tool:              "readAndroidNotifications",
		PreferredDeviceID: "D2",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := ranOn(t, res); got != "D2" {
		t.Errorf("ran on %q, want D2", got)
	}
}

func TestExecute_NoCapableDevice(t *testing.T) {
	svc := newStartedService(t, Config{}, Deps{})
	d1 := connect(t, svc, "D1", capability.Desktop, false)

	_, err := svc.Execute(context.Background(), ToolExecutionRequest{Tool: "castMedia"})
	if !errors.Is(err, ErrNoCapableDevice) {
		t.Fatalf("err = %v, want ErrNoCapableDevice", err)
	}
	var nce *NoCapableDeviceError
	if !errors.As(err, &nce) || nce.Tool != "castMedia" || nce.LiveDevices != 1 {
		t.Errorf("NoCapableDeviceError = %+v", nce)
	}
	if d1.sentCount() != 0 {
		t.Error("a command was sent despite no capable device")
	}
	if svc.Delegator().Len() != 0 {
		t.Error("a pending entry was created despite no capable device")
	}
}

func TestExecute_Timeout(t *testing.T) {
	svc := newStartedService(t, Config{}, Deps{})
	connect(t, svc, "D1", capability.Desktop, true)

	_, err := svc.Execute(context.Background(), ToolExecutionRequest{
		Tool:    "readAndroidNotifications",
		Timeout: 20 * time.Millisecond,
	})
	if !errors.Is(err, delegate.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestSubmit_NotStarted(t *testing.T) {
	svc := New(testLogger(), Config{Capabilities: testCaps()}, Deps{})
	defer svc.Close()
	if _, err := svc.Submit(context.Background(), ToolExecutionRequest{Tool: "x"}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("err = %v, want ErrNotStarted", err)
	}
}

func TestDisconnectFailsInFlight(t *testing.T) {
	svc := newStartedService(t, Config{CommandTimeout: time.Minute}, Deps{})
	conn := connect(t, svc, "D1", capability.Desktop, true)

	f, err := svc.Submit(context.Background(), ToolExecutionRequest{Tool: "readAndroidNotifications"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	svc.Disconnect("D1", conn)

	// Failed before Disconnect returns, without waiting on the bus.
	select {
	case <-f.Done():
	default:
		t.Fatal("command still pending after Disconnect returned")
	}
	out, _ := f.Outcome()
	if !errors.Is(out.Err, delegate.ErrDeviceGone) {
		t.Errorf("err = %v, want ErrDeviceGone", out.Err)
	}
}

func TestReconnectKeepsInFlight(t *testing.T) {
	svc := newStartedService(t, Config{CommandTimeout: time.Minute}, Deps{})
	old := connect(t, svc, "D1", capability.Desktop, true)

	f, err := svc.Submit(context.Background(), ToolExecutionRequest{Tool: "readAndroidNotifications"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The device reconnects; the stale connection then closes.
	connect(t, svc, "D1", capability.Desktop, true)
	svc.Disconnect("D1", old)

	if _, ok := svc.Registry().Get("D1"); !ok {
		t.Fatal("stale disconnect evicted the fresh registration")
	}
	svc.HandleResult("D1", protocol.Result{ID: f.ID(), Result: json.RawMessage(`"late but fine"`)})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := f.Wait(ctx); err != nil {
		t.Errorf("Wait: %v", err)
	}
}

func TestHistoryAndRouterOutcome(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()
	store, err := delegate.NewCommandStore(db)
	if err != nil {
		t.Fatalf("NewCommandStore: %v", err)
	}

	svc := newStartedService(t, Config{}, Deps{History: store})
	connect(t, svc, "D1", capability.Desktop, false)

	f, err := svc.Submit(context.Background(), ToolExecutionRequest{
		Tool: "readAndroidNotifications",
		Args: json.RawMessage(`{"limit":1}`),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var rec *delegate.CommandRecord
	for time.Now().Before(deadline) {
		if rec, err = store.Get(f.ID()); err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rec == nil {
		t.Fatalf("command never recorded: %v", err)
	}
	if rec.DeviceID != "D1" || rec.State != delegate.StateResolved || string(rec.Args) != `{"limit":1}` {
		t.Errorf("record = %+v", rec)
	}

	var outcome string
	for time.Now().Before(deadline) {
		log := svc.Router().GetAuditLog(1)
		if len(log) == 1 && log[0].Outcome != "" {
			outcome = log[0].Outcome
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if outcome != string(delegate.StateResolved) {
		t.Errorf("router outcome = %q, want resolved", outcome)
	}
}

// Commands failed by Close are recorded even when the context passed
// to Start was cancelled first, as on a signal-driven shutdown.
func TestCloseRecordsHistoryAfterStartContextCancelled(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()
	store, err := delegate.NewCommandStore(db)
	if err != nil {
		t.Fatalf("NewCommandStore: %v", err)
	}

	svc := New(testLogger(), Config{Capabilities: testCaps(), CommandTimeout: time.Minute}, Deps{History: store})
	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	connect(t, svc, "D1", capability.Desktop, true)

	f, err := svc.Submit(context.Background(), ToolExecutionRequest{Tool: "readAndroidNotifications"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancel()
	time.Sleep(20 * time.Millisecond)
	svc.Close()

	rec, err := store.Get(f.ID())
	if err != nil {
		t.Fatalf("command failed by Close was not recorded: %v", err)
	}
	if rec.State != delegate.StateRejected {
		t.Errorf("state = %q, want %q", rec.State, delegate.StateRejected)
	}
}

func TestConnectRequiresPairing(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	defer db.Close()
	store, err := pairing.NewStore(db, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	auth := pairing.NewAuthority(testLogger(), store, pairing.Config{})

	svc := newStartedService(t, Config{RequirePairing: true}, Deps{Pairing: auth})
	conn := &answeringConn{svc: svc, deviceID: "P1"}

	reg := protocol.Registration{DeviceID: "P1", Type: "android"}
	if _, err := svc.Connect(reg, conn); !errors.Is(err, pairing.ErrNoCredentials) {
		t.Fatalf("Connect without token = %v, want ErrNoCredentials", err)
	}
	if svc.Registry().Len() != 0 {
		t.Fatal("unauthorized device was registered")
	}

	tok, _ := auth.IssueToken()
	reg.Token = tok.Value
	ack, err := svc.Connect(reg, conn)
	if err != nil {
		t.Fatalf("Connect with token: %v", err)
	}
	if ack.Credential == "" {
		t.Fatal("first pairing did not return a credential")
	}

	reg.Token, reg.Credential = "", ack.Credential
	ack, err = svc.Connect(reg, conn)
	if err != nil {
		t.Fatalf("Connect with credential: %v", err)
	}
	if ack.Credential != "" {
		t.Error("reconnect should not mint a new credential")
	}
}

func TestCloseFailsPendingAndDropsDevices(t *testing.T) {
	svc := New(testLogger(), Config{Capabilities: testCaps(), CommandTimeout: time.Minute}, Deps{})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := connect(t, svc, "D1", capability.Desktop, true)

	f, err := svc.Submit(context.Background(), ToolExecutionRequest{Tool: "readAndroidNotifications"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := f.Wait(context.Background()); !errors.Is(err, delegate.ErrClosed) {
		t.Errorf("pending err = %v, want ErrClosed", err)
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Error("device connection not closed")
	}
	if svc.Registry().Len() != 0 {
		t.Error("registry not emptied")
	}
	if _, err := svc.Submit(context.Background(), ToolExecutionRequest{Tool: "x"}); !errors.Is(err, delegate.ErrClosed) {
		t.Errorf("Submit after Close = %v, want ErrClosed", err)
	}
}
