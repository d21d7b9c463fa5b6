package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/thane-mesh/internal/capability"
	"github.com/nugget/thane-mesh/internal/delegate"
	"github.com/nugget/thane-mesh/internal/hub"
	"github.com/nugget/thane-mesh/internal/mesh"
	"github.com/nugget/thane-mesh/internal/pairing"
	"github.com/nugget/thane-mesh/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDevice answers every command it is sent, or stays silent.
type fakeDevice struct {
	id     string
	svc    *mesh.Service
	silent bool
	fail   string
}

func (d *fakeDevice) Send(_ context.Context, cmd protocol.Command) error {
	if d.silent {
		return nil
	}
	go func() {
		res := protocol.Result{ID: cmd.ID}
		if d.fail != "" {
			res.Error = d.fail
		} else {
			res.Result = json.RawMessage(`{"ran_on":"` + d.id + `"}`)
		}
		d.svc.HandleResult(d.id, res)
	}()
	return nil
}

func (d *fakeDevice) Close() error      { return nil }
func (d *fakeDevice) Transport() string { return "test" }

type testServer struct {
	svc  *mesh.Service
	auth *pairing.Authority
	srv  *httptest.Server
}

type serverOptions struct {
	pairing bool
	history bool
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	var deps mesh.Deps
	if opts.history {
		store, err := delegate.NewCommandStore(db)
		if err != nil {
			t.Fatalf("NewCommandStore: %v", err)
		}
		deps.History = store
	}
	var auth *pairing.Authority
	if opts.pairing {
		store, err := pairing.NewStore(db, bcrypt.MinCost)
		if err != nil {
			t.Fatalf("NewStore: %v", err)
		}
		auth = pairing.NewAuthority(testLogger(), store, pairing.Config{})
		t.Cleanup(auth.Close)
		deps.Pairing = auth
	}

	svc := mesh.New(testLogger(), mesh.Config{
		Capabilities:   capability.Default(),
		CommandTimeout: 2 * time.Second,
	}, deps)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h := hub.New(testLogger(), svc, hub.Config{})

	s := NewServer("", 0, svc, testLogger())
	s.SetDeviceHandler(h)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		h.Close()
		svc.Close()
	})
	return &testServer{svc: svc, auth: auth, srv: srv}
}

func (ts *testServer) connect(t *testing.T, id, typ string, dev *fakeDevice) *fakeDevice {
	t.Helper()
	if dev == nil {
		dev = &fakeDevice{}
	}
	dev.id = id
	dev.svc = ts.svc
	if _, err := ts.svc.Connect(protocol.Registration{DeviceID: id, Name: id, Type: typ}, dev); err != nil {
		t.Fatalf("Connect(%s): %v", id, err)
	}
	return dev
}

func (ts *testServer) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("%s %s status = %d, want %d: %s",
			resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHealthAndVersion(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	ts.connect(t, "laptop", "desktop", nil)

	resp := ts.do(t, http.MethodGet, "/health", "")
	expectStatus(t, resp, http.StatusOK)
	var health HealthResponse
	decode(t, resp, &health)
	if health.Status != "healthy" || health.Devices != 1 {
		t.Errorf("health = %+v", health)
	}

	resp = ts.do(t, http.MethodGet, "/v1/version", "")
	expectStatus(t, resp, http.StatusOK)
	var info map[string]string
	decode(t, resp, &info)
	if info["version"] == "" {
		t.Errorf("version info = %v", info)
	}

	expectStatus(t, ts.do(t, http.MethodGet, "/", ""), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodGet, "/nope", ""), http.StatusNotFound)
}

func TestToolExecute(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	ts.connect(t, "phone", "android", nil)
	ts.connect(t, "laptop", "desktop", nil)

	resp := ts.do(t, http.MethodPost, "/v1/tools/ping/execute", `{"args":{"n":1}}`)
	expectStatus(t, resp, http.StatusOK)

	var out ExecuteResponse
	decode(t, resp, &out)
	if out.DeviceID != "laptop" || out.State != delegate.StateResolved || out.CommandID == "" {
		t.Errorf("response = %+v", out)
	}
	if string(out.Result) != `{"ran_on":"laptop"}` {
		t.Errorf("result = %s", out.Result)
	}

	resp = ts.do(t, http.MethodPost, "/v1/tools/ping/execute", `{"preferred_device_id":"phone"}`)
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &out)
	if out.DeviceID != "phone" {
		t.Errorf("preferred device ignored: %+v", out)
	}

	// No body at all.
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/tools/ping/execute", ""), http.StatusOK)
}

func TestToolExecute_Errors(t *testing.T) {
	tests := []struct {
		name   string
		device *fakeDevice
		tool   string
		body   string
		want   int
	}{
		{"invalid body", nil, "ping", `{"args":`, http.StatusBadRequest},
		{"negative timeout", nil, "ping", `{"timeout_ms":-5}`, http.StatusBadRequest},
		{"timeout past cap", nil, "ping", `{"timeout_ms":3600001}`, http.StatusBadRequest},
		{"timeout overflowing duration", nil, "ping", `{"timeout_ms":9223372036854775807}`, http.StatusBadRequest},
		{"no capable device", nil, "castMedia", "", http.StatusServiceUnavailable},
		{"device error", &fakeDevice{fail: "permission denied"}, "ping", "", http.StatusBadGateway},
		{"timeout", &fakeDevice{silent: true}, "ping", `{"timeout_ms":50}`, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, serverOptions{})
			ts.connect(t, "laptop", "desktop", tt.device)

			resp := ts.do(t, http.MethodPost, "/v1/tools/"+tt.tool+"/execute", tt.body)
			expectStatus(t, resp, tt.want)

			var body struct {
				Error struct {
					Message string `json:"message"`
					Code    int    `json:"code"`
				} `json:"error"`
			}
			decode(t, resp, &body)
			if body.Error.Code != tt.want || body.Error.Message == "" {
				t.Errorf("error body = %+v", body)
			}
		})
	}
}

func TestAsyncExecuteAndCancel(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	ts.connect(t, "laptop", "desktop", &fakeDevice{silent: true})

	resp := ts.do(t, http.MethodPost, "/v1/tools/ping/execute", `{"async":true}`)
	expectStatus(t, resp, http.StatusAccepted)
	var out ExecuteResponse
	decode(t, resp, &out)
	if out.State != delegate.StateAwaiting {
		t.Fatalf("state = %q", out.State)
	}

	resp = ts.do(t, http.MethodGet, "/v1/commands/pending", "")
	expectStatus(t, resp, http.StatusOK)
	var pending struct {
		Count    int                    `json:"count"`
		Commands []delegate.PendingInfo `json:"commands"`
	}
	decode(t, resp, &pending)
	if pending.Count != 1 || pending.Commands[0].ID != out.CommandID {
		t.Fatalf("pending = %+v", pending)
	}

	resp = ts.do(t, http.MethodGet, "/v1/commands/"+out.CommandID, "")
	expectStatus(t, resp, http.StatusOK)

	expectStatus(t, ts.do(t, http.MethodPost, "/v1/commands/"+out.CommandID+"/cancel", ""), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/commands/"+out.CommandID+"/cancel", ""), http.StatusNotFound)

	if n := ts.svc.Delegator().Len(); n != 0 {
		t.Errorf("pending after cancel = %d", n)
	}
}

func TestCommandHistory(t *testing.T) {
	ts := newTestServer(t, serverOptions{history: true})
	ts.connect(t, "laptop", "desktop", nil)

	resp := ts.do(t, http.MethodPost, "/v1/tools/getDeviceInfo/execute", "")
	expectStatus(t, resp, http.StatusOK)
	var out ExecuteResponse
	decode(t, resp, &out)

	waitFor(t, func() bool {
		_, err := ts.svc.History().Get(out.CommandID)
		return err == nil
	})

	resp = ts.do(t, http.MethodGet, "/v1/commands/history?device=laptop", "")
	expectStatus(t, resp, http.StatusOK)
	var hist struct {
		Count    int                       `json:"count"`
		Commands []delegate.CommandRecord `json:"commands"`
	}
	decode(t, resp, &hist)
	if hist.Count != 1 || hist.Commands[0].Tool != "getDeviceInfo" {
		t.Errorf("history = %+v", hist)
	}

	resp = ts.do(t, http.MethodGet, "/v1/commands/"+out.CommandID, "")
	expectStatus(t, resp, http.StatusOK)
	var rec delegate.CommandRecord
	decode(t, resp, &rec)
	if rec.State != delegate.StateResolved {
		t.Errorf("record state = %q", rec.State)
	}

	expectStatus(t, ts.do(t, http.MethodGet, "/v1/commands/missing", ""), http.StatusNotFound)
}

func TestCommandHistory_Disabled(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	expectStatus(t, ts.do(t, http.MethodGet, "/v1/commands/history", ""), http.StatusServiceUnavailable)
}

func TestDevices(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	ts.connect(t, "tv", "smart_tv", nil)

	resp := ts.do(t, http.MethodGet, "/v1/devices", "")
	expectStatus(t, resp, http.StatusOK)
	var list struct {
		Count int `json:"count"`
	}
	decode(t, resp, &list)
	if list.Count != 1 {
		t.Errorf("count = %d", list.Count)
	}

	resp = ts.do(t, http.MethodGet, "/v1/devices/tv", "")
	expectStatus(t, resp, http.StatusOK)
	var d struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		Transport string `json:"transport"`
	}
	decode(t, resp, &d)
	if d.ID != "tv" || d.Type != "smart_tv" || d.Transport != "test" {
		t.Errorf("device = %+v", d)
	}

	expectStatus(t, ts.do(t, http.MethodGet, "/v1/devices/radio", ""), http.StatusNotFound)
	expectStatus(t, ts.do(t, http.MethodDelete, "/v1/devices/tv", ""), http.StatusNoContent)
	expectStatus(t, ts.do(t, http.MethodDelete, "/v1/devices/tv", ""), http.StatusNotFound)
	if ts.svc.Registry().Len() != 0 {
		t.Error("device still registered after delete")
	}
}

func TestCapabilities(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	ts.connect(t, "tv", "smart_tv", nil)
	ts.connect(t, "laptop", "desktop", nil)

	resp := ts.do(t, http.MethodGet, "/v1/capabilities/castMedia", "")
	expectStatus(t, resp, http.StatusOK)
	var c CapabilityResponse
	decode(t, resp, &c)
	if !c.Known || len(c.CapableDevices) != 1 || c.CapableDevices[0] != "tv" {
		t.Errorf("castMedia = %+v", c)
	}

	resp = ts.do(t, http.MethodGet, "/v1/capabilities/makeCoffee", "")
	expectStatus(t, resp, http.StatusOK)
	decode(t, resp, &c)
	if c.Known || len(c.DeviceTypes) != 0 || len(c.CapableDevices) != 2 {
		t.Errorf("unknown tool = %+v", c)
	}

	resp = ts.do(t, http.MethodGet, "/v1/capabilities", "")
	expectStatus(t, resp, http.StatusOK)
	var table map[string][]string
	decode(t, resp, &table)
	if len(table["castMedia"]) == 0 {
		t.Errorf("capability table missing castMedia: %v", table)
	}
}

func TestRouterIntrospection(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	ts.connect(t, "laptop", "desktop", nil)
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/tools/ping/execute", ""), http.StatusOK)

	resp := ts.do(t, http.MethodGet, "/v1/router/audit?limit=5", "")
	expectStatus(t, resp, http.StatusOK)
	var audit struct {
		Count     int `json:"count"`
		Decisions []struct {
			RequestID      string `json:"request_id"`
			DeviceSelected string `json:"device_selected"`
		} `json:"decisions"`
	}
	decode(t, resp, &audit)
	if audit.Count != 1 || audit.Decisions[0].DeviceSelected != "laptop" {
		t.Fatalf("audit = %+v", audit)
	}

	expectStatus(t, ts.do(t, http.MethodGet, "/v1/router/explain/"+audit.Decisions[0].RequestID, ""), http.StatusOK)
	expectStatus(t, ts.do(t, http.MethodGet, "/v1/router/explain/nope", ""), http.StatusNotFound)
	expectStatus(t, ts.do(t, http.MethodGet, "/v1/router/stats", ""), http.StatusOK)
}

func TestPairing(t *testing.T) {
	ts := newTestServer(t, serverOptions{pairing: true})

	resp := ts.do(t, http.MethodPost, "/v1/pairing/tokens", "")
	expectStatus(t, resp, http.StatusCreated)
	var tok PairingTokenResponse
	decode(t, resp, &tok)
	if tok.Value == "" || !strings.HasPrefix(tok.URI, pairing.URIScheme+"://pair?") {
		t.Fatalf("token response = %+v", tok)
	}
	hubURL, value, err := pairing.ParsePairingURI(tok.URI)
	if err != nil || value != tok.Value || !strings.HasSuffix(hubURL, DevicePath) {
		t.Errorf("ParsePairingURI = %q, %q, %v", hubURL, value, err)
	}

	resp = ts.do(t, http.MethodGet, tok.QRPath, "")
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	png, _ := io.ReadAll(resp.Body)
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("qr body is not a PNG")
	}

	expectStatus(t, ts.do(t, http.MethodGet, "/v1/pairing/tokens/forged/qr.png", ""), http.StatusNotFound)

	if _, err := ts.auth.Redeem(tok.Value, "phone"); err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	resp = ts.do(t, http.MethodGet, "/v1/pairing/devices", "")
	expectStatus(t, resp, http.StatusOK)
	var paired struct {
		Count int `json:"count"`
	}
	decode(t, resp, &paired)
	if paired.Count != 1 {
		t.Errorf("paired count = %d", paired.Count)
	}

	expectStatus(t, ts.do(t, http.MethodDelete, "/v1/pairing/devices/phone", ""), http.StatusNoContent)
	if list, _ := ts.auth.Paired(); len(list) != 0 {
		t.Errorf("paired after forget = %v", list)
	}
}

func TestPairing_NotConfigured(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	expectStatus(t, ts.do(t, http.MethodPost, "/v1/pairing/tokens", ""), http.StatusServiceUnavailable)
}

func TestDeviceSocketMounted(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + DevicePath
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	reg := protocol.Registration{DeviceID: "speaker", Type: "smart_speaker"}
	if err := ws.WriteJSON(protocol.Envelope{Type: protocol.TypeRegister, Register: &reg}); err != nil {
		t.Fatalf("write: %v", err)
	}
	//nolint:errcheck // test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ack protocol.Envelope
	if err := ws.ReadJSON(&ack); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ack.Type != protocol.TypeRegistered {
		t.Fatalf("ack = %+v", ack)
	}
	waitFor(t, func() bool { return ts.svc.Registry().Len() == 1 })
}
