package hubclient

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"

	"github.com/nugget/thane-mesh/internal/api"
	"github.com/nugget/thane-mesh/internal/mesh"
	"github.com/nugget/thane-mesh/internal/pairing"
	"github.com/nugget/thane-mesh/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type echoDevice struct {
	id  string
	svc *mesh.Service
}

func (d *echoDevice) Send(_ context.Context, cmd protocol.Command) error {
	go d.svc.HandleResult(d.id, protocol.Result{ID: cmd.ID, Result: cmd.Args})
	return nil
}

func (d *echoDevice) Close() error      { return nil }
func (d *echoDevice) Transport() string { return "test" }

func newHub(t *testing.T) (*mesh.Service, *Client) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := pairing.NewStore(db, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	auth := pairing.NewAuthority(testLogger(), store, pairing.Config{})
	t.Cleanup(auth.Close)

	svc := mesh.New(testLogger(), mesh.Config{CommandTimeout: 2 * time.Second}, mesh.Deps{Pairing: auth})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv := httptest.NewServer(api.NewServer("", 0, svc, testLogger()).Handler())
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
	})

	c, err := New(srv.URL + "/")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, c
}

func TestNew_Validation(t *testing.T) {
	for _, raw := range []string{"ws://hub.local", "hub.local:8090", "http://"} {
		if _, err := New(raw); err == nil {
			t.Errorf("New(%q) accepted", raw)
		}
	}
	if _, err := New("https://hub.example.com"); err != nil {
		t.Errorf("New(https) error: %v", err)
	}
}

func TestClient_ExecuteAndDevices(t *testing.T) {
	svc, c := newHub(t)
	dev := &echoDevice{id: "laptop", svc: svc}
	if _, err := svc.Connect(protocol.Registration{DeviceID: "laptop", Type: "desktop"}, dev); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ctx := context.Background()

	devices, err := c.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(devices) != 1 || devices[0].ID != "laptop" {
		t.Errorf("devices = %+v", devices)
	}

	out, err := c.Execute(ctx, "ping", api.ExecuteRequest{Args: json.RawMessage(`{"echo":"hi"}`)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.DeviceID != "laptop" || string(out.Result) != `{"echo":"hi"}` {
		t.Errorf("execute = %+v", out)
	}

	health, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Devices != 1 {
		t.Errorf("health devices = %d", health.Devices)
	}
}

func TestClient_APIError(t *testing.T) {
	_, c := newHub(t)

	_, err := c.Execute(context.Background(), "castMedia", api.ExecuteRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable || !strings.Contains(apiErr.Message, "castMedia") {
		t.Errorf("api error = %+v", apiErr)
	}

	err = c.CancelCommand(context.Background(), "nope")
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusNotFound {
		t.Errorf("cancel err = %v", err)
	}
}

func TestClient_IssuePairingToken(t *testing.T) {
	_, c := newHub(t)

	tok, err := c.IssuePairingToken(context.Background())
	if err != nil {
		t.Fatalf("IssuePairingToken: %v", err)
	}
	_, value, err := pairing.ParsePairingURI(tok.URI)
	if err != nil || value != tok.Value {
		t.Errorf("uri = %q, value %q, err %v", tok.URI, value, err)
	}
	if !tok.ExpiresAt.After(tok.IssuedAt) {
		t.Errorf("token times = %v / %v", tok.IssuedAt, tok.ExpiresAt)
	}
}

func TestClient_UserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !strings.HasPrefix(got, "thane-mesh-cli/") {
		t.Errorf("User-Agent = %q", got)
	}
}

func TestClient_NonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := New(srv.URL)
	_, err := c.Health(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "upstream exploded" {
		t.Errorf("err = %v", err)
	}
}

// failingRoundTripper fails with a dial error a fixed number of times.
type failingRoundTripper struct {
	failures int
	calls    int
	err      error
}

func (f *failingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		if f.err != nil {
			return nil, f.err
		}
		return nil, &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: &net.OpError{Op: "connect", Err: syscall.ECONNREFUSED},
		}
	}
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"success first try", 0, nil, 1, false},
		{"recovers after refusal", 1, nil, 2, false},
		{"exhausts retries", 10, nil, 3, true},
		{"reset is not retried", 1, syscall.ECONNRESET, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &failingRoundTripper{failures: tt.failures, err: tt.err}
			rt := &retryTransport{base: ft, count: 2, delay: time.Millisecond}

			req, _ := http.NewRequest(http.MethodGet, "http://hub.local/health", nil)
			resp, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if resp != nil {
				resp.Body.Close()
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_RespectsContext(t *testing.T) {
	ft := &failingRoundTripper{failures: 10}
	rt := &retryTransport{base: ft, count: 5, delay: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://hub.local/health", nil)

	start := time.Now()
	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > time.Second {
		t.Error("retry ignored context cancellation")
	}
}
