package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/thane-mesh/internal/capability"
	"github.com/nugget/thane-mesh/internal/events"
	"github.com/nugget/thane-mesh/internal/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	closed int
}

func (c *fakeConn) Send(context.Context, protocol.Command) error { return nil }
func (c *fakeConn) Transport() string                            { return "fake" }
func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func nextEvent(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func TestRegisterGetRoundTrip(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	meta := Metadata{Name: "Laptop", Type: capability.Desktop, Capabilities: []string{"shell", "files"}}

	if _, err := r.Register("d1", meta, &fakeConn{}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, ok := r.Get("d1")
	if !ok {
		t.Fatal("Get after Register returned nothing")
	}
	if got.Name != "Laptop" || got.Type != capability.Desktop {
		t.Errorf("got %+v, want name Laptop type desktop", got)
	}
	if got.Status != StatusOnline {
		t.Errorf("Status = %q, want %q", got.Status, StatusOnline)
	}
	if got.ConnectedAt.IsZero() {
		t.Error("ConnectedAt not stamped")
	}
	if got.Transport != "fake" {
		t.Errorf("Transport = %q, want fake", got.Transport)
	}
	if !got.HasCapability("files") {
		t.Error("capabilities not stored")
	}
}

func TestUnregisterThenGet(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	if _, err := r.Register("d1", Metadata{Type: capability.Android}, nil); err != nil {
		t.Fatal(err)
	}

	r.Unregister("d1")
	if _, ok := r.Get("d1"); ok {
		t.Error("device still present after Unregister")
	}

	// Double unregister must be harmless.
	r.Unregister("d1")
	r.Unregister("never-registered")
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegisterDefaultsNameToID(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	d, err := r.Register("phone-7", Metadata{Type: capability.IOS}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Name != "phone-7" {
		t.Errorf("Name = %q, want phone-7", d.Name)
	}
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		id   string
		meta Metadata
	}{
		{"empty id", "", Metadata{Type: capability.Desktop}},
		{"blank id", "   ", Metadata{Type: capability.Desktop}},
		{"missing type", "d1", Metadata{}},
		{"unknown type", "d1", Metadata{Type: "fridge"}},
		{"empty capability", "d1", Metadata{Type: capability.Desktop, Capabilities: []string{"ok", " "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := events.New()
			ch := bus.Subscribe(4)
			defer bus.Unsubscribe(ch)

			r := NewRegistry(testLogger(), bus)
			_, err := r.Register(tt.id, tt.meta, nil)
			if err == nil {
				t.Fatal("expected registration error")
			}
			var regErr *RegistrationError
			if !errors.As(err, &regErr) {
				t.Errorf("error %v is not a *RegistrationError", err)
			}
			if !errors.Is(err, ErrInvalidRegistration) {
				t.Errorf("error %v does not match ErrInvalidRegistration", err)
			}
			if r.Len() != 0 {
				t.Error("registry changed after rejected registration")
			}
			select {
			case e := <-ch:
				t.Errorf("unexpected event %v after rejected registration", e)
			default:
			}
		})
	}
}

func TestReRegistrationReplacesAndClosesStaleConn(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	old := &fakeConn{}
	fresh := &fakeConn{}

	if _, err := r.Register("d1", Metadata{Name: "old", Type: capability.Android}, old); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("d1", Metadata{Name: "new", Type: capability.Android}, fresh); err != nil {
		t.Fatal(err)
	}

	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (one live entry per id)", r.Len())
	}
	got, _ := r.Get("d1")
	if got.Name != "new" {
		t.Errorf("Name = %q, want new (last write wins)", got.Name)
	}
	if old.closeCount() != 1 {
		t.Errorf("stale conn closed %d times, want 1", old.closeCount())
	}
	if fresh.closeCount() != 0 {
		t.Error("fresh conn should stay open")
	}
}

func TestReleaseIgnoresStaleConn(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	old := &fakeConn{}
	fresh := &fakeConn{}
	r.Register("d1", Metadata{Type: capability.Desktop}, old)
	r.Register("d1", Metadata{Type: capability.Desktop}, fresh)

	if r.Release("d1", old) {
		t.Error("Release with stale conn removed the fresh entry")
	}
	if _, ok := r.Get("d1"); !ok {
		t.Fatal("fresh entry missing")
	}
	if !r.Release("d1", fresh) {
		t.Error("Release with live conn did not remove entry")
	}
	if _, ok := r.Get("d1"); ok {
		t.Error("entry still present after Release")
	}
}

func TestListSnapshotOrder(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	r.Register("c", Metadata{Type: capability.IoTDevice}, nil)
	r.Register("a", Metadata{Type: capability.Desktop}, nil)
	r.Register("b", Metadata{Type: capability.Android}, nil)

	snap := r.List()
	var ids []string
	for _, d := range snap {
		ids = append(ids, d.ID)
	}
	want := []string{"c", "a", "b"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("List order = %v, want %v", ids, want)
		}
	}

	// Mutations after the snapshot must not affect it.
	r.Unregister("a")
	snap[0].Capabilities = append(snap[0].Capabilities, "mutated")
	if len(snap) != 3 {
		t.Errorf("snapshot length changed to %d", len(snap))
	}
	if got, _ := r.Get("c"); got.HasCapability("mutated") {
		t.Error("mutating a snapshot leaked into the registry")
	}
}

// A device that reconnects without first dropping out keeps its place
// in registry order; one that left and came back joins at the end.
func TestReRegistrationKeepsOrder(t *testing.T) {
	r := NewRegistry(testLogger(), nil)
	r.Register("phone", Metadata{Type: capability.Android}, &fakeConn{})
	r.Register("tv", Metadata{Type: capability.SmartTV}, &fakeConn{})
	r.Register("phone", Metadata{Type: capability.Android}, &fakeConn{})

	order := func() []string {
		var ids []string
		for _, d := range r.List() {
			ids = append(ids, d.ID)
		}
		return ids
	}
	if got := order(); len(got) != 2 || got[0] != "phone" || got[1] != "tv" {
		t.Errorf("order after re-registration = %v, want [phone tv]", got)
	}

	r.Unregister("phone")
	r.Register("phone", Metadata{Type: capability.Android}, &fakeConn{})
	if got := order(); len(got) != 2 || got[0] != "tv" || got[1] != "phone" {
		t.Errorf("order after leave and rejoin = %v, want [tv phone]", got)
	}
}

func TestRegistryEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	r := NewRegistry(testLogger(), bus)
	r.Register("d1", Metadata{Name: "TV", Type: capability.SmartTV, Capabilities: []string{"cast"}}, nil)

	e := nextEvent(t, ch)
	if e.Kind != events.KindDeviceConnected {
		t.Fatalf("Kind = %q, want %q", e.Kind, events.KindDeviceConnected)
	}
	if e.Data["device_id"] != "d1" || e.Data["type"] != "smart_tv" {
		t.Errorf("connected data = %v", e.Data)
	}

	r.Unregister("d1")
	e = nextEvent(t, ch)
	if e.Kind != events.KindDeviceDisconnected {
		t.Fatalf("Kind = %q, want %q", e.Kind, events.KindDeviceDisconnected)
	}
	if e.Data["name"] != "TV" {
		t.Errorf("disconnect event should carry last known metadata, got %v", e.Data)
	}

	// Absent id: no event.
	r.Unregister("d1")
	select {
	case e := <-ch:
		t.Errorf("unexpected event %v for absent id", e)
	default:
	}
}

func TestMetadataFromRegistration(t *testing.T) {
	meta := MetadataFromRegistration(protocol.Registration{
		DeviceID:     "x",
		Name:         "Kitchen Speaker",
		Type:         " Smart_Speaker ",
		Capabilities: []string{"tts"},
	})
	if meta.Type != capability.SmartSpeaker {
		t.Errorf("Type = %q, want smart_speaker", meta.Type)
	}
	if meta.Name != "Kitchen Speaker" || len(meta.Capabilities) != 1 {
		t.Errorf("unexpected metadata %+v", meta)
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := NewRegistry(testLogger(), events.New())
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := []string{"a", "b", "c"}[i%3]
			r.Register(id, Metadata{Type: capability.Desktop}, &fakeConn{})
			r.List()
			if i%2 == 0 {
				r.Unregister(id)
			}
		}()
	}
	wg.Wait()
	if r.Len() > 3 {
		t.Errorf("Len() = %d, more than one entry per id", r.Len())
	}
}
