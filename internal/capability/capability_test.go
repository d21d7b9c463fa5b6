package capability

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestParseDeviceType(t *testing.T) {
	tests := []struct {
		in      string
		want    DeviceType
		wantErr bool
	}{
		{"desktop", Desktop, false},
		{"  Android ", Android, false},
		{"SMART_TV", SmartTV, false},
		{"iot_device", IoTDevice, false},
		{"toaster", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDeviceType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDeviceType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDeviceType(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanRun(t *testing.T) {
	m := MustMap(map[string][]DeviceType{
		"readAndroidNotifications": {Desktop, Android},
		"castMedia":                {SmartTV},
	})

	tests := []struct {
		name string
		typ  DeviceType
		tool string
		want bool
	}{
		{"desktop permitted", Desktop, "readAndroidNotifications", true},
		{"android permitted", Android, "readAndroidNotifications", true},
		{"ios not permitted", IOS, "readAndroidNotifications", false},
		{"tv only", SmartTV, "castMedia", true},
		{"unknown tool", Desktop, "launchRocket", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := m.CanRun(tt.typ, tt.tool); got != tt.want {
				t.Errorf("CanRun(%q, %q) = %v, want %v", tt.typ, tt.tool, got, tt.want)
			}
		})
	}
}

func TestNilMap(t *testing.T) {
	var m *Map
	if m.Known("x") {
		t.Error("nil map reports tool as known")
	}
	if m.CanRun(Desktop, "x") {
		t.Error("nil map permits a tool")
	}
	if got := m.DeviceTypes("x"); got != nil {
		t.Errorf("DeviceTypes on nil map = %v, want nil", got)
	}
}

func TestNewMapRejectsUnknownType(t *testing.T) {
	_, err := NewMap(map[string][]DeviceType{"t": {"fridge"}})
	if err == nil {
		t.Fatal("expected error for unknown device type")
	}
}

func TestDeviceTypesPriorityOrder(t *testing.T) {
	m := MustMap(map[string][]DeviceType{
		"speak": {SmartSpeaker, IOS, Desktop},
	})
	got := m.DeviceTypes("speak")
	want := []DeviceType{Desktop, IOS, SmartSpeaker}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("DeviceTypes = %v, want %v", got, want)
	}
}

func TestMergeOverrides(t *testing.T) {
	base := MustMap(map[string][]DeviceType{
		"a": {Desktop},
		"b": {Android},
	})
	over := MustMap(map[string][]DeviceType{
		"b": {IOS},
		"c": {SmartTV},
	})
	m := base.Merge(over)

	if !m.CanRun(Desktop, "a") {
		t.Error("merged map lost tool a")
	}
	if m.CanRun(Android, "b") || !m.CanRun(IOS, "b") {
		t.Error("override for tool b not applied")
	}
	if !m.CanRun(SmartTV, "c") {
		t.Error("merged map missing tool c")
	}
	if base.CanRun(IOS, "b") {
		t.Error("Merge mutated the base map")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "caps.yaml")
	content := "readAndroidNotifications: [desktop, android]\ncastMedia: [smart_tv]\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	m, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got := m.Tools(); !reflect.DeepEqual(got, []string{"castMedia", "readAndroidNotifications"}) {
		t.Errorf("Tools() = %v", got)
	}
	if !m.CanRun(Android, "readAndroidNotifications") {
		t.Error("android should run readAndroidNotifications")
	}
}

func TestLoadFileBadType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "caps.yaml")
	if err := os.WriteFile(path, []byte("x: [blender]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for unknown device type in file")
	}
}

func TestDefaultTable(t *testing.T) {
	m := Default()
	if !m.CanRun(Desktop, "readAndroidNotifications") || !m.CanRun(Android, "readAndroidNotifications") {
		t.Error("default table must map readAndroidNotifications to desktop and android")
	}
	for _, typ := range Priority {
		if !m.CanRun(typ, "ping") {
			t.Errorf("ping should be runnable on %s", typ)
		}
	}
}
