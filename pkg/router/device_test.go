package router

import (
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

// fakeEnumerator is an in-memory enumeration capability shared by the
// registry, monitor and engine tests.
type fakeEnumerator struct {
	mu      sync.Mutex
	devices []Device
	err     error
}

func (f *fakeEnumerator) set(devices ...Device) {
	f.mu.Lock()
	f.devices = devices
	f.err = nil
	f.mu.Unlock()
}

func (f *fakeEnumerator) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeEnumerator) Enumerate() ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	out := make([]Device, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

var (
	devBlackHole  = Device{ID: "uid-blackhole-2ch", Name: "BlackHole 2ch", Direction: DirectionBoth, Transport: TransportVirtual}
	devSpeakers   = Device{ID: "uid-macbook-speakers", Name: "MacBook Pro Speakers", Direction: DirectionOutput, Transport: TransportPhysical}
	devHeadphones = Device{ID: "uid-usb-dac", Name: "USB Audio DAC", Direction: DirectionOutput, Transport: TransportPhysical}
)

func TestRegistryRefreshReportsDiff(t *testing.T) {
	enum := &fakeEnumerator{}
	enum.set(devBlackHole, devSpeakers)
	registry := NewRegistry(testLogger(), enum)

	added, removed, err := registry.Refresh()
	if err != nil {
		t.Fatalf("initial refresh failed: %v", err)
	}
	if len(added) != 2 || len(removed) != 0 {
		t.Fatalf("initial refresh: got %d added / %d removed, want 2 / 0", len(added), len(removed))
	}

	enum.set(devBlackHole, devHeadphones)
	added, removed, err = registry.Refresh()
	if err != nil {
		t.Fatalf("second refresh failed: %v", err)
	}
	if len(added) != 1 || added[0].ID != devHeadphones.ID {
		t.Errorf("expected %q to be reported as added, got %v", devHeadphones.ID, added)
	}
	if len(removed) != 1 || removed[0].ID != devSpeakers.ID {
		t.Errorf("expected %q to be reported as removed, got %v", devSpeakers.ID, removed)
	}
}

func TestRegistryLookup(t *testing.T) {
	enum := &fakeEnumerator{}
	enum.set(devBlackHole)
	registry := NewRegistry(testLogger(), enum)

	if _, _, err := registry.Refresh(); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	dev, err := registry.Lookup(devBlackHole.ID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if dev.Name != devBlackHole.Name {
		t.Errorf("lookup returned %q, want %q", dev.Name, devBlackHole.Name)
	}

	if _, err := registry.Lookup("uid-nonexistent"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("lookup of unknown id: got %v, want ErrDeviceNotFound", err)
	}

	if _, err := registry.LookupByName(devBlackHole.Name); err != nil {
		t.Errorf("lookup by name failed: %v", err)
	}
	if _, err := registry.LookupByName("No Such Device"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("lookup by unknown name: got %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistryKeepsSnapshotOnEnumerationFailure(t *testing.T) {
	enum := &fakeEnumerator{}
	enum.set(devBlackHole, devSpeakers)
	registry := NewRegistry(testLogger(), enum)

	if _, _, err := registry.Refresh(); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	enum.fail(errors.New("coreaudio went away"))

	_, _, err := registry.Refresh()
	if !errors.Is(err, ErrEnumerationUnavailable) {
		t.Fatalf("failed refresh: got %v, want ErrEnumerationUnavailable", err)
	}

	// the previous snapshot must still answer queries
	if !registry.IsLive(devSpeakers.ID) {
		t.Error("device no longer live after failed refresh, expected stale snapshot to be kept")
	}
}

func TestRegistryHasVirtualCaptureDevice(t *testing.T) {
	enum := &fakeEnumerator{}
	enum.set(devSpeakers, devHeadphones)
	registry := NewRegistry(testLogger(), enum)

	if _, _, err := registry.Refresh(); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if registry.HasVirtualCaptureDevice() {
		t.Error("expected no virtual capture device among physical outputs")
	}

	enum.set(devSpeakers, devHeadphones, devBlackHole)
	if _, _, err := registry.Refresh(); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if !registry.HasVirtualCaptureDevice() {
		t.Error("expected virtual capture device to be detected")
	}
}

func TestIsVirtualDeviceName(t *testing.T) {
	cases := []struct {
		name    string
		virtual bool
	}{
		{"BlackHole 2ch", true},
		{"BlackHole 16ch", true},
		{"Soundflower (2ch)", true},
		{"Loopback Audio", true},
		{"VB-Cable", true},
		{"MacBook Pro Speakers", false},
		{"USB Audio DAC", false},
		{"", false},
	}

	for _, tc := range cases {
		if got := IsVirtualDeviceName(tc.name); got != tc.virtual {
			t.Errorf("IsVirtualDeviceName(%q) = %v, want %v", tc.name, got, tc.virtual)
		}
	}
}

func TestRegistryDevicesSorted(t *testing.T) {
	enum := &fakeEnumerator{}
	enum.set(devHeadphones, devBlackHole, devSpeakers)
	registry := NewRegistry(testLogger(), enum)

	if _, _, err := registry.Refresh(); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	devices := registry.Devices()
	if len(devices) != 3 {
		t.Fatalf("got %d devices, want 3", len(devices))
	}
	for i := 1; i < len(devices); i++ {
		if devices[i-1].Name > devices[i].Name {
			t.Fatalf("device list not sorted by name: %q before %q", devices[i-1].Name, devices[i].Name)
		}
	}
}
