package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// DeviceID is the stable identifier the OS assigns to an audio endpoint.
// For physical devices it persists across reboots and hot-plug cycles.
type DeviceID string

// Direction describes which way audio flows through a device.
type Direction int

const (
	DirectionOutput Direction = iota
	DirectionInput
	DirectionBoth
)

func (d Direction) String() string {
	switch d {
	case DirectionOutput:
		return "output"
	case DirectionInput:
		return "input"
	case DirectionBoth:
		return "input/output"
	}
	return "unknown"
}

// Transport distinguishes software loopback endpoints from real hardware.
type Transport int

const (
	TransportPhysical Transport = iota
	TransportVirtual
)

func (t Transport) String() string {
	if t == TransportVirtual {
		return "virtual"
	}
	return "physical"
}

// Device mirrors one audio endpoint as reported by the enumeration capability.
// The registry never originates or deletes devices, it only tracks what the
// OS currently exposes.
type Device struct {
	ID        DeviceID
	Name      string
	Direction Direction
	Transport Transport
}

func (d Device) String() string {
	return fmt.Sprintf("<device: %s (%s, %s)>", d.Name, d.Direction, d.Transport)
}

// known virtual loopback driver names, matched as name prefixes
var virtualDriverNames = []string{"BlackHole", "Soundflower", "Loopback", "VB-Cable"}

// IsVirtualDeviceName reports whether a device name belongs to a known
// virtual loopback driver.
func IsVirtualDeviceName(name string) bool {
	return funk.Contains(virtualDriverNames, func(prefix string) bool {
		return strings.HasPrefix(name, prefix)
	})
}

// Enumerator is the pull form of the device enumeration capability.
type Enumerator interface {
	// Enumerate returns the full current device list. A returned error
	// means the capability itself is unavailable, not that zero devices
	// exist.
	Enumerate() ([]Device, error)
}

// Registry maintains an in-memory snapshot of the enumerated device set.
// It is the single writer of the snapshot (via Refresh); all other
// components only read it.
type Registry struct {
	logger *zap.SugaredLogger
	enum   Enumerator

	lock     sync.RWMutex
	snapshot map[DeviceID]Device
}

// NewRegistry creates a device registry backed by the given enumerator.
func NewRegistry(logger *zap.SugaredLogger, enum Enumerator) *Registry {
	logger = logger.Named("registry")

	r := &Registry{
		logger:   logger,
		enum:     enum,
		snapshot: make(map[DeviceID]Device),
	}

	logger.Debug("Created device registry instance")

	return r
}

// Refresh re-synchronizes the snapshot against the live enumeration and
// returns the devices added and removed since the previous snapshot.
// On enumeration failure the previous snapshot is kept untouched and the
// returned error wraps ErrEnumerationUnavailable.
func (r *Registry) Refresh() (added []Device, removed []Device, err error) {
	devices, err := r.enum.Enumerate()
	if err != nil {
		r.logger.Warnw("Device enumeration failed", "error", err)
		return nil, nil, fmt.Errorf("%w: %v", ErrEnumerationUnavailable, err)
	}

	next := make(map[DeviceID]Device, len(devices))
	for _, dev := range devices {
		next[dev.ID] = dev
	}

	r.lock.Lock()
	prev := r.snapshot
	r.snapshot = next
	r.lock.Unlock()

	for id, dev := range next {
		if _, ok := prev[id]; !ok {
			added = append(added, dev)
		}
	}
	for id, dev := range prev {
		if _, ok := next[id]; !ok {
			removed = append(removed, dev)
		}
	}

	if len(added) > 0 || len(removed) > 0 {
		r.logger.Infow("Device topology changed",
			"added", len(added),
			"removed", len(removed),
			"total", len(next))
	}

	return added, removed, nil
}

// Lookup returns the device record for the given identifier.
func (r *Registry) Lookup(id DeviceID) (Device, error) {
	r.lock.RLock()
	dev, ok := r.snapshot[id]
	r.lock.RUnlock()

	if !ok {
		return Device{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, id)
	}

	return dev, nil
}

// LookupByName returns the first device whose display name matches exactly.
// The system output controller speaks names, the rest of the core speaks
// identifiers; this bridges the two.
func (r *Registry) LookupByName(name string) (Device, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	for _, dev := range r.snapshot {
		if dev.Name == name {
			return dev, nil
		}
	}

	return Device{}, fmt.Errorf("%w: name %q", ErrDeviceNotFound, name)
}

// IsLive reports whether the device is present in the current snapshot.
func (r *Registry) IsLive(id DeviceID) bool {
	r.lock.RLock()
	_, ok := r.snapshot[id]
	r.lock.RUnlock()

	return ok
}

// Devices returns a name-sorted copy of the current snapshot.
func (r *Registry) Devices() []Device {
	r.lock.RLock()
	devices := make([]Device, 0, len(r.snapshot))
	for _, dev := range r.snapshot {
		devices = append(devices, dev)
	}
	r.lock.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Name < devices[j].Name
	})

	return devices
}

// HasVirtualCaptureDevice reports whether any known virtual loopback
// device capable of capture is currently enumerated. Used at startup to
// warn when the loopback driver isn't installed.
func (r *Registry) HasVirtualCaptureDevice() bool {
	r.lock.RLock()
	defer r.lock.RUnlock()

	for _, dev := range r.snapshot {
		if dev.Transport == TransportVirtual && dev.Direction != DirectionOutput {
			return true
		}
	}

	return false
}
