package router

import "errors"

// Sentinel errors surfaced by the registry, monitor and routing engine.
// Callers match them with errors.Is; descriptive context is added at the
// call site via fmt.Errorf wrapping.
var (
	// ErrDeviceUnavailable means a device required for routing is not
	// currently live (enumerated).
	ErrDeviceUnavailable = errors.New("device not available")

	// ErrDeviceNotFound means an unknown device identifier was queried.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrEnumerationUnavailable means the underlying device enumeration
	// capability failed. Transient; callers retry with backoff.
	ErrEnumerationUnavailable = errors.New("device enumeration unavailable")

	// ErrMonitorDisconnected means the device monitor lost the ability to
	// observe topology changes.
	ErrMonitorDisconnected = errors.New("device monitor disconnected")

	// ErrSwitchFailed means a system default-output switch call failed.
	ErrSwitchFailed = errors.New("output switch failed")

	// ErrReconnectTimeout means the bounded reconnect window elapsed
	// without the missing device coming back.
	ErrReconnectTimeout = errors.New("reconnect retries exhausted")

	// ErrPresetNotFound means no preset is stored under the given name.
	ErrPresetNotFound = errors.New("preset not found")

	// ErrSessionActive means routing was requested while another routing
	// session already exists.
	ErrSessionActive = errors.New("a routing session is already active")
)
