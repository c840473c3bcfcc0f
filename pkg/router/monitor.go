package router

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DeviceEventKind tags a topology change delivered by the monitor.
type DeviceEventKind int

const (
	DeviceAdded DeviceEventKind = iota
	DeviceRemoved
)

func (k DeviceEventKind) String() string {
	if k == DeviceAdded {
		return "added"
	}
	return "removed"
}

// DeviceEvent is one coalesced topology change.
type DeviceEvent struct {
	Kind   DeviceEventKind
	Device Device
}

// this many refresh failures in a row means the enumeration capability
// itself is gone, not a transient hiccup
const monitorFailureThreshold = 3

// Monitor drives the registry's refresh off a poll loop and delivers
// coalesced device-arrival/removal events plus health transitions to its
// subscribers. Subscribers only receive future events; there is no replay.
type Monitor struct {
	logger   *zap.SugaredLogger
	registry *Registry

	timingMutex    sync.RWMutex
	pollInterval   time.Duration
	coalesceWindow time.Duration

	stopChannel   chan bool
	retimeChannel chan bool
	stopOnce      sync.Once

	handlersMutex  sync.RWMutex
	deviceHandlers []func(DeviceEvent)
	healthHandlers []func(connected bool)

	pendingMutex sync.Mutex
	pending      map[DeviceID]DeviceEvent
	timers       map[DeviceID]*time.Timer

	// the monitor's own last-seen view of the topology. The registry
	// snapshot is shared and refreshed by several components, so a diff
	// computed there would be consumed by whoever refreshes first; events
	// are derived from this private view instead. Only touched by poll.
	lastSeen map[DeviceID]Device

	consecutiveFailures int
	down                bool
}

// NewMonitor creates a device monitor polling the registry at the given
// interval and coalescing same-device notification bursts within the
// given window. The registry's current snapshot becomes the baseline, so
// devices already present at construction are not reported as arrivals.
func NewMonitor(logger *zap.SugaredLogger, registry *Registry, pollInterval time.Duration, coalesceWindow time.Duration) *Monitor {
	logger = logger.Named("monitor")

	lastSeen := make(map[DeviceID]Device)
	for _, dev := range registry.Devices() {
		lastSeen[dev.ID] = dev
	}

	m := &Monitor{
		logger:         logger,
		registry:       registry,
		pollInterval:   pollInterval,
		coalesceWindow: coalesceWindow,
		stopChannel:    make(chan bool),
		retimeChannel:  make(chan bool, 1),
		pending:        make(map[DeviceID]DeviceEvent),
		timers:         make(map[DeviceID]*time.Timer),
		lastSeen:       lastSeen,
	}

	logger.Debug("Created device monitor instance")

	return m
}

// SetTiming adjusts the poll interval and coalescing window at runtime,
// applied from the next tick onward. Used when the config file is
// reloaded.
func (m *Monitor) SetTiming(pollInterval time.Duration, coalesceWindow time.Duration) {
	m.timingMutex.Lock()
	changed := pollInterval != m.pollInterval || coalesceWindow != m.coalesceWindow
	m.pollInterval = pollInterval
	m.coalesceWindow = coalesceWindow
	m.timingMutex.Unlock()

	if !changed {
		return
	}

	m.logger.Debugw("Monitor timing updated",
		"pollInterval", pollInterval,
		"coalesceWindow", coalesceWindow)

	select {
	case m.retimeChannel <- true:
	default:
		// a reset is already queued
	}
}

// Subscribe registers a callback for coalesced device events. Callbacks
// must be fast; they are expected to only enqueue into the engine's event
// queue, never to process transitions inline.
func (m *Monitor) Subscribe(fn func(DeviceEvent)) {
	m.handlersMutex.Lock()
	m.deviceHandlers = append(m.deviceHandlers, fn)
	m.handlersMutex.Unlock()
}

// SubscribeToHealth registers a callback for monitor connectivity
// transitions: false when the enumeration capability is lost, true when a
// refresh succeeds again.
func (m *Monitor) SubscribeToHealth(fn func(connected bool)) {
	m.handlersMutex.Lock()
	m.healthHandlers = append(m.healthHandlers, fn)
	m.handlersMutex.Unlock()
}

// Start launches the poll loop in the background.
func (m *Monitor) Start() {
	m.timingMutex.RLock()
	interval := m.pollInterval
	window := m.coalesceWindow
	m.timingMutex.RUnlock()

	m.logger.Debugw("Starting device monitor", "pollInterval", interval, "coalesceWindow", window)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-m.stopChannel:
				m.logger.Debug("Device monitor stopped")
				return
			case <-m.retimeChannel:
				m.timingMutex.RLock()
				next := m.pollInterval
				m.timingMutex.RUnlock()
				ticker.Reset(next)
			case <-ticker.C:
				m.poll()
			}
		}
	}()
}

// Stop terminates the poll loop and drops any still-pending coalesced
// events.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChannel)
	})

	m.pendingMutex.Lock()
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
	m.pending = make(map[DeviceID]DeviceEvent)
	m.pendingMutex.Unlock()
}

func (m *Monitor) poll() {
	_, _, err := m.registry.Refresh()
	if err != nil {
		m.consecutiveFailures++
		m.logger.Warnw("Device refresh failed", "failures", m.consecutiveFailures, "error", err)

		if m.consecutiveFailures >= monitorFailureThreshold && !m.down {
			m.down = true
			m.logger.Errorw("Device monitor lost the enumeration capability",
				"error", ErrMonitorDisconnected,
				"failures", m.consecutiveFailures)
			m.notifyHealth(false)
		}
		return
	}

	if m.down {
		m.logger.Info("Device monitor recovered the enumeration capability")
		m.down = false
		m.notifyHealth(true)
	}
	m.consecutiveFailures = 0

	current := make(map[DeviceID]Device)
	for _, dev := range m.registry.Devices() {
		current[dev.ID] = dev
	}

	for id, dev := range m.lastSeen {
		if _, ok := current[id]; !ok {
			m.observe(DeviceEvent{Kind: DeviceRemoved, Device: dev})
		}
	}
	for id, dev := range current {
		if _, ok := m.lastSeen[id]; !ok {
			m.observe(DeviceEvent{Kind: DeviceAdded, Device: dev})
		}
	}

	m.lastSeen = current
}

// observe ingests one raw notification. Bursts for the same identifier
// inside the coalescing window collapse into a single delivery carrying
// the latest observed state.
func (m *Monitor) observe(ev DeviceEvent) {
	m.timingMutex.RLock()
	window := m.coalesceWindow
	m.timingMutex.RUnlock()

	if window <= 0 {
		m.deliver(ev)
		return
	}

	id := ev.Device.ID

	m.pendingMutex.Lock()
	m.pending[id] = ev

	if timer, ok := m.timers[id]; ok {
		timer.Reset(window)
	} else {
		m.timers[id] = time.AfterFunc(window, func() {
			m.flush(id)
		})
	}
	m.pendingMutex.Unlock()
}

func (m *Monitor) flush(id DeviceID) {
	m.pendingMutex.Lock()
	ev, ok := m.pending[id]
	delete(m.pending, id)
	delete(m.timers, id)
	m.pendingMutex.Unlock()

	if !ok {
		return
	}

	m.deliver(ev)
}

func (m *Monitor) deliver(ev DeviceEvent) {
	m.logger.Debugw("Delivering device event", "kind", ev.Kind, "device", ev.Device)

	m.handlersMutex.RLock()
	handlers := make([]func(DeviceEvent), len(m.deviceHandlers))
	copy(handlers, m.deviceHandlers)
	m.handlersMutex.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

func (m *Monitor) notifyHealth(connected bool) {
	m.handlersMutex.RLock()
	handlers := make([]func(bool), len(m.healthHandlers))
	copy(handlers, m.healthHandlers)
	m.handlersMutex.RUnlock()

	for _, fn := range handlers {
		fn(connected)
	}
}
