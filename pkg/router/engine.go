package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RoutingState is the engine's externally visible state tag.
type RoutingState int

const (
	StateStopped RoutingState = iota
	StateStarting
	StateRouting
	StateReconnecting
	StateStopping
	StateFailed
)

func (s RoutingState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRouting:
		return "routing"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Status is the snapshot the presentation layer renders.
type Status struct {
	State RoutingState

	Source          DeviceID
	SourceName      string
	Destination     DeviceID
	DestinationName string
	Prior           DeviceID
	PriorName       string

	Buffer BufferConfig
}

// session is the single routing activation the engine owns. The prior
// field is captured exactly once, when routing starts, and survives every
// Reconnecting/Routing cycle; only a clean stop or an explicit reset
// discards it.
type session struct {
	source      Device
	destination Device
	buffer      BufferConfig

	prior    Device
	hasPrior bool

	// reconnect bookkeeping
	gen      int
	attempts int
	delay    time.Duration
	missing  map[DeviceID]bool
}

// engine event queue payloads. Commands carry a reply channel; monitor
// events don't.
type (
	cmdStartRouting struct {
		source      DeviceID
		destination DeviceID
		buffer      BufferConfig
		resp        chan error
	}
	cmdStopRouting struct{ resp chan error }
	cmdReset       struct{ resp chan error }
	cmdForceStop   struct{ resp chan error }
	cmdSavePreset  struct {
		name string
		resp chan error
	}
	cmdLoadPreset struct {
		name string
		resp chan loadPresetResult
	}
	loadPresetResult struct {
		preset Preset
		err    error
	}
	evDevice        struct{ ev DeviceEvent }
	evMonitorHealth struct{ connected bool }
	evRetry         struct{ gen int }
)

// Engine is the routing state machine. All transitions run on a single
// goroutine fed by one ordered event queue; commands and monitor events
// are never interleaved, each is fully processed (adapter calls included)
// before the next is taken.
type Engine struct {
	logger   *zap.SugaredLogger
	notifier Notifier
	config   *CanonicalConfig

	registry   *Registry
	controller OutputController
	forwarder  Forwarder
	store      PresetStore

	events      chan interface{}
	stopChannel chan bool
	stopOnce    sync.Once

	// loop-owned, never touched from outside the loop
	state   RoutingState
	session *session
	nextGen int
	pending *Preset // config loaded from a preset, waiting for a start

	statusMutex sync.RWMutex
	status      Status

	consumersMutex  sync.RWMutex
	statusConsumers []chan Status
}

// engine event queue depth; the loop drains fast (every adapter call is
// bounded by the operation timeout) so this never realistically fills
const engineQueueDepth = 64

// NewEngine creates the routing state machine.
func NewEngine(
	logger *zap.SugaredLogger,
	notifier Notifier,
	config *CanonicalConfig,
	registry *Registry,
	controller OutputController,
	forwarder Forwarder,
	store PresetStore,
) *Engine {
	logger = logger.Named("engine")

	e := &Engine{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		registry:    registry,
		controller:  controller,
		forwarder:   forwarder,
		store:       store,
		events:      make(chan interface{}, engineQueueDepth),
		stopChannel: make(chan bool),
		state:       StateStopped,
		status:      Status{State: StateStopped},
	}

	logger.Debug("Created routing engine instance")

	return e
}

// Start launches the serialized event loop.
func (e *Engine) Start() {
	go e.loop()
}

// Shutdown terminates the event loop. Active sessions should be wound
// down via ForceStop first; Shutdown itself only stops processing.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		close(e.stopChannel)
	})
}

// StartRouting validates both devices, remembers the current system
// output, switches the default output to the virtual source and starts
// forwarding. Blocks until the transition fully completed or failed.
func (e *Engine) StartRouting(source DeviceID, destination DeviceID, buffer BufferConfig) error {
	resp := make(chan error, 1)
	e.enqueue(cmdStartRouting{source: source, destination: destination, buffer: buffer, resp: resp})
	return <-resp
}

// StopRouting restores the remembered prior output and stops forwarding.
// Calling it while already stopped is a no-op. In Failed state it retries
// the restoration that previously failed.
func (e *Engine) StopRouting() error {
	resp := make(chan error, 1)
	e.enqueue(cmdStopRouting{resp: resp})
	return <-resp
}

// Reset clears a Failed session without attempting restoration.
func (e *Engine) Reset() error {
	resp := make(chan error, 1)
	e.enqueue(cmdReset{resp: resp})
	return <-resp
}

// ForceStop is the emergency exit: stop forwarding, attempt restoration
// without requiring it to succeed, and return to Stopped regardless.
func (e *Engine) ForceStop() error {
	resp := make(chan error, 1)
	e.enqueue(cmdForceStop{resp: resp})
	return <-resp
}

// SavePreset persists the active (or pending) routing configuration
// under the given name. The remembered prior output and the state tag are
// session-runtime facts and are not part of a preset.
func (e *Engine) SavePreset(name string) error {
	resp := make(chan error, 1)
	e.enqueue(cmdSavePreset{name: name, resp: resp})
	return <-resp
}

// LoadPreset loads a named preset and stages it as the configuration the
// next StartRouting call will be offered.
func (e *Engine) LoadPreset(name string) (Preset, error) {
	resp := make(chan loadPresetResult, 1)
	e.enqueue(cmdLoadPreset{name: name, resp: resp})
	result := <-resp
	return result.preset, result.err
}

// Status returns the current externally visible snapshot.
func (e *Engine) Status() Status {
	e.statusMutex.RLock()
	defer e.statusMutex.RUnlock()
	return e.status
}

// SubscribeToStatusChanges returns a channel receiving a Status snapshot
// on every state transition.
func (e *Engine) SubscribeToStatusChanges() chan Status {
	ch := make(chan Status, 4)
	e.consumersMutex.Lock()
	e.statusConsumers = append(e.statusConsumers, ch)
	e.consumersMutex.Unlock()
	return ch
}

// HandleDeviceEvent is the monitor's entry point. It only enqueues; the
// transition runs on the engine loop.
func (e *Engine) HandleDeviceEvent(ev DeviceEvent) {
	e.enqueue(evDevice{ev: ev})
}

// HandleMonitorHealth is the monitor's connectivity entry point.
func (e *Engine) HandleMonitorHealth(connected bool) {
	e.enqueue(evMonitorHealth{connected: connected})
}

func (e *Engine) enqueue(ev interface{}) {
	select {
	case e.events <- ev:
	case <-e.stopChannel:
		// loop is gone; answer callers so they don't hang forever
		switch cmd := ev.(type) {
		case cmdStartRouting:
			cmd.resp <- errors.New("routing engine is shut down")
		case cmdStopRouting:
			cmd.resp <- nil
		case cmdReset:
			cmd.resp <- nil
		case cmdForceStop:
			cmd.resp <- nil
		case cmdSavePreset:
			cmd.resp <- errors.New("routing engine is shut down")
		case cmdLoadPreset:
			cmd.resp <- loadPresetResult{err: errors.New("routing engine is shut down")}
		}
	}
}

func (e *Engine) loop() {
	e.logger.Debug("Routing engine loop starting")

	for {
		select {
		case <-e.stopChannel:
			e.logger.Debug("Routing engine loop terminating")
			return
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

func (e *Engine) handle(ev interface{}) {
	switch ev := ev.(type) {
	case cmdStartRouting:
		ev.resp <- e.handleStart(ev.source, ev.destination, ev.buffer)
	case cmdStopRouting:
		ev.resp <- e.handleStop()
	case cmdReset:
		ev.resp <- e.handleReset()
	case cmdForceStop:
		ev.resp <- e.handleForceStop()
	case cmdSavePreset:
		ev.resp <- e.handleSavePreset(ev.name)
	case cmdLoadPreset:
		ev.resp <- e.handleLoadPreset(ev.name)
	case evDevice:
		e.handleDeviceEvent(ev.ev)
	case evMonitorHealth:
		e.handleMonitorHealth(ev.connected)
	case evRetry:
		e.handleRetry(ev.gen)
	default:
		e.logger.Warnw("Unknown engine event", "event", ev)
	}
}

func (e *Engine) opContext() (context.Context, context.CancelFunc) {
	timeout := e.config.OperationTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (e *Engine) handleStart(sourceID DeviceID, destID DeviceID, buffer BufferConfig) error {
	if e.state != StateStopped {
		e.logger.Warnw("Routing start rejected, session already active", "state", e.state)
		return fmt.Errorf("%w (state: %s)", ErrSessionActive, e.state)
	}

	// work from a fresh snapshot; failure here is tolerable, the previous
	// snapshot still answers liveness queries
	if _, _, err := e.registry.Refresh(); err != nil {
		e.logger.Warnw("Registry refresh failed before start, using last snapshot", "error", err)
	}

	source, err := e.registry.Lookup(sourceID)
	if err != nil || !e.registry.IsLive(sourceID) {
		return fmt.Errorf("%w: source %q is not live", ErrDeviceUnavailable, sourceID)
	}
	destination, err := e.registry.Lookup(destID)
	if err != nil || !e.registry.IsLive(destID) {
		return fmt.Errorf("%w: destination %q is not live", ErrDeviceUnavailable, destID)
	}

	sess := &session{
		source:      source,
		destination: destination,
		buffer:      buffer,
		gen:         e.nextGen,
		missing:     make(map[DeviceID]bool),
	}
	e.nextGen++
	e.session = sess
	e.setState(StateStarting)

	switched := false
	if e.config.SwitchSystemOutput {
		ctx, cancel := e.opContext()
		priorName, err := e.controller.CurrentOutput(ctx)
		cancel()
		if err != nil {
			e.session = nil
			e.setState(StateStopped)
			return err
		}

		prior, lookupErr := e.registry.LookupByName(priorName)
		if lookupErr != nil {
			// the switching tool knows devices the enumerator may not;
			// keep the name so restoration still works
			prior = Device{ID: DeviceID(priorName), Name: priorName}
		}

		// never remember the virtual device as the restore target, that
		// would make restoration a self-loop
		if prior.ID == source.ID || prior.Name == source.Name {
			e.logger.Warnw("Current output is already the virtual device, remembering destination instead",
				"current", prior.Name, "fallback", destination.Name)
			prior = destination
		}

		sess.prior = prior
		sess.hasPrior = true

		ctx, cancel = e.opContext()
		err = e.controller.SetOutput(ctx, source.Name)
		cancel()
		if err != nil {
			// nothing was changed beyond the read, no rollback needed
			e.session = nil
			e.setState(StateStopped)
			return err
		}
		switched = true
	}

	if err := e.forwarder.Start(source, destination, buffer); err != nil {
		e.logger.Warnw("Destination not ready to receive forwarded audio", "error", err)

		if switched && sess.hasPrior {
			ctx, cancel := e.opContext()
			if restoreErr := e.controller.SetOutput(ctx, sess.prior.Name); restoreErr != nil {
				e.logger.Errorw("Failed to restore output after aborted start", "error", restoreErr)
			}
			cancel()
		}

		e.session = nil
		e.setState(StateStopped)
		return fmt.Errorf("%w: destination %q not ready: %v", ErrDeviceUnavailable, destination.Name, err)
	}

	e.setState(StateRouting)
	e.config.RememberSelection(source.ID, destination.ID)

	e.logger.Infow("Routing started",
		"source", source.Name,
		"destination", destination.Name,
		"prior", sess.prior.Name)
	e.notifier.Notify("Routing started",
		fmt.Sprintf("%s → %s", source.Name, destination.Name))

	return nil
}

func (e *Engine) handleStop() error {
	switch e.state {
	case StateStopped:
		// idempotent no-op, there is no session and nothing to restore
		return nil

	case StateRouting, StateReconnecting, StateFailed:
		sess := e.session
		e.setState(StateStopping)
		e.forwarder.Stop()

		if sess != nil && sess.hasPrior && e.config.SwitchSystemOutput {
			ctx, cancel := e.opContext()
			err := e.controller.SetOutput(ctx, sess.prior.Name)
			cancel()
			if err != nil {
				// restoration failed: keep the session (and critically
				// its remembered prior device) so the user can retry
				e.setState(StateFailed)
				e.logger.Errorw("Failed to restore prior output, session retained",
					"prior", sess.prior.Name, "error", err)
				e.notifier.Notify("Routing stopped with errors",
					fmt.Sprintf("Could not restore output to %s. Your previous output was NOT restored; stop again to retry.", sess.prior.Name))
				return err
			}
		}

		e.session = nil
		e.setState(StateStopped)
		e.logger.Info("Routing stopped")

		return nil

	default:
		return fmt.Errorf("cannot stop while %s", e.state)
	}
}

func (e *Engine) handleReset() error {
	if e.state != StateFailed {
		return nil
	}

	// the user has presumably already remedied the device state by hand,
	// so no restoration attempt here
	e.session = nil
	e.setState(StateStopped)
	e.logger.Info("Failed session cleared by reset")

	return nil
}

func (e *Engine) handleForceStop() error {
	sess := e.session

	e.forwarder.Stop()

	if sess != nil && sess.hasPrior && e.config.SwitchSystemOutput {
		ctx, cancel := e.opContext()
		if err := e.controller.SetOutput(ctx, sess.prior.Name); err != nil {
			e.logger.Warnw("Best-effort restore failed during force stop", "error", err)
		}
		cancel()
	}

	e.session = nil
	e.setState(StateStopped)
	e.logger.Info("Routing force-stopped")

	return nil
}

func (e *Engine) handleSavePreset(name string) error {
	var preset Preset

	switch {
	case e.session != nil:
		preset = Preset{
			Source:      e.session.source.ID,
			Destination: e.session.destination.ID,
			Buffer:      e.session.buffer,
		}
	case e.pending != nil:
		preset = *e.pending
	default:
		return errors.New("no routing configuration to save")
	}

	if err := e.store.Save(name, preset); err != nil {
		return err
	}

	return nil
}

func (e *Engine) handleLoadPreset(name string) loadPresetResult {
	preset, err := e.store.Load(name)
	if err != nil {
		return loadPresetResult{err: err}
	}

	e.pending = &preset
	e.logger.Infow("Preset staged for next start", "name", name)

	return loadPresetResult{preset: preset}
}

func (e *Engine) handleDeviceEvent(ev DeviceEvent) {
	sess := e.session
	if sess == nil {
		return
	}

	id := ev.Device.ID
	involved := id == sess.source.ID || id == sess.destination.ID
	if !involved {
		return
	}

	switch ev.Kind {
	case DeviceRemoved:
		switch e.state {
		case StateRouting:
			e.logger.Warnw("Routed device disappeared", "device", ev.Device.Name)
			sess.missing[id] = true
			e.enterReconnecting()
		case StateReconnecting:
			sess.missing[id] = true
		}

	case DeviceAdded:
		if e.state == StateReconnecting && sess.missing[id] {
			e.logger.Infow("Missing device reappeared", "device", ev.Device.Name)
			e.attemptResume()
		}
	}
}

func (e *Engine) handleMonitorHealth(connected bool) {
	sess := e.session
	if sess == nil {
		return
	}

	if !connected {
		// losing the monitor means losing visibility into both devices;
		// be pessimistic about the whole session
		if e.state == StateRouting {
			e.logger.Warn("Monitor disconnected, treating both routed devices as missing")
			sess.missing[sess.source.ID] = true
			sess.missing[sess.destination.ID] = true
			e.enterReconnecting()
		}
		return
	}

	if e.state == StateReconnecting {
		e.logger.Info("Monitor restored, re-validating routed devices")
		e.attemptResume()
	}
}

// enterReconnecting transitions Routing → Reconnecting and arms the first
// retry. The output switch is deliberately left as-is: the OS falls back
// to another device on its own when the active output disappears, and we
// don't fight that.
func (e *Engine) enterReconnecting() {
	sess := e.session

	e.forwarder.Stop()

	sess.attempts = 0
	sess.delay = e.config.Reconnect.InitialDelay
	if sess.delay <= 0 {
		sess.delay = 500 * time.Millisecond
	}

	e.setState(StateReconnecting)
	e.notifier.Notify("Device disconnected",
		"Routing is paused, waiting for the device to come back.")

	e.armRetry(sess.gen, sess.delay)
}

func (e *Engine) armRetry(gen int, delay time.Duration) {
	time.AfterFunc(delay, func() {
		e.enqueue(evRetry{gen: gen})
	})
}

func (e *Engine) handleRetry(gen int) {
	sess := e.session
	if sess == nil || sess.gen != gen || e.state != StateReconnecting {
		// stale timer from a session that has since stopped or resumed
		return
	}

	sess.attempts++
	e.logger.Debugw("Reconnect attempt", "attempt", sess.attempts, "max", e.config.Reconnect.MaxRetries)

	if e.attemptResume() {
		return
	}

	if sess.attempts >= e.config.Reconnect.MaxRetries {
		e.setState(StateFailed)

		prior := "(none)"
		if sess.hasPrior {
			prior = sess.prior.Name
		}
		e.logger.Errorw("Reconnect retries exhausted, session failed",
			"error", ErrReconnectTimeout,
			"attempts", sess.attempts,
			"prior", prior)
		e.notifier.Notify("Routing failed",
			"The disconnected device did not come back. Stop routing to restore your previous output, or reset to discard the session.")
		return
	}

	next := sess.delay * 2
	if limit := e.config.Reconnect.MaxDelay; limit > 0 && next > limit {
		next = limit
	}
	sess.delay = next
	e.armRetry(sess.gen, next)
}

// attemptResume re-validates both devices and, when both are live again,
// re-issues the output switch and restarts forwarding. Returns true when
// the session is back in Routing.
func (e *Engine) attemptResume() bool {
	sess := e.session

	if _, _, err := e.registry.Refresh(); err != nil {
		e.logger.Warnw("Registry refresh failed during resume attempt", "error", err)
		return false
	}

	if !e.registry.IsLive(sess.source.ID) || !e.registry.IsLive(sess.destination.ID) {
		e.logger.Debugw("Routed devices still missing",
			"sourceLive", e.registry.IsLive(sess.source.ID),
			"destinationLive", e.registry.IsLive(sess.destination.ID))
		return false
	}

	if e.config.SwitchSystemOutput {
		ctx, cancel := e.opContext()
		err := e.controller.SetOutput(ctx, sess.source.Name)
		cancel()
		if err != nil {
			e.logger.Warnw("Output re-switch failed during resume, will retry", "error", err)
			return false
		}
	}

	if err := e.forwarder.Start(sess.source, sess.destination, sess.buffer); err != nil {
		e.logger.Warnw("Forwarder restart failed during resume, will retry", "error", err)
		return false
	}

	sess.missing = make(map[DeviceID]bool)
	e.setState(StateRouting)
	e.logger.Infow("Routing resumed",
		"source", sess.source.Name,
		"destination", sess.destination.Name)
	e.notifier.Notify("Routing resumed", "The device came back, audio routing continues.")

	return true
}

// setState updates the externally visible snapshot and fans it out.
func (e *Engine) setState(state RoutingState) {
	e.state = state

	status := Status{State: state}
	if sess := e.session; sess != nil {
		status.Source = sess.source.ID
		status.SourceName = sess.source.Name
		status.Destination = sess.destination.ID
		status.DestinationName = sess.destination.Name
		status.Buffer = sess.buffer
		if sess.hasPrior {
			status.Prior = sess.prior.ID
			status.PriorName = sess.prior.Name
		}
	}

	e.statusMutex.Lock()
	e.status = status
	e.statusMutex.Unlock()

	e.consumersMutex.RLock()
	consumers := make([]chan Status, len(e.statusConsumers))
	copy(consumers, e.statusConsumers)
	e.consumersMutex.RUnlock()

	for _, c := range consumers {
		select {
		case c <- status:
		default:
			// slow consumer, skip this update
		}
	}

	e.logger.Debugw("State transition", "state", state)
}
