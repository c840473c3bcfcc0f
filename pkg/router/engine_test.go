package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeController is an in-memory stand-in for the system output switcher.
type fakeController struct {
	mu       sync.Mutex
	current  string
	setErr   error
	setCalls []string
}

func (f *fakeController) CurrentOutput(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeController) SetOutput(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.setCalls = append(f.setCalls, name)
	if f.setErr != nil {
		return f.setErr
	}
	f.current = name
	return nil
}

func (f *fakeController) failSets(err error) {
	f.mu.Lock()
	f.setErr = err
	f.mu.Unlock()
}

func (f *fakeController) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.setCalls))
	copy(out, f.setCalls)
	return out
}

// fakeForwarder records stream lifecycle calls without touching audio.
type fakeForwarder struct {
	mu       sync.Mutex
	running  bool
	startErr error
	starts   int
	stops    int
}

func (f *fakeForwarder) Start(source Device, destination Device, cfg BufferConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.starts++
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	return nil
}

func (f *fakeForwarder) Stop() {
	f.mu.Lock()
	f.stops++
	f.running = false
	f.mu.Unlock()
}

func (f *fakeForwarder) failStarts(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

func (f *fakeForwarder) counts() (starts int, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type engineFixture struct {
	t          *testing.T
	engine     *Engine
	enum       *fakeEnumerator
	registry   *Registry
	controller *fakeController
	forwarder  *fakeForwarder
	config     *CanonicalConfig
	store      PresetStore
}

func newEngineFixture(t *testing.T, tweak func(*CanonicalConfig)) *engineFixture {
	t.Helper()

	logger := testLogger()

	config, err := NewConfig(logger, nopNotifier{}, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create config: %v", err)
	}
	config.SwitchSystemOutput = true
	config.OperationTimeout = time.Second
	config.Reconnect = ReconnectPolicy{
		InitialDelay: 2 * time.Millisecond,
		MaxDelay:     8 * time.Millisecond,
		MaxRetries:   1000,
	}
	if tweak != nil {
		tweak(config)
	}

	enum := &fakeEnumerator{}
	enum.set(devBlackHole, devSpeakers, devHeadphones)

	registry := NewRegistry(logger, enum)
	controller := &fakeController{current: devHeadphones.Name}
	forwarder := &fakeForwarder{}

	store, err := NewFilePresetStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create preset store: %v", err)
	}

	engine := NewEngine(logger, nopNotifier{}, config, registry, controller, forwarder, store)
	engine.Start()
	t.Cleanup(engine.Shutdown)

	return &engineFixture{
		t:          t,
		engine:     engine,
		enum:       enum,
		registry:   registry,
		controller: controller,
		forwarder:  forwarder,
		config:     config,
		store:      store,
	}
}

func (fx *engineFixture) waitForState(want RoutingState) {
	fx.t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fx.engine.Status().State == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}

	fx.t.Fatalf("timed out waiting for state %s, still in %s", want, fx.engine.Status().State)
}

func TestStartRoutingSwitchesOutputAndStopRestoresPrior(t *testing.T) {
	fx := newEngineFixture(t, nil)

	if err := fx.engine.StartRouting(devBlackHole.ID, devSpeakers.ID, DefaultBufferConfig()); err != nil {
		t.Fatalf("start routing failed: %v", err)
	}

	status := fx.engine.Status()
	if status.State != StateRouting {
		t.Fatalf("state after start: got %s, want routing", status.State)
	}
	if status.SourceName != devBlackHole.Name || status.DestinationName != devSpeakers.Name {
		t.Errorf("unexpected routed pair: %q -> %q", status.SourceName, status.DestinationName)
	}
	if status.PriorName != devHeadphones.Name {
		t.Errorf("remembered prior: got %q, want %q", status.PriorName, devHeadphones.Name)
	}

	calls := fx.controller.calls()
	if len(calls) != 1 || calls[0] != devBlackHole.Name {
		t.Fatalf("expected a single switch to %q, got %v", devBlackHole.Name, calls)
	}

	if err := fx.engine.StopRouting(); err != nil {
		t.Fatalf("stop routing failed: %v", err)
	}

	status = fx.engine.Status()
	if status.State != StateStopped {
		t.Fatalf("state after stop: got %s, want stopped", status.State)
	}
	if status.PriorName != "" {
		t.Errorf("prior should be cleared after a clean stop, got %q", status.PriorName)
	}

	calls = fx.controller.calls()
	if len(calls) != 2 || calls[1] != devHeadphones.Name {
		t.Fatalf("expected restoration to %q, got calls %v", devHeadphones.Name, calls)
	}

	starts, stops := fx.forwarder.counts()
	if starts != 1 || stops < 1 {
		t.Errorf("forwarder lifecycle: %d starts / %d stops, want 1 / >=1", starts, stops)
	}
}

func TestStopWhileStoppedIsNoOp(t *testing.T) {
	fx := newEngineFixture(t, nil)

	if err := fx.engine.StopRouting(); err != nil {
		t.Fatalf("stop while stopped: got %v, want nil", err)
	}
	if calls := fx.controller.calls(); len(calls) != 0 {
		t.Errorf("no output switches expected, got %v", calls)
	}
	if _, stops := fx.forwarder.counts(); stops != 0 {
		t.Errorf("no forwarder stops expected, got %d", stops)
	}
}

func TestStartRejectsUnavailableDevice(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.enum.set(devSpeakers, devHeadphones) // virtual device unplugged

	err := fx.engine.StartRouting(devBlackHole.ID, devSpeakers.ID, DefaultBufferConfig())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("got %v, want ErrDeviceUnavailable", err)
	}
	if state := fx.engine.Status().State; state != StateStopped {
		t.Errorf("state after rejected start: got %s, want stopped", state)
	}
	if calls := fx.controller.calls(); len(calls) != 0 {
		t.Errorf("no output switches expected for rejected start, got %v", calls)
	}
}

func TestStartRejectsActiveSession(t *testing.T) {
	fx := newEngineFixture(t, nil)

	if err := fx.engine.StartRouting(devBlackHole.ID, devSpeakers.ID, DefaultBufferConfig()); err != nil {
		t.Fatalf("start routing failed: %v", err)
	}

	err := fx.engine.StartRouting(devBlackHole.ID, devHeadphones.ID, DefaultBufferConfig())
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second start: got %v, want ErrSessionActive", err)
	}

	// the running session must be untouched
	status := fx.engine.Status()
	if status.State != StateRouting || status.DestinationName != devSpeakers.Name {
		t.Errorf("active session disturbed by rejected start: %+v", status)
	}
}

func TestPriorSelfLoopFallsBackToDestination(t *testing.T) {
	fx := newEngineFixture(t, nil)

	// system output is already pointed at the virtual device; remembering
	// it would make restoration a no-op loop
	fx.controller.mu.Lock()
	fx.controller.current = devBlackHole.Name
	fx.controller.mu.Unlock()

	if err := fx.engine.StartRouting(devBlackHole.ID, devSpeakers.ID, DefaultBufferConfig()); err != nil {
		t.Fatalf("start routing failed: %v", err)
	}

	if prior := fx.engine.Status().PriorName; prior != devSpeakers.Name {
		t.Fatalf("prior fallback: got %q, want destination %q", prior, devSpeakers.Name)
	}

	if err := fx.engine.StopRouting(); err != nil {
		t.Fatalf("stop routing failed: %v", err)
	}

	calls := fx.controller.calls()
	if calls[len(calls)-1] != devSpeakers.Name {
		t.Errorf("restoration target: got %q, want %q", calls[len(calls)-1], devSpeakers.Name)
	}
}

func TestForwarderFailureOnStartRollsBackSwitch(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.forwarder.failStarts(errors.New("device busy"))

	err := fx.engine.StartRouting(devBlackHole.ID, devSpeakers.ID, DefaultBufferConfig())
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("got %v, want ErrDeviceUnavailable", err)
	}
	if state := fx.engine.Status().State; state != StateStopped {
		t.Errorf("state after aborted start: got %s, want stopped", state)
	}

	calls := fx.controller.calls()
	if len(calls) != 2 || calls[0] != devBlackHole.Name || calls[1] != devHeadphones.Name {
		t.Fatalf("expected switch then rollback, got %v", calls)
	}
}

func TestDeviceRemovalEntersReconnectingAndResumes(t *testing.T) {
	fx := newEngineFixture(t, nil)

	if err := fx.engine.StartRouting(devBlackHole.ID, devSpeakers.ID, DefaultBufferConfig()); err != nil {
		t.Fatalf("start routing failed: %v", err)
	}

	fx.enum.set(devBlackHole, devHeadphones) // speakers unplugged
	fx.engine.HandleDeviceEvent(DeviceEvent{Kind: DeviceRemoved, Device: devSpeakers})
	fx.waitForState(StateReconnecting)

	if prior := fx.engine.Status().PriorName; prior != devHeadphones.Name {
		t.Errorf("prior lost while reconnecting: got %q, want %q", prior, devHeadphones.Name)
	}

	fx.enum.set(devBlackHole, devSpeakers, devHeadphones) // speakers back
	fx.engine.HandleDeviceEvent(DeviceEvent{Kind: DeviceAdded, Device: devSpeakers})
	fx.waitForState(StateRouting)

	// the resume must re-issue the output switch: the OS moved the default
	// output elsewhere when the routed device vanished
	calls := fx.controller.calls()
	if calls[len(calls)-1] != devBlackHole.Name {
		t.Errorf("resume switch target: got %q, want %q", calls[len(calls)-1], devBlackHole.Name)
	}

	starts, _ := fx.forwarder.counts()
	if starts != 2 {
		t.Errorf("forwarder starts: got %d, want 2 (initial + resume)", starts)
	}
}

func TestReconnectExhaustionFailsThenResetClears(t *testing.T) {
	fx := newEngineFixture(t, func(cfg *CanonicalConfig) {
		cfg.Reconnect.MaxRetries = 3
	})

	if err := fx.engine.StartRouting(devBlackHole.ID, devSpeakers.ID, DefaultBufferConfig()); err != nil {
		t.Fatalf("start routing failed: %v", err)
	}

	fx.enum.set(devBlackHole, devHeadphones)
	fx.engine.HandleDeviceEvent(DeviceEvent{Kind: DeviceRemoved, Device: devSpeakers})
	fx.waitForState(StateFailed)

	// the failed session still remembers what to restore
	if prior := fx.engine.Status().PriorName; prior != devHeadphones.Name {
		t.Errorf("failed session prior: got %q, want %q", prior, devHeadphones.Name)
	}

	// giving up on reconnects never silently restores the output
	if calls := fx.controller.calls(); len(calls) != 1 {
		t.Errorf("no restoration expected on failure, got calls %v", calls)
	}

	if err := fx.engine.Reset(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	status := fx.engine.Status()
	if status.State != StateStopped || status.PriorName != "" {
		t.Errorf("state after reset: %+v, want stopped with no session", status)
	}

	// reset outside Failed is a no-op
	if err := fx.engine.Reset(); err != nil {
		t.Errorf("reset while stopped: got %v, want nil", err)
	}
}

func TestRestoreFailureOnStopRetainsSessionForRetry(t *testing.T) {
	fx := newEngineFixture(t, nil)

	if err := fx.engine.StartRouting(devBlackHole.ID, devSpeakers.ID, DefaultBufferConfig()); err != nil {
		t.Fatalf("start routing failed: %v", err)
	}

	fx.controller.failSets(errors.New("switcher crashed"))

	if err := fx.engine.StopRouting(); err == nil {
		t.Fatal("stop with failing restore: got nil, want error")
	}

	status := fx.engine.Status()
	if status.State != StateFailed {
		t.Fatalf("state after failed restore: got %s, want failed", status.State)
	}
	if status.PriorName != devHeadphones.Name {
		t.Fatalf("failed session must retain the prior, got %q", status.PriorName)
	}

	// stopping again retries the restoration
	fx.controller.failSets(nil)
	if err := fx.engine.StopRouting(); err != nil {
		t.Fatalf("retried stop failed: %v", err)
	}

	if state := fx.engine.Status().State; state != StateStopped {
		t.Errorf("state after retried stop: got %s, want stopped", state)
	}
	calls := fx.controller.calls()
	if calls[len(calls)-1] != devHeadphones.Name {
		t.Errorf("retried restoration target: got %q, want %q", calls[len(calls)-1], devHeadphones.Name)
	}
}

func TestForceStopIgnoresRestoreFailure(t *testing.T) {
	fx := newEngineFixture(t, nil)

	if err := fx.engine.StartRouting(devBlackHole.ID, devSpeakers.ID, DefaultBufferConfig()); err != nil {
		t.Fatalf("start routing failed: %v", err)
	}

	fx.controller.failSets(errors.New("switcher crashed"))

	if err := fx.engine.ForceStop(); err != nil {
		t.Fatalf("force stop: got %v, want nil", err)
	}

	status := fx.engine.Status()
	if status.State != StateStopped || status.PriorName != "" {
		t.Errorf("state after force stop: %+v, want stopped with no session", status)
	}
}

func TestMonitorLossIsTreatedAsBothDevicesMissing(t *testing.T) {
	fx := newEngineFixture(t, nil)

	if err := fx.engine.StartRouting(devBlackHole.ID, devSpeakers.ID, DefaultBufferConfig()); err != nil {
		t.Fatalf("start routing failed: %v", err)
	}

	fx.engine.HandleMonitorHealth(false)
	fx.waitForState(StateReconnecting)

	// devices never actually went anywhere; a recovered monitor confirms
	// that and routing resumes
	fx.engine.HandleMonitorHealth(true)
	fx.waitForState(StateRouting)
}

func TestSaveAndLoadPreset(t *testing.T) {
	fx := newEngineFixture(t, nil)

	buffer := BufferConfig{BufferSize: 256, SampleRate: 44100, Channels: 2}
	if err := fx.engine.StartRouting(devBlackHole.ID, devSpeakers.ID, buffer); err != nil {
		t.Fatalf("start routing failed: %v", err)
	}

	if err := fx.engine.SavePreset("gaming"); err != nil {
		t.Fatalf("save preset failed: %v", err)
	}
	if err := fx.engine.StopRouting(); err != nil {
		t.Fatalf("stop routing failed: %v", err)
	}

	preset, err := fx.engine.LoadPreset("gaming")
	if err != nil {
		t.Fatalf("load preset failed: %v", err)
	}
	if preset.Source != devBlackHole.ID || preset.Destination != devSpeakers.ID {
		t.Errorf("preset devices: got %q -> %q", preset.Source, preset.Destination)
	}
	if preset.Buffer != buffer {
		t.Errorf("preset buffer: got %+v, want %+v", preset.Buffer, buffer)
	}

	// a loaded preset is a valid save source even without a session
	if err := fx.engine.SavePreset("gaming-copy"); err != nil {
		t.Errorf("save from staged preset failed: %v", err)
	}

	if _, err := fx.engine.LoadPreset("does-not-exist"); !errors.Is(err, ErrPresetNotFound) {
		t.Errorf("load of missing preset: got %v, want ErrPresetNotFound", err)
	}
}

func TestSavePresetWithoutConfigurationFails(t *testing.T) {
	fx := newEngineFixture(t, nil)

	if err := fx.engine.SavePreset("empty"); err == nil {
		t.Fatal("save with no session and no staged preset: got nil, want error")
	}
}

func TestStopWhileReconnectingRestoresPrior(t *testing.T) {
	fx := newEngineFixture(t, nil)

	if err := fx.engine.StartRouting(devBlackHole.ID, devSpeakers.ID, DefaultBufferConfig()); err != nil {
		t.Fatalf("start routing failed: %v", err)
	}

	fx.enum.set(devBlackHole, devHeadphones)
	fx.engine.HandleDeviceEvent(DeviceEvent{Kind: DeviceRemoved, Device: devSpeakers})
	fx.waitForState(StateReconnecting)

	// stopping mid-reconnect must be honored and must restore the prior
	if err := fx.engine.StopRouting(); err != nil {
		t.Fatalf("stop while reconnecting failed: %v", err)
	}

	status := fx.engine.Status()
	if status.State != StateStopped || status.PriorName != "" {
		t.Fatalf("state after stop: %+v, want stopped with no session", status)
	}

	calls := fx.controller.calls()
	if calls[len(calls)-1] != devHeadphones.Name {
		t.Errorf("restoration target: got %q, want %q", calls[len(calls)-1], devHeadphones.Name)
	}

	// retry timers armed before the stop must stay inert, even when the
	// missing device comes back
	fx.enum.set(devBlackHole, devSpeakers, devHeadphones)
	time.Sleep(30 * time.Millisecond)

	if state := fx.engine.Status().State; state != StateStopped {
		t.Errorf("stale retry revived the session, state is %s", state)
	}
	if starts, _ := fx.forwarder.counts(); starts != 1 {
		t.Errorf("forwarder restarted after stop: %d starts, want 1", starts)
	}
}

func TestReconnectExhaustionWithoutSwitchPolicy(t *testing.T) {
	fx := newEngineFixture(t, func(cfg *CanonicalConfig) {
		cfg.SwitchSystemOutput = false
		cfg.Reconnect.MaxRetries = 3
	})

	if err := fx.engine.StartRouting(devBlackHole.ID, devSpeakers.ID, DefaultBufferConfig()); err != nil {
		t.Fatalf("start routing failed: %v", err)
	}

	// forward-only policy: no switch, no remembered prior
	if calls := fx.controller.calls(); len(calls) != 0 {
		t.Fatalf("output controller touched despite switch policy off: %v", calls)
	}
	if prior := fx.engine.Status().PriorName; prior != "" {
		t.Fatalf("prior remembered despite switch policy off: %q", prior)
	}

	fx.enum.set(devBlackHole, devHeadphones)
	fx.engine.HandleDeviceEvent(DeviceEvent{Kind: DeviceRemoved, Device: devSpeakers})
	fx.waitForState(StateFailed)

	if calls := fx.controller.calls(); len(calls) != 0 {
		t.Errorf("output controller touched during priorless failure: %v", calls)
	}

	if err := fx.engine.Reset(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if state := fx.engine.Status().State; state != StateStopped {
		t.Errorf("state after reset: got %s, want stopped", state)
	}
}

func TestStartWhenCurrentOutputIsDestination(t *testing.T) {
	fx := newEngineFixture(t, nil)

	// the common case: the user routes to the device they're already using
	fx.controller.mu.Lock()
	fx.controller.current = devSpeakers.Name
	fx.controller.mu.Unlock()

	if err := fx.engine.StartRouting(devBlackHole.ID, devSpeakers.ID, DefaultBufferConfig()); err != nil {
		t.Fatalf("start routing failed: %v", err)
	}
	if prior := fx.engine.Status().PriorName; prior != devSpeakers.Name {
		t.Fatalf("remembered prior: got %q, want %q", prior, devSpeakers.Name)
	}

	if err := fx.engine.StopRouting(); err != nil {
		t.Fatalf("stop routing failed: %v", err)
	}

	calls := fx.controller.calls()
	if calls[len(calls)-1] != devSpeakers.Name {
		t.Errorf("restoration target: got %q, want %q", calls[len(calls)-1], devSpeakers.Name)
	}
}

func TestSwitchFailureOnStartLeavesNoSession(t *testing.T) {
	fx := newEngineFixture(t, nil)
	fx.controller.failSets(errors.New("switcher crashed"))

	if err := fx.engine.StartRouting(devBlackHole.ID, devSpeakers.ID, DefaultBufferConfig()); err == nil {
		t.Fatal("start with failing switch: got nil, want error")
	}

	status := fx.engine.Status()
	if status.State != StateStopped || status.PriorName != "" {
		t.Errorf("state after failed switch: %+v, want stopped with no session", status)
	}
	if starts, _ := fx.forwarder.counts(); starts != 0 {
		t.Errorf("forwarder must not start when the switch fails, got %d starts", starts)
	}
}

func TestPresetSurvivesEngineReconstruction(t *testing.T) {
	logger := testLogger()
	storeDir := t.TempDir()

	newEngine := func() *Engine {
		t.Helper()

		config, err := NewConfig(logger, nopNotifier{}, t.TempDir())
		if err != nil {
			t.Fatalf("failed to create config: %v", err)
		}
		config.SwitchSystemOutput = true
		config.OperationTimeout = time.Second

		enum := &fakeEnumerator{}
		enum.set(devBlackHole, devSpeakers, devHeadphones)

		store, err := NewFilePresetStore(logger, storeDir)
		if err != nil {
			t.Fatalf("failed to create preset store: %v", err)
		}

		engine := NewEngine(logger, nopNotifier{}, config, NewRegistry(logger, enum),
			&fakeController{current: devHeadphones.Name}, &fakeForwarder{}, store)
		engine.Start()
		t.Cleanup(engine.Shutdown)
		return engine
	}

	buffer := BufferConfig{BufferSize: 1024, SampleRate: 44100, Channels: 2}

	first := newEngine()
	if err := first.StartRouting(devBlackHole.ID, devSpeakers.ID, buffer); err != nil {
		t.Fatalf("start routing failed: %v", err)
	}
	if err := first.SavePreset("voice-call"); err != nil {
		t.Fatalf("save preset failed: %v", err)
	}
	if err := first.StopRouting(); err != nil {
		t.Fatalf("stop routing failed: %v", err)
	}

	// simulate a process restart by reconstructing everything but the store
	second := newEngine()
	preset, err := second.LoadPreset("voice-call")
	if err != nil {
		t.Fatalf("load preset after reconstruction failed: %v", err)
	}
	if preset.Source != devBlackHole.ID || preset.Destination != devSpeakers.ID || preset.Buffer != buffer {
		t.Errorf("reloaded preset mismatch: %+v", preset)
	}

	// and the staged preset can actually drive a fresh start
	if err := second.StartRouting(preset.Source, preset.Destination, preset.Buffer); err != nil {
		t.Errorf("start from reloaded preset failed: %v", err)
	}
}
