// Package router implements a small tray application that routes audio
// captured by a virtual loopback device into a user-chosen physical
// output, switching the system default output while routing is active
// and restoring it afterwards.
package router

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/soundctl/audiorouter/pkg/router/util"
)

const (
	// when this is set to anything, the router won't use a tray icon
	envNoTray = "AUDIOROUTER_NO_TRAY_ICON"

	presetsDirName = "presets"
)

// Router is the main entity managing access to all sub-components
type Router struct {
	logger   *zap.SugaredLogger
	notifier Notifier
	config   *CanonicalConfig

	registry *Registry
	monitor  *Monitor
	engine   *Engine
	presets  PresetStore
	status   *StatusServer

	stopChannel chan bool
	version     string
	verbose     bool
	stopping    sync.Once // Ensures signalStop is only called once
}

// NewRouter creates a Router instance
func NewRouter(logger *zap.SugaredLogger, verbose bool) (*Router, error) {
	logger = logger.Named("router")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	appDir, err := util.AppDir()
	if err != nil {
		logger.Errorw("Failed to resolve application directory", "error", err)
		return nil, fmt.Errorf("resolve app dir: %w", err)
	}

	config, err := NewConfig(logger, notifier, appDir)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	enum, err := NewMalgoEnumerator(logger)
	if err != nil {
		logger.Errorw("Failed to create device enumerator", "error", err)
		return nil, fmt.Errorf("create device enumerator: %w", err)
	}

	registry := NewRegistry(logger, enum)

	controller, err := NewSwitchAudioSourceController(logger)
	if err != nil {
		logger.Errorw("Failed to create output controller", "error", err)
		notifier.Notify("SwitchAudioSource not found!",
			"Install it with `brew install switchaudio-osx` and re-launch.")
		return nil, fmt.Errorf("create output controller: %w", err)
	}

	presets, err := NewFilePresetStore(logger, filepath.Join(appDir, presetsDirName))
	if err != nil {
		logger.Errorw("Failed to create preset store", "error", err)
		return nil, fmt.Errorf("create preset store: %w", err)
	}

	// engine notifications respect the user's toggle; config errors keep
	// using the raw notifier since the user must always see those
	engineNotifier := &filteredNotifier{
		inner:   notifier,
		enabled: func() bool { return config.EnableNotifications },
	}

	forwarder := NewMalgoForwarder(logger)
	engine := NewEngine(logger, engineNotifier, config, registry, controller, forwarder, presets)

	r := &Router{
		logger:      logger,
		notifier:    notifier,
		config:      config,
		registry:    registry,
		engine:      engine,
		presets:     presets,
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	logger.Debug("Created router instance")

	return r, nil
}

// Initialize sets up components and starts to run in the background
func (r *Router) Initialize() error {
	r.logger.Debug("Initializing")

	// load the config for the first time
	if err := r.config.Load(); err != nil {
		r.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	// take the initial device snapshot
	if _, _, err := r.registry.Refresh(); err != nil {
		r.logger.Warnw("Initial device enumeration failed", "error", err)
	}

	if !r.registry.HasVirtualCaptureDevice() {
		r.logger.Warn("No virtual loopback capture device detected")
		r.notifier.Notify("No virtual audio device detected!",
			"Install BlackHole (https://github.com/ExistentialAudio/BlackHole) for routing to work.")
	}

	// the monitor takes its timing from config, so it's built here rather
	// than in NewRouter
	r.monitor = NewMonitor(r.logger, r.registry, r.config.DevicePollInterval, r.config.DeviceCoalesceWindow)
	r.monitor.Subscribe(r.engine.HandleDeviceEvent)
	r.monitor.SubscribeToHealth(r.engine.HandleMonitorHealth)

	r.engine.Start()
	r.monitor.Start()

	// apply monitor timing changes when the config file is edited; the
	// other keys are read per-operation and need no push
	configReloadChannel := r.config.SubscribeToChanges()
	go func() {
		for range configReloadChannel {
			r.monitor.SetTiming(r.config.DevicePollInterval, r.config.DeviceCoalesceWindow)
		}
	}()

	if r.config.StatusPort > 0 {
		status, err := NewStatusServer(r.logger, r.engine)
		if err != nil {
			r.logger.Warnw("Failed to create status server", "error", err)
		} else if err := status.Start(r.config.StatusPort); err != nil {
			r.logger.Warnw("Failed to start status server", "error", err)
		} else {
			r.status = status
		}
	}

	// decide whether to run with/without tray
	if _, noTraySet := os.LookupEnv(envNoTray); noTraySet {

		r.logger.Debugw("Running without tray icon", "reason", "envvar set")

		// run in main thread while waiting on ctrl+C
		r.setupInterruptHandler()
		r.run()

	} else {
		r.setupInterruptHandler()
		r.initializeTray(r.run)
	}

	return nil
}

// SetVersion causes the router to add a version string to its tray menu if called before Initialize
func (r *Router) SetVersion(version string) {
	r.version = version
}

// Verbose returns a boolean indicating whether the router is running in verbose mode
func (r *Router) Verbose() bool {
	return r.verbose
}

func (r *Router) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		r.logger.Debugw("Interrupted", "signal", signal)
		r.signalStop()
	}()
}

func (r *Router) run() {
	r.logger.Info("Run loop starting")

	// watch the config file for changes
	go r.config.WatchConfigFileChanges()

	if r.config.StartRoutingOnLaunch {
		go r.startFromConfig()
	}

	// wait until stopped (gracefully)
	<-r.stopChannel
	r.logger.Debug("Stop channel signaled, terminating")

	if err := r.stop(); err != nil {
		r.logger.Warnw("Failed to stop router", "error", err)
		os.Exit(1)
	} else {
		// exit with 0
		os.Exit(0)
	}
}

func (r *Router) signalStop() {
	r.stopping.Do(func() {
		r.logger.Debug("Signalling stop channel")
		select {
		case r.stopChannel <- true:
		default:
			// Channel already has a signal, ignore
		}
	})
}

func (r *Router) stop() error {
	r.logger.Info("Stopping")

	r.config.StopWatchingConfigFile()

	// wind the session down with a best-effort restore; quitting must not
	// leave the system output pointed at the virtual device
	if err := r.engine.ForceStop(); err != nil {
		r.logger.Warnw("Failed to force-stop routing session", "error", err)
	}

	r.engine.Shutdown()

	if r.monitor != nil {
		r.monitor.Stop()
	}

	if r.status != nil {
		r.status.Stop()
	}

	r.stopTray()

	// attempt to sync on exit - this won't necessarily work but can't harm
	r.logger.Sync()

	return nil
}

// toggleRouting flips between started and stopped states from the tray's
// single toggle item.
func (r *Router) toggleRouting(logger *zap.SugaredLogger) {
	status := r.engine.Status()

	switch status.State {
	case StateRouting, StateReconnecting, StateStarting, StateFailed:
		logger.Info("Toggle clicked, stopping routing")
		if err := r.engine.StopRouting(); err != nil {
			logger.Warnw("Failed to stop routing", "error", err)
		}
	default:
		logger.Info("Toggle clicked, starting routing")
		r.startFromConfig()
	}
}

// startFromConfig resolves the routing pair from the last remembered
// selection (preferred) or the configured device names, then starts.
func (r *Router) startFromConfig() {
	if _, _, err := r.registry.Refresh(); err != nil {
		r.logger.Warnw("Device refresh failed before start", "error", err)
	}

	sourceID, destID, err := r.resolveStartTargets()
	if err != nil {
		r.logger.Warnw("Could not resolve routing devices", "error", err)
		r.notifier.Notify("Can't start routing", err.Error())
		return
	}

	if err := r.engine.StartRouting(sourceID, destID, r.config.Buffer); err != nil {
		r.logger.Warnw("Failed to start routing", "error", err)
		r.notifier.Notify("Can't start routing", err.Error())
	}
}

// startFromPreset loads a named preset and starts routing with it.
func (r *Router) startFromPreset(name string) {
	preset, err := r.engine.LoadPreset(name)
	if err != nil {
		r.logger.Warnw("Failed to load preset", "name", name, "error", err)
		r.notifier.Notify("Can't load preset", err.Error())
		return
	}

	if err := r.engine.StartRouting(preset.Source, preset.Destination, preset.Buffer); err != nil {
		r.logger.Warnw("Failed to start routing from preset", "name", name, "error", err)
		r.notifier.Notify("Can't start routing", err.Error())
	}
}

func (r *Router) resolveStartTargets() (DeviceID, DeviceID, error) {
	lastSource, lastDest := r.config.LastSelection()

	sourceID := lastSource
	if sourceID == "" || !r.registry.IsLive(sourceID) {
		if dev, err := r.registry.LookupByName(r.config.VirtualDevice); err == nil {
			sourceID = dev.ID
		} else {
			sourceID = ""
			// fall back to any virtual capture device
			for _, dev := range r.registry.Devices() {
				if dev.Transport == TransportVirtual && dev.Direction != DirectionOutput {
					sourceID = dev.ID
					break
				}
			}
		}
	}
	if sourceID == "" {
		return "", "", fmt.Errorf("no virtual capture device found (looked for %q)", r.config.VirtualDevice)
	}

	destID := lastDest
	if destID == "" || !r.registry.IsLive(destID) {
		if r.config.OutputDevice != "" {
			if dev, err := r.registry.LookupByName(r.config.OutputDevice); err == nil {
				destID = dev.ID
			} else {
				return "", "", fmt.Errorf("configured output device %q not found", r.config.OutputDevice)
			}
		} else {
			destID = ""
			// first physical output wins
			for _, dev := range r.registry.Devices() {
				if dev.Transport == TransportPhysical && dev.Direction != DirectionInput {
					destID = dev.ID
					break
				}
			}
		}
	}
	if destID == "" {
		return "", "", fmt.Errorf("no physical output device found")
	}

	return sourceID, destID, nil
}
