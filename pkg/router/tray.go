package router

import (
	"fmt"

	"github.com/getlantern/systray"

	"github.com/soundctl/audiorouter/pkg/router/icon"
	"github.com/soundctl/audiorouter/pkg/router/util"
)

func (r *Router) initializeTray(onDone func()) {
	logger := r.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(icon.Logo, icon.Logo)
		systray.SetTitle("Audio Router")
		systray.SetTooltip("Audio Router")

		toggle := systray.AddMenuItem("Start routing", "Start or stop audio routing")

		resetItem := systray.AddMenuItem("Reset failed session", "Clear a failed session without restoring the output")
		resetItem.Disable()

		systray.AddSeparator()

		// presets are enumerated once at startup; the settings surface is
		// where they get created, the tray only offers one-click loading
		presetItems := make(map[string]*systray.MenuItem)
		if names, err := r.presets.List(); err == nil {
			for _, name := range names {
				presetItems[name] = systray.AddMenuItem(fmt.Sprintf("Preset: %s", name), "Load this preset and start routing")
			}
		} else {
			logger.Warnw("Failed to list presets for tray menu", "error", err)
		}

		systray.AddSeparator()

		refreshDevices := systray.AddMenuItem("Refresh devices", "Re-enumerate audio devices if something's stuck")
		editConfig := systray.AddMenuItem("Edit configuration", "Open the config file in your editor")

		// Only enable stack trace dump in verbose/debug mode
		var dumpStack *systray.MenuItem
		if r.verbose {
			dumpStack = systray.AddMenuItem("Dump stack trace", "Output all goroutines stack trace to log (for debugging deadlocks)")
		}

		if r.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(r.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop routing and quit")

		// render engine transitions onto the menu
		statusChannel := r.engine.SubscribeToStatusChanges()
		go func() {
			for status := range statusChannel {
				switch status.State {
				case StateRouting, StateReconnecting, StateStarting:
					toggle.SetTitle("Stop routing")
					systray.SetTemplateIcon(icon.LogoActive, icon.LogoActive)
				default:
					toggle.SetTitle("Start routing")
					systray.SetTemplateIcon(icon.Logo, icon.Logo)
				}

				if status.State == StateFailed {
					resetItem.Enable()
				} else {
					resetItem.Disable()
				}

				systray.SetTooltip(trayTooltip(status))
			}
		}()

		for name, item := range presetItems {
			name := name
			clicked := item.ClickedCh
			go func() {
				for range clicked {
					logger.Infow("Preset menu item clicked", "name", name)
					r.startFromPreset(name)
				}
			}()
		}

		// main click loop
		go func() {
			for {
				select {

				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")
					r.signalStop()

				case <-toggle.ClickedCh:
					r.toggleRouting(logger)

				case <-resetItem.ClickedCh:
					logger.Info("Reset menu item clicked, clearing failed session")
					if err := r.engine.Reset(); err != nil {
						logger.Warnw("Failed to reset session", "error", err)
					}

				case <-refreshDevices.ClickedCh:
					logger.Info("Refresh devices menu item clicked")
					if _, _, err := r.registry.Refresh(); err != nil {
						logger.Warnw("Manual device refresh failed", "error", err)
					}

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")
					if err := util.OpenExternal(logger, r.config.UserConfigPath()); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}
				}
			}
		}()

		// dump stack trace handler (only in verbose/debug mode)
		if r.verbose && dumpStack != nil {
			go func() {
				for {
					<-dumpStack.ClickedCh
					logger.Info("Dump stack trace menu item clicked, outputting all goroutines stack trace")
					util.DumpAllGoroutines(logger)
				}
			}()
		}

		// actually start the main runtime
		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	// start the tray icon
	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func trayTooltip(status Status) string {
	switch status.State {
	case StateRouting:
		return fmt.Sprintf("Audio Router: %s → %s", status.SourceName, status.DestinationName)
	case StateReconnecting:
		return "Audio Router: reconnecting..."
	case StateFailed:
		return fmt.Sprintf("Audio Router: failed (previous output: %s)", status.PriorName)
	default:
		return "Audio Router"
	}
}

func (r *Router) stopTray() {
	r.logger.Debug("Quitting tray")
	systray.Quit()
}
