package router

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/soundctl/audiorouter/pkg/router/util"
)

// ReconnectPolicy bounds the retry loop a session runs while waiting for
// an unplugged device to come back.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxRetries   int
}

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for the router's configuration file
type CanonicalConfig struct {
	VirtualDevice string
	OutputDevice  string
	Buffer        BufferConfig

	SwitchSystemOutput   bool
	EnableNotifications  bool
	StartRoutingOnLaunch bool
	StatusPort           int

	DevicePollInterval   time.Duration
	DeviceCoalesceWindow time.Duration
	OperationTimeout     time.Duration
	Reconnect            ReconnectPolicy

	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	appDir         string
	userConfig     *viper.Viper
	internalConfig *viper.Viper
}

const (
	userConfigName     = "config"
	internalConfigName = "preferences"

	configType = "yaml"

	configKey_VirtualDevice        = "virtual_device"
	configKey_OutputDevice         = "output_device"
	configKey_BufferSize           = "buffer_size"
	configKey_SampleRate           = "sample_rate"
	configKey_Channels             = "channels"
	configKey_SwitchSystemOutput   = "switch_system_output"
	configKey_EnableNotifications  = "enable_notifications"
	configKey_StartRoutingOnLaunch = "start_routing_on_launch"
	configKey_StatusPort           = "status_port"
	configKey_DevicePollInterval   = "device_poll_interval"
	configKey_DeviceCoalesceWindow = "device_coalesce_window"
	configKey_OperationTimeout     = "operation_timeout"
	configKey_ReconnectInitial     = "reconnect_initial_delay"
	configKey_ReconnectMaxDelay    = "reconnect_max_delay"
	configKey_ReconnectMaxRetries  = "reconnect_max_retries"

	prefsKey_LastSource      = "last_source"
	prefsKey_LastDestination = "last_destination"

	default_VirtualDevice = "BlackHole 2ch"
)

// NewConfig creates a config instance rooted at the given application
// directory and sets up viper instances for the config files
func NewConfig(logger *zap.SugaredLogger, notifier Notifier, appDir string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		appDir:             appDir,
	}

	// distinguish between the user-provided config (config.yaml) and the
	// internal preferences the app writes on its own (preferences.yaml)
	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(appDir)

	userConfig.SetDefault(configKey_VirtualDevice, default_VirtualDevice)
	userConfig.SetDefault(configKey_OutputDevice, "")
	userConfig.SetDefault(configKey_BufferSize, 512)
	userConfig.SetDefault(configKey_SampleRate, 48000)
	userConfig.SetDefault(configKey_Channels, 2)
	userConfig.SetDefault(configKey_SwitchSystemOutput, true)
	userConfig.SetDefault(configKey_EnableNotifications, true)
	userConfig.SetDefault(configKey_StartRoutingOnLaunch, false)
	userConfig.SetDefault(configKey_StatusPort, 0)
	userConfig.SetDefault(configKey_DevicePollInterval, 2*time.Second)
	userConfig.SetDefault(configKey_DeviceCoalesceWindow, 500*time.Millisecond)
	userConfig.SetDefault(configKey_OperationTimeout, 5*time.Second)
	userConfig.SetDefault(configKey_ReconnectInitial, 500*time.Millisecond)
	userConfig.SetDefault(configKey_ReconnectMaxDelay, 10*time.Second)
	userConfig.SetDefault(configKey_ReconnectMaxRetries, 10)

	internalConfig := viper.New()
	internalConfig.SetConfigName(internalConfigName)
	internalConfig.SetConfigType(configType)
	internalConfig.AddConfigPath(appDir)
	internalConfig.SetDefault(prefsKey_LastSource, "")
	internalConfig.SetDefault(prefsKey_LastDestination, "")

	cc.userConfig = userConfig
	cc.internalConfig = internalConfig

	logger.Debugw("Created config instance", "dir", appDir)

	return cc, nil
}

// UserConfigPath returns the path of the user-facing config file.
func (cc *CanonicalConfig) UserConfigPath() string {
	return filepath.Join(cc.appDir, userConfigName+"."+configType)
}

// Load reads the config files from disk and tries to parse them. A missing
// user config is not an error; defaults are written out so the user has
// something to edit.
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.UserConfigPath())

	if !util.FileExists(cc.UserConfigPath()) {
		cc.logger.Infow("Config file not found, writing defaults", "path", cc.UserConfigPath())

		if err := cc.userConfig.WriteConfigAs(cc.UserConfigPath()); err != nil {
			cc.logger.Warnw("Failed to write default config", "error", err)
		}
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", cc.UserConfigPath()))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check the audiorouter logs for more details.")
		}
		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.internalConfig.ReadInConfig(); err != nil {
		cc.logger.Debugw("Viper failed to read internal config", "error", err, "reminder", "this is fine")
	}

	cc.populateFromVipers()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"virtualDevice", cc.VirtualDevice,
		"outputDevice", cc.OutputDevice,
		"buffer", cc.Buffer,
		"switchSystemOutput", cc.SwitchSystemOutput,
		"statusPort", cc.StatusPort,
		"reconnect", cc.Reconnect,
	)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// LastSelection returns the most recently routed source and destination
// device identifiers, if any were persisted.
func (cc *CanonicalConfig) LastSelection() (source DeviceID, destination DeviceID) {
	return DeviceID(cc.internalConfig.GetString(prefsKey_LastSource)),
		DeviceID(cc.internalConfig.GetString(prefsKey_LastDestination))
}

// RememberSelection persists the routed source and destination so the next
// launch can offer a one-click start with the same pair.
func (cc *CanonicalConfig) RememberSelection(source DeviceID, destination DeviceID) {
	cc.internalConfig.Set(prefsKey_LastSource, string(source))
	cc.internalConfig.Set(prefsKey_LastDestination, string(destination))

	prefsPath := filepath.Join(cc.appDir, internalConfigName+"."+configType)
	if err := cc.internalConfig.WriteConfigAs(prefsPath); err != nil {
		cc.logger.Warnw("Failed to persist device selection", "error", err)
	}
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.UserConfigPath())

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when we get a write event...
		if event.Op&fsnotify.Write == fsnotify.Write {

			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true

	// Close all reload consumer channels to signal goroutines to exit
	cc.closeReloadChannels()
}

// closeReloadChannels closes all reload consumer channels to signal goroutines to exit
func (cc *CanonicalConfig) closeReloadChannels() {
	for _, ch := range cc.reloadConsumers {
		close(ch)
	}
	cc.reloadConsumers = nil
	cc.logger.Debug("Closed all config reload channels")
}

func (cc *CanonicalConfig) populateFromVipers() {
	cc.VirtualDevice = cc.userConfig.GetString(configKey_VirtualDevice)
	cc.OutputDevice = cc.userConfig.GetString(configKey_OutputDevice)

	cc.Buffer = BufferConfig{
		BufferSize: cc.userConfig.GetInt(configKey_BufferSize),
		SampleRate: cc.userConfig.GetInt(configKey_SampleRate),
		Channels:   cc.userConfig.GetInt(configKey_Channels),
	}

	cc.SwitchSystemOutput = cc.userConfig.GetBool(configKey_SwitchSystemOutput)
	cc.EnableNotifications = cc.userConfig.GetBool(configKey_EnableNotifications)
	cc.StartRoutingOnLaunch = cc.userConfig.GetBool(configKey_StartRoutingOnLaunch)
	cc.StatusPort = cc.userConfig.GetInt(configKey_StatusPort)

	cc.DevicePollInterval = cc.userConfig.GetDuration(configKey_DevicePollInterval)
	cc.DeviceCoalesceWindow = cc.userConfig.GetDuration(configKey_DeviceCoalesceWindow)
	cc.OperationTimeout = cc.userConfig.GetDuration(configKey_OperationTimeout)

	cc.Reconnect = ReconnectPolicy{
		InitialDelay: cc.userConfig.GetDuration(configKey_ReconnectInitial),
		MaxDelay:     cc.userConfig.GetDuration(configKey_ReconnectMaxDelay),
		MaxRetries:   cc.userConfig.GetInt(configKey_ReconnectMaxRetries),
	}

	// guard the buffer parameters against nonsense values, the audio
	// backend rejects zero-sized streams with opaque errors
	if cc.Buffer.BufferSize <= 0 {
		cc.Buffer.BufferSize = 512
	}
	if cc.Buffer.SampleRate <= 0 {
		cc.Buffer.SampleRate = 48000
	}
	if cc.Buffer.Channels <= 0 {
		cc.Buffer.Channels = 2
	}

	cc.logger.Debug("Populated config fields from vipers")
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		// Safely send to channel, handling closed channels
		func() {
			defer func() {
				if r := recover(); r != nil {
					// Channel is closed, ignore
					cc.logger.Debugw("Config reload channel closed, skipping notification", "recover", r)
				}
			}()
			select {
			case consumer <- true:
			default:
				// Channel is full, skip
			}
		}()
	}
}
