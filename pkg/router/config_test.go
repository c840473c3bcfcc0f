package router

import (
	"testing"
	"time"

	"github.com/soundctl/audiorouter/pkg/router/util"
)

func TestConfigLoadWritesDefaults(t *testing.T) {
	dir := t.TempDir()

	config, err := NewConfig(testLogger(), nopNotifier{}, dir)
	if err != nil {
		t.Fatalf("failed to create config: %v", err)
	}

	if err := config.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	// a default config file should now exist for the user to edit
	if !util.FileExists(config.UserConfigPath()) {
		t.Errorf("expected default config file at %s", config.UserConfigPath())
	}

	if config.VirtualDevice != "BlackHole 2ch" {
		t.Errorf("default virtual device: got %q", config.VirtualDevice)
	}
	if config.Buffer != DefaultBufferConfig() {
		t.Errorf("default buffer: got %+v, want %+v", config.Buffer, DefaultBufferConfig())
	}
	if !config.SwitchSystemOutput {
		t.Error("switch_system_output should default to true")
	}
	if config.Reconnect.MaxRetries <= 0 {
		t.Errorf("reconnect retries should default positive, got %d", config.Reconnect.MaxRetries)
	}
}

func TestConfigRememberSelectionPersists(t *testing.T) {
	dir := t.TempDir()

	config, err := NewConfig(testLogger(), nopNotifier{}, dir)
	if err != nil {
		t.Fatalf("failed to create config: %v", err)
	}
	if err := config.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	config.RememberSelection(devBlackHole.ID, devSpeakers.ID)

	// a second config instance over the same directory sees the selection
	reopened, err := NewConfig(testLogger(), nopNotifier{}, dir)
	if err != nil {
		t.Fatalf("failed to recreate config: %v", err)
	}
	if err := reopened.Load(); err != nil {
		t.Fatalf("reload failed: %v", err)
	}

	source, destination := reopened.LastSelection()
	if source != devBlackHole.ID || destination != devSpeakers.ID {
		t.Errorf("remembered selection: got %q / %q, want %q / %q",
			source, destination, devBlackHole.ID, devSpeakers.ID)
	}
}

func TestConfigReloadNotifiesSubscribers(t *testing.T) {
	config, err := NewConfig(testLogger(), nopNotifier{}, t.TempDir())
	if err != nil {
		t.Fatalf("failed to create config: %v", err)
	}

	reloads := config.SubscribeToChanges()

	received := make(chan bool, 1)
	go func() {
		received <- <-reloads
	}()

	// let the consumer goroutine block on the channel first; the
	// notification send is non-blocking and skips absent readers
	time.Sleep(10 * time.Millisecond)

	config.onConfigReloaded()

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("reload notification never reached the subscriber")
	}
}
