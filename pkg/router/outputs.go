package router

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// OutputController is the system default-output get/set capability. It
// speaks display names, which is what the underlying switching tool
// understands; the engine maps names to registry identifiers.
type OutputController interface {
	// CurrentOutput returns the display name of the current system
	// default output device.
	CurrentOutput(ctx context.Context) (string, error)

	// SetOutput makes the named device the system default output.
	SetOutput(ctx context.Context, name string) error
}

const switchToolBinary = "SwitchAudioSource"

// switchAudioSourceController shells out to the switchaudio-osx command
// line tool for reading and setting the system default output.
type switchAudioSourceController struct {
	logger *zap.SugaredLogger
}

// NewSwitchAudioSourceController creates an OutputController backed by the
// SwitchAudioSource tool. Returns an error if the tool is not installed.
func NewSwitchAudioSourceController(logger *zap.SugaredLogger) (OutputController, error) {
	logger = logger.Named("outputs")

	if _, err := exec.LookPath(switchToolBinary); err != nil {
		logger.Errorw("SwitchAudioSource not found in PATH",
			"hint", "install with: brew install switchaudio-osx",
			"error", err)
		return nil, fmt.Errorf("locate %s: %w", switchToolBinary, err)
	}

	logger.Debug("Created output controller instance")

	return &switchAudioSourceController{logger: logger}, nil
}

func (c *switchAudioSourceController) CurrentOutput(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, switchToolBinary, "-c")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		c.logger.Warnw("Failed to read current output device",
			"error", err,
			"stderr", strings.TrimSpace(stderr.String()))
		return "", fmt.Errorf("%w: read current output: %v", ErrSwitchFailed, err)
	}

	name := strings.TrimSpace(stdout.String())
	if name == "" {
		return "", fmt.Errorf("%w: read current output: empty reply", ErrSwitchFailed)
	}

	c.logger.Debugw("Read current output device", "name", name)

	return name, nil
}

func (c *switchAudioSourceController) SetOutput(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, switchToolBinary, "-s", name)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		c.logger.Warnw("Failed to set output device",
			"name", name,
			"error", err,
			"stderr", strings.TrimSpace(stderr.String()))
		return fmt.Errorf("%w: set output to %q: %v", ErrSwitchFailed, name, err)
	}

	c.logger.Infow("System output switched", "name", name)

	return nil
}
