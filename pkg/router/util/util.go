package util

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"

	ps "github.com/mitchellh/go-ps"
	"go.uber.org/zap"
)

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// FileExists checks if a file exists and is not a directory before we
// try using it to prevent further errors.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return !info.IsDir()
}

// Darwin returns true if we're running on macOS
func Darwin() bool {
	return runtime.GOOS == "darwin"
}

// AppDir returns the per-user application directory (~/.audiorouter),
// creating it if needed.
func AppDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home dir: %w", err)
	}

	dir := filepath.Join(home, ".audiorouter")
	if err := EnsureDirExists(dir); err != nil {
		return "", err
	}

	return dir, nil
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// DumpAllGoroutines writes stack traces of all goroutines to the logger
func DumpAllGoroutines(logger *zap.SugaredLogger) {
	buf := make([]byte, 1024*1024) // 1MB buffer
	n := runtime.Stack(buf, true)
	logger.Errorw("All goroutines stack trace", "stack", string(buf[:n]))
}

// AnotherInstanceRunning reports whether a second process with our
// executable name is already alive. Tray apps must not double-run, a
// second instance would fight the first over the system output device.
func AnotherInstanceRunning(logger *zap.SugaredLogger) bool {
	self := filepath.Base(os.Args[0])

	processes, err := ps.Processes()
	if err != nil {
		logger.Warnw("Failed to list processes for single-instance check", "error", err)
		return false
	}

	ownPid := os.Getpid()
	for _, proc := range processes {
		if proc.Pid() != ownPid && strings.EqualFold(proc.Executable(), self) {
			logger.Warnw("Found another running instance",
				"pid", proc.Pid(),
				"executable", proc.Executable())
			return true
		}
	}

	return false
}

// OpenExternal spawns a detached process opening the provided target with
// the platform's default handler (macOS `open`, Linux `xdg-open`).
func OpenExternal(logger *zap.SugaredLogger, target string) error {
	opener := "xdg-open"
	if Darwin() {
		opener = "open"
	}

	command := exec.Command(opener, target)

	if err := command.Start(); err != nil {
		logger.Warnw("Failed to spawn detached process",
			"opener", opener,
			"target", target,
			"error", err)

		return fmt.Errorf("spawn detached proc: %w", err)
	}

	return nil
}
