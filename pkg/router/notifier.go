package router

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier provides toast notifications for the system we're running on
type ToastNotifier struct {
	logger *zap.SugaredLogger
}

// NewToastNotifier creates a new ToastNotifier
func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	logger.Debug("Created toast notifier instance")

	return &ToastNotifier{logger: logger}, nil
}

// Notify sends a desktop notification with the provided title and message
func (tn *ToastNotifier) Notify(title string, message string) {
	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, ""); err != nil {
		tn.logger.Warnw("Failed to send toast notification", "error", err)
	}
}

// nopNotifier swallows notifications; used when the user disabled them.
type nopNotifier struct{}

func (nopNotifier) Notify(string, string) {}

// filteredNotifier consults the config's notification toggle before
// forwarding to the real notifier.
type filteredNotifier struct {
	inner   Notifier
	enabled func() bool
}

func (fn *filteredNotifier) Notify(title string, message string) {
	if fn.enabled() {
		fn.inner.Notify(title, message)
	}
}
