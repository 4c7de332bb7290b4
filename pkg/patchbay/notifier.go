package patchbay

import (
	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier represents an entity that can send the user a notification
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier shows OS toast notifications
type ToastNotifier struct {
	logger *zap.SugaredLogger
}

func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	notifier := &ToastNotifier{logger: logger.Named("notifier")}
	notifier.logger.Debug("Created toast notifier instance")

	return notifier, nil
}

func (tn *ToastNotifier) Notify(title string, message string) {
	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, ""); err != nil {
		tn.logger.Warnw("Failed to send toast notification", "error", err)
	}
}
