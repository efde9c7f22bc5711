package logs

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Hook appends every entry logged through a request context to the log of
// that request. The record is written through the transaction carried by
// the context, if any, and disappears with it on rollback.
type Hook struct {
	svc *Service
}

// NewHook creates a hook writing through svc
func NewHook(svc *Service) *Hook {
	return &Hook{svc: svc}
}

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *Hook) Fire(e *logrus.Entry) error {
	if e.Context == nil {
		return nil
	}
	l := FromContext(e.Context)
	if l == nil || l.ID() == 0 {
		return nil
	}
	message := e.Message
	if cause, ok := e.Data["error"]; ok {
		message = fmt.Sprintf("%s: %v", message, cause)
	}
	_, err := h.svc.Append(context.WithoutCancel(e.Context), l.ID(), Level(e.Level), message)
	return err
}

// Level maps a logrus level onto a record level
func Level(l logrus.Level) string {
	switch l {
	case logrus.PanicLevel, logrus.FatalLevel:
		return LevelCritical
	case logrus.ErrorLevel:
		return LevelError
	case logrus.WarnLevel:
		return LevelWarning
	case logrus.InfoLevel:
		return LevelInfo
	default:
		return LevelDebug
	}
}
