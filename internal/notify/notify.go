package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"scan-console/internal/telemetry"
)

// Level classifies a notice for the UI toast layer.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notice is one user-visible toast. Exactly one notice is emitted per
// terminal transition; cancelled scans stay silent.
type Notice struct {
	ID      string    `json:"id"`
	Level   Level     `json:"level"`
	ScanID  string    `json:"scan_id,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Success builds a success notice for a scan.
func Success(scanID, message string) Notice {
	return newNotice(LevelSuccess, scanID, message)
}

// Error builds an error notice. scanID may be empty for notices not tied
// to a single scan, such as a failed list refresh.
func Error(scanID, message string) Notice {
	return newNotice(LevelError, scanID, message)
}

func newNotice(level Level, scanID, message string) Notice {
	return Notice{
		ID:      uuid.New().String(),
		Level:   level,
		ScanID:  scanID,
		Message: message,
		At:      time.Now().UTC(),
	}
}

// Notifier delivers notices to the user. Implementations must not block
// the caller; the watcher emits notices from inside its poll cycle.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Multi fans a notice out to several notifiers. Delivery failures are
// independent; the first error is returned after all sinks were tried.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var first error
	for _, sink := range m {
		if err := sink.Notify(ctx, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogNotifier writes notices to the structured log. It is always part of
// the chain so transitions are observable without a browser attached.
type LogNotifier struct {
	Log *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, n Notice) error {
	telemetry.NoticesTotal.Inc()
	fields := []zap.Field{
		zap.String("notice_id", n.ID),
		zap.String("scan_id", n.ScanID),
		zap.String("message", n.Message),
	}
	if n.Level == LevelError {
		l.Log.Warn("notice", fields...)
	} else {
		l.Log.Info("notice", fields...)
	}
	return nil
}
