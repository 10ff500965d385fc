package engine

import (
	"sync"

	"go.uber.org/zap"
)

// NoticeLevel grades a user-facing notice.
type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeWarning NoticeLevel = "warning"
	NoticeError   NoticeLevel = "error"
)

// Notice tells the user about something that happened in the background,
// such as a remote write that keeps failing.
type Notice struct {
	Level      NoticeLevel
	Message    string
	Collection string
	RecordID   string
	CascadeID  string
}

// Notifier receives notices. Implementations must not block.
type Notifier interface {
	Notify(Notice)
}

// LogNotifier writes notices to a zap logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(ev Notice) {
	fields := []zap.Field{
		zap.String("collection", ev.Collection),
		zap.String("record_id", ev.RecordID),
		zap.String("cascade_id", ev.CascadeID),
	}
	switch ev.Level {
	case NoticeError:
		n.Logger.Error(ev.Message, fields...)
	case NoticeWarning:
		n.Logger.Warn(ev.Message, fields...)
	default:
		n.Logger.Info(ev.Message, fields...)
	}
}

// RecordingNotifier keeps every notice in memory.
type RecordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *RecordingNotifier) Notify(ev Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, ev)
}

// Notices returns a copy of the notices received so far.
func (r *RecordingNotifier) Notices() []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notice(nil), r.notices...)
}
