package dispatcher

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/hamzaKhattat/billcore/pkg/errors"
	"github.com/hamzaKhattat/billcore/pkg/logger"
)

// EventLog records each raw event. The dispatcher worker appends an event
// just before handling it; the softswitch adapter has already acknowledged
// the event once it was placed on the adapter's channel, so the
// acknowledgement precedes the append. Nothing reads the log back.
type EventLog interface {
	Append(ctx context.Context, ev Event) error
}

// NoopEventLog is used in tests and when durability is handled upstream of
// the core (e.g. the softswitch adapter's own persistent queue).
type NoopEventLog struct{}

func (NoopEventLog) Append(context.Context, Event) error { return nil }

type logRecord struct {
	Kind      EventKind   `json:"kind"`
	CallUUID  string      `json:"call_uuid"`
	LoggedAt  time.Time   `json:"logged_at"`
	Create    *CreateEvent `json:"create,omitempty"`
	Answer    *AnswerEvent `json:"answer,omitempty"`
	Hangup    *HangupEvent `json:"hangup,omitempty"`
}

// FileEventLog appends one JSON line per event to a local file and calls
// fsync before Append returns; an fsync failure is logged and Append still
// returns nil.
type FileEventLog struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileEventLog(path string) (*FileEventLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrInternal, "failed to open event log")
	}
	return &FileEventLog{f: f}, nil
}

func (l *FileEventLog) Append(ctx context.Context, ev Event) error {
	rec := logRecord{Kind: ev.Kind(), CallUUID: ev.UUID(), LoggedAt: time.Now()}
	switch e := ev.(type) {
	case CreateEvent:
		rec.Create = &e
	case AnswerEvent:
		rec.Answer = &e
	case HangupEvent:
		rec.Hangup = &e
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "failed to marshal event log record")
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.f.Write(data); err != nil {
		return errors.Wrap(err, errors.ErrInternal, "failed to append event log record")
	}
	if err := l.f.Sync(); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("event log fsync failed")
	}
	return nil
}

func (l *FileEventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
