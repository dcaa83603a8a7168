// Package dispatcher implements the Event Dispatcher: it demultiplexes softswitch events, serializes per-call
// ordering, and hands calls off to the Authorization Service, Realtime
// Biller, and CDR Finalizer. It generalizes the router-era
// internal/router/router.go's single mutex-guarded activeCalls map into a
// hashed-worker-queue design for per-call serialization without a global
// lock: call UUIDs are routed to one of a fixed set of
// single-consumer queues by a stable hash, so per-UUID ordering is free and
// no global lock is ever held across a handler.
package dispatcher

import (
	"time"

	"github.com/hamzaKhattat/billcore/internal/models"
)

// EventKind is the closed set of softswitch event kinds this package names.
// Events are tagged variants, not a dynamically typed bag: each kind has its own struct.
type EventKind string

const (
	EventKindCreate EventKind = "create"
	EventKindAnswer EventKind = "answer"
	EventKindHangup EventKind = "hangup"
)

// Event is implemented by CreateEvent, AnswerEvent, and HangupEvent only.
type Event interface {
	Kind() EventKind
	UUID() string
}

// CreateEvent carries the fields the dispatcher requires for CREATE.
type CreateEvent struct {
	CallUUID  string
	Caller    string
	Callee    string
	Direction models.Direction
	StartTime time.Time
}

func (e CreateEvent) Kind() EventKind { return EventKindCreate }
func (e CreateEvent) UUID() string    { return e.CallUUID }

// AnswerEvent carries the fields the dispatcher requires for ANSWER.
type AnswerEvent struct {
	CallUUID   string
	AnswerTime time.Time
}

func (e AnswerEvent) Kind() EventKind { return EventKindAnswer }
func (e AnswerEvent) UUID() string    { return e.CallUUID }

// HangupEvent carries the fields the dispatcher requires for HANGUP.
type HangupEvent struct {
	CallUUID    string
	EndTime     time.Time
	HangupCause string
}

func (e HangupEvent) Kind() EventKind { return EventKindHangup }
func (e HangupEvent) UUID() string    { return e.CallUUID }
