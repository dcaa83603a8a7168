// Package softswitch defines the boundary between the billing core and the
// call-control platform that actually carries media and signaling. The core
// reads a channel of dispatcher.Event values from what this package calls
// the "softswitch event adapter", and on demand asks the adapter to
// force-hangup a call. Two concrete implementations are provided: an
// AGI-based event source grounded on internal/agi/server.go, and an
// AMI-based hangup forcer grounded on internal/ami/manager.go.
package softswitch

import (
	"context"

	"github.com/hamzaKhattat/billcore/internal/dispatcher"
)

// EventAdapter is the full interface the dispatcher consumes.
type EventAdapter interface {
	Events() <-chan dispatcher.Event
	ForceHangup(ctx context.Context, callUUID string, cause string) error
}

// Adapter wires the AGI-based event source to the AMI-based hangup forcer,
// since Asterisk exposes those as two separate protocols (AGI is
// dialplan-invoked and short-lived per leg; AMI is a standing management
// connection). Together they satisfy EventAdapter.
type Adapter struct {
	*AGIEventSource
	*AMIHangupForcer
}

func NewAdapter(events *AGIEventSource, hangup *AMIHangupForcer) *Adapter {
	return &Adapter{AGIEventSource: events, AMIHangupForcer: hangup}
}

var _ EventAdapter = (*Adapter)(nil)
