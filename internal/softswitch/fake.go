package softswitch

import (
	"context"
	"sync"

	"github.com/hamzaKhattat/billcore/internal/dispatcher"
)

// Fake is an in-memory EventAdapter for tests that wire the dispatcher to a
// real adapter interface without a network round trip.
type Fake struct {
	events chan dispatcher.Event

	mu       sync.Mutex
	hangups  []string
	hangupFn func(ctx context.Context, callUUID, cause string) error
}

func NewFake() *Fake {
	return &Fake{events: make(chan dispatcher.Event, 256)}
}

func (f *Fake) Events() <-chan dispatcher.Event { return f.events }

// Push injects an event as if it had arrived from the softswitch.
func (f *Fake) Push(ev dispatcher.Event) { f.events <- ev }

func (f *Fake) ForceHangup(ctx context.Context, callUUID string, cause string) error {
	f.mu.Lock()
	f.hangups = append(f.hangups, callUUID)
	fn := f.hangupFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, callUUID, cause)
	}
	return nil
}

func (f *Fake) Hangups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.hangups))
	copy(out, f.hangups)
	return out
}

var _ EventAdapter = (*Fake)(nil)
