package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/billcore/internal/authz"
	"github.com/hamzaKhattat/billcore/internal/clock"
	"github.com/hamzaKhattat/billcore/internal/models"
	"github.com/hamzaKhattat/billcore/internal/storetest"
	"github.com/hamzaKhattat/billcore/pkg/logger"
)

func init() {
	_ = logger.Init(logger.Config{Level: "error", Format: "text"})
}

type stubAuthorizer struct {
	decision *authz.Decision
	err      error
}

func (s *stubAuthorizer) Authorize(ctx context.Context, req authz.Request) (*authz.Decision, error) {
	return s.decision, s.err
}

type stubBiller struct {
	mu      sync.Mutex
	watched []string
	forgot  []string
}

func (b *stubBiller) Watch(call *models.ActiveCall) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watched = append(b.watched, call.CallUUID)
}

func (b *stubBiller) Forget(callUUID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forgot = append(b.forgot, callUUID)
}

type stubCDR struct {
	mu       sync.Mutex
	finalized []string
}

func (c *stubCDR) Finalize(ctx context.Context, call *models.ActiveCall, endTime time.Time, hangupCause string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finalized = append(c.finalized, call.CallUUID)
	return nil
}

type stubHangup struct {
	mu    sync.Mutex
	calls []string
}

func (h *stubHangup) ForceHangup(ctx context.Context, callUUID string, cause string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, callUUID)
	return nil
}

func newTestDispatcher(authorizer Authorizer, biller BillerNotifier, cdr CDRFinalizer, hangup HangupForcer) (*Dispatcher, *clock.Fake, *storetest.Fake) {
	fake := storetest.New()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	d := NewDispatcher(fake, authorizer, biller, cdr, hangup, fc, nil, nil, Config{
		QueueCount: 2, QueueDepth: 16, OutOfOrderBufferSeconds: 1,
	})
	return d, fc, fake
}

func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestDispatcher_AuthorizedCallFlowsThroughAnswerAndHangup(t *testing.T) {
	authID := int64(1)
	resID := int64(7)
	authorizer := &stubAuthorizer{decision: &authz.Decision{
		Authorized: true, Reason: authz.ReasonAuthorized,
		AccountID: authID, ReservationID: resID, RatePerMinute: decimal.RequireFromString("0.01"),
	}}
	biller := &stubBiller{}
	cdrFinalizer := &stubCDR{}
	hangup := &stubHangup{}

	d, _, fake := newTestDispatcher(authorizer, biller, cdrFinalizer, hangup)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, d.Dispatch(ctx, CreateEvent{
		CallUUID: "call-1", Caller: "100001", Callee: "51987654321",
		Direction: models.DirectionOutbound, StartTime: time.Now(),
	}))
	waitFor(t, func() bool { return len(d.Snapshot()) == 1 })
	assert.Contains(t, fake.ActiveCalls, "call-1")

	require.NoError(t, d.Dispatch(ctx, AnswerEvent{CallUUID: "call-1", AnswerTime: time.Now()}))
	waitFor(t, func() bool { biller.mu.Lock(); defer biller.mu.Unlock(); return len(biller.watched) == 1 })

	require.NoError(t, d.Dispatch(ctx, HangupEvent{CallUUID: "call-1", EndTime: time.Now(), HangupCause: "NORMAL_CLEARING"}))
	waitFor(t, func() bool { return len(d.Snapshot()) == 0 })
	assert.NotContains(t, fake.ActiveCalls, "call-1")
	waitFor(t, func() bool { cdrFinalizer.mu.Lock(); defer cdrFinalizer.mu.Unlock(); return len(cdrFinalizer.finalized) == 1 })
}

func TestDispatcher_DeniedCallForceHangsUp(t *testing.T) {
	authorizer := &stubAuthorizer{decision: &authz.Decision{Authorized: false, Reason: authz.ReasonInsufficientBalance}}
	hangup := &stubHangup{}
	d, _, _ := newTestDispatcher(authorizer, &stubBiller{}, &stubCDR{}, hangup)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, d.Dispatch(ctx, CreateEvent{
		CallUUID: "call-2", Caller: "100001", Callee: "51987654321",
		Direction: models.DirectionOutbound, StartTime: time.Now(),
	}))
	waitFor(t, func() bool { hangup.mu.Lock(); defer hangup.mu.Unlock(); return len(hangup.calls) == 1 })
	assert.Empty(t, d.Snapshot())
}

func TestDispatcher_InboundCallSkipsAuthorization(t *testing.T) {
	authorizer := &stubAuthorizer{err: assert.AnError}
	d, _, fake := newTestDispatcher(authorizer, &stubBiller{}, &stubCDR{}, &stubHangup{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, d.Dispatch(ctx, CreateEvent{
		CallUUID: "call-3", Caller: "+15551234567", Callee: "100001",
		Direction: models.DirectionInbound, StartTime: time.Now(),
	}))
	waitFor(t, func() bool { return len(d.Snapshot()) == 1 })
	assert.Contains(t, fake.ActiveCalls, "call-3")
}

func TestDispatcher_AnswerBeforeCreateIsRequeuedThenSucceeds(t *testing.T) {
	authID := int64(1)
	resID := int64(7)
	authorizer := &stubAuthorizer{decision: &authz.Decision{
		Authorized: true, Reason: authz.ReasonAuthorized, AccountID: authID, ReservationID: resID,
	}}
	biller := &stubBiller{}
	d, fc, _ := newTestDispatcher(authorizer, biller, &stubCDR{}, &stubHangup{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	// Dispatch ANSWER for a call the dispatcher hasn't seen CREATE for yet.
	require.NoError(t, d.Dispatch(ctx, AnswerEvent{CallUUID: "call-4", AnswerTime: time.Now()}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Dispatch(ctx, CreateEvent{
		CallUUID: "call-4", Caller: "100001", Callee: "51987654321",
		Direction: models.DirectionOutbound, StartTime: time.Now(),
	}))
	time.Sleep(20 * time.Millisecond)
	fc.Advance(300 * time.Millisecond)

	waitFor(t, func() bool { biller.mu.Lock(); defer biller.mu.Unlock(); return len(biller.watched) == 1 })
}

func TestDispatcher_HangupForUnknownCallDroppedAfterBufferExpires(t *testing.T) {
	d, fc, _ := newTestDispatcher(&stubAuthorizer{}, &stubBiller{}, &stubCDR{}, &stubHangup{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	require.NoError(t, d.Dispatch(ctx, HangupEvent{CallUUID: "ghost", EndTime: time.Now(), HangupCause: "NORMAL_CLEARING"}))
	time.Sleep(20 * time.Millisecond)
	fc.Advance(2 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, d.Snapshot())
}
