package dispatcher

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/hamzaKhattat/billcore/internal/authz"
	"github.com/hamzaKhattat/billcore/internal/clock"
	"github.com/hamzaKhattat/billcore/internal/models"
	"github.com/hamzaKhattat/billcore/internal/store"
	"github.com/hamzaKhattat/billcore/pkg/logger"
)

// Authorizer is the narrow Authorization Service dependency the dispatcher needs on CREATE.
type Authorizer interface {
	Authorize(ctx context.Context, req authz.Request) (*authz.Decision, error)
}

// BillerNotifier is the narrow Realtime Biller dependency: the dispatcher tells the
// Realtime Biller which answered calls to watch and when to stop.
type BillerNotifier interface {
	Watch(call *models.ActiveCall)
	Forget(callUUID string)
}

// CDRFinalizer is the narrow CDR Finalizer dependency invoked on HANGUP.
type CDRFinalizer interface {
	Finalize(ctx context.Context, call *models.ActiveCall, endTime time.Time, hangupCause string) error
}

// HangupForcer lets the dispatcher ask the softswitch adapter to tear down
// a call that was denied authorization but the softswitch has not yet
// reported as torn down.
type HangupForcer interface {
	ForceHangup(ctx context.Context, callUUID string, cause string) error
}

// MetricsRecorder is the narrow metrics dependency; a nil MetricsRecorder is
// valid and simply means no metrics are recorded.
type MetricsRecorder interface {
	IncrementCounter(name string, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// Config sizes the hashed worker queues and the out-of-order buffer window.
type Config struct {
	QueueCount              int
	QueueDepth              int
	OutOfOrderBufferSeconds int
	OutOfOrderRetryDelay    time.Duration
}

type queuedEvent struct {
	ev        Event
	firstSeen time.Time
}

// Dispatcher implements the Event Dispatcher.
type Dispatcher struct {
	store      store.Store
	authorizer Authorizer
	biller     BillerNotifier
	cdr        CDRFinalizer
	hangup     HangupForcer
	clock      clock.Clock
	eventlog   EventLog
	metrics    MetricsRecorder
	cfg        Config

	queues []chan queuedEvent
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu          sync.RWMutex
	activeCalls map[string]*models.ActiveCall
}

func NewDispatcher(st store.Store, authorizer Authorizer, biller BillerNotifier, cdr CDRFinalizer, hangup HangupForcer, clk clock.Clock, eventlog EventLog, metrics MetricsRecorder, cfg Config) *Dispatcher {
	if cfg.QueueCount <= 0 {
		cfg.QueueCount = 16
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	if cfg.OutOfOrderRetryDelay <= 0 {
		cfg.OutOfOrderRetryDelay = 250 * time.Millisecond
	}
	if eventlog == nil {
		eventlog = NoopEventLog{}
	}

	d := &Dispatcher{
		store:       st,
		authorizer:  authorizer,
		biller:      biller,
		cdr:         cdr,
		hangup:      hangup,
		clock:       clk,
		eventlog:    eventlog,
		metrics:     metrics,
		cfg:         cfg,
		activeCalls: make(map[string]*models.ActiveCall),
		stopCh:      make(chan struct{}),
	}
	d.queues = make([]chan queuedEvent, cfg.QueueCount)
	for i := range d.queues {
		d.queues[i] = make(chan queuedEvent, cfg.QueueDepth)
	}
	return d
}

// Start spawns one worker goroutine per hashed queue. Each queue's events
// are processed strictly in arrival order, which is what gives per-call
// ordering without a global lock.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := range d.queues {
		d.wg.Add(1)
		go d.runWorker(ctx, i)
	}
}

func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) runWorker(ctx context.Context, idx int) {
	defer d.wg.Done()
	q := d.queues[idx]
	for {
		select {
		case item := <-q:
			d.handleEvent(ctx, idx, item)
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Dispatch routes ev to its hashed queue. A full queue blocks the caller
// (backpressure), but honors ctx cancellation rather than blocking forever.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	idx := queueIndex(ev.UUID(), len(d.queues))
	item := queuedEvent{ev: ev, firstSeen: d.clock.Now()}
	select {
	case d.queues[idx] <- item:
		if d.metrics != nil {
			d.metrics.IncrementCounter("dispatcher_events_total", map[string]string{"kind": string(ev.Kind())})
			d.metrics.SetGauge("dispatcher_queue_depth", float64(len(d.queues[idx])), map[string]string{"queue": queueLabel(idx)})
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func queueIndex(callUUID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(callUUID))
	return int(h.Sum32()) % n
}

func queueLabel(idx int) string {
	return strconv.Itoa(idx)
}

func (d *Dispatcher) handleEvent(ctx context.Context, idx int, item queuedEvent) {
	if err := d.eventlog.Append(ctx, item.ev); err != nil {
		logger.WithContext(ctx).WithError(err).Warn("event log append failed, processing continues")
	}

	switch e := item.ev.(type) {
	case CreateEvent:
		d.onCreate(ctx, e)
	case AnswerEvent:
		if !d.onAnswer(ctx, e) {
			d.maybeRequeue(ctx, idx, item)
		}
	case HangupEvent:
		if !d.onHangup(ctx, e) {
			d.maybeRequeue(ctx, idx, item)
		}
	}
}

// maybeRequeue implements out-of-order tolerance: an
// ANSWER/HANGUP that races ahead of the CREATE that would have populated the
// active-call index is retried until OutOfOrderBufferSeconds elapses since
// it was first seen, then dropped.
func (d *Dispatcher) maybeRequeue(ctx context.Context, idx int, item queuedEvent) {
	deadline := item.firstSeen.Add(time.Duration(d.cfg.OutOfOrderBufferSeconds) * time.Second)
	if !d.clock.Now().Before(deadline) {
		if d.metrics != nil {
			d.metrics.IncrementCounter("dispatcher_events_dropped_total", map[string]string{"kind": string(item.ev.Kind())})
		}
		logger.WithContext(ctx).WithField("call_uuid", item.ev.UUID()).Warn("event dropped: out-of-order buffer expired")
		return
	}

	go func() {
		select {
		case <-d.clock.After(d.cfg.OutOfOrderRetryDelay):
		case <-d.stopCh:
			return
		}
		select {
		case d.queues[idx] <- item:
		default:
			logger.WithContext(ctx).WithField("call_uuid", item.ev.UUID()).Warn("event dropped: queue full on requeue")
		}
	}()
}

func (d *Dispatcher) onCreate(ctx context.Context, e CreateEvent) {
	log := logger.WithContext(ctx).WithField("call_uuid", e.CallUUID)

	call := &models.ActiveCall{
		CallUUID:  e.CallUUID,
		Caller:    e.Caller,
		Callee:    e.Callee,
		Direction: e.Direction,
		StartTime: e.StartTime,
		Status:    models.ActiveCallStatusDialing,
	}

	if call.Billable() {
		decision, err := d.authorizer.Authorize(ctx, authz.Request{
			CallUUID: e.CallUUID, Caller: e.Caller, Callee: e.Callee,
			Direction: e.Direction, StartTime: e.StartTime,
		})
		if err != nil {
			log.WithError(err).Error("authorization call failed")
			return
		}
		if d.metrics != nil {
			d.metrics.IncrementCounter("authz_decisions_total", map[string]string{"reason": string(decision.Reason)})
		}
		if !decision.Authorized {
			call.ForcedHangupPending = true
			call.HangupCauseHint = string(decision.Reason)
			if d.hangup != nil {
				if err := d.hangup.ForceHangup(ctx, e.CallUUID, string(decision.Reason)); err != nil {
					log.WithError(err).Warn("force-hangup of denied call failed")
				}
			}
			return
		}
		accountID := decision.AccountID
		reservationID := decision.ReservationID
		call.AccountID = &accountID
		call.ReservationID = &reservationID
		call.RatePerMinute = decision.RatePerMinute
		call.ConnectionFee = decision.ConnectionFee
		call.DestinationPrefix = decision.DestinationPrefix
		call.BillingIncrement = decision.BillingIncrement
	}

	d.mu.Lock()
	d.activeCalls[e.CallUUID] = call
	d.mu.Unlock()

	if err := d.store.InsertActiveCall(ctx, call); err != nil {
		log.WithError(err).Error("failed to persist active call")
	}
}

func (d *Dispatcher) onAnswer(ctx context.Context, e AnswerEvent) bool {
	d.mu.Lock()
	call, ok := d.activeCalls[e.CallUUID]
	if !ok {
		d.mu.Unlock()
		return false
	}
	at := e.AnswerTime
	call.AnswerTime = &at
	call.Status = models.ActiveCallStatusAnswered
	d.mu.Unlock()

	if call.Billable() && call.ReservationID != nil && d.biller != nil {
		d.biller.Watch(call)
	}
	return true
}

func (d *Dispatcher) onHangup(ctx context.Context, e HangupEvent) bool {
	d.mu.Lock()
	call, ok := d.activeCalls[e.CallUUID]
	if ok {
		delete(d.activeCalls, e.CallUUID)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	if d.biller != nil {
		d.biller.Forget(e.CallUUID)
	}
	if err := d.store.DeleteActiveCall(ctx, e.CallUUID); err != nil {
		logger.WithContext(ctx).WithField("call_uuid", e.CallUUID).WithError(err).Warn("failed to delete active call record")
	}

	if err := d.cdr.Finalize(ctx, call, e.EndTime, e.HangupCause); err != nil {
		logger.WithContext(ctx).WithField("call_uuid", e.CallUUID).WithError(err).Error("CDR finalization failed")
	}
	return true
}

// Snapshot returns a point-in-time copy of every in-flight call, a read-only
// seam for admin or monitoring callers.
func (d *Dispatcher) Snapshot() []*models.ActiveCall {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*models.ActiveCall, 0, len(d.activeCalls))
	for _, c := range d.activeCalls {
		cp := *c
		out = append(out, &cp)
	}
	return out
}
