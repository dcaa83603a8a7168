// Package realtimebiller implements the Realtime Biller: a single cooperative monitor that wakes on a tick,
// inspects every answered billable call, tops up its reservation before it
// runs dry, and force-disconnects calls that cannot be covered. It is new
// domain logic grounded on internal/router/loadbalancer.go's
// healthMonitor() ticker loop (time.NewTicker + for range ticker.C),
// generalized to use the injectable clock.Clock so ticks are deterministic
// in tests.
package realtimebiller

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hamzaKhattat/billcore/internal/clock"
	"github.com/hamzaKhattat/billcore/internal/models"
	"github.com/hamzaKhattat/billcore/pkg/errors"
	"github.com/hamzaKhattat/billcore/pkg/logger"
)

// Extender is the narrow Reservation Manager dependency used to top up a reservation.
type Extender interface {
	Extend(ctx context.Context, r *models.Reservation, additionalAmount decimal.Decimal, additionalMinutes int) (*models.Reservation, error)
}

// ReservationGetter fetches the current reservation state for a call; the
// biller never trusts a stale ActiveCall snapshot for reserved_amount.
type ReservationGetter interface {
	GetByCall(ctx context.Context, callUUID string) (*models.Reservation, error)
}

// HangupForcer is the narrow softswitch-adapter dependency.
type HangupForcer interface {
	ForceHangup(ctx context.Context, callUUID string, cause string) error
}

// MetricsRecorder mirrors the dispatcher's narrow metrics interface.
type MetricsRecorder interface {
	IncrementCounter(name string, labels map[string]string)
}

// Config carries realtime-billing options.
type Config struct {
	TickInterval            time.Duration
	ExtensionMinutes        int
	LowWaterSeconds         int
	HangupWaterSeconds      int
	ReservationSafetyFactor decimal.Decimal
	ForcedHangupCause       string
}

type watchedCall struct {
	call           *models.ActiveCall
	hangupRequested bool
}

// Biller implements Watch/Forget (the dispatcher.BillerNotifier contract)
// plus the ticking monitor loop.
type Biller struct {
	extender     Extender
	reservations ReservationGetter
	hangup       HangupForcer
	clk          clock.Clock
	metrics      MetricsRecorder
	cfg          Config

	mu      sync.Mutex
	watched map[string]*watchedCall

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewBiller(extender Extender, reservations ReservationGetter, hangup HangupForcer, clk clock.Clock, metrics MetricsRecorder, cfg Config) *Biller {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.ForcedHangupCause == "" {
		cfg.ForcedHangupCause = "NORMAL_CLEARING"
	}
	return &Biller{
		extender:     extender,
		reservations: reservations,
		hangup:       hangup,
		clk:          clk,
		metrics:      metrics,
		cfg:          cfg,
		watched:      make(map[string]*watchedCall),
		stopCh:       make(chan struct{}),
	}
}

// Watch starts monitoring an answered, billable call.
func (b *Biller) Watch(call *models.ActiveCall) {
	if !call.Billable() || call.ReservationID == nil {
		return
	}
	cp := *call
	b.mu.Lock()
	b.watched[call.CallUUID] = &watchedCall{call: &cp}
	b.mu.Unlock()
}

// Forget removes a call from the working set. Per // cancellation rule, the removal takes effect at the start of the next tick
// since the current tick already snapshotted its working set.
func (b *Biller) Forget(callUUID string) {
	b.mu.Lock()
	delete(b.watched, callUUID)
	b.mu.Unlock()
}

func (b *Biller) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

func (b *Biller) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

func (b *Biller) run(ctx context.Context) {
	defer b.wg.Done()
	ticker := b.clk.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			b.tick(ctx)
		case <-b.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick processes a stable snapshot of the working set. Because the ticker
// channel is single-buffered, a tick that runs long coalesces the next
// wake-up rather than queuing a backlog.
func (b *Biller) tick(ctx context.Context) {
	b.mu.Lock()
	snapshot := make([]*watchedCall, 0, len(b.watched))
	for _, wc := range b.watched {
		snapshot = append(snapshot, wc)
	}
	b.mu.Unlock()

	for _, wc := range snapshot {
		b.processCall(ctx, wc)
	}
}

func (b *Biller) processCall(ctx context.Context, wc *watchedCall) {
	call := wc.call
	if call.AnswerTime == nil || wc.hangupRequested {
		return
	}
	log := logger.WithContext(ctx).WithField("call_uuid", call.CallUUID)

	resv, err := b.reservations.GetByCall(ctx, call.CallUUID)
	if err != nil {
		log.WithError(err).Warn("realtime biller could not load reservation")
		return
	}
	if resv.Status.Terminal() {
		return
	}

	elapsed := b.clk.Now().Sub(*call.AnswerTime)
	if elapsed < 0 {
		elapsed = 0
	}
	elapsedSeconds := decimal.NewFromInt(int64(elapsed.Seconds()))

	ratePerMinute := resv.RatePerMinute
	ratePerSecond := ratePerMinute.Div(decimal.NewFromInt(60))

	costSoFar := resv.ConnectionFee.Add(elapsedSeconds.Mul(ratePerMinute).Div(decimal.NewFromInt(60)))
	remainingInReservation := resv.ReservedAmount.Sub(costSoFar)

	if ratePerSecond.IsZero() {
		return
	}
	headroomSeconds := remainingInReservation.Div(ratePerSecond)

	lowWater := decimal.NewFromInt(int64(b.cfg.LowWaterSeconds))
	if !headroomSeconds.LessThan(lowWater) {
		return
	}

	hangupWater := decimal.NewFromInt(int64(b.cfg.HangupWaterSeconds))
	additionalAmount := ratePerMinute.Mul(decimal.NewFromInt(int64(b.cfg.ExtensionMinutes))).Mul(b.cfg.ReservationSafetyFactor)

	_, err = b.extender.Extend(ctx, resv, additionalAmount, b.cfg.ExtensionMinutes)
	if err == nil {
		if b.metrics != nil {
			b.metrics.IncrementCounter("reservation_extensions_total", map[string]string{"outcome": "success"})
		}
		return
	}

	insufficientFunds := errors.Is(err, errors.ErrInsufficientBalance)
	if b.metrics != nil {
		b.metrics.IncrementCounter("reservation_extensions_total", map[string]string{"outcome": "failed"})
	}
	if !insufficientFunds {
		log.WithError(err).Warn("reservation extension failed for a reason other than insufficient balance")
		return
	}
	if headroomSeconds.GreaterThan(hangupWater) {
		// Not yet critical; try again next tick.
		return
	}

	wc.hangupRequested = true
	call.ForcedHangupPending = true
	if b.metrics != nil {
		b.metrics.IncrementCounter("forced_hangups_total", map[string]string{"reason": "out_of_credit"})
	}
	if b.hangup == nil {
		return
	}
	if err := b.hangup.ForceHangup(ctx, call.CallUUID, b.cfg.ForcedHangupCause); err != nil {
		log.WithError(err).Error("forced hangup request failed")
	}
}
