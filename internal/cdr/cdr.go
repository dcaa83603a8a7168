// Package cdr implements the CDR Finalizer: on
// HANGUP it computes billsec/cost, writes the immutable CDR row, and
// reconciles the reservation through the Reservation Manager. It is new
// domain logic grounded on internal/router/router.go's
// retry-with-backoff-then-dead-letter discipline, generalized from "drop
// stale routing state" to "never lose a billing record".
package cdr

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hamzaKhattat/billcore/internal/models"
	"github.com/hamzaKhattat/billcore/internal/money"
	"github.com/hamzaKhattat/billcore/internal/store"
	"github.com/hamzaKhattat/billcore/pkg/errors"
	"github.com/hamzaKhattat/billcore/pkg/logger"
)

// ReservationReconciler is the narrow Reservation Manager dependency used to settle the
// reservation after the CDR is durably inserted.
type ReservationReconciler interface {
	GetByCall(ctx context.Context, callUUID string) (*models.Reservation, error)
	Consume(ctx context.Context, r *models.Reservation, amount decimal.Decimal) (*models.Reservation, error)
	Release(ctx context.Context, r *models.Reservation, amount decimal.Decimal) (*models.Reservation, error)
	RecordShortfall(ctx context.Context, r *models.Reservation, amount decimal.Decimal) error
}

// MetricsRecorder mirrors the narrow metrics interface used elsewhere.
type MetricsRecorder interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

// Config carries the CDR insert retry policy.
type Config struct {
	InsertRetryMax     int
	InsertRetryBackoff time.Duration
}

// Finalizer implements the dispatcher.CDRFinalizer contract.
type Finalizer struct {
	store        store.Store
	reservations ReservationReconciler
	sleep        func(time.Duration)
	metrics      MetricsRecorder
	cfg          Config
}

func NewFinalizer(st store.Store, reservations ReservationReconciler, metrics MetricsRecorder, cfg Config) *Finalizer {
	if cfg.InsertRetryMax <= 0 {
		cfg.InsertRetryMax = 3
	}
	if cfg.InsertRetryBackoff <= 0 {
		cfg.InsertRetryBackoff = 200 * time.Millisecond
	}
	return &Finalizer{store: st, reservations: reservations, sleep: time.Sleep, metrics: metrics, cfg: cfg}
}

// Finalize implements algorithm end to end.
func (f *Finalizer) Finalize(ctx context.Context, call *models.ActiveCall, endTime time.Time, hangupCause string) error {
	log := logger.WithContext(ctx).WithField("call_uuid", call.CallUUID)

	duration := 0
	if call.AnswerTime != nil {
		duration = int(endTime.Sub(*call.AnswerTime).Seconds())
		if duration < 0 {
			duration = 0
		}
	}

	billsec := 0
	if duration > 0 {
		inc := call.BillingIncrement
		if inc <= 0 {
			inc = 1
		}
		billsec = int(math.Ceil(float64(duration)/float64(inc))) * inc
	}

	cost := money.Zero()
	if call.Billable() && billsec > 0 {
		cost = money.RoundMoney(call.ConnectionFee.Add(
			decimal.NewFromInt(int64(billsec)).Mul(call.RatePerMinute).Div(decimal.NewFromInt(60)),
		))
	}

	shortfall := money.Zero()
	if call.ReservationID != nil {
		if resv, err := f.reservations.GetByCall(ctx, call.CallUUID); err != nil {
			log.WithError(err).Warn("reservation lookup failed while sizing shortfall; CDR will record zero shortfall")
		} else if !resv.Status.Terminal() && cost.GreaterThan(resv.Remaining()) {
			shortfall = money.RoundMoney(cost.Sub(resv.Remaining()))
		}
	}

	record := &models.CDR{
		CallUUID: call.CallUUID, AccountID: call.AccountID, Caller: call.Caller, Callee: call.Callee,
		Direction: call.Direction, StartTime: call.StartTime, AnswerTime: call.AnswerTime, EndTime: endTime,
		Duration: duration, Billsec: billsec, Cost: cost, HangupCause: hangupCause,
		HangupCauseHint: call.HangupCauseHint, DestinationPrefix: call.DestinationPrefix,
		ReservationID: call.ReservationID, ShortfallAmount: shortfall,
	}

	if err := f.insertWithRetry(ctx, record); err != nil {
		log.WithError(err).Error("CDR insert failed after retries, dead-lettering")
		f.deadLetter(ctx, record, err)
		if f.metrics != nil {
			f.metrics.IncrementCounter("cdr_dead_letters_total", nil)
		}
		// The reservation keeps its funds locked; the expiry sweep will
		// eventually release them so the account is not billed twice and
		// funds are not permanently stranded.
		return err
	}

	if f.metrics != nil {
		f.metrics.ObserveHistogram("cdr_cost", toFloat(cost), map[string]string{"direction": string(call.Direction)})
		f.metrics.ObserveHistogram("cdr_billsec", float64(billsec), map[string]string{"direction": string(call.Direction)})
	}

	if call.ReservationID == nil {
		return nil
	}

	return f.reconcile(ctx, call, cost)
}

func (f *Finalizer) insertWithRetry(ctx context.Context, cdr *models.CDR) error {
	var lastErr error
	backoff := f.cfg.InsertRetryBackoff
	for attempt := 0; attempt < f.cfg.InsertRetryMax; attempt++ {
		if attempt > 0 {
			f.sleep(backoff)
			backoff *= 2
		}
		lastErr = f.store.InsertCDR(ctx, cdr)
		if lastErr == nil {
			return nil
		}
	}
	return errors.Wrap(lastErr, errors.ErrCDRInsertFailed, "CDR insert exhausted retries")
}

func (f *Finalizer) deadLetter(ctx context.Context, cdr *models.CDR, cause error) {
	payload := models.JSON{
		"call_uuid": cdr.CallUUID, "caller": cdr.Caller, "callee": cdr.Callee,
		"duration": cdr.Duration, "billsec": cdr.Billsec, "cost": cdr.Cost.String(),
		"hangup_cause": cdr.HangupCause,
	}
	dl := &models.CDRDeadLetter{CallUUID: cdr.CallUUID, Payload: payload, LastError: cause.Error()}
	if err := f.store.InsertCDRDeadLetter(ctx, dl); err != nil {
		logger.WithContext(ctx).WithField("call_uuid", cdr.CallUUID).WithError(err).Error("failed to persist CDR dead letter")
	}
}

// reconcile implements step 6: consume capped at the
// reservation's remainder, a shortfall note on overrun, then release
// whatever is left.
func (f *Finalizer) reconcile(ctx context.Context, call *models.ActiveCall, cost decimal.Decimal) error {
	log := logger.WithContext(ctx).WithField("call_uuid", call.CallUUID)

	resv, err := f.reservations.GetByCall(ctx, call.CallUUID)
	if err != nil {
		log.WithError(err).Error("reservation lookup failed during reconciliation")
		return err
	}
	if resv.Status.Terminal() {
		// Already expired/released by the sweep; nothing left to reconcile.
		return nil
	}

	remaining := resv.Remaining()
	consumeAmount := cost
	shortfall := decimal.Zero
	if consumeAmount.GreaterThan(remaining) {
		shortfall = consumeAmount.Sub(remaining)
		consumeAmount = remaining
	}

	resv, err = f.reservations.Consume(ctx, resv, consumeAmount)
	if err != nil {
		log.WithError(err).Error("reservation consume failed during reconciliation")
		return err
	}

	if shortfall.GreaterThan(decimal.Zero) {
		log.WithField("shortfall", shortfall.String()).Warn("call cost exceeded reserved amount; billing_shortfall recorded")
		if err := f.reservations.RecordShortfall(ctx, resv, shortfall); err != nil {
			log.WithError(err).Error("failed to persist billing shortfall ledger note")
		}
		if f.metrics != nil {
			f.metrics.IncrementCounter("billing_shortfalls_total", nil)
		}
	}

	leftover := resv.Remaining()
	if leftover.GreaterThan(decimal.Zero) {
		if _, err := f.reservations.Release(ctx, resv, leftover); err != nil {
			log.WithError(err).Error("reservation release failed during reconciliation")
			return err
		}
	}
	return nil
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
