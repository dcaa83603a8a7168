package cdr

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/billcore/internal/clock"
	"github.com/hamzaKhattat/billcore/internal/models"
	"github.com/hamzaKhattat/billcore/internal/reservation"
	"github.com/hamzaKhattat/billcore/internal/store"
	"github.com/hamzaKhattat/billcore/internal/storetest"
	"github.com/hamzaKhattat/billcore/pkg/errors"
	"github.com/hamzaKhattat/billcore/pkg/logger"
)

func init() {
	_ = logger.Init(logger.Config{Level: "error", Format: "text"})
}

type flakyStore struct {
	*storetest.Fake
	failUntilAttempt int
	attempts         int
}

func (f *flakyStore) InsertCDR(ctx context.Context, cdr *models.CDR) error {
	f.attempts++
	if f.attempts <= f.failUntilAttempt {
		return errors.New(errors.ErrDatabase, "connection refused")
	}
	return f.Fake.InsertCDR(ctx, cdr)
}

func setup(fc *clock.Fake) (*storetest.Fake, *reservation.Manager, *Finalizer) {
	fake := storetest.New()
	mgr := reservation.NewManager(fake, fc)
	fin := NewFinalizer(fake, mgr, nil, Config{InsertRetryMax: 3, InsertRetryBackoff: time.Millisecond})
	fin.sleep = func(time.Duration) {}
	return fake, mgr, fin
}

func seedAndReserve(t *testing.T, fake *storetest.Fake, mgr *reservation.Manager, fc *clock.Fake, callUUID string, balance, reserved, ratePerMinute, connFee decimal.Decimal, increment int) (*models.Reservation, int64) {
	fake.PutAccount(&models.Account{ID: 1, AccountNumber: "100001", Balance: balance, Status: models.AccountStatusActive, MaxConcurrentCalls: 3})
	r, err := mgr.Create(context.Background(), reservation.CreateParams{
		AccountID: 1, CallUUID: callUUID, ReservedAmount: reserved, RatePerMinute: ratePerMinute,
		ConnectionFee: connFee, BillingIncrement: increment, ExpiresAt: fc.Now().Add(10 * time.Minute),
	})
	require.NoError(t, err)
	return r, r.AccountID
}

func TestFinalize_NeverAnswered_ZeroCostReleasesFull(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fake, _, fin := setup(fc)
	r, _ := seedAndReserve(t, fake, reservation.NewManager(fake, fc), fc, "call-1",
		decimal.RequireFromString("1.0000"), decimal.RequireFromString("0.1000"),
		decimal.RequireFromString("0.0150"), decimal.Zero, 6)

	call := &models.ActiveCall{
		CallUUID: "call-1", Direction: models.DirectionOutbound, StartTime: fc.Now(),
		AccountID: &r.AccountID, ReservationID: &r.ID, RatePerMinute: r.RatePerMinute, BillingIncrement: r.BillingIncrement,
	}

	err := fin.Finalize(context.Background(), call, fc.Now().Add(2*time.Second), "NO_ANSWER")
	require.NoError(t, err)

	cdrRec := fake.CDRs["call-1"]
	require.NotNil(t, cdrRec)
	assert.Equal(t, 0, cdrRec.Billsec)
	assert.True(t, cdrRec.Cost.IsZero())
	assert.Equal(t, models.ReservationStatusReleased, fake.Reservations[r.ID].Status)
	assert.True(t, fake.Accounts[1].Balance.Equal(decimal.RequireFromString("1.0000")))
}

func TestFinalize_AnsweredCall_ChargesToIncrementBoundaryAndReleasesRemainder(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fake, mgr, fin := setup(fc)
	r, _ := seedAndReserve(t, fake, mgr, fc, "call-2",
		decimal.RequireFromString("1.0000"), decimal.RequireFromString("0.1000"),
		decimal.RequireFromString("0.0150"), decimal.Zero, 6)

	answerTime := fc.Now()
	call := &models.ActiveCall{
		CallUUID: "call-2", Direction: models.DirectionOutbound, StartTime: fc.Now(), AnswerTime: &answerTime,
		AccountID: &r.AccountID, ReservationID: &r.ID, RatePerMinute: r.RatePerMinute,
		ConnectionFee: r.ConnectionFee, BillingIncrement: r.BillingIncrement,
	}

	// 61 seconds -> rounds up to 66s at a 6s increment.
	err := fin.Finalize(context.Background(), call, answerTime.Add(61*time.Second), "NORMAL_CLEARING")
	require.NoError(t, err)

	cdrRec := fake.CDRs["call-2"]
	require.NotNil(t, cdrRec)
	assert.Equal(t, 66, cdrRec.Billsec)
	expectedCost := decimal.NewFromInt(66).Mul(decimal.RequireFromString("0.0150")).Div(decimal.NewFromInt(60))
	assert.True(t, cdrRec.Cost.Equal(expectedCost.RoundBank(4)), "cost %s vs expected %s", cdrRec.Cost, expectedCost)

	assert.Equal(t, models.ReservationStatusReleased, fake.Reservations[r.ID].Status)
	remaining := fake.Reservations[r.ID].Remaining()
	assert.True(t, remaining.IsZero())
}

func TestFinalize_ExactIncrementBoundaryDoesNotOverRound(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fake, mgr, fin := setup(fc)
	r, _ := seedAndReserve(t, fake, mgr, fc, "call-3",
		decimal.RequireFromString("1.0000"), decimal.RequireFromString("0.1000"),
		decimal.RequireFromString("0.0150"), decimal.Zero, 6)

	answerTime := fc.Now()
	call := &models.ActiveCall{
		CallUUID: "call-3", Direction: models.DirectionOutbound, StartTime: fc.Now(), AnswerTime: &answerTime,
		AccountID: &r.AccountID, ReservationID: &r.ID, RatePerMinute: r.RatePerMinute, BillingIncrement: r.BillingIncrement,
	}

	err := fin.Finalize(context.Background(), call, answerTime.Add(60*time.Second), "NORMAL_CLEARING")
	require.NoError(t, err)
	assert.Equal(t, 60, fake.CDRs["call-3"].Billsec)
}

func TestFinalize_CostExceedsReservation_CapsConsumeAndReleasesZero(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fake, mgr, fin := setup(fc)
	// Tiny reservation that a long call will blow through (simulating a
	// failed extension followed by a brief overrun past hangup_water).
	r, _ := seedAndReserve(t, fake, mgr, fc, "call-4",
		decimal.RequireFromString("1.0000"), decimal.RequireFromString("0.0100"),
		decimal.RequireFromString("0.0150"), decimal.Zero, 6)

	answerTime := fc.Now()
	call := &models.ActiveCall{
		CallUUID: "call-4", Direction: models.DirectionOutbound, StartTime: fc.Now(), AnswerTime: &answerTime,
		AccountID: &r.AccountID, ReservationID: &r.ID, RatePerMinute: r.RatePerMinute, BillingIncrement: r.BillingIncrement,
	}

	err := fin.Finalize(context.Background(), call, answerTime.Add(120*time.Second), "NORMAL_CLEARING")
	require.NoError(t, err)

	assert.Equal(t, models.ReservationStatusFullyConsumed, fake.Reservations[r.ID].Status)
	assert.True(t, fake.Reservations[r.ID].ConsumedAmount.Equal(decimal.RequireFromString("0.0100")))
	assert.True(t, fake.Reservations[r.ID].Remaining().IsZero())
}

func TestFinalize_InboundNeverBilled(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fake, _, fin := setup(fc)

	answerTime := fc.Now()
	call := &models.ActiveCall{
		CallUUID: "call-5", Direction: models.DirectionInbound, StartTime: fc.Now(), AnswerTime: &answerTime,
		BillingIncrement: 6,
	}

	err := fin.Finalize(context.Background(), call, answerTime.Add(90*time.Second), "NORMAL_CLEARING")
	require.NoError(t, err)
	assert.True(t, fake.CDRs["call-5"].Cost.IsZero())
}

func TestFinalize_RetriesThenSucceeds(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	base := storetest.New()
	flaky := &flakyStore{Fake: base, failUntilAttempt: 2}
	mgr := reservation.NewManager(flaky, fc)
	fin := NewFinalizer(flaky, mgr, nil, Config{InsertRetryMax: 3, InsertRetryBackoff: time.Millisecond})
	fin.sleep = func(time.Duration) {}

	base.PutAccount(&models.Account{ID: 1, AccountNumber: "100001", Balance: decimal.RequireFromString("1.0000"), Status: models.AccountStatusActive, MaxConcurrentCalls: 3})
	r, err := mgr.Create(context.Background(), reservation.CreateParams{
		AccountID: 1, CallUUID: "call-6", ReservedAmount: decimal.RequireFromString("0.0500"),
		RatePerMinute: decimal.RequireFromString("0.0150"), BillingIncrement: 6, ExpiresAt: fc.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	call := &models.ActiveCall{CallUUID: "call-6", Direction: models.DirectionOutbound, StartTime: fc.Now(),
		AccountID: &r.AccountID, ReservationID: &r.ID, RatePerMinute: r.RatePerMinute, BillingIncrement: r.BillingIncrement}

	err = fin.Finalize(context.Background(), call, fc.Now(), "NO_ANSWER")
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.attempts)
	assert.NotNil(t, base.CDRs["call-6"])
}

func TestFinalize_RetriesExhaustedDeadLetters(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	base := storetest.New()
	flaky := &flakyStore{Fake: base, failUntilAttempt: 10}
	mgr := reservation.NewManager(flaky, fc)
	fin := NewFinalizer(flaky, mgr, nil, Config{InsertRetryMax: 2, InsertRetryBackoff: time.Millisecond})
	fin.sleep = func(time.Duration) {}

	base.PutAccount(&models.Account{ID: 1, AccountNumber: "100001", Balance: decimal.RequireFromString("1.0000"), Status: models.AccountStatusActive, MaxConcurrentCalls: 3})
	r, err := mgr.Create(context.Background(), reservation.CreateParams{
		AccountID: 1, CallUUID: "call-7", ReservedAmount: decimal.RequireFromString("0.0500"),
		RatePerMinute: decimal.RequireFromString("0.0150"), BillingIncrement: 6, ExpiresAt: fc.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	call := &models.ActiveCall{CallUUID: "call-7", Direction: models.DirectionOutbound, StartTime: fc.Now(),
		AccountID: &r.AccountID, ReservationID: &r.ID, RatePerMinute: r.RatePerMinute, BillingIncrement: r.BillingIncrement}

	err = fin.Finalize(context.Background(), call, fc.Now(), "NO_ANSWER")
	require.Error(t, err)
	assert.Len(t, base.DeadLetters, 1)
	assert.Equal(t, "call-7", base.DeadLetters[0].CallUUID)
	// Funds stay held until the expiry sweep releases them.
	assert.Equal(t, models.ReservationStatusActive, base.Reservations[r.ID].Status)
}

var _ store.Store = (*flakyStore)(nil)
