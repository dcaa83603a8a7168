package reservation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/billcore/internal/clock"
	"github.com/hamzaKhattat/billcore/internal/models"
	"github.com/hamzaKhattat/billcore/internal/storetest"
	"github.com/hamzaKhattat/billcore/pkg/errors"
	"github.com/hamzaKhattat/billcore/pkg/logger"
)

func init() {
	_ = logger.Init(logger.Config{Level: "error", Format: "text"})
}

func newManager(fake *storetest.Fake) (*Manager, *clock.Fake) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewManager(fake, fc), fc
}

func seedAccount(fake *storetest.Fake, balance decimal.Decimal) *models.Account {
	a := &models.Account{ID: 1, AccountNumber: "100001", Balance: balance, Status: models.AccountStatusActive, MaxConcurrentCalls: 3}
	fake.PutAccount(a)
	return a
}

func TestCreate_DebitsAccountAndInsertsLedger(t *testing.T) {
	fake := storetest.New()
	seedAccount(fake, decimal.RequireFromString("10.0000"))
	m, fc := newManager(fake)

	r, err := m.Create(context.Background(), CreateParams{
		AccountID: 1, CallUUID: "call-1", ReservedAmount: decimal.RequireFromString("0.0810"),
		RatePerMinute: decimal.RequireFromString("0.0150"), ReservedMinutes: 5,
		ExpiresAt: fc.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusActive, r.Status)
	assert.True(t, fake.Accounts[1].Balance.Equal(decimal.RequireFromString("9.9190")))
	require.Len(t, fake.Ledger, 1)
	assert.Equal(t, models.LedgerEntryReservationDebit, fake.Ledger[0].Kind)
}

func TestCreate_InsufficientBalanceAtCommit(t *testing.T) {
	fake := storetest.New()
	seedAccount(fake, decimal.RequireFromString("0.01"))
	m, fc := newManager(fake)

	_, err := m.Create(context.Background(), CreateParams{
		AccountID: 1, CallUUID: "call-2", ReservedAmount: decimal.RequireFromString("0.0810"),
		ExpiresAt: fc.Now().Add(time.Minute),
	})
	require.Error(t, err)
	appErr, ok := err.(*errors.AppError)
	require.True(t, ok)
	assert.Equal(t, errors.ErrInsufficientBalance, appErr.Code)
	assert.True(t, fake.Accounts[1].Balance.Equal(decimal.RequireFromString("0.01")))
}

func TestExtend_GrowsReservationAndDebitsAgain(t *testing.T) {
	fake := storetest.New()
	seedAccount(fake, decimal.RequireFromString("1.0000"))
	m, fc := newManager(fake)

	r, err := m.Create(context.Background(), CreateParams{
		AccountID: 1, CallUUID: "call-3", ReservedAmount: decimal.RequireFromString("0.1000"),
		ExpiresAt: fc.Now().Add(5 * time.Minute), ReservedMinutes: 5,
	})
	require.NoError(t, err)

	updated, err := m.Extend(context.Background(), r, decimal.RequireFromString("0.0200"), 1)
	require.NoError(t, err)
	assert.True(t, updated.ReservedAmount.Equal(decimal.RequireFromString("0.1200")))
	assert.EqualValues(t, 6, updated.ReservedMinutes)
	assert.True(t, fake.Accounts[1].Balance.Equal(decimal.RequireFromString("0.8800")))
	assert.Len(t, fake.Ledger, 2)
}

func TestExtend_RefusedOnSuspendedAccount(t *testing.T) {
	fake := storetest.New()
	seedAccount(fake, decimal.RequireFromString("1.0000"))
	m, fc := newManager(fake)

	r, err := m.Create(context.Background(), CreateParams{
		AccountID: 1, CallUUID: "call-4", ReservedAmount: decimal.RequireFromString("0.1000"),
		ExpiresAt: fc.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)

	fake.Accounts[1].Status = models.AccountStatusSuspended
	_, err = m.Extend(context.Background(), r, decimal.RequireFromString("0.01"), 1)
	require.Error(t, err)
	appErr, ok := err.(*errors.AppError)
	require.True(t, ok)
	assert.Equal(t, errors.ErrAccountSuspended, appErr.Code)
}

func TestExtend_RefusedOnTerminalReservation(t *testing.T) {
	fake := storetest.New()
	seedAccount(fake, decimal.RequireFromString("1.0000"))
	m, fc := newManager(fake)

	r, err := m.Create(context.Background(), CreateParams{
		AccountID: 1, CallUUID: "call-5", ReservedAmount: decimal.RequireFromString("0.1000"),
		ExpiresAt: fc.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)

	_, err = m.Release(context.Background(), r, r.Remaining())
	require.NoError(t, err)

	r.Status = models.ReservationStatusReleased
	_, err = m.Extend(context.Background(), r, decimal.RequireFromString("0.01"), 1)
	require.Error(t, err)
	appErr, ok := err.(*errors.AppError)
	require.True(t, ok)
	assert.Equal(t, errors.ErrReservationTerminal, appErr.Code)
}

func TestConsume_PartialThenFull(t *testing.T) {
	fake := storetest.New()
	seedAccount(fake, decimal.RequireFromString("1.0000"))
	m, fc := newManager(fake)

	r, err := m.Create(context.Background(), CreateParams{
		AccountID: 1, CallUUID: "call-6", ReservedAmount: decimal.RequireFromString("0.1000"),
		ExpiresAt: fc.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)

	r, err = m.Consume(context.Background(), r, decimal.RequireFromString("0.0400"))
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusPartiallyConsumed, r.Status)

	r, err = m.Consume(context.Background(), r, decimal.RequireFromString("0.0600"))
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusFullyConsumed, r.Status)
	// Consume never moves the balance; funds were already debited at create.
	assert.True(t, fake.Accounts[1].Balance.Equal(decimal.RequireFromString("0.9000")))
}

func TestConsume_RefusesOverConsume(t *testing.T) {
	fake := storetest.New()
	seedAccount(fake, decimal.RequireFromString("1.0000"))
	m, fc := newManager(fake)

	r, err := m.Create(context.Background(), CreateParams{
		AccountID: 1, CallUUID: "call-7", ReservedAmount: decimal.RequireFromString("0.1000"),
		ExpiresAt: fc.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)

	_, err = m.Consume(context.Background(), r, decimal.RequireFromString("0.2000"))
	require.Error(t, err)
	appErr, ok := err.(*errors.AppError)
	require.True(t, ok)
	assert.Equal(t, errors.ErrInvariantViolation, appErr.Code)
}

func TestRelease_RefundsRemainderAndTerminal(t *testing.T) {
	fake := storetest.New()
	seedAccount(fake, decimal.RequireFromString("1.0000"))
	m, fc := newManager(fake)

	r, err := m.Create(context.Background(), CreateParams{
		AccountID: 1, CallUUID: "call-8", ReservedAmount: decimal.RequireFromString("0.1000"),
		ExpiresAt: fc.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)

	r, err = m.Consume(context.Background(), r, decimal.RequireFromString("0.0300"))
	require.NoError(t, err)

	r, err = m.Release(context.Background(), r, r.Remaining())
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusReleased, r.Status)
	assert.True(t, fake.Accounts[1].Balance.Equal(decimal.RequireFromString("0.9700")))
}

func TestRelease_RefusesWrongAmount(t *testing.T) {
	fake := storetest.New()
	seedAccount(fake, decimal.RequireFromString("1.0000"))
	m, fc := newManager(fake)

	r, err := m.Create(context.Background(), CreateParams{
		AccountID: 1, CallUUID: "call-9", ReservedAmount: decimal.RequireFromString("0.1000"),
		ExpiresAt: fc.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)

	_, err = m.Release(context.Background(), r, decimal.RequireFromString("0.05"))
	require.Error(t, err)
	appErr, ok := err.(*errors.AppError)
	require.True(t, ok)
	assert.Equal(t, errors.ErrInvariantViolation, appErr.Code)
}

func TestExpire_RefundsFullRemainderWhenNeverConsumed(t *testing.T) {
	fake := storetest.New()
	seedAccount(fake, decimal.RequireFromString("1.0000"))
	m, fc := newManager(fake)

	r, err := m.Create(context.Background(), CreateParams{
		AccountID: 1, CallUUID: "call-10", ReservedAmount: decimal.RequireFromString("0.1000"),
		ExpiresAt: fc.Now().Add(5 * time.Minute),
	})
	require.NoError(t, err)

	r, err = m.Expire(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationStatusExpired, r.Status)
	assert.True(t, fake.Accounts[1].Balance.Equal(decimal.RequireFromString("1.0000")))
}

func TestRunExpirySweep_ExpiresPastDeadlineOnly(t *testing.T) {
	fake := storetest.New()
	seedAccount(fake, decimal.RequireFromString("5.0000"))
	m, fc := newManager(fake)

	expired, err := m.Create(context.Background(), CreateParams{
		AccountID: 1, CallUUID: "call-11", ReservedAmount: decimal.RequireFromString("0.1000"),
		ExpiresAt: fc.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	stillGood, err := m.Create(context.Background(), CreateParams{
		AccountID: 1, CallUUID: "call-12", ReservedAmount: decimal.RequireFromString("0.1000"),
		ExpiresAt: fc.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	n, err := m.RunExpirySweep(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.ReservationStatusExpired, fake.Reservations[expired.ID].Status)
	assert.Equal(t, models.ReservationStatusActive, fake.Reservations[stillGood.ID].Status)
}

func TestGetByCall_DelegatesToStore(t *testing.T) {
	fake := storetest.New()
	seedAccount(fake, decimal.RequireFromString("1.0000"))
	m, fc := newManager(fake)

	created, err := m.Create(context.Background(), CreateParams{
		AccountID: 1, CallUUID: "call-13", ReservedAmount: decimal.RequireFromString("0.1000"),
		ExpiresAt: fc.Now().Add(time.Minute),
	})
	require.NoError(t, err)

	got, err := m.GetByCall(context.Background(), "call-13")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
}
