// Package reservation implements the Reservation Manager: the balance-reservation state machine (create, extend,
// consume, release, expire), plus the periodic expiry sweep. It is new
// domain logic grounded on internal/router/did_manager.go's
// lock-then-query-then-mutate discipline, reusing internal/store.Store's
// account-before-reservation lock ordering for every
// transition.
package reservation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hamzaKhattat/billcore/internal/clock"
	"github.com/hamzaKhattat/billcore/internal/models"
	"github.com/hamzaKhattat/billcore/internal/money"
	"github.com/hamzaKhattat/billcore/internal/store"
	"github.com/hamzaKhattat/billcore/pkg/errors"
	"github.com/hamzaKhattat/billcore/pkg/logger"
)

// Manager owns every mutation of models.Reservation.
type Manager struct {
	store store.Store
	clock clock.Clock
}

func NewManager(st store.Store, clk clock.Clock) *Manager {
	return &Manager{store: st, clock: clk}
}

// CreateParams is the amount/window already sized by the Authorization
// Service; Create performs the locked debit-and-insert
// transaction.
type CreateParams struct {
	AccountID         int64
	CallUUID          string
	ReservedAmount    decimal.Decimal
	RatePerMinute     decimal.Decimal
	ConnectionFee     decimal.Decimal
	DestinationPrefix string
	BillingIncrement  int
	ReservedMinutes   int
	ExpiresAt         time.Time
}

func (m *Manager) Create(ctx context.Context, p CreateParams) (*models.Reservation, error) {
	var created *models.Reservation

	err := m.store.WithAccountLock(ctx, p.AccountID, 0, func(tx store.TxOps) error {
		acct, err := tx.GetAccountForUpdate(ctx, p.AccountID)
		if err != nil {
			return err
		}
		if p.ReservedAmount.GreaterThan(acct.AvailableFunds()) {
			return errors.New(errors.ErrInsufficientBalance, "available funds changed before commit")
		}

		newBalance := money.RoundMoney(acct.Balance.Sub(p.ReservedAmount))
		if err := tx.UpdateAccountBalance(ctx, p.AccountID, newBalance); err != nil {
			return err
		}

		r := &models.Reservation{
			AccountID:         p.AccountID,
			CallUUID:          p.CallUUID,
			ReservedAmount:    money.RoundMoney(p.ReservedAmount),
			ConsumedAmount:    money.Zero(),
			ReleasedAmount:    money.Zero(),
			RatePerMinute:     p.RatePerMinute,
			ConnectionFee:     p.ConnectionFee,
			DestinationPrefix: p.DestinationPrefix,
			BillingIncrement:  p.BillingIncrement,
			ReservedMinutes:   p.ReservedMinutes,
			ExpiresAt:         p.ExpiresAt,
			Status:            models.ReservationStatusActive,
		}

		id, err := tx.InsertReservation(ctx, r)
		if err != nil {
			return err
		}
		r.ID = id

		if err := tx.InsertLedgerTransaction(ctx, &models.LedgerTransaction{
			AccountID:     p.AccountID,
			ReservationID: &id,
			CallUUID:      &p.CallUUID,
			Kind:          models.LedgerEntryReservationDebit,
			Amount:        r.ReservedAmount,
			BalanceAfter:  newBalance,
		}); err != nil {
			return err
		}

		created = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Extend implements the extend transition: reserved_amount and
// reserved_minutes grow, expires_at moves out, a new debit is recorded.
// Precondition: status in {active, partially_consumed}; available funds
// cover additionalAmount; the account is active (open question #3: a
// suspended account's in-flight calls are not disconnected, but further
// extension is refused).
func (m *Manager) Extend(ctx context.Context, r *models.Reservation, additionalAmount decimal.Decimal, additionalMinutes int) (*models.Reservation, error) {
	var updated *models.Reservation

	err := m.store.WithAccountLock(ctx, r.AccountID, r.ID, func(tx store.TxOps) error {
		acct, err := tx.GetAccountForUpdate(ctx, r.AccountID)
		if err != nil {
			return err
		}
		resv, err := tx.GetReservationForUpdate(ctx, r.ID)
		if err != nil {
			return err
		}
		if resv.Status.Terminal() {
			return errors.New(errors.ErrReservationTerminal, "cannot extend a terminal reservation")
		}
		if acct.Status != models.AccountStatusActive {
			return errors.New(errors.ErrAccountSuspended, "account is not active; extension refused")
		}
		if additionalAmount.GreaterThan(acct.AvailableFunds()) {
			return errors.New(errors.ErrInsufficientBalance, "insufficient funds to extend reservation")
		}

		newBalance := money.RoundMoney(acct.Balance.Sub(additionalAmount))
		if err := tx.UpdateAccountBalance(ctx, r.AccountID, newBalance); err != nil {
			return err
		}

		resv.ReservedAmount = money.RoundMoney(resv.ReservedAmount.Add(additionalAmount))
		resv.ReservedMinutes += additionalMinutes
		resv.ExpiresAt = resv.ExpiresAt.Add(time.Duration(additionalMinutes) * time.Minute)

		if err := tx.UpdateReservation(ctx, resv); err != nil {
			return err
		}

		if err := tx.InsertLedgerTransaction(ctx, &models.LedgerTransaction{
			AccountID:     r.AccountID,
			ReservationID: &r.ID,
			CallUUID:      &r.CallUUID,
			Kind:          models.LedgerEntryReservationDebit,
			Amount:        additionalAmount,
			BalanceAfter:  newBalance,
			Note:          "extension",
		}); err != nil {
			return err
		}

		updated = resv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Consume implements the consume transition. It does not move
// money: funds were already debited at create/extend time. The caller (the CDR Finalizer)
// is responsible for capping amount at the reservation's remaining balance
// before calling Consume; Consume itself enforces the precondition as a
// hard invariant and refuses an over-consume.
func (m *Manager) Consume(ctx context.Context, r *models.Reservation, amount decimal.Decimal) (*models.Reservation, error) {
	var updated *models.Reservation

	err := m.store.WithAccountLock(ctx, r.AccountID, r.ID, func(tx store.TxOps) error {
		acct, err := tx.GetAccountForUpdate(ctx, r.AccountID)
		if err != nil {
			return err
		}
		_ = acct // lock ordering only; consume does not touch balance

		resv, err := tx.GetReservationForUpdate(ctx, r.ID)
		if err != nil {
			return err
		}
		if resv.Status.Terminal() {
			return errors.New(errors.ErrReservationTerminal, "cannot consume a terminal reservation")
		}

		remaining := resv.Remaining()
		if amount.GreaterThan(remaining) {
			return errors.New(errors.ErrInvariantViolation, "consume amount exceeds reservation remainder")
		}

		resv.ConsumedAmount = money.RoundMoney(resv.ConsumedAmount.Add(amount))

		if resv.ConsumedAmount.Add(resv.ReleasedAmount).Equal(resv.ReservedAmount) {
			resv.Status = models.ReservationStatusFullyConsumed
		} else if resv.ConsumedAmount.GreaterThan(decimal.Zero) {
			resv.Status = models.ReservationStatusPartiallyConsumed
		}

		if err := tx.UpdateReservation(ctx, resv); err != nil {
			return err
		}
		updated = resv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Release implements the release transition: the unconsumed
// remainder is refunded to the account and the reservation becomes
// terminal. Precondition: amount equals the unconsumed remainder exactly.
func (m *Manager) Release(ctx context.Context, r *models.Reservation, amount decimal.Decimal) (*models.Reservation, error) {
	return m.releaseAs(ctx, r, amount, models.ReservationStatusReleased, "")
}

// Expire implements the expire transition, driven by the sweep:
// the entire unconsumed remainder is treated as released.
func (m *Manager) Expire(ctx context.Context, r *models.Reservation) (*models.Reservation, error) {
	return m.releaseAs(ctx, r, r.Remaining(), models.ReservationStatusExpired, "expiry sweep")
}

func (m *Manager) releaseAs(ctx context.Context, r *models.Reservation, amount decimal.Decimal, terminal models.ReservationStatus, note string) (*models.Reservation, error) {
	var updated *models.Reservation

	err := m.store.WithAccountLock(ctx, r.AccountID, r.ID, func(tx store.TxOps) error {
		acct, err := tx.GetAccountForUpdate(ctx, r.AccountID)
		if err != nil {
			return err
		}
		resv, err := tx.GetReservationForUpdate(ctx, r.ID)
		if err != nil {
			return err
		}
		if resv.Status.Terminal() {
			return errors.New(errors.ErrReservationTerminal, "cannot release/expire a terminal reservation")
		}

		remaining := resv.Remaining()
		if !amount.Equal(remaining) {
			return errors.New(errors.ErrInvariantViolation, "release amount must equal the unconsumed remainder")
		}

		resv.ReleasedAmount = amount
		resv.Status = terminal

		if err := tx.UpdateReservation(ctx, resv); err != nil {
			return err
		}

		newBalance := money.RoundMoney(acct.Balance.Add(amount))
		if err := tx.UpdateAccountBalance(ctx, r.AccountID, newBalance); err != nil {
			return err
		}

		if err := tx.InsertLedgerTransaction(ctx, &models.LedgerTransaction{
			AccountID:     r.AccountID,
			ReservationID: &r.ID,
			CallUUID:      &r.CallUUID,
			Kind:          models.LedgerEntryReservationRefund,
			Amount:        amount,
			BalanceAfter:  newBalance,
			Note:          note,
		}); err != nil {
			return err
		}

		updated = resv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RecordShortfall persists a durable note that a call's actual cost ran
// past its reservation. It moves no money — Consume already capped the
// consumed amount at the reservation's remainder — it just leaves an
// auditable ledger trace of the overrun.
func (m *Manager) RecordShortfall(ctx context.Context, r *models.Reservation, amount decimal.Decimal) error {
	return m.store.WithAccountLock(ctx, r.AccountID, r.ID, func(tx store.TxOps) error {
		acct, err := tx.GetAccountForUpdate(ctx, r.AccountID)
		if err != nil {
			return err
		}
		return tx.InsertLedgerTransaction(ctx, &models.LedgerTransaction{
			AccountID:     r.AccountID,
			ReservationID: &r.ID,
			CallUUID:      &r.CallUUID,
			Kind:          models.LedgerEntryShortfallNote,
			Amount:        amount,
			BalanceAfter:  acct.Balance,
			Note:          "billing_shortfall",
		})
	})
}

func (m *Manager) GetByCall(ctx context.Context, callUUID string) (*models.Reservation, error) {
	return m.store.GetReservationByCall(ctx, callUUID)
}

func (m *Manager) ListActiveByAccount(ctx context.Context, accountID int64) ([]*models.Reservation, error) {
	return m.store.ListActiveByAccount(ctx, accountID)
}

// RunExpirySweep implements the periodic expiry sweep: it scans at
// most batchSize non-terminal reservations whose expires_at has passed and
// expires each one. A per-reservation failure is logged and skipped rather
// than aborting the whole sweep.
func (m *Manager) RunExpirySweep(ctx context.Context, batchSize int) (int, error) {
	expired, err := m.store.ListExpiredReservations(ctx, m.clock.Now(), batchSize)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrDatabase, "expiry sweep query failed")
	}

	count := 0
	for _, r := range expired {
		if _, err := m.Expire(ctx, r); err != nil {
			logger.WithContext(ctx).WithField("reservation_id", r.ID).WithError(err).Warn("expiry sweep failed to expire reservation")
			continue
		}
		count++
	}
	return count, nil
}
