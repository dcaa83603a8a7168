// Package store defines the persistent-store interface the billing core
// consumes, and a MySQL-backed implementation grounded on the
// connection/transaction idioms of the router-era internal/db package.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hamzaKhattat/billcore/internal/models"
)

// Store is the transactional persistent store consumed by every billing component. All
// mutations participate in transactions initiated by the core, never by
// the store itself.
type Store interface {
	GetAccountByNumber(ctx context.Context, accountNumber string) (*models.Account, error)
	CountActiveReservationsByAccount(ctx context.Context, accountID int64) (int, error)
	GetCurrentRateCardsByPrefixSet(ctx context.Context, prefixes []string, at time.Time) ([]*models.RateCard, error)

	GetReservationByCall(ctx context.Context, callUUID string) (*models.Reservation, error)
	ListActiveByAccount(ctx context.Context, accountID int64) ([]*models.Reservation, error)
	ListExpiredReservations(ctx context.Context, at time.Time, limit int) ([]*models.Reservation, error)

	InsertActiveCall(ctx context.Context, call *models.ActiveCall) error
	DeleteActiveCall(ctx context.Context, callUUID string) error

	InsertCDR(ctx context.Context, cdr *models.CDR) error
	GetCDRByCall(ctx context.Context, callUUID string) (*models.CDR, error)
	InsertCDRDeadLetter(ctx context.Context, dl *models.CDRDeadLetter) error

	// WithAccountLock opens one serializable transaction, locks the account
	// row (and the reservation row, if reservationID is nonzero, acquired
	// after the account row to keep lock ordering consistent), then runs fn.
	// The transaction commits if fn returns nil, rolls back otherwise.
	// Transient errors (timeout, serialization conflict, connection loss)
	// are retried up to the store Config's RetryAttempts before
	// WithAccountLock gives up; billing.optimistic_retry_max is not read.
	WithAccountLock(ctx context.Context, accountID int64, reservationID int64, fn func(TxOps) error) error
}

// TxOps is the set of operations available to a callback running inside a
// WithAccountLock transaction.
type TxOps interface {
	GetAccountForUpdate(ctx context.Context, accountID int64) (*models.Account, error)
	UpdateAccountBalance(ctx context.Context, accountID int64, newBalance decimal.Decimal) error

	GetReservationForUpdate(ctx context.Context, reservationID int64) (*models.Reservation, error)
	InsertReservation(ctx context.Context, r *models.Reservation) (int64, error)
	UpdateReservation(ctx context.Context, r *models.Reservation) error

	InsertLedgerTransaction(ctx context.Context, lt *models.LedgerTransaction) error
}

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }
