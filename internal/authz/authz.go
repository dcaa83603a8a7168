// Package authz implements the Authorization Service: on CREATE, it identifies the account, checks status and
// concurrency, resolves the rate, sizes and creates the initial
// reservation, all within one transaction on the account row. It is new
// domain logic grounded on internal/db/connection.go's retrying-transaction
// helper (reused, as internal/store.Store.WithAccountLock, for the
// optimistic-retry discipline of step 7) and on
// internal/router/did_manager.go's SELECT...FOR UPDATE + lock-then-mutate
// pattern for the account-row lock.
package authz

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/hamzaKhattat/billcore/internal/clock"
	"github.com/hamzaKhattat/billcore/internal/models"
	"github.com/hamzaKhattat/billcore/internal/money"
	"github.com/hamzaKhattat/billcore/internal/ratecache"
	"github.com/hamzaKhattat/billcore/internal/store"
	"github.com/hamzaKhattat/billcore/pkg/errors"
	"github.com/hamzaKhattat/billcore/pkg/logger"
)

// ReasonCode is the exhaustive, closed enumeration of authorization reason codes.
type ReasonCode string

const (
	ReasonAuthorized         ReasonCode = "authorized"
	ReasonNotBillable        ReasonCode = "not_billable"
	ReasonAccountNotFound    ReasonCode = "account_not_found"
	ReasonAccountSuspended   ReasonCode = "account_suspended"
	ReasonAccountClosed      ReasonCode = "account_closed"
	ReasonConcurrencyLimit   ReasonCode = "concurrency_limit_reached"
	ReasonNoRateFound        ReasonCode = "no_rate_found"
	ReasonInsufficientBalance ReasonCode = "insufficient_balance"
	ReasonInternalError      ReasonCode = "internal_error"
)

// Request is the tagged CREATE payload the dispatcher hands to Authorize.
type Request struct {
	CallUUID  string
	Caller    string
	Callee    string
	Direction models.Direction
	StartTime time.Time
}

// Decision is the tagged outcome of Authorize, never a free-form bag.
type Decision struct {
	Authorized         bool
	Reason             ReasonCode
	AccountID          int64
	ReservationID      int64
	ReservedAmount     decimal.Decimal
	MaxDurationSeconds int
	RatePerMinute      decimal.Decimal
	ConnectionFee      decimal.Decimal
	DestinationPrefix  string
	BillingIncrement   int
}

// RateResolver is the narrow Rate Resolver dependency Authorize needs.
type RateResolver interface {
	Resolve(ctx context.Context, dialed string, at time.Time) (*models.RateCard, error)
}

// Config is the subset of options that size the initial
// reservation.
type Config struct {
	InitialReservationMinutes int
	MinimumReservationMinutes int
	ReservationSafetyFactor   decimal.Decimal
	ReservationGraceSeconds   int
}

// Service implements Authorize.
type Service struct {
	store    store.Store
	resolver RateResolver
	clock    clock.Clock
	cfg      Config
}

func NewService(st store.Store, resolver RateResolver, clk clock.Clock, cfg Config) *Service {
	return &Service{store: st, resolver: resolver, clock: clk, cfg: cfg}
}

// Authorize runs decision algorithm.
func (s *Service) Authorize(ctx context.Context, req Request) (*Decision, error) {
	log := logger.WithContext(ctx).WithField("call_uuid", req.CallUUID)

	// Step 1: direction gate.
	if req.Direction == models.DirectionInbound || req.Direction == models.DirectionInternal {
		return &Decision{Authorized: true, Reason: ReasonNotBillable}, nil
	}

	// Step 2: account lookup.
	caller := ratecache.Normalize(req.Caller)
	account, err := s.store.GetAccountByNumber(ctx, caller)
	if err == store.ErrNotFound {
		log.WithField("reason", ReasonAccountNotFound).Info("authorization denied")
		return &Decision{Authorized: false, Reason: ReasonAccountNotFound}, nil
	}
	if err != nil {
		return s.internalError(log, err)
	}

	// Step 3: status check.
	switch account.Status {
	case models.AccountStatusSuspended:
		log.WithField("reason", ReasonAccountSuspended).Info("authorization denied")
		return &Decision{Authorized: false, Reason: ReasonAccountSuspended}, nil
	case models.AccountStatusClosed:
		log.WithField("reason", ReasonAccountClosed).Info("authorization denied")
		return &Decision{Authorized: false, Reason: ReasonAccountClosed}, nil
	}

	// Step 4: concurrency check.
	active, err := s.store.CountActiveReservationsByAccount(ctx, account.ID)
	if err != nil {
		return s.internalError(log, err)
	}
	if active >= account.MaxConcurrentCalls {
		log.WithField("reason", ReasonConcurrencyLimit).Info("authorization denied")
		return &Decision{Authorized: false, Reason: ReasonConcurrencyLimit}, nil
	}

	// Step 5: rate resolution.
	rateCard, err := s.resolver.Resolve(ctx, req.Callee, req.StartTime)
	if err != nil {
		if errors.Is(err, errors.ErrNoRateFound) {
			log.WithField("reason", ReasonNoRateFound).Info("authorization denied")
			return &Decision{Authorized: false, Reason: ReasonNoRateFound}, nil
		}
		return s.internalError(log, err)
	}

	// Step 6: funds check and initial reservation sizing.
	minutes, required, fits := s.sizeReservation(account, rateCard)
	if !fits {
		log.WithField("reason", ReasonInsufficientBalance).Info("authorization denied")
		return &Decision{Authorized: false, Reason: ReasonInsufficientBalance}, nil
	}

	// Step 7: reservation creation, within one transaction on the account row.
	decision, err := s.createReservation(ctx, account, rateCard, req, minutes, required)
	if err != nil {
		if appErr, ok := err.(*errors.AppError); ok && appErr.Code == errors.ErrInsufficientBalance {
			log.WithField("reason", ReasonInsufficientBalance).Info("authorization denied (lost race on funds)")
			return &Decision{Authorized: false, Reason: ReasonInsufficientBalance}, nil
		}
		return s.internalError(log, err)
	}

	log.WithField("reason", ReasonAuthorized).WithField("reserved_amount", decision.ReservedAmount.String()).Info("authorization granted")
	return decision, nil
}

// sizeReservation implements step 6: shrink the window from the configured
// initial minutes down to the configured minimum until funds fit.
func (s *Service) sizeReservation(account *models.Account, rateCard *models.RateCard) (minutes int, required decimal.Decimal, fits bool) {
	available := account.AvailableFunds()
	for m := s.cfg.InitialReservationMinutes; m >= s.cfg.MinimumReservationMinutes; m-- {
		req := rateCard.RatePerMinute.Mul(decimal.NewFromInt(int64(m))).Mul(s.cfg.ReservationSafetyFactor).Add(rateCard.ConnectionFee)
		if req.LessThanOrEqual(available) {
			return m, req, true
		}
	}
	return 0, decimal.Zero, false
}

func (s *Service) createReservation(ctx context.Context, account *models.Account, rateCard *models.RateCard, req Request, minutes int, required decimal.Decimal) (*Decision, error) {
	var decision *Decision

	err := s.store.WithAccountLock(ctx, account.ID, 0, func(tx store.TxOps) error {
		locked, err := tx.GetAccountForUpdate(ctx, account.ID)
		if err != nil {
			return err
		}

		// Optimistic re-check: available funds may have moved since step 6's
		// unlocked read.
		available := locked.AvailableFunds()
		if required.GreaterThan(available) {
			return errors.New(errors.ErrInsufficientBalance, "available funds changed before commit")
		}

		newBalance := money.RoundMoney(locked.Balance.Sub(required))
		if err := tx.UpdateAccountBalance(ctx, account.ID, newBalance); err != nil {
			return err
		}

		expiresAt := req.StartTime.Add(time.Duration(minutes)*time.Minute + time.Duration(s.cfg.ReservationGraceSeconds)*time.Second)
		reservation := &models.Reservation{
			AccountID:         account.ID,
			CallUUID:          req.CallUUID,
			ReservedAmount:    money.RoundMoney(required),
			ConsumedAmount:    money.Zero(),
			ReleasedAmount:    money.Zero(),
			RatePerMinute:     rateCard.RatePerMinute,
			ConnectionFee:     rateCard.ConnectionFee,
			DestinationPrefix: rateCard.DestinationPrefix,
			BillingIncrement:  rateCard.BillingIncrement,
			ReservedMinutes:   minutes,
			ExpiresAt:         expiresAt,
			Status:            models.ReservationStatusActive,
		}

		id, err := tx.InsertReservation(ctx, reservation)
		if err != nil {
			return err
		}

		if err := tx.InsertLedgerTransaction(ctx, &models.LedgerTransaction{
			AccountID:     account.ID,
			ReservationID: &id,
			CallUUID:      &req.CallUUID,
			Kind:          models.LedgerEntryReservationDebit,
			Amount:        required,
			BalanceAfter:  newBalance,
		}); err != nil {
			return err
		}

		ratePerSecond := ratecache.RatePerSecond(rateCard)
		maxDuration := money.RoundMoney(required).Sub(rateCard.ConnectionFee).Div(ratePerSecond).IntPart()
		if maxDuration < 0 {
			maxDuration = 0
		}

		decision = &Decision{
			Authorized:         true,
			Reason:             ReasonAuthorized,
			AccountID:          account.ID,
			ReservationID:      id,
			ReservedAmount:     reservation.ReservedAmount,
			MaxDurationSeconds: int(maxDuration),
			RatePerMinute:      rateCard.RatePerMinute,
			ConnectionFee:      rateCard.ConnectionFee,
			DestinationPrefix:  rateCard.DestinationPrefix,
			BillingIncrement:   rateCard.BillingIncrement,
		}
		return nil
	})

	if err != nil {
		return nil, err
	}
	return decision, nil
}

func (s *Service) internalError(log *logrus.Entry, err error) (*Decision, error) {
	log.WithError(err).WithField("reason", ReasonInternalError).Error("authorization failed")
	return &Decision{Authorized: false, Reason: ReasonInternalError}, nil
}
