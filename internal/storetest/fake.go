// Package storetest provides an in-memory store.Store used by the billing components' unit
// tests without a MySQL instance. WithAccountLock holds one mutex for the
// whole callback; it takes no per-row locks and does not roll back the
// mutations of a callback that returns an error.
package storetest

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hamzaKhattat/billcore/internal/models"
	"github.com/hamzaKhattat/billcore/internal/store"
)

type Fake struct {
	mu sync.Mutex

	Accounts     map[int64]*models.Account
	AccountsByNo map[string]int64
	RateCards    []*models.RateCard
	Reservations map[int64]*models.Reservation
	ActiveCalls  map[string]*models.ActiveCall
	CDRs         map[string]*models.CDR
	DeadLetters  []*models.CDRDeadLetter
	Ledger       []*models.LedgerTransaction

	nextReservationID int64
}

func New() *Fake {
	return &Fake{
		Accounts:          make(map[int64]*models.Account),
		AccountsByNo:      make(map[string]int64),
		Reservations:      make(map[int64]*models.Reservation),
		ActiveCalls:       make(map[string]*models.ActiveCall),
		CDRs:              make(map[string]*models.CDR),
		nextReservationID: 1,
	}
}

func (f *Fake) PutAccount(a *models.Account) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Accounts[a.ID] = a
	f.AccountsByNo[a.AccountNumber] = a.ID
}

func (f *Fake) PutRateCard(rc *models.RateCard) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RateCards = append(f.RateCards, rc)
}

func (f *Fake) GetAccountByNumber(ctx context.Context, accountNumber string) (*models.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.AccountsByNo[accountNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *f.Accounts[id]
	return &cp, nil
}

func (f *Fake) CountActiveReservationsByAccount(ctx context.Context, accountID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.Reservations {
		if r.AccountID == accountID && (r.Status == models.ReservationStatusActive || r.Status == models.ReservationStatusPartiallyConsumed) {
			n++
		}
	}
	return n, nil
}

func (f *Fake) GetCurrentRateCardsByPrefixSet(ctx context.Context, prefixes []string, at time.Time) ([]*models.RateCard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := make(map[string]bool, len(prefixes))
	for _, p := range prefixes {
		set[p] = true
	}
	var out []*models.RateCard
	for _, rc := range f.RateCards {
		if set[rc.DestinationPrefix] && rc.IsCurrent(at) {
			out = append(out, rc)
		}
	}
	return out, nil
}

func (f *Fake) GetReservationByCall(ctx context.Context, callUUID string) (*models.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.Reservations {
		if r.CallUUID == callUUID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *Fake) ListActiveByAccount(ctx context.Context, accountID int64) ([]*models.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Reservation
	for _, r := range f.Reservations {
		if r.AccountID == accountID && !r.Status.Terminal() {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) ListExpiredReservations(ctx context.Context, at time.Time, limit int) ([]*models.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Reservation
	for _, r := range f.Reservations {
		if !r.Status.Terminal() && !r.ExpiresAt.After(at) {
			cp := *r
			out = append(out, &cp)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *Fake) InsertActiveCall(ctx context.Context, c *models.ActiveCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *c
	f.ActiveCalls[c.CallUUID] = &cp
	return nil
}

func (f *Fake) DeleteActiveCall(ctx context.Context, callUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.ActiveCalls, callUUID)
	return nil
}

func (f *Fake) InsertCDR(ctx context.Context, cdr *models.CDR) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.CDRs[cdr.CallUUID]; exists {
		return nil // idempotent, Laws
	}
	cp := *cdr
	f.CDRs[cdr.CallUUID] = &cp
	return nil
}

func (f *Fake) GetCDRByCall(ctx context.Context, callUUID string) (*models.CDR, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.CDRs[callUUID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *Fake) InsertCDRDeadLetter(ctx context.Context, dl *models.CDRDeadLetter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *dl
	f.DeadLetters = append(f.DeadLetters, &cp)
	return nil
}

func (f *Fake) WithAccountLock(ctx context.Context, accountID int64, reservationID int64, fn func(store.TxOps) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := &fakeTxOps{f: f}
	return fn(ops)
}

type fakeTxOps struct {
	f *Fake
}

func (t *fakeTxOps) GetAccountForUpdate(ctx context.Context, accountID int64) (*models.Account, error) {
	a, ok := t.f.Accounts[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (t *fakeTxOps) UpdateAccountBalance(ctx context.Context, accountID int64, newBalance decimal.Decimal) error {
	a, ok := t.f.Accounts[accountID]
	if !ok {
		return store.ErrNotFound
	}
	a.Balance = newBalance
	return nil
}

func (t *fakeTxOps) GetReservationForUpdate(ctx context.Context, reservationID int64) (*models.Reservation, error) {
	r, ok := t.f.Reservations[reservationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *fakeTxOps) InsertReservation(ctx context.Context, r *models.Reservation) (int64, error) {
	id := t.f.nextReservationID
	t.f.nextReservationID++
	cp := *r
	cp.ID = id
	t.f.Reservations[id] = &cp
	return id, nil
}

func (t *fakeTxOps) UpdateReservation(ctx context.Context, r *models.Reservation) error {
	if _, ok := t.f.Reservations[r.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *r
	t.f.Reservations[r.ID] = &cp
	return nil
}

func (t *fakeTxOps) InsertLedgerTransaction(ctx context.Context, lt *models.LedgerTransaction) error {
	cp := *lt
	t.f.Ledger = append(t.f.Ledger, &cp)
	return nil
}
