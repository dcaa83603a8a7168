package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type AccountClass string

const (
	AccountClassPrepaid  AccountClass = "prepaid"
	AccountClassPostpaid AccountClass = "postpaid"
)

type AccountStatus string

const (
	AccountStatusActive    AccountStatus = "active"
	AccountStatusSuspended AccountStatus = "suspended"
	AccountStatusClosed    AccountStatus = "closed"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionInternal Direction = "internal"
)

type ActiveCallStatus string

const (
	ActiveCallStatusDialing  ActiveCallStatus = "dialing"
	ActiveCallStatusRinging  ActiveCallStatus = "ringing"
	ActiveCallStatusAnswered ActiveCallStatus = "answered"
)

type ReservationStatus string

const (
	ReservationStatusActive            ReservationStatus = "active"
	ReservationStatusPartiallyConsumed ReservationStatus = "partially_consumed"
	ReservationStatusFullyConsumed     ReservationStatus = "fully_consumed"
	ReservationStatusReleased          ReservationStatus = "released"
	ReservationStatusExpired           ReservationStatus = "expired"
)

func (s ReservationStatus) Terminal() bool {
	switch s {
	case ReservationStatusFullyConsumed, ReservationStatusReleased, ReservationStatusExpired:
		return true
	default:
		return false
	}
}

// LedgerEntryKind distinguishes the append-only rows in ledger_transactions.
type LedgerEntryKind string

const (
	LedgerEntryReservationDebit  LedgerEntryKind = "reservation_debit"
	LedgerEntryReservationRefund LedgerEntryKind = "reservation_refund"
	LedgerEntryCDRSettlement     LedgerEntryKind = "cdr_settlement"
	LedgerEntryShortfallNote     LedgerEntryKind = "shortfall_note"
)

// JSON is a generic JSON-column adapter, mirrored from the router-era models
// package, reused here for Account/RateCard metadata fields.
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSON)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Account is a billable subscriber.
type Account struct {
	ID                int64           `json:"id" db:"id"`
	AccountNumber     string          `json:"account_number" db:"account_number"`
	Class             AccountClass    `json:"class" db:"class"`
	Balance           decimal.Decimal `json:"balance" db:"balance"`
	CreditLimit       decimal.Decimal `json:"credit_limit" db:"credit_limit"`
	Status            AccountStatus   `json:"status" db:"status"`
	MaxConcurrentCalls int            `json:"max_concurrent_calls" db:"max_concurrent_calls"`
	Currency          string          `json:"currency" db:"currency"`
	Metadata          JSON            `json:"metadata,omitempty" db:"metadata"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// AvailableFunds is the authoritative, never-recomputed-from-history value:
// balance+credit_limit for postpaid, balance alone for prepaid.
func (a *Account) AvailableFunds() decimal.Decimal {
	if a.Class == AccountClassPostpaid {
		return a.Balance.Add(a.CreditLimit)
	}
	return a.Balance
}

// RateCard is one pricing rule for a destination prefix.
type RateCard struct {
	ID                 int64           `json:"id" db:"id"`
	DestinationPrefix  string          `json:"destination_prefix" db:"destination_prefix"`
	DestinationName    string          `json:"destination_name" db:"destination_name"`
	RatePerMinute      decimal.Decimal `json:"rate_per_minute" db:"rate_per_minute"`
	BillingIncrement   int             `json:"billing_increment" db:"billing_increment"`
	ConnectionFee      decimal.Decimal `json:"connection_fee" db:"connection_fee"`
	EffectiveStart     time.Time       `json:"effective_start" db:"effective_start"`
	EffectiveEnd       *time.Time      `json:"effective_end,omitempty" db:"effective_end"`
	Priority           int             `json:"priority" db:"priority"`
	Enabled            bool            `json:"enabled" db:"enabled"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// IsCurrent implements half-open validity rule:
// enabled ∧ effective_start ≤ T ∧ (effective_end is null ∨ effective_end > T).
func (r *RateCard) IsCurrent(at time.Time) bool {
	if !r.Enabled {
		return false
	}
	if r.EffectiveStart.After(at) {
		return false
	}
	if r.EffectiveEnd != nil && !r.EffectiveEnd.After(at) {
		return false
	}
	return true
}

// RatePerSecond is rate_per_minute/60 at full precision; callers round once,
// at final cost computation, never here.
func (r *RateCard) RatePerSecond() decimal.Decimal {
	return r.RatePerMinute.Div(decimal.NewFromInt(60))
}

// Reservation is one live hold of funds against a call.
type Reservation struct {
	ID               int64             `json:"id" db:"id"`
	AccountID        int64             `json:"account_id" db:"account_id"`
	CallUUID         string            `json:"call_uuid" db:"call_uuid"`
	ReservedAmount   decimal.Decimal   `json:"reserved_amount" db:"reserved_amount"`
	ConsumedAmount   decimal.Decimal   `json:"consumed_amount" db:"consumed_amount"`
	ReleasedAmount   decimal.Decimal   `json:"released_amount" db:"released_amount"`
	RatePerMinute    decimal.Decimal   `json:"rate_per_minute" db:"rate_per_minute"`
	ConnectionFee    decimal.Decimal   `json:"connection_fee" db:"connection_fee"`
	DestinationPrefix string           `json:"destination_prefix" db:"destination_prefix"`
	BillingIncrement int               `json:"billing_increment" db:"billing_increment"`
	ReservedMinutes  int               `json:"reserved_minutes" db:"reserved_minutes"`
	ExpiresAt        time.Time         `json:"expires_at" db:"expires_at"`
	Status           ReservationStatus `json:"status" db:"status"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// Remaining is the unconsumed, unreleased portion of the reservation.
func (r *Reservation) Remaining() decimal.Decimal {
	return r.ReservedAmount.Sub(r.ConsumedAmount).Sub(r.ReleasedAmount)
}

// ActiveCall is the in-flight record owned by the Event Dispatcher.
type ActiveCall struct {
	CallUUID          string           `json:"call_uuid"`
	Caller            string           `json:"caller"`
	Callee            string           `json:"callee"`
	Direction         Direction        `json:"direction"`
	StartTime         time.Time        `json:"start_time"`
	AnswerTime        *time.Time       `json:"answer_time,omitempty"`
	Status            ActiveCallStatus `json:"status"`
	AccountID         *int64           `json:"account_id,omitempty"`
	ReservationID     *int64           `json:"reservation_id,omitempty"`
	RatePerMinute     decimal.Decimal  `json:"rate_per_minute"`
	ConnectionFee     decimal.Decimal  `json:"connection_fee"`
	DestinationPrefix string           `json:"destination_prefix,omitempty"`
	BillingIncrement  int              `json:"billing_increment,omitempty"`
	ForcedHangupPending bool           `json:"forced_hangup_pending"`
	HangupCauseHint   string           `json:"hangup_cause_hint,omitempty"`
}

// Billable reports whether this call can ever produce non-zero cost.
func (c *ActiveCall) Billable() bool {
	return c.Direction == DirectionOutbound
}

// CDR is the immutable per-call accounting record.
type CDR struct {
	ID                int64           `json:"id" db:"id"`
	CallUUID          string          `json:"call_uuid" db:"call_uuid"`
	AccountID         *int64          `json:"account_id,omitempty" db:"account_id"`
	Caller            string          `json:"caller" db:"caller"`
	Callee            string          `json:"callee" db:"callee"`
	Direction         Direction       `json:"direction" db:"direction"`
	StartTime         time.Time       `json:"start_time" db:"start_time"`
	AnswerTime        *time.Time      `json:"answer_time,omitempty" db:"answer_time"`
	EndTime           time.Time       `json:"end_time" db:"end_time"`
	Duration          int             `json:"duration" db:"duration"`
	Billsec           int             `json:"billsec" db:"billsec"`
	Cost              decimal.Decimal `json:"cost" db:"cost"`
	HangupCause       string          `json:"hangup_cause" db:"hangup_cause"`
	HangupCauseHint   string          `json:"hangup_cause_hint,omitempty" db:"hangup_cause_hint"`
	DestinationPrefix string          `json:"destination_prefix,omitempty" db:"destination_prefix"`
	ReservationID     *int64          `json:"reservation_id,omitempty" db:"reservation_id"`
	ShortfallAmount   decimal.Decimal `json:"shortfall_amount" db:"shortfall_amount"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// LedgerTransaction is an append-only audit record of a balance mutation.
type LedgerTransaction struct {
	ID            int64           `json:"id" db:"id"`
	AccountID     int64           `json:"account_id" db:"account_id"`
	ReservationID *int64          `json:"reservation_id,omitempty" db:"reservation_id"`
	CallUUID      *string         `json:"call_uuid,omitempty" db:"call_uuid"`
	Kind          LedgerEntryKind `json:"kind" db:"kind"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after" db:"balance_after"`
	Note          string          `json:"note,omitempty" db:"note"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// CDRDeadLetter holds a CDR that could not be persisted after retries exhausted.
type CDRDeadLetter struct {
	ID        int64     `json:"id" db:"id"`
	CallUUID  string    `json:"call_uuid" db:"call_uuid"`
	Payload   JSON      `json:"payload" db:"payload"`
	LastError string    `json:"last_error" db:"last_error"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
