package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"github.com/hamzaKhattat/billcore/internal/models"
	"github.com/hamzaKhattat/billcore/pkg/errors"
	"github.com/hamzaKhattat/billcore/pkg/logger"
)

// Config mirrors the connection parameters of the router-era internal/db
// package's Config, renamed to this domain.
type Config struct {
	Driver          string
	Host            string
	Port            int
	Username        string
	Password        string
	Database        string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
}

// MySQLStore implements Store over database/sql, grounded on the
// connection/retry discipline of the router-era internal/db/connection.go.
type MySQLStore struct {
	db     *sql.DB
	cfg    Config
	mu     sync.RWMutex
	health bool
}

func Open(cfg Config) (*MySQLStore, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&multiStatements=true&interpolateParams=true",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	var db *sql.DB
	var err error

	for i := 0; i <= cfg.RetryAttempts; i++ {
		db, err = sql.Open(cfg.Driver, dsn)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}
		if i < cfg.RetryAttempts {
			logger.WithField("attempt", i+1).WithError(err).Warn("database connection failed, retrying")
			time.Sleep(cfg.RetryDelay * time.Duration(i+1))
		}
	}

	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to connect to database")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &MySQLStore{db: db, cfg: cfg, health: true}
	go s.healthCheck()

	logger.Info("database connection established")
	return s, nil
}

func (s *MySQLStore) DB() *sql.DB { return s.db }

func (s *MySQLStore) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.db.PingContext(ctx)
		cancel()

		s.mu.Lock()
		old := s.health
		s.health = err == nil
		s.mu.Unlock()

		if old != s.health {
			if s.health {
				logger.Info("database connection recovered")
			} else {
				logger.WithError(err).Error("database connection lost")
			}
		}
	}
}

func (s *MySQLStore) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.health
}

func (s *MySQLStore) transact(ctx context.Context, fn func(*sql.Tx) error) error {
	var err error
	for i := 0; i <= s.cfg.RetryAttempts; i++ {
		err = s.runOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !errors.IsRetryableError(err) {
			return err
		}
		if i < s.cfg.RetryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.RetryDelay * time.Duration(i+1)):
				logger.WithField("attempt", i+1).WithError(err).Warn("transaction failed, retrying")
			}
		}
	}
	return errors.Wrap(err, errors.ErrDatabase, "transaction failed after retries")
}

func (s *MySQLStore) runOnce(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func (s *MySQLStore) GetAccountByNumber(ctx context.Context, accountNumber string) (*models.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_number, class, balance, credit_limit, status,
		       max_concurrent_calls, currency, created_at, updated_at
		FROM accounts WHERE account_number = ?`, accountNumber)

	var a models.Account
	if err := row.Scan(&a.ID, &a.AccountNumber, &a.Class, &a.Balance, &a.CreditLimit, &a.Status,
		&a.MaxConcurrentCalls, &a.Currency, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to load account")
	}
	return &a, nil
}

func (s *MySQLStore) CountActiveReservationsByAccount(ctx context.Context, accountID int64) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reservations
		WHERE account_id = ? AND status IN ('active', 'partially_consumed')`, accountID)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, errors.Wrap(err, errors.ErrDatabase, "failed to count active reservations")
	}
	return count, nil
}

func (s *MySQLStore) GetCurrentRateCardsByPrefixSet(ctx context.Context, prefixes []string, at time.Time) ([]*models.RateCard, error) {
	if len(prefixes) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(prefixes))
	args := make([]interface{}, 0, len(prefixes)+2)
	for i, p := range prefixes {
		placeholders[i] = "?"
		args = append(args, p)
	}
	args = append(args, at, at)

	query := fmt.Sprintf(`
		SELECT id, destination_prefix, destination_name, rate_per_minute, billing_increment,
		       connection_fee, effective_start, effective_end, priority, enabled, created_at, updated_at
		FROM rate_cards
		WHERE destination_prefix IN (%s)
		  AND enabled = TRUE
		  AND effective_start <= ?
		  AND (effective_end IS NULL OR effective_end > ?)
		ORDER BY LENGTH(destination_prefix) DESC, priority DESC, id DESC`,
		strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to query rate cards")
	}
	defer rows.Close()

	var cards []*models.RateCard
	for rows.Next() {
		var rc models.RateCard
		if err := rows.Scan(&rc.ID, &rc.DestinationPrefix, &rc.DestinationName, &rc.RatePerMinute,
			&rc.BillingIncrement, &rc.ConnectionFee, &rc.EffectiveStart, &rc.EffectiveEnd,
			&rc.Priority, &rc.Enabled, &rc.CreatedAt, &rc.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan rate card")
		}
		cards = append(cards, &rc)
	}
	return cards, rows.Err()
}

func (s *MySQLStore) GetReservationByCall(ctx context.Context, callUUID string) (*models.Reservation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, call_uuid, reserved_amount, consumed_amount, released_amount,
		       rate_per_minute, connection_fee, destination_prefix, billing_increment,
		       reserved_minutes, expires_at, status, created_at, updated_at
		FROM reservations WHERE call_uuid = ?`, callUUID)

	r, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *MySQLStore) ListActiveByAccount(ctx context.Context, accountID int64) ([]*models.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, call_uuid, reserved_amount, consumed_amount, released_amount,
		       rate_per_minute, connection_fee, destination_prefix, billing_increment,
		       reserved_minutes, expires_at, status, created_at, updated_at
		FROM reservations WHERE account_id = ? AND status IN ('active', 'partially_consumed')`, accountID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list active reservations")
	}
	defer rows.Close()
	return scanReservations(rows)
}

func (s *MySQLStore) ListExpiredReservations(ctx context.Context, at time.Time, limit int) ([]*models.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, call_uuid, reserved_amount, consumed_amount, released_amount,
		       rate_per_minute, connection_fee, destination_prefix, billing_increment,
		       reserved_minutes, expires_at, status, created_at, updated_at
		FROM reservations
		WHERE status IN ('active', 'partially_consumed') AND expires_at <= ?
		LIMIT ?`, at, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to list expired reservations")
	}
	defer rows.Close()
	return scanReservations(rows)
}

func (s *MySQLStore) InsertActiveCall(ctx context.Context, c *models.ActiveCall) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO active_calls (call_uuid, caller, callee, direction, start_time, answer_time,
		       status, account_id, reservation_id, rate_per_minute, connection_fee,
		       destination_prefix, billing_increment, forced_hangup_pending, hangup_cause_hint)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE answer_time = VALUES(answer_time), status = VALUES(status),
		       forced_hangup_pending = VALUES(forced_hangup_pending),
		       hangup_cause_hint = VALUES(hangup_cause_hint)`,
		c.CallUUID, c.Caller, c.Callee, c.Direction, c.StartTime, c.AnswerTime, c.Status,
		c.AccountID, c.ReservationID, c.RatePerMinute, c.ConnectionFee, c.DestinationPrefix,
		c.BillingIncrement, c.ForcedHangupPending, c.HangupCauseHint)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to upsert active call")
	}
	return nil
}

func (s *MySQLStore) DeleteActiveCall(ctx context.Context, callUUID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM active_calls WHERE call_uuid = ?`, callUUID)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to delete active call")
	}
	return nil
}

func (s *MySQLStore) InsertCDR(ctx context.Context, cdr *models.CDR) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cdrs (call_uuid, account_id, caller, callee, direction, start_time, answer_time,
		       end_time, duration, billsec, cost, hangup_cause, hangup_cause_hint,
		       destination_prefix, reservation_id, shortfall_amount)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE call_uuid = call_uuid`, // CDR idempotence: duplicate insert is a no-op
		cdr.CallUUID, cdr.AccountID, cdr.Caller, cdr.Callee, cdr.Direction, cdr.StartTime, cdr.AnswerTime,
		cdr.EndTime, cdr.Duration, cdr.Billsec, cdr.Cost, cdr.HangupCause, cdr.HangupCauseHint,
		cdr.DestinationPrefix, cdr.ReservationID, cdr.ShortfallAmount)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to insert cdr")
	}
	return nil
}

func (s *MySQLStore) GetCDRByCall(ctx context.Context, callUUID string) (*models.CDR, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, call_uuid, account_id, caller, callee, direction, start_time, answer_time,
		       end_time, duration, billsec, cost, hangup_cause, hangup_cause_hint,
		       destination_prefix, reservation_id, shortfall_amount, created_at
		FROM cdrs WHERE call_uuid = ?`, callUUID)

	var c models.CDR
	if err := row.Scan(&c.ID, &c.CallUUID, &c.AccountID, &c.Caller, &c.Callee, &c.Direction,
		&c.StartTime, &c.AnswerTime, &c.EndTime, &c.Duration, &c.Billsec, &c.Cost, &c.HangupCause,
		&c.HangupCauseHint, &c.DestinationPrefix, &c.ReservationID, &c.ShortfallAmount, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to load cdr")
	}
	return &c, nil
}

func (s *MySQLStore) InsertCDRDeadLetter(ctx context.Context, dl *models.CDRDeadLetter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cdr_dead_letters (call_uuid, payload, last_error) VALUES (?, ?, ?)`,
		dl.CallUUID, dl.Payload, dl.LastError)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to insert cdr dead letter")
	}
	return nil
}

func (s *MySQLStore) WithAccountLock(ctx context.Context, accountID int64, reservationID int64, fn func(TxOps) error) error {
	return s.transact(ctx, func(tx *sql.Tx) error {
		ops := &txOps{tx: tx}
		// Lock ordering: account row before reservation row, always.
		if _, err := ops.GetAccountForUpdate(ctx, accountID); err != nil {
			return err
		}
		if reservationID != 0 {
			if _, err := ops.GetReservationForUpdate(ctx, reservationID); err != nil {
				return err
			}
		}
		return fn(ops)
	})
}

type txOps struct {
	tx *sql.Tx
}

func (t *txOps) GetAccountForUpdate(ctx context.Context, accountID int64) (*models.Account, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, account_number, class, balance, credit_limit, status,
		       max_concurrent_calls, currency, created_at, updated_at
		FROM accounts WHERE id = ? FOR UPDATE`, accountID)

	var a models.Account
	if err := row.Scan(&a.ID, &a.AccountNumber, &a.Class, &a.Balance, &a.CreditLimit, &a.Status,
		&a.MaxConcurrentCalls, &a.Currency, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to lock account")
	}
	return &a, nil
}

func (t *txOps) UpdateAccountBalance(ctx context.Context, accountID int64, newBalance decimal.Decimal) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE accounts SET balance = ?, updated_at = NOW(6) WHERE id = ?`,
		newBalance, accountID)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to update account balance")
	}
	return nil
}

func (t *txOps) GetReservationForUpdate(ctx context.Context, reservationID int64) (*models.Reservation, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT id, account_id, call_uuid, reserved_amount, consumed_amount, released_amount,
		       rate_per_minute, connection_fee, destination_prefix, billing_increment,
		       reserved_minutes, expires_at, status, created_at, updated_at
		FROM reservations WHERE id = ? FOR UPDATE`, reservationID)

	r, err := scanReservation(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (t *txOps) InsertReservation(ctx context.Context, r *models.Reservation) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO reservations (account_id, call_uuid, reserved_amount, consumed_amount,
		       released_amount, rate_per_minute, connection_fee, destination_prefix,
		       billing_increment, reserved_minutes, expires_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.AccountID, r.CallUUID, r.ReservedAmount, r.ConsumedAmount, r.ReleasedAmount,
		r.RatePerMinute, r.ConnectionFee, r.DestinationPrefix, r.BillingIncrement,
		r.ReservedMinutes, r.ExpiresAt, r.Status)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrDatabase, "failed to insert reservation")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrDatabase, "failed to read reservation id")
	}
	return id, nil
}

func (t *txOps) UpdateReservation(ctx context.Context, r *models.Reservation) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE reservations
		SET reserved_amount = ?, consumed_amount = ?, released_amount = ?,
		    reserved_minutes = ?, expires_at = ?, status = ?, updated_at = NOW(6)
		WHERE id = ?`,
		r.ReservedAmount, r.ConsumedAmount, r.ReleasedAmount, r.ReservedMinutes,
		r.ExpiresAt, r.Status, r.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to update reservation")
	}
	return nil
}

func (t *txOps) InsertLedgerTransaction(ctx context.Context, lt *models.LedgerTransaction) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (account_id, reservation_id, call_uuid, kind, amount, balance_after, note)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		lt.AccountID, lt.ReservationID, lt.CallUUID, lt.Kind, lt.Amount, lt.BalanceAfter, lt.Note)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to insert ledger transaction")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var r models.Reservation
	if err := row.Scan(&r.ID, &r.AccountID, &r.CallUUID, &r.ReservedAmount, &r.ConsumedAmount,
		&r.ReleasedAmount, &r.RatePerMinute, &r.ConnectionFee, &r.DestinationPrefix,
		&r.BillingIncrement, &r.ReservedMinutes, &r.ExpiresAt, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanReservations(rows *sql.Rows) ([]*models.Reservation, error) {
	var out []*models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrDatabase, "failed to scan reservation")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
