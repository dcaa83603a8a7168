package realtimebiller

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/billcore/internal/clock"
	"github.com/hamzaKhattat/billcore/internal/models"
	"github.com/hamzaKhattat/billcore/pkg/errors"
	"github.com/hamzaKhattat/billcore/pkg/logger"
)

func init() {
	_ = logger.Init(logger.Config{Level: "error", Format: "text"})
}

type stubExtender struct {
	err      error
	extended []decimal.Decimal
	effect   func(r *models.Reservation, amount decimal.Decimal)
}

func (s *stubExtender) Extend(ctx context.Context, r *models.Reservation, amount decimal.Decimal, minutes int) (*models.Reservation, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.extended = append(s.extended, amount)
	if s.effect != nil {
		s.effect(r, amount)
	}
	return r, nil
}

type stubReservations struct {
	byCall map[string]*models.Reservation
}

func (s *stubReservations) GetByCall(ctx context.Context, callUUID string) (*models.Reservation, error) {
	r, ok := s.byCall[callUUID]
	if !ok {
		return nil, errors.New(errors.ErrReservationNotFound, "not found")
	}
	return r, nil
}

type stubHangup struct {
	requested []string
}

func (s *stubHangup) ForceHangup(ctx context.Context, callUUID string, cause string) error {
	s.requested = append(s.requested, callUUID)
	return nil
}

func cfg() Config {
	return Config{
		TickInterval:            time.Second,
		ExtensionMinutes:        2,
		LowWaterSeconds:         30,
		HangupWaterSeconds:      5,
		ReservationSafetyFactor: decimal.RequireFromString("1.08"),
	}
}

func answeredCall(fc *clock.Fake, reservationID int64, answeredSecondsAgo time.Duration) *models.ActiveCall {
	at := fc.Now().Add(-answeredSecondsAgo)
	resID := reservationID
	return &models.ActiveCall{
		CallUUID: "call-1", Direction: models.DirectionOutbound,
		AnswerTime: &at, ReservationID: &resID,
	}
}

func TestBiller_NoExtensionWellAboveLowWater(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	resv := &models.Reservation{ID: 1, ReservedAmount: decimal.RequireFromString("1.0000"),
		RatePerMinute: decimal.RequireFromString("0.0150"), Status: models.ReservationStatusActive}
	reservations := &stubReservations{byCall: map[string]*models.Reservation{"call-1": resv}}
	extender := &stubExtender{}
	hangup := &stubHangup{}

	b := NewBiller(extender, reservations, hangup, fc, nil, cfg())
	b.Watch(answeredCall(fc, resv.ID, 10*time.Second))
	b.tick(context.Background())

	assert.Empty(t, extender.extended)
	assert.Empty(t, hangup.requested)
}

func TestBiller_ExtendsWhenBelowLowWater(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	// rate 0.0150/min => rate_per_second = 0.00025; reserved 0.0810 covers
	// 324s before connection_fee; drive elapsed close enough to trip < 30s headroom.
	resv := &models.Reservation{ID: 1, ReservedAmount: decimal.RequireFromString("0.0810"),
		RatePerMinute: decimal.RequireFromString("0.0150"), Status: models.ReservationStatusActive}
	reservations := &stubReservations{byCall: map[string]*models.Reservation{"call-1": resv}}
	extender := &stubExtender{}
	hangup := &stubHangup{}

	b := NewBiller(extender, reservations, hangup, fc, nil, cfg())
	b.Watch(answeredCall(fc, resv.ID, 300*time.Second))
	b.tick(context.Background())

	require.Len(t, extender.extended, 1)
	assert.True(t, extender.extended[0].Equal(decimal.RequireFromString("0.0324")))
	assert.Empty(t, hangup.requested)
}

func TestBiller_ForcesHangupWhenInsufficientAndBelowHangupWater(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	resv := &models.Reservation{ID: 1, ReservedAmount: decimal.RequireFromString("0.0810"),
		RatePerMinute: decimal.RequireFromString("0.0150"), Status: models.ReservationStatusActive}
	reservations := &stubReservations{byCall: map[string]*models.Reservation{"call-1": resv}}
	extender := &stubExtender{err: errors.New(errors.ErrInsufficientBalance, "no funds")}
	hangup := &stubHangup{}

	b := NewBiller(extender, reservations, hangup, fc, nil, cfg())
	// 324s elapsed leaves headroom ~0s, well under hangup_water=5s.
	b.Watch(answeredCall(fc, resv.ID, 324*time.Second))
	b.tick(context.Background())

	assert.Equal(t, []string{"call-1"}, hangup.requested)
}

func TestBiller_DoesNotHangUpAboveHangupWaterEvenIfExtensionFails(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	resv := &models.Reservation{ID: 1, ReservedAmount: decimal.RequireFromString("0.0810"),
		RatePerMinute: decimal.RequireFromString("0.0150"), Status: models.ReservationStatusActive}
	reservations := &stubReservations{byCall: map[string]*models.Reservation{"call-1": resv}}
	extender := &stubExtender{err: errors.New(errors.ErrInsufficientBalance, "no funds")}
	hangup := &stubHangup{}

	b := NewBiller(extender, reservations, hangup, fc, nil, cfg())
	// 309s elapsed leaves ~15s headroom: below low_water(30s), triggers an
	// extension attempt, but above hangup_water(5s) so a failed extension
	// must not yet force a hangup.
	b.Watch(answeredCall(fc, resv.ID, 309*time.Second))
	b.tick(context.Background())

	assert.Empty(t, hangup.requested)
}

func TestBiller_ForgetStopsMonitoring(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	resv := &models.Reservation{ID: 1, ReservedAmount: decimal.RequireFromString("0.0810"),
		RatePerMinute: decimal.RequireFromString("0.0150"), Status: models.ReservationStatusActive}
	reservations := &stubReservations{byCall: map[string]*models.Reservation{"call-1": resv}}
	extender := &stubExtender{}
	hangup := &stubHangup{}

	b := NewBiller(extender, reservations, hangup, fc, nil, cfg())
	b.Watch(answeredCall(fc, resv.ID, 300*time.Second))
	b.Forget("call-1")
	b.tick(context.Background())

	assert.Empty(t, extender.extended)
}

func TestBiller_TerminalReservationSkipped(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	resv := &models.Reservation{ID: 1, ReservedAmount: decimal.RequireFromString("0.0810"),
		RatePerMinute: decimal.RequireFromString("0.0150"), Status: models.ReservationStatusReleased}
	reservations := &stubReservations{byCall: map[string]*models.Reservation{"call-1": resv}}
	extender := &stubExtender{}
	hangup := &stubHangup{}

	b := NewBiller(extender, reservations, hangup, fc, nil, cfg())
	b.Watch(answeredCall(fc, resv.ID, 300*time.Second))
	b.tick(context.Background())

	assert.Empty(t, extender.extended)
	assert.Empty(t, hangup.requested)
}
