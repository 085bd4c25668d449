package pgshipment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipRadar/internal/models"
)

// PollUpdate — результат одного успешного опроса перевозчика,
// применяется к шипменту одной транзакцией.
type PollUpdate struct {
	ShipmentID uint64

	CheckedAt  time.Time
	NextPollAt *time.Time // nil = опрос остановлен (доставлено)

	HasCarrierScan bool

	ExpectedDeliveryDate    *time.Time
	ExpectedDeliverySource  string
	RescheduledDeliveryDate *time.Time

	IsDelivered bool
	DeliveredAt *time.Time

	IsDelayed bool
	// Устанавливается только на переходе "не опаздывает -> опаздывает";
	// уже выставленная отметка в базе не затирается.
	DelayFlaggedAt *time.Time
	DaysDelayed    int32

	ExceptionCode   *string
	ExceptionReason *string

	LastScanLocation *string
	LastScanTime     *time.Time

	Events []*models.TrackingEvent
}

func (s *Storage) ApplyPollSuccess(ctx context.Context, upd PollUpdate) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
UPDATE shipments
SET
  next_poll_at = $2,
  poll_error_count = 0,
  has_carrier_scan = has_carrier_scan OR $3,
  expected_delivery_date = $4,
  expected_delivery_source = $5,
  rescheduled_delivery_date = $6,
  is_delivered = $7,
  delivered_at = $8,
  is_delayed = $9,
  delay_flagged_at = COALESCE(delay_flagged_at, $10),
  days_delayed = $11,
  exception_code = $12,
  exception_reason = $13,
  last_scan_location = COALESCE($14, last_scan_location),
  last_scan_time = COALESCE($15, last_scan_time),
  updated_at = now()
WHERE id = $1
`, upd.ShipmentID, upd.NextPollAt, upd.HasCarrierScan,
		upd.ExpectedDeliveryDate, upd.ExpectedDeliverySource, upd.RescheduledDeliveryDate,
		upd.IsDelivered, upd.DeliveredAt,
		upd.IsDelayed, upd.DelayFlaggedAt, upd.DaysDelayed,
		upd.ExceptionCode, upd.ExceptionReason,
		upd.LastScanLocation, upd.LastScanTime)
	if err != nil {
		return errors.Wrap(err, "update shipment")
	}

	for _, e := range upd.Events {
		_, err := tx.Exec(ctx, `
INSERT INTO tracking_events (
  shipment_id, event_type, event_time, description, city, state, country, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7, now())
ON CONFLICT (shipment_id, event_type, event_time, description) DO NOTHING
`, upd.ShipmentID, e.EventType, e.EventTime.UTC(), e.Description, e.City, e.State, e.Country)
		if err != nil {
			return errors.Wrap(err, "insert tracking event")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

// ApplyPollFailure фиксирует неудачный опрос: счётчик ошибок растёт,
// вердикты по задержке не трогаем.
func (s *Storage) ApplyPollFailure(ctx context.Context, shipmentID uint64, nextPollAt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE shipments
SET
  poll_error_count = poll_error_count + 1,
  next_poll_at = $2,
  updated_at = now()
WHERE id = $1
`, shipmentID, nextPollAt.UTC())
	return errors.Wrap(err, "apply poll failure")
}

func (s *Storage) ListTrackingEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.TrackingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT id, shipment_id, event_type, event_time, description, city, state, country, created_at
FROM tracking_events
WHERE shipment_id = $1
ORDER BY event_time DESC
LIMIT $2 OFFSET $3
`, shipmentID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.TrackingEvent
	for rows.Next() {
		var e models.TrackingEvent
		if err := rows.Scan(
			&e.ID, &e.ShipmentID, &e.EventType, &e.EventTime,
			&e.Description, &e.City, &e.State, &e.Country, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
