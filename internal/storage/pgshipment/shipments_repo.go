package pgshipment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipRadar/internal/models"
)

const shipmentColumns = `
  id, merchant_id, order_id, fulfillment_id,
  carrier, tracking_number, service_level,
  next_poll_at, poll_error_count, has_carrier_scan,
  ship_date, expected_delivery_date, expected_delivery_source,
  rescheduled_delivery_date, is_delivered, delivered_at,
  is_delayed, delay_flagged_at, days_delayed,
  exception_code, exception_reason,
  last_scan_location, last_scan_time,
  is_archived, is_resolved, is_test_data,
  created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShipment(row rowScanner) (*models.Shipment, error) {
	var sh models.Shipment
	if err := row.Scan(
		&sh.ID, &sh.MerchantID, &sh.OrderID, &sh.FulfillmentID,
		&sh.Carrier, &sh.TrackingNumber, &sh.ServiceLevel,
		&sh.NextPollAt, &sh.PollErrorCount, &sh.HasCarrierScan,
		&sh.ShipDate, &sh.ExpectedDeliveryDate, &sh.ExpectedDeliverySource,
		&sh.RescheduledDeliveryDate, &sh.IsDelivered, &sh.DeliveredAt,
		&sh.IsDelayed, &sh.DelayFlaggedAt, &sh.DaysDelayed,
		&sh.ExceptionCode, &sh.ExceptionReason,
		&sh.LastScanLocation, &sh.LastScanTime,
		&sh.IsArchived, &sh.IsResolved, &sh.IsTestData,
		&sh.CreatedAt, &sh.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &sh, nil
}

type ShipmentCreateInput struct {
	MerchantID    uint64
	OrderID       string
	FulfillmentID string

	Carrier        models.Carrier
	TrackingNumber string
	ServiceLevel   string

	ShipDate   time.Time
	NextPollAt time.Time

	ExpectedDeliveryDate   *time.Time
	ExpectedDeliverySource string

	IsTestData bool
}

func (s *Storage) CreateShipment(ctx context.Context, in ShipmentCreateInput) (*models.Shipment, error) {
	now := time.Now().UTC()

	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO shipments (
  merchant_id, order_id, fulfillment_id,
  carrier, tracking_number, service_level,
  next_poll_at, ship_date,
  expected_delivery_date, expected_delivery_source,
  is_test_data, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
ON CONFLICT (merchant_id, carrier, tracking_number)
DO UPDATE SET updated_at = shipments.updated_at
RETURNING id
`, in.MerchantID, in.OrderID, in.FulfillmentID,
		in.Carrier, in.TrackingNumber, in.ServiceLevel,
		in.NextPollAt.UTC(), in.ShipDate.UTC(),
		in.ExpectedDeliveryDate, in.ExpectedDeliverySource,
		in.IsTestData, now).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "insert shipment")
	}

	return s.GetShipment(ctx, id)
}

func (s *Storage) GetShipment(ctx context.Context, id uint64) (*models.Shipment, error) {
	row := s.db.QueryRow(ctx, `SELECT`+shipmentColumns+` FROM shipments WHERE id = $1`, id)
	sh, err := scanShipment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select shipment")
	}
	return sh, nil
}

// DueShipments возвращает очередную страницу треков, готовых к опросу.
// Keyset-пагинация по id, чтобы шедулер мог листать выборку батчами.
func (s *Storage) DueShipments(ctx context.Context, now time.Time, afterID uint64, limit int) ([]*models.Shipment, error) {
	rows, err := s.db.Query(ctx, `
SELECT`+shipmentColumns+`
FROM shipments
WHERE next_poll_at IS NOT NULL
  AND next_poll_at <= $1
  AND NOT is_delivered
  AND NOT is_archived
  AND merchant_id IN (SELECT id FROM merchants WHERE is_active)
  AND id > $2
ORDER BY id ASC
LIMIT $3
`, now.UTC(), afterID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due shipments")
	}
	defer rows.Close()

	var out []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan due shipment")
		}
		out = append(out, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// RequestRefresh делает трек немедленно доступным шедулеру.
// Для доставленных и архивных треков — no-op.
func (s *Storage) RequestRefresh(ctx context.Context, shipmentID uint64) error {
	_, err := s.db.Exec(ctx, `
UPDATE shipments
SET next_poll_at = now(), updated_at = now()
WHERE id = $1 AND NOT is_delivered AND NOT is_archived
`, shipmentID)
	return errors.Wrap(err, "request refresh")
}
