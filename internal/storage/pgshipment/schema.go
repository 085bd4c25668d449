package pgshipment

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS merchants (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL,
  is_active BOOLEAN NOT NULL DEFAULT TRUE,
  random_poll_offset_minutes INT NOT NULL DEFAULT 0,
  delay_threshold_hours INT NOT NULL DEFAULT 0,
  delivery_windows JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS shipments (
  id BIGSERIAL PRIMARY KEY,
  merchant_id BIGINT NOT NULL REFERENCES merchants(id),
  order_id TEXT NOT NULL DEFAULT '',
  fulfillment_id TEXT NOT NULL DEFAULT '',
  carrier TEXT NOT NULL,
  tracking_number TEXT NOT NULL,
  service_level TEXT NOT NULL DEFAULT '',
  next_poll_at TIMESTAMPTZ NULL,
  poll_error_count INT NOT NULL DEFAULT 0,
  has_carrier_scan BOOLEAN NOT NULL DEFAULT FALSE,
  ship_date TIMESTAMPTZ NOT NULL,
  expected_delivery_date TIMESTAMPTZ NULL,
  expected_delivery_source TEXT NOT NULL DEFAULT '',
  rescheduled_delivery_date TIMESTAMPTZ NULL,
  is_delivered BOOLEAN NOT NULL DEFAULT FALSE,
  delivered_at TIMESTAMPTZ NULL,
  is_delayed BOOLEAN NOT NULL DEFAULT FALSE,
  delay_flagged_at TIMESTAMPTZ NULL,
  days_delayed INT NOT NULL DEFAULT 0,
  exception_code TEXT NULL,
  exception_reason TEXT NULL,
  last_scan_location TEXT NULL,
  last_scan_time TIMESTAMPTZ NULL,
  is_archived BOOLEAN NOT NULL DEFAULT FALSE,
  is_resolved BOOLEAN NOT NULL DEFAULT FALSE,
  is_test_data BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (merchant_id, carrier, tracking_number)
)`,
		// Частичный индекс: выборка шедулера трогает только активно опрашиваемые треки.
		`
CREATE INDEX IF NOT EXISTS idx_shipments_next_poll_at
ON shipments(next_poll_at)
WHERE next_poll_at IS NOT NULL AND NOT is_delivered AND NOT is_archived`,
		`
CREATE TABLE IF NOT EXISTS tracking_events (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  event_type TEXT NOT NULL,
  event_time TIMESTAMPTZ NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  city TEXT NULL,
  state TEXT NULL,
  country TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_events_shipment_id_event_time ON tracking_events(shipment_id, event_time DESC)`,
		// Enforce de-duplication of events for a shipment.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_tracking_events_dedup ON tracking_events(shipment_id, event_type, event_time, description)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
