package pgshipment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/ShipRadar/internal/models"
)

type MerchantCreateInput struct {
	Name                    string
	RandomPollOffsetMinutes int32
	DelayThresholdHours     int32
	DeliveryWindows         map[string]int32
}

func (s *Storage) CreateMerchant(ctx context.Context, in MerchantCreateInput) (*models.Merchant, error) {
	now := time.Now().UTC()

	var windows any
	if len(in.DeliveryWindows) > 0 {
		b, err := json.Marshal(in.DeliveryWindows)
		if err != nil {
			return nil, errors.Wrap(err, "marshal delivery windows")
		}
		windows = string(b)
	}

	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO merchants (
  name, random_poll_offset_minutes, delay_threshold_hours, delivery_windows,
  created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$5)
RETURNING id
`, in.Name, in.RandomPollOffsetMinutes, in.DelayThresholdHours, windows, now).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "insert merchant")
	}

	return s.GetMerchant(ctx, id)
}

func (s *Storage) GetMerchant(ctx context.Context, id uint64) (*models.Merchant, error) {
	var m models.Merchant
	var windows []byte
	err := s.db.QueryRow(ctx, `
SELECT id, name, is_active, random_poll_offset_minutes, delay_threshold_hours, delivery_windows
FROM merchants
WHERE id = $1
`, id).Scan(&m.ID, &m.Name, &m.IsActive, &m.RandomPollOffsetMinutes, &m.Settings.DelayThresholdHours, &windows)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select merchant")
	}

	if len(windows) > 0 {
		if err := json.Unmarshal(windows, &m.Settings.DeliveryWindows); err != nil {
			return nil, errors.Wrap(err, "unmarshal delivery windows")
		}
	}
	return &m, nil
}

func (s *Storage) SetMerchantActive(ctx context.Context, id uint64, active bool) error {
	_, err := s.db.Exec(ctx, `UPDATE merchants SET is_active = $2, updated_at = now() WHERE id = $1`, id, active)
	return errors.Wrap(err, "set merchant active")
}
