package pollworker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/ShipRadar/internal/models"
)

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestNextPollAt_TerminalStopsPolling(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)

	require.Nil(t, NextPollAt(&models.Shipment{IsDelivered: true}, nil, now))
	require.Nil(t, NextPollAt(&models.Shipment{IsArchived: true}, nil, now))
}

func TestNextPollAt_ImminentWithMerchantOffset(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	sh := &models.Shipment{ExpectedDeliveryDate: datePtr(2026, 2, 5)}
	m := &models.Merchant{RandomPollOffsetMinutes: 15}

	next := NextPollAt(sh, m, now)
	require.NotNil(t, next)
	require.Equal(t, time.Date(2026, 2, 4, 16, 15, 0, 0, time.UTC), *next)
}

func TestNextPollAt_Intervals(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		sh   *models.Shipment
		want time.Duration
	}{
		{"past due", &models.Shipment{ExpectedDeliveryDate: datePtr(2026, 2, 2)}, 2 * time.Hour},
		{"due today", &models.Shipment{ExpectedDeliveryDate: datePtr(2026, 2, 4)}, 4 * time.Hour},
		{"3 days out", &models.Shipment{ExpectedDeliveryDate: datePtr(2026, 2, 7)}, 6 * time.Hour},
		{"a week out", &models.Shipment{ExpectedDeliveryDate: datePtr(2026, 2, 11)}, 8 * time.Hour},
		{"no expected date", &models.Shipment{}, 8 * time.Hour},
		{
			"past due, rescheduled to future",
			&models.Shipment{
				ExpectedDeliveryDate:    datePtr(2026, 2, 2),
				RescheduledDeliveryDate: datePtr(2026, 2, 6),
			},
			4 * time.Hour,
		},
		{
			"past due, rescheduled date also past",
			&models.Shipment{
				ExpectedDeliveryDate:    datePtr(2026, 2, 1),
				RescheduledDeliveryDate: datePtr(2026, 2, 3),
			},
			2 * time.Hour,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			next := NextPollAt(tc.sh, nil, now)
			require.NotNil(t, next)
			require.Equal(t, now.Add(tc.want), *next)
		})
	}
}

func TestNextPollAt_Deterministic(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)
	sh := &models.Shipment{ExpectedDeliveryDate: datePtr(2026, 2, 7)}
	m := &models.Merchant{RandomPollOffsetMinutes: 199}

	a := NextPollAt(sh, m, now)
	b := NextPollAt(sh, m, now)
	require.Equal(t, *a, *b)
}

func TestNextPollAtAfterFailure_WidensButNeverStops(t *testing.T) {
	now := time.Date(2026, 2, 4, 12, 0, 0, 0, time.UTC)

	fresh := &models.Shipment{ExpectedDeliveryDate: datePtr(2026, 2, 11)}
	require.Equal(t, now.Add(8*time.Hour), NextPollAtAfterFailure(fresh, nil, now))

	flaky := &models.Shipment{ExpectedDeliveryDate: datePtr(2026, 2, 11), PollErrorCount: 5}
	require.Equal(t, now.Add(13*time.Hour), NextPollAtAfterFailure(flaky, nil, now))

	// Интервал упирается в потолок, но опрос продолжается.
	dead := &models.Shipment{ExpectedDeliveryDate: datePtr(2026, 2, 11), PollErrorCount: 100}
	require.Equal(t, now.Add(24*time.Hour), NextPollAtAfterFailure(dead, nil, now))
}
