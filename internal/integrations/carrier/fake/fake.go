package fake

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/BearBump/ShipRadar/internal/integrations/carrier"
	"github.com/BearBump/ShipRadar/internal/models"
)

// FakeClient — заглушка перевозчика для локального запуска без credentials.
// Статус детерминирован по номеру трека: часть посылок "доставлена",
// часть "опаздывает".
type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func (f *FakeClient) Track(ctx context.Context, trackingNumber string) (carrier.TrackingResult, error) {
	now := time.Now().UTC()

	h := fnv.New32a()
	_, _ = h.Write([]byte(trackingNumber))
	v := h.Sum32()

	res := carrier.TrackingResult{
		CarrierStatusText: "In Transit",
		LastScanTime:      &now,
		LastScanLocation:  ptr("Louisville, KY, US"),
	}

	switch v % 5 {
	case 0: // 20% доставлено
		res.IsDelivered = true
		res.DeliveredAt = &now
		res.CarrierStatusText = "Delivered"
	case 1: // 20% exception
		res.IsException = true
		res.ExceptionCode = ptr("X1")
		res.ExceptionReason = ptr("Severe weather conditions")
		res.CarrierStatusText = "Exception"
	}

	evType := models.EventTypeScan
	if res.IsDelivered {
		evType = models.EventTypeDelivered
	} else if res.IsException {
		evType = models.EventTypeException
	}

	res.Events = []*models.TrackingEvent{{
		EventType:   evType,
		EventTime:   now,
		Description: res.CarrierStatusText,
		City:        ptr("Louisville"),
		State:       ptr("KY"),
		Country:     ptr("US"),
	}}

	return res, nil
}

func (f *FakeClient) TrackingURL(trackingNumber string) string {
	return "https://example.invalid/track/" + trackingNumber
}

func ptr(s string) *string { return &s }
