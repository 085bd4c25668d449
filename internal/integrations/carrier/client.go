package carrier

import (
	"context"
	"time"

	"github.com/BearBump/ShipRadar/internal/models"
)

// TrackingResult — нормализованный ответ перевозчика. Не хранится как есть:
// воркер раскладывает его по полям shipment + tracking_events.
type TrackingResult struct {
	IsDelivered bool
	DeliveredAt *time.Time

	IsException     bool
	ExceptionCode   *string
	ExceptionReason *string

	ExpectedDeliveryDate    *time.Time
	RescheduledDeliveryDate *time.Time

	LastScanLocation  *string
	LastScanTime      *time.Time
	CarrierStatusText string

	Events []*models.TrackingEvent
}

// Client отвечает за авторизацию, запрос и разбор ответа конкретного
// перевозчика. Ходит только в сеть и кэш токенов, БД не трогает.
type Client interface {
	Track(ctx context.Context, trackingNumber string) (TrackingResult, error)
	TrackingURL(trackingNumber string) string
}

// Empty возвращает результат "ничего не знаем": так адаптеры деградируют
// на пустой или кривой ответ вместо ошибки разбора.
func Empty() TrackingResult {
	return TrackingResult{}
}
