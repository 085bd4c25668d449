package messages

import "time"

// ShipmentUpdated публикуется воркером после каждого успешного опроса.
// Его потребляет пайплайн уведомлений (вне этого сервиса).
type ShipmentUpdated struct {
	ShipmentID uint64    `json:"shipment_id"`
	MerchantID uint64    `json:"merchant_id"`
	CheckedAt  time.Time `json:"checked_at"`

	IsDelivered bool       `json:"is_delivered"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	IsDelayed   bool   `json:"is_delayed"`
	DelayReason string `json:"delay_reason,omitempty"`
	DaysDelayed int32  `json:"days_delayed"`
	// true ровно на переходе "не опаздывала -> опаздывает".
	DelayFlagged bool `json:"delay_flagged,omitempty"`

	ExpectedDeliveryDate   *time.Time `json:"expected_delivery_date,omitempty"`
	ExpectedDeliverySource string     `json:"expected_delivery_source,omitempty"`

	CarrierStatusText string `json:"carrier_status_text,omitempty"`
}

// RefreshRequested приходит от дашборда: мерчант нажал "обновить сейчас".
type RefreshRequested struct {
	ShipmentID  uint64    `json:"shipment_id"`
	RequestedAt time.Time `json:"requested_at"`
}
