package models

import "time"

type Carrier string

const (
	CarrierUPS     Carrier = "UPS"
	CarrierFedEx   Carrier = "FEDEX"
	CarrierUSPS    Carrier = "USPS"
	CarrierUnknown Carrier = "UNKNOWN"
)

// Откуда взята ожидаемая дата доставки.
const (
	DeliverySourceCarrier          = "CARRIER"
	DeliverySourceMerchantOverride = "MERCHANT_OVERRIDE"
	DeliverySourceDefault          = "DEFAULT"
)

const (
	DelayReasonCarrierException     = "CARRIER_EXCEPTION"
	DelayReasonPastExpectedDelivery = "PAST_EXPECTED_DELIVERY"
)

const (
	EventTypeScan      = "scan"
	EventTypeException = "exception"
	EventTypeDelivered = "delivered"
)

type Shipment struct {
	ID            uint64
	MerchantID    uint64
	OrderID       string
	FulfillmentID string

	Carrier        Carrier
	TrackingNumber string
	ServiceLevel   string

	NextPollAt     *time.Time // nil = polling stopped
	PollErrorCount int32
	HasCarrierScan bool

	ShipDate                time.Time
	ExpectedDeliveryDate    *time.Time
	ExpectedDeliverySource  string
	RescheduledDeliveryDate *time.Time
	IsDelivered             bool
	DeliveredAt             *time.Time

	IsDelayed       bool
	DelayFlaggedAt  *time.Time
	DaysDelayed     int32
	ExceptionCode   *string
	ExceptionReason *string

	LastScanLocation *string
	LastScanTime     *time.Time

	IsArchived bool
	IsResolved bool
	IsTestData bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal сообщает, что трек больше не нужно опрашивать.
func (s *Shipment) Terminal() bool {
	return s.IsDelivered || s.IsArchived
}

type TrackingEvent struct {
	ID          uint64
	ShipmentID  uint64
	EventType   string
	EventTime   time.Time
	Description string
	City        *string
	State       *string
	Country     *string
	CreatedAt   time.Time
}

type Merchant struct {
	ID       uint64
	Name     string
	IsActive bool

	// Фиксированный сдвиг опроса (0..239 минут), назначается один раз при создании.
	RandomPollOffsetMinutes int32

	Settings MerchantSettings
}

type MerchantSettings struct {
	// Грейс-период в часах после ожидаемой даты доставки.
	DelayThresholdHours int32

	// Переопределения окна доставки по нормализованному service level,
	// в рабочих днях.
	DeliveryWindows map[string]int32
}
