package delay

import (
	"time"

	"github.com/BearBump/ShipRadar/internal/integrations/carrier"
	"github.com/BearBump/ShipRadar/internal/models"
)

// Result — вердикт оценки задержки. Чистые данные, без side effects:
// delayFlaggedAt и прочие переходы состояния ставит вызывающая сторона.
type Result struct {
	IsDelayed   bool
	Reason      string // models.DelayReason* либо ""
	DaysDelayed int32

	ExpectedDeliveryDate   *time.Time
	ExpectedDeliverySource string
}

// Evaluate решает, опаздывает ли посылка. res может быть nil — тогда оценка
// идёт только по сохранённому состоянию (переоценка без свежего опроса).
//
// Порядок правил строгий:
//  1. доставлено -> не опаздывает;
//  2. резолвим ожидаемую дату (каскад источников);
//  3. carrier exception -> опаздывает независимо от дат;
//  4. дедлайн: rescheduled-дата, если перевозчик её дал, иначе ожидаемая;
//     дни опоздания всегда считаются от исходного обещания;
//  5. иначе не опаздывает.
func Evaluate(sh *models.Shipment, res *carrier.TrackingResult, settings models.MerchantSettings, now time.Time) Result {
	if sh.IsDelivered || (res != nil && res.IsDelivered) {
		return Result{
			ExpectedDeliveryDate:   sh.ExpectedDeliveryDate,
			ExpectedDeliverySource: sh.ExpectedDeliverySource,
		}
	}

	expected, source := resolveExpectedDelivery(sh, res, settings)

	out := Result{
		ExpectedDeliveryDate:   &expected,
		ExpectedDeliverySource: source,
	}

	if res != nil && res.IsException {
		out.IsDelayed = true
		out.Reason = models.DelayReasonCarrierException
		out.DaysDelayed = CalculateDaysDelayed(expected, now)
		return out
	}

	deadline := expected
	if r := rescheduledDate(sh, res); r != nil {
		deadline = *r
	}

	if IsPastDeadline(deadline, settings.DelayThresholdHours, now) {
		out.IsDelayed = true
		out.Reason = models.DelayReasonPastExpectedDelivery
		// Дни опоздания меряем от исходного обещания, не от rescheduled.
		out.DaysDelayed = CalculateDaysDelayed(expected, now)
	}

	return out
}

// resolveExpectedDelivery — каскад источников ожидаемой даты:
// свежая дата перевозчика -> ранее сохранённая (только если её источник
// авторитетный: CARRIER или MERCHANT_OVERRIDE, старую DEFAULT-оценку не
// переносим как факт) -> расчёт от даты отправки по окну сервиса.
func resolveExpectedDelivery(sh *models.Shipment, res *carrier.TrackingResult, settings models.MerchantSettings) (time.Time, string) {
	if res != nil && res.ExpectedDeliveryDate != nil {
		return *res.ExpectedDeliveryDate, models.DeliverySourceCarrier
	}

	if sh.ExpectedDeliveryDate != nil {
		switch sh.ExpectedDeliverySource {
		case models.DeliverySourceCarrier, models.DeliverySourceMerchantOverride:
			return *sh.ExpectedDeliveryDate, sh.ExpectedDeliverySource
		}
	}

	window := ResolveWindow(sh.Carrier, sh.ServiceLevel, settings.DeliveryWindows)
	return AddBusinessDays(sh.ShipDate, window), models.DeliverySourceDefault
}

func rescheduledDate(sh *models.Shipment, res *carrier.TrackingResult) *time.Time {
	if res != nil && res.RescheduledDeliveryDate != nil {
		return res.RescheduledDeliveryDate
	}
	return sh.RescheduledDeliveryDate
}
