package pollworker

import (
	"time"

	"github.com/BearBump/ShipRadar/internal/models"
)

// Интервалы опроса по близости дедлайна. Чем ближе (или уже сорвана)
// дата доставки, тем чаще опрашиваем.
const (
	intervalPastDue    = 2 * time.Hour
	intervalImminent   = 4 * time.Hour
	intervalNear       = 6 * time.Hour
	intervalFar        = 8 * time.Hour
	maxFailureWidening = 24 * time.Hour
)

// NextPollAt детерминированно считает время следующего опроса.
// nil — опрос остановлен (доставлено или в архиве).
// К базовому интервалу добавляется фиксированный сдвиг мерчанта,
// чтобы размазать нагрузку на API перевозчиков по времени.
func NextPollAt(sh *models.Shipment, m *models.Merchant, now time.Time) *time.Time {
	if sh.Terminal() {
		return nil
	}

	base := baseInterval(sh, now)
	next := now.Add(base).Add(offset(m))
	return &next
}

// NextPollAtAfterFailure — расписание после неудачного опроса: интервал
// растёт вместе со счётчиком ошибок, но опрос никогда не останавливается.
func NextPollAtAfterFailure(sh *models.Shipment, m *models.Merchant, now time.Time) time.Time {
	base := baseInterval(sh, now)
	widened := base + time.Duration(sh.PollErrorCount)*time.Hour
	if widened > maxFailureWidening {
		widened = maxFailureWidening
	}
	return now.Add(widened).Add(offset(m))
}

func baseInterval(sh *models.Shipment, now time.Time) time.Duration {
	if sh.ExpectedDeliveryDate == nil {
		return intervalFar
	}

	days := calendarDaysUntil(now, *sh.ExpectedDeliveryDate)
	if days < 0 {
		// Дата сорвана. Если перевозчик перенёс доставку на будущее,
		// считаем посылку "снова на подходе", а не просрочкой.
		if r := sh.RescheduledDeliveryDate; r != nil && calendarDaysUntil(now, *r) >= 0 {
			return intervalImminent
		}
		return intervalPastDue
	}

	switch {
	case days <= 1:
		return intervalImminent
	case days <= 5:
		return intervalNear
	default:
		return intervalFar
	}
}

func offset(m *models.Merchant) time.Duration {
	if m == nil {
		return 0
	}
	return time.Duration(m.RandomPollOffsetMinutes) * time.Minute
}

// calendarDaysUntil — разница в календарных днях между датами (UTC).
func calendarDaysUntil(now, target time.Time) int {
	ny, nm, nd := now.UTC().Date()
	ty, tm, td := target.UTC().Date()
	a := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a) / (24 * time.Hour))
}
