package scheduler

import (
	"time"

	"github.com/BearBump/ShipRadar/internal/models"
	"github.com/BearBump/ShipRadar/internal/queue"
)

// ComputePriority ранжирует опрос по близости дедлайна доставки.
// Если перевозчик перенёс дату, считаем расстояние до новой даты.
func ComputePriority(sh *models.Shipment, now time.Time) queue.Priority {
	target := sh.ExpectedDeliveryDate
	if sh.RescheduledDeliveryDate != nil {
		target = sh.RescheduledDeliveryDate
	}
	if target == nil {
		return queue.PriorityNormal
	}

	days := calendarDaysUntil(now, *target)
	switch {
	case days < 0:
		return queue.PriorityUrgent
	case days <= 1:
		return queue.PriorityHigh
	case days <= 5:
		return queue.PriorityNormal
	default:
		return queue.PriorityLow
	}
}

// calendarDaysUntil — разница в календарных днях (по датам, не по часам).
func calendarDaysUntil(now, target time.Time) int {
	ny, nm, nd := now.UTC().Date()
	ty, tm, td := target.UTC().Date()
	a := time.Date(ny, nm, nd, 0, 0, 0, 0, time.UTC)
	b := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a) / (24 * time.Hour))
}
