package delay

import "time"

// AddBusinessDays прибавляет n рабочих дней, перешагивая субботу и воскресенье.
// Сам стартовый день в счёт не идёт.
func AddBusinessDays(start time.Time, n int32) time.Time {
	d := start
	for added := int32(0); added < n; {
		d = d.AddDate(0, 0, 1)
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		added++
	}
	return d
}

// IsPastDeadline — строгое сравнение: ровно date+grace ещё не просрочка.
func IsPastDeadline(date time.Time, graceHours int32, now time.Time) bool {
	return now.After(date.Add(time.Duration(graceHours) * time.Hour))
}

// CalculateDaysDelayed — целые календарные (не рабочие) дни между ожидаемой
// датой и now, не меньше нуля.
func CalculateDaysDelayed(expected time.Time, now time.Time) int32 {
	if !now.After(expected) {
		return 0
	}
	return int32(now.Sub(expected) / (24 * time.Hour))
}
