package util

import "time"

// krxFixedHolidays are the solar-date KRX market closures (month*100+day).
// Lunar holidays (Seollal, Chuseok, Buddha's Birthday) shift every year and
// are not modelled; on those days the cycle runs and the brokerage rejects
// orders, which the engine records and reconciles like any rejection.
var krxFixedHolidays = map[int]bool{
	101:  true, // New Year's Day
	301:  true, // Independence Movement Day
	501:  true, // Labour Day
	505:  true, // Children's Day
	606:  true, // Memorial Day
	815:  true, // Liberation Day
	1003: true, // National Foundation Day
	1009: true, // Hangul Day
	1225: true, // Christmas Day
	1231: true, // year-end closing day
}

// IsKRXTradingDay reports whether t falls on a KRX trading day: a weekday
// that is not a fixed-date market holiday.
func IsKRXTradingDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !krxFixedHolidays[int(t.Month())*100+t.Day()]
}

// NextKRXTradingDay returns the first trading day strictly after t.
func NextKRXTradingDay(t time.Time) time.Time {
	d := t.AddDate(0, 0, 1)
	for !IsKRXTradingDay(d) {
		d = d.AddDate(0, 0, 1)
	}
	return d
}
