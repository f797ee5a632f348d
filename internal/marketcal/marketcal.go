// Package marketcal provides the Hong Kong market clock and calendar
// helpers. Liveness ages elsewhere in the pipeline use Go's monotonic
// time.Time readings; this package only deals in wall-clock instants.
package marketcal

import "time"

// HK is the Asia/Hong_Kong location. Hong Kong has not observed DST
// since 1979, so the fixed-offset fallback is exact when the host has
// no tzdata.
var HK = loadHK()

const DayLayout = "20060102"

func loadHK() *time.Location {
	loc, err := time.LoadLocation("Asia/Hong_Kong")
	if err != nil {
		return time.FixedZone("HKT", 8*3600)
	}
	return loc
}

// NowMs returns the current wall clock as UTC epoch milliseconds.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// TradingDayFromMs derives the YYYYMMDD trading day of an event time,
// viewed in Asia/Hong_Kong regardless of the host time zone.
func TradingDayFromMs(tsMs int64) string {
	return time.UnixMilli(tsMs).In(HK).Format(DayLayout)
}

// CurrentTradingDay returns today's trading day in Asia/Hong_Kong.
func CurrentTradingDay() string {
	return time.Now().In(HK).Format(DayLayout)
}

// FormatMsUTC renders an epoch-ms instant as RFC3339 UTC, or "none"
// for a negative sentinel. Used by health and drift log lines.
func FormatMsUTC(tsMs int64) string {
	if tsMs < 0 {
		return "none"
	}
	return time.UnixMilli(tsMs).UTC().Format(time.RFC3339Nano)
}
