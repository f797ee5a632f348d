package marketcal

import (
	"testing"
	"time"
)

func TestTradingDayFromMs_UsesHongKongDay(t *testing.T) {
	// 2026-02-12 09:30:15 Asia/Hong_Kong
	hk := time.Date(2026, 2, 12, 9, 30, 15, 0, HK)
	if got := TradingDayFromMs(hk.UnixMilli()); got != "20260212" {
		t.Errorf("expected 20260212, got %s", got)
	}
}

func TestTradingDayFromMs_CrossesMidnightInHK(t *testing.T) {
	// 2024-01-02 23:30 UTC is already 2024-01-03 07:30 in Hong Kong.
	utc := time.Date(2024, 1, 2, 23, 30, 0, 0, time.UTC)
	if got := TradingDayFromMs(utc.UnixMilli()); got != "20240103" {
		t.Errorf("expected 20240103, got %s", got)
	}
}

func TestTradingDayFromMs_IndependentOfHostZone(t *testing.T) {
	la, err := time.LoadLocation("America/Los_Angeles")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// Same instant expressed in a different host zone.
	inLA := time.Date(2026, 2, 11, 17, 30, 15, 0, la) // == 2026-02-12 09:30:15 HKT
	if got := TradingDayFromMs(inLA.UnixMilli()); got != "20260212" {
		t.Errorf("expected 20260212, got %s", got)
	}
}

func TestFormatMsUTC_Sentinel(t *testing.T) {
	if got := FormatMsUTC(-1); got != "none" {
		t.Errorf("expected none, got %s", got)
	}
}
