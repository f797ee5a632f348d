package mapper

import (
	"testing"
	"time"

	"hk-tick-collector/internal/marketcal"
)

func expectedMs(t *testing.T, day, clock string) int64 {
	t.Helper()
	ts, err := time.ParseInLocation("20060102 15:04:05", day+" "+clock, marketcal.HK)
	if err != nil {
		t.Fatalf("parse %s %s: %v", day, clock, err)
	}
	return ts.UnixMilli()
}

func fixedMapper(nowMs int64) *Mapper {
	m := New("HK", "futu")
	m.now = func() time.Time { return time.UnixMilli(nowMs) }
	return m
}

func TestMapRow_MarketLocalDatetime(t *testing.T) {
	want := expectedMs(t, "20240102", "09:30:00")
	m := fixedMapper(want)
	tick, err := m.MapRow(Raw{
		"code":             "HK.00700",
		"time":             "2024-01-02 09:30:00",
		"price":            300.5,
		"volume":           100,
		"turnover":         30050.0,
		"ticker_direction": "BUY",
		"sequence":         123,
		"trading_day":      "20240102",
	}, "push", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tick.TsMs != want {
		t.Errorf("expected ts_ms=%d, got %d", want, tick.TsMs)
	}
	if tick.Symbol != "HK.00700" {
		t.Errorf("expected symbol HK.00700, got %s", tick.Symbol)
	}
	if tick.Seq == nil || *tick.Seq != 123 {
		t.Errorf("expected seq=123, got %v", tick.Seq)
	}
	if tick.TradingDay != "20240102" {
		t.Errorf("expected trading_day=20240102, got %s", tick.TradingDay)
	}
	if tick.RecvTsMs != want {
		t.Errorf("expected recv_ts_ms=%d, got %d", want, tick.RecvTsMs)
	}
}

func TestMapRow_TimeOnlyCombinesTradingDay(t *testing.T) {
	want := expectedMs(t, "20260212", "09:30:15")
	m := fixedMapper(want)
	tick, err := m.MapRow(Raw{
		"code":        "HK.00700",
		"time":        "09:30:15",
		"trading_day": "20260212",
	}, "push", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tick.TsMs != want {
		t.Errorf("expected ts_ms=%d, got %d", want, tick.TsMs)
	}
	if tick.TradingDay != "20260212" {
		t.Errorf("expected trading_day=20260212, got %s", tick.TradingDay)
	}
}

func TestParseTime_CompactClockString(t *testing.T) {
	want := expectedMs(t, "20240102", "09:30:00")
	got, err := parseTimeToMs("093000", "20240102", want)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("expected %d, got %d", want, got)
	}
}

func TestParseTime_CompactClockNumeric(t *testing.T) {
	want := expectedMs(t, "20240102", "09:30:00")
	got, err := parseTimeToMs(93000, "20240102", want)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("expected %d, got %d", want, got)
	}
}

func TestParseTime_CompactDatetimeNumeric(t *testing.T) {
	want := expectedMs(t, "20240102", "09:30:00")
	got, err := parseTimeToMs(int64(20240102093000), "", want)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("expected %d, got %d", want, got)
	}
}

func TestParseTime_EpochSecondsPassthrough(t *testing.T) {
	want := expectedMs(t, "20240102", "09:30:00")
	got, err := parseTimeToMs(want/1000, "20240102", want)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("expected %d, got %d", want, got)
	}
}

func TestParseTime_EpochMillisPassthrough(t *testing.T) {
	want := expectedMs(t, "20240102", "09:30:00")
	got, err := parseTimeToMs(want, "20240102", want)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("expected %d, got %d", want, got)
	}
}

func TestParseTime_ZoneSuffixedString(t *testing.T) {
	want := expectedMs(t, "20240102", "09:30:00")
	got, err := parseTimeToMs("2024-01-02T01:30:00+00:00", "20240102", want)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Errorf("expected %d, got %d", want, got)
	}
}

func TestMapRow_CorrectsEightHourFuture(t *testing.T) {
	want := expectedMs(t, "20240102", "09:30:00")
	m := fixedMapper(want)
	tick, err := m.MapRow(Raw{
		"code":        "HK.00700",
		"time":        want + 8*3600*1000,
		"trading_day": "20240102",
	}, "push", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tick.TsMs != want {
		t.Errorf("expected corrected ts_ms=%d, got %d", want, tick.TsMs)
	}
}

func TestMapRow_NegativeSeqCleared(t *testing.T) {
	want := expectedMs(t, "20240102", "09:30:00")
	m := fixedMapper(want)
	tick, err := m.MapRow(Raw{
		"code":     "00700",
		"time":     want,
		"sequence": -5,
	}, "push", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tick.Seq != nil {
		t.Errorf("expected nil seq, got %v", *tick.Seq)
	}
	if tick.Symbol != "HK.00700" {
		t.Errorf("expected prefixed symbol, got %s", tick.Symbol)
	}
}

func TestMapRow_MissingSymbolFails(t *testing.T) {
	m := fixedMapper(1704161400000)
	_, err := m.MapRow(Raw{"time": "09:30:00"}, "push", "")
	if err == nil {
		t.Fatal("expected error for missing symbol")
	}
}

func TestMapRows_BadRowDoesNotAbortBatch(t *testing.T) {
	want := expectedMs(t, "20240102", "09:30:00")
	m := fixedMapper(want)
	ticks, errs := m.MapRows([]Raw{
		{"code": "HK.00700", "time": want, "sequence": 1},
		{"code": "HK.00700"}, // missing time
		{"code": "HK.00700", "time": want, "sequence": 2},
	}, "push", "")
	if len(ticks) != 2 {
		t.Errorf("expected 2 mapped rows, got %d", len(ticks))
	}
	if len(errs) != 1 {
		t.Errorf("expected 1 row error, got %d", len(errs))
	}
}
