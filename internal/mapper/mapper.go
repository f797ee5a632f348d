// Package mapper converts raw gateway rows (loose bags of named
// fields) into normalized model.Tick records. The driver is the only
// caller; it loops over a batch and accumulates per-row errors without
// abandoning the rest of the batch.
package mapper

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"hk-tick-collector/internal/marketcal"
	"hk-tick-collector/internal/model"
)

// Raw is one upstream row as delivered by the gateway client.
type Raw = map[string]any

// RowError reports a row that could not be mapped. The batch continues.
type RowError struct {
	Field  string
	Reason string
}

func (e *RowError) Error() string {
	return fmt.Sprintf("map row: %s: %s", e.Field, e.Reason)
}

const (
	// Event times more than this far ahead of wall clock are suspect.
	futureSlack = 2 * time.Hour
	eightHours  = 8 * time.Hour
)

// Mapper carries the static row attributes of one acquisition path.
type Mapper struct {
	Market   string
	Provider string

	// now is swappable in tests; defaults to time.Now.
	now func() time.Time
}

func New(market, provider string) *Mapper {
	return &Mapper{Market: market, Provider: provider, now: time.Now}
}

// MapRows maps a batch, collecting per-row errors.
func (m *Mapper) MapRows(rows []Raw, pushType, defaultSymbol string) ([]model.Tick, []error) {
	var (
		ticks []model.Tick
		errs  []error
	)
	for _, raw := range rows {
		tick, err := m.MapRow(raw, pushType, defaultSymbol)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ticks = append(ticks, tick)
	}
	return ticks, errs
}

// MapRow maps a single raw row.
func (m *Mapper) MapRow(raw Raw, pushType, defaultSymbol string) (model.Tick, error) {
	code := firstString(raw, "code", "symbol")
	if code == "" {
		code = defaultSymbol
	}
	if code == "" {
		return model.Tick{}, &RowError{Field: "code", Reason: "missing symbol"}
	}
	market, symbol := splitMarketSymbol(code, m.Market)
	if market == "" || symbol == "" {
		return model.Tick{}, &RowError{Field: "code", Reason: "empty market or symbol"}
	}

	day := normalizeTradingDay(firstValue(raw, "trading_day", "date"))

	timeVal := firstValue(raw, "time", "timestamp", "ts")
	if timeVal == nil {
		return model.Tick{}, &RowError{Field: "time", Reason: "missing time value"}
	}
	nowMs := m.now().UnixMilli()
	tsMs, err := parseTimeToMs(timeVal, day, nowMs)
	if err != nil {
		return model.Tick{}, &RowError{Field: "time", Reason: err.Error()}
	}
	if corrected, ok := correctEightHourFuture(tsMs, nowMs); ok {
		log.Printf("[mapper] ts_future_corrected symbol=%s raw_ts_ms=%d corrected_ts_ms=%d", symbol, tsMs, corrected)
		tsMs = corrected
	}
	// The upstream trading_day only anchors clock-only times; the
	// stored value is always derived from the event time itself.
	day = marketcal.TradingDayFromMs(tsMs)

	seq := toInt64Ptr(firstValue(raw, "sequence", "seq"))
	if seq != nil && *seq < 0 {
		seq = nil
	}

	return model.Tick{
		Market:     market,
		Symbol:     symbol,
		TsMs:       tsMs,
		RecvTsMs:   nowMs,
		Price:      toFloat64Ptr(raw["price"]),
		Volume:     toInt64Ptr(raw["volume"]),
		Turnover:   toFloat64Ptr(raw["turnover"]),
		Direction:  firstString(raw, "ticker_direction", "direction"),
		Seq:        seq,
		TickType:   firstString(raw, "type", "tick_type"),
		PushType:   pushType,
		Provider:   m.Provider,
		TradingDay: day,
	}, nil
}

// correctEightHourFuture detects the historical +8h timezone bug: an
// event time more than two hours ahead of wall clock that lands back
// inside the plausible window once eight hours are subtracted.
func correctEightHourFuture(tsMs, nowMs int64) (int64, bool) {
	if tsMs <= nowMs+futureSlack.Milliseconds() {
		return tsMs, false
	}
	corrected := tsMs - eightHours.Milliseconds()
	if corrected <= nowMs+futureSlack.Milliseconds() {
		return corrected, true
	}
	return tsMs, false
}

// parseTimeToMs converts an upstream time value to UTC epoch ms.
// Zone-naive market times are interpreted as Asia/Hong_Kong; numeric
// values recognizably in epoch seconds or milliseconds pass through.
func parseTimeToMs(value any, tradingDay string, nowMs int64) (int64, error) {
	switch v := value.(type) {
	case int:
		return numericToMs(float64(v), tradingDay)
	case int64:
		return numericToMs(float64(v), tradingDay)
	case float64:
		return numericToMs(v, tradingDay)
	case string:
		return stringToMs(v, tradingDay)
	default:
		return 0, fmt.Errorf("unsupported time type %T", value)
	}
}

func numericToMs(v float64, tradingDay string) (int64, error) {
	if v < 0 {
		return 0, fmt.Errorf("negative time value %v", v)
	}
	n := int64(v)
	if isCompactDatetime(n) {
		return compactDatetimeToMs(n)
	}
	switch {
	case v > 1e12:
		return n, nil // epoch milliseconds
	case v > 1e9:
		return int64(v * 1000), nil // epoch seconds
	default:
		return compactClockToMs(n, tradingDay)
	}
}

// isCompactDatetime recognizes 14-digit YYYYMMDDHHMMSS values, which
// would otherwise be misread as far-future epoch milliseconds.
func isCompactDatetime(n int64) bool {
	if n < 1e13 || n >= 1e14 {
		return false
	}
	year := n / 1e10
	month := (n / 1e8) % 100
	day := (n / 1e6) % 100
	return year >= 1970 && year <= 2100 && month >= 1 && month <= 12 && day >= 1 && day <= 31
}

func compactDatetimeToMs(n int64) (int64, error) {
	t, err := time.ParseInLocation("20060102150405", fmt.Sprintf("%014d", n), marketcal.HK)
	if err != nil {
		return 0, fmt.Errorf("compact datetime %d: %w", n, err)
	}
	return t.UnixMilli(), nil
}

// compactClockToMs combines a numeric HHMMSS clock with the trading day.
func compactClockToMs(n int64, tradingDay string) (int64, error) {
	if n >= 1000000 {
		return 0, fmt.Errorf("unrecognized numeric time %d", n)
	}
	day := tradingDay
	if day == "" {
		day = marketcal.CurrentTradingDay()
	}
	t, err := time.ParseInLocation(marketcal.DayLayout+"150405", day+fmt.Sprintf("%06d", n), marketcal.HK)
	if err != nil {
		return 0, fmt.Errorf("compact clock %d on day %s: %w", n, day, err)
	}
	return t.UnixMilli(), nil
}

var datetimeLayouts = []string{
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05.000",
	"2006/01/02 15:04:05",
}

func stringToMs(s, tradingDay string) (int64, error) {
	text := strings.TrimSpace(s)
	if text == "" {
		return 0, fmt.Errorf("empty time value")
	}

	if isDigits(text) {
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("numeric time %q: %w", text, err)
		}
		return numericToMs(float64(n), tradingDay)
	}

	// Zone-suffixed values carry their own offset.
	if strings.ContainsAny(text, "Zz") || strings.Count(text, "+") > 0 || hasTrailingOffset(text) {
		if t, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return t.UnixMilli(), nil
		}
		if t, err := time.Parse(time.RFC3339, text); err == nil {
			return t.UnixMilli(), nil
		}
	}

	if strings.ContainsAny(text, "-/") || strings.Contains(text, " ") {
		normalized := strings.Replace(text, "T", " ", 1)
		for _, layout := range datetimeLayouts {
			if t, err := time.ParseInLocation(layout, normalized, marketcal.HK); err == nil {
				return t.UnixMilli(), nil
			}
		}
		return 0, fmt.Errorf("unrecognized datetime %q", text)
	}

	// Time-only HH:MM:SS[.mmm] combined with the trading day.
	day := tradingDay
	if day == "" {
		day = marketcal.CurrentTradingDay()
	}
	for _, layout := range []string{"15:04:05.000", "15:04:05"} {
		if t, err := time.ParseInLocation(marketcal.DayLayout+" "+layout, day+" "+text, marketcal.HK); err == nil {
			return t.UnixMilli(), nil
		}
	}
	return 0, fmt.Errorf("unrecognized time %q", text)
}

func hasTrailingOffset(s string) bool {
	// e.g. "2024-01-02 09:30:00-05:00"
	if len(s) < 6 {
		return false
	}
	tail := s[len(s)-6:]
	return (tail[0] == '+' || tail[0] == '-') && tail[3] == ':'
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// normalizeTradingDay accepts YYYYMMDD, YYYY-MM-DD or YYYY/MM/DD.
func normalizeTradingDay(value any) string {
	if value == nil {
		return ""
	}
	text := strings.TrimSpace(fmt.Sprintf("%v", value))
	if text == "" {
		return ""
	}
	text = strings.NewReplacer("-", "", "/", "").Replace(text)
	if len(text) == 8 && isDigits(text) {
		return text
	}
	return ""
}

func splitMarketSymbol(code, defaultMarket string) (market, symbol string) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", ""
	}
	if i := strings.IndexByte(code, '.'); i > 0 {
		return code[:i], code
	}
	if defaultMarket == "" {
		return "", ""
	}
	return defaultMarket, defaultMarket + "." + code
}

func firstValue(raw Raw, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstString(raw Raw, keys ...string) string {
	v := firstValue(raw, keys...)
	if v == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprintf("%v", v))
}

func toInt64Ptr(v any) *int64 {
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		n := int64(t)
		return &n
	case int64:
		return &t
	case float64:
		n := int64(t)
		return &n
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil
		}
		return &n
	default:
		return nil
	}
}

func toFloat64Ptr(v any) *float64 {
	switch t := v.(type) {
	case nil:
		return nil
	case int:
		f := float64(t)
		return &f
	case int64:
		f := float64(t)
		return &f
	case float64:
		return &t
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}
