package model

// Tick is a single normalized trade event from the quote gateway.
// TsMs is event time in UTC epoch milliseconds; TradingDay is derived
// from TsMs in Asia/Hong_Kong, never from host local time.
type Tick struct {
	Market       string
	Symbol       string
	TsMs         int64
	RecvTsMs     int64
	Price        *float64
	Volume       *int64
	Turnover     *float64
	Direction    string
	Seq          *int64
	TickType     string
	PushType     string
	Provider     string
	TradingDay   string
	InsertedAtMs int64
}

// RowKey is the composite identity used to dedupe rows without an
// upstream sequence number. It mirrors the store's partial unique
// index on (symbol, ts_ms, price, volume, turnover).
type RowKey struct {
	TsMs       int64
	Price      float64
	HasPrice   bool
	Volume     int64
	HasVolume  bool
	Turnover   float64
	HasTurn    bool
}

// Key returns the composite identity of a seq-less tick. The symbol is
// not part of the key because callers track keys per symbol.
func (t *Tick) Key() RowKey {
	k := RowKey{TsMs: t.TsMs}
	if t.Price != nil {
		k.Price, k.HasPrice = *t.Price, true
	}
	if t.Volume != nil {
		k.Volume, k.HasVolume = *t.Volume, true
	}
	if t.Turnover != nil {
		k.Turnover, k.HasTurn = *t.Turnover, true
	}
	return k
}

// MaxSeq returns the largest non-nil Seq in rows, or -1 when none carry one.
func MaxSeq(rows []Tick) int64 {
	max := int64(-1)
	for i := range rows {
		if rows[i].Seq != nil && *rows[i].Seq > max {
			max = *rows[i].Seq
		}
	}
	return max
}
