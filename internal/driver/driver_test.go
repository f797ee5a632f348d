package driver

import (
	"context"
	"testing"
	"time"

	"hk-tick-collector/internal/mapper"
	"hk-tick-collector/internal/seqstate"
	"hk-tick-collector/internal/tickqueue"
)

// fakeGateway serves scripted recent-ticker responses.
type fakeGateway struct {
	recent map[string][]mapper.Raw
}

func (g *fakeGateway) Subscribe(symbols []string) error   { return nil }
func (g *fakeGateway) Unsubscribe(symbols []string) error { return nil }
func (g *fakeGateway) Ping() error                        { return nil }
func (g *fakeGateway) Close() error                       { return nil }
func (g *fakeGateway) RecentTickers(symbol string, n int) ([]mapper.Raw, error) {
	rows := g.recent[symbol]
	if len(rows) > n {
		rows = rows[len(rows)-n:]
	}
	return rows, nil
}

func rawRow(symbol string, seq int64, tsMs int64) mapper.Raw {
	return mapper.Raw{
		"code":     symbol,
		"time":     tsMs,
		"price":    300.5,
		"volume":   100,
		"turnover": 30050.0,
		"sequence": seq,
	}
}

func newTestDriver(t *testing.T, queueCap int, symbols ...string) (*Driver, *tickqueue.Queue, *seqstate.State) {
	t.Helper()
	if len(symbols) == 0 {
		symbols = []string{"HK.00700"}
	}
	q := tickqueue.New(queueCap)
	seqs := seqstate.New()
	m := mapper.New("HK", "futu")
	d := New(Config{
		Symbols:     symbols,
		Market:      "HK",
		Provider:    "futu",
		PollEnabled: true,
		PollNum:     100,
	}, nil, m, q, seqs, nil, nil)
	return d, q, seqs
}

func baseMs() int64 { return time.Now().Add(-time.Minute).UnixMilli() }

func TestPushHappyPath(t *testing.T) {
	d, q, seqs := newTestDriver(t, 10)
	ts := baseMs()

	d.handlePushRows([]mapper.Raw{rawRow("HK.00700", 1, ts), rawRow("HK.00700", 2, ts+100), rawRow("HK.00700", 3, ts+200)})
	d.handlePushRows([]mapper.Raw{rawRow("HK.00700", 4, ts+300), rawRow("HK.00700", 5, ts+400)})

	if q.Depth() != 5 {
		t.Errorf("expected 5 queued rows, got %d", q.Depth())
	}
	wm := seqs.Snapshot()["HK.00700"]
	if wm.Accepted != 5 || wm.Seen != 5 {
		t.Errorf("expected accepted=seen=5, got %+v", wm)
	}
	if q.Overflow() != 0 {
		t.Errorf("expected zero drops, got %d", q.Overflow())
	}
}

func TestPushDuplicateSeqDropped(t *testing.T) {
	d, q, seqs := newTestDriver(t, 10)
	ts := baseMs()

	d.handlePushRows([]mapper.Raw{rawRow("HK.00700", 10, ts), rawRow("HK.00700", 11, ts+100)})
	d.handlePushRows([]mapper.Raw{rawRow("HK.00700", 10, ts), rawRow("HK.00700", 11, ts+100), rawRow("HK.00700", 12, ts+200)})

	if q.Depth() != 3 {
		t.Errorf("expected 3 queued rows after dedupe, got %d", q.Depth())
	}
	if wm := seqs.Snapshot()["HK.00700"]; wm.Accepted != 12 {
		t.Errorf("expected accepted=12, got %d", wm.Accepted)
	}
}

func TestQueueFullRollsBackAccepted(t *testing.T) {
	d, q, seqs := newTestDriver(t, 3)
	ts := baseMs()

	var rows []mapper.Raw
	for i := int64(100); i <= 104; i++ {
		rows = append(rows, rawRow("HK.00700", i, ts+i))
	}
	d.handlePushRows(rows)

	if q.Depth() != 3 {
		t.Fatalf("expected queue at capacity 3, got %d", q.Depth())
	}
	if q.Overflow() != 2 {
		t.Errorf("expected 2 overflow events, got %d", q.Overflow())
	}
	wm := seqs.Snapshot()["HK.00700"]
	if wm.Accepted != 102 {
		t.Errorf("accepted must equal max successfully offered seq 102, got %d", wm.Accepted)
	}
	if wm.Seen != 104 {
		t.Errorf("seen must still advance to 104, got %d", wm.Seen)
	}

	// Later poll re-surfaces the missing seqs once the queue drains.
	q.DrainBatch(10, 10*time.Millisecond)
	gw := &fakeGateway{recent: map[string][]mapper.Raw{
		"HK.00700": {rawRow("HK.00700", 101, ts+101), rawRow("HK.00700", 102, ts+102), rawRow("HK.00700", 103, ts+103), rawRow("HK.00700", 104, ts+104)},
	}}
	d.lastTickSeenAt = map[string]time.Time{} // force poll eligibility
	d.lastPushAt = map[string]time.Time{}
	d.pollCycle(testCtx(), gw)

	if q.Depth() != 2 {
		t.Errorf("expected poll to enqueue exactly seqs 103 and 104, got %d rows", q.Depth())
	}
	if wm := seqs.Snapshot()["HK.00700"]; wm.Accepted != 104 {
		t.Errorf("expected accepted=104 after poll, got %d", wm.Accepted)
	}
}

func TestPollRespectsBaseline(t *testing.T) {
	d, q, seqs := newTestDriver(t, 10)
	ts := baseMs()

	// Push delivered 10..12; poll returns 9..13 within the same cycle.
	d.handlePushRows([]mapper.Raw{rawRow("HK.00700", 10, ts), rawRow("HK.00700", 11, ts+100), rawRow("HK.00700", 12, ts+200)})
	if got := seqs.Baseline("HK.00700"); got != 12 {
		t.Fatalf("expected baseline=12, got %d", got)
	}
	drained := q.DrainBatch(10, 10*time.Millisecond)
	if len(drained) != 3 {
		t.Fatalf("expected 3 pushed rows, got %d", len(drained))
	}

	gw := &fakeGateway{recent: map[string][]mapper.Raw{"HK.00700": {
		rawRow("HK.00700", 9, ts-100), rawRow("HK.00700", 10, ts), rawRow("HK.00700", 11, ts+100),
		rawRow("HK.00700", 12, ts+200), rawRow("HK.00700", 13, ts+300),
	}}}
	d.lastTickSeenAt = map[string]time.Time{}
	d.lastPushAt = map[string]time.Time{}
	d.pollCycle(testCtx(), gw)

	rows := q.DrainBatch(10, 10*time.Millisecond)
	if len(rows) != 1 {
		t.Fatalf("expected only seq 13 through dedupe, got %d rows", len(rows))
	}
	if rows[0].Seq == nil || *rows[0].Seq != 13 {
		t.Errorf("expected seq 13, got %v", rows[0].Seq)
	}
}

func TestPollSkipsFreshSymbols(t *testing.T) {
	d, q, _ := newTestDriver(t, 10)
	ts := baseMs()

	d.handlePushRows([]mapper.Raw{rawRow("HK.00700", 1, ts)})
	q.DrainBatch(10, 10*time.Millisecond)

	gw := &fakeGateway{recent: map[string][]mapper.Raw{"HK.00700": {rawRow("HK.00700", 2, ts+100)}}}
	d.pollCycle(testCtx(), gw)
	if q.Depth() != 0 {
		t.Errorf("poll must skip a symbol pushed within the stale window, got %d rows", q.Depth())
	}
}

func TestPollSeqlessRowsUseCompositeWindow(t *testing.T) {
	d, q, _ := newTestDriver(t, 10)
	ts := baseMs()

	seqless := mapper.Raw{"code": "HK.00700", "time": ts, "price": 300.5, "volume": 100, "turnover": 30050.0}
	gw := &fakeGateway{recent: map[string][]mapper.Raw{"HK.00700": {seqless, seqless}}}
	d.pollCycle(testCtx(), gw)
	if q.Depth() != 1 {
		t.Fatalf("intra-batch seqless duplicate must be dropped, got %d", q.Depth())
	}

	// The same row on the next cycle is in the recent-key window.
	q.DrainBatch(10, 10*time.Millisecond)
	d.lastTickSeenAt = map[string]time.Time{}
	d.lastPushAt = map[string]time.Time{}
	d.pollCycle(testCtx(), gw)
	if q.Depth() != 0 {
		t.Errorf("recent-key window must drop replayed seqless rows, got %d", q.Depth())
	}
}

func TestSnapshotWindowResets(t *testing.T) {
	d, _, _ := newTestDriver(t, 10)
	ts := baseMs()
	d.handlePushRows([]mapper.Raw{rawRow("HK.00700", 1, ts)})

	snap := d.TakeSnapshot()
	if snap.Window.PushRows != 1 {
		t.Errorf("expected 1 push row in window, got %d", snap.Window.PushRows)
	}
	if again := d.TakeSnapshot(); again.Window.PushRows != 0 {
		t.Errorf("window must reset after snapshot, got %d", again.Window.PushRows)
	}
}

func TestMapErrorsCounted(t *testing.T) {
	d, q, _ := newTestDriver(t, 10)
	d.handlePushRows([]mapper.Raw{{"time": "09:30:00"}}) // missing symbol
	if q.Depth() != 0 {
		t.Errorf("unmappable row must not enqueue")
	}
	if snap := d.TakeSnapshot(); snap.Window.MapErrors != 1 {
		t.Errorf("expected 1 map error, got %d", snap.Window.MapErrors)
	}
}

func testCtx() context.Context { return context.Background() }
