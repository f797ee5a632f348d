package persist

import (
	"sync"
	"testing"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"hk-tick-collector/internal/model"
	"hk-tick-collector/internal/seqstate"
	"hk-tick-collector/internal/store/sqlite"
	"hk-tick-collector/internal/tickqueue"
)

// fakeInserter scripts InsertBatch outcomes for the worker.
type fakeInserter struct {
	mu       sync.Mutex
	failures []error // consumed one per call before succeeding
	inserted [][]model.Tick
	closed   bool
}

func (f *fakeInserter) InsertBatch(day string, rows []model.Tick) (sqlite.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return sqlite.Result{}, err
	}
	copied := make([]model.Tick, len(rows))
	copy(copied, rows)
	f.inserted = append(f.inserted, copied)
	return sqlite.Result{Batch: len(rows), Inserted: len(rows)}, nil
}

func (f *fakeInserter) WALSize(string) int64 { return 0 }
func (f *fakeInserter) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeInserter) commitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func tick(symbol, day string, seq int64) model.Tick {
	return model.Tick{Symbol: symbol, Seq: &seq, TradingDay: day}
}

func fastConfig() Config {
	return Config{
		BatchSize:       10,
		MaxWait:         20 * time.Millisecond,
		RetryBackoff:    5 * time.Millisecond,
		RetryBackoffMax: 10 * time.Millisecond,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestCommitAdvancesPersisted(t *testing.T) {
	q := tickqueue.New(100)
	seqs := seqstate.New()
	ins := &fakeInserter{}
	w := New(fastConfig(), q, seqs, func() Inserter { return ins }, nil)
	w.Start()
	defer w.Stop(time.Second)

	for i := int64(1); i <= 5; i++ {
		seqs.TryAccept("HK.00700", i)
		q.Offer(tick("HK.00700", "20240102", i))
	}
	waitFor(t, time.Second, func() bool {
		return seqs.Snapshot()["HK.00700"].Persisted == 5
	})
	if got := w.Runtime().Commits; got < 1 {
		t.Errorf("expected at least one commit, got %d", got)
	}
}

func TestGroupsByTradingDay(t *testing.T) {
	q := tickqueue.New(100)
	seqs := seqstate.New()
	ins := &fakeInserter{}
	w := New(fastConfig(), q, seqs, func() Inserter { return ins }, nil)
	w.Start()
	defer w.Stop(time.Second)

	q.Offer(tick("HK.00700", "20240101", 1))
	q.Offer(tick("HK.00700", "20240102", 2))
	q.Offer(tick("HK.00700", "20240102", 3))

	waitFor(t, time.Second, func() bool { return ins.commitCount() >= 2 })

	ins.mu.Lock()
	defer ins.mu.Unlock()
	days := make(map[string]int)
	for _, batch := range ins.inserted {
		day := batch[0].TradingDay
		for _, r := range batch {
			if r.TradingDay != day {
				t.Errorf("mixed trading days in one batch: %s vs %s", r.TradingDay, day)
			}
		}
		days[day] += len(batch)
	}
	if days["20240101"] != 1 || days["20240102"] != 2 {
		t.Errorf("unexpected day grouping: %v", days)
	}
}

func TestTransientBusyRetriesSameBatch(t *testing.T) {
	q := tickqueue.New(100)
	seqs := seqstate.New()
	busy := sqlite3.Error{Code: sqlite3.ErrBusy}
	ins := &fakeInserter{failures: []error{busy, busy, busy}}
	w := New(fastConfig(), q, seqs, func() Inserter { return ins }, nil)
	w.Start()
	defer w.Stop(time.Second)

	seqs.TryAccept("HK.00700", 1)
	q.Offer(tick("HK.00700", "20240102", 1))

	waitFor(t, 2*time.Second, func() bool { return ins.commitCount() == 1 })
	rt := w.Runtime()
	if rt.BusyBackoffCount < 3 {
		t.Errorf("expected busy_backoff >= 3, got %d", rt.BusyBackoffCount)
	}
	if seqs.Snapshot()["HK.00700"].Persisted != 1 {
		t.Error("persisted must advance exactly once after retries")
	}
}

func TestPermanentErrorRebuildsWriterAndKeepsBatch(t *testing.T) {
	q := tickqueue.New(100)
	seqs := seqstate.New()
	ioErr := sqlite3.Error{Code: sqlite3.ErrIoErr}

	var mu sync.Mutex
	var writers []*fakeInserter
	first := &fakeInserter{failures: []error{ioErr}}
	writers = append(writers, first)
	factory := func() Inserter {
		mu.Lock()
		defer mu.Unlock()
		if len(writers) == 1 && writers[0].closed {
			w2 := &fakeInserter{}
			writers = append(writers, w2)
			return w2
		}
		return writers[len(writers)-1]
	}

	w := New(fastConfig(), q, seqs, factory, nil)
	w.Start()
	defer w.Stop(time.Second)

	seqs.TryAccept("HK.00700", 7)
	q.Offer(tick("HK.00700", "20240102", 7))

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, fi := range writers {
			if fi.commitCount() > 0 {
				return true
			}
		}
		return false
	})

	mu.Lock()
	defer mu.Unlock()
	if !writers[0].closed {
		t.Error("failed writer must be closed and rebuilt")
	}
	total := 0
	for _, fi := range writers {
		total += fi.commitCount()
	}
	if total != 1 {
		t.Errorf("batch must be committed exactly once, got %d", total)
	}
}

func TestWriterRecoveryRequest(t *testing.T) {
	q := tickqueue.New(100)
	seqs := seqstate.New()
	ins := &fakeInserter{}
	w := New(fastConfig(), q, seqs, func() Inserter { return ins }, nil)
	w.Start()
	defer w.Stop(time.Second)

	if !w.RequestWriterRecovery("watchdog_test", time.Second) {
		t.Fatal("expected recovery ack")
	}
	rt := w.Runtime()
	if rt.RecoveryCount != 1 {
		t.Errorf("expected recovery count 1, got %d", rt.RecoveryCount)
	}
	ins.mu.Lock()
	closed := ins.closed
	ins.mu.Unlock()
	if !closed {
		t.Error("recovery must close the old writer")
	}
}

func TestStopDrainsQueue(t *testing.T) {
	q := tickqueue.New(100)
	seqs := seqstate.New()
	ins := &fakeInserter{}
	w := New(fastConfig(), q, seqs, func() Inserter { return ins }, nil)
	w.Start()

	for i := int64(1); i <= 30; i++ {
		q.Offer(tick("HK.00700", "20240102", i))
	}
	if err := w.Stop(2 * time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if q.Depth() != 0 {
		t.Errorf("queue not drained: %d rows left", q.Depth())
	}
	total := 0
	ins.mu.Lock()
	for _, b := range ins.inserted {
		total += len(b)
	}
	ins.mu.Unlock()
	if total != 30 {
		t.Errorf("expected 30 rows committed on drain, got %d", total)
	}
	if w.Runtime().WorkerAlive {
		t.Error("worker must not report alive after stop")
	}
}
