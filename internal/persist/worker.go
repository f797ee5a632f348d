// Package persist runs the single persistence worker: it drains the
// queue, groups rows by trading day and commits them through the
// sqlite writer, retrying transient errors forever and rebuilding the
// writer on permanent ones. The writer is a value owned by the worker;
// recovery is "drop and rebuild the value".
package persist

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"hk-tick-collector/internal/metrics"
	"hk-tick-collector/internal/model"
	"hk-tick-collector/internal/seqstate"
	"hk-tick-collector/internal/store/sqlite"
	"hk-tick-collector/internal/tickqueue"
)

// Inserter is the writer surface the worker drives. *sqlite.Writer is
// the production implementation; tests substitute fakes.
type Inserter interface {
	InsertBatch(tradingDay string, rows []model.Tick) (sqlite.Result, error)
	WALSize(tradingDay string) int64
	Close()
}

// Config carries the worker pacing knobs.
type Config struct {
	BatchSize         int
	MaxWait           time.Duration
	RetryBackoff      time.Duration
	RetryBackoffMax   time.Duration
	HeartbeatInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.RetryBackoffMax < c.RetryBackoff {
		c.RetryBackoffMax = 2 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	return c
}

// RuntimeState is the watchdog's view of the worker.
type RuntimeState struct {
	WorkerAlive       bool
	LastDequeue       time.Time
	LastCommit        time.Time
	LastCommitRows    int
	Commits           int64
	RowsInserted      int64
	RowsIgnored       int64
	BusyBackoffCount  int64
	LastExceptionType string
	LastExceptionAt   time.Time
	RecoveryCount     int64
	ActiveTradingDay  string
}

type recoveryRequest struct {
	reason string
	done   chan struct{}
}

// Worker is the single persistence goroutine.
type Worker struct {
	cfg       Config
	queue     *tickqueue.Queue
	seqs      *seqstate.State
	newWriter func() Inserter
	prom      *metrics.Metrics

	stopCh  chan struct{}
	doneCh  chan struct{}
	stopOne sync.Once

	mu             sync.Mutex
	alive          bool
	lastDequeue    time.Time
	lastCommit     time.Time
	lastCommitRows int
	commits        int64
	rowsInserted   int64
	rowsIgnored    int64
	busyBackoff    int64
	lastErrType    string
	lastErrAt      time.Time
	recoveries     int64
	activeDay      string
	pendingRecover *recoveryRequest

	lastHeartbeat time.Time
}

func New(cfg Config, queue *tickqueue.Queue, seqs *seqstate.State, newWriter func() Inserter, prom *metrics.Metrics) *Worker {
	return &Worker{
		cfg:       cfg.withDefaults(),
		queue:     queue,
		seqs:      seqs,
		newWriter: newWriter,
		prom:      prom,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (w *Worker) Start() {
	w.mu.Lock()
	w.alive = true
	w.lastHeartbeat = time.Now()
	w.mu.Unlock()
	go w.run()
}

// Stop requests a graceful drain and waits up to flushTimeout for the
// queue to empty. Returns an error when the flush budget expires with
// rows still buffered.
func (w *Worker) Stop(flushTimeout time.Duration) error {
	w.stopOne.Do(func() { close(w.stopCh) })
	select {
	case <-w.doneCh:
		return nil
	case <-time.After(flushTimeout):
		return fmt.Errorf("persist flush timed out after %s with %d rows queued", flushTimeout, w.queue.Depth())
	}
}

// RequestWriterRecovery asks the worker to close and rebuild its
// writer at the next safe point. Returns true when the worker
// acknowledged within joinTimeout.
func (w *Worker) RequestWriterRecovery(reason string, joinTimeout time.Duration) bool {
	w.mu.Lock()
	if !w.alive {
		w.mu.Unlock()
		return false
	}
	if w.pendingRecover == nil {
		w.pendingRecover = &recoveryRequest{reason: reason, done: make(chan struct{})}
	}
	req := w.pendingRecover
	w.mu.Unlock()

	select {
	case <-req.done:
		return true
	case <-time.After(joinTimeout):
		return false
	}
}

// Runtime snapshots the liveness signals the watchdog samples.
func (w *Worker) Runtime() RuntimeState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return RuntimeState{
		WorkerAlive:       w.alive,
		LastDequeue:       w.lastDequeue,
		LastCommit:        w.lastCommit,
		LastCommitRows:    w.lastCommitRows,
		Commits:           w.commits,
		RowsInserted:      w.rowsInserted,
		RowsIgnored:       w.rowsIgnored,
		BusyBackoffCount:  w.busyBackoff,
		LastExceptionType: w.lastErrType,
		LastExceptionAt:   w.lastErrAt,
		RecoveryCount:     w.recoveries,
		ActiveTradingDay:  w.activeDay,
	}
}

func (w *Worker) run() {
	defer close(w.doneCh)
	writer := w.newWriter()
	defer func() {
		writer.Close()
		w.mu.Lock()
		w.alive = false
		w.mu.Unlock()
	}()

	stopping := false
	for {
		select {
		case <-w.stopCh:
			stopping = true
		default:
		}

		writer = w.maybeRecover(writer)

		wait := w.cfg.MaxWait
		if stopping {
			wait = 50 * time.Millisecond
		}
		batch := w.queue.DrainBatch(w.cfg.BatchSize, wait)
		if len(batch) == 0 {
			if stopping {
				return
			}
			w.maybeHeartbeat(writer)
			continue
		}

		w.mu.Lock()
		w.lastDequeue = time.Now()
		w.mu.Unlock()

		for _, day := range sortedDays(batch) {
			rows := rowsForDay(batch, day)
			writer = w.commitWithRetry(writer, day, rows)
		}
		w.maybeHeartbeat(writer)
	}
}

// commitWithRetry commits one day bucket, retrying transient errors
// forever with capped backoff. Permanent errors rebuild the writer and
// keep the batch; it never returns until the rows are committed.
func (w *Worker) commitWithRetry(writer Inserter, day string, rows []model.Tick) Inserter {
	backoff := w.cfg.RetryBackoff
	for {
		res, err := writer.InsertBatch(day, rows)
		if err == nil {
			w.recordCommit(day, rows, res)
			return writer
		}

		w.recordError(err)
		switch {
		case sqlite.IsBusy(err):
			w.mu.Lock()
			w.busyBackoff++
			w.mu.Unlock()
			if w.prom != nil {
				w.prom.BusyBackoffTotal.Inc()
			}
			log.Printf("[persist] busy_backoff trading_day=%s batch=%d backoff=%s err=%v", day, len(rows), backoff, err)
		default:
			// Permanent or unknown: drop and rebuild the writer, keep
			// the batch.
			log.Printf("[persist] writer_rebuild trading_day=%s batch=%d err=%v", day, len(rows), err)
			writer.Close()
			writer = w.newWriter()
			if w.prom != nil {
				w.prom.WriterRebuilds.Inc()
			}
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > w.cfg.RetryBackoffMax {
			backoff = w.cfg.RetryBackoffMax
		}

		w.mu.Lock()
		req := w.pendingRecover
		w.mu.Unlock()
		if req != nil {
			writer = w.maybeRecover(writer)
		}
	}
}

func (w *Worker) recordCommit(day string, rows []model.Tick, res sqlite.Result) {
	maxBySymbol := make(map[string]int64)
	for i := range rows {
		r := &rows[i]
		if r.Seq == nil {
			continue
		}
		if cur, ok := maxBySymbol[r.Symbol]; !ok || *r.Seq > cur {
			maxBySymbol[r.Symbol] = *r.Seq
		}
	}
	for symbol, seq := range maxBySymbol {
		w.seqs.MarkPersisted(symbol, seq)
	}

	w.mu.Lock()
	w.lastCommit = time.Now()
	w.lastCommitRows = len(rows)
	w.commits++
	w.rowsInserted += int64(res.Inserted)
	w.rowsIgnored += int64(res.Ignored)
	w.activeDay = day
	w.mu.Unlock()

	if w.prom != nil {
		w.prom.CommitsTotal.Inc()
		w.prom.RowsInsertedTotal.Add(float64(res.Inserted))
		w.prom.RowsIgnoredTotal.Add(float64(res.Ignored))
		w.prom.CommitLatency.Observe(res.CommitLatency.Seconds())
	}
	log.Printf("[persist] commit db_path=%s batch=%d inserted=%d ignored=%d commit_latency_ms=%d",
		res.DBPath, res.Batch, res.Inserted, res.Ignored, res.CommitLatency.Milliseconds())
}

func (w *Worker) recordError(err error) {
	w.mu.Lock()
	w.lastErrType = fmt.Sprintf("%T", err)
	w.lastErrAt = time.Now()
	w.mu.Unlock()
}

// maybeRecover honors a pending recovery request at a safe point.
func (w *Worker) maybeRecover(writer Inserter) Inserter {
	w.mu.Lock()
	req := w.pendingRecover
	w.pendingRecover = nil
	w.mu.Unlock()
	if req == nil {
		return writer
	}

	log.Printf("[persist] writer_recovery reason=%s", req.reason)
	writer.Close()
	writer = w.newWriter()

	w.mu.Lock()
	w.recoveries++
	w.mu.Unlock()
	if w.prom != nil {
		w.prom.WriterRecoveries.Inc()
	}
	close(req.done)
	return writer
}

func (w *Worker) maybeHeartbeat(writer Inserter) {
	w.mu.Lock()
	if time.Since(w.lastHeartbeat) < w.cfg.HeartbeatInterval {
		w.mu.Unlock()
		return
	}
	w.lastHeartbeat = time.Now()
	day := w.activeDay
	commits := w.commits
	inserted := w.rowsInserted
	ignored := w.rowsIgnored
	busy := w.busyBackoff
	recoveries := w.recoveries
	errType := w.lastErrType
	errAt := w.lastErrAt
	w.mu.Unlock()

	walSize := int64(0)
	if day != "" {
		walSize = writer.WALSize(day)
	}
	errAge := "none"
	if !errAt.IsZero() {
		errAge = time.Since(errAt).Round(time.Second).String()
	}
	if errType == "" {
		errType = "none"
	}
	if w.prom != nil {
		w.prom.QueueDepth.Set(float64(w.queue.Depth()))
		w.prom.QueueOverflow.Set(float64(w.queue.Overflow()))
		w.prom.WALSizeBytes.Set(float64(walSize))
	}
	log.Printf("[persist] heartbeat queue=%d/%d commits=%d inserted=%d ignored=%d busy_backoff=%d wal_size=%d last_exception=%s last_exception_age=%s recoveries=%d",
		w.queue.Depth(), w.queue.Capacity(), commits, inserted, ignored, busy, walSize, errType, errAge, recoveries)
}

func sortedDays(batch []model.Tick) []string {
	seen := make(map[string]bool)
	var days []string
	for i := range batch {
		day := batch[i].TradingDay
		if !seen[day] {
			seen[day] = true
			days = append(days, day)
		}
	}
	sort.Strings(days)
	return days
}

func rowsForDay(batch []model.Tick, day string) []model.Tick {
	var rows []model.Tick
	for i := range batch {
		if batch[i].TradingDay == day {
			rows = append(rows, batch[i])
		}
	}
	return rows
}
