// Package driver maintains the gateway connection and feeds both
// acquisition paths: push callbacks and the periodic poll fallback.
// All rows funnel through the same map → observe → accept → offer
// pipeline; the push callback never blocks beyond the queue offer.
package driver

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"hk-tick-collector/internal/mapper"
	"hk-tick-collector/internal/metrics"
	"hk-tick-collector/internal/model"
	"hk-tick-collector/internal/seqstate"
	"hk-tick-collector/internal/tickqueue"
)

// Gateway is the quote-gateway surface the driver drives. pkg/futu
// implements it; tests substitute fakes.
type Gateway interface {
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	RecentTickers(symbol string, n int) ([]mapper.Raw, error)
	Ping() error
	Close() error
}

// Factory dials a fresh gateway connection with the push callback and
// the asynchronous error sink already wired.
type Factory func(onTicker func(rows []mapper.Raw), onError func(error)) (Gateway, error)

// Config carries the driver knobs.
type Config struct {
	Symbols       []string
	Market        string
	Provider      string
	ReconnectMin  time.Duration
	ReconnectMax  time.Duration
	BackfillN     int
	PollEnabled   bool
	PollInterval  time.Duration
	PollNum       int
	PollStale     time.Duration
	CheckInterval time.Duration
}

// pollSkipPushFloor is the minimum freshness window: even with a tiny
// FUTU_POLL_STALE_SEC, a symbol pushed within the last two seconds is
// not polled.
const pollSkipPushFloor = 2 * time.Second

// recentKeyLimit bounds the in-memory composite-key window per symbol.
const recentKeyLimit = 500

// pollLogInterval caps poll-stats log lines to one per minute.
const pollLogInterval = time.Minute

// WindowCounters are per-reporting-window rollups sampled by health.
type WindowCounters struct {
	PushRows        int64
	PollFetched     int64
	PollAccepted    int64
	PollEnqueued    int64
	PollSeqAdvanced int64
	DropQueueFull   int64
	DropDuplicate   int64
	DropFilter      int64
	MapErrors       int64
}

// Snapshot is the watchdog's view of upstream activity.
type Snapshot struct {
	Connected    bool
	LastActiveAt time.Time
	MaxTsMsSeen  int64
	Window       WindowCounters
}

type keyWindow struct {
	order []model.RowKey
	set   map[model.RowKey]bool
}

func (kw *keyWindow) remember(k model.RowKey) {
	if kw.set[k] {
		return
	}
	kw.order = append(kw.order, k)
	kw.set[k] = true
	if len(kw.order) > recentKeyLimit {
		old := kw.order[0]
		kw.order = kw.order[1:]
		delete(kw.set, old)
	}
}

func (kw *keyWindow) seen(k model.RowKey) bool { return kw.set[k] }

// Driver owns the connection lifecycle and the two acquisition paths.
type Driver struct {
	cfg     Config
	factory Factory
	mapr    *mapper.Mapper
	queue   *tickqueue.Queue
	seqs    *seqstate.State
	prom    *metrics.Metrics
	health  *metrics.HealthStatus

	stopped atomic.Bool

	mu             sync.Mutex
	connected      bool
	lastActiveAt   time.Time
	maxTsMsSeen    int64
	lastTickSeenAt map[string]time.Time
	lastPushAt     map[string]time.Time
	recentKeys     map[string]*keyWindow
	lastPollSeq    map[string]int64
	window         WindowCounters
	lastPollLogAt  time.Time
}

func New(cfg Config, factory Factory, mapr *mapper.Mapper, queue *tickqueue.Queue, seqs *seqstate.State, prom *metrics.Metrics, health *metrics.HealthStatus) *Driver {
	if cfg.PollStale <= 0 {
		cfg.PollStale = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.PollNum <= 0 {
		cfg.PollNum = 100
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 60 * time.Second
	}
	return &Driver{
		cfg:            cfg,
		factory:        factory,
		mapr:           mapr,
		queue:          queue,
		seqs:           seqs,
		prom:           prom,
		health:         health,
		maxTsMsSeen:    -1,
		lastTickSeenAt: make(map[string]time.Time),
		lastPushAt:     make(map[string]time.Time),
		recentKeys:     make(map[string]*keyWindow),
		lastPollSeq:    make(map[string]int64),
	}
}

// Run blocks until ctx is cancelled, reconnecting with exponential
// backoff between sessions. Push callbacks stay quiescent while a
// reconnect is in progress.
func (d *Driver) Run(ctx context.Context) {
	defer d.stopped.Store(true)
	delay := d.cfg.ReconnectMin
	for ctx.Err() == nil {
		subscribed, err := d.runSession(ctx)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			delay = d.cfg.ReconnectMin
		}
		if err != nil {
			log.Printf("[driver] session ended: %v, reconnecting in %s", err, delay)
		}
		if d.prom != nil {
			d.prom.Reconnects.Inc()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > d.cfg.ReconnectMax {
			delay = d.cfg.ReconnectMax
		}
	}
}

// runSession dials, subscribes and serves one connection until it
// fails or ctx is cancelled. Returns whether the subscribe succeeded.
func (d *Driver) runSession(ctx context.Context) (bool, error) {
	sessionErr := make(chan error, 1)
	fail := func(err error) {
		select {
		case sessionErr <- err:
		default:
		}
	}

	gw, err := d.factory(d.handlePushRows, fail)
	if err != nil {
		return false, err
	}
	defer gw.Close()

	if err := gw.Subscribe(d.cfg.Symbols); err != nil {
		return false, err
	}
	log.Printf("[driver] subscribed symbols=%d", len(d.cfg.Symbols))
	d.setConnected(true)
	defer d.setConnected(false)

	if d.cfg.BackfillN > 0 {
		d.backfill(gw)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.monitorLoop(sessionCtx, gw, fail)
	}()
	if d.cfg.PollEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.pollLoop(sessionCtx, gw)
		}()
	} else {
		log.Printf("[driver] poll_disabled")
	}

	select {
	case <-ctx.Done():
		// Stop accepting pushes before tearing the connection down.
		d.stopped.Store(true)
		if err := gw.Unsubscribe(d.cfg.Symbols); err != nil {
			log.Printf("[driver] unsubscribe failed: %v", err)
		}
		cancel()
		wg.Wait()
		return true, nil
	case err := <-sessionErr:
		cancel()
		wg.Wait()
		return true, err
	}
}

func (d *Driver) monitorLoop(ctx context.Context, gw Gateway, fail func(error)) {
	ticker := time.NewTicker(d.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := gw.Ping(); err != nil {
				fail(err)
				return
			}
		}
	}
}

// handlePushRows is invoked on the gateway's read goroutine; it must
// stay non-blocking beyond the queue offer.
func (d *Driver) handlePushRows(rows []mapper.Raw) {
	if d.stopped.Load() {
		return
	}
	ticks, errs := d.mapr.MapRows(rows, "push", "")
	d.countMapErrors(errs)
	d.processTicks(ticks, "push")
}

// processTicks runs the accept/offer path shared by push, poll and
// backfill rows. Rows must already be deduped when source is "poll".
func (d *Driver) processTicks(ticks []model.Tick, source string) int {
	if len(ticks) == 0 {
		return 0
	}
	now := time.Now()
	enqueued := 0

	d.mu.Lock()
	d.lastActiveAt = now
	for i := range ticks {
		t := &ticks[i]
		d.lastTickSeenAt[t.Symbol] = now
		if source == "push" {
			d.lastPushAt[t.Symbol] = now
		}
		if t.TsMs > d.maxTsMsSeen {
			d.maxTsMsSeen = t.TsMs
		}
	}
	d.mu.Unlock()

	for i := range ticks {
		t := ticks[i]
		if t.Seq != nil {
			d.seqs.Observe(t.Symbol, *t.Seq)
			if !d.seqs.TryAccept(t.Symbol, *t.Seq) {
				d.addDrop(metrics.DropDuplicate, 1)
				continue
			}
			if !d.queue.Offer(t) {
				d.seqs.RollbackAccept(t.Symbol, *t.Seq)
				d.addDrop(metrics.DropQueueFull, 1)
				continue
			}
		} else {
			if !d.queue.Offer(t) {
				d.addDrop(metrics.DropQueueFull, 1)
				continue
			}
			d.rememberKey(t.Symbol, t.Key())
		}
		enqueued++
	}

	d.mu.Lock()
	if source == "push" {
		d.window.PushRows += int64(enqueued)
	}
	d.mu.Unlock()

	if d.prom != nil && source == "push" {
		d.prom.PushRowsTotal.Add(float64(enqueued))
	}
	if d.health != nil && enqueued > 0 {
		d.health.SetLastTickTime(now)
	}
	return enqueued
}

func (d *Driver) pollLoop(ctx context.Context, gw Gateway) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.pollCycle(ctx, gw)
		}
	}
}

func (d *Driver) pollCycle(ctx context.Context, gw Gateway) {
	type symbolStats struct {
		symbol   string
		fetched  int
		accepted int
		enqueued int
	}
	var cycle []symbolStats

	for _, symbol := range d.cfg.Symbols {
		if ctx.Err() != nil {
			return
		}
		if d.shouldSkipPoll(symbol) {
			continue
		}

		raws, err := gw.RecentTickers(symbol, d.cfg.PollNum)
		if err != nil {
			log.Printf("[driver] poll_failed symbol=%s err=%v", symbol, err)
			continue
		}
		ticks, errs := d.mapr.MapRows(raws, "poll", symbol)
		d.countMapErrors(errs)

		d.recordPollSeen(symbol, ticks)
		fresh, dupDropped, filterDropped := d.filterPolledRows(symbol, ticks)

		d.mu.Lock()
		d.window.PollFetched += int64(len(ticks))
		d.window.PollAccepted += int64(len(fresh))
		d.mu.Unlock()
		d.addDrop(metrics.DropDuplicate, dupDropped)
		d.addDrop(metrics.DropFilter, filterDropped)
		if d.prom != nil {
			d.prom.PollFetchedTotal.Add(float64(len(ticks)))
			d.prom.PollAcceptedTotal.Add(float64(len(fresh)))
		}

		enqueued := d.processTicks(fresh, "poll")
		d.mu.Lock()
		d.window.PollEnqueued += int64(enqueued)
		d.mu.Unlock()
		if d.prom != nil {
			d.prom.PollEnqueuedTotal.Add(float64(enqueued))
		}

		cycle = append(cycle, symbolStats{symbol: symbol, fetched: len(ticks), accepted: len(fresh), enqueued: enqueued})
	}

	if len(cycle) == 0 {
		return
	}
	d.mu.Lock()
	shouldLog := time.Since(d.lastPollLogAt) >= pollLogInterval
	if shouldLog {
		d.lastPollLogAt = time.Now()
	}
	d.mu.Unlock()
	if shouldLog {
		for _, s := range cycle {
			wm := d.seqs.Snapshot()[s.symbol]
			log.Printf("[driver] poll_stats symbol=%s fetched=%d accepted=%d enqueued=%d queue=%d/%d last_seen_seq=%d last_accepted_seq=%d last_persisted_seq=%d",
				s.symbol, s.fetched, s.accepted, s.enqueued,
				d.queue.Depth(), d.queue.Capacity(),
				wm.Seen, wm.Accepted, wm.Persisted)
		}
	}
}

// recordPollSeen advances seen watermarks and the poll-seq-advance
// signal for rows that will mostly be filtered as duplicates. A poll
// window that only re-fetches known rows does not advance the signal,
// so duplicate-only traffic cannot mask a stall as upstream progress.
func (d *Driver) recordPollSeen(symbol string, ticks []model.Tick) {
	if len(ticks) == 0 {
		return
	}
	now := time.Now()
	maxSeq := model.MaxSeq(ticks)
	for i := range ticks {
		if ticks[i].Seq != nil {
			d.seqs.Observe(ticks[i].Symbol, *ticks[i].Seq)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastTickSeenAt[symbol] = now
	for i := range ticks {
		if ticks[i].TsMs > d.maxTsMsSeen {
			d.maxTsMsSeen = ticks[i].TsMs
		}
	}
	if maxSeq >= 0 {
		if prev, ok := d.lastPollSeq[symbol]; !ok || maxSeq > prev {
			d.lastPollSeq[symbol] = maxSeq
			d.window.PollSeqAdvanced++
			d.lastActiveAt = now
		}
	}
}

// filterPolledRows drops rows at or below the dedupe baseline
// (max(accepted, persisted), never seen), rows already in the recent
// composite-key window, intra-batch duplicates, and rows for other
// symbols.
func (d *Driver) filterPolledRows(symbol string, ticks []model.Tick) (fresh []model.Tick, dupDropped, filterDropped int) {
	if len(ticks) == 0 {
		return nil, 0, 0
	}
	baseline := d.seqs.Baseline(symbol)
	seenSeq := make(map[int64]bool)
	seenKeys := make(map[model.RowKey]bool)

	d.mu.Lock()
	kw := d.recentKeys[symbol]
	d.mu.Unlock()

	for i := range ticks {
		t := ticks[i]
		if t.Symbol != symbol {
			filterDropped++
			continue
		}
		if t.Seq == nil {
			k := t.Key()
			if seenKeys[k] || (kw != nil && kw.seen(k)) {
				dupDropped++
				continue
			}
			seenKeys[k] = true
			fresh = append(fresh, t)
			continue
		}
		if seenSeq[*t.Seq] {
			dupDropped++
			continue
		}
		if baseline != seqstate.None && *t.Seq <= baseline {
			dupDropped++
			continue
		}
		seenSeq[*t.Seq] = true
		fresh = append(fresh, t)
	}
	return fresh, dupDropped, filterDropped
}

// backfill fetches recent rows per symbol after (re)connect and routes
// them through the normal poll filter, exactly like a poll fetch.
func (d *Driver) backfill(gw Gateway) {
	for _, symbol := range d.cfg.Symbols {
		raws, err := gw.RecentTickers(symbol, d.cfg.BackfillN)
		if err != nil {
			log.Printf("[driver] backfill_failed symbol=%s err=%v", symbol, err)
			continue
		}
		ticks, errs := d.mapr.MapRows(raws, "backfill", symbol)
		d.countMapErrors(errs)
		d.recordPollSeen(symbol, ticks)
		fresh, dupDropped, filterDropped := d.filterPolledRows(symbol, ticks)
		d.addDrop(metrics.DropDuplicate, dupDropped)
		d.addDrop(metrics.DropFilter, filterDropped)
		enqueued := d.processTicks(fresh, "backfill")
		log.Printf("[driver] backfill_stats symbol=%s fetched=%d enqueued=%d queue=%d/%d",
			symbol, len(ticks), enqueued, d.queue.Depth(), d.queue.Capacity())
	}
}

func (d *Driver) shouldSkipPoll(symbol string) bool {
	stale := d.cfg.PollStale
	if stale < pollSkipPushFloor {
		stale = pollSkipPushFloor
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.lastTickSeenAt[symbol]; ok && time.Since(t) < stale {
		return true
	}
	if t, ok := d.lastPushAt[symbol]; ok && time.Since(t) < stale {
		return true
	}
	return false
}

func (d *Driver) rememberKey(symbol string, k model.RowKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	kw := d.recentKeys[symbol]
	if kw == nil {
		kw = &keyWindow{set: make(map[model.RowKey]bool)}
		d.recentKeys[symbol] = kw
	}
	kw.remember(k)
}

func (d *Driver) addDrop(reason string, n int) {
	if n <= 0 {
		return
	}
	d.mu.Lock()
	switch reason {
	case metrics.DropQueueFull:
		d.window.DropQueueFull += int64(n)
	case metrics.DropDuplicate:
		d.window.DropDuplicate += int64(n)
	case metrics.DropFilter:
		d.window.DropFilter += int64(n)
	case metrics.DropMapError:
		d.window.MapErrors += int64(n)
	}
	d.mu.Unlock()
	if d.prom != nil {
		d.prom.Drop(reason, n)
	}
}

func (d *Driver) countMapErrors(errs []error) {
	if len(errs) == 0 {
		return
	}
	for _, err := range errs {
		log.Printf("[driver] map_error err=%v", err)
	}
	d.addDrop(metrics.DropMapError, len(errs))
}

func (d *Driver) setConnected(v bool) {
	d.mu.Lock()
	d.connected = v
	d.mu.Unlock()
	if d.health != nil {
		d.health.SetConnected(v)
	}
}

// TakeSnapshot returns the upstream view and resets the window
// counters; called once per health cycle.
func (d *Driver) TakeSnapshot() Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	snap := Snapshot{
		Connected:    d.connected,
		LastActiveAt: d.lastActiveAt,
		MaxTsMsSeen:  d.maxTsMsSeen,
		Window:       d.window,
	}
	d.window = WindowCounters{}
	return snap
}
