// Package health runs the periodic liveness sampler and the stall
// watchdog. A stall means upstream is producing work the worker is not
// committing; the watchdog first recovers the writer in-process and
// only escalates to a non-zero exit after repeated failure, leaving the
// restart to the external supervisor.
package health

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"strconv"
	"time"

	"hk-tick-collector/internal/driver"
	"hk-tick-collector/internal/marketcal"
	"hk-tick-collector/internal/metrics"
	"hk-tick-collector/internal/notification"
	"hk-tick-collector/internal/persist"
	"hk-tick-collector/internal/seqstate"
	"hk-tick-collector/internal/tickqueue"
)

// State is the watchdog state machine position.
type State string

const (
	StateOK              State = "ok"
	StateDegraded        State = "degraded"
	StateRecovering      State = "recovering"
	StatePersistentStall State = "persistent_stall"
)

func (s State) gaugeValue() float64 {
	switch s {
	case StateDegraded:
		return 1
	case StateRecovering:
		return 2
	case StatePersistentStall:
		return 3
	default:
		return 0
	}
}

// ExitCodeStall is the process exit status on a persistent stall.
const ExitCodeStall = 1

// WorkerAPI is the persistence-worker surface the watchdog samples.
type WorkerAPI interface {
	Runtime() persist.RuntimeState
	RequestWriterRecovery(reason string, joinTimeout time.Duration) bool
}

// UpstreamAPI is the driver surface the watchdog samples.
type UpstreamAPI interface {
	TakeSnapshot() driver.Snapshot
}

// Config carries the watchdog thresholds.
type Config struct {
	Interval       time.Duration
	Stall          time.Duration
	UpstreamWindow time.Duration
	QueueThreshold int
	MaxFailures    int
	JoinTimeout    time.Duration
	DriftWarn      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Stall <= 0 {
		c.Stall = 180 * time.Second
	}
	if c.UpstreamWindow <= 0 {
		c.UpstreamWindow = 60 * time.Second
	}
	if c.QueueThreshold <= 0 {
		c.QueueThreshold = 100
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 3 * time.Second
	}
	if c.DriftWarn <= 0 {
		c.DriftWarn = 120 * time.Second
	}
	return c
}

// Watchdog samples liveness once per interval and drives the recovery
// state machine. It runs on its own goroutine; all sampled components
// expose thread-safe snapshots.
type Watchdog struct {
	cfg      Config
	queue    *tickqueue.Queue
	worker   WorkerAPI
	upstream UpstreamAPI
	seqs     *seqstate.State
	prom     *metrics.Metrics
	healthz  *metrics.HealthStatus
	notifier notification.Notifier

	// exit is swappable in tests; defaults to os.Exit by the caller.
	exit func(code int)

	startedAt       time.Time
	state           State
	failures        int
	lastCommits     int64
	lastBusyBackoff int64
	lastSignature   string
	dumped          bool
	snapshotSeq     int64
}

// busySpikeThreshold is the per-cycle busy-backoff delta that warrants
// an operator warning.
const busySpikeThreshold = 30

func New(cfg Config, queue *tickqueue.Queue, worker WorkerAPI, upstream UpstreamAPI, seqs *seqstate.State, prom *metrics.Metrics, healthz *metrics.HealthStatus, notifier notification.Notifier, exit func(int)) *Watchdog {
	return &Watchdog{
		cfg:       cfg.withDefaults(),
		queue:     queue,
		worker:    worker,
		upstream:  upstream,
		seqs:      seqs,
		prom:      prom,
		healthz:   healthz,
		notifier:  notifier,
		exit:      exit,
		startedAt: time.Now(),
		state:     StateOK,
	}
}

// State returns the current machine position.
func (w *Watchdog) State() State { return w.state }

// Run blocks until ctx is cancelled, sampling once per interval.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Cycle()
		}
	}
}

// Cycle executes one watchdog pass. Exported for tests.
func (w *Watchdog) Cycle() {
	now := time.Now()
	rt := w.worker.Runtime()
	up := w.upstream.TakeSnapshot()
	depth := w.queue.Depth()

	commitAge := now.Sub(w.startedAt)
	if !rt.LastCommit.IsZero() {
		commitAge = now.Sub(rt.LastCommit)
	}
	dequeueAge := now.Sub(w.startedAt)
	if !rt.LastDequeue.IsZero() {
		dequeueAge = now.Sub(rt.LastDequeue)
	}

	// A commit since the last cycle resolves any in-flight recovery.
	if rt.Commits > w.lastCommits {
		if w.state == StateDegraded || w.state == StateRecovering {
			w.setState(StateOK)
		}
		w.failures = 0
		w.lastSignature = ""
		w.dumped = false
	}
	w.lastCommits = rt.Commits

	snapshotID := w.nextSnapshotID()
	w.emitHealth(snapshotID, now, rt, up, depth, commitAge, dequeueAge)
	w.checkDrift(now, up.MaxTsMsSeen)

	if delta := rt.BusyBackoffCount - w.lastBusyBackoff; delta >= busySpikeThreshold {
		log.Printf("[watchdog] sqlite_busy_spike snapshot=%s busy_backoff_delta=%d", snapshotID, delta)
		w.notify(notification.SeverityWarn, "SQLITE_BUSY",
			fmt.Sprintf("sqlite lock contention elevated: %d busy retries in the last cycle", delta),
			[]string{
				fmt.Sprintf("queue=%d/%d", depth, w.queue.Capacity()),
				fmt.Sprintf("last_exception=%s", orNone(rt.LastExceptionType)),
			})
	}
	w.lastBusyBackoff = rt.BusyBackoffCount

	accepted := up.Window.PushRows + up.Window.PollEnqueued
	upstreamActive := !up.LastActiveAt.IsZero() &&
		now.Sub(up.LastActiveAt) <= w.cfg.UpstreamWindow &&
		(accepted > 0 || up.Window.PollSeqAdvanced > 0)

	stalled := upstreamActive &&
		depth >= w.cfg.QueueThreshold &&
		(commitAge >= w.cfg.Stall || !rt.WorkerAlive)

	if !stalled {
		if depth < w.cfg.QueueThreshold && w.state != StatePersistentStall {
			w.failures = 0
			w.dumped = false
		}
		return
	}

	reason := "commit_stalled_with_backlog"
	if !rt.WorkerAlive {
		reason = "worker_dead"
	}
	signature := reason + "|" + rt.LastExceptionType

	if w.state == StateRecovering && signature == w.lastSignature {
		w.failures++
	}
	w.lastSignature = signature
	if w.state == StateOK {
		w.setState(StateDegraded)
	}
	if w.prom != nil {
		w.prom.RecoveryFailures.Set(float64(w.failures))
	}

	w.dumpStacks(reason, snapshotID, depth, commitAge, dequeueAge, rt)

	if w.failures >= w.cfg.MaxFailures {
		w.persistentStall(snapshotID, reason, rt, up, depth, commitAge)
		return
	}

	log.Printf("[watchdog] recovery_requested snapshot=%s reason=%s failures=%d/%d queue=%d/%d commit_age_sec=%.1f dequeue_age_sec=%.1f worker_alive=%v last_exception=%s",
		snapshotID, reason, w.failures, w.cfg.MaxFailures,
		depth, w.queue.Capacity(), commitAge.Seconds(), dequeueAge.Seconds(),
		rt.WorkerAlive, orNone(rt.LastExceptionType))

	acked := w.worker.RequestWriterRecovery("watchdog_"+reason, w.cfg.JoinTimeout)
	w.setState(StateRecovering)
	if !acked {
		// The worker did not reach a safe point inside the join
		// budget; count it against the escalation threshold.
		w.failures++
		log.Printf("[watchdog] recovery_join_timeout snapshot=%s reason=%s failures=%d/%d", snapshotID, reason, w.failures, w.cfg.MaxFailures)
	}
	w.notify(notification.SeverityWarn, "WRITER_RECOVERY",
		fmt.Sprintf("writer recovery requested (%s), failures %d/%d", reason, w.failures, w.cfg.MaxFailures),
		[]string{
			fmt.Sprintf("queue=%d/%d", depth, w.queue.Capacity()),
			fmt.Sprintf("commit_age_sec=%.1f", commitAge.Seconds()),
			fmt.Sprintf("last_exception=%s", orNone(rt.LastExceptionType)),
		})
}

func (w *Watchdog) persistentStall(snapshotID, reason string, rt persist.RuntimeState, up driver.Snapshot, depth int, commitAge time.Duration) {
	eventID := fmt.Sprintf("evt-%s", strconv.FormatInt(time.Now().UnixNano(), 36))
	w.setState(StatePersistentStall)
	log.Printf("[watchdog] persistent_stall event=%s snapshot=%s reason=%s failures=%d queue=%d/%d commit_age_sec=%.1f max_seq_lag=%d last_exception=%s recovery_count=%d",
		eventID, snapshotID, reason, w.failures,
		depth, w.queue.Capacity(), commitAge.Seconds(),
		w.seqs.MaxLag(), orNone(rt.LastExceptionType), rt.RecoveryCount)
	// Delivered synchronously: the process exits right after.
	if w.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		alert := notification.Alert{
			Severity:   notification.SeverityAlert,
			Code:       "PERSIST_STALL",
			Headline:   "persistence stalled beyond recovery; exiting for supervisor restart",
			TradingDay: marketcal.CurrentTradingDay(),
			Details: []string{
				fmt.Sprintf("event=%s", eventID),
				fmt.Sprintf("stall_sec=%.1f/%.0f", commitAge.Seconds(), w.cfg.Stall.Seconds()),
				fmt.Sprintf("queue=%d/%d max_seq_lag=%d", depth, w.queue.Capacity(), w.seqs.MaxLag()),
			},
		}
		if err := w.notifier.Send(ctx, alert); err != nil {
			log.Printf("[watchdog] notify_failed code=PERSIST_STALL err=%v", err)
		}
		cancel()
	}
	w.exit(ExitCodeStall)
}

func (w *Watchdog) emitHealth(snapshotID string, now time.Time, rt persist.RuntimeState, up driver.Snapshot, depth int, commitAge, dequeueAge time.Duration) {
	log.Printf("[watchdog] health snapshot=%s state=%s connected=%v queue=%d/%d push_rows=%d poll_fetched=%d poll_accepted=%d poll_enqueued=%d dropped_queue_full=%d dropped_duplicate=%d dropped_filter=%d map_errors=%d commits=%d inserted=%d ignored=%d busy_backoff=%d commit_age_sec=%.1f dequeue_age_sec=%.1f worker_alive=%v recoveries=%d max_seq_lag=%d max_ts_utc=%s",
		snapshotID, w.state, up.Connected,
		depth, w.queue.Capacity(),
		up.Window.PushRows, up.Window.PollFetched, up.Window.PollAccepted, up.Window.PollEnqueued,
		up.Window.DropQueueFull, up.Window.DropDuplicate, up.Window.DropFilter, up.Window.MapErrors,
		rt.Commits, rt.RowsInserted, rt.RowsIgnored, rt.BusyBackoffCount,
		commitAge.Seconds(), dequeueAge.Seconds(), rt.WorkerAlive, rt.RecoveryCount,
		w.seqs.MaxLag(), marketcal.FormatMsUTC(up.MaxTsMsSeen))

	if w.prom != nil {
		w.prom.QueueDepth.Set(float64(depth))
		w.prom.QueueOverflow.Set(float64(w.queue.Overflow()))
		w.prom.WatchdogState.Set(w.state.gaugeValue())
		w.prom.MaxSeqLag.Set(float64(w.seqs.MaxLag()))
	}
	if w.healthz != nil {
		w.healthz.Update(depth, w.queue.Capacity(), string(w.state), rt.ActiveTradingDay, rt.RowsInserted)
	}
}

// checkDrift warns when event times run far from wall clock. This is
// informational only and never feeds stall diagnosis.
func (w *Watchdog) checkDrift(now time.Time, maxTsMs int64) {
	if maxTsMs < 0 {
		return
	}
	drift := time.Duration(now.UnixMilli()-maxTsMs) * time.Millisecond
	if w.prom != nil {
		w.prom.DriftSeconds.Set(drift.Seconds())
	}
	if drift < 0 {
		drift = -drift
	}
	if drift > w.cfg.DriftWarn {
		log.Printf("[watchdog] ts_drift_warn drift_sec=%.1f now_utc_ms=%d max_ts_ms=%d max_ts_utc=%s",
			drift.Seconds(), now.UnixMilli(), maxTsMs, marketcal.FormatMsUTC(maxTsMs))
	}
}

// dumpStacks writes all goroutine stacks to the diagnostic sink once
// per stall episode.
func (w *Watchdog) dumpStacks(reason, snapshotID string, depth int, commitAge, dequeueAge time.Duration, rt persist.RuntimeState) {
	if w.dumped {
		return
	}
	w.dumped = true
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	log.Printf("[watchdog] diagnostic_dump snapshot=%s reason=%s queue=%d commit_age_sec=%.1f dequeue_age_sec=%.1f worker_alive=%v last_exception=%s\n%s",
		snapshotID, reason, depth, commitAge.Seconds(), dequeueAge.Seconds(),
		rt.WorkerAlive, orNone(rt.LastExceptionType), buf[:n])
}

func (w *Watchdog) setState(s State) {
	if w.state == s {
		return
	}
	log.Printf("[watchdog] state_transition from=%s to=%s", w.state, s)
	w.state = s
	if w.prom != nil {
		w.prom.WatchdogState.Set(s.gaugeValue())
	}
}

func (w *Watchdog) notify(severity notification.Severity, code, headline string, details []string) {
	if w.notifier == nil {
		return
	}
	alert := notification.Alert{
		Severity:   severity,
		Code:       code,
		Headline:   headline,
		TradingDay: marketcal.CurrentTradingDay(),
		Details:    details,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := w.notifier.Send(ctx, alert); err != nil {
			log.Printf("[watchdog] notify_failed code=%s err=%v", code, err)
		}
	}()
}

func (w *Watchdog) nextSnapshotID() string {
	w.snapshotSeq++
	return "hs-" + strconv.FormatInt(w.snapshotSeq, 10)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
