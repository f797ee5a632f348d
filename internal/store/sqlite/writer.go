package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"hk-tick-collector/internal/marketcal"
	"hk-tick-collector/internal/model"
)

// Result reports one committed batch. Inserted + Ignored always equals
// the batch size; conflicts on the unique indexes count as ignored.
type Result struct {
	DBPath        string
	Batch         int
	Inserted      int
	Ignored       int
	CommitLatency time.Duration
}

// Writer holds one connection per active trading day. It is owned by
// the persistence worker exclusively; no other goroutine touches it.
type Writer struct {
	store  *Store
	conns  map[string]*sql.DB
	closed bool
}

// InsertBatch commits one batch of same-day rows in a single explicit
// transaction with INSERT OR IGNORE semantics. inserted_at_ms is
// stamped at commit time. Partial batches are never observable.
func (w *Writer) InsertBatch(tradingDay string, rows []model.Tick) (Result, error) {
	path := w.store.DBPath(tradingDay)
	res := Result{DBPath: path, Batch: len(rows)}
	if len(rows) == 0 {
		return res, nil
	}
	db, err := w.conn(tradingDay)
	if err != nil {
		return res, err
	}

	insertedAt := marketcal.NowMs()
	start := time.Now()
	tx, err := db.Begin()
	if err != nil {
		return res, fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.Prepare(insertSQL)
	if err != nil {
		tx.Rollback()
		return res, fmt.Errorf("prepare: %w", err)
	}
	inserted := 0
	for i := range rows {
		r := &rows[i]
		execRes, err := stmt.Exec(
			r.Market, r.Symbol, r.TsMs,
			floatArg(r.Price), intArg(r.Volume), floatArg(r.Turnover),
			stringArg(r.Direction), intArg(r.Seq),
			stringArg(r.TickType), stringArg(r.PushType), stringArg(r.Provider),
			r.TradingDay, r.RecvTsMs, insertedAt,
		)
		if err != nil {
			stmt.Close()
			tx.Rollback()
			return res, fmt.Errorf("insert: %w", err)
		}
		if n, err := execRes.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit: %w", err)
	}

	res.Inserted = inserted
	res.Ignored = len(rows) - inserted
	res.CommitLatency = time.Since(start)
	return res, nil
}

// WALSize estimates the write-ahead log size of a day file in bytes.
func (w *Writer) WALSize(tradingDay string) int64 {
	info, err := os.Stat(w.store.DBPath(tradingDay) + "-wal")
	if err != nil {
		return 0
	}
	return info.Size()
}

// ResetDay closes and forgets one day's connection so the next batch
// rebuilds it from scratch.
func (w *Writer) ResetDay(tradingDay string) {
	db, ok := w.conns[tradingDay]
	if !ok {
		return
	}
	delete(w.conns, tradingDay)
	if err := db.Close(); err != nil {
		log.Printf("[sqlite] reset_close_failed trading_day=%s err=%v", tradingDay, err)
	}
}

// Close flushes and closes every day connection.
func (w *Writer) Close() {
	if w.closed {
		return
	}
	w.closed = true
	for day, db := range w.conns {
		if err := db.Close(); err != nil {
			log.Printf("[sqlite] close_failed trading_day=%s err=%v", day, err)
		}
	}
	w.conns = nil
}

func (w *Writer) conn(tradingDay string) (*sql.DB, error) {
	if w.closed {
		return nil, fmt.Errorf("sqlite writer already closed")
	}
	if db, ok := w.conns[tradingDay]; ok {
		return db, nil
	}
	path := w.store.DBPath(tradingDay)
	db, err := w.store.open(path)
	if err != nil {
		return nil, err
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema %s: %w", path, err)
	}
	logPragmas(db, path)
	w.conns[tradingDay] = db
	return db, nil
}

func logPragmas(db *sql.DB, path string) {
	var journal, synchronous, tempStore string
	var busy, autockpt int64
	db.QueryRow("PRAGMA journal_mode;").Scan(&journal)
	db.QueryRow("PRAGMA synchronous;").Scan(&synchronous)
	db.QueryRow("PRAGMA busy_timeout;").Scan(&busy)
	db.QueryRow("PRAGMA temp_store;").Scan(&tempStore)
	db.QueryRow("PRAGMA wal_autocheckpoint;").Scan(&autockpt)
	log.Printf("[sqlite] opened db_path=%s journal_mode=%s synchronous=%s busy_timeout=%d temp_store=%s wal_autocheckpoint=%d",
		path, journal, synchronous, busy, tempStore, autockpt)
}

func floatArg(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func intArg(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringArg(v string) any {
	if v == "" {
		return nil
	}
	return v
}
