// Package sqlite owns the per-trading-day tick files. Each trading day
// maps to DATA_ROOT/YYYYMMDD.db; files are created lazily on first
// commit, so a quiet day leaves no file behind.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Config carries the connection settings applied to every day file.
type Config struct {
	Root              string
	BusyTimeoutMs     int
	JournalMode       string
	Synchronous       string
	WALAutoCheckpoint int
}

var validJournalModes = map[string]bool{
	"DELETE": true, "TRUNCATE": true, "PERSIST": true,
	"MEMORY": true, "WAL": true, "OFF": true,
}

var validSynchronous = map[string]bool{
	"OFF": true, "NORMAL": true, "FULL": true, "EXTRA": true,
}

func (c Config) journalMode() string {
	mode := strings.ToUpper(strings.TrimSpace(c.JournalMode))
	if !validJournalModes[mode] {
		return "WAL"
	}
	return mode
}

func (c Config) synchronous() string {
	level := strings.ToUpper(strings.TrimSpace(c.Synchronous))
	if !validSynchronous[level] {
		return "NORMAL"
	}
	return level
}

func (c Config) busyTimeoutMs() int {
	if c.BusyTimeoutMs < 1 {
		return 5000
	}
	return c.BusyTimeoutMs
}

func (c Config) walAutoCheckpoint() int {
	if c.WALAutoCheckpoint < 1 {
		return 1000
	}
	return c.WALAutoCheckpoint
}

// Store resolves day files under the data root and opens connections
// with the configured pragmas. Writers are owned by the persistence
// worker; the Store itself only serves path resolution and the
// read-only seed queries used at startup.
type Store struct {
	cfg Config
}

func NewStore(cfg Config) *Store {
	return &Store{cfg: cfg}
}

func (s *Store) Root() string { return s.cfg.Root }

// DBPath returns DATA_ROOT/YYYYMMDD.db for a trading day.
func (s *Store) DBPath(tradingDay string) string {
	return filepath.Join(s.cfg.Root, tradingDay+".db")
}

// open dials one day file, applying all connection pragmas. The pool
// is pinned to a single connection so every pragma holds for every
// statement.
func (s *Store) open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite mkdir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		path, s.cfg.journalMode(), s.cfg.synchronous(), s.cfg.busyTimeoutMs())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA temp_store=MEMORY;",
		fmt.Sprintf("PRAGMA wal_autocheckpoint=%d;", s.cfg.walAutoCheckpoint()),
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma %q: %w", pragma, err)
		}
	}
	return db, nil
}

// OpenWriter creates the writer value owned by the persistence worker.
func (s *Store) OpenWriter() *Writer {
	return &Writer{store: s, conns: make(map[string]*sql.DB)}
}

// ListRecentTradingDays returns up to limit YYYYMMDD day names present
// under the root, newest first. Selection is purely name-based; no
// wall-clock filter is applied.
func (s *Store) ListRecentTradingDays(limit int) []string {
	if limit <= 0 {
		return nil
	}
	entries, err := os.ReadDir(s.cfg.Root)
	if err != nil {
		return nil
	}
	var days []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".db") {
			continue
		}
		day := strings.TrimSuffix(name, ".db")
		if len(day) != 8 || !allDigits(day) {
			continue
		}
		days = append(days, day)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(days)))
	if len(days) > limit {
		days = days[:limit]
	}
	return days
}

// MaxSeqBySymbolRecent scans the given day files and returns the
// maximum seq per symbol across them. Missing files are skipped; the
// scan never creates a file.
func (s *Store) MaxSeqBySymbolRecent(symbols []string, tradingDays []string) (map[string]int64, error) {
	result := make(map[string]int64)
	if len(symbols) == 0 {
		return result, nil
	}
	for _, day := range tradingDays {
		path := s.DBPath(day)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		dayMax, err := s.maxSeqBySymbol(path, day, symbols)
		if err != nil {
			log.Printf("[sqlite] seed_scan_failed trading_day=%s err=%v", day, err)
			continue
		}
		for symbol, seq := range dayMax {
			if cur, ok := result[symbol]; !ok || seq > cur {
				result[symbol] = seq
			}
		}
	}
	return result, nil
}

func (s *Store) maxSeqBySymbol(path, tradingDay string, symbols []string) (map[string]int64, error) {
	db, err := s.open(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	placeholders := strings.Repeat("?,", len(symbols))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(symbols)+1)
	args = append(args, tradingDay)
	for _, sym := range symbols {
		args = append(args, sym)
	}
	rows, err := db.Query(
		"SELECT symbol, MAX(seq) FROM ticks WHERE trading_day = ? AND seq IS NOT NULL "+
			"AND symbol IN ("+placeholders+") GROUP BY symbol", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			symbol string
			seq    sql.NullInt64
		)
		if err := rows.Scan(&symbol, &seq); err != nil {
			return nil, err
		}
		if seq.Valid {
			out[symbol] = seq.Int64
		}
	}
	return out, rows.Err()
}

// TickStats returns (row count, max ts_ms) for one day file. A missing
// file reports zero rows.
func (s *Store) TickStats(tradingDay string) (int64, int64, error) {
	path := s.DBPath(tradingDay)
	if _, err := os.Stat(path); err != nil {
		return 0, -1, nil
	}
	db, err := s.open(path)
	if err != nil {
		return 0, -1, err
	}
	defer db.Close()
	var (
		count int64
		maxTs sql.NullInt64
	)
	if err := db.QueryRow("SELECT COUNT(*), MAX(ts_ms) FROM ticks;").Scan(&count, &maxTs); err != nil {
		return 0, -1, err
	}
	if !maxTs.Valid {
		return count, -1, nil
	}
	return count, maxTs.Int64, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// IsBusy reports whether err is a transient lock conflict the caller
// should retry.
func IsBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// IsPermanent reports whether err is a storage fault that requires
// rebuilding the writer connection (the batch is retained either way).
func IsPermanent(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrReadonly, sqlite3.ErrFull, sqlite3.ErrIoErr,
			sqlite3.ErrCorrupt, sqlite3.ErrCantOpen, sqlite3.ErrNotADB:
			return true
		}
	}
	return false
}
