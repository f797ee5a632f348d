package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
)

const schemaVersion = 3

const createTableSQL = `CREATE TABLE ticks (
  market TEXT NOT NULL,
  symbol TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  price REAL,
  volume INTEGER,
  turnover REAL,
  direction TEXT,
  seq INTEGER,
  tick_type TEXT,
  push_type TEXT,
  provider TEXT,
  trading_day TEXT NOT NULL,
  recv_ts_ms INTEGER NOT NULL,
  inserted_at_ms INTEGER NOT NULL
);`

var indexSQLs = []struct {
	name string
	sql  string
}{
	{"idx_ticks_symbol_day_ts", "CREATE INDEX idx_ticks_symbol_day_ts ON ticks(symbol, trading_day, ts_ms);"},
	{"idx_ticks_symbol_seq", "CREATE INDEX idx_ticks_symbol_seq ON ticks(symbol, seq);"},
	{"uniq_ticks_symbol_seq", "CREATE UNIQUE INDEX uniq_ticks_symbol_seq ON ticks(symbol, seq) WHERE seq IS NOT NULL;"},
	{"uniq_ticks_symbol_ts_price_vol_turnover", "CREATE UNIQUE INDEX uniq_ticks_symbol_ts_price_vol_turnover ON ticks(symbol, ts_ms, price, volume, turnover) WHERE seq IS NULL;"},
}

const insertSQL = `INSERT OR IGNORE INTO ticks (
  market, symbol, ts_ms, price, volume, turnover, direction, seq,
  tick_type, push_type, provider, trading_day, recv_ts_ms, inserted_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`

// Columns added by later schema versions; older day files are healed
// in place rather than migrated.
var alterColumnSQL = map[string]string{
	"direction":      "ALTER TABLE ticks ADD COLUMN direction TEXT;",
	"seq":            "ALTER TABLE ticks ADD COLUMN seq INTEGER;",
	"tick_type":      "ALTER TABLE ticks ADD COLUMN tick_type TEXT;",
	"push_type":      "ALTER TABLE ticks ADD COLUMN push_type TEXT;",
	"provider":       "ALTER TABLE ticks ADD COLUMN provider TEXT;",
	"trading_day":    "ALTER TABLE ticks ADD COLUMN trading_day TEXT NOT NULL DEFAULT '';",
	"recv_ts_ms":     "ALTER TABLE ticks ADD COLUMN recv_ts_ms INTEGER NOT NULL DEFAULT 0;",
	"inserted_at_ms": "ALTER TABLE ticks ADD COLUMN inserted_at_ms INTEGER NOT NULL DEFAULT 0;",
}

var allowedUniqueIndexes = map[string]bool{
	"uniq_ticks_symbol_seq":                   true,
	"uniq_ticks_symbol_ts_price_vol_turnover": true,
}

// ensureSchema is idempotent: it creates the table and indexes when
// missing, adds columns dropped by older schema versions, and removes
// legacy (symbol, ts_ms) unique indexes that would reject legitimate
// same-millisecond trades.
func ensureSchema(db *sql.DB) error {
	existing, err := schemaObjects(db)
	if err != nil {
		return err
	}

	if !existing["ticks"] {
		if _, err := db.Exec(createTableSQL); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	} else {
		cols, err := tableColumns(db)
		if err != nil {
			return err
		}
		for col, alter := range alterColumnSQL {
			if !cols[col] {
				log.Printf("[sqlite] schema_migration add_column=%s", col)
				if _, err := db.Exec(alter); err != nil {
					return fmt.Errorf("add column %s: %w", col, err)
				}
			}
		}
	}

	if err := dropLegacyUniqueIndexes(db); err != nil {
		return err
	}

	existing, err = schemaObjects(db)
	if err != nil {
		return err
	}
	for _, idx := range indexSQLs {
		if !existing[idx.name] {
			if _, err := db.Exec(idx.sql); err != nil {
				return fmt.Errorf("create index %s: %w", idx.name, err)
			}
		}
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version < schemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d;", schemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

func schemaObjects(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type IN ('table', 'index');")
	if err != nil {
		return nil, fmt.Errorf("list schema objects: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func tableColumns(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("PRAGMA table_info(ticks);")
	if err != nil {
		return nil, fmt.Errorf("table_info: %w", err)
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

func indexColumns(db *sql.DB, indexName string) ([]string, error) {
	escaped := strings.ReplaceAll(indexName, "'", "''")
	rows, err := db.Query(fmt.Sprintf("PRAGMA index_info('%s');", escaped))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var cols []string
	for rows.Next() {
		var (
			seqno, cid int
			name       sql.NullString
		)
		if err := rows.Scan(&seqno, &cid, &name); err != nil {
			return nil, err
		}
		cols = append(cols, name.String)
	}
	return cols, rows.Err()
}

func dropLegacyUniqueIndexes(db *sql.DB) error {
	rows, err := db.Query("PRAGMA index_list('ticks');")
	if err != nil {
		return nil // table may not exist yet
	}
	type idx struct {
		name   string
		unique bool
	}
	var idxs []idx
	for rows.Next() {
		var (
			seqno   int
			name    string
			unique  int
			origin  string
			partial int
		)
		if err := rows.Scan(&seqno, &name, &unique, &origin, &partial); err != nil {
			rows.Close()
			return err
		}
		idxs = append(idxs, idx{name: name, unique: unique == 1})
	}
	rows.Close()

	for _, ix := range idxs {
		if !ix.unique || allowedUniqueIndexes[ix.name] {
			continue
		}
		cols, err := indexColumns(db, ix.name)
		if err != nil {
			return err
		}
		hasSeq := false
		for _, c := range cols {
			if c == "seq" {
				hasSeq = true
			}
		}
		if len(cols) >= 2 && cols[0] == "symbol" && cols[1] == "ts_ms" && !hasSeq {
			log.Printf("[sqlite] schema_migration drop_legacy_unique_index index=%s columns=%v", ix.name, cols)
			escaped := strings.ReplaceAll(ix.name, `"`, `""`)
			if _, err := db.Exec(fmt.Sprintf(`DROP INDEX IF EXISTS "%s";`, escaped)); err != nil {
				return fmt.Errorf("drop legacy index %s: %w", ix.name, err)
			}
		}
	}
	return nil
}
