package sink

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink mirrors canonical rows and signal records into a WAL-mode
// SQLite database, used as the second leg of the dual-sink parity check
// alongside the JSONL stream. Inserts are batched: statements accumulate
// in memory and commit in one transaction once batchN is reached or the
// flush interval elapses, whichever comes first. Queries flush pending
// inserts before running so the parity checker never reads stale counts.
type SQLiteSink struct {
	mu      sync.Mutex
	db      *sql.DB
	batchN  int
	pending []pendingExec

	flushStop chan struct{}
	flushDone chan struct{}
}

type pendingExec struct {
	query string
	args  []any
}

// OpenSQLiteSink opens (or creates) the database at path with immediate
// (unbatched) commits.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	return OpenSQLiteSinkBatched(path, 1, 0)
}

// OpenSQLiteSinkBatched opens the database at path and runs migrations,
// committing inserts in batches of batchN with a background flush every
// flushInterval. batchN <= 1 commits every insert immediately; a zero
// flushInterval disables the timer (size-triggered flushes only). WAL mode
// and a 5s busy_timeout match the concurrent writer/reader access pattern
// of the rest of the pipeline.
func OpenSQLiteSinkBatched(path string, batchN int, flushInterval time.Duration) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLiteSink{db: db, batchN: batchN}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	if batchN > 1 && flushInterval > 0 {
		s.flushStop = make(chan struct{})
		s.flushDone = make(chan struct{})
		go s.flushLoop(flushInterval)
	}
	return s, nil
}

func (s *SQLiteSink) flushLoop(interval time.Duration) {
	defer close(s.flushDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.flushStop:
			return
		case <-ticker.C:
			_ = s.Flush()
		}
	}
}

// enqueue appends one insert to the pending batch, committing the batch
// when it reaches batchN. With batchN <= 1 the statement runs immediately.
func (s *SQLiteSink) enqueue(query string, args ...any) error {
	if s.batchN <= 1 {
		_, err := s.db.Exec(query, args...)
		return err
	}
	s.pending = append(s.pending, pendingExec{query: query, args: args})
	if len(s.pending) >= s.batchN {
		return s.flushLocked()
	}
	return nil
}

// flushLocked commits all pending inserts in one transaction. Callers must
// hold s.mu.
func (s *SQLiteSink) flushLocked() error {
	if len(s.pending) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	for _, p := range s.pending {
		if _, err := tx.Exec(p.query, p.args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("batch exec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	s.pending = s.pending[:0]
	return nil
}

// Flush commits any pending batched inserts.
func (s *SQLiteSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *SQLiteSink) migrate() error {
	var version int
	s.db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)
	if version < 1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS canonical_rows (
				id             INTEGER PRIMARY KEY AUTOINCREMENT,
				ts_ms          INTEGER NOT NULL,
				recv_ts_ms     INTEGER NOT NULL,
				symbol         TEXT NOT NULL,
				kind           TEXT NOT NULL,
				row_id         INTEGER NOT NULL,
				schema_version TEXT NOT NULL,
				payload        TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_canonical_symbol_ts ON canonical_rows(symbol, ts_ms);

			CREATE TABLE IF NOT EXISTS signal_records (
				id               INTEGER PRIMARY KEY AUTOINCREMENT,
				ts_ms            INTEGER NOT NULL,
				symbol           TEXT NOT NULL,
				signal_row_id    TEXT NOT NULL UNIQUE,
				config_hash      TEXT NOT NULL,
				decision_code    TEXT NOT NULL,
				signal_type      TEXT NOT NULL,
				gating           INTEGER NOT NULL DEFAULT 0,
				score            REAL NOT NULL,
				payload          TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_signal_symbol_ts ON signal_records(symbol, ts_ms);

			CREATE TABLE IF NOT EXISTS exec_log_events (
				id            INTEGER PRIMARY KEY AUTOINCREMENT,
				ts_ms         INTEGER NOT NULL,
				symbol        TEXT NOT NULL,
				client_order_id TEXT NOT NULL,
				event         TEXT NOT NULL,
				payload       TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_execlog_symbol_ts ON exec_log_events(symbol, ts_ms);

			INSERT INTO schema_version(version) VALUES (1);
		`)
		if err != nil {
			return err
		}
	}
	return nil
}

// InsertCanonicalRow inserts one canonical row along with its raw JSON
// payload for replay/audit.
func (s *SQLiteSink) InsertCanonicalRow(tsMs, recvTsMs int64, symbol, kind string, rowID int64, schemaVersion string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueue(
		`INSERT INTO canonical_rows(ts_ms, recv_ts_ms, symbol, kind, row_id, schema_version, payload) VALUES (?,?,?,?,?,?,?)`,
		tsMs, recvTsMs, symbol, kind, rowID, schemaVersion, string(payload),
	)
}

// InsertSignalRecord inserts one signal row. A duplicate signal_row_id is
// ignored rather than erroring, matching the dedupe semantics of the
// signal generator's decision procedure.
func (s *SQLiteSink) InsertSignalRecord(tsMs int64, symbol, signalRowID, configHash, decisionCode, signalType string, gating bool, score float64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueue(
		`INSERT OR IGNORE INTO signal_records(ts_ms, symbol, signal_row_id, config_hash, decision_code, signal_type, gating, score, payload) VALUES (?,?,?,?,?,?,?,?,?)`,
		tsMs, symbol, signalRowID, configHash, decisionCode, signalType, gating, score, string(payload),
	)
}

// InsertExecLogEvent inserts one execution lifecycle event.
func (s *SQLiteSink) InsertExecLogEvent(tsMs int64, symbol, clientOrderID, event string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueue(
		`INSERT INTO exec_log_events(ts_ms, symbol, client_order_id, event, payload) VALUES (?,?,?,?,?)`,
		tsMs, symbol, clientOrderID, event, string(payload),
	)
}

// CountCanonicalRows returns the row count for a symbol within [fromMs,
// toMs), used by the parity checker to diff against the JSONL sink's
// count for the same window.
func (s *SQLiteSink) CountCanonicalRows(symbol string, fromMs, toMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushLocked(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM canonical_rows WHERE symbol = ? AND ts_ms >= ? AND ts_ms < ?`,
		symbol, fromMs, toMs,
	).Scan(&n)
	return n, err
}

// CountSignalRecords returns the row count for a symbol within [fromMs,
// toMs), used by the signal dual-sink's parity checker.
func (s *SQLiteSink) CountSignalRecords(symbol string, fromMs, toMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushLocked(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM signal_records WHERE symbol = ? AND ts_ms >= ? AND ts_ms < ?`,
		symbol, fromMs, toMs,
	).Scan(&n)
	return n, err
}

// SignalBreakdownForWindow groups signal_records by signal_type and, among
// gating=1 rows, by decision_code, for a symbol within [fromMs, toMs). It
// backs the parity diff's buy_count/sell_count/strong_*/gating_breakdown
// metrics, not just the single rolling total used by the
// plain row-count parity check.
func (s *SQLiteSink) SignalBreakdownForWindow(symbol string, fromMs, toMs int64) (SignalBreakdown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := SignalBreakdown{GatingBreakdown: make(map[string]int64)}
	if err := s.flushLocked(); err != nil {
		return b, err
	}

	rows, err := s.db.Query(
		`SELECT signal_type, COUNT(*) FROM signal_records WHERE symbol = ? AND ts_ms >= ? AND ts_ms < ? GROUP BY signal_type`,
		symbol, fromMs, toMs,
	)
	if err != nil {
		return b, err
	}
	for rows.Next() {
		var signalType string
		var count int64
		if err := rows.Scan(&signalType, &count); err != nil {
			rows.Close()
			return b, err
		}
		b.Total += count
		switch signalType {
		case "buy":
			b.BuyCount += count
		case "sell":
			b.SellCount += count
		case "strong_buy":
			b.StrongBuyCount += count
		case "strong_sell":
			b.StrongSellCount += count
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return b, err
	}
	rows.Close()

	gatingRows, err := s.db.Query(
		`SELECT decision_code, COUNT(*) FROM signal_records WHERE symbol = ? AND ts_ms >= ? AND ts_ms < ? AND gating = 1 GROUP BY decision_code`,
		symbol, fromMs, toMs,
	)
	if err != nil {
		return b, err
	}
	defer gatingRows.Close()
	for gatingRows.Next() {
		var decisionCode string
		var count int64
		if err := gatingRows.Scan(&decisionCode, &count); err != nil {
			return b, err
		}
		b.GatingBreakdown[decisionCode] = count
	}
	return b, gatingRows.Err()
}

// SignalBreakdown is the per-metric signal-record counts used on both
// sides of the parity diff (JSONL-accumulated and SQLite-queried).
type SignalBreakdown struct {
	Total           int64
	BuyCount        int64
	SellCount       int64
	StrongBuyCount  int64
	StrongSellCount int64
	GatingBreakdown map[string]int64
}

// CountExecLogEvents returns the row count for a symbol within [fromMs,
// toMs), used by the exec-log dual-sink's parity checker.
func (s *SQLiteSink) CountExecLogEvents(symbol string, fromMs, toMs int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushLocked(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM exec_log_events WHERE symbol = ? AND ts_ms >= ? AND ts_ms < ?`,
		symbol, fromMs, toMs,
	).Scan(&n)
	return n, err
}

// Close stops the background flusher, commits any pending batch, and
// closes the underlying database connection.
func (s *SQLiteSink) Close() error {
	if s.flushStop != nil {
		close(s.flushStop)
		<-s.flushDone
	}
	if err := s.Flush(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}
