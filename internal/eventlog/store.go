// Package eventlog is the RPC event persistence engine: a single-writer
// batched pipeline over a local WAL-mode sqlite log, with keyset-paginated
// and histogram queries on top. Writes are serialized through one
// goroutine fed by a bounded channel; readers open their own short-lived
// connections.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

const (
	channelCapacity  = 8192
	flushBatchSize   = 256
	flushInterval    = 250 * time.Millisecond
	checkpointPeriod = 1 * time.Second
	shutdownTimeout  = 2 * time.Second
)

type msgKind int

const (
	msgEvent msgKind = iota
	msgFlush
)

type message struct {
	kind  msgKind
	event Event
	done  chan struct{}
}

// Store owns the single writer goroutine and exposes the query surface.
type Store struct {
	logger     *zap.Logger
	dbPath     string
	redactKeys []string
	clock      *MonotonicClock

	ch     chan message
	cancel context.CancelFunc
	done   chan struct{}

	eventsWritten prometheus.Counter
	flushFailures prometheus.Counter
}

// Open starts the writer goroutine against <baseDir>/logs.sqlite.
func Open(ctx context.Context, baseDir string, logger *zap.Logger) (*Store, error) {
	s := &Store{
		logger:     logger,
		dbPath:     filepath.Join(baseDir, "logs.sqlite"),
		redactKeys: DefaultRedactKeys,
		clock:      NewMonotonicClock(),
		ch:         make(chan message, channelCapacity),
		done:       make(chan struct{}),
		eventsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_bouncer_events_written_total",
			Help: "Total RPC events flushed to the event log.",
		}),
		flushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcp_bouncer_event_flush_failures_total",
			Help: "Total failed flush attempts against the event log.",
		}),
	}

	writeCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		cancel()
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	conn, err := openConnection(s.dbPath)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open event log: %w", err)
	}
	if err := ensureSchema(conn); err != nil {
		conn.Close()
		cancel()
		return nil, fmt.Errorf("ensure event log schema: %w", err)
	}

	go s.writerLoop(writeCtx, conn)
	return s, nil
}

// NewReader returns a query-only handle over an existing event log: no
// writer goroutine, no schema creation. EmitAsync on a reader is a no-op
// drop. One-shot CLI commands use this to inspect a live bouncer's log
// through WAL without competing for the write connection.
func NewReader(baseDir string, logger *zap.Logger) *Store {
	return &Store{
		logger: logger,
		dbPath: filepath.Join(baseDir, "logs.sqlite"),
		clock:  NewMonotonicClock(),
	}
}

func openConnection(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(1000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // single writer; readers open their own short-lived connections
	return db, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			created_at_ms INTEGER NOT NULL,
			client_name TEXT,
			client_version TEXT,
			client_protocol TEXT,
			last_seen_at_ms INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rpc_events (
			id TEXT PRIMARY KEY,
			ts_ms INTEGER NOT NULL,
			session_id TEXT REFERENCES sessions(session_id),
			method TEXT NOT NULL,
			server_name TEXT, server_version TEXT, server_protocol TEXT,
			duration_ms INTEGER, ok INTEGER NOT NULL, error TEXT,
			request_json TEXT, response_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ts ON rpc_events(ts_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session ON rpc_events(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Collectors exposes the store's metrics for registration with a process
// registry; the store never registers them itself so tests can open many
// stores side by side.
func (s *Store) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.eventsWritten, s.flushFailures}
}

// NewID mints a fresh event id and timestamp pair.
func (s *Store) NewID() (string, int64) {
	return uuid.New().String(), s.clock.NowMS()
}

// EmitAsync enqueues an event without blocking; dropped silently if the
// channel is full (telemetry, not durability).
func (s *Store) EmitAsync(e Event) {
	e.RequestJSON = Redact(e.RequestJSON, s.redactKeys)
	e.ResponseJSON = Redact(e.ResponseJSON, s.redactKeys)
	select {
	case s.ch <- message{kind: msgEvent, event: e}:
	default:
		s.logger.Warn("event log queue full, dropping event", zap.String("method", e.Method))
	}
}

// Flush blocks until all currently staged events are durably written and a
// checkpoint has run. Unlike EmitAsync, this must not drop.
func (s *Store) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case s.ch <- message{kind: msgFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the writer loop, flushing and checkpointing first, bounded by
// shutdownTimeout so a stuck writer cannot hang process exit.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.Flush(ctx)
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return nil
}

func (s *Store) writerLoop(ctx context.Context, conn *sql.DB) {
	defer close(s.done)
	defer conn.Close()

	buf := make([]Event, 0, flushBatchSize)
	lastFlush := time.Now()
	lastCheckpoint := time.Now()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	// flushBuf drains buf on a size/time trigger: a failed batch is dropped,
	// bounding memory over durability. flushBufRetain is used for an
	// explicit Flush(), where the staged batch must survive a failed attempt
	// so the next cycle can retry it.
	flushBuf := func() {
		if len(buf) == 0 {
			return
		}
		if err := s.flushBatch(conn, buf); err != nil {
			s.flushFailures.Inc()
			s.logger.Warn("event log flush failed", zap.Int("count", len(buf)), zap.Error(err))
		} else {
			s.eventsWritten.Add(float64(len(buf)))
		}
		buf = buf[:0]
		lastFlush = time.Now()
	}

	flushBufRetain := func() {
		if len(buf) == 0 {
			return
		}
		if err := s.flushBatch(conn, buf); err != nil {
			s.flushFailures.Inc()
			s.logger.Warn("event log flush failed, retaining batch for retry", zap.Int("count", len(buf)), zap.Error(err))
			lastFlush = time.Now()
			return
		}
		s.eventsWritten.Add(float64(len(buf)))
		buf = buf[:0]
		lastFlush = time.Now()
	}

	maybeCheckpoint := func(force bool) {
		if force || time.Since(lastCheckpoint) >= checkpointPeriod {
			if _, err := conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
				s.logger.Debug("event log checkpoint failed", zap.Error(err))
			}
			lastCheckpoint = time.Now()
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushBuf()
			maybeCheckpoint(true)
			return
		case msg, ok := <-s.ch:
			if !ok {
				flushBuf()
				maybeCheckpoint(true)
				return
			}
			switch msg.kind {
			case msgEvent:
				buf = append(buf, msg.event)
				if len(buf) >= flushBatchSize || time.Since(lastFlush) >= flushInterval {
					flushBuf()
					maybeCheckpoint(false)
				}
			case msgFlush:
				flushBufRetain()
				maybeCheckpoint(true)
				close(msg.done)
			}
		case <-ticker.C:
			flushBuf()
			maybeCheckpoint(false)
		}
	}
}

func (s *Store) flushBatch(conn *sql.DB, events []Event) error {
	tx, err := conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range events {
		if _, err := tx.Exec(`
			INSERT INTO sessions (session_id, created_at_ms, client_name, client_version, client_protocol, last_seen_at_ms)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				client_name = excluded.client_name,
				client_version = excluded.client_version,
				client_protocol = excluded.client_protocol,
				last_seen_at_ms = excluded.last_seen_at_ms
		`, e.SessionID, e.TSMillis, nullIfEmpty(e.ClientName), nullIfEmpty(e.ClientVersion), nullIfEmpty(e.ClientProtocol), e.TSMillis); err != nil {
			return err
		}

		okInt := 0
		if e.OK {
			okInt = 1
		}
		if _, err := tx.Exec(`
			INSERT INTO rpc_events (id, ts_ms, session_id, method, server_name, server_version, server_protocol, duration_ms, ok, error, request_json, response_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, e.ID, e.TSMillis, e.SessionID, e.Method, nullIfEmpty(e.ServerName), nullIfEmpty(e.ServerVersion), nullIfEmpty(e.ServerProtocol), e.DurationMS, okInt, nullIfEmpty(e.Error), nullIfEmpty(e.RequestJSON), nullIfEmpty(e.ResponseJSON)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
