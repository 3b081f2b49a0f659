package eventlog

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Cursor is the keyset pagination handle: (ts_ms, id) of the last row seen.
type Cursor struct {
	TSMillis int64
	ID       string
}

// QueryParams filters and paginates rpc_events.
type QueryParams struct {
	Server    string
	Method    string
	OK        *bool
	StartTSMs *int64
	EndTSMs   *int64
	After     *Cursor
	Limit     int
}

// EventRow is one row of a query result.
type EventRow struct {
	ID             string `json:"id"`
	TSMillis       int64  `json:"ts_ms"`
	SessionID      string `json:"session_id"`
	Method         string `json:"method"`
	ServerName     string `json:"server_name,omitempty"`
	ServerVersion  string `json:"server_version,omitempty"`
	ServerProtocol string `json:"server_protocol,omitempty"`
	DurationMS     int64  `json:"duration_ms"`
	OK             bool   `json:"ok"`
	Error          string `json:"error,omitempty"`
	RequestJSON    string `json:"request_json,omitempty"`
	ResponseJSON   string `json:"response_json,omitempty"`
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func (p QueryParams) whereClause() (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if p.Server != "" {
		clauses = append(clauses, "server_name = ?")
		args = append(args, p.Server)
	}
	if p.Method != "" {
		clauses = append(clauses, "method = ?")
		args = append(args, p.Method)
	}
	if p.OK != nil {
		okInt := 0
		if *p.OK {
			okInt = 1
		}
		clauses = append(clauses, "ok = ?")
		args = append(args, okInt)
	}
	if p.StartTSMs != nil {
		clauses = append(clauses, "ts_ms >= ?")
		args = append(args, *p.StartTSMs)
	}
	if p.EndTSMs != nil {
		clauses = append(clauses, "ts_ms <= ?")
		args = append(args, *p.EndTSMs)
	}
	if p.After != nil {
		clauses = append(clauses, "(ts_ms < ? OR (ts_ms = ? AND id < ?))")
		args = append(args, p.After.TSMillis, p.After.TSMillis, p.After.ID)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

// QueryEvents returns the most recent matching events, keyset-paginated.
func (s *Store) QueryEvents(p QueryParams) ([]EventRow, error) {
	db, err := s.openReader()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	where, args := p.whereClause()
	q := fmt.Sprintf(`
		SELECT id, ts_ms, session_id, method, server_name, server_version, server_protocol,
		       duration_ms, ok, error, request_json, response_json
		FROM rpc_events
		%s
		ORDER BY ts_ms DESC, id DESC
		LIMIT ?
	`, where)
	args = append(args, clampLimit(p.Limit))

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventRows(rows)
}

// QueryEventsSince returns events strictly newer than sinceTSMs, same
// ordering and limit rules as QueryEvents.
func (s *Store) QueryEventsSince(sinceTSMs int64, p QueryParams) ([]EventRow, error) {
	db, err := s.openReader()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	p.StartTSMs = nil
	where, args := p.whereClause()
	sinceClause := "ts_ms > ?"
	if where == "" {
		where = "WHERE " + sinceClause
	} else {
		where = where + " AND " + sinceClause
	}
	args = append(args, sinceTSMs)

	q := fmt.Sprintf(`
		SELECT id, ts_ms, session_id, method, server_name, server_version, server_protocol,
		       duration_ms, ok, error, request_json, response_json
		FROM rpc_events
		%s
		ORDER BY ts_ms DESC, id DESC
		LIMIT ?
	`, where)
	args = append(args, clampLimit(p.Limit))

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEventRows(rows)
}

// CountEvents counts rpc_events, optionally scoped to a server.
func (s *Store) CountEvents(server string) (int64, error) {
	db, err := s.openReader()
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var count int64
	if server == "" {
		err = db.QueryRow("SELECT COUNT(*) FROM rpc_events").Scan(&count)
	} else {
		err = db.QueryRow("SELECT COUNT(*) FROM rpc_events WHERE server_name = ?", server).Scan(&count)
	}
	return count, err
}

func scanEventRows(rows *sql.Rows) ([]EventRow, error) {
	var out []EventRow
	for rows.Next() {
		var r EventRow
		var sessionID, serverName, serverVersion, serverProtocol, errMsg, reqJSON, respJSON sql.NullString
		var okInt int64
		if err := rows.Scan(&r.ID, &r.TSMillis, &sessionID, &r.Method, &serverName, &serverVersion,
			&serverProtocol, &r.DurationMS, &okInt, &errMsg, &reqJSON, &respJSON); err != nil {
			return nil, err
		}
		r.SessionID = sessionID.String
		r.ServerName = serverName.String
		r.ServerVersion = serverVersion.String
		r.ServerProtocol = serverProtocol.String
		r.Error = errMsg.String
		r.RequestJSON = reqJSON.String
		r.ResponseJSON = respJSON.String
		r.OK = okInt != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// bucketLadderMs is the canonical histogram bucket-width ladder, milliseconds.
var bucketLadderMs = []int64{
	1, 10, 50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000,
	120000, 300000, 600000, 1800000, 3600000, 7200000, 14400000, 43200000, 86400000,
}

// HistogramParams scopes a query_event_histogram call.
type HistogramParams struct {
	Server     string
	Method     string
	StartTSMs  *int64
	EndTSMs    *int64
	MaxBuckets int
}

// HistogramBucket is one bucket's counts, broken down by method. A bucket
// with no matching events still appears, with an empty Counts map, so the
// series is contiguous over [MinTSMs, MinTSMs + len(Buckets)*WidthMs).
type HistogramBucket struct {
	BucketIndex int64            `json:"bucket_idx"`
	BucketStart int64            `json:"bucket_start_ms"`
	Counts      map[string]int64 `json:"counts"`
}

// EventHistogram is the full result of query_event_histogram.
type EventHistogram struct {
	WidthMs int64             `json:"bucket_width_ms"`
	MinTSMs int64             `json:"min_ts_ms"`
	Buckets []HistogramBucket `json:"buckets"`
}

const defaultMaxBuckets = 80

func chooseBucketWidth(rangeMs int64, maxBuckets int) int64 {
	if maxBuckets <= 0 {
		maxBuckets = defaultMaxBuckets
	}
	for _, w := range bucketLadderMs {
		if (rangeMs/w)+1 <= int64(maxBuckets) {
			return w
		}
	}
	return int64(math.Ceil(float64(rangeMs) / float64(maxBuckets)))
}

// QueryEventHistogram buckets events by ts_ms and groups by method.
func (s *Store) QueryEventHistogram(p HistogramParams) (*EventHistogram, error) {
	db, err := s.openReader()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	qp := QueryParams{Server: p.Server, Method: p.Method, StartTSMs: p.StartTSMs, EndTSMs: p.EndTSMs}
	where, args := qp.whereClause()

	var minTS, maxTS sql.NullInt64
	minMaxQuery := fmt.Sprintf("SELECT MIN(ts_ms), MAX(ts_ms) FROM rpc_events %s", where)
	if err := db.QueryRow(minMaxQuery, args...).Scan(&minTS, &maxTS); err != nil {
		return nil, err
	}
	if !minTS.Valid {
		return &EventHistogram{}, nil
	}

	rangeMs := maxTS.Int64 - minTS.Int64
	width := chooseBucketWidth(rangeMs, p.MaxBuckets)

	bucketExpr := fmt.Sprintf("(ts_ms - %d) / %d", minTS.Int64, width)
	q := fmt.Sprintf(`
		SELECT %s AS bucket_idx, method, COUNT(*)
		FROM rpc_events
		%s
		GROUP BY bucket_idx, method
		ORDER BY bucket_idx ASC
	`, bucketExpr, where)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type cell struct {
		idx    int64
		method string
		count  int64
	}
	var lastObserved int64
	var cells []cell
	for rows.Next() {
		var idx, count int64
		var method string
		if err := rows.Scan(&idx, &method, &count); err != nil {
			return nil, err
		}
		if idx > lastObserved {
			lastObserved = idx
		}
		cells = append(cells, cell{idx: idx, method: method, count: count})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	n := lastObserved + 1
	if spanBuckets := int64(math.Ceil(float64(rangeMs)/float64(width))) + 1; spanBuckets > n {
		n = spanBuckets
	}

	buckets := make([]HistogramBucket, n)
	for i := int64(0); i < n; i++ {
		buckets[i] = HistogramBucket{BucketIndex: i, BucketStart: minTS.Int64 + i*width, Counts: map[string]int64{}}
	}
	for _, c := range cells {
		buckets[c.idx].Counts[c.method] = c.count
	}

	return &EventHistogram{WidthMs: width, MinTSMs: minTS.Int64, Buckets: buckets}, nil
}

func (s *Store) openReader() (*sql.DB, error) {
	return openConnection(s.dbPath)
}
