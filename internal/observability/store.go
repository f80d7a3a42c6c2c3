// Package observability persists request traces, RAG selection detail, and
// circuit-breaker snapshots to a dialect-aware SQL store (SQLite or
// Postgres), and computes windowed aggregate metrics over them.
package observability

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// Store is the append-only observability backend.
type Store struct {
	db      *sql.DB
	dialect sqlDialect
}

// NewSQLiteStore creates a SQLite-backed observability store.
func NewSQLiteStore(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "gatewayd-observability.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite observability store: %w", err)
	}
	s := &Store{db: db, dialect: dialectSQLite}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore creates a Postgres-backed observability store.
func NewPostgresStore(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres observability store: %w", err)
	}
	s := &Store{db: db, dialect: dialectPostgres}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s observability store: %w", s.dialect, err)
	}

	timestampType := "DATETIME"
	if s.dialect == dialectPostgres {
		timestampType = "TIMESTAMPTZ"
	}

	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS request_logs (
	id TEXT PRIMARY KEY,
	timestamp %[1]s NOT NULL,
	user_id TEXT,
	chat_id TEXT,
	provider TEXT,
	model_id TEXT,
	route_name TEXT,
	route_reason TEXT,
	fallback_used BOOLEAN NOT NULL DEFAULT false,
	fallback_chain_json TEXT,
	total_latency_ms DOUBLE PRECISION,
	provider_latency_ms DOUBLE PRECISION,
	tokens_in INTEGER,
	tokens_out INTEGER,
	error_type TEXT,
	error_short TEXT,
	rag_attempted BOOLEAN NOT NULL DEFAULT false,
	rag_used BOOLEAN NOT NULL DEFAULT false,
	rag_latency_ms DOUBLE PRECISION,
	rag_topn INTEGER,
	rag_topk INTEGER,
	reranker_type TEXT,
	rerank_latency_ms DOUBLE PRECISION,
	extra_metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_timestamp_provider ON request_logs(timestamp, provider);
CREATE INDEX IF NOT EXISTS idx_timestamp_error ON request_logs(timestamp, error_type);
CREATE INDEX IF NOT EXISTS idx_user_timestamp ON request_logs(user_id, timestamp);

CREATE TABLE IF NOT EXISTS rag_logs (
	id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	timestamp %[1]s NOT NULL,
	query TEXT,
	knowledge_base_id TEXT,
	candidates_json TEXT,
	reranker_type TEXT,
	selected_chunks_json TEXT
);
CREATE INDEX IF NOT EXISTS idx_rag_logs_request_id ON rag_logs(request_id);

CREATE TABLE IF NOT EXISTS circuit_breaker_states (
	provider TEXT PRIMARY KEY,
	state TEXT NOT NULL DEFAULT 'closed',
	failure_count INTEGER NOT NULL DEFAULT 0,
	opened_at %[1]s NULL,
	updated_at %[1]s NOT NULL
);
`, timestampType)

	for _, stmt := range strings.Split(ddl, ";\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize %s observability schema: %w", s.dialect, err)
		}
	}
	return nil
}

func (s *Store) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	argNum := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// FallbackAttempt mirrors fallback.Attempt in a JSON-serializable shape
// suitable for the fallback_chain_json column.
type FallbackAttempt struct {
	AttemptN   int     `json:"attempt_n"`
	ModelID    string  `json:"model_id"`
	Provider   string  `json:"provider"`
	StatusCode *int    `json:"status_code,omitempty"`
	ErrorType  *string `json:"error_type,omitempty"`
	ErrorShort string  `json:"error_short,omitempty"`
	LatencyMS  float64 `json:"latency_ms"`
}

// RequestLog is one row of the request_logs table.
type RequestLog struct {
	ID                string
	Timestamp         time.Time
	UserID            string
	ChatID            string
	Provider          string
	ModelID           string
	RouteName         string
	RouteReason       string
	FallbackUsed      bool
	FallbackChain     []FallbackAttempt
	TotalLatencyMS    float64
	ProviderLatencyMS float64
	TokensIn          *int
	TokensOut         *int
	ErrorType         string
	ErrorShort        string
	RAGAttempted      bool
	RAGUsed           bool
	RAGLatencyMS      *float64
	RAGTopN           *int
	RAGTopK           *int
	RerankerType      string
	RerankLatencyMS   *float64
	ExtraMetadata     map[string]interface{}
}

// InsertRequestLog appends a new request log row.
func (s *Store) InsertRequestLog(l RequestLog) error {
	chainJSON, err := json.Marshal(l.FallbackChain)
	if err != nil {
		return fmt.Errorf("encode fallback chain: %w", err)
	}
	var metaJSON []byte
	if l.ExtraMetadata != nil {
		metaJSON, err = json.Marshal(l.ExtraMetadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
	}

	q := s.bind(`
INSERT INTO request_logs(
	id, timestamp, user_id, chat_id, provider, model_id, route_name, route_reason,
	fallback_used, fallback_chain_json, total_latency_ms, provider_latency_ms,
	tokens_in, tokens_out, error_type, error_short,
	rag_attempted, rag_used, rag_latency_ms, rag_topn, rag_topk, reranker_type, rerank_latency_ms,
	extra_metadata
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = s.db.Exec(q,
		l.ID, l.Timestamp, l.UserID, l.ChatID, l.Provider, l.ModelID, l.RouteName, l.RouteReason,
		l.FallbackUsed, string(chainJSON), l.TotalLatencyMS, l.ProviderLatencyMS,
		l.TokensIn, l.TokensOut, l.ErrorType, l.ErrorShort,
		l.RAGAttempted, l.RAGUsed, l.RAGLatencyMS, l.RAGTopN, l.RAGTopK, l.RerankerType, l.RerankLatencyMS,
		string(metaJSON),
	)
	if err != nil {
		return fmt.Errorf("insert request log: %w", err)
	}
	return nil
}

// LogFilter narrows GetLogs. Zero-value fields are unfiltered.
type LogFilter struct {
	UserID      string
	Provider    string
	ModelID     string
	RouteName   string
	ErrorsOnly  bool
	RAGUsedOnly bool
	StartTime   *time.Time
	EndTime     *time.Time
	Limit       int
	Offset      int
}

// GetLogs returns request logs matching filter, newest first.
func (s *Store) GetLogs(filter LogFilter) ([]RequestLog, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	var where []string
	var args []interface{}
	add := func(clause string, arg interface{}) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if filter.UserID != "" {
		add("user_id = ?", filter.UserID)
	}
	if filter.Provider != "" {
		add("provider = ?", filter.Provider)
	}
	if filter.ModelID != "" {
		add("model_id = ?", filter.ModelID)
	}
	if filter.RouteName != "" {
		add("route_name = ?", filter.RouteName)
	}
	if filter.ErrorsOnly {
		where = append(where, "error_type IS NOT NULL")
	}
	if filter.RAGUsedOnly {
		where = append(where, "rag_used = true")
	}
	if filter.StartTime != nil {
		add("timestamp >= ?", *filter.StartTime)
	}
	if filter.EndTime != nil {
		add("timestamp <= ?", *filter.EndTime)
	}

	q := "SELECT " + requestLogColumns + " FROM request_logs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT %d OFFSET %d", limit, filter.Offset)

	rows, err := s.db.Query(s.bind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query request logs: %w", err)
	}
	defer rows.Close()

	var logs []RequestLog
	for rows.Next() {
		l, err := scanRequestLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}

const requestLogColumns = `
	id, timestamp, user_id, chat_id, provider, model_id, route_name, route_reason,
	fallback_used, fallback_chain_json, total_latency_ms, provider_latency_ms,
	tokens_in, tokens_out, error_type, error_short,
	rag_attempted, rag_used, rag_latency_ms, rag_topn, rag_topk, reranker_type, rerank_latency_ms,
	extra_metadata`

// GetByID returns a single request log by id directly, via a primary-key
// lookup — not by paging through a list and scanning for a match.
func (s *Store) GetByID(id string) (*RequestLog, bool, error) {
	q := s.bind("SELECT " + requestLogColumns + " FROM request_logs WHERE id = ?")
	row := s.db.QueryRow(q, id)
	l, err := scanRequestLog(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get request log %s: %w", id, err)
	}
	return l, true, nil
}

func scanRequestLog(scanner interface{ Scan(dest ...interface{}) error }) (*RequestLog, error) {
	var (
		l                                     RequestLog
		chainJSON, metaJSON                   string
		errorType, errorShort, rerankerType   sql.NullString
		chatID                                sql.NullString
		tokensIn, tokensOut, ragTopN, ragTopK  sql.NullInt64
		providerLatency, ragLatency, rerankLat sql.NullFloat64
	)
	err := scanner.Scan(
		&l.ID, &l.Timestamp, &l.UserID, &chatID, &l.Provider, &l.ModelID, &l.RouteName, &l.RouteReason,
		&l.FallbackUsed, &chainJSON, &l.TotalLatencyMS, &providerLatency,
		&tokensIn, &tokensOut, &errorType, &errorShort,
		&l.RAGAttempted, &l.RAGUsed, &ragLatency, &ragTopN, &ragTopK, &rerankerType, &rerankLat,
		&metaJSON,
	)
	if err != nil {
		return nil, err
	}

	l.ChatID = chatID.String
	l.ErrorType = errorType.String
	l.ErrorShort = errorShort.String
	l.RerankerType = rerankerType.String
	if providerLatency.Valid {
		l.ProviderLatencyMS = providerLatency.Float64
	}
	if tokensIn.Valid {
		v := int(tokensIn.Int64)
		l.TokensIn = &v
	}
	if tokensOut.Valid {
		v := int(tokensOut.Int64)
		l.TokensOut = &v
	}
	if ragLatency.Valid {
		v := ragLatency.Float64
		l.RAGLatencyMS = &v
	}
	if ragTopN.Valid {
		v := int(ragTopN.Int64)
		l.RAGTopN = &v
	}
	if ragTopK.Valid {
		v := int(ragTopK.Int64)
		l.RAGTopK = &v
	}
	if rerankLat.Valid {
		v := rerankLat.Float64
		l.RerankLatencyMS = &v
	}
	if chainJSON != "" {
		_ = json.Unmarshal([]byte(chainJSON), &l.FallbackChain)
	}
	if metaJSON != "" {
		_ = json.Unmarshal([]byte(metaJSON), &l.ExtraMetadata)
	}
	return &l, nil
}

// Metrics is the aggregated view over a window of request logs.
type Metrics struct {
	TotalRequests     int
	ErrorRate         float64
	FallbackRate      float64
	AvgLatencyMS      float64
	P50LatencyMS      float64
	P95LatencyMS      float64
	RAGHitRate        float64
	ProviderBreakdown map[string]int
	ErrorBreakdown    map[string]int
}

// GetMetrics computes aggregate metrics over the logs selected by filter's
// Provider, StartTime and EndTime; the whole matching window is scanned. The
// other filter fields, Limit and Offset included, are ignored.
func (s *Store) GetMetrics(filter LogFilter) (Metrics, error) {
	filter.Limit = -1 // unbounded: fetched below with no LIMIT
	var where []string
	var args []interface{}
	if filter.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.StartTime != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.StartTime)
	}
	if filter.EndTime != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.EndTime)
	}

	q := "SELECT fallback_used, total_latency_ms, error_type, rag_attempted, rag_used, provider FROM request_logs"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.db.Query(s.bind(q), args...)
	if err != nil {
		return Metrics{}, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var (
		total, errs, fallbacks, ragAttempted, ragUsed int
		latencies                                     []float64
	)
	providerBreakdown := map[string]int{}
	errorBreakdown := map[string]int{}

	for rows.Next() {
		var (
			fallbackUsed, attempted, used bool
			latency                       float64
			errorType, provider           sql.NullString
		)
		if err := rows.Scan(&fallbackUsed, &latency, &errorType, &attempted, &used, &provider); err != nil {
			return Metrics{}, err
		}
		total++
		if errorType.Valid && errorType.String != "" {
			errs++
			errorBreakdown[errorType.String]++
		}
		if fallbackUsed {
			fallbacks++
		}
		if attempted {
			ragAttempted++
		}
		if used {
			ragUsed++
		}
		if provider.Valid {
			providerBreakdown[provider.String]++
		}
		latencies = append(latencies, latency)
	}
	if err := rows.Err(); err != nil {
		return Metrics{}, err
	}

	if total == 0 {
		return Metrics{ProviderBreakdown: providerBreakdown, ErrorBreakdown: errorBreakdown}, nil
	}

	sort.Float64s(latencies)
	sum := 0.0
	for _, v := range latencies {
		sum += v
	}

	return Metrics{
		TotalRequests:     total,
		ErrorRate:         float64(errs) / float64(total),
		FallbackRate:      float64(fallbacks) / float64(total),
		AvgLatencyMS:      sum / float64(len(latencies)),
		P50LatencyMS:      percentile(latencies, 0.50),
		P95LatencyMS:      percentile(latencies, 0.95),
		RAGHitRate:        ragHitRate(ragUsed, ragAttempted),
		ProviderBreakdown: providerBreakdown,
		ErrorBreakdown:    errorBreakdown,
	}, nil
}

func ragHitRate(used, attempted int) float64 {
	if attempted == 0 {
		return 0
	}
	return float64(used) / float64(attempted)
}

// percentile assumes sorted ascending, matching the Python original's
// index-based (not interpolated) percentile selection.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// RAGCandidate is one retrieval candidate recorded in a RAG log.
type RAGCandidate struct {
	DocID       string  `json:"doc_id"`
	DocTitle    string  `json:"doc_title,omitempty"`
	DocPath     string  `json:"doc_path,omitempty"`
	ChunkID     string  `json:"chunk_id"`
	VectorScore float64 `json:"vector_score"`
	Preview     string  `json:"preview"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
}

// RAGLog is one row of the rag_logs table, linked to a RequestLog by
// RequestID (the correlation id).
type RAGLog struct {
	ID                string
	RequestID         string
	Timestamp         time.Time
	Query             string
	KnowledgeBaseID   string
	Candidates        []RAGCandidate
	RerankerType      string
	SelectedChunks    []RAGCandidate
}

// InsertRAGLog appends a new RAG log row.
func (s *Store) InsertRAGLog(l RAGLog) error {
	candidatesJSON, err := json.Marshal(l.Candidates)
	if err != nil {
		return fmt.Errorf("encode rag candidates: %w", err)
	}
	selectedJSON, err := json.Marshal(l.SelectedChunks)
	if err != nil {
		return fmt.Errorf("encode rag selected chunks: %w", err)
	}

	q := s.bind(`
INSERT INTO rag_logs(id, request_id, timestamp, query, knowledge_base_id, candidates_json, reranker_type, selected_chunks_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.Exec(q, l.ID, l.RequestID, l.Timestamp, l.Query, l.KnowledgeBaseID, string(candidatesJSON), l.RerankerType, string(selectedJSON))
	if err != nil {
		return fmt.Errorf("insert rag log: %w", err)
	}
	return nil
}

// GetRAGLogByRequestID looks up the RAG log for a request id directly (a
// primary-lookup by the column it is actually keyed on, rather than the
// get_logs(limit=1)+linear-scan pattern this is ported from).
func (s *Store) GetRAGLogByRequestID(requestID string) (*RAGLog, bool, error) {
	q := s.bind(`
SELECT id, request_id, timestamp, query, knowledge_base_id, candidates_json, reranker_type, selected_chunks_json
FROM rag_logs WHERE request_id = ?`)
	row := s.db.QueryRow(q, requestID)

	var l RAGLog
	var candidatesJSON, selectedJSON string
	var kb sql.NullString
	err := row.Scan(&l.ID, &l.RequestID, &l.Timestamp, &l.Query, &kb, &candidatesJSON, &l.RerankerType, &selectedJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get rag log for request %s: %w", requestID, err)
	}
	l.KnowledgeBaseID = kb.String
	_ = json.Unmarshal([]byte(candidatesJSON), &l.Candidates)
	_ = json.Unmarshal([]byte(selectedJSON), &l.SelectedChunks)
	return &l, true, nil
}

// UpsertBreakerSnapshot persists a point-in-time circuit-breaker state,
// replacing any prior row for the same provider.
func (s *Store) UpsertBreakerSnapshot(provider, state string, failureCount int, openedAt *time.Time) error {
	now := time.Now().UTC()
	var q string
	switch s.dialect {
	case dialectPostgres:
		q = `
INSERT INTO circuit_breaker_states(provider, state, failure_count, opened_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (provider) DO UPDATE SET state = $2, failure_count = $3, opened_at = $4, updated_at = $5`
	default:
		q = `
INSERT INTO circuit_breaker_states(provider, state, failure_count, opened_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (provider) DO UPDATE SET state = excluded.state, failure_count = excluded.failure_count, opened_at = excluded.opened_at, updated_at = excluded.updated_at`
	}
	_, err := s.db.Exec(q, provider, state, failureCount, openedAt, now)
	if err != nil {
		return fmt.Errorf("upsert breaker snapshot for %s: %w", provider, err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
