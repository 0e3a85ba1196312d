package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/shortontech/threatgate/internal/event"
	"github.com/shortontech/threatgate/internal/metrics"
)

// PGConfig holds configuration for the Postgres sink
type PGConfig struct {
	DSN       string
	Table     string
	BatchSize int
	FlushMS   int
	UseCopy   bool
	// MaxPending caps the events buffered while Postgres is unreachable;
	// zero means four batches
	MaxPending int
}

// PGSink batches security events into Postgres using COPY or multi-row INSERT
type PGSink struct {
	config  PGConfig
	db      *sql.DB
	metrics *metrics.Metrics

	mu    sync.Mutex
	batch []event.SecurityEvent

	// flushMu serializes writers and is never acquired while holding mu
	flushMu sync.Mutex
	kick    chan struct{}
	dropLog *rate.Sometimes

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var pgColumns = []string{"event_id", "ts", "client_id", "level", "score", "blocked", "rate_limited", "payload"}

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validateTableName guards the table identifier, which is interpolated into SQL
func validateTableName(name string) error {
	if name == "" || len(name) > 63 || !tableNameRe.MatchString(name) {
		return fmt.Errorf("invalid table name %q", name)
	}
	return nil
}

// NewPGSinkFromEnv creates a PGSink from PG_* environment variables
func NewPGSinkFromEnv() *PGSink {
	return &PGSink{config: PGConfig{
		DSN:       os.Getenv("PG_DSN"),
		Table:     getEnvOr("PG_TABLE", "security_events"),
		BatchSize: getIntEnv("PG_BATCH_SIZE", 500),
		FlushMS:   getIntEnv("PG_FLUSH_MS", 500),
		UseCopy:   getBoolEnv("PG_COPY", true),

		MaxPending: getIntEnv("PG_MAX_PENDING", 0),
	}}
}

// NewPGSink creates a PGSink with default batching for dsn
func NewPGSink(dsn string) *PGSink {
	return &PGSink{config: PGConfig{
		DSN:       dsn,
		Table:     "security_events",
		BatchSize: 500,
		FlushMS:   500,
		UseCopy:   true,
	}}
}

// WithMetrics reports queue depth, flush latency and dropped events to m
func (s *PGSink) WithMetrics(m *metrics.Metrics) *PGSink {
	s.metrics = m
	return s
}

func (s *PGSink) Name() string { return "postgres" }

func (s *PGSink) Start(ctx context.Context) error {
	if err := validateTableName(s.config.Table); err != nil {
		return err
	}
	if s.config.BatchSize <= 0 {
		s.config.BatchSize = 500
	}
	if s.config.FlushMS <= 0 {
		s.config.FlushMS = 500
	}

	db, err := sql.Open("postgres", s.config.DSN)
	if err != nil {
		return fmt.Errorf("failed to open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}

	s.db = db
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.ensureSchema(); err != nil {
		s.cancel()
		db.Close()
		return err
	}

	s.batch = make([]event.SecurityEvent, 0, s.config.BatchSize)
	s.kick = make(chan struct{}, 1)
	s.dropLog = &rate.Sometimes{First: 1, Interval: 30 * time.Second}
	s.done = make(chan struct{})
	go s.flushRoutine()
	return nil
}

func (s *PGSink) ensureSchema() error {
	table := s.config.Table
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	client_id TEXT NOT NULL,
	level TEXT NOT NULL,
	score DOUBLE PRECISION NOT NULL,
	blocked BOOLEAN NOT NULL DEFAULT FALSE,
	rate_limited BOOLEAN NOT NULL DEFAULT FALSE,
	payload JSONB NOT NULL
)`, table)
	if _, err := s.db.ExecContext(s.ctx, create); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_ts ON %s (ts)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_client ON %s (client_id, ts)", table, table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_gin ON %s USING GIN (payload)", table, table),
	}
	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(s.ctx, stmt); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Enqueue buffers e and returns without touching the database. Once
// MaxPending events are buffered the oldest one is dropped.
func (s *PGSink) Enqueue(e event.SecurityEvent) error {
	s.mu.Lock()
	dropped := 0
	if limit := s.maxPending(); len(s.batch) >= limit {
		dropped = len(s.batch) - limit + 1
		s.batch = append(s.batch[:0], s.batch[dropped:]...)
	}
	s.batch = append(s.batch, e)
	depth := len(s.batch)
	s.mu.Unlock()

	s.record(depth, dropped)
	if s.config.BatchSize > 0 && depth >= s.config.BatchSize {
		select {
		case s.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *PGSink) maxPending() int {
	if s.config.MaxPending > 0 {
		return s.config.MaxPending
	}
	batch := s.config.BatchSize
	if batch <= 0 {
		batch = 500
	}
	return batch * 4
}

// record publishes the queue depth and accounts for dropped events
func (s *PGSink) record(depth, dropped int) {
	s.metrics.SetQueueDepth(s.Name(), float64(depth))
	if dropped == 0 {
		return
	}
	s.metrics.AddSinkErrors(s.Name(), "dropped", dropped)
	warn := func() {
		log.Warn().Str("sink", s.Name()).Int("dropped", dropped).Int("pending", depth).Msg("event buffer full, dropping oldest events")
	}
	if s.dropLog != nil {
		s.dropLog.Do(warn)
	} else {
		warn()
	}
}

// flushRoutine is the only writer while the sink runs. It flushes on the
// timer and whenever Enqueue reports a full batch.
func (s *PGSink) flushRoutine() {
	defer close(s.done)

	interval := time.Duration(s.config.FlushMS) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}
		if err := s.flushBatch(s.ctx); err != nil {
			log.Error().Err(err).Str("sink", s.Name()).Msg("flush failed")
		}
	}
}

// flushBatch takes the pending events out from under s.mu and writes them
// in BatchSize chunks without holding it. Rows that were not written go back
// in front of anything enqueued meanwhile, trimmed to MaxPending.
func (s *PGSink) flushBatch(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	rows := s.batch
	s.batch = make([]event.SecurityEvent, 0, s.config.BatchSize)
	s.mu.Unlock()
	if len(rows) == 0 {
		return nil
	}

	chunk := s.config.BatchSize
	if chunk <= 0 {
		chunk = len(rows)
	}
	var err error
	written := 0
	for written < len(rows) {
		end := min(written+chunk, len(rows))
		start := time.Now()
		if s.config.UseCopy {
			err = s.flushWithCopy(ctx, rows[written:end])
		} else {
			err = s.flushWithInsert(ctx, rows[written:end])
		}
		s.metrics.ObserveBatchFlushLatency(s.Name(), time.Since(start))
		if err != nil {
			break
		}
		written = end
	}

	s.mu.Lock()
	dropped := 0
	if err != nil {
		s.batch = append(rows[written:], s.batch...)
		if limit := s.maxPending(); len(s.batch) > limit {
			dropped = len(s.batch) - limit
			s.batch = s.batch[dropped:]
		}
	}
	depth := len(s.batch)
	s.mu.Unlock()

	s.record(depth, dropped)
	if err != nil {
		s.metrics.IncrementSinkErrors(s.Name(), "flush")
		return err
	}
	return nil
}

func rowValues(e event.SecurityEvent) ([]any, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize event: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, e.TS)
	if err != nil {
		ts = time.Now().UTC()
	}
	return []any{e.EventID, ts, e.ClientID, string(e.Level), e.Score, e.Blocked, e.RateLimited, string(payload)}, nil
}

func (s *PGSink) flushWithInsert(ctx context.Context, rows []event.SecurityEvent) error {
	if len(rows) == 0 {
		return nil
	}

	var (
		sb   strings.Builder
		args = make([]any, 0, len(rows)*len(pgColumns))
	)
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", s.config.Table, strings.Join(pgColumns, ", "))
	for i, e := range rows {
		vals, err := rowValues(e)
		if err != nil {
			return err
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range vals {
			if j > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("$" + strconv.Itoa(len(args)+j+1))
		}
		sb.WriteByte(')')
		args = append(args, vals...)
	}

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	return nil
}

func (s *PGSink) flushWithCopy(ctx context.Context, rows []event.SecurityEvent) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn(s.config.Table, pgColumns...))
	if err != nil {
		return fmt.Errorf("failed to prepare copy: %w", err)
	}

	for _, e := range rows {
		vals, err := rowValues(e)
		if err != nil {
			stmt.Close()
			return err
		}
		if _, err := stmt.ExecContext(ctx, vals...); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to copy row: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("failed to finish copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("failed to close copy: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit copy: %w", err)
	}
	return nil
}

// Close stops the flush routine, writes what is left and closes the pool
func (s *PGSink) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	if s.db == nil {
		return nil
	}

	// the sink context is already cancelled; use a fresh one for the final flush
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	flushErr := s.flushBatch(ctx)

	closeErr := s.db.Close()
	if flushErr != nil {
		return fmt.Errorf("final flush: %w", flushErr)
	}
	return closeErr
}

func getIntEnv(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}
