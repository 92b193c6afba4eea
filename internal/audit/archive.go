package audit

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/sqlchat/sqlchat/internal/observability"
	"github.com/sqlchat/sqlchat/internal/storage"
)

const parquetContentType = "application/vnd.apache.parquet"

type parquetEntry struct {
	SessionID  string `parquet:"session_id"`
	Subject    string `parquet:"subject"`
	Persona    string `parquet:"persona"`
	Question   string `parquet:"question"`
	SQL        string `parquet:"sql"`
	Outcome    string `parquet:"outcome"`
	Error      string `parquet:"error"`
	Rows       int64  `parquet:"rows"`
	DurationMs int64  `parquet:"duration_ms"`
	AtUnixMs   int64  `parquet:"at_unix_ms"`
}

func EncodeEntries(entries []Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("entries are required")
	}
	rows := make([]parquetEntry, 0, len(entries))
	for _, entry := range entries {
		rows = append(rows, parquetEntry{
			SessionID:  entry.SessionID,
			Subject:    entry.Subject,
			Persona:    entry.Persona,
			Question:   entry.Question,
			SQL:        entry.SQL,
			Outcome:    entry.Outcome,
			Error:      entry.Error,
			Rows:       int64(entry.Rows),
			DurationMs: entry.DurationMs,
			AtUnixMs:   entry.At.UnixMilli(),
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[parquetEntry](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func DecodeEntries(data []byte) ([]Entry, error) {
	reader := parquet.NewGenericReader[parquetEntry](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	rows := make([]parquetEntry, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	entries := make([]Entry, 0, n)
	for _, row := range rows[:n] {
		entries = append(entries, Entry{
			SessionID:  row.SessionID,
			Subject:    row.Subject,
			Persona:    row.Persona,
			Question:   row.Question,
			SQL:        row.SQL,
			Outcome:    row.Outcome,
			Error:      row.Error,
			Rows:       int(row.Rows),
			DurationMs: row.DurationMs,
			At:         time.UnixMilli(row.AtUnixMs).UTC(),
		})
	}
	return entries, nil
}

type ArchiverConfig struct {
	Prefix        string
	BatchSize     int
	FlushInterval time.Duration
}

// Archiver buffers entries and writes them as parquet objects, one object
// per flush. Flushes happen when BatchSize entries are waiting, every
// FlushInterval, and once more when Run returns.
type Archiver struct {
	store     storage.ObjectStore
	prefix    string
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	buffer []Entry
	kick   chan struct{}
}

func NewArchiver(store storage.ObjectStore, cfg ArchiverConfig, logger *slog.Logger) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be > 0")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "audit"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:     store,
		prefix:    cfg.Prefix,
		batchSize: cfg.BatchSize,
		interval:  cfg.FlushInterval,
		logger:    logger,
		now:       time.Now,
		kick:      make(chan struct{}, 1),
	}, nil
}

func (a *Archiver) Record(_ context.Context, entry Entry) {
	a.mu.Lock()
	a.buffer = append(a.buffer, entry)
	full := len(a.buffer) >= a.batchSize
	a.mu.Unlock()

	if full {
		select {
		case a.kick <- struct{}{}:
		default:
		}
	}
}

func (a *Archiver) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buffer)
}

// Flush writes everything buffered so far. On failure the entries are put
// back, bounded to ten batches, and retried on the next flush.
func (a *Archiver) Flush(ctx context.Context) (int, error) {
	a.mu.Lock()
	entries := a.buffer
	a.buffer = nil
	a.mu.Unlock()

	if len(entries) == 0 {
		return 0, nil
	}

	err := a.write(ctx, entries)
	observability.ObserveAuditFlush(len(entries), err)
	if err != nil {
		a.requeue(entries)
		return 0, err
	}
	return len(entries), nil
}

func (a *Archiver) write(ctx context.Context, entries []Entry) error {
	data, err := EncodeEntries(entries)
	if err != nil {
		return err
	}
	key, err := storage.BuildAuditObjectPath(a.prefix, a.now(), uuid.NewString())
	if err != nil {
		return err
	}
	if _, err := a.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: parquetContentType}); err != nil {
		return fmt.Errorf("archive %d audit entries: %w", len(entries), err)
	}
	a.logger.Debug("audit batch archived", "key", key, "entries", len(entries))
	return nil
}

func (a *Archiver) requeue(entries []Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	merged := append(entries, a.buffer...)
	if limit := a.batchSize * 10; len(merged) > limit {
		dropped := len(merged) - limit
		merged = merged[dropped:]
		a.logger.Warn("audit buffer full, dropping oldest entries", "dropped", dropped)
	}
	a.buffer = merged
}

// Run flushes until ctx is cancelled, then flushes what is left using a
// fresh context bounded by the flush interval.
func (a *Archiver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.interval)
			defer cancel()
			if _, err := a.Flush(finalCtx); err != nil {
				a.logger.Error("final audit flush failed", "error", err, "pending", a.Pending())
				return err
			}
			return nil
		case <-ticker.C:
		case <-a.kick:
		}
		if _, err := a.Flush(ctx); err != nil {
			a.logger.Warn("audit flush failed", "error", err)
		}
	}
}
