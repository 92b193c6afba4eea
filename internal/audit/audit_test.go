package audit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sqlchat/sqlchat/internal/storage"
)

func sampleEntry(question string) Entry {
	return Entry{
		SessionID:  "s-1",
		Subject:    "alice",
		Persona:    "helpdesk",
		Question:   question,
		SQL:        "SELECT `Name` FROM contacts WHERE `Abteilung` = 'IT'",
		Outcome:    "ok",
		Rows:       1,
		DurationMs: 12,
		At:         time.Date(2026, time.February, 19, 9, 5, 0, 0, time.UTC),
	}
}

func TestEncodeDecodeEntries(t *testing.T) {
	in := []Entry{sampleEntry("Wer ist in der IT?"), sampleEntry("Und im Einkauf?")}
	in[1].Outcome = "EXECUTION_ERROR"
	in[1].Error = "unknown column"

	data, err := EncodeEntries(in)
	require.NoError(t, err)
	out, err := DecodeEntries(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = EncodeEntries(nil)
	assert.Error(t, err)
}

func TestLogRecorderWritesQuery(t *testing.T) {
	var buf bytes.Buffer
	LogRecorder{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}.Record(context.Background(), sampleEntry("Wer?"))
	assert.Contains(t, buf.String(), `"msg":"generated_query"`)
	assert.Contains(t, buf.String(), "SELECT `Name` FROM contacts")
}

func TestMultiFansOut(t *testing.T) {
	first, second := &captureRecorder{}, &captureRecorder{}
	Multi{first, nil, second, Discard{}}.Record(context.Background(), sampleEntry("q"))
	assert.Len(t, first.entries, 1)
	assert.Len(t, second.entries, 1)
}

func TestArchiverFlushWritesParquetObject(t *testing.T) {
	store := storage.NewMemoryStore()
	archiver, err := NewArchiver(store, ArchiverConfig{Prefix: "audit", BatchSize: 10}, nil)
	require.NoError(t, err)
	archiver.now = func() time.Time { return time.Date(2026, time.February, 19, 9, 5, 0, 0, time.UTC) }

	archiver.Record(context.Background(), sampleEntry("a"))
	archiver.Record(context.Background(), sampleEntry("b"))

	n, err := archiver.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, archiver.Pending())

	keys := store.Keys("audit/date=2026-02-19/hour=09/")
	require.Len(t, keys, 1)
	assert.True(t, strings.HasSuffix(keys[0], ".parquet"))

	entries := readArchived(t, store, keys[0])
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Question)
	assert.Equal(t, "b", entries[1].Question)

	n, err = archiver.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestArchiverRequeuesOnFailure(t *testing.T) {
	store := &failingStore{err: errors.New("bucket unavailable")}
	archiver, err := NewArchiver(store, ArchiverConfig{BatchSize: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	for i := 0; i < 15; i++ {
		archiver.Record(context.Background(), sampleEntry("q"))
	}
	_, err = archiver.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 10, archiver.Pending(), "buffer is capped at ten batches")
}

func TestArchiverRunFlushesOnBatchAndShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := storage.NewMemoryStore()
	archiver, err := NewArchiver(store, ArchiverConfig{BatchSize: 2, FlushInterval: time.Hour}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	var runErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr = archiver.Run(ctx)
	}()

	archiver.Record(ctx, sampleEntry("a"))
	archiver.Record(ctx, sampleEntry("b"))
	require.Eventually(t, func() bool { return len(store.Keys("audit/")) == 1 }, 2*time.Second, 10*time.Millisecond)

	archiver.Record(ctx, sampleEntry("c"))
	cancel()
	wg.Wait()

	require.NoError(t, runErr)
	assert.Len(t, store.Keys("audit/"), 2)
	assert.Equal(t, 0, archiver.Pending())
}

func TestNewArchiverValidates(t *testing.T) {
	_, err := NewArchiver(nil, ArchiverConfig{BatchSize: 1}, nil)
	assert.Error(t, err)
	_, err = NewArchiver(storage.NewMemoryStore(), ArchiverConfig{}, nil)
	assert.Error(t, err)
}

func readArchived(t *testing.T, store storage.ObjectStore, key string) []Entry {
	t.Helper()
	reader, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	require.NoError(t, err)
	entries, err := DecodeEntries(data)
	require.NoError(t, err)
	return entries
}

type captureRecorder struct {
	entries []Entry
}

func (c *captureRecorder) Record(_ context.Context, entry Entry) {
	c.entries = append(c.entries, entry)
}

type failingStore struct {
	err error
}

func (f *failingStore) Put(context.Context, string, io.Reader, int64, storage.PutOptions) (storage.ObjectInfo, error) {
	return storage.ObjectInfo{}, f.err
}

func (f *failingStore) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, storage.ErrObjectNotFound
}

func (f *failingStore) Ping(context.Context) error {
	return f.err
}
