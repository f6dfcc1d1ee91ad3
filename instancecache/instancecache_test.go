package instancecache

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const body1 = "p ds 2 1\n1 2\n"

type testLogger struct{ sl *slog.Logger }

func newTestLogger() *testLogger {
	return &testLogger{sl: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (l *testLogger) ForFetch(iid uint32) *slog.Logger {
	return l.sl.With(slog.Uint64("iid", uint64(iid)))
}

type countingFetcher struct {
	calls atomic.Int32
	body  string
}

func (f *countingFetcher) FetchInstance(ctx context.Context, iid uint32) (string, []byte, error) {
	f.calls.Add(1)
	sum := sha1.Sum([]byte(f.body))
	return hex.EncodeToString(sum[:]), []byte(f.body), nil
}

type erroringFetcher struct{}

func (erroringFetcher) FetchInstance(ctx context.Context, iid uint32) (string, []byte, error) {
	return "", nil, errors.New("network down")
}

func TestGetOrFetchMissesThenCaches(t *testing.T) {
	dir := t.TempDir()
	fetcher := &countingFetcher{body: body1}
	cache, err := Open(filepath.Join(dir, "instances.db"), fetcher, newTestLogger())
	require.NoError(t, err)
	defer cache.Close()

	g1, err := cache.GetOrFetch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, g1.N)

	g2, err := cache.GetOrFetch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, g2.N)

	assert.EqualValues(t, 1, fetcher.calls.Load(), "second call must hit the cache, not the network")
}

func TestGetOrFetchPropagatesFetchError(t *testing.T) {
	dir := t.TempDir()
	cache, err := Open(filepath.Join(dir, "instances.db"), erroringFetcher{}, newTestLogger())
	require.NoError(t, err)
	defer cache.Close()

	_, err = cache.GetOrFetch(context.Background(), 7)
	require.Error(t, err)
}

// P4: concurrent GetOrFetch calls for the same iid all yield the same graph.
func TestP4ConcurrentFetchesAgree(t *testing.T) {
	dir := t.TempDir()
	fetcher := &countingFetcher{body: body1}
	cache, err := Open(filepath.Join(dir, "instances.db"), fetcher, newTestLogger())
	require.NoError(t, err)
	defer cache.Close()

	const n = 20
	var wg sync.WaitGroup
	results := make([]*int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			g, err := cache.GetOrFetch(context.Background(), 42)
			require.NoError(t, err)
			results[idx] = &g.N
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, 2, *r)
	}
}

func TestBulkImportIsAdditiveAndIgnoresConflicts(t *testing.T) {
	dir := t.TempDir()
	cache, err := Open(filepath.Join(dir, "instances.db"), erroringFetcher{}, newTestLogger())
	require.NoError(t, err)
	defer cache.Close()

	dumpPath := filepath.Join(dir, "dump.db")
	dump, err := sql.Open("sqlite", dumpPath)
	require.NoError(t, err)
	_, err = dump.Exec(`CREATE TABLE InstanceBody (iid INTEGER PRIMARY KEY, sha1 BLOB, body BLOB)`)
	require.NoError(t, err)
	sum := sha1.Sum([]byte(body1))
	_, err = dump.Exec("INSERT INTO InstanceBody (iid, sha1, body) VALUES (?, ?, ?)", 5, sum[:], body1)
	require.NoError(t, err)
	dump.Close()

	n, err := cache.BulkImport(context.Background(), dumpPath)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Re-importing the same dump must not error or duplicate rows.
	n2, err := cache.BulkImport(context.Background(), dumpPath)
	require.NoError(t, err)
	assert.Equal(t, 0, n2)

	g, err := cache.GetOrFetch(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 2, g.N)
}
