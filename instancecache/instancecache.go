// Package instancecache implements component D: the additively-merged
// SQLite blob store of instance bodies (spec §4.D), populated by bulk
// import and by an on-demand fetcher that coordinates across concurrent
// worker misses.
package instancecache

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	_ "modernc.org/sqlite"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/stride-runner/stride/graph"
	"github.com/stride-runner/stride/sterr"
)

// Logger is the subset of pkg/logging.Logger the cache needs: a per-iid
// scoped child logger for on-demand fetch activity (spec §4.K).
type Logger interface {
	ForFetch(iid uint32) *slog.Logger
}

// maxConcurrentFetches bounds in-flight remote fetches independent of the
// Run Engine's `-j` worker count (spec §5): a wide job fan-out should not
// also mean a wide fan-out of simultaneous outbound instance downloads.
const maxConcurrentFetches = 8

// Fetcher retrieves a single instance body from the remote server (spec
// §4.E); implemented by serverclient.Client in production and faked in
// tests.
type Fetcher interface {
	FetchInstance(ctx context.Context, iid uint32) (sha1Hex string, body []byte, err error)
}

// Cache wraps instances.db (spec §4.D schema: InstanceBody(iid PK, sha1,
// body)).
type Cache struct {
	db      *sql.DB
	fetcher Fetcher
	logger  Logger
	// group deduplicates concurrent on-demand fetches for the same iid
	// (spec §4.D: "a per-iid in-process deduplicator is permitted but
	// not required"); grounded on golang.org/x/sync/singleflight.
	group singleflight.Group
	// sem bounds distinct-iid fetches in flight at once, independent of
	// group's per-iid dedup and of the job-worker count.
	sem *semaphore.Weighted
}

// Open opens (creating if absent) the instance cache at path and ensures
// its schema exists.
func Open(path string, fetcher Fetcher, logger Logger) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, sterr.Wrap(sterr.KindConfigError, "open instance cache", err).WithOperation("instancecache.Open")
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS InstanceBody (
		iid INTEGER PRIMARY KEY,
		sha1 BLOB NOT NULL,
		body BLOB NOT NULL
	)`); err != nil {
		db.Close()
		return nil, sterr.Wrap(sterr.KindConfigError, "create instance cache schema", err).WithOperation("instancecache.Open")
	}
	return &Cache{db: db, fetcher: fetcher, logger: logger, sem: semaphore.NewWeighted(maxConcurrentFetches)}, nil
}

// Close releases the underlying connection.
func (c *Cache) Close() error { return c.db.Close() }

// GetOrFetch implements spec §4.D: probe the local row; on miss, fetch via
// the Fetcher, insert (conflict-ignored so concurrent misses are safe),
// and return the parsed graph either way.
func (c *Cache) GetOrFetch(ctx context.Context, iid uint32) (*graph.Graph, error) {
	body, err := c.lookup(iid)
	if err != nil {
		return nil, err
	}
	if body == nil {
		body, err = c.fetchAndInsert(ctx, iid)
		if err != nil {
			return nil, err
		}
	}
	g, err := graph.ParseInstance(strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (c *Cache) lookup(iid uint32) ([]byte, error) {
	var body []byte
	err := c.db.QueryRow("SELECT body FROM InstanceBody WHERE iid = ?", iid).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sterr.Wrap(sterr.KindCorruptStore, "query instance body", err).WithOperation("instancecache.lookup")
	}
	return body, nil
}

func (c *Cache) fetchAndInsert(ctx context.Context, iid uint32) ([]byte, error) {
	fetchLogger := c.logger.ForFetch(iid)
	key := fmt.Sprintf("%d", iid)
	v, err, shared := c.group.Do(key, func() (any, error) {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		fetchLogger.Debug("fetching instance body from server")
		sha1Hex, body, err := c.fetcher.FetchInstance(ctx, iid)
		c.sem.Release(1)
		if err != nil {
			fetchLogger.Warn("fetch failed", "error", err)
			return nil, err
		}
		if err := verifySHA1(sha1Hex, body); err != nil {
			return nil, err
		}
		if _, err := c.db.Exec("INSERT OR IGNORE INTO InstanceBody (iid, sha1, body) VALUES (?, ?, ?)",
			iid, sha1Hex, body); err != nil {
			return nil, sterr.Wrap(sterr.KindCorruptStore, "insert fetched instance", err).WithOperation("instancecache.fetchAndInsert")
		}
		// Another worker may have inserted first; always re-read the
		// stored row so every caller returns the same body (spec §8 P4).
		stored, lookupErr := c.lookup(iid)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return stored, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		fetchLogger.Debug("fetch result shared with a concurrent caller")
	}
	return v.([]byte), nil
}

func verifySHA1(expectedHex string, body []byte) error {
	sum := sha1.Sum(body)
	got := hex.EncodeToString(sum[:])
	if !strings.EqualFold(got, expectedHex) {
		return sterr.New(sterr.KindMalformedInstance, fmt.Sprintf("sha1 mismatch: server said %s, got %s", expectedHex, got)).
			WithOperation("instancecache.verifySHA1")
	}
	return nil
}

// BulkImport additively merges every InstanceBody row in a downloaded
// dump (spec §4.D): for each incoming row, INSERT OR IGNORE. Never
// deletes, since instance bodies are immutable and the cache only grows.
func (c *Cache) BulkImport(ctx context.Context, dumpPath string) (int, error) {
	dump, err := sql.Open("sqlite", dumpPath)
	if err != nil {
		return 0, sterr.Wrap(sterr.KindConfigError, "open instance-data dump", err).WithOperation("instancecache.BulkImport")
	}
	defer dump.Close()

	rows, err := dump.QueryContext(ctx, "SELECT iid, sha1, body FROM InstanceBody")
	if err != nil {
		return 0, sterr.Wrap(sterr.KindMalformedInstance, "dump has no InstanceBody table", err).WithOperation("instancecache.BulkImport")
	}
	defer rows.Close()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, sterr.Wrap(sterr.KindConfigError, "begin bulk import transaction", err).WithOperation("instancecache.BulkImport")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO InstanceBody (iid, sha1, body) VALUES (?, ?, ?)")
	if err != nil {
		return 0, sterr.Wrap(sterr.KindConfigError, "prepare bulk insert", err).WithOperation("instancecache.BulkImport")
	}
	defer stmt.Close()

	n := 0
	for rows.Next() {
		var iid uint32
		var sha1Bytes, body []byte
		if err := rows.Scan(&iid, &sha1Bytes, &body); err != nil {
			return n, sterr.Wrap(sterr.KindMalformedInstance, "scan dump row", err).WithOperation("instancecache.BulkImport")
		}
		res, err := stmt.ExecContext(ctx, iid, sha1Bytes, body)
		if err != nil {
			return n, sterr.Wrap(sterr.KindCorruptStore, "insert dump row", err).WithOperation("instancecache.BulkImport")
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	if err := rows.Err(); err != nil {
		return n, err
	}
	if err := tx.Commit(); err != nil {
		return n, sterr.Wrap(sterr.KindConfigError, "commit bulk import", err).WithOperation("instancecache.BulkImport")
	}
	return n, nil
}
