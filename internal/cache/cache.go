// Package cache implements the content-addressed artifact cache shared by
// every delegation path. Entries live in SQLite, keyed by content hash, and
// are evicted least-recently-accessed first once the entry bound is exceeded.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultMaxEntries bounds the cache when no explicit limit is configured.
const DefaultMaxEntries = 1000

// Payload is the opaque structured value stored under a hash.
type Payload map[string]any

// Entry is one cached artifact with its bookkeeping columns.
type Entry struct {
	Hash         string    `json:"content_hash"`
	Payload      Payload   `json:"result_payload,omitempty"`
	SizeBytes    int64     `json:"size_bytes"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Stats reports cumulative hit/miss counters and live store totals.
type Stats struct {
	HitCount   int64 `json:"hit_count"`
	MissCount  int64 `json:"miss_count"`
	EntryCount int64 `json:"entry_count"`
	TotalBytes int64 `json:"total_bytes"`
}

// StorageError wraps an I/O failure of the underlying store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

type Options struct {
	MaxEntries int
	Now        func() time.Time
	Logger     *slog.Logger
}

// Cache is safe for concurrent use. Each operation runs as one critical
// section wrapping one SQL transaction.
type Cache struct {
	db         *sql.DB
	maxEntries int
	now        func() time.Time
	log        *slog.Logger

	mu     sync.Mutex
	hits   int64
	misses int64
	lastTS int64
}

// New wraps an already-migrated database.
func New(db *sql.DB, opts Options) *Cache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Cache{
		db:         db,
		maxEntries: opts.MaxEntries,
		now:        opts.Now,
		log:        opts.Logger,
	}
}

// MaxEntries returns the configured entry bound.
func (c *Cache) MaxEntries() int { return c.maxEntries }

// tick returns a microsecond timestamp strictly greater than the previous
// one handed out by this cache. Callers must hold c.mu.
func (c *Cache) tick() int64 {
	ts := c.now().UnixMicro()
	if ts <= c.lastTS {
		ts = c.lastTS + 1
	}
	c.lastTS = ts
	return ts
}

// Store upserts payload under hash and evicts least-recently-accessed
// entries until the count is back within bounds.
func (c *Cache) Store(ctx context.Context, hash string, payload Payload) error {
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", hash, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.tick()
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("store", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO cache(content_hash,result_json,size_bytes,created_at,last_accessed) VALUES (?,?,?,?,?)
ON CONFLICT(content_hash) DO UPDATE SET
	result_json=excluded.result_json,
	size_bytes=excluded.size_bytes,
	last_accessed=excluded.last_accessed`,
		hash, string(data), len(data), now, now); err != nil {
		return storageErr("store", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache`).Scan(&count); err != nil {
		return storageErr("store", err)
	}
	evicted := 0
	if count > c.maxEntries {
		res, err := tx.ExecContext(ctx, `DELETE FROM cache WHERE content_hash IN (
	SELECT content_hash FROM cache ORDER BY last_accessed ASC, content_hash ASC LIMIT ?
)`, count-c.maxEntries)
		if err != nil {
			return storageErr("evict", err)
		}
		n, _ := res.RowsAffected()
		evicted = int(n)
	}
	if err := tx.Commit(); err != nil {
		return storageErr("store", err)
	}
	if evicted > 0 {
		c.log.Debug("cache evicted lru entries", "count", evicted, "max_entries", c.maxEntries)
	}
	return nil
}

// Get returns the payload stored under hash. A hit bumps last_accessed.
func (c *Cache) Get(ctx context.Context, hash string) (Payload, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, storageErr("get", err)
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT result_json FROM cache WHERE content_hash=?`, hash).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		c.misses++
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr("get", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE cache SET last_accessed=? WHERE content_hash=?`, c.tick(), hash); err != nil {
		return nil, false, storageErr("get", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, storageErr("get", err)
	}
	c.hits++

	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, false, storageErr("decode", err)
	}
	return payload, true, nil
}

// Entry returns an entry with its metadata without touching last_accessed.
func (c *Cache) Entry(ctx context.Context, hash string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		raw          string
		e            Entry
		created, acc int64
	)
	err := c.db.QueryRowContext(ctx, `SELECT content_hash,result_json,size_bytes,created_at,last_accessed FROM cache WHERE content_hash=?`, hash).
		Scan(&e.Hash, &raw, &e.SizeBytes, &created, &acc)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, storageErr("entry", err)
	}
	if err := json.Unmarshal([]byte(raw), &e.Payload); err != nil {
		return Entry{}, false, storageErr("decode", err)
	}
	e.CreatedAt = time.UnixMicro(created).UTC()
	e.LastAccessed = time.UnixMicro(acc).UTC()
	return e, true, nil
}

// List returns up to limit entries, most recently accessed first. Payloads
// are omitted.
func (c *Cache) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx, `SELECT content_hash,size_bytes,created_at,last_accessed FROM cache ORDER BY last_accessed DESC, content_hash ASC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()
	var res []Entry
	for rows.Next() {
		var (
			e            Entry
			created, acc int64
		)
		if err := rows.Scan(&e.Hash, &e.SizeBytes, &created, &acc); err != nil {
			return nil, storageErr("list", err)
		}
		e.CreatedAt = time.UnixMicro(created).UTC()
		e.LastAccessed = time.UnixMicro(acc).UTC()
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", err)
	}
	return res, nil
}

// Invalidate removes hash if present.
func (c *Cache) Invalidate(ctx context.Context, hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache WHERE content_hash=?`, hash); err != nil {
		return storageErr("invalidate", err)
	}
	return nil
}

// Clear removes every entry and resets the hit/miss counters.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache`); err != nil {
		return storageErr("clear", err)
	}
	c.hits = 0
	c.misses = 0
	c.log.Info("cache cleared")
	return nil
}

// Stats computes entry count and total bytes live from the store.
func (c *Cache) Stats(ctx context.Context) (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{HitCount: c.hits, MissCount: c.misses}
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(size_bytes),0) FROM cache`).Scan(&s.EntryCount, &s.TotalBytes); err != nil {
		return Stats{}, storageErr("stats", err)
	}
	return s, nil
}
