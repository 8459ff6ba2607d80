package cache

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"
)

type sqliteBackend struct {
	db          *sql.DB
	ctx         context.Context
	cancel      context.CancelFunc
	waitGroup   sync.WaitGroup
	once        sync.Once
	expiryCheck time.Duration
	now         func() time.Time
}

var _ Backend = (*sqliteBackend)(nil)

// NewSQLite returns a backend stored in the SQLite database at dbPath. Expired
// rows are removed when read and by a sweep every expiryCheck.
func NewSQLite(ctx context.Context, dbPath string, expiryCheck time.Duration) (Backend, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite cache path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating directory for %s", dbPath)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", dbPath)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=2000`,
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache(expires_at)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "preparing %s", dbPath)
		}
	}

	childCtx, cancel := context.WithCancel(context.Background())
	b := &sqliteBackend{
		db:          db,
		ctx:         childCtx,
		cancel:      cancel,
		expiryCheck: expiryCheck,
		now:         time.Now,
	}
	if b.expiryCheck <= 0 {
		b.expiryCheck = time.Minute
	}
	b.waitGroup.Add(1)
	go b.run()
	return b, nil
}

func (b *sqliteBackend) Kind() Kind { return KindSQLite }

func (b *sqliteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		data      []byte
		expiresAt int64
	)
	err := b.db.QueryRowContext(ctx, `SELECT value, expires_at FROM cache WHERE key = ?`, key).Scan(&data, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expiresAt != 0 && expiresAt < b.now().UnixNano() {
		_, _ = b.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key)
		return nil, false, nil
	}
	return data, true, nil
}

func (b *sqliteBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = b.now().Add(ttl).UnixNano()
	}
	if value == nil {
		value = []byte{}
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	return err
}

func (b *sqliteBackend) Delete(ctx context.Context, key string) (bool, error) {
	result, err := b.db.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (b *sqliteBackend) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	result, err := b.db.ExecContext(ctx,
		`DELETE FROM cache WHERE substr(key, 1, ?) = ?`, utf8.RuneCountInString(prefix), prefix)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

func (b *sqliteBackend) Flush(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM cache`)
	return err
}

func (b *sqliteBackend) Close() error {
	var dbErr error
	b.once.Do(func() {
		b.cancel()
		b.waitGroup.Wait()
		dbErr = b.db.Close()
	})
	return dbErr
}

func (b *sqliteBackend) run() {
	defer b.waitGroup.Done()
	ticker := time.NewTicker(b.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			_, _ = b.db.ExecContext(b.ctx, `DELETE FROM cache WHERE expires_at != 0 AND expires_at < ?`, b.now().UnixNano())
		}
	}
}
