package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/comitanigiacomo/caresync/internal/core/domain"
)

var _ domain.CacheBackend = (*ObjectStore)(nil)

// ObjectStore keeps entries in the cache_entries table keyed by cache key.
// It survives restarts and suits larger payloads such as API responses.
type ObjectStore struct {
	db *sqlx.DB
}

func NewObjectStore(db *sqlx.DB) *ObjectStore {
	return &ObjectStore{db: db}
}

type entryRow struct {
	Key        string `db:"cache_key"`
	Data       string `db:"data"`
	CreatedAt  int64  `db:"created_at"`
	ExpiresAt  int64  `db:"expires_at"`
	Version    string `db:"version"`
	Compressed bool   `db:"compressed"`
}

func (s *ObjectStore) Get(ctx context.Context, key string) (*domain.CacheEntry, error) {
	var row entryRow
	query := s.db.Rebind(`
		SELECT cache_key, data, created_at, expires_at, version, compressed
		FROM cache_entries WHERE cache_key = ?`)

	if err := s.db.GetContext(ctx, &row, query, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return &domain.CacheEntry{
		Data:       json.RawMessage(row.Data),
		CreatedAt:  row.CreatedAt,
		ExpiresAt:  row.ExpiresAt,
		Version:    row.Version,
		Compressed: row.Compressed,
	}, nil
}

func (s *ObjectStore) Put(ctx context.Context, key string, entry *domain.CacheEntry) error {
	query := `
		INSERT INTO cache_entries (cache_key, data, created_at, expires_at, version, compressed)
		VALUES (:cache_key, :data, :created_at, :expires_at, :version, :compressed)
		ON CONFLICT (cache_key) DO UPDATE SET
			data = excluded.data,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			version = excluded.version,
			compressed = excluded.compressed`

	_, err := s.db.NamedExecContext(ctx, query, entryRow{
		Key:        key,
		Data:       string(entry.Data),
		CreatedAt:  entry.CreatedAt,
		ExpiresAt:  entry.ExpiresAt,
		Version:    entry.Version,
		Compressed: entry.Compressed,
	})
	return err
}

func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM cache_entries WHERE cache_key = ?`), key)
	return err
}

func (s *ObjectStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	return err
}
