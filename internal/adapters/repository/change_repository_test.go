package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comitanigiacomo/caresync/internal/core/domain"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupSQLite(t *testing.T) *sqlx.DB {
	t.Helper()

	ctx := context.Background()
	db, err := Connect(ctx, DriverSQLite, filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(ctx, db))
	return db
}

func setupPostgres(t *testing.T) *sqlx.DB {
	t.Helper()

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		getEnv("DB_USER", "caresync_user"),
		getEnv("DB_PASSWORD", "secret"),
		getEnv("DB_HOST", "localhost"),
		getEnv("DB_PORT", "5432"),
		getEnv("DB_NAME", "caresync_db"),
	)

	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		t.Skipf("Database connection failed (skipping integration tests): %v", err)
	}
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(context.Background(), db))
	db.MustExec("TRUNCATE TABLE pending_changes")
	return db
}

func newChange(entity string, action domain.ChangeAction, payload string, ts int64) *domain.PendingChange {
	return domain.NewPendingChange(entity, action, json.RawMessage(payload), ts)
}

func runRepositoryContract(t *testing.T, repo domain.PendingChangeRepository) {
	ctx := context.Background()

	t.Run("Create and read back", func(t *testing.T) {
		c := newChange("visits", domain.ActionCreate, `{"client":"su-1","notes":"first visit"}`, 100)
		require.NoError(t, repo.Create(ctx, c))

		fetched, err := repo.GetByID(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, c.Entity, fetched.Entity)
		assert.Equal(t, c.Action, fetched.Action)
		assert.JSONEq(t, string(c.Payload), string(fetched.Payload))
		assert.Equal(t, int64(100), fetched.Timestamp)
		assert.Equal(t, domain.StatusPending, fetched.Status)
	})

	t.Run("Duplicate id is rejected", func(t *testing.T) {
		c := newChange("visits", domain.ActionCreate, `{"a":1}`, 101)
		require.NoError(t, repo.Create(ctx, c))
		assert.ErrorIs(t, repo.Create(ctx, c), domain.ErrDuplicateChange)
	})

	t.Run("Missing id", func(t *testing.T) {
		_, err := repo.GetByID(ctx, "does-not-exist")
		assert.ErrorIs(t, err, domain.ErrChangeNotFound)

		ghost := newChange("visits", domain.ActionCreate, `{"a":1}`, 1)
		assert.ErrorIs(t, repo.Update(ctx, ghost), domain.ErrChangeNotFound)
	})

	t.Run("Update persists lifecycle fields", func(t *testing.T) {
		c := newChange("care-plans", domain.ActionUpdate, `{"id":"cp-9","title":"x"}`, 102)
		require.NoError(t, repo.Create(ctx, c))

		require.NoError(t, c.MarkProcessing())
		require.NoError(t, c.MarkFailed("server returned 503"))
		require.NoError(t, repo.Update(ctx, c))

		fetched, err := repo.GetByID(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusError, fetched.Status)
		assert.Equal(t, 1, fetched.RetryCount)
		assert.Equal(t, "server returned 503", fetched.ErrorMessage)
	})

	t.Run("Claim only succeeds from the expected status", func(t *testing.T) {
		c := newChange("medications", domain.ActionDelete, `{"id":"med-1"}`, 103)
		require.NoError(t, repo.Create(ctx, c))

		first := *c
		require.NoError(t, first.MarkProcessing())
		claimed, err := repo.Claim(ctx, &first, domain.StatusPending)
		require.NoError(t, err)
		assert.True(t, claimed)

		second := *c
		require.NoError(t, second.MarkProcessing())
		claimed, err = repo.Claim(ctx, &second, domain.StatusPending)
		require.NoError(t, err)
		assert.False(t, claimed, "a stale snapshot must not claim the change again")

		fetched, err := repo.GetByID(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusProcessing, fetched.Status)

		ghost := newChange("medications", domain.ActionCreate, `{"a":1}`, 1)
		claimed, err = repo.Claim(ctx, ghost, domain.StatusPending)
		require.NoError(t, err)
		assert.False(t, claimed)
	})

	t.Run("Listing is ordered by timestamp", func(t *testing.T) {
		late := newChange("appointments", domain.ActionCreate, `{"a":1}`, 300)
		early := newChange("appointments", domain.ActionCreate, `{"a":2}`, 200)
		require.NoError(t, repo.Create(ctx, late))
		require.NoError(t, repo.Create(ctx, early))

		all, err := repo.List(ctx)
		require.NoError(t, err)
		for i := 1; i < len(all); i++ {
			assert.LessOrEqual(t, all[i-1].Timestamp, all[i].Timestamp)
		}

		pending, err := repo.ListByStatus(ctx, domain.StatusPending)
		require.NoError(t, err)
		var ids []string
		for _, c := range pending {
			if c.Entity == "appointments" {
				ids = append(ids, c.ID)
			}
		}
		assert.Equal(t, []string{early.ID, late.ID}, ids)
	})

	t.Run("Count and delete by status", func(t *testing.T) {
		done := newChange("service-users", domain.ActionCreate, `{"a":1}`, 400)
		require.NoError(t, repo.Create(ctx, done))
		require.NoError(t, done.MarkProcessing())
		require.NoError(t, done.MarkCompleted())
		require.NoError(t, repo.Update(ctx, done))

		count, err := repo.CountByStatus(ctx, domain.StatusCompleted)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		deleted, err := repo.DeleteByStatus(ctx, domain.StatusCompleted)
		require.NoError(t, err)
		assert.Equal(t, 1, deleted)

		_, err = repo.GetByID(ctx, done.ID)
		assert.ErrorIs(t, err, domain.ErrChangeNotFound)

		stillPending, err := repo.CountByStatus(ctx, domain.StatusPending)
		require.NoError(t, err)
		assert.Greater(t, stillPending, 0, "only completed items are pruned")
	})
}

func TestInMemoryChangeRepository(t *testing.T) {
	runRepositoryContract(t, NewInMemoryChangeRepository())
}

func TestInMemoryChangeRepository_ReturnsCopies(t *testing.T) {
	repo := NewInMemoryChangeRepository()
	ctx := context.Background()

	c := newChange("visits", domain.ActionCreate, `{"a":1}`, 1)
	require.NoError(t, repo.Create(ctx, c))

	fetched, _ := repo.GetByID(ctx, c.ID)
	fetched.Status = domain.StatusCompleted

	again, _ := repo.GetByID(ctx, c.ID)
	assert.Equal(t, domain.StatusPending, again.Status, "callers must not mutate stored records")
}

func TestSQLChangeRepository_SQLite(t *testing.T) {
	runRepositoryContract(t, NewSQLChangeRepository(setupSQLite(t)))
}

func TestSQLChangeRepository_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "durable.db")

	db, err := Connect(ctx, DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, Migrate(ctx, db))

	c := newChange("visits", domain.ActionCreate, `{"a":1}`, 1)
	require.NoError(t, NewSQLChangeRepository(db).Create(ctx, c))
	require.NoError(t, db.Close())

	reopened, err := Connect(ctx, DriverSQLite, path)
	require.NoError(t, err)
	defer reopened.Close()
	require.NoError(t, Migrate(ctx, reopened), "migrations must be idempotent")

	fetched, err := NewSQLChangeRepository(reopened).GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, fetched.ID)
}

func TestMigrate_FailedFileLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	db, err := Connect(ctx, DriverSQLite, filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	defer db.Close()

	fsys := fstest.MapFS{
		"001_base.up.sql": {Data: []byte("CREATE TABLE base (id INTEGER PRIMARY KEY);")},
		"002_broken.up.sql": {Data: []byte(
			"CREATE TABLE half_done (id INTEGER PRIMARY KEY);\nINSERT INTO missing_table VALUES (1);")},
	}

	err = migrateFS(ctx, db, fsys)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "002_broken.up.sql")

	var version int
	require.NoError(t, db.GetContext(ctx, &version, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"))
	assert.Equal(t, 1, version, "the failed file must not be recorded")

	var tables int
	require.NoError(t, db.GetContext(ctx, &tables,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'half_done'"))
	assert.Zero(t, tables, "statements before the failure must roll back")

	fsys["002_broken.up.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE half_done (id INTEGER PRIMARY KEY);")}
	require.NoError(t, migrateFS(ctx, db, fsys), "a fixed file applies on the next run")
	require.NoError(t, db.GetContext(ctx, &version, "SELECT MAX(version) FROM schema_migrations"))
	assert.Equal(t, 2, version)
}

func TestSQLChangeRepository_StorageFailure(t *testing.T) {
	db := setupSQLite(t)
	repo := NewSQLChangeRepository(db)
	require.NoError(t, db.Close())

	err := repo.Create(context.Background(), newChange("visits", domain.ActionCreate, `{"a":1}`, 1))
	assert.ErrorIs(t, err, domain.ErrStorage)

	_, err = repo.List(context.Background())
	assert.ErrorIs(t, err, domain.ErrStorage)
}

func TestSQLChangeRepository_Postgres_Integration(t *testing.T) {
	runRepositoryContract(t, NewSQLChangeRepository(setupPostgres(t)))
}
