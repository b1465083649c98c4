package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/comitanigiacomo/caresync/internal/core/domain"
)

var _ domain.PendingChangeRepository = (*SQLChangeRepository)(nil)

// SQLChangeRepository is the durable queue store. It runs unchanged on the
// embedded sqlite database and on Postgres.
type SQLChangeRepository struct {
	db *sqlx.DB
}

func NewSQLChangeRepository(db *sqlx.DB) *SQLChangeRepository {
	return &SQLChangeRepository{db: db}
}

type changeRow struct {
	ID           string `db:"id"`
	Entity       string `db:"entity"`
	Action       string `db:"action"`
	Payload      string `db:"payload"`
	EnqueuedAt   int64  `db:"enqueued_at"`
	Status       string `db:"status"`
	RetryCount   int    `db:"retry_count"`
	ErrorMessage string `db:"error_message"`
	UpdatedAt    int64  `db:"updated_at"`
}

func toRow(c *domain.PendingChange) changeRow {
	return changeRow{
		ID:           c.ID,
		Entity:       c.Entity,
		Action:       string(c.Action),
		Payload:      string(c.Payload),
		EnqueuedAt:   c.Timestamp,
		Status:       string(c.Status),
		RetryCount:   c.RetryCount,
		ErrorMessage: c.ErrorMessage,
		UpdatedAt:    c.UpdatedAt,
	}
}

func (r changeRow) toDomain() *domain.PendingChange {
	return &domain.PendingChange{
		ID:           r.ID,
		Entity:       r.Entity,
		Action:       domain.ChangeAction(r.Action),
		Payload:      json.RawMessage(r.Payload),
		Timestamp:    r.EnqueuedAt,
		Status:       domain.ChangeStatus(r.Status),
		RetryCount:   r.RetryCount,
		ErrorMessage: r.ErrorMessage,
		UpdatedAt:    r.UpdatedAt,
	}
}

const changeColumns = `id, entity, action, payload, enqueued_at, status, retry_count, error_message, updated_at`

func (r *SQLChangeRepository) Create(ctx context.Context, change *domain.PendingChange) error {
	query := `
		INSERT INTO pending_changes (` + changeColumns + `)
		VALUES (
			:id, :entity, :action, :payload, :enqueued_at,
			:status, :retry_count, :error_message, :updated_at
		)`

	if _, err := r.db.NamedExecContext(ctx, query, toRow(change)); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateChange
		}
		return domain.NewStorageError("create change", err)
	}
	return nil
}

func (r *SQLChangeRepository) Update(ctx context.Context, change *domain.PendingChange) error {
	query := `
		UPDATE pending_changes
		SET status = :status,
		    retry_count = :retry_count,
		    error_message = :error_message,
		    updated_at = :updated_at
		WHERE id = :id`

	result, err := r.db.NamedExecContext(ctx, query, toRow(change))
	if err != nil {
		return domain.NewStorageError("update change", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return domain.NewStorageError("update change", err)
	}
	if rows == 0 {
		return domain.ErrChangeNotFound
	}
	return nil
}

func (r *SQLChangeRepository) Claim(ctx context.Context, change *domain.PendingChange, from domain.ChangeStatus) (bool, error) {
	query := r.db.Rebind(`
		UPDATE pending_changes
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`)

	result, err := r.db.ExecContext(ctx, query, string(change.Status), change.UpdatedAt, change.ID, string(from))
	if err != nil {
		return false, domain.NewStorageError("claim change", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, domain.NewStorageError("claim change", err)
	}
	return rows == 1, nil
}

func (r *SQLChangeRepository) GetByID(ctx context.Context, id string) (*domain.PendingChange, error) {
	var row changeRow
	query := r.db.Rebind(`SELECT ` + changeColumns + ` FROM pending_changes WHERE id = ?`)

	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrChangeNotFound
		}
		return nil, domain.NewStorageError("get change", err)
	}
	return row.toDomain(), nil
}

func (r *SQLChangeRepository) List(ctx context.Context) ([]*domain.PendingChange, error) {
	query := `SELECT ` + changeColumns + ` FROM pending_changes ORDER BY enqueued_at ASC, id ASC`
	return r.selectChanges(ctx, "list changes", query)
}

func (r *SQLChangeRepository) ListByStatus(ctx context.Context, status domain.ChangeStatus) ([]*domain.PendingChange, error) {
	query := r.db.Rebind(`
		SELECT ` + changeColumns + ` FROM pending_changes
		WHERE status = ?
		ORDER BY enqueued_at ASC, id ASC`)
	return r.selectChanges(ctx, "list changes by status", query, string(status))
}

func (r *SQLChangeRepository) CountByStatus(ctx context.Context, status domain.ChangeStatus) (int, error) {
	var count int
	query := r.db.Rebind(`SELECT count(*) FROM pending_changes WHERE status = ?`)

	if err := r.db.GetContext(ctx, &count, query, string(status)); err != nil {
		return 0, domain.NewStorageError("count changes", err)
	}
	return count, nil
}

func (r *SQLChangeRepository) DeleteByStatus(ctx context.Context, status domain.ChangeStatus) (int, error) {
	query := r.db.Rebind(`DELETE FROM pending_changes WHERE status = ?`)

	result, err := r.db.ExecContext(ctx, query, string(status))
	if err != nil {
		return 0, domain.NewStorageError("delete changes", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, domain.NewStorageError("delete changes", err)
	}
	return int(rows), nil
}

func (r *SQLChangeRepository) selectChanges(ctx context.Context, op, query string, args ...any) ([]*domain.PendingChange, error) {
	rows := []changeRow{}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, domain.NewStorageError(op, err)
	}

	changes := make([]*domain.PendingChange, 0, len(rows))
	for _, row := range rows {
		changes = append(changes, row.toDomain())
	}
	return changes, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
