package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/notifier/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const deliveryColumns = `id, recipient, content, status, tries, created_at, received_at`

// DeliveryStore persists delivery records in the email_deliveries table.
type DeliveryStore struct {
	db *pgxpool.Pool
}

// NewDeliveryStore creates a new DeliveryStore instance.
func NewDeliveryStore(db *pgxpool.Pool) *DeliveryStore {
	return &DeliveryStore{db: db}
}

func (s *DeliveryStore) Create(ctx context.Context, record *domain.DeliveryRecord) error {
	const op = "delivery.create"
	sql := `
		INSERT INTO email_deliveries (recipient, content, status, tries, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err := s.db.QueryRow(ctx, sql,
		record.Recipient,
		record.Content,
		record.Status,
		record.Tries,
		record.CreatedAt,
	).Scan(&record.ID)
	if err != nil {
		return storeError(op, err)
	}
	return nil
}

func (s *DeliveryStore) FindByID(ctx context.Context, id int64) (*domain.DeliveryRecord, error) {
	sql := `SELECT ` + deliveryColumns + ` FROM email_deliveries WHERE id = $1`

	record, err := scanRecord(s.db.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %d: %w", id, domain.ErrDeliveryNotFound)
	}
	if err != nil {
		return nil, storeError("delivery.get", err)
	}
	return record, nil
}

// MarkDelivered performs the FAILED to SUCCESS transition as a single
// conditional UPDATE so concurrent callers cannot both win.
func (s *DeliveryStore) MarkDelivered(ctx context.Context, id int64, at time.Time) (*domain.DeliveryRecord, bool, error) {
	sql := `
		UPDATE email_deliveries
		SET status = $1, received_at = $2
		WHERE id = $3 AND status = $4
		RETURNING ` + deliveryColumns

	record, err := scanRecord(s.db.QueryRow(ctx, sql, domain.StatusSuccess, at, id, domain.StatusFailed))
	if err == nil {
		return record, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, storeError("delivery.mark_delivered", err)
	}

	// Lost the race or already delivered; report the stored state.
	current, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (s *DeliveryStore) IncrementTries(ctx context.Context, id int64) (*domain.DeliveryRecord, error) {
	sql := `
		UPDATE email_deliveries
		SET tries = tries + 1
		WHERE id = $1
		RETURNING ` + deliveryColumns

	record, err := scanRecord(s.db.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("delivery %d: %w", id, domain.ErrDeliveryNotFound)
	}
	if err != nil {
		return nil, storeError("delivery.increment_tries", err)
	}
	return record, nil
}

func (s *DeliveryStore) ListRetryable(ctx context.Context, maxTries int) ([]domain.DeliveryRecord, error) {
	const op = "delivery.list_retryable"
	sql := `SELECT ` + deliveryColumns + `
		FROM email_deliveries
		WHERE status = $1 AND tries < $2
		ORDER BY id ASC`

	rows, err := s.db.Query(ctx, sql, domain.StatusFailed, maxTries)
	if err != nil {
		return nil, storeError(op, err)
	}
	defer rows.Close()

	records := make([]domain.DeliveryRecord, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, storeError(op, err)
		}
		records = append(records, *record)
	}

	if err := rows.Err(); err != nil {
		return nil, storeError(op, err)
	}
	return records, nil
}

func scanRecord(row pgx.Row) (*domain.DeliveryRecord, error) {
	var r domain.DeliveryRecord
	err := row.Scan(
		&r.ID,
		&r.Recipient,
		&r.Content,
		&r.Status,
		&r.Tries,
		&r.CreatedAt,
		&r.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// storeError maps driver errors onto domain codes. Anything that is not a
// server-side error is treated as the store being unreachable.
func storeError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "23514" || pgErr.Code == "23502" {
			return domain.WrapError(err, domain.EINVALID, op, "delivery record violates a constraint")
		}
		return domain.Internal(err, op, "database error")
	}
	return domain.Unavailable(err, op, "store unavailable")
}
