package postgres

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/notifier/internal"
	"github.com/dukerupert/notifier/internal/domain"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to the test database, applies migrations and
// truncates the deliveries table.
func newTestStore(t *testing.T) *DeliveryStore {
	t.Helper()

	url := testDatabaseURL(t)

	require.NoError(t, internal.MigrateDatabase(url))

	ctx := context.Background()
	pool, err := NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `TRUNCATE email_deliveries RESTART IDENTITY`)
	require.NoError(t, err)

	return NewDeliveryStore(pool)
}

func newFailedRecord(recipient string) *domain.DeliveryRecord {
	return &domain.DeliveryRecord{
		Recipient: recipient,
		Content:   "Order #1",
		Status:    domain.StatusFailed,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
}

func TestDeliveryStore_CreateAndFind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := newFailedRecord("a@x.com")
	require.NoError(t, store.Create(ctx, record))
	assert.NotZero(t, record.ID)

	got, err := store.FindByID(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.Recipient, got.Recipient)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 0, got.Tries)
	assert.True(t, record.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.ReceivedAt)
}

func TestDeliveryStore_NotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.FindByID(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrDeliveryNotFound)

	_, _, err = store.MarkDelivered(ctx, 999, time.Now())
	assert.ErrorIs(t, err, domain.ErrDeliveryNotFound)

	_, err = store.IncrementTries(ctx, 999)
	assert.ErrorIs(t, err, domain.ErrDeliveryNotFound)
}

func TestDeliveryStore_MarkDeliveredOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := newFailedRecord("a@x.com")
	require.NoError(t, store.Create(ctx, record))

	var (
		wg  sync.WaitGroup
		won atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, transitioned, err := store.MarkDelivered(ctx, record.ID, time.Now())
			assert.NoError(t, err)
			assert.Equal(t, domain.StatusSuccess, got.Status)
			assert.NotNil(t, got.ReceivedAt)
			if transitioned {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
}

func TestDeliveryStore_ListRetryable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fresh := newFailedRecord("a@x.com")
	exhausted := newFailedRecord("b@x.com")
	delivered := newFailedRecord("c@x.com")
	for _, r := range []*domain.DeliveryRecord{fresh, exhausted, delivered} {
		require.NoError(t, store.Create(ctx, r))
	}

	for i := 0; i < domain.MaxDeliveryTries; i++ {
		_, err := store.IncrementTries(ctx, exhausted.ID)
		require.NoError(t, err)
	}
	_, err := store.IncrementTries(ctx, delivered.ID)
	require.NoError(t, err)
	_, _, err = store.MarkDelivered(ctx, delivered.ID, time.Now())
	require.NoError(t, err)

	got, err := store.ListRetryable(ctx, domain.MaxDeliveryTries)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fresh.ID, got[0].ID)
}

func TestDeliveryStore_RejectsInconsistentRow(t *testing.T) {
	store := newTestStore(t)

	record := newFailedRecord("a@x.com")
	record.Status = domain.StatusSuccess

	err := store.Create(context.Background(), record)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.EINVALID))
}

func TestDeliveryStore_StatusRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := newFailedRecord("a@x.com")
	require.NoError(t, store.Create(ctx, record))

	var raw string
	err := store.db.QueryRow(ctx, `SELECT status FROM email_deliveries WHERE id = $1`, record.ID).Scan(&raw)
	require.NoError(t, err)
	assert.Equal(t, "FAILED", raw)

	got, transitioned, err := store.MarkDelivered(ctx, record.ID, time.Now())
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, domain.StatusSuccess, got.Status)

	// a second call loses the conditional update and reads the stored row
	again, transitioned, err := store.MarkDelivered(ctx, record.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.True(t, got.ReceivedAt.Equal(*again.ReceivedAt))
}

func TestStoreError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"check violation", &pgconn.PgError{Code: "23514"}, domain.EINVALID},
		{"not null violation", &pgconn.PgError{Code: "23502"}, domain.EINVALID},
		{"other server error", &pgconn.PgError{Code: "42P01"}, domain.EINTERNAL},
		{"connection failure", errors.New("dial tcp: connection refused"), domain.EUNAVAILABLE},
		{"cancelled", context.Canceled, domain.EUNAVAILABLE},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := storeError("delivery.test", tt.err)
			assert.Equal(t, tt.want, domain.ErrorCode(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
