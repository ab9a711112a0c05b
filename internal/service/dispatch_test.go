package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/notifier/internal/domain"
	"github.com/dukerupert/notifier/internal/email"
	"github.com/dukerupert/notifier/internal/email/emailmock"
	"github.com/dukerupert/notifier/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const testFrom = "orders@shop.example"

// countingRecorder implements Recorder for testing
type countingRecorder struct {
	sent, created, delivered, exhausted atomic.Int64
	mu                                  sync.Mutex
	failures                            []string
}

func (r *countingRecorder) EmailSent()       { r.sent.Add(1) }
func (r *countingRecorder) RecordCreated()   { r.created.Add(1) }
func (r *countingRecorder) RecordDelivered() { r.delivered.Add(1) }
func (r *countingRecorder) RetryExhausted()  { r.exhausted.Add(1) }
func (r *countingRecorder) EmailFailed(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, reason)
}

// failingStore implements DeliveryStore and fails every call
type failingStore struct {
	err error
}

func (f *failingStore) Create(ctx context.Context, record *domain.DeliveryRecord) error {
	return f.err
}

func (f *failingStore) FindByID(ctx context.Context, id int64) (*domain.DeliveryRecord, error) {
	return nil, f.err
}

func (f *failingStore) MarkDelivered(ctx context.Context, id int64, at time.Time) (*domain.DeliveryRecord, bool, error) {
	return nil, false, f.err
}

func (f *failingStore) IncrementTries(ctx context.Context, id int64) (*domain.DeliveryRecord, error) {
	return nil, f.err
}

func (f *failingStore) ListRetryable(ctx context.Context, maxTries int) ([]domain.DeliveryRecord, error) {
	return nil, f.err
}

type fixture struct {
	svc      DispatchService
	store    *memstore.DeliveryStore
	sender   *emailmock.MockSender
	recorder *countingRecorder
	logs     *bytes.Buffer
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctrl := gomock.NewController(t)
	formatter, err := email.NewTemplateFormatter()
	require.NoError(t, err)

	f := &fixture{
		store:    memstore.NewDeliveryStore(),
		sender:   emailmock.NewMockSender(ctrl),
		recorder: &countingRecorder{},
		logs:     &bytes.Buffer{},
		now:      time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC),
	}

	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelInfo}))
	f.svc, err = NewDispatchService(f.store, f.sender, formatter, testFrom,
		WithLogger(logger),
		WithRecorder(f.recorder),
		WithClock(func() time.Time { return f.now }),
	)
	require.NoError(t, err)
	return f
}

func (f *fixture) errorLines() int {
	n := 0
	for _, line := range strings.Split(f.logs.String(), "\n") {
		if strings.Contains(line, "level=ERROR") {
			n++
		}
	}
	return n
}

func TestNewDispatchService_RequiresSender(t *testing.T) {
	ctrl := gomock.NewController(t)
	formatter, err := email.NewTemplateFormatter()
	require.NoError(t, err)

	_, err = NewDispatchService(memstore.NewDeliveryStore(), emailmock.NewMockSender(ctrl), formatter, "  ")
	assert.ErrorIs(t, err, ErrMissingSender)

	_, err = NewDispatchService(nil, emailmock.NewMockSender(ctrl), formatter, testFrom)
	assert.Error(t, err)
}

func TestSend_Success(t *testing.T) {
	f := newFixture(t)

	f.sender.EXPECT().
		Send(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, msg *email.Email) (string, error) {
			assert.Equal(t, testFrom, msg.From)
			assert.Equal(t, []string{"a@x.com"}, msg.To)
			assert.Equal(t, "Order Confirmation - Your Recent Purchase", msg.Subject)
			assert.Contains(t, msg.HTMLBody, "Order #1")
			assert.Contains(t, msg.TextBody, "Order #1")
			return "msg-1", nil
		})

	ok := f.svc.Send(context.Background(), "a@x.com", "Order #1")

	assert.True(t, ok)
	assert.Equal(t, int64(1), f.recorder.sent.Load())
	assert.Zero(t, f.errorLines())
}

func TestSend_DoesNotTouchStore(t *testing.T) {
	f := newFixture(t)
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return("msg-1", nil)

	require.True(t, f.svc.Send(context.Background(), "a@x.com", "Order #1"))

	records, err := f.store.ListRetryable(context.Background(), domain.MaxDeliveryTries)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Zero(t, f.recorder.created.Load())
}

func TestSend_Failures(t *testing.T) {
	tests := []struct {
		name       string
		recipient  string
		sendErr    error
		wantReason string
		expectSend bool
	}{
		{
			name:       "format fault",
			recipient:  "bad-address",
			sendErr:    fmt.Errorf("%w: mail: missing '@' or angle-addr", email.ErrInvalidToAddress),
			wantReason: ReasonFormat,
			expectSend: true,
		},
		{
			name:       "send fault",
			recipient:  "a@x.com",
			sendErr:    fmt.Errorf("%w: dial tcp: connection refused", email.ErrSendFailed),
			wantReason: ReasonSend,
			expectSend: true,
		},
		{
			name:       "unclassified transport error",
			recipient:  "a@x.com",
			sendErr:    errors.New("boom"),
			wantReason: ReasonUnknown,
			expectSend: true,
		},
		{
			name:       "empty recipient",
			recipient:  "",
			wantReason: ReasonEmptyRecipient,
			expectSend: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.expectSend {
				f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return("", tt.sendErr)
			}

			ok := f.svc.Send(context.Background(), tt.recipient, "Order #1")

			assert.False(t, ok)
			assert.Equal(t, 1, f.errorLines(), "exactly one log entry per failure")
			assert.Contains(t, f.logs.String(), "reason="+tt.wantReason)
			assert.Equal(t, []string{tt.wantReason}, f.recorder.failures)
			assert.Zero(t, f.recorder.sent.Load())
		})
	}
}

func TestSend_RenderFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	sender := emailmock.NewMockSender(ctrl)
	formatter := emailmock.NewMockFormatter(ctrl)
	formatter.EXPECT().Render("Order #1").Return("", errors.New("template missing"))

	var logs bytes.Buffer
	svc, err := NewDispatchService(memstore.NewDeliveryStore(), sender, formatter, testFrom,
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)

	assert.False(t, svc.Send(context.Background(), "a@x.com", "Order #1"))
	assert.Contains(t, logs.String(), "reason="+ReasonRender)
}

func TestSend_RecoversFromPanickingTransport(t *testing.T) {
	f := newFixture(t)
	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, msg *email.Email) (string, error) {
			panic("nil pointer in transport")
		})

	assert.NotPanics(t, func() {
		assert.False(t, f.svc.Send(context.Background(), "a@x.com", "Order #1"))
	})
}

func TestCreateRecord_NormalizesDraft(t *testing.T) {
	f := newFixture(t)
	yesterday := f.now.Add(-24 * time.Hour)

	drafts := []domain.DeliveryRecord{
		{Recipient: "a@x.com", Content: "Order #1"},
		{Recipient: "a@x.com", Content: "Order #2", Status: domain.StatusSuccess, Tries: 7, CreatedAt: yesterday, ReceivedAt: &yesterday},
		{Recipient: "b@x.com", Content: "Order #3", Status: domain.DeliveryStatus("BOGUS"), Tries: -2},
	}

	for i, draft := range drafts {
		t.Run(fmt.Sprintf("draft %d", i), func(t *testing.T) {
			record, err := f.svc.CreateRecord(context.Background(), draft)
			require.NoError(t, err)

			assert.NotZero(t, record.ID)
			assert.Equal(t, draft.Recipient, record.Recipient)
			assert.Equal(t, draft.Content, record.Content)
			assert.Equal(t, domain.StatusFailed, record.Status)
			assert.Equal(t, 0, record.Tries)
			assert.Equal(t, f.now, record.CreatedAt)
			assert.Nil(t, record.ReceivedAt)

			stored, err := f.store.FindByID(context.Background(), record.ID)
			require.NoError(t, err)
			assert.Equal(t, *record, *stored)
		})
	}
}

func TestCreateRecord_RequiresRecipient(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateRecord(context.Background(), domain.DeliveryRecord{Content: "Order #1"})
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.EINVALID))
}

func TestCreateRecord_PropagatesStorageFault(t *testing.T) {
	ctrl := gomock.NewController(t)
	formatter, err := email.NewTemplateFormatter()
	require.NoError(t, err)

	storeErr := domain.Unavailable(errors.New("connection refused"), "delivery.create", "store unavailable")
	svc, err := NewDispatchService(&failingStore{err: storeErr}, emailmock.NewMockSender(ctrl), formatter, testFrom)
	require.NoError(t, err)

	_, err = svc.CreateRecord(context.Background(), domain.DeliveryRecord{Recipient: "a@x.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, storeErr)
	assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))

	_, err = svc.ListRetryCandidates(context.Background())
	assert.ErrorIs(t, err, storeErr)

	_, err = svc.MarkDelivered(context.Background(), 1)
	assert.ErrorIs(t, err, storeErr)
}

func TestMarkDelivered(t *testing.T) {
	f := newFixture(t)
	record, err := f.svc.CreateRecord(context.Background(), domain.DeliveryRecord{Recipient: "a@x.com", Content: "Order #1"})
	require.NoError(t, err)

	f.now = f.now.Add(time.Minute)
	delivered, err := f.svc.MarkDelivered(context.Background(), record.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSuccess, delivered.Status)
	require.NotNil(t, delivered.ReceivedAt)
	assert.Equal(t, f.now, *delivered.ReceivedAt)
	assert.Equal(t, int64(1), f.recorder.delivered.Load())
}

func TestMarkDelivered_NotFound(t *testing.T) {
	f := newFixture(t)

	record, err := f.svc.MarkDelivered(context.Background(), 404)

	assert.Nil(t, record)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeliveryNotFound)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestMarkDelivered_Idempotent(t *testing.T) {
	f := newFixture(t)
	record, err := f.svc.CreateRecord(context.Background(), domain.DeliveryRecord{Recipient: "a@x.com", Content: "Order #1"})
	require.NoError(t, err)

	first, err := f.svc.MarkDelivered(context.Background(), record.ID)
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	second, err := f.svc.MarkDelivered(context.Background(), record.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSuccess, second.Status)
	require.NotNil(t, second.ReceivedAt)
	assert.Equal(t, *first.ReceivedAt, *second.ReceivedAt)
	assert.Equal(t, int64(1), f.recorder.delivered.Load())
}

func TestMarkDelivered_ConcurrentTransitionsOnce(t *testing.T) {
	f := newFixture(t)
	record, err := f.svc.CreateRecord(context.Background(), domain.DeliveryRecord{Recipient: "a@x.com", Content: "Order #1"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := f.svc.MarkDelivered(context.Background(), record.ID)
			assert.NoError(t, err)
			assert.Equal(t, domain.StatusSuccess, got.Status)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), f.recorder.delivered.Load())
}

func TestListRetryCandidates(t *testing.T) {
	f := newFixture(t)
	received := f.now
	f.store.Put(domain.DeliveryRecord{ID: 1, Recipient: "a@x.com", Tries: 0, Status: domain.StatusFailed})
	f.store.Put(domain.DeliveryRecord{ID: 2, Recipient: "b@x.com", Tries: 3, Status: domain.StatusFailed})
	f.store.Put(domain.DeliveryRecord{ID: 3, Recipient: "c@x.com", Tries: 1, Status: domain.StatusSuccess, ReceivedAt: &received})

	candidates, err := f.svc.ListRetryCandidates(context.Background())
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, int64(1), candidates[0].ID)
	for _, c := range candidates {
		assert.Less(t, c.Tries, domain.MaxDeliveryTries)
		assert.Equal(t, domain.StatusFailed, c.Status)
	}
}

func TestListRetryCandidates_Empty(t *testing.T) {
	f := newFixture(t)

	candidates, err := f.svc.ListRetryCandidates(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, candidates)
	assert.Empty(t, candidates)
}

func TestDispatch(t *testing.T) {
	t.Run("delivered", func(t *testing.T) {
		f := newFixture(t)
		f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return("msg-1", nil)

		record, err := f.svc.Dispatch(context.Background(), "a@x.com", "Order #1")
		require.NoError(t, err)

		assert.Equal(t, domain.StatusSuccess, record.Status)
		assert.NotNil(t, record.ReceivedAt)
		assert.Equal(t, 0, record.Tries)
	})

	t.Run("transport failure leaves record retryable", func(t *testing.T) {
		f := newFixture(t)
		f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).Return("", email.ErrSendFailed)

		record, err := f.svc.Dispatch(context.Background(), "a@x.com", "Order #1")
		require.NoError(t, err)

		assert.Equal(t, domain.StatusFailed, record.Status)
		assert.Nil(t, record.ReceivedAt)

		candidates, err := f.svc.ListRetryCandidates(context.Background())
		require.NoError(t, err)
		require.Len(t, candidates, 1)
		assert.Equal(t, record.ID, candidates[0].ID)
	})

	t.Run("missing recipient", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Dispatch(context.Background(), "", "Order #1")
		assert.True(t, domain.IsCode(err, domain.EINVALID))
	})
}

func TestRetryFailed(t *testing.T) {
	f := newFixture(t)
	f.store.Put(domain.DeliveryRecord{ID: 1, Recipient: "ok@x.com", Content: "Order #1", Status: domain.StatusFailed})
	f.store.Put(domain.DeliveryRecord{ID: 2, Recipient: "down@x.com", Content: "Order #2", Status: domain.StatusFailed, Tries: 2})
	f.store.Put(domain.DeliveryRecord{ID: 3, Recipient: "flaky@x.com", Content: "Order #3", Status: domain.StatusFailed, Tries: 0})
	f.store.Put(domain.DeliveryRecord{ID: 4, Recipient: "gone@x.com", Content: "Order #4", Status: domain.StatusFailed, Tries: 3})

	f.sender.EXPECT().Send(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, msg *email.Email) (string, error) {
			if msg.To[0] == "ok@x.com" {
				return "msg-1", nil
			}
			return "", email.ErrSendFailed
		}).Times(3)

	report, err := f.svc.RetryFailed(context.Background())
	require.NoError(t, err)

	assert.Equal(t, &RetryReport{Candidates: 3, Delivered: 1, Failed: 2, Exhausted: 1}, report)

	delivered, err := f.store.FindByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, delivered.Status)

	exhausted, err := f.store.FindByID(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, exhausted.Tries)
	assert.False(t, exhausted.Retryable())

	flaky, err := f.store.FindByID(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 1, flaky.Tries)
	assert.True(t, flaky.Retryable())

	assert.Equal(t, int64(1), f.recorder.exhausted.Load())
}

func TestRetryFailed_StopsOnCancelledContext(t *testing.T) {
	f := newFixture(t)
	f.store.Put(domain.DeliveryRecord{ID: 1, Recipient: "a@x.com", Status: domain.StatusFailed})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.RetryFailed(ctx)
	assert.Error(t, err)
}
