// Package memstore keeps delivery records in process memory. It backs
// STORE_DRIVER=memory for local development and the service tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dukerupert/notifier/internal/domain"
)

// DeliveryStore is a mutex-guarded in-memory delivery record store.
type DeliveryStore struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]domain.DeliveryRecord
}

// NewDeliveryStore creates an empty store.
func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{records: make(map[int64]domain.DeliveryRecord)}
}

// Create assigns the next id and stores a copy of record.
func (s *DeliveryStore) Create(ctx context.Context, record *domain.DeliveryRecord) error {
	if err := ctx.Err(); err != nil {
		return domain.Unavailable(err, "delivery.create", "store unavailable")
	}
	if !record.Status.Valid() {
		return domain.Errorf(domain.EINVALID, "delivery.create", "invalid delivery status: %q", string(record.Status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	record.ID = s.nextID
	s.records[record.ID] = clone(*record)
	return nil
}

// FindByID returns a copy of the stored record.
func (s *DeliveryStore) FindByID(ctx context.Context, id int64) (*domain.DeliveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Unavailable(err, "delivery.get", "store unavailable")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("delivery %d: %w", id, domain.ErrDeliveryNotFound)
	}
	out := clone(r)
	return &out, nil
}

// MarkDelivered transitions FAILED to SUCCESS under the store lock.
func (s *DeliveryStore) MarkDelivered(ctx context.Context, id int64, at time.Time) (*domain.DeliveryRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, domain.Unavailable(err, "delivery.mark_delivered", "store unavailable")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, false, fmt.Errorf("delivery %d: %w", id, domain.ErrDeliveryNotFound)
	}

	transitioned := false
	if r.Status == domain.StatusFailed {
		received := at
		r.Status = domain.StatusSuccess
		r.ReceivedAt = &received
		s.records[id] = r
		transitioned = true
	}

	out := clone(r)
	return &out, transitioned, nil
}

// IncrementTries bumps the attempt counter of a record.
func (s *DeliveryStore) IncrementTries(ctx context.Context, id int64) (*domain.DeliveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Unavailable(err, "delivery.increment_tries", "store unavailable")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("delivery %d: %w", id, domain.ErrDeliveryNotFound)
	}
	r.Tries++
	s.records[id] = r

	out := clone(r)
	return &out, nil
}

// ListRetryable returns FAILED records with tries < maxTries ordered by id.
func (s *DeliveryStore) ListRetryable(ctx context.Context, maxTries int) ([]domain.DeliveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, domain.Unavailable(err, "delivery.list_retryable", "store unavailable")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.DeliveryRecord, 0)
	for _, r := range s.records {
		if r.Status == domain.StatusFailed && r.Tries < maxTries {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Put stores record as-is, keeping its id. Used to seed fixtures.
func (s *DeliveryStore) Put(record domain.DeliveryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == 0 {
		s.nextID++
		record.ID = s.nextID
	} else if record.ID > s.nextID {
		s.nextID = record.ID
	}
	s.records[record.ID] = clone(record)
}

func clone(r domain.DeliveryRecord) domain.DeliveryRecord {
	if r.ReceivedAt != nil {
		t := *r.ReceivedAt
		r.ReceivedAt = &t
	}
	return r
}
