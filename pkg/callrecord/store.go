package callrecord

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"shopcall-server/pkg/errors"
)

// Store defines the contract for call record persistence backends.
// Update must apply the mutator atomically with respect to other operations
// on the same call ID so replayed webhooks and concurrent turn handlers
// observe consistent state.
type Store interface {
	Create(practice PracticeInfo) (*CallRecord, error)
	Get(callID string) (*CallRecord, error)
	Update(callID string, mutate func(*CallRecord) error) (*CallRecord, error)
	List() ([]*CallRecord, error)
	Delete(callID string) error
}

// MemoryStore is the volatile in-process Store implementation. All reads
// return deep copies; the store keeps exclusive ownership of the live records.
type MemoryStore struct {
	logger  *logrus.Logger
	mutex   sync.RWMutex
	records map[string]*CallRecord
}

// NewMemoryStore creates an empty in-memory call record store.
func NewMemoryStore(logger *logrus.Logger) *MemoryStore {
	return &MemoryStore{
		logger:  logger,
		records: make(map[string]*CallRecord),
	}
}

// Create allocates a new call record in the initiating state.
func (s *MemoryStore) Create(practice PracticeInfo) (*CallRecord, error) {
	now := time.Now()
	record := &CallRecord{
		ID:           uuid.New().String(),
		PracticeInfo: practice,
		Status:       StatusInitiating,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mutex.Lock()
	s.records[record.ID] = record
	s.mutex.Unlock()

	s.logger.WithFields(logrus.Fields{
		"call_id":  record.ID,
		"practice": practice.PracticeName,
	}).Info("Call record created")

	return record.Clone(), nil
}

// Get returns a snapshot of the record for the given call ID.
func (s *MemoryStore) Get(callID string) (*CallRecord, error) {
	s.mutex.RLock()
	record, ok := s.records[callID]
	s.mutex.RUnlock()

	if !ok {
		return nil, errors.ErrCallNotFound
	}
	return record.Clone(), nil
}

// Update applies the mutator to the live record under the store lock and
// returns a snapshot of the result. The read-modify-write is atomic per call.
func (s *MemoryStore) Update(callID string, mutate func(*CallRecord) error) (*CallRecord, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	record, ok := s.records[callID]
	if !ok {
		return nil, errors.ErrCallNotFound
	}

	if err := mutate(record); err != nil {
		return nil, err
	}
	record.UpdatedAt = time.Now()

	return record.Clone(), nil
}

// List returns snapshots of all records, newest first.
func (s *MemoryStore) List() ([]*CallRecord, error) {
	s.mutex.RLock()
	records := make([]*CallRecord, 0, len(s.records))
	for _, record := range s.records {
		records = append(records, record.Clone())
	}
	s.mutex.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// Delete removes the record. Deletion is always an explicit external request.
func (s *MemoryStore) Delete(callID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.records[callID]; !ok {
		return errors.ErrCallNotFound
	}
	delete(s.records, callID)

	s.logger.WithField("call_id", callID).Info("Call record deleted")
	return nil
}

// Count returns the number of stored records.
func (s *MemoryStore) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.records)
}
