package callrecord

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopcall-server/pkg/errors"
)

func newTestStore() *MemoryStore {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewMemoryStore(logger)
}

func testPractice() PracticeInfo {
	return PracticeInfo{
		PracticeName:  "Bright Smile Dental",
		PhoneNumber:   "+15551234567",
		PrimaryOffer:  "$99 new patient special",
		InsuranceType: "Delta Dental",
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	store := newTestStore()

	record, err := store.Create(testPractice())
	require.NoError(t, err)
	require.NotEmpty(t, record.ID)
	assert.Equal(t, StatusInitiating, record.Status)
	assert.Equal(t, testPractice(), record.PracticeInfo)
	assert.False(t, record.CreatedAt.IsZero())

	fetched, err := store.Get(record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, fetched.ID)
	assert.Equal(t, testPractice(), fetched.PracticeInfo)
}

func TestStoreGetUnknown(t *testing.T) {
	store := newTestStore()

	_, err := store.Get("no-such-call")
	assert.True(t, errors.Is(err, errors.ErrCallNotFound))
}

func TestStoreGetReturnsCopy(t *testing.T) {
	store := newTestStore()
	record, err := store.Create(testPractice())
	require.NoError(t, err)

	first, err := store.Get(record.ID)
	require.NoError(t, err)
	first.Status = StatusFailed
	first.AppendSegment(TranscriptSegment{Speaker: SpeakerAI, Text: "tampered"})

	second, err := store.Get(record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInitiating, second.Status)
	assert.Empty(t, second.Transcript)
}

func TestStoreUpdateMutates(t *testing.T) {
	store := newTestStore()
	record, err := store.Create(testPractice())
	require.NoError(t, err)

	updated, err := store.Update(record.ID, func(r *CallRecord) error {
		r.ProviderCallRef = "CA0001"
		r.AdvanceStatus(StatusRinging)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "CA0001", updated.ProviderCallRef)
	assert.Equal(t, StatusRinging, updated.Status)
	assert.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))

	fetched, err := store.Get(record.ID)
	require.NoError(t, err)
	assert.Equal(t, "CA0001", fetched.ProviderCallRef)
}

func TestStoreUpdateUnknown(t *testing.T) {
	store := newTestStore()

	_, err := store.Update("no-such-call", func(r *CallRecord) error { return nil })
	assert.True(t, errors.Is(err, errors.ErrCallNotFound))
}

func TestStoreUpdateAtomicUnderConcurrency(t *testing.T) {
	store := newTestStore()
	record, err := store.Create(testPractice())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(record.ID, func(r *CallRecord) error {
				r.AppendSegment(TranscriptSegment{Speaker: SpeakerOtherParty, Text: "line"})
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	fetched, err := store.Get(record.ID)
	require.NoError(t, err)
	assert.Len(t, fetched.Transcript, 50)
}

func TestStoreListNewestFirst(t *testing.T) {
	store := newTestStore()

	first, err := store.Create(testPractice())
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := store.Create(testPractice())
	require.NoError(t, err)

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.ID, records[0].ID)
	assert.Equal(t, first.ID, records[1].ID)
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore()
	record, err := store.Create(testPractice())
	require.NoError(t, err)

	require.NoError(t, store.Delete(record.ID))
	_, err = store.Get(record.ID)
	assert.True(t, errors.Is(err, errors.ErrCallNotFound))

	assert.True(t, errors.Is(store.Delete(record.ID), errors.ErrCallNotFound))
}
