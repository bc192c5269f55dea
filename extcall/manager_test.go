package extcall

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/store"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func msgAt(id int64, ts time.Time) *hub.Message {
	return &hub.Message{ID: id, MsgTimestamp: ts}
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	opts = append([]Option{WithClock(func() time.Time { return base })}, opts...)
	m, err := NewManager(s, opts...)
	require.NoError(t, err)
	return m, s
}

func TestPrepareCreatesProcessingCall(t *testing.T) {
	m, s := newTestManager(t)
	call, err := m.Prepare(context.Background(), "createCustomer", "123", msgAt(1, base))
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.Equal(t, hub.CallProcessing, call.State)
	assert.Equal(t, int64(1), call.MessageID)

	stored, err := s.FindCall(context.Background(), "createCustomer", "123")
	require.NoError(t, err)
	assert.Equal(t, call.ID, stored.ID)
}

func TestPrepareTwiceRaisesLockFailure(t *testing.T) {
	m, _ := newTestManager(t)
	msg := msgAt(1, base)

	_, err := m.Prepare(context.Background(), "createCustomer", "123", msg)
	require.NoError(t, err)

	call, err := m.Prepare(context.Background(), "createCustomer", "123", msg)
	assert.Nil(t, call)
	require.Error(t, err)
	assert.True(t, hub.IsLockFailure(err))
}

func TestPrepareConcurrentAtMostOneWinner(t *testing.T) {
	m, _ := newTestManager(t)
	var winners, locked atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			call, err := m.Prepare(context.Background(), "createCustomer", "123", msgAt(id, base))
			switch {
			case err == nil && call != nil:
				winners.Add(1)
			case hub.IsLockFailure(err):
				locked.Add(1)
			}
		}(int64(i + 1))
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(19), locked.Load())
}

func TestPrepareAfterOKComparesMessageAge(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	call, err := m.Prepare(ctx, "createCustomer", "123", msgAt(1, base))
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, call))

	refused, err := m.Prepare(ctx, "createCustomer", "123", msgAt(2, base))
	require.NoError(t, err)
	assert.Nil(t, refused, "identical timestamp must not redo a successful call")

	refused, err = m.Prepare(ctx, "createCustomer", "123", msgAt(3, base.Add(-time.Second)))
	require.NoError(t, err)
	assert.Nil(t, refused, "older message must not redo a successful call")

	newer, err := m.Prepare(ctx, "createCustomer", "123", msgAt(4, base.Add(time.Second)))
	require.NoError(t, err)
	require.NotNil(t, newer)
	assert.Equal(t, hub.CallProcessing, newer.State)
	assert.Equal(t, int64(4), newer.MessageID)
	assert.Equal(t, call.ID, newer.ID)
}

func TestPrepareAfterFailedTakesOver(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	call, err := m.Prepare(ctx, "createCustomer", "123", msgAt(1, base))
	require.NoError(t, err)
	require.NoError(t, m.Failed(ctx, call))
	assert.Equal(t, 1, call.FailedCount)

	refused, err := m.Prepare(ctx, "createCustomer", "123", msgAt(2, base.Add(-time.Second)))
	require.NoError(t, err)
	assert.Nil(t, refused)

	retry, err := m.Prepare(ctx, "createCustomer", "123", msgAt(1, base))
	require.NoError(t, err)
	require.NotNil(t, retry, "same-timestamp retry takes over a failed call")
	assert.Equal(t, hub.CallProcessing, retry.State)
	require.NoError(t, m.FailedEnd(ctx, retry))

	again, err := m.Prepare(ctx, "createCustomer", "123", msgAt(5, base.Add(time.Minute)))
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, int64(5), again.MessageID)
}

func TestPrepareSkipPattern(t *testing.T) {
	m, s := newTestManager(t, WithSkipPattern(`^urn:skip:`))
	call, err := m.Prepare(context.Background(), "urn:skip:audit", "1", msgAt(1, base))
	require.NoError(t, err)
	assert.Nil(t, call)

	calls, err := s.FindCalls(context.Background(), store.CallFilter{})
	require.NoError(t, err)
	assert.Empty(t, calls)
}

func TestInvalidSkipPattern(t *testing.T) {
	_, err := NewManager(store.NewMemoryStore(), WithSkipPattern(`(`))
	require.Error(t, err)
	assert.True(t, hub.IsValidation(err))
}

func TestCompleteRequiresProcessing(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	call, err := m.Prepare(ctx, "createCustomer", "123", msgAt(1, base))
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, call))

	err = m.Complete(ctx, call)
	require.Error(t, err)
	assert.True(t, hub.HasCode(err, hub.CodeIllegalState))
	assert.Equal(t, hub.CallOK, call.State)
}

func TestStaleTakeoverIsLockFailure(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()
	call, err := m.Prepare(ctx, "createCustomer", "123", msgAt(1, base))
	require.NoError(t, err)
	require.NoError(t, m.Failed(ctx, call))

	stale, _ := s.FindCall(ctx, "createCustomer", "123")
	fresh, err := m.Prepare(ctx, "createCustomer", "123", msgAt(2, base.Add(time.Second)))
	require.NoError(t, err)
	require.NotNil(t, fresh)

	stale.State = hub.CallProcessing
	assert.True(t, hub.IsLockFailure(s.UpdateCall(ctx, stale)))
}
