package repair

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/cron"
	"github.com/goliatone/go-hub/extcall"
	"github.com/goliatone/go-hub/lifecycle"
	"github.com/goliatone/go-hub/queue"
	"github.com/goliatone/go-hub/store"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type submission struct {
	id       int64
	priority queue.Priority
}

type recordingQueue struct {
	mu    sync.Mutex
	items []submission
}

func (q *recordingQueue) Submit(id int64, priority queue.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, submission{id: id, priority: priority})
	return nil
}

type stubConfirmations struct {
	n   int
	err error
}

func (s stubConfirmations) RetryFailed(context.Context) (int, error) { return s.n, s.err }

func setup(t *testing.T, opts ...Option) (*Scanner, *store.MemoryStore, *recordingQueue) {
	t.Helper()
	st := store.NewMemoryStore()
	q := &recordingQueue{}
	logger := hub.NewFmtLogger(io.Discard)
	clock := func() time.Time { return now }
	engine, err := lifecycle.NewEngine(st, lifecycle.Config{},
		lifecycle.WithQueue(q),
		lifecycle.WithClock(clock),
		lifecycle.WithLogger(logger),
	)
	require.NoError(t, err)

	opts = append([]Option{WithClock(clock), WithLogger(logger)}, opts...)
	scanner, err := NewScanner(st, engine, Config{
		DeadLetterTimeout:    30 * time.Minute,
		PostponedInterval:    2 * time.Minute,
		PartlyFailedInterval: 5 * time.Minute,
	}, opts...)
	require.NoError(t, err)
	return scanner, st, q
}

func insert(t *testing.T, st *store.MemoryStore, corr string, state hub.MsgState, started, updated time.Time) *hub.Message {
	t.Helper()
	msg := &hub.Message{
		SourceSystem:          "CRM",
		CorrelationID:         corr,
		Operation:             "setCustomer",
		MsgTimestamp:          updated,
		State:                 state,
		StartProcessTimestamp: started,
		LastUpdateTimestamp:   updated,
	}
	require.NoError(t, st.InsertMessage(context.Background(), msg))
	return msg
}

func TestRepairProcessingResetsStuckMessages(t *testing.T) {
	ctx := context.Background()
	scanner, st, _ := setup(t)

	stuck := insert(t, st, "stuck", hub.StateProcessing, now.Add(-time.Hour), now.Add(-time.Hour))
	fresh := insert(t, st, "fresh", hub.StateProcessing, now.Add(-time.Minute), now.Add(-time.Minute))
	lostNew := insert(t, st, "lost", hub.StateNew, time.Time{}, now.Add(-2*time.Hour))
	// Started long ago but re-queued recently.
	requeued := insert(t, st, "requeued", hub.StateInQueue, now.Add(-2*time.Hour), now.Add(-time.Minute))

	n, err := scanner.RepairProcessing(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := st.GetMessage(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, hub.StatePartlyFailed, got.State)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, hub.ErrCodeRepairTimeout, got.FailedErrorCode)
	assert.Contains(t, got.FailedDesc, "PROCESSING")
	assert.Equal(t, now, got.LastUpdateTimestamp)

	got, err = st.GetMessage(ctx, lostNew.ID)
	require.NoError(t, err)
	assert.Equal(t, hub.StatePartlyFailed, got.State)

	for _, id := range []int64{fresh.ID, requeued.ID} {
		got, err = st.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, got.FailedCount, "message %d should be untouched", id)
		assert.NotEqual(t, hub.StatePartlyFailed, got.State)
	}
}

func TestRunOnceReleasesCallsOfCrashedAttempts(t *testing.T) {
	ctx := context.Background()
	scanner, st, _ := setup(t)

	crashedAt := now.Add(-time.Hour)
	calls, err := extcall.NewManager(st,
		extcall.WithClock(func() time.Time { return crashedAt }),
		extcall.WithLogger(hub.NewFmtLogger(io.Discard)),
	)
	require.NoError(t, err)

	msg := insert(t, st, "crashed", hub.StateProcessing, crashedAt, crashedAt)
	stuck, err := calls.Prepare(ctx, "createCustomer", "123", msg)
	require.NoError(t, err)
	require.NotNil(t, stuck)

	other := insert(t, st, "running", hub.StateProcessing, now.Add(-time.Minute), now.Add(-time.Minute))
	running := &hub.ExternalCall{
		OperationName:       "createCustomer",
		EntityID:            "456",
		State:               hub.CallProcessing,
		MessageID:           other.ID,
		MsgTimestamp:        other.MsgTimestamp,
		CreationTimestamp:   now.Add(-time.Minute),
		LastUpdateTimestamp: now.Add(-time.Minute),
	}
	require.NoError(t, st.InsertCall(ctx, running))

	report, err := scanner.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Reset)
	assert.Equal(t, 1, report.Calls)

	got, err := st.GetCall(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, hub.CallFailed, got.State)
	assert.Equal(t, 1, got.FailedCount)
	assert.Equal(t, now, got.LastUpdateTimestamp)

	got, err = st.GetCall(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, hub.CallProcessing, got.State, "a call inside the timeout is left alone")

	retried, err := calls.Prepare(ctx, "createCustomer", "123", msg)
	require.NoError(t, err, "the next attempt takes the released call over")
	require.NotNil(t, retried)
	assert.Equal(t, hub.CallProcessing, retried.State)
}

func TestRepairForRetryRequeuesByInterval(t *testing.T) {
	ctx := context.Background()
	scanner, st, q := setup(t)

	postponed := insert(t, st, "postponed", hub.StatePostponed, time.Time{}, now.Add(-3*time.Minute))
	postponedFresh := insert(t, st, "postponed-fresh", hub.StatePostponed, time.Time{}, now.Add(-time.Minute))
	partly := insert(t, st, "partly", hub.StatePartlyFailed, time.Time{}, now.Add(-10*time.Minute))
	partlyFresh := insert(t, st, "partly-fresh", hub.StatePartlyFailed, time.Time{}, now.Add(-3*time.Minute))
	refused := insert(t, st, "refused", hub.StateNew, time.Time{}, now.Add(-3*time.Minute))
	admitted := insert(t, st, "admitted", hub.StateNew, time.Time{}, now.Add(-time.Minute))
	insert(t, st, "failed", hub.StateFailed, time.Time{}, now.Add(-time.Hour))

	n, err := scanner.RepairForRetry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.ElementsMatch(t, []submission{
		{id: refused.ID, priority: queue.PriorityNew},
		{id: postponed.ID, priority: queue.PriorityPostponed},
		{id: partly.ID, priority: queue.PriorityRetry},
	}, q.items)

	for _, id := range []int64{refused.ID, postponed.ID, partly.ID} {
		got, err := st.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, hub.StateInQueue, got.State)
		assert.Equal(t, 0, got.FailedCount)
	}
	for _, id := range []int64{admitted.ID, postponedFresh.ID, partlyFresh.ID} {
		got, err := st.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, hub.StateInQueue, got.State)
	}
}

func TestRepairConfirmations(t *testing.T) {
	ctx := context.Background()

	scanner, _, _ := setup(t)
	n, err := scanner.RepairConfirmations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	scanner, _, _ = setup(t, WithConfirmations(stubConfirmations{n: 3}))
	n, err = scanner.RepairConfirmations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRunOnceRunsEveryScanAndJoinsErrors(t *testing.T) {
	ctx := context.Background()
	scanner, st, q := setup(t, WithConfirmations(stubConfirmations{err: errors.New("confirmation store down")}))

	insert(t, st, "stuck", hub.StateProcessing, now.Add(-time.Hour), now.Add(-time.Hour))
	insert(t, st, "postponed", hub.StatePostponed, time.Time{}, now.Add(-3*time.Minute))

	report, err := scanner.RunOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repair confirmations")
	assert.Contains(t, err.Error(), "confirmation store down")

	assert.Equal(t, 1, report.Reset)
	// The reset message is not yet due for a partly-failed retry.
	assert.Equal(t, 1, report.Requeued)
	assert.Len(t, q.items, 1)
	assert.Equal(t, now, report.StartedAt)
}

func TestScheduleRegistersCronJob(t *testing.T) {
	scanner, _, _ := setup(t)

	_, err := scanner.Schedule(nil, hub.HandlerConfig{})
	assert.True(t, hub.IsValidation(err))

	scheduler := cron.NewScheduler(cron.WithLogger(hub.NewFmtLogger(io.Discard)))
	handle, err := scanner.Schedule(scheduler, hub.HandlerConfig{})
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.Equal(t, cron.ScheduleStatusScheduled, handle.Status())
	handle.Cancel()
}

func TestNewScannerValidation(t *testing.T) {
	_, err := NewScanner(nil, nil, Config{})
	assert.True(t, hub.IsValidation(err))
}
