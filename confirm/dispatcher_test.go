package confirm

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
	"github.com/goliatone/go-hub/extcall"
	"github.com/goliatone/go-hub/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type flakyCallback struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (c *flakyCallback) Confirm(context.Context, *hub.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail {
		return errors.New("source system unreachable")
	}
	return nil
}

func (c *flakyCallback) setFail(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

func setup(t *testing.T, cfg Config) (*Dispatcher, *store.MemoryStore, *flakyCallback, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore()
	logger := hub.NewFmtLogger(io.Discard)
	calls, err := extcall.NewManager(st, extcall.WithClock(clk.Now), extcall.WithLogger(logger))
	require.NoError(t, err)
	cb := &flakyCallback{}
	d, err := NewDispatcher(st, calls, cb, cfg, WithClock(clk.Now), WithLogger(logger))
	require.NoError(t, err)
	return d, st, cb, clk
}

func finishedMessage(t *testing.T, st *store.MemoryStore, corr string, state hub.MsgState) *hub.Message {
	t.Helper()
	msg := &hub.Message{
		SourceSystem:  "CRM",
		CorrelationID: corr,
		MsgTimestamp:  time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		State:         state,
	}
	require.NoError(t, st.InsertMessage(context.Background(), msg))
	return msg
}

func TestConfirmTracksDeliveryAsExternalCall(t *testing.T) {
	ctx := context.Background()
	d, st, cb, _ := setup(t, Config{})
	msg := finishedMessage(t, st, "abc", hub.StateOK)

	require.NoError(t, d.Confirm(ctx, msg))
	call, err := st.FindCall(ctx, hub.ConfirmationOperation, "abc")
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.Equal(t, hub.CallOK, call.State)

	require.NoError(t, d.Confirm(ctx, msg))
	assert.Equal(t, 1, cb.calls)

	records, err := st.FindAudit(ctx, msg.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestFailedConfirmationIsRetriedAfterInterval(t *testing.T) {
	ctx := context.Background()
	d, st, cb, clk := setup(t, Config{RetryInterval: time.Minute})
	msg := finishedMessage(t, st, "abc", hub.StateFailed)

	cb.setFail(true)
	err := d.Confirm(ctx, msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source system unreachable")

	call, err := st.FindCall(ctx, hub.ConfirmationOperation, "abc")
	require.NoError(t, err)
	assert.Equal(t, hub.CallFailed, call.State)
	assert.Equal(t, 1, call.FailedCount)

	cb.setFail(false)
	n, err := d.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "retry interval has not elapsed")

	clk.Advance(2 * time.Minute)
	n, err = d.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	call, err = st.FindCall(ctx, hub.ConfirmationOperation, "abc")
	require.NoError(t, err)
	assert.Equal(t, hub.CallOK, call.State)

	records, err := st.FindAudit(ctx, msg.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, hub.AuditResponse, records[0].Kind)
	assert.Equal(t, "confirmation", records[0].Target)
}

func TestConfirmationGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	d, st, cb, clk := setup(t, Config{MaxAttempts: 2, RetryInterval: time.Minute})
	msg := finishedMessage(t, st, "abc", hub.StateOK)
	cb.setFail(true)

	require.Error(t, d.Confirm(ctx, msg))
	clk.Advance(2 * time.Minute)
	n, err := d.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	call, err := st.FindCall(ctx, hub.ConfirmationOperation, "abc")
	require.NoError(t, err)
	assert.Equal(t, hub.CallFailedEnd, call.State)
	assert.Equal(t, 2, call.FailedCount)

	clk.Advance(2 * time.Minute)
	n, err = d.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, cb.calls)
}

func TestConfirmSkipsChildrenAndRejectsOpenMessages(t *testing.T) {
	ctx := context.Background()
	d, st, cb, _ := setup(t, Config{})

	child := finishedMessage(t, st, "parent-1", hub.StateOK)
	child.ParentMsgID = 99
	require.NoError(t, d.Confirm(ctx, child))
	assert.Equal(t, 0, cb.calls)

	open := finishedMessage(t, st, "open", hub.StateProcessing)
	assert.True(t, hub.HasCode(d.Confirm(ctx, open), hub.CodeIllegalState))

	cancelled := finishedMessage(t, st, "cancelled", hub.StateCancel)
	assert.True(t, hub.HasCode(d.Confirm(ctx, cancelled), hub.CodeIllegalState))
}

func TestConfirmRecoversFromCallbackPanic(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	st := store.NewMemoryStore()
	calls, err := extcall.NewManager(st, extcall.WithClock(clk.Now))
	require.NoError(t, err)
	d, err := NewDispatcher(st, calls, CallbackFunc(func(context.Context, *hub.Message) error {
		panic("callback bug")
	}), Config{}, WithClock(clk.Now), WithLogger(hub.NewFmtLogger(io.Discard)))
	require.NoError(t, err)

	msg := finishedMessage(t, st, "abc", hub.StateOK)
	err = d.Confirm(ctx, msg)
	require.Error(t, err)
	var pe *hub.PanicError
	assert.ErrorAs(t, err, &pe)

	call, err := st.FindCall(ctx, hub.ConfirmationOperation, "abc")
	require.NoError(t, err)
	assert.Equal(t, hub.CallFailed, call.State)
}
