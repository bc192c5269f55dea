package inbound

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
	"github.com/goliatone/go-hub/lifecycle"
	"github.com/goliatone/go-hub/node"
	"github.com/goliatone/go-hub/queue"
	"github.com/goliatone/go-hub/store"
	"github.com/goliatone/go-hub/throttle"
)

var receivedAt = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type recordingQueue struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (q *recordingQueue) Submit(id int64, _ queue.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

type fixture struct {
	st     *store.MemoryStore
	engine *lifecycle.Engine
	queue  *recordingQueue
	nodes  *node.MemoryService
	route  *Route
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := hub.NewFmtLogger(io.Discard)
	clock := func() time.Time { return receivedAt }
	f := &fixture{
		st:    store.NewMemoryStore(),
		queue: &recordingQueue{},
		nodes: node.NewMemoryService("node-1", "hub-1", logger),
	}
	engine, err := lifecycle.NewEngine(f.st, lifecycle.Config{},
		lifecycle.WithQueue(f.queue),
		lifecycle.WithNodeService(f.nodes),
		lifecycle.WithClock(clock),
		lifecycle.WithLogger(logger),
	)
	require.NoError(t, err)
	f.engine = engine

	opts = append([]Option{WithNodeService(f.nodes), WithClock(clock), WithLogger(logger)}, opts...)
	route, err := NewRoute(f.st, engine, opts...)
	require.NoError(t, err)
	f.route = route
	return f
}

func crmRequest(corr string) Request {
	return Request{
		SourceSystem:  "CRM",
		CorrelationID: corr,
		Service:       "customer",
		Operation:     "setCustomer",
		Payload:       []byte(`{"id":"123"}`),
	}
}

func TestAdmitPersistsAndQueuesMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ack, err := f.route.Admit(ctx, crmRequest("abc"))
	require.NoError(t, err)
	assert.Equal(t, AckOK, ack.Status)
	assert.Equal(t, "abc", ack.CorrelationID)
	require.NotZero(t, ack.MessageID)

	msg, err := f.st.GetMessage(ctx, ack.MessageID)
	require.NoError(t, err)
	assert.Equal(t, hub.StateInQueue, msg.State)
	assert.Equal(t, hub.SourceSystem("CRM"), msg.SourceSystem)
	assert.Equal(t, receivedAt, msg.ReceiveTimestamp)
	assert.Equal(t, receivedAt, msg.MsgTimestamp)
	assert.NotEmpty(t, msg.ProcessID)
	assert.Equal(t, []int64{ack.MessageID}, f.queue.ids)

	records, err := f.st.FindAudit(ctx, ack.MessageID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, hub.AuditRequest, records[0].Kind)
	assert.JSONEq(t, `{"id":"123"}`, string(records[0].Payload))
}

func TestAdmitDuplicateReturnsFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.route.Admit(ctx, crmRequest("abc"))
	require.NoError(t, err)
	require.Equal(t, AckOK, first.Status)

	second, err := f.route.Admit(ctx, crmRequest("abc"))
	require.NoError(t, err)
	assert.Equal(t, AckFail, second.Status)
	assert.Equal(t, hub.CodeDuplicateMessage, second.ErrorCode)
	assert.Zero(t, second.MessageID)
	assert.Len(t, f.queue.ids, 1)
}

func TestAdmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithSourceSystems(hub.NewRegistry[hub.SourceSystem]("CRM", "ERP")))

	tests := []struct {
		name string
		req  Request
	}{
		{name: "missing correlation", req: Request{SourceSystem: "CRM", Operation: "setCustomer"}},
		{name: "missing operation", req: Request{SourceSystem: "CRM", CorrelationID: "x"}},
		{name: "unknown source", req: Request{SourceSystem: "BILLING", CorrelationID: "x", Operation: "op"}},
		{name: "order without funnel", req: Request{SourceSystem: "CRM", CorrelationID: "x", Operation: "op", GuaranteedOrder: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack, err := f.route.Admit(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, AckFail, ack.Status)
			assert.Equal(t, string(hub.ErrCodeValidation), ack.ErrorCode)
		})
	}

	msgs, err := f.st.FindMessages(ctx, store.MessageFilter{})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestAdmitRegisteredSourceIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithSourceSystems(hub.NewRegistry[hub.SourceSystem]("CRM")))

	req := crmRequest("abc")
	req.SourceSystem = "crm"
	ack, err := f.route.Admit(ctx, req)
	require.NoError(t, err)
	require.Equal(t, AckOK, ack.Status)

	msg, err := f.st.GetMessage(ctx, ack.MessageID)
	require.NoError(t, err)
	assert.Equal(t, hub.SourceSystem("CRM"), msg.SourceSystem)
}

func TestAdmitThrottlesBeforePersisting(t *testing.T) {
	ctx := context.Background()
	cfg, err := throttle.NewConfig(throttle.Rule{
		Scope: throttle.NewScope("CRM", "customer"),
		Props: throttle.NewProps(60, 2),
	})
	require.NoError(t, err)
	f := newFixture(t, WithThrottle(throttle.NewProcessor(cfg, nil, throttle.WithLogger(hub.NewFmtLogger(io.Discard)))))

	for _, corr := range []string{"a", "b"} {
		ack, err := f.route.Admit(ctx, crmRequest(corr))
		require.NoError(t, err)
		require.Equal(t, AckOK, ack.Status)
	}

	_, err = f.route.Admit(ctx, crmRequest("c"))
	require.Error(t, err)
	assert.True(t, hub.IsThrottled(err))

	msg, err := f.st.FindMessage(ctx, "CRM", "c")
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestAdmitRejectedWhenNodeStopping(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.nodes.SetState(ctx, hub.NodeHandlesExistingMessages))

	_, err := f.route.Admit(ctx, crmRequest("abc"))
	require.Error(t, err)
	assert.True(t, hub.IsNodeStopping(err))
	assert.Empty(t, f.queue.ids)
}

func TestAdmitLeavesMessageNewWhenQueueRefuses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.queue.err = errors.New("queue unavailable")

	ack, err := f.route.Admit(ctx, crmRequest("abc"))
	require.NoError(t, err)
	assert.Equal(t, AckOK, ack.Status)

	msg, err := f.st.GetMessage(ctx, ack.MessageID)
	require.NoError(t, err)
	assert.Equal(t, hub.StateNew, msg.State)
	assert.Equal(t, receivedAt, msg.LastUpdateTimestamp)
	assert.True(t, msg.StartInQueueTimestamp.IsZero())
	assert.Empty(t, f.queue.ids)
}
