//go:build integration

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hub "github.com/goliatone/go-hub"
)

func openTestPg(t *testing.T) *PgStore {
	t.Helper()
	dsn := os.Getenv("HUB_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("HUB_TEST_PG_DSN is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := OpenPg(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureSchema(ctx))
	return s
}

func TestPgStore_Integration_MessageLifecycle(t *testing.T) {
	s := openTestPg(t)
	ctx := context.Background()
	corr := "it-" + uuid.NewString()

	msg := newMsg("CRM", corr)
	require.NoError(t, s.InsertMessage(ctx, msg))
	require.NotZero(t, msg.ID)

	err := s.InsertMessage(ctx, newMsg("CRM", corr))
	assert.True(t, hub.IsDuplicate(err), "got %v", err)

	ok, err := s.UpdateMessageStateIf(ctx, msg.ID, hub.StateInQueue, hub.AllowedFrom(hub.StateInQueue), time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	loaded, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, hub.StateInQueue, loaded.State)
	assert.False(t, loaded.StartInQueueTimestamp.IsZero())

	stale := loaded.Clone()
	loaded.CustomData = "x"
	require.NoError(t, s.UpdateMessage(ctx, loaded))
	assert.True(t, hub.IsLockFailure(s.UpdateMessage(ctx, stale)))
}

func TestPgStore_Integration_CallUniqueness(t *testing.T) {
	s := openTestPg(t)
	ctx := context.Background()

	msg := newMsg("CRM", "it-"+uuid.NewString())
	require.NoError(t, s.InsertMessage(ctx, msg))

	entity := uuid.NewString()
	call := &hub.ExternalCall{
		OperationName:       "createCustomer",
		EntityID:            entity,
		State:               hub.CallProcessing,
		MessageID:           msg.ID,
		MsgTimestamp:        msg.MsgTimestamp,
		CreationTimestamp:   time.Now(),
		LastUpdateTimestamp: time.Now(),
	}
	require.NoError(t, s.InsertCall(ctx, call))

	dup := *call
	err := s.InsertCall(ctx, &dup)
	assert.True(t, hub.IsLockFailure(err), "got %v", err)

	n, err := s.DeleteCallsForMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
