package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hub "github.com/goliatone/go-hub"
)

func TestMemoryServiceGating(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService("", "node-a", hub.NewFmtLogger(&nopWriter{}))

	n, err := svc.Current(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, hub.NodeRun, n.State)

	_, err = RequireNew(ctx, svc)
	assert.NoError(t, err)

	require.NoError(t, svc.SetState(ctx, hub.NodeHandlesExistingMessages))
	_, err = RequireNew(ctx, svc)
	assert.True(t, hub.IsNodeStopping(err))
	_, err = RequireExisting(ctx, svc)
	assert.NoError(t, err)

	require.NoError(t, svc.SetState(ctx, hub.NodeStopped))
	_, err = RequireExisting(ctx, svc)
	assert.True(t, hub.IsStopping(err))

	assert.True(t, hub.IsValidation(svc.SetState(ctx, "PAUSED")))
}

func TestMemoryServiceSnapshotIsCopy(t *testing.T) {
	svc := NewMemoryService("id-1", "", nil)
	n, _ := svc.Current(context.Background())
	n.State = hub.NodeStopped

	again, _ := svc.Current(context.Background())
	assert.Equal(t, hub.NodeRun, again.State)
	assert.Equal(t, "id-1", again.Code)
}

type nopWriter struct{}

func (nopWriter) Write(b []byte) (int, error) { return len(b), nil }
