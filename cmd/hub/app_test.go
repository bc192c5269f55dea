package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/config"
	"github.com/goliatone/go-hub/inbound"
)

func TestAppProcessesPingEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.Log.Format = config.FormatConsole
	require.NoError(t, cfg.Validate())

	a, err := newApp(ctx, cfg, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, 2, a.events.Len())
	require.NoError(t, a.engine.Start(ctx))
	require.NoError(t, a.pool.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = a.pool.Stop(stopCtx)
		_ = a.engine.Stop(stopCtx)
	})

	srv := httptest.NewServer(a.server.Handler)
	defer srv.Close()

	resp, err := srv.Client().Post(srv.URL+"/v1/messages/", "application/json",
		strings.NewReader(`{"source_system":"CRM","correlation_id":"abc","operation":"ping"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ack inbound.Ack
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	require.Equal(t, inbound.AckOK, ack.Status)

	assert.Eventually(t, func() bool {
		msg, err := a.store.GetMessage(ctx, ack.MessageID)
		return err == nil && msg.State == hub.StateOK
	}, 2*time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		call, err := a.store.FindCall(ctx, hub.ConfirmationOperation, "abc")
		return err == nil && call != nil && call.State == hub.CallOK
	}, 2*time.Second, 10*time.Millisecond)

	metrics, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(metrics.Body)
	metrics.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "hub_state_transitions_total")
}

func TestAdminCommandsRequirePostgres(t *testing.T) {
	err := withAdmin(&Globals{EnvFile: []string{"does-not-exist.env"}}, func(context.Context, *admin) error {
		t.Fatal("admin callback must not run without a database")
		return nil
	})
	require.Error(t, err)
	assert.True(t, hub.IsValidation(err))
}
