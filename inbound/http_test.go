package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/cron"
)

func newTestServer(t *testing.T) (*fixture, *httptest.Server) {
	t.Helper()
	f := newFixture(t)
	srv := httptest.NewServer(NewRouter(&API{
		Route:   f.route,
		Reader:  f.st,
		Admin:   f.engine,
		Nodes:   f.nodes,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics\n")) }),
		Logger:  hub.NewFmtLogger(io.Discard),
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func postMessage(t *testing.T, srv *httptest.Server, body string, header http.Header) (*http.Response, Ack) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/messages/", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var ack Ack
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	return resp, ack
}

func TestHTTPAdmitAndDuplicate(t *testing.T) {
	f, srv := newTestServer(t)
	body := `{"source_system":"CRM","correlation_id":"abc","operation":"setCustomer","payload":{"id":"123"}}`

	resp, ack := postMessage(t, srv, body, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, AckOK, ack.Status)

	msg, err := f.st.GetMessage(context.Background(), ack.MessageID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"123"}`, string(msg.Payload))

	resp, ack = postMessage(t, srv, body, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, AckFail, ack.Status)
	assert.Equal(t, hub.CodeDuplicateMessage, ack.ErrorCode)
}

func TestHTTPAdmitUsesCorrelationHeader(t *testing.T) {
	_, srv := newTestServer(t)
	header := http.Header{}
	header.Set(CorrelationHeader, "from-header")

	resp, ack := postMessage(t, srv, `{"source_system":"CRM","operation":"setCustomer"}`, header)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "from-header", ack.CorrelationID)
}

func TestHTTPAdmitRejectsBadInput(t *testing.T) {
	_, srv := newTestServer(t)

	resp, ack := postMessage(t, srv, `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, AckFail, ack.Status)

	resp, ack = postMessage(t, srv, `{"source_system":"CRM"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, string(hub.ErrCodeValidation), ack.ErrorCode)
}

func TestHTTPAdmitNodeStopping(t *testing.T) {
	f, srv := newTestServer(t)
	require.NoError(t, f.nodes.SetState(context.Background(), hub.NodeStopped))

	resp, err := srv.Client().Post(srv.URL+"/v1/messages/", "application/json",
		strings.NewReader(`{"source_system":"CRM","correlation_id":"abc","operation":"setCustomer"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTPGetMessage(t *testing.T) {
	f, srv := newTestServer(t)
	ack, err := f.route.Admit(context.Background(), crmRequest("abc"))
	require.NoError(t, err)

	resp, err := srv.Client().Get(fmt.Sprintf("%s/v1/messages/%d", srv.URL, ack.MessageID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view messageView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "abc", view.CorrelationID)
	assert.Equal(t, string(hub.StateInQueue), view.State)

	missing, err := srv.Client().Get(srv.URL + "/v1/messages/999")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)

	invalid, err := srv.Client().Get(srv.URL + "/v1/messages/abc")
	require.NoError(t, err)
	invalid.Body.Close()
	assert.Equal(t, http.StatusBadRequest, invalid.StatusCode)
}

func TestHTTPCancelAndRestart(t *testing.T) {
	ctx := context.Background()
	f, srv := newTestServer(t)

	postponed := &hub.Message{SourceSystem: "CRM", CorrelationID: "p", Operation: "op", State: hub.StatePostponed}
	require.NoError(t, f.st.InsertMessage(ctx, postponed))
	queued, err := f.route.Admit(ctx, crmRequest("q"))
	require.NoError(t, err)

	post := func(path string) int {
		resp, err := srv.Client().Post(srv.URL+path, "application/json", nil)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, post(fmt.Sprintf("/v1/messages/%d/cancel", postponed.ID)))
	assert.Equal(t, http.StatusConflict, post(fmt.Sprintf("/v1/messages/%d/cancel", queued.MessageID)))

	assert.Equal(t, http.StatusOK, post(fmt.Sprintf("/v1/messages/%d/restart?total=true", postponed.ID)))
	msg, err := f.st.GetMessage(ctx, postponed.ID)
	require.NoError(t, err)
	assert.Equal(t, hub.StatePartlyFailed, msg.State)

	assert.Equal(t, http.StatusConflict, post(fmt.Sprintf("/v1/messages/%d/restart", queued.MessageID)))
}

func TestHTTPHealthAndMetrics(t *testing.T) {
	f, srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, f.nodes.SetState(context.Background(), hub.NodeStopped))
	resp, err = srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTPHealthListsJobs(t *testing.T) {
	f := newFixture(t)
	scheduler := cron.NewScheduler(cron.WithLogger(hub.NewFmtLogger(io.Discard)))
	_, err := scheduler.ScheduleCron(hub.HandlerConfig{Expression: "@every 1m"}, "repair-scanner", func(context.Context) error { return nil })
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(&API{Route: f.route, Nodes: f.nodes, Jobs: scheduler}))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Jobs []jobView `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Jobs, 1)
	assert.Equal(t, "repair-scanner", body.Jobs[0].Name)
	assert.Equal(t, string(cron.ScheduleStatusScheduled), body.Jobs[0].Status)
	assert.Zero(t, body.Jobs[0].Runs)
	assert.Nil(t, body.Jobs[0].LastRun)
}
