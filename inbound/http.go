package inbound

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	hub "github.com/goliatone/go-hub"
	"github.com/goliatone/go-hub/cron"
	"github.com/goliatone/go-hub/node"
)

// CorrelationHeader carries the trace identifier when the body has none.
const CorrelationHeader = "X-Correlation-ID"

const maxBodyBytes = 4 << 20

// Admin runs operator actions on persisted messages.
type Admin interface {
	Cancel(ctx context.Context, id int64) error
	Restart(ctx context.Context, id int64, total bool) error
}

// Reader loads a message by id.
type Reader interface {
	GetMessage(ctx context.Context, id int64) (*hub.Message, error)
}

// Jobs lists the scheduled background jobs.
type Jobs interface {
	Handles() []cron.Handle
}

// API serves the inbound route and admin endpoints over HTTP.
type API struct {
	Route   *Route
	Reader  Reader
	Admin   Admin
	Nodes   node.Service
	Jobs    Jobs
	Metrics http.Handler
	Logger  hub.Logger
}

type messageRequest struct {
	SourceSystem       string          `json:"source_system"`
	CorrelationID      string          `json:"correlation_id"`
	ProcessID          string          `json:"process_id"`
	Service            string          `json:"service"`
	Operation          string          `json:"operation"`
	ObjectID           string          `json:"object_id"`
	EntityType         string          `json:"entity_type"`
	Timestamp          time.Time       `json:"timestamp"`
	Payload            json.RawMessage `json:"payload"`
	FunnelValue        string          `json:"funnel_value"`
	FunnelComponentID  string          `json:"funnel_component_id"`
	GuaranteedOrder    bool            `json:"guaranteed_order"`
	ExcludeFailedState bool            `json:"exclude_failed_state"`
}

type messageView struct {
	ID              int64     `json:"id"`
	SourceSystem    string    `json:"source_system"`
	CorrelationID   string    `json:"correlation_id"`
	ProcessID       string    `json:"process_id,omitempty"`
	Service         string    `json:"service,omitempty"`
	Operation       string    `json:"operation"`
	ObjectID        string    `json:"object_id,omitempty"`
	State           string    `json:"state"`
	FailedCount     int       `json:"failed_count"`
	FailedErrorCode string    `json:"failed_error_code,omitempty"`
	FailedDesc      string    `json:"failed_desc,omitempty"`
	BusinessErrors  []string  `json:"business_errors,omitempty"`
	ParentMsgID     int64     `json:"parent_msg_id,omitempty"`
	ParentMessage   bool      `json:"parent_message,omitempty"`
	FunnelValue     string    `json:"funnel_value,omitempty"`
	MsgTimestamp    time.Time `json:"msg_timestamp"`
	LastUpdate      time.Time `json:"last_update"`
}

// NewRouter builds the chi router for the API.
func NewRouter(api *API) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	RegisterRoutes(r, api)
	return r
}

// RegisterRoutes mounts the API on r.
func RegisterRoutes(r chi.Router, api *API) {
	r.Get("/healthz", api.health)
	if api.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", api.Metrics)
	}
	r.Route("/v1/messages", func(r chi.Router) {
		r.Post("/", api.admit)
		r.Get("/{id}", api.get)
		r.Post("/{id}/cancel", api.cancel)
		r.Post("/{id}/restart", api.restart)
	})
}

func (a *API) admit(w http.ResponseWriter, r *http.Request) {
	var body messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, Ack{
			Status:       AckFail,
			ErrorCode:    string(hub.ErrCodeValidation),
			ErrorMessage: "invalid JSON body",
		})
		return
	}
	if body.CorrelationID == "" {
		body.CorrelationID = r.Header.Get(CorrelationHeader)
	}

	ack, err := a.Route.Admit(r.Context(), Request{
		SourceSystem:       body.SourceSystem,
		CorrelationID:      body.CorrelationID,
		ProcessID:          body.ProcessID,
		Service:            body.Service,
		Operation:          body.Operation,
		ObjectID:           body.ObjectID,
		EntityType:         body.EntityType,
		Timestamp:          body.Timestamp,
		Payload:            body.Payload,
		FunnelValue:        body.FunnelValue,
		FunnelComponentID:  body.FunnelComponentID,
		GuaranteedOrder:    body.GuaranteedOrder,
		ExcludeFailedState: body.ExcludeFailedState,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	switch {
	case ack.Status == AckOK:
		writeJSON(w, http.StatusAccepted, ack)
	case ack.ErrorCode == hub.CodeDuplicateMessage:
		writeJSON(w, http.StatusConflict, ack)
	default:
		writeJSON(w, http.StatusBadRequest, ack)
	}
}

func (a *API) get(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	msg, err := a.Reader.GetMessage(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(msg))
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	if err := a.Admin.Cancel(r.Context(), id); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": string(hub.StateCancel)})
}

func (a *API) restart(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	total, _ := strconv.ParseBool(r.URL.Query().Get("total"))
	if err := a.Admin.Restart(r.Context(), id, total); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "state": string(hub.StatePartlyFailed), "total": total})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if a.Nodes == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}
	n, err := a.Nodes.Current(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if n.State == hub.NodeStopped {
		status = http.StatusServiceUnavailable
	}
	body := map[string]any{"ok": status == http.StatusOK, "node": n.Code, "state": string(n.State)}
	if a.Jobs != nil {
		body["jobs"] = jobViews(a.Jobs.Handles())
	}
	writeJSON(w, status, body)
}

type jobView struct {
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	Runs      int        `json:"runs"`
	Failures  int        `json:"failures"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

func jobViews(handles []cron.Handle) []jobView {
	out := make([]jobView, 0, len(handles))
	for _, h := range handles {
		stats := h.Stats()
		v := jobView{Name: h.Name(), Status: string(h.Status()), Runs: stats.Runs, Failures: stats.Failures}
		if !stats.LastRun.IsZero() {
			last := stats.LastRun
			v.LastRun = &last
		}
		if stats.LastErr != nil {
			v.LastError = stats.LastErr.Error()
		}
		out = append(out, v)
	}
	return out
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		hub.NormalizeLogger(a.Logger).WithContext(r.Context()).Error("%s %s failed: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  hub.TextCode(err),
	})
}

func statusOf(err error) int {
	switch {
	case hub.IsValidation(err):
		return http.StatusBadRequest
	case hub.IsNotFound(err):
		return http.StatusNotFound
	case hub.IsThrottled(err):
		return http.StatusTooManyRequests
	case hub.IsNodeStopping(err):
		return http.StatusServiceUnavailable
	case hub.IsLockFailure(err), hub.HasCode(err, hub.CodeIllegalState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func messageID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message id"})
		return 0, false
	}
	return id, true
}

func viewOf(msg *hub.Message) messageView {
	return messageView{
		ID:              msg.ID,
		SourceSystem:    string(msg.SourceSystem),
		CorrelationID:   msg.CorrelationID,
		ProcessID:       msg.ProcessID,
		Service:         string(msg.Service),
		Operation:       msg.Operation,
		ObjectID:        msg.ObjectID,
		State:           string(msg.State),
		FailedCount:     msg.FailedCount,
		FailedErrorCode: string(msg.FailedErrorCode),
		FailedDesc:      msg.FailedDesc,
		BusinessErrors:  msg.BusinessErrorList(),
		ParentMsgID:     msg.ParentMsgID,
		ParentMessage:   msg.ParentMessage,
		FunnelValue:     msg.FunnelValue,
		MsgTimestamp:    msg.MsgTimestamp,
		LastUpdate:      msg.LastUpdateTimestamp,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
