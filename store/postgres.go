package store

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	hub "github.com/goliatone/go-hub"
)

const pgUniqueViolation = "23505"

const messageColumns = `msg_id, version, source_system, correlation_id, process_id, msg_timestamp,
	receive_timestamp, start_process_timestamp, start_in_queue_timestamp, last_update_timestamp,
	service, operation_name, object_id, entity_type, payload, envelope, state, failed_count,
	failed_error_code, failed_desc, failed_stack_trace, custom_data, business_error,
	parent_msg_id, parent_binding_type, parent_message, funnel_value, funnel_component_id,
	guaranteed_order, exclude_failed_state, node_id`

const callColumns = `call_id, version, operation_name, entity_id, state, msg_id, msg_timestamp,
	creation_timestamp, last_update_timestamp, failed_count`

// PgStore is a Store backed by PostgreSQL.
type PgStore struct {
	pool   *pgxpool.Pool
	logger hub.Logger
}

var _ Store = (*PgStore)(nil)

// PgOption configures a PgStore.
type PgOption func(*PgStore)

// WithPgLogger sets the store logger.
func WithPgLogger(logger hub.Logger) PgOption {
	return func(s *PgStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewPgStore wraps an existing pool.
func NewPgStore(pool *pgxpool.Pool, opts ...PgOption) (*PgStore, error) {
	if pool == nil {
		return nil, hub.NewError(hub.ErrValidation, "pool is required", nil, nil)
	}
	s := &PgStore{pool: pool, logger: hub.NewFmtLogger(nil)}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// OpenPg connects a pool to dsn.
func OpenPg(ctx context.Context, dsn string, opts ...PgOption) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store connect: %w", err)
	}
	return NewPgStore(pool, opts...)
}

// Close releases the pool.
func (s *PgStore) Close() {
	s.pool.Close()
}

// Ping verifies connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates missing tables and indexes.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(Schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store schema: %w", err)
		}
	}
	s.logger.Info("store schema ensured")
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PgStore) InsertMessage(ctx context.Context, msg *hub.Message) error {
	if msg == nil {
		return hub.NewError(hub.ErrValidation, "message is required", nil, nil)
	}
	return s.insertMessage(ctx, s.pool, msg)
}

func (s *PgStore) InsertMessages(ctx context.Context, msgs []*hub.Message) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("store begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, msg := range msgs {
		if msg == nil {
			return hub.NewError(hub.ErrValidation, "message is required", nil, nil)
		}
		if err := s.insertMessage(ctx, tx, msg); err != nil {
			resetIDs(msgs)
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		resetIDs(msgs)
		return fmt.Errorf("store commit: %w", err)
	}
	return nil
}

func resetIDs(msgs []*hub.Message) {
	for _, msg := range msgs {
		if msg != nil {
			msg.ID, msg.Version = 0, 0
		}
	}
}

func (s *PgStore) insertMessage(ctx context.Context, db queryer, msg *hub.Message) error {
	q := `INSERT INTO hub_message (version, source_system, correlation_id, process_id, msg_timestamp,
		receive_timestamp, start_process_timestamp, start_in_queue_timestamp, last_update_timestamp,
		service, operation_name, object_id, entity_type, payload, envelope, state, failed_count,
		failed_error_code, failed_desc, failed_stack_trace, custom_data, business_error,
		parent_msg_id, parent_binding_type, parent_message, funnel_value, funnel_component_id,
		guaranteed_order, exclude_failed_state, node_id)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
		$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
		RETURNING msg_id`
	var id int64
	err := db.QueryRow(ctx, q,
		string(msg.SourceSystem), msg.CorrelationID, nullString(msg.ProcessID), msg.MsgTimestamp,
		msg.ReceiveTimestamp, nullTime(msg.StartProcessTimestamp), nullTime(msg.StartInQueueTimestamp),
		msg.LastUpdateTimestamp, string(msg.Service), msg.Operation, nullString(msg.ObjectID),
		nullString(string(msg.EntityType)), nonNilBytes(msg.Payload), msg.Envelope, string(msg.State),
		msg.FailedCount, nullString(string(msg.FailedErrorCode)), nullString(msg.FailedDesc),
		nullString(msg.FailedStackTrace), nullString(msg.CustomData), nullString(msg.BusinessErrors),
		nullInt(msg.ParentMsgID), nullString(string(msg.ParentBinding)), msg.ParentMessage,
		nullString(msg.FunnelValue), nullString(msg.FunnelComponentID), msg.GuaranteedOrder,
		msg.ExcludeFailedState, nullString(msg.NodeID),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return hub.NewError(hub.ErrDuplicateMessage, "", err, map[string]any{
				"source_system":  string(msg.SourceSystem),
				"correlation_id": msg.CorrelationID,
			})
		}
		return fmt.Errorf("store insert message: %w", err)
	}
	msg.ID = id
	msg.Version = 1
	return nil
}

func (s *PgStore) GetMessage(ctx context.Context, id int64) (*hub.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM hub_message WHERE msg_id = $1`
	msg, err := scanMessage(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, hub.NewError(hub.ErrNotFound, "message not found", nil, map[string]any{"msg_id": id})
	}
	if err != nil {
		return nil, fmt.Errorf("store get message: %w", err)
	}
	return msg, nil
}

func (s *PgStore) FindMessage(ctx context.Context, source hub.SourceSystem, correlationID string) (*hub.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM hub_message WHERE source_system = $1 AND correlation_id = $2`
	msg, err := scanMessage(s.pool.QueryRow(ctx, q, string(source), correlationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store find message: %w", err)
	}
	return msg, nil
}

func (s *PgStore) UpdateMessage(ctx context.Context, msg *hub.Message) error {
	if msg == nil {
		return hub.NewError(hub.ErrValidation, "message is required", nil, nil)
	}
	q := `UPDATE hub_message
		    SET version = version + 1,
		        process_id = $3,
		        start_process_timestamp = $4,
		        start_in_queue_timestamp = $5,
		        last_update_timestamp = $6,
		        state = $7,
		        failed_count = $8,
		        failed_error_code = $9,
		        failed_desc = $10,
		        failed_stack_trace = $11,
		        custom_data = $12,
		        business_error = $13,
		        parent_message = $14,
		        node_id = $15,
		        msg_timestamp = $16
		  WHERE msg_id = $1 AND version = $2`
	tag, err := s.pool.Exec(ctx, q, msg.ID, msg.Version,
		nullString(msg.ProcessID), nullTime(msg.StartProcessTimestamp), nullTime(msg.StartInQueueTimestamp),
		msg.LastUpdateTimestamp, string(msg.State), msg.FailedCount, nullString(string(msg.FailedErrorCode)),
		nullString(msg.FailedDesc), nullString(msg.FailedStackTrace), nullString(msg.CustomData),
		nullString(msg.BusinessErrors), msg.ParentMessage, nullString(msg.NodeID), msg.MsgTimestamp,
	)
	if err != nil {
		return fmt.Errorf("store update message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.versionMiss(ctx, "hub_message", "msg_id", msg.ID, msg.Version)
	}
	msg.Version++
	return nil
}

func (s *PgStore) versionMiss(ctx context.Context, table, idColumn string, id int64, expected int) error {
	var actual int
	q := fmt.Sprintf(`SELECT version FROM %s WHERE %s = $1`, table, idColumn)
	err := s.pool.QueryRow(ctx, q, id).Scan(&actual)
	if errors.Is(err, pgx.ErrNoRows) {
		return hub.NewError(hub.ErrNotFound, "", nil, map[string]any{"table": table, "id": id})
	}
	if err != nil {
		return fmt.Errorf("store version check: %w", err)
	}
	return hub.NewError(hub.ErrVersionConflict, "", nil, map[string]any{
		"table":            table,
		"id":               id,
		"expected_version": expected,
		"actual_version":   actual,
	})
}

func (s *PgStore) UpdateMessageStateIf(ctx context.Context, id int64, to hub.MsgState, from []hub.MsgState, now time.Time) (bool, error) {
	q := `UPDATE hub_message
		    SET state = $2::text,
		        last_update_timestamp = $3::timestamptz,
		        version = version + 1,
		        start_in_queue_timestamp = CASE WHEN $2::text = 'IN_QUEUE' THEN $3::timestamptz ELSE start_in_queue_timestamp END,
		        start_process_timestamp = CASE WHEN $2::text = 'PROCESSING' THEN $3::timestamptz ELSE start_process_timestamp END
		  WHERE msg_id = $1 AND state = ANY($4)`
	tag, err := s.pool.Exec(ctx, q, id, string(to), now, stateNames(from))
	if err != nil {
		return false, fmt.Errorf("store conditional state update: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM hub_message WHERE msg_id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("store message exists: %w", err)
	}
	if !exists {
		return false, hub.NewError(hub.ErrNotFound, "message not found", nil, map[string]any{"msg_id": id})
	}
	return false, nil
}

func (s *PgStore) FindChildren(ctx context.Context, parentID int64) ([]*hub.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM hub_message WHERE parent_msg_id = $1 ORDER BY msg_id`
	return s.queryMessages(ctx, q, parentID)
}

func (s *PgStore) FindFunnelMessages(ctx context.Context, funnelValue, componentID string, states []hub.MsgState) ([]*hub.Message, error) {
	q := `SELECT ` + messageColumns + ` FROM hub_message
		  WHERE guaranteed_order
		    AND funnel_value = $1
		    AND ($2 = '' OR funnel_component_id = $2)
		    AND state = ANY($3)
		  ORDER BY msg_timestamp, msg_id`
	return s.queryMessages(ctx, q, funnelValue, componentID, stateNames(states))
}

func (s *PgStore) FindMessages(ctx context.Context, filter MessageFilter) ([]*hub.Message, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if len(filter.States) > 0 {
		add("state = ANY($%d)", stateNames(filter.States))
	}
	if filter.ParentID > 0 {
		add("parent_msg_id = $%d", filter.ParentID)
	}
	if !filter.UpdatedBefore.IsZero() {
		add("last_update_timestamp < $%d", filter.UpdatedBefore)
	}
	if !filter.ActiveBefore.IsZero() {
		add("COALESCE(start_process_timestamp, last_update_timestamp) < $%d", filter.ActiveBefore)
	}
	q := `SELECT ` + messageColumns + ` FROM hub_message`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limitOrDefault(filter.Limit))
	q += fmt.Sprintf(" ORDER BY msg_id LIMIT $%d", len(args))
	return s.queryMessages(ctx, q, args...)
}

func (s *PgStore) queryMessages(ctx context.Context, q string, args ...any) ([]*hub.Message, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store query messages: %w", err)
	}
	defer rows.Close()

	var out []*hub.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store message rows: %w", err)
	}
	return out, nil
}

func scanMessage(row rowScanner) (*hub.Message, error) {
	var (
		msg                    hub.Message
		source, service, state string
		processID, objectID    *string
		entityType, errorCode  *string
		failedDesc, stack      *string
		customData, bizErrors  *string
		binding, funnelValue   *string
		funnelComponent        *string
		nodeID                 *string
		startProcess           *time.Time
		startInQueue           *time.Time
		parentID               *int64
	)
	err := row.Scan(
		&msg.ID, &msg.Version, &source, &msg.CorrelationID, &processID, &msg.MsgTimestamp,
		&msg.ReceiveTimestamp, &startProcess, &startInQueue, &msg.LastUpdateTimestamp,
		&service, &msg.Operation, &objectID, &entityType, &msg.Payload, &msg.Envelope, &state,
		&msg.FailedCount, &errorCode, &failedDesc, &stack, &customData, &bizErrors,
		&parentID, &binding, &msg.ParentMessage, &funnelValue, &funnelComponent,
		&msg.GuaranteedOrder, &msg.ExcludeFailedState, &nodeID,
	)
	if err != nil {
		return nil, err
	}
	msg.SourceSystem = hub.SourceSystem(source)
	msg.Service = hub.ServiceName(service)
	msg.State = hub.MsgState(state)
	msg.ProcessID = deref(processID)
	msg.ObjectID = deref(objectID)
	msg.EntityType = hub.EntityType(deref(entityType))
	msg.FailedErrorCode = hub.ErrorCode(deref(errorCode))
	msg.FailedDesc = deref(failedDesc)
	msg.FailedStackTrace = deref(stack)
	msg.CustomData = deref(customData)
	msg.BusinessErrors = deref(bizErrors)
	msg.ParentBinding = hub.BindingType(deref(binding))
	msg.FunnelValue = deref(funnelValue)
	msg.FunnelComponentID = deref(funnelComponent)
	msg.NodeID = deref(nodeID)
	if startProcess != nil {
		msg.StartProcessTimestamp = *startProcess
	}
	if startInQueue != nil {
		msg.StartInQueueTimestamp = *startInQueue
	}
	if parentID != nil {
		msg.ParentMsgID = *parentID
	}
	return &msg, nil
}

func (s *PgStore) InsertCall(ctx context.Context, call *hub.ExternalCall) error {
	if call == nil {
		return hub.NewError(hub.ErrValidation, "external call is required", nil, nil)
	}
	q := `INSERT INTO hub_external_call (version, operation_name, entity_id, state, msg_id,
		msg_timestamp, creation_timestamp, last_update_timestamp, failed_count)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING call_id`
	var id int64
	err := s.pool.QueryRow(ctx, q, call.OperationName, call.EntityID, string(call.State), call.MessageID,
		call.MsgTimestamp, call.CreationTimestamp, call.LastUpdateTimestamp, call.FailedCount,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return hub.NewError(hub.ErrLockFailure, "external call already exists", err, map[string]any{
				"operation": call.OperationName,
				"entity_id": call.EntityID,
			})
		}
		return fmt.Errorf("store insert call: %w", err)
	}
	call.ID = id
	call.Version = 1
	return nil
}

func (s *PgStore) GetCall(ctx context.Context, id int64) (*hub.ExternalCall, error) {
	q := `SELECT ` + callColumns + ` FROM hub_external_call WHERE call_id = $1`
	call, err := scanCall(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, hub.NewError(hub.ErrNotFound, "external call not found", nil, map[string]any{"call_id": id})
	}
	if err != nil {
		return nil, fmt.Errorf("store get call: %w", err)
	}
	return call, nil
}

func (s *PgStore) FindCall(ctx context.Context, operation, entityID string) (*hub.ExternalCall, error) {
	q := `SELECT ` + callColumns + ` FROM hub_external_call WHERE operation_name = $1 AND entity_id = $2`
	call, err := scanCall(s.pool.QueryRow(ctx, q, operation, entityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store find call: %w", err)
	}
	return call, nil
}

func (s *PgStore) UpdateCall(ctx context.Context, call *hub.ExternalCall) error {
	if call == nil {
		return hub.NewError(hub.ErrValidation, "external call is required", nil, nil)
	}
	q := `UPDATE hub_external_call
		    SET version = version + 1,
		        state = $3,
		        msg_id = $4,
		        msg_timestamp = $5,
		        last_update_timestamp = $6,
		        failed_count = $7
		  WHERE call_id = $1 AND version = $2`
	tag, err := s.pool.Exec(ctx, q, call.ID, call.Version, string(call.State), call.MessageID,
		call.MsgTimestamp, call.LastUpdateTimestamp, call.FailedCount)
	if err != nil {
		return fmt.Errorf("store update call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.versionMiss(ctx, "hub_external_call", "call_id", call.ID, call.Version)
	}
	call.Version++
	return nil
}

func (s *PgStore) DeleteCallsForMessage(ctx context.Context, msgID int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM hub_external_call WHERE msg_id = $1`, msgID)
	if err != nil {
		return 0, fmt.Errorf("store delete calls: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PgStore) FindCalls(ctx context.Context, filter CallFilter) ([]*hub.ExternalCall, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		add("state = ANY($%d)", states)
	}
	if filter.OperationName != "" {
		add("operation_name = $%d", filter.OperationName)
	}
	if !filter.UpdatedBefore.IsZero() {
		add("last_update_timestamp < $%d", filter.UpdatedBefore)
	}
	if filter.MaxFailed > 0 {
		add("failed_count < $%d", filter.MaxFailed)
	}
	q := `SELECT ` + callColumns + ` FROM hub_external_call`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limitOrDefault(filter.Limit))
	q += fmt.Sprintf(" ORDER BY call_id LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store query calls: %w", err)
	}
	defer rows.Close()

	var out []*hub.ExternalCall
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("store scan call: %w", err)
		}
		out = append(out, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store call rows: %w", err)
	}
	return out, nil
}

func scanCall(row rowScanner) (*hub.ExternalCall, error) {
	var (
		call  hub.ExternalCall
		state string
	)
	err := row.Scan(&call.ID, &call.Version, &call.OperationName, &call.EntityID, &state, &call.MessageID,
		&call.MsgTimestamp, &call.CreationTimestamp, &call.LastUpdateTimestamp, &call.FailedCount)
	if err != nil {
		return nil, err
	}
	call.State = hub.ExternalCallState(state)
	return &call, nil
}

func (s *PgStore) SaveAudit(ctx context.Context, rec *hub.AuditRecord) error {
	if rec == nil {
		return hub.NewError(hub.ErrValidation, "audit record is required", nil, nil)
	}
	q := `INSERT INTO hub_audit (msg_id, kind, target, payload, error, ts)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING audit_id`
	err := s.pool.QueryRow(ctx, q, rec.MessageID, string(rec.Kind), nullString(rec.Target), rec.Payload,
		nullString(rec.Error), rec.Timestamp).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("store save audit: %w", err)
	}
	return nil
}

func (s *PgStore) FindAudit(ctx context.Context, msgID int64) ([]*hub.AuditRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT audit_id, msg_id, kind, target, payload, error, ts FROM hub_audit WHERE msg_id = $1 ORDER BY audit_id`,
		msgID)
	if err != nil {
		return nil, fmt.Errorf("store query audit: %w", err)
	}
	defer rows.Close()

	var out []*hub.AuditRecord
	for rows.Next() {
		var (
			rec             hub.AuditRecord
			kind            string
			target, errText *string
		)
		if err := rows.Scan(&rec.ID, &rec.MessageID, &kind, &target, &rec.Payload, &errText, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("store scan audit: %w", err)
		}
		rec.Kind = hub.AuditKind(kind)
		rec.Target = deref(target)
		rec.Error = deref(errText)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store audit rows: %w", err)
	}
	return out, nil
}

// LockFunnel takes a session advisory lock on a dedicated connection.
func (s *PgStore) LockFunnel(ctx context.Context, funnelValue string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("store acquire funnel conn: %w", err)
	}
	key := advisoryLockKey("hub:funnel:" + funnelValue)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1::bigint)`, key); err != nil {
		conn.Release()
		return nil, hub.NewError(hub.ErrLockFailure, "funnel lock failed", err, map[string]any{"funnel": funnelValue})
	}
	return func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1::bigint)`, key); err != nil {
			s.logger.Warn("funnel unlock failed: %v", err)
		}
		conn.Release()
	}, nil
}

func advisoryLockKey(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int64(h.Sum64())
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func stateNames(states []hub.MsgState) []string {
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullInt(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func nonNilBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
