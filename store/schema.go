package store

// Schema creates the hub tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS hub_message (
  msg_id                   BIGSERIAL    PRIMARY KEY,
  version                  INT          NOT NULL DEFAULT 1,
  source_system            TEXT         NOT NULL,
  correlation_id           TEXT         NOT NULL,
  process_id               TEXT         NULL,
  msg_timestamp            TIMESTAMPTZ  NOT NULL,
  receive_timestamp        TIMESTAMPTZ  NOT NULL,
  start_process_timestamp  TIMESTAMPTZ  NULL,
  start_in_queue_timestamp TIMESTAMPTZ  NULL,
  last_update_timestamp    TIMESTAMPTZ  NOT NULL,
  service                  TEXT         NOT NULL,
  operation_name           TEXT         NOT NULL,
  object_id                TEXT         NULL,
  entity_type              TEXT         NULL,
  payload                  BYTEA        NOT NULL,
  envelope                 BYTEA        NULL,
  state                    TEXT         NOT NULL,
  failed_count             INT          NOT NULL DEFAULT 0,
  failed_error_code        TEXT         NULL,
  failed_desc              TEXT         NULL,
  failed_stack_trace       TEXT         NULL,
  custom_data              TEXT         NULL,
  business_error           TEXT         NULL,
  parent_msg_id            BIGINT       NULL REFERENCES hub_message (msg_id),
  parent_binding_type      TEXT         NULL,
  parent_message           BOOLEAN      NOT NULL DEFAULT FALSE,
  funnel_value             TEXT         NULL,
  funnel_component_id      TEXT         NULL,
  guaranteed_order         BOOLEAN      NOT NULL DEFAULT FALSE,
  exclude_failed_state     BOOLEAN      NOT NULL DEFAULT FALSE,
  node_id                  TEXT         NULL,
  CONSTRAINT hub_message_natural_key UNIQUE (correlation_id, source_system)
);

CREATE INDEX IF NOT EXISTS hub_message_state_idx ON hub_message (state, last_update_timestamp);
CREATE INDEX IF NOT EXISTS hub_message_funnel_idx ON hub_message (funnel_value, msg_timestamp) WHERE guaranteed_order;
CREATE INDEX IF NOT EXISTS hub_message_parent_idx ON hub_message (parent_msg_id) WHERE parent_msg_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS hub_external_call (
  call_id               BIGSERIAL    PRIMARY KEY,
  version               INT          NOT NULL DEFAULT 1,
  operation_name        TEXT         NOT NULL,
  entity_id             TEXT         NOT NULL,
  state                 TEXT         NOT NULL,
  msg_id                BIGINT       NOT NULL REFERENCES hub_message (msg_id),
  msg_timestamp         TIMESTAMPTZ  NOT NULL,
  creation_timestamp    TIMESTAMPTZ  NOT NULL,
  last_update_timestamp TIMESTAMPTZ  NOT NULL,
  failed_count          INT          NOT NULL DEFAULT 0,
  CONSTRAINT hub_external_call_key UNIQUE (operation_name, entity_id)
);

CREATE INDEX IF NOT EXISTS hub_external_call_state_idx ON hub_external_call (state, last_update_timestamp);

CREATE TABLE IF NOT EXISTS hub_audit (
  audit_id  BIGSERIAL    PRIMARY KEY,
  msg_id    BIGINT       NOT NULL REFERENCES hub_message (msg_id),
  kind      TEXT         NOT NULL,
  target    TEXT         NULL,
  payload   BYTEA        NULL,
  error     TEXT         NULL,
  ts        TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS hub_audit_msg_idx ON hub_audit (msg_id);
`
