package hub

import (
	"strings"
	"time"
)

// BusinessErrorDelimiter separates accumulated business error descriptions.
const BusinessErrorDelimiter = "|"

// ConfirmationOperation is the sentinel operation name used for confirmation calls.
const ConfirmationOperation = "urn:hub:confirmation"

// Message is the unit of asynchronous work. Natural key is (SourceSystem, CorrelationID).
type Message struct {
	ID            int64
	Version       int
	SourceSystem  SourceSystem
	CorrelationID string
	ProcessID     string

	MsgTimestamp          time.Time
	ReceiveTimestamp      time.Time
	StartProcessTimestamp time.Time
	StartInQueueTimestamp time.Time
	LastUpdateTimestamp   time.Time

	Service    ServiceName
	Operation  string
	ObjectID   string
	EntityType EntityType

	Payload  []byte
	Envelope []byte

	State            MsgState
	FailedCount      int
	FailedErrorCode  ErrorCode
	FailedDesc       string
	FailedStackTrace string
	CustomData       string
	BusinessErrors   string

	ParentMsgID        int64
	ParentBinding      BindingType
	ParentMessage      bool
	FunnelValue        string
	FunnelComponentID  string
	GuaranteedOrder    bool
	ExcludeFailedState bool
	NodeID             string

	// ProcessingPriority is transient and never persisted.
	ProcessingPriority int
}

// Clone returns a deep copy safe to hand across goroutines.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Payload = append([]byte(nil), m.Payload...)
	cp.Envelope = append([]byte(nil), m.Envelope...)
	return &cp
}

// SetState moves the message to `to` and stamps the matching timestamps.
// It does not validate the transition.
func (m *Message) SetState(to MsgState, now time.Time) {
	m.State = to
	m.LastUpdateTimestamp = now
	switch to {
	case StateInQueue:
		m.StartInQueueTimestamp = now
	case StateProcessing:
		m.StartProcessTimestamp = now
	}
}

// IsChild reports whether the message was split from a parent.
func (m *Message) IsChild() bool {
	return m != nil && m.ParentMsgID > 0
}

// HasHardParent reports whether the message outcome propagates to its parent.
func (m *Message) HasHardParent() bool {
	return m.IsChild() && m.ParentBinding == BindingHard
}

// BusinessErrorList returns the accumulated business errors.
func (m *Message) BusinessErrorList() []string {
	if m == nil {
		return nil
	}
	return SplitBusinessErrors(m.BusinessErrors)
}

// AddBusinessErrors appends descriptions, skipping empty values.
func (m *Message) AddBusinessErrors(errs ...string) {
	list := m.BusinessErrorList()
	for _, e := range errs {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		list = append(list, e)
	}
	m.BusinessErrors = strings.Join(list, BusinessErrorDelimiter)
}

// SplitBusinessErrors parses a delimited business error string.
func SplitBusinessErrors(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, BusinessErrorDelimiter)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ExternalCall is the dedup record for one external operation tied to a message.
// Unique on (OperationName, EntityID).
type ExternalCall struct {
	ID                  int64
	Version             int
	OperationName       string
	EntityID            string
	State               ExternalCallState
	MessageID           int64
	MsgTimestamp        time.Time
	CreationTimestamp   time.Time
	LastUpdateTimestamp time.Time
	FailedCount         int
}

// Clone returns a copy of the call.
func (c *ExternalCall) Clone() *ExternalCall {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// IsConfirmation reports whether the call tracks a confirmation.
func (c *ExternalCall) IsConfirmation() bool {
	return c != nil && c.OperationName == ConfirmationOperation
}

// AuditKind distinguishes request from response audit records.
type AuditKind string

const (
	AuditRequest  AuditKind = "REQUEST"
	AuditResponse AuditKind = "RESPONSE"
)

// AuditRecord captures a request or response exchanged for a message.
type AuditRecord struct {
	ID        int64
	MessageID int64
	Kind      AuditKind
	Target    string
	Payload   []byte
	Error     string
	Timestamp time.Time
}
