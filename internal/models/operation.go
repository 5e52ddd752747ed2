package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationStatus enumerates the lifecycle states of a queued operation.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// OperationKind identifies the logical action a queued operation applies.
type OperationKind string

const (
	KindCreateSessionToken   OperationKind = "create_session_token"
	KindUpdateSessionToken   OperationKind = "update_session_token"
	KindCompleteSessionToken OperationKind = "complete_session_token"
	KindRecordPayment        OperationKind = "record_payment"
	KindUpdateSlotState      OperationKind = "update_slot_state"
	KindGateAction           OperationKind = "gate_action"
	KindDetectionEvent       OperationKind = "detection_event"
)

// Priority orders pending operations for execution. Lower values run first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityNames = map[Priority]string{
	PriorityCritical: "critical",
	PriorityHigh:     "high",
	PriorityNormal:   "normal",
	PriorityLow:      "low",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// MarshalJSON renders the priority by name for the ops API and the journal.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParsePriority(name)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParsePriority maps a priority name to its value.
func ParsePriority(name string) (Priority, error) {
	for p, n := range priorityNames {
		if n == name {
			return p, nil
		}
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", name)
}

// QueuedOperation is the unit of work held by the sync engine.
type QueuedOperation struct {
	ID          string        `json:"id"`
	Kind        OperationKind `json:"kind"`
	Payload     Payload       `json:"payload"`
	Priority    Priority      `json:"priority"`
	Status      string        `json:"status"`
	RetryCount  int           `json:"retry_count"`
	MaxRetries  int           `json:"max_retries"`
	EnqueuedAt  time.Time     `json:"enqueued_at"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
	LastError   *string       `json:"last_error,omitempty"`
}

// Clone returns a deep-enough copy for read-only consumers. Payloads are
// immutable after enqueue, so sharing them is safe.
func (op *QueuedOperation) Clone() QueuedOperation {
	out := *op
	if op.ProcessedAt != nil {
		t := *op.ProcessedAt
		out.ProcessedAt = &t
	}
	if op.LastError != nil {
		s := *op.LastError
		out.LastError = &s
	}
	return out
}

// Terminal reports whether no further automatic transition occurs.
func (op *QueuedOperation) Terminal() bool {
	return op.Status == StatusCompleted || op.Status == StatusFailed
}

// UnmarshalJSON decodes the payload by kind so journal replay and API clients
// get concrete payload types back, not raw maps.
func (op *QueuedOperation) UnmarshalJSON(data []byte) error {
	type alias QueuedOperation
	aux := struct {
		*alias
		Payload json.RawMessage `json:"payload"`
	}{alias: (*alias)(op)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Payload) == 0 {
		return nil
	}
	payload, err := DecodePayload(op.Kind, aux.Payload)
	if err != nil {
		return err
	}
	op.Payload = payload
	return nil
}

// SyncStatus is the aggregate snapshot pushed to subscribers. It is always
// recomputed from the live record set plus the connectivity flag.
type SyncStatus struct {
	IsOnline     bool       `json:"is_online"`
	PendingCount int        `json:"pending_count"`
	FailedCount  int        `json:"failed_count"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
}
