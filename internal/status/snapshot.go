// Package status owns the single live status value of the gateway.
package status

import "time"

// State is the coarse result of the last sensor report.
type State string

const (
	Waiting  State = "waiting"
	Approved State = "approved"
	Rejected State = "rejected"
)

// Phase is the lifecycle step of a correlated command.
type Phase string

const (
	PhaseIdle                Phase = "idle"
	PhaseAwaitingAck         Phase = "awaiting_ack"
	PhaseAwaitingInstruction Phase = "awaiting_instruction"
	PhaseDone                Phase = "done"
	PhaseTimedOut            Phase = "timed_out"
	PhaseFailed              Phase = "failed"
)

// Active reports whether the phase still holds the single-operation slot.
func (p Phase) Active() bool {
	return p == PhaseAwaitingAck || p == PhaseAwaitingInstruction
}

// Terminal reports whether the phase ends an operation.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseTimedOut || p == PhaseFailed
}

// OperationStatus describes the current or most recent command.
type OperationStatus struct {
	OpID        string    `json:"op_id"`
	Kind        string    `json:"kind"`
	TargetID    int       `json:"target_id"`
	Token       string    `json:"token"`
	Phase       Phase     `json:"phase"`
	AckValid    *bool     `json:"ack_valid,omitempty"`
	Instruction string    `json:"instruction,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Snapshot is the complete status value. It is replaced, never patched in
// place; pointer fields point at values nobody mutates after publication.
type Snapshot struct {
	State      State            `json:"state"`
	ID         *int             `json:"id"`
	Confidence *int             `json:"confidence"`
	Operation  *OperationStatus `json:"operation,omitempty"`
	UpdatedAt  time.Time        `json:"updated_at"`
	Seq        uint64           `json:"seq"` // store write count; 0 before the first write
}

// Initial is the snapshot before any report arrives.
func Initial() Snapshot {
	return Snapshot{State: Waiting}
}

// IntPtr returns a pointer to a copy of v.
func IntPtr(v int) *int {
	return &v
}

// BoolPtr returns a pointer to a copy of v.
func BoolPtr(v bool) *bool {
	return &v
}
