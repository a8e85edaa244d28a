// Package classifier interprets sensor detection reports and turns them
// into status updates.
package classifier

import (
	"errors"
	"log/slog"

	"github.com/care/fingerprint/internal/protocol"
	"github.com/care/fingerprint/internal/status"
	"github.com/care/fingerprint/internal/transport"
)

// Verdict is the result of classifying one payload.
type Verdict struct {
	State status.State
	ID    *int
	// Err explains a rejected verdict: protocol.ErrNoDetection or
	// protocol.ErrMalformedPayload.
	Err error
}

// Approved reports whether the payload named an enrolled fingerprint.
func (v Verdict) Approved() bool {
	return v.State == status.Approved
}

// Classify decides approved/rejected for a detection payload. Pure.
func Classify(payload string) Verdict {
	id, err := protocol.ParseDetection(payload)
	if err != nil {
		return Verdict{State: status.Rejected, Err: err}
	}
	return Verdict{State: status.Approved, ID: status.IntPtr(id)}
}

// Sink applies a status change atomically and makes it visible to
// observers. status.Store satisfies it; the engine wraps it to broadcast.
type Sink interface {
	Update(fn func(prev status.Snapshot) status.Snapshot) status.Snapshot
}

// Recorder receives approved detections for history. Record must not
// block; it reports whether the id was accepted.
type Recorder interface {
	Record(id int) bool
}

// Classifier applies verdicts to the live status.
type Classifier struct {
	sink     Sink
	recorder Recorder
}

// New creates a classifier. recorder may be nil.
func New(sink Sink, recorder Recorder) *Classifier {
	return &Classifier{sink: sink, recorder: recorder}
}

// Handle classifies msg, replaces the status result fields and returns the
// stored snapshot. The current operation is carried over untouched.
func (c *Classifier) Handle(msg transport.Message) status.Snapshot {
	payload := msg.Text()
	v := Classify(payload)

	switch {
	case errors.Is(v.Err, protocol.ErrMalformedPayload):
		slog.Warn("malformed detection payload", "topic", msg.Topic, "payload", payload, "error", v.Err)
	case v.Err != nil:
		slog.Debug("detection rejected", "topic", msg.Topic, "payload", payload)
	default:
		slog.Info("fingerprint detected", "id", *v.ID)
	}

	snap := c.sink.Update(func(prev status.Snapshot) status.Snapshot {
		return status.Snapshot{
			State:      v.State,
			ID:         v.ID,
			Confidence: nil,
			Operation:  prev.Operation,
		}
	})

	if v.Approved() && c.recorder != nil {
		if !c.recorder.Record(*v.ID) {
			slog.Warn("detection history backlog full, dropping record", "id", *v.ID)
		}
	}

	return snap
}
