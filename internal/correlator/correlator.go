// Package correlator turns the three asynchronous messages of a sensor
// command (publish, ACK, final instruction) into one call with one result.
//
// # State machine
//
//	Idle -> AwaitingAck -> AwaitingInstruction -> Done
//	             |                 |
//	             +--> TimedOut <---+
//	             +--> Failed (publish rejected by the transport)
//
// Only one operation may be active at a time. Submit on a busy correlator
// fails with ErrOperationInProgress; nothing is queued.
//
// # Locking
//
// mu guards the pending operation and its phase. It is held only for state
// transitions: never across the publish, never while waiting. Offer runs
// on the transport's receive path and only signals buffered channels, so it
// cannot block. When a timer and a message race, whichever takes mu first
// performs the transition and the other observes the new phase.
//
// obsMu orders observer calls. It is taken while mu is still held and
// released after the observer returns, so transitions reach the observer
// in the order they happened even when the slot is reclaimed at once.
// Lock order is mu, then obsMu.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/care/fingerprint/internal/protocol"
	"github.com/care/fingerprint/internal/status"
	"github.com/care/fingerprint/internal/transport"
)

var (
	// ErrOperationInProgress is returned by Submit while another command
	// is awaiting its ACK or instruction.
	ErrOperationInProgress = errors.New("correlator: operation in progress")

	// ErrAckTimeout is returned when no ACK arrives within AckTimeout.
	ErrAckTimeout = errors.New("correlator: ack timeout")

	// ErrInstructionTimeout is returned when no instruction arrives within
	// InstructionTimeout after the ACK.
	ErrInstructionTimeout = errors.New("correlator: instruction timeout")
)

// Config bounds the waits and names the topics of the handshake.
type Config struct {
	CommandTopic       string
	ResponseTopic      string
	PadWidth           int
	AckTimeout         time.Duration
	InstructionTimeout time.Duration
}

// Observer receives every phase transition, in order, before the waiting
// Submit is released. It is called outside mu, one call at a time, and
// must not block.
type Observer func(status.OperationStatus)

// Result is the outcome of a completed command.
type Result struct {
	OpID        string
	Command     protocol.Command
	Token       string
	AckValid    bool
	AckPayload  string
	Instruction string
	Elapsed     time.Duration
}

// operation is the PendingOperation of one Submit call.
type operation struct {
	id        string
	cmd       protocol.Command
	token     string
	phase     status.Phase
	startedAt time.Time

	ackValid    bool
	ackPayload  string
	instruction string
	err         error

	// Buffered so Offer never waits on the submitter.
	ackCh         chan struct{}
	instructionCh chan struct{}
}

// Correlator runs the command handshake.
type Correlator struct {
	cfg      Config
	pub      transport.Publisher
	observer Observer

	mu      sync.Mutex
	obsMu   sync.Mutex
	pending *operation
	last    *status.OperationStatus
}

// New creates a correlator publishing through pub. observer may be nil.
func New(cfg Config, pub transport.Publisher, observer Observer) *Correlator {
	if observer == nil {
		observer = func(status.OperationStatus) {}
	}
	return &Correlator{
		cfg:      cfg,
		pub:      pub,
		observer: observer,
	}
}

// Submit publishes cmd and waits for its ACK and final instruction.
//
// Errors: ErrOperationInProgress, transport.ErrTransport (publish failed),
// ErrAckTimeout, ErrInstructionTimeout, or ctx.Err() when the caller gives
// up. Every failure after the operation starts leaves it in a terminal
// phase, so the next Submit can proceed.
func (c *Correlator) Submit(ctx context.Context, cmd protocol.Command) (Result, error) {
	op, err := c.begin(cmd)
	if err != nil {
		return Result{}, err
	}

	slog.Info("command submitted",
		"op_id", op.id,
		"token", op.token,
		"kind", cmd.Kind.String(),
	)

	if err := c.pub.Publish(c.cfg.CommandTopic, []byte(op.token)); err != nil {
		c.fail(op, status.PhaseAwaitingAck, status.PhaseFailed, err)
		return Result{}, fmt.Errorf("publish %s: %w", op.token, err)
	}

	if err := c.wait(ctx, op, op.ackCh, status.PhaseAwaitingAck, c.cfg.AckTimeout, ErrAckTimeout); err != nil {
		return Result{}, err
	}

	if err := c.wait(ctx, op, op.instructionCh, status.PhaseAwaitingInstruction, c.cfg.InstructionTimeout, ErrInstructionTimeout); err != nil {
		return Result{}, err
	}

	c.mu.Lock()
	res := Result{
		OpID:        op.id,
		Command:     op.cmd,
		Token:       op.token,
		AckValid:    op.ackValid,
		AckPayload:  op.ackPayload,
		Instruction: op.instruction,
		Elapsed:     time.Since(op.startedAt),
	}
	c.mu.Unlock()

	slog.Info("command completed",
		"op_id", res.OpID,
		"token", res.Token,
		"ack_valid", res.AckValid,
		"instruction", res.Instruction,
		"elapsed", res.Elapsed,
	)

	return res, nil
}

// begin claims the single-operation slot.
func (c *Correlator) begin(cmd protocol.Command) (*operation, error) {
	c.mu.Lock()
	if c.pending != nil {
		busy := c.pending.token
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrOperationInProgress, busy)
	}

	op := &operation{
		id:            uuid.NewString(),
		cmd:           cmd,
		token:         cmd.Token(c.cfg.PadWidth),
		phase:         status.PhaseAwaitingAck,
		startedAt:     time.Now(),
		ackCh:         make(chan struct{}, 1),
		instructionCh: make(chan struct{}, 1),
	}
	c.pending = op
	c.notifyLocked(c.recordLocked(op))
	return op, nil
}

// wait suspends until signal fires, the timer expires or ctx is done. A
// signal that loses the race against the timer is ignored because the
// phase has already moved on.
func (c *Correlator) wait(ctx context.Context, op *operation, signal <-chan struct{}, phase status.Phase, timeout time.Duration, timeoutErr error) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-signal:
		return nil

	case <-timer.C:
		if !c.fail(op, phase, status.PhaseTimedOut, timeoutErr) {
			// The message won the race; consume its signal.
			<-signal
			return nil
		}
		slog.Warn("command timed out", "op_id", op.id, "token", op.token, "phase", string(phase), "timeout", timeout)
		return fmt.Errorf("%s after %s: %w", op.token, timeout, timeoutErr)

	case <-ctx.Done():
		if !c.fail(op, phase, status.PhaseTimedOut, ctx.Err()) {
			<-signal
			return nil
		}
		slog.Warn("command wait cancelled", "op_id", op.id, "token", op.token, "phase", string(phase))
		return fmt.Errorf("%s: %w", op.token, ctx.Err())
	}
}

// fail moves op from phase `from` to a terminal phase and releases the
// slot. Returns false if op already left `from`.
func (c *Correlator) fail(op *operation, from, to status.Phase, cause error) bool {
	c.mu.Lock()
	if op.phase != from {
		c.mu.Unlock()
		return false
	}
	op.phase = to
	op.err = cause
	c.releaseLocked(op)
	c.notifyLocked(c.recordLocked(op))
	return true
}

// Offer hands a received message to the active operation. It reports
// whether the message was consumed. Safe to call from the receive path.
func (c *Correlator) Offer(msg transport.Message) bool {
	if msg.Topic != c.cfg.ResponseTopic {
		return false
	}
	payload := msg.Text()

	c.mu.Lock()
	op := c.pending
	if op == nil {
		c.mu.Unlock()
		return false
	}

	echoed, isAck := protocol.ParseAck(payload)

	switch {
	case op.phase == status.PhaseAwaitingAck && isAck:
		op.ackPayload = payload
		op.ackValid = echoed == op.token
		op.phase = status.PhaseAwaitingInstruction
		c.notifyLocked(c.recordLocked(op))

		if !op.ackValid {
			slog.Warn("ack does not match command", "op_id", op.id, "expected", op.token, "got", echoed)
		} else {
			slog.Debug("ack received", "op_id", op.id, "token", op.token)
		}
		op.ackCh <- struct{}{}
		return true

	case op.phase == status.PhaseAwaitingAck:
		c.mu.Unlock()
		return false

	case op.phase == status.PhaseAwaitingInstruction && isAck:
		c.mu.Unlock()
		slog.Debug("duplicate ack ignored", "op_id", op.id, "payload", payload)
		return true

	case op.phase == status.PhaseAwaitingInstruction:
		// Any other message is the final instruction; it carries no
		// correlation id to check against.
		op.instruction = payload
		op.phase = status.PhaseDone
		c.releaseLocked(op)
		c.notifyLocked(c.recordLocked(op))
		op.instructionCh <- struct{}{}
		return true

	default:
		c.mu.Unlock()
		return false
	}
}

// Active returns the in-flight operation, if any.
func (c *Correlator) Active() (status.OperationStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		return status.OperationStatus{}, false
	}
	return c.statusLocked(c.pending), true
}

// Last returns the most recent operation status, active or finished.
func (c *Correlator) Last() (status.OperationStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last == nil {
		return status.OperationStatus{}, false
	}
	return *c.last, true
}

// notifyLocked hands st to the observer and releases mu. Called with mu
// held.
func (c *Correlator) notifyLocked(st status.OperationStatus) {
	c.obsMu.Lock()
	c.mu.Unlock()
	defer c.obsMu.Unlock()

	c.observer(st)
}

func (c *Correlator) releaseLocked(op *operation) {
	if c.pending == op {
		c.pending = nil
	}
}

func (c *Correlator) recordLocked(op *operation) status.OperationStatus {
	st := c.statusLocked(op)
	c.last = &st
	return st
}

func (c *Correlator) statusLocked(op *operation) status.OperationStatus {
	st := status.OperationStatus{
		OpID:        op.id,
		Kind:        op.cmd.Kind.String(),
		TargetID:    op.cmd.ID,
		Token:       op.token,
		Phase:       op.phase,
		Instruction: op.instruction,
		StartedAt:   op.startedAt,
		UpdatedAt:   time.Now(),
	}
	if op.ackPayload != "" {
		st.AckValid = status.BoolPtr(op.ackValid)
	}
	if op.err != nil {
		st.Error = op.err.Error()
	}
	return st
}
