package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/care/fingerprint/internal/correlator"
	"github.com/care/fingerprint/internal/protocol"
	"github.com/care/fingerprint/internal/store"
)

// CommandResult is the outcome of Register or Delete.
type CommandResult struct {
	correlator.Result

	// Enrolled is the history row written by Register.
	Enrolled *store.Record `json:"enrolled,omitempty"`
	// Removed counts the history rows dropped by Delete.
	Removed int `json:"removed"`
}

// Register captures a new template at id on the sensor and records the
// enrollment. A history failure is logged; the sensor already holds the
// template, so the command still succeeds.
func (e *Engine) Register(ctx context.Context, id int) (CommandResult, error) {
	cmd, err := protocol.NewCommand(protocol.Capture, id)
	if err != nil {
		return CommandResult{}, err
	}

	res, err := e.Submit(ctx, cmd)
	if err != nil {
		return CommandResult{}, fmt.Errorf("register %d: %w", id, err)
	}

	out := CommandResult{Result: res}
	if e.history == nil {
		return out, nil
	}

	rec, err := e.history.Enroll(ctx, id)
	if err != nil {
		slog.Error("failed to record enrollment", "id", id, "error", err)
		return out, nil
	}
	out.Enrolled = &rec
	return out, nil
}

// Delete removes the template at id from the sensor and drops its
// history rows.
func (e *Engine) Delete(ctx context.Context, id int) (CommandResult, error) {
	cmd, err := protocol.NewCommand(protocol.Delete, id)
	if err != nil {
		return CommandResult{}, err
	}

	res, err := e.Submit(ctx, cmd)
	if err != nil {
		return CommandResult{}, fmt.Errorf("delete %d: %w", id, err)
	}

	out := CommandResult{Result: res}
	if e.history == nil {
		return out, nil
	}

	n, err := e.history.DeleteFingerprint(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		slog.Info("no history rows for deleted fingerprint", "id", id)
	case err != nil:
		slog.Error("failed to delete history", "id", id, "error", err)
	default:
		out.Removed = n
	}
	return out, nil
}
