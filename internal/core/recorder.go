package core

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const recordTimeout = 2 * time.Second

// recorder moves detection writes off the receive path. Record never
// blocks: a full queue drops the id.
type recorder struct {
	history History
	queue   chan int

	recorded atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

// RecorderStats contains history recorder counters
type RecorderStats struct {
	Recorded uint64 `json:"recorded"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
	Queued   int    `json:"queued"`
}

func newRecorder(history History, size int) *recorder {
	if size <= 0 {
		size = 32
	}
	return &recorder{
		history: history,
		queue:   make(chan int, size),
	}
}

// Record implements classifier.Recorder.
func (r *recorder) Record(id int) bool {
	select {
	case r.queue <- id:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// run drains the queue until ctx is done, then writes what is left.
func (r *recorder) run(ctx context.Context) {
	for {
		select {
		case id := <-r.queue:
			r.write(context.WithoutCancel(ctx), id)
		case <-ctx.Done():
			r.drain(context.WithoutCancel(ctx))
			return
		}
	}
}

func (r *recorder) drain(ctx context.Context) {
	for {
		select {
		case id := <-r.queue:
			r.write(ctx, id)
		default:
			return
		}
	}
}

func (r *recorder) write(ctx context.Context, id int) {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	if err := r.history.MarkDetected(ctx, id); err != nil {
		r.failed.Add(1)
		slog.Error("failed to record detection", "id", id, "error", err)
		return
	}
	r.recorded.Add(1)
	slog.Debug("detection recorded", "id", id)
}

func (r *recorder) stats() RecorderStats {
	return RecorderStats{
		Recorded: r.recorded.Load(),
		Dropped:  r.dropped.Load(),
		Failed:   r.failed.Load(),
		Queued:   len(r.queue),
	}
}
