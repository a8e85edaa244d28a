package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/care/fingerprint/internal/broadcast"
	"github.com/care/fingerprint/internal/classifier"
	"github.com/care/fingerprint/internal/config"
	"github.com/care/fingerprint/internal/correlator"
	"github.com/care/fingerprint/internal/protocol"
	"github.com/care/fingerprint/internal/status"
	"github.com/care/fingerprint/internal/store"
	"github.com/care/fingerprint/internal/transport"
)

// History is the detection history the engine records into.
// *store.Store implements it.
type History interface {
	Enroll(ctx context.Context, fingerprintID int) (store.Record, error)
	MarkDetected(ctx context.Context, fingerprintID int) error
	DeleteFingerprint(ctx context.Context, fingerprintID int) (int, error)
	Recent(ctx context.Context, limit int) ([]store.Record, error)
	List(ctx context.Context, fingerprintID *int) ([]store.Record, error)
	Ping(ctx context.Context) error
}

// ErrNoHistory is returned by history queries when no store is configured.
var ErrNoHistory = errors.New("core: detection history disabled")

// Engine is the gateway orchestrator. It owns the live status and routes
// every received message to the correlator or the classifier.
type Engine struct {
	cfg *config.Config

	// Core components
	channel    transport.Channel
	status     *status.Store
	bus        *broadcast.Broadcaster
	correlator *correlator.Correlator
	classifier *classifier.Classifier
	history    History
	recorder   *recorder

	// publishMu orders store writes with their broadcast, so subscribers
	// see snapshots in the order they were stored.
	publishMu sync.Mutex

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
}

// New wires the engine over ch. history may be nil, which disables
// detection recording and history queries.
func New(cfg *config.Config, ch transport.Channel, history History) (*Engine, error) {
	policy, err := broadcast.ParseDropPolicy(cfg.Broadcast.DropPolicy)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		channel: ch,
		status:  status.NewStore(),
		bus: broadcast.New(broadcast.Config{
			Capacity: cfg.Broadcast.QueueCapacity,
			Policy:   policy,
		}),
		history: history,
	}

	e.correlator = correlator.New(correlator.Config{
		CommandTopic:       cfg.MQTT.Topics.Command,
		ResponseTopic:      cfg.MQTT.Topics.Response,
		PadWidth:           cfg.Protocol.PadWidth(),
		AckTimeout:         cfg.Correlator.AckTimeout,
		InstructionTimeout: cfg.Correlator.InstructionTimeout,
	}, ch, e.observeOperation)

	var rec classifier.Recorder
	if history != nil {
		e.recorder = newRecorder(history, cfg.Store.RecorderQueue)
		rec = e.recorder
	}
	e.classifier = classifier.New(e, rec)

	ch.OnMessage(e.HandleMessage)

	slog.Info("engine configured",
		"instance_id", cfg.InstanceID,
		"command_topic", cfg.MQTT.Topics.Command,
		"response_topic", cfg.MQTT.Topics.Response,
		"detection_topic", cfg.MQTT.Topics.Detection,
		"pad_width", cfg.Protocol.PadWidth(),
		"drop_policy", policy.String(),
		"queue_capacity", cfg.Broadcast.QueueCapacity,
		"history", history != nil,
	)

	return e, nil
}

// Run connects the channel, starts background workers and blocks until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine is already running")
	}
	e.isRunning = true
	e.started = time.Now()
	e.mu.Unlock()

	slog.Info("fingerprint gateway starting", "instance_id", e.cfg.InstanceID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if e.recorder != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.recorder.run(ctx)
		}()
	}

	if err := e.channel.Connect(ctx); err != nil {
		// Unwind so Run can be retried.
		cancel()
		e.wg.Wait()
		e.mu.Lock()
		e.isRunning = false
		e.mu.Unlock()
		return fmt.Errorf("failed to connect channel: %w", err)
	}

	slog.Info("fingerprint gateway running")

	<-ctx.Done()

	slog.Info("engine run loop exiting")
	return nil
}

// Shutdown stops the engine. Live subscribers are closed so their
// streams end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.isRunning {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	slog.Info("shutting down fingerprint gateway")

	// 1. Stop receiving
	if err := e.channel.Close(); err != nil {
		slog.Error("failed to close channel", "error", err)
	}

	// 2. End live streams
	e.bus.Close()

	// 3. Wait for the recorder to drain (bounded by ctx)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("shutdown deadline reached before background workers finished")
	}

	e.mu.Lock()
	uptime := time.Since(e.started)
	e.isRunning = false
	e.mu.Unlock()

	slog.Info("fingerprint gateway shutdown complete", "uptime", uptime)
	return nil
}

// HandleMessage is the receive path. It runs on the channel's dispatcher
// goroutine and never waits on subscribers or storage.
func (e *Engine) HandleMessage(msg transport.Message) {
	if e.correlator.Offer(msg) {
		return
	}

	switch msg.Topic {
	case e.cfg.MQTT.Topics.Detection:
		e.classifier.Handle(msg)
	default:
		slog.Debug("stray message ignored", "topic", msg.Topic, "payload", msg.Text())
	}
}

// Update applies fn to the live status and broadcasts the result.
func (e *Engine) Update(fn func(prev status.Snapshot) status.Snapshot) status.Snapshot {
	e.publishMu.Lock()
	defer e.publishMu.Unlock()

	snap := e.status.Update(fn)
	e.bus.Publish(snap)
	return snap
}

func (e *Engine) observeOperation(op status.OperationStatus) {
	e.Update(func(prev status.Snapshot) status.Snapshot {
		prev.Operation = &op
		return prev
	})
}

// Submit runs one command through the correlator.
func (e *Engine) Submit(ctx context.Context, cmd protocol.Command) (correlator.Result, error) {
	return e.correlator.Submit(ctx, cmd)
}

// Status returns the current snapshot.
func (e *Engine) Status() status.Snapshot {
	return e.status.Get()
}

// ActiveOperation returns the in-flight command, if any.
func (e *Engine) ActiveOperation() (status.OperationStatus, bool) {
	return e.correlator.Active()
}

// Subscribe registers a live status observer.
func (e *Engine) Subscribe() (*broadcast.Subscription, error) {
	return e.bus.Subscribe()
}

// Unsubscribe detaches sub. Idempotent.
func (e *Engine) Unsubscribe(sub *broadcast.Subscription) {
	e.bus.Unsubscribe(sub)
}

// BroadcastStats returns fan-out counters.
func (e *Engine) BroadcastStats() broadcast.Stats {
	return e.bus.Stats()
}

// Recent returns the latest recorded detections.
func (e *Engine) Recent(ctx context.Context, limit int) ([]store.Record, error) {
	if e.history == nil {
		return nil, ErrNoHistory
	}
	return e.history.Recent(ctx, limit)
}

// Detections lists the history, optionally for one fingerprint.
func (e *Engine) Detections(ctx context.Context, fingerprintID *int) ([]store.Record, error) {
	if e.history == nil {
		return nil, ErrNoHistory
	}
	return e.history.List(ctx, fingerprintID)
}

// ShutdownTimeout returns the configured graceful shutdown timeout.
func (e *Engine) ShutdownTimeout() time.Duration {
	timeout := e.cfg.ShutdownTimeout()
	if timeout == 0 {
		return 5 * time.Second
	}
	return timeout
}
