package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/fingerprint/internal/config"
)

var testTopics = config.MQTTTopics{
	Command:   "server/to/esp32",
	Response:  "esp32/to/server/callback",
	Detection: "esp32/to/server/actions",
}

// collector records handler invocations and flags overlapping calls.
type collector struct {
	mu       sync.Mutex
	msgs     []string
	inFlight atomic.Int32
	overlap  atomic.Bool
}

func (c *collector) handle(msg Message) {
	if c.inFlight.Add(1) > 1 {
		c.overlap.Store(true)
	}
	time.Sleep(50 * time.Microsecond)
	c.mu.Lock()
	c.msgs = append(c.msgs, msg.Text())
	c.mu.Unlock()
	c.inFlight.Add(-1)
}

func (c *collector) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.msgs...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDispatcherPreservesOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(4)
	c := &collector{}
	d.SetHandler(c.handle)
	go d.Run(ctx)

	want := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, s := range want {
		require.True(t, d.Deliver(Message{Topic: "t", Payload: []byte(s)}))
	}

	waitFor(t, func() bool { return len(c.texts()) == len(want) })
	assert.Equal(t, want, c.texts())
}

func TestDispatcherSerializesConcurrentDeliveries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(8)
	c := &collector{}
	d.SetHandler(c.handle)
	go d.Run(ctx)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				d.Deliver(Message{Topic: "t", Payload: []byte("x")})
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return len(c.texts()) == 200 })
	assert.False(t, c.overlap.Load(), "handler ran concurrently with itself")
	assert.Equal(t, uint64(200), d.Stats().Delivered)
}

func TestDispatcherSurvivesPanicAndMissingHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d := NewDispatcher(4)
	go d.Run(ctx)

	d.Deliver(Message{Topic: "t"})
	waitFor(t, func() bool { return d.Stats().Unhandled == 1 })

	var calls atomic.Int32
	d.SetHandler(func(msg Message) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	})
	d.Deliver(Message{Topic: "t"})
	d.Deliver(Message{Topic: "t"})

	waitFor(t, func() bool { return calls.Load() == 2 })
	assert.Equal(t, uint64(1), d.Stats().Panics)
}

func TestDispatcherStopsDelivering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(1)
	go d.Run(ctx)
	cancel()

	select {
	case <-d.Done():
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
	assert.False(t, d.Deliver(Message{Topic: "t"}))
}

func TestCalculateBackoff(t *testing.T) {
	cfg := config.ReconnectConfig{InitialDelay: time.Second, MaxDelay: 30 * time.Second, MaxRetries: 5}

	assert.Equal(t, 1*time.Second, calculateBackoff(1, cfg))
	assert.Equal(t, 2*time.Second, calculateBackoff(2, cfg))
	assert.Equal(t, 4*time.Second, calculateBackoff(3, cfg))
	assert.Equal(t, 16*time.Second, calculateBackoff(5, cfg))
	assert.Equal(t, 30*time.Second, calculateBackoff(6, cfg))
	assert.Equal(t, 30*time.Second, calculateBackoff(64, cfg))
}

func TestRunWithReconnectSucceedsAfterFailures(t *testing.T) {
	cfg := config.ReconnectConfig{InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, MaxRetries: 5}

	attempts := 0
	failures, err := RunWithReconnect(context.Background(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("refused")
		}
		return nil
	}, cfg)

	require.NoError(t, err)
	assert.Equal(t, 2, failures)
	assert.Equal(t, 3, attempts)
}

func TestRunWithReconnectGivesUp(t *testing.T) {
	cfg := config.ReconnectConfig{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, MaxRetries: 2}

	failures, err := RunWithReconnect(context.Background(), func(context.Context) error {
		return errors.New("refused")
	}, cfg)

	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, 3, failures)
}

func TestRunWithReconnectHonorsContext(t *testing.T) {
	cfg := config.ReconnectConfig{InitialDelay: time.Hour, MaxDelay: time.Hour, MaxRetries: 5}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := RunWithReconnect(ctx, func(context.Context) error {
		return errors.New("refused")
	}, cfg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryRouting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	pub := broker.Client()
	sub := broker.Client(testTopics.Detection)
	other := broker.Client(testTopics.Response)

	c := &collector{}
	sub.OnMessage(c.handle)
	o := &collector{}
	other.OnMessage(o.handle)

	require.NoError(t, pub.Connect(ctx))
	require.NoError(t, sub.Connect(ctx))
	require.NoError(t, other.Connect(ctx))

	require.NoError(t, pub.Publish(testTopics.Detection, []byte("ID detectado: 1")))

	waitFor(t, func() bool { return len(c.texts()) == 1 })
	assert.Equal(t, []string{"ID detectado: 1"}, c.texts())
	assert.Empty(t, o.texts())
	assert.Len(t, pub.Published(), 1)
}

func TestMemoryPublishWhileDisconnected(t *testing.T) {
	broker := NewMemoryBroker()
	c := broker.Client()

	err := c.Publish("t", []byte("x"))
	assert.ErrorIs(t, err, ErrTransport)

	require.NoError(t, c.Connect(context.Background()))
	c.SetConnected(false)
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Publish("t", []byte("x")), ErrTransport)
	assert.Empty(t, c.Published(), "failed publishes are not queued")
}

func TestMQTTPublishBeforeConnect(t *testing.T) {
	m := NewMQTT(config.MQTTConfig{Broker: "localhost:1883", PublishTimeout: time.Second})

	err := m.Publish("t", []byte("C001"))
	assert.ErrorIs(t, err, ErrTransport)
	assert.False(t, m.IsConnected())
	assert.Equal(t, uint64(1), m.Stats().Errors)
	assert.NoError(t, m.Close())
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", brokerURL("ssl://broker:8883"))
}

func TestDeviceSimulatorAnswersCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broker := NewMemoryBroker()
	device := broker.Client(testTopics.Command)
	sim := NewDeviceSimulator(device, testTopics, time.Millisecond)
	defer sim.Stop()
	require.NoError(t, device.Connect(ctx))

	controller := broker.Client(testTopics.Response, testTopics.Detection)
	c := &collector{}
	controller.OnMessage(c.handle)
	require.NoError(t, controller.Connect(ctx))

	require.NoError(t, controller.Publish(testTopics.Command, []byte("C007")))
	waitFor(t, func() bool { return len(c.texts()) == 2 })
	assert.Equal(t, []string{"ACK: C007", "Huella registrada con ID 7"}, c.texts())
	assert.True(t, sim.Enrolled(7))
	assert.Equal(t, []int{7}, sim.EnrolledIDs())

	require.NoError(t, sim.Detect(7))
	waitFor(t, func() bool { return len(c.texts()) == 3 })
	assert.Equal(t, "ID detectado: 7", c.texts()[2])
}
