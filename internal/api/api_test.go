package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/care/fingerprint/internal/broadcast"
	"github.com/care/fingerprint/internal/core"
	"github.com/care/fingerprint/internal/correlator"
	"github.com/care/fingerprint/internal/protocol"
	"github.com/care/fingerprint/internal/status"
	"github.com/care/fingerprint/internal/store"
	"github.com/care/fingerprint/internal/transport"
)

type fakeBackend struct {
	bus  *broadcast.Broadcaster
	live *status.Store

	// onSubscribe runs right after a stream subscribes.
	onSubscribe func()

	mu       sync.Mutex
	commands []string
	cmdErr   error
	records  []store.Record
	histErr  error
	health   core.HealthStatus
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		bus:    broadcast.New(broadcast.Config{}),
		live:   status.NewStore(),
		health: core.HealthStatus{Status: "healthy"},
	}
}

func (f *fakeBackend) Status() status.Snapshot { return f.live.Get() }

func (f *fakeBackend) publish(snap status.Snapshot) {
	f.bus.Publish(f.live.Set(snap))
}

func (f *fakeBackend) Subscribe() (*broadcast.Subscription, error) {
	sub, err := f.bus.Subscribe()
	if err == nil && f.onSubscribe != nil {
		f.onSubscribe()
	}
	return sub, err
}

func (f *fakeBackend) Unsubscribe(sub *broadcast.Subscription)    { f.bus.Unsubscribe(sub) }

func (f *fakeBackend) command(kind protocol.Kind, id int) (core.CommandResult, error) {
	cmd, err := protocol.NewCommand(kind, id)
	if err != nil {
		return core.CommandResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cmdErr != nil {
		return core.CommandResult{}, f.cmdErr
	}
	f.commands = append(f.commands, cmd.String())
	return core.CommandResult{Result: correlator.Result{
		OpID:        "op-1",
		Command:     cmd,
		Token:       cmd.String(),
		AckValid:    true,
		Instruction: "ok " + cmd.String(),
		Elapsed:     1500 * time.Millisecond,
	}}, nil
}

func (f *fakeBackend) Register(_ context.Context, id int) (core.CommandResult, error) {
	return f.command(protocol.Capture, id)
}

func (f *fakeBackend) Delete(_ context.Context, id int) (core.CommandResult, error) {
	return f.command(protocol.Delete, id)
}

func (f *fakeBackend) Recent(_ context.Context, limit int) ([]store.Record, error) {
	if f.histErr != nil {
		return nil, f.histErr
	}
	if limit < len(f.records) {
		return f.records[:limit], nil
	}
	return f.records, nil
}

func (f *fakeBackend) Detections(_ context.Context, id *int) ([]store.Record, error) {
	if f.histErr != nil {
		return nil, f.histErr
	}
	out := []store.Record{}
	for _, r := range f.records {
		if id == nil || r.FingerprintID == *id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeBackend) HealthCheck(context.Context) core.HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.health
}

func (f *fakeBackend) setHealth(h string) {
	f.mu.Lock()
	f.health = core.HealthStatus{Status: h}
	f.mu.Unlock()
}

func (f *fakeBackend) Uptime() time.Duration { return 42 * time.Second }

func serve(t *testing.T, b Backend) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(New(b, ":0").Handler())
	t.Cleanup(ts.Close)
	return ts
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestStatusReturnsSnapshot(t *testing.T) {
	b := newFakeBackend()
	b.publish(status.Snapshot{State: status.Approved, ID: status.IntPtr(42)})
	ts := serve(t, b)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "approved", body["state"])
	assert.Equal(t, float64(42), body["id"])
	assert.Nil(t, body["confidence"])
}

func TestRegisterWithFormAndJSON(t *testing.T) {
	b := newFakeBackend()
	ts := serve(t, b)

	resp, err := http.PostForm(ts.URL+"/register", url.Values{"id": {"7"}})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[commandResponse](t, resp)
	assert.Equal(t, "C007", body.Token)
	assert.Equal(t, int64(1500), body.ElapsedMS)

	resp, err = http.Post(ts.URL+"/delete", "application/json", strings.NewReader(`{"id": 9}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decode[commandResponse](t, resp)
	assert.Equal(t, "D009", body.Token)

	assert.Equal(t, []string{"C007", "D009"}, b.commands)
}

func TestCommandErrorsMapToStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		form url.Values
		err  error
		code int
	}{
		{"missing id", url.Values{}, nil, http.StatusBadRequest},
		{"non numeric", url.Values{"id": {"abc"}}, nil, http.StatusBadRequest},
		{"out of range", url.Values{"id": {"128"}}, nil, http.StatusBadRequest},
		{"busy", url.Values{"id": {"1"}}, fmt.Errorf("register 1: %w", correlator.ErrOperationInProgress), http.StatusConflict},
		{"ack timeout", url.Values{"id": {"1"}}, fmt.Errorf("register 1: %w", correlator.ErrAckTimeout), http.StatusGatewayTimeout},
		{"instruction timeout", url.Values{"id": {"1"}}, correlator.ErrInstructionTimeout, http.StatusGatewayTimeout},
		{"broker down", url.Values{"id": {"1"}}, fmt.Errorf("publish: %w", transport.ErrTransport), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newFakeBackend()
			b.cmdErr = tt.err
			ts := serve(t, b)

			resp, err := http.PostForm(ts.URL+"/register", tt.form)
			require.NoError(t, err)
			assert.Equal(t, tt.code, resp.StatusCode)
			body := decode[errorResponse](t, resp)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := serve(t, newFakeBackend())

	resp, err := http.Get(ts.URL + "/register")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDetections(t *testing.T) {
	b := newFakeBackend()
	b.records = []store.Record{
		{RowID: 3, FingerprintID: 1},
		{RowID: 2, FingerprintID: 2},
		{RowID: 1, FingerprintID: 1},
	}
	ts := serve(t, b)

	resp, err := http.Get(ts.URL + "/detections?id=1")
	require.NoError(t, err)
	rows := decode[[]store.Record](t, resp)
	assert.Len(t, rows, 2)

	resp, err = http.Get(ts.URL + "/detections")
	require.NoError(t, err)
	assert.Len(t, decode[[]store.Record](t, resp), 3)

	resp, err = http.Get(ts.URL + "/detections/recent?limit=2")
	require.NoError(t, err)
	assert.Len(t, decode[[]store.Record](t, resp), 2)

	resp, err = http.Get(ts.URL + "/detections?id=x")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/detections/recent?limit=0")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDetectionsWithoutHistory(t *testing.T) {
	b := newFakeBackend()
	b.histErr = core.ErrNoHistory
	ts := serve(t, b)

	resp, err := http.Get(ts.URL + "/detections/recent")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndReadiness(t *testing.T) {
	b := newFakeBackend()
	ts := serve(t, b)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	live := decode[map[string]any](t, resp)
	assert.Equal(t, "alive", live["status"])
	assert.Equal(t, float64(42), live["uptime"])

	b.setHealth("degraded")
	resp, err = http.Get(ts.URL + "/readiness")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	b.setHealth("unhealthy")
	resp, err = http.Get(ts.URL + "/readiness")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func readEvent(t *testing.T, r *bufio.Reader) status.Snapshot {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), line)

	blank, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "\n", blank)

	var snap status.Snapshot
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &snap))
	return snap
}

func TestServerSentEvents(t *testing.T) {
	b := newFakeBackend()
	ts := serve(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	r := bufio.NewReader(resp.Body)

	first := readEvent(t, r)
	assert.Equal(t, status.Waiting, first.State)

	require.Eventually(t, func() bool { return b.bus.Len() == 1 }, time.Second, time.Millisecond)
	b.publish(status.Snapshot{State: status.Approved, ID: status.IntPtr(5)})

	next := readEvent(t, r)
	assert.Equal(t, status.Approved, next.State)
	require.NotNil(t, next.ID)
	assert.Equal(t, 5, *next.ID)

	cancel()
	require.Eventually(t, func() bool { return b.bus.Len() == 0 }, time.Second, time.Millisecond,
		"disconnect must detach the subscriber")
}

func TestServerSentEventsEndOnClose(t *testing.T) {
	b := newFakeBackend()
	ts := serve(t, b)

	resp, err := http.Get(ts.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	r := bufio.NewReader(resp.Body)
	readEvent(t, r)

	require.Eventually(t, func() bool { return b.bus.Len() == 1 }, time.Second, time.Millisecond)
	b.bus.Close()

	_, err = r.ReadString('\n')
	assert.Error(t, err, "stream should end when the broadcaster closes")
}

func TestWebSocketStream(t *testing.T) {
	b := newFakeBackend()
	ts := serve(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var snap status.Snapshot
	require.NoError(t, wsjson.Read(ctx, conn, &snap))
	assert.Equal(t, status.Waiting, snap.State)

	require.Eventually(t, func() bool { return b.bus.Len() == 1 }, time.Second, time.Millisecond)
	b.publish(status.Snapshot{State: status.Rejected})

	require.NoError(t, wsjson.Read(ctx, conn, &snap))
	assert.Equal(t, status.Rejected, snap.State)

	conn.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return b.bus.Len() == 0 }, time.Second, time.Millisecond)
}

func TestStreamsDoNotRepeatTheOpeningSnapshot(t *testing.T) {
	b := newFakeBackend()
	// An update landing between Subscribe and the opening snapshot is
	// both queued and current.
	b.onSubscribe = func() {
		b.publish(status.Snapshot{State: status.Approved, ID: status.IntPtr(8)})
	}
	ts := serve(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	t.Run("sse", func(t *testing.T) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		r := bufio.NewReader(resp.Body)

		first := readEvent(t, r)
		assert.Equal(t, status.Approved, first.State)

		b.publish(status.Snapshot{State: status.Rejected})
		next := readEvent(t, r)
		assert.Equal(t, status.Rejected, next.State, "opening snapshot was sent twice")
		assert.Greater(t, next.Seq, first.Seq)
	})

	t.Run("websocket", func(t *testing.T) {
		conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
		require.NoError(t, err)
		defer conn.CloseNow()

		var first, next status.Snapshot
		require.NoError(t, wsjson.Read(ctx, conn, &first))
		assert.Equal(t, status.Approved, first.State)

		b.publish(status.Snapshot{State: status.Waiting})
		require.NoError(t, wsjson.Read(ctx, conn, &next))
		assert.Equal(t, status.Waiting, next.State, "opening snapshot was sent twice")
		assert.Greater(t, next.Seq, first.Seq)
	})
}
