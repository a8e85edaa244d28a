package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/care/fingerprint/internal/status"
	"github.com/care/fingerprint/internal/store"
)

// client talks to the gateway HTTP API.
type client struct {
	base string
	http *http.Client
}

// commandReply mirrors the gateway's /register and /delete body.
type commandReply struct {
	OpID        string        `json:"op_id"`
	Token       string        `json:"token"`
	AckValid    bool          `json:"ack_valid"`
	Instruction string        `json:"instruction"`
	ElapsedMS   int64         `json:"elapsed_ms"`
	Enrolled    *store.Record `json:"enrolled,omitempty"`
	Removed     int           `json:"removed,omitempty"`
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		// Commands wait for the sensor's final instruction.
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *client) command(ctx context.Context, path string, id int) (commandReply, error) {
	form := url.Values{"id": {strconv.Itoa(id)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return commandReply{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var reply commandReply
	if err := c.do(req, &reply); err != nil {
		return commandReply{}, err
	}
	return reply, nil
}

func (c *client) status(ctx context.Context) (status.Snapshot, error) {
	var snap status.Snapshot
	err := c.get(ctx, "/status", &snap)
	return snap, err
}

func (c *client) detections(ctx context.Context, id *int, recent int) ([]store.Record, error) {
	path := "/detections"
	switch {
	case recent > 0:
		path = "/detections/recent?limit=" + strconv.Itoa(recent)
	case id != nil:
		path += "?id=" + strconv.Itoa(*id)
	}

	var records []store.Record
	err := c.get(ctx, path, &records)
	return records, err
}

func (c *client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, body.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

// watch calls fn for every snapshot streamed over /ws until ctx ends or
// the server closes the stream.
func (c *client) watch(ctx context.Context, fn func(status.Snapshot)) error {
	u := "ws" + strings.TrimPrefix(c.base, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.CloseNow()

	for {
		var snap status.Snapshot
		if err := wsjson.Read(ctx, conn, &snap); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		fn(snap)
	}
}
