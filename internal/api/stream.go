package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/care/fingerprint/internal/broadcast"
	"github.com/care/fingerprint/internal/status"
)

// handleStream serves Server-Sent Events: the current snapshot, then one
// event per update until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub, err := s.backend.Subscribe()
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.backend.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	slog.Debug("sse client attached", "subscriber", sub.ID(), "remote", r.RemoteAddr)
	defer slog.Debug("sse client detached", "subscriber", sub.ID())

	send := func(snap status.Snapshot) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	current := s.backend.Status()
	if err := send(current); err != nil {
		return
	}
	pump(r.Context(), sub, current.Seq, send)
}

// handleWebSocket streams the same snapshots as JSON text messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	sub, err := s.backend.Subscribe()
	if err != nil {
		conn.Close(websocket.StatusTryAgainLater, err.Error())
		return
	}
	defer s.backend.Unsubscribe(sub)

	// Clients only listen; CloseRead handles their close frame.
	ctx := conn.CloseRead(r.Context())

	send := func(snap status.Snapshot) error {
		return wsjson.Write(ctx, conn, snap)
	}

	current := s.backend.Status()
	if err := send(current); err != nil {
		return
	}
	if pump(ctx, sub, current.Seq, send) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

// pump forwards snapshots newer than seq until ctx ends, a send fails or
// the subscription is closed. Updates queued between Subscribe and the
// opening snapshot are already covered by it and are skipped. It reports
// whether the subscription was closed by the server.
func pump(ctx context.Context, sub *broadcast.Subscription, seq uint64, send func(status.Snapshot) error) bool {
	for {
		snap, err := sub.Next(ctx)
		if errors.Is(err, broadcast.ErrSubscriptionClosed) {
			return true
		}
		if err != nil {
			return false
		}
		if snap.Seq <= seq {
			continue
		}
		if sub.Missed() {
			slog.Debug("subscriber fell behind, updates dropped", "subscriber", sub.ID())
		}
		if err := send(snap); err != nil {
			return false
		}
	}
}
