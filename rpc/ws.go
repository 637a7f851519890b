package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"agora/core/types"
)

const (
	wsWriteTimeout    = 10 * time.Second
	wsSubscribeBuffer = 256
)

// handleEventStream upgrades the connection and streams sequenced events as
// JSON text frames. A cursor query parameter replays the retained backlog
// after that sequence before switching to live delivery; without one the
// stream starts live.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.node == nil {
		http.Error(w, "node unavailable", http.StatusServiceUnavailable)
		return
	}
	var (
		cursor uint64
		replay bool
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = parsed
		replay = true
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	if err := s.streamEvents(r.Context(), conn, cursor, replay); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64, replay bool) error {
	subID, updates := s.node.Subscribe(wsSubscribeBuffer)
	defer s.node.Unsubscribe(subID)

	last := cursor
	if replay {
		backlog, _ := s.node.EventsSince(cursor, 0)
		for _, evt := range backlog {
			if err := writeSequencedEvent(ctx, conn, evt); err != nil {
				return err
			}
			if evt.Sequence > last {
				last = evt.Sequence
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if replay && evt.Sequence <= last {
				continue
			}
			if err := writeSequencedEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeSequencedEvent(ctx context.Context, conn *websocket.Conn, evt types.SequencedEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
