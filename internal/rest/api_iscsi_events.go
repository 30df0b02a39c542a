package rest

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lxc/incus-os/iscsi-bridge/internal/events"
	"github.com/lxc/incus-os/iscsi-bridge/internal/rest/response"
)

var eventsUpgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// apiISCSIEvents upgrades to a websocket and sends one JSON message per initiator or node
// change until either side goes away.
func (s *Server) apiISCSIEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		_ = response.NotImplemented(nil).Render(w)

		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before upgrading so setup failures are reported as regular errors.
	stream, err := events.Stream(ctx, s.watcher, s.client.Objects())
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		_ = response.SmartError(err).Render(w)

		return
	}

	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	defer func() { _ = conn.Close() }()

	listenerID := uuid.New().String()
	logger := slog.With("listener", listenerID, "remote", r.RemoteAddr)

	logger.DebugContext(ctx, "Event listener connected")

	// The client never sends anything, reading only detects it going away.
	go func() {
		defer cancel()

		for {
			_, _, err := conn.NextReader()
			if err != nil {
				return
			}
		}
	}()

	for event := range stream {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

		err := conn.WriteJSON(event)
		if err != nil {
			logger.DebugContext(ctx, "Failed to send event", "err", err)

			break
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))

	logger.DebugContext(ctx, "Event listener disconnected")
}
