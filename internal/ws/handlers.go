package ws

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WSHandler upgrades HTTP connections to websockets speaking
// graphql-transport-ws and spawns the read/write pumps for each client.
type WSHandler struct {
	hub      *Hub
	exec     Executor
	upgrader websocket.Upgrader
	baseCtx  context.Context
	log      *slog.Logger
}

// NewWSHandler creates a handler admitting browser connections from origins.
// Operations run under ctx; cancelling it ends them on every connection.
func NewWSHandler(ctx context.Context, hub *Hub, exec Executor, origins []string, log *slog.Logger) *WSHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{
		hub:  hub,
		exec: exec,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin:     OriginChecker(origins),
		},
		baseCtx: ctx,
		log:     log.With(slog.String("component", "ws")),
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.ServeWS(w, r)
}

// ServeWS upgrades the request. Clients that do not negotiate the
// graphql-transport-ws subprotocol are closed right away.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response.
		h.log.Debug("upgrade failed", slog.Any("error", err))
		return
	}

	if conn.Subprotocol() != Subprotocol {
		frame := websocket.FormatCloseMessage(closeSubprotocolMismatch, "Subprotocol not acceptable")
		conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(writeWait)) //nolint:errcheck
		conn.Close()
		return
	}

	client := NewClient(h.baseCtx, h.hub, conn, h.exec, h.log)
	if !h.hub.Register(client) {
		client.closeWith(websocket.CloseGoingAway, "server shutting down")
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
