package ws

import (
	"context"
	"net/http"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/sirupsen/logrus"

	"go_acmebot/internal/workflow"
)

const namespace = "/"

// StatusSource looks up the current state of a workflow instance
type StatusSource interface {
	Status(ctx context.Context, id string) (workflow.Status, error)
}

// Hub pushes workflow status changes to socket.io clients. Every client
// receives workflow:update; clients that sent workflow:subscribe also get
// workflow:status for the instance they joined.
type Hub struct {
	server   *socketio.Server
	statuses StatusSource
	logger   *logrus.Entry
}

// NewHub creates the socket.io server and registers its handlers
func NewHub(statuses StatusSource, logger *logrus.Entry) *Hub {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	allowAll := func(r *http.Request) bool { return true }

	server := socketio.NewServer(&engineio.Options{
		Transports: []transport.Transport{
			&polling.Transport{CheckOrigin: allowAll},
			&websocket.Transport{CheckOrigin: allowAll},
		},
	})

	h := &Hub{
		server:   server,
		statuses: statuses,
		logger:   logger.WithField("component", "ws"),
	}

	server.OnConnect(namespace, func(s socketio.Conn) error {
		h.logger.WithField("client", s.ID()).Debug("Client connected")
		s.Emit("connected", map[string]interface{}{"ok": true})
		return nil
	})
	server.OnDisconnect(namespace, func(s socketio.Conn, reason string) {
		h.logger.WithFields(logrus.Fields{"client": s.ID(), "reason": reason}).Debug("Client disconnected")
	})
	server.OnError(namespace, func(s socketio.Conn, e error) {
		entry := h.logger.WithError(e)
		if s != nil {
			entry = entry.WithField("client", s.ID())
		}
		entry.Warn("Socket.IO error")
	})
	server.OnEvent(namespace, "workflow:subscribe", h.handleSubscribe)
	server.OnEvent(namespace, "workflow:unsubscribe", h.handleUnsubscribe)

	return h
}

// Serve runs the socket.io event loop until Close
func (h *Hub) Serve() {
	if err := h.server.Serve(); err != nil {
		h.logger.WithError(err).Error("Socket.IO server stopped")
	}
}

// Close stops the socket.io server
func (h *Hub) Close() error {
	return h.server.Close()
}

// Handler returns the JWT protected http handler for /socket.io/
func (h *Hub) Handler() http.Handler {
	return WrapWithAuth(h.server, h.logger)
}
