package ws

import (
	"context"
	"time"

	socketio "github.com/googollee/go-socket.io"
)

const lookupTimeout = 5 * time.Second

// instanceIDFrom reads {"instanceId": "..."} sent by the client
func instanceIDFrom(data interface{}) string {
	switch v := data.(type) {
	case string:
		return v
	case map[string]interface{}:
		if id, ok := v["instanceId"].(string); ok {
			return id
		}
	}
	return ""
}

// handleSubscribe joins the instance room and replies with the current status
func (h *Hub) handleSubscribe(s socketio.Conn, data interface{}) {
	id := instanceIDFrom(data)
	if id == "" {
		s.Emit("error", map[string]interface{}{"message": "instanceId is required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	status, err := h.statuses.Status(ctx, id)
	if err != nil {
		h.logger.WithError(err).WithField("instance", id).Debug("Subscribe to unknown instance")
		s.Emit("error", map[string]interface{}{"message": "workflow instance not found"})
		return
	}

	s.Join(roomFor(id))
	s.Emit("workflow:status", status)
}

func (h *Hub) handleUnsubscribe(s socketio.Conn, data interface{}) {
	if id := instanceIDFrom(data); id != "" {
		s.Leave(roomFor(id))
	}
}
