package ws

import (
	"github.com/sirupsen/logrus"

	"go_acmebot/internal/workflow"
)

// roomFor names the room of a single instance
func roomFor(instanceID string) string {
	return "workflow:" + instanceID
}

// InstanceChanged implements workflow.Observer
func (h *Hub) InstanceChanged(status workflow.Status) {
	h.server.BroadcastToNamespace(namespace, "workflow:update", status)
	h.server.BroadcastToRoom(namespace, roomFor(status.InstanceID), "workflow:status", status)

	h.logger.WithFields(logrus.Fields{
		"instance": status.InstanceID,
		"status":   status.State,
		"attempt":  status.Attempt,
	}).Debug("Workflow status broadcasted")
}
