package gateway

import (
	"github.com/jbeur/mcp-ble-server/internal/protocol"
	"github.com/jbeur/mcp-ble-server/pkg/observability"
)

// HandlerContext is the narrow surface handlers get for talking back to
// clients. It carries closures instead of the server itself so handlers
// never hold a reference cycle back into the session layer.
type HandlerContext struct {
	send      func(clientID string, msg *protocol.Message, priority protocol.Priority) error
	sendError func(clientID string, code protocol.ErrorCode, text string)

	Logger  observability.Logger
	Metrics observability.MetricsClient
}

// Send delivers a message to the client at the given priority
func (h *HandlerContext) Send(clientID string, msg *protocol.Message, priority protocol.Priority) error {
	return h.send(clientID, msg, priority)
}

// SendError delivers an ERROR frame to the client
func (h *HandlerContext) SendError(clientID string, code protocol.ErrorCode, text string) {
	h.sendError(clientID, code, text)
}
