package gateway

import (
	"context"
	"sync"

	"github.com/jbeur/mcp-ble-server/internal/protocol"
	"github.com/jbeur/mcp-ble-server/pkg/observability"
)

// MessageHandler processes one inbound message for a client. Handlers
// return a *protocol.GatewayError when they want a specific error code on
// the wire; any other error is reported as PROCESSING_ERROR.
type MessageHandler interface {
	HandleMessage(ctx context.Context, clientID string, msg *protocol.Message) error
}

// DisconnectHandler is implemented by handlers that hold per-client state
// needing cleanup when the client goes away.
type DisconnectHandler interface {
	HandleClientDisconnect(clientID string) error
}

// HandlerRegistry routes messages by type to their registered handler
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[protocol.MessageType]MessageHandler

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewHandlerRegistry creates an empty registry
func NewHandlerRegistry(logger observability.Logger, metrics observability.MetricsClient) *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[protocol.MessageType]MessageHandler),
		logger:   logger,
		metrics:  metrics,
	}
}

// Register binds a handler to a message type, replacing any previous binding
func (r *HandlerRegistry) Register(t protocol.MessageType, h MessageHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// HandleMessage dispatches msg to its handler. A nil message or a type with
// no handler is a protocol-band error; handler errors without a protocol
// code become PROCESSING_ERROR.
func (r *HandlerRegistry) HandleMessage(ctx context.Context, clientID string, msg *protocol.Message) error {
	if msg == nil || msg.Type == "" {
		return protocol.NewGatewayError(protocol.ErrCodeInvalidMessage, "empty message")
	}

	r.mu.RLock()
	handler, ok := r.handlers[msg.Type]
	r.mu.RUnlock()

	if !ok {
		return protocol.NewGatewayError(protocol.ErrCodeInvalidMessageType, "no handler for message type")
	}

	if err := handler.HandleMessage(ctx, clientID, msg); err != nil {
		if _, typed := err.(*protocol.GatewayError); typed {
			return err
		}
		r.logger.Error("Handler failed", map[string]interface{}{
			"client_id": clientID,
			"type":      string(msg.Type),
			"error":     err.Error(),
		})
		return protocol.NewGatewayError(protocol.ErrCodeProcessingError, "message processing failed")
	}
	return nil
}

// HandleClientDisconnect notifies every unique handler that implements
// DisconnectHandler, once each, and aggregates their errors.
func (r *HandlerRegistry) HandleClientDisconnect(clientID string) error {
	r.mu.RLock()
	seen := make(map[DisconnectHandler]struct{})
	for _, h := range r.handlers {
		if dh, ok := h.(DisconnectHandler); ok {
			seen[dh] = struct{}{}
		}
	}
	r.mu.RUnlock()

	var firstErr error
	for dh := range seen {
		if err := dh.HandleClientDisconnect(clientID); err != nil {
			r.logger.Warn("Disconnect cleanup failed", map[string]interface{}{
				"client_id": clientID,
				"error":     err.Error(),
			})
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
