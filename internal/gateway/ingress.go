package gateway

import (
	"context"
	"time"

	"github.com/coder/websocket"

	"github.com/jbeur/mcp-ble-server/internal/protocol"
)

// rateLimitCloseDelay gives the RATE_LIMIT_EXCEEDED error frame a moment
// to flush before the socket closes.
const rateLimitCloseDelay = 100 * time.Millisecond

// onFrame runs the ingress pipeline for one inbound frame: size check,
// decode, type check, the auth branch, the auth gate, schema validation,
// and finally dispatch. Each failing step emits exactly one ERROR frame.
func (srv *Server) onFrame(ctx context.Context, s *session, frame []byte) {
	if int64(len(frame)) > srv.cfg.Server.MaxMessageSize {
		srv.sendError(s, protocol.ErrCodeMessageTooLarge, "message exceeds size limit")
		return
	}

	msg, err := protocol.Decode(frame)
	if err != nil {
		srv.sendError(s, protocol.ErrCodeInvalidMessage, "malformed message")
		return
	}
	if !msg.Type.Known() {
		srv.sendError(s, protocol.ErrCodeInvalidMessageType, "unknown message type")
		return
	}
	srv.metrics.MessageReceived(msg.Type)

	switch msg.Type {
	case protocol.TypeAuthenticate:
		srv.handleAuthenticate(s, msg)
		return
	case protocol.TypeSessionValid:
		srv.handleSessionValid(s, msg)
		return
	case protocol.TypeLogout:
		srv.handleLogout(s)
		return
	}

	if srv.cfg.Auth.Enabled {
		if !s.isAuthenticated() {
			srv.sendError(s, protocol.ErrCodeNotAuthenticated, "authentication required")
			return
		}
		// The authed flag alone is not enough: the bound token may have
		// expired since the credential exchange.
		if _, err := srv.auth.ValidateSession(s.sessionToken()); err != nil {
			s.markUnauthenticated()
			srv.sendError(s, protocol.CodeOf(err, protocol.ErrCodeNotAuthenticated), "session no longer valid")
			return
		}
	}

	if result := srv.validator.Validate(msg); !result.Valid {
		text := "invalid message"
		if len(result.Errors) > 0 {
			text = result.Errors[0]
		}
		srv.sendError(s, protocol.ErrCodeInvalidMessage, text)
		return
	}

	srv.dispatch(ctx, s, msg)
}

// dispatch hands the message to its handler, bounded by the handler
// timeout. A handler that outlives the timeout is abandoned; its eventual
// return is only logged.
func (srv *Server) dispatch(ctx context.Context, s *session, msg *protocol.Message) {
	handlerCtx, cancel := context.WithTimeout(ctx, srv.cfg.Server.HandlerTimeout)
	defer cancel()

	handlerCtx, span := srv.startSpan(handlerCtx, "gateway.dispatch")
	defer span.End()
	span.SetAttribute("client_id", s.id)
	span.SetAttribute("message_type", string(msg.Type))

	done := make(chan error, 1)
	go func() {
		done <- srv.registry.HandleMessage(handlerCtx, s.id, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			srv.sendError(s, protocol.CodeOf(err, protocol.ErrCodeProcessingError), err.Error())
		}
	case <-handlerCtx.Done():
		span.RecordError(handlerCtx.Err())
		srv.logger.Warn("Handler timed out, abandoning", map[string]interface{}{
			"client_id": s.id,
			"type":      string(msg.Type),
			"timeout":   srv.cfg.Server.HandlerTimeout.String(),
		})
		srv.sendError(s, protocol.ErrCodeProcessingError, "request timed out")
		go func() {
			if err := <-done; err != nil {
				srv.logger.Debug("Abandoned handler finished with error", map[string]interface{}{
					"client_id": s.id,
					"type":      string(msg.Type),
					"error":     err.Error(),
				})
			}
		}()
	}
}

// handleAuthenticate runs the credential exchange. A rate-limited client
// gets its error frame and then a normal closure shortly after.
func (srv *Server) handleAuthenticate(s *session, msg *protocol.Message) {
	apiKey, ok := msg.Data["apiKey"].(string)
	if !ok || apiKey == "" {
		srv.sendError(s, protocol.ErrCodeInvalidParams, "apiKey is required")
		return
	}

	session, err := srv.auth.Authenticate(s.id, apiKey)
	if err != nil {
		code := protocol.CodeOf(err, protocol.ErrCodeAuthError)
		srv.sendError(s, code, err.Error())
		if code == protocol.ErrCodeRateLimitExceeded {
			time.AfterFunc(rateLimitCloseDelay, func() {
				srv.Disconnect(s.id, websocket.StatusNormalClosure, "rate limited")
			})
		}
		return
	}

	s.markAuthenticated(session.Token)
	reply := protocol.NewMessage(protocol.TypeAuthenticated, map[string]interface{}{
		"token":     session.Token,
		"expiresIn": session.ExpiresAt.Sub(session.CreatedAt).Milliseconds(),
		"expiresAt": session.ExpiresAt.UnixMilli(),
	})
	srv.sendDirect(s, reply)
}

// handleSessionValid re-checks a presented token. An invalid or expired
// token flips the session back to unauthenticated.
func (srv *Server) handleSessionValid(s *session, msg *protocol.Message) {
	token, ok := msg.Data["token"].(string)
	if !ok || token == "" {
		srv.sendError(s, protocol.ErrCodeInvalidParams, "token is required")
		return
	}

	clientID, err := srv.auth.ValidateSession(token)
	if err != nil || clientID != s.id {
		s.markUnauthenticated()
		code := protocol.ErrCodeInvalidToken
		if err != nil {
			code = protocol.CodeOf(err, protocol.ErrCodeInvalidToken)
		}
		srv.sendError(s, code, "session invalid")
		return
	}

	reply := protocol.NewMessage(protocol.TypeSessionValid, map[string]interface{}{
		"valid": true,
	})
	srv.sendDirect(s, reply)
}

func (srv *Server) handleLogout(s *session) {
	srv.auth.RemoveSession(s.id)
	s.markUnauthenticated()
	srv.sendDirect(s, protocol.NewMessage(protocol.TypeLoggedOut, nil))
}
