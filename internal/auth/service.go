// Package auth implements API-key authentication with sliding-window rate
// limits, opaque session tokens, and periodic key rotation.
package auth

import (
	"sync"
	"time"

	"github.com/jbeur/mcp-ble-server/internal/config"
	"github.com/jbeur/mcp-ble-server/internal/protocol"
	"github.com/jbeur/mcp-ble-server/pkg/observability"
)

// Session is an authenticated client session. Tokens are opaque random hex
// with no embedded claims.
type Session struct {
	ClientID  string
	Token     string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Service owns sessions, the key store, and the per-client rate window
type Service struct {
	cfg     config.AuthConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	keys   *keyStore
	window *rateWindow

	mu       sync.RWMutex
	sessions map[string]*Session // by clientID
	byToken  map[string]*Session

	stopCh   chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// NewService creates the auth service and starts the key rotation loop
// when an interval is configured.
func NewService(cfg config.AuthConfig, logger observability.Logger, metrics observability.MetricsClient) *Service {
	s := &Service{
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		keys:     newKeyStore(cfg.APIKeys, cfg.MaxKeys, cfg.KeyRotationInterval, cfg.MaxKeyAge, logger, metrics),
		window:   newRateWindow(cfg.RateLimit.WindowMS, cfg.RateLimit.MaxRequests),
		sessions: make(map[string]*Session),
		byToken:  make(map[string]*Session),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	if cfg.KeyRotationInterval > 0 {
		go s.rotateLoop()
	}
	return s
}

// Authenticate checks the client's rate window, validates the API key, and
// issues a fresh session token. Each call replaces any prior session for
// the client.
func (s *Service) Authenticate(clientID, apiKey string) (*Session, error) {
	if !s.window.Allow(clientID) {
		s.metrics.IncrementCounterWithLabels("auth.failures", 1, map[string]string{
			"reason": "rate_limited",
		})
		return nil, protocol.NewGatewayError(protocol.ErrCodeRateLimitExceeded, "too many authentication attempts")
	}

	if !s.keys.Valid(apiKey) {
		s.metrics.IncrementCounterWithLabels("auth.failures", 1, map[string]string{
			"reason": "invalid_key",
		})
		return nil, protocol.NewGatewayError(protocol.ErrCodeInvalidAPIKey, "invalid API key")
	}

	token, err := randomHex(32)
	if err != nil {
		return nil, protocol.NewGatewayError(protocol.ErrCodeAuthError, "failed to issue session token")
	}

	now := s.now()
	session := &Session{
		ClientID:  clientID,
		Token:     token,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.SessionDuration),
	}

	s.mu.Lock()
	if prior, ok := s.sessions[clientID]; ok {
		delete(s.byToken, prior.Token)
	}
	s.sessions[clientID] = session
	s.byToken[token] = session
	s.mu.Unlock()

	s.metrics.IncrementCounter("auth.sessions_issued", 1)
	s.logger.Debug("Session issued", map[string]interface{}{
		"client_id": clientID,
		"expires":   session.ExpiresAt.Format(time.RFC3339),
	})
	return session, nil
}

// ValidateSession resolves a token to its client, failing with
// INVALID_TOKEN for unknown tokens and SESSION_EXPIRED for expired ones.
// Expired sessions are removed on the way out.
func (s *Service) ValidateSession(token string) (string, error) {
	s.mu.RLock()
	session, ok := s.byToken[token]
	s.mu.RUnlock()

	if !ok {
		return "", protocol.NewGatewayError(protocol.ErrCodeInvalidToken, "unknown session token")
	}
	if !s.now().Before(session.ExpiresAt) {
		s.RemoveSession(session.ClientID)
		return "", protocol.NewGatewayError(protocol.ErrCodeSessionExpired, "session expired")
	}
	return session.ClientID, nil
}

// RemoveSession drops the client's session and rate-window state
func (s *Service) RemoveSession(clientID string) {
	s.mu.Lock()
	if session, ok := s.sessions[clientID]; ok {
		delete(s.byToken, session.Token)
		delete(s.sessions, clientID)
	}
	s.mu.Unlock()
	s.window.Remove(clientID)
}

// SessionFor returns the client's current session, if any
func (s *Service) SessionFor(clientID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[clientID]
	return session, ok
}

// RotateKeys replaces stale API keys and purges expired ones
func (s *Service) RotateKeys() ([]APIKeyRecord, error) {
	return s.keys.Rotate()
}

// ActiveKeys returns the currently accepted API key records
func (s *Service) ActiveKeys() []APIKeyRecord {
	return s.keys.ActiveKeys()
}

// Stop halts the rotation loop. Idempotent.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *Service) rotateLoop() {
	ticker := time.NewTicker(s.cfg.KeyRotationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.keys.Rotate(); err != nil {
				s.logger.Error("Key rotation failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}
