// Package gateway implements the WebSocket server: connection admission,
// the per-session read/write pumps, the ingress pipeline, and message
// routing to handlers.
package gateway

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/jbeur/mcp-ble-server/internal/auth"
	"github.com/jbeur/mcp-ble-server/internal/batch"
	"github.com/jbeur/mcp-ble-server/internal/cache"
	"github.com/jbeur/mcp-ble-server/internal/config"
	"github.com/jbeur/mcp-ble-server/internal/protocol"
	"github.com/jbeur/mcp-ble-server/internal/resilience"
	"github.com/jbeur/mcp-ble-server/internal/validation"
	"github.com/jbeur/mcp-ble-server/pkg/observability"
)

// readLimitHeadroom lets a moderately oversize frame reach the ingress size
// check, which answers with MESSAGE_TOO_LARGE instead of killing the
// socket. Frames beyond maxMessageSize+readLimitHeadroom are closed at the
// transport (close code 1009): the headroom bounds how much oversize input
// the server buffers to produce the polite error.
const readLimitHeadroom = 4096

// Options carries the server's dependencies
type Options struct {
	Config       *config.Config
	Logger       observability.Logger
	Metrics      observability.MetricsClient
	Adapter      Adapter
	Cache        *cache.Cache
	PromRegistry *prometheus.Registry
	StartSpan    observability.StartSpanFunc
}

// Server owns all live sessions and the HTTP listener
type Server struct {
	cfg     *config.Config
	logger  observability.Logger
	metrics *MetricsCollector

	validator *validation.Validator
	auth      *auth.Service
	registry  *HandlerRegistry
	batcher   *batch.Batcher
	cache     *cache.Cache
	startSpan observability.StartSpanFunc
	promReg   *prometheus.Registry

	httpSrv *http.Server

	mu       sync.RWMutex
	sessions map[string]*session
	shutdown bool

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	baseCtx  context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewServer wires the server from its dependencies and registers the
// device handlers.
func NewServer(opts Options) (*Server, error) {
	if opts.Logger == nil || opts.Config == nil || opts.Metrics == nil {
		return nil, errors.New("gateway: config, logger, and metrics are required")
	}
	startSpan := opts.StartSpan
	if startSpan == nil {
		startSpan = observability.NoOpStartSpan
	}

	validator, err := validation.NewValidator(validation.NewSchemaStore(), opts.Logger, opts.Metrics)
	if err != nil {
		return nil, errors.Wrap(err, "create validator")
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		cfg:       opts.Config,
		logger:    opts.Logger.WithPrefix("gateway"),
		metrics:   NewMetricsCollector(opts.Metrics),
		validator: validator,
		auth:      auth.NewService(opts.Config.Auth, opts.Logger, opts.Metrics),
		cache:     opts.Cache,
		startSpan: startSpan,
		promReg:   opts.PromRegistry,
		sessions:  make(map[string]*session),
		limiters:  make(map[string]*rate.Limiter),
		baseCtx:   ctx,
		cancel:    cancel,
	}
	srv.registry = NewHandlerRegistry(opts.Logger, opts.Metrics)

	if opts.Config.Batching.Enabled {
		srv.batcher = batch.NewBatcher(opts.Config.Batching, srv.deliverFrame, opts.Logger, opts.Metrics)
	}

	hctx := &HandlerContext{
		send:      srv.Send,
		sendError: srv.SendErrorTo,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
	}
	breaker := resilience.NewCircuitBreaker(opts.Config.CircuitBreaker, opts.Logger, opts.Metrics)
	devices := NewDeviceHandlers(opts.Adapter, hctx, opts.Cache, breaker)
	for _, t := range []protocol.MessageType{
		protocol.TypeStartScan,
		protocol.TypeStopScan,
		protocol.TypeConnect,
		protocol.TypeDisconnect,
		protocol.TypeCharacteristicRead,
		protocol.TypeCharacteristicWrite,
	} {
		srv.registry.Register(t, devices)
	}
	return srv, nil
}

// Registry exposes the handler registry for additional registrations
func (srv *Server) Registry() *HandlerRegistry {
	return srv.registry
}

// Start binds the listener and begins serving. A bind failure is returned
// to the caller; everything after a successful bind runs in the background.
func (srv *Server) Start() error {
	router := srv.buildRouter()
	addr := fmt.Sprintf(":%d", srv.cfg.Server.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "bind %s", addr)
	}

	srv.httpSrv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	srv.logger.Info("Gateway listening", map[string]interface{}{
		"addr":            addr,
		"max_connections": srv.cfg.Server.MaxConnections,
	})

	go func() {
		if err := srv.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			srv.logger.Error("HTTP server stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

func (srv *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ws", srv.handleUpgrade)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"stats":  srv.metrics.Snapshot(),
		})
	})
	if srv.promReg != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(srv.promReg, promhttp.HandlerOpts{})))
	}
	return router
}

// handleUpgrade admits and upgrades one client connection
func (srv *Server) handleUpgrade(c *gin.Context) {
	srv.mu.RLock()
	stopping := srv.shutdown
	srv.mu.RUnlock()
	if stopping {
		srv.metrics.ConnectionRejected("shutting_down")
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	if !srv.limiterFor(c.ClientIP()).Allow() {
		srv.metrics.ConnectionRejected("rate_limited")
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}

	if int(srv.metrics.ActiveConnections()) >= srv.cfg.Server.MaxConnections {
		srv.metrics.ConnectionRejected("connection_limit")
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		srv.logger.Warn("WebSocket upgrade failed", map[string]interface{}{
			"remote": c.ClientIP(),
			"error":  err.Error(),
		})
		return
	}
	conn.SetReadLimit(srv.cfg.Server.MaxMessageSize + readLimitHeadroom)

	clientID := uuid.New().String()
	s := newSession(clientID, c.ClientIP(), conn, srv.cfg.Server.MessageQueueSize)

	srv.mu.Lock()
	if srv.shutdown {
		srv.mu.Unlock()
		s.close(websocket.StatusNormalClosure, "server shutting down")
		return
	}
	srv.sessions[clientID] = s
	srv.mu.Unlock()

	srv.metrics.ConnectionOpened()
	srv.logger.Debug("Client connected", map[string]interface{}{
		"client_id": clientID,
		"remote":    s.remote,
	})

	srv.sendDirect(s, protocol.NewMessage(protocol.TypeConnectionAck, map[string]interface{}{
		"clientId": clientID,
	}))

	go s.writePump(srv.baseCtx)
	s.readPump(srv.baseCtx, func(frame []byte) {
		srv.onFrame(srv.baseCtx, s, frame)
	}, func(readErr error) {
		srv.teardown(s, readErr)
	})
}

// limiterFor returns the per-IP admission limiter, creating it on first use
func (srv *Server) limiterFor(ip string) *rate.Limiter {
	srv.limMu.Lock()
	defer srv.limMu.Unlock()

	lim, ok := srv.limiters[ip]
	if !ok {
		rl := srv.cfg.Auth.RateLimit
		lim = rate.NewLimiter(rate.Every(rl.WindowMS/time.Duration(rl.MaxRequests)), rl.MaxRequests)
		srv.limiters[ip] = lim
	}
	return lim
}

// teardown runs once per session after its read pump exits
func (srv *Server) teardown(s *session, readErr error) {
	srv.mu.Lock()
	_, present := srv.sessions[s.id]
	delete(srv.sessions, s.id)
	srv.mu.Unlock()
	if !present {
		return
	}

	srv.metrics.ConnectionClosed()
	if srv.batcher != nil {
		srv.batcher.RemoveClient(s.id)
	}
	srv.auth.RemoveSession(s.id)
	if err := srv.registry.HandleClientDisconnect(s.id); err != nil {
		srv.logger.Warn("Disconnect handlers reported errors", map[string]interface{}{
			"client_id": s.id,
			"error":     err.Error(),
		})
	}

	fields := map[string]interface{}{"client_id": s.id}
	if readErr != nil {
		fields["reason"] = readErr.Error()
	}
	srv.logger.Debug("Client disconnected", fields)
}

// Send delivers a message to the client, through the batcher when enabled.
// ERROR and BATCH frames always bypass the batcher.
func (srv *Server) Send(clientID string, msg *protocol.Message, priority protocol.Priority) error {
	srv.mu.RLock()
	s, ok := srv.sessions[clientID]
	srv.mu.RUnlock()
	if !ok {
		srv.logger.Warn("Dropping message for unknown client", map[string]interface{}{
			"client_id": clientID,
			"type":      string(msg.Type),
		})
		return protocol.NewGatewayError(protocol.ErrCodeConnectionClosed, "client not connected")
	}

	if srv.batcher != nil && msg.Type != protocol.TypeError && msg.Type != protocol.TypeBatch {
		srv.batcher.AddMessage(clientID, msg, priority)
		return nil
	}
	return srv.sendDirect(s, msg)
}

// SendErrorTo emits an ERROR frame to the client, bypassing the batcher
func (srv *Server) SendErrorTo(clientID string, code protocol.ErrorCode, text string) {
	srv.mu.RLock()
	s, ok := srv.sessions[clientID]
	srv.mu.RUnlock()
	if !ok {
		return
	}
	srv.sendError(s, code, text)
}

// sendDirect encodes and enqueues one frame on the session
func (srv *Server) sendDirect(s *session, msg *protocol.Message) error {
	frame, err := msg.Encode()
	if err != nil {
		srv.logger.Error("Failed to encode outbound message", map[string]interface{}{
			"client_id": s.id,
			"type":      string(msg.Type),
			"error":     err.Error(),
		})
		return err
	}
	if err := s.enqueue(frame); err != nil {
		srv.logger.Warn("Dropping outbound message", map[string]interface{}{
			"client_id": s.id,
			"type":      string(msg.Type),
			"error":     err.Error(),
		})
		return err
	}
	srv.metrics.MessageSent(msg.Type)
	return nil
}

func (srv *Server) sendError(s *session, code protocol.ErrorCode, text string) {
	srv.metrics.ErrorEmitted(code)
	_ = srv.sendDirect(s, protocol.NewErrorMessage(code, text))
}

// deliverFrame is the batcher's send function: one encoded BATCH frame per
// flush, straight onto the session queue.
func (srv *Server) deliverFrame(clientID string, frame []byte) error {
	srv.mu.RLock()
	s, ok := srv.sessions[clientID]
	srv.mu.RUnlock()
	if !ok {
		return protocol.NewGatewayError(protocol.ErrCodeConnectionClosed, "client not connected")
	}
	if err := s.enqueue(frame); err != nil {
		return err
	}
	srv.metrics.MessageSent(protocol.TypeBatch)
	return nil
}

// Disconnect closes the client's socket with the given status. Session
// cleanup runs through the read pump's teardown.
func (srv *Server) Disconnect(clientID string, status websocket.StatusCode, reason string) {
	srv.mu.RLock()
	s, ok := srv.sessions[clientID]
	srv.mu.RUnlock()
	if !ok {
		return
	}
	s.close(status, reason)
}

// Auth exposes the auth service for key provisioning
func (srv *Server) Auth() *auth.Service {
	return srv.auth
}

// Stop shuts the server down: no new connections, all sessions closed with
// a normal closure, and every subsystem stopped. Idempotent.
func (srv *Server) Stop(ctx context.Context) {
	srv.stopOnce.Do(func() {
		srv.mu.Lock()
		srv.shutdown = true
		open := make([]*session, 0, len(srv.sessions))
		for _, s := range srv.sessions {
			open = append(open, s)
		}
		srv.mu.Unlock()

		for _, s := range open {
			s.close(websocket.StatusNormalClosure, "server shutting down")
		}

		if srv.httpSrv != nil {
			if err := srv.httpSrv.Shutdown(ctx); err != nil {
				srv.logger.Warn("HTTP shutdown did not complete cleanly", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}

		if srv.batcher != nil {
			srv.batcher.Stop()
		}
		srv.auth.Stop()
		if srv.cache != nil {
			srv.cache.Stop()
		}
		srv.cancel()

		srv.logger.Info("Gateway stopped", map[string]interface{}{
			"sessions_closed": len(open),
		})
	})
}
