package signaling

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/store"
)

// Config wires together the runtime dependencies of the socket server.
type Config struct {
	Store    store.Store
	Registry *registry.Registry
	Logger   *slog.Logger
	Metrics  *metrics.Metrics

	// Verifier gates the upgrade. Nil accepts every request.
	Verifier auth.Verifier
	AuthMode config.AuthMode

	// AllowedOrigins follows origin.IsAllowed; empty means same host only.
	AllowedOrigins []string

	// PathPrefix is the normalized socket path prefix ("" or "/ws").
	PathPrefix string

	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	PingInterval      time.Duration
	MessageRetention  time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	SendQueueBytes       int
	MaxSendQueueDrops    int

	// Clock drives rate limiting, retention cutoffs and heartbeat stamps.
	Clock ratelimit.Clock
}

// ConfigFrom maps the process configuration onto a socket server Config.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		AuthMode:             cfg.AuthMode,
		AllowedOrigins:       cfg.AllowedOrigins,
		PathPrefix:           cfg.SocketPathPrefix,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MessageRetention:     cfg.MessageRetention,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueBytes:       cfg.SendQueueBytes,
		MaxSendQueueDrops:    cfg.MaxSendQueueDrops,
	}
}

// Server accepts chat sockets and owns their lifetime.
//
// Endpoints:
//   - GET {prefix}/{roomID}/{userID} : room-scoped chat and call socket
//   - GET {prefix}/{userID}          : user-scoped presence socket
type Server struct {
	cfg      Config
	store    store.Store
	registry *registry.Registry
	log      *slog.Logger
	metrics  *metrics.Metrics
	clock    ratelimit.Clock
	upgrader websocket.Upgrader

	relay  *messageRelay
	broker *callBroker

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup

	// heartbeats counts running heartbeat tickers.
	heartbeats atomic.Int64
}

func NewServer(cfg Config) *Server {
	cfg = withDefaults(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		store:    cfg.Store,
		registry: cfg.Registry,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		clock:    cfg.Clock,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[*Conn]struct{}),
		upgrader: websocket.Upgrader{
			// Origin is checked before Upgrade so the rejection can be
			// counted and logged.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.relay = &messageRelay{srv: s}
	s.broker = newCallBroker(s)

	s.metrics.SetGauge("open_connections", func() int64 {
		s.mu.Lock()
		defer s.mu.Unlock()
		return int64(len(s.conns))
	})
	s.metrics.SetGauge("active_calls", func() int64 { return int64(s.broker.ActiveCalls()) })
	s.metrics.SetGauge("heartbeat_timers", s.heartbeats.Load)
	return s
}

func withDefaults(cfg Config) Config {
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = config.DefaultHeartbeatInterval
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = config.DefaultSignalingWSIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = cfg.IdleTimeout / 3
	}
	if cfg.MessageRetention <= 0 {
		cfg.MessageRetention = config.DefaultMessageRetention
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = config.DefaultMaxSignalingMessageBytes
	}
	if cfg.MaxMessagesPerSecond <= 0 {
		cfg.MaxMessagesPerSecond = config.DefaultMaxSignalingMessagesPerSecond
	}
	if cfg.SendQueueBytes <= 0 {
		cfg.SendQueueBytes = config.DefaultSendQueueBytes
	}
	if cfg.MaxSendQueueDrops <= 0 {
		cfg.MaxSendQueueDrops = config.DefaultMaxSendQueueDrops
	}
	return cfg
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+s.cfg.PathPrefix+"/", s.handleSocket)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) Registry() *registry.Registry { return s.registry }

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	tgt, err := parseSocketPath(s.cfg.PathPrefix, r.URL.EscapedPath())
	if err != nil {
		s.metrics.Inc(metrics.ConnRejectedPath)
		http.NotFound(w, r)
		return
	}
	if _, ok := origin.CheckRequest(r, s.cfg.AllowedOrigins); !ok {
		s.log.Warn("socket rejected", "reason", "origin", "origin", r.Header.Get("Origin"))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if _, err := auth.Authorize(s.cfg.Verifier, s.cfg.AuthMode, r, tgt.userID); err != nil {
		s.metrics.Inc(metrics.ConnRejectedAuth)
		s.log.Warn("socket rejected", "reason", "auth", "user_id", tgt.userID, "err", err)
		status := http.StatusUnauthorized
		if errors.Is(err, auth.ErrSubjectMismatch) {
			status = http.StatusForbidden
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := s.newConn(ws, tgt)
	if !s.track(c) {
		c.terminate(websocket.CloseGoingAway, "server shutting down")
		c.teardown()
		return
	}
	defer s.untrack(c)
	c.serve()
}

func (s *Server) newConn(ws *websocket.Conn, tgt target) *Conn {
	ctx, cancel := context.WithCancel(s.ctx)
	c := &Conn{
		id:      uuid.NewString(),
		target:  tgt,
		srv:     s,
		ws:      ws,
		queue:   newSendQueue(s.cfg.SendQueueBytes),
		limiter: ratelimit.NewPerSecond(s.clock, s.cfg.MaxMessagesPerSecond),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	c.log = s.log.With("conn_id", c.id, "scope", tgt.scope.String(), "user_id", tgt.userID)
	if tgt.scope == scopeRoom {
		c.log = c.log.With("room_id", tgt.roomID)
	}
	return c
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// Close closes every open socket with CloseGoingAway and waits for their
// teardown to finish or ctx to expire.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.terminate(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) now() time.Time { return s.clock.Now() }
