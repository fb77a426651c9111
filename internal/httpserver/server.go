package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/store"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Option func(*Server)

// WithStore enables POST /rooms.
func WithStore(st store.Store) Option { return func(s *Server) { s.store = st } }

// WithMetrics enables GET /metrics and request counters.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithTURNREST makes GET /webrtc/ice mint per-request TURN credentials.
func WithTURNREST(g *turnrest.Generator) Option { return func(s *Server) { s.turn = g } }

// WithVerifier requires credentials on /webrtc/ice and POST /rooms.
func WithVerifier(v auth.Verifier) Option { return func(s *Server) { s.verifier = v } }

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo

	store    store.Store
	metrics  *metrics.Metrics
	turn     *turnrest.Generator
	verifier auth.Verifier

	ready atomic.Bool

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, opts ...Option) *Server {
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		mux:   http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// Chat sockets are long-lived; read and write timeouts stay unset.
	}

	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
// It must only be used during startup before Serve is called.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		if err := s.cfg.ICEConfigError(); err != nil {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "error": err.Error()})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.HandleFunc("GET /webrtc/ice", s.withOriginPolicy(s.handleICE))

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.metrics))
	}

	if s.store != nil {
		s.mux.HandleFunc("POST /rooms", s.withOriginPolicy(s.handleCreateRoom))
		s.mux.HandleFunc("OPTIONS /rooms", s.withOriginPolicy(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
	}
}

type createRoomRequest struct {
	Members []string `json:"members"`
}

type createRoomResponse struct {
	ChatID  string   `json:"chatID"`
	Members []string `json:"members"`
}

// handleCreateRoom establishes the room shared by two users once they become
// friends. The caller stores the returned chatID alongside the friendship.
func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	if len(req.Members) != 2 || req.Members[0] == "" || req.Members[1] == "" || req.Members[0] == req.Members[1] {
		WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "members must name two distinct users"})
		return
	}

	if s.verifier != nil {
		id, err := auth.Authorize(s.verifier, s.cfg.AuthMode, r, "")
		if err != nil {
			s.metrics.Inc(metrics.ConnRejectedAuth)
			WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		// API keys carry no subject; JWT callers must be one of the members.
		if id.Subject != "" && id.Subject != req.Members[0] && id.Subject != req.Members[1] {
			WriteJSON(w, http.StatusForbidden, map[string]any{"error": "caller is not a member"})
			return
		}
	}

	room, err := s.store.LinkRoom(r.Context(), store.NewRoomID(), req.Members...)
	if err != nil {
		s.metrics.Inc(metrics.StoreError)
		s.log.Error("create room", "err", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "could not create room"})
		return
	}
	s.metrics.Inc(metrics.RoomCreated)
	s.log.Info("room linked", "room_id", room.ID, "members", room.Members)
	WriteJSON(w, http.StatusCreated, createRoomResponse{ChatID: room.ID, Members: room.Members})
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = uuid.NewString()
			}
			r.Header.Set("X-Request-ID", reqID)
			w.Header().Set("X-Request-ID", reqID)
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack lets the socket upgrade take over the connection through the
// logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", r.Header.Get("X-Request-ID"),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
