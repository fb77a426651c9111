package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/store"
	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting chatterbox-relay",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"socket_path_prefix", cfg.SocketPathPrefix,
		"store_driver", cfg.StoreDriver,
		"auth_mode", cfg.AuthMode,
		"message_retention", cfg.MessageRetention,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", cfg.TURNREST.Enabled(),
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("ice configuration invalid; calls will fail until fixed", "err", err)
	}
	logStartupSecurityWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, store.Options{
		Driver:     string(cfg.StoreDriver),
		Path:       cfg.DatabasePath,
		SealSecret: cfg.RoomKeySealSecret,
	})
	if err != nil {
		logger.Error("failed to open store", "err", err)
		os.Exit(2)
	}
	defer st.Close()

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure socket auth", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	opts := []httpserver.Option{
		httpserver.WithStore(st),
		httpserver.WithMetrics(m),
	}
	if verifier != nil {
		opts = append(opts, httpserver.WithVerifier(verifier))
	}
	if cfg.TURNREST.Enabled() {
		gen, err := turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTLSeconds:     cfg.TURNREST.TTLSeconds,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure turn rest credentials", "err", err)
			os.Exit(2)
		}
		opts = append(opts, httpserver.WithTURNREST(gen))
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, opts...)

	sigCfg := signaling.ConfigFrom(cfg)
	sigCfg.Store = st
	sigCfg.Registry = registry.New()
	sigCfg.Logger = logger
	sigCfg.Metrics = m
	sigCfg.Verifier = verifier
	sig := signaling.NewServer(sigCfg)
	sig.RegisterRoutes(srv.Mux())

	if cfg.MessagePurgeInterval > 0 {
		go runPurger(ctx, logger, m, st, cfg.MessageRetention, cfg.MessagePurgeInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		closeSockets(logger, sig, cfg)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked sockets are not tracked by http.Server, so they are closed
	// explicitly before waiting on in-flight requests.
	if err := sig.Close(shutdownCtx); err != nil {
		logger.Error("socket shutdown incomplete", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func closeSockets(logger *slog.Logger, sig *signaling.Server, cfg config.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := sig.Close(ctx); err != nil {
		logger.Error("socket shutdown incomplete", "err", err)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info
	// (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}
