package main

import (
	"log/slog"
	"slices"

	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.AuthMode == config.AuthModeNone {
		logger.Warn("startup security warning: AUTH_MODE=none lets any client open sockets as any user",
			"warning_code", "auth_mode_none",
			"auth_mode", cfg.AuthMode,
			"mode", cfg.Mode,
		)
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.StoreDriver == config.StoreDriverSQLite && cfg.RoomKeySealSecret == "" {
		logger.Warn("startup security warning: room keys are stored unsealed (set ROOM_KEY_SEAL_SECRET)",
			"warning_code", "room_keys_unsealed",
			"database_path", cfg.DatabasePath,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.StoreDriver != config.StoreDriverSQLite {
		logger.Warn("startup warning: in-memory store while --mode=prod (rooms and history are lost on restart)",
			"warning_code", "memory_store_in_prod",
			"store_driver", cfg.StoreDriver,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "socket_rate_unlimited_in_prod",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 4<<20 { // 4MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "socket_message_limit_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.TURNREST.Enabled() && len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: TURN REST is enabled but no ICE servers are configured",
			"warning_code", "turn_rest_without_ice_servers",
			"mode", cfg.Mode,
		)
	}
}
