package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/chatterbox-relay/internal/origin"
)

const (
	envVarListenAddr       = "CHATTERBOX_LISTEN_ADDR"
	envVarPublicBaseURL    = "CHATTERBOX_PUBLIC_BASE_URL"
	envVarAllowedOrigins   = "ALLOWED_ORIGINS"
	envVarLogFormat        = "CHATTERBOX_LOG_FORMAT"
	envVarLogLevel         = "CHATTERBOX_LOG_LEVEL"
	envVarShutdownTimeout  = "CHATTERBOX_SHUTDOWN_TIMEOUT"
	envVarMode             = "CHATTERBOX_MODE"
	envVarSocketPathPrefix = "CHATTERBOX_SOCKET_PATH_PREFIX"

	// Storage.
	envVarStoreDriver          = "STORE_DRIVER"
	envVarDatabasePath         = "DATABASE_PATH"
	envVarRoomKeySealSecret    = "ROOM_KEY_SEAL_SECRET"
	envVarMessageRetention     = "MESSAGE_RETENTION"
	envVarMessagePurgeInterval = "MESSAGE_PURGE_INTERVAL"

	// Presence.
	envVarHeartbeatInterval = "HEARTBEAT_INTERVAL"

	// Socket auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarAPIKey                        = "API_KEY"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSendQueueBytes                = "SEND_QUEUE_BYTES"
	envVarMaxSendQueueDrops             = "MAX_SEND_QUEUE_DROPS"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	DefaultListenAddr            = "127.0.0.1:9696"
	DefaultShutdown              = 15 * time.Second
	DefaultMode             Mode = ModeDev
	DefaultSocketPathPrefix      = "/ws"

	DefaultStoreDriver  StoreDriver = StoreDriverMemory
	DefaultDatabasePath             = "chatterbox.db"
	// DefaultMessageRetention is the backlog window: older messages are not
	// delivered to connecting clients.
	DefaultMessageRetention = 14 * 24 * time.Hour

	DefaultHeartbeatInterval = 30 * time.Second

	DefaultAuthMode AuthMode = AuthModeNone

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(256 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSendQueueBytes                = 1 << 20 // 1MiB
	DefaultMaxSendQueueDrops             = 32

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "chatterbox"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type StoreDriver string

const (
	StoreDriverMemory StoreDriver = "memory"
	StoreDriverSQLite StoreDriver = "sqlite"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr       string
	PublicBaseURL    string
	AllowedOrigins   []string
	LogFormat        LogFormat
	LogLevel         slog.Level
	ShutdownTimeout  time.Duration
	Mode             Mode
	SocketPathPrefix string

	StoreDriver  StoreDriver
	DatabasePath string
	// RoomKeySealSecret, when set, seals room keys at rest.
	RoomKeySealSecret    string
	MessageRetention     time.Duration
	MessagePurgeInterval time.Duration

	HeartbeatInterval time.Duration

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SendQueueBytes                int
	MaxSendQueueDrops             int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE server configuration. It is kept off
// the Load error path so the relay still serves chat when only calls are
// misconfigured.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	socketPathPrefix := envOrDefault(lookup, envVarSocketPathPrefix, DefaultSocketPathPrefix)
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	storeDriverStr := envOrDefault(lookup, envVarStoreDriver, string(DefaultStoreDriver))
	databasePath := envOrDefault(lookup, envVarDatabasePath, DefaultDatabasePath)
	roomKeySealSecret := envOrDefault(lookup, envVarRoomKeySealSecret, "")
	messageRetention, err := envDurationOrDefault(lookup, envVarMessageRetention, DefaultMessageRetention)
	if err != nil {
		return Config{}, err
	}
	messagePurgeInterval, err := envDurationOrDefault(lookup, envVarMessagePurgeInterval, 0)
	if err != nil {
		return Config{}, err
	}

	heartbeatInterval, err := envDurationOrDefault(lookup, envVarHeartbeatInterval, DefaultHeartbeatInterval)
	if err != nil {
		return Config{}, err
	}

	authModeDefault := string(DefaultAuthMode)
	if raw, ok := lookup(envVarAuthMode); ok && strings.TrimSpace(raw) != "" {
		authModeDefault = strings.TrimSpace(raw)
	}
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueBytes, err := envIntOrDefault(lookup, envVarSendQueueBytes, DefaultSendQueueBytes)
	if err != nil {
		return Config{}, err
	}
	maxSendQueueDrops, err := envIntOrDefault(lookup, envVarMaxSendQueueDrops, DefaultMaxSendQueueDrops)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("chatterbox-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&socketPathPrefix, "socket-path-prefix", socketPathPrefix, "URL path prefix for chat sockets (env "+envVarSocketPathPrefix+")")
	fs.StringVar(&storeDriverStr, "store-driver", storeDriverStr, "Storage backend: memory or sqlite (env "+envVarStoreDriver+")")
	fs.StringVar(&databasePath, "database-path", databasePath, "SQLite database file (env "+envVarDatabasePath+")")
	fs.StringVar(&roomKeySealSecret, "room-key-seal-secret", roomKeySealSecret, "Secret used to seal room keys at rest (env "+envVarRoomKeySealSecret+")")
	fs.DurationVar(&messageRetention, "message-retention", messageRetention, "Messages older than this are not delivered in backlogs (env "+envVarMessageRetention+")")
	fs.DurationVar(&messagePurgeInterval, "message-purge-interval", messagePurgeInterval, "Delete expired messages at this interval (0 = keep; env "+envVarMessagePurgeInterval+")")
	fs.DurationVar(&heartbeatInterval, "heartbeat-interval", heartbeatInterval, "Application heartbeat interval (env "+envVarHeartbeatInterval+")")
	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Socket auth mode: none, api_key, jwt (env "+envVarAuthMode+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; "+envVarTURNRESTRealm+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle chat sockets after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on chat sockets at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound socket message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound socket messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&sendQueueBytes, "send-queue-bytes", sendQueueBytes, "Max queued outbound bytes per socket before dropping (env "+envVarSendQueueBytes+")")
	fs.IntVar(&maxSendQueueDrops, "max-send-queue-drops", maxSendQueueDrops, "Close a socket after this many consecutive dropped frames (env "+envVarMaxSendQueueDrops+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	storeDriver, err := parseStoreDriver(storeDriverStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	socketPathPrefix, err = normalizePathPrefix(socketPathPrefix)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--socket-path-prefix: %w", envVarSocketPathPrefix, err)
	}
	if storeDriver == StoreDriverSQLite && strings.TrimSpace(databasePath) == "" {
		return Config{}, fmt.Errorf("%s/--database-path is required when %s=%s", envVarDatabasePath, envVarStoreDriver, StoreDriverSQLite)
	}
	if messageRetention <= 0 {
		return Config{}, fmt.Errorf("%s/--message-retention must be > 0", envVarMessageRetention)
	}
	if messagePurgeInterval < 0 {
		return Config{}, fmt.Errorf("%s/--message-purge-interval must be >= 0", envVarMessagePurgeInterval)
	}
	if heartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--heartbeat-interval must be > 0", envVarHeartbeatInterval)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if sendQueueBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--send-queue-bytes must be > 0", envVarSendQueueBytes)
	}
	if maxSendQueueDrops <= 0 {
		return Config{}, fmt.Errorf("%s/--max-send-queue-drops must be > 0", envVarMaxSendQueueDrops)
	}
	if turnRESTTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s/--turn-rest-ttl-seconds must be > 0", envVarTURNRESTTTLSeconds)
	}

	switch authMode {
	case AuthModeAPIKey:
		if strings.TrimSpace(apiKey) == "" {
			return Config{}, fmt.Errorf("%s is required when %s=%s", envVarAPIKey, envVarAuthMode, AuthModeAPIKey)
		}
	case AuthModeJWT:
		if strings.TrimSpace(jwtSecret) == "" {
			return Config{}, fmt.Errorf("%s is required when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
		}
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--allowed-origins: %w", envVarAllowedOrigins, err)
	}

	cfg := Config{
		ListenAddr:       listenAddr,
		PublicBaseURL:    publicBaseURL,
		AllowedOrigins:   allowedOrigins,
		LogFormat:        logFormat,
		LogLevel:         level,
		ShutdownTimeout:  shutdownTimeout,
		Mode:             mode,
		SocketPathPrefix: socketPathPrefix,

		StoreDriver:          storeDriver,
		DatabasePath:         databasePath,
		RoomKeySealSecret:    roomKeySealSecret,
		MessageRetention:     messageRetention,
		MessagePurgeInterval: messagePurgeInterval,

		HeartbeatInterval: heartbeatInterval,

		AuthMode:  authMode,
		APIKey:    apiKey,
		JWTSecret: jwtSecret,

		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SendQueueBytes:                sendQueueBytes,
		MaxSendQueueDrops:             maxSendQueueDrops,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	iceServers, err := iceSource{
		JSON:           iceServersJSON,
		StunURLs:       stunURLs,
		TurnURLs:       turnURLs,
		TurnUsername:   turnUsername,
		TurnCredential: turnCredential,
		TURNREST:       cfg.TURNREST.Enabled(),
	}.servers()
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s, %s, or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeAPIKey, AuthModeJWT)
	}
}

func parseStoreDriver(raw string) (StoreDriver, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StoreDriverMemory), "mem":
		return StoreDriverMemory, nil
	case string(StoreDriverSQLite), "sqlite3":
		return StoreDriverSQLite, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarStoreDriver, raw, StoreDriverMemory, StoreDriverSQLite)
	}
}

// normalizePathPrefix returns prefix with a leading slash and no trailing
// slash. The root prefix "/" is returned as "".
func normalizePathPrefix(prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" || prefix == "/" {
		return "", nil
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimRight(prefix, "/")
	if strings.ContainsAny(prefix, "?#") {
		return "", fmt.Errorf("path prefix %q must not contain a query or fragment", prefix)
	}
	return prefix, nil
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" || entry == "null" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
