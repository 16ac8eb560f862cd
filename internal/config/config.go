package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
)

const (
	envVarControlPlaneURL = "OPENBOOK_CALL_CONTROL_PLANE_URL"
	envVarSignalingWSURL  = "OPENBOOK_CALL_SIGNALING_WS_URL"
	envVarClientID        = "OPENBOOK_CALL_CLIENT_ID"
	envVarListenAddr      = "OPENBOOK_CALL_DEBUG_LISTEN_ADDR"
	envVarLogFormat       = "OPENBOOK_CALL_LOG_FORMAT"
	envVarLogLevel        = "OPENBOOK_CALL_LOG_LEVEL"
	envVarMode            = "OPENBOOK_CALL_MODE"
	envVarShutdownTimeout = "OPENBOOK_CALL_SHUTDOWN_TIMEOUT"
	envVarAutoAnswer      = "OPENBOOK_CALL_AUTO_ANSWER"

	// Auth towards the control plane and the signaling WebSocket.
	envVarAuthMode  = "OPENBOOK_CALL_AUTH_MODE"
	envVarAPIKey    = "OPENBOOK_CALL_API_KEY"
	envVarJWTSecret = "OPENBOOK_CALL_JWT_SECRET"
	envVarTokenTTL  = "OPENBOOK_CALL_TOKEN_TTL"

	// Engine timing knobs.
	envVarTransportReadyTimeout      = "OPENBOOK_CALL_TRANSPORT_READY_TIMEOUT"
	envVarTransportReadyPollInterval = "OPENBOOK_CALL_TRANSPORT_READY_POLL_INTERVAL"
	envVarOfferWaitTimeout           = "OPENBOOK_CALL_OFFER_WAIT_TIMEOUT"
	envVarControlPlaneTimeout        = "OPENBOOK_CALL_CONTROL_PLANE_TIMEOUT"

	// WebSocket hardening.
	envVarWSIdleTimeout           = "OPENBOOK_CALL_WS_IDLE_TIMEOUT"
	envVarWSPingInterval          = "OPENBOOK_CALL_WS_PING_INTERVAL"
	envVarMaxSignalingMsgBytes    = "OPENBOOK_CALL_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMsgsPerSec  = "OPENBOOK_CALL_MAX_SIGNALING_MESSAGES_PER_SECOND"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "OPENBOOK_CALL_TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "OPENBOOK_CALL_TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "OPENBOOK_CALL_TURN_REST_USERNAME_PREFIX"
)

const (
	DefaultListenAddr = "127.0.0.1:8089"
	DefaultShutdown   = 15 * time.Second

	DefaultMode Mode = ModeDev

	// DefaultTransportReadyTimeout bounds how long initiateCall/answerCall wait
	// for the signaling channel before failing deterministically.
	DefaultTransportReadyTimeout      = 15 * time.Second
	DefaultTransportReadyPollInterval = 500 * time.Millisecond
	// DefaultOfferWaitTimeout bounds how long answerCall waits for the remote
	// offer to arrive when it was not embedded in the incoming-call payload.
	DefaultOfferWaitTimeout    = 15 * time.Second
	DefaultControlPlaneTimeout = 10 * time.Second

	DefaultWSIdleTimeout                 = 60 * time.Second
	DefaultWSPingInterval                = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50

	DefaultAuthMode AuthMode = AuthModeNone
	DefaultTokenTTL          = 1 * time.Hour

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "openbook"
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

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	// ControlPlaneURL is the base URL of the call lifecycle REST API
	// (initiate/accept/reject/end).
	ControlPlaneURL string
	// SignalingWSURL is the WebSocket URL of the realtime signaling channel.
	SignalingWSURL string
	// ClientID identifies this agent towards the backend. Defaults to a random
	// UUID per process when unset.
	ClientID string

	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	// AutoAnswer makes the agent answer every incoming call immediately instead
	// of waiting for an explicit answer action. Intended for dev loopback rigs.
	AutoAnswer bool

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string
	TokenTTL  time.Duration

	TransportReadyTimeout      time.Duration
	TransportReadyPollInterval time.Duration
	OfferWaitTimeout           time.Duration
	ControlPlaneTimeout        time.Duration

	WSIdleTimeout                 time.Duration
	WSPingInterval                time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int

	ICEServers []webrtc.ICEServer
	TurnREST   TurnRESTConfig
}

// Load parses configuration from a .env file (if present), the environment,
// and command-line flags, with flags taking precedence.
func Load(args []string) (Config, error) {
	_ = godotenv.Load()
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, _ := lookup(envVarLogFormat)
	logFormatDefault := envLogFormat
	if logFormatDefault == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, _ := lookup(envVarLogLevel)
	logLevelDefault := envLogLevel
	if logLevelDefault == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	controlPlaneURL := envOrDefault(lookup, envVarControlPlaneURL, "")
	signalingWSURL := envOrDefault(lookup, envVarSignalingWSURL, "")
	clientID := envOrDefault(lookup, envVarClientID, "")
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	autoAnswer := false
	if raw, ok := lookup(envVarAutoAnswer); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarAutoAnswer, raw, err)
		}
		autoAnswer = v
	}

	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

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

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	transportReadyTimeout, err := envDurationOrDefault(lookup, envVarTransportReadyTimeout, DefaultTransportReadyTimeout)
	if err != nil {
		return Config{}, err
	}
	transportReadyPollInterval, err := envDurationOrDefault(lookup, envVarTransportReadyPollInterval, DefaultTransportReadyPollInterval)
	if err != nil {
		return Config{}, err
	}
	offerWaitTimeout, err := envDurationOrDefault(lookup, envVarOfferWaitTimeout, DefaultOfferWaitTimeout)
	if err != nil {
		return Config{}, err
	}
	controlPlaneTimeout, err := envDurationOrDefault(lookup, envVarControlPlaneTimeout, DefaultControlPlaneTimeout)
	if err != nil {
		return Config{}, err
	}
	tokenTTL, err := envDurationOrDefault(lookup, envVarTokenTTL, DefaultTokenTTL)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMsgBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMsgBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMsgsPerSec, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("openbook-call-agent", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		authModeStr  string
	)

	fs.StringVar(&controlPlaneURL, "control-plane-url", controlPlaneURL, "Base URL of the call lifecycle REST API (env "+envVarControlPlaneURL+")")
	fs.StringVar(&signalingWSURL, "signaling-ws-url", signalingWSURL, "WebSocket URL of the signaling channel (env "+envVarSignalingWSURL+")")
	fs.StringVar(&clientID, "client-id", clientID, "Stable client identifier (env "+envVarClientID+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Debug/metrics HTTP listen address (host:port)")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.BoolVar(&autoAnswer, "auto-answer", autoAnswer, "Answer every incoming call immediately (env "+envVarAutoAnswer+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.DurationVar(&transportReadyTimeout, "transport-ready-timeout", transportReadyTimeout, "Max time to wait for the signaling channel before failing a call attempt (env "+envVarTransportReadyTimeout+")")
	fs.DurationVar(&transportReadyPollInterval, "transport-ready-poll-interval", transportReadyPollInterval, "Poll interval while waiting for signaling readiness (env "+envVarTransportReadyPollInterval+")")
	fs.DurationVar(&offerWaitTimeout, "offer-wait-timeout", offerWaitTimeout, "Max time answerCall waits for the remote offer (env "+envVarOfferWaitTimeout+")")
	fs.DurationVar(&controlPlaneTimeout, "control-plane-timeout", controlPlaneTimeout, "Per-request control plane HTTP timeout (env "+envVarControlPlaneTimeout+")")
	fs.StringVar(&authModeStr, "auth-mode", string(DefaultAuthMode), "Auth mode: none, api_key or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")

	if envAuthMode, ok := lookup(envVarAuthMode); ok && strings.TrimSpace(envAuthMode) != "" {
		authModeStr = strings.TrimSpace(envAuthMode)
	}

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	if controlPlaneURL != "" {
		if err := validateHTTPURL(envVarControlPlaneURL, controlPlaneURL); err != nil {
			return Config{}, err
		}
	}
	if signalingWSURL != "" {
		if err := validateWSURL(envVarSignalingWSURL, signalingWSURL); err != nil {
			return Config{}, err
		}
	}
	switch authMode {
	case AuthModeAPIKey:
		if apiKey == "" {
			return Config{}, fmt.Errorf("%s=api_key requires %s", envVarAuthMode, envVarAPIKey)
		}
	case AuthModeJWT:
		if jwtSecret == "" {
			return Config{}, fmt.Errorf("%s=jwt requires %s", envVarAuthMode, envVarJWTSecret)
		}
	}
	if transportReadyPollInterval <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarTransportReadyPollInterval)
	}
	if transportReadyTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarTransportReadyTimeout)
	}
	if offerWaitTimeout <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarOfferWaitTimeout)
	}
	if turnRESTSharedSecret != "" && turnRESTTTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarTURNRESTTTLSeconds)
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential, turnRESTSharedSecret != "")
	if err != nil {
		return Config{}, err
	}

	if clientID == "" {
		clientID = uuid.NewString()
	}

	return Config{
		ControlPlaneURL:            controlPlaneURL,
		SignalingWSURL:             signalingWSURL,
		ClientID:                   clientID,
		ListenAddr:                 listenAddr,
		Mode:                       mode,
		LogFormat:                  logFormat,
		LogLevel:                   logLevel,
		ShutdownTimeout:            shutdownTimeout,
		AutoAnswer:                 autoAnswer,
		AuthMode:                   authMode,
		APIKey:                     apiKey,
		JWTSecret:                  jwtSecret,
		TokenTTL:                   tokenTTL,
		TransportReadyTimeout:      transportReadyTimeout,
		TransportReadyPollInterval: transportReadyPollInterval,
		OfferWaitTimeout:           offerWaitTimeout,
		ControlPlaneTimeout:        controlPlaneTimeout,
		WSIdleTimeout:              wsIdleTimeout,
		WSPingInterval:             wsPingInterval,
		MaxSignalingMessageBytes:   maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		ICEServers: iceServers,
		TurnREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
		},
	}, nil
}

// NewLogger builds the process-wide slog logger from Config.
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
	if raw, ok := lookup(key); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	if raw, ok := lookup(key); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
		}
		return d, nil
	}
	return fallback, nil
}

func defaultLogFormatForMode(mode string) string {
	if mode == string(ModeProd) {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if mode == string(ModeProd) {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported mode %q (want dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q (want text or json)", raw)
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
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch AuthMode(strings.ToLower(strings.TrimSpace(raw))) {
	case AuthModeNone:
		return AuthModeNone, nil
	case AuthModeAPIKey:
		return AuthModeAPIKey, nil
	case AuthModeJWT:
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("unsupported auth mode %q (want none, api_key or jwt)", raw)
	}
}

func validateHTTPURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid %s %q: scheme must be http or https", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s %q: missing host", name, raw)
	}
	return nil
}

func validateWSURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid %s %q: scheme must be ws or wss", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s %q: missing host", name, raw)
	}
	return nil
}
