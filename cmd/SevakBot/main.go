package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/SevakBot/internal/api"
	"github.com/BTreeMap/SevakBot/internal/broadcast"
	"github.com/BTreeMap/SevakBot/internal/conversation"
	"github.com/BTreeMap/SevakBot/internal/credstore"
	"github.com/BTreeMap/SevakBot/internal/genai"
	"github.com/BTreeMap/SevakBot/internal/inbound"
	"github.com/BTreeMap/SevakBot/internal/lockfile"
	"github.com/BTreeMap/SevakBot/internal/session"
	"github.com/BTreeMap/SevakBot/internal/status"
	"github.com/BTreeMap/SevakBot/internal/store"
	"github.com/BTreeMap/SevakBot/internal/tenantcfg"
	"github.com/BTreeMap/SevakBot/internal/twiliowhatsapp"
	"github.com/BTreeMap/SevakBot/internal/util"
	"github.com/BTreeMap/SevakBot/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SevakBot state data
	DefaultStateDir = "/var/lib/sevakbot"
	// DefaultDBFileName is the default SQLite data store filename
	DefaultDBFileName = "sevakbot.db"
	// DefaultLogLevel is used when SEVAKBOT_LOG_LEVEL is unset
	DefaultLogLevel = "info"
	// DefaultClientLogLevel is whatsmeow's own log level
	DefaultClientLogLevel = "WARN"
)

func main() {
	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		os.Exit(2)
	}
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping SevakBot", "state_dir", *flags.stateDir, "dsn_type", store.DetectDSNType(*flags.dbDSN), "api_addr", *flags.apiAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("SevakBot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SevakBot exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir       string
	DatabaseURL    string
	APIAddr        string
	AllowedOrigins string
	OpenAIKey      string
	OpenAIModel    string
	TenantsFile    string
	OperatorPhone  string
	LogLevel       string
	QRTerminal     bool
	PurgeOnLogout  bool
	MaxAttempts    int
	BroadcastMin   time.Duration
	BroadcastMax   time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	dbDSN          *string
	apiAddr        *string
	allowedOrigins *string
	openaiKey      *string
	openaiModel    *string
	tenantsFile    *string
	operatorPhone  *string
	logLevel       *string
	clientLogLevel *string
	qrOutput       *string
	qrTerminal     *bool
	purgeOnLogout  *bool
	maxAttempts    *int
	broadcastMin   *time.Duration
	broadcastMax   *time.Duration
}

// initializeLogger sets up structured logging at the requested level
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:       os.Getenv("SEVAKBOT_STATE_DIR"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		APIAddr:        os.Getenv("API_ADDR"),
		AllowedOrigins: os.Getenv("SEVAKBOT_ALLOWED_ORIGINS"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:    os.Getenv("OPENAI_MODEL"),
		TenantsFile:    os.Getenv("SEVAKBOT_TENANTS_FILE"),
		OperatorPhone:  os.Getenv("SEVAKBOT_OPERATOR_PHONE"),
		LogLevel:       os.Getenv("SEVAKBOT_LOG_LEVEL"),
		QRTerminal:     util.ParseBoolEnv("SEVAKBOT_QR_TERMINAL", false),
		PurgeOnLogout:  util.ParseBoolEnv("SEVAKBOT_PURGE_ON_LOGOUT", false),
		MaxAttempts:    util.ParseIntEnv("SEVAKBOT_MAX_RECONNECT_ATTEMPTS", session.DefaultMaxAttempts),
		BroadcastMin:   util.ParseDurationEnv("SEVAKBOT_BROADCAST_MIN_DELAY", broadcast.DefaultMinDelay),
		BroadcastMax:   util.ParseDurationEnv("SEVAKBOT_BROADCAST_MAX_DELAY", broadcast.DefaultMaxDelay),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.LogLevel == "" {
		config.LogLevel = DefaultLogLevel
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}

	slog.Debug("environment variables loaded",
		"SEVAKBOT_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"SEVAKBOT_TENANTS_FILE", config.TenantsFile,
		"TWILIO_ACCOUNT_SID_SET", os.Getenv("TWILIO_ACCOUNT_SID") != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir:       fs.String("state-dir", config.StateDir, "state directory for credentials, QR codes and the SQLite store (overrides $SEVAKBOT_STATE_DIR)"),
		dbDSN:          fs.String("db-dsn", config.DatabaseURL, "data store DSN; Postgres URL or SQLite path (overrides $DATABASE_URL, default <state-dir>/"+DefaultDBFileName+")"),
		apiAddr:        fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		allowedOrigins: fs.String("allowed-origins", config.AllowedOrigins, "comma-separated origins allowed to open the status stream (overrides $SEVAKBOT_ALLOWED_ORIGINS)"),
		openaiKey:      fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key; free-text questions are disabled without one (overrides $OPENAI_API_KEY)"),
		openaiModel:    fs.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		tenantsFile:    fs.String("tenants-file", config.TenantsFile, "TOML file with tenant profiles (overrides $SEVAKBOT_TENANTS_FILE)"),
		operatorPhone:  fs.String("operator-phone", config.OperatorPhone, "fallback number for operator alerts (overrides $SEVAKBOT_OPERATOR_PHONE)"),
		logLevel:       fs.String("log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $SEVAKBOT_LOG_LEVEL)"),
		clientLogLevel: fs.String("wa-log-level", DefaultClientLogLevel, "whatsmeow client log level"),
		qrOutput:       fs.String("qr-output", "", "directory to write per-tenant login QR codes (default <state-dir>/qr)"),
		qrTerminal:     fs.Bool("qr-terminal", config.QRTerminal, "render login QR codes in the terminal (overrides $SEVAKBOT_QR_TERMINAL)"),
		purgeOnLogout:  fs.Bool("purge-on-logout", config.PurgeOnLogout, "delete credentials when the device is logged out remotely (overrides $SEVAKBOT_PURGE_ON_LOGOUT)"),
		maxAttempts:    fs.Int("max-reconnect-attempts", config.MaxAttempts, "failed reconnects before a session needs intervention"),
		broadcastMin:   fs.Duration("broadcast-min-delay", config.BroadcastMin, "minimum gap between broadcast messages"),
		broadcastMax:   fs.Duration("broadcast-max-delay", config.BroadcastMax, "maximum gap between broadcast messages"),
	}

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	if *flags.qrOutput == "" {
		*flags.qrOutput = filepath.Join(*flags.stateDir, "qr")
	}
	if *flags.broadcastMax < *flags.broadcastMin {
		*flags.broadcastMax = *flags.broadcastMin
	}
	return flags, nil
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir, *flags.qrOutput}
	if store.DetectDSNType(*flags.dbDSN) == store.DSNTypeSQLite {
		dirs = append(dirs, filepath.Dir(*flags.dbDSN))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// run wires every module and blocks until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := ensureDirectoriesExist(flags); err != nil {
		return err
	}

	profiles, err := loadProfiles(*flags.tenantsFile)
	if err != nil {
		return err
	}

	st, err := store.Open(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open data store: %w", err)
	}
	defer st.Close()

	creds, err := credstore.New(*flags.stateDir, credstore.WithLogLevel(*flags.clientLogLevel))
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	defer creds.Close()

	hub := status.NewHub()
	dialer := whatsapp.NewDialer(creds, buildWhatsAppOptions(flags)...)
	manager := session.NewManager(dialer, creds, hub, buildSessionOptions(flags, profiles, st)...)

	engine := conversation.NewEngine(manager, st, buildConversationOptions(flags, profiles)...)
	manager.SetInboundHandler(inbound.NewNormalizer(st, st, engine))

	broadcasts := broadcast.NewEngine(manager, st, buildBroadcastOptions(flags, profiles)...)
	server := api.NewServer(manager, broadcasts, hub, buildAPIOptions(flags)...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		n, err := manager.RestoreAll(gctx, profiles.Autostart()...)
		if err != nil {
			// A bad credential directory should not take the API down with it.
			slog.Error("run: session restore failed", "error", err)
			return nil
		}
		slog.Info("run: sessions restored", "count", n)
		return nil
	})

	err = g.Wait()
	slog.Info("run: shutting down")
	broadcasts.Shutdown()
	manager.Shutdown()
	return err
}

func loadProfiles(path string) (*tenantcfg.Set, error) {
	if path == "" {
		slog.Debug("loadProfiles: no tenants file configured, using defaults")
		return nil, nil
	}
	profiles, err := tenantcfg.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant profiles: %w", err)
	}
	slog.Info("loadProfiles: tenant profiles loaded", "path", path, "count", len(profiles.All()))
	return profiles, nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.qrTerminal {
		waOpts = append(waOpts, whatsapp.WithTerminalQR())
	}
	if *flags.clientLogLevel != "" {
		waOpts = append(waOpts, whatsapp.WithClientLogLevel(*flags.clientLogLevel))
	}
	return waOpts
}

// buildSessionOptions constructs session manager options. Operator alerts
// are enabled when TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and
// TWILIO_FROM_NUMBER are all set.
func buildSessionOptions(flags Flags, profiles *tenantcfg.Set, polls session.PollRecorder) []session.Option {
	opts := []session.Option{
		session.WithPollRecorder(polls),
		session.WithPurgeOnLogout(*flags.purgeOnLogout),
	}
	if *flags.maxAttempts > 0 {
		opts = append(opts, session.WithMaxAttempts(*flags.maxAttempts))
	}
	if alerter := buildAlerter(flags, profiles); alerter != nil {
		opts = append(opts, session.WithAlerter(alerter))
	}
	return opts
}

func buildAlerter(flags Flags, profiles *tenantcfg.Set) session.Alerter {
	client, err := twiliowhatsapp.NewClient()
	if err != nil {
		slog.Info("Operator alerts disabled", "reason", err)
		return nil
	}
	return twiliowhatsapp.NewAlerter(client, profiles.OperatorPhone, *flags.operatorPhone)
}

// buildConversationOptions constructs conversation engine options. The
// free-text question menu entry needs an answer service.
func buildConversationOptions(flags Flags, profiles *tenantcfg.Set) []conversation.Option {
	opts := []conversation.Option{conversation.WithProfiles(profiles)}
	client, err := genai.NewClient(buildGenAIOptions(flags)...)
	switch {
	case errors.Is(err, genai.ErrNoAPIKey):
		slog.Info("Answer service disabled: no OpenAI API key")
	case err != nil:
		slog.Warn("Answer service disabled", "error", err)
	default:
		opts = append(opts, conversation.WithAnswerer(client))
	}
	return opts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genaiOpts
}

// buildBroadcastOptions constructs broadcast engine options
func buildBroadcastOptions(flags Flags, profiles *tenantcfg.Set) []broadcast.Option {
	return []broadcast.Option{
		broadcast.WithDelayWindow(*flags.broadcastMin, *flags.broadcastMax),
		broadcast.WithCallingCode(profiles.CallingCode),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if origins := splitList(*flags.allowedOrigins); len(origins) > 0 {
		apiOpts = append(apiOpts, api.WithAllowedOrigins(origins...))
	}
	return apiOpts
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
