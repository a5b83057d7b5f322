package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/CareBridge/CareBridge/internal/answer"
	"github.com/CareBridge/CareBridge/internal/api"
	"github.com/CareBridge/CareBridge/internal/cache"
	"github.com/CareBridge/CareBridge/internal/channel"
	"github.com/CareBridge/CareBridge/internal/config"
	"github.com/CareBridge/CareBridge/internal/dispatch"
	"github.com/CareBridge/CareBridge/internal/genai"
	"github.com/CareBridge/CareBridge/internal/scheduler"
	"github.com/CareBridge/CareBridge/internal/store"
	"github.com/CareBridge/CareBridge/internal/sweep"
	"github.com/CareBridge/CareBridge/internal/verify"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CareBridge state data
	DefaultStateDir = "/var/lib/carebridge"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "carebridge.db"
)

func main() {
	initializeLogger()

	env := loadEnvironmentConfig()
	flags := parseCommandLineFlags(env)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	cfg := config.FromEnv()

	slog.Info("Bootstrapping CareBridge")
	if err := run(flags, cfg); err != nil {
		slog.Error("CareBridge failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CareBridge exited successfully")
}

// EnvConfig holds environment configuration
type EnvConfig struct {
	DatabaseURL   string
	WhatsAppDSN   string
	StateDir      string
	OpenAIKey     string
	APIAddr       string
	RedisAddr     string
	RedisPassword string
	RedisDB       string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	MediaBaseURL  string
	QikchatKey    string
	QikchatURL    string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDSN         *string
	whatsappDSN   *string
	openaiKey     *string
	apiAddr       *string
	redisAddr     *string
	redisPassword *string
	redisDB       *string
	twilioSID     *string
	twilioToken   *string
	twilioFrom    *string
	mediaBaseURL  *string
	qikchatKey    *string
	qikchatURL    *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() EnvConfig {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	env := EnvConfig{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		WhatsAppDSN:   os.Getenv("WHATSAPP_DB_DSN"),
		StateDir:      os.Getenv("CAREBRIDGE_STATE_DIR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		APIAddr:       os.Getenv("API_ADDR"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       os.Getenv("REDIS_DB"),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		MediaBaseURL:  os.Getenv("MEDIA_BASE_URL"),
		QikchatKey:    os.Getenv("QIKCHAT_API_KEY"),
		QikchatURL:    os.Getenv("QIKCHAT_BASE_URL"),
	}

	if env.StateDir == "" {
		env.StateDir = DefaultStateDir
		slog.Debug("No CAREBRIDGE_STATE_DIR set, using default", "default_state_dir", env.StateDir)
	}
	if env.DatabaseURL == "" {
		env.DatabaseURL = filepath.Join(env.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", env.DatabaseURL)
	}
	// The WhatsApp session store shares the main database unless overridden
	if env.WhatsAppDSN == "" {
		env.WhatsAppDSN = env.DatabaseURL
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", env.DatabaseURL != "",
		"CAREBRIDGE_STATE_DIR", env.StateDir,
		"OPENAI_API_KEY_SET", env.OpenAIKey != "",
		"API_ADDR", env.APIAddr,
		"REDIS_ADDR_SET", env.RedisAddr != "",
		"TWILIO_CONFIGURED", env.TwilioSID != "" && env.TwilioToken != "",
		"QIKCHAT_CONFIGURED", env.QikchatKey != "")

	return env
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(env EnvConfig) Flags {
	flags := Flags{
		qrOutput:      flag.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:       flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:      flag.String("state-dir", env.StateDir, "state directory for CareBridge data (overrides $CAREBRIDGE_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", env.DatabaseURL, "database DSN for the message store (overrides $DATABASE_URL)"),
		whatsappDSN:   flag.String("whatsapp-db-dsn", env.WhatsAppDSN, "database DSN for the WhatsApp session store (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:     flag.String("openai-api-key", env.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", env.APIAddr, "API server address (overrides $API_ADDR)"),
		redisAddr:     flag.String("redis-addr", env.RedisAddr, "Redis address for the activity cache (overrides $REDIS_ADDR)"),
		redisPassword: flag.String("redis-password", env.RedisPassword, "Redis password (overrides $REDIS_PASSWORD)"),
		redisDB:       flag.String("redis-db", env.RedisDB, "Redis database number (overrides $REDIS_DB)"),
		twilioSID:     flag.String("twilio-account-sid", env.TwilioSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)"),
		twilioToken:   flag.String("twilio-auth-token", env.TwilioToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)"),
		twilioFrom:    flag.String("twilio-from", env.TwilioFrom, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)"),
		mediaBaseURL:  flag.String("media-base-url", env.MediaBaseURL, "public base URL of this API, used for vendor-fetched media (overrides $MEDIA_BASE_URL)"),
		qikchatKey:    flag.String("qikchat-api-key", env.QikchatKey, "Qikchat API key (overrides $QIKCHAT_API_KEY)"),
		qikchatURL:    flag.String("qikchat-base-url", env.QikchatURL, "Qikchat base URL (overrides $QIKCHAT_BASE_URL)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"redisAddr_set", *flags.redisAddr != "")

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// buildStore constructs the message store from the DSN.
func buildStore(flags Flags) (store.Store, error) {
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildCache constructs the activity cache: Redis when configured, an
// in-process cache otherwise.
func buildCache(ctx context.Context, flags Flags, cfg *config.Config) cache.ActivityCache {
	if *flags.redisAddr == "" {
		slog.Debug("No Redis address provided, using in-memory activity cache")
		return cache.NewMemoryCache(cfg.ActivityCacheTTL)
	}
	db := 0
	if *flags.redisDB != "" {
		parsed, err := strconv.Atoi(*flags.redisDB)
		if err != nil {
			slog.Warn("Invalid REDIS_DB, using database 0", "value", *flags.redisDB)
		} else {
			db = parsed
		}
	}
	rc, err := cache.NewRedisCache(ctx, *flags.redisAddr, *flags.redisPassword, db, cfg.ActivityCacheTTL)
	if err != nil {
		slog.Error("Redis unavailable, falling back to in-memory activity cache", "error", err)
		return cache.NewMemoryCache(cfg.ActivityCacheTTL)
	}
	return rc
}

// buildAdapters constructs every channel adapter with configuration present.
func buildAdapters(flags Flags) map[string]channel.Adapter {
	adapters := make(map[string]channel.Adapter)

	waOpts := []channel.WhatsAppOption{channel.WithWhatsAppDBDSN(*flags.whatsappDSN)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, channel.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, channel.WithNumericCode())
	}
	wa, err := channel.NewWhatsAppAdapter(waOpts...)
	if err != nil {
		slog.Warn("WhatsApp adapter not started", "error", err)
	} else {
		adapters[channel.ChannelWhatsApp] = wa
	}

	if *flags.twilioSID != "" && *flags.twilioToken != "" {
		twOpts := []channel.TwilioOption{
			channel.WithTwilioCredentials(*flags.twilioSID, *flags.twilioToken),
			channel.WithTwilioFrom(*flags.twilioFrom),
		}
		if *flags.mediaBaseURL != "" {
			twOpts = append(twOpts, channel.WithTwilioMediaBaseURL(*flags.mediaBaseURL))
		}
		tw, err := channel.NewTwilioAdapter(twOpts...)
		if err != nil {
			slog.Warn("Twilio adapter not started", "error", err)
		} else {
			adapters[channel.ChannelTwilio] = tw
		}
	}

	if *flags.qikchatKey != "" {
		qcOpts := []channel.QikchatOption{channel.WithQikchatAPIKey(*flags.qikchatKey)}
		if *flags.qikchatURL != "" {
			qcOpts = append(qcOpts, channel.WithQikchatBaseURL(*flags.qikchatURL))
		}
		qc, err := channel.NewQikchatAdapter(qcOpts...)
		if err != nil {
			slog.Warn("Qikchat adapter not started", "error", err)
		} else {
			adapters[channel.ChannelQikchat] = qc
		}
	}

	return adapters
}

// run wires the modules together and serves until interrupted.
func run(flags Flags, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	ac := buildCache(ctx, flags, cfg)

	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	llm, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return err
	}

	adapters := buildAdapters(flags)
	slog.Info("Channel adapters configured", "count", len(adapters))

	gen := answer.NewGenerator(llm, nil, cfg)
	coord := verify.NewCoordinator(st, llm, ac, cfg)
	dispatcher := dispatch.NewDispatcher(st, adapters, gen, coord, llm, ac, cfg)

	sweeper := sweep.NewSweeper(st, coord, adapters, dispatcher, cfg)
	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddInterval(cfg.SweepInterval, func() { sweeper.Sweep(ctx) }); err != nil {
		return err
	}

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(st, dispatcher, adapters, cfg, apiOpts...)
	return server.Run(ctx)
}
