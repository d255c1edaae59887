package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/flowsendhq/flowsend/internal/api"
	"github.com/flowsendhq/flowsend/internal/campaign"
	"github.com/flowsendhq/flowsend/internal/dispatch"
	"github.com/flowsendhq/flowsend/internal/flow"
	"github.com/flowsendhq/flowsend/internal/lockfile"
	"github.com/flowsendhq/flowsend/internal/messaging"
	"github.com/flowsendhq/flowsend/internal/recovery"
	"github.com/flowsendhq/flowsend/internal/scheduler"
	"github.com/flowsendhq/flowsend/internal/store"
	"github.com/flowsendhq/flowsend/internal/tracker"
	"github.com/flowsendhq/flowsend/internal/twiliowhatsapp"
	"github.com/flowsendhq/flowsend/internal/util"
	"github.com/flowsendhq/flowsend/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for FlowSend state data
	DefaultStateDir = "/var/lib/flowsend"
	// DefaultAppDBFileName is the default SQLite database filename for application data
	DefaultAppDBFileName = "flowsend.db"
	// DefaultWhatsAppDBFileName is the default SQLite database filename for the WhatsApp session store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultShutdownTimeout bounds graceful HTTP shutdown
	DefaultShutdownTimeout = 10 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("failed to lock state directory", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	if err := run(flags); err != nil {
		slog.Error("FlowSend failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("FlowSend exited successfully")
}

// run wires the modules together and blocks until a shutdown signal.
func run(flags Flags) error {
	st, err := openStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	tr := tracker.New(st)

	transport, twilioTransport, err := buildTransport(flags)
	if err != nil {
		return err
	}
	defer transport.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := dispatch.NewPool(transport, tr)
	pool.Start(ctx)
	defer pool.Stop()

	timer := flow.NewSimpleTimer()
	defer timer.Stop()

	executor := flow.NewExecutor(st, tr, timer, pool, flow.WithMediaDir(*flags.mediaDir))
	campaigns := campaign.NewService(st, tr, pool)

	if err := transport.Start(ctx); err != nil {
		return err
	}
	go executor.Listen(ctx, transport.Inbound())

	rm := recovery.NewManager()
	rm.Register(campaigns)
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Error("recovery reported errors, continuing startup", "error", err)
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddCampaignTick(*flags.tickCron, campaigns.RunRecurringTick); err != nil {
		return err
	}

	apiOpts := []api.Option{}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if twilioTransport != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhooks(twilioTransport))
	}
	srv := api.NewServer(st, campaigns, executor, apiOpts...)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}
	return nil
}

// openStore picks the persistent backend from the application DSN.
func openStore(flags Flags) (store.Store, error) {
	dsn := *flags.appDSN
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildTransport constructs the configured messaging transport. The second
// return value is non-nil only for Twilio, whose webhook handlers the API
// server mounts.
func buildTransport(flags Flags) (messaging.Transport, *messaging.TwilioTransport, error) {
	switch *flags.transport {
	case "twilio":
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		var twOpts []messaging.TwilioOption
		if *flags.twilioDeviceID != "" {
			twOpts = append(twOpts, messaging.WithTwilioDeviceID(*flags.twilioDeviceID))
		}
		t := messaging.NewTwilioTransport(client, *flags.mediaBaseURL, twOpts...)
		return t, t, nil
	default:
		waOpts := []whatsapp.Option{
			whatsapp.WithDBDSN(*flags.waDSN),
			whatsapp.WithMediaDir(*flags.mediaDir),
		}
		if *flags.qrOutput != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
		}
		if *flags.numeric {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		registry, err := whatsapp.NewRegistry(waOpts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppTransport(registry), nil, nil
	}
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	Transport        string
	TwilioDeviceID   string
	MediaDir         string
	MediaBaseURL     string
	APIAddr          string
	TickCron         string
}

// Flags holds command line flag values
type Flags struct {
	stateDir       *string
	appDSN         *string
	waDSN          *string
	transport      *string
	twilioDeviceID *string
	mediaDir       *string
	mediaBaseURL   *string
	apiAddr        *string
	tickCron       *string
	qrOutput       *string
	numeric        *bool
}

// initializeLogger sets up structured logging at the level named by
// $LOG_LEVEL (default info)
func initializeLogger() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:         os.Getenv("FLOWSEND_STATE_DIR"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		Transport:        os.Getenv("FLOWSEND_TRANSPORT"),
		TwilioDeviceID:   os.Getenv("TWILIO_DEVICE_ID"),
		MediaDir:         os.Getenv("FLOWSEND_MEDIA_DIR"),
		MediaBaseURL:     os.Getenv("FLOWSEND_MEDIA_BASE_URL"),
		APIAddr:          os.Getenv("API_ADDR"),
		TickCron:         os.Getenv("CAMPAIGN_TICK_CRON"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if config.Transport == "" {
		config.Transport = "whatsapp"
	}
	if config.MediaDir == "" {
		config.MediaDir = filepath.Join(config.StateDir, "media")
	}

	slog.Debug("environment variables loaded",
		"FLOWSEND_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDBDSN != "",
		"FLOWSEND_TRANSPORT", config.Transport,
		"FLOWSEND_MEDIA_DIR", config.MediaDir,
		"API_ADDR", config.APIAddr,
		"CAMPAIGN_TICK_CRON", config.TickCron)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for FlowSend data (overrides $FLOWSEND_STATE_DIR)"),
		appDSN:         flag.String("db-dsn", config.ApplicationDBDSN, "application database DSN (overrides $DATABASE_DSN)"),
		waDSN:          flag.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "WhatsApp session database DSN (overrides $WHATSAPP_DB_DSN)"),
		transport:      flag.String("transport", config.Transport, "messaging transport: whatsapp or twilio (overrides $FLOWSEND_TRANSPORT)"),
		twilioDeviceID: flag.String("twilio-device-id", config.TwilioDeviceID, "device identity for inbound Twilio messages, resolved to the owning tenant (overrides $TWILIO_DEVICE_ID)"),
		mediaDir:       flag.String("media-dir", config.MediaDir, "directory holding uploaded media assets (overrides $FLOWSEND_MEDIA_DIR)"),
		mediaBaseURL:   flag.String("media-base-url", config.MediaBaseURL, "public base URL for media assets, required for the twilio transport (overrides $FLOWSEND_MEDIA_BASE_URL)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		tickCron:       flag.String("tick-cron", config.TickCron, "cron expression for the recurring campaign tick (overrides $CAMPAIGN_TICK_CRON)"),
		qrOutput:       flag.String("qr-output", "", "path to write the WhatsApp login QR code"),
		numeric:        flag.Bool("numeric-code", util.ParseBoolEnv("FLOWSEND_NUMERIC_CODE", false), "use a numeric WhatsApp pairing code instead of a QR code"),
	}

	flag.Parse()

	// A relative default DSN follows an overridden state directory.
	if *flags.stateDir != config.StateDir {
		if *flags.appDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.appDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.waDSN == "file:"+filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
			*flags.waDSN = "file:" + filepath.Join(*flags.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
		if *flags.mediaDir == filepath.Join(config.StateDir, "media") {
			*flags.mediaDir = filepath.Join(*flags.stateDir, "media")
		}
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"appDSN_set", *flags.appDSN != "",
		"transport", *flags.transport,
		"mediaDir", *flags.mediaDir,
		"apiAddr", *flags.apiAddr,
		"tickCron", *flags.tickCron)

	return flags
}
