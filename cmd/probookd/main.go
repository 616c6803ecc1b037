package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/probook/internal/gateway/omisegateway"
	"github.com/MarkoPoloResearchLab/probook/internal/httpserver"
	"github.com/MarkoPoloResearchLab/probook/internal/notify"
	"github.com/MarkoPoloResearchLab/probook/internal/scheduler"
	"github.com/MarkoPoloResearchLab/probook/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/probook/pkg/booking"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagAMQPURL        = "amqp-url"
	flagAMQPExchange   = "amqp-exchange"
	flagOmisePublicKey = "omise-public-key"
	flagOmiseSecretKey = "omise-secret-key"
	flagOmiseCurrency  = "omise-currency"
	flagJWTSigningKey  = "jwt-signing-key"
	flagJWTIssuer      = "jwt-issuer"
	flagAllowedOrigins = "allowed-origins"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyAMQPURL        = "amqp_url"
	configKeyAMQPExchange   = "amqp_exchange"
	configKeyOmisePublicKey = "omise_public_key"
	configKeyOmiseSecretKey = "omise_secret_key"
	configKeyOmiseCurrency  = "omise_currency"
	configKeyJWTSigningKey  = "jwt_signing_key"
	configKeyJWTIssuer      = "jwt_issuer"
	configKeyAllowedOrigins = "allowed_origins"

	defaultDatabaseURL  = "sqlite:///tmp/probook.db"
	defaultListenAddr   = ":8080"
	defaultAMQPExchange = "probook.events"
	defaultJWTIssuer    = "probook"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	AMQPURL        string
	AMQPExchange   string
	OmisePublicKey string
	OmiseSecretKey string
	OmiseCurrency  string
	JWTSigningKey  string
	JWTIssuer      string
	AllowedOrigins []string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "probookd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "probookd",
		Short:         "Booking lifecycle and escrow release server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAMQPURL, "", "RabbitMQ URL; events are skipped when empty")
	cmd.Flags().String(flagAMQPExchange, defaultAMQPExchange, "RabbitMQ topic exchange")
	cmd.Flags().String(flagOmisePublicKey, "", "Omise public key")
	cmd.Flags().String(flagOmiseSecretKey, "", "Omise secret key")
	cmd.Flags().String(flagOmiseCurrency, "usd", "Charge currency")
	cmd.Flags().String(flagJWTSigningKey, "", "HMAC signing key for bearer tokens")
	cmd.Flags().String(flagJWTIssuer, defaultJWTIssuer, "Expected token issuer")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "CORS allowed origins")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyAMQPURL:        "AMQP_URL",
		configKeyAMQPExchange:   "AMQP_EXCHANGE",
		configKeyOmisePublicKey: "OMISE_PUBLIC_KEY",
		configKeyOmiseSecretKey: "OMISE_SECRET_KEY",
		configKeyOmiseCurrency:  "OMISE_CURRENCY",
		configKeyJWTSigningKey:  "JWT_SIGNING_KEY",
		configKeyJWTIssuer:      "JWT_ISSUER",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyAMQPURL:        flagAMQPURL,
		configKeyAMQPExchange:   flagAMQPExchange,
		configKeyOmisePublicKey: flagOmisePublicKey,
		configKeyOmiseSecretKey: flagOmiseSecretKey,
		configKeyOmiseCurrency:  flagOmiseCurrency,
		configKeyJWTSigningKey:  flagJWTSigningKey,
		configKeyJWTIssuer:      flagJWTIssuer,
		configKeyAllowedOrigins: flagAllowedOrigins,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	cfg.AMQPURL = viper.GetString(configKeyAMQPURL)
	cfg.AMQPExchange = viper.GetString(configKeyAMQPExchange)
	cfg.OmisePublicKey = viper.GetString(configKeyOmisePublicKey)
	cfg.OmiseSecretKey = viper.GetString(configKeyOmiseSecretKey)
	cfg.OmiseCurrency = viper.GetString(configKeyOmiseCurrency)
	cfg.JWTSigningKey = viper.GetString(configKeyJWTSigningKey)
	cfg.JWTIssuer = viper.GetString(configKeyJWTIssuer)
	cfg.AllowedOrigins = viper.GetStringSlice(configKeyAllowedOrigins)

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	if cfg.OmisePublicKey == "" || cfg.OmiseSecretKey == "" {
		return fmt.Errorf("omise keys are required")
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := prepareSchema(gormDB, driver); err != nil {
		return err
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }

	gateway, err := omisegateway.New(omisegateway.Config{
		PublicKey: cfg.OmisePublicKey,
		SecretKey: cfg.OmiseSecretKey,
		Currency:  cfg.OmiseCurrency,
	}, logger)
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}

	runner := scheduler.New(gormDB, logger, scheduler.WithClock(clock))

	options := []booking.ServiceOption{
		booking.WithOperationLogger(newZapOperationLogger(logger)),
	}
	if cfg.AMQPURL != "" {
		publisher, err := notify.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return fmt.Errorf("notifier init: %w", err)
		}
		defer func() { _ = publisher.Close() }()
		options = append(options, booking.WithNotifier(publisher))
	}

	service, err := booking.NewService(store, gateway, clock, options...)
	if err != nil {
		return fmt.Errorf("booking service init: %w", err)
	}

	runner.Register(booking.TaskAutoRelease, service.AutoRelease)
	runner.Register(booking.TaskNoShowCheck, service.NoShowCheck)
	runner.Register(booking.TaskRectificationEscalation, service.EscalationCheck)
	go runner.Run(ctx)

	return httpserver.Run(ctx, httpserver.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
	}, service, logger)
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, string, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, "", err
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, "", fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, "", err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, "", err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, driver, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "probook.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(db *gorm.DB, driver string) error {
	if driver != "sqlite" {
		return nil
	}
	models := append(gormstore.Models(), &scheduler.TaskRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func newZapOperationLogger(logger *zap.Logger) booking.OperationLogger {
	return &zapOperationLogger{logger: logger}
}

func (operationLogger *zapOperationLogger) LogOperation(ctx context.Context, entry booking.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("booking_id", entry.BookingID),
		zap.String("status", entry.Status),
	}
	if entry.ActorID != "" {
		fields = append(fields, zap.String("actor_id", entry.ActorID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.Amount.Int64()))
	}
	if entry.IdempotencyKey != "" {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("operation failed", fields...)
		return
	}
	operationLogger.logger.Info("operation applied", fields...)
}
