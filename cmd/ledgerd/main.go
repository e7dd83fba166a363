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

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/versecraft/creditledger/internal/catalog"
	"github.com/versecraft/creditledger/internal/httpapi"
	"github.com/versecraft/creditledger/internal/identity"
	"github.com/versecraft/creditledger/internal/jobguard"
	"github.com/versecraft/creditledger/internal/store/gormstore"
	"github.com/versecraft/creditledger/internal/webhook"
	"github.com/versecraft/creditledger/pkg/ledger"
)

const (
	flagDatabaseURL        = "database-url"
	flagListenAddr         = "listen-addr"
	flagWebhookSecret      = "webhook-secret"
	flagServiceTokenKey    = "service-token-key"
	flagServiceTokenIssuer = "service-token-issuer"
	flagAllowedOrigins     = "allowed-origins"
	flagCatalogFile        = "catalog-file"

	configKeyDatabaseURL        = "database_url"
	configKeyListenAddr         = "listen_addr"
	configKeyWebhookSecret      = "webhook_secret"
	configKeyServiceTokenKey    = "service_token_key"
	configKeyServiceTokenIssuer = "service_token_issuer"
	configKeyAllowedOrigins     = "allowed_origins"
	configKeyCatalogFile        = "catalog_file"

	defaultDatabaseURL = "sqlite:///tmp/creditledger.db"
	defaultListenAddr  = ":8600"
)

type runtimeConfig struct {
	DatabaseURL        string
	ListenAddr         string
	WebhookSecret      string
	ServiceTokenKey    string
	ServiceTokenIssuer string
	AllowedOrigins     string
	CatalogFile        string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "ledgerd",
		Short:         "Credit ledger and entitlement reconciliation server",
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
	cmd.Flags().String(flagWebhookSecret, "", "shared secret for webhook signature verification")
	cmd.Flags().String(flagServiceTokenKey, "", "HS256 signing key for internal service tokens")
	cmd.Flags().String(flagServiceTokenIssuer, "", "expected issuer of internal service tokens")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagCatalogFile, "", "path to a JSON product catalog (defaults to the built-in catalog)")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:        "DATABASE_URL",
		configKeyListenAddr:         "LISTEN_ADDR",
		configKeyWebhookSecret:      "WEBHOOK_SECRET",
		configKeyServiceTokenKey:    "SERVICE_TOKEN_KEY",
		configKeyServiceTokenIssuer: "SERVICE_TOKEN_ISSUER",
		configKeyAllowedOrigins:     "ALLOWED_ORIGINS",
		configKeyCatalogFile:        "CATALOG_FILE",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}

	flags := map[string]string{
		configKeyDatabaseURL:        flagDatabaseURL,
		configKeyListenAddr:         flagListenAddr,
		configKeyWebhookSecret:      flagWebhookSecret,
		configKeyServiceTokenKey:    flagServiceTokenKey,
		configKeyServiceTokenIssuer: flagServiceTokenIssuer,
		configKeyAllowedOrigins:     flagAllowedOrigins,
		configKeyCatalogFile:        flagCatalogFile,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.ServiceTokenKey = viper.GetString(configKeyServiceTokenKey)
	cfg.ServiceTokenIssuer = viper.GetString(configKeyServiceTokenIssuer)
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.CatalogFile = viper.GetString(configKeyCatalogFile)

	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if cfg.ServiceTokenKey == "" {
		return fmt.Errorf("service token key is required")
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
	ledgerService, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	productCatalog, err := loadCatalog(cfg.CatalogFile)
	if err != nil {
		return fmt.Errorf("catalog load: %w", err)
	}

	resolver, err := identity.NewResolver(store)
	if err != nil {
		return fmt.Errorf("resolver init: %w", err)
	}
	verifier, err := webhook.NewVerifier([]byte(cfg.WebhookSecret))
	if err != nil {
		return fmt.Errorf("verifier init: %w", err)
	}
	dispatcher, err := webhook.NewDispatcher(ledgerService, resolver, productCatalog, logger)
	if err != nil {
		return fmt.Errorf("dispatcher init: %w", err)
	}
	guard, err := jobguard.NewGuard(ledgerService, logger)
	if err != nil {
		return fmt.Errorf("job guard init: %w", err)
	}

	apiConfig := httpapi.Config{
		ListenAddr:         cfg.ListenAddr,
		WebhookSecret:      cfg.WebhookSecret,
		ServiceTokenKey:    cfg.ServiceTokenKey,
		ServiceTokenIssuer: cfg.ServiceTokenIssuer,
		AllowedOrigins:     httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
	}
	if err := apiConfig.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	server, err := httpapi.NewServer(apiConfig, verifier, dispatcher, ledgerService, guard, logger)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}
	return server.Run(ctx)
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default(), nil
	}
	return catalog.LoadFile(path)
}

type zapOperationLogger struct {
	logger *zap.Logger
}

func (adapter *zapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("accountId", entry.AccountID),
		zap.String("kind", string(entry.Kind)),
		zap.String("creditType", string(entry.CreditType)),
		zap.Int64("amount", entry.Amount),
		zap.String("idempotencyKey", entry.IdempotencyKey),
		zap.String("status", entry.Status),
	}
	if entry.Email != "" {
		fields = append(fields, zap.String("email", entry.Email))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("ledger operation failed", fields...)
		return
	}
	adapter.logger.Info("ledger operation", fields...)
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
			path = "creditledger.db"
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
	if err := db.AutoMigrate(gormstore.Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
