package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ledgerlink/internal/auth"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/config"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/credentials"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/database"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/exchange"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/logging"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/payments"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/processor"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/server"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/syncer"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/users"
	"github.com/MarcoPoloResearchLab/ledgerlink/internal/vault"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ledgerlink-api",
		Short: "LedgerLink exchange sync and payments service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("session-cookie-name", defaults.GetString("session.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("exchange-base-url", defaults.GetString("exchange.base_url"), "Exchange REST base URL")
	cmd.PersistentFlags().String("processor-base-url", defaults.GetString("processor.base_url"), "Payment processor base URL")
	cmd.PersistentFlags().String("session-signing-secret", "", "Session JWT signing secret (overrides env)")
	cmd.PersistentFlags().String("vault-master-key", "", "Credential vault master key (overrides env)")
	cmd.PersistentFlags().String("processor-key-id", "", "Payment processor certificate serial (overrides env)")
	cmd.PersistentFlags().String("processor-secret", "", "Payment processor API secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "session.cookie_name", "session-cookie-name")
	bindFlag(cmd, "exchange.base_url", "exchange-base-url")
	bindFlag(cmd, "processor.base_url", "processor-base-url")
	bindFlag(cmd, "session.signing_secret", "session-signing-secret")
	bindFlag(cmd, "vault.master_key", "vault-master-key")
	bindFlag(cmd, "processor.key_id", "processor-key-id")
	bindFlag(cmd, "processor.secret", "processor-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	secretVault, err := vault.New(appConfig.VaultMasterKey)
	if err != nil {
		return err
	}

	exchangeClient := exchange.NewClient(exchange.Config{
		BaseURL: appConfig.ExchangeBaseURL,
	})

	credentialService, err := credentials.NewService(credentials.ServiceConfig{
		Database: db,
		Vault:    secretVault,
		Prober:   exchangeClient,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	syncEngine, err := syncer.NewEngine(syncer.EngineConfig{
		Database:    db,
		Credentials: credentialService,
		Vault:       secretVault,
		Fetcher:     exchangeClient,
		Feeds:       exchange.DefaultFeeds,
		IDProvider:  syncer.NewUUIDProvider(),
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	processorClient := processor.NewClient(processor.Config{
		BaseURL: appConfig.ProcessorBaseURL,
		KeyID:   appConfig.ProcessorKeyID,
		Secret:  appConfig.ProcessorSecret,
	})

	paymentService, err := payments.NewService(payments.ServiceConfig{
		Database:      db,
		Processor:     processorClient,
		Entitlements:  userService,
		WebhookSecret: appConfig.ProcessorSecret,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Credentials:      credentialService,
		SyncEngine:       syncEngine,
		Payments:         paymentService,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
