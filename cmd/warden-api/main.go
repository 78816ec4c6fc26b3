package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hikarilabs/warden/internal/auth"
	"github.com/hikarilabs/warden/internal/config"
	"github.com/hikarilabs/warden/internal/database"
	"github.com/hikarilabs/warden/internal/directives"
	"github.com/hikarilabs/warden/internal/logging"
	"github.com/hikarilabs/warden/internal/moderation"
	"github.com/hikarilabs/warden/internal/profiles"
	"github.com/hikarilabs/warden/internal/ratelimit"
	"github.com/hikarilabs/warden/internal/server"
	"github.com/hikarilabs/warden/internal/sweeper"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "warden-api",
		Short: "Warden chat moderation and leveling engine",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

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
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Service token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Service token signing secret (overrides env)")
	cmd.PersistentFlags().Int("warn-threshold", defaults.GetInt("engine.warn_threshold"), "Warnings before escalation to ban")
	cmd.PersistentFlags().Int("cooldown-seconds", defaults.GetInt("engine.cooldown_seconds"), "Per-user activity cooldown in seconds")
	cmd.PersistentFlags().Int("retention-days", defaults.GetInt("engine.retention_days"), "Warning retention window in days")
	cmd.PersistentFlags().Int("sweep-interval-hours", defaults.GetInt("engine.sweep_interval_hours"), "Hours between retention sweeps")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "engine.warn_threshold", "warn-threshold")
	bindFlag(cmd, "engine.cooldown_seconds", "cooldown-seconds")
	bindFlag(cmd, "engine.retention_days", "retention-days")
	bindFlag(cmd, "engine.sweep_interval_hours", "sweep-interval-hours")
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

// newIssueTokenCommand mints a service token for a transport collaborator so
// it can call the engine API.
func newIssueTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue-token <subject>",
		Short: "Mint a service token for a transport collaborator",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				TokenTTL:      appConfig.TokenTTL,
			})
			token, expiresIn, err := issuer.IssueServiceToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	return cmd
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

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})

	dispatcher := directives.NewDispatcher(directives.DispatcherConfig{
		QueueSize: appConfig.DirectiveQueue,
		Logger:    logger,
	})

	profileService, err := profiles.NewService(profiles.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	moderationService, err := moderation.NewService(moderation.ServiceConfig{
		Database:      db,
		Clock:         time.Now,
		IDProvider:    moderation.NewUUIDProvider(),
		Logger:        logger,
		Directives:    dispatcher,
		WarnThreshold: appConfig.WarnThreshold,
	})
	if err != nil {
		return err
	}

	sweepRunner, err := sweeper.NewRunner(sweeper.RunnerConfig{
		Ledger:        moderationService,
		Interval:      appConfig.SweepInterval,
		RetentionDays: appConfig.RetentionDays,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Profiles:      profileService,
		Moderation:    moderationService,
		Gate:          ratelimit.NewGate(appConfig.Cooldown),
		Tokens:        tokenIssuer,
		Directives:    dispatcher,
		Logger:        logger,
		RetentionDays: appConfig.RetentionDays,
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

	go dispatcher.Run(signalCtx, nil)
	go sweepRunner.Run(signalCtx)

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
