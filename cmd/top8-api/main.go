package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/top8/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/cache"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/config"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/database"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/neynar"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/preview"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/profiles"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/server"
	"github.com/MarcoPoloResearchLab/top8/backend/internal/top8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "top8-api",
		Short: "Top 8 for Farcaster backend service",
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
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", "", "Postgres connection string")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("neynar-api-key", "", "Neynar API key (overrides env)")
	flags.String("neynar-base-url", defaults.GetString("neynar.base_url"), "Neynar API base URL")
	flags.Int("neynar-timeout-seconds", defaults.GetInt("neynar.timeout_seconds"), "Neynar request timeout in seconds")
	flags.String("signing-secret", "", "Session signing secret (overrides env)")
	flags.String("cookie-name", defaults.GetString("auth.cookie_name"), "Session cookie name")
	flags.Bool("secure-cookies", defaults.GetBool("auth.secure_cookies"), "Mark session cookies as Secure")
	flags.Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Session token TTL in minutes")
	flags.String("public-url", defaults.GetString("preview.public_url"), "Public URL of this API")
	flags.String("app-url", defaults.GetString("preview.app_url"), "Public URL of the web app")
	flags.Int("preview-cache-ttl-seconds", defaults.GetInt("preview.cache_ttl_seconds"), "Preview image cache TTL in seconds")
	flags.String("redis-address", "", "Redis address for the preview cache (disabled when empty)")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", defaults.GetInt("redis.db"), "Redis database index")
	flags.Bool("metrics-enabled", defaults.GetBool("metrics.enabled"), "Expose Prometheus metrics on /metrics")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "neynar.api_key", "neynar-api-key")
	bindFlag(cmd, "neynar.base_url", "neynar-base-url")
	bindFlag(cmd, "neynar.timeout_seconds", "neynar-timeout-seconds")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.cookie_name", "cookie-name")
	bindFlag(cmd, "auth.secure_cookies", "secure-cookies")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "preview.public_url", "public-url")
	bindFlag(cmd, "preview.app_url", "app-url")
	bindFlag(cmd, "preview.cache_ttl_seconds", "preview-cache-ttl-seconds")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "redis.password", "redis-password")
	bindFlag(cmd, "redis.db", "redis-db")
	bindFlag(cmd, "metrics.enabled", "metrics-enabled")
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

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	graph, err := neynar.NewClient(neynar.ClientConfig{
		APIKey:  appConfig.NeynarAPIKey,
		BaseURL: appConfig.NeynarBaseURL,
		Timeout: appConfig.NeynarTimeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	profileStore, err := profiles.NewStore(profiles.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	top8Service, err := top8.NewService(top8.ServiceConfig{
		Database:    db,
		SocialGraph: graph,
		Profiles:    profileStore,
		Clock:       time.Now,
		IDProvider:  top8.NewUUIDProvider(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	tokenIssuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	signerVerifier, err := auth.NewSignerVerifier(graph, logger)
	if err != nil {
		return err
	}

	pageRenderer, err := preview.NewPageRenderer(preview.PageConfig{
		PublicURL: appConfig.PreviewPublicURL,
		AppURL:    appConfig.PreviewAppURL,
	})
	if err != nil {
		return err
	}

	imageRenderer, err := preview.NewImageRenderer(preview.ImageConfig{Logger: logger})
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		SocialGraph:     graph,
		Profiles:        profileStore,
		Top8:            top8Service,
		Signers:         signerVerifier,
		Tokens:          tokenIssuer,
		Sessions:        sessionValidator,
		Pages:           pageRenderer,
		Images:          imageRenderer,
		PreviewCacheTTL: appConfig.PreviewCacheTTL,
		Realtime:        server.NewRealtimeDispatcher(),
		SecureCookies:   appConfig.SecureCookies,
		Logger:          logger,
	}

	if appConfig.RedisAddress != "" {
		previewCache, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Address:  appConfig.RedisAddress,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
			Logger:   logger,
		})
		if err != nil {
			logger.Warn("preview cache unavailable, rendering without cache", zap.Error(err))
		} else {
			defer previewCache.Close() //nolint:errcheck
			deps.PreviewCache = previewCache
		}
	}

	if appConfig.MetricsEnabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics.MustRegister(registry)
		deps.MetricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
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
