package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/instaplus/internal/auth"
	"github.com/MarcoPoloResearchLab/instaplus/internal/config"
	"github.com/MarcoPoloResearchLab/instaplus/internal/database"
	"github.com/MarcoPoloResearchLab/instaplus/internal/ids"
	"github.com/MarcoPoloResearchLab/instaplus/internal/logging"
	"github.com/MarcoPoloResearchLab/instaplus/internal/maintenance"
	"github.com/MarcoPoloResearchLab/instaplus/internal/media"
	"github.com/MarcoPoloResearchLab/instaplus/internal/messages"
	"github.com/MarcoPoloResearchLab/instaplus/internal/posts"
	"github.com/MarcoPoloResearchLab/instaplus/internal/realtime"
	"github.com/MarcoPoloResearchLab/instaplus/internal/server"
	"github.com/MarcoPoloResearchLab/instaplus/internal/stories"
	"github.com/MarcoPoloResearchLab/instaplus/internal/storygen"
	"github.com/MarcoPoloResearchLab/instaplus/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "instaplus-api",
		Short: "InstaPlus backend service",
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
	flags.StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "Browser origins allowed by CORS and the realtime endpoint")
	flags.String("signing-secret", "", "Session token signing secret (overrides env)")
	flags.String("auth-issuer", defaults.GetString("auth.issuer"), "Expected session token issuer")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("media-directory", defaults.GetString("media.directory"), "Directory holding uploaded media")
	flags.String("media-public-path", defaults.GetString("media.public_path"), "URL prefix under which media is served")
	flags.Int64("media-max-file-bytes", defaults.GetInt64("media.max_file_bytes"), "Per-file upload limit in bytes")
	flags.Int("orphan-ttl-minutes", defaults.GetInt("media.orphan_ttl_minutes"), "Age after which unattached uploads are swept")
	flags.Int("maintenance-interval-minutes", defaults.GetInt("maintenance.interval_minutes"), "Interval between maintenance passes")
	flags.String("redis-address", defaults.GetString("redis.address"), "Redis address for the cross-instance realtime relay (optional)")
	flags.Int("redis-db", defaults.GetInt("redis.db"), "Redis database index")
	flags.Float64("ratelimit-per-second", defaults.GetFloat64("ratelimit.per_second"), "Write requests per second allowed per user")
	flags.Int("ratelimit-burst", defaults.GetInt("ratelimit.burst"), "Write request burst allowed per user")
	flags.String("storygen-endpoint", defaults.GetString("storygen.endpoint"), "Image generation endpoint for AI stories (optional)")
	flags.Int("storygen-timeout-seconds", defaults.GetInt("storygen.timeout_seconds"), "Timeout of one story generation call")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "auth-issuer")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "media.directory", "media-directory")
	bindFlag(cmd, "media.public_path", "media-public-path")
	bindFlag(cmd, "media.max_file_bytes", "media-max-file-bytes")
	bindFlag(cmd, "media.orphan_ttl_minutes", "orphan-ttl-minutes")
	bindFlag(cmd, "maintenance.interval_minutes", "maintenance-interval-minutes")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "redis.db", "redis-db")
	bindFlag(cmd, "ratelimit.per_second", "ratelimit-per-second")
	bindFlag(cmd, "ratelimit.burst", "ratelimit-burst")
	bindFlag(cmd, "storygen.endpoint", "storygen-endpoint")
	bindFlag(cmd, "storygen.timeout_seconds", "storygen-timeout-seconds")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
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

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
	})
	if err != nil {
		return err
	}

	idProvider := ids.NewUUIDProvider()
	store, err := media.NewLocalStore(appConfig.MediaDirectory)
	if err != nil {
		return err
	}
	mediaService, err := media.NewService(media.ServiceConfig{
		Database:     db,
		Store:        store,
		Prober:       media.FileProber{},
		IDProvider:   idProvider,
		Clock:        time.Now,
		Logger:       logger,
		PublicPath:   appConfig.MediaPublicPath,
		MaxFileBytes: appConfig.MediaMaxFileBytes,
		OrphanTTL:    appConfig.OrphanTTL,
	})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return err
	}
	postService, err := posts.NewService(posts.ServiceConfig{
		Database:   db,
		Assets:     mediaService,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	storyService, err := stories.NewService(stories.ServiceConfig{
		Database:   db,
		Assets:     mediaService,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	messageService, err := messages.NewService(messages.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	generator, err := newGenerator(appConfig, logger)
	if err != nil {
		return err
	}

	hub, err := newHub(signalCtx, appConfig, idProvider, logger)
	if err != nil {
		return err
	}

	runner, err := maintenance.NewRunner(maintenance.Config{
		Interval: appConfig.MaintenanceInterval,
		Sweeper:  mediaService,
		Stories:  storyService,
		Assets:   mediaService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := runner.Start(signalCtx); err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator:       sessionValidator,
		Users:           userService,
		Posts:           postService,
		Stories:         storyService,
		Messages:        messageService,
		Media:           mediaService,
		Hub:             hub,
		Generator:       generator,
		RateLimiter:     server.NewUserRateLimiter(appConfig.RateLimitPerSecond, appConfig.RateLimitBurst),
		AllowedOrigins:  appConfig.AllowedOrigins,
		MediaDirectory:  appConfig.MediaDirectory,
		MediaPublicPath: appConfig.MediaPublicPath,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// newHub builds the realtime hub and, when Redis is configured, starts the cross-instance relay.
func newHub(ctx context.Context, appConfig config.AppConfig, idProvider ids.Provider, logger *zap.Logger) (*realtime.Hub, error) {
	instanceID, err := idProvider.NewID()
	if err != nil {
		return nil, err
	}
	if appConfig.RedisAddress == "" {
		return realtime.NewHub(realtime.HubConfig{InstanceID: instanceID, Logger: logger}), nil
	}

	client, err := realtime.NewRedisClient(ctx, appConfig.RedisAddress, appConfig.RedisPassword, appConfig.RedisDB)
	if err != nil {
		return nil, err
	}
	relay := realtime.NewRedisRelay(client, instanceID, logger)
	hub := realtime.NewHub(realtime.HubConfig{InstanceID: instanceID, Relay: relay, Logger: logger})
	go func() {
		defer client.Close()
		if err := relay.Run(ctx, hub.DeliverRemote); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("realtime relay stopped", zap.Error(err))
		}
	}()
	logger.Info("realtime relay enabled", zap.String("redis_address", appConfig.RedisAddress))
	return hub, nil
}

// newGenerator returns nil when no endpoint is configured; story generation then answers 503.
func newGenerator(appConfig config.AppConfig, logger *zap.Logger) (storygen.Generator, error) {
	if appConfig.StoryGenEndpoint == "" {
		return nil, nil
	}
	generator, err := storygen.NewHTTPGenerator(storygen.HTTPConfig{
		Endpoint: appConfig.StoryGenEndpoint,
		APIKey:   appConfig.StoryGenAPIKey,
		Timeout:  appConfig.StoryGenTimeout,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("story generation enabled", zap.String("endpoint", appConfig.StoryGenEndpoint))
	return generator, nil
}
