package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tradehub/internal/authkit"
	"github.com/tyemirov/tradehub/internal/authkitpg"
	"github.com/tyemirov/tradehub/internal/database"
	"github.com/tyemirov/tradehub/internal/events"
	"github.com/tyemirov/tradehub/internal/profiles"
	"github.com/tyemirov/tradehub/internal/web"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "tradehub",
		Short:   "Marketplace gateway: hosted auth, role-scoped sessions and profile synchronization",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	flags := rootCmd.PersistentFlags()
	flags.String("env_file", "", "Optional dotenv file loaded before configuration is read")
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("database_url", database.InMemorySQLiteURL, "Database URL (postgres:// or sqlite://)")
	flags.String("redis_url", "", "Redis URL for one-time codes; empty keeps codes in memory")
	flags.String("amqp_url", "", "AMQP broker URL for auth events; empty disables publishing")
	flags.String("amqp_exchange", "tradehub.events", "AMQP topic exchange for auth events")
	flags.String("smtp_host", "", "SMTP relay host; empty logs codes instead of mailing them")
	flags.String("smtp_port", "587", "SMTP relay port")
	flags.String("smtp_username", "", "SMTP username")
	flags.String("smtp_password", "", "SMTP password")
	flags.String("smtp_from", "", "Sender address of code emails")
	flags.String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables Google sign-in")
	flags.String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	flags.Duration("access_ttl", 15*time.Minute, "Access token TTL")
	flags.Duration("refresh_ttl", 60*24*time.Hour, "Refresh token TTL")
	flags.Duration("otp_ttl", 10*time.Minute, "One-time code TTL")
	flags.Int("min_password_length", 6, "Minimum password length")
	flags.Bool("auto_confirm", false, "Confirm emails at sign-up without a code")
	flags.Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	flags.Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")
	flags.String("cookie_domain", "", "Cookie domain; empty for host-only")
	flags.String("base_url", "", "Public base URL advertised to the front-end; empty derives it from the request")

	for _, name := range []string{
		"env_file", "listen_addr", "database_url", "redis_url", "amqp_url", "amqp_exchange",
		"smtp_host", "smtp_port", "smtp_username", "smtp_password", "smtp_from",
		"google_web_client_id", "jwt_signing_key", "access_ttl", "refresh_ttl", "otp_ttl",
		"min_password_length", "auto_confirm", "dev_insecure_http", "enable_cors",
		"cors_allowed_origins", "cookie_domain", "base_url",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newPromoteCommand())
	return rootCmd
}

const (
	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeInvalidOTPTTL           = "config.invalid_otp_ttl"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeEnvFile                 = "config.env_file"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
)

// ServerConfig is the validated configuration of the gateway process.
type ServerConfig struct {
	Auth               authkit.Config
	SMTP               authkit.SMTPConfig
	ListenAddr         string
	DatabaseURL        string
	RedisURL           string
	AMQPURL            string
	AMQPExchange       string
	OTPTTL             time.Duration
	CookieDomain       string
	BaseURL            string
	AllowInsecureHTTP  bool
	EnableCORS         bool
	CORSAllowedOrigins []string
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	if err := loadEnvFile(); err != nil {
		return err
	}
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func loadEnvFile() error {
	envFile := strings.TrimSpace(viper.GetString("env_file"))
	if envFile == "" {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return configError(configCodeEnvFile, err.Error())
	}
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the configuration bound in viper.
func LoadServerConfig() (ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= 0 {
		return ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	otpTTL := viper.GetDuration("otp_ttl")
	if otpTTL <= 0 {
		return ServerConfig{}, configError(configCodeInvalidOTPTTL, "otp_ttl must be greater than zero")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	databaseURL := viper.GetString("database_url")
	if strings.TrimSpace(databaseURL) == "" {
		databaseURL = database.InMemorySQLiteURL
	}

	amqpExchange := viper.GetString("amqp_exchange")
	if amqpExchange == "" {
		amqpExchange = "tradehub.events"
	}

	return ServerConfig{
		Auth: authkit.Config{
			SigningKey:        []byte(jwtSigningKey),
			Issuer:            "tradehub",
			GoogleWebClientID: viper.GetString("google_web_client_id"),
			AccessTTL:         accessTTL,
			RefreshTTL:        refreshTTL,
			AutoConfirm:       viper.GetBool("auto_confirm"),
			MinPasswordLength: viper.GetInt("min_password_length"),
		},
		SMTP: authkit.SMTPConfig{
			Host:     viper.GetString("smtp_host"),
			Port:     viper.GetString("smtp_port"),
			Username: viper.GetString("smtp_username"),
			Password: viper.GetString("smtp_password"),
			From:     viper.GetString("smtp_from"),
		},
		ListenAddr:         viper.GetString("listen_addr"),
		DatabaseURL:        databaseURL,
		RedisURL:           viper.GetString("redis_url"),
		AMQPURL:            viper.GetString("amqp_url"),
		AMQPExchange:       amqpExchange,
		OTPTTL:             otpTTL,
		CookieDomain:       viper.GetString("cookie_domain"),
		BaseURL:            viper.GetString("base_url"),
		AllowInsecureHTTP:  viper.GetBool("dev_insecure_http"),
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: corsAllowedOrigins,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	components, err := buildComponents(commandContext, serverConfig, logger)
	if err != nil {
		return err
	}
	defer components.close()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	sameSite := http.SameSiteStrictMode
	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
		sameSite = http.SameSiteNoneMode
	}

	gateway, err := web.NewGateway(web.Config{
		Cookies: web.CookieConfig{
			Domain:            serverConfig.CookieDomain,
			SameSite:          sameSite,
			AllowInsecureHTTP: serverConfig.AllowInsecureHTTP,
			RefreshTTL:        serverConfig.Auth.RefreshTTL,
		},
		Client: web.ClientConfig{
			GoogleClientID:    serverConfig.Auth.GoogleWebClientID,
			BaseURL:           serverConfig.BaseURL,
			MinPasswordLength: serverConfig.Auth.MinPasswordLength,
		},
		MinPasswordLength: serverConfig.Auth.MinPasswordLength,
	}, web.Dependencies{
		Backend:   components.backend,
		Profiles:  components.profiles,
		Publisher: components.publisher,
		Gatherer:  components.registry,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	gateway.Mount(router)

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serverConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

// components are the long-lived collaborators of the gateway.
type components struct {
	backend   *authkit.Backend
	profiles  *profiles.Store
	publisher events.Publisher
	registry  *prometheus.Registry
	closers   []func()
}

func (built *components) close() {
	for index := len(built.closers) - 1; index >= 0; index-- {
		built.closers[index]()
	}
}

func buildComponents(ctx context.Context, serverConfig ServerConfig, logger *zap.Logger) (*components, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	built := &components{}
	fail := func(err error) (*components, error) {
		built.close()
		return nil, err
	}

	gormDB, driverLabel, err := database.Open(ctx, serverConfig.DatabaseURL)
	if err != nil {
		return fail(err)
	}
	built.closers = append(built.closers, func() { closeDatabase(gormDB, logger) })

	users, err := authkit.NewDatabaseUserStore(ctx, gormDB, driverLabel)
	if err != nil {
		return fail(err)
	}
	profileStore, err := profiles.NewStore(ctx, gormDB, driverLabel)
	if err != nil {
		return fail(err)
	}
	built.profiles = profileStore

	var refreshStore authkit.RefreshTokenStore
	if driverLabel == database.DriverPostgres {
		pool, poolErr := authkitpg.BuildPool(ctx, serverConfig.DatabaseURL, authkitpg.PoolConfig{})
		if poolErr != nil {
			return fail(poolErr)
		}
		built.closers = append(built.closers, pool.Close)
		if schemaErr := authkitpg.EnsureSchema(ctx, pool); schemaErr != nil {
			return fail(schemaErr)
		}
		pgStore, storeErr := authkitpg.NewPostgresRefreshTokenStore(pool)
		if storeErr != nil {
			return fail(storeErr)
		}
		refreshStore = pgStore
		logger.Info("using postgres refresh token store")
	} else {
		databaseStore, storeErr := authkit.NewDatabaseRefreshTokenStore(ctx, gormDB, driverLabel)
		if storeErr != nil {
			return fail(storeErr)
		}
		refreshStore = databaseStore
		logger.Info("using database refresh token store", zap.String("driver", databaseStore.Driver()))
	}

	otpStore := authkit.NewMemoryOTPStore(serverConfig.OTPTTL)
	if serverConfig.RedisURL != "" {
		redisStore, redisErr := authkit.NewRedisOTPStore(ctx, serverConfig.RedisURL, serverConfig.OTPTTL)
		if redisErr != nil {
			return fail(redisErr)
		}
		built.closers = append(built.closers, func() { _ = redisStore.Close() })
		otpStore = redisStore
		logger.Info("using redis one-time code store")
	}

	built.publisher = events.NewNoopPublisher()
	if serverConfig.AMQPURL != "" {
		amqpPublisher, amqpErr := events.NewAMQPPublisher(serverConfig.AMQPURL, serverConfig.AMQPExchange)
		if amqpErr != nil {
			return fail(amqpErr)
		}
		built.publisher = amqpPublisher
		logger.Info("publishing auth events", zap.String("exchange", serverConfig.AMQPExchange))
	}
	publisher := built.publisher
	built.closers = append(built.closers, func() { _ = publisher.Close() })

	var sender authkit.CodeSender = authkit.NewLogCodeSender(logger)
	if serverConfig.SMTP.Host != "" {
		sender = authkit.NewSMTPCodeSender(serverConfig.SMTP)
	}

	built.registry = prometheus.NewRegistry()
	built.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := authkit.NewPrometheusMetrics(built.registry)
	if err != nil {
		return fail(err)
	}

	var googleValidator authkit.GoogleTokenValidator
	if serverConfig.Auth.GoogleWebClientID != "" {
		validator, validatorErr := buildGoogleTokenValidator(ctx)
		if validatorErr != nil {
			return fail(fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr))
		}
		googleValidator = validator
	}

	backend, err := authkit.NewBackend(serverConfig.Auth, authkit.Dependencies{
		Users:         users,
		RefreshTokens: refreshStore,
		OTPs:          otpStore,
		Sender:        sender,
		Google:        googleValidator,
		Publisher:     built.publisher,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		return fail(err)
	}
	built.backend = backend
	return built, nil
}

func closeDatabase(gormDB *gorm.DB, logger *zap.Logger) {
	sqlDB, err := gormDB.DB()
	if err != nil {
		return
	}
	if closeErr := sqlDB.Close(); closeErr != nil {
		logger.Warn("database close failed", zap.Error(closeErr))
	}
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
