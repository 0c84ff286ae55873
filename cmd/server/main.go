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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/proteinlens/internal/authkit"
	"github.com/tyemirov/proteinlens/internal/web"
	"github.com/tyemirov/proteinlens/pkg/sessionvalidator"
	"go.uber.org/zap"
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
		Use:     "proteinlens-server",
		Short:   "ProteinLens auth API with JWT access tokens and rotating refresh cookies",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("refresh_cookie_name", defaultRefreshCookieName, "Name of the refresh token cookie")
	rootCmd.Flags().String("google_web_client_id", "", "Google Web OAuth Client ID; empty disables Google sign-in")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for access JWT")
	rootCmd.Flags().String("jwt_issuer", defaultIssuer, "Issuer claim for access JWT")
	rootCmd.Flags().Duration("access_ttl", authkit.DefaultAccessTTL, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", authkit.DefaultRefreshTTL, "Refresh token TTL")
	rootCmd.Flags().Duration("nonce_ttl", authkit.DefaultNonceTTL, "Nonce lifetime for Google Sign-In exchanges")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().String("database_url", "", "Database URL for users and refresh tokens (postgres:// or sqlite://; empty for in-memory stores)")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, flagName := range []string{
		"listen_addr", "cookie_domain", "refresh_cookie_name", "google_web_client_id",
		"jwt_signing_key", "jwt_issuer", "access_ttl", "refresh_ttl", "nonce_ttl",
		"dev_insecure_http", "database_url", "enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	defaultRefreshCookieName = "proteinlens_refresh"
	defaultIssuer            = "proteinlens"
	minimumSigningKeyLength  = 32

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeWeakJWTSigningKey       = "config.weak_jwt_signing_key"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
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

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates the viper-bound settings.
func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}
	if len(jwtSigningKey) < minimumSigningKeyLength {
		return authkit.ServerConfig{}, configError(configCodeWeakJWTSigningKey, fmt.Sprintf("jwt_signing_key must be at least %d bytes", minimumSigningKeyLength))
	}

	accessTTL := viper.GetDuration("access_ttl")
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := viper.GetDuration("refresh_ttl")
	if refreshTTL <= accessTTL {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than access_ttl")
	}

	nonceTTL := authkit.DefaultNonceTTL
	if configuredNonceTTL := viper.GetDuration("nonce_ttl"); configuredNonceTTL > 0 {
		nonceTTL = configuredNonceTTL
	}

	issuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if issuer == "" {
		issuer = defaultIssuer
	}
	cookieName := strings.TrimSpace(viper.GetString("refresh_cookie_name"))
	if cookieName == "" {
		cookieName = defaultRefreshCookieName
	}

	sameSite := http.SameSiteStrictMode
	if viper.GetBool("enable_cors") {
		if len(viper.GetStringSlice("cors_allowed_origins")) == 0 {
			return authkit.ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
		}
		sameSite = http.SameSiteNoneMode
	}

	return authkit.ServerConfig{
		GoogleWebClientID: strings.TrimSpace(viper.GetString("google_web_client_id")),
		SigningKey:        []byte(jwtSigningKey),
		Issuer:            issuer,
		CookieDomain:      viper.GetString("cookie_domain"),
		RefreshCookieName: cookieName,
		AccessTTL:         accessTTL,
		RefreshTTL:        refreshTTL,
		NonceTTL:          nonceTTL,
		SameSiteMode:      sameSite,
		AllowInsecureHTTP: viper.GetBool("dev_insecure_http"),
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
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if viper.GetBool("enable_cors") {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, viper.GetStringSlice("cors_allowed_origins"))
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	var userStore authkit.UserStore
	var refreshStore authkit.RefreshTokenStore
	if databaseURL != "" {
		database, databaseErr := authkit.OpenDatabase(context.Background(), databaseURL, logger)
		if databaseErr != nil {
			return databaseErr
		}
		defer func() { _ = database.Close() }()
		userStore = database.Users()
		refreshStore = database.RefreshTokens()
	} else {
		userStore = authkit.NewMemoryUserStore()
		refreshStore = authkit.NewMemoryRefreshTokenStore()
		logger.Info("using in-memory user and refresh token stores")
	}

	services := authkit.AuthServices{
		Users:         userStore,
		RefreshTokens: refreshStore,
		Nonces:        authkit.NewMemoryNonceStore(serverConfig.NonceTTL),
		Metrics:       authkit.NewCounterMetrics(),
		Logger:        logger,
	}
	if serverConfig.GoogleSignInEnabled() {
		googleValidator, validatorErr := buildGoogleTokenValidator(command.Context())
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		services.GoogleValidator = googleValidator
	}

	sessionValidator, sessionValidatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: serverConfig.SigningKey,
		Issuer:     serverConfig.Issuer,
	})
	if sessionValidatorErr != nil {
		return sessionValidatorErr
	}

	authkit.MountAuthRoutes(router, serverConfig, services)
	web.MountAPIRoutes(router, sessionValidator, userStore, logger)

	server := &http.Server{
		Addr:              listenAddr,
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

	logger.Info("listening",
		zap.String("addr", listenAddr),
		zap.Bool("google_sign_in", serverConfig.GoogleSignInEnabled()),
		zap.Duration("access_ttl", serverConfig.AccessTTL),
	)
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
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
