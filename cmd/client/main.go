package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/proteinlens/internal/cli"
	"github.com/tyemirov/proteinlens/pkg/sessionclient"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	configCodeMissingServerURL = "config.missing_server_url"
	configCodeInvalidLimits    = "config.invalid_session_limits"
	configCodeInvalidLogLevel  = "config.invalid_log_level"
)

var (
	standardInput  io.Reader = os.Stdin
	standardOutput io.Writer = os.Stdout
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

type clientConfig struct {
	ServerURL       string
	APIURL          string
	InactivityLimit time.Duration
	AbsoluteLimit   time.Duration
	CheckInterval   time.Duration
	LogLevel        zapcore.Level
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "proteinlens",
		Short:        "Interactive ProteinLens client with automatic session refresh and timeouts",
		SilenceUsage: true,
		RunE:         runClient,
	}

	rootCmd.Flags().String("server_url", "http://localhost:8080", "Auth server base URL")
	rootCmd.Flags().String("api_url", "", "API base URL; defaults to server_url")
	rootCmd.Flags().Duration("inactivity_limit", sessionclient.DefaultInactivityLimit, "Log out after this long without input")
	rootCmd.Flags().Duration("absolute_limit", sessionclient.DefaultAbsoluteLimit, "Log out this long after login regardless of activity")
	rootCmd.Flags().Duration("check_interval", sessionclient.DefaultCheckInterval, "How often session limits are evaluated")
	rootCmd.Flags().String("log_level", "warn", "Log level written to stderr (debug, info, warn, error)")

	for _, flagName := range []string{"server_url", "api_url", "inactivity_limit", "absolute_limit", "check_interval", "log_level"} {
		_ = viper.BindPFlag(flagName, rootCmd.Flags().Lookup(flagName))
	}

	viper.SetEnvPrefix("PROTEINLENS")
	viper.AutomaticEnv()

	return rootCmd
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func loadClientConfig() (clientConfig, error) {
	serverURL := strings.TrimSpace(viper.GetString("server_url"))
	if serverURL == "" {
		return clientConfig{}, configError(configCodeMissingServerURL, "server_url must be provided")
	}
	apiURL := strings.TrimSpace(viper.GetString("api_url"))
	if apiURL == "" {
		apiURL = serverURL
	}
	inactivityLimit := viper.GetDuration("inactivity_limit")
	absoluteLimit := viper.GetDuration("absolute_limit")
	checkInterval := viper.GetDuration("check_interval")
	if inactivityLimit < 0 || absoluteLimit < 0 || checkInterval < 0 {
		return clientConfig{}, configError(configCodeInvalidLimits, "session limits must not be negative")
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log_level"))); err != nil {
		return clientConfig{}, configError(configCodeInvalidLogLevel, err.Error())
	}
	return clientConfig{
		ServerURL:       serverURL,
		APIURL:          apiURL,
		InactivityLimit: inactivityLimit,
		AbsoluteLimit:   absoluteLimit,
		CheckInterval:   checkInterval,
		LogLevel:        level,
	}, nil
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	configuration := zap.NewProductionConfig()
	configuration.Level = zap.NewAtomicLevelAt(level)
	configuration.OutputPaths = []string{"stderr"}
	return configuration.Build()
}

func runClient(command *cobra.Command, arguments []string) error {
	configuration, configErr := loadClientConfig()
	if configErr != nil {
		return configErr
	}
	logger, loggerErr := newLogger(configuration.LogLevel)
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	backend, backendErr := sessionclient.NewHTTPAuthClient(sessionclient.HTTPAuthClientConfig{BaseURL: configuration.ServerURL})
	if backendErr != nil {
		return backendErr
	}
	app, appErr := cli.NewApp(cli.Config{
		Backend:         backend,
		APIBaseURL:      configuration.APIURL,
		InactivityLimit: configuration.InactivityLimit,
		AbsoluteLimit:   configuration.AbsoluteLimit,
		CheckInterval:   configuration.CheckInterval,
		In:              standardInput,
		Out:             standardOutput,
		Logger:          logger,
	})
	if appErr != nil {
		return appErr
	}

	parent := command.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("client started",
		zap.String("code", "cli.start"),
		zap.String("server_url", configuration.ServerURL),
		zap.Duration("inactivity_limit", configuration.InactivityLimit),
	)
	return app.Run(ctx)
}
