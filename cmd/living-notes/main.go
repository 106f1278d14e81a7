package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Kikks/living-notes/internal/config"
	"github.com/Kikks/living-notes/internal/database"
	"github.com/Kikks/living-notes/internal/directory"
	"github.com/Kikks/living-notes/internal/logging"
	"github.com/Kikks/living-notes/internal/notes"
	"github.com/Kikks/living-notes/internal/relay"
	"github.com/Kikks/living-notes/internal/rooms"
	"github.com/Kikks/living-notes/internal/server"
	"github.com/Kikks/living-notes/internal/sessions"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "living-notes",
		Short: "Real-time collaborative note server",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("cors.allowed_origins"), "Origins allowed by CORS and websocket upgrades")
	cmd.PersistentFlags().Int("code-length", defaults.GetInt("notes.code_length"), "Length of generated share codes")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
	bindFlag(cmd, "notes.code_length", "code-length")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
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

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if logging.ParseLevel(appConfig.LogLevel) > zap.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.OpenMemory("", logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	archive, err := notes.NewVersionArchive(db)
	if err != nil {
		return err
	}
	codes, err := notes.NewRandomCodeGenerator(appConfig.CodeLength)
	if err != nil {
		return err
	}
	registry, err := rooms.NewRegistry(rooms.RegistryConfig{
		Archive:       archive,
		IDProvider:    notes.NewUUIDProvider(),
		CodeGenerator: codes,
		Clock:         time.Now,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher(appConfig.SendBuffer, logger)
	relayService, err := relay.New(relay.Config{
		Registry:  registry,
		Sessions:  sessions.NewManager(),
		Publisher: dispatcher,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	directoryService, err := directory.NewService(directory.ServiceConfig{
		Registry:   registry,
		Clock:      time.Now,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Directory:  directoryService,
		Relay:      relayService,
		Dispatcher: dispatcher,
		Realtime: server.RealtimeSettings{
			WriteWait:       appConfig.WriteWait,
			PongWait:        appConfig.PongWait,
			PingPeriod:      appConfig.PingPeriod,
			MaxMessageBytes: appConfig.MaxMessageBytes,
		},
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
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
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
