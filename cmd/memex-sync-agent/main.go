package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/memexsync/internal/collections"
	"github.com/MarcoPoloResearchLab/memexsync/internal/config"
	"github.com/MarcoPoloResearchLab/memexsync/internal/control"
	"github.com/MarcoPoloResearchLab/memexsync/internal/database"
	"github.com/MarcoPoloResearchLab/memexsync/internal/logging"
	"github.com/MarcoPoloResearchLab/memexsync/internal/pagefetch"
	"github.com/MarcoPoloResearchLab/memexsync/internal/storage"
	syncengine "github.com/MarcoPoloResearchLab/memexsync/internal/sync"
	"github.com/MarcoPoloResearchLab/memexsync/internal/synclog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const pageFetchInterval = 500 * time.Millisecond

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "memex-sync-agent",
		Short: "Memex device sync agent",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run background sync and the local control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	viper.SetDefault("device.platform", runtime.GOOS)
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("database-path", defaults.GetString("agent.database_path"), "SQLite database holding the device's collections")
	cmd.PersistentFlags().String("server-url", "", "Base URL of the sync service")
	cmd.PersistentFlags().String("access-token", "", "Device access token issued by the sync service")
	cmd.PersistentFlags().String("user-id", "", "User the device syncs for")
	cmd.PersistentFlags().String("control-address", defaults.GetString("agent.control_address"), "Listen address of the local control API")
	cmd.PersistentFlags().String("log-file", "", "Write rotated JSON logs to this file instead of stderr")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("sync-frequency", defaults.GetDuration("sync.frequency"), "Interval between incremental syncs")
	cmd.PersistentFlags().Bool("encryption", defaults.GetBool("sync.encryption"), "Encrypt shared log entries")
	cmd.PersistentFlags().Bool("filter-passive-data", defaults.GetBool("sync.filter_passive_data"), "Skip pages and visits nothing refers to during initial sync")
	cmd.PersistentFlags().Bool("post-processing", defaults.GetBool("sync.post_processing"), "Strip page content before sending and fetch it after receiving")
	cmd.PersistentFlags().String("product-type", defaults.GetString("device.product_type"), "Device product type (ext or app)")

	bindFlag(cmd, "agent.database_path", "database-path")
	bindFlag(cmd, "agent.server_url", "server-url")
	bindFlag(cmd, "agent.access_token", "access-token")
	bindFlag(cmd, "agent.user_id", "user-id")
	bindFlag(cmd, "agent.control_address", "control-address")
	bindFlag(cmd, "agent.log_file", "log-file")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sync.frequency", "sync-frequency")
	bindFlag(cmd, "sync.encryption", "encryption")
	bindFlag(cmd, "sync.filter_passive_data", "filter-passive-data")
	bindFlag(cmd, "sync.post_processing", "post-processing")
	bindFlag(cmd, "device.product_type", "product-type")
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

func newAgentLogger(agentConfig config.AgentConfig) (*zap.Logger, error) {
	if agentConfig.LogFile != "" {
		return logging.NewFileLogger(agentConfig.LogLevel, agentConfig.LogFile)
	}
	return logging.NewLogger(agentConfig.LogLevel)
}

func runAgent(ctx context.Context) error {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newAgentLogger(agentConfig)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(agentConfig.DatabasePath, logger, storage.Models()...)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := storage.NewStore(storage.StoreConfig{
		Database: db,
		Registry: collections.DefaultRegistry(),
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	settings, err := storage.NewSettings(db)
	if err != nil {
		return err
	}

	sharedLog, err := synclog.NewRemoteLog(synclog.RemoteConfig{
		BaseURL:     agentConfig.ServerURL,
		AccessToken: agentConfig.AccessToken,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	var preSend syncengine.PreSendProcessor
	var postSync syncengine.PostSyncProcessor
	if agentConfig.PostProcessing {
		preSend = pagefetch.StrippedPageFields
		postSync = pagefetch.NewProcessor(pagefetch.ProcessorConfig{
			Store:   store,
			Fetcher: pagefetch.NewHTTPFetcher(nil),
			Limiter: rate.NewLimiter(rate.Every(pageFetchInterval), 1),
			Logger:  logger,
		})
	}

	background, err := syncengine.NewBackground(syncengine.BackgroundConfig{
		Store:    store,
		Settings: settings,
		Log:      sharedLog,
		Users:    syncengine.StaticUser(agentConfig.UserID),
		Transports: &syncengine.WebSocketTransportFactory{
			BaseURL:     agentConfig.ServerURL,
			AccessToken: agentConfig.AccessToken,
		},
		PreSend:           preSend,
		PostSync:          postSync,
		Encryption:        agentConfig.Encryption,
		FilterPassiveData: agentConfig.FilterPassiveData,
		Frequency:         agentConfig.SyncFrequency,
		ProductType:       synclog.ProductType(agentConfig.ProductType),
		DevicePlatform:    agentConfig.DevicePlatform,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer background.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := background.Setup(signalCtx); err != nil {
		return err
	}

	handler, err := control.NewHandler(control.Config{Engine: background, Logger: logger})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:    agentConfig.ControlAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agent control api starting", zap.String("address", agentConfig.ControlAddress))
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
