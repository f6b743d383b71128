package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agenticwork/mcp-proxy/internal/config"
	"github.com/agenticwork/mcp-proxy/internal/httpapi"
	"github.com/agenticwork/mcp-proxy/internal/logs"
	"github.com/agenticwork/mcp-proxy/internal/server"
)

// version is the build version, overridable at link time with
// -ldflags "-X main.version=...".
var version = server.Version

var (
	configFile string
	dataDir    string
	listen     string
	redisURL   string
	logLevel   string
	logToFile  bool
	logDir     string

	rootCmd = &cobra.Command{
		Use:     "mcp-proxy",
		Short:   "MCP Proxy - authenticated broker in front of MCP tool servers",
		Version: version,
		RunE:    runServer,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory path (default: ~/.mcp-proxy)")
	rootCmd.PersistentFlags().StringVarP(&listen, "listen", "l", "", "Listen address (host:port)")
	rootCmd.PersistentFlags().StringVar(&redisURL, "redis-url", "", "Redis URL (redis://[user:pass@]host:port/db)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Enable logging to file in standard OS location")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path (overrides standard OS location)")

	rootCmd.AddCommand(
		GetCallCommand(),
		GetToolsCommand(),
		GetServersCommand(),
		GetActivityCommand(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Command line flags win over file and environment settings.
	if cfg.Logging == nil {
		cfg.Logging = logs.DefaultLogConfig()
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("log-to-file") {
		cfg.Logging.EnableFile = logToFile
	}
	if logDir != "" {
		cfg.Logging.LogDir = logDir
	}

	logger, err := logs.Setup(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Configuration loaded",
		zap.String("listen", cfg.Listen),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("auth_enabled", cfg.Auth.Enabled),
		zap.Bool("inspector_enabled", cfg.Inspector.Enabled))

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	api := httpapi.NewServer(srv, cfg, logger.Sugar(), srv.Observability())
	if err := srv.Start(ctx, api); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if redisURL != "" {
		redisCfg, err := parseRedisURL(redisURL)
		if err != nil {
			return nil, err
		}
		cfg.Redis = redisCfg
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func parseRedisURL(raw string) (*config.RedisConfig, error) {
	opts, err := redis.ParseURL(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --redis-url: %w", err)
	}
	host, portStr, err := net.SplitHostPort(opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid --redis-url address %q: %w", opts.Addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid --redis-url port %q: %w", portStr, err)
	}
	return &config.RedisConfig{
		Host:     host,
		Port:     port,
		Password: opts.Password,
		DB:       opts.DB,
	}, nil
}
