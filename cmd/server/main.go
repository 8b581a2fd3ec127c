package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/syncbridge/sessionsync/internal/audit"
	"github.com/syncbridge/sessionsync/internal/config"
	"github.com/syncbridge/sessionsync/internal/notify"
	"github.com/syncbridge/sessionsync/internal/poller"
	"github.com/syncbridge/sessionsync/internal/server"
	"github.com/syncbridge/sessionsync/internal/session"
	"github.com/syncbridge/sessionsync/internal/upstream"
	"github.com/syncbridge/sessionsync/internal/ws"
)

var (
	cfgFile string
	verbose bool
)

func setupLogger(verbose bool, logCfg *config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config
	if verbose {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.DisableStacktrace = true
	}

	// Set log level from config
	if logCfg != nil && logCfg.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(logCfg.Level)); err == nil {
			zapConfig.Level = zap.NewAtomicLevelAt(level)
		}
	}

	// Add file output if enabled
	if logCfg != nil && logCfg.Enabled {
		if err := os.MkdirAll(logCfg.Directory, 0755); err != nil {
			return nil, fmt.Errorf("creating logs directory: %w", err)
		}
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		logFile := filepath.Join(logCfg.Directory, fmt.Sprintf("sessionsync_%s.log", timestamp))
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, logFile)
	}

	return zapConfig.Build()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "sessionsync",
		Short: "Poll a session service and stream state changes to WebSocket consumers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("SESSIONSYNC_CONFIG"), "config file path (or set SESSIONSYNC_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger, err := setupLogger(verbose, &cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("port", cfg.Server.Port),
		zap.String("upstreamBaseURL", cfg.Upstream.BaseURL),
		zap.Duration("pollInterval", cfg.Poll.Interval),
		zap.Duration("heartbeatInterval", cfg.Heartbeat.Interval),
		zap.Int64("backpressureBytes", cfg.Broadcast.BackpressureBytes),
		zap.Bool("auditEnabled", cfg.Audit.Enabled),
		zap.Bool("notifyEnabled", cfg.Notify.Enabled),
	)

	client := upstream.NewClient(
		cfg.Upstream.BaseURL,
		cfg.Upstream.APIKey,
		cfg.Upstream.RatePerSecond,
		cfg.Upstream.Timeout,
		cfg.Upstream.RetryAttempts,
		cfg.Upstream.Backoff,
		logger,
	)

	// Component context: cancelled first on shutdown so the timers stop
	// before connections are torn down.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	accessKeys := cfg.Server.AccessKeys
	authorize := func(token string) bool {
		return len(accessKeys) == 0 || slices.Contains(accessKeys, token)
	}

	hub := ws.NewHub(authorize, logger)
	go hub.Run(runCtx)

	heartbeat := ws.NewHeartbeat(hub, cfg.Heartbeat.Interval, logger)
	go heartbeat.Run(runCtx)

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		auditLog, err = audit.Open(cfg.Audit.Path, logger)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditLog.Close()
		go auditLog.Run(runCtx)
	}

	var recorder ws.DeltaRecorder
	if auditLog != nil {
		recorder = auditLog
	}
	broadcaster := ws.NewBroadcaster(hub, cfg.Broadcast.BackpressureBytes, recorder, logger)

	var notifier poller.Notifier = poller.NopNotifier{}
	if cfg.Notify.Enabled {
		notifier = notify.NewClient(cfg.Notify, logger)
	}

	store := session.NewStore()
	p := poller.New(client, store, broadcaster, notifier, cfg.Poll.Interval, cfg.Notify.FailureStreak, logger)
	go p.Run(runCtx)

	srv := server.NewServer(client, p, hub, broadcaster, auditLog, logger)
	router := server.NewRouter(srv)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server...")

	// Stop the poll and heartbeat timers, then let the hub close every
	// connection before the HTTP listener goes away.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
