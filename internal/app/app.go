// Package app はアプリケーションの初期化と起動モードの分岐を提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/seatwatch/internal/checkpoint"
	"github.com/hitoshi/seatwatch/internal/config"
	"github.com/hitoshi/seatwatch/internal/database"
	"github.com/hitoshi/seatwatch/internal/detector"
	"github.com/hitoshi/seatwatch/internal/handler"
	"github.com/hitoshi/seatwatch/internal/logger"
	"github.com/hitoshi/seatwatch/internal/metrics"
	"github.com/hitoshi/seatwatch/internal/notify"
	"github.com/hitoshi/seatwatch/internal/notify/chat"
	"github.com/hitoshi/seatwatch/internal/notify/mail"
	"github.com/hitoshi/seatwatch/internal/repository"
	"github.com/hitoshi/seatwatch/internal/soc"
	"github.com/hitoshi/seatwatch/internal/worker/dispatch"
	"github.com/hitoshi/seatwatch/internal/worker/poll"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandPoller:
		return runPoller(cfg, args[1:])
	case CommandMailDispatcher:
		return runMailDispatcher(cfg)
	case CommandChatDispatcher:
		return runChatDispatcher(cfg)
	case CommandServe:
		return runServe(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runPoller はSOCポーリングワーカーモードで起動する。
// コマンドラインフラグは環境変数の設定を上書きする。
func runPoller(cfg *config.Config, args []string) error {
	flags, err := ParsePollerFlags(args)
	if err != nil {
		return fmt.Errorf("invalid poller flags: %w", err)
	}
	if flags.Interval != 0 {
		cfg.PollInterval = flags.Interval
	}
	if flags.Jitter >= 0 {
		cfg.PollJitter = flags.Jitter
	}
	if flags.Concurrency > 0 {
		cfg.PollMaxConcurrent = flags.Concurrency
	}
	if flags.MissThreshold > 0 {
		cfg.MissThreshold = flags.MissThreshold
	}
	if flags.Refresh != 0 {
		cfg.RefreshInterval = flags.Refresh
	}
	if flags.Checkpoint != "" {
		cfg.CheckpointFile = flags.Checkpoint
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (poller)")

	sectionRepo := repository.NewPostgresSectionRepo(db)
	subRepo := repository.NewPostgresSubscriptionRepo(db)
	store := repository.NewPostgresDetectorStore(db, sectionRepo)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	ckpt := checkpoint.Load(cfg.CheckpointFile, slog.Default())

	det := detector.New(store, detector.Config{
		MissThreshold:    cfg.MissThreshold,
		ReminderInterval: cfg.OpenReminderInterval,
	}, slog.Default())

	client := soc.NewClient(cfg.SOCBaseURL, cfg.ProbeTimeout, nil)

	poller := poll.New(client, det, ckpt, sectionRepo, subRepo, collector, slog.Default(), poll.Config{
		Interval:        cfg.PollInterval,
		Jitter:          cfg.PollJitter,
		MaxConcurrent:   cfg.PollMaxConcurrent,
		RefreshInterval: cfg.RefreshInterval,
		Targets:         flags.Targets(),
		CampusAllowlist: flags.Campuses,
		RunOnce:         flags.RunOnce,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !flags.RunOnce {
		go serveOps(ctx, cfg.ServerPort, reg)
	}

	if err := poller.Run(ctx); err != nil {
		return fmt.Errorf("poller failed: %w", err)
	}

	slog.Info("poller stopped gracefully")
	return nil
}

// runMailDispatcher はメール配信ワーカーモードで起動する。
func runMailDispatcher(cfg *config.Config) error {
	mailCfg, err := mail.LoadConfig(cfg.MailConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load mail config: %w", err)
	}

	sender := mail.NewSendGridSender(mailCfg, nil)
	adapter := mail.NewAdapter(mailCfg, sender, cfg.BaseURL, cfg.DefaultLocale)

	return runDispatcher(cfg, adapter, mailCfg.RateLimit, mailCfg.RetryPolicy)
}

// runChatDispatcher はチャット配信ワーカーモードで起動する。
func runChatDispatcher(cfg *config.Config) error {
	chatCfg, err := chat.LoadConfig(cfg.ChatConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load chat config: %w", err)
	}

	client := chat.NewBotClient(chatCfg, nil)
	adapter := chat.NewAdapter(chatCfg, client)

	return runDispatcher(cfg, adapter, chatCfg.RateLimit, chatCfg.RetryPolicy)
}

// runDispatcher は指定チャネルアダプタでディスパッチャを起動する共通経路。
func runDispatcher(cfg *config.Config, adapter dispatch.Adapter, rateLimit notify.RateLimitConfig, retry notify.RetryPolicy) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (dispatcher)",
		slog.String("channel", adapter.Channel()),
	)

	repo := repository.NewPostgresNotificationRepo(db)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	limiter := notify.NewRateLimiter(rateLimit)
	reliable := notify.NewReliableSender(limiter, retry, slog.Default())

	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%s-%s", adapter.Channel(), hostname, uuid.NewString()[:8])

	dispatcher := dispatch.New(repo, adapter, reliable, collector, slog.Default(), dispatch.Config{
		BatchSize:      cfg.DispatchBatchSize,
		Interval:       cfg.DispatchInterval,
		LockTTL:        cfg.LockTTL,
		WorkerID:       workerID,
		MaxAttempts:    cfg.DispatchMaxAttempts,
		RetryBackoffMs: retry.BackoffMs,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go serveOps(ctx, cfg.ServerPort, reg)

	if err := dispatcher.Run(ctx); err != nil {
		return fmt.Errorf("dispatcher failed: %w", err)
	}

	slog.Info("dispatcher stopped gracefully")
	return nil
}

// runServe は通知プルAPIサーバーモードで起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	notifRepo := repository.NewPostgresNotificationRepo(db)

	reg := prometheus.NewRegistry()
	metrics.NewCollector(reg)

	deps := &handler.RouterDeps{
		LocalHandler: handler.NewLocalHandler(notifRepo, slog.Default()),
		Gatherer:     reg,
	}
	router := handler.NewRouter(deps)

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// serveOps はワーカーモード用の軽量な運用エンドポイント(/health, /metrics)を提供する。
func serveOps(ctx context.Context, port string, gatherer prometheus.Gatherer) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", metrics.Handler(gatherer))

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("ops server starting", slog.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("ops server listen error", slog.String("error", err.Error()))
	}
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
