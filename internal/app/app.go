// Package app は設定の読み込みと依存関係のワイヤリングを行い、各起動モードを実行する。
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/laptopinv/internal/client"
	"github.com/hitoshi/laptopinv/internal/config"
	"github.com/hitoshi/laptopinv/internal/database"
	"github.com/hitoshi/laptopinv/internal/handler"
	"github.com/hitoshi/laptopinv/internal/identity"
	"github.com/hitoshi/laptopinv/internal/idle"
	"github.com/hitoshi/laptopinv/internal/logger"
	"github.com/hitoshi/laptopinv/internal/metrics"
	"github.com/hitoshi/laptopinv/internal/middleware"
	"github.com/hitoshi/laptopinv/internal/repository"
	"github.com/hitoshi/laptopinv/internal/security"
	"github.com/hitoshi/laptopinv/internal/worker/cleanup"
)

const (
	// clientCleanupInterval は未使用のクライアントランタイムを破棄する間隔。
	clientCleanupInterval = 5 * time.Minute
	// shutdownTimeout はグレースフルシャットダウンに許す時間。
	shutdownTimeout = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

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
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はBFFサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーと失効通知の購読を起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	profileRepo := repository.NewPostgresProfileRepo(db)
	storageRepo := repository.NewPostgresClientStorageRepo(db)

	// 3. 認証サービスクライアントの初期化
	api := identity.NewAPI(identity.APIConfig{
		BaseURL:   cfg.IdPURL,
		AnonKey:   cfg.IdPAnonKey,
		JWTSecret: cfg.IdPJWTSecret,
	})
	if cfg.IdPJWTSecret == "" {
		slog.Warn("IDP_JWT_SECRET is not set; access tokens are verified by the identity provider only")
	}

	// 4. メトリクスの初期化
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(promRegistry)

	// 5. クライアントレジストリの初期化
	signals := idle.ParseSignals(cfg.IdleActivitySignals)
	clients := client.NewRegistry(client.Config{
		API:             api,
		Storage:         storageRepo,
		Profiles:        profileRepo,
		Sanitizer:       security.NewTextSanitizer(),
		Metrics:         collector,
		IdleTimeout:     cfg.IdleTimeout,
		IdleSignals:     signals,
		TTL:             cfg.ClientTTL,
		CleanupInterval: clientCleanupInterval,
		Logger:          slog.Default(),
	})
	defer clients.Close()

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(cfg.LoginRatePerMinute))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Clients:           clients,
		HealthChecker:     db,
		MetricsHandler:    metrics.Handler(promRegistry),
		Metrics:           collector,
		Logger:            slog.Default(),
		RateLimiter:       rateLimiter,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CookieSecure:      cfg.CookieSecure,
		CookieDomain:      cfg.CookieDomain,
		ClientCookieTTL:   cfg.ClientStorageRetention,
		IdleSignals:       signals,
	})

	// 7. シグナルハンドリングと失効通知の購読
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener := identity.NewRevocationListener(cfg.DatabaseURL, cfg.RevocationChannel, clients, slog.Default())
	go func() {
		if err := listener.Run(ctx); err != nil {
			slog.Error("revocation listener stopped", slog.String("error", err.Error()))
		}
	}()

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("BFF server starting",
			slog.String("addr", server.Addr),
			slog.Duration("idle_timeout", cfg.IdleTimeout),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err, ok := <-serverErr:
		if ok {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down BFF server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("BFF server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、クライアントストレージのクリーンアップジョブを日次で実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. クリーンアップジョブの初期化
	storageRepo := repository.NewPostgresClientStorageRepo(db)
	cleanupJob := cleanup.NewCleanupJob(storageRepo, cfg.ClientStorageRetention, slog.Default())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.Duration("retention", cleanupJob.Retention),
		slog.Duration("interval", cleanup.DefaultInterval),
	)

	// 3. クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	cleanupJob.Start(ctx, cleanup.DefaultInterval)

	slog.Info("worker stopped gracefully")
	return nil
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
	httpClient := &http.Client{Timeout: 5 * time.Second}

	resp, err := httpClient.Get(url)
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
