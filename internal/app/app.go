// Package app はアプリケーションの起動と依存関係のワイヤリングを行う。
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
	"golang.org/x/time/rate"

	"github.com/hitoshi/servicedesk/internal/auth"
	"github.com/hitoshi/servicedesk/internal/config"
	"github.com/hitoshi/servicedesk/internal/database"
	"github.com/hitoshi/servicedesk/internal/handler"
	"github.com/hitoshi/servicedesk/internal/logger"
	"github.com/hitoshi/servicedesk/internal/metrics"
	"github.com/hitoshi/servicedesk/internal/middleware"
	"github.com/hitoshi/servicedesk/internal/mirror"
	"github.com/hitoshi/servicedesk/internal/realtime"
	"github.com/hitoshi/servicedesk/internal/repository"
	"github.com/hitoshi/servicedesk/internal/request"
	"github.com/hitoshi/servicedesk/internal/security"
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
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// storageDeps はストレージドライバごとに異なる依存をまとめる。
type storageDeps struct {
	userRepo    repository.UserRepository
	identRepo   repository.IdentityRepository
	requestRepo repository.ServiceRequestRepository
	health      handler.HealthChecker
	close       func()
}

// openStorage は設定に応じてPostgreSQLまたはインメモリストレージを開く。
func openStorage(cfg *config.Config) (*storageDeps, error) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		slog.Warn("using in-memory storage: data will be lost on restart")
		store := repository.NewMemoryStore()
		return &storageDeps{
			userRepo:    store,
			identRepo:   store,
			requestRepo: store.RequestRepo(),
			close:       func() {},
		}, nil
	}

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	return &storageDeps{
		userRepo:    repository.NewPostgresUserRepo(db),
		identRepo:   repository.NewPostgresIdentityRepo(db),
		requestRepo: repository.NewPostgresServiceRequestRepo(db),
		health:      db,
		close:       func() { db.Close() },
	}, nil
}

// newMirror は設定に応じてIntercomクライアントまたはnoop実装を返す。
// Intercomのエンドポイントは起動時にegressガードで検証し、
// 外向き通信にはSSRF防止付きHTTPクライアントを使用する。
func newMirror(cfg *config.Config) (mirror.Mirror, error) {
	if cfg.MirrorDriver != config.MirrorDriverIntercom {
		slog.Info("mirror integration disabled")
		return mirror.NewNoopMirror(), nil
	}

	guard := security.NewEgressGuard()
	if err := guard.ValidateURL(mirror.DefaultIntercomBaseURL); err != nil {
		return nil, fmt.Errorf("intercom base URL rejected by egress guard: %w", err)
	}
	httpClient := guard.NewSafeClient(cfg.MirrorTimeout)
	return mirror.NewIntercomClient(httpClient, slog.Default(), cfg.IntercomAccessToken, cfg.IntercomAdminID), nil
}

// runServe はAPIサーバーモードで起動する。
// ストレージを開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. ストレージ
	storage, err := openStorage(cfg)
	if err != nil {
		return err
	}
	defer storage.close()

	// 2. メトリクス
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. 認証
	tokenManager := auth.NewTokenManager(cfg.JWTSecret, cfg.TokenExpiry)
	oauthProvider := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	authService := auth.NewService(oauthProvider, storage.userRepo, storage.identRepo, tokenManager)

	// 4. リアルタイム配信ハブ
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()

	hub := realtime.NewHub(slog.Default(), collector)
	go hub.Run(hubCtx)

	fanout := realtime.NewFanout(hub, slog.Default(), collector)

	// 5. ミラー転記ディスパッチャ
	mir, err := newMirror(cfg)
	if err != nil {
		return err
	}
	dispatcher := mirror.NewDispatcher(
		mir, storage.requestRepo,
		slog.Default(), collector,
		cfg.MirrorQueueSize, cfg.MirrorTimeout,
	)
	defer dispatcher.Close()

	// 6. ドメインサービス
	sanitizer := security.NewContentSanitizer()
	requestService := request.NewService(
		storage.requestRepo, storage.userRepo,
		sanitizer, fanout, dispatcher, collector,
	)

	// 7. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	// configはreq/min単位なのでreq/secに変換する
	rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	rateLimiterCfg.CreationRate = rate.Limit(float64(cfg.RateLimitCreate) / 60.0)
	rateLimiterCfg.CreationBurst = cfg.RateLimitCreate

	rateLimiter := middleware.NewRateLimiter(rateLimiterCfg)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		TokenVerifier:     tokenManager,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            slog.Default(),
		Collector:         collector,

		AuthService: authService,
		AuthConfig: handler.AuthHandlerConfig{
			FrontendURL:  cfg.FrontendURL,
			CookieSecure: cfg.CookieSecure(),
		},

		RequestService: requestService,

		Hub:              hub,
		OwnershipChecker: requestService,

		HealthChecker: storage.health,
		Gatherer:      registry,
		SecureHeaders: cfg.CookieSecure(),
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
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

	// WebSocket接続を切断し、積み残しのミラージョブを実行し切る
	hubCancel()

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.StorageDriver == config.StorageDriverMemory {
		slog.Info("in-memory storage does not require migrations")
		return nil
	}

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
