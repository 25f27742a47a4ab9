package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ストレージ/ミラーのドライバ名。起動時に1回だけ解決され、
// ハンドラー内での動的なモード分岐は行わない。
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"

	MirrorDriverIntercom = "intercom"
	MirrorDriverNoop     = "noop"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	StorageDriver string
	DatabaseURL   string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Token
	JWTSecret   string
	TokenExpiry time.Duration

	// Mirror (Intercom)
	MirrorDriver        string
	IntercomAccessToken string
	IntercomAdminID     string
	MirrorTimeout       time.Duration
	MirrorQueueSize     int

	// Rate Limit（req/min/user）
	RateLimitGeneral int
	RateLimitCreate  int

	// Server
	ServerPort  string
	BaseURL     string
	FrontendURL string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.FrontendURL = os.Getenv("FRONTEND_URL")
	if cfg.FrontendURL == "" {
		missing = append(missing, "FRONTEND_URL")
	}

	// ストレージドライバはpostgresがデフォルト。
	// postgres選択時のみDATABASE_URLが必須になる。
	cfg.StorageDriver = getEnvString("STORAGE_DRIVER", StorageDriverPostgres)
	if cfg.StorageDriver != StorageDriverPostgres && cfg.StorageDriver != StorageDriverMemory {
		return nil, fmt.Errorf("invalid STORAGE_DRIVER: %q (must be %q or %q)",
			cfg.StorageDriver, StorageDriverPostgres, StorageDriverMemory)
	}
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.StorageDriver == StorageDriverPostgres && cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Mirrorドライバ: INTERCOM_ACCESS_TOKEN未設定時はnoopにフォールバックする。
	defaultMirror := MirrorDriverNoop
	cfg.IntercomAccessToken = os.Getenv("INTERCOM_ACCESS_TOKEN")
	if cfg.IntercomAccessToken != "" {
		defaultMirror = MirrorDriverIntercom
	}
	cfg.MirrorDriver = getEnvString("MIRROR_DRIVER", defaultMirror)
	if cfg.MirrorDriver != MirrorDriverIntercom && cfg.MirrorDriver != MirrorDriverNoop {
		return nil, fmt.Errorf("invalid MIRROR_DRIVER: %q (must be %q or %q)",
			cfg.MirrorDriver, MirrorDriverIntercom, MirrorDriverNoop)
	}
	if cfg.MirrorDriver == MirrorDriverIntercom && cfg.IntercomAccessToken == "" {
		return nil, fmt.Errorf("MIRROR_DRIVER=intercom requires INTERCOM_ACCESS_TOKEN")
	}

	// Optional fields with defaults
	cfg.TokenExpiry = getEnvDuration("TOKEN_EXPIRY", 30*24*time.Hour)
	cfg.IntercomAdminID = getEnvString("INTERCOM_ADMIN_ID", "system")
	cfg.MirrorTimeout = getEnvDuration("MIRROR_TIMEOUT", 10*time.Second)
	cfg.MirrorQueueSize = getEnvInt("MIRROR_QUEUE_SIZE", 256)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitCreate = getEnvInt("RATE_LIMIT_CREATE", 10)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// CookieSecure はBASE_URLがhttpsの場合にtrueを返す。
// OAuth stateクッキーのSecure属性に使用する。
func (c *Config) CookieSecure() bool {
	return strings.HasPrefix(c.BaseURL, "https://")
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
