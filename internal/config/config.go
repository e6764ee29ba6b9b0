// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DotEnvFile は起動時に読み込む.envファイルのパス。存在しなければ無視する。
var DotEnvFile = ".env"

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Identity provider
	IdPURL       string
	IdPAnonKey   string
	IdPJWTSecret string

	// Idle
	IdleTimeout         time.Duration
	IdleActivitySignals string

	// Client
	ClientTTL              time.Duration
	ClientStorageRetention time.Duration

	// Rate Limit
	LoginRatePerMinute int

	// Revocation
	RevocationChannel string

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// DotEnvFileが存在する場合は先に読み込むが、既に設定済みの環境変数は上書きしない。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(DotEnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", DotEnvFile, err)
	}

	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.IdPURL = required("IDP_URL")
	cfg.IdPAnonKey = required("IDP_ANON_KEY")
	cfg.BaseURL = required("BASE_URL")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.IdPJWTSecret = getEnvString("IDP_JWT_SECRET", "")
	cfg.IdleTimeout = getEnvDuration("IDLE_TIMEOUT", 15*time.Minute)
	cfg.IdleActivitySignals = getEnvString("IDLE_ACTIVITY_SIGNALS", "")
	cfg.ClientTTL = getEnvDuration("CLIENT_TTL", 2*time.Hour)
	cfg.ClientStorageRetention = getEnvDuration("CLIENT_STORAGE_RETENTION", 720*time.Hour)
	cfg.LoginRatePerMinute = getEnvInt("LOGIN_RATE_PER_MIN", 10)
	cfg.RevocationChannel = getEnvString("REVOCATION_CHANNEL", "auth_session_events")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = getEnvBool("COOKIE_SECURE", strings.HasPrefix(cfg.BaseURL, "https://"))
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")

	if cfg.IdleTimeout <= 0 {
		return nil, fmt.Errorf("IDLE_TIMEOUT must be positive, got %v", cfg.IdleTimeout)
	}

	return cfg, nil
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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
