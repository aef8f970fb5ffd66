// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DispatchInline = "inline"
	DispatchAsynq  = "asynq"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port          string // APIサーバーのポート番号
	GinMode       string // Ginの実行モード (debug, release, test)
	PublicBaseURL string // 外部サービスから到達可能なこのサーバーのURL（コールバックURLに使用）

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 外部処理サービス
	N8NWebhookURL  string        // アップロードの転送先
	ForwardTimeout time.Duration // 転送の応答待ち上限

	// アップロード制限
	MaxFileSize       int64    // 単一ファイルの最大サイズ（バイト）
	AllowedExtensions []string // 許可する拡張子（小文字、ドット付き）

	// ジョブ/キュー設定
	DispatchMode     string // inline: goroutine, asynq: Asynq キュー経由
	QueueRedisURL    string // Asynq用Redis接続URL
	QueueConcurrency int    // Asynq ワーカー数

	// 進捗フィード
	ProgressFeedRedisURL string        // 空の場合は無効
	ProgressFeedTTL      time.Duration // スナップショットの保持期間

	// ログ設定
	LogLevel  string // debug, info, warn, error
	LogFormat string // console, json
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	port := getEnv("PORT", "8080")
	config := &Config{
		Port:          port,
		GinMode:       getEnv("GIN_MODE", "debug"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", "http://localhost:"+port),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		N8NWebhookURL:  getEnv("N8N_WEBHOOK_URL", ""),
		ForwardTimeout: time.Duration(getEnvAsInt("FORWARD_TIMEOUT_SECONDS", 120)) * time.Second,

		MaxFileSize:       getEnvAsInt64("MAX_FILE_SIZE", 50*1024*1024), // 50MB
		AllowedExtensions: parseExtensions(getEnv("ALLOWED_EXTENSIONS", ".xlsx,.xls")),

		DispatchMode:     strings.ToLower(getEnv("DISPATCH_MODE", DispatchInline)),
		QueueRedisURL:    getEnv("QUEUE_REDIS_URL", "redis://127.0.0.1:6379/0"),
		QueueConcurrency: getEnvAsInt("QUEUE_CONCURRENCY", 4),

		ProgressFeedRedisURL: getEnv("PROGRESS_FEED_REDIS_URL", ""),
		ProgressFeedTTL:      time.Duration(getEnvAsInt("PROGRESS_FEED_TTL_MINUTES", 60)) * time.Minute,

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	switch c.DispatchMode {
	case DispatchInline:
	case DispatchAsynq:
		if c.QueueRedisURL == "" {
			return fmt.Errorf("QUEUE_REDIS_URL is required when DISPATCH_MODE=asynq")
		}
	default:
		return fmt.Errorf("invalid DISPATCH_MODE: %q (valid options: inline, asynq)", c.DispatchMode)
	}
	if c.ForwardTimeout <= 0 {
		return fmt.Errorf("FORWARD_TIMEOUT_SECONDS must be positive")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	if len(c.AllowedExtensions) == 0 {
		return fmt.Errorf("ALLOWED_EXTENSIONS must not be empty")
	}
	if c.GinMode == "release" && !c.WebhookConfigured() {
		return fmt.Errorf("N8N_WEBHOOK_URL is required in release mode")
	}

	return nil
}

// WebhookConfigured は転送先が設定されているかを返します。
func (c *Config) WebhookConfigured() bool {
	return strings.TrimSpace(c.N8NWebhookURL) != ""
}

func parseExtensions(raw string) []string {
	var exts []string
	for _, e := range strings.Split(raw, ",") {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts = append(exts, e)
	}
	return exts
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
