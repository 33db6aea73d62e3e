// Package config は環境変数から設定を読み込み、ワーカー全体で使用する設定を提供します。
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ストレージドライバーの種類
const (
	StorageDriverS3    = "s3"
	StorageDriverLocal = "local"
)

// MaxBatchSize は1回の受信で取得できるメッセージ数の上限です（SQS の上限に合わせています）。
const MaxBatchSize = 10

// Config はワーカーの設定を保持する構造体です。起動時に一度だけ読み込み、以後は変更しません。
type Config struct {
	// キュー設定
	QueueURL          string        // SQS のキューURL / amqp:// / redis://（asynq）
	QueueName         string        // AMQP 利用時のキュー名
	SQSEndpoint       string        // SQS エンドポイントの上書き（localstack 等）
	BatchSize         int           // 1回の受信で取得する最大メッセージ数
	WaitSeconds       int           // ロングポーリングの待ち時間（秒）
	VisibilityTimeout time.Duration // SQS の可視性タイムアウト（0 の場合はキューの設定を使用）
	RetryDelay        time.Duration // AMQP で失敗したメッセージを再配信するまでの待ち時間
	PollErrorPause    time.Duration // キュー受信エラー後の待機時間
	Concurrency       int           // 同時に処理するジョブ数

	// オブジェクトストレージ設定
	StorageDriver    string // s3 または local
	Bucket           string // バケット名
	Region           string // リージョン
	S3Endpoint       string // S3 互換エンドポイント（host[:port]）
	S3AccessKey      string // アクセスキー（空の場合は環境/IAM の認証情報を使用）
	S3SecretKey      string // シークレットキー
	S3UseSSL         bool   // HTTPS を使用するか
	PublicBaseURL    string // 公開URLのベース（CDN 等を利用する場合）
	LocalStorageRoot string // local ドライバーの保存先ディレクトリ

	// ジョブ状態ストア設定
	StoreURL     string        // mongodb:// / redis:// / postgres:// 接続文字列
	StoreTimeout time.Duration // ストア呼び出し1回あたりのタイムアウト

	// ジョブ処理設定
	ScratchDir        string        // 作業ディレクトリのルート
	PreviewPrefix     string        // プレビューのアップロード先プレフィックス
	IndexDocument     string        // 公開URLが指すドキュメント
	JobTimeout        time.Duration // ジョブ1件あたりのタイムアウト
	UploadParallelism int           // アップロードの並列数
	MaxArchiveBytes   int64         // 展開後の合計サイズ上限
	MaxArchiveFiles   int           // 展開するファイル数の上限
	SkipRecovery      bool          // 起動時のリカバリースキャンを省略するか
	ShutdownTimeout   time.Duration // シャットダウン時に処理中ジョブを待つ最大時間

	// ログ設定
	LogLevel  string // debug, info, warn, error
	LogFormat string // json または console

	// 運用エンドポイント設定
	OpsAddr         string // 空の場合は起動しない
	OpsUsername     string // Basic 認証のユーザー名（空の場合は認証なし）
	OpsPasswordHash string // bcrypt でハッシュ化されたパスワード
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	config := &Config{
		QueueURL:          v.GetString("QUEUE_URL"),
		QueueName:         v.GetString("QUEUE_NAME"),
		SQSEndpoint:       v.GetString("SQS_ENDPOINT"),
		BatchSize:         v.GetInt("BATCH_SIZE"),
		WaitSeconds:       v.GetInt("WAIT_SECONDS"),
		VisibilityTimeout: v.GetDuration("VISIBILITY_TIMEOUT"),
		RetryDelay:        v.GetDuration("RETRY_DELAY"),
		PollErrorPause:    v.GetDuration("POLL_ERROR_PAUSE"),
		Concurrency:       v.GetInt("CONCURRENCY"),

		StorageDriver:    strings.ToLower(v.GetString("STORAGE_DRIVER")),
		Bucket:           v.GetString("BUCKET_NAME"),
		Region:           v.GetString("AWS_REGION"),
		S3Endpoint:       v.GetString("S3_ENDPOINT"),
		S3AccessKey:      firstNonEmpty(v.GetString("S3_ACCESS_KEY"), v.GetString("AWS_ACCESS_KEY_ID")),
		S3SecretKey:      firstNonEmpty(v.GetString("S3_SECRET_KEY"), v.GetString("AWS_SECRET_ACCESS_KEY")),
		S3UseSSL:         v.GetBool("S3_USE_SSL"),
		PublicBaseURL:    v.GetString("PUBLIC_BASE_URL"),
		LocalStorageRoot: v.GetString("LOCAL_STORAGE_ROOT"),

		// 旧構成の MONGO_URL も受け付ける
		StoreURL:     firstNonEmpty(v.GetString("STORE_URL"), v.GetString("MONGO_URL")),
		StoreTimeout: v.GetDuration("STORE_TIMEOUT"),

		ScratchDir:        v.GetString("SCRATCH_DIR"),
		PreviewPrefix:     strings.Trim(v.GetString("PREVIEW_PREFIX"), "/"),
		IndexDocument:     strings.TrimLeft(v.GetString("INDEX_DOCUMENT"), "/"),
		JobTimeout:        v.GetDuration("JOB_TIMEOUT"),
		UploadParallelism: v.GetInt("UPLOAD_PARALLELISM"),
		MaxArchiveBytes:   v.GetInt64("MAX_ARCHIVE_BYTES"),
		MaxArchiveFiles:   v.GetInt("MAX_ARCHIVE_FILES"),
		SkipRecovery:      v.GetBool("SKIP_RECOVERY"),
		ShutdownTimeout:   v.GetDuration("SHUTDOWN_TIMEOUT"),

		LogLevel:  strings.ToLower(v.GetString("LOG_LEVEL")),
		LogFormat: strings.ToLower(v.GetString("LOG_FORMAT")),

		OpsAddr:         v.GetString("OPS_ADDR"),
		OpsUsername:     v.GetString("OPS_USERNAME"),
		OpsPasswordHash: v.GetString("OPS_PASSWORD_HASH"),
	}
	if config.Concurrency <= 0 {
		config.Concurrency = config.BatchSize
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("QUEUE_NAME", "templates.uploaded")
	v.SetDefault("BATCH_SIZE", MaxBatchSize)
	v.SetDefault("WAIT_SECONDS", 20)
	v.SetDefault("VISIBILITY_TIMEOUT", "0s")
	v.SetDefault("RETRY_DELAY", "30s")
	v.SetDefault("POLL_ERROR_PAUSE", "5s")
	v.SetDefault("CONCURRENCY", 0)

	v.SetDefault("STORAGE_DRIVER", StorageDriverS3)
	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("S3_ENDPOINT", "s3.amazonaws.com")
	v.SetDefault("S3_USE_SSL", true)
	v.SetDefault("LOCAL_STORAGE_ROOT", "./storage")

	v.SetDefault("STORE_TIMEOUT", "10s")

	v.SetDefault("SCRATCH_DIR", filepath.Join(os.TempDir(), "preview-worker"))
	v.SetDefault("PREVIEW_PREFIX", "previews")
	v.SetDefault("INDEX_DOCUMENT", "index.html")
	v.SetDefault("JOB_TIMEOUT", "5m")
	v.SetDefault("UPLOAD_PARALLELISM", 4)
	v.SetDefault("MAX_ARCHIVE_BYTES", 512*1024*1024) // 512MB
	v.SetDefault("MAX_ARCHIVE_FILES", 10000)
	v.SetDefault("SKIP_RECOVERY", false)
	v.SetDefault("SHUTDOWN_TIMEOUT", "30s")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
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
	if c.QueueURL == "" {
		return fmt.Errorf("QUEUE_URL is required")
	}
	if _, err := url.Parse(c.QueueURL); err != nil {
		return fmt.Errorf("QUEUE_URL is invalid: %w", err)
	}
	if c.StoreURL == "" {
		return fmt.Errorf("STORE_URL is required")
	}
	if c.BatchSize < 1 || c.BatchSize > MaxBatchSize {
		return fmt.Errorf("BATCH_SIZE must be between 1 and %d", MaxBatchSize)
	}
	if c.WaitSeconds < 0 || c.WaitSeconds > 20 {
		return fmt.Errorf("WAIT_SECONDS must be between 0 and 20")
	}
	if c.Concurrency > c.BatchSize {
		return fmt.Errorf("CONCURRENCY must not exceed BATCH_SIZE")
	}

	switch c.StorageDriver {
	case StorageDriverS3:
		if c.Bucket == "" {
			return fmt.Errorf("BUCKET_NAME is required for the s3 storage driver")
		}
		if c.S3Endpoint == "" {
			return fmt.Errorf("S3_ENDPOINT is required for the s3 storage driver")
		}
	case StorageDriverLocal:
		if c.LocalStorageRoot == "" {
			return fmt.Errorf("LOCAL_STORAGE_ROOT is required for the local storage driver")
		}
	default:
		return fmt.Errorf("unsupported STORAGE_DRIVER: %s", c.StorageDriver)
	}

	if c.ScratchDir == "" {
		return fmt.Errorf("SCRATCH_DIR is required")
	}
	if c.PreviewPrefix == "" {
		return fmt.Errorf("PREVIEW_PREFIX must not be empty")
	}
	if c.IndexDocument == "" {
		return fmt.Errorf("INDEX_DOCUMENT must not be empty")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT must be positive")
	}
	// 処理中に可視性タイムアウトが切れると同じメッセージが別の受信で再配信される
	if c.VisibilityTimeout < 0 || (c.VisibilityTimeout > 0 && c.VisibilityTimeout < c.JobTimeout) {
		return fmt.Errorf("VISIBILITY_TIMEOUT must be 0 or at least JOB_TIMEOUT")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("RETRY_DELAY must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	if c.PollErrorPause <= 0 {
		return fmt.Errorf("POLL_ERROR_PAUSE must be positive")
	}
	if c.UploadParallelism < 1 {
		return fmt.Errorf("UPLOAD_PARALLELISM must be at least 1")
	}

	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported LOG_FORMAT: %s", c.LogFormat)
	}

	if c.OpsUsername != "" && c.OpsPasswordHash == "" {
		return fmt.Errorf("OPS_PASSWORD_HASH is required when OPS_USERNAME is set")
	}

	return nil
}

// QueueWait はロングポーリングの待ち時間を Duration で返します。
func (c *Config) QueueWait() time.Duration {
	return time.Duration(c.WaitSeconds) * time.Second
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
