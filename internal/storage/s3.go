package storage

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config は S3 互換ストレージへの接続設定です。
type S3Config struct {
	Endpoint      string // host[:port]（AWS の場合は s3.amazonaws.com）
	Region        string
	Bucket        string
	AccessKey     string // 空の場合は環境変数・共有設定・IAM ロールから取得
	SecretKey     string
	UseSSL        bool
	PublicBaseURL string // 指定時はこのURLを公開URLのベースにする
}

// S3 は minio-go を利用した ObjectStore 実装です。
type S3 struct {
	client  *minio.Client
	bucket  string
	urlBase string
}

// NewS3 は S3 クライアントを作成します。
func NewS3(cfg S3Config) (*S3, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	var creds *credentials.Credentials
	if cfg.AccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{Client: &http.Client{Transport: http.DefaultTransport}},
		})
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	return &S3{
		client:  client,
		bucket:  cfg.Bucket,
		urlBase: PublicURLBase(cfg),
	}, nil
}

// Ping はバケットにアクセスできるかを確認します。
func (s *S3) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("s3 bucket exists: %w", err)
	}
	if !ok {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}
	return nil
}

// Get はオブジェクトを localPath にダウンロードします。
func (s *S3) Get(ctx context.Context, key, localPath string) error {
	if err := s.client.FGetObject(ctx, s.bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("s3 get object: %w", err)
	}
	return nil
}

// Put は localPath のファイルをアップロードします。
func (s *S3) Put(ctx context.Context, key, localPath string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: ContentType(localPath),
	})
	if err != nil {
		return fmt.Errorf("s3 put object: %w", err)
	}
	return nil
}

// PublicURL はキーの公開URLを返します。
func (s *S3) PublicURL(key string) string {
	return s.urlBase + "/" + escapeKey(strings.TrimLeft(key, "/"))
}

// PublicURLBase は設定から公開URLのベースを組み立てます。
//   - PublicBaseURL 指定時: そのまま使用
//   - AWS: https://<bucket>.s3.<region>.amazonaws.com
//   - その他の S3 互換: <scheme>://<endpoint>/<bucket>（パス形式）
func PublicURLBase(cfg S3Config) string {
	if cfg.PublicBaseURL != "" {
		return strings.TrimRight(cfg.PublicBaseURL, "/")
	}
	if strings.HasSuffix(cfg.Endpoint, "amazonaws.com") {
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", cfg.Bucket, cfg.Region)
	}
	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s", scheme, strings.TrimRight(cfg.Endpoint, "/"), cfg.Bucket)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return resp.StatusCode == http.StatusNotFound
}
