package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQS の受信パラメータの上限です。
const (
	sqsMaxMessages = 10
	sqsMaxWait     = 20 * time.Second
)

// sqsAPI は SQS クライアントのうち使用する操作です。
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSConfig は SQS キューへの接続設定です。
type SQSConfig struct {
	QueueURL          string
	Region            string
	Endpoint          string        // localstack 等を使う場合のエンドポイント
	VisibilityTimeout time.Duration // 0 の場合はキューの設定を使用
}

// SQS は Amazon SQS をキューとして扱います。
type SQS struct {
	client            sqsAPI
	queueURL          string
	visibilityTimeout time.Duration
}

// NewSQS は既定の AWS 認証情報チェーンで SQS クライアントを作成します。
func NewSQS(ctx context.Context, cfg SQSConfig) (*SQS, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs queue url is required")
	}
	opts := make([]func(*awsconfig.LoadOptions) error, 0, 1)
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newSQSWithClient(client, cfg), nil
}

func newSQSWithClient(client sqsAPI, cfg SQSConfig) *SQS {
	return &SQS{
		client:            client,
		queueURL:          cfg.QueueURL,
		visibilityTimeout: cfg.VisibilityTimeout,
	}
}

// Receive はロングポーリングでメッセージを受け取ります。
func (q *SQS) Receive(ctx context.Context, limit int, wait time.Duration) ([]Message, error) {
	limit = min(max(limit, 1), sqsMaxMessages)
	wait = min(max(wait, 0), sqsMaxWait)

	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(limit),
		WaitTimeSeconds:     int32(wait / time.Second),
	}
	if q.visibilityTimeout > 0 {
		input.VisibilityTimeout = int32(q.visibilityTimeout / time.Second)
	}

	out, err := q.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("sqs receive: %w", err)
	}
	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, Message{
			ID:      aws.ToString(m.MessageId),
			Body:    []byte(aws.ToString(m.Body)),
			Receipt: aws.ToString(m.ReceiptHandle),
		})
	}
	return messages, nil
}

// Delete はメッセージを削除します。
func (q *SQS) Delete(ctx context.Context, receipt string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}
