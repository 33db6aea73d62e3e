package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/yourusername/preview-worker/internal/logging"
)

// TaskTypeMaterialize はプレビュー生成タスクの種類です。ペイロードはキューのメッセージと同じ JSON です。
const TaskTypeMaterialize = "template:materialize"

// AsynqOptions は AsynqConsumer の動作設定です。
type AsynqOptions struct {
	Queue           string
	Concurrency     int
	JobTimeout      time.Duration
	ShutdownTimeout time.Duration
}

// AsynqConsumer は Redis 上の asynq タスクを Processor で処理します。
// ハンドラーが nil を返すとタスクは完了扱いになります。
type AsynqConsumer struct {
	server     *asynq.Server
	mux        *asynq.ServeMux
	processor  *Processor
	jobTimeout time.Duration
	logger     *zap.Logger
}

// NewAsynqConsumer は AsynqConsumer を初期化します。
func NewAsynqConsumer(redisURL string, processor *Processor, opts AsynqOptions, logger *zap.Logger) (*AsynqConsumer, error) {
	if processor == nil {
		return nil, errors.New("processor is nil")
	}
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if opts.Queue == "" {
		opts.Queue = "templates"
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	logger = logging.OrNop(logger)

	c := &AsynqConsumer{
		processor:  processor,
		jobTimeout: opts.JobTimeout,
		logger:     logger,
		mux:        asynq.NewServeMux(),
	}
	c.server = asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: opts.Concurrency,
			Queues: map[string]int{
				opts.Queue: 1,
			},
			ShutdownTimeout: opts.ShutdownTimeout,
			Logger:          logger.Sugar(),
			ErrorHandler: asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
				logger.Warn("asynq task failed", zap.String("type", task.Type()), zap.Error(err))
			}),
		},
	)
	c.mux.HandleFunc(TaskTypeMaterialize, c.HandleTask)
	return c, nil
}

// Run は asynq サーバーを起動し、ctx がキャンセルされるとシャットダウンします。
func (c *AsynqConsumer) Run(ctx context.Context) error {
	if err := c.server.Start(c.mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	c.logger.Info("asynq consumer started")
	<-ctx.Done()
	c.server.Shutdown()
	c.logger.Info("asynq consumer stopped")
	return nil
}

// HandleTask は1件のタスクを処理します。
// 再試行しても結果が変わらないエラーは asynq.SkipRetry で包み、再試行させません。
func (c *AsynqConsumer) HandleTask(ctx context.Context, task *asynq.Task) error {
	msg, err := DecodeMessage(task.Payload())
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	jobCtx, cancel := withJobTimeout(ctx, c.jobTimeout)
	defer cancel()
	result, err := c.processor.Process(jobCtx, msg.JobID, msg.SourceKey)
	switch {
	case err == nil:
		c.logger.Info("task processed",
			zap.String("job_id", msg.JobID),
			zap.String("outcome", string(result.Outcome)),
		)
		return nil
	case errors.Is(err, ErrInFlight):
		return nil
	case IsPermanent(err):
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}

// NewMaterializeTask はプレビュー生成タスクを作成します。
func NewMaterializeTask(msg Message, opts ...asynq.Option) (*asynq.Task, error) {
	body, err := EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeMaterialize, body, opts...), nil
}
