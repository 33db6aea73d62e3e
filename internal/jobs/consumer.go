package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/preview-worker/internal/logging"
	"github.com/yourusername/preview-worker/internal/queue"
)

// ackTimeout はメッセージの削除・返却1回あたりのタイムアウトです。
const ackTimeout = 10 * time.Second

// ConsumerOptions は Consumer の動作設定です。
type ConsumerOptions struct {
	BatchSize      int           // 1回の受信で取得する最大件数
	Wait           time.Duration // ロングポーリングの待ち時間
	Concurrency    int           // 同時に処理するジョブ数
	JobTimeout     time.Duration // ジョブ1件あたりのタイムアウト
	PollErrorPause time.Duration // 受信エラー後の待機時間
}

// Consumer はキューをポーリングし、受け取ったメッセージを Processor で処理します。
type Consumer struct {
	queue     queue.Queue
	processor *Processor
	opts      ConsumerOptions
	logger    *zap.Logger
}

// NewConsumer は Consumer を作成します。
func NewConsumer(q queue.Queue, processor *Processor, opts ConsumerOptions, logger *zap.Logger) *Consumer {
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = opts.BatchSize
	}
	if opts.PollErrorPause <= 0 {
		opts.PollErrorPause = 5 * time.Second
	}
	return &Consumer{
		queue:     q,
		processor: processor,
		opts:      opts,
		logger:    logging.OrNop(logger),
	}
}

// Run は ctx がキャンセルされるまで受信と処理を繰り返します。
// 受信エラーでは終了せず、一定時間待ってから再試行します。
// キャンセル後は新しい受信を行わず、処理中のジョブの完了を待ってから nil を返します。
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started",
		zap.Int("batch_size", c.opts.BatchSize),
		zap.Duration("wait", c.opts.Wait),
		zap.Int("concurrency", c.opts.Concurrency),
	)
	defer c.logger.Info("consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		messages, err := c.queue.Receive(ctx, c.opts.BatchSize, c.opts.Wait)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("queue receive failed",
				zap.Error(fmt.Errorf("%w: %v", ErrQueue, err)),
				zap.Duration("pause", c.opts.PollErrorPause),
			)
			if !sleepContext(ctx, c.opts.PollErrorPause) {
				return nil
			}
			continue
		}
		if len(messages) == 0 {
			if c.opts.Wait <= 0 && !sleepContext(ctx, time.Second) {
				return nil
			}
			continue
		}
		c.handleBatch(ctx, messages)
	}
}

// handleBatch はバッチ内のメッセージを並行に処理し、全件の完了を待ちます。
// 処理はシャットダウンのキャンセルから切り離し、ジョブのタイムアウトだけで打ち切ります。
func (c *Consumer) handleBatch(ctx context.Context, messages []queue.Message) {
	work := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for _, msg := range messages {
		g.Go(func() error {
			c.handle(work, msg)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Consumer) handle(ctx context.Context, msg queue.Message) {
	log := c.logger.With(zap.String("message_id", msg.ID))

	job, err := DecodeMessage(msg.Body)
	if err != nil {
		log.Warn("discarding malformed message", zap.Error(err))
		c.delete(ctx, msg, log)
		return
	}
	log = log.With(zap.String("job_id", job.JobID), zap.String("source_key", job.SourceKey))

	jobCtx, cancel := withJobTimeout(ctx, c.opts.JobTimeout)
	defer cancel()
	result, err := c.processor.Process(jobCtx, job.JobID, job.SourceKey)

	switch {
	case err == nil:
		log.Info("message processed", zap.String("outcome", string(result.Outcome)))
		c.delete(ctx, msg, log)
	case errors.Is(err, ErrInFlight):
		// 処理中の試行が失敗した場合に備え、重複した配信は削除せず再配信に任せる
		log.Info("job is already being processed, leaving duplicate delivery")
		c.release(ctx, msg, log)
	case IsPermanent(err):
		log.Warn("discarding message for unrecoverable job", zap.Error(err))
		c.delete(ctx, msg, log)
	default:
		fields := []zap.Field{zap.Error(err)}
		var perr *ProcessingError
		if errors.As(err, &perr) {
			fields = append(fields, zap.String("step", string(perr.Step)))
		}
		log.Error("job failed, leaving message for redelivery", fields...)
		c.release(ctx, msg, log)
	}
}

func (c *Consumer) delete(ctx context.Context, msg queue.Message, log *zap.Logger) {
	ackCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	if err := c.queue.Delete(ackCtx, msg.Receipt); err != nil {
		log.Warn("failed to delete message", zap.Error(fmt.Errorf("%w: %v", ErrQueue, err)))
	}
}

func (c *Consumer) release(ctx context.Context, msg queue.Message, log *zap.Logger) {
	releaser, ok := c.queue.(queue.Releaser)
	if !ok {
		return
	}
	ackCtx, cancel := context.WithTimeout(ctx, ackTimeout)
	defer cancel()
	if err := releaser.Release(ackCtx, msg.Receipt); err != nil {
		log.Warn("failed to release message", zap.Error(fmt.Errorf("%w: %v", ErrQueue, err)))
	}
}

// sleepContext は d だけ待ちます。途中で ctx がキャンセルされた場合は false を返します。
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
