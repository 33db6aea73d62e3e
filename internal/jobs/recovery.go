package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/yourusername/preview-worker/internal/logging"
)

// RecoveryReport はリカバリースキャンの集計です。
type RecoveryReport struct {
	Scanned   int
	Recovered int
	Failed    int
}

// RecoveryScanner は起動時に pending のまま残ったジョブを再処理します。
// 前回のプロセスが処理途中で停止した場合や、メッセージが失われた場合の取りこぼしを補います。
type RecoveryScanner struct {
	store      StatusStore
	processor  *Processor
	jobTimeout time.Duration
	logger     *zap.Logger
}

// NewRecoveryScanner は RecoveryScanner を作成します。
func NewRecoveryScanner(store StatusStore, processor *Processor, jobTimeout time.Duration, logger *zap.Logger) *RecoveryScanner {
	return &RecoveryScanner{
		store:      store,
		processor:  processor,
		jobTimeout: jobTimeout,
		logger:     logging.OrNop(logger),
	}
}

// Run は pending のレコードを全件集めてから1件ずつ処理します。
// 読み取れないレコードと個々のジョブの失敗は集計に含めるだけで、エラーを返すのはスキャン自体が失敗した場合のみです。
func (r *RecoveryScanner) Run(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	pending := make([]*Record, 0)
	for record, err := range r.store.Scan(ctx, StatusPending) {
		if err != nil {
			if errors.Is(err, ErrCorruptRecord) {
				report.Scanned++
				report.Failed++
				r.logger.Warn("skipping unreadable record", zap.Error(err))
				continue
			}
			return report, fmt.Errorf("scan pending jobs: %w", err)
		}
		pending = append(pending, record)
	}
	report.Scanned += len(pending)
	r.logger.Info("recovery scan started", zap.Int("pending", len(pending)), zap.Int("unreadable", report.Failed))

	for _, record := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := r.recoverJob(ctx, record); err != nil {
			report.Failed++
			r.logger.Warn("recovery failed",
				zap.String("job_id", record.JobID),
				zap.String("source_key", record.SourceKey),
				zap.Error(err),
			)
			continue
		}
		report.Recovered++
	}

	r.logger.Info("recovery scan finished",
		zap.Int("scanned", report.Scanned),
		zap.Int("recovered", report.Recovered),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func (r *RecoveryScanner) recoverJob(ctx context.Context, record *Record) error {
	jobCtx, cancel := withJobTimeout(ctx, r.jobTimeout)
	defer cancel()
	_, err := r.processor.Process(jobCtx, record.JobID, record.SourceKey)
	return err
}

func withJobTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
