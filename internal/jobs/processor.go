package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourusername/preview-worker/internal/archive"
	"github.com/yourusername/preview-worker/internal/logging"
	"github.com/yourusername/preview-worker/internal/storage"
)

// ProcessorOptions は Processor の動作設定です。
type ProcessorOptions struct {
	ScratchDir        string        // 作業ディレクトリのルート
	Prefix            string        // アップロード先プレフィックス（例: previews）
	IndexDocument     string        // 公開URLが指すドキュメント（例: index.html）
	StoreTimeout      time.Duration // ストア呼び出し1回あたりのタイムアウト
	UploadParallelism int
}

// Processor は1件のジョブを取得・展開・アップロードし、レコードを ready にします。
// 同じジョブIDの処理はプロセス内で同時に1つまでです。
type Processor struct {
	store    StatusStore
	objects  storage.ObjectStore
	expander *archive.Expander
	opts     ProcessorOptions
	inflight *inflightSet
	logger   *zap.Logger
}

// NewProcessor は Processor を初期化します。
func NewProcessor(store StatusStore, objects storage.ObjectStore, expander *archive.Expander, opts ProcessorOptions, logger *zap.Logger) (*Processor, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if objects == nil {
		return nil, errors.New("object store is nil")
	}
	if expander == nil {
		return nil, errors.New("expander is nil")
	}
	if opts.ScratchDir == "" {
		opts.ScratchDir = filepath.Join(os.TempDir(), "preview-worker")
	}
	if opts.IndexDocument == "" {
		opts.IndexDocument = "index.html"
	}
	if opts.UploadParallelism < 1 {
		opts.UploadParallelism = 1
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")

	return &Processor{
		store:    store,
		objects:  objects,
		expander: expander,
		opts:     opts,
		inflight: newInflightSet(),
		logger:   logging.OrNop(logger),
	}, nil
}

// workspace は1回の処理で使う作業領域です。
type workspace struct {
	dir         string
	archivePath string
	siteDir     string
}

// Process は jobID のジョブを処理します。
// sourceKey が空の場合はレコードに保存されたキーを使用します。
// 失敗時はレコードを変更せず、再試行はキューまたはリカバリースキャンに任せます。
func (p *Processor) Process(ctx context.Context, jobID, sourceKey string) (*Result, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	if !p.inflight.tryAcquire(jobID) {
		return nil, ErrInFlight
	}
	defer p.inflight.release(jobID)

	started := time.Now()
	log := p.logger.With(zap.String("job_id", jobID))

	record, err := p.Lookup(ctx, jobID)
	if err != nil {
		return nil, newProcessingError(jobID, StepLookup, err)
	}
	switch record.Status {
	case StatusReady:
		log.Info("job already ready", zap.String("result_url", record.ResultURL))
		return &Result{
			JobID:     jobID,
			ResultURL: record.ResultURL,
			Outcome:   OutcomeAlreadyReady,
			Duration:  time.Since(started),
		}, nil
	case StatusFailed:
		log.Info("job is failed, skipping")
		return &Result{
			JobID:    jobID,
			Outcome:  OutcomeSkipped,
			Duration: time.Since(started),
		}, nil
	}

	if sourceKey == "" {
		sourceKey = record.SourceKey
	}
	if sourceKey == "" {
		return nil, newProcessingError(jobID, StepFetch, fmt.Errorf("%w: no source key", ErrInvalidJob))
	}
	log = log.With(zap.String("source_key", sourceKey))

	ws, err := p.newWorkspace(jobID)
	if err != nil {
		return nil, newProcessingError(jobID, StepFetch, err)
	}
	defer p.cleanup(ws, log)

	if err := p.objects.Get(ctx, sourceKey, ws.archivePath); err != nil {
		return nil, newProcessingError(jobID, StepFetch, err)
	}
	log.Debug("archive fetched")

	if err := ctx.Err(); err != nil {
		return nil, newProcessingError(jobID, StepExpand, err)
	}
	manifest, err := p.expander.Expand(ws.archivePath, ws.siteDir)
	if err != nil {
		return nil, newProcessingError(jobID, StepExpand, err)
	}
	log.Debug("archive expanded", zap.Int("files", len(manifest.Files)), zap.Int64("bytes", manifest.Bytes))
	// 公開URLは常に index ドキュメントを指す。無い場合もアップロードした内容のまま ready にする
	if !slices.Contains(manifest.Files, p.opts.IndexDocument) {
		log.Warn("archive has no index document at its root",
			zap.String("index_document", p.opts.IndexDocument),
			zap.Strings("files", firstN(manifest.Files, 5)),
		)
	}

	prefix := storage.JoinKey(p.opts.Prefix, jobID)
	uploaded, err := storage.UploadDir(ctx, p.objects, ws.siteDir, prefix, p.opts.UploadParallelism)
	if err != nil {
		return nil, newProcessingError(jobID, StepUpload, err)
	}

	resultURL := p.objects.PublicURL(storage.JoinKey(prefix, p.opts.IndexDocument))

	storeCtx, cancel := p.storeContext(ctx)
	defer cancel()
	if err := p.store.Update(storeCtx, jobID, Update{Status: StatusReady, ResultURL: resultURL, From: StatusPending}); err != nil {
		return nil, newProcessingError(jobID, StepUpdate, err)
	}

	result := &Result{
		JobID:     jobID,
		ResultURL: resultURL,
		Outcome:   OutcomeMaterialized,
		Files:     len(uploaded.Keys),
		Bytes:     uploaded.Bytes,
		Duration:  time.Since(started),
	}
	log.Info("job ready",
		zap.String("result_url", resultURL),
		zap.Int("files", result.Files),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// Lookup はストアのタイムアウトを適用してレコードを取得します。
func (p *Processor) Lookup(ctx context.Context, jobID string) (*Record, error) {
	storeCtx, cancel := p.storeContext(ctx)
	defer cancel()
	return p.store.Get(storeCtx, jobID)
}

// InFlight は処理中のジョブ数を返します。
func (p *Processor) InFlight() int {
	return p.inflight.len()
}

func (p *Processor) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.opts.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.opts.StoreTimeout)
}

func (p *Processor) newWorkspace(jobID string) (workspace, error) {
	dir := filepath.Join(p.opts.ScratchDir, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return workspace{}, fmt.Errorf("reset workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return workspace{}, fmt.Errorf("create workspace: %w", err)
	}
	return workspace{
		dir:         dir,
		archivePath: filepath.Join(dir, "source-"+uuid.NewString()+".zip"),
		siteDir:     filepath.Join(dir, "site"),
	}, nil
}

func (p *Processor) cleanup(ws workspace, log *zap.Logger) {
	if err := os.RemoveAll(ws.dir); err != nil {
		log.Warn("failed to remove workspace", zap.String("dir", ws.dir), zap.Error(err))
	}
}

func firstN(values []string, n int) []string {
	if len(values) <= n {
		return values
	}
	return values[:n]
}

// validateJobID はジョブIDがパスの1要素として安全に使えるかを検査します。
func validateJobID(jobID string) error {
	switch {
	case jobID == "":
		return fmt.Errorf("%w: job id is empty", ErrInvalidJob)
	case strings.ContainsAny(jobID, `/\`), strings.Contains(jobID, ".."), jobID == ".":
		return fmt.Errorf("%w: job id %q is not a single path segment", ErrInvalidJob, jobID)
	case strings.TrimSpace(jobID) != jobID:
		return fmt.Errorf("%w: job id %q has surrounding spaces", ErrInvalidJob, jobID)
	}
	return nil
}
