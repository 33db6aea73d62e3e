package jobs

import (
	"errors"
	"fmt"
)

// 処理ステップごとのエラー種別です。ProcessingError は種別と原因の両方に errors.Is でマッチします。
var (
	ErrFetch        = errors.New("fetch failed")
	ErrExpand       = errors.New("expand failed")
	ErrUpload       = errors.New("upload failed")
	ErrStatusUpdate = errors.New("status update failed")
	ErrQueue        = errors.New("queue unavailable")
)

var (
	// ErrJobNotFound はジョブレコードが存在しないことを表します。再試行しても解決しません。
	ErrJobNotFound = errors.New("job not found")
	// ErrInvalidJob はジョブIDやメッセージが不正であることを表します。再試行しても解決しません。
	ErrInvalidJob = errors.New("invalid job")
	// ErrInFlight は同じジョブが既にこのプロセスで処理中であることを表します。
	ErrInFlight = errors.New("job already in flight")
	// ErrInvalidUpdate は不変条件に反する状態更新を表します。
	ErrInvalidUpdate = errors.New("invalid status update")
	// ErrCorruptRecord は保存されたレコードを読み取れないことを表します。ストア自体は応答しています。
	ErrCorruptRecord = errors.New("corrupt job record")
	// ErrStatusConflict は更新の前提とした状態から、レコードが別の状態に変わっていたことを表します。
	ErrStatusConflict = errors.New("job status changed concurrently")
)

// Step は処理ステップを表します。
type Step string

const (
	StepLookup Step = "lookup"
	StepFetch  Step = "fetch"
	StepExpand Step = "expand"
	StepUpload Step = "upload"
	StepUpdate Step = "update"
)

var stepKinds = map[Step]error{
	StepLookup: ErrStatusUpdate,
	StepFetch:  ErrFetch,
	StepExpand: ErrExpand,
	StepUpload: ErrUpload,
	StepUpdate: ErrStatusUpdate,
}

// ProcessingError はジョブ処理の失敗を表します。
type ProcessingError struct {
	JobID string
	Step  Step
	Err   error
}

func newProcessingError(jobID string, step Step, err error) *ProcessingError {
	return &ProcessingError{JobID: jobID, Step: step, Err: err}
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("job %s: %s: %v", e.JobID, e.Step, e.Err)
}

// Unwrap はステップの種別と原因の両方を返します。
func (e *ProcessingError) Unwrap() []error {
	kind, ok := stepKinds[e.Step]
	if !ok {
		return []error{e.Err}
	}
	return []error{kind, e.Err}
}

// IsPermanent は再試行しても結果が変わらないエラーかどうかを返します。
func IsPermanent(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrInvalidJob) || errors.Is(err, ErrStatusConflict)
}
