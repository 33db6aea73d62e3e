package jobs

import (
	"fmt"
	"time"
)

// Status はジョブの状態を表します。
// 処理中を表す状態は持ちません。クラッシュした処理と未着手の処理は区別できず、どちらも pending のまま残ります。
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// Valid は既知の状態かどうかを返します。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReady, StatusFailed:
		return true
	}
	return false
}

// Record はジョブの現在状態を表します。ワーカーはレコードを作成・削除せず、状態の遷移のみを行います。
type Record struct {
	JobID     string    `json:"jobId"`
	Status    Status    `json:"status"`
	SourceKey string    `json:"sourceKey"`
	ResultURL string    `json:"resultUrl,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Update はレコードに適用する変更です。
// From を指定した場合、現在の状態が From のときだけ更新し、異なれば ErrStatusConflict を返します。
type Update struct {
	Status    Status
	ResultURL string
	From      Status
}

// validate は「ResultURL が設定されるのは ready のときだけ」という不変条件を検査します。
func (u Update) validate() error {
	if !u.Status.Valid() {
		return ErrInvalidUpdate
	}
	if (u.Status == StatusReady) != (u.ResultURL != "") {
		return ErrInvalidUpdate
	}
	if u.From != "" && !u.From.Valid() {
		return ErrInvalidUpdate
	}
	return nil
}

// apply は record に変更を適用します。
func (u Update) apply(record *Record) error {
	if u.From != "" && record.Status != u.From {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrStatusConflict, record.JobID, record.Status, u.From)
	}
	record.Status = u.Status
	record.ResultURL = u.ResultURL
	return nil
}

// Outcome は Process の結果の種類です。
type Outcome string

const (
	OutcomeMaterialized Outcome = "materialized"  // 展開・アップロードして ready にした
	OutcomeAlreadyReady Outcome = "already_ready" // 既に ready だったため何もしていない
	OutcomeSkipped      Outcome = "skipped"       // failed などの終端状態のため処理しなかった
)

// Result は1件のジョブ処理の結果です。
type Result struct {
	JobID     string
	ResultURL string
	Outcome   Outcome
	Files     int
	Bytes     int64
	Duration  time.Duration
}

// Message はキューから受け取るジョブ通知です。
type Message struct {
	JobID     string `json:"job_id"`
	SourceKey string `json:"source_key"`
}
