// Package queue はジョブ通知を受け取るメッセージキューの抽象化レイヤーを提供します。
package queue

import (
	"context"
	"time"
)

// Message はキューから受け取った1件のメッセージです。
type Message struct {
	ID      string // ログ用の識別子
	Body    []byte
	Receipt string // Delete / Release に渡すハンドル
}

// Queue は少なくとも1回配信（at-least-once）のキューです。
// 削除されなかったメッセージはいずれ再配信されます。
type Queue interface {
	// Receive は最大 limit 件のメッセージを、最長 wait だけ待って受け取ります。
	// 該当メッセージが無い場合は空のスライスを返します。
	Receive(ctx context.Context, limit int, wait time.Duration) ([]Message, error)
	// Delete は処理済みのメッセージを削除します。
	Delete(ctx context.Context, receipt string) error
}

// Releaser は処理できなかったメッセージを一定時間後に再配信させられるキューです。
// Release しなかったメッセージはキュー自身の再配信（SQS の可視性タイムアウト等）に任せます。
type Releaser interface {
	Release(ctx context.Context, receipt string) error
}

// Closer は接続を閉じる必要があるキューです。
type Closer interface {
	Close() error
}
