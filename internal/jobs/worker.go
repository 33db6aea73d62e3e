// Package jobs はテンプレートアーカイブからプレビューを生成するジョブ処理を提供します。
//
// ジョブの流れ:
//   - 取得: オブジェクトストレージからアーカイブを作業ディレクトリへ保存
//   - 展開: ZIP を site/ に展開（パストラバーサルは拒否）
//   - アップロード: <prefix>/<jobID>/ 配下へ相対パスを保ったまま保存
//   - 完了: レコードを ready にして公開URLを保存
//
// 失敗したジョブはレコードを変更せず pending のまま残し、キューの再配信か
// 起動時のリカバリースキャンで再処理します。
package jobs

import "context"

// Runner はジョブを受け取り続ける処理ループです。Consumer と AsynqConsumer が実装します。
type Runner interface {
	Run(ctx context.Context) error
}

var (
	_ Runner = (*Consumer)(nil)
	_ Runner = (*AsynqConsumer)(nil)
)
