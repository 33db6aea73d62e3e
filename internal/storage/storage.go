// Package storage はオブジェクトストレージの抽象化レイヤーを提供します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound は指定キーのオブジェクトが存在しないことを表します。
var ErrNotFound = errors.New("object not found")

// ObjectStore はバケット単位のオブジェクト操作を提供します。
// 同じキーへの Put は上書きされるため、再実行しても結果は変わりません。
type ObjectStore interface {
	// Get はキーのオブジェクトを localPath に保存します。
	Get(ctx context.Context, key, localPath string) error
	// Put は localPath のファイルをキーにアップロードします。
	Put(ctx context.Context, key, localPath string) error
	// PublicURL はキーの公開URLを返します（署名なし・決定的）。
	PublicURL(key string) string
}

// UploadResult は UploadDir でアップロードしたキーの一覧です。
type UploadResult struct {
	Keys  []string
	Bytes int64
}

// UploadDir は dir 配下の全ファイルを prefix 配下へ相対パスを保ったままアップロードします。
func UploadDir(ctx context.Context, store ObjectStore, dir, prefix string, parallelism int) (*UploadResult, error) {
	if store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if parallelism < 1 {
		parallelism = 1
	}
	prefix = strings.Trim(prefix, "/")

	type upload struct {
		key  string
		path string
	}
	var (
		uploads []upload
		total   int64
	)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return fmt.Errorf("refusing to upload non-regular file: %s", p)
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		uploads = append(uploads, upload{key: JoinKey(prefix, filepath.ToSlash(rel)), path: p})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Slice(uploads, func(i, j int) bool { return uploads[i].key < uploads[j].key })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, u := range uploads {
		g.Go(func() error {
			if err := store.Put(gctx, u.key, u.path); err != nil {
				return fmt.Errorf("put %s: %w", u.key, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	keys := make([]string, len(uploads))
	for i, u := range uploads {
		keys[i] = u.key
	}
	return &UploadResult{Keys: keys, Bytes: total}, nil
}

// JoinKey はオブジェクトキーを "/" 区切りで結合します。
func JoinKey(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return path.Join(cleaned...)
}

// ContentType はファイルの Content-Type を推定します。
// 静的サイトとして表示できるよう拡張子を優先し、判別できない場合は内容から判定します。
func ContentType(localPath string) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(localPath))); ct != "" {
		return ct
	}
	mt, err := mimetype.DetectFile(localPath)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}
