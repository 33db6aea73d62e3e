// Package archive はアップロードされたテンプレートアーカイブを展開します。
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/zip"
)

var (
	// ErrNotArchive は入力が ZIP として読めないことを表します。
	ErrNotArchive = errors.New("payload is not a zip archive")
	// ErrUnsafePath は展開先の外を指すエントリ（パストラバーサル）を表します。
	ErrUnsafePath = errors.New("archive entry escapes destination")
	// ErrTooLarge は展開上限を超えたことを表します。
	ErrTooLarge = errors.New("archive exceeds extraction limits")
)

// Limits は展開時の上限です。0 は無制限を表します。
type Limits struct {
	MaxFiles int
	MaxBytes int64
}

// Manifest は展開結果の一覧です。
type Manifest struct {
	Files []string // 展開先からの相対パス（"/" 区切り、昇順）
	Bytes int64
}

// Expander は ZIP アーカイブをディレクトリへ展開します。
type Expander struct {
	limits Limits
}

// NewExpander は Expander を作成します。
func NewExpander(limits Limits) *Expander {
	return &Expander{limits: limits}
}

// Expand は archivePath を destDir に展開します。
// destDir が既に存在する場合は削除してから展開するため、同じ入力なら常に同じツリーになります。
// 全エントリを書き込み前に検証し、destDir の外を指すエントリが1つでもあれば何も書き込みません。
func (e *Expander) Expand(archivePath, destDir string) (*Manifest, error) {
	if err := sniffZip(archivePath); err != nil {
		return nil, err
	}

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotArchive, err)
	}
	defer reader.Close()

	entries, err := e.plan(reader.File)
	if err != nil {
		return nil, err
	}

	if err := os.RemoveAll(destDir); err != nil {
		return nil, fmt.Errorf("failed to clear destination: %w", err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create destination: %w", err)
	}

	manifest := &Manifest{}
	for _, entry := range entries {
		target := filepath.Join(destDir, filepath.FromSlash(entry.name))
		if entry.file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, err
			}
			continue
		}
		n, err := e.extractFile(entry.file, target, e.remaining(manifest.Bytes))
		if err != nil {
			return nil, fmt.Errorf("extract %s: %w", entry.name, err)
		}
		manifest.Bytes += n
		manifest.Files = append(manifest.Files, entry.name)
	}
	sort.Strings(manifest.Files)
	return manifest, nil
}

type plannedEntry struct {
	name string
	file *zip.File
}

// plan は全エントリを検証し、展開順の一覧を返します。
// 同じ名前のエントリが複数ある場合は後のものだけを残します（展開時に上書きされるのと同じ結果）。
func (e *Expander) plan(files []*zip.File) ([]plannedEntry, error) {
	entries := make([]plannedEntry, 0, len(files))
	seen := make(map[string]int, len(files))
	var (
		fileCount int
		declared  uint64
	)
	for _, f := range files {
		name, err := safeName(f.Name)
		if err != nil {
			return nil, err
		}
		if name == "" {
			continue
		}
		mode := f.Mode()
		if mode&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("%w: symlink entry %q", ErrUnsafePath, f.Name)
		}
		if !mode.IsDir() && !mode.IsRegular() {
			return nil, fmt.Errorf("%w: special file entry %q", ErrUnsafePath, f.Name)
		}
		if i, ok := seen[name]; ok {
			if prev := entries[i].file; !prev.Mode().IsDir() {
				fileCount--
				declared -= prev.UncompressedSize64
			}
			entries = append(entries[:i], entries[i+1:]...)
			for n, j := range seen {
				if j > i {
					seen[n] = j - 1
				}
			}
		}
		if !mode.IsDir() {
			fileCount++
			declared += f.UncompressedSize64
		}
		seen[name] = len(entries)
		entries = append(entries, plannedEntry{name: name, file: f})
	}
	if e.limits.MaxFiles > 0 && fileCount > e.limits.MaxFiles {
		return nil, fmt.Errorf("%w: %d files (max %d)", ErrTooLarge, fileCount, e.limits.MaxFiles)
	}
	if e.limits.MaxBytes > 0 && declared > uint64(e.limits.MaxBytes) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, declared, e.limits.MaxBytes)
	}
	return entries, nil
}

func (e *Expander) remaining(written int64) int64 {
	if e.limits.MaxBytes <= 0 {
		return -1
	}
	return e.limits.MaxBytes - written
}

// extractFile はエントリを target に書き込みます。limit が 0 以上の場合、実際の展開サイズも検査します。
func (e *Expander) extractFile(f *zip.File, target string, limit int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	src, err := f.Open()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrNotArchive, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}

	var r io.Reader = src
	if limit >= 0 {
		r = io.LimitReader(src, limit+1)
	}
	n, err := io.Copy(dst, r)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if errors.Is(err, zip.ErrChecksum) || errors.Is(err, zip.ErrFormat) {
			return n, fmt.Errorf("%w: %v", ErrNotArchive, err)
		}
		return n, err
	}
	if limit >= 0 && n > limit {
		return n, fmt.Errorf("%w: uncompressed size exceeds %d bytes", ErrTooLarge, e.limits.MaxBytes)
	}
	return n, nil
}

// safeName はエントリ名を検証し、展開先からの相対パスを返します。ルートそのものは "" を返します。
func safeName(name string) (string, error) {
	raw := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(raw, "/") || (len(raw) >= 2 && raw[1] == ':') {
		return "", fmt.Errorf("%w: absolute path %q", ErrUnsafePath, name)
	}
	for _, segment := range strings.Split(raw, "/") {
		if segment == ".." {
			return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
		}
	}
	cleaned := path.Clean(raw)
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

func sniffZip(archivePath string) error {
	mt, err := mimetype.DetectFile(archivePath)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return nil
		}
	}
	return fmt.Errorf("%w: detected %s", ErrNotArchive, mt.String())
}
