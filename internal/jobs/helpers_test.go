package jobs

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap/zaptest"

	"github.com/yourusername/preview-worker/internal/archive"
	"github.com/yourusername/preview-worker/internal/storage"
)

const testBaseURL = "https://cdn.example.com"

type testEnv struct {
	store     *MemoryStore
	objects   *storage.Local
	scratch   string
	processor *Processor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, NewMemoryStore(), nil)
}

// newTestEnvWithStore は store を Processor に渡します。wrapped が nil でなければそちらを渡します。
func newTestEnvWithStore(t *testing.T, store *MemoryStore, wrapped StatusStore) *testEnv {
	t.Helper()
	objects, err := storage.NewLocal(filepath.Join(t.TempDir(), "bucket"), testBaseURL)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	var backing StatusStore = store
	if wrapped != nil {
		backing = wrapped
	}
	env := &testEnv{store: store, objects: objects, scratch: filepath.Join(t.TempDir(), "scratch")}
	env.processor = env.newProcessor(t, backing, objects)
	return env
}

func (e *testEnv) newProcessor(t *testing.T, store StatusStore, objects storage.ObjectStore) *Processor {
	t.Helper()
	processor, err := NewProcessor(store, objects, archive.NewExpander(archive.Limits{}), ProcessorOptions{
		ScratchDir:        e.scratch,
		Prefix:            "previews",
		IndexDocument:     "index.html",
		UploadParallelism: 2,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewProcessor returned error: %v", err)
	}
	return processor
}

// useGatedObjects は Get が gate の解放まで止まるオブジェクトストアに差し替えます。
// getErr が nil でなければ解放後にそのエラーを返します。
func (e *testEnv) useGatedObjects(t *testing.T, getErr error) *gatedObjects {
	t.Helper()
	gated := &gatedObjects{
		Local:   e.objects,
		started: make(chan struct{}),
		gate:    make(chan struct{}),
		err:     getErr,
	}
	e.processor = e.newProcessor(t, e.store, gated)
	return gated
}

type gatedObjects struct {
	*storage.Local
	started chan struct{}
	gate    chan struct{}
	err     error
	once    sync.Once
}

func (g *gatedObjects) Get(ctx context.Context, key, localPath string) error {
	g.once.Do(func() { close(g.started) })
	<-g.gate
	if g.err != nil {
		return g.err
	}
	return g.Local.Get(ctx, key, localPath)
}

// addJob はアーカイブを sourceKey に保存し、pending のレコードを登録します。
func (e *testEnv) addJob(t *testing.T, jobID, sourceKey string, files map[string]string) {
	t.Helper()
	if files != nil {
		e.putArchive(t, sourceKey, files)
	}
	e.store.Put(Record{JobID: jobID, Status: StatusPending, SourceKey: sourceKey})
}

func (e *testEnv) putArchive(t *testing.T, key string, files map[string]string) {
	t.Helper()
	p := filepath.Join(t.TempDir(), "upload.zip")
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("failed to create zip: %v", err)
	}
	w := zip.NewWriter(f)
	for name, content := range files {
		fw, err := w.Create(name)
		if err != nil {
			t.Fatalf("failed to create entry %s: %v", name, err)
		}
		if _, err := fw.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("failed to close zip writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("failed to close zip file: %v", err)
	}
	if err := e.objects.Put(context.Background(), key, p); err != nil {
		t.Fatalf("failed to store archive: %v", err)
	}
}

func (e *testEnv) record(t *testing.T, jobID string) *Record {
	t.Helper()
	record, err := e.store.Get(context.Background(), jobID)
	if err != nil {
		t.Fatalf("failed to get record %s: %v", jobID, err)
	}
	return record
}

func (e *testEnv) objectExists(key string) bool {
	_, err := os.Stat(filepath.Join(e.objects.Root(), filepath.FromSlash(key)))
	return err == nil
}

func (e *testEnv) assertScratchClean(t *testing.T, jobID string) {
	t.Helper()
	if _, err := os.Stat(filepath.Join(e.scratch, jobID)); !os.IsNotExist(err) {
		t.Fatalf("workspace for %s was not removed (stat err=%v)", jobID, err)
	}
}

// countingStore は ready への更新回数を数えます。
type countingStore struct {
	*MemoryStore
	readyUpdates atomic.Int32
}

func (s *countingStore) Update(ctx context.Context, jobID string, update Update) error {
	if err := s.MemoryStore.Update(ctx, jobID, update); err != nil {
		return err
	}
	if update.Status == StatusReady {
		s.readyUpdates.Add(1)
	}
	return nil
}

var siteFiles = map[string]string{
	"index.html":     "<html><body>preview</body></html>",
	"assets/app.css": "body { margin: 0; }",
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
