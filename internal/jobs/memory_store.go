package jobs

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"
)

// MemoryStore はプロセス内にレコードを保持する StatusStore です（テスト・ローカル開発用）。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore は MemoryStore を作成します。
func NewMemoryStore(records ...Record) *MemoryStore {
	s := &MemoryStore{records: make(map[string]Record, len(records))}
	for _, r := range records {
		s.records[r.JobID] = r
	}
	return s
}

// Put はレコードを登録します。ワーカー自身は使用せず、ジョブを作成する側が使用します。
func (s *MemoryStore) Put(record Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.JobID] = record
}

// Get はジョブ情報を取得します。
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &record, nil
}

// Update はジョブ情報を更新します。
func (s *MemoryStore) Update(ctx context.Context, jobID string, update Update) error {
	if err := update.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[jobID]
	if !ok {
		return ErrJobNotFound
	}
	if err := update.apply(&record); err != nil {
		return err
	}
	record.UpdatedAt = time.Now().UTC()
	s.records[jobID] = record
	return nil
}

// Scan は指定状態のレコードをジョブID順に返します。
func (s *MemoryStore) Scan(ctx context.Context, status Status) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		s.mu.RLock()
		matched := make([]Record, 0)
		for _, r := range s.records {
			if r.Status == status {
				matched = append(matched, r)
			}
		}
		s.mu.RUnlock()
		sort.Slice(matched, func(i, j int) bool { return matched[i].JobID < matched[j].JobID })

		for i := range matched {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(&matched[i], nil) {
				return
			}
		}
	}
}
