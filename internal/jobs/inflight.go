package jobs

import "sync"

// inflightSet はプロセス内で処理中のジョブIDを保持します。
type inflightSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInflightSet() *inflightSet {
	return &inflightSet{ids: make(map[string]struct{})}
}

// tryAcquire は jobID が処理中でなければ登録して true を返します。
func (s *inflightSet) tryAcquire(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, held := s.ids[jobID]; held {
		return false
	}
	s.ids[jobID] = struct{}{}
	return true
}

func (s *inflightSet) release(jobID string) {
	s.mu.Lock()
	delete(s.ids, jobID)
	s.mu.Unlock()
}

func (s *inflightSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
