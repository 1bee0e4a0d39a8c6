package report

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps reports in process, for the memory message store.
type MemoryStore struct {
	mu      sync.Mutex
	reports []Report
	seen    map[[2]string]struct{} // message id, reporter id
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[[2]string]struct{}), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, r Report) (Report, error) {
	if !ValidReason(r.Reason) {
		return Report{}, fmt.Errorf("%w: %q", ErrInvalidReason, r.Reason)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := [2]string{r.MessageID, r.ReporterID}
	if _, dup := s.seen[key]; dup {
		return Report{}, ErrDuplicate
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = s.now().UTC()
	r.Context = append([]ContextMessage(nil), r.Context...)

	s.seen[key] = struct{}{}
	s.reports = append(s.reports, r)
	return r, nil
}

func (s *MemoryStore) CountRecent(_ context.Context, groupID, reportedID string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	since := s.now().Add(-window)
	n := 0
	for _, r := range s.reports {
		if r.GroupID == groupID && r.ReportedID == reportedID && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// All returns a copy of every stored report, oldest first.
func (s *MemoryStore) All() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.reports...)
}
