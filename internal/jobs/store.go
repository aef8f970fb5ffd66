package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Store はジョブ状態をプロセス内メモリに保持します。
// レコードへのアクセスはすべて Create/Get/Update を経由し、内部の参照は外に出しません。
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Record
	now  func() time.Time
}

// NewStore は空の Store を作成します。
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*Record),
		now:  time.Now,
	}
}

// Create は新しいジョブを登録します。同じIDが存在する場合は ErrDuplicateJob を返します。
func (s *Store) Create(_ context.Context, record Record) (Record, error) {
	if record.ID == "" {
		return Record{}, fmt.Errorf("record.ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[record.ID]; ok {
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicateJob, record.ID)
	}
	now := s.now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	record.Revision = 1
	stored := record.clone()
	s.jobs[record.ID] = &stored
	return stored.clone(), nil
}

// Get はジョブのスナップショットを返します。
func (s *Store) Get(_ context.Context, jobID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.jobs[jobID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return record.clone(), nil
}

// Update はロックを保持したままレコードのコピーに mutate を適用し、成功時のみ書き戻します。
// mutate がエラーを返した場合は何も書き込まず、更新前のスナップショットとエラーを返します。
func (s *Store) Update(_ context.Context, jobID string, mutate func(*Record) error) (Record, error) {
	if mutate == nil {
		return Record{}, fmt.Errorf("mutate is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[jobID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	next := current.clone()
	if err := mutate(&next); err != nil {
		return current.clone(), err
	}
	// ID と作成時のメタデータは不変。
	next.ID = current.ID
	next.Filename = current.Filename
	next.ContentType = current.ContentType
	next.Size = current.Size
	next.CreatedAt = current.CreatedAt
	next.UpdatedAt = s.now().UTC()
	next.Revision = current.Revision + 1
	s.jobs[jobID] = &next
	return next.clone(), nil
}

// Len は保持しているジョブ数を返します。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}
