package teams

import (
	"context"
	"sync"
)

// MemoryRuleStore keeps the rule set in process memory. Update works on a
// copy and only installs it if the version is unchanged, mirroring the
// optimistic scheme of RedisRuleStore.
type MemoryRuleStore struct {
	mu      sync.Mutex
	rules   RuleSet
	version uint64
}

// NewMemoryRuleStore creates an empty in-memory rule store.
func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{rules: RuleSet{}}
}

var _ RuleStore = (*MemoryRuleStore)(nil)

func (s *MemoryRuleStore) Load(_ context.Context) (RuleSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rules.Clone(), nil
}

func (s *MemoryRuleStore) Update(ctx context.Context, fn func(RuleSet) error) error {
	for range maxUpdateAttempts {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.Lock()
		working, version := s.rules.Clone(), s.version
		s.mu.Unlock()

		if err := fn(working); err != nil {
			return err
		}

		s.mu.Lock()
		if s.version == version {
			s.rules = working
			s.version++
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
	}
	return ErrConcurrentUpdate
}

// Version returns the number of successful updates.
func (s *MemoryRuleStore) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}
