package workqueue

import "sync"

// ConcurrencyStrategy controls how tasks are allowed to start concurrently.
// The strategy tracks running tasks and decides whether a new task for a
// given entity key may start.
type ConcurrencyStrategy interface {
	// CanStart returns true if a task for the entity key may start now.
	CanStart(entityKey string) bool
	// OnStart is called when a task for the entity key starts.
	OnStart(entityKey string)
	// OnComplete is called when a task for the entity key finishes.
	OnComplete(entityKey string)
}

// KeyedStrategy serializes tasks per entity key and caps total parallelism.
// At most one task per key runs at a time; across keys, up to maxWorkers
// tasks run in parallel.
type KeyedStrategy struct {
	mu         sync.Mutex
	maxWorkers int
	running    int
	byKey      map[string]bool
}

// NewKeyedStrategy creates a strategy with the given pool size.
func NewKeyedStrategy(maxWorkers int) *KeyedStrategy {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &KeyedStrategy{
		maxWorkers: maxWorkers,
		byKey:      make(map[string]bool),
	}
}

func (s *KeyedStrategy) CanStart(entityKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running < s.maxWorkers && !s.byKey[entityKey]
}

func (s *KeyedStrategy) OnStart(entityKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running++
	s.byKey[entityKey] = true
}

func (s *KeyedStrategy) OnComplete(entityKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running > 0 {
		s.running--
	}
	delete(s.byKey, entityKey)
}

// UnboundedStrategy places no limits on task starts. Used in tests.
type UnboundedStrategy struct{}

func (UnboundedStrategy) CanStart(string) bool { return true }
func (UnboundedStrategy) OnStart(string)       {}
func (UnboundedStrategy) OnComplete(string)    {}
