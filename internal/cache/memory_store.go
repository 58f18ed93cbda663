package cache

import (
	"context"
	"sort"
	"sync"
)

// NewMemoryStorage 返回进程内存储，重启后内容丢失。
func NewMemoryStorage() Storage {
	return &memoryStorage{generations: make(map[string]*memoryGeneration)}
}

type memoryStorage struct {
	mu          sync.Mutex
	generations map[string]*memoryGeneration
}

type memoryGeneration struct {
	name string

	mu      sync.RWMutex
	entries map[string]Entry
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Generation, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gen := s.generations[name]
	if gen == nil {
		gen = &memoryGeneration{name: name, entries: make(map[string]Entry)}
		s.generations[name] = gen
	}
	return gen, nil
}

func (s *memoryStorage) Lookup(ctx context.Context, name string) (Generation, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.generations[name]
	if !ok {
		return nil, ErrNotFound
	}
	return gen, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.generations[name]
	return ok, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.generations[name]; !ok {
		return false, nil
	}
	delete(s.generations, name)
	return true, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.generations))
	for name := range s.generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Close() error { return nil }

func (g *memoryGeneration) Name() string { return g.name }

func (g *memoryGeneration) Match(ctx context.Context, key string) (*Entry, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	g.mu.RLock()
	entry, ok := g.entries[key]
	g.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	cloned := entry.Clone()
	return &cloned, nil
}

func (g *memoryGeneration) Put(ctx context.Context, key string, entry Entry) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	g.mu.Lock()
	g.entries[key] = entry.Clone()
	g.mu.Unlock()
	return nil
}

func (g *memoryGeneration) Delete(ctx context.Context, key string) (bool, error) {
	if err := checkContext(ctx); err != nil {
		return false, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[key]; !ok {
		return false, nil
	}
	delete(g.entries, key)
	return true, nil
}

func (g *memoryGeneration) Keys(ctx context.Context) ([]string, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	g.mu.RLock()
	keys := make([]string, 0, len(g.entries))
	for key := range g.entries {
		keys = append(keys, key)
	}
	g.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}
