package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// NewMemoryProvider 返回进程内缓存，进程退出即丢失，主要用于测试与临时部署。
func NewMemoryProvider() Provider {
	return &memoryProvider{namespaces: make(map[string]map[string]*memoryGeneration)}
}

// memoryProvider 用一把 RWMutex 保护 namespace → generation 映射；
// 每个 generation 自带锁，条目读写互不阻塞其它 generation。
type memoryProvider struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*memoryGeneration
}

func (p *memoryProvider) Storage(namespace string) (Storage, error) {
	if err := validName(namespace); err != nil {
		return nil, fmt.Errorf("namespace %q: %w", namespace, err)
	}
	p.mu.Lock()
	if _, ok := p.namespaces[namespace]; !ok {
		p.namespaces[namespace] = make(map[string]*memoryGeneration)
	}
	p.mu.Unlock()
	return &memoryStorage{provider: p, namespace: namespace}, nil
}

func (p *memoryProvider) Close() error {
	return nil
}

type memoryStorage struct {
	provider  *memoryProvider
	namespace string
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validName(name); err != nil {
		return nil, fmt.Errorf("generation %q: %w", name, err)
	}
	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()

	generations := s.provider.namespaces[s.namespace]
	gen, ok := generations[name]
	if !ok {
		gen = &memoryGeneration{name: name, entries: make(map[string]Entry)}
		generations[name] = gen
	}
	return gen, nil
}

func (s *memoryStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.provider.mu.RLock()
	defer s.provider.mu.RUnlock()

	generations := s.provider.namespaces[s.namespace]
	names := make([]string, 0, len(generations))
	for name := range generations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.provider.mu.Lock()
	defer s.provider.mu.Unlock()

	generations := s.provider.namespaces[s.namespace]
	gen, ok := generations[name]
	if !ok {
		return false, nil
	}
	delete(generations, name)
	gen.markDeleted()
	return true, nil
}

type memoryGeneration struct {
	name string

	mu      sync.RWMutex
	deleted bool
	entries map[string]Entry
}

func (g *memoryGeneration) Name() string {
	return g.name
}

func (g *memoryGeneration) Match(ctx context.Context, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	entry, ok := g.entries[key.String()]
	if !ok || g.deleted {
		return nil, ErrNotFound
	}
	cloned := entry.Clone()
	return &cloned, nil
}

func (g *memoryGeneration) Put(ctx context.Context, entry Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.deleted {
		return ErrGenerationGone
	}
	g.entries[entry.Key.String()] = entry.Clone()
	return nil
}

func (g *memoryGeneration) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	keys := make([]Key, 0, len(g.entries))
	for _, entry := range g.entries {
		keys = append(keys, entry.Key)
	}
	sortKeys(keys)
	return keys, nil
}

func (g *memoryGeneration) markDeleted() {
	g.mu.Lock()
	g.deleted = true
	g.entries = make(map[string]Entry)
	g.mu.Unlock()
}
