package cache

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Memory is a size-bounded LRU with per-entry expiry.
type Memory struct {
	mu    sync.Mutex
	cache *lru.Cache[string, entry]
	now   func() time.Time
}

func NewMemory(size int) (*Memory, error) {
	c, err := lru.New[string, entry](size)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &Memory{cache: c, now: time.Now}, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.cache.Get(key)
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		m.cache.Remove(key)
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.cache.Add(key, e)
	return nil
}

func (m *Memory) DeleteMany(_ context.Context, patterns ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, k := range m.cache.Keys() {
		for _, p := range patterns {
			ok, err := path.Match(p, k)
			if err != nil {
				return n, fmt.Errorf("cache: pattern %q: %w", p, err)
			}
			if ok {
				m.cache.Remove(k)
				n++
				break
			}
		}
	}
	return n, nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

func (m *Memory) Close() error {
	m.cache.Purge()
	return nil
}
