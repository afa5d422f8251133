// Package cachetest provides an in-memory cache.Cache for tests, with an adjustable clock for TTLs.
package cachetest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/faultline/internal/cache"
)

type entry struct {
	value   []byte
	expires time.Time
}

// Memory is a goroutine-safe in-memory cache.
type Memory struct {
	mu    sync.Mutex
	now   time.Time
	data  map[string]entry
	stats map[uuid.UUID]*cache.Stats
	subs  map[string][]chan []byte
}

var _ cache.Cache = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		now:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		data:  make(map[string]entry),
		stats: make(map[uuid.UUID]*cache.Stats),
		subs:  make(map[string][]chan []byte),
	}
}

// Advance moves the cache clock forward, expiring entries whose TTL has passed.
func (m *Memory) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *Memory) live(key string) (entry, bool) {
	e, ok := m.data[key]
	if !ok {
		return entry{}, false
	}
	if !e.expires.IsZero() && !m.now.Before(e.expires) {
		delete(m.data, key)
		return entry{}, false
	}
	return e, true
}

func (m *Memory) set(key string, value []byte, ttl time.Duration) {
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expires = m.now.Add(ttl)
	}
	m.data[key] = e
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(key, value, ttl)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	e, ok := m.live(key)
	if ok {
		n = int64(len(e.value))
	}
	n++
	e.value = make([]byte, n)
	if !ok {
		e.expires = m.now.Add(expiry)
	}
	m.data[key] = e
	return n, nil
}

func (m *Memory) counters(projectID uuid.UUID) *cache.Stats {
	s, ok := m.stats[projectID]
	if !ok {
		s = &cache.Stats{}
		m.stats[projectID] = s
	}
	return s
}

func (m *Memory) GetAnalysis(_ context.Context, projectID uuid.UUID, fingerprint string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(cache.AnalysisKey(projectID, fingerprint))
	s := m.counters(projectID)
	if !ok {
		s.Misses++
		return nil, false, nil
	}
	s.Hits++
	return append([]byte(nil), e.value...), true, nil
}

func (m *Memory) StoreAnalysis(_ context.Context, projectID uuid.UUID, fingerprint string, value []byte, ttl time.Duration) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cache.AnalysisKey(projectID, fingerprint)
	if e, ok := m.live(key); ok {
		return append([]byte(nil), e.value...), false, nil
	}
	m.set(key, value, ttl)
	return value, true, nil
}

func (m *Memory) ReplaceAnalysis(_ context.Context, projectID uuid.UUID, fingerprint string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(cache.AnalysisKey(projectID, fingerprint), value, ttl)
	return nil
}

func (m *Memory) InvalidateAnalysis(_ context.Context, projectID uuid.UUID, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, cache.AnalysisKey(projectID, fingerprint))
	return nil
}

func (m *Memory) flush(prefix string) int64 {
	var n int64
	for key := range m.data {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if _, ok := m.live(key); ok {
			n++
		}
		delete(m.data, key)
	}
	return n
}

func (m *Memory) FlushProject(_ context.Context, projectID uuid.UUID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flush(cache.AnalysisKey(projectID, "")), nil
}

func (m *Memory) FlushAll(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flush("analysis:"), nil
}

func (m *Memory) Stats(_ context.Context, projectID uuid.UUID) (cache.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *m.counters(projectID)
	prefix := cache.AnalysisKey(projectID, "")
	for key := range m.data {
		if strings.HasPrefix(key, prefix) {
			if _, ok := m.live(key); ok {
				s.Entries++
			}
		}
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s, nil
}

func (m *Memory) AcquireLock(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return nil, cache.ErrLockHeld
	}
	token := []byte(uuid.NewString())
	m.set(key, token, ttl)
	return func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if e, ok := m.live(key); ok && string(e.value) == string(token) {
			delete(m.data, key)
		}
		return nil
	}, nil
}

func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan []byte, 64)
	m.subs[channel] = append(m.subs[channel], ch)

	var once sync.Once
	closeFn := func() error {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			subs := m.subs[channel]
			for i, c := range subs {
				if c == ch {
					m.subs[channel] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			close(ch)
		})
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = closeFn()
	}()
	return ch, closeFn, nil
}
