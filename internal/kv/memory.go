package kv

import (
	"context"
	"sync"
	"time"
)

// memoryStore — потокобезопасная реализация Store в памяти процесса.
// Применяется в unit-тестах и при локальном запуске без Redis.
// Просроченные ключи лениво вычищаются при обращении.
type memoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

type memoryItem struct {
	value    string
	deadline time.Time // нулевое значение — ключ без срока жизни
}

// NewMemory создаёт Store в памяти процесса.
func NewMemory() Store {
	return &memoryStore{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

func (s *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok {
		return "", false, nil
	}

	if !it.deadline.IsZero() && !s.now().Before(it.deadline) {
		delete(s.items, key)
		return "", false, nil
	}

	return it.value, true, nil
}

func (s *memoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var deadline time.Time
	if ttl > 0 {
		deadline = s.now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items[key] = memoryItem{value: value, deadline: deadline}

	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if ok && !it.deadline.IsZero() && !s.now().Before(it.deadline) {
		delete(s.items, key)
		return false, nil
	}

	delete(s.items, key)

	return ok, nil
}

func (s *memoryStore) Close() error { return nil }
