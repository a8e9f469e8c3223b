package utils

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrTooManyKeys = errors.New("too many keys held")
	ErrNotLocked   = errors.New("key is not locked")
)

type keyLock struct {
	sem     chan struct{}
	holders int // goroutines holding or waiting for the lock
}

// MutexMap serializes work per key, for example concurrent downloads of the
// same snapshot. Entries are dropped once nobody holds or waits on them.
type MutexMap struct {
	mu      sync.Mutex
	locks   map[string]*keyLock
	maxSize int
}

func NewMutexMap(maxSize int) *MutexMap {
	return &MutexMap{
		locks:   make(map[string]*keyLock),
		maxSize: maxSize,
	}
}

// Lock blocks until key is free or ctx is done.
func (m *MutexMap) Lock(ctx context.Context, key string) error {
	m.mu.Lock()
	l := m.locks[key]
	if l == nil {
		if len(m.locks) >= m.maxSize {
			m.mu.Unlock()
			return ErrTooManyKeys
		}
		l = &keyLock{sem: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.holders++
	m.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.release(key, l)
		return ctx.Err()
	}
}

func (m *MutexMap) Unlock(key string) error {
	m.mu.Lock()
	l := m.locks[key]
	m.mu.Unlock()

	if l == nil {
		return ErrNotLocked
	}
	select {
	case <-l.sem:
	default:
		return ErrNotLocked
	}
	m.release(key, l)
	return nil
}

func (m *MutexMap) release(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l.holders--
	if l.holders == 0 {
		delete(m.locks, key)
	}
}

// Len is the number of keys currently held or waited on.
func (m *MutexMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
