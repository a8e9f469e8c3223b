package utils_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"simcse-runner/internal/core/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const hold = 100 * time.Millisecond

func holdKey(t *testing.T, m *utils.MutexMap, key string, wg *sync.WaitGroup) {
	defer wg.Done()
	if err := m.Lock(context.Background(), key); err != nil {
		t.Errorf("error locking %s: %v", key, err)
		return
	}
	time.Sleep(hold)
	if err := m.Unlock(key); err != nil {
		t.Errorf("error unlocking %s: %v", key, err)
	}
}

func TestMutexMapSameKeySequential(t *testing.T) {
	m := utils.NewMutexMap(10)

	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	go holdKey(t, m, "snapshot", &wg)
	go holdKey(t, m, "snapshot", &wg)
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 2*hold)
	assert.Zero(t, m.Len())
}

func TestMutexMapDifferentKeysConcurrent(t *testing.T) {
	m := utils.NewMutexMap(10)

	var wg sync.WaitGroup
	wg.Add(2)
	start := time.Now()
	go holdKey(t, m, "a", &wg)
	go holdKey(t, m, "b", &wg)
	wg.Wait()

	assert.Less(t, time.Since(start), 2*hold)
	assert.Zero(t, m.Len())
}

func TestMutexMapMaxSize(t *testing.T) {
	m := utils.NewMutexMap(1)
	ctx := context.Background()

	require.NoError(t, m.Lock(ctx, "a"))
	assert.ErrorIs(t, m.Lock(ctx, "b"), utils.ErrTooManyKeys)

	require.NoError(t, m.Unlock("a"))
	require.NoError(t, m.Lock(ctx, "b"))
	require.NoError(t, m.Unlock("b"))
}

func TestMutexMapUnlockNotLocked(t *testing.T) {
	m := utils.NewMutexMap(10)
	assert.ErrorIs(t, m.Unlock("missing"), utils.ErrNotLocked)
}

func TestMutexMapLockCancelled(t *testing.T) {
	m := utils.NewMutexMap(10)
	require.NoError(t, m.Lock(context.Background(), "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Lock(ctx, "a"), context.DeadlineExceeded)
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.Unlock("a"))
	assert.Zero(t, m.Len())
}
