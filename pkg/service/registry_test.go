package service

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
)

func TestRegistrySnapshotOrder(t *testing.T) {
	r := NewRegistry(logging.Discard())
	a, b, c := newMock("a"), newMock("b"), newMock("c")
	for _, svc := range []*mockService{b, a, c} {
		require.NoError(t, Insert(r, svc))
	}

	assert.Equal(t, []string{"b", "a", "c"}, r.Names())
	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Same(t, b, snap[0])
	runtime.KeepAlive([]*mockService{a, b, c})
}

func TestRegistrySnapshotIsolation(t *testing.T) {
	r := NewRegistry(logging.Discard())
	keep := []*mockService{newMock("a"), newMock("b")}
	for _, svc := range keep {
		require.NoError(t, Insert(r, svc))
	}

	snap := r.Snapshot()

	var wg sync.WaitGroup
	added := make([]*mockService, 50)
	for i := range added {
		added[i] = newMock("late-" + string(rune('A'+i)))
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, Insert(r, added[i]))
		}()
	}

	// Reading the snapshot never touches the registry lock.
	for _, svc := range snap {
		_ = svc.Name()
	}
	wg.Wait()

	assert.Len(t, snap, 2)
	assert.Equal(t, 52, r.Len())
	runtime.KeepAlive(keep)
	runtime.KeepAlive(added)
}

func TestRegistryDuplicateName(t *testing.T) {
	r := NewRegistry(logging.Discard())
	a1, a2 := newMock("a"), newMock("a")
	require.NoError(t, Insert(r, a1))

	err := Insert(r, a2)
	assert.True(t, errors.IsServiceError(err, errors.ServiceErrBuild))
	runtime.KeepAlive(a1)
}

func TestRegistryHoldsNoStrongReference(t *testing.T) {
	r := NewRegistry(logging.Discard())
	func() {
		require.NoError(t, Insert(r, newMock("ephemeral")))
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return r.Len() == 0
	}, time.Second, 10*time.Millisecond)

	_, ok := r.Lookup("ephemeral")
	assert.False(t, ok)
	_, ok = Get[mockService](r, "ephemeral")
	assert.False(t, ok)
	assert.Empty(t, r.Snapshot())
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry(logging.Discard())
	svc := newMock("a")
	require.NoError(t, Insert(r, svc))

	got, ok := Get[mockService](r, "a")
	require.True(t, ok)
	assert.Same(t, svc, got)

	_, ok = Get[mockWorker](r, "a")
	assert.False(t, ok, "wrong concrete type")
	_, ok = Get[mockService](r, "missing")
	assert.False(t, ok)

	found, ok := r.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, "a", found.Name())
	runtime.KeepAlive(svc)
}

func TestMerge(t *testing.T) {
	r1, r2 := NewRegistry(logging.Discard()), NewRegistry(logging.Discard())
	keep := []*mockService{newMock("a"), newMock("b"), newMock("a")}
	require.NoError(t, Insert(r1, keep[0]))
	require.NoError(t, Insert(r2, keep[1]))
	require.NoError(t, Insert(r2, keep[2]))

	merged := Merge(logging.Discard(), r1, r2)
	assert.Equal(t, []string{"a", "b"}, merged.Names())

	got, ok := Get[mockService](merged, "a")
	require.True(t, ok)
	assert.Same(t, keep[0], got, "first registry wins")
	runtime.KeepAlive(keep)
}
