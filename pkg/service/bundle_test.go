package service

import (
	"context"
	"runtime"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
)

func TestBundleLifecycleLeavesNoReferences(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)

	start := startTest("Core", func(b *Builder) []Service {
		return []Service{
			Build(b, mock("config")),
			Build(b, worker("updates", untilInterrupted)),
		}
	})
	b, err := start(ctx, srv)
	require.NoError(t, err)

	reg := b.Registry()
	assert.Equal(t, []string{"config", "updates"}, reg.Names())

	require.NoError(t, b.Stop(ctx))
	assert.Zero(t, CheckRefs(logging.Discard(), &b))
	assert.Nil(t, b, "CheckRefs consumes the handle")

	require.Eventually(t, func() bool {
		runtime.GC()
		return reg.Len() == 0
	}, testTimeout, testTick)
}

func TestCheckRefsReportsLeak(t *testing.T) {
	ctx := context.Background()
	b, err := single("Leaky", mock("config"))(ctx, newTestServer(t))
	require.NoError(t, err)
	require.NoError(t, b.Stop(ctx))

	escaped := b
	assert.Equal(t, 2, CheckRefs(logging.Discard(), &b), "aggregate and database")
	runtime.KeepAlive(escaped)
}

func TestBundlePollNotStarted(t *testing.T) {
	var tb testBundle
	_, err := tb.Init(context.Background(), "Idle", newTestServer(t))
	require.NoError(t, err)

	assert.True(t, errors.IsServiceError(tb.Poll(context.Background()), errors.ServiceErrNotStarted))
}

func TestBundleBuildFailureReleasesEverything(t *testing.T) {
	start := startTest("Broken", func(b *Builder) []Service {
		return []Service{
			Build(b, mock("config")),
			Build(b, buildDependent),
		}
	})
	b, err := start(context.Background(), newTestServer(t))

	assert.Nil(t, b)
	assert.True(t, errors.IsServiceError(err, errors.ServiceErrMissingDependency))
}

func TestBundleClearCacheAndMemoryUsage(t *testing.T) {
	ctx := context.Background()
	var cached *mockService
	start := startTest("Core", func(b *Builder) []Service {
		cached = Build(b, func(Args) (*mockService, error) {
			m := newMock("resolver")
			m.usage = "destinations: 3"
			return m, nil
		})
		return []Service{cached, Build(b, mock("quiet"))}
	})
	b, err := start(ctx, newTestServer(t))
	require.NoError(t, err)
	defer b.Stop(ctx)

	b.ClearCache(ctx)
	assert.EqualValues(t, 1, cached.clears.Load())

	usage, err := b.MemoryUsage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "resolver:\ndestinations: 3\n", usage)
}

func TestBundleInterruptReachesEveryService(t *testing.T) {
	ctx := context.Background()
	var svc *mockService
	b, err := startTest("Core", func(b *Builder) []Service {
		svc = Build(b, mock("a"))
		return []Service{svc}
	})(ctx, newTestServer(t))
	require.NoError(t, err)

	b.Interrupt()
	select {
	case <-svc.Interrupted():
	default:
		t.Fatal("service was not interrupted")
	}
	require.NoError(t, b.Stop(ctx))
}

func sortedNames(r *Registry) []string {
	names := r.Names()
	sort.Strings(names)
	return names
}

func TestComposeAssociativity(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("c failed")

	a := single("A", worker("a", untilInterrupted))
	b := single("B", worker("b", untilInterrupted))
	c := single("C", worker("c", func(context.Context, <-chan struct{}) error {
		time.Sleep(20 * time.Millisecond)
		return boom
	}))

	left, err := Compose(a, Compose(b, c))(ctx, newTestServer(t))
	require.NoError(t, err)
	right, err := Compose(Compose(a, b), c)(ctx, newTestServer(t))
	require.NoError(t, err)

	assert.Equal(t, "(A, (B, C))", left.Name())
	assert.Equal(t, "((A, B), C)", right.Name())
	assert.Equal(t, sortedNames(left.Registry()), sortedNames(right.Registry()))
	assert.Equal(t, []string{"a", "b", "c"}, left.Registry().Names())

	pctx, cancel := context.WithTimeout(ctx, testTimeout)
	defer cancel()
	assert.True(t, errors.Is(left.Poll(pctx), boom))
	assert.True(t, errors.Is(right.Poll(pctx), boom))

	assert.True(t, errors.Is(left.Stop(ctx), boom))
	assert.True(t, errors.Is(right.Stop(ctx), boom))
	assert.Zero(t, CheckRefs(logging.Discard(), &left))
	assert.Zero(t, CheckRefs(logging.Discard(), &right))
}

func TestComposeFailureStopsStartedMembers(t *testing.T) {
	var started *mockWorker
	a := startTest("A", func(b *Builder) []Service {
		started = Build(b, worker("a", untilInterrupted))
		return []Service{started}
	})
	broken := single("B", buildDependent)

	g, err := Compose(a, broken)(context.Background(), newTestServer(t))
	assert.Nil(t, g)
	require.Error(t, err)

	select {
	case <-started.exited:
	case <-time.After(testTimeout):
		t.Fatal("worker of the started member was not stopped")
	}
}

func TestComposeEmpty(t *testing.T) {
	_, err := Compose()(context.Background(), newTestServer(t))
	assert.True(t, errors.IsServiceError(err, errors.ServiceErrBuild))
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	g, err := Compose(single("A", mock("a")), Compose(single("B", mock("b"))))(ctx, newTestServer(t))
	require.NoError(t, err)
	defer g.Stop(ctx)

	tb, ok := Find[*testBundle](g)
	require.True(t, ok)
	assert.Equal(t, "A", tb.Name())

	_, ok = Find[*Manager](g)
	assert.False(t, ok)

	grp, ok := Find[*Group](g)
	require.True(t, ok)
	assert.Len(t, grp.Members(), 2)
}
