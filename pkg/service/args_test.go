package service

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
)

// dependent depends on the mockService named "base".
type dependent struct {
	Basic
	base Dep[mockService]
}

func buildDependent(args Args) (*dependent, error) {
	base, err := Depend[mockService](args, "base")
	if err != nil {
		return nil, err
	}
	return &dependent{Basic: NewBasic("dependent"), base: base}, nil
}

func testArgs() Args {
	logger := logging.Discard()
	return Args{Registry: NewRegistry(logger), Logger: logger}
}

func TestBuildInDependencyOrder(t *testing.T) {
	b := NewBuilder(testArgs())
	base := Build(b, mock("base"))
	dep := Build(b, buildDependent)

	require.NoError(t, b.Err())
	require.NotNil(t, dep)
	assert.Same(t, base, dep.base.Get())
	assert.Equal(t, "base", dep.base.Name())
	assert.Equal(t, 2, b.Built())
}

func TestBuildOutOfOrderFails(t *testing.T) {
	b := NewBuilder(testArgs())
	dep := Build(b, buildDependent)
	base := Build(b, mock("base"))

	assert.Nil(t, dep)
	assert.Nil(t, base, "builder stops at the first failure")
	assert.True(t, errors.IsServiceError(b.Err(), errors.ServiceErrMissingDependency))
	assert.Zero(t, b.Built())
}

func TestDependWrongType(t *testing.T) {
	args := testArgs()
	w := newWorker("base", untilInterrupted)
	require.NoError(t, Insert(args.Registry, w))

	_, err := Depend[mockService](args, "base")
	assert.True(t, errors.IsServiceError(err, errors.ServiceErrDependencyType))
	runtime.KeepAlive(w)
}

func TestBuildConstructorError(t *testing.T) {
	b := NewBuilder(testArgs())
	svc := Build(b, func(Args) (*mockService, error) { return nil, errors.ErrInvalidInput })

	assert.Nil(t, svc)
	err := b.Err()
	assert.True(t, errors.IsServiceError(err, errors.ServiceErrBuild))
	assert.True(t, errors.Is(err, errors.ErrInvalidInput))
}

func TestDepGetAfterReleasePanics(t *testing.T) {
	args := testArgs()
	var dep Dep[mockService]
	func() {
		base := newMock("base")
		require.NoError(t, Insert(args.Registry, base))
		var err error
		dep, err = Depend[mockService](args, "base")
		require.NoError(t, err)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return args.Registry.Len() == 0
	}, testTimeout, testTick)

	assert.Panics(t, func() { dep.Get() })
}
