package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexrun/agentcore/session"
)

type fakeEngine struct {
	id          string
	available   bool
	initErr     error
	initialized bool
	cleaned     bool
}

func (f *fakeEngine) ID() string           { return f.id }
func (f *fakeEngine) Name() string         { return "fake-" + f.id }
func (f *fakeEngine) Capabilities() Capabilities { return Capabilities{} }
func (f *fakeEngine) IsAvailable(context.Context) bool { return f.available }
func (f *fakeEngine) CreateSession(context.Context, session.Config) (session.Session, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeEngine) Initialize(ctx context.Context) error {
	f.initialized = true
	return f.initErr
}
func (f *fakeEngine) Cleanup(context.Context) error {
	f.cleaned = true
	return nil
}

var _ Engine = (*fakeEngine)(nil)
var _ Initializer = (*fakeEngine)(nil)
var _ Cleaner = (*fakeEngine)(nil)

func TestRegisterFirstEngineBecomesDefault(t *testing.T) {
	r := NewRegistry(nil, nil)
	e := &fakeEngine{id: "e1", available: true}
	r.Register(context.Background(), e, RegisterOptions{})

	assert.Equal(t, "e1", r.DefaultID())
}

func TestRegisterDuplicateIsNoOp(t *testing.T) {
	r := NewRegistry(nil, nil)
	e1 := &fakeEngine{id: "e1", available: true}
	e2 := &fakeEngine{id: "e1", available: true}
	r.Register(context.Background(), e1, RegisterOptions{})
	r.Register(context.Background(), e2, RegisterOptions{})

	got, ok := r.Get(context.Background(), "e1")
	require.True(t, ok)
	assert.Same(t, e1, got)
}

func TestRegisterAsDefaultOverridesExisting(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(context.Background(), &fakeEngine{id: "e1", available: true}, RegisterOptions{})
	r.Register(context.Background(), &fakeEngine{id: "e2", available: true}, RegisterOptions{AsDefault: true})

	assert.Equal(t, "e2", r.DefaultID())
}

func TestAutoInitializeRunsOnRegister(t *testing.T) {
	r := NewRegistry(nil, nil)
	e := &fakeEngine{id: "e1", available: true}
	r.Register(context.Background(), e, RegisterOptions{AutoInitialize: true})

	assert.True(t, e.initialized)
}

func TestInitializeUnavailableEngineReturnsFalse(t *testing.T) {
	r := NewRegistry(nil, nil)
	e := &fakeEngine{id: "e1", available: false}
	r.Register(context.Background(), e, RegisterOptions{})

	ok, err := r.Initialize(context.Background(), "e1")
	assert.False(t, ok)
	assert.NoError(t, err)
	assert.False(t, e.initialized)
}

func TestInitializeErrorSurfaces(t *testing.T) {
	r := NewRegistry(nil, nil)
	boom := errors.New("boom")
	e := &fakeEngine{id: "e1", available: true, initErr: boom}
	r.Register(context.Background(), e, RegisterOptions{})

	ok, err := r.Initialize(context.Background(), "e1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestFactoryMaterializedOnceAndCached(t *testing.T) {
	r := NewRegistry(nil, nil)
	calls := 0
	r.RegisterFactory("lazy", func() (Engine, error) {
		calls++
		return &fakeEngine{id: "lazy", available: true}, nil
	}, RegisterOptions{})

	e1, ok := r.Get(context.Background(), "lazy")
	require.True(t, ok)
	e2, ok := r.Get(context.Background(), "lazy")
	require.True(t, ok)

	assert.Equal(t, 1, calls)
	assert.Same(t, e1, e2)
}

func TestListCachesProbedFactory(t *testing.T) {
	r := NewRegistry(nil, nil)
	calls := 0
	r.RegisterFactory("lazy", func() (Engine, error) {
		calls++
		return &fakeEngine{id: "lazy", available: true}, nil
	}, RegisterOptions{})

	descs := r.List(context.Background())
	require.Len(t, descs, 1)
	assert.True(t, descs[0].FromFactory)

	_, ok := r.Get(context.Background(), "lazy")
	require.True(t, ok)
	assert.Equal(t, 1, calls)
}

func TestInitializeAllNeverFails(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register(context.Background(), &fakeEngine{id: "e1", available: true}, RegisterOptions{})
	r.Register(context.Background(), &fakeEngine{id: "e2", available: false}, RegisterOptions{})

	results := r.InitializeAll(context.Background())
	require.Len(t, results, 2)
	assert.NoError(t, results["e1"])
	assert.NoError(t, results["e2"])
}

func TestUnregisterRunsCleanupAndReassignsDefault(t *testing.T) {
	r := NewRegistry(nil, nil)
	e1 := &fakeEngine{id: "e1", available: true}
	e2 := &fakeEngine{id: "e2", available: true}
	r.Register(context.Background(), e1, RegisterOptions{})
	r.Register(context.Background(), e2, RegisterOptions{})

	r.Unregister(context.Background(), "e1")

	assert.True(t, e1.cleaned)
	_, ok := r.Get(context.Background(), "e1")
	assert.False(t, ok)
	assert.Equal(t, "e2", r.DefaultID())
}

func TestSubscribeReceivesLifecycleEvents(t *testing.T) {
	r := NewRegistry(nil, nil)
	var kinds []RegistryEventKind
	unsub := r.Subscribe(func(evt RegistryEvent) {
		kinds = append(kinds, evt.Kind)
	})
	defer unsub()

	r.Register(context.Background(), &fakeEngine{id: "e1", available: true}, RegisterOptions{AutoInitialize: true})

	assert.Contains(t, kinds, RegistryEngineRegistered)
	assert.Contains(t, kinds, RegistryEngineInitialized)
}

func TestDefaultRegistryReturnsSameInstanceUntilReset(t *testing.T) {
	ResetDefaultRegistry()
	defer ResetDefaultRegistry()

	r1 := DefaultRegistry()
	r2 := DefaultRegistry()
	assert.Same(t, r1, r2)

	ResetDefaultRegistry()
	r3 := DefaultRegistry()
	assert.NotSame(t, r1, r3)
}
