package di_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"blueprint-backend/internal/di"
	apperrors "blueprint-backend/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type settings struct {
	DSN string
}

type store interface {
	Get(key string) string
}

type mapStore struct {
	di.Injectable
	data map[string]string
}

func (s *mapStore) Get(key string) string { return s.data[key] }

type mailer struct {
	di.Injectable
	settings *settings
	store    store
	retries  int
	tags     []string
}

func newMailer(s *settings, st store, retries int, tags []string) *mailer {
	return &mailer{settings: s, store: st, retries: retries, tags: tags}
}

type plain struct{}

type closer struct {
	name   string
	closed *[]string
	mu     *sync.Mutex
}

func (c *closer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.closed = append(*c.closed, c.name)
	return nil
}

func TestContainer_ResolveReturnsSingleton(t *testing.T) {
	c := di.New()
	token := di.NameToken("settings")
	require.NoError(t, c.Register(di.Factory(token, func(...any) (any, error) {
		return &settings{DSN: "postgres://"}, nil
	})))

	first, err := c.Resolve(token)
	require.NoError(t, err)
	second, err := c.Resolve(token)
	require.NoError(t, err)

	assert.Same(t, first, second)
}

func TestContainer_UnregisteredTokenIsNotFound(t *testing.T) {
	c := di.New()

	_, err := c.Resolve(di.NameToken("missing"))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = di.Get[*settings](c)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestContainer_FactoryInjectOrder(t *testing.T) {
	c := di.New()
	a, b := di.NameToken("a"), di.NameToken("b")
	c.MustRegister(
		di.Value(a, "first"),
		di.Value(b, "second"),
		di.Factory(di.NameToken("joined"), func(deps ...any) (any, error) {
			return deps[0].(string) + "," + deps[1].(string), nil
		}, b, a),
	)

	joined, err := di.Resolve[string](c, di.NameToken("joined"))
	require.NoError(t, err)
	assert.Equal(t, "second,first", joined)
}

func TestContainer_ClassProvider(t *testing.T) {
	c := di.New()
	storeToken := di.NameToken("store")
	c.MustRegister(
		di.Value(di.TypeToken[*settings](), &settings{DSN: "postgres://db"}),
		di.Value(storeToken, &mapStore{data: map[string]string{"k": "v"}}),
		di.ClassOf(di.Token{}, di.Constructor(newMailer).Override(1, storeToken)),
	)

	m, err := di.Get[*mailer](c)
	require.NoError(t, err)

	assert.Equal(t, "postgres://db", m.settings.DSN)
	assert.Equal(t, "v", m.store.Get("k"))
	assert.Zero(t, m.retries, "unregistered scalar parameters stay unset")
	assert.Nil(t, m.tags, "unregistered collection parameters stay unset")
}

func TestContainer_ClassProviderMissingDependency(t *testing.T) {
	c := di.New()
	c.MustRegister(di.ClassOf(di.Token{}, di.Constructor(newMailer)))

	_, err := di.Get[*mailer](c)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestContainer_ClassProviderWrongDependencyType(t *testing.T) {
	t.Run("Should reject an override resolving to the wrong type", func(t *testing.T) {
		c := di.New()
		storeToken := di.NameToken("store")
		c.MustRegister(
			di.Value(di.TypeToken[*settings](), &settings{DSN: "postgres://db"}),
			di.Value(storeToken, "not a store"),
			di.ClassOf(di.Token{}, di.Constructor(newMailer).Override(1, storeToken)),
		)

		var m *mailer
		var err error
		require.NotPanics(t, func() { m, err = di.Get[*mailer](c) })
		assert.Nil(t, m)
		require.Error(t, err)
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConfiguration))
		assert.Contains(t, err.Error(), "parameter 1")
	})

	t.Run("Should reject a call with the wrong number of arguments", func(t *testing.T) {
		class := di.Constructor(newMailer)
		_, err := class.Construct(&settings{})
		assert.ErrorIs(t, err, apperrors.ErrConfiguration)
	})
}

func TestContainer_RegisterRejectsInvalidProviders(t *testing.T) {
	tests := []struct {
		name     string
		provider di.Provider
	}{
		{
			name:     "class not marked injectable",
			provider: di.ClassOf(di.Token{}, di.Constructor(func() *plain { return &plain{} })),
		},
		{
			name:     "constructor is not a function",
			provider: di.ClassOf(di.NameToken("x"), di.Constructor(42)),
		},
		{
			name:     "no strategy",
			provider: di.Provider{Provide: di.NameToken("x")},
		},
		{
			name: "two strategies",
			provider: di.Provider{
				Provide:    di.NameToken("x"),
				UseValue:   1,
				UseFactory: func(...any) (any, error) { return 2, nil },
			},
		},
		{
			name:     "override out of range",
			provider: di.ClassOf(di.Token{}, di.Constructor(newMailer).Override(9, di.NameToken("store"))),
		},
		{
			name:     "factory without token",
			provider: di.Factory(di.Token{}, func(...any) (any, error) { return 1, nil }),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := di.New().Register(tt.provider)
			assert.ErrorIs(t, err, apperrors.ErrConfiguration)
		})
	}
}

func TestContainer_ReRegistration(t *testing.T) {
	c := di.New()
	token := di.NameToken("value")

	require.NoError(t, c.Register(di.Value(token, 1)))
	require.NoError(t, c.Register(di.Value(token, 2)), "re-registration before resolution replaces")

	v, err := di.Resolve[int](c, token)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	err = c.Register(di.Value(token, 3))
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestContainer_CircularDependency(t *testing.T) {
	c := di.New()
	a, b, d := di.NameToken("A"), di.NameToken("B"), di.NameToken("D")
	built := 0
	factory := func(...any) (any, error) { built++; return struct{}{}, nil }
	c.MustRegister(
		di.Factory(a, factory, b),
		di.Factory(b, factory, d),
		di.Factory(d, factory, a),
	)

	_, err := c.Resolve(a)
	require.ErrorIs(t, err, apperrors.ErrCircularDependency)

	var unified *apperrors.UnifiedError
	require.True(t, errors.As(err, &unified))
	assert.Equal(t, []string{"A", "B", "D", "A"}, unified.Path)
	assert.Zero(t, built, "no constructor runs for a cyclic graph")
}

func TestContainer_SelfDependency(t *testing.T) {
	c := di.New()
	self := di.NameToken("self")
	c.MustRegister(di.Factory(self, func(...any) (any, error) { return 1, nil }, self))

	_, err := c.Resolve(self)
	assert.ErrorIs(t, err, apperrors.ErrCircularDependency)
}

func TestContainer_ConcurrentCycleDoesNotDeadlock(t *testing.T) {
	c := di.New()
	a, b := di.NameToken("A"), di.NameToken("B")
	slow := func(...any) (any, error) { time.Sleep(10 * time.Millisecond); return 1, nil }
	c.MustRegister(di.Factory(a, slow, b), di.Factory(b, slow, a))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, tok := range []di.Token{a, b} {
		wg.Add(1)
		go func(tok di.Token) {
			defer wg.Done()
			_, err := c.Resolve(tok)
			errs <- err
		}(tok)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("concurrent cyclic resolution deadlocked")
	}
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, apperrors.ErrCircularDependency)
	}
}

func TestContainer_ConcurrentResolveBuildsOnce(t *testing.T) {
	c := di.New()
	token := di.TypeToken[*settings]()
	var calls int32
	c.MustRegister(di.Factory(token, func(...any) (any, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return &settings{}, nil
	}))

	const n = 32
	results := make([]*settings, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = di.MustResolve[*settings](c, token)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, r := range results {
		assert.Same(t, results[0], r)
	}
}

func TestContainer_FactoryErrorKeepsCause(t *testing.T) {
	c := di.New()
	cause := errors.New("dial tcp: connection refused")
	token := di.NameToken("redis")
	c.MustRegister(di.Factory(token, func(...any) (any, error) { return nil, cause }))

	_, err := c.Resolve(token)
	assert.ErrorIs(t, err, cause)
	assert.False(t, c.Has(di.NameToken("other")))
	assert.True(t, c.Has(token))
}

func TestContainer_SymbolTokensAreDistinct(t *testing.T) {
	c := di.New()
	first, second := di.NewSymbol("cache"), di.NewSymbol("cache")
	c.MustRegister(di.Value(first, "one"), di.Value(second, "two"))

	assert.NotEqual(t, first, second)
	assert.Equal(t, "one", di.MustResolve[string](c, first))
	assert.Equal(t, "two", di.MustResolve[string](c, second))
	assert.Equal(t, "Symbol(cache)", first.String())
}

func TestContainer_ResolveTypeMismatch(t *testing.T) {
	c := di.New()
	token := di.NameToken("n")
	c.MustRegister(di.Value(token, 42))

	_, err := di.Resolve[string](c, token)
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestContainer_Clear(t *testing.T) {
	c := di.New()
	token := di.NameToken("n")
	c.MustRegister(di.Value(token, 42))
	_, err := c.Resolve(token)
	require.NoError(t, err)

	c.Clear()

	_, err = c.Resolve(token)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestContainer_Dispose(t *testing.T) {
	var (
		mu     sync.Mutex
		closed []string
	)
	newCloser := func(name string) di.FactoryFunc {
		return func(...any) (any, error) { return &closer{name: name, closed: &closed, mu: &mu}, nil }
	}

	c := di.New()
	db, broker, external := di.NameToken("db"), di.NameToken("broker"), di.NameToken("external")
	c.MustRegister(
		di.Factory(db, newCloser("db")),
		di.Factory(broker, newCloser("broker"), db),
		di.Value(external, &closer{name: "external", closed: &closed, mu: &mu}),
	)
	_, err := c.Resolve(broker)
	require.NoError(t, err)
	_, err = c.Resolve(external)
	require.NoError(t, err)

	require.NoError(t, c.Dispose(context.Background()))

	assert.Equal(t, []string{"broker", "db"}, closed, "constructed services close in reverse order, values are not closed")

	_, err = c.Resolve(db)
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
	assert.NoError(t, c.Dispose(context.Background()))
}

type failingCloser struct{ err error }

func (f failingCloser) Close(context.Context) error { return f.err }

func TestContainer_DisposeKeepsFirstError(t *testing.T) {
	boom := errors.New("connection reset")
	c := di.New()
	token := di.NameToken("redis")
	c.MustRegister(di.Factory(token, func(...any) (any, error) { return failingCloser{err: boom}, nil }))
	_, err := c.Resolve(token)
	require.NoError(t, err)

	err = c.Dispose(context.Background())
	assert.ErrorIs(t, err, boom)

	// A retried dispose reports the same failure instead of succeeding.
	assert.ErrorIs(t, c.Dispose(context.Background()), boom)
}
