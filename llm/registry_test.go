package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/BaSui01/qwengate/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider is a scriptable Provider for registry and router tests.
type stubProvider struct {
	id        string
	typeTag   string
	destroyed int
	chatErr   error
	chatBody  string
	models    []string
	healthErr error
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }
func (s *stubProvider) Type() string {
	if s.typeTag == "" {
		return TypeOpenAICompat
	}
	return s.typeTag
}

func (s *stubProvider) Chat(ctx context.Context, req *api.ChatCompletionRequest) (*ChatResult, error) {
	if s.chatErr != nil {
		return nil, s.chatErr
	}
	body := s.chatBody
	if body == "" {
		body = `{"id":"chatcmpl-stub"}`
	}
	return &ChatResult{Response: []byte(body)}, nil
}

func (s *stubProvider) ListModels(ctx context.Context) (*api.ModelList, error) {
	list := &api.ModelList{Object: "list", Data: []api.Model{}}
	for _, id := range s.models {
		list.Data = append(list.Data, api.Model{ID: id, Object: "model", OwnedBy: s.id})
	}
	return list, nil
}

func (s *stubProvider) HealthCheck(ctx context.Context) error { return s.healthErr }
func (s *stubProvider) Destroy()                              { s.destroyed++ }

// stubFactory scripts catalog-driven construction.
type stubFactory struct {
	ids     []string
	build   map[string]*stubProvider
	failing map[string]error
}

func (f *stubFactory) ListEnabled(ctx context.Context) ([]string, error) { return f.ids, nil }

func (f *stubFactory) Create(ctx context.Context, id string) (Provider, error) {
	if err, ok := f.failing[id]; ok {
		return nil, err
	}
	p, ok := f.build[id]
	if !ok {
		return nil, NewError(ErrProviderNotFound, "unknown provider: "+id)
	}
	return p, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry(nil, nil)
	p := &stubProvider{id: "a"}
	r.Register("a", p)

	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Same(t, Provider(p), got)
	assert.True(t, r.Has("a"))
	assert.Equal(t, 1, r.Count())
}

func TestGetNotLoaded(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, err := r.Get("ghost")
	require.Error(t, err)
	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, ErrProviderNotLoaded, typed.Code)
	assert.Equal(t, 503, typed.HTTPStatus)
}

func TestDuplicateRegisterDestroysOld(t *testing.T) {
	r := NewRegistry(nil, nil)
	old := &stubProvider{id: "a"}
	replacement := &stubProvider{id: "a"}
	r.Register("a", old)
	r.Register("a", replacement)

	assert.Equal(t, 1, old.destroyed)
	assert.Equal(t, 0, replacement.destroyed)
	assert.Equal(t, 1, r.Count())

	// Registration order is preserved across the overwrite.
	first, ok := r.First()
	require.True(t, ok)
	assert.Same(t, Provider(replacement), first)
}

func TestUnregisterDestroys(t *testing.T) {
	r := NewRegistry(nil, nil)
	p := &stubProvider{id: "a"}
	r.Register("a", p)

	assert.True(t, r.Unregister("a"))
	assert.Equal(t, 1, p.destroyed)
	assert.False(t, r.Has("a"))
	assert.False(t, r.Unregister("a"))
}

func TestFirstFollowsRegistrationOrder(t *testing.T) {
	r := NewRegistry(nil, nil)
	_, ok := r.First()
	assert.False(t, ok)

	a := &stubProvider{id: "zeta"}
	b := &stubProvider{id: "alpha"}
	r.Register("zeta", a)
	r.Register("alpha", b)

	first, ok := r.First()
	require.True(t, ok)
	assert.Equal(t, "zeta", first.ID(), "fallback is registration order, not lexical")

	r.Unregister("zeta")
	first, ok = r.First()
	require.True(t, ok)
	assert.Equal(t, "alpha", first.ID())
}

func TestGetAllIDsSorted(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register("b", &stubProvider{id: "b"})
	r.Register("a", &stubProvider{id: "a"})
	r.Register("c", &stubProvider{id: "c"})
	assert.Equal(t, []string{"a", "b", "c"}, r.GetAllIDs())
}

func TestGetByType(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register("q", &stubProvider{id: "q", typeTag: TypeQwenDirect})
	r.Register("l", &stubProvider{id: "l", typeTag: TypeLMStudio})

	got := r.GetByType(TypeQwenDirect)
	require.Len(t, got, 1)
	assert.Equal(t, "q", got[0].ID())
}

func TestClearDestroysEverything(t *testing.T) {
	r := NewRegistry(nil, nil)
	a := &stubProvider{id: "a"}
	b := &stubProvider{id: "b"}
	r.Register("a", a)
	r.Register("b", b)

	r.Clear()
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 1, a.destroyed)
	assert.Equal(t, 1, b.destroyed)
	_, ok := r.First()
	assert.False(t, ok)
}

func TestLoadAllSkipsFailedConstruction(t *testing.T) {
	good := &stubProvider{id: "good"}
	f := &stubFactory{
		ids:     []string{"good", "broken"},
		build:   map[string]*stubProvider{"good": good},
		failing: map[string]error{"broken": errors.New("bad config")},
	}
	r := NewRegistry(f, nil)

	loaded, err := r.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)
	assert.True(t, r.Has("good"))
	assert.False(t, r.Has("broken"))
}

func TestReloadReplacesInstance(t *testing.T) {
	first := &stubProvider{id: "a"}
	second := &stubProvider{id: "a"}
	f := &stubFactory{build: map[string]*stubProvider{"a": first}}
	r := NewRegistry(f, nil)

	require.NoError(t, r.Reload(context.Background(), "a"))
	f.build["a"] = second
	require.NoError(t, r.Reload(context.Background(), "a"))

	assert.Equal(t, 1, first.destroyed)
	got, err := r.Get("a")
	require.NoError(t, err)
	assert.Same(t, Provider(second), got)
}

func TestHealthCheckAll(t *testing.T) {
	r := NewRegistry(nil, nil)
	r.Register("up", &stubProvider{id: "up"})
	r.Register("down", &stubProvider{id: "down", healthErr: errors.New("unreachable")})

	results := r.HealthCheckAll(context.Background())
	require.Len(t, results, 2)
	assert.NoError(t, results["up"])
	assert.Error(t, results["down"])
}
