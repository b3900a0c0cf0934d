package admission

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"runtimed/internal/backend"
	"runtimed/pkg/types"
)

const mb = int64(1 << 20)

type fakeModel struct {
	mu     sync.Mutex
	closed bool
}

func (m *fakeModel) Infer(ctx context.Context, in backend.Input, emit func(backend.Chunk) error) (backend.Output, error) {
	return backend.Output{Text: "ok"}, nil
}

func (m *fakeModel) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *fakeModel) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type fakeEngine struct {
	mu      sync.Mutex
	handles map[string]*fakeModel
	loads   int
}

func (e *fakeEngine) Load(ctx context.Context, path string, params backend.LoadParams) (backend.Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handles == nil {
		e.handles = make(map[string]*fakeModel)
	}
	m := &fakeModel{}
	e.handles[path] = m
	e.loads++
	return m, nil
}

type resolverFunc func(d types.ModelDescriptor) (string, error)

func (f resolverFunc) Resolve(d types.ModelDescriptor) (string, error) { return f(d) }

func pathResolver() ArtifactResolver {
	return resolverFunc(func(d types.ModelDescriptor) (string, error) { return "/fake/" + d.ID, nil })
}

func newController(t *testing.T, budgetMB int64) (*Controller, *fakeEngine) {
	t.Helper()
	eng := &fakeEngine{}
	reg := backend.NewRegistry()
	caps := types.Capabilities{Formats: []types.ModelFormat{types.FormatGGUFLLM}, Streaming: true}
	if err := reg.Register("fake", caps, eng); err != nil {
		t.Fatalf("register: %v", err)
	}
	c := New(reg, pathResolver(), Config{BudgetBytes: budgetMB * mb}, zerolog.Nop())
	return c, eng
}

func llm(id string, ramMB int64) types.ModelDescriptor {
	return types.ModelDescriptor{ID: id, Format: types.FormatGGUFLLM, SizeBytes: ramMB * mb, RAMBytes: ramMB * mb}
}

func TestLoadIdempotent(t *testing.T) {
	c, eng := newController(t, 0)
	if err := c.Load(context.Background(), llm("a", 100)); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := c.Load(context.Background(), llm("a", 100)); err != nil {
		t.Fatalf("re-load: %v", err)
	}
	if eng.loads != 1 {
		t.Fatalf("expected one engine load, got %d", eng.loads)
	}
}

func TestLoadNoEngineForFormat(t *testing.T) {
	c, _ := newController(t, 0)
	err := c.Load(context.Background(), types.ModelDescriptor{ID: "v", Format: types.FormatPiperTTS, RAMBytes: mb})
	if !types.IsBackend(err) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestLoadRejectsOversizedModel(t *testing.T) {
	c, _ := newController(t, 500)
	err := c.Load(context.Background(), llm("big", 600))
	if !types.IsInsufficientMemory(err) {
		t.Fatalf("expected insufficient_memory, got %v", err)
	}
	if c.Loaded("big") {
		t.Fatalf("rejected model must not be resident")
	}
}

func TestEvictLeastRecentlyUsed(t *testing.T) {
	c, eng := newController(t, 1000)
	if err := c.Load(context.Background(), llm("old", 600)); err != nil {
		t.Fatalf("load old: %v", err)
	}
	if err := c.Load(context.Background(), llm("mid", 300)); err != nil {
		t.Fatalf("load mid: %v", err)
	}

	// 600 + 300 resident; a 600 MB candidate forces eviction of "old".
	if err := c.Load(context.Background(), llm("new", 600)); err != nil {
		t.Fatalf("load new: %v", err)
	}
	if c.Loaded("old") {
		t.Fatalf("LRU model should have been evicted")
	}
	if !c.Loaded("mid") || !c.Loaded("new") {
		t.Fatalf("wrong victims evicted")
	}
	if !eng.handles["/fake/old"].isClosed() {
		t.Fatalf("evicted handle should be closed")
	}
	_, used, loads, evictions := c.Status()
	if used != 900*mb || loads != 3 || evictions != 1 {
		t.Fatalf("status counters: used=%d loads=%d evictions=%d", used, loads, evictions)
	}
}

func TestActiveModelNeverEvicted(t *testing.T) {
	c, _ := newController(t, 1000)
	if err := c.Load(context.Background(), llm("busy", 600)); err != nil {
		t.Fatalf("load: %v", err)
	}
	_, release, err := c.Acquire("busy")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	err = c.Load(context.Background(), llm("other", 600))
	if !types.IsInsufficientMemory(err) {
		t.Fatalf("expected insufficient_memory while refs held, got %v", err)
	}
	if !c.Loaded("busy") {
		t.Fatalf("referenced model was evicted")
	}

	release()
	if err := c.Load(context.Background(), llm("other", 600)); err != nil {
		t.Fatalf("load after release: %v", err)
	}
	if c.Loaded("busy") {
		t.Fatalf("idle model should have made room")
	}
}

func TestMarginCountsAgainstBudget(t *testing.T) {
	eng := &fakeEngine{}
	reg := backend.NewRegistry()
	caps := types.Capabilities{Formats: []types.ModelFormat{types.FormatGGUFLLM}}
	if err := reg.Register("fake", caps, eng); err != nil {
		t.Fatalf("register: %v", err)
	}
	c := New(reg, pathResolver(), Config{BudgetBytes: 1000 * mb, MarginBytes: 500 * mb}, zerolog.Nop())
	err := c.Load(context.Background(), llm("a", 600))
	if !types.IsInsufficientMemory(err) {
		t.Fatalf("expected insufficient_memory with margin reserved, got %v", err)
	}
}

func TestAcquireUnknownModel(t *testing.T) {
	c, _ := newController(t, 0)
	_, _, err := c.Acquire("nope")
	if !types.IsModelNotFound(err) {
		t.Fatalf("expected model_not_found, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	c, _ := newController(t, 0)
	if err := c.Load(context.Background(), llm("a", 10)); err != nil {
		t.Fatalf("load: %v", err)
	}
	_, release, err := c.Acquire("a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	release()
	release()
	if err := c.Unload("a"); err != nil {
		t.Fatalf("unload after double release: %v", err)
	}
}

func TestUnloadBusyModel(t *testing.T) {
	c, _ := newController(t, 0)
	if err := c.Load(context.Background(), llm("a", 10)); err != nil {
		t.Fatalf("load: %v", err)
	}
	_, release, err := c.Acquire("a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := c.Unload("a"); !types.IsInvalidState(err) {
		t.Fatalf("expected invalid_state while referenced, got %v", err)
	}
	release()
	if err := c.Unload("a"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if err := c.Unload("a"); !types.IsModelNotFound(err) {
		t.Fatalf("expected model_not_found after unload, got %v", err)
	}
}

func TestUnloadAllClosesHandles(t *testing.T) {
	c, eng := newController(t, 0)
	for _, id := range []string{"a", "b"} {
		if err := c.Load(context.Background(), llm(id, 10)); err != nil {
			t.Fatalf("load %s: %v", id, err)
		}
	}
	c.UnloadAll()
	for path, h := range eng.handles {
		if !h.isClosed() {
			t.Fatalf("handle %s not closed", path)
		}
	}
	if c.Loaded("a") || c.Loaded("b") {
		t.Fatalf("models still resident after UnloadAll")
	}
}
