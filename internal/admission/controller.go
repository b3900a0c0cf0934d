// Package admission decides whether a model may be loaded given the
// configured memory ceiling, evicting least-recently-used idle models when
// needed. Loads are all-or-nothing: either the full backend handle exists
// under the ceiling or nothing was instantiated.
package admission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"runtimed/internal/backend"
	"runtimed/pkg/types"
)

// ArtifactResolver maps a descriptor to the on-disk path of its verified
// artifact. Implemented by the runtime over the store and models dir.
type ArtifactResolver interface {
	Resolve(d types.ModelDescriptor) (string, error)
}

// LoadedModel is the runtime record for one resident model. The backend
// handle is owned exclusively by this record; Refs counts active sessions.
type LoadedModel struct {
	ID            string
	Format        types.ModelFormat
	Handle        backend.Model
	ResidentBytes int64
	LastUsed      time.Time
	Refs          int
	Seq           uint64
}

// Config holds controller tunables.
type Config struct {
	BudgetBytes int64 // 0 disables the ceiling
	MarginBytes int64
	LoadParams  backend.LoadParams
}

// Controller owns the loaded-model registry.
//
// Locking: mu guards the loaded map; loadMu serializes whole load/evict
// decisions so two concurrent loads cannot both believe there is headroom.
type Controller struct {
	registry *backend.Registry
	resolver ArtifactResolver
	cfg      Config
	log      zerolog.Logger

	loadMu sync.Mutex
	mu     sync.RWMutex
	loaded map[string]*LoadedModel

	loadSeq   uint64
	loads     uint64
	evictions uint64
}

// New constructs a controller.
func New(reg *backend.Registry, resolver ArtifactResolver, cfg Config, log zerolog.Logger) *Controller {
	return &Controller{
		registry: reg,
		resolver: resolver,
		cfg:      cfg,
		log:      log,
		loaded:   make(map[string]*LoadedModel),
	}
}

// Load admits and instantiates the model described by d. Already-loaded
// models are touched and returned as-is. Fails with insufficient_memory when
// eviction of idle models cannot free enough headroom, model_not_found when
// no verified artifact exists, backend for engine failures.
func (c *Controller) Load(ctx context.Context, d types.ModelDescriptor) error {
	c.loadMu.Lock()
	defer c.loadMu.Unlock()

	c.mu.Lock()
	if lm, ok := c.loaded[d.ID]; ok {
		lm.LastUsed = time.Now()
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	reg, err := c.registry.EngineFor(d.Format)
	if err != nil {
		return err
	}
	path, err := c.resolver.Resolve(d)
	if err != nil {
		return err
	}
	required := d.RAMBytes
	if required <= 0 {
		required = d.SizeBytes
	}

	if c.cfg.BudgetBytes > 0 {
		if !c.evictUntilFits(required) {
			return types.Errorf(types.KindInsufficientMemory,
				"model %s needs %d bytes, ceiling is %d with %d resident", d.ID, required, c.cfg.BudgetBytes, c.usedBytes())
		}
	}

	handle, err := reg.Engine.Load(ctx, path, c.cfg.LoadParams)
	if err != nil {
		if types.KindOf(err) != "" {
			return err
		}
		return types.WrapError(types.KindBackend, "load "+d.ID, err)
	}

	c.mu.Lock()
	c.loadSeq++
	c.loads++
	c.loaded[d.ID] = &LoadedModel{
		ID:            d.ID,
		Format:        d.Format,
		Handle:        handle,
		ResidentBytes: required,
		LastUsed:      time.Now(),
		Seq:           c.loadSeq,
	}
	c.mu.Unlock()
	c.log.Info().Str("model", d.ID).Str("engine", reg.Name).Int64("resident_bytes", required).Msg("model loaded")
	return nil
}

// evictUntilFits evicts refcount-zero models in LRU order (ties broken by
// load sequence) until required fits under budget+margin. Reports whether
// the candidate now fits. Models in use are never evicted.
func (c *Controller) evictUntilFits(required int64) bool {
	for {
		c.mu.Lock()
		if c.usedLocked()+required+c.cfg.MarginBytes <= c.cfg.BudgetBytes {
			c.mu.Unlock()
			return true
		}
		victims := make([]*LoadedModel, 0, len(c.loaded))
		for _, lm := range c.loaded {
			if lm.Refs == 0 {
				victims = append(victims, lm)
			}
		}
		if len(victims) == 0 {
			c.mu.Unlock()
			return false
		}
		sort.Slice(victims, func(i, j int) bool {
			if victims[i].LastUsed.Equal(victims[j].LastUsed) {
				return victims[i].Seq < victims[j].Seq
			}
			return victims[i].LastUsed.Before(victims[j].LastUsed)
		})
		victim := victims[0]
		delete(c.loaded, victim.ID)
		c.evictions++
		c.mu.Unlock()

		if err := victim.Handle.Close(); err != nil {
			c.log.Warn().Str("model", victim.ID).Err(err).Msg("close evicted handle")
		}
		c.log.Info().Str("model", victim.ID).Msg("model evicted")
	}
}

// Acquire increments the refcount for id and returns the backend handle plus
// a release func. The refcount is the sole mechanism protecting a model from
// eviction mid-use; callers must release on every terminal path.
func (c *Controller) Acquire(id string) (backend.Model, func(), error) {
	c.mu.Lock()
	lm, ok := c.loaded[id]
	if !ok {
		c.mu.Unlock()
		return nil, nil, types.Errorf(types.KindModelNotFound, "model %s is not loaded", id)
	}
	lm.Refs++
	lm.LastUsed = time.Now()
	handle := lm.Handle
	c.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			c.mu.Lock()
			if cur, ok := c.loaded[id]; ok && cur.Refs > 0 {
				cur.Refs--
				cur.LastUsed = time.Now()
			}
			c.mu.Unlock()
		})
	}
	return handle, release, nil
}

// Unload explicitly removes a loaded model. Fails with invalid_state while
// sessions still hold references; cancel them first.
func (c *Controller) Unload(id string) error {
	c.mu.Lock()
	lm, ok := c.loaded[id]
	if !ok {
		c.mu.Unlock()
		return types.Errorf(types.KindModelNotFound, "model %s is not loaded", id)
	}
	if lm.Refs > 0 {
		c.mu.Unlock()
		return types.Errorf(types.KindInvalidState,
			"model %s has %d active sessions; cancel them before unloading", id, lm.Refs)
	}
	delete(c.loaded, id)
	c.mu.Unlock()

	if err := lm.Handle.Close(); err != nil {
		return types.WrapError(types.KindBackend, "close handle for "+id, err)
	}
	c.log.Info().Str("model", id).Msg("model unloaded")
	return nil
}

// UnloadAll force-closes every handle regardless of refcounts. Only the
// facade calls this, after cancelling all sessions during shutdown.
func (c *Controller) UnloadAll() {
	c.mu.Lock()
	handles := make([]*LoadedModel, 0, len(c.loaded))
	for _, lm := range c.loaded {
		handles = append(handles, lm)
	}
	c.loaded = make(map[string]*LoadedModel)
	c.mu.Unlock()
	for _, lm := range handles {
		if err := lm.Handle.Close(); err != nil {
			c.log.Warn().Str("model", lm.ID).Err(err).Msg("close handle on shutdown")
		}
	}
}

// Loaded reports whether id currently has a resident handle.
func (c *Controller) Loaded(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.loaded[id]
	return ok
}

func (c *Controller) usedLocked() int64 {
	var used int64
	for _, lm := range c.loaded {
		used += lm.ResidentBytes
	}
	return used
}

func (c *Controller) usedBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.usedLocked()
}

// Status summarizes the loaded-model registry for /status.
func (c *Controller) Status() ([]types.LoadedModelStatus, int64, uint64, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.LoadedModelStatus, 0, len(c.loaded))
	for _, lm := range c.loaded {
		out = append(out, types.LoadedModelStatus{
			ModelID:    lm.ID,
			Format:     string(lm.Format),
			ResidentMB: lm.ResidentBytes / (1 << 20),
			RefCount:   lm.Refs,
			LastUsed:   lm.LastUsed.Unix(),
			LoadSeq:    lm.Seq,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoadSeq < out[j].LoadSeq })
	return out, c.usedLocked(), c.loads, c.evictions
}
