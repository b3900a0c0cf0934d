// Package runtime is the SDK facade: the single entry point every binding
// delegates to. It owns process-wide initialization state and routes calls
// to the catalog, store, download manager, admission controller, session
// manager and voice pipeline coordinator.
package runtime

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"runtimed/internal/admission"
	"runtimed/internal/backend"
	"runtimed/internal/catalog"
	"runtimed/internal/config"
	"runtimed/internal/download"
	"runtimed/internal/events"
	"runtimed/internal/pipeline"
	"runtimed/internal/session"
	"runtimed/internal/store"
	"runtimed/pkg/types"
)

// Runtime is the process-wide orchestration context. Obtain one through
// Initialize; all methods fail with not_initialized after Shutdown.
type Runtime struct {
	cfg       config.Config
	log       zerolog.Logger
	catalog   *catalog.Catalog
	store     *store.Store
	bus       *events.Bus
	downloads *download.Manager
	backends  *backend.Registry
	adm       *admission.Controller
	sessions  *session.Manager
	voice     *pipeline.Coordinator
	started   time.Time
	closed    atomic.Bool
}

// process-wide singleton guard; Initialize/Shutdown transition it.
var (
	initGate = make(chan struct{}, 1)
	current  atomic.Pointer[Runtime]
)

func init() { initGate <- struct{}{} }

// Current returns the active runtime, or nil before Initialize.
func Current() *Runtime { return current.Load() }

// Initialize establishes the process-wide runtime exactly once. A second
// call without an intervening Shutdown fails with already_initialized.
func Initialize(cfg config.Config, log zerolog.Logger) (*Runtime, error) {
	select {
	case <-initGate:
	default:
		return nil, types.NewError(types.KindAlreadyInitialized, "runtime already initialized; call Shutdown first")
	}

	r, err := build(cfg, log)
	if err != nil {
		initGate <- struct{}{}
		return nil, err
	}
	current.Store(r)
	return r, nil
}

func build(cfg config.Config, log zerolog.Logger) (*Runtime, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	cat, err := catalog.LoadDir(cfg.ModelsDir)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(filepath.Join(cfg.ModelsDir, "artifacts"), cfg.StorageQuotaMB*(1<<20))
	if err != nil {
		return nil, err
	}
	bus := events.NewBus(0)
	r := &Runtime{
		cfg:      cfg,
		log:      log,
		catalog:  cat,
		store:    st,
		bus:      bus,
		backends: backend.NewRegistry(),
		started:  time.Now(),
	}
	r.downloads = download.New(st, bus, nil, log)
	r.adm = admission.New(r.backends, r, admission.Config{
		BudgetBytes: cfg.MemoryBudgetMB * (1 << 20),
		MarginBytes: cfg.MemoryMarginMB * (1 << 20),
	}, log)
	r.sessions = session.New(r.adm, bus, session.Config{
		MaxQueueDepth: cfg.MaxQueueDepth,
		MaxWait:       time.Duration(cfg.MaxWaitMS) * time.Millisecond,
	}, log)
	r.voice = pipeline.New(r.sessions, r.ensure, bus, log)

	if err := r.registerBuiltins(); err != nil {
		return nil, err
	}
	return r, nil
}

// registerBuiltins wires the three engine classes. The LLM engine is the
// in-process llama.cpp adapter when built with the 'llama' tag, otherwise
// the deterministic stand-in.
func (r *Runtime) registerBuiltins() error {
	regs := []struct {
		name   string
		caps   types.Capabilities
		engine backend.Engine
	}{
		{"llamacpp", types.Capabilities{Formats: []types.ModelFormat{types.FormatGGUFLLM}, MaxContext: 4096, Streaming: true}, backend.NewLLMEngine()},
		{"whispercpp", types.Capabilities{Formats: []types.ModelFormat{types.FormatWhisperSTT}, Streaming: false}, backend.NewStubSTT()},
		{"piper", types.Capabilities{Formats: []types.ModelFormat{types.FormatPiperTTS}, Streaming: true}, backend.NewStubTTS()},
	}
	for _, reg := range regs {
		if err := r.backends.Register(reg.name, reg.caps, reg.engine); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown cancels all sessions, unloads all models and releases the
// process-wide slot so Initialize may be called again. New operations are
// rejected as soon as shutdown begins.
func (r *Runtime) Shutdown() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.sessions.CancelAll()
	r.adm.UnloadAll()
	current.Store(nil)
	initGate <- struct{}{}
	r.log.Info().Msg("runtime shut down")
}

func (r *Runtime) guard() error {
	if r == nil || r.closed.Load() {
		return types.NewError(types.KindNotInitialized, "runtime is not initialized")
	}
	return nil
}

// RegisterBackend adds an external engine to the registry.
func (r *Runtime) RegisterBackend(name string, caps types.Capabilities, engine backend.Engine) error {
	if err := r.guard(); err != nil {
		return err
	}
	return r.backends.Register(name, caps, engine)
}

// RegisterModel adds a descriptor to the catalog at first reference.
func (r *Runtime) RegisterModel(d types.ModelDescriptor) error {
	if err := r.guard(); err != nil {
		return err
	}
	return r.catalog.Add(d)
}

// Models lists the known descriptors.
func (r *Runtime) Models() ([]types.ModelDescriptor, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}
	return r.catalog.List(), nil
}

// Artifacts lists on-disk artifact records.
func (r *Runtime) Artifacts() ([]types.Artifact, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}
	return r.store.List(), nil
}

// Fetch downloads the artifact for a catalogued model.
func (r *Runtime) Fetch(ctx context.Context, id string) (types.Artifact, error) {
	if err := r.guard(); err != nil {
		return types.Artifact{}, err
	}
	d, ok := r.catalog.Get(id)
	if !ok {
		return types.Artifact{}, types.Errorf(types.KindModelNotFound, "unknown model %s", id)
	}
	return r.downloads.Fetch(ctx, d)
}

// DeleteArtifact removes a downloaded artifact on user request.
func (r *Runtime) DeleteArtifact(id string) error {
	if err := r.guard(); err != nil {
		return err
	}
	return r.store.Delete(id)
}

// Load admits and instantiates a model.
func (r *Runtime) Load(ctx context.Context, id string) error {
	if err := r.guard(); err != nil {
		return err
	}
	d, ok := r.catalog.Get(id)
	if !ok {
		return types.Errorf(types.KindModelNotFound, "unknown model %s", id)
	}
	return r.adm.Load(ctx, d)
}

// Unload removes a loaded model; fails while sessions reference it.
func (r *Runtime) Unload(id string) error {
	if err := r.guard(); err != nil {
		return err
	}
	return r.adm.Unload(id)
}

// Resolve implements admission.ArtifactResolver: a verified store artifact
// wins; a catalogued local file (no URL) is served from the models dir.
func (r *Runtime) Resolve(d types.ModelDescriptor) (string, error) {
	if a, ok := r.store.Get(d.ID); ok && a.State == types.ArtifactVerified {
		if _, err := os.Stat(a.Path); err == nil {
			return a.Path, nil
		}
	}
	if d.URL == "" {
		p := filepath.Join(r.cfg.ModelsDir, d.ID)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", types.Errorf(types.KindModelNotFound, "no verified artifact for %s; fetch it first", d.ID)
}

// Generate runs a generation session, loading the model on first use.
func (r *Runtime) Generate(ctx context.Context, req types.GenerateRequest, onToken func(string) error) (session.Result, error) {
	if err := r.guard(); err != nil {
		return session.Result{}, err
	}
	id := r.defaultID(req.Model, r.cfg.DefaultLLM)
	if err := r.ensure(ctx, id); err != nil {
		return session.Result{}, err
	}
	return r.sessions.Generate(ctx, id, req.Prompt, req.Options, onToken)
}

// Transcribe runs a transcription session, loading the model on first use.
func (r *Runtime) Transcribe(ctx context.Context, req types.TranscribeRequest) (session.Result, error) {
	if err := r.guard(); err != nil {
		return session.Result{}, err
	}
	id := r.defaultID(req.Model, r.cfg.DefaultSTT)
	if err := r.ensure(ctx, id); err != nil {
		return session.Result{}, err
	}
	return r.sessions.Transcribe(ctx, id, req.Audio, req.Language)
}

// Synthesize runs a synthesis session, loading the model on first use.
func (r *Runtime) Synthesize(ctx context.Context, req types.SynthesizeRequest, onChunk func([]byte) error) (session.Result, error) {
	if err := r.guard(); err != nil {
		return session.Result{}, err
	}
	id := r.defaultID(req.Model, r.cfg.DefaultTTS)
	if err := r.ensure(ctx, id); err != nil {
		return session.Result{}, err
	}
	return r.sessions.Synthesize(ctx, id, req.Text, onChunk)
}

// VoiceTurn drives one STT -> LLM -> TTS pipeline run. Stage models are
// loaded lazily as their stage begins.
func (r *Runtime) VoiceTurn(ctx context.Context, req types.VoiceRequest, obs pipeline.Observer) (pipeline.Snapshot, error) {
	if err := r.guard(); err != nil {
		return pipeline.Snapshot{}, err
	}
	models := pipeline.Models{
		STT: r.defaultID(req.STTModel, r.cfg.DefaultSTT),
		LLM: r.defaultID(req.LLMModel, r.cfg.DefaultLLM),
		TTS: r.defaultID(req.TTSModel, r.cfg.DefaultTTS),
	}
	return r.voice.Run(ctx, models, req.Audio, req.Language, req.Options, obs)
}

// CancelSession cancels a running session cooperatively.
func (r *Runtime) CancelSession(id string) error {
	if err := r.guard(); err != nil {
		return err
	}
	return r.sessions.Cancel(id)
}

// PipelineRun returns the (possibly partial) record of a voice run.
func (r *Runtime) PipelineRun(id string) (pipeline.Snapshot, bool) {
	if err := r.guard(); err != nil {
		return pipeline.Snapshot{}, false
	}
	return r.voice.Get(id)
}

// Events returns buffered progress events after seq for a subject.
func (r *Runtime) Events(subject string, since int64) ([]types.ProgressEvent, error) {
	if err := r.guard(); err != nil {
		return nil, err
	}
	return r.bus.Since(subject, since), nil
}

// Status reports the resident-model registry and counters.
func (r *Runtime) Status() types.StatusResponse {
	if r.guard() != nil {
		return types.StatusResponse{}
	}
	loaded, used, loads, evictions := r.adm.Status()
	return types.StatusResponse{
		Loaded:         loaded,
		BudgetMB:       r.cfg.MemoryBudgetMB,
		UsedMB:         used / (1 << 20),
		MarginMB:       r.cfg.MemoryMarginMB,
		LoadsTotal:     loads,
		EvictionsTotal: evictions,
		ActiveSessions: r.sessions.ActiveCount(),
		UptimeSeconds:  int64(time.Since(r.started).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
}

// Ready reports whether the runtime can serve requests.
func (r *Runtime) Ready() bool { return r.guard() == nil }

func (r *Runtime) defaultID(requested, fallback string) string {
	if requested != "" {
		return requested
	}
	return fallback
}

func (r *Runtime) ensure(ctx context.Context, id string) error {
	if id == "" {
		return types.NewError(types.KindModelNotFound, "no model specified and no default configured")
	}
	if r.adm.Loaded(id) {
		return nil
	}
	d, ok := r.catalog.Get(id)
	if !ok {
		return types.Errorf(types.KindModelNotFound, "unknown model %s", id)
	}
	return r.adm.Load(ctx, d)
}
