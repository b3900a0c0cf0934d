package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"runtimed/internal/admission"
	"runtimed/internal/backend"
	"runtimed/internal/events"
	"runtimed/internal/session"
	"runtimed/pkg/types"
)

type resolverFunc func(d types.ModelDescriptor) (string, error)

func (f resolverFunc) Resolve(d types.ModelDescriptor) (string, error) { return f(d) }

type engineFunc func(ctx context.Context, path string, params backend.LoadParams) (backend.Model, error)

func (f engineFunc) Load(ctx context.Context, path string, params backend.LoadParams) (backend.Model, error) {
	return f(ctx, path, params)
}

// failingModel errors on every inference.
type failingModel struct{}

func (failingModel) Infer(ctx context.Context, in backend.Input, emit func(backend.Chunk) error) (backend.Output, error) {
	return backend.Output{}, errors.New("engine exploded")
}

func (failingModel) Close() error { return nil }

// parkedModel blocks until the context is cancelled.
type parkedModel struct {
	started chan struct{}
}

func (m *parkedModel) Infer(ctx context.Context, in backend.Input, emit func(backend.Chunk) error) (backend.Output, error) {
	select {
	case m.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return backend.Output{}, ctx.Err()
}

func (m *parkedModel) Close() error { return nil }

var stageModels = Models{STT: "stt", LLM: "llm", TTS: "tts"}

// newCoordinator wires a coordinator with one engine per stage. Nil engines
// default to the deterministic stubs; ensure may be nil.
func newCoordinator(t *testing.T, stt, llm, tts backend.Engine, ensure func(context.Context, string) error) (*Coordinator, *events.Bus) {
	t.Helper()
	if stt == nil {
		stt = backend.NewStubSTT()
	}
	if llm == nil {
		llm = backend.NewStubLLM()
	}
	if tts == nil {
		tts = backend.NewStubTTS()
	}
	path := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(path, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}

	reg := backend.NewRegistry()
	regs := []struct {
		name   string
		format types.ModelFormat
		engine backend.Engine
	}{
		{"stt", types.FormatWhisperSTT, stt},
		{"llm", types.FormatGGUFLLM, llm},
		{"tts", types.FormatPiperTTS, tts},
	}
	for _, r := range regs {
		caps := types.Capabilities{Formats: []types.ModelFormat{r.format}, Streaming: true}
		if err := reg.Register(r.name, caps, r.engine); err != nil {
			t.Fatalf("register %s: %v", r.name, err)
		}
	}
	resolver := resolverFunc(func(d types.ModelDescriptor) (string, error) { return path, nil })
	adm := admission.New(reg, resolver, admission.Config{}, zerolog.Nop())
	for id, format := range map[string]types.ModelFormat{
		"stt": types.FormatWhisperSTT,
		"llm": types.FormatGGUFLLM,
		"tts": types.FormatPiperTTS,
	} {
		if err := adm.Load(context.Background(), types.ModelDescriptor{ID: id, Format: format, RAMBytes: 1}); err != nil {
			t.Fatalf("load %s: %v", id, err)
		}
	}
	bus := events.NewBus(0)
	sm := session.New(adm, bus, session.Config{}, zerolog.Nop())
	return New(sm, ensure, bus, zerolog.Nop()), bus
}

func TestRunCompletesAllStages(t *testing.T) {
	c, bus := newCoordinator(t, nil, nil, nil, nil)

	var stages []types.PipelineState
	var transcript string
	obs := Observer{
		OnStage:      func(st types.PipelineState) { stages = append(stages, st) },
		OnTranscript: func(text string) { transcript = text },
	}
	snap, err := c.Run(context.Background(), stageModels, make([]byte, 32000), "en", types.GenerateOptions{}, obs)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.State != types.PipelineCompleted {
		t.Fatalf("state: %s", snap.State)
	}
	if snap.Transcript == "" || snap.Reply == "" || len(snap.Audio) == 0 {
		t.Fatalf("incomplete results: %+v", snap)
	}
	if transcript != snap.Transcript {
		t.Fatalf("observer transcript mismatch")
	}
	if len(snap.Sessions) != 3 {
		t.Fatalf("expected 3 stage sessions, got %d", len(snap.Sessions))
	}
	want := []types.PipelineState{types.PipelineTranscribing, types.PipelineGenerating, types.PipelineSynthesizing, types.PipelineCompleted}
	if len(stages) != len(want) {
		t.Fatalf("stage transitions: %v", stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("stage %d: want %s got %s", i, want[i], stages[i])
		}
	}
	if evs := bus.Since(snap.ID, 0); len(evs) != len(want) {
		t.Fatalf("expected %d stage events, got %d", len(want), len(evs))
	}
}

func TestGenerationFailureRetainsTranscript(t *testing.T) {
	llm := engineFunc(func(ctx context.Context, path string, params backend.LoadParams) (backend.Model, error) {
		return failingModel{}, nil
	})
	c, _ := newCoordinator(t, nil, llm, nil, nil)

	snap, err := c.Run(context.Background(), stageModels, make([]byte, 32000), "", types.GenerateOptions{}, Observer{})
	if !types.IsBackend(err) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if snap.State != types.PipelineFailed {
		t.Fatalf("state: %s", snap.State)
	}
	if snap.Transcript == "" {
		t.Fatalf("transcript from the completed stage must be retained")
	}
	if snap.Reply != "" || len(snap.Audio) != 0 {
		t.Fatalf("failed stages produced output: %+v", snap)
	}
	if _, ok := snap.Sessions[types.SessionSynthesis]; ok {
		t.Fatalf("synthesis session must never be created after a generation failure")
	}
}

func TestCancelDuringTranscription(t *testing.T) {
	parked := &parkedModel{started: make(chan struct{}, 1)}
	stt := engineFunc(func(ctx context.Context, path string, params backend.LoadParams) (backend.Model, error) {
		return parked, nil
	})
	c, bus := newCoordinator(t, stt, nil, nil, nil)

	type outcome struct {
		snap Snapshot
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		snap, err := c.Run(context.Background(), stageModels, make([]byte, 32000), "", types.GenerateOptions{}, Observer{})
		done <- outcome{snap, err}
	}()
	<-parked.started

	// The first stage event names the run to cancel.
	var runID string
	deadline := time.After(2 * time.Second)
	for runID == "" {
		for _, e := range bus.Since("", 0) {
			if e.Kind == types.ProgressStage && e.Stage == string(types.PipelineTranscribing) {
				runID = e.Subject
			}
		}
		if runID == "" {
			select {
			case <-deadline:
				t.Fatalf("no stage event observed")
			case <-time.After(5 * time.Millisecond):
			}
		}
	}
	if err := c.Cancel(runID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	out := <-done
	if out.err == nil {
		t.Fatalf("cancelled run should report an error")
	}
	if out.snap.State != types.PipelineCancelled {
		t.Fatalf("state: %s", out.snap.State)
	}
	if _, ok := out.snap.Sessions[types.SessionGeneration]; ok {
		t.Fatalf("later stages must not be created after cancellation")
	}

	got, ok := c.Get(runID)
	if !ok || got.State != types.PipelineCancelled {
		t.Fatalf("run record: %+v (ok=%v)", got, ok)
	}
}

func TestStageLoadFailureSurfacesCause(t *testing.T) {
	ensure := func(ctx context.Context, modelID string) error {
		if modelID == "llm" {
			return types.Errorf(types.KindInsufficientMemory, "model %s needs 2097152 bytes, ceiling is 1048576", modelID)
		}
		return nil
	}
	c, _ := newCoordinator(t, nil, nil, nil, ensure)

	snap, err := c.Run(context.Background(), stageModels, make([]byte, 32000), "", types.GenerateOptions{}, Observer{})
	if !types.IsInsufficientMemory(err) {
		t.Fatalf("expected insufficient_memory, got %v", err)
	}
	if snap.State != types.PipelineFailed {
		t.Fatalf("state: %s", snap.State)
	}
	if snap.Transcript == "" {
		t.Fatalf("transcript from the completed stage must be retained")
	}
	if _, ok := snap.Sessions[types.SessionGeneration]; ok {
		t.Fatalf("generation session must not be created when its model cannot load")
	}
}

func TestTerminalRunsAreBoundedlyRetained(t *testing.T) {
	c, _ := newCoordinator(t, nil, nil, nil, nil)

	first, err := c.Run(context.Background(), stageModels, make([]byte, 32000), "", types.GenerateOptions{}, Observer{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var last Snapshot
	for i := 0; i < maxTerminalRetained; i++ {
		snap, err := c.Run(context.Background(), stageModels, make([]byte, 32000), "", types.GenerateOptions{}, Observer{})
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		last = snap
	}
	if _, ok := c.Get(first.ID); ok {
		t.Fatalf("oldest terminal run should have been pruned")
	}
	if _, ok := c.Get(last.ID); !ok {
		t.Fatalf("recent run must stay retrievable")
	}
}

func TestCancelUnknownRun(t *testing.T) {
	c, _ := newCoordinator(t, nil, nil, nil, nil)
	if err := c.Cancel("nope"); !types.IsModelNotFound(err) {
		t.Fatalf("expected model_not_found, got %v", err)
	}
}

func TestGetUnknownRun(t *testing.T) {
	c, _ := newCoordinator(t, nil, nil, nil, nil)
	if _, ok := c.Get("nope"); ok {
		t.Fatalf("unknown run should not resolve")
	}
}
