// Package pipeline sequences speech-to-text, generation and text-to-speech
// as one cancellable voice turn. Stages run strictly one after another and
// each stage's session is created only once the previous stage produced
// output, so an early failure never allocates later sessions. Partial
// results stay on the run record and remain retrievable after a failure.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runtimed/internal/events"
	"runtimed/internal/session"
	"runtimed/pkg/types"
)

// Models names the model ids for the three stages.
type Models struct {
	STT string
	LLM string
	TTS string
}

// Observer receives partial results as they become available. All callbacks
// are optional and are invoked from the goroutine driving the run. OnToken
// and OnAudioChunk may return an error to cancel the stream.
type Observer struct {
	OnStage      func(types.PipelineState)
	OnTranscript func(string)
	OnToken      func(string) error
	OnAudioChunk func([]byte) error
}

// Snapshot is an observable copy of a run record.
type Snapshot struct {
	ID         string
	State      types.PipelineState
	Transcript string
	Reply      string
	Audio      []byte
	Err        string
	Sessions   map[types.SessionKind]string
	Created    time.Time
}

type run struct {
	mu         sync.Mutex
	id         string
	state      types.PipelineState
	transcript string
	reply      string
	audio      []byte
	err        error
	sessions   map[types.SessionKind]string
	created    time.Time
	cancel     context.CancelFunc
}

// Terminal run records stay retrievable until evicted by newer ones.
const maxTerminalRetained = 128

// Coordinator owns voice pipeline runs. Independent runs may execute
// concurrently; stages within a run never do.
type Coordinator struct {
	sessions *session.Manager
	ensure   func(context.Context, string) error
	bus      *events.Bus
	log      zerolog.Logger

	mu       sync.Mutex
	runs     map[string]*run
	terminal []string
}

// New constructs a coordinator. ensure, when non-nil, is invoked with each
// stage's model id as the stage begins; a failure terminates the run with
// that error, so a stage model that cannot load never reaches a session.
func New(sessions *session.Manager, ensure func(context.Context, string) error, bus *events.Bus, log zerolog.Logger) *Coordinator {
	return &Coordinator{sessions: sessions, ensure: ensure, bus: bus, log: log, runs: make(map[string]*run)}
}

// Run drives one voice turn to a terminal state. The returned snapshot is
// terminal; intermediate progress is visible through obs, the event bus and
// Get. Cancelling ctx (or calling Cancel with the run id) cancels whichever
// stage is active and prevents creation of the remaining stages.
func (c *Coordinator) Run(ctx context.Context, models Models, audio []byte, language string, opts types.GenerateOptions, obs Observer) (Snapshot, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		id:       uuid.NewString(),
		state:    types.PipelineIdle,
		sessions: make(map[types.SessionKind]string),
		created:  time.Now(),
		cancel:   cancel,
	}
	c.mu.Lock()
	c.runs[r.id] = r
	c.mu.Unlock()

	c.setState(r, types.PipelineTranscribing, obs)
	if err := c.ensureModel(runCtx, models.STT); err != nil {
		return c.terminate(r, runCtx, err, obs)
	}
	tres, err := c.sessions.Transcribe(runCtx, models.STT, audio, language)
	r.recordSession(types.SessionTranscription, tres.SessionID)
	if err != nil {
		return c.terminate(r, runCtx, err, obs)
	}
	r.mu.Lock()
	r.transcript = tres.Text
	r.mu.Unlock()
	if obs.OnTranscript != nil {
		obs.OnTranscript(tres.Text)
	}

	c.setState(r, types.PipelineGenerating, obs)
	if err := c.ensureModel(runCtx, models.LLM); err != nil {
		return c.terminate(r, runCtx, err, obs)
	}
	gres, err := c.sessions.Generate(runCtx, models.LLM, tres.Text, opts, obs.OnToken)
	r.recordSession(types.SessionGeneration, gres.SessionID)
	if err != nil {
		return c.terminate(r, runCtx, err, obs)
	}
	r.mu.Lock()
	r.reply = gres.Text
	r.mu.Unlock()

	c.setState(r, types.PipelineSynthesizing, obs)
	if err := c.ensureModel(runCtx, models.TTS); err != nil {
		return c.terminate(r, runCtx, err, obs)
	}
	sres, err := c.sessions.Synthesize(runCtx, models.TTS, gres.Text, obs.OnAudioChunk)
	r.recordSession(types.SessionSynthesis, sres.SessionID)
	if err != nil {
		return c.terminate(r, runCtx, err, obs)
	}
	r.mu.Lock()
	r.audio = sres.Audio
	r.mu.Unlock()

	c.setState(r, types.PipelineCompleted, obs)
	return c.snapshot(r), nil
}

// Cancel requests cancellation of a run's active stage.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	r, ok := c.runs[id]
	c.mu.Unlock()
	if !ok {
		return types.Errorf(types.KindModelNotFound, "unknown pipeline run %s", id)
	}
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Get returns the current snapshot of a run, including partial results.
func (c *Coordinator) Get(id string) (Snapshot, bool) {
	c.mu.Lock()
	r, ok := c.runs[id]
	c.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return c.snapshot(r), true
}

func (c *Coordinator) terminate(r *run, runCtx context.Context, err error, obs Observer) (Snapshot, error) {
	state := types.PipelineFailed
	if runCtx.Err() != nil {
		state = types.PipelineCancelled
	}
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
	c.setState(r, state, obs)
	c.log.Debug().Str("run", r.id).Str("state", string(state)).Err(err).Msg("pipeline terminated")
	return c.snapshot(r), err
}

func (c *Coordinator) ensureModel(ctx context.Context, modelID string) error {
	if c.ensure == nil {
		return nil
	}
	return c.ensure(ctx, modelID)
}

func (c *Coordinator) setState(r *run, state types.PipelineState, obs Observer) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	if state.Terminal() {
		c.retain(r.id)
	}
	c.bus.Publish(types.ProgressEvent{Subject: r.id, Kind: types.ProgressStage, Stage: string(state)})
	if obs.OnStage != nil {
		obs.OnStage(state)
	}
}

// retain records a terminal run and prunes the oldest ones past the
// retention bound.
func (c *Coordinator) retain(id string) {
	c.mu.Lock()
	c.terminal = append(c.terminal, id)
	for len(c.terminal) > maxTerminalRetained {
		delete(c.runs, c.terminal[0])
		c.terminal = c.terminal[1:]
	}
	c.mu.Unlock()
}

func (r *run) recordSession(kind types.SessionKind, id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	r.sessions[kind] = id
	r.mu.Unlock()
}

func (c *Coordinator) snapshot(r *run) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := Snapshot{
		ID:         r.id,
		State:      r.state,
		Transcript: r.transcript,
		Reply:      r.reply,
		Audio:      append([]byte(nil), r.audio...),
		Sessions:   make(map[types.SessionKind]string, len(r.sessions)),
		Created:    r.created,
	}
	if r.err != nil {
		snap.Err = r.err.Error()
	}
	for k, v := range r.sessions {
		snap.Sessions[k] = v
	}
	return snap
}
