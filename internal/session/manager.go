// Package session owns active inference sessions. Each call creates one
// single-use session bound to a loaded model, takes a reference on that
// model for its whole lifetime, and releases it on every terminal path.
// Cancellation is cooperative: it is observed at token or audio-chunk
// boundaries, never by preempting the backend.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runtimed/internal/admission"
	"runtimed/internal/backend"
	"runtimed/internal/events"
	"runtimed/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
)

// Terminal session records stay retrievable until evicted by newer ones.
const maxTerminalRetained = 256

// Config holds session manager tunables.
type Config struct {
	MaxQueueDepth int
	MaxWait       time.Duration
}

// Result is the terminal outcome of a session. On failure or cancellation it
// still carries whatever output was produced before the interruption.
type Result struct {
	SessionID string
	Text      string
	Audio     []byte
}

// Snapshot is an observable copy of a session's state.
type Snapshot struct {
	ID      string
	Kind    types.SessionKind
	ModelID string
	State   types.SessionState
	Created time.Time
}

type session struct {
	mu      sync.Mutex
	id      string
	kind    types.SessionKind
	modelID string
	state   types.SessionState
	created time.Time
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// gate is the per-model admission pair: a bounded queue plus a single
// in-flight slot, exactly one request computing per model at a time.
type gate struct {
	queueCh chan struct{}
	runCh   chan struct{}
}

// Manager multiplexes concurrent requests over loaded models.
type Manager struct {
	adm *admission.Controller
	bus *events.Bus
	log zerolog.Logger

	maxQueueDepth int
	maxWait       time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	gates    map[string]*gate
	terminal []string
	active   int
}

// New constructs a session manager.
func New(adm *admission.Controller, bus *events.Bus, cfg Config, log zerolog.Logger) *Manager {
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = defaultMaxQueueDepth
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	return &Manager{
		adm:           adm,
		bus:           bus,
		log:           log,
		maxQueueDepth: cfg.MaxQueueDepth,
		maxWait:       cfg.MaxWait,
		sessions:      make(map[string]*session),
		gates:         make(map[string]*gate),
	}
}

// Generate runs one generation session. onToken, when non-nil, receives each
// token as it is produced; returning an error from it cancels the stream.
func (m *Manager) Generate(ctx context.Context, modelID, prompt string, opts types.GenerateOptions, onToken func(string) error) (Result, error) {
	in := backend.Input{Kind: types.SessionGeneration, Prompt: prompt, Options: opts}
	return m.run(ctx, types.SessionGeneration, modelID, in, onToken, nil)
}

// Transcribe runs one transcription session over a raw audio buffer.
func (m *Manager) Transcribe(ctx context.Context, modelID string, audio []byte, language string) (Result, error) {
	if len(audio) == 0 {
		return Result{}, types.NewError(types.KindInvalidState, "empty audio buffer")
	}
	in := backend.Input{Kind: types.SessionTranscription, Audio: audio, Language: language}
	return m.run(ctx, types.SessionTranscription, modelID, in, nil, nil)
}

// Synthesize runs one synthesis session. onChunk, when non-nil, receives each
// audio chunk as it is produced.
func (m *Manager) Synthesize(ctx context.Context, modelID, text string, onChunk func([]byte) error) (Result, error) {
	in := backend.Input{Kind: types.SessionSynthesis, Text: text}
	return m.run(ctx, types.SessionSynthesis, modelID, in, nil, onChunk)
}

func (m *Manager) run(ctx context.Context, kind types.SessionKind, modelID string, in backend.Input, onToken func(string) error, onChunk func([]byte) error) (Result, error) {
	if modelID == "" {
		return Result{}, types.NewError(types.KindModelNotFound, "no model specified")
	}
	s := m.newSession(kind, modelID)
	res := Result{SessionID: s.id}

	if err := s.begin(); err != nil {
		return res, err
	}
	defer close(s.done)

	handle, release, err := m.adm.Acquire(modelID)
	if err != nil {
		m.finish(s, types.SessionFailed, err)
		return res, err
	}
	defer release()

	releaseGate, err := m.admit(ctx, modelID)
	if err != nil {
		if ctx.Err() != nil {
			m.finish(s, types.SessionCancelled, err)
		} else {
			m.finish(s, types.SessionFailed, err)
		}
		return res, err
	}
	defer releaseGate()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.state = types.SessionRunning
	s.cancel = cancel
	s.mu.Unlock()
	m.mu.Lock()
	m.active++
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.active--
		m.mu.Unlock()
	}()

	// Accumulate locally so partial output survives a mid-stream failure.
	var text []byte
	var audio []byte
	emit := func(ch backend.Chunk) error {
		if ch.Token != "" {
			text = append(text, ch.Token...)
			m.bus.Publish(types.ProgressEvent{Subject: s.id, Kind: types.ProgressToken, Token: ch.Token})
			if onToken != nil {
				if err := onToken(ch.Token); err != nil {
					return err
				}
			}
		}
		if len(ch.Audio) > 0 {
			audio = append(audio, ch.Audio...)
			m.bus.Publish(types.ProgressEvent{Subject: s.id, Kind: types.ProgressAudio, AudioBytes: len(ch.Audio)})
			if onChunk != nil {
				if err := onChunk(ch.Audio); err != nil {
					return err
				}
			}
		}
		return nil
	}

	out, err := handle.Infer(runCtx, in, emit)
	if out.Text != "" {
		res.Text = out.Text
	} else {
		res.Text = string(text)
	}
	if len(out.Audio) > 0 {
		res.Audio = out.Audio
	} else {
		res.Audio = audio
	}

	switch {
	case err == nil:
		m.finish(s, types.SessionCompleted, nil)
		return res, nil
	case runCtx.Err() != nil:
		m.finish(s, types.SessionCancelled, err)
		return res, runCtx.Err()
	default:
		if types.KindOf(err) == "" {
			err = types.WrapError(types.KindBackend, string(kind)+" failed", err)
		}
		m.finish(s, types.SessionFailed, err)
		return res, err
	}
}

func (m *Manager) newSession(kind types.SessionKind, modelID string) *session {
	s := &session{
		id:      uuid.NewString(),
		kind:    kind,
		modelID: modelID,
		state:   types.SessionIdle,
		created: time.Now(),
		done:    make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()
	return s
}

// begin marks the session started. Sessions are single-use: a second begin
// on the same record fails with invalid_state.
func (s *session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.state.Terminal() {
		return types.Errorf(types.KindInvalidState, "session %s already used (state %s)", s.id, s.state)
	}
	s.started = true
	return nil
}

func (m *Manager) finish(s *session, state types.SessionState, cause error) {
	s.mu.Lock()
	s.state = state
	s.cancel = nil
	s.mu.Unlock()
	m.mu.Lock()
	m.terminal = append(m.terminal, s.id)
	for len(m.terminal) > maxTerminalRetained {
		delete(m.sessions, m.terminal[0])
		m.terminal = m.terminal[1:]
	}
	m.mu.Unlock()
	ev := types.ProgressEvent{Subject: s.id, Kind: types.ProgressStage, Stage: string(state)}
	if cause != nil {
		ev.Message = cause.Error()
	}
	m.bus.Publish(ev)
	m.log.Debug().Str("session", s.id).Str("kind", string(s.kind)).Str("model", s.modelID).Str("state", string(state)).Msg("session finished")
}

// admit reserves a queue slot and then the single in-flight slot for the
// model. One wait budget of maxWait covers both phases. Returns the release
// func to be deferred.
func (m *Manager) admit(ctx context.Context, modelID string) (func(), error) {
	m.mu.Lock()
	g, ok := m.gates[modelID]
	if !ok {
		g = &gate{
			queueCh: make(chan struct{}, m.maxQueueDepth),
			runCh:   make(chan struct{}, 1),
		}
		m.gates[modelID] = g
	}
	m.mu.Unlock()

	deadline := time.NewTimer(m.maxWait)
	defer deadline.Stop()

	select {
	case g.queueCh <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-deadline.C:
		return nil, types.Errorf(types.KindTooBusy, "queue full for model %s", modelID)
	}

	acquired := false
	defer func() {
		if !acquired {
			<-g.queueCh
		}
	}()
	select {
	case g.runCh <- struct{}{}:
		acquired = true
		return func() { <-g.runCh; <-g.queueCh }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-deadline.C:
		return nil, types.Errorf(types.KindTooBusy, "model %s busy", modelID)
	}
}

// Cancel requests cooperative cancellation of a running session and waits
// until its resources are released before returning.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return types.Errorf(types.KindModelNotFound, "unknown session %s", id)
	}
	s.mu.Lock()
	cancel := s.cancel
	terminal := s.state.Terminal()
	s.mu.Unlock()
	if terminal {
		return nil
	}
	if cancel == nil {
		return types.Errorf(types.KindInvalidState, "session %s is not running", id)
	}
	cancel()
	<-s.done
	return nil
}

// CancelAll cancels every non-terminal session and waits for completion.
// Used by the facade during shutdown.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.mu.Lock()
		cancel := s.cancel
		started := s.started
		terminal := s.state.Terminal()
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if started && !terminal {
			<-s.done
		}
	}
}

// Get returns an observable snapshot of a session.
func (m *Manager) Get(id string) (Snapshot, bool) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{ID: s.id, Kind: s.kind, ModelID: s.modelID, State: s.state, Created: s.created}, true
}

// ActiveCount reports currently running sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}
