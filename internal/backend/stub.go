package backend

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"

	"runtimed/pkg/types"
)

// Stub engines produce deterministic output without any native dependency.
// They serve default (CGO-free) builds and tests; real engines replace them
// behind build tags, the same way the llama adapter does.

type stubEngine struct {
	kind types.SessionKind
}

// NewStubSTT returns a whisper-class stand-in engine.
func NewStubSTT() Engine { return &stubEngine{kind: types.SessionTranscription} }

// NewStubTTS returns a piper-class stand-in engine.
func NewStubTTS() Engine { return &stubEngine{kind: types.SessionSynthesis} }

// NewStubLLM returns a llama-class stand-in engine.
func NewStubLLM() Engine { return &stubEngine{kind: types.SessionGeneration} }

func (e *stubEngine) Load(ctx context.Context, path string, params LoadParams) (Model, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, types.WrapError(types.KindBackend, "stub engine: model file missing", err)
	}
	return &stubModel{kind: e.kind, path: path}, nil
}

type stubModel struct {
	mu     sync.Mutex
	kind   types.SessionKind
	path   string
	closed bool
}

func (m *stubModel) Infer(ctx context.Context, in Input, emit func(Chunk) error) (Output, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Output{}, types.NewError(types.KindInvalidState, "model handle is closed")
	}
	m.mu.Unlock()
	if in.Kind != m.kind {
		return Output{}, types.Errorf(types.KindBackend, "stub %s engine cannot serve %s", m.kind, in.Kind)
	}
	switch m.kind {
	case types.SessionGeneration:
		return m.generate(ctx, in, emit)
	case types.SessionTranscription:
		return m.transcribe(ctx, in)
	default:
		return m.synthesize(ctx, in, emit)
	}
}

func (m *stubModel) generate(ctx context.Context, in Input, emit func(Chunk) error) (Output, error) {
	words := append([]string{"You", "said:"}, strings.Fields(in.Prompt)...)
	if max := in.Options.MaxTokens; max > 0 && len(words) > max {
		words = words[:max]
	}
	var b strings.Builder
	for i, w := range words {
		select {
		case <-ctx.Done():
			return Output{Text: b.String()}, ctx.Err()
		default:
		}
		tok := w
		if i < len(words)-1 {
			tok += " "
		}
		if stopHit(in.Options.Stop, w) {
			break
		}
		if emit != nil {
			if err := emit(Chunk{Token: tok}); err != nil {
				return Output{Text: b.String()}, err
			}
		}
		b.WriteString(tok)
	}
	return Output{Text: b.String()}, nil
}

func (m *stubModel) transcribe(ctx context.Context, in Input) (Output, error) {
	select {
	case <-ctx.Done():
		return Output{}, ctx.Err()
	default:
	}
	// 16 kHz mono s16le: 32000 bytes per second of speech.
	seconds := len(in.Audio) / 32000
	return Output{Text: "transcript of " + strconv.Itoa(seconds) + "s utterance"}, nil
}

func (m *stubModel) synthesize(ctx context.Context, in Input, emit func(Chunk) error) (Output, error) {
	const frame = 320
	total := len(in.Text) * 64
	if total == 0 {
		total = frame
	}
	out := make([]byte, 0, total)
	for off := 0; off < total; off += frame {
		select {
		case <-ctx.Done():
			return Output{Audio: out}, ctx.Err()
		default:
		}
		n := frame
		if off+n > total {
			n = total - off
		}
		chunk := make([]byte, n)
		for i := range chunk {
			chunk[i] = byte((off + i) % 251)
		}
		if emit != nil {
			if err := emit(Chunk{Audio: chunk}); err != nil {
				return Output{Audio: out}, err
			}
		}
		out = append(out, chunk...)
	}
	return Output{Audio: out}, nil
}

func (m *stubModel) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func stopHit(stops []string, word string) bool {
	for _, s := range stops {
		if s != "" && word == s {
			return true
		}
	}
	return false
}
