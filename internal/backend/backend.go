// Package backend defines the uniform contract between the orchestration
// layer and native inference engines, plus the registry that maps engine
// names to capability descriptors. Heavy math stays in native code; this
// surface only loads models and steps them in boundary-safe increments.
package backend

import (
	"context"

	"runtimed/pkg/types"
)

// LoadParams carries engine tunables applied when a model is instantiated.
type LoadParams struct {
	ContextSize int
	Threads     int
}

// Input is the request for one inference stream. Which fields are set
// depends on Kind: Prompt for generation, Audio (+Language) for
// transcription, Text for synthesis.
type Input struct {
	Kind     types.SessionKind
	Prompt   string
	Audio    []byte
	Text     string
	Language string
	Options  types.GenerateOptions
}

// Chunk is one boundary-safe increment of output: a token or an audio frame.
type Chunk struct {
	Token string
	Audio []byte
}

// Output is the aggregated result of a completed stream.
type Output struct {
	Text  string
	Audio []byte
}

// Engine loads model artifacts and produces inference handles.
type Engine interface {
	// Load instantiates the model at path. The returned handle owns the
	// backend session until Close.
	Load(ctx context.Context, path string, params LoadParams) (Model, error)
}

// Model is a loaded backend handle. Infer may be called once per session;
// implementations must observe ctx between increments (cooperative
// cancellation at token or audio-chunk boundaries) and must not retain emit
// after returning. Close destroys the native handle.
type Model interface {
	Infer(ctx context.Context, in Input, emit func(Chunk) error) (Output, error)
	Close() error
}
