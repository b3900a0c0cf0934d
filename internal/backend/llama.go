//go:build llama

package backend

import (
	"context"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"runtimed/pkg/types"
)

// cgo link directives: rpath of $ORIGIN so the runtime loader finds
// libllama.so next to the built binary, plus a link-time search path.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
*/
import "C"

// NewLLMEngine returns the in-process llama.cpp engine.
func NewLLMEngine() Engine { return &llamaEngine{} }

type llamaEngine struct{}

func (e *llamaEngine) Load(ctx context.Context, path string, params LoadParams) (Model, error) {
	if strings.TrimSpace(path) == "" {
		return nil, types.NewError(types.KindBackend, "model path is empty")
	}
	mo := []llama.ModelOption{}
	if params.ContextSize > 0 {
		mo = append(mo, llama.SetContext(params.ContextSize))
	}
	m, err := llama.New(path, mo...)
	if err != nil {
		return nil, types.WrapError(types.KindBackend, "load gguf model", err)
	}
	return &llamaModel{model: m, threads: params.Threads}, nil
}

type llamaModel struct {
	mu      sync.Mutex
	model   *llama.LLama
	threads int
}

func (s *llamaModel) Infer(ctx context.Context, in Input, emit func(Chunk) error) (Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return Output{}, types.NewError(types.KindInvalidState, "model handle is closed")
	}
	if in.Kind != types.SessionGeneration {
		return Output{}, types.Errorf(types.KindBackend, "llama engine cannot serve %s", in.Kind)
	}

	// Bridge token streaming to emit and respect cancellation: returning
	// false from the callback stops prediction at the next token boundary.
	s.model.SetTokenCallback(func(tok string) bool {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		if emit != nil {
			if err := emit(Chunk{Token: tok}); err != nil {
				return false
			}
		}
		return true
	})
	po := predictOptions(in.Options, s.threads)
	text, err := s.model.Predict(in.Prompt, po...)
	if err != nil {
		if ctx.Err() != nil {
			return Output{Text: text}, ctx.Err()
		}
		return Output{Text: text}, types.WrapError(types.KindBackend, "predict", err)
	}
	return Output{Text: text}, nil
}

func (s *llamaModel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != nil {
		s.model.Free()
		s.model = nil
	}
	return nil
}

func predictOptions(o types.GenerateOptions, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(maxInt(1, o.MaxTokens)),
		llama.SetThreads(maxInt(1, threads)),
	}
	if o.TopP > 0 {
		po = append(po, llama.SetTopP(float32(o.TopP)))
	}
	if o.TopK > 0 {
		po = append(po, llama.SetTopK(o.TopK))
	}
	if o.Temperature > 0 {
		po = append(po, llama.SetTemperature(float32(o.Temperature)))
	}
	if o.RepeatPenalty > 0 {
		po = append(po, llama.SetPenalty(float32(o.RepeatPenalty)))
	}
	if o.Seed != 0 {
		po = append(po, llama.SetSeed(int(o.Seed)))
	}
	if len(o.Stop) > 0 {
		po = append(po, llama.SetStopWords(o.Stop...))
	}
	return po
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
