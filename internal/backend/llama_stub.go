//go:build !llama

package backend

// Compiled when the 'llama' build tag is NOT set, keeping default builds and
// CI CGO-free. The real in-process adapter lives in llama.go (tagged 'llama').

// NewLLMEngine returns the deterministic stand-in engine for CGO-free builds.
func NewLLMEngine() Engine { return NewStubLLM() }
