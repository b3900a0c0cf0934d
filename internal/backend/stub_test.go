package backend

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"runtimed/pkg/types"
)

func loadStub(t *testing.T, e Engine) Model {
	t.Helper()
	p := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(p, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write model file: %v", err)
	}
	m, err := e.Load(context.Background(), p, LoadParams{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return m
}

func TestStubLoadMissingFile(t *testing.T) {
	_, err := NewStubLLM().Load(context.Background(), filepath.Join(t.TempDir(), "nope.gguf"), LoadParams{})
	if !types.IsBackend(err) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestStubGenerateEchoesPrompt(t *testing.T) {
	m := loadStub(t, NewStubLLM())
	defer m.Close()

	var tokens []string
	out, err := m.Infer(context.Background(), Input{Kind: types.SessionGeneration, Prompt: "hello there"}, func(c Chunk) error {
		tokens = append(tokens, c.Token)
		return nil
	})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if out.Text != "You said: hello there" {
		t.Fatalf("unexpected text: %q", out.Text)
	}
	if len(tokens) != 4 {
		t.Fatalf("expected 4 tokens, got %d: %v", len(tokens), tokens)
	}
}

func TestStubGenerateMaxTokens(t *testing.T) {
	m := loadStub(t, NewStubLLM())
	defer m.Close()

	in := Input{Kind: types.SessionGeneration, Prompt: "one two three four", Options: types.GenerateOptions{MaxTokens: 3}}
	out, err := m.Infer(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if got := len(strings.Fields(out.Text)); got != 3 {
		t.Fatalf("expected 3 words, got %d (%q)", got, out.Text)
	}
}

func TestStubGenerateStopWord(t *testing.T) {
	m := loadStub(t, NewStubLLM())
	defer m.Close()

	in := Input{Kind: types.SessionGeneration, Prompt: "alpha STOP beta", Options: types.GenerateOptions{Stop: []string{"STOP"}}}
	out, err := m.Infer(context.Background(), in, nil)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if strings.Contains(out.Text, "STOP") || strings.Contains(out.Text, "beta") {
		t.Fatalf("stop word not honoured: %q", out.Text)
	}
}

func TestStubGenerateCancelMidStream(t *testing.T) {
	m := loadStub(t, NewStubLLM())
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	var n int
	out, err := m.Infer(ctx, Input{Kind: types.SessionGeneration, Prompt: "a b c d e f"}, func(c Chunk) error {
		n++
		if n == 2 {
			cancel()
		}
		return nil
	})
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if out.Text == "" {
		t.Fatalf("partial output should be returned on cancel")
	}
}

func TestStubTranscribe(t *testing.T) {
	m := loadStub(t, NewStubSTT())
	defer m.Close()

	audio := make([]byte, 64000) // two seconds at 16 kHz s16le
	out, err := m.Infer(context.Background(), Input{Kind: types.SessionTranscription, Audio: audio}, nil)
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if out.Text != "transcript of 2s utterance" {
		t.Fatalf("unexpected transcript: %q", out.Text)
	}
}

func TestStubSynthesizeStreamsFrames(t *testing.T) {
	m := loadStub(t, NewStubTTS())
	defer m.Close()

	var chunks int
	out, err := m.Infer(context.Background(), Input{Kind: types.SessionSynthesis, Text: "hello"}, func(c Chunk) error {
		chunks++
		return nil
	})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if len(out.Audio) != len("hello")*64 {
		t.Fatalf("audio length: %d", len(out.Audio))
	}
	if chunks == 0 {
		t.Fatalf("expected streamed chunks")
	}
}

func TestStubKindMismatch(t *testing.T) {
	m := loadStub(t, NewStubSTT())
	defer m.Close()

	_, err := m.Infer(context.Background(), Input{Kind: types.SessionGeneration, Prompt: "hi"}, nil)
	if !types.IsBackend(err) {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestStubClosedHandle(t *testing.T) {
	m := loadStub(t, NewStubLLM())
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err := m.Infer(context.Background(), Input{Kind: types.SessionGeneration, Prompt: "hi"}, nil)
	if !types.IsInvalidState(err) {
		t.Fatalf("expected invalid_state, got %v", err)
	}
}
