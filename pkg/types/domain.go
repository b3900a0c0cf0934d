package types

import "time"

// ModelFormat identifies the artifact format and, by extension, the class of
// backend engine able to load it.
type ModelFormat string

const (
	FormatGGUFLLM    ModelFormat = "gguf-llm"
	FormatWhisperSTT ModelFormat = "whisper-stt"
	FormatPiperTTS   ModelFormat = "piper-tts"
)

// ModelDescriptor describes a downloadable or locally discovered model.
// Immutable once registered in the catalog.
type ModelDescriptor struct {
	// Stable identifier for the model.
	ID string `json:"id"`
	// Human-friendly name.
	Name string `json:"name,omitempty"`
	// Artifact format, which selects the backend engine.
	Format ModelFormat `json:"format"`
	// Declared artifact size in bytes.
	SizeBytes int64 `json:"size_bytes"`
	// Declared resident memory requirement in bytes when loaded.
	RAMBytes int64 `json:"ram_bytes"`
	// Source URL for download; empty for models discovered on disk.
	URL string `json:"url,omitempty"`
	// Expected checksum in "sha256:<hex>" form; empty disables verification
	// for locally discovered files.
	Checksum string `json:"checksum,omitempty"`
}

// ArtifactState tracks integrity of an on-disk artifact.
type ArtifactState string

const (
	ArtifactUnverified ArtifactState = "unverified"
	ArtifactVerified   ArtifactState = "verified"
	ArtifactCorrupt    ArtifactState = "corrupt"
)

// Artifact is the on-disk record for a model, keyed by descriptor id.
type Artifact struct {
	ID              string        `json:"id"`
	Path            string        `json:"path"`
	URL             string        `json:"url,omitempty"`
	Checksum        string        `json:"checksum,omitempty"`
	DeclaredBytes   int64         `json:"declared_bytes"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	SizeOnDisk      int64         `json:"size_on_disk"`
	State           ArtifactState `json:"state"`
}

// SessionKind distinguishes the three inference session types.
type SessionKind string

const (
	SessionGeneration    SessionKind = "generation"
	SessionTranscription SessionKind = "transcription"
	SessionSynthesis     SessionKind = "synthesis"
)

// SessionState is the lifecycle state of a single inference session.
// Sessions are single-use: once terminal they are never reused.
type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionRunning   SessionState = "running"
	SessionCancelled SessionState = "cancelled"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
)

// Terminal reports whether the state is one of the terminal states.
func (s SessionState) Terminal() bool {
	return s == SessionCancelled || s == SessionCompleted || s == SessionFailed
}

// PipelineState is the lifecycle state of a voice pipeline run.
type PipelineState string

const (
	PipelineIdle         PipelineState = "idle"
	PipelineTranscribing PipelineState = "transcribing"
	PipelineGenerating   PipelineState = "generating"
	PipelineSynthesizing PipelineState = "synthesizing"
	PipelineCompleted    PipelineState = "completed"
	PipelineFailed       PipelineState = "failed"
	PipelineCancelled    PipelineState = "cancelled"
)

// Terminal reports whether the state is one of the terminal states.
func (s PipelineState) Terminal() bool {
	return s == PipelineCompleted || s == PipelineFailed || s == PipelineCancelled
}

// Capabilities describes what a registered backend engine can do.
type Capabilities struct {
	Formats    []ModelFormat `json:"formats"`
	MaxContext int           `json:"max_context,omitempty"`
	Streaming  bool          `json:"streaming"`
}

// Equal reports whether two capability descriptors are identical, including
// format order. Used for idempotent backend registration.
func (c Capabilities) Equal(o Capabilities) bool {
	if c.MaxContext != o.MaxContext || c.Streaming != o.Streaming {
		return false
	}
	if len(c.Formats) != len(o.Formats) {
		return false
	}
	for i := range c.Formats {
		if c.Formats[i] != o.Formats[i] {
			return false
		}
	}
	return true
}

// Supports reports whether the capabilities cover the given format.
func (c Capabilities) Supports(f ModelFormat) bool {
	for _, cf := range c.Formats {
		if cf == f {
			return true
		}
	}
	return false
}

// ProgressKind classifies progress events.
type ProgressKind string

const (
	ProgressBytes ProgressKind = "bytes"
	ProgressToken ProgressKind = "token"
	ProgressAudio ProgressKind = "audio"
	ProgressStage ProgressKind = "stage"
)

// ProgressEvent is one increment of observable progress for a subject
// (a download id, a session id or a pipeline run id). Seq is strictly
// increasing per subject; there is no ordering across subjects.
type ProgressEvent struct {
	Subject   string       `json:"subject"`
	Seq       int64        `json:"seq"`
	Kind      ProgressKind `json:"kind"`
	Timestamp time.Time    `json:"timestamp"`
	// Payload fields; which are set depends on Kind.
	Bytes      int64  `json:"bytes,omitempty"`
	TotalBytes int64  `json:"total_bytes,omitempty"`
	Token      string `json:"token,omitempty"`
	AudioBytes int    `json:"audio_bytes,omitempty"`
	Stage      string `json:"stage,omitempty"`
	Message    string `json:"message,omitempty"`
}

// GenerateOptions carries sampling parameters for a generation session.
type GenerateOptions struct {
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	TopP          float64  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Seed          int64    `json:"seed,omitempty"`
	RepeatPenalty float64  `json:"repeat_penalty,omitempty"`
}
