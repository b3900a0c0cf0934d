package types

// GenerateRequest is the payload for POST /generate.
type GenerateRequest struct {
	// Model identifier. If empty, the configured default LLM is used.
	Model string `json:"model,omitempty"`
	// Required prompt text to generate a completion for.
	Prompt string `json:"prompt"`
	// If true, stream tokens as NDJSON; otherwise the full text is buffered.
	Stream  bool            `json:"stream,omitempty"`
	Options GenerateOptions `json:"options,omitempty"`
}

// TranscribeRequest is the payload for POST /transcribe.
// Audio is raw PCM (16 kHz mono s16le) carried as base64 in JSON.
type TranscribeRequest struct {
	Model    string `json:"model,omitempty"`
	Audio    []byte `json:"audio"`
	Language string `json:"language,omitempty"`
}

// SynthesizeRequest is the payload for POST /synthesize.
type SynthesizeRequest struct {
	Model  string `json:"model,omitempty"`
	Text   string `json:"text"`
	Stream bool   `json:"stream,omitempty"`
}

// VoiceRequest drives one STT -> LLM -> TTS pipeline run.
type VoiceRequest struct {
	STTModel string          `json:"stt_model,omitempty"`
	LLMModel string          `json:"llm_model,omitempty"`
	TTSModel string          `json:"tts_model,omitempty"`
	Audio    []byte          `json:"audio"`
	Language string          `json:"language,omitempty"`
	Options  GenerateOptions `json:"options,omitempty"`
}

// FetchResponse reports the terminal artifact of a download.
type FetchResponse struct {
	Artifact Artifact `json:"artifact"`
}

// ModelsResponse wraps the catalog listing returned by GET /models.
type ModelsResponse struct {
	Models []ModelDescriptor `json:"models"`
}

// ArtifactsResponse wraps the store listing returned by GET /artifacts.
type ArtifactsResponse struct {
	Artifacts []Artifact `json:"artifacts"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  int    `json:"code"`
}

// LoadedModelStatus summarizes one resident model for /status.
type LoadedModelStatus struct {
	ModelID    string `json:"model_id"`
	Format     string `json:"format"`
	ResidentMB int64  `json:"resident_mb"`
	RefCount   int    `json:"ref_count"`
	LastUsed   int64  `json:"last_used_unix"`
	LoadSeq    uint64 `json:"load_seq"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Loaded         []LoadedModelStatus `json:"loaded"`
	BudgetMB       int64               `json:"budget_mb"`
	UsedMB         int64               `json:"used_est_mb"`
	MarginMB       int64               `json:"margin_mb"`
	EvictionsTotal uint64              `json:"evictions_total"`
	LoadsTotal     uint64              `json:"loads_total"`
	ActiveSessions int                 `json:"active_sessions"`
	UptimeSeconds  int64               `json:"uptime_seconds"`
	ServerTimeUnix int64               `json:"server_time_unix"`
}
