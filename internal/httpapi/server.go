package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"runtimed/internal/pipeline"
	"runtimed/internal/session"
	"runtimed/pkg/types"
)

// maxBodyBytes caps JSON request bodies. Audio payloads are base64 in JSON,
// so this also bounds uploaded utterance length.
var maxBodyBytes int64 = 32 << 20

// SetMaxBodyBytes configures the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 32 << 20
		return
	}
	maxBodyBytes = n
}

// Service defines the runtime surface required by the HTTP layer.
type Service interface {
	Models() ([]types.ModelDescriptor, error)
	Artifacts() ([]types.Artifact, error)
	Fetch(ctx context.Context, id string) (types.Artifact, error)
	DeleteArtifact(id string) error
	Load(ctx context.Context, id string) error
	Unload(id string) error
	Generate(ctx context.Context, req types.GenerateRequest, onToken func(string) error) (session.Result, error)
	Transcribe(ctx context.Context, req types.TranscribeRequest) (session.Result, error)
	Synthesize(ctx context.Context, req types.SynthesizeRequest, onChunk func([]byte) error) (session.Result, error)
	VoiceTurn(ctx context.Context, req types.VoiceRequest, obs pipeline.Observer) (pipeline.Snapshot, error)
	CancelSession(id string) error
	Events(subject string, since int64) ([]types.ProgressEvent, error)
	Status() types.StatusResponse
	Ready() bool
}

// NewMux builds the HTTP router over a runtime service.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Use(MetricsMiddleware)
	r.Use(requestLogger)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		models, err := svc.Models()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
	})

	r.Get("/artifacts", func(w http.ResponseWriter, r *http.Request) {
		arts, err := svc.Artifacts()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.ArtifactsResponse{Artifacts: arts})
	})

	r.Delete("/artifacts/{id}", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.DeleteArtifact(chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/models/{id}/fetch", func(w http.ResponseWriter, r *http.Request) {
		a, err := svc.Fetch(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.FetchResponse{Artifact: a})
	})

	r.Post("/models/{id}/load", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Load(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/models/{id}/unload", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Unload(chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/sessions/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.CancelSession(chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/generate", func(w http.ResponseWriter, r *http.Request) {
		var req types.GenerateRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		if !req.Stream {
			res, err := svc.Generate(r.Context(), req, nil)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"session_id": res.SessionID, "text": res.Text})
			return
		}
		ndw := newNDJSONWriter(w)
		res, err := svc.Generate(r.Context(), req, func(tok string) error {
			return ndw.writeLine(map[string]any{"token": tok})
		})
		ndw.finish(err, map[string]any{"done": true, "session_id": res.SessionID, "text": res.Text})
	})

	r.Post("/transcribe", func(w http.ResponseWriter, r *http.Request) {
		var req types.TranscribeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		res, err := svc.Transcribe(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": res.SessionID, "text": res.Text})
	})

	r.Post("/synthesize", func(w http.ResponseWriter, r *http.Request) {
		var req types.SynthesizeRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			writeJSONError(w, http.StatusBadRequest, "text is required")
			return
		}
		if !req.Stream {
			res, err := svc.Synthesize(r.Context(), req, nil)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"session_id": res.SessionID,
				"audio":      base64.StdEncoding.EncodeToString(res.Audio),
			})
			return
		}
		ndw := newNDJSONWriter(w)
		res, err := svc.Synthesize(r.Context(), req, func(chunk []byte) error {
			return ndw.writeLine(map[string]any{"audio": base64.StdEncoding.EncodeToString(chunk)})
		})
		ndw.finish(err, map[string]any{"done": true, "session_id": res.SessionID, "audio_bytes": len(res.Audio)})
	})

	r.Post("/voice", func(w http.ResponseWriter, r *http.Request) {
		var req types.VoiceRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		ndw := newNDJSONWriter(w)
		obs := pipeline.Observer{
			OnStage: func(st types.PipelineState) {
				_ = ndw.writeLine(map[string]any{"stage": string(st)})
			},
			OnTranscript: func(text string) {
				_ = ndw.writeLine(map[string]any{"transcript": text})
			},
			OnToken: func(tok string) error {
				return ndw.writeLine(map[string]any{"token": tok})
			},
			OnAudioChunk: func(chunk []byte) error {
				return ndw.writeLine(map[string]any{"audio": base64.StdEncoding.EncodeToString(chunk)})
			},
		}
		snap, err := svc.VoiceTurn(r.Context(), req, obs)
		ndw.finish(err, map[string]any{
			"done":       true,
			"run_id":     snap.ID,
			"state":      string(snap.State),
			"transcript": snap.Transcript,
			"reply":      snap.Reply,
		})
	})

	r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
		var since int64
		if v := r.URL.Query().Get("since"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid since parameter")
				return
			}
			since = n
		}
		evs, err := svc.Events(r.URL.Query().Get("subject"), since)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": evs})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("initializing"))
	})

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// ndjsonWriter streams NDJSON lines with flushing. Once a line has been
// written the status is committed, so later failures are reported as a
// trailing error line; everything streamed so far stays with the client.
type ndjsonWriter struct {
	w       http.ResponseWriter
	flush   func()
	started bool
}

func newNDJSONWriter(w http.ResponseWriter) *ndjsonWriter {
	ndw := &ndjsonWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		ndw.flush = f.Flush
	}
	return ndw
}

func (n *ndjsonWriter) writeLine(v any) error {
	if !n.started {
		n.w.Header().Set("Content-Type", "application/x-ndjson")
		n.started = true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := n.w.Write(append(b, '\n')); err != nil {
		return err
	}
	if n.flush != nil {
		n.flush()
	}
	return nil
}

func (n *ndjsonWriter) finish(err error, final map[string]any) {
	if err != nil {
		if !n.started {
			writeError(n.w, err)
			return
		}
		_ = n.writeLine(map[string]any{"error": err.Error(), "kind": string(types.KindOf(err))})
		return
	}
	_ = n.writeLine(final)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// statusForKind maps the structured error taxonomy onto HTTP status codes.
func statusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.KindModelNotFound:
		return http.StatusNotFound
	case types.KindTooBusy:
		return http.StatusTooManyRequests
	case types.KindInsufficientMemory, types.KindStorageFull:
		return http.StatusInsufficientStorage
	case types.KindInvalidState, types.KindConflictingRegistration, types.KindAlreadyInitialized:
		return http.StatusConflict
	case types.KindNotInitialized:
		return http.StatusServiceUnavailable
	case types.KindBackend, types.KindNetwork, types.KindIntegrity:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	if err == context.Canceled || err == context.DeadlineExceeded {
		// Client went away or timed out; nothing useful to write.
		return
	}
	kind := types.KindOf(err)
	if kind == types.KindTooBusy {
		IncrementBackpressure("queue")
	}
	status := statusForKind(kind)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: err.Error(), Kind: string(kind), Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}

// requestLogger emits one structured line per request when a logger is set.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if zlog == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		ev := zlog.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sr.status).
			Dur("dur", time.Since(start))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			ev = ev.Str("request_id", rid)
		}
		ev.Msg("http request")
	})
}
