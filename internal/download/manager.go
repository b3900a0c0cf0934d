// Package download fetches model artifacts over HTTP(S) with resumable,
// checksum-verified transfers. At most one transfer runs per model id;
// concurrent callers attach to the in-flight fetch and share its result.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"runtimed/internal/events"
	"runtimed/internal/store"
	"runtimed/pkg/types"
)

const copyChunkBytes = 256 * 1024

// Manager coordinates artifact downloads against the store.
type Manager struct {
	store  *store.Store
	bus    *events.Bus
	client *http.Client
	log    zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*fetchJob
}

// fetchJob is one in-flight transfer shared by all attached callers.
// The transfer is cancelled only when every waiter has detached.
type fetchJob struct {
	cancel   context.CancelFunc
	done     chan struct{}
	waiters  int
	artifact types.Artifact
	err      error
}

// New constructs a download manager. client may be nil for http.DefaultClient.
func New(st *store.Store, bus *events.Bus, client *http.Client, log zerolog.Logger) *Manager {
	if client == nil {
		client = http.DefaultClient
	}
	return &Manager{
		store:    st,
		bus:      bus,
		client:   client,
		log:      log,
		inflight: make(map[string]*fetchJob),
	}
}

// Fetch downloads the artifact for d, resuming a partial blob when the server
// supports range requests. Progress is published on the event bus under the
// descriptor id. Returns the verified artifact or a structured error
// (network, integrity, storage_full). A second concurrent Fetch for the same
// id attaches to the running transfer instead of starting another one.
func (m *Manager) Fetch(ctx context.Context, d types.ModelDescriptor) (types.Artifact, error) {
	if d.URL == "" {
		return types.Artifact{}, types.Errorf(types.KindInvalidState, "descriptor %s has no source url", d.ID)
	}
	if a, ok := m.store.Get(d.ID); ok && a.State == types.ArtifactVerified {
		if _, err := os.Stat(a.Path); err == nil {
			return a, nil
		}
	}

	m.mu.Lock()
	job, attached := m.inflight[d.ID]
	if !attached {
		jobCtx, cancel := context.WithCancel(context.Background())
		job = &fetchJob{cancel: cancel, done: make(chan struct{})}
		m.inflight[d.ID] = job
		go m.run(jobCtx, job, d)
	}
	job.waiters++
	m.mu.Unlock()

	select {
	case <-job.done:
		m.detach(d.ID, job)
		return job.artifact, job.err
	case <-ctx.Done():
		m.detach(d.ID, job)
		return types.Artifact{}, types.WrapError(types.KindNetwork, "fetch cancelled", ctx.Err())
	}
}

// detach drops one waiter; the last one out cancels a still-running job.
// The job is forgotten before cancelling so a caller arriving later starts
// a fresh transfer instead of inheriting the cancellation.
func (m *Manager) detach(id string, job *fetchJob) {
	m.mu.Lock()
	job.waiters--
	if job.waiters <= 0 {
		select {
		case <-job.done:
		default:
			if m.inflight[id] == job {
				delete(m.inflight, id)
			}
			job.cancel()
		}
	}
	m.mu.Unlock()
}

func (m *Manager) run(ctx context.Context, job *fetchJob, d types.ModelDescriptor) {
	a, err := m.transfer(ctx, d)
	job.artifact, job.err = a, err

	m.mu.Lock()
	if m.inflight[d.ID] == job {
		delete(m.inflight, d.ID)
	}
	m.mu.Unlock()
	close(job.done)
	job.cancel()
}

func (m *Manager) transfer(ctx context.Context, d types.ModelDescriptor) (types.Artifact, error) {
	a, err := m.store.Begin(d)
	if err != nil {
		return types.Artifact{}, err
	}
	staging := store.StagingPath(a)

	var offset int64
	if fi, err := os.Stat(staging); err == nil {
		offset = fi.Size()
	}
	if offset > d.SizeBytes {
		// Stale partial larger than the declared size; start over.
		_ = os.Remove(staging)
		offset = 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return types.Artifact{}, types.WrapError(types.KindNetwork, "build request", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return types.Artifact{}, types.WrapError(types.KindNetwork, "fetch "+d.ID, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		// Range not honoured (or none requested): restart from zero.
		flags |= os.O_TRUNC
		offset = 0
	default:
		return types.Artifact{}, types.Errorf(types.KindNetwork, "fetch %s: unexpected status %d", d.ID, resp.StatusCode)
	}
	m.log.Debug().Str("model", d.ID).Int64("offset", offset).Int("status", resp.StatusCode).Msg("download transfer start")

	f, err := os.OpenFile(staging, flags, 0o644)
	if err != nil {
		return types.Artifact{}, fmt.Errorf("open staging blob: %w", err)
	}
	written := offset
	buf := make([]byte, copyChunkBytes)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				if errors.Is(werr, syscall.ENOSPC) {
					return types.Artifact{}, types.WrapError(types.KindStorageFull, "write staging blob", werr)
				}
				return types.Artifact{}, types.WrapError(types.KindNetwork, "write staging blob", werr)
			}
			written += int64(n)
			m.store.SetProgress(d.ID, written)
			m.bus.Publish(types.ProgressEvent{
				Subject:    d.ID,
				Kind:       types.ProgressBytes,
				Bytes:      written,
				TotalBytes: d.SizeBytes,
			})
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			f.Close()
			if ctx.Err() != nil {
				return types.Artifact{}, types.WrapError(types.KindNetwork, "fetch cancelled", ctx.Err())
			}
			return types.Artifact{}, types.WrapError(types.KindNetwork, "read response", rerr)
		}
	}
	if err := f.Close(); err != nil {
		return types.Artifact{}, types.WrapError(types.KindNetwork, "close staging blob", err)
	}
	if d.SizeBytes > 0 && written < d.SizeBytes {
		// Short read: keep the partial blob so a retry can resume.
		return types.Artifact{}, types.Errorf(types.KindNetwork, "fetch %s: got %d of %d bytes", d.ID, written, d.SizeBytes)
	}

	if d.Checksum != "" {
		if err := verifyChecksum(staging, d.Checksum); err != nil {
			_ = m.store.Discard(d.ID)
			m.log.Warn().Str("model", d.ID).Err(err).Msg("artifact discarded after checksum mismatch")
			return types.Artifact{}, err
		}
	}
	final, err := m.store.Commit(d.ID)
	if err != nil {
		return types.Artifact{}, err
	}
	m.log.Info().Str("model", d.ID).Int64("bytes", final.SizeOnDisk).Msg("artifact downloaded")
	return final, nil
}

// verifyChecksum hashes the whole staged blob and compares it against the
// declared "sha256:<hex>" value.
func verifyChecksum(path, declared string) error {
	algo, want, ok := strings.Cut(declared, ":")
	if !ok || algo != "sha256" {
		return types.Errorf(types.KindIntegrity, "unsupported checksum %q", declared)
	}
	f, err := os.Open(path)
	if err != nil {
		return types.WrapError(types.KindIntegrity, "open blob for verification", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return types.WrapError(types.KindIntegrity, "hash blob", err)
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return types.Errorf(types.KindIntegrity, "checksum mismatch: want %s got %s", want, got)
	}
	return nil
}
