// Package store tracks on-disk model artifacts: blob files, their sidecar
// manifests and the storage quota. Downloads stage into "<blob>.partial" and
// are renamed into place on completion, so a crash never leaves a final blob
// that was not fully written.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"runtimed/pkg/types"
)

const manifestVersion = 1

// sidecar is the persisted artifact manifest. The format is a versioned
// contract; bump manifestVersion on incompatible changes.
type sidecar struct {
	ManifestVersion int            `json:"manifest_version"`
	Artifact        types.Artifact `json:"artifact"`
}

// Store manages artifacts under a root directory, one subdirectory per
// model id containing the blob and an artifact.json sidecar.
type Store struct {
	mu         sync.Mutex
	root       string
	quotaBytes int64
	artifacts  map[string]types.Artifact
}

// Open scans root for existing artifact sidecars. quotaBytes <= 0 disables
// the quota. Partially downloaded blobs are picked up for resume.
func Open(root string, quotaBytes int64) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	s := &Store{root: root, quotaBytes: quotaBytes, artifacts: make(map[string]types.Artifact)}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read store root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		scPath := filepath.Join(root, e.Name(), "artifact.json")
		b, err := os.ReadFile(scPath)
		if err != nil {
			continue
		}
		var sc sidecar
		if err := json.Unmarshal(b, &sc); err != nil || sc.ManifestVersion != manifestVersion {
			continue
		}
		a := sc.Artifact
		// Reconcile with what is actually on disk after a restart.
		if fi, err := os.Stat(a.Path); err == nil {
			a.SizeOnDisk = fi.Size()
		} else if fi, err := os.Stat(a.Path + ".partial"); err == nil {
			a.BytesDownloaded = fi.Size()
			a.SizeOnDisk = 0
			a.State = types.ArtifactUnverified
		} else {
			a.BytesDownloaded = 0
			a.SizeOnDisk = 0
			a.State = types.ArtifactUnverified
		}
		s.artifacts[a.ID] = a
	}
	return s, nil
}

// Root returns the store root directory.
func (s *Store) Root() string { return s.root }

// Get returns a copy of the artifact record for id.
func (s *Store) Get(id string) (types.Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	return a, ok
}

// List returns copies of all artifact records.
func (s *Store) List() []types.Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		out = append(out, a)
	}
	return out
}

// Begin creates or refreshes the artifact record for a descriptor and
// reserves quota for its declared size. Returns the record; the blob path
// is derived from the source URL's basename, falling back to the id.
func (s *Store) Begin(d types.ModelDescriptor) (types.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quotaBytes > 0 {
		used := int64(0)
		for id, a := range s.artifacts {
			if id == d.ID {
				continue
			}
			need := a.SizeOnDisk
			if a.DeclaredBytes > need {
				need = a.DeclaredBytes
			}
			used += need
		}
		if used+d.SizeBytes > s.quotaBytes {
			return types.Artifact{}, types.Errorf(types.KindStorageFull,
				"artifact %s needs %d bytes, %d of %d already committed", d.ID, d.SizeBytes, used, s.quotaBytes)
		}
	}

	a, ok := s.artifacts[d.ID]
	if !ok {
		a = types.Artifact{
			ID:   d.ID,
			Path: filepath.Join(s.root, d.ID, blobName(d)),
		}
	}
	a.URL = d.URL
	a.Checksum = d.Checksum
	a.DeclaredBytes = d.SizeBytes
	if a.State == "" {
		a.State = types.ArtifactUnverified
	}
	if err := os.MkdirAll(filepath.Dir(a.Path), 0o755); err != nil {
		return types.Artifact{}, fmt.Errorf("create artifact dir: %w", err)
	}
	s.artifacts[d.ID] = a
	if err := s.persistLocked(a); err != nil {
		return types.Artifact{}, err
	}
	return a, nil
}

// StagingPath returns the partial-blob path for an artifact.
func StagingPath(a types.Artifact) string { return a.Path + ".partial" }

// SetProgress updates the downloaded byte count for id (in memory only; the
// partial blob itself is the durable resume point).
func (s *Store) SetProgress(id string, bytes int64) {
	s.mu.Lock()
	if a, ok := s.artifacts[id]; ok {
		a.BytesDownloaded = bytes
		s.artifacts[id] = a
	}
	s.mu.Unlock()
}

// Commit renames the staged blob into place and marks the artifact verified.
func (s *Store) Commit(id string) (types.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return types.Artifact{}, types.Errorf(types.KindModelNotFound, "no artifact record for %s", id)
	}
	if err := os.Rename(StagingPath(a), a.Path); err != nil {
		return types.Artifact{}, fmt.Errorf("commit artifact %s: %w", id, err)
	}
	fi, err := os.Stat(a.Path)
	if err != nil {
		return types.Artifact{}, fmt.Errorf("stat committed artifact %s: %w", id, err)
	}
	a.SizeOnDisk = fi.Size()
	a.BytesDownloaded = fi.Size()
	a.State = types.ArtifactVerified
	s.artifacts[id] = a
	if err := s.persistLocked(a); err != nil {
		return types.Artifact{}, err
	}
	return a, nil
}

// Discard removes the blob (staged or final) and the record entirely.
// Used when a checksum mismatch condemns the artifact.
func (s *Store) Discard(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return nil
	}
	delete(s.artifacts, id)
	return os.RemoveAll(filepath.Dir(a.Path))
}

// Delete removes an artifact on explicit user request.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[id]
	if !ok {
		return types.Errorf(types.KindModelNotFound, "no artifact record for %s", id)
	}
	delete(s.artifacts, id)
	return os.RemoveAll(filepath.Dir(a.Path))
}

// persistLocked writes the sidecar manifest for a. Callers hold s.mu.
func (s *Store) persistLocked(a types.Artifact) error {
	sc := sidecar{ManifestVersion: manifestVersion, Artifact: a}
	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return err
	}
	scPath := filepath.Join(filepath.Dir(a.Path), "artifact.json")
	tmp := scPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return os.Rename(tmp, scPath)
}

func blobName(d types.ModelDescriptor) string {
	if d.URL != "" {
		base := d.URL[strings.LastIndex(d.URL, "/")+1:]
		if base != "" {
			return base
		}
	}
	return d.ID
}
