// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package workspace provides the per-task isolated artifact store.
//
// Every artifact name carries a totally-ordered, append-only version
// history with a commit message per write. The latest version of each
// artifact is materialised under artifacts/ for direct inspection;
// historical versions live under .versions/. A manifest.json ties the two
// together and survives restarts.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var (
	// ErrPathEscape is returned when a name resolves outside the
	// workspace root.
	ErrPathEscape = errors.New("artifact name escapes workspace")

	// ErrNotFound is returned when an artifact does not exist.
	ErrNotFound = errors.New("artifact not found")

	// ErrVersionNotFound is returned when a version ID is unknown.
	ErrVersionNotFound = errors.New("artifact version not found")
)

// Version describes one write of an artifact.
type Version struct {
	ID            string    `json:"id"`
	Seq           int       `json:"seq"`
	Size          int64     `json:"size"`
	ContentType   string    `json:"content_type,omitempty"`
	CommitMessage string    `json:"commit_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Info summarises an artifact for listing.
type Info struct {
	Name          string    `json:"name"`
	LatestVersion string    `json:"latest_version"`
	Versions      int       `json:"versions"`
	Size          int64     `json:"size"`
	ContentType   string    `json:"content_type,omitempty"`
	CommitMessage string    `json:"commit_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Workspace is a rooted, versioned artifact store. Writes to distinct
// names proceed in parallel; writes to the same name are serialised.
type Workspace struct {
	root string

	mu      sync.Mutex // guards manifest and the lock table
	entries map[string]*entry
	locks   map[string]*sync.Mutex
}

type entry struct {
	Name     string    `json:"name"`
	Versions []Version `json:"versions"`

	// NextSeq is the sequence number of the next write. It only ever
	// grows, so deleting a version can never cause its ID or bytes to
	// be reissued.
	NextSeq int `json:"next_seq"`
}

// New opens (or creates) a workspace rooted at dir.
func New(dir string) (*Workspace, error) {
	if dir == "" {
		return nil, fmt.Errorf("workspace root is required")
	}
	for _, sub := range []string{"artifacts", ".versions"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create workspace dir: %w", err)
		}
	}

	w := &Workspace{
		root:    dir,
		entries: make(map[string]*entry),
		locks:   make(map[string]*sync.Mutex),
	}
	if err := w.loadManifest(); err != nil {
		return nil, err
	}
	return w, nil
}

// Root returns the workspace root directory.
func (w *Workspace) Root() string {
	return w.root
}

// normalize validates a workspace-relative artifact name.
// Absolute paths and anything resolving above the root are rejected.
func normalize(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrPathEscape)
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, name)
	}
	cleaned := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	if path.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, "../") || cleaned == "." {
		return "", fmt.Errorf("%w: %q", ErrPathEscape, name)
	}
	return cleaned, nil
}

// sanitize flattens a normalised name into a single path component for the
// version directory.
func sanitize(name string) string {
	return strings.ReplaceAll(name, "/", "__")
}

func (w *Workspace) nameLock(name string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()

	l, ok := w.locks[name]
	if !ok {
		l = &sync.Mutex{}
		w.locks[name] = l
	}
	return l
}

// Write appends a new version of the artifact and returns it.
// The first write of a name creates the artifact.
func (w *Workspace) Write(name string, data []byte, contentType, commitMessage string) (Version, error) {
	cleaned, err := normalize(name)
	if err != nil {
		return Version{}, err
	}

	lock := w.nameLock(cleaned)
	lock.Lock()
	defer lock.Unlock()

	w.mu.Lock()
	e, ok := w.entries[cleaned]
	if !ok {
		e = &entry{Name: cleaned, NextSeq: 1}
		w.entries[cleaned] = e
	}
	seq := e.NextSeq
	e.NextSeq++
	w.mu.Unlock()

	version := Version{
		ID:            fmt.Sprintf("v%d", seq),
		Seq:           seq,
		Size:          int64(len(data)),
		ContentType:   contentType,
		CommitMessage: commitMessage,
		CreatedAt:     time.Now().UTC(),
	}

	versionDir := filepath.Join(w.root, ".versions", sanitize(cleaned))
	if err := os.MkdirAll(versionDir, 0755); err != nil {
		return Version{}, fmt.Errorf("failed to create version dir: %w", err)
	}
	if err := atomicWrite(filepath.Join(versionDir, fmt.Sprintf("%06d", seq)), data); err != nil {
		return Version{}, err
	}

	latest := filepath.Join(w.root, "artifacts", filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(latest), 0755); err != nil {
		return Version{}, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	if err := atomicWrite(latest, data); err != nil {
		return Version{}, err
	}

	w.mu.Lock()
	e.Versions = append(e.Versions, version)
	err = w.saveManifestLocked()
	w.mu.Unlock()
	if err != nil {
		return Version{}, err
	}

	return version, nil
}

// Read returns the bytes of the artifact. An empty versionID reads the
// latest version.
func (w *Workspace) Read(name, versionID string) ([]byte, error) {
	cleaned, err := normalize(name)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	e, ok := w.entries[cleaned]
	if !ok || len(e.Versions) == 0 {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cleaned)
	}
	version := e.Versions[len(e.Versions)-1]
	if versionID != "" {
		found := false
		for _, v := range e.Versions {
			if v.ID == versionID {
				version = v
				found = true
				break
			}
		}
		if !found {
			w.mu.Unlock()
			return nil, fmt.Errorf("%w: %s@%s", ErrVersionNotFound, cleaned, versionID)
		}
	}
	w.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(w.root, ".versions", sanitize(cleaned), fmt.Sprintf("%06d", version.Seq)))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s@%s: %w", cleaned, version.ID, err)
	}
	return data, nil
}

// Exists reports whether the artifact has at least one version.
func (w *Workspace) Exists(name string) bool {
	cleaned, err := normalize(name)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[cleaned]
	return ok && len(e.Versions) > 0
}

// List returns a summary of every artifact, sorted by name.
func (w *Workspace) List() []Info {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Info, 0, len(w.entries))
	for _, e := range w.entries {
		if len(e.Versions) == 0 {
			continue
		}
		first := e.Versions[0]
		last := e.Versions[len(e.Versions)-1]
		out = append(out, Info{
			Name:          e.Name,
			LatestVersion: last.ID,
			Versions:      len(e.Versions),
			Size:          last.Size,
			ContentType:   last.ContentType,
			CommitMessage: last.CommitMessage,
			CreatedAt:     first.CreatedAt,
			UpdatedAt:     last.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Versions returns the artifact's version history, oldest first.
func (w *Workspace) Versions(name string) ([]Version, error) {
	cleaned, err := normalize(name)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[cleaned]
	if !ok || len(e.Versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, cleaned)
	}
	out := make([]Version, len(e.Versions))
	copy(out, e.Versions)
	return out, nil
}

// Diff renders a patch-format text diff between two versions of an
// artifact.
func (w *Workspace) Diff(name, v1, v2 string) (string, error) {
	before, err := w.Read(name, v1)
	if err != nil {
		return "", err
	}
	after, err := w.Read(name, v2)
	if err != nil {
		return "", err
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(before), string(after), false)
	patches := dmp.PatchMake(string(before), diffs)
	return dmp.PatchToText(patches), nil
}

// Delete removes a single version, or the whole artifact when versionID is
// empty.
func (w *Workspace) Delete(name, versionID string) error {
	cleaned, err := normalize(name)
	if err != nil {
		return err
	}

	lock := w.nameLock(cleaned)
	lock.Lock()
	defer lock.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[cleaned]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, cleaned)
	}

	versionDir := filepath.Join(w.root, ".versions", sanitize(cleaned))
	latest := filepath.Join(w.root, "artifacts", filepath.FromSlash(cleaned))

	if versionID == "" {
		delete(w.entries, cleaned)
		os.RemoveAll(versionDir)
		os.Remove(latest)
		return w.saveManifestLocked()
	}

	idx := -1
	for i, v := range e.Versions {
		if v.ID == versionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s@%s", ErrVersionNotFound, cleaned, versionID)
	}
	seq := e.Versions[idx].Seq
	e.Versions = append(e.Versions[:idx], e.Versions[idx+1:]...)
	os.Remove(filepath.Join(versionDir, fmt.Sprintf("%06d", seq)))

	if len(e.Versions) == 0 {
		delete(w.entries, cleaned)
		os.RemoveAll(versionDir)
		os.Remove(latest)
	}
	return w.saveManifestLocked()
}
