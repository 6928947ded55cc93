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

package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const manifestFile = "manifest.json"

type manifestDoc struct {
	Artifacts []*entry `json:"artifacts"`
}

// loadManifest restores the version index from disk, if present.
func (w *Workspace) loadManifest() error {
	data, err := os.ReadFile(filepath.Join(w.root, manifestFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	var doc manifestDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	for _, e := range doc.Artifacts {
		// Manifests written before next_seq existed derive it from the
		// highest sequence ever recorded.
		for _, v := range e.Versions {
			if v.Seq >= e.NextSeq {
				e.NextSeq = v.Seq + 1
			}
		}
		w.entries[e.Name] = e
	}
	return nil
}

// saveManifestLocked persists the version index. Caller holds w.mu.
func (w *Workspace) saveManifestLocked() error {
	doc := manifestDoc{Artifacts: make([]*entry, 0, len(w.entries))}
	for _, e := range w.entries {
		doc.Artifacts = append(doc.Artifacts, e)
	}
	sort.Slice(doc.Artifacts, func(i, j int) bool {
		return doc.Artifacts[i].Name < doc.Artifacts[j].Name
	})

	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	return atomicWrite(filepath.Join(w.root, manifestFile), append(data, '\n'))
}

// atomicWrite writes data through a temp file, fsyncs and renames into
// place so readers never observe a partial file.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
