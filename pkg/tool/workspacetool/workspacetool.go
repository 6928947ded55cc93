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

// Package workspacetool exposes a task's workspace to its agents as tools.
//
// write_artifact, read_artifact, list_artifacts and diff_artifact are the
// standard way agents produce and consume artifacts. The tools close over
// the task's workspace, so they are inherently task-scoped.
package workspacetool

import (
	"context"
	"fmt"

	"github.com/kadirpekel/maestro/pkg/tool"
	"github.com/kadirpekel/maestro/pkg/tool/functiontool"
	"github.com/kadirpekel/maestro/pkg/workspace"
)

// Notifier observes artifact writes. The task aggregate uses it to emit
// artifact events on its bus.
type Notifier interface {
	ArtifactWritten(name string, version workspace.Version, created bool)
}

type writeArgs struct {
	Name          string `json:"name" jsonschema:"required,description=Workspace-relative artifact name"`
	Content       string `json:"content" jsonschema:"required,description=Full artifact content"`
	ContentType   string `json:"content_type,omitempty" jsonschema:"description=MIME type of the content,default=text/plain"`
	CommitMessage string `json:"commit_message,omitempty" jsonschema:"description=Short note describing this write"`
}

type readArgs struct {
	Name    string `json:"name" jsonschema:"required,description=Workspace-relative artifact name"`
	Version string `json:"version,omitempty" jsonschema:"description=Version id such as v1; latest when omitted"`
}

type listArgs struct{}

type diffArgs struct {
	Name string `json:"name" jsonschema:"required,description=Workspace-relative artifact name"`
	From string `json:"from" jsonschema:"required,description=Older version id such as v1"`
	To   string `json:"to,omitempty" jsonschema:"description=Newer version id; latest when omitted"`
}

// New returns the workspace tool set bound to ws. notifier may be nil.
func New(ws *workspace.Workspace, notifier Notifier) ([]tool.CallableTool, error) {
	writeTool, err := functiontool.New(
		functiontool.Config{
			Name:        "write_artifact",
			Description: "Write (or overwrite) a named artifact in the task workspace. Each write creates a new version.",
		},
		func(ctx context.Context, args writeArgs) (any, error) {
			contentType := args.ContentType
			if contentType == "" {
				contentType = "text/plain"
			}
			created := !ws.Exists(args.Name)
			version, err := ws.Write(args.Name, []byte(args.Content), contentType, args.CommitMessage)
			if err != nil {
				return nil, err
			}
			if notifier != nil {
				notifier.ArtifactWritten(args.Name, version, created)
			}
			return map[string]any{
				"name":    args.Name,
				"version": version.ID,
				"size":    version.Size,
			}, nil
		},
	)
	if err != nil {
		return nil, err
	}

	readTool, err := functiontool.New(
		functiontool.Config{
			Name:        "read_artifact",
			Description: "Read an artifact from the task workspace, optionally at a specific version.",
		},
		func(ctx context.Context, args readArgs) (any, error) {
			data, err := ws.Read(args.Name, args.Version)
			if err != nil {
				return nil, err
			}
			return string(data), nil
		},
	)
	if err != nil {
		return nil, err
	}

	listTool, err := functiontool.New(
		functiontool.Config{
			Name:        "list_artifacts",
			Description: "List the artifacts in the task workspace with their latest version and size.",
		},
		func(ctx context.Context, args listArgs) (any, error) {
			return ws.List(), nil
		},
	)
	if err != nil {
		return nil, err
	}

	diffTool, err := functiontool.New(
		functiontool.Config{
			Name:        "diff_artifact",
			Description: "Show a patch-format diff between two versions of an artifact.",
		},
		func(ctx context.Context, args diffArgs) (any, error) {
			patch, err := ws.Diff(args.Name, args.From, args.To)
			if err != nil {
				return nil, err
			}
			if patch == "" {
				return "versions are identical", nil
			}
			return patch, nil
		},
	)
	if err != nil {
		return nil, err
	}

	return []tool.CallableTool{writeTool, readTool, listTool, diffTool}, nil
}

// Register creates the workspace tool set and registers it on the
// task's registry.
func Register(registry *tool.Registry, ws *workspace.Workspace, notifier Notifier) error {
	tools, err := New(ws, notifier)
	if err != nil {
		return err
	}
	for _, t := range tools {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("failed to register %s: %w", t.Name(), err)
		}
	}
	return nil
}

// Names returns the names of the workspace tools in registration order.
func Names() []string {
	return []string{"write_artifact", "read_artifact", "list_artifacts", "diff_artifact"}
}
