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

// Package maestro is a plan-driven multi-agent task orchestration engine.
//
// A team of agents is declared in YAML. Given a goal, the orchestrator
// asks its model to produce a dependency-ordered plan, dispatches each
// plan item to the assigned agent, verifies the artifacts the item
// promised, and steers the task through completion, failure, or a
// mid-flight plan revision requested in chat.
//
// # Quick Start
//
// Install:
//
//	go install github.com/kadirpekel/maestro/cmd/maestro@latest
//
// Declare a team:
//
//	name: research-team
//	agents:
//	  - name: researcher
//	    description: gathers information
//	    prompt: "You research topics thoroughly."
//	  - name: writer
//	    description: writes reports
//	    prompt: "You write clear, structured prose."
//	orchestrator:
//	  brain:
//	    provider: openai
//	    model: gpt-4o
//	    api_key: ${OPENAI_API_KEY}
//
// Run a goal:
//
//	maestro run --config team.yaml "write a market report on solar energy"
//
// Or expose the engine over HTTP:
//
//	maestro serve --config team.yaml --port 8080
//
// # Using as a Go Library
//
//	import (
//	    "github.com/kadirpekel/maestro/pkg/orchestrator"
//	    "github.com/kadirpekel/maestro/pkg/config"
//	)
//
// Each task owns an isolated versioned workspace, a tool registry, an
// event bus for observers, and an append-only conversation history, all
// persisted under the task's directory.
package maestro
