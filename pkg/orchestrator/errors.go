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

package orchestrator

import "errors"

var (
	// ErrTaskNotFound is returned for an unknown task id.
	ErrTaskNotFound = errors.New("task not found")

	// ErrPlanGeneration is returned when the brain could not produce a
	// valid plan within the repair budget.
	ErrPlanGeneration = errors.New("plan generation failed")

	// ErrRevisionFailed is returned when the brain kept mutating
	// preserved items across every revision attempt.
	ErrRevisionFailed = errors.New("plan revision failed")

	// ErrAgentUnknown is returned when a plan item names an agent that
	// is not part of the team.
	ErrAgentUnknown = errors.New("unknown agent")

	// ErrArtifactMissing is returned when an agent reported completion
	// without writing the artifacts its action declared.
	ErrArtifactMissing = errors.New("declared artifact missing")
)
