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

// Package config defines the team configuration and its YAML loader.
package config

import (
	"fmt"
	"strings"
)

// Execution modes.
const (
	ModeAutonomous  = "autonomous"
	ModeInteractive = "interactive"
)

// Config is the root team configuration.
type Config struct {
	// Name identifies the team.
	Name string `yaml:"name"`

	// Description of what this team does.
	Description string `yaml:"description,omitempty"`

	// Agents is the team roster.
	Agents []AgentConfig `yaml:"agents"`

	// Orchestrator configures the planning coordinator.
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// Handoffs are advisory rules fed to the planner.
	Handoffs []Handoff `yaml:"handoffs,omitempty"`

	// Execution controls the stepping behaviour.
	Execution ExecutionConfig `yaml:"execution,omitempty"`
}

// AgentConfig describes one team member.
type AgentConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// PromptTemplatePath points to the agent's system prompt file.
	PromptTemplatePath string `yaml:"prompt_template_path,omitempty"`

	// Prompt is an inline system prompt, used when no template path is
	// given.
	Prompt string `yaml:"prompt,omitempty"`

	// Tools restricts the agent to these registry names. Empty allows
	// every tool registered on the task.
	Tools []string `yaml:"tools,omitempty"`

	// Brain selects and parameterises the agent's model.
	Brain BrainConfig `yaml:"brain,omitempty"`

	// Stream enables incremental output for this agent.
	Stream bool `yaml:"stream,omitempty"`
}

// BrainConfig selects a model provider.
type BrainConfig struct {
	// Provider is the provider key, currently "openai" or any
	// OpenAI-compatible endpoint.
	Provider string `yaml:"provider,omitempty"`

	Model   string `yaml:"model,omitempty"`
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`

	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
}

// Empty reports whether no provider settings were given.
func (b BrainConfig) Empty() bool {
	return b.Provider == "" && b.Model == "" && b.APIKey == "" && b.BaseURL == ""
}

// OrchestratorConfig configures the coordinator.
type OrchestratorConfig struct {
	Brain BrainConfig `yaml:"brain,omitempty"`

	// MaxRounds bounds an agent step's tool loop.
	MaxRounds int `yaml:"max_rounds,omitempty"`

	// TimeoutSeconds bounds one step call. Defaults to 300.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// Handoff is an advisory edge between agents, input to plan generation.
type Handoff struct {
	From      string `yaml:"from_agent"`
	To        string `yaml:"to_agent"`
	Condition string `yaml:"condition,omitempty"`
}

// ExecutionConfig controls stepping.
type ExecutionConfig struct {
	// Mode is autonomous (step until done) or interactive (one step per
	// call). Defaults to autonomous.
	Mode string `yaml:"mode,omitempty"`

	MaxRounds      int    `yaml:"max_rounds,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`
	InitialAgent   string `yaml:"initial_agent,omitempty"`
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Orchestrator.MaxRounds == 0 {
		c.Orchestrator.MaxRounds = 10
	}
	if c.Orchestrator.TimeoutSeconds == 0 {
		c.Orchestrator.TimeoutSeconds = 300
	}
	if c.Execution.Mode == "" {
		c.Execution.Mode = ModeAutonomous
	}
	for i := range c.Agents {
		if c.Agents[i].Brain.Empty() {
			c.Agents[i].Brain = c.Orchestrator.Brain
		}
	}
}

// Validate checks structural consistency and returns every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Name == "" {
		errs = append(errs, "team name is required")
	}
	if len(c.Agents) == 0 {
		errs = append(errs, "at least one agent is required")
	}

	seen := map[string]bool{}
	for i, a := range c.Agents {
		if a.Name == "" {
			errs = append(errs, fmt.Sprintf("agents[%d]: name is required", i))
			continue
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Sprintf("agents[%d]: duplicate name %q", i, a.Name))
		}
		seen[a.Name] = true
	}

	for i, h := range c.Handoffs {
		if !seen[h.From] {
			errs = append(errs, fmt.Sprintf("handoffs[%d]: unknown from_agent %q", i, h.From))
		}
		if !seen[h.To] {
			errs = append(errs, fmt.Sprintf("handoffs[%d]: unknown to_agent %q", i, h.To))
		}
	}

	switch c.Execution.Mode {
	case "", ModeAutonomous, ModeInteractive:
	default:
		errs = append(errs, fmt.Sprintf("execution.mode: invalid mode %q", c.Execution.Mode))
	}
	if c.Execution.InitialAgent != "" && !seen[c.Execution.InitialAgent] {
		errs = append(errs, fmt.Sprintf("execution.initial_agent: unknown agent %q", c.Execution.InitialAgent))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// AgentNames returns the roster names in declaration order.
func (c *Config) AgentNames() []string {
	out := make([]string, 0, len(c.Agents))
	for _, a := range c.Agents {
		out = append(out, a.Name)
	}
	return out
}

// Agent returns the config of the named agent.
func (c *Config) Agent(name string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}
