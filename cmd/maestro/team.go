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

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/kadirpekel/maestro/pkg/agent"
	"github.com/kadirpekel/maestro/pkg/config"
	"github.com/kadirpekel/maestro/pkg/model"
	"github.com/kadirpekel/maestro/pkg/model/openai"
	"github.com/kadirpekel/maestro/pkg/orchestrator"
)

// assembleTeam builds agents and the orchestrator from a team config.
func assembleTeam(cfg *config.Config, dir string) (*orchestrator.Orchestrator, error) {
	brain, err := buildBrain(cfg.Orchestrator.Brain)
	if err != nil {
		return nil, fmt.Errorf("orchestrator brain: %w", err)
	}

	agents := make([]*agent.Agent, 0, len(cfg.Agents))
	for _, ac := range cfg.Agents {
		a, err := buildAgent(ac, cfg.Orchestrator.MaxRounds)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", ac.Name, err)
		}
		agents = append(agents, a)
	}

	return orchestrator.New(orchestrator.Config{
		Brain:       brain,
		Agents:      agents,
		Handoffs:    cfg.Handoffs,
		Dir:         dir,
		StepTimeout: time.Duration(cfg.Orchestrator.TimeoutSeconds) * time.Second,
	})
}

func buildAgent(ac config.AgentConfig, defaultMaxRounds int) (*agent.Agent, error) {
	llm, err := buildBrain(ac.Brain)
	if err != nil {
		return nil, err
	}

	prompt := ac.Prompt
	if ac.PromptTemplatePath != "" {
		data, err := os.ReadFile(ac.PromptTemplatePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read prompt template: %w", err)
		}
		prompt = string(data)
	}

	var generate *model.GenerateConfig
	if ac.Brain.Temperature != nil || ac.Brain.MaxTokens > 0 {
		generate = &model.GenerateConfig{
			Temperature: ac.Brain.Temperature,
			MaxTokens:   ac.Brain.MaxTokens,
		}
	}

	return agent.New(agent.Config{
		Name:          ac.Name,
		Description:   ac.Description,
		SystemPrompt:  prompt,
		ToolNames:     ac.Tools,
		MaxToolRounds: defaultMaxRounds,
		Stream:        ac.Stream,
		Generate:      generate,
	}, llm)
}

// buildBrain creates a model client from a brain config. Every
// OpenAI-compatible endpoint goes through the openai provider.
func buildBrain(bc config.BrainConfig) (model.LLM, error) {
	if bc.Empty() {
		return nil, fmt.Errorf("no brain configured")
	}
	switch bc.Provider {
	case "", "openai":
		var opts []openai.Option
		if bc.Temperature != nil {
			opts = append(opts, openai.WithTemperature(*bc.Temperature))
		}
		if bc.MaxTokens > 0 {
			opts = append(opts, openai.WithMaxTokens(bc.MaxTokens))
		}
		return openai.New(openai.Config{
			APIKey:  bc.APIKey,
			Model:   bc.Model,
			BaseURL: bc.BaseURL,
		}, opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", bc.Provider)
	}
}
