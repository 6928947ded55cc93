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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/maestro/pkg/config"
	"github.com/kadirpekel/maestro/pkg/orchestrator"
	"github.com/kadirpekel/maestro/pkg/server"
)

// RunCmd drives a goal through the team until the plan completes.
type RunCmd struct {
	Goal string `arg:"" help:"The goal to accomplish."`

	MaxSteps int  `help:"Upper bound on step calls." default:"100"`
	Events   bool `help:"Print the task event stream." default:"false"`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	orch, err := buildOrchestrator(cli)
	if err != nil {
		return err
	}
	defer orch.Close()

	id, err := orch.Start(c.Goal)
	if err != nil {
		return err
	}
	fmt.Printf("task %s started\n", id)

	if c.Events {
		sub, err := orch.Subscribe(id, 0)
		if err != nil {
			return err
		}
		go func() {
			for ev := range sub.Events() {
				fmt.Printf("[%s] %s\n", ev.Type, ev.Timestamp.Format("15:04:05"))
			}
		}()
	}

	for step := 0; step < c.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			orch.Cancel(id)
			return err
		}

		text, err := orch.Step(ctx, id)
		if err != nil {
			return err
		}
		fmt.Println(text)

		done, err := orch.IsComplete(id)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	return fmt.Errorf("plan did not complete within %d steps", c.MaxSteps)
}

// ValidateCmd checks a team configuration file.
type ValidateCmd struct {
	Show bool `help:"Print the effective configuration after defaults." default:"false"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("%s: valid (%d agents)\n", cli.Config, len(cfg.Agents))

	if c.Show {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Print(string(out))
	}
	return nil
}

// ServeCmd starts the HTTP adapter.
type ServeCmd struct {
	Port int `help:"Port to listen on." default:"8080"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	orch, err := buildOrchestrator(cli)
	if err != nil {
		return err
	}
	defer orch.Close()

	addr := fmt.Sprintf(":%d", c.Port)
	fmt.Printf("maestro listening on %s\n", addr)
	return server.New(orch).ListenAndServe(addr)
}

// buildOrchestrator loads the team config and assembles the orchestrator.
func buildOrchestrator(cli *CLI) (*orchestrator.Orchestrator, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	return assembleTeam(cfg, cli.Dir)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
