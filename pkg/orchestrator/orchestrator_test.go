package orchestrator_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/maestro/pkg/agent"
	"github.com/kadirpekel/maestro/pkg/model"
	"github.com/kadirpekel/maestro/pkg/orchestrator"
	"github.com/kadirpekel/maestro/pkg/plan"
	"github.com/kadirpekel/maestro/pkg/task"
	"github.com/kadirpekel/maestro/pkg/testutil"
	"github.com/kadirpekel/maestro/pkg/tool"
)

// linearPlanJSON is a two-item research-then-write plan.
func linearPlanJSON(onFailure string) string {
	return fmt.Sprintf(`{"items": [
		{"id": "t1", "action": "research the goal and write notes.md", "agent": "researcher", "on_failure": %q},
		{"id": "t2", "action": "turn notes.md into report.md", "agent": "writer", "depends_on": ["t1"]}
	]}`, onFailure)
}

func writeCall(id, name, content string) tool.ToolCall {
	return tool.ToolCall{
		ID:   id,
		Name: "write_artifact",
		Args: map[string]any{"name": name, "content": content},
	}
}

func newWorker(t *testing.T, name string, brain *testutil.Brain) *agent.Agent {
	t.Helper()
	a, err := agent.New(agent.Config{
		Name:        name,
		Description: name + " specialist",
	}, brain)
	require.NoError(t, err)
	return a
}

// newTeam wires an orchestrator with a researcher and a writer.
func newTeam(t *testing.T, planner, researcher, writer *testutil.Brain) *orchestrator.Orchestrator {
	t.Helper()
	orch, err := orchestrator.New(orchestrator.Config{
		Brain: planner,
		Agents: []*agent.Agent{
			newWorker(t, "researcher", researcher),
			newWorker(t, "writer", writer),
		},
		Dir: t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	return orch
}

func stepUntilComplete(t *testing.T, orch *orchestrator.Orchestrator, id string, maxSteps int) {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		done, err := orch.IsComplete(id)
		require.NoError(t, err)
		if done {
			return
		}
		_, err = orch.Step(context.Background(), id)
		require.NoError(t, err)
	}
	t.Fatalf("task %s did not complete within %d steps", id, maxSteps)
}

func TestLinearPlan_RunsToCompletion(t *testing.T) {
	planner := testutil.NewBrain().Text(linearPlanJSON("halt"))
	researcher := testutil.NewBrain().
		Calls(writeCall("c1", "notes.md", "raw findings")).
		Text("notes written")
	writer := testutil.NewBrain().
		Calls(writeCall("c2", "report.md", "polished report")).
		Text("report written")

	orch := newTeam(t, planner, researcher, writer)

	id, err := orch.Start("produce a market report")
	require.NoError(t, err)

	// Starting alone does not execute anything.
	tk, err := orch.Task(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, tk.Status())
	assert.Nil(t, tk.Plan())

	stepUntilComplete(t, orch, id, 5)

	assert.Equal(t, task.StatusCompleted, tk.Status())
	p := tk.Plan()
	require.NotNil(t, p)
	assert.True(t, p.IsComplete())

	it, _ := p.Item("t1")
	assert.Equal(t, plan.StatusCompleted, it.Status)
	assert.Equal(t, "notes.md", it.ResultRef)

	data, err := tk.Workspace().Read("report.md", "")
	require.NoError(t, err)
	assert.Equal(t, "polished report", string(data))

	// The writer's briefing mentioned the dependency artifact, nothing else.
	reqs := writer.Requests()
	require.NotEmpty(t, reqs)
	briefing := reqs[0].Messages[len(reqs[0].Messages)-1].Text()
	assert.Contains(t, briefing, "notes.md")
}

func TestPlanRepair_InvalidThenValid(t *testing.T) {
	planner := testutil.NewBrain().
		Text(`{"items": [{"id": "t1", "action": "write out.md", "agent": "nobody"}]}`).
		Text(`{"items": [{"id": "t1", "action": "write out.md", "agent": "researcher"}]}`)
	researcher := testutil.NewBrain().
		Calls(writeCall("c1", "out.md", "content")).
		Text("done")

	orch := newTeam(t, planner, researcher, testutil.NewBrain())

	id, err := orch.Start("small job")
	require.NoError(t, err)

	text, err := orch.Step(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, text, "plan generated")
	assert.Equal(t, 0, planner.Remaining())
}

func TestPlanGeneration_FailsAfterBudget(t *testing.T) {
	bad := `{"items": [{"id": "t1", "action": "do", "agent": "nobody"}]}`
	planner := testutil.NewBrain().Text(bad).Text(bad).Text(bad)

	orch := newTeam(t, planner, testutil.NewBrain(), testutil.NewBrain())

	id, err := orch.Start("impossible job")
	require.NoError(t, err)

	_, err = orch.Step(context.Background(), id)
	require.ErrorIs(t, err, orchestrator.ErrPlanGeneration)

	tk, err := orch.Task(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, tk.Status())
	assert.True(t, tk.Bus().Closed())
}

func TestArtifactMissing_HaltFailsTask(t *testing.T) {
	planner := testutil.NewBrain().Text(linearPlanJSON("halt"))
	// The researcher claims success without writing notes.md.
	researcher := testutil.NewBrain().Text("all done, trust me")

	orch := newTeam(t, planner, researcher, testutil.NewBrain())

	id, err := orch.Start("produce a market report")
	require.NoError(t, err)

	_, err = orch.Step(context.Background(), id)
	require.NoError(t, err)
	text, err := orch.Step(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, text, "halted")

	tk, _ := orch.Task(id)
	assert.Equal(t, task.StatusFailed, tk.Status())
	it, _ := tk.Plan().Item("t1")
	assert.Equal(t, plan.StatusFailed, it.Status)
}

func TestFailurePolicy_ProceedSkipsDependants(t *testing.T) {
	planner := testutil.NewBrain().Text(linearPlanJSON("proceed"))
	researcher := testutil.NewBrain().Text("claims success, writes nothing")

	orch := newTeam(t, planner, researcher, testutil.NewBrain())

	id, err := orch.Start("produce a market report")
	require.NoError(t, err)

	_, err = orch.Step(context.Background(), id)
	require.NoError(t, err)
	text, err := orch.Step(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, text, "skipped")

	tk, _ := orch.Task(id)
	it, _ := tk.Plan().Item("t2")
	assert.Equal(t, plan.StatusSkipped, it.Status)
}

func TestFailurePolicy_EscalateAwaitsInput(t *testing.T) {
	planner := testutil.NewBrain().Text(linearPlanJSON("escalate"))
	researcher := testutil.NewBrain().Text("nothing written")

	orch := newTeam(t, planner, researcher, testutil.NewBrain())

	id, err := orch.Start("produce a market report")
	require.NoError(t, err)

	_, err = orch.Step(context.Background(), id)
	require.NoError(t, err)
	text, err := orch.Step(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, text, "awaiting user input")

	tk, _ := orch.Task(id)
	assert.Equal(t, task.StatusAwaitingInput, tk.Status())

	// Stepping while suspended does nothing.
	text, err = orch.Step(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, text, "awaiting user input")
}

func TestChat_RevisionPreservesCompletedItems(t *testing.T) {
	revised := `{"items": [
		{"id": "t1", "action": "research the goal and write notes.md", "agent": "researcher", "status": "completed"},
		{"id": "t3", "action": "write a French-tone report.md from notes.md", "agent": "writer", "depends_on": ["t1"]}
	]}`
	planner := testutil.NewBrain().
		Text(linearPlanJSON("halt")).
		Text(`{"kind": "revision"}`).
		Text(revised)
	researcher := testutil.NewBrain().
		Calls(writeCall("c1", "notes.md", "raw findings")).
		Text("notes written")

	orch := newTeam(t, planner, researcher, testutil.NewBrain())

	id, err := orch.Start("produce a market report")
	require.NoError(t, err)

	// Generate the plan and complete t1.
	_, err = orch.Step(context.Background(), id)
	require.NoError(t, err)
	_, err = orch.Step(context.Background(), id)
	require.NoError(t, err)

	reply, err := orch.Chat(context.Background(), id, "use a French tone in the final report")
	require.NoError(t, err)
	assert.Contains(t, reply, "plan revised")

	tk, _ := orch.Task(id)
	p := tk.Plan()

	it, ok := p.Item("t1")
	require.True(t, ok, "completed item must survive revision")
	assert.Equal(t, plan.StatusCompleted, it.Status)
	assert.Equal(t, "research the goal and write notes.md", it.Action)

	_, ok = p.Item("t2")
	assert.False(t, ok, "replaced item is gone")
	next, ok := p.NextActionable()
	require.True(t, ok)
	assert.Equal(t, "t3", next.ID)
}

func TestChat_RevisionFailureKeepsOldPlan(t *testing.T) {
	// Every revision attempt mutates the preserved item's action.
	mutated := `{"items": [
		{"id": "t1", "action": "changed action", "agent": "researcher", "status": "completed"}
	]}`
	planner := testutil.NewBrain().
		Text(linearPlanJSON("halt")).
		Text(`{"kind": "revision"}`).
		Text(mutated).Text(mutated).Text(mutated)
	researcher := testutil.NewBrain().
		Calls(writeCall("c1", "notes.md", "raw findings")).
		Text("notes written")

	orch := newTeam(t, planner, researcher, testutil.NewBrain())

	id, err := orch.Start("produce a market report")
	require.NoError(t, err)
	_, err = orch.Step(context.Background(), id)
	require.NoError(t, err)
	_, err = orch.Step(context.Background(), id)
	require.NoError(t, err)

	_, err = orch.Chat(context.Background(), id, "rewrite everything")
	require.ErrorIs(t, err, orchestrator.ErrRevisionFailed)

	tk, _ := orch.Task(id)
	assert.Equal(t, task.StatusAwaitingInput, tk.Status())

	// The old plan is untouched.
	p := tk.Plan()
	it, ok := p.Item("t2")
	require.True(t, ok)
	assert.Equal(t, "turn notes.md into report.md", it.Action)
}

func TestChat_QA(t *testing.T) {
	planner := testutil.NewBrain().
		Text(linearPlanJSON("halt")).
		Text(`{"kind": "qa", "reply": "two items remain"}`)

	orch := newTeam(t, planner, testutil.NewBrain(), testutil.NewBrain())

	id, err := orch.Start("produce a market report")
	require.NoError(t, err)
	_, err = orch.Step(context.Background(), id)
	require.NoError(t, err)

	reply, err := orch.Chat(context.Background(), id, "how much work is left?")
	require.NoError(t, err)
	assert.Equal(t, "two items remain", reply)

	// Chat never executes plan items.
	tk, _ := orch.Task(id)
	it, _ := tk.Plan().Item("t1")
	assert.Equal(t, plan.StatusPending, it.Status)
}

func TestChat_ApprovalResumesSuspendedTask(t *testing.T) {
	planner := testutil.NewBrain().
		Text(linearPlanJSON("escalate")).
		Text(`{"kind": "approval"}`)
	researcher := testutil.NewBrain().Text("nothing written")

	orch := newTeam(t, planner, researcher, testutil.NewBrain())

	id, err := orch.Start("produce a market report")
	require.NoError(t, err)
	_, err = orch.Step(context.Background(), id)
	require.NoError(t, err)
	_, err = orch.Step(context.Background(), id)
	require.NoError(t, err)

	tk, _ := orch.Task(id)
	require.Equal(t, task.StatusAwaitingInput, tk.Status())

	reply, err := orch.Chat(context.Background(), id, "go ahead anyway")
	require.NoError(t, err)
	assert.Contains(t, reply, "resuming")
	assert.Equal(t, task.StatusRunning, tk.Status())
}

func TestCancel(t *testing.T) {
	planner := testutil.NewBrain().Text(linearPlanJSON("halt"))

	orch := newTeam(t, planner, testutil.NewBrain(), testutil.NewBrain())

	id, err := orch.Start("produce a market report")
	require.NoError(t, err)
	_, err = orch.Step(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, orch.Cancel(id))

	tk, _ := orch.Task(id)
	assert.Equal(t, task.StatusCancelled, tk.Status())
	assert.True(t, tk.Bus().Closed())
	assert.Error(t, tk.Context().Err())

	// Cancelling again and stepping after cancel are harmless.
	require.NoError(t, orch.Cancel(id))
	text, err := orch.Step(context.Background(), id)
	require.NoError(t, err)
	assert.Contains(t, text, "cancelled")
}

func TestTwoTasks_IsolatedWorkspacesAndRegistries(t *testing.T) {
	planner := testutil.NewBrain()
	orch := newTeam(t, planner, testutil.NewBrain(), testutil.NewBrain())

	idA, err := orch.Start("goal a")
	require.NoError(t, err)
	idB, err := orch.Start("goal b")
	require.NoError(t, err)

	taskA, err := orch.Task(idA)
	require.NoError(t, err)
	taskB, err := orch.Task(idB)
	require.NoError(t, err)

	_, err = taskA.Workspace().Write("report.md", []byte("from a"), "text/markdown", "")
	require.NoError(t, err)
	_, err = taskB.Workspace().Write("report.md", []byte("from b"), "text/markdown", "")
	require.NoError(t, err)

	dataA, err := taskA.Workspace().Read("report.md", "")
	require.NoError(t, err)
	dataB, err := taskB.Workspace().Read("report.md", "")
	require.NoError(t, err)
	assert.NotEqual(t, string(dataA), string(dataB))

	// A custom tool on A's registry is invisible to B.
	custom := customTool(t, "only_in_a")
	require.NoError(t, taskA.Registry().Register(custom))
	assert.Contains(t, taskA.Registry().List(), "only_in_a")
	assert.NotContains(t, taskB.Registry().List(), "only_in_a")
}

func customTool(t *testing.T, name string) tool.CallableTool {
	t.Helper()
	return staticTool{name: name}
}

type staticTool struct{ name string }

func (s staticTool) Name() string        { return s.name }
func (s staticTool) Description() string { return "static test tool" }
func (s staticTool) Definition() tool.Definition {
	return tool.Definition{Name: s.name, Description: "static test tool"}
}
func (s staticTool) Call(ctx context.Context, args map[string]any) (any, error) {
	return "static", nil
}

func TestStart_RequiresGoal(t *testing.T) {
	orch := newTeam(t, testutil.NewBrain(), testutil.NewBrain(), testutil.NewBrain())
	_, err := orch.Start("  ")
	assert.Error(t, err)
}

func TestTask_Unknown(t *testing.T) {
	orch := newTeam(t, testutil.NewBrain(), testutil.NewBrain(), testutil.NewBrain())
	_, err := orch.Task("nope")
	assert.ErrorIs(t, err, orchestrator.ErrTaskNotFound)

	_, err = orch.Step(context.Background(), "nope")
	assert.ErrorIs(t, err, orchestrator.ErrTaskNotFound)
}

func TestBrainUnavailable_SurfacesFromStep(t *testing.T) {
	transport := &model.TransportError{Err: fmt.Errorf("connection refused")}
	planner := testutil.NewBrain().Fail(transport)

	orch := newTeam(t, planner, testutil.NewBrain(), testutil.NewBrain())

	id, err := orch.Start("produce a market report")
	require.NoError(t, err)

	_, err = orch.Step(context.Background(), id)
	require.Error(t, err)
	assert.True(t, model.IsTransport(err))

	// The task survives a brain outage at planning time.
	tk, _ := orch.Task(id)
	assert.False(t, tk.Status().IsTerminal())
}
