package plan

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearPlan(t *testing.T) *Plan {
	t.Helper()
	p, err := New(
		&Item{ID: "t1", Action: "research the topic, write notes.md", Agent: "researcher"},
		&Item{ID: "t2", Action: "write report.md from notes.md", Agent: "writer", DependsOn: []string{"t1"}},
	)
	require.NoError(t, err)
	return p
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		items  []*Item
		reason string
	}{
		{
			name:   "empty id",
			items:  []*Item{{Action: "do", Agent: "a"}},
			reason: "empty id",
		},
		{
			name: "duplicate ids",
			items: []*Item{
				{ID: "t1", Action: "do", Agent: "a"},
				{ID: "t1", Action: "redo", Agent: "a"},
			},
			reason: "duplicate",
		},
		{
			name:   "empty action",
			items:  []*Item{{ID: "t1", Agent: "a"}},
			reason: "action",
		},
		{
			name:   "empty agent",
			items:  []*Item{{ID: "t1", Action: "do"}},
			reason: "agent",
		},
		{
			name:   "unknown dependency",
			items:  []*Item{{ID: "t1", Action: "do", Agent: "a", DependsOn: []string{"ghost"}}},
			reason: "unknown",
		},
		{
			name:   "self dependency",
			items:  []*Item{{ID: "t1", Action: "do", Agent: "a", DependsOn: []string{"t1"}}},
			reason: "itself",
		},
		{
			name: "cycle",
			items: []*Item{
				{ID: "t1", Action: "do", Agent: "a", DependsOn: []string{"t2"}},
				{ID: "t2", Action: "do", Agent: "a", DependsOn: []string{"t1"}},
			},
			reason: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.items...)
			require.Error(t, err)
			var invalid *InvalidError
			require.ErrorAs(t, err, &invalid)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestNextActionable_RespectsDependencies(t *testing.T) {
	p := linearPlan(t)

	item, ok := p.NextActionable()
	require.True(t, ok)
	assert.Equal(t, "t1", item.ID)

	// t2 stays blocked until t1 completes.
	require.NoError(t, p.UpdateStatus("t1", StatusInProgress))
	_, ok = p.NextActionable()
	assert.False(t, ok)

	require.NoError(t, p.UpdateStatus("t1", StatusCompleted))
	item, ok = p.NextActionable()
	require.True(t, ok)
	assert.Equal(t, "t2", item.ID)
}

func TestAllActionable_PlanOrder(t *testing.T) {
	p, err := New(
		&Item{ID: "a", Action: "do a", Agent: "x"},
		&Item{ID: "b", Action: "do b", Agent: "y"},
		&Item{ID: "c", Action: "do c", Agent: "z", DependsOn: []string{"a", "b"}},
	)
	require.NoError(t, err)

	items := p.AllActionable(0)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "b", items[1].ID)

	assert.Len(t, p.AllActionable(1), 1)
}

func TestUpdateStatus_LegalTransitions(t *testing.T) {
	p := linearPlan(t)

	// pending -> completed is not legal without in_progress.
	assert.Error(t, p.UpdateStatus("t1", StatusCompleted))

	require.NoError(t, p.UpdateStatus("t1", StatusInProgress))
	assert.Error(t, p.UpdateStatus("t1", StatusPending))
	require.NoError(t, p.UpdateStatus("t1", StatusCompleted))

	// completed is final.
	assert.Error(t, p.UpdateStatus("t1", StatusFailed))
	assert.Error(t, p.UpdateStatus("t1", StatusInProgress))
}

func TestIsCompleteAndProgress(t *testing.T) {
	p := linearPlan(t)
	assert.False(t, p.IsComplete())

	require.NoError(t, p.UpdateStatus("t1", StatusInProgress))
	require.NoError(t, p.UpdateStatus("t1", StatusCompleted))
	require.NoError(t, p.UpdateStatus("t2", StatusSkipped))

	assert.True(t, p.IsComplete())
	progress := p.Progress()
	assert.Equal(t, 1, progress[StatusCompleted])
	assert.Equal(t, 1, progress[StatusSkipped])
}

func TestBlocked_ReportsItemsWithFailedDeps(t *testing.T) {
	p := linearPlan(t)
	require.NoError(t, p.UpdateStatus("t1", StatusInProgress))
	require.NoError(t, p.UpdateStatus("t1", StatusFailed))

	blocked := p.Blocked()
	require.Len(t, blocked, 1)
	assert.Equal(t, "t2", blocked[0].ID)

	_, ok := p.NextActionable()
	assert.False(t, ok)
	assert.True(t, p.HasFailed())
}

func TestReset_CascadesToDependants(t *testing.T) {
	p, err := New(
		&Item{ID: "t1", Action: "collect data.csv", Agent: "a"},
		&Item{ID: "t2", Action: "analyze into stats.md", Agent: "b", DependsOn: []string{"t1"}},
		&Item{ID: "t3", Action: "summarize summary.md", Agent: "c", DependsOn: []string{"t2"}},
	)
	require.NoError(t, err)

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, p.UpdateStatus(id, StatusInProgress))
		require.NoError(t, p.UpdateStatus(id, StatusCompleted))
	}
	require.True(t, p.IsComplete())

	require.NoError(t, p.Reset("t2"))

	it, _ := p.Item("t1")
	assert.Equal(t, StatusCompleted, it.Status)
	it, _ = p.Item("t2")
	assert.Equal(t, StatusPending, it.Status)
	it, _ = p.Item("t3")
	assert.Equal(t, StatusPending, it.Status)

	// t2 is immediately actionable again since t1 stayed completed.
	next, ok := p.NextActionable()
	require.True(t, ok)
	assert.Equal(t, "t2", next.ID)
}

func TestCheckPreserved(t *testing.T) {
	prev := linearPlan(t)
	require.NoError(t, prev.UpdateStatus("t1", StatusInProgress))
	require.NoError(t, prev.UpdateStatus("t1", StatusCompleted))

	t.Run("valid revision", func(t *testing.T) {
		next, err := New(
			&Item{ID: "t1", Action: "research the topic, write notes.md", Agent: "researcher", Status: StatusCompleted},
			&Item{ID: "t9", Action: "write a French report.md", Agent: "writer", DependsOn: []string{"t1"}},
		)
		require.NoError(t, err)
		assert.NoError(t, CheckPreserved(next, []string{"t1"}, prev))
	})

	t.Run("dropped preserved item", func(t *testing.T) {
		next, err := New(
			&Item{ID: "t9", Action: "write a French report.md", Agent: "writer"},
		)
		require.NoError(t, err)
		assert.Error(t, CheckPreserved(next, []string{"t1"}, prev))
	})

	t.Run("mutated preserved action", func(t *testing.T) {
		next, err := New(
			&Item{ID: "t1", Action: "something else entirely", Agent: "researcher", Status: StatusCompleted},
		)
		require.NoError(t, err)
		assert.Error(t, CheckPreserved(next, []string{"t1"}, prev))
	})

	t.Run("demoted preserved status", func(t *testing.T) {
		next, err := New(
			&Item{ID: "t1", Action: "research the topic, write notes.md", Agent: "researcher", Status: StatusPending},
		)
		require.NoError(t, err)
		assert.Error(t, CheckPreserved(next, []string{"t1"}, prev))
	})
}

func TestSaveLoad_Roundtrip(t *testing.T) {
	p := linearPlan(t)
	require.NoError(t, p.UpdateStatus("t1", StatusInProgress))
	require.NoError(t, p.UpdateStatus("t1", StatusCompleted))
	require.NoError(t, p.SetResultRef("t1", "notes.md"))

	path := filepath.Join(t.TempDir(), "plan.json")
	require.NoError(t, p.SaveFile(path))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, p.Len(), loaded.Len())

	it, ok := loaded.Item("t1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, it.Status)
	assert.Equal(t, "notes.md", it.ResultRef)

	// Dependency state survives the roundtrip: t2 is actionable.
	next, ok := loaded.NextActionable()
	require.True(t, ok)
	assert.Equal(t, "t2", next.ID)
}
