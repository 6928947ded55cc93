package workspacetool_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/maestro/pkg/tool"
	"github.com/kadirpekel/maestro/pkg/tool/workspacetool"
	"github.com/kadirpekel/maestro/pkg/workspace"
)

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	return ws
}

func TestRegister_AllTools(t *testing.T) {
	registry := tool.NewRegistry()
	require.NoError(t, workspacetool.Register(registry, newWorkspace(t), nil))

	for _, name := range workspacetool.Names() {
		_, err := registry.Get(name)
		assert.NoError(t, err, name)
	}
}

func TestWriteReadRoundtrip(t *testing.T) {
	ws := newWorkspace(t)
	registry := tool.NewRegistry()
	require.NoError(t, workspacetool.Register(registry, ws, nil))

	write, err := registry.Get("write_artifact")
	require.NoError(t, err)
	out, err := write.Call(context.Background(), map[string]any{
		"name": "notes.md", "content": "findings",
	})
	require.NoError(t, err)
	result, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "v1", result["version"])

	read, err := registry.Get("read_artifact")
	require.NoError(t, err)
	out, err = read.Call(context.Background(), map[string]any{"name": "notes.md"})
	require.NoError(t, err)
	assert.Equal(t, "findings", out)
}

func TestDiffArtifact(t *testing.T) {
	ws := newWorkspace(t)
	registry := tool.NewRegistry()
	require.NoError(t, workspacetool.Register(registry, ws, nil))

	_, err := ws.Write("draft.md", []byte("the quick fox"), "text/plain", "")
	require.NoError(t, err)
	_, err = ws.Write("draft.md", []byte("the quick brown fox"), "text/plain", "")
	require.NoError(t, err)

	diff, err := registry.Get("diff_artifact")
	require.NoError(t, err)

	t.Run("between versions", func(t *testing.T) {
		out, err := diff.Call(context.Background(), map[string]any{
			"name": "draft.md", "from": "v1", "to": "v2",
		})
		require.NoError(t, err)
		assert.Contains(t, out.(string), "brown")
	})

	t.Run("against latest when to is omitted", func(t *testing.T) {
		out, err := diff.Call(context.Background(), map[string]any{
			"name": "draft.md", "from": "v1",
		})
		require.NoError(t, err)
		assert.Contains(t, out.(string), "brown")
	})

	t.Run("identical versions", func(t *testing.T) {
		out, err := diff.Call(context.Background(), map[string]any{
			"name": "draft.md", "from": "v2", "to": "v2",
		})
		require.NoError(t, err)
		assert.Equal(t, "versions are identical", out)
	})

	t.Run("unknown version", func(t *testing.T) {
		_, err := diff.Call(context.Background(), map[string]any{
			"name": "draft.md", "from": "v9",
		})
		assert.ErrorIs(t, err, workspace.ErrVersionNotFound)
	})
}

type recordingNotifier struct {
	writes []string
}

func (n *recordingNotifier) ArtifactWritten(name string, version workspace.Version, created bool) {
	n.writes = append(n.writes, name+"@"+version.ID)
}

func TestWrite_Notifies(t *testing.T) {
	registry := tool.NewRegistry()
	notifier := &recordingNotifier{}
	require.NoError(t, workspacetool.Register(registry, newWorkspace(t), notifier))

	write, err := registry.Get("write_artifact")
	require.NoError(t, err)
	_, err = write.Call(context.Background(), map[string]any{
		"name": "out.md", "content": "x",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"out.md@v1"}, notifier.writes)
}
