package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := New(t.TempDir())
	require.NoError(t, err)
	return ws
}

func TestWrite_VersionsAccumulate(t *testing.T) {
	ws := newWorkspace(t)

	v1, err := ws.Write("report.md", []byte("draft"), "text/markdown", "first draft")
	require.NoError(t, err)
	assert.Equal(t, "v1", v1.ID)
	assert.Equal(t, int64(5), v1.Size)

	v2, err := ws.Write("report.md", []byte("final text"), "text/markdown", "final")
	require.NoError(t, err)
	assert.Equal(t, "v2", v2.ID)

	// Latest read returns the newest content.
	data, err := ws.Read("report.md", "")
	require.NoError(t, err)
	assert.Equal(t, "final text", string(data))

	// Historic versions stay readable.
	data, err = ws.Read("report.md", "v1")
	require.NoError(t, err)
	assert.Equal(t, "draft", string(data))

	versions, err := ws.Versions("report.md")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "first draft", versions[0].CommitMessage)
}

func TestRead_Missing(t *testing.T) {
	ws := newWorkspace(t)

	_, err := ws.Read("ghost.md", "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = ws.Write("real.md", []byte("x"), "text/plain", "")
	require.NoError(t, err)
	_, err = ws.Read("real.md", "v9")
	assert.ErrorIs(t, err, ErrVersionNotFound)
}

func TestPathEscape_Rejected(t *testing.T) {
	for _, name := range []string{
		"../outside.md",
		"/etc/passwd",
		"dir/../../outside.md",
		"",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ws_write(t, name)
			assert.ErrorIs(t, err, ErrPathEscape)
		})
	}
}

func ws_write(t *testing.T, name string) (Version, error) {
	t.Helper()
	ws := newWorkspace(t)
	return ws.Write(name, []byte("x"), "text/plain", "")
}

func TestNestedNames_StayInsideRoot(t *testing.T) {
	ws := newWorkspace(t)

	_, err := ws.Write("notes/day1.md", []byte("monday"), "text/markdown", "")
	require.NoError(t, err)

	data, err := ws.Read("notes/day1.md", "")
	require.NoError(t, err)
	assert.Equal(t, "monday", string(data))
	assert.True(t, ws.Exists("notes/day1.md"))
}

func TestList_SortedWithMetadata(t *testing.T) {
	ws := newWorkspace(t)

	_, err := ws.Write("b.md", []byte("bb"), "text/markdown", "")
	require.NoError(t, err)
	_, err = ws.Write("a.md", []byte("a"), "text/markdown", "")
	require.NoError(t, err)
	_, err = ws.Write("a.md", []byte("aaa"), "text/markdown", "")
	require.NoError(t, err)

	infos := ws.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "a.md", infos[0].Name)
	assert.Equal(t, "b.md", infos[1].Name)
	assert.Equal(t, "v2", infos[0].LatestVersion)
	assert.Equal(t, int64(3), infos[0].Size)
}

func TestDiff_BetweenVersions(t *testing.T) {
	ws := newWorkspace(t)

	_, err := ws.Write("report.md", []byte("hello world\n"), "text/markdown", "")
	require.NoError(t, err)
	_, err = ws.Write("report.md", []byte("hello brave world\n"), "text/markdown", "")
	require.NoError(t, err)

	diff, err := ws.Diff("report.md", "v1", "v2")
	require.NoError(t, err)
	assert.Contains(t, diff, "brave")
}

func TestDelete(t *testing.T) {
	ws := newWorkspace(t)

	_, err := ws.Write("tmp.md", []byte("one"), "text/plain", "")
	require.NoError(t, err)
	_, err = ws.Write("tmp.md", []byte("two"), "text/plain", "")
	require.NoError(t, err)

	// Deleting one version keeps the rest.
	require.NoError(t, ws.Delete("tmp.md", "v1"))
	_, err = ws.Read("tmp.md", "v1")
	assert.ErrorIs(t, err, ErrVersionNotFound)
	data, err := ws.Read("tmp.md", "")
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	// Deleting all versions removes the artifact.
	require.NoError(t, ws.Delete("tmp.md", ""))
	assert.False(t, ws.Exists("tmp.md"))
}

func TestDelete_NeverReissuesVersionIDs(t *testing.T) {
	ws := newWorkspace(t)

	for _, content := range []string{"one", "two", "three"} {
		_, err := ws.Write("a.md", []byte(content), "text/plain", "")
		require.NoError(t, err)
	}
	require.NoError(t, ws.Delete("a.md", "v2"))

	// The next write must not reuse an ID, or the surviving v3 bytes
	// would be silently overwritten.
	v, err := ws.Write("a.md", []byte("four"), "text/plain", "")
	require.NoError(t, err)
	assert.Equal(t, "v4", v.ID)

	data, err := ws.Read("a.md", "v3")
	require.NoError(t, err)
	assert.Equal(t, "three", string(data))
	data, err = ws.Read("a.md", "")
	require.NoError(t, err)
	assert.Equal(t, "four", string(data))
}

func TestDelete_SequencePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	ws, err := New(dir)
	require.NoError(t, err)
	_, err = ws.Write("a.md", []byte("one"), "text/plain", "")
	require.NoError(t, err)
	_, err = ws.Write("a.md", []byte("two"), "text/plain", "")
	require.NoError(t, err)
	require.NoError(t, ws.Delete("a.md", "v2"))

	reopened, err := New(dir)
	require.NoError(t, err)
	v, err := reopened.Write("a.md", []byte("three"), "text/plain", "")
	require.NoError(t, err)
	assert.Equal(t, "v3", v.ID)

	data, err := reopened.Read("a.md", "v1")
	require.NoError(t, err)
	assert.Equal(t, "one", string(data))
}

func TestIsolation_TwoWorkspaces(t *testing.T) {
	a := newWorkspace(t)
	b := newWorkspace(t)

	_, err := a.Write("report.md", []byte("from a"), "text/markdown", "")
	require.NoError(t, err)
	_, err = b.Write("report.md", []byte("from b"), "text/markdown", "")
	require.NoError(t, err)

	dataA, err := a.Read("report.md", "")
	require.NoError(t, err)
	dataB, err := b.Read("report.md", "")
	require.NoError(t, err)
	assert.NotEqual(t, string(dataA), string(dataB))
}

func TestManifest_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	ws, err := New(dir)
	require.NoError(t, err)
	_, err = ws.Write("report.md", []byte("persisted"), "text/markdown", "keep")
	require.NoError(t, err)

	reopened, err := New(dir)
	require.NoError(t, err)
	data, err := reopened.Read("report.md", "v1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(data))

	versions, err := reopened.Versions("report.md")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "keep", versions[0].CommitMessage)
}
