package update

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openrev/workcopy/internal/store"
	"github.com/openrev/workcopy/internal/utils"
	"github.com/openrev/workcopy/internal/workspace"
)

const (
	testReposURL = "file:///repo"
	testUUID     = "uuid-1"
)

type harness struct {
	t     *testing.T
	ws    *workspace.Workspace
	st    *store.Store
	notes []Notification
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, ws.Init())

	st := store.NewStore(ws.DBPath())
	require.NoError(t, st.Open())
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.WriteNode(&store.WorkingNode{
		Path:     "",
		Kind:     store.KindDir,
		Schedule: store.ScheduleNormal,
		Revision: 1,
		URL:      testReposURL,
		ReposURL: testReposURL,
		UUID:     testUUID,
	}))
	return &harness{t: t, ws: ws, st: st}
}

func (h *harness) editor(target string, opts Options) *Editor {
	h.t.Helper()
	ed, err := NewEditor(Config{
		Workspace: h.ws,
		Store:     h.st,
		Notify:    func(n Notification) { h.notes = append(h.notes, n) },
		Target:    target,
		Options:   opts,
	})
	require.NoError(h.t, err)
	return ed
}

// seedFile records a clean versioned file at rev with content: working
// file, pristine text and node record all in agreement.
func (h *harness) seedFile(path, content string, rev int64) {
	h.t.Helper()
	abs := h.ws.AbsPath(path)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(h.t, os.WriteFile(abs, []byte(content), 0o644))
	h.seedPristine(content)

	require.NoError(h.t, h.st.WriteNode(&store.WorkingNode{
		Path:     path,
		Kind:     store.KindFile,
		Schedule: store.ScheduleNormal,
		Revision: rev,
		URL:      testReposURL + "/" + path,
		ReposURL: testReposURL,
		UUID:     testUUID,
		Checksum: utils.BytesHash([]byte(content)),
	}))
}

func (h *harness) seedDir(path string, rev int64) {
	h.t.Helper()
	require.NoError(h.t, os.MkdirAll(h.ws.AbsPath(path), 0o755))
	require.NoError(h.t, h.st.WriteNode(&store.WorkingNode{
		Path:     path,
		Kind:     store.KindDir,
		Schedule: store.ScheduleNormal,
		Revision: rev,
		URL:      testReposURL + "/" + path,
		ReposURL: testReposURL,
		UUID:     testUUID,
	}))
}

func (h *harness) seedPristine(content string) {
	h.t.Helper()
	sum := utils.BytesHash([]byte(content))
	p, err := h.ws.PristinePath(sum)
	require.NoError(h.t, err)
	require.NoError(h.t, utils.EnsureParent(p))
	require.NoError(h.t, os.WriteFile(p, []byte(content), 0o644))
}

func (h *harness) node(path string) *store.WorkingNode {
	h.t.Helper()
	n, err := h.st.ReadNode(path)
	require.NoError(h.t, err)
	return n
}

func (h *harness) sendText(ed *Editor, fb *FileBaton, content string) {
	h.t.Helper()
	w, err := ed.ApplyTextDelta(fb, "", utils.BytesHash([]byte(content)))
	require.NoError(h.t, err)
	_, err = w.Write([]byte(content))
	require.NoError(h.t, err)
	require.NoError(h.t, w.Close())
}

func (h *harness) notesFor(path string) []Notification {
	var out []Notification
	for _, n := range h.notes {
		if n.Path == path {
			out = append(out, n)
		}
	}
	return out
}

func TestEmptyEditBumpsRevisions(t *testing.T) {
	h := newHarness(t)
	h.seedFile("a.txt", "hello\n", 1)
	h.seedDir("d", 1)

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(5)

	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	for _, p := range []string{"", "a.txt", "d"} {
		assert.Equal(t, int64(5), h.node(p).Revision, p)
	}
	assert.False(t, h.node("").Incomplete)
	assert.Empty(t, h.notes)

	// on-disk content is untouched
	data, err := os.ReadFile(h.ws.AbsPath("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestFileContentUpdate(t *testing.T) {
	h := newHarness(t)
	h.seedFile("a.txt", "a\nb\n", 1)

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(5)

	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	fb, err := ed.OpenFile(ctx, "a.txt", root)
	require.NoError(t, err)
	h.sendText(ed, fb, "a\nB\n")
	require.NoError(t, ed.CloseFile(ctx, fb, utils.BytesHash([]byte("a\nB\n"))))

	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	data, err := os.ReadFile(h.ws.AbsPath("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a\nB\n", string(data))

	n := h.node("a.txt")
	assert.Equal(t, int64(5), n.Revision)
	assert.Equal(t, utils.BytesHash([]byte("a\nB\n")), n.Checksum)
	assert.True(t, h.ws.HasPristine(n.Checksum))

	notes := h.notesFor("a.txt")
	require.Len(t, notes, 1)
	assert.Equal(t, NotifyUpdate, notes[0].Action)
	assert.Equal(t, ContentChanged, notes[0].ContentState)
	assert.Equal(t, int64(1), notes[0].OldRevision)
	assert.Equal(t, int64(5), notes[0].NewRevision)
}

func TestLocalModsAreMerged(t *testing.T) {
	h := newHarness(t)
	h.seedFile("a.txt", "a\nb\nc\n", 1)
	// local edit on the last line
	require.NoError(t, os.WriteFile(h.ws.AbsPath("a.txt"), []byte("a\nb\nC\n"), 0o644))

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(5)

	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	fb, err := ed.OpenFile(ctx, "a.txt", root)
	require.NoError(t, err)
	h.sendText(ed, fb, "A\nb\nc\n")
	require.NoError(t, ed.CloseFile(ctx, fb, ""))
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	data, err := os.ReadFile(h.ws.AbsPath("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "A\nb\nC\n", string(data))

	notes := h.notesFor("a.txt")
	require.Len(t, notes, 1)
	assert.Equal(t, ContentMerged, notes[0].ContentState)

	// the pristine holds the incoming text, not the merge result
	n := h.node("a.txt")
	assert.Equal(t, utils.BytesHash([]byte("A\nb\nc\n")), n.Checksum)
}

func TestTextConflictLeavesMarkerFiles(t *testing.T) {
	h := newHarness(t)
	h.seedFile("a.txt", "a\nb\nc\n", 1)
	require.NoError(t, os.WriteFile(h.ws.AbsPath("a.txt"), []byte("a\nY\nc\n"), 0o644))

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(5)

	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	fb, err := ed.OpenFile(ctx, "a.txt", root)
	require.NoError(t, err)
	h.sendText(ed, fb, "a\nX\nc\n")
	require.NoError(t, ed.CloseFile(ctx, fb, ""))
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	data, err := os.ReadFile(h.ws.AbsPath("a.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<<<<<<< a.txt.mine")
	assert.Contains(t, string(data), ">>>>>>> a.txt.r5")

	assert.FileExists(t, h.ws.AbsPath("a.txt.mine"))
	assert.FileExists(t, h.ws.AbsPath("a.txt.r1"))
	assert.FileExists(t, h.ws.AbsPath("a.txt.r5"))

	mine, err := os.ReadFile(h.ws.AbsPath("a.txt.mine"))
	require.NoError(t, err)
	assert.Equal(t, "a\nY\nc\n", string(mine))

	notes := h.notesFor("a.txt")
	require.Len(t, notes, 1)
	assert.Equal(t, ContentConflicted, notes[0].ContentState)
}

func TestPreservedExtensionOnConflictFiles(t *testing.T) {
	h := newHarness(t)
	h.seedFile("main.go", "a\n", 1)
	require.NoError(t, os.WriteFile(h.ws.AbsPath("main.go"), []byte("mine\n"), 0o644))

	ed := h.editor("", Options{PreservedExts: []string{"*.go"}})
	ctx := context.Background()
	ed.SetTargetRevision(2)

	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)
	fb, err := ed.OpenFile(ctx, "main.go", root)
	require.NoError(t, err)
	h.sendText(ed, fb, "theirs\n")
	require.NoError(t, ed.CloseFile(ctx, fb, ""))
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	assert.FileExists(t, h.ws.AbsPath("main.go.mine.go"))
	assert.FileExists(t, h.ws.AbsPath("main.go.r1.go"))
	assert.FileExists(t, h.ws.AbsPath("main.go.r2.go"))
}

func TestAddDirectoryAndFile(t *testing.T) {
	h := newHarness(t)

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(2)

	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	d, err := ed.AddDirectory(ctx, "d", root, "", -1)
	require.NoError(t, err)

	fb, err := ed.AddFile(ctx, "d/f.txt", d, "", -1)
	require.NoError(t, err)
	h.sendText(ed, fb, "fresh\n")
	require.NoError(t, ed.CloseFile(ctx, fb, ""))

	require.NoError(t, ed.CloseDirectory(ctx, d))
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	data, err := os.ReadFile(h.ws.AbsPath("d/f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", string(data))

	dn := h.node("d")
	require.NotNil(t, dn)
	assert.Equal(t, store.KindDir, dn.Kind)
	assert.Equal(t, int64(2), dn.Revision)
	assert.False(t, dn.Incomplete)

	fn := h.node("d/f.txt")
	require.NotNil(t, fn)
	assert.Equal(t, store.KindFile, fn.Kind)
	assert.Equal(t, testReposURL+"/d/f.txt", fn.URL)

	require.Len(t, h.notesFor("d"), 1)
	assert.Equal(t, NotifyAdd, h.notesFor("d")[0].Action)
	require.Len(t, h.notesFor("d/f.txt"), 1)
	assert.Equal(t, NotifyAdd, h.notesFor("d/f.txt")[0].Action)
}

func TestDeleteEntry_CleanFile(t *testing.T) {
	h := newHarness(t)
	h.seedFile("a.txt", "bye\n", 1)

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(2)

	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)
	require.NoError(t, ed.DeleteEntry(ctx, "a.txt", root))
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	assert.NoFileExists(t, h.ws.AbsPath("a.txt"))
	assert.Nil(t, h.node("a.txt"))

	notes := h.notesFor("a.txt")
	require.Len(t, notes, 1)
	assert.Equal(t, NotifyDelete, notes[0].Action)
}

func TestDeleteVsLocalEdit_KeepsContent(t *testing.T) {
	h := newHarness(t)
	h.seedFile("a.txt", "base\n", 1)
	require.NoError(t, os.WriteFile(h.ws.AbsPath("a.txt"), []byte("precious local edit\n"), 0o644))

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(2)

	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)
	require.NoError(t, ed.DeleteEntry(ctx, "a.txt", root))
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	// working content survives the incoming delete
	data, err := os.ReadFile(h.ws.AbsPath("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "precious local edit\n", string(data))

	// re-scheduled as an add with history of its old self
	n := h.node("a.txt")
	require.NotNil(t, n)
	assert.Equal(t, store.ScheduleAdd, n.Schedule)
	assert.True(t, n.Copied)
	assert.Equal(t, testReposURL+"/a.txt", n.CopyfromURL)
	assert.Equal(t, int64(1), n.CopyfromRev)

	c, err := h.st.ReadConflict("a.txt")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, store.ActionDelete, c.Action)
	assert.Equal(t, store.ReasonEdited, c.Reason)

	notes := h.notesFor("a.txt")
	require.Len(t, notes, 1)
	assert.Equal(t, NotifyTreeConflict, notes[0].Action)

	skipped, err := h.st.SkippedPaths()
	require.NoError(t, err)
	assert.Contains(t, skipped, "a.txt")
}

func TestDeleteVsLocalDelete_CompletesWithConflict(t *testing.T) {
	h := newHarness(t)
	h.seedFile("a.txt", "gone\n", 1)
	// local delete: file removed, schedule delete
	require.NoError(t, os.Remove(h.ws.AbsPath("a.txt")))
	require.NoError(t, h.st.UpdateFields("a.txt", map[string]any{"schedule": store.ScheduleDelete}))

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(2)

	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)
	require.NoError(t, ed.DeleteEntry(ctx, "a.txt", root))
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	// the deletion completes, the collision is recorded
	assert.Nil(t, h.node("a.txt"))
	c, err := h.st.ReadConflict("a.txt")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, store.ReasonDeleted, c.Reason)
	assert.Equal(t, store.KindUnknown, c.Left.Kind)

	notes := h.notesFor("a.txt")
	require.Len(t, notes, 1)
	assert.Equal(t, NotifyTreeConflict, notes[0].Action)
}

func TestChecksumMismatchRejectsText(t *testing.T) {
	h := newHarness(t)
	h.seedFile("a.txt", "x\n", 1)

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(2)

	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)
	fb, err := ed.OpenFile(ctx, "a.txt", root)
	require.NoError(t, err)

	w, err := ed.ApplyTextDelta(fb, "", "00000000000000000000000000000000")
	require.NoError(t, err)
	_, err = w.Write([]byte("whatever\n"))
	require.NoError(t, err)
	assert.ErrorIs(t, w.Close(), ErrChecksumMismatch)

	// staging file is cleaned up
	entries, err := os.ReadDir(h.ws.TmpDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSkipBoundaryNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	h.seedDir("d", 1)
	h.seedFile("d/f.txt", "x\n", 1)
	require.NoError(t, h.st.WriteConflict(&store.TreeConflict{
		VictimPath: "d",
		Kind:       store.KindDir,
		Action:     store.ActionEdit,
		Reason:     store.ReasonDeleted,
	}))

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(5)

	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	d, err := ed.OpenDirectory(ctx, "d", root)
	require.NoError(t, err)

	fb, err := ed.OpenFile(ctx, "d/f.txt", d)
	require.NoError(t, err)
	h.sendText(ed, fb, "new\n")
	require.NoError(t, ed.CloseFile(ctx, fb, ""))

	require.NoError(t, ed.CloseDirectory(ctx, d))
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	// exactly one notification for the whole subtree
	require.Len(t, h.notesFor("d"), 1)
	assert.Equal(t, NotifySkip, h.notesFor("d")[0].Action)
	assert.Empty(t, h.notesFor("d/f.txt"))

	// nothing under the boundary was touched or bumped
	data, err := os.ReadFile(h.ws.AbsPath("d/f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data))
	assert.Equal(t, int64(1), h.node("d/f.txt").Revision)
}

func TestCompleteDirectoryPurgesStaleEntries(t *testing.T) {
	h := newHarness(t)

	// phantom deleted entry
	require.NoError(t, h.st.UpdateFields("ghost", map[string]any{
		"kind": store.KindFile, "deleted": true,
	}))
	// deleted entry re-scheduled for add keeps its record
	require.NoError(t, h.st.UpdateFields("reborn", map[string]any{
		"kind": store.KindFile, "deleted": true, "schedule": store.ScheduleAdd,
	}))
	// absent entry not reconfirmed at the target revision
	require.NoError(t, h.st.UpdateFields("hidden", map[string]any{
		"kind": store.KindFile, "absent": true, "revision": int64(3),
	}))
	// directory entry with no matching directory on disk
	require.NoError(t, h.st.UpdateFields("vanished", map[string]any{
		"kind": store.KindDir,
	}))

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(5)

	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	assert.Nil(t, h.node("ghost"))
	assert.Nil(t, h.node("hidden"))
	assert.Nil(t, h.node("vanished"))

	reborn := h.node("reborn")
	require.NotNil(t, reborn)
	assert.False(t, reborn.Deleted)

	notes := h.notesFor("vanished")
	require.Len(t, notes, 1)
	assert.Equal(t, NotifyDelete, notes[0].Action)
}

func TestTargetDeletionLeavesTombstone(t *testing.T) {
	h := newHarness(t)
	// target recorded as a dir but missing from disk
	require.NoError(t, h.st.WriteNode(&store.WorkingNode{
		Path:     "child",
		Kind:     store.KindDir,
		Schedule: store.ScheduleNormal,
		Revision: 1,
		URL:      testReposURL + "/child",
		ReposURL: testReposURL,
		UUID:     testUUID,
	}))

	ed := h.editor("child", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(4)

	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	n := h.node("child")
	require.NotNil(t, n)
	assert.True(t, n.Deleted)
	assert.Equal(t, int64(4), n.Revision)
}

func TestAbsentFileRecorded(t *testing.T) {
	h := newHarness(t)

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(3)

	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)
	require.NoError(t, ed.AbsentFile("secret.txt", root))
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	n := h.node("secret.txt")
	require.NotNil(t, n)
	assert.True(t, n.Absent)
	// reconfirmed at the target revision, so the purge keeps it
	assert.Equal(t, int64(3), n.Revision)
}

func TestPathEscapeRejected(t *testing.T) {
	h := newHarness(t)

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(2)

	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	_, err = ed.AddFile(ctx, "../evil", root, "", -1)
	assert.ErrorIs(t, err, ErrPathEscape)

	_, err = ed.AddFile(ctx, "/abs", root, "", -1)
	assert.ErrorIs(t, err, ErrPathEscape)

	// not a direct child of the parent baton
	_, err = ed.AddFile(ctx, "a/b.txt", root, "", -1)
	assert.ErrorIs(t, err, ErrPathEscape)
}

func TestObstructedAdd(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.ws.AbsPath("clash.txt"), []byte("already here\n"), 0o644))

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(2)
	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	_, err = ed.AddFile(ctx, "clash.txt", root, "", -1)
	assert.ErrorIs(t, err, ErrObstruction)
}

func TestObstructedAdd_Adopted(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(h.ws.AbsPath("clash.txt"), []byte("already here\n"), 0o644))

	ed := h.editor("", Options{AllowObstructions: true})
	ctx := context.Background()
	ed.SetTargetRevision(2)
	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	fb, err := ed.AddFile(ctx, "clash.txt", root, "", -1)
	require.NoError(t, err)
	h.sendText(ed, fb, "incoming\n")
	require.NoError(t, ed.CloseFile(ctx, fb, ""))
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	// the on-disk content is kept, the incoming text becomes pristine
	data, err := os.ReadFile(h.ws.AbsPath("clash.txt"))
	require.NoError(t, err)
	assert.Equal(t, "already here\n", string(data))

	n := h.node("clash.txt")
	require.NotNil(t, n)
	assert.Equal(t, utils.BytesHash([]byte("incoming\n")), n.Checksum)
	assert.True(t, h.ws.HasPristine(n.Checksum))

	notes := h.notesFor("clash.txt")
	require.Len(t, notes, 1)
	assert.Equal(t, NotifyExists, notes[0].Action)
}

func TestAddVsVersioned_TreeConflict(t *testing.T) {
	h := newHarness(t)
	h.seedFile("a.txt", "v\n", 1)

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(2)
	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	fb, err := ed.AddFile(ctx, "a.txt", root, "", -1)
	require.NoError(t, err)
	require.NoError(t, ed.CloseFile(ctx, fb, ""))
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	c, err := h.st.ReadConflict("a.txt")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, store.ActionAdd, c.Action)
	assert.Equal(t, store.ReasonAdded, c.Reason)

	// local state untouched
	data, err := os.ReadFile(h.ws.AbsPath("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v\n", string(data))
}

func TestDirPropChanges(t *testing.T) {
	h := newHarness(t)
	h.seedDir("d", 1)

	var externalsCalls int
	ed, err := NewEditor(Config{
		Workspace: h.ws,
		Store:     h.st,
		Notify:    func(n Notification) { h.notes = append(h.notes, n) },
		Externals: func(path string, oldVal, newVal *string) {
			externalsCalls++
			assert.Equal(t, "d", path)
			assert.Nil(t, oldVal)
			require.NotNil(t, newVal)
			assert.Equal(t, "ext-def", *newVal)
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	ed.SetTargetRevision(2)
	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	d, err := ed.OpenDirectory(ctx, "d", root)
	require.NoError(t, err)

	regular := "LF"
	externals := "ext-def"
	author := "carol"
	ed.ChangeDirProp(d, PropEOLStyle, &regular)
	ed.ChangeDirProp(d, PropExternals, &externals)
	ed.ChangeDirProp(d, PropEntryLastAuthor, &author)

	require.NoError(t, ed.CloseDirectory(ctx, d))
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	assert.Equal(t, 1, externalsCalls)

	n := h.node("d")
	assert.Equal(t, "LF", n.PropsBase[PropEOLStyle])
	assert.Equal(t, "LF", n.PropsWorking[PropEOLStyle])
	assert.Equal(t, "carol", n.LastAuthor)
	// externals and entry props never enter the regular property set
	assert.NotContains(t, n.PropsBase, PropExternals)

	notes := h.notesFor("d")
	require.Len(t, notes, 1)
	assert.Equal(t, NotifyUpdate, notes[0].Action)
}

func TestAddFileWithHistory_LocalSource(t *testing.T) {
	h := newHarness(t)
	h.seedFile("src.txt", "copied content\n", 1)

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(2)
	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	fb, err := ed.AddFile(ctx, "dst.txt", root, testReposURL+"/src.txt", 1)
	require.NoError(t, err)
	require.NoError(t, ed.CloseFile(ctx, fb, ""))
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	data, err := os.ReadFile(h.ws.AbsPath("dst.txt"))
	require.NoError(t, err)
	assert.Equal(t, "copied content\n", string(data))

	n := h.node("dst.txt")
	require.NotNil(t, n)
	assert.True(t, n.Copied)
	assert.Equal(t, testReposURL+"/src.txt", n.CopyfromURL)
	assert.Equal(t, int64(1), n.CopyfromRev)
	assert.Equal(t, utils.BytesHash([]byte("copied content\n")), n.Checksum)
}

func TestAddFileWithHistory_NoSourceNoFetcher(t *testing.T) {
	h := newHarness(t)

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(2)
	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	_, err = ed.AddFile(ctx, "dst.txt", root, testReposURL+"/nowhere.txt", 1)
	assert.ErrorIs(t, err, ErrNoFetcher)
}

func TestAddFileAtRecordedConflictIsSkipped(t *testing.T) {
	h := newHarness(t)
	// a previous edit recorded the conflict and removed the entry
	require.NoError(t, h.st.WriteConflict(&store.TreeConflict{
		VictimPath: "a.txt",
		Kind:       store.KindFile,
		Action:     store.ActionDelete,
		Reason:     store.ReasonDeleted,
	}))

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(2)
	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	fb, err := ed.AddFile(ctx, "a.txt", root, "", -1)
	require.NoError(t, err)
	h.sendText(ed, fb, "incoming\n")
	require.NoError(t, ed.CloseFile(ctx, fb, ""))
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	// the unresolved conflict is a skip boundary for the incoming add
	notes := h.notesFor("a.txt")
	require.Len(t, notes, 1)
	assert.Equal(t, NotifySkip, notes[0].Action)
	assert.Nil(t, h.node("a.txt"))
	assert.NoFileExists(t, h.ws.AbsPath("a.txt"))

	skipped, err := h.st.SkippedPaths()
	require.NoError(t, err)
	assert.Contains(t, skipped, "a.txt")
}

func TestAddDirAtRecordedConflictIsSkipped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.st.WriteConflict(&store.TreeConflict{
		VictimPath: "d",
		Kind:       store.KindDir,
		Action:     store.ActionDelete,
		Reason:     store.ReasonDeleted,
	}))

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(2)
	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	d, err := ed.AddDirectory(ctx, "d", root, "", -1)
	require.NoError(t, err)
	fb, err := ed.AddFile(ctx, "d/f.txt", d, "", -1)
	require.NoError(t, err)
	require.NoError(t, ed.CloseFile(ctx, fb, ""))
	require.NoError(t, ed.CloseDirectory(ctx, d))
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	// one skip for the boundary, silence below it
	require.Len(t, h.notesFor("d"), 1)
	assert.Equal(t, NotifySkip, h.notesFor("d")[0].Action)
	assert.Empty(t, h.notesFor("d/f.txt"))
	assert.Nil(t, h.node("d"))
	assert.NoDirExists(t, h.ws.AbsPath("d"))
}

func TestLocalDeleteConflictTreeStillBumps(t *testing.T) {
	h := newHarness(t)
	h.seedDir("d", 1)
	h.seedFile("d/f.txt", "x\n", 1)
	require.NoError(t, h.st.UpdateFields("d", map[string]any{"schedule": store.ScheduleDelete}))
	require.NoError(t, h.st.UpdateFields("d/f.txt", map[string]any{"schedule": store.ScheduleDelete}))

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(5)
	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	d, err := ed.OpenDirectory(ctx, "d", root)
	require.NoError(t, err)
	require.NoError(t, ed.CloseDirectory(ctx, d))
	require.NoError(t, ed.CloseDirectory(ctx, root))
	require.NoError(t, ed.CloseEdit(ctx))

	c, err := h.st.ReadConflict("d")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, store.ReasonDeleted, c.Reason)

	// the local delete schedule survives, but its recorded base still
	// advances with the rest of the working copy
	for _, p := range []string{"d", "d/f.txt"} {
		n := h.node(p)
		require.NotNil(t, n, p)
		assert.Equal(t, store.ScheduleDelete, n.Schedule, p)
		assert.Equal(t, int64(5), n.Revision, p)
	}
}

func TestCanceledContextStopsModScan(t *testing.T) {
	h := newHarness(t)
	h.seedDir("d", 1)
	h.seedFile("d/f.txt", "base\n", 1)
	require.NoError(t, os.WriteFile(h.ws.AbsPath("d/f.txt"), []byte("edited\n"), 0o644))

	ed := h.editor("", Options{})
	ctx, cancel := context.WithCancel(context.Background())
	ed.SetTargetRevision(2)
	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	cancel()
	require.ErrorIs(t, ed.DeleteEntry(ctx, "d", root), context.Canceled)

	// the recursive scan honors cancellation on its own as well
	_, _, err = ed.treeHasLocalMods(ctx, "d")
	assert.ErrorIs(t, err, context.Canceled)

	// nothing was applied or recorded
	n := h.node("d")
	require.NotNil(t, n)
	assert.Equal(t, int64(1), n.Revision)
	c, err := h.st.ReadConflict("d")
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.FileExists(t, h.ws.AbsPath("d/f.txt"))
}

func TestConflictVersionKinds(t *testing.T) {
	h := newHarness(t)
	ed := h.editor("", Options{})
	ed.SetTargetRevision(7)

	node := &store.WorkingNode{
		Path:     "p",
		Kind:     store.KindFile,
		Schedule: store.ScheduleNormal,
		Revision: 3,
		URL:      testReposURL + "/p",
		ReposURL: testReposURL,
	}

	c := ed.makeTreeConflict(node, store.ActionEdit, store.ReasonEdited, store.KindFile)
	assert.Equal(t, store.KindFile, c.Left.Kind)
	assert.Equal(t, "p", c.Left.PathInRepos)
	assert.Equal(t, int64(3), c.Left.Revision)
	assert.Equal(t, int64(7), c.Right.Revision)

	// a scheduled add has no repository base on the left
	node.Schedule = store.ScheduleAdd
	c = ed.makeTreeConflict(node, store.ActionAdd, store.ReasonAdded, store.KindFile)
	assert.Equal(t, store.KindNone, c.Left.Kind)

	// a scheduled delete keeps a distinct marker instead of none
	node.Schedule = store.ScheduleDelete
	c = ed.makeTreeConflict(node, store.ActionDelete, store.ReasonDeleted, store.KindNone)
	assert.Equal(t, store.KindUnknown, c.Left.Kind)
}

func TestMalformedCopyfrom(t *testing.T) {
	h := newHarness(t)

	ed := h.editor("", Options{})
	ctx := context.Background()
	ed.SetTargetRevision(2)
	root, err := ed.OpenRoot(ctx)
	require.NoError(t, err)

	_, err = ed.AddFile(ctx, "f.txt", root, "file:///elsewhere", -1)
	assert.ErrorIs(t, err, ErrMalformedCopyfrom)

	// directories never carry copy history
	_, err = ed.AddDirectory(ctx, "d", root, testReposURL+"/d", 1)
	assert.ErrorIs(t, err, ErrMalformedCopyfrom)
}
