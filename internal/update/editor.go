package update

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/openrev/workcopy/internal/repo"
	"github.com/openrev/workcopy/internal/store"
	"github.com/openrev/workcopy/internal/utils"
	"github.com/openrev/workcopy/internal/wclog"
	"github.com/openrev/workcopy/internal/workspace"
)

// Editor is the tree-walk driver: it receives the ordered stream of
// tree-edit operations for one update and applies them to the working
// copy. Paths handed to its operations are relative to the edit root
// (the working-copy root) with forward slashes.
//
// Operation order follows the edit protocol: SetTargetRevision, OpenRoot,
// then directory/file operations nested by baton, then CloseEdit. The
// editor assumes a single caller; the working copy must be locked before
// the edit begins.
type Editor struct {
	ws        *workspace.Workspace
	st        *store.Store
	fetcher   repo.Fetcher
	notifyFn  NotifyFunc
	externals ExternalsHandler
	opts      Options

	// target is the child of the edit root that is the subject of the
	// update; empty means the root itself.
	target string

	targetRev int64
	rootURL   string
	reposURL  string
	uuid      string

	// skipped holds roots of subtrees put into skip mode (conflict or
	// obstruction); deleted holds roots of locally-deleted subtrees.
	// Both are consulted by ancestor-prefix search on every visit.
	skipped mapset.Set[string]
	deleted mapset.Set[string]

	rootOpened    bool
	targetDeleted bool
}

// Config carries the collaborators and options for one edit run.
type Config struct {
	Workspace *workspace.Workspace
	Store     *store.Store
	Fetcher   repo.Fetcher
	Notify    NotifyFunc
	Externals ExternalsHandler
	Target    string
	Options   Options
}

// NewEditor prepares an editor for one update of the working copy. The
// root node's recorded URL and repository identity seed the edit.
func NewEditor(cfg Config) (*Editor, error) {
	if cfg.Workspace == nil || cfg.Store == nil {
		return nil, fmt.Errorf("editor requires a workspace and a node store")
	}

	root, err := cfg.Store.ReadNode("")
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("%w: working copy root", ErrUnversioned)
	}

	e := &Editor{
		ws:        cfg.Workspace,
		st:        cfg.Store,
		fetcher:   cfg.Fetcher,
		notifyFn:  cfg.Notify,
		externals: cfg.Externals,
		opts:      cfg.Options,
		target:    cfg.Target,
		targetRev: store.RevisionInvalid,
		rootURL:   root.URL,
		reposURL:  root.ReposURL,
		uuid:      root.UUID,
		skipped:   mapset.NewThreadUnsafeSet[string](),
		deleted:   mapset.NewThreadUnsafeSet[string](),
	}
	return e, nil
}

// TargetRevision returns the revision this edit is updating to.
func (e *Editor) TargetRevision() int64 { return e.targetRev }

// SetTargetRevision records the revision the edit will move the working
// copy to.
func (e *Editor) SetTargetRevision(rev int64) {
	e.targetRev = rev
}

// OpenRoot starts the edit and returns the root directory baton. For a
// targetless edit the root is immediately marked incomplete at the new
// revision so an interrupted run is detectable.
func (e *Editor) OpenRoot(ctx context.Context) (*DirBaton, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.rootOpened = true

	d := e.newDirBaton(nil, "", false)
	d.url = e.rootURL

	if e.target == "" {
		err := e.st.UpdateFields("", map[string]any{
			"kind":       store.KindDir,
			"revision":   e.targetRev,
			"url":        e.rootURL,
			"incomplete": true,
		})
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// CloseEdit finishes the edit: it synthesizes a deletion for a vanished
// target, finalizes an untouched root, bumps every node not under a skip
// boundary to the target revision, and persists the skip list.
func (e *Editor) CloseEdit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// The edit never mentioned the target but it is gone from disk:
	// treat that as the server deleting it.
	if e.target != "" && !e.targetDeleted {
		tnode, err := e.st.ReadNode(e.target)
		if err != nil {
			return err
		}
		if tnode != nil && tnode.Kind == store.KindDir &&
			tnode.Schedule != store.ScheduleAdd &&
			!utils.DirExists(e.ws.AbsPath(e.target)) {
			l := wclog.NewLog(e.ws, e.st, "")
			l.RemoveEntry(e.target)
			l.UpsertFields(e.target, map[string]any{
				"kind":     tnode.Kind,
				"revision": e.targetRev,
				"deleted":  true,
			})
			if err := l.Run(ctx); err != nil {
				return err
			}
			e.targetDeleted = true
		}
	}

	// An empty edit still clears the root's incomplete marker.
	if !e.rootOpened {
		if err := e.completeDirectory(ctx, "", true); err != nil {
			return err
		}
	}

	if err := e.bumpRevisions(ctx); err != nil {
		return err
	}

	skipped := e.skipped.ToSlice()
	if len(skipped) > 0 {
		if err := e.st.AddSkipped(skipped); err != nil {
			return err
		}
	}
	return nil
}

// bumpRevisions advances the recorded base revision of every node the
// edit did not put behind a skip boundary. This is how an edit that
// touched nothing still moves the working copy to the new revision.
func (e *Editor) bumpRevisions(ctx context.Context) error {
	bumpRoot := e.target
	nodes, err := e.st.NodesUnder(bumpRoot)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Locally-deleted conflict trees are skip boundaries for the walk
		// but their recorded bases still advance; a skip here would strand
		// the schedule-delete entries at the old revision.
		if (e.inSkippedTree(n.Path) || e.skipped.Contains(n.Path)) &&
			!e.inDeletedTree(n.Path, true) {
			continue
		}
		if n.Absent || n.Schedule == store.ScheduleAdd {
			continue
		}
		if n.Revision == e.targetRev {
			continue
		}
		if err := e.st.UpdateFields(n.Path, map[string]any{"revision": e.targetRev}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Editor) notify(n Notification) {
	if e.notifyFn != nil {
		e.notifyFn(n)
	}
}

// inSkippedTree reports whether path or any ancestor is a skip boundary.
func (e *Editor) inSkippedTree(p string) bool {
	return ancestorIn(e.skipped, p, true)
}

// inDeletedTree reports whether path is inside a locally-deleted subtree.
func (e *Editor) inDeletedTree(p string, includeSelf bool) bool {
	return ancestorIn(e.deleted, p, includeSelf)
}

func ancestorIn(set mapset.Set[string], p string, includeSelf bool) bool {
	if !includeSelf {
		if p == "" {
			return false
		}
		p = parentPath(p)
	}
	for {
		if set.Contains(p) {
			return true
		}
		if p == "" {
			return false
		}
		p = parentPath(p)
	}
}

func parentPath(p string) string {
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[:i]
	}
	return ""
}

func (e *Editor) rememberSkipped(p string) { e.skipped.Add(p) }
func (e *Editor) rememberDeleted(p string) { e.deleted.Add(p) }

// checkPathUnderParent rejects operation paths that escape the working
// copy or that are not direct children of their parent baton. A hostile
// or buggy server must not redirect writes outside the root.
func checkPathUnderParent(parent *DirBaton, relpath string) error {
	if relpath == "" {
		return fmt.Errorf("%w: empty path", ErrPathEscape)
	}
	if strings.HasPrefix(relpath, "/") || !filepath.IsLocal(filepath.FromSlash(relpath)) {
		return fmt.Errorf("%w: %q", ErrPathEscape, relpath)
	}
	cleaned := path.Clean(relpath)
	if cleaned != relpath {
		return fmt.Errorf("%w: %q", ErrPathEscape, relpath)
	}
	dir := parentPath(cleaned)
	if dir != parent.path {
		return fmt.Errorf("%w: %q is not a child of %q", ErrPathEscape, relpath, parent.path)
	}
	return nil
}

// childURL joins a directory URL and an entry name.
func childURL(dirURL, name string) string {
	if dirURL == "" {
		return name
	}
	return strings.TrimSuffix(dirURL, "/") + "/" + name
}
