package update

import (
	"context"
	"fmt"
	"os"

	"github.com/openrev/workcopy/internal/merge"
	"github.com/openrev/workcopy/internal/store"
	"github.com/openrev/workcopy/internal/utils"
	"github.com/openrev/workcopy/internal/wclog"
)

// DirBaton is the transient per-directory state for one open directory
// in the edit. It owns the directory's transactional log and the shared
// completion counter its children notify.
type DirBaton struct {
	ed     *Editor
	parent *DirBaton

	path string
	name string
	url  string

	added      bool
	addExisted bool
	skipped    bool

	propChanges []merge.PropChange
	log         *wclog.Log
	bump        *completion
}

func (e *Editor) newDirBaton(parent *DirBaton, p string, added bool) *DirBaton {
	d := &DirBaton{
		ed:     e,
		parent: parent,
		path:   p,
		name:   baseName(p),
		added:  added,
		log:    wclog.NewLog(e.ws, e.st, p),
		bump:   &completion{path: p, refCount: 1},
	}
	if parent != nil {
		d.bump.parent = parent.bump
		parent.bump.refCount++
	}
	return d
}

func baseName(p string) string {
	if i := lastSlash(p); i >= 0 {
		return p[i+1:]
	}
	return p
}

func lastSlash(p string) int {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return i
		}
	}
	return -1
}

// runLog flushes and executes the directory's staged mutations.
func (d *DirBaton) runLog(ctx context.Context) error {
	return d.log.Run(ctx)
}

// AddDirectory handles an incoming directory addition under pb.
func (e *Editor) AddDirectory(ctx context.Context, relpath string, pb *DirBaton, copyfromURL string, copyfromRev int64) (*DirBaton, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkPathUnderParent(pb, relpath); err != nil {
		return nil, err
	}
	if (copyfromURL == "") != (copyfromRev < 0) {
		return nil, fmt.Errorf("%w: %q@%d", ErrMalformedCopyfrom, copyfromURL, copyfromRev)
	}
	if copyfromURL != "" {
		return nil, fmt.Errorf("%w: copy history is not supported for directories", ErrMalformedCopyfrom)
	}

	d := e.newDirBaton(pb, relpath, true)
	d.url = childURL(pb.url, d.name)

	if e.inSkippedTree(relpath) && !e.inDeletedTree(relpath, true) {
		// The skip notification at the ancestor covers this subtree.
		d.skipped = true
		d.bump.skipped = true
		return d, nil
	}

	// A conflict recorded by an earlier edit is still a skip boundary.
	victim, err := e.st.ConflictOnOrAbove(relpath)
	if err != nil {
		return nil, err
	}
	if victim != "" {
		e.rememberSkipped(relpath)
		d.skipped = true
		d.bump.skipped = true
		e.notify(Notification{Path: relpath, Action: NotifySkip, Kind: store.KindDir})
		return d, nil
	}

	node, err := e.st.ReadNode(relpath)
	if err != nil {
		return nil, err
	}

	if node != nil && node.Absent {
		return nil, fmt.Errorf("%w: %q is marked absent", ErrObstruction, relpath)
	}

	if node != nil && !node.Deleted {
		conflict, err := e.detectTreeConflict(ctx, node, store.ActionAdd, store.KindDir)
		if err != nil {
			return nil, err
		}
		if conflict != nil {
			pb.log.RecordConflict(conflict)
			if err := pb.runLog(ctx); err != nil {
				return nil, err
			}
			e.rememberSkipped(relpath)
			d.skipped = true
			d.bump.skipped = true
			e.notify(Notification{
				Path:        relpath,
				Action:      NotifyTreeConflict,
				Kind:        store.KindDir,
				NewRevision: e.targetRev,
			})
			return d, nil
		}
	}

	abs := e.ws.AbsPath(relpath)
	switch {
	case utils.FileExists(abs):
		return nil, fmt.Errorf("%w: file blocks directory add at %q", ErrObstruction, relpath)
	case utils.DirExists(abs):
		if node == nil || node.Deleted {
			if !e.opts.AllowObstructions {
				return nil, fmt.Errorf("%w: unversioned directory at %q", ErrObstruction, relpath)
			}
			d.addExisted = true
		}
	}

	// The parent's pending mutations must land before the child exists
	// on disk; a directory must not be both present and "pending".
	if err := pb.runLog(ctx); err != nil {
		return nil, err
	}

	if !utils.DirExists(abs) {
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %q: %w", relpath, err)
		}
	}

	err = e.st.UpdateFields(relpath, map[string]any{
		"kind":       store.KindDir,
		"schedule":   store.ScheduleNormal,
		"revision":   e.targetRev,
		"url":        d.url,
		"repos_url":  e.reposURL,
		"uuid":       e.uuid,
		"incomplete": true,
		"deleted":    false,
		"absent":     false,
	})
	if err != nil {
		return nil, err
	}

	action := NotifyAdd
	if d.addExisted {
		action = NotifyExists
	}
	if !e.inDeletedTree(relpath, false) {
		e.notify(Notification{
			Path:        relpath,
			Action:      action,
			Kind:        store.KindDir,
			NewRevision: e.targetRev,
		})
	}
	return d, nil
}

// OpenDirectory handles an incoming edit of an existing directory.
func (e *Editor) OpenDirectory(ctx context.Context, relpath string, pb *DirBaton) (*DirBaton, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkPathUnderParent(pb, relpath); err != nil {
		return nil, err
	}

	d := e.newDirBaton(pb, relpath, false)
	d.url = childURL(pb.url, d.name)

	locallyDeleted := e.inDeletedTree(relpath, true)
	if e.inSkippedTree(relpath) && !locallyDeleted {
		d.skipped = true
		d.bump.skipped = true
		return d, nil
	}

	node, err := e.st.ReadNode(relpath)
	if err != nil {
		return nil, err
	}
	if node == nil || node.Kind != store.KindDir {
		return nil, fmt.Errorf("%w: directory %q", ErrUnversioned, relpath)
	}

	victim, err := e.st.ConflictOnOrAbove(relpath)
	if err != nil {
		return nil, err
	}
	if victim != "" {
		e.rememberSkipped(relpath)
		d.skipped = true
		d.bump.skipped = true
		e.notify(Notification{Path: relpath, Action: NotifySkip, Kind: store.KindDir})
		return d, nil
	}

	conflict, err := e.detectTreeConflict(ctx, node, store.ActionEdit, store.KindDir)
	if err != nil {
		return nil, err
	}
	if conflict != nil {
		pb.log.RecordConflict(conflict)
		if err := pb.runLog(ctx); err != nil {
			return nil, err
		}
		e.rememberSkipped(relpath)
		if conflict.Reason == store.ReasonDeleted || conflict.Reason == store.ReasonReplaced {
			if !locallyDeleted {
				e.rememberDeleted(relpath)
				locallyDeleted = true
			}
		}
		if !locallyDeleted {
			d.skipped = true
			d.bump.skipped = true
		}
		if !e.inDeletedTree(relpath, false) {
			e.notify(Notification{
				Path:        relpath,
				Action:      NotifyTreeConflict,
				Kind:        store.KindDir,
				OldRevision: node.Revision,
				NewRevision: e.targetRev,
			})
		}
		return d, nil
	}

	err = e.st.UpdateFields(relpath, map[string]any{
		"revision":   e.targetRev,
		"url":        d.url,
		"incomplete": true,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ChangeDirProp accumulates a property change on an open directory.
func (e *Editor) ChangeDirProp(d *DirBaton, name string, value *string) {
	if d.skipped {
		return
	}
	d.propChanges = append(d.propChanges, merge.PropChange{Name: name, Value: value})
}

// CloseDirectory merges the directory's accumulated property changes,
// runs its transactional log and notifies the completion tracker.
func (e *Editor) CloseDirectory(ctx context.Context, d *DirBaton) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if !d.skipped {
		propState, err := e.applyDirProps(ctx, d)
		if err != nil {
			return err
		}

		if err := d.runLog(ctx); err != nil {
			return err
		}

		if !d.added && propState != merge.PropsNone && !e.inDeletedTree(d.path, false) {
			e.notify(Notification{
				Path:         d.path,
				Action:       NotifyUpdate,
				Kind:         store.KindDir,
				ContentState: ContentNone,
				PropState:    propState,
				NewRevision:  e.targetRev,
			})
		}
	} else if err := d.runLog(ctx); err != nil {
		return err
	}

	return e.maybeFinalize(ctx, d.bump)
}

func (e *Editor) applyDirProps(ctx context.Context, d *DirBaton) (merge.PropState, error) {
	if len(d.propChanges) == 0 {
		return merge.PropsNone, nil
	}

	regular, entry, externals := classifyProps(d.propChanges)

	if externals != nil && e.externals != nil {
		node, err := e.st.ReadNode(d.path)
		if err != nil {
			return merge.PropsNone, err
		}
		var oldVal *string
		if node != nil {
			if v, ok := node.PropsBase[PropExternals]; ok {
				oldVal = &v
			}
		}
		e.externals(d.path, oldVal, externals.Value)
	}

	if fields := entryPropFields(entry); fields != nil {
		d.log.UpsertFields(d.path, fields)
	}

	if len(regular) == 0 {
		return merge.PropsNone, nil
	}

	node, err := e.st.ReadNode(d.path)
	if err != nil {
		return merge.PropsNone, err
	}
	if node == nil {
		return merge.PropsNone, fmt.Errorf("%w: directory %q", ErrUnversioned, d.path)
	}

	newBase, newWorking, conflicts, state := merge.MergeProps(node.PropsBase, node.PropsWorking, regular)
	d.log.UpsertFields(d.path, map[string]any{
		"props_base":    newBase,
		"props_working": newWorking,
	})
	if len(conflicts) > 0 {
		d.log.WriteFile(e.ws.AbsPath(d.path)+".prej", renderPropConflicts(conflicts))
	}
	return state, nil
}

// AbsentDirectory records a directory the server declined to deliver.
func (e *Editor) AbsentDirectory(relpath string, pb *DirBaton) error {
	return e.markAbsent(relpath, pb, store.KindDir)
}

// AbsentFile records a file the server declined to deliver.
func (e *Editor) AbsentFile(relpath string, pb *DirBaton) error {
	return e.markAbsent(relpath, pb, store.KindFile)
}

func (e *Editor) markAbsent(relpath string, pb *DirBaton, kind store.NodeKind) error {
	if err := checkPathUnderParent(pb, relpath); err != nil {
		return err
	}
	node, err := e.st.ReadNode(relpath)
	if err != nil {
		return err
	}
	if node != nil && node.Schedule == store.ScheduleAdd && !node.Deleted {
		return fmt.Errorf("failed to mark %q absent: item of the same name is scheduled for addition", relpath)
	}
	return e.st.UpdateFields(relpath, map[string]any{
		"kind":     kind,
		"schedule": store.ScheduleNormal,
		"revision": e.targetRev,
		"absent":   true,
		"deleted":  false,
	})
}

// DeleteEntry handles an incoming deletion of the node at relpath.
// A collision with local modifications becomes a recorded tree conflict;
// the "accept mine" path re-schedules locally edited content as an
// add-with-history instead of discarding it.
func (e *Editor) DeleteEntry(ctx context.Context, relpath string, pb *DirBaton) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkPathUnderParent(pb, relpath); err != nil {
		return err
	}

	if e.inSkippedTree(relpath) && !e.inDeletedTree(relpath, true) {
		return nil
	}

	node, err := e.st.ReadNode(relpath)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("%w: %q", ErrUnversioned, relpath)
	}

	victim, err := e.st.ConflictOnOrAbove(relpath)
	if err != nil {
		return err
	}
	if victim != "" {
		e.rememberSkipped(relpath)
		e.notify(Notification{Path: relpath, Action: NotifySkip, Kind: node.Kind})
		return nil
	}

	conflict, err := e.detectTreeConflict(ctx, node, store.ActionDelete, store.KindNone)
	if err != nil {
		return err
	}

	if conflict != nil {
		e.rememberSkipped(relpath)
		if conflict.Reason == store.ReasonDeleted {
			e.rememberDeleted(relpath)
		}
		if !e.inDeletedTree(relpath, false) {
			e.notify(Notification{
				Path:        relpath,
				Action:      NotifyTreeConflict,
				Kind:        node.Kind,
				OldRevision: node.Revision,
				NewRevision: e.targetRev,
			})
		}

		switch conflict.Reason {
		case store.ReasonEdited:
			// Accept-mine: record the conflict, then re-schedule the
			// existing content as a copy of its old self so the local
			// edits survive the incoming delete.
			pb.log.RecordConflict(conflict)
			if err := pb.runLog(ctx); err != nil {
				return err
			}
			return e.scheduleExistingForReAdd(node)
		case store.ReasonReplaced:
			// Keep the local replacement but move its base to the
			// target revision so it stays committable.
			pb.log.RecordConflict(conflict)
			if err := pb.runLog(ctx); err != nil {
				return err
			}
			return e.st.UpdateFields(relpath, map[string]any{"revision": e.targetRev})
		case store.ReasonDeleted:
			// The local delete and the incoming delete agree on the
			// outcome; complete the deletion with the conflict recorded
			// as the only difference.
			pb.log.RecordConflict(conflict)
		}
	}

	pb.log.RemoveEntry(relpath)

	// Deleting the update target leaves a tombstone so the parent can
	// keep reporting accurate status.
	if relpath == e.target {
		pb.log.UpsertFields(relpath, map[string]any{
			"kind":     node.Kind,
			"revision": e.targetRev,
			"deleted":  true,
		})
		e.targetDeleted = true
	}

	if err := pb.runLog(ctx); err != nil {
		return err
	}

	if conflict == nil && !e.inDeletedTree(relpath, true) {
		e.notify(Notification{
			Path:        relpath,
			Action:      NotifyDelete,
			Kind:        node.Kind,
			OldRevision: node.Revision,
			NewRevision: e.targetRev,
		})
	}
	return nil
}

// scheduleExistingForReAdd converts a delete-conflict victim into an
// add-with-history of its former base, preserving working content.
func (e *Editor) scheduleExistingForReAdd(node *store.WorkingNode) error {
	err := e.st.UpdateFields(node.Path, map[string]any{
		"schedule":     store.ScheduleAdd,
		"copied":       true,
		"copyfrom_url": node.URL,
		"copyfrom_rev": node.Revision,
	})
	if err != nil {
		return err
	}

	if node.Kind != store.KindDir {
		return nil
	}
	descendants, err := e.st.NodesUnder(node.Path)
	if err != nil {
		return err
	}
	for _, n := range descendants {
		if n.Path == node.Path {
			continue
		}
		if err := e.st.UpdateFields(n.Path, map[string]any{"copied": true}); err != nil {
			return err
		}
	}
	return nil
}
