package update

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openrev/workcopy/internal/store"
	"github.com/openrev/workcopy/internal/utils"
)

// completion tracks how many open children keep a directory from being
// finalized. The counter starts at 1 for the directory itself; every
// child baton adds 1 at creation and removes exactly 1 when it closes.
// The child holds only this shared counter, never the parent baton.
type completion struct {
	parent   *completion
	path     string
	refCount int
	skipped  bool
}

// maybeFinalize decrements the counter for c and, when a directory runs
// out of pending children, finalizes it and propagates the decrement to
// its parent, recursively.
func (e *Editor) maybeFinalize(ctx context.Context, c *completion) error {
	for ; c != nil; c = c.parent {
		c.refCount--
		if c.refCount > 0 {
			return nil
		}
		if c.refCount < 0 {
			return fmt.Errorf("completion counter underflow at %q", c.path)
		}
		if !c.skipped {
			if err := e.completeDirectory(ctx, c.path, c.parent == nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// completeDirectory purges stale entries from a finished directory and
// clears its incomplete marker. The purge removes, in one batch:
// entries still marked deleted (unless re-scheduled for add, whose
// deleted marker is cleared instead), absent entries the edit did not
// reconfirm at the target revision, and subdirectory entries missing
// from disk that are not scheduled for add.
func (e *Editor) completeDirectory(ctx context.Context, dirPath string, isRoot bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if e.inSkippedTree(dirPath) && !e.inDeletedTree(dirPath, true) {
		return nil
	}

	// When the edit has a specific target, the root directory is only
	// partially updated and must stay incomplete-capable.
	if isRoot && e.target != "" {
		return nil
	}

	node, err := e.st.ReadNode(dirPath)
	if err != nil {
		return err
	}
	if node == nil {
		return fmt.Errorf("%w: %q", ErrUnversioned, dirPath)
	}

	if err := e.st.UpdateFields(dirPath, map[string]any{"incomplete": false}); err != nil {
		return err
	}

	children, err := e.st.Children(dirPath)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case child.Deleted:
			if child.Schedule == store.ScheduleAdd {
				err = e.st.UpdateFields(child.Path, map[string]any{"deleted": false})
			} else {
				err = e.st.RemoveNode(child.Path)
			}
		case child.Absent && child.Revision != e.targetRev:
			err = e.st.RemoveNode(child.Path)
		case child.Kind == store.KindDir &&
			child.Schedule != store.ScheduleAdd &&
			!utils.DirExists(e.ws.AbsPath(child.Path)):
			if err = e.st.RemoveNode(child.Path); err == nil {
				e.notify(Notification{
					Path:   child.Path,
					Action: NotifyDelete,
					Kind:   child.Kind,
				})
			}
		}
		if err != nil {
			return err
		}
	}

	slog.Debug("directory finalized", "path", dirPath, "revision", e.targetRev)
	return nil
}
