package update

import (
	"context"
	"strings"

	"github.com/openrev/workcopy/internal/store"
	"github.com/openrev/workcopy/internal/utils"
)

// detectTreeConflict is the conflict detector: a pure decision over the
// local node state and the incoming action. It returns a materialized
// TreeConflict with left/right version descriptors, or nil when the
// incoming change can be applied.
//
// The decision table:
//
//	edit   vs locally deleted/replaced  -> deleted | replaced
//	add    vs any versioned node        -> added
//	delete vs locally deleted/replaced  -> deleted | replaced
//	delete vs local modifications       -> edited, or deleted when every
//	                                       local mod is itself a delete
//
// Nested conflicts inside an already locally-deleted subtree are
// suppressed; the conflict on the subtree root covers them.
func (e *Editor) detectTreeConflict(ctx context.Context, node *store.WorkingNode, action store.ConflictAction, theirKind store.NodeKind) (*store.TreeConflict, error) {
	if node == nil {
		return nil, nil
	}

	insideLocalDelete := e.inDeletedTree(node.Path, false)

	var reason store.ConflictReason
	found := false

	switch action {
	case store.ActionEdit:
		if (node.Schedule == store.ScheduleDelete || node.Schedule == store.ScheduleReplace) &&
			!insideLocalDelete {
			reason = store.ReasonDeleted
			if node.Schedule == store.ScheduleReplace {
				reason = store.ReasonReplaced
			}
			found = true
		}

	case store.ActionAdd:
		reason = store.ReasonAdded
		found = true

	case store.ActionDelete, store.ActionReplace:
		if node.Schedule == store.ScheduleDelete || node.Schedule == store.ScheduleReplace {
			if !insideLocalDelete {
				reason = store.ReasonDeleted
				if node.Schedule == store.ScheduleReplace {
					reason = store.ReasonReplaced
				}
				found = true
			}
		} else {
			modified := false
			allDeletes := false
			var err error
			switch node.Kind {
			case store.KindFile:
				if node.Schedule != store.ScheduleNormal {
					modified = true
					allDeletes = node.Schedule == store.ScheduleDelete
				} else {
					modified, err = e.fileHasLocalMods(node)
					if err != nil {
						return nil, err
					}
				}
			case store.KindDir:
				// The walk will not descend into a directory it wants
				// to delete, so deep modifications need their own scan.
				modified, allDeletes, err = e.treeHasLocalMods(ctx, node.Path)
				if err != nil {
					return nil, err
				}
			}
			if modified {
				reason = store.ReasonEdited
				if allDeletes {
					reason = store.ReasonDeleted
				}
				found = true
			}
		}
	}

	if !found {
		return nil, nil
	}
	return e.makeTreeConflict(node, action, reason, theirKind), nil
}

// makeTreeConflict builds the conflict record with version descriptors:
// left is the node's pre-update base, right is the edit's target.
func (e *Editor) makeTreeConflict(node *store.WorkingNode, action store.ConflictAction, reason store.ConflictReason, theirKind store.NodeKind) *store.TreeConflict {
	leftKind := node.Kind
	switch node.Schedule {
	case store.ScheduleAdd:
		// A scheduled add has no repository base on the left.
		leftKind = store.KindNone
	case store.ScheduleDelete:
		leftKind = store.KindUnknown
	}

	reposURL := node.ReposURL
	if reposURL == "" {
		reposURL = e.reposURL
	}
	pathInRepos := pathInRepository(reposURL, node.URL)

	return &store.TreeConflict{
		VictimPath: node.Path,
		Kind:       node.Kind,
		Action:     action,
		Reason:     reason,
		Left: store.ConflictVersion{
			ReposURL:    reposURL,
			PathInRepos: pathInRepos,
			Revision:    node.Revision,
			Kind:        leftKind,
		},
		Right: store.ConflictVersion{
			ReposURL:    reposURL,
			PathInRepos: pathInRepos,
			Revision:    e.targetRev,
			Kind:        theirKind,
		},
	}
}

func pathInRepository(reposURL, nodeURL string) string {
	if reposURL == "" || nodeURL == "" {
		return "/"
	}
	rest := strings.TrimPrefix(nodeURL, reposURL)
	rest = strings.TrimPrefix(rest, "/")
	if rest == "" {
		return "/"
	}
	return rest
}

// fileHasLocalMods reports whether a file's working text or properties
// differ from its base. A missing working file does not count as a
// modification here.
func (e *Editor) fileHasLocalMods(node *store.WorkingNode) (bool, error) {
	if node.HasPropMods() {
		return true, nil
	}
	abs := e.ws.AbsPath(node.Path)
	if !utils.FileExists(abs) {
		return false, nil
	}
	if node.Checksum == "" {
		// No recorded base text: any on-disk content is a local mod.
		return true, nil
	}
	hash, err := utils.FileHash(abs)
	if err != nil {
		return false, err
	}
	return hash != node.Checksum, nil
}

// treeHasLocalMods recursively scans the recorded subtree at dirPath for
// local modifications, honoring cooperative cancellation. It also
// reports whether every modification found is itself a deletion.
func (e *Editor) treeHasLocalMods(ctx context.Context, dirPath string) (modified, allDeletes bool, err error) {
	nodes, err := e.st.NodesUnder(dirPath)
	if err != nil {
		return false, false, err
	}

	allDeletes = true
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return false, false, err
		}
		switch n.Schedule {
		case store.ScheduleDelete:
			modified = true
		case store.ScheduleAdd, store.ScheduleReplace:
			modified = true
			allDeletes = false
		default:
			if n.Kind == store.KindFile {
				m, err := e.fileHasLocalMods(n)
				if err != nil {
					return false, false, err
				}
				if m {
					modified = true
					allDeletes = false
				}
			} else if n.HasPropMods() {
				modified = true
				allDeletes = false
			}
		}
	}
	if !modified {
		allDeletes = false
	}
	return modified, allDeletes, nil
}
