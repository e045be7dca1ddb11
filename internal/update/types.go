// Package update implements the working-copy update engine: a tree-walk
// editor that applies a server-driven delta to the local tree, reconciles
// it against local modifications, records tree conflicts, and advances
// the persisted baseline revision.
package update

import (
	"errors"

	"github.com/openrev/workcopy/internal/merge"
	"github.com/openrev/workcopy/internal/store"
)

var (
	// ErrObstruction means the on-disk state does not match what the
	// edit expects (wrong kind, or an unversioned item in the way).
	ErrObstruction = errors.New("obstructed update")
	// ErrPathEscape means the edit named a path outside the working copy.
	ErrPathEscape = errors.New("path is not in the working copy")
	// ErrChecksumMismatch means received content did not match its
	// declared digest, or a pristine text is corrupt.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrMalformedCopyfrom means the server sent an inconsistent copy
	// source path/revision pair.
	ErrMalformedCopyfrom = errors.New("malformed copyfrom arguments")
	// ErrUnversioned means an operation addressed a path that has no
	// versioned record.
	ErrUnversioned = errors.New("not a versioned resource")
	// ErrNoFetcher means an add-with-history needed repository content
	// but no fetch collaborator is wired.
	ErrNoFetcher = errors.New("no repository fetcher available")
)

// Property namespaces understood by the engine. Regular properties merge
// three-way; entry properties write metadata fields directly; the
// externals property is handed to an out-of-band callback.
const (
	PropEOLStyle  = "vc:eol-style"
	PropKeywords  = "vc:keywords"
	PropExternals = "vc:externals"

	entryPropPrefix        = "entry:"
	PropEntryLastAuthor    = "entry:last-author"
	PropEntryCommittedRev  = "entry:committed-rev"
	PropEntryCommittedDate = "entry:committed-date"
	PropEntryUUID          = "entry:uuid"
	PropEntryLockToken     = "entry:lock-token"
)

// NotifyAction is the user-visible outcome for one node.
type NotifyAction string

const (
	NotifyAdd          NotifyAction = "add"
	NotifyUpdate       NotifyAction = "update"
	NotifyDelete       NotifyAction = "delete"
	NotifyExists       NotifyAction = "exists"
	NotifySkip         NotifyAction = "skip"
	NotifyTreeConflict NotifyAction = "tree-conflict"
)

// ContentState describes what happened to a node's text.
type ContentState string

const (
	ContentNone       ContentState = "none"
	ContentUnchanged  ContentState = "unchanged"
	ContentChanged    ContentState = "changed"
	ContentMerged     ContentState = "merged"
	ContentConflicted ContentState = "conflicted"
)

// LockState describes what happened to a node's lock token.
type LockState string

const (
	LockNone     LockState = "none"
	LockUnlocked LockState = "unlocked"
)

// Notification reports one user-visible outcome. Exactly one notification
// is emitted per node per edit; a skip at an ancestor covers its whole
// subtree with a single call.
type Notification struct {
	Path         string
	Action       NotifyAction
	Kind         store.NodeKind
	ContentState ContentState
	PropState    merge.PropState
	LockState    LockState
	OldRevision  int64
	NewRevision  int64
	Size         int64
}

// NotifyFunc is the fire-and-forget notification sink.
type NotifyFunc func(n Notification)

// ExternalsHandler receives externals-definition property changes for
// out-of-band processing. Nil values mean the property is absent on that
// side.
type ExternalsHandler func(path string, oldVal, newVal *string)

// Options tune the editor's tolerance and conflict-file naming.
type Options struct {
	// AllowObstructions adopts unversioned items that block an add
	// instead of failing, reporting them as existing.
	AllowObstructions bool
	// PreservedExts lists glob patterns (e.g. "*.go") for file
	// extensions kept on conflict marker files.
	PreservedExts []string
}

func outcomeContentState(o merge.Outcome) ContentState {
	switch o {
	case merge.OutcomeMerged:
		return ContentMerged
	case merge.OutcomeConflicted:
		return ContentConflicted
	default:
		return ContentUnchanged
	}
}
