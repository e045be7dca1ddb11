package store

// NodeKind is the versioned kind of a working-copy node.
type NodeKind string

const (
	KindNone NodeKind = "none"
	KindFile NodeKind = "file"
	KindDir  NodeKind = "dir"
	// KindUnknown marks a conflict version whose node kind cannot be
	// trusted, such as the base of a locally-deleted victim.
	KindUnknown NodeKind = "unknown"
)

// Schedule is the local scheduling state of a node.
type Schedule string

const (
	ScheduleNormal  Schedule = "normal"
	ScheduleAdd     Schedule = "add"
	ScheduleDelete  Schedule = "delete"
	ScheduleReplace Schedule = "replace"
)

// RevisionInvalid marks an unset revision.
const RevisionInvalid int64 = -1

// WorkingNode is the persisted record for one versioned path. Path is
// relative to the working-copy root with forward slashes; the root itself
// is the empty string.
type WorkingNode struct {
	Path     string   `db:"path"`
	Kind     NodeKind `db:"kind"`
	Schedule Schedule `db:"schedule"`

	// Base (pristine) state as of Revision.
	Revision int64  `db:"revision"`
	URL      string `db:"url"`
	ReposURL string `db:"repos_url"`
	UUID     string `db:"uuid"`
	Checksum string `db:"checksum"`

	// Incomplete marks a directory whose children are still being
	// populated by an edit.
	Incomplete bool `db:"incomplete"`

	// Deleted and Absent are phantom markers; at most one may be set.
	Deleted bool `db:"deleted"`
	Absent  bool `db:"absent"`

	// Copy-from origin for nodes added with history.
	Copied      bool   `db:"copied"`
	CopyfromURL string `db:"copyfrom_url"`
	CopyfromRev int64  `db:"copyfrom_rev"`

	PropsBase    map[string]string `db:"-"`
	PropsWorking map[string]string `db:"-"`

	LockToken     string `db:"lock_token"`
	LastAuthor    string `db:"last_author"`
	CommittedRev  int64  `db:"committed_rev"`
	CommittedDate string `db:"committed_date"`
}

// HasPropMods reports whether the working property set differs from base.
func (n *WorkingNode) HasPropMods() bool {
	if len(n.PropsBase) != len(n.PropsWorking) {
		return true
	}
	for k, v := range n.PropsBase {
		if wv, ok := n.PropsWorking[k]; !ok || wv != v {
			return true
		}
	}
	return false
}

// ConflictAction is the incoming change that collided with local state.
type ConflictAction string

const (
	ActionEdit    ConflictAction = "edit"
	ActionAdd     ConflictAction = "add"
	ActionDelete  ConflictAction = "delete"
	ActionReplace ConflictAction = "replace"
)

// ConflictReason is the local-side condition that collided with the
// incoming change.
type ConflictReason string

const (
	ReasonEdited   ConflictReason = "edited"
	ReasonDeleted  ConflictReason = "deleted"
	ReasonReplaced ConflictReason = "replaced"
	ReasonAdded    ConflictReason = "added"
)

// ConflictVersion describes one side of a tree conflict: a node at a
// specific path and revision in the repository.
type ConflictVersion struct {
	ReposURL    string   `db:"repos_url" yaml:"repos-url"`
	PathInRepos string   `db:"path_in_repos" yaml:"path-in-repos"`
	Revision    int64    `db:"revision" yaml:"revision"`
	Kind        NodeKind `db:"kind" yaml:"kind"`
}

// TreeConflict is a recorded collision between an incoming structural
// change and a local change, tied to a victim path. Once recorded, the
// victim's subtree is a skip boundary until the conflict is resolved.
type TreeConflict struct {
	VictimPath string          `yaml:"victim-path"`
	Kind       NodeKind        `yaml:"kind"`
	Action     ConflictAction  `yaml:"action"`
	Reason     ConflictReason  `yaml:"reason"`
	Left       ConflictVersion `yaml:"left"`
	Right      ConflictVersion `yaml:"right"`
}
