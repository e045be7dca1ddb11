package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/openrev/workcopy/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS nodes (
    path TEXT PRIMARY KEY,
    kind TEXT NOT NULL DEFAULT 'none',
    schedule TEXT NOT NULL DEFAULT 'normal',
    revision INTEGER NOT NULL DEFAULT -1,
    url TEXT NOT NULL DEFAULT '',
    repos_url TEXT NOT NULL DEFAULT '',
    uuid TEXT NOT NULL DEFAULT '',
    checksum TEXT NOT NULL DEFAULT '',
    incomplete INTEGER NOT NULL DEFAULT 0,
    deleted INTEGER NOT NULL DEFAULT 0,
    absent INTEGER NOT NULL DEFAULT 0,
    copied INTEGER NOT NULL DEFAULT 0,
    copyfrom_url TEXT NOT NULL DEFAULT '',
    copyfrom_rev INTEGER NOT NULL DEFAULT -1,
    props_base TEXT NOT NULL DEFAULT '{}',
    props_working TEXT NOT NULL DEFAULT '{}',
    lock_token TEXT NOT NULL DEFAULT '',
    last_author TEXT NOT NULL DEFAULT '',
    committed_rev INTEGER NOT NULL DEFAULT -1,
    committed_date TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tree_conflicts (
    victim_path TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    action TEXT NOT NULL,
    reason TEXT NOT NULL,
    left_repos_url TEXT NOT NULL DEFAULT '',
    left_path TEXT NOT NULL DEFAULT '',
    left_revision INTEGER NOT NULL DEFAULT -1,
    left_kind TEXT NOT NULL DEFAULT 'none',
    right_repos_url TEXT NOT NULL DEFAULT '',
    right_path TEXT NOT NULL DEFAULT '',
    right_revision INTEGER NOT NULL DEFAULT -1,
    right_kind TEXT NOT NULL DEFAULT 'none'
);

CREATE TABLE IF NOT EXISTS skipped_paths (
    path TEXT PRIMARY KEY
);
`

// nodeColumns are the columns UpdateFields accepts as field-mask keys.
var nodeColumns = map[string]bool{
	"kind": true, "schedule": true, "revision": true, "url": true,
	"repos_url": true, "uuid": true, "checksum": true, "incomplete": true,
	"deleted": true, "absent": true, "copied": true, "copyfrom_url": true,
	"copyfrom_rev": true, "props_base": true, "props_working": true,
	"lock_token": true, "last_author": true, "committed_rev": true,
	"committed_date": true,
}

var (
	ErrStoreNotOpen = errors.New("node store not open")
	ErrBadField     = errors.New("unknown node field")
)

// dbNode mirrors the nodes table; property maps are stored as JSON text.
type dbNode struct {
	WorkingNode
	PropsBaseJSON    string `db:"props_base"`
	PropsWorkingJSON string `db:"props_working"`
}

// dbConflict mirrors the tree_conflicts table.
type dbConflict struct {
	VictimPath    string         `db:"victim_path"`
	Kind          NodeKind       `db:"kind"`
	Action        ConflictAction `db:"action"`
	Reason        ConflictReason `db:"reason"`
	LeftReposURL  string         `db:"left_repos_url"`
	LeftPath      string         `db:"left_path"`
	LeftRevision  int64          `db:"left_revision"`
	LeftKind      NodeKind       `db:"left_kind"`
	RightReposURL string         `db:"right_repos_url"`
	RightPath     string         `db:"right_path"`
	RightRevision int64          `db:"right_revision"`
	RightKind     NodeKind       `db:"right_kind"`
}

// Store is the working copy's authoritative per-node record store,
// backed by SQLite.
type Store struct {
	db     *sqlx.DB
	dbPath string
}

// NewStore creates a Store backed by an SQLite database at dbPath.
// Use ":memory:" for tests.
func NewStore(dbPath string) *Store {
	return &Store{dbPath: dbPath}
}

// Open the store and initialize the schema.
func (s *Store) Open() error {
	if s.db != nil {
		return fmt.Errorf("node store already open")
	}

	d, err := db.NewSqliteDb(db.WithPath(s.dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return fmt.Errorf("open node store: %w", err)
	}

	if _, err := d.Exec(schema); err != nil {
		d.Close()
		return fmt.Errorf("initialize node store schema: %w", err)
	}

	s.db = d
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return ErrStoreNotOpen
	}
	if err := s.db.Close(); err != nil {
		slog.Error("failed to close node store", "error", err)
		return err
	}
	s.db = nil
	return nil
}

// ReadNode retrieves the record for path, or nil if no record exists.
func (s *Store) ReadNode(path string) (*WorkingNode, error) {
	if s.db == nil {
		return nil, ErrStoreNotOpen
	}
	var row dbNode
	err := s.db.Get(&row, `SELECT * FROM nodes WHERE path = ?`, path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("read node %q: %w", path, err)
	}
	return row.toNode()
}

func (row *dbNode) toNode() (*WorkingNode, error) {
	n := row.WorkingNode
	if err := json.Unmarshal([]byte(row.PropsBaseJSON), &n.PropsBase); err != nil {
		return nil, fmt.Errorf("decode base props for %q: %w", n.Path, err)
	}
	if err := json.Unmarshal([]byte(row.PropsWorkingJSON), &n.PropsWorking); err != nil {
		return nil, fmt.Errorf("decode working props for %q: %w", n.Path, err)
	}
	if n.PropsBase == nil {
		n.PropsBase = map[string]string{}
	}
	if n.PropsWorking == nil {
		n.PropsWorking = map[string]string{}
	}
	return &n, nil
}

// WriteNode inserts or fully replaces the record for n.Path.
func (s *Store) WriteNode(n *WorkingNode) error {
	if s.db == nil {
		return ErrStoreNotOpen
	}
	pb, err := encodeProps(n.PropsBase)
	if err != nil {
		return fmt.Errorf("encode base props for %q: %w", n.Path, err)
	}
	pw, err := encodeProps(n.PropsWorking)
	if err != nil {
		return fmt.Errorf("encode working props for %q: %w", n.Path, err)
	}

	row := dbNode{WorkingNode: *n, PropsBaseJSON: pb, PropsWorkingJSON: pw}
	if row.Kind == "" {
		row.Kind = KindNone
	}
	if row.Schedule == "" {
		row.Schedule = ScheduleNormal
	}

	_, err = s.db.NamedExec(`INSERT OR REPLACE INTO nodes
		(path, kind, schedule, revision, url, repos_url, uuid, checksum,
		 incomplete, deleted, absent, copied, copyfrom_url, copyfrom_rev,
		 props_base, props_working, lock_token, last_author, committed_rev,
		 committed_date)
		VALUES
		(:path, :kind, :schedule, :revision, :url, :repos_url, :uuid, :checksum,
		 :incomplete, :deleted, :absent, :copied, :copyfrom_url, :copyfrom_rev,
		 :props_base, :props_working, :lock_token, :last_author, :committed_rev,
		 :committed_date)`, row)
	if err != nil {
		return fmt.Errorf("write node %q: %w", n.Path, err)
	}
	return nil
}

// UpdateFields applies a partial write to the record at path, creating a
// default record if none exists. Keys of fields are column names; values
// for props_base/props_working may be property maps.
func (s *Store) UpdateFields(path string, fields map[string]any) error {
	if s.db == nil {
		return ErrStoreNotOpen
	}
	if len(fields) == 0 {
		return nil
	}

	cols := make([]string, 0, len(fields))
	for k := range fields {
		if !nodeColumns[k] {
			return fmt.Errorf("%w: %q", ErrBadField, k)
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)

	if _, err := s.db.Exec(`INSERT OR IGNORE INTO nodes (path) VALUES (?)`, path); err != nil {
		return fmt.Errorf("ensure node %q: %w", path, err)
	}

	var sb strings.Builder
	sb.WriteString("UPDATE nodes SET ")
	args := make([]any, 0, len(cols)+1)
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c)
		sb.WriteString(" = ?")
		v, err := normalizeFieldValue(c, fields[c])
		if err != nil {
			return fmt.Errorf("field %q for node %q: %w", c, path, err)
		}
		args = append(args, v)
	}
	sb.WriteString(" WHERE path = ?")
	args = append(args, path)

	if _, err := s.db.Exec(sb.String(), args...); err != nil {
		return fmt.Errorf("update node %q: %w", path, err)
	}
	return nil
}

// normalizeFieldValue converts caller-supplied values (including values
// round-tripped through YAML) into types the sqlite driver accepts.
func normalizeFieldValue(col string, v any) (any, error) {
	if col == "props_base" || col == "props_working" {
		switch m := v.(type) {
		case string:
			return m, nil
		case map[string]string:
			return encodeProps(m)
		case map[string]any:
			props := make(map[string]string, len(m))
			for k, val := range m {
				sv, ok := val.(string)
				if !ok {
					return nil, fmt.Errorf("property %q is not a string", k)
				}
				props[k] = sv
			}
			return encodeProps(props)
		default:
			return nil, fmt.Errorf("unsupported property value type %T", v)
		}
	}
	return v, nil
}

func encodeProps(props map[string]string) (string, error) {
	if props == nil {
		return "{}", nil
	}
	b, err := json.Marshal(props)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// RemoveNode deletes the record at path, if any.
func (s *Store) RemoveNode(path string) error {
	if s.db == nil {
		return ErrStoreNotOpen
	}
	if _, err := s.db.Exec(`DELETE FROM nodes WHERE path = ?`, path); err != nil {
		return fmt.Errorf("remove node %q: %w", path, err)
	}
	return nil
}

// NodesUnder returns all records at or below prefix, ordered by path.
// An empty prefix returns every record.
func (s *Store) NodesUnder(prefix string) ([]*WorkingNode, error) {
	if s.db == nil {
		return nil, ErrStoreNotOpen
	}
	var rows []dbNode
	var err error
	if prefix == "" {
		err = s.db.Select(&rows, `SELECT * FROM nodes ORDER BY path`)
	} else {
		err = s.db.Select(&rows, `SELECT * FROM nodes WHERE path = ? OR path LIKE ? ORDER BY path`,
			prefix, prefix+"/%")
	}
	if err != nil {
		return nil, fmt.Errorf("list nodes under %q: %w", prefix, err)
	}
	nodes := make([]*WorkingNode, 0, len(rows))
	for i := range rows {
		n, err := rows[i].toNode()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Children returns the immediate child records of dirPath.
func (s *Store) Children(dirPath string) ([]*WorkingNode, error) {
	all, err := s.NodesUnder(dirPath)
	if err != nil {
		return nil, err
	}
	var children []*WorkingNode
	for _, n := range all {
		if n.Path == dirPath {
			continue
		}
		rest := n.Path
		if dirPath != "" {
			rest = strings.TrimPrefix(n.Path, dirPath+"/")
		}
		if !strings.Contains(rest, "/") {
			children = append(children, n)
		}
	}
	return children, nil
}

// WriteConflict records a tree conflict for its victim path.
func (s *Store) WriteConflict(c *TreeConflict) error {
	if s.db == nil {
		return ErrStoreNotOpen
	}
	row := dbConflict{
		VictimPath:    c.VictimPath,
		Kind:          c.Kind,
		Action:        c.Action,
		Reason:        c.Reason,
		LeftReposURL:  c.Left.ReposURL,
		LeftPath:      c.Left.PathInRepos,
		LeftRevision:  c.Left.Revision,
		LeftKind:      c.Left.Kind,
		RightReposURL: c.Right.ReposURL,
		RightPath:     c.Right.PathInRepos,
		RightRevision: c.Right.Revision,
		RightKind:     c.Right.Kind,
	}
	_, err := s.db.NamedExec(`INSERT OR REPLACE INTO tree_conflicts
		(victim_path, kind, action, reason,
		 left_repos_url, left_path, left_revision, left_kind,
		 right_repos_url, right_path, right_revision, right_kind)
		VALUES
		(:victim_path, :kind, :action, :reason,
		 :left_repos_url, :left_path, :left_revision, :left_kind,
		 :right_repos_url, :right_path, :right_revision, :right_kind)`, row)
	if err != nil {
		return fmt.Errorf("record tree conflict on %q: %w", c.VictimPath, err)
	}
	return nil
}

// ReadConflict returns the tree conflict recorded for path, or nil.
func (s *Store) ReadConflict(path string) (*TreeConflict, error) {
	if s.db == nil {
		return nil, ErrStoreNotOpen
	}
	var row dbConflict
	err := s.db.Get(&row, `SELECT * FROM tree_conflicts WHERE victim_path = ?`, path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tree conflict %q: %w", path, err)
	}
	return &TreeConflict{
		VictimPath: row.VictimPath,
		Kind:       row.Kind,
		Action:     row.Action,
		Reason:     row.Reason,
		Left: ConflictVersion{
			ReposURL: row.LeftReposURL, PathInRepos: row.LeftPath,
			Revision: row.LeftRevision, Kind: row.LeftKind,
		},
		Right: ConflictVersion{
			ReposURL: row.RightReposURL, PathInRepos: row.RightPath,
			Revision: row.RightRevision, Kind: row.RightKind,
		},
	}, nil
}

// RemoveConflict clears the recorded conflict for path, if any.
func (s *Store) RemoveConflict(path string) error {
	if s.db == nil {
		return ErrStoreNotOpen
	}
	if _, err := s.db.Exec(`DELETE FROM tree_conflicts WHERE victim_path = ?`, path); err != nil {
		return fmt.Errorf("remove tree conflict %q: %w", path, err)
	}
	return nil
}

// ConflictOnOrAbove walks from path to the root looking for a recorded
// tree conflict. It returns the nearest victim path, or "" when clean.
func (s *Store) ConflictOnOrAbove(path string) (string, error) {
	for {
		c, err := s.ReadConflict(path)
		if err != nil {
			return "", err
		}
		if c != nil {
			return path, nil
		}
		if path == "" {
			return "", nil
		}
		if i := strings.LastIndex(path, "/"); i >= 0 {
			path = path[:i]
		} else {
			path = ""
		}
	}
}

// AddSkipped records paths skipped during an edit for post-edit cleanup.
func (s *Store) AddSkipped(paths []string) error {
	if s.db == nil {
		return ErrStoreNotOpen
	}
	for _, p := range paths {
		if _, err := s.db.Exec(`INSERT OR IGNORE INTO skipped_paths (path) VALUES (?)`, p); err != nil {
			return fmt.Errorf("record skipped path %q: %w", p, err)
		}
	}
	return nil
}

// SkippedPaths returns the recorded skip list, ordered by path.
func (s *Store) SkippedPaths() ([]string, error) {
	if s.db == nil {
		return nil, ErrStoreNotOpen
	}
	var paths []string
	if err := s.db.Select(&paths, `SELECT path FROM skipped_paths ORDER BY path`); err != nil {
		return nil, fmt.Errorf("list skipped paths: %w", err)
	}
	return paths, nil
}

// ClearSkipped empties the skip list.
func (s *Store) ClearSkipped() error {
	if s.db == nil {
		return ErrStoreNotOpen
	}
	if _, err := s.db.Exec(`DELETE FROM skipped_paths`); err != nil {
		return fmt.Errorf("clear skipped paths: %w", err)
	}
	return nil
}
