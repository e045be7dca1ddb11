// Package wclog implements the staged-mutation log used to make
// directory finalization atomic. Mutation commands accumulate per
// directory, are flushed to disk, then executed; a log file that
// survives a crash is replayed on the next open of the working copy.
package wclog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openrev/workcopy/internal/store"
	"github.com/openrev/workcopy/internal/utils"
	"github.com/openrev/workcopy/internal/workspace"
)

// CmdOp tags a low-level mutation command.
type CmdOp string

const (
	// CmdUpsertFields applies a field-mask write to a node record.
	CmdUpsertFields CmdOp = "upsert-fields"
	// CmdRemoveEntry removes a node (and its subtree) from version
	// control. Files with local modifications stay on disk unversioned.
	CmdRemoveEntry CmdOp = "remove-entry"
	// CmdMoveFile renames a file on disk.
	CmdMoveFile CmdOp = "move-file"
	// CmdCopyFile copies a file on disk.
	CmdCopyFile CmdOp = "copy-file"
	// CmdRemoveFile deletes a file on disk, ignoring absence.
	CmdRemoveFile CmdOp = "remove-file"
	// CmdWriteFile writes literal content to a file.
	CmdWriteFile CmdOp = "write-file"
	// CmdRecordConflict persists a tree-conflict record.
	CmdRecordConflict CmdOp = "record-conflict"
	// CmdRemoveConflict clears a tree-conflict record.
	CmdRemoveConflict CmdOp = "remove-conflict"
)

// Command is one staged mutation. Node paths (Path for node commands,
// Conflict.VictimPath) are store-relative; file commands carry absolute
// filesystem paths so a replay does not depend on editor state.
type Command struct {
	Op       CmdOp               `yaml:"op"`
	Path     string              `yaml:"path,omitempty"`
	Dst      string              `yaml:"dst,omitempty"`
	Fields   map[string]any      `yaml:"fields,omitempty"`
	Content  string              `yaml:"content,omitempty"`
	Conflict *store.TreeConflict `yaml:"conflict,omitempty"`
}

// logFile is the serialized form of a flushed log.
type logFile struct {
	Dir      string    `yaml:"dir"`
	Commands []Command `yaml:"commands"`
}

var logSeq atomic.Uint64

// Log accumulates mutation commands for one directory.
type Log struct {
	ws      *workspace.Workspace
	st      *store.Store
	dirPath string
	cmds    []Command
	flushed string
}

// NewLog creates an empty log for the directory at dirPath.
func NewLog(ws *workspace.Workspace, st *store.Store, dirPath string) *Log {
	return &Log{ws: ws, st: st, dirPath: dirPath}
}

// Empty reports whether any commands are staged.
func (l *Log) Empty() bool { return len(l.cmds) == 0 && l.flushed == "" }

// UpsertFields stages a field-mask write for the node at path.
func (l *Log) UpsertFields(path string, fields map[string]any) {
	l.cmds = append(l.cmds, Command{Op: CmdUpsertFields, Path: path, Fields: fields})
}

// RemoveEntry stages removal of path (and its subtree) from version control.
func (l *Log) RemoveEntry(path string) {
	l.cmds = append(l.cmds, Command{Op: CmdRemoveEntry, Path: path})
}

// MoveFile stages a rename of src to dst (absolute paths).
func (l *Log) MoveFile(src, dst string) {
	l.cmds = append(l.cmds, Command{Op: CmdMoveFile, Path: src, Dst: dst})
}

// CopyFile stages a copy of src to dst (absolute paths).
func (l *Log) CopyFile(src, dst string) {
	l.cmds = append(l.cmds, Command{Op: CmdCopyFile, Path: src, Dst: dst})
}

// RemoveFile stages deletion of an on-disk file (absolute path).
func (l *Log) RemoveFile(path string) {
	l.cmds = append(l.cmds, Command{Op: CmdRemoveFile, Path: path})
}

// WriteFile stages writing literal content to an absolute path.
func (l *Log) WriteFile(path, content string) {
	l.cmds = append(l.cmds, Command{Op: CmdWriteFile, Path: path, Content: content})
}

// RecordConflict stages persisting a tree-conflict record.
func (l *Log) RecordConflict(c *store.TreeConflict) {
	l.cmds = append(l.cmds, Command{Op: CmdRecordConflict, Conflict: c})
}

// RemoveConflict stages clearing the conflict record for path.
func (l *Log) RemoveConflict(path string) {
	l.cmds = append(l.cmds, Command{Op: CmdRemoveConflict, Path: path})
}

// Flush writes the staged commands to a log file in the admin area.
// After a successful flush the commands are durable: a crash before Run
// completes leaves the file behind for Replay.
func (l *Log) Flush() error {
	if len(l.cmds) == 0 || l.flushed != "" {
		return nil
	}
	if err := utils.EnsureDir(l.ws.LogsDir); err != nil {
		return fmt.Errorf("create logs dir: %w", err)
	}

	name := fmt.Sprintf("log.%020d.%06d.yaml", time.Now().UnixNano(), logSeq.Add(1))
	path := filepath.Join(l.ws.LogsDir, name)

	data, err := yaml.Marshal(&logFile{Dir: l.dirPath, Commands: l.cmds})
	if err != nil {
		return fmt.Errorf("encode log for %q: %w", l.dirPath, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("flush log for %q: %w", l.dirPath, err)
	}
	l.flushed = path
	return nil
}

// Run flushes any staged commands, executes them in order, then removes
// the log file. After Run the log is empty and reusable.
func (l *Log) Run(ctx context.Context) error {
	if err := l.Flush(); err != nil {
		return err
	}
	if l.flushed == "" {
		return nil
	}
	if err := execute(ctx, l.ws, l.st, l.cmds); err != nil {
		return fmt.Errorf("run log for %q: %w", l.dirPath, err)
	}
	if err := os.Remove(l.flushed); err != nil {
		slog.Warn("failed to remove executed log file", "path", l.flushed, "error", err)
	}
	l.cmds = nil
	l.flushed = ""
	return nil
}

// Discard drops staged commands and the flushed file without executing.
// Only valid for logs whose effects were superseded (e.g. an aborted
// baton whose directory was never touched).
func (l *Log) Discard() {
	if l.flushed != "" {
		if err := os.Remove(l.flushed); err != nil {
			slog.Warn("failed to remove discarded log file", "path", l.flushed, "error", err)
		}
	}
	l.cmds = nil
	l.flushed = ""
}

// Replay executes any pending log files left behind by an interrupted
// run, in their original order.
func Replay(ctx context.Context, ws *workspace.Workspace, st *store.Store) error {
	pending, err := ws.PendingLogs()
	if err != nil {
		return err
	}
	for _, path := range pending {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read pending log %s: %w", path, err)
		}
		var lf logFile
		if err := yaml.Unmarshal(data, &lf); err != nil {
			return fmt.Errorf("decode pending log %s: %w", path, err)
		}
		slog.Info("replaying pending log", "dir", lf.Dir, "commands", len(lf.Commands))
		if err := execute(ctx, ws, st, lf.Commands); err != nil {
			return fmt.Errorf("replay log for %q: %w", lf.Dir, err)
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("failed to remove replayed log file", "path", path, "error", err)
		}
	}
	return nil
}

func execute(ctx context.Context, ws *workspace.Workspace, st *store.Store, cmds []Command) error {
	for i := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		cmd := &cmds[i]
		if err := executeOne(ws, st, cmd); err != nil {
			return fmt.Errorf("command %s %q: %w", cmd.Op, cmd.Path, err)
		}
	}
	return nil
}

func executeOne(ws *workspace.Workspace, st *store.Store, cmd *Command) error {
	switch cmd.Op {
	case CmdUpsertFields:
		return st.UpdateFields(cmd.Path, cmd.Fields)
	case CmdRemoveEntry:
		return removeFromVersionControl(ws, st, cmd.Path)
	case CmdMoveFile:
		if err := utils.EnsureParent(cmd.Dst); err != nil {
			return err
		}
		return os.Rename(cmd.Path, cmd.Dst)
	case CmdCopyFile:
		return utils.CopyFile(cmd.Path, cmd.Dst)
	case CmdRemoveFile:
		if err := os.Remove(cmd.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	case CmdWriteFile:
		if err := utils.EnsureParent(cmd.Path); err != nil {
			return err
		}
		return os.WriteFile(cmd.Path, []byte(cmd.Content), 0o644)
	case CmdRecordConflict:
		return st.WriteConflict(cmd.Conflict)
	case CmdRemoveConflict:
		return st.RemoveConflict(cmd.Path)
	default:
		return fmt.Errorf("unknown log command %q", cmd.Op)
	}
}

// removeFromVersionControl removes the record for path and everything
// beneath it. Working files whose content still matches their pristine
// are deleted from disk; locally modified files stay behind unversioned.
// Directories are removed only when they end up empty.
func removeFromVersionControl(ws *workspace.Workspace, st *store.Store, path string) error {
	nodes, err := st.NodesUnder(path)
	if err != nil {
		return err
	}

	// Files first, then directories deepest-first so empties collapse.
	var dirs []*store.WorkingNode
	for _, n := range nodes {
		if n.Kind == store.KindDir {
			dirs = append(dirs, n)
			continue
		}
		if err := removeFileNode(ws, st, n); err != nil {
			return err
		}
	}
	for i := len(dirs) - 1; i >= 0; i-- {
		n := dirs[i]
		abs := ws.AbsPath(n.Path)
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			// Leftover unversioned or modified content keeps the
			// directory on disk; that is the tolerated outcome.
			slog.Debug("leaving non-empty directory behind", "path", n.Path)
		}
		if err := st.RemoveNode(n.Path); err != nil {
			return err
		}
	}
	return nil
}

func removeFileNode(ws *workspace.Workspace, st *store.Store, n *store.WorkingNode) error {
	abs := ws.AbsPath(n.Path)
	if utils.FileExists(abs) {
		keep := n.Checksum == ""
		if !keep {
			hash, err := utils.FileHash(abs)
			if err != nil {
				return err
			}
			keep = hash != n.Checksum
		}
		if !keep {
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return st.RemoveNode(n.Path)
}
