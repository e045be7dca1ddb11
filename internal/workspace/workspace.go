package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"github.com/openrev/workcopy/internal/utils"
)

const (
	adminDir    = ".workcopy"
	lockFile    = "lock"
	dbFile      = "wc.db"
	pristineDir = "pristine"
	tmpDir      = "tmp"
	logsDir     = "logs"
)

var (
	ErrLocked       = errors.New("working copy locked by another process")
	ErrNotWorkcopy  = errors.New("not a working copy")
	ErrBadChecksum  = errors.New("pristine checksum is empty")
	ErrNotPathUnder = errors.New("path escapes the working copy root")
)

// Workspace is the on-disk layout of one working copy: the user-visible
// tree plus the admin area holding the node store, pristine texts, temp
// staging files and pending transaction logs.
type Workspace struct {
	Root        string
	AdminDir    string
	PristineDir string
	TmpDir      string
	LogsDir     string

	flock *flock.Flock
}

// New resolves rootDir and returns a Workspace handle. The admin area is
// not created; call Init for a fresh working copy.
func New(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve working copy root %q: %w", rootDir, err)
	}

	admin := filepath.Join(root, adminDir)
	return &Workspace{
		Root:        root,
		AdminDir:    admin,
		PristineDir: filepath.Join(admin, pristineDir),
		TmpDir:      filepath.Join(admin, tmpDir),
		LogsDir:     filepath.Join(admin, logsDir),
		flock:       flock.New(filepath.Join(admin, lockFile)),
	}, nil
}

// Init creates the admin area for a fresh working copy.
func (w *Workspace) Init() error {
	for _, dir := range []string{w.Root, w.AdminDir, w.PristineDir, w.TmpDir, w.LogsDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists reports whether the admin area is present.
func (w *Workspace) Exists() bool {
	return utils.DirExists(w.AdminDir)
}

// Lock takes the single-writer advisory lock.
func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.AdminDir); err != nil {
		return fmt.Errorf("create admin dir: %w", err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("lock working copy: %w", err)
	}
	if !locked {
		return ErrLocked
	}
	return nil
}

// Unlock releases the advisory lock if this process holds it.
func (w *Workspace) Unlock() error {
	if !w.flock.Locked() {
		return nil
	}
	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock working copy: %w", err)
	}
	return os.Remove(w.flock.Path())
}

// DBPath is the location of the node store database.
func (w *Workspace) DBPath() string {
	return filepath.Join(w.AdminDir, dbFile)
}

// AbsPath maps a store-relative path (forward slashes, "" = root) onto
// the filesystem.
func (w *Workspace) AbsPath(rel string) string {
	if rel == "" {
		return w.Root
	}
	return filepath.Join(w.Root, filepath.FromSlash(rel))
}

// RelPath maps an absolute path under Root back to a store-relative path.
func (w *Workspace) RelPath(abs string) (string, error) {
	rel, err := filepath.Rel(w.Root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return "", nil
	}
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%w: %s", ErrNotPathUnder, abs)
	}
	return rel, nil
}

// TempFile creates a staging file in the admin temp area.
func (w *Workspace) TempFile(pattern string) (*os.File, error) {
	if err := utils.EnsureDir(w.TmpDir); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	return os.CreateTemp(w.TmpDir, pattern)
}

// PristinePath is the content-addressed location of a pristine text.
func (w *Workspace) PristinePath(checksum string) (string, error) {
	if len(checksum) < 3 {
		return "", ErrBadChecksum
	}
	return filepath.Join(w.PristineDir, checksum[:2], checksum), nil
}

// HasPristine reports whether a pristine text with the given checksum is
// installed.
func (w *Workspace) HasPristine(checksum string) bool {
	p, err := w.PristinePath(checksum)
	if err != nil {
		return false
	}
	return utils.FileExists(p)
}

// InstallPristine moves a verified staging file into the pristine store.
func (w *Workspace) InstallPristine(stagePath, checksum string) error {
	dst, err := w.PristinePath(checksum)
	if err != nil {
		return err
	}
	if utils.FileExists(dst) {
		return os.Remove(stagePath)
	}
	if err := utils.EnsureParent(dst); err != nil {
		return fmt.Errorf("create pristine dir: %w", err)
	}
	if err := os.Rename(stagePath, dst); err != nil {
		return fmt.Errorf("install pristine %s: %w", checksum, err)
	}
	return nil
}

// PendingLogs returns the pending transaction-log files in execution
// order. A non-empty result on open means the previous run was
// interrupted and the logs must be replayed.
func (w *Workspace) PendingLogs() ([]string, error) {
	entries, err := os.ReadDir(w.LogsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read logs dir: %w", err)
	}
	var logs []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "log.") {
			continue
		}
		logs = append(logs, filepath.Join(w.LogsDir, e.Name()))
	}
	sort.Strings(logs)
	return logs, nil
}
