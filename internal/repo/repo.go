// Package repo provides the repository-access collaborators consumed by
// the update engine: on-demand content fetch plus repository identity.
package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openrev/workcopy/internal/utils"
)

// Fetcher retrieves the content of a repository path at a revision. It is
// used only when an add-with-history's copy source cannot be located in
// the working copy.
type Fetcher interface {
	Fetch(ctx context.Context, path string, rev int64) ([]byte, error)
}

var (
	ErrNotFound = errors.New("path not found in repository")
	ErrNoRepo   = errors.New("not a repository")
)

const (
	uuidFile = "uuid"
	revsDir  = "revs"

	fetchCacheSize = 128
)

// FSRepo is a filesystem-backed repository: content for revision R of
// path P lives at revs/R/P. Fetched content is cached in an LRU keyed by
// revision and path.
type FSRepo struct {
	root string
	id   string

	cache *lru.Cache[string, []byte]
}

// Create initializes a new repository at root with a fresh UUID.
func Create(root string) (*FSRepo, error) {
	if err := utils.EnsureDir(filepath.Join(root, revsDir)); err != nil {
		return nil, fmt.Errorf("create repository layout: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(filepath.Join(root, uuidFile), []byte(id+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write repository uuid: %w", err)
	}
	return newFSRepo(root, id)
}

// Open opens an existing repository at root.
func Open(root string) (*FSRepo, error) {
	data, err := os.ReadFile(filepath.Join(root, uuidFile))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRepo, root)
	}
	return newFSRepo(root, strings.TrimSpace(string(data)))
}

func newFSRepo(root, id string) (*FSRepo, error) {
	cache, err := lru.New[string, []byte](fetchCacheSize)
	if err != nil {
		return nil, err
	}
	abs, err := utils.ResolvePath(root)
	if err != nil {
		return nil, err
	}
	return &FSRepo{root: abs, id: id, cache: cache}, nil
}

// UUID returns the repository's identity.
func (r *FSRepo) UUID() string { return r.id }

// URL returns the repository root URL.
func (r *FSRepo) URL() string {
	return "file://" + filepath.ToSlash(r.root)
}

// Fetch returns the content of path at rev.
func (r *FSRepo) Fetch(ctx context.Context, path string, rev int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := strconv.FormatInt(rev, 10) + ":" + path
	if data, ok := r.cache.Get(key); ok {
		return data, nil
	}

	data, err := os.ReadFile(r.contentPath(path, rev))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s@%d", ErrNotFound, path, rev)
		}
		return nil, fmt.Errorf("fetch %s@%d: %w", path, rev, err)
	}

	r.cache.Add(key, data)
	return data, nil
}

// PutFile stores content for path at rev. Used to populate repositories
// in tests and demos.
func (r *FSRepo) PutFile(path string, rev int64, content []byte) error {
	dst := r.contentPath(path, rev)
	if err := utils.EnsureParent(dst); err != nil {
		return err
	}
	return os.WriteFile(dst, content, 0o644)
}

func (r *FSRepo) contentPath(path string, rev int64) string {
	return filepath.Join(r.root, revsDir, strconv.FormatInt(rev, 10), filepath.FromSlash(path))
}
