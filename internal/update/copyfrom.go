package update

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/openrev/workcopy/internal/store"
	"github.com/openrev/workcopy/internal/utils"
)

// locateCopyfrom resolves the base text and properties for a file added
// with history. The working copy itself is searched first: a node whose
// recorded URL matches the copy source and whose committed..base revision
// window covers the source revision already holds the wanted text as a
// pristine. Only when no local candidate exists does the editor fall back
// to fetching from the repository.
func (e *Editor) locateCopyfrom(ctx context.Context, fb *FileBaton) error {
	nodes, err := e.st.NodesUnder("")
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if n.Kind != store.KindFile {
			continue
		}
		if n.Checksum == "" || n.URL != fb.copyfromURL {
			continue
		}
		if n.UUID != "" && e.uuid != "" && n.UUID != e.uuid {
			continue
		}
		inWindow := n.CommittedRev > 0 &&
			n.CommittedRev <= fb.copyfromRev && fb.copyfromRev <= n.Revision
		if !inWindow && n.Revision != fb.copyfromRev {
			continue
		}
		if !e.ws.HasPristine(n.Checksum) {
			continue
		}

		pristine, err := e.ws.PristinePath(n.Checksum)
		if err != nil {
			return err
		}
		fb.copiedBaseText = pristine
		fb.copiedBaseChecksum = n.Checksum
		fb.copiedProps = cloneProps(n.PropsBase)

		// Local edits on the source travel with the copy.
		abs := e.ws.AbsPath(n.Path)
		if utils.FileExists(abs) {
			hash, err := utils.FileHash(abs)
			if err != nil {
				return err
			}
			if hash != n.Checksum {
				fb.copiedWorkingText = abs
			}
		}
		return nil
	}

	return e.fetchCopyfrom(ctx, fb)
}

// fetchCopyfrom retrieves the copy source's text from the repository and
// stages it like received text.
func (e *Editor) fetchCopyfrom(ctx context.Context, fb *FileBaton) error {
	if e.fetcher == nil {
		return fmt.Errorf("%w: need %q@%d", ErrNoFetcher, fb.copyfromURL, fb.copyfromRev)
	}

	repoPath := strings.TrimPrefix(fb.copyfromURL, e.reposURL)
	repoPath = strings.TrimPrefix(repoPath, "/")

	data, err := e.fetcher.Fetch(ctx, repoPath, fb.copyfromRev)
	if err != nil {
		return fmt.Errorf("fetch copy source %q@%d: %w", fb.copyfromURL, fb.copyfromRev, err)
	}
	f, err := e.ws.TempFile("copyfrom-*")
	if err != nil {
		return fmt.Errorf("stage copy source for %q: %w", fb.path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("stage copy source for %q: %w", fb.path, err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	fb.copiedBaseText = f.Name()
	fb.copiedBaseChecksum = utils.BytesHash(data)
	return nil
}

func cloneProps(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
