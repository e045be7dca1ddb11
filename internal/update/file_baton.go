package update

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/openrev/workcopy/internal/merge"
	"github.com/openrev/workcopy/internal/store"
	"github.com/openrev/workcopy/internal/utils"
)

// FileBaton is the transient per-file state between OpenFile/AddFile and
// CloseFile. It shares the parent directory's completion counter.
type FileBaton struct {
	ed  *Editor
	dir *DirBaton

	path string
	name string
	url  string

	added      bool
	addExisted bool
	existed    bool
	skipped    bool

	// deleted means the file lives inside a locally-deleted subtree; the
	// incoming content is installed as pristine only, never as a working
	// file.
	deleted bool

	addedWithHistory   bool
	copyfromURL        string
	copyfromRev        int64
	copiedBaseText     string
	copiedBaseChecksum string
	copiedWorkingText  string
	copiedProps        map[string]string

	oldRevision  int64
	baseChecksum string

	newTextBase string
	newChecksum string

	propChanges []merge.PropChange
	bump        *completion
}

func (e *Editor) newFileBaton(pb *DirBaton, p string, added bool) *FileBaton {
	fb := &FileBaton{
		ed:          e,
		dir:         pb,
		path:        p,
		name:        baseName(p),
		added:       added,
		oldRevision: store.RevisionInvalid,
		bump:        pb.bump,
	}
	pb.bump.refCount++
	return fb
}

// AddFile handles an incoming file addition under pb. A copy source pair
// turns the add into an add-with-history resolved against local pristine
// texts or the repository.
func (e *Editor) AddFile(ctx context.Context, relpath string, pb *DirBaton, copyfromURL string, copyfromRev int64) (*FileBaton, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkPathUnderParent(pb, relpath); err != nil {
		return nil, err
	}
	if (copyfromURL == "") != (copyfromRev < 0) {
		return nil, fmt.Errorf("%w: %q@%d", ErrMalformedCopyfrom, copyfromURL, copyfromRev)
	}

	fb := e.newFileBaton(pb, relpath, true)
	fb.url = childURL(pb.url, fb.name)

	if e.inSkippedTree(relpath) && !e.inDeletedTree(relpath, true) {
		fb.skipped = true
		return fb, nil
	}

	// A conflict recorded by an earlier edit is still a skip boundary.
	victim, err := e.st.ConflictOnOrAbove(relpath)
	if err != nil {
		return nil, err
	}
	if victim != "" {
		e.rememberSkipped(relpath)
		fb.skipped = true
		e.notify(Notification{Path: relpath, Action: NotifySkip, Kind: store.KindFile})
		return fb, nil
	}

	node, err := e.st.ReadNode(relpath)
	if err != nil {
		return nil, err
	}

	if node != nil && node.Absent {
		return nil, fmt.Errorf("%w: %q is marked absent", ErrObstruction, relpath)
	}

	if node != nil && !node.Deleted {
		conflict, err := e.detectTreeConflict(ctx, node, store.ActionAdd, store.KindFile)
		if err != nil {
			return nil, err
		}
		if conflict != nil {
			pb.log.RecordConflict(conflict)
			if err := pb.runLog(ctx); err != nil {
				return nil, err
			}
			e.rememberSkipped(relpath)
			fb.skipped = true
			e.notify(Notification{
				Path:        relpath,
				Action:      NotifyTreeConflict,
				Kind:        store.KindFile,
				NewRevision: e.targetRev,
			})
			return fb, nil
		}
	}

	abs := e.ws.AbsPath(relpath)
	switch {
	case utils.DirExists(abs):
		return nil, fmt.Errorf("%w: directory blocks file add at %q", ErrObstruction, relpath)
	case utils.FileExists(abs):
		if node == nil || node.Deleted {
			if !e.opts.AllowObstructions {
				return nil, fmt.Errorf("%w: unversioned file at %q", ErrObstruction, relpath)
			}
			fb.addExisted = true
			fb.existed = true
		}
	}

	if copyfromURL != "" {
		fb.addedWithHistory = true
		fb.copyfromURL = copyfromURL
		fb.copyfromRev = copyfromRev
		if err := e.locateCopyfrom(ctx, fb); err != nil {
			return nil, err
		}
	}
	return fb, nil
}

// OpenFile handles an incoming edit of an existing file.
func (e *Editor) OpenFile(ctx context.Context, relpath string, pb *DirBaton) (*FileBaton, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkPathUnderParent(pb, relpath); err != nil {
		return nil, err
	}

	fb := e.newFileBaton(pb, relpath, false)
	fb.url = childURL(pb.url, fb.name)

	locallyDeleted := e.inDeletedTree(relpath, true)
	if e.inSkippedTree(relpath) && !locallyDeleted {
		fb.skipped = true
		return fb, nil
	}

	node, err := e.st.ReadNode(relpath)
	if err != nil {
		return nil, err
	}
	if node == nil || node.Kind != store.KindFile {
		return nil, fmt.Errorf("%w: file %q", ErrUnversioned, relpath)
	}
	fb.oldRevision = node.Revision
	fb.baseChecksum = node.Checksum

	victim, err := e.st.ConflictOnOrAbove(relpath)
	if err != nil {
		return nil, err
	}
	if victim != "" {
		e.rememberSkipped(relpath)
		fb.skipped = true
		e.notify(Notification{Path: relpath, Action: NotifySkip, Kind: store.KindFile})
		return fb, nil
	}

	conflict, err := e.detectTreeConflict(ctx, node, store.ActionEdit, store.KindFile)
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
		// A locally-deleted victim still receives the new pristine text,
		// so the baton stays live instead of skipping.
		if !locallyDeleted {
			fb.skipped = true
		}
		if !e.inDeletedTree(relpath, false) {
			e.notify(Notification{
				Path:        relpath,
				Action:      NotifyTreeConflict,
				Kind:        store.KindFile,
				OldRevision: node.Revision,
				NewRevision: e.targetRev,
			})
		}
	}
	fb.deleted = locallyDeleted
	return fb, nil
}

// ChangeFileProp accumulates a property change on an open file.
func (e *Editor) ChangeFileProp(fb *FileBaton, name string, value *string) {
	if fb.skipped {
		return
	}
	fb.propChanges = append(fb.propChanges, merge.PropChange{Name: name, Value: value})
}

// textWriter streams incoming full text into a staging file while
// digesting it. Close verifies the declared checksum.
type textWriter struct {
	fb       *FileBaton
	f        *os.File
	h        hash.Hash
	expected string
}

func (w *textWriter) Write(p []byte) (int, error) {
	w.h.Write(p)
	return w.f.Write(p)
}

func (w *textWriter) Close() error {
	if err := w.f.Close(); err != nil {
		return err
	}
	sum := hex.EncodeToString(w.h.Sum(nil))
	if w.expected != "" && sum != w.expected {
		os.Remove(w.f.Name())
		return fmt.Errorf("%w: %q expected %s, got %s",
			ErrChecksumMismatch, w.fb.path, w.expected, sum)
	}
	w.fb.newTextBase = w.f.Name()
	w.fb.newChecksum = sum
	return nil
}

type discardCloser struct{}

func (discardCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardCloser) Close() error                { return nil }

// ApplyTextDelta opens the incoming full text for the file. baseChecksum,
// when non-empty, must match the recorded pristine the new text replaces;
// resultChecksum, when non-empty, is verified on Close.
func (e *Editor) ApplyTextDelta(fb *FileBaton, baseChecksum, resultChecksum string) (io.WriteCloser, error) {
	if fb.skipped {
		return discardCloser{}, nil
	}

	recorded := fb.baseChecksum
	if fb.addedWithHistory {
		recorded = fb.copiedBaseChecksum
	}
	if baseChecksum != "" && recorded != "" && baseChecksum != recorded {
		return nil, fmt.Errorf("%w: base of %q expected %s, recorded %s",
			ErrChecksumMismatch, fb.path, baseChecksum, recorded)
	}

	f, err := e.ws.TempFile("textbase-*")
	if err != nil {
		return nil, fmt.Errorf("stage text for %q: %w", fb.path, err)
	}
	return &textWriter{fb: fb, f: f, h: md5.New(), expected: resultChecksum}, nil
}

// CloseFile finishes the file: merges incoming text and properties into
// the working copy, installs the new pristine, emits the notification and
// releases the parent's completion counter.
func (e *Editor) CloseFile(ctx context.Context, fb *FileBaton, expectedChecksum string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if fb.skipped {
		return e.maybeFinalize(ctx, fb.bump)
	}

	if expectedChecksum != "" && fb.newChecksum != "" && expectedChecksum != fb.newChecksum {
		os.Remove(fb.newTextBase)
		return fmt.Errorf("%w: %q expected %s, got %s",
			ErrChecksumMismatch, fb.path, expectedChecksum, fb.newChecksum)
	}

	if err := e.mergeFile(ctx, fb); err != nil {
		return err
	}
	return e.maybeFinalize(ctx, fb.bump)
}
