// Package edit defines the serialized edit script: an ordered list of
// tree operations that drives one update of a working copy. Scripts are
// the transport between a change producer and the update editor; the
// YAML form is what `workcopy apply` reads.
package edit

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/openrev/workcopy/internal/store"
	"github.com/openrev/workcopy/internal/update"
)

// OpKind names one edit operation.
type OpKind string

const (
	OpOpenDir    OpKind = "open-dir"
	OpAddDir     OpKind = "add-dir"
	OpCloseDir   OpKind = "close-dir"
	OpDelete     OpKind = "delete"
	OpOpenFile   OpKind = "open-file"
	OpAddFile    OpKind = "add-file"
	OpAbsentFile OpKind = "absent-file"
	OpAbsentDir  OpKind = "absent-dir"
)

// Op is one step of the script. Directory opens nest: every open-dir or
// add-dir must be balanced by a close-dir before its parent closes. File
// operations are self-contained; an open-file or add-file carries its
// text and property changes inline and closes implicitly.
type Op struct {
	Op   OpKind `yaml:"op"`
	Path string `yaml:"path"`

	// Copy source for add-file. A nil revision with a URL (or vice
	// versa) is rejected by the editor.
	CopyfromURL string `yaml:"copyfrom-url,omitempty"`
	CopyfromRev *int64 `yaml:"copyfrom-rev,omitempty"`

	// Props maps property names to new values; null means delete.
	Props map[string]*string `yaml:"props,omitempty"`

	// Text is the file's full new content; nil means no text change.
	Text         *string `yaml:"text,omitempty"`
	BaseChecksum string  `yaml:"base-checksum,omitempty"`
	Checksum     string  `yaml:"checksum,omitempty"`
}

// Script is one complete edit: the revision it moves the working copy to
// and the ordered operations that get it there.
type Script struct {
	TargetRevision int64 `yaml:"target-revision"`
	Ops            []Op  `yaml:"ops"`
}

// Parse decodes a YAML edit script.
func Parse(data []byte) (*Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode edit script: %w", err)
	}
	if s.TargetRevision < 0 {
		return nil, fmt.Errorf("edit script has invalid target revision %d", s.TargetRevision)
	}
	return &s, nil
}

// Marshal encodes a script to its YAML form.
func (s *Script) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode edit script: %w", err)
	}
	return data, nil
}

func copyfromRev(op *Op) int64 {
	if op.CopyfromRev == nil {
		return store.RevisionInvalid
	}
	return *op.CopyfromRev
}

// Apply drives the editor through the script: open root, run every
// operation in order with strict directory nesting, close the root and
// the edit. A failed operation aborts the edit; already-executed
// directory logs have landed and the working copy stays consistent, just
// short of the target.
func Apply(ctx context.Context, ed *update.Editor, s *Script) error {
	ed.SetTargetRevision(s.TargetRevision)

	root, err := ed.OpenRoot(ctx)
	if err != nil {
		return err
	}
	stack := []*update.DirBaton{root}
	top := func() *update.DirBaton { return stack[len(stack)-1] }

	for i := range s.Ops {
		op := &s.Ops[i]
		switch op.Op {
		case OpOpenDir, OpAddDir:
			var d *update.DirBaton
			if op.Op == OpAddDir {
				d, err = ed.AddDirectory(ctx, op.Path, top(), op.CopyfromURL, copyfromRev(op))
			} else {
				d, err = ed.OpenDirectory(ctx, op.Path, top())
			}
			if err != nil {
				return opError(op, err)
			}
			for name, val := range op.Props {
				ed.ChangeDirProp(d, name, val)
			}
			stack = append(stack, d)

		case OpCloseDir:
			if len(stack) == 1 {
				return fmt.Errorf("edit script closes more directories than it opens")
			}
			if err := ed.CloseDirectory(ctx, top()); err != nil {
				return opError(op, err)
			}
			stack = stack[:len(stack)-1]

		case OpDelete:
			if err := ed.DeleteEntry(ctx, op.Path, top()); err != nil {
				return opError(op, err)
			}

		case OpOpenFile, OpAddFile:
			if err := applyFileOp(ctx, ed, top(), op); err != nil {
				return opError(op, err)
			}

		case OpAbsentFile:
			if err := ed.AbsentFile(op.Path, top()); err != nil {
				return opError(op, err)
			}

		case OpAbsentDir:
			if err := ed.AbsentDirectory(op.Path, top()); err != nil {
				return opError(op, err)
			}

		default:
			return fmt.Errorf("edit script op %d: unknown operation %q", i, op.Op)
		}
	}

	if len(stack) != 1 {
		return fmt.Errorf("edit script leaves %d directories open", len(stack)-1)
	}
	if err := ed.CloseDirectory(ctx, root); err != nil {
		return err
	}
	return ed.CloseEdit(ctx)
}

func applyFileOp(ctx context.Context, ed *update.Editor, parent *update.DirBaton, op *Op) error {
	var (
		fb  *update.FileBaton
		err error
	)
	if op.Op == OpAddFile {
		fb, err = ed.AddFile(ctx, op.Path, parent, op.CopyfromURL, copyfromRev(op))
	} else {
		fb, err = ed.OpenFile(ctx, op.Path, parent)
	}
	if err != nil {
		return err
	}

	for name, val := range op.Props {
		ed.ChangeFileProp(fb, name, val)
	}

	if op.Text != nil {
		w, err := ed.ApplyTextDelta(fb, op.BaseChecksum, op.Checksum)
		if err != nil {
			return err
		}
		if _, err := w.Write([]byte(*op.Text)); err != nil {
			w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
	}

	return ed.CloseFile(ctx, fb, op.Checksum)
}

func opError(op *Op, err error) error {
	return fmt.Errorf("%s %q: %w", op.Op, op.Path, err)
}
