package update

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/openrev/workcopy/internal/merge"
	"github.com/openrev/workcopy/internal/store"
	"github.com/openrev/workcopy/internal/utils"
)

// mergeFile reconciles a closed file baton with the working copy: it
// stages the pristine install, the working-file install or three-way
// text merge, the property merge and the metadata update as one
// transactional log on the parent directory, runs the log, and emits the
// file's single notification.
func (e *Editor) mergeFile(ctx context.Context, fb *FileBaton) error {
	node, err := e.st.ReadNode(fb.path)
	if err != nil {
		return err
	}

	newBasePath := fb.newTextBase
	newChecksum := fb.newChecksum
	if newBasePath == "" && fb.addedWithHistory {
		newBasePath = fb.copiedBaseText
		newChecksum = fb.copiedBaseChecksum
	}

	var oldProps, oldWorkingProps map[string]string
	if fb.addedWithHistory {
		oldProps = fb.copiedProps
		oldWorkingProps = fb.copiedProps
	} else if node != nil {
		oldProps = node.PropsBase
		oldWorkingProps = node.PropsWorking
	}

	regular, entry, externals := classifyProps(fb.propChanges)
	if externals != nil && e.externals != nil {
		var oldVal *string
		if v, ok := oldProps[PropExternals]; ok {
			oldVal = &v
		}
		e.externals(fb.path, oldVal, externals.Value)
	}

	newPropsBase, newPropsWorking, propConflicts, propState :=
		merge.MergeProps(oldProps, oldWorkingProps, regular)

	abs := e.ws.AbsPath(fb.path)
	contentState := ContentNone
	isReplaced := node != nil && node.Schedule == store.ScheduleReplace

	var newContent []byte
	if newBasePath != "" {
		newContent, err = os.ReadFile(newBasePath)
		if err != nil {
			return fmt.Errorf("read staged text for %q: %w", fb.path, err)
		}
	}

	switch {
	case isReplaced || fb.deleted:
		// The working file belongs to the local schedule; only the
		// pristine advances.
		if newBasePath != "" {
			contentState = ContentChanged
		}

	case newBasePath != "":
		textModified, err := e.workingTextModified(fb, node, abs)
		if err != nil {
			return err
		}
		switch {
		case !textModified:
			fb.dir.log.WriteFile(abs, string(translate(newContent, newPropsWorking)))
			contentState = ContentChanged
		case fb.existed && fb.added:
			// An adopted obstruction keeps its on-disk content; the new
			// text becomes its pristine.
			contentState = ContentChanged
		default:
			state, err := e.stageTextMerge(fb, node, abs, newContent, newPropsWorking)
			if err != nil {
				return err
			}
			contentState = state
		}

	case magicPropsChanged(regular):
		// No incoming text, but translation-driving properties changed:
		// unmodified working files are re-expanded from pristine.
		textModified, err := e.workingTextModified(fb, node, abs)
		if err != nil {
			return err
		}
		if !textModified && node != nil && node.Checksum != "" {
			pristine, err := e.ws.PristinePath(node.Checksum)
			if err != nil {
				return err
			}
			content, err := os.ReadFile(pristine)
			if err != nil {
				return fmt.Errorf("read pristine for %q: %w", fb.path, err)
			}
			fb.dir.log.WriteFile(abs, string(translate(content, newPropsWorking)))
			contentState = ContentChanged
		}
	}

	// Install the new pristine text, deduplicating on checksum. The
	// staging file for a locally-known copy source is the pristine store
	// itself and must not move.
	if newBasePath != "" && newChecksum != "" && newBasePath != e.pristineOrEmpty(newChecksum) {
		dst, err := e.ws.PristinePath(newChecksum)
		if err != nil {
			return err
		}
		if e.ws.HasPristine(newChecksum) {
			fb.dir.log.RemoveFile(newBasePath)
		} else {
			fb.dir.log.MoveFile(newBasePath, dst)
		}
	}

	fields := map[string]any{
		"kind":      store.KindFile,
		"revision":  e.targetRev,
		"url":       fb.url,
		"repos_url": e.reposURL,
		"deleted":   false,
		"absent":    false,
	}
	if e.uuid != "" {
		fields["uuid"] = e.uuid
	}
	if newChecksum != "" {
		fields["checksum"] = newChecksum
	}
	// A locally-deleted victim keeps its schedule; everything else is a
	// plain base node after the update.
	if !fb.deleted && !isReplaced {
		fields["schedule"] = store.ScheduleNormal
	}
	if fb.addedWithHistory {
		fields["copied"] = true
		fields["copyfrom_url"] = fb.copyfromURL
		fields["copyfrom_rev"] = fb.copyfromRev
	}
	if len(regular) > 0 || fb.added {
		fields["props_base"] = newPropsBase
		fields["props_working"] = newPropsWorking
	}
	fb.dir.log.UpsertFields(fb.path, fields)

	lockState := LockNone
	if ef := entryPropFields(entry); ef != nil {
		fb.dir.log.UpsertFields(fb.path, ef)
		if tok, ok := ef["lock_token"]; ok && tok == "" {
			lockState = LockUnlocked
		}
	}

	if len(propConflicts) > 0 {
		fb.dir.log.WriteFile(abs+".prej", renderPropConflicts(propConflicts))
	}

	if err := fb.dir.runLog(ctx); err != nil {
		return err
	}

	if e.inDeletedTree(fb.path, false) || fb.deleted {
		return nil
	}
	if !fb.added && newBasePath == "" && len(fb.propChanges) == 0 {
		return nil
	}

	action := NotifyUpdate
	if fb.added {
		action = NotifyAdd
		if fb.addExisted || fb.existed {
			action = NotifyExists
		}
	}
	e.notify(Notification{
		Path:         fb.path,
		Action:       action,
		Kind:         store.KindFile,
		ContentState: contentState,
		PropState:    propState,
		LockState:    lockState,
		OldRevision:  fb.oldRevision,
		NewRevision:  e.targetRev,
		Size:         int64(len(newContent)),
	})
	return nil
}

func (e *Editor) pristineOrEmpty(checksum string) string {
	p, err := e.ws.PristinePath(checksum)
	if err != nil {
		return ""
	}
	return p
}

// workingTextModified reports whether the working file's text differs
// from the recorded base. For a fresh add the question is whether any
// working file exists at all; for an add-with-history the copy source
// decides.
func (e *Editor) workingTextModified(fb *FileBaton, node *store.WorkingNode, abs string) (bool, error) {
	if fb.addedWithHistory {
		return fb.copiedWorkingText != "", nil
	}
	if fb.added {
		return utils.FileExists(abs), nil
	}
	if node == nil || !utils.FileExists(abs) {
		return false, nil
	}
	if node.Checksum == "" {
		return true, nil
	}
	hash, err := utils.FileHash(abs)
	if err != nil {
		return false, err
	}
	return hash != node.Checksum, nil
}

// stageTextMerge performs the three-way text merge for a locally
// modified file receiving new content and stages the results: the merged
// (or conflict-marked) working text, and on conflict the three reference
// files alongside it.
func (e *Editor) stageTextMerge(fb *FileBaton, node *store.WorkingNode, abs string, newContent []byte, workingProps map[string]string) (ContentState, error) {
	minePath := abs
	if fb.addedWithHistory && fb.copiedWorkingText != "" {
		minePath = fb.copiedWorkingText
	}
	mine, err := os.ReadFile(minePath)
	if err != nil {
		return ContentNone, fmt.Errorf("read working text for %q: %w", fb.path, err)
	}

	var base []byte
	baseChecksum := fb.baseChecksum
	if fb.addedWithHistory {
		baseChecksum = fb.copiedBaseChecksum
	}
	if baseChecksum != "" && e.ws.HasPristine(baseChecksum) {
		p, err := e.ws.PristinePath(baseChecksum)
		if err != nil {
			return ContentNone, err
		}
		base, err = os.ReadFile(p)
		if err != nil {
			return ContentNone, fmt.Errorf("read pristine for %q: %w", fb.path, err)
		}
	}

	ext := e.preservedExt(fb.name)
	oldRev := fb.oldRevision
	if fb.addedWithHistory {
		oldRev = fb.copyfromRev
	}
	mineLabel := fb.name + ".mine" + ext
	theirsLabel := fmt.Sprintf("%s.r%d%s", fb.name, e.targetRev, ext)

	merged, outcome := merge.Merge3(base, newContent, mine, merge.Labels{
		Mine:   mineLabel,
		Theirs: theirsLabel,
	})

	switch outcome {
	case merge.OutcomeConflicted:
		fb.dir.log.WriteFile(abs, string(merged))
		fb.dir.log.WriteFile(abs+".mine"+ext, string(mine))
		fb.dir.log.WriteFile(fmt.Sprintf("%s.r%d%s", abs, oldRev, ext), string(base))
		fb.dir.log.WriteFile(fmt.Sprintf("%s.r%d%s", abs, e.targetRev, ext), string(newContent))
	case merge.OutcomeMerged:
		fb.dir.log.WriteFile(abs, string(translate(merged, workingProps)))
	}
	return outcomeContentState(outcome), nil
}

// preservedExt returns the file's extension (with dot) when it matches a
// configured preserved-extensions pattern, otherwise empty. Conflict
// reference files for such names keep the extension so tooling keyed on
// it still recognizes them.
func (e *Editor) preservedExt(name string) string {
	ext := path.Ext(name)
	if ext == "" {
		return ""
	}
	for _, pattern := range e.opts.PreservedExts {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return ext
		}
	}
	return ""
}
