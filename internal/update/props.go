package update

import (
	"strings"

	"github.com/openrev/workcopy/internal/merge"
)

// classifyProps splits incoming property changes into the three groups
// the engine treats differently: regular (three-way merged), entry
// (direct metadata writes), and the externals definition (out-of-band).
func classifyProps(changes []merge.PropChange) (regular, entry []merge.PropChange, externals *merge.PropChange) {
	for i := range changes {
		ch := changes[i]
		switch {
		case ch.Name == PropExternals:
			externals = &ch
		case strings.HasPrefix(ch.Name, entryPropPrefix):
			entry = append(entry, ch)
		default:
			regular = append(regular, ch)
		}
	}
	return regular, entry, externals
}

// entryPropFields maps entry-property changes onto node-store fields.
// Entry properties bypass merging entirely.
func entryPropFields(entry []merge.PropChange) map[string]any {
	if len(entry) == 0 {
		return nil
	}
	fields := make(map[string]any)
	for _, ch := range entry {
		val := ""
		if ch.Value != nil {
			val = *ch.Value
		}
		switch ch.Name {
		case PropEntryLastAuthor:
			fields["last_author"] = val
		case PropEntryCommittedRev:
			fields["committed_rev"] = parseRev(val)
		case PropEntryCommittedDate:
			fields["committed_date"] = val
		case PropEntryUUID:
			fields["uuid"] = val
		case PropEntryLockToken:
			fields["lock_token"] = val
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func parseRev(s string) int64 {
	var rev int64 = -1
	if s != "" {
		rev = 0
		for _, c := range s {
			if c < '0' || c > '9' {
				return -1
			}
			rev = rev*10 + int64(c-'0')
		}
	}
	return rev
}

// magicPropsChanged reports whether any change affects properties that
// drive working-file translation.
func magicPropsChanged(regular []merge.PropChange) bool {
	for _, ch := range regular {
		if ch.Name == PropEOLStyle || ch.Name == PropKeywords {
			return true
		}
	}
	return false
}

// renderPropConflicts formats property conflicts for a reject file.
func renderPropConflicts(conflicts []merge.PropConflict) string {
	var sb strings.Builder
	for _, c := range conflicts {
		sb.WriteString(c.String())
		sb.WriteString("\n")
	}
	return sb.String()
}

// translate applies property-driven line-ending translation to content.
func translate(content []byte, props map[string]string) []byte {
	style, ok := props[PropEOLStyle]
	if !ok {
		return content
	}

	normalized := strings.ReplaceAll(string(content), "\r\n", "\n")
	switch style {
	case "CRLF":
		return []byte(strings.ReplaceAll(normalized, "\n", "\r\n"))
	case "LF", "native":
		return []byte(normalized)
	default:
		return content
	}
}
