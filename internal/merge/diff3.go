// Package merge provides the three-way merge primitives used by the
// update engine: a line-based text merge and a property-set merge.
package merge

import (
	"bytes"
	"fmt"
	"strings"
)

// Outcome classifies the result of a three-way merge.
type Outcome int

const (
	// OutcomeUnchanged means the merge left "mine" byte-identical.
	OutcomeUnchanged Outcome = iota
	// OutcomeMerged means changes were combined without conflict.
	OutcomeMerged
	// OutcomeConflicted means conflict markers were emitted.
	OutcomeConflicted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeMerged:
		return "merged"
	case OutcomeConflicted:
		return "conflicted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Labels name the two sides in conflict markers.
type Labels struct {
	Mine   string
	Theirs string
}

// Merge3 merges the changes between base and theirs into mine. When both
// sides changed the same region differently, the region is replaced by
// conflict markers and the outcome is OutcomeConflicted.
func Merge3(base, theirs, mine []byte, labels Labels) ([]byte, Outcome) {
	if bytes.Equal(theirs, base) {
		return mine, OutcomeUnchanged
	}
	if bytes.Equal(mine, base) || bytes.Equal(mine, theirs) {
		if bytes.Equal(mine, theirs) {
			return mine, OutcomeUnchanged
		}
		return theirs, OutcomeMerged
	}

	baseLines := splitLines(base)
	theirLines := splitLines(theirs)
	mineLines := splitLines(mine)

	out, conflicted := mergeLines(baseLines, theirLines, mineLines, labels)
	result := []byte(strings.Join(out, ""))

	if conflicted {
		return result, OutcomeConflicted
	}
	if bytes.Equal(result, mine) {
		return result, OutcomeUnchanged
	}
	return result, OutcomeMerged
}

// hunk is one contiguous change against the base: base[s:e] becomes repl.
type hunk struct {
	s, e int
	repl []string
}

func mergeLines(base, theirs, mine []string, labels Labels) ([]string, bool) {
	ht := diffHunks(base, theirs)
	hm := diffHunks(base, mine)

	var out []string
	conflicted := false
	pos := 0
	a, b := 0, 0

	for a < len(ht) || b < len(hm) {
		start := len(base)
		if a < len(ht) && ht[a].s < start {
			start = ht[a].s
		}
		if b < len(hm) && hm[b].s < start {
			start = hm[b].s
		}

		out = append(out, base[pos:start]...)

		// Expand the region until no more hunks from either side
		// overlap it. Pure insertions only join at the region start.
		lo, hi := start, start
		var regionT, regionM []hunk
		for {
			grew := false
			for a < len(ht) && (ht[a].s < hi || (ht[a].s == lo && hi == lo)) {
				regionT = append(regionT, ht[a])
				if ht[a].e > hi {
					hi = ht[a].e
				}
				a++
				grew = true
			}
			for b < len(hm) && (hm[b].s < hi || (hm[b].s == lo && hi == lo)) {
				regionM = append(regionM, hm[b])
				if hm[b].e > hi {
					hi = hm[b].e
				}
				b++
				grew = true
			}
			if !grew {
				break
			}
		}

		baseText := base[lo:hi]
		tText := applyRegion(base, lo, hi, regionT)
		mText := applyRegion(base, lo, hi, regionM)

		switch {
		case len(regionT) == 0:
			out = append(out, mText...)
		case len(regionM) == 0:
			out = append(out, tText...)
		case equalLines(tText, mText):
			out = append(out, tText...)
		case equalLines(tText, baseText):
			out = append(out, mText...)
		case equalLines(mText, baseText):
			out = append(out, tText...)
		default:
			conflicted = true
			out = append(out, marker("<<<<<<<", labels.Mine))
			out = append(out, mText...)
			out = append(out, "=======\n")
			out = append(out, tText...)
			out = append(out, marker(">>>>>>>", labels.Theirs))
		}

		pos = hi
	}

	out = append(out, base[pos:]...)
	return out, conflicted
}

func marker(prefix, label string) string {
	if label == "" {
		return prefix + "\n"
	}
	return prefix + " " + label + "\n"
}

// applyRegion renders one side's view of base[lo:hi] with its hunks applied.
func applyRegion(base []string, lo, hi int, hunks []hunk) []string {
	var out []string
	pos := lo
	for _, h := range hunks {
		out = append(out, base[pos:h.s]...)
		out = append(out, h.repl...)
		pos = h.e
	}
	out = append(out, base[pos:hi]...)
	return out
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// diffHunks computes the changed regions turning a into b, as hunks over
// a's line range, using an LCS alignment.
func diffHunks(a, b []string) []hunk {
	n, m := len(a), len(b)

	// dp[i][j] = LCS length of a[i:] and b[j:]
	dp := make([][]int, n+1)
	for i := range dp {
		dp[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			if a[i] == b[j] {
				dp[i][j] = dp[i+1][j+1] + 1
			} else if dp[i+1][j] >= dp[i][j+1] {
				dp[i][j] = dp[i+1][j]
			} else {
				dp[i][j] = dp[i][j+1]
			}
		}
	}

	var hunks []hunk
	var cur *hunk
	open := func(at int) {
		if cur == nil || cur.e != at || hasGap(cur, at) {
			hunks = append(hunks, hunk{s: at, e: at})
			cur = &hunks[len(hunks)-1]
		}
	}

	i, j := 0, 0
	for i < n || j < m {
		switch {
		case i < n && j < m && a[i] == b[j]:
			cur = nil
			i++
			j++
		case j >= m || (i < n && dp[i+1][j] >= dp[i][j+1]):
			open(i)
			cur.e = i + 1
			i++
		default:
			open(i)
			cur.repl = append(cur.repl, b[j])
			j++
		}
	}
	return hunks
}

// hasGap guards against reusing a closed hunk whose base range ended
// before at (cannot happen with the walk above, but keeps open() total).
func hasGap(cur *hunk, at int) bool {
	return cur.e < at
}

// splitLines splits on '\n', keeping the newline on each line. A final
// fragment without a newline is kept as-is.
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var lines []string
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			lines = append(lines, string(data))
			break
		}
		lines = append(lines, string(data[:i+1]))
		data = data[i+1:]
	}
	return lines
}
