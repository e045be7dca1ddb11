package merge

import (
	"fmt"
	"sort"
)

// PropState classifies the outcome of a property merge for notification.
type PropState int

const (
	PropsNone PropState = iota
	PropsChanged
	PropsMerged
	PropsConflicted
)

func (s PropState) String() string {
	switch s {
	case PropsNone:
		return "none"
	case PropsChanged:
		return "changed"
	case PropsMerged:
		return "merged"
	case PropsConflicted:
		return "conflicted"
	default:
		return fmt.Sprintf("propstate(%d)", int(s))
	}
}

// PropChange is one incoming property change; a nil Value is a deletion.
type PropChange struct {
	Name  string
	Value *string
}

// PropConflict describes one property whose local value collided with an
// incoming change.
type PropConflict struct {
	Name     string
	BaseVal  string
	MineVal  string
	TheirVal string
	HasBase  bool
	HasMine  bool
	HasTheir bool
}

func (c PropConflict) String() string {
	describe := func(has bool, v string) string {
		if !has {
			return "<absent>"
		}
		return fmt.Sprintf("%q", v)
	}
	return fmt.Sprintf("property %q: base %s, local %s, incoming %s",
		c.Name, describe(c.HasBase, c.BaseVal),
		describe(c.HasMine, c.MineVal), describe(c.HasTheir, c.TheirVal))
}

// MergeProps applies the incoming changes to the base property set and
// three-way merges them into the working set. The local working value is
// "mine"; a change that disagrees with a differing local value is
// recorded as a conflict and the local value is kept.
func MergeProps(base, working map[string]string, changes []PropChange) (newBase, newWorking map[string]string, conflicts []PropConflict, state PropState) {
	newBase = make(map[string]string, len(base))
	for k, v := range base {
		newBase[k] = v
	}
	newWorking = make(map[string]string, len(working))
	for k, v := range working {
		newWorking[k] = v
	}

	if len(changes) == 0 {
		return newBase, newWorking, nil, PropsNone
	}

	localMerge := false
	applied := false

	for _, ch := range changes {
		baseVal, hasBase := newBase[ch.Name]
		mineVal, hasMine := newWorking[ch.Name]

		// The incoming change always advances the base set.
		if ch.Value == nil {
			delete(newBase, ch.Name)
		} else {
			newBase[ch.Name] = *ch.Value
		}

		mineMatchesBase := hasBase == hasMine && (!hasBase || baseVal == mineVal)
		mineMatchesTheir := (ch.Value == nil && !hasMine) ||
			(ch.Value != nil && hasMine && mineVal == *ch.Value)

		switch {
		case mineMatchesBase:
			// No local change; the working value follows the incoming one.
			if ch.Value == nil {
				delete(newWorking, ch.Name)
			} else {
				newWorking[ch.Name] = *ch.Value
			}
			applied = true
		case mineMatchesTheir:
			// Local change already matches the incoming value.
			localMerge = true
		default:
			c := PropConflict{
				Name:    ch.Name,
				BaseVal: baseVal, HasBase: hasBase,
				MineVal: mineVal, HasMine: hasMine,
			}
			if ch.Value != nil {
				c.TheirVal = *ch.Value
				c.HasTheir = true
			}
			conflicts = append(conflicts, c)
		}
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Name < conflicts[j].Name })

	switch {
	case len(conflicts) > 0:
		state = PropsConflicted
	case localMerge:
		state = PropsMerged
	case applied:
		state = PropsChanged
	default:
		state = PropsNone
	}
	return newBase, newWorking, conflicts, state
}
