package target

// ProcessLookup resolves a pid to the Process that was observed for it, for
// walking the parent chain. The Process-Group Manager's `processes` table
// (spec §3) satisfies this interface.
type ProcessLookup interface {
	Lookup(pid int) (Process, bool)
}

// Matcher evaluates an ordered set of include Targets against a process, with
// an exclude list that can veto any match (spec §4.2).
type Matcher struct {
	Includes []Target
	Excludes []MatchType
}

// Match implements the spec §4.2 algorithm:
//
//  1. Any exclude rule matching the process vetoes the whole match.
//  2. The first include rule directly matching the process wins.
//  3. Otherwise, ancestor-eligible rules (ForceAncestorToMatch == false) are
//     tried against each ancestor of the process, walking the parent chain
//     via lookup and bounded by cycle detection (spec §3 invariant).
//  4. Otherwise, no match.
//
// Match never returns an error: unknown rule shapes simply don't match
// (spec §7).
func (m Matcher) Match(p Process, lookup ProcessLookup) (Target, bool) {
	for _, ex := range m.Excludes {
		if ex.Matches(p) {
			return Target{}, false
		}
	}

	for _, t := range m.Includes {
		if t.Match.Matches(p) {
			return t, true
		}
	}

	var ancestorEligible []Target
	for _, t := range m.Includes {
		if !t.ForceAncestorToMatch {
			ancestorEligible = append(ancestorEligible, t)
		}
	}
	if len(ancestorEligible) == 0 {
		return Target{}, false
	}

	for _, ancestor := range Ancestors(p, lookup) {
		for _, t := range ancestorEligible {
			if t.Match.Matches(ancestor) {
				return t, true
			}
		}
	}

	return Target{}, false
}

// Ancestors walks the parent chain of p via lookup, starting at p's parent
// and stopping at pid 0, an unknown pid, or a repeated pid (cycle). The
// walk never visits more than len(visited-pid-set) ancestors, so a cyclic
// parent chain terminates instead of looping forever (spec §3 invariant,
// §7 "Cycle in parent chain").
func Ancestors(p Process, lookup ProcessLookup) []Process {
	var chain []Process
	seen := map[int]bool{p.PID: true}

	ppid := p.PPID
	for ppid != 0 && !seen[ppid] {
		ancestor, ok := lookup.Lookup(ppid)
		if !ok {
			break
		}
		chain = append(chain, ancestor)
		seen[ppid] = true
		ppid = ancestor.PPID
	}
	return chain
}
