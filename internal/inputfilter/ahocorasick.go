package inputfilter

// automaton is a small Aho-Corasick multi-pattern matcher, hand-rolled since
// nothing pulled in elsewhere solves streaming multi-pattern matching over
// chunked input (see DESIGN.md for that call).
type automaton struct {
	goTo  []map[byte]int // state -> byte -> next state
	fail  []int          // state -> failure link
	match [][]int        // state -> indices of patterns matching at this state
	depth []int          // state -> length of the trie path from root
}

func newAutomaton(patterns [][]byte) *automaton {
	a := &automaton{
		goTo:  []map[byte]int{{}},
		fail:  []int{0},
		match: [][]int{nil},
		depth: []int{0},
	}
	for i, pat := range patterns {
		a.insert(pat, i)
	}
	a.buildFailureLinks()
	return a
}

func (a *automaton) insert(pattern []byte, idx int) {
	state := 0
	for _, b := range pattern {
		next, ok := a.goTo[state][b]
		if !ok {
			a.goTo = append(a.goTo, map[byte]int{})
			a.fail = append(a.fail, 0)
			a.match = append(a.match, nil)
			a.depth = append(a.depth, a.depth[state]+1)
			next = len(a.goTo) - 1
			a.goTo[state][b] = next
		}
		state = next
	}
	a.match[state] = append(a.match[state], idx)
}

func (a *automaton) buildFailureLinks() {
	queue := make([]int, 0, len(a.goTo))
	for b, s := range a.goTo[0] {
		a.fail[s] = 0
		queue = append(queue, s)
		_ = b
	}
	for qi := 0; qi < len(queue); qi++ {
		u := queue[qi]
		for b, v := range a.goTo[u] {
			queue = append(queue, v)
			f := a.fail[u]
			for {
				if next, ok := a.goTo[f][b]; ok {
					a.fail[v] = next
					break
				}
				if f == 0 {
					a.fail[v] = 0
					break
				}
				f = a.fail[f]
			}
			a.match[v] = append(a.match[v], a.match[a.fail[v]]...)
		}
	}
}

// step advances state on byte b, following failure links as needed, and
// returns the new state.
func (a *automaton) step(state int, b byte) int {
	for {
		if next, ok := a.goTo[state][b]; ok {
			return next
		}
		if state == 0 {
			return 0
		}
		state = a.fail[state]
	}
}

// matchesAt returns the pattern indices that complete at state.
func (a *automaton) matchesAt(state int) []int {
	return a.match[state]
}

// hasOutgoing reports whether state has any transition at all. The filter
// does not call it; holding is decided from the state's depth.
func (a *automaton) hasOutgoing(state int) bool {
	return len(a.goTo[state]) > 0
}
