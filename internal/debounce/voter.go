// Package debounce smooths noisy single-sample recognition output.
//
// A value becomes stable once it appears at least K times among the last N
// samples. Until then the previously established stable value is reported.
package debounce

import "strings"

const (
	DefaultWindow   = 3
	DefaultMinVotes = 2
)

// Voter keeps a fixed-capacity window of recent texts. It is not safe for
// concurrent use; the pipeline goroutine owns it.
type Voter struct {
	window   []string
	next     int
	size     int
	minVotes int
	stable   string
}

// NewVoter returns a voter over the last n texts requiring k votes. Values
// below 1 fall back to the defaults; k is capped at n.
func NewVoter(n, k int) *Voter {
	if n < 1 {
		n = DefaultWindow
	}
	if k < 1 {
		k = DefaultMinVotes
	}
	if k > n {
		k = n
	}
	return &Voter{window: make([]string, n), minVotes: k}
}

// Add records text and reports whether the window now has a stable value.
// When it does, the returned text is the most frequent value; otherwise it is
// the previous stable value, or "" if none has been established.
func (v *Voter) Add(text string) (bool, string) {
	v.window[v.next] = Normalize(text)
	v.next = (v.next + 1) % len(v.window)
	if v.size < len(v.window) {
		v.size++
	}

	mode, count := v.mode()
	if count >= v.minVotes {
		v.stable = mode
		return true, mode
	}
	return false, v.stable
}

// Stable returns the last established stable value.
func (v *Voter) Stable() string {
	return v.stable
}

// History returns the window contents, oldest first.
func (v *Voter) History() []string {
	out := make([]string, 0, v.size)
	start := (v.next - v.size + len(v.window)) % len(v.window)
	for i := 0; i < v.size; i++ {
		out = append(out, v.window[(start+i)%len(v.window)])
	}
	return out
}

func (v *Voter) Len() int {
	return v.size
}

func (v *Voter) Reset() {
	for i := range v.window {
		v.window[i] = ""
	}
	v.next = 0
	v.size = 0
	v.stable = ""
}

// mode returns the most frequent value in the window. Ties go to the value
// seen most recently.
func (v *Voter) mode() (string, int) {
	history := v.History()
	counts := make(map[string]int, len(history))
	lastSeen := make(map[string]int, len(history))
	for i, text := range history {
		counts[text]++
		lastSeen[text] = i
	}

	best, bestCount, bestSeen := "", 0, -1
	for text, count := range counts {
		if count > bestCount || (count == bestCount && lastSeen[text] > bestSeen) {
			best, bestCount, bestSeen = text, count, lastSeen[text]
		}
	}
	return best, bestCount
}

// Normalize trims text and collapses internal whitespace runs to one space.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
