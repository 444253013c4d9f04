package markov

import "strings"

// MaxSentence is the capacity of a sentence in tokens, START and END included.
const MaxSentence = 12

// PartialSentence is an in-progress sentence of the beam search. It is a
// value type: the token storage is a fixed array, so assigning or extending a
// PartialSentence always yields an independent copy.
type PartialSentence struct {
	tokens [MaxSentence]int
	count  int
	last   int
	prob   float64
}

// StartSentence returns the sentence holding only START, with probability 1.
func StartSentence() PartialSentence {
	s := PartialSentence{count: 1, last: StartTokenID, prob: 1.0}
	s.tokens[0] = StartTokenID
	return s
}

// emptySentence is the placeholder for an unused beam slot. It counts as
// terminal and never contributes candidates.
func emptySentence() PartialSentence {
	return PartialSentence{last: EndTokenID}
}

// Len returns the number of tokens in the sentence.
func (s PartialSentence) Len() int {
	return s.count
}

// Last returns the index of the final token.
func (s PartialSentence) Last() int {
	return s.last
}

// Prob returns the product of the transition probabilities along the sentence.
func (s PartialSentence) Prob() float64 {
	return s.prob
}

// Tokens returns a copy of the token indices.
func (s PartialSentence) Tokens() []int {
	out := make([]int, s.count)
	copy(out, s.tokens[:s.count])
	return out
}

// Terminal reports whether the sentence has ended (its last token is END).
func (s PartialSentence) Terminal() bool {
	return s.last == EndTokenID
}

// Empty reports whether s is an unused placeholder.
func (s PartialSentence) Empty() bool {
	return s.count == 0
}

// Full reports whether the sentence has reached MaxSentence tokens.
func (s PartialSentence) Full() bool {
	return s.count >= MaxSentence
}

// Append returns a copy of s extended with token id, its probability
// multiplied by p. A full sentence cannot grow: it is returned unchanged
// along with false.
func (s PartialSentence) Append(id int, p float64) (PartialSentence, bool) {
	if s.Full() {
		return s, false
	}
	s.tokens[s.count] = id
	s.count++
	s.last = id
	s.prob *= p
	return s, true
}

// Sentence is a finished, rendered sentence.
type Sentence struct {
	Tokens []int    `json:"tokens"`
	Words  []string `json:"words"`
	// Prob is the product of the transition probabilities along the
	// sentence; it is zero for listings that do not follow transitions.
	Prob float64 `json:"prob"`
	// Rounds is the number of beam rounds or greedy steps taken.
	Rounds int `json:"rounds"`
}

// String joins the words with single spaces.
func (s Sentence) String() string {
	return strings.Join(s.Words, " ")
}
