package markov

import (
	"errors"
	"fmt"
	"sort"
	"unicode/utf8"
)

const (
	// EndTokenID is the reserved index of the END token.
	EndTokenID = 0
	// StartTokenID is the reserved index of the START token.
	StartTokenID = 1

	// MaxVocabulary is the largest number of tokens a vocabulary may hold,
	// START and END included.
	MaxVocabulary = 50
	// MaxTokenLength is the longest token text accepted, in bytes.
	MaxTokenLength = 20
	// TopWordsLimit caps the number of ordinary words in a top-word listing.
	TopWordsLimit = 10
)

// ErrInvalidVocabulary is returned when a vocabulary breaks one of its
// invariants (size bounds, token length, uniqueness, negative probability).
var ErrInvalidVocabulary = errors.New("invalid vocabulary")

// Word is a single vocabulary entry. Next and NextProb hold the entry's best
// successor once the vocabulary has been bound to a transition matrix.
type Word struct {
	Text     string
	Prob     float64
	Next     int
	NextProb float64
}

// Vocabulary is an immutable, index-addressed table of words.
type Vocabulary struct {
	words []Word
	index map[string]int
}

// NewVocabulary validates words and builds a Vocabulary from them. The first
// entry is END and the second is START. The slice is copied.
func NewVocabulary(words []Word) (*Vocabulary, error) {
	if len(words) < 2 {
		return nil, fmt.Errorf("%w: need at least END and START, got %d entries", ErrInvalidVocabulary, len(words))
	}
	if len(words) > MaxVocabulary {
		return nil, fmt.Errorf("%w: %d entries exceeds the limit of %d", ErrInvalidVocabulary, len(words), MaxVocabulary)
	}

	v := &Vocabulary{
		words: make([]Word, len(words)),
		index: make(map[string]int, len(words)),
	}
	for i, w := range words {
		if w.Text == "" {
			return nil, fmt.Errorf("%w: entry %d has empty text", ErrInvalidVocabulary, i)
		}
		if len(w.Text) > MaxTokenLength || !utf8.ValidString(w.Text) {
			return nil, fmt.Errorf("%w: token %q is longer than %d bytes or not valid UTF-8", ErrInvalidVocabulary, w.Text, MaxTokenLength)
		}
		if !(w.Prob >= 0) { // also rejects NaN
			return nil, fmt.Errorf("%w: token %q has probability %v", ErrInvalidVocabulary, w.Text, w.Prob)
		}
		if prev, dup := v.index[w.Text]; dup {
			return nil, fmt.Errorf("%w: token %q appears at both %d and %d", ErrInvalidVocabulary, w.Text, prev, i)
		}
		v.index[w.Text] = i
		v.words[i] = Word{Text: w.Text, Prob: w.Prob, Next: EndTokenID}
	}
	return v, nil
}

// Len returns the number of entries, START and END included.
func (v *Vocabulary) Len() int {
	return len(v.words)
}

// Word returns the entry at index i.
func (v *Vocabulary) Word(i int) Word {
	return v.words[i]
}

// Text returns the token text at index i.
func (v *Vocabulary) Text(i int) string {
	return v.words[i].Text
}

// Index looks up the index of a token.
func (v *Vocabulary) Index(text string) (int, bool) {
	i, ok := v.index[text]
	return i, ok
}

// BestSuccessor returns the best successor of entry i. The boolean is false
// when the entry has no viable successor: its transition row is all zero (the
// successor then defaults to END), or it is END itself.
func (v *Vocabulary) BestSuccessor(i int) (int, bool) {
	w := v.words[i]
	return w.Next, i != EndTokenID && w.NextProb > 0
}

// TopWords returns the indices of the ordinary words (everything but START
// and END) in descending order of unigram probability, at most limit of them.
// Words with equal probability keep their vocabulary order.
func (v *Vocabulary) TopWords(limit int) []int {
	ids := make([]int, 0, len(v.words)-2)
	for i := StartTokenID + 1; i < len(v.words); i++ {
		ids = append(ids, i)
	}
	sort.SliceStable(ids, func(a, b int) bool {
		return v.words[ids[a]].Prob > v.words[ids[b]].Prob
	})
	if limit >= 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

// withSuccessors returns a copy of v whose entries carry their best successor
// in m. END is left without one.
func (v *Vocabulary) withSuccessors(m *Matrix) *Vocabulary {
	out := &Vocabulary{
		words: make([]Word, len(v.words)),
		index: v.index,
	}
	copy(out.words, v.words)
	for i := range out.words {
		if i == EndTokenID {
			continue
		}
		out.words[i].Next, out.words[i].NextProb = m.Best(i)
	}
	return out
}
