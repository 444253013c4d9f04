package markov

import (
	"log/slog"
	"sort"
)

const (
	// BeamWidth is the number of partial sentences kept between rounds.
	BeamWidth = 2
	// MaxRounds caps the number of beam search rounds.
	MaxRounds = 10
)

// Beam holds the partial sentences that survive a round. Unused slots hold
// an empty terminal placeholder.
type Beam [BeamWidth]PartialSentence

// NewBeam returns the initial beam: START in the first slot, the second slot
// empty.
func NewBeam() Beam {
	return Beam{StartSentence(), emptySentence()}
}

// Terminal reports whether every slot has reached END.
func (b Beam) Terminal() bool {
	for _, s := range b {
		if !s.Terminal() {
			return false
		}
	}
	return true
}

// Expand returns the candidates produced by one partial sentence: a copy
// extended by every token reachable from its last token with nonzero
// probability, in ascending token order. A sentence that has ended, or is
// full, is returned unchanged as its own only candidate. Empty placeholders
// produce nothing.
func (m *Model) Expand(s PartialSentence) []PartialSentence {
	if s.Empty() {
		return nil
	}
	if s.Terminal() || s.Full() {
		return []PartialSentence{s}
	}
	successors := m.matrix.Successors(s.Last())
	candidates := make([]PartialSentence, 0, len(successors))
	for _, t := range successors {
		next, _ := s.Append(t.To, t.Prob)
		candidates = append(candidates, next)
	}
	return candidates
}

// Select ranks pool by descending probability and returns the best BeamWidth
// candidates, best first. Candidates with equal probability keep their pool
// order. Slots the pool cannot fill get an empty placeholder. Select
// reorders pool in place.
func Select(pool []PartialSentence) Beam {
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].prob > pool[j].prob
	})
	var b Beam
	for i := range b {
		if i < len(pool) {
			b[i] = pool[i]
		} else {
			b[i] = emptySentence()
		}
	}
	return b
}

// BeamSearch generates a sentence with a width-2 beam search. Each round
// expands every slot of the beam, then keeps the two most probable
// candidates. A round that yields no candidates leaves only empty
// placeholders, which end the search like any other terminal beam. The search
// stops once both slots have reached END or after MaxRounds rounds. If the
// winning sentence has not reached END and still has room, END is appended.
func (m *Model) BeamSearch() Sentence {
	beam := NewBeam()
	rounds := 0
	for rounds < MaxRounds && !beam.Terminal() {
		var pool []PartialSentence
		for _, s := range beam {
			pool = append(pool, m.Expand(s)...)
		}
		beam = Select(pool)
		rounds++
		m.logger.Debug("Beam round complete",
			slog.Int("round", rounds),
			slog.Int("candidates", len(pool)),
			slog.Float64("best_prob", beam[0].prob),
			slog.Bool("terminal", beam.Terminal()),
		)
	}

	best := finish(beam[0])
	return m.sentence(best.Tokens(), best.prob, rounds)
}

// finish closes a winning sentence with END when it has not ended and has
// room left. The forced END does not change the probability.
func finish(s PartialSentence) PartialSentence {
	if !s.Terminal() && !s.Full() {
		s, _ = s.Append(EndTokenID, 1)
	}
	return s
}
