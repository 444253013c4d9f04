package markov

import "log/slog"

// GreedySteps caps the number of successors the greedy walk follows.
const GreedySteps = 10

// Greedy generates a sentence by starting at START and repeatedly appending
// the current token's best successor, for at most GreedySteps steps. The walk
// stops as soon as it reaches END. A token with no viable successor defaults
// to END, so the walk ends there too. If the walk ran out of steps before
// reaching END, END is appended.
func (m *Model) Greedy() Sentence {
	ids := make([]int, 1, MaxSentence)
	ids[0] = StartTokenID
	prob := 1.0

	current := StartTokenID
	steps := 0
	for ; steps < GreedySteps && current != EndTokenID && len(ids) < MaxSentence; steps++ {
		next, _ := m.vocab.BestSuccessor(current)
		prob *= m.matrix.At(current, next)
		ids = append(ids, next)
		current = next
	}
	if current != EndTokenID && len(ids) < MaxSentence {
		ids = append(ids, EndTokenID)
	}

	m.logger.Debug("Greedy walk complete",
		slog.Int("steps", steps),
		slog.Int("length", len(ids)),
		slog.Bool("reached_end", current == EndTokenID),
	)
	return m.sentence(ids, prob, steps)
}
