package markov

import (
	"math"
	"testing"
)

func TestGreedy(t *testing.T) {
	testCases := []struct {
		name      string
		input     string
		want      string
		wantSteps int
	}{
		{name: "Reaches END", input: scenarioInput, want: "<start> a b <end>", wantSteps: 3},
		{name: "Step limit", input: loopInput, want: "<start> x z x z x z x z x z <end>", wantSteps: GreedySteps},
		{name: "Dead end defaults to END", input: deadEndInput, want: "<start> a <end>", wantSteps: 2},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := mustReadModel(t, tc.input).Greedy()
			if got.String() != tc.want {
				t.Errorf("Greedy() = %q, want %q", got.String(), tc.want)
			}
			if got.Rounds != tc.wantSteps {
				t.Errorf("steps = %d, want %d", got.Rounds, tc.wantSteps)
			}
			if len(got.Tokens) > MaxSentence {
				t.Errorf("sentence has %d tokens, capacity is %d", len(got.Tokens), MaxSentence)
			}
		})
	}
}

func TestGreedyProbability(t *testing.T) {
	got := mustReadModel(t, scenarioInput).Greedy()
	if math.Abs(got.Prob-0.21) > probTolerance {
		t.Errorf("probability = %v, want 0.21", got.Prob)
	}

	// The forced END of a dead end has probability zero.
	if got = mustReadModel(t, deadEndInput).Greedy(); got.Prob != 0 {
		t.Errorf("dead end probability = %v, want 0", got.Prob)
	}
}
