package markov

import (
	"bytes"
	"log/slog"
	"math"
	"reflect"
	"strings"
	"testing"
)

const probTolerance = 1e-12

func TestExpand(t *testing.T) {
	m := mustReadModel(t, scenarioInput)

	t.Run("Live sentence", func(t *testing.T) {
		candidates := m.Expand(StartSentence())
		if len(candidates) != 2 {
			t.Fatalf("expected 2 candidates, got %d", len(candidates))
		}
		want := []struct {
			tokens []int
			prob   float64
		}{
			{tokens: []int{StartTokenID, 2}, prob: 0.5},
			{tokens: []int{StartTokenID, 3}, prob: 0.3},
		}
		for i, c := range candidates {
			if !reflect.DeepEqual(c.Tokens(), want[i].tokens) || c.Prob() != want[i].prob {
				t.Errorf("candidate %d = %v (%v), want %v (%v)", i, c.Tokens(), c.Prob(), want[i].tokens, want[i].prob)
			}
		}
	})

	t.Run("Probabilities follow the matrix", func(t *testing.T) {
		s, _ := StartSentence().Append(2, 0.5)
		for _, c := range m.Expand(s) {
			want := s.Prob() * m.Matrix().At(s.Last(), c.Last())
			if c.Prob() != want || c.Len() != s.Len()+1 {
				t.Errorf("candidate ending in %d has prob %v, len %d; want %v, %d", c.Last(), c.Prob(), c.Len(), want, s.Len()+1)
			}
		}
	})

	t.Run("Terminal sentence passes through", func(t *testing.T) {
		s, _ := StartSentence().Append(EndTokenID, 0.4)
		got := m.Expand(s)
		if len(got) != 1 || got[0] != s {
			t.Errorf("Expand(terminal) = %v, want the sentence itself", got)
		}
	})

	t.Run("Empty slot contributes nothing", func(t *testing.T) {
		if got := m.Expand(emptySentence()); len(got) != 0 {
			t.Errorf("expected no candidates from an empty slot, got %d", len(got))
		}
	})

	t.Run("Dead end produces nothing", func(t *testing.T) {
		dm := mustReadModel(t, deadEndInput)
		s, _ := StartSentence().Append(2, 1)
		if got := dm.Expand(s); len(got) != 0 {
			t.Errorf("expected no candidates from a dead end, got %d", len(got))
		}
	})
}

func TestAppendCopies(t *testing.T) {
	base := StartSentence()
	a, _ := base.Append(2, 0.5)
	b, _ := base.Append(3, 0.3)

	if base.Len() != 1 || base.Prob() != 1 {
		t.Errorf("Append modified its receiver: len %d, prob %v", base.Len(), base.Prob())
	}
	if !reflect.DeepEqual(a.Tokens(), []int{1, 2}) || !reflect.DeepEqual(b.Tokens(), []int{1, 3}) {
		t.Errorf("siblings share storage: %v, %v", a.Tokens(), b.Tokens())
	}

	tokens := a.Tokens()
	tokens[1] = 99
	if a.Last() != 2 || a.Tokens()[1] != 2 {
		t.Error("modifying Tokens() changed the sentence")
	}
}

func TestSentenceCapacity(t *testing.T) {
	m := mustReadModel(t, scenarioInput)

	s := StartSentence()
	for i := 1; i < MaxSentence; i++ {
		var ok bool
		if s, ok = s.Append(2, 0.5); !ok {
			t.Fatalf("Append failed at length %d", i)
		}
	}
	if !s.Full() || s.Len() != MaxSentence {
		t.Fatalf("expected a full sentence of %d tokens, got %d", MaxSentence, s.Len())
	}

	grown, ok := s.Append(3, 0.5)
	if ok || grown != s {
		t.Error("Append on a full sentence must be a no-op")
	}

	if got := m.Expand(s); len(got) != 1 || got[0] != s {
		t.Errorf("Expand(full) = %d candidates, want the sentence itself", len(got))
	}

	if got := finish(s); got != s || got.Terminal() {
		t.Error("finish must not append END to a full sentence")
	}

	// A beam sentence gains at most one token per round, so it cannot fill
	// up within MaxRounds.
	if longest := 1 + MaxRounds; longest >= MaxSentence {
		t.Errorf("beam sentences can reach %d tokens, capacity is %d", longest, MaxSentence)
	}
}

func TestFinish(t *testing.T) {
	s, _ := StartSentence().Append(2, 0.5)
	got := finish(s)
	if !got.Terminal() || got.Len() != 3 || got.Prob() != 0.5 {
		t.Errorf("finish() = %v (%v), want END appended with unchanged probability", got.Tokens(), got.Prob())
	}

	ended, _ := s.Append(EndTokenID, 0.2)
	if finish(ended) != ended {
		t.Error("finish changed a sentence that already reached END")
	}
	if got := finish(emptySentence()); got.Len() != 0 {
		t.Errorf("finish(placeholder) = %v, want no tokens", got.Tokens())
	}
}

func TestSelect(t *testing.T) {
	low, _ := StartSentence().Append(2, 0.1)
	tieA, _ := StartSentence().Append(3, 0.4)
	tieB, _ := StartSentence().Append(4, 0.4)
	high, _ := StartSentence().Append(5, 0.9)

	testCases := []struct {
		name string
		pool []PartialSentence
		want Beam
	}{
		{
			name: "Highest first",
			pool: []PartialSentence{low, high, tieA},
			want: Beam{high, tieA},
		},
		{
			name: "Ties keep pool order",
			pool: []PartialSentence{low, tieB, tieA},
			want: Beam{tieB, tieA},
		},
		{
			name: "Single candidate",
			pool: []PartialSentence{low},
			want: Beam{low, emptySentence()},
		},
		{
			name: "Empty pool",
			pool: nil,
			want: Beam{emptySentence(), emptySentence()},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Select(tc.pool); got != tc.want {
				t.Errorf("Select() = [%v %v], want [%v %v]",
					got[0].Tokens(), got[1].Tokens(), tc.want[0].Tokens(), tc.want[1].Tokens())
			}
		})
	}
}

func TestSelectDoesNotAlias(t *testing.T) {
	a, _ := StartSentence().Append(2, 0.5)
	b, _ := StartSentence().Append(3, 0.3)
	pool := []PartialSentence{a, b}

	beam := Select(pool)
	pool[0], _ = pool[0].Append(EndTokenID, 0.1)
	if beam[0] != a {
		t.Error("changing the pool after Select changed the beam")
	}
}

func TestBeamSearchFirstRound(t *testing.T) {
	m := mustReadModel(t, scenarioInput)

	beam := Select(m.Expand(StartSentence()))
	if beam[0].Last() != 2 || beam[0].Prob() != 0.5 {
		t.Errorf("slot 0 = %v (%v), want [START a] (0.5)", beam[0].Tokens(), beam[0].Prob())
	}
	if beam[1].Last() != 3 || beam[1].Prob() != 0.3 {
		t.Errorf("slot 1 = %v (%v), want [START b] (0.3)", beam[1].Tokens(), beam[1].Prob())
	}
}

func TestBeamSearch(t *testing.T) {
	testCases := []struct {
		name       string
		input      string
		want       string
		wantProb   float64
		wantRounds int
	}{
		// Round 2 keeps [START a b] (0.35) over [START b END] (0.18); round 3
		// ends both slots.
		{name: "Both slots end", input: scenarioInput, want: "<start> a b <end>", wantProb: 0.21, wantRounds: 3},
		// The second slot keeps alternating x and z and never ends.
		{name: "Round limit", input: loopInput, want: "<start> y <end>", wantProb: 0.36, wantRounds: MaxRounds},
		// Round 2 has no candidates, so both slots become empty placeholders.
		{name: "Dead end", input: deadEndInput, want: "", wantProb: 0, wantRounds: 2},
		{name: "Silent start", input: silentStartInput, want: "", wantProb: 0, wantRounds: 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := mustReadModel(t, tc.input).BeamSearch()
			if got.String() != tc.want {
				t.Errorf("BeamSearch() = %q, want %q", got.String(), tc.want)
			}
			if math.Abs(got.Prob-tc.wantProb) > probTolerance {
				t.Errorf("probability = %v, want %v", got.Prob, tc.wantProb)
			}
			if got.Rounds != tc.wantRounds {
				t.Errorf("rounds = %d, want %d", got.Rounds, tc.wantRounds)
			}
			if tc.want == "" {
				if len(got.Tokens) != 0 {
					t.Errorf("tokens = %v, want none", got.Tokens)
				}
				return
			}
			if len(got.Tokens) > MaxSentence || got.Tokens[0] != StartTokenID {
				t.Errorf("malformed sentence tokens %v", got.Tokens)
			}
		})
	}
}

func TestBeamSearchDeterministic(t *testing.T) {
	m := mustReadModel(t, loopInput)
	first := m.BeamSearch()
	for i := 0; i < 5; i++ {
		if got := m.BeamSearch(); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d = %+v, want %+v", i, got, first)
		}
	}
}

func TestBeamSearchLogsRounds(t *testing.T) {
	var buf bytes.Buffer
	m := mustReadModel(t, scenarioInput)
	m.SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	m.BeamSearch()
	if n := strings.Count(buf.String(), "Beam round complete"); n != 3 {
		t.Errorf("expected 3 round log lines, got %d:\n%s", n, buf.String())
	}
}

func BenchmarkBeamSearch(b *testing.B) {
	m := mustReadModel(b, loopInput)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.BeamSearch()
	}
}
