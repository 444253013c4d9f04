package markov

import (
	"fmt"
	"io"
	"log/slog"
)

// Model pairs a vocabulary with its transition matrix and is the entry point
// for every generation strategy. A Model is read-only once built and safe
// for concurrent use.
type Model struct {
	vocab  *Vocabulary
	matrix *Matrix
	logger *slog.Logger
}

// SuccessorLine is one row of the best-successor table.
type SuccessorLine struct {
	Token string `json:"token"`
	Next  string `json:"next"`
}

// NewModel binds vocab to matrix and derives every token's best successor.
// The matrix is copied, so later changes to it do not affect the model.
func NewModel(vocab *Vocabulary, matrix *Matrix) (*Model, error) {
	if vocab == nil || matrix == nil {
		return nil, fmt.Errorf("%w: model needs both a vocabulary and a matrix", ErrDimensionMismatch)
	}
	if vocab.Len() != matrix.Size() {
		return nil, fmt.Errorf("%w: vocabulary has %d tokens but matrix is %dx%d",
			ErrDimensionMismatch, vocab.Len(), matrix.Size(), matrix.Size())
	}
	m := matrix.clone()
	return &Model{
		vocab:  vocab.withSuccessors(m),
		matrix: m,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil
}

// SetLogger sets the logger for the Model. By default, all logs are discarded.
func (m *Model) SetLogger(logger *slog.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Vocabulary returns the model's vocabulary, best successors included.
func (m *Model) Vocabulary() *Vocabulary {
	return m.vocab
}

// Matrix returns the model's transition matrix.
func (m *Model) Matrix() *Matrix {
	return m.matrix
}

// Size returns the number of tokens in the model.
func (m *Model) Size() int {
	return m.vocab.Len()
}

// Successors returns the best-successor table: one line per token except END,
// in index order.
func (m *Model) Successors() []SuccessorLine {
	lines := make([]SuccessorLine, 0, m.vocab.Len()-1)
	for i := StartTokenID; i < m.vocab.Len(); i++ {
		next, _ := m.vocab.BestSuccessor(i)
		lines = append(lines, SuccessorLine{Token: m.vocab.Text(i), Next: m.vocab.Text(next)})
	}
	return lines
}

// TopWords lists START, the most probable ordinary words by unigram
// probability (at most TopWordsLimit of them), and END.
func (m *Model) TopWords() Sentence {
	top := m.vocab.TopWords(TopWordsLimit)
	ids := make([]int, 0, len(top)+2)
	ids = append(ids, StartTokenID)
	ids = append(ids, top...)
	ids = append(ids, EndTokenID)
	return m.sentence(ids, 0, 0)
}

// sentence renders token indices into a Sentence.
func (m *Model) sentence(ids []int, prob float64, rounds int) Sentence {
	words := make([]string, len(ids))
	for i, id := range ids {
		words[i] = m.vocab.Text(id)
	}
	return Sentence{Tokens: ids, Words: words, Prob: prob, Rounds: rounds}
}
