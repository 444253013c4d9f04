package markov

import (
	"errors"
	"fmt"
)

// ErrDimensionMismatch is returned when a matrix does not match the size of
// the vocabulary it is paired with, or an index falls outside it.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// Transition is a single nonzero entry of a transition row.
type Transition struct {
	To   int
	Prob float64
}

// Matrix is a square table of transition probabilities, where At(i, j) is the
// probability of token j following token i. Cells are stored row-major.
type Matrix struct {
	n     int
	cells []float64
}

// NewMatrix returns an n x n matrix with every cell zero.
func NewMatrix(n int) *Matrix {
	if n < 0 {
		n = 0
	}
	return &Matrix{n: n, cells: make([]float64, n*n)}
}

// Size returns the matrix dimension.
func (m *Matrix) Size() int {
	return m.n
}

// At returns the probability of j following i.
func (m *Matrix) At(i, j int) float64 {
	return m.cells[i*m.n+j]
}

// Set stores the probability of j following i. The probability must lie in
// [0, 1].
func (m *Matrix) Set(i, j int, p float64) error {
	if i < 0 || i >= m.n || j < 0 || j >= m.n {
		return fmt.Errorf("%w: cell (%d, %d) outside a %dx%d matrix", ErrDimensionMismatch, i, j, m.n, m.n)
	}
	if !(p >= 0 && p <= 1) {
		return fmt.Errorf("transition (%d -> %d) probability %v is outside [0, 1]", i, j, p)
	}
	m.cells[i*m.n+j] = p
	return nil
}

// Row returns a copy of row i.
func (m *Matrix) Row(i int) []float64 {
	row := make([]float64, m.n)
	copy(row, m.cells[i*m.n:(i+1)*m.n])
	return row
}

// Successors lists every token reachable from i with nonzero probability, in
// ascending index order.
func (m *Matrix) Successors(i int) []Transition {
	var out []Transition
	for j, p := range m.cells[i*m.n : (i+1)*m.n] {
		if p > 0 {
			out = append(out, Transition{To: j, Prob: p})
		}
	}
	return out
}

// Best returns the most probable successor of i. The scan starts from END
// with probability 0 and only a strictly greater value replaces the current
// best, so the lowest index wins a tie and an all-zero row yields (END, 0).
func (m *Matrix) Best(i int) (int, float64) {
	best, bestProb := EndTokenID, 0.0
	for j, p := range m.cells[i*m.n : (i+1)*m.n] {
		if p > bestProb {
			best, bestProb = j, p
		}
	}
	return best, bestProb
}

func (m *Matrix) clone() *Matrix {
	c := &Matrix{n: m.n, cells: make([]float64, len(m.cells))}
	copy(c.cells, m.cells)
	return c
}
