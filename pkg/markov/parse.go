package markov

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// ErrMalformedInput is returned by ReadModel and ImportModel when the input
// cannot be parsed or describes an inconsistent model.
var ErrMalformedInput = errors.New("malformed input")

// fieldReader yields whitespace-separated fields and remembers how many it
// has consumed, for error messages.
type fieldReader struct {
	scanner *bufio.Scanner
	pos     int
}

func newFieldReader(r io.Reader) *fieldReader {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	return &fieldReader{scanner: scanner}
}

func (f *fieldReader) next(what string) (string, error) {
	if !f.scanner.Scan() {
		if err := f.scanner.Err(); err != nil {
			return "", fmt.Errorf("reading %s: %w", what, err)
		}
		return "", fmt.Errorf("%w: input ends before %s (field %d)", ErrMalformedInput, what, f.pos+1)
	}
	f.pos++
	return f.scanner.Text(), nil
}

func (f *fieldReader) float(what string) (float64, error) {
	field, err := f.next(what)
	if err != nil {
		return 0, err
	}
	p, err := strconv.ParseFloat(field, 64)
	if err != nil || math.IsNaN(p) || math.IsInf(p, 0) {
		return 0, fmt.Errorf("%w: %s %q (field %d) is not a finite number", ErrMalformedInput, what, field, f.pos)
	}
	return p, nil
}

// ReadModel parses a model in the line-oriented text format: the vocabulary
// size n, then n token/probability pairs (END first, START second, then the
// ordinary words), then the n x n transition matrix in row-major order.
// Fields may be separated by any whitespace; anything after the matrix is
// ignored. Token text is normalized to Unicode NFC.
func ReadModel(r io.Reader) (*Model, error) {
	f := newFieldReader(r)

	field, err := f.next("vocabulary size")
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(field)
	if err != nil {
		return nil, fmt.Errorf("%w: vocabulary size %q is not an integer", ErrMalformedInput, field)
	}
	if n < 2 || n > MaxVocabulary {
		return nil, fmt.Errorf("%w: vocabulary size %d is outside [2, %d]", ErrMalformedInput, n, MaxVocabulary)
	}

	words := make([]Word, n)
	for i := range words {
		text, err := f.next(fmt.Sprintf("token %d", i))
		if err != nil {
			return nil, err
		}
		prob, err := f.float(fmt.Sprintf("probability of %q", text))
		if err != nil {
			return nil, err
		}
		words[i] = Word{Text: norm.NFC.String(text), Prob: prob}
	}
	vocab, err := NewVocabulary(words)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedInput, err)
	}

	matrix := NewMatrix(n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			p, err := f.float(fmt.Sprintf("transition (%d -> %d)", i, j))
			if err != nil {
				return nil, err
			}
			if err = matrix.Set(i, j, p); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformedInput, err)
			}
		}
	}

	return NewModel(vocab, matrix)
}

// WriteModel writes m in the text format read by ReadModel: the size, one
// token/probability pair per line, then one matrix row per line.
func WriteModel(w io.Writer, m *Model) error {
	bw := bufio.NewWriter(w)
	n := m.Size()
	if _, err := fmt.Fprintln(bw, n); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		word := m.vocab.Word(i)
		if _, err := fmt.Fprintf(bw, "%s %s\n", word.Text, strconv.FormatFloat(word.Prob, 'g', -1, 64)); err != nil {
			return err
		}
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			sep := " "
			if j == n-1 {
				sep = "\n"
			}
			if _, err := fmt.Fprintf(bw, "%s%s", strconv.FormatFloat(m.matrix.At(i, j), 'g', -1, 64), sep); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}
