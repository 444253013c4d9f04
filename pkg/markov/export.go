package markov

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/text/unicode/norm"
)

// ExportedModel is the serializable representation of a stored model, used
// for JSON-based import and export.
type ExportedModel struct {
	Name        string               `json:"name"`
	Vocabulary  []ExportedWord       `json:"vocabulary"` // index order, END first, START second
	Transitions []ExportedTransition `json:"transitions"`
}

// ExportedWord is one vocabulary entry of an ExportedModel.
type ExportedWord struct {
	Text string  `json:"text"`
	Prob float64 `json:"prob"`
}

// ExportedTransition is one nonzero cell of the transition matrix.
type ExportedTransition struct {
	From int     `json:"from"`
	To   int     `json:"to"`
	Prob float64 `json:"prob"`
}

// Export converts m into its serializable form under the given name.
func Export(name string, m *Model) ExportedModel {
	exported := ExportedModel{
		Name:        name,
		Vocabulary:  make([]ExportedWord, m.Size()),
		Transitions: []ExportedTransition{},
	}
	for i := 0; i < m.Size(); i++ {
		word := m.vocab.Word(i)
		exported.Vocabulary[i] = ExportedWord{Text: word.Text, Prob: word.Prob}
		for _, t := range m.matrix.Successors(i) {
			exported.Transitions = append(exported.Transitions, ExportedTransition{From: i, To: t.To, Prob: t.Prob})
		}
	}
	return exported
}

// Model rebuilds an in-memory Model from its serialized form, validating it
// the same way ReadModel does: token text is NFC-normalized and every
// validation failure wraps ErrMalformedInput.
func (e ExportedModel) Model() (*Model, error) {
	words := make([]Word, len(e.Vocabulary))
	for i, w := range e.Vocabulary {
		words[i] = Word{Text: norm.NFC.String(w.Text), Prob: w.Prob}
	}
	vocab, err := NewVocabulary(words)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedInput, err)
	}
	matrix := NewMatrix(len(words))
	for _, t := range e.Transitions {
		if err = matrix.Set(t.From, t.To, t.Prob); err != nil {
			return nil, fmt.Errorf("%w: transition %d -> %d: %w", ErrMalformedInput, t.From, t.To, err)
		}
	}
	m, err := NewModel(vocab, matrix)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedInput, err)
	}
	return m, nil
}

// ExportModel serializes a stored model as indented JSON and writes it to w.
func (s *Store) ExportModel(ctx context.Context, info ModelInfo, w io.Writer) error {
	m, err := s.LoadModel(ctx, info)
	if err != nil {
		return fmt.Errorf("could not load model for export: %w", err)
	}
	exported := Export(info.Name, m)

	s.logger.InfoContext(ctx, "Model exported",
		slog.String("model_name", info.Name),
		slog.Int("model_id", info.Id),
		slog.Int("vocab_items_exported", len(exported.Vocabulary)),
		slog.Int("transitions_exported", len(exported.Transitions)),
	)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(exported)
}

// ImportModel reads a JSON model from r and stores it. A model that already
// exists under the same name is replaced. Probabilities cannot be merged
// meaningfully, so nothing of the old model is kept. The whole operation is
// transactional.
func (s *Store) ImportModel(ctx context.Context, r io.Reader) (ModelInfo, error) {
	var imported ExportedModel
	if err := json.NewDecoder(r).Decode(&imported); err != nil {
		return ModelInfo{}, fmt.Errorf("%w: failed to decode json model: %w", ErrMalformedInput, err)
	}
	m, err := imported.Model()
	if err != nil {
		return ModelInfo{}, fmt.Errorf("invalid model %q: %w", imported.Name, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("could not begin transaction for import: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	var oldID int
	err = tx.QueryRowContext(ctx, "SELECT model_id FROM markov_models WHERE model_name = ?", imported.Name).Scan(&oldID)
	replaced := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ModelInfo{}, fmt.Errorf("failed to query for model %q: %w", imported.Name, err)
	}
	if replaced {
		if err = deleteModel(ctx, tx, oldID); err != nil {
			return ModelInfo{}, err
		}
	}

	info, err := insertModel(ctx, tx, imported.Name, m)
	if err != nil {
		return ModelInfo{}, err
	}
	if err = tx.Commit(); err != nil {
		return ModelInfo{}, fmt.Errorf("could not commit import: %w", err)
	}

	s.logger.InfoContext(ctx, "Model imported successfully",
		slog.String("model_name", info.Name),
		slog.Int("model_id", info.Id),
		slog.Bool("replaced", replaced),
		slog.Int("vocab_items", len(imported.Vocabulary)),
		slog.Int("transitions", len(imported.Transitions)),
	)
	return info, nil
}
