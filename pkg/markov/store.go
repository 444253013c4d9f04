package markov

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// ErrModelNotFound is returned when a named model does not exist in the store.
var ErrModelNotFound = errors.New("model not found")

// ModelInfo holds the metadata of a stored model: its unique ID, its name and
// the number of tokens in its vocabulary.
type ModelInfo struct {
	Id   int    `json:"id"`
	Name string `json:"name"`
	Size int    `json:"size"`
}

// SetupSchema initializes the tables used by a Store. It is idempotent and
// safe to call on an already-initialized database.
func SetupSchema(db *sql.DB) error {

	const (
		schemaModels = `
CREATE TABLE IF NOT EXISTS markov_models (
    model_id INTEGER PRIMARY KEY,
    model_name TEXT NOT NULL UNIQUE,
    vocab_size INTEGER NOT NULL
);
`
		schemaVocab = `
CREATE TABLE IF NOT EXISTS markov_vocabulary (
    model_id INTEGER NOT NULL,
    token_index INTEGER NOT NULL,
    token_text TEXT NOT NULL,
    unigram_prob REAL NOT NULL,
    PRIMARY KEY (model_id, token_index),
    UNIQUE (model_id, token_text)
);
`
		schemaTransitions = `
CREATE TABLE IF NOT EXISTS markov_transitions (
    model_id INTEGER NOT NULL,
    from_index INTEGER NOT NULL,
    to_index INTEGER NOT NULL,
    probability REAL NOT NULL,
    PRIMARY KEY (model_id, from_index, to_index)
);
`
	)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	for _, schema := range []string{schemaModels, schemaVocab, schemaTransitions} {
		if _, err = tx.Exec(schema); err != nil {
			return fmt.Errorf("could not create schema: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	return nil
}

// Store keeps named models in a SQLite database. Only nonzero transitions are
// stored; best successors are derived again whenever a model is loaded.
type Store struct {
	db                   *sql.DB
	stmtGetModelInfo     *sql.Stmt
	stmtGetModels        *sql.Stmt
	stmtGetVocab         *sql.Stmt
	stmtGetTransitions   *sql.Stmt
	stmtPruneModel       *sql.Stmt
	stmtModelTransitions *sql.Stmt
	stmtModelStarters    *sql.Stmt
	stmtModelDeadEnds    *sql.Stmt
	stmtGetVocabLen      *sql.Stmt
	stmtGetTransLen      *sql.Stmt
	logger               *slog.Logger
}

// NewStore creates a Store over db, pre-compiling its SQL statements. The
// schema must already exist (see SetupSchema).
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{
		db:     db,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	prepared := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.stmtGetModelInfo, `SELECT model_id, vocab_size FROM markov_models WHERE model_name = ?;`},
		{&s.stmtGetModels, `SELECT model_id, model_name, vocab_size FROM markov_models;`},
		{&s.stmtGetVocab, `SELECT token_index, token_text, unigram_prob FROM markov_vocabulary WHERE model_id = ? ORDER BY token_index;`},
		{&s.stmtGetTransitions, `SELECT from_index, to_index, probability FROM markov_transitions WHERE model_id = ?;`},
		{&s.stmtPruneModel, `DELETE FROM markov_transitions WHERE model_id = ? AND probability <= ?;`},
		{&s.stmtModelTransitions, `SELECT COUNT(*) FROM markov_transitions WHERE model_id = ?;`},
		{&s.stmtModelStarters, `SELECT COUNT(*) FROM markov_transitions WHERE model_id = ? AND from_index = ?;`},
		{&s.stmtModelDeadEnds, `
SELECT COUNT(*) FROM markov_vocabulary v
WHERE v.model_id = ? AND v.token_index != ? AND NOT EXISTS (
    SELECT 1 FROM markov_transitions t WHERE t.model_id = v.model_id AND t.from_index = v.token_index
);`},
		{&s.stmtGetVocabLen, `SELECT COUNT(*) FROM markov_vocabulary;`},
		{&s.stmtGetTransLen, `SELECT COUNT(*) FROM markov_transitions;`},
	}
	for _, p := range prepared {
		stmt, err := db.Prepare(p.query)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("could not prepare statement: %w", err)
		}
		*p.dst = stmt
	}
	return s, nil
}

// Close releases all prepared SQL statements held by the Store. The database
// itself is left open.
func (s *Store) Close() {
	for _, stmt := range []*sql.Stmt{
		s.stmtGetModelInfo, s.stmtGetModels, s.stmtGetVocab, s.stmtGetTransitions,
		s.stmtPruneModel, s.stmtModelTransitions, s.stmtModelStarters,
		s.stmtModelDeadEnds, s.stmtGetVocabLen, s.stmtGetTransLen,
	} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
}

// SetLogger sets the logger for the Store and the models it loads. By
// default, all logs are discarded.
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// GetModelInfos retrieves metadata for all stored models, keyed by name.
func (s *Store) GetModelInfos(ctx context.Context) (map[string]ModelInfo, error) {
	rows, err := s.stmtGetModels.QueryContext(ctx)
	if err != nil {
		return nil, err
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	models := make(map[string]ModelInfo)
	for rows.Next() {
		var info ModelInfo
		if err = rows.Scan(&info.Id, &info.Name, &info.Size); err != nil {
			return nil, err
		}
		models[info.Name] = info
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return models, nil
}

// GetModelInfo retrieves the metadata for a single model. It returns an error
// wrapping ErrModelNotFound if no model has that name.
func (s *Store) GetModelInfo(ctx context.Context, name string) (ModelInfo, error) {
	info := ModelInfo{Name: name}
	err := s.stmtGetModelInfo.QueryRowContext(ctx, name).Scan(&info.Id, &info.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return ModelInfo{}, fmt.Errorf("%w: %q", ErrModelNotFound, name)
	}
	if err != nil {
		return ModelInfo{}, err
	}
	return info, nil
}

// SaveModel stores m under a new name and returns its metadata. Saving under
// a name that already exists fails. The operation is transactional.
func (s *Store) SaveModel(ctx context.Context, name string, m *Model) (ModelInfo, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	info, err := insertModel(ctx, tx, name, m)
	if err != nil {
		return ModelInfo{}, err
	}
	if err = tx.Commit(); err != nil {
		return ModelInfo{}, fmt.Errorf("could not commit model %q: %w", name, err)
	}

	s.logger.InfoContext(ctx, "Model saved",
		slog.String("model_name", info.Name),
		slog.Int("model_id", info.Id),
		slog.Int("vocab_size", info.Size),
	)
	return info, nil
}

// insertModel writes the model row, its vocabulary and its nonzero
// transitions inside tx.
func insertModel(ctx context.Context, tx *sql.Tx, name string, m *Model) (ModelInfo, error) {
	if name == "" {
		return ModelInfo{}, errors.New("model name must not be empty")
	}
	res, err := tx.ExecContext(ctx, "INSERT INTO markov_models (model_name, vocab_size) VALUES (?, ?)", name, m.Size())
	if err != nil {
		return ModelInfo{}, fmt.Errorf("failed to insert model %q: %w", name, err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return ModelInfo{}, fmt.Errorf("failed to read id of model %q: %w", name, err)
	}
	info := ModelInfo{Id: int(newID), Name: name, Size: m.Size()}

	stmtVocab, err := tx.PrepareContext(ctx, `INSERT INTO markov_vocabulary (model_id, token_index, token_text, unigram_prob) VALUES (?, ?, ?, ?);`)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("failed to prepare vocabulary insert statement: %w", err)
	}
	defer func(stmt *sql.Stmt) {
		_ = stmt.Close()
	}(stmtVocab)

	stmtTrans, err := tx.PrepareContext(ctx, `INSERT INTO markov_transitions (model_id, from_index, to_index, probability) VALUES (?, ?, ?, ?);`)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("failed to prepare transition insert statement: %w", err)
	}
	defer func(stmt *sql.Stmt) {
		_ = stmt.Close()
	}(stmtTrans)

	for i := 0; i < m.Size(); i++ {
		word := m.vocab.Word(i)
		if _, err = stmtVocab.ExecContext(ctx, info.Id, i, word.Text, word.Prob); err != nil {
			return ModelInfo{}, fmt.Errorf("failed to insert token %q: %w", word.Text, err)
		}
		for _, t := range m.matrix.Successors(i) {
			if _, err = stmtTrans.ExecContext(ctx, info.Id, i, t.To, t.Prob); err != nil {
				return ModelInfo{}, fmt.Errorf("failed to insert transition (%d -> %d): %w", i, t.To, err)
			}
		}
	}
	return info, nil
}

// LoadModel reads a stored model back into memory and derives its best
// successors. The returned model logs through the Store's logger.
func (s *Store) LoadModel(ctx context.Context, info ModelInfo) (*Model, error) {
	rows, err := s.stmtGetVocab.QueryContext(ctx, info.Id)
	if err != nil {
		return nil, fmt.Errorf("could not query vocabulary of model %q: %w", info.Name, err)
	}
	var words []Word
	for rows.Next() {
		var idx int
		var w Word
		if err = rows.Scan(&idx, &w.Text, &w.Prob); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if idx != len(words) {
			_ = rows.Close()
			return nil, fmt.Errorf("model %q: vocabulary index %d is out of sequence", info.Name, idx)
		}
		words = append(words, w)
	}
	_ = rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("%w: %q has no vocabulary", ErrModelNotFound, info.Name)
	}

	vocab, err := NewVocabulary(words)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", info.Name, err)
	}

	matrix := NewMatrix(len(words))
	tRows, err := s.stmtGetTransitions.QueryContext(ctx, info.Id)
	if err != nil {
		return nil, fmt.Errorf("could not query transitions of model %q: %w", info.Name, err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(tRows)
	for tRows.Next() {
		var from, to int
		var p float64
		if err = tRows.Scan(&from, &to, &p); err != nil {
			return nil, err
		}
		if err = matrix.Set(from, to, p); err != nil {
			return nil, fmt.Errorf("model %q: %w", info.Name, err)
		}
	}
	if err = tRows.Err(); err != nil {
		return nil, err
	}

	m, err := NewModel(vocab, matrix)
	if err != nil {
		return nil, fmt.Errorf("model %q: %w", info.Name, err)
	}
	m.SetLogger(s.logger.With(slog.String("model_name", info.Name)))

	s.logger.DebugContext(ctx, "Model loaded",
		slog.String("model_name", info.Name),
		slog.Int("model_id", info.Id),
		slog.Int("vocab_size", len(words)),
	)
	return m, nil
}

// RemoveModel deletes a model with its vocabulary and transitions. The
// operation is performed within a transaction.
func (s *Store) RemoveModel(ctx context.Context, info ModelInfo) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	if err = deleteModel(ctx, tx, info.Id); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "Model removed successfully",
		slog.String("model_name", info.Name),
		slog.Int("model_id", info.Id),
	)
	return tx.Commit()
}

func deleteModel(ctx context.Context, tx *sql.Tx, id int) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM markov_transitions WHERE model_id = ?", id); err != nil {
		return fmt.Errorf("failed to remove transitions for model %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM markov_vocabulary WHERE model_id = ?", id); err != nil {
		return fmt.Errorf("failed to remove vocabulary for model %d: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM markov_models WHERE model_id = ?", id); err != nil {
		return fmt.Errorf("failed to remove model %d: %w", id, err)
	}
	return nil
}
