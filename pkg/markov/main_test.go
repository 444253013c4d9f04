package markov

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// scenarioInput is the four-token model START -> {a 0.5, b 0.3}.
const scenarioInput = `4
<end> 0.1
<start> 0.2
a 0.3
b 0.4
0 0 0 0
0 0 0.5 0.3
0.2 0 0.1 0.7
0.6 0 0.4 0
`

// loopInput never lets its second beam slot reach END, so the search runs the
// full MaxRounds rounds, and greedy walks x z x z ... until it runs out of
// steps.
const loopInput = `5
<end> 0.1
<start> 0.1
x 0.3
y 0.3
z 0.2
0 0 0 0 0
0 0 0.6 0.4 0
0.33 0 0 0.33 0.34
0.9 0 0.1 0 0
0.1 0 0.45 0.45 0
`

// deadEndInput has a token "a" whose transition row is all zero.
const deadEndInput = `3
<end> 0.5
<start> 0.5
a 1.0
0 0 0
0 0 1
0 0 0
`

// silentStartInput gives START no successors at all.
const silentStartInput = `3
<end> 0.5
<start> 0.5
a 1.0
0 0 0
0 0 0
1 0 0
`

// mustReadModel parses one of the inputs above.
func mustReadModel(t testing.TB, input string) *Model {
	t.Helper()
	m, err := ReadModel(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ReadModel() error = %v", err)
	}
	return m
}

// setupTestDB creates a new SQLite database file and a Store for testing.
// It uses t.Cleanup to ensure resources are released.
func setupTestDB(t *testing.T) (*sql.DB, *Store) {
	dbFile := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", dbFile+"?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-4000")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := SetupSchema(db); err != nil {
		t.Fatalf("failed to set up schema: %v", err)
	}

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(s.Close)

	return db, s
}

// setupTestDBWithModel is a convenience helper that also saves the scenario model.
func setupTestDBWithModel(t *testing.T) (context.Context, *Store, ModelInfo) {
	_, s := setupTestDB(t)
	ctx := context.Background()

	info, err := s.SaveModel(ctx, "test_model", mustReadModel(t, scenarioInput))
	if err != nil {
		t.Fatalf("setup: SaveModel() failed: %v", err)
	}
	return ctx, s, info
}
