package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/CTAG07/wordbeam/pkg/markov"
)

const statsSchema = `
CREATE TABLE IF NOT EXISTS stats_generation (
    model_name     TEXT     NOT NULL,
    strategy       TEXT     NOT NULL,
    total_requests INTEGER  NOT NULL DEFAULT 1,
    first_seen     DATETIME NOT NULL,
    last_seen      DATETIME NOT NULL,
    PRIMARY KEY (model_name, strategy)
);
`

// GlobalStatsSummary provides a high-level overview of the store and of
// generation traffic.
type GlobalStatsSummary struct {
	TotalRequests int64 `json:"total_requests"`
	Models        int   `json:"models"`
	VocabSize     int   `json:"vocab_size"`
	Transitions   int   `json:"transitions"`
}

// ModelSummary combines the stored shape of a model with its request counters.
type ModelSummary struct {
	markov.ModelInfo
	markov.ModelStats
	Requests map[string]int64 `json:"requests"` // keyed by strategy
}

// GenerationCounter is one row of the generation counters table.
type GenerationCounter struct {
	ModelName     string    `json:"model_name"`
	Strategy      string    `json:"strategy"`
	TotalRequests int64     `json:"total_requests"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

// StatsAPI holds the dependencies for the statistics handlers.
type StatsAPI struct {
	db     *sql.DB
	store  *markov.Store
	logger *slog.Logger
}

func setupStatsSchema(db *sql.DB) error {
	_, err := db.Exec(statsSchema)
	return err
}

func NewStatsAPI(db *sql.DB, store *markov.Store, logger *slog.Logger) *StatsAPI {
	return &StatsAPI{
		db:     db,
		store:  store,
		logger: logger,
	}
}

func (s *StatsAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/stats/summary", s.handleSummary)
	mux.HandleFunc("/api/stats/models", s.handleModels)
	mux.HandleFunc("/api/stats/generation", s.handleGeneration)
}

// RecordGeneration counts one generation request for a model and strategy.
func (s *StatsAPI) RecordGeneration(ctx context.Context, modelName, strategy string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO stats_generation (model_name, strategy, first_seen, last_seen) VALUES (?, ?, ?, ?)
        ON CONFLICT(model_name, strategy) DO UPDATE SET total_requests = total_requests + 1, last_seen = ?
    `, modelName, strategy, now, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert stats_generation: %w", err)
	}
	return nil
}

// ForgetModel drops the counters of a removed model.
func (s *StatsAPI) ForgetModel(ctx context.Context, modelName string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM stats_generation WHERE model_name = ?", modelName); err != nil {
		return fmt.Errorf("failed to delete counters of %q: %w", modelName, err)
	}
	return nil
}

func (s *StatsAPI) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeStatsRead) {
		return
	}

	dbStats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("Failed to get store stats", slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}
	summary := GlobalStatsSummary{
		Models:      len(dbStats.Models),
		VocabSize:   dbStats.VocabSize,
		Transitions: dbStats.Transitions,
	}
	err = s.db.QueryRowContext(r.Context(), "SELECT COALESCE(SUM(total_requests), 0) FROM stats_generation").Scan(&summary.TotalRequests)
	if err != nil {
		s.logger.Error("Failed to sum generation counters", slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

func (s *StatsAPI) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeStatsRead) {
		return
	}

	dbStats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("Failed to get store stats", slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}

	summaries := make([]ModelSummary, 0, len(dbStats.Models))
	index := make(map[string]int, len(dbStats.Models))
	for _, info := range dbStats.Models {
		index[info.Name] = len(summaries)
		summaries = append(summaries, ModelSummary{
			ModelInfo:  info,
			ModelStats: dbStats.Stats[info.Id],
			Requests:   map[string]int64{},
		})
	}

	rows, err := s.db.QueryContext(r.Context(), "SELECT model_name, strategy, total_requests FROM stats_generation")
	if err != nil {
		s.logger.Error("Failed to query generation counters", slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	for rows.Next() {
		var name, strategy string
		var total int64
		if err = rows.Scan(&name, &strategy, &total); err != nil {
			s.logger.Error("Failed to scan generation counter", slog.Any("error", err))
			continue
		}
		if i, ok := index[name]; ok {
			summaries[i].Requests[strategy] = total
		}
	}
	respondWithJSON(w, http.StatusOK, summaries)
}

func (s *StatsAPI) handleGeneration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeStatsRead) {
		return
	}
	rows, err := s.db.QueryContext(r.Context(), "SELECT model_name, strategy, total_requests, first_seen, last_seen FROM stats_generation ORDER BY total_requests DESC, model_name, strategy LIMIT 100")
	if err != nil {
		s.logger.Error("Failed to query generation counters", slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Database error: %v", err))
		return
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	results := []GenerationCounter{}
	for rows.Next() {
		var c GenerationCounter
		if err = rows.Scan(&c.ModelName, &c.Strategy, &c.TotalRequests, &c.FirstSeen, &c.LastSeen); err != nil {
			s.logger.Error("Failed to scan generation counter", slog.Any("error", err))
			continue
		}
		results = append(results, c)
	}
	respondWithJSON(w, http.StatusOK, results)
}
