package main

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/CTAG07/wordbeam/pkg/markov"
)

const (
	actionShutdown = "shutdown"
	actionRestart  = "restart"
)

// ServerAPI serves health, configuration, build information and the
// shutdown and restart controls.
type ServerAPI struct {
	cm         *ConfigManager
	db         *sql.DB
	actionChan chan string
	logger     *slog.Logger
}

// Limits are the fixed generation bounds compiled into the server.
type Limits struct {
	MaxVocabulary  int `json:"max_vocabulary"`
	MaxTokenLength int `json:"max_token_length"`
	MaxSentence    int `json:"max_sentence"`
	BeamWidth      int `json:"beam_width"`
	MaxRounds      int `json:"max_rounds"`
	GreedySteps    int `json:"greedy_steps"`
}

// VersionInfo is the build information and generation limits of the server.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	Limits    Limits `json:"limits"`
}

// ConfigUpdateResponse is returned after a configuration change.
// RestartRequired is set when a server_config field changed, since those are
// only read at startup.
type ConfigUpdateResponse struct {
	Config
	RestartRequired bool `json:"restart_required"`
}

func NewServerAPI(cm *ConfigManager, db *sql.DB, actionChan chan string, logger *slog.Logger) *ServerAPI {
	return &ServerAPI{
		cm:         cm,
		db:         db,
		actionChan: actionChan,
		logger:     logger,
	}
}

// RegisterRoutes sets up the routing for all /api/server endpoints. The
// health check is registered by the Server itself, outside authentication.
func (a *ServerAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/server/config", a.handleConfig)
	mux.HandleFunc("/api/server/version", a.handleVersion)
	mux.HandleFunc("/api/server/shutdown", a.actionHandler(actionShutdown, "Server is shutting down..."))
	mux.HandleFunc("/api/server/restart", a.actionHandler(actionRestart, "Server is restarting..."))
}

// handleHealthCheck reports 200 while the model database answers and 503
// otherwise.
func (a *ServerAPI) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if err := a.db.PingContext(r.Context()); err != nil {
		a.logger.Warn("Health check failed", slog.Any("error", err))
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *ServerAPI) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPut {
		w.Header().Set("Allow", "GET, PUT")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !requireScope(w, r, scopeServerConfig) {
		return
	}
	if r.Method == http.MethodGet {
		respondWithJSON(w, http.StatusOK, a.cm.Get())
		return
	}

	var newConfig Config
	if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	old := a.cm.Get()
	if err := a.cm.Update(newConfig); err != nil {
		a.logger.Warn("Rejected configuration update", slog.Any("error", err))
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	current := a.cm.Get()
	restart := *old.Server != *current.Server
	a.logger.Info("Configuration updated via API", slog.Bool("restart_required", restart))
	respondWithJSON(w, http.StatusOK, ConfigUpdateResponse{Config: current, RestartRequired: restart})
}

func (a *ServerAPI) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) || !requireScope(w, r, scopeStatsRead) {
		return
	}
	respondWithJSON(w, http.StatusOK, VersionInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
		Limits: Limits{
			MaxVocabulary:  markov.MaxVocabulary,
			MaxTokenLength: markov.MaxTokenLength,
			MaxSentence:    markov.MaxSentence,
			BeamWidth:      markov.BeamWidth,
			MaxRounds:      markov.MaxRounds,
			GreedySteps:    markov.GreedySteps,
		},
	})
}

// actionHandler returns a handler that hands action to the run loop.
func (a *ServerAPI) actionHandler(action, message string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		if !requireScope(w, r, scopeServerControl) {
			return
		}
		a.logger.Warn("Server action initiated via API", slog.String("action", action))
		respondWithJSON(w, http.StatusAccepted, map[string]string{"message": message})
		go func() {
			a.actionChan <- action
		}()
	}
}
