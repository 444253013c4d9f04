package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/CTAG07/wordbeam/pkg/markov"
)

// Server wires the model store and the API handlers together.
type Server struct {
	cm        *ConfigManager
	db        *sql.DB
	logger    *slog.Logger
	store     *markov.Store
	authAPI   *AuthAPI
	modelAPI  *ModelAPI
	statsAPI  *StatsAPI
	serverAPI *ServerAPI
	apiMux    *http.ServeMux
}

// setupSchemas creates every table the server uses.
func setupSchemas(db *sql.DB) error {
	if err := markov.SetupSchema(db); err != nil {
		return fmt.Errorf("failed to setup markov schema: %w", err)
	}
	if err := setupAuthSchema(db); err != nil {
		return fmt.Errorf("failed to setup auth schema: %w", err)
	}
	if err := setupStatsSchema(db); err != nil {
		return fmt.Errorf("failed to setup stats schema: %w", err)
	}
	return nil
}

func NewServer(cm *ConfigManager, logger *slog.Logger, db *sql.DB, actionChan chan string) (*Server, error) {
	store, err := markov.NewStore(db)
	if err != nil {
		return nil, fmt.Errorf("error creating model store: %w", err)
	}
	store.SetLogger(logger)

	// api initialization
	authAPI := NewAuthAPI(db, logger)
	statsAPI := NewStatsAPI(db, store, logger)
	modelAPI := NewModelAPI(store, statsAPI, authAPI, cm, logger)
	serverAPI := NewServerAPI(cm, db, actionChan, logger)

	server := &Server{
		cm:        cm,
		db:        db,
		logger:    logger,
		store:     store,
		authAPI:   authAPI,
		modelAPI:  modelAPI,
		statsAPI:  statsAPI,
		serverAPI: serverAPI,
		apiMux:    http.NewServeMux(),
	}

	apiMux := http.NewServeMux()

	server.authAPI.RegisterRoutes(apiMux)
	server.modelAPI.RegisterRoutes(apiMux)
	server.statsAPI.RegisterRoutes(apiMux)
	server.serverAPI.RegisterRoutes(apiMux)

	// Make sure api functions must pass through authentication first
	authedAPI := server.authAPI.Authenticate(apiMux)
	// ... except for the health check, which is unauthed so something like docker can use it
	server.apiMux.HandleFunc("/api/health", server.serverAPI.handleHealthCheck)
	server.apiMux.Handle("/api/", authedAPI)

	return server, nil
}

// Close releases the store's prepared statements.
func (s *Server) Close() {
	s.store.Close()
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			slog.Error("Failed to encode JSON response", slog.Any("error", err))
		}
	}
}
