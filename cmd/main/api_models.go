package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	"github.com/CTAG07/wordbeam/pkg/markov"
)

// Generation strategies served under /api/models/{name}/.
const (
	strategyTop        = "top"
	strategySuccessors = "successors"
	strategyGreedy     = "greedy"
	strategyBeam       = "beam"
	strategyStages     = "stages"
)

// ModelAPI holds the dependencies for the model API handlers.
type ModelAPI struct {
	store  *markov.Store
	stats  *StatsAPI
	auth   *AuthAPI
	cm     *ConfigManager
	logger *slog.Logger
}

// NewModelAPI creates a new instance of the ModelAPI.
func NewModelAPI(store *markov.Store, stats *StatsAPI, auth *AuthAPI, cm *ConfigManager, logger *slog.Logger) *ModelAPI {
	return &ModelAPI{
		store:  store,
		stats:  stats,
		auth:   auth,
		cm:     cm,
		logger: logger,
	}
}

// RegisterRoutes sets up the routing for all /api/models endpoints.
func (m *ModelAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/models", m.handleListAndCreateModels)
	mux.HandleFunc("/api/models/import", m.handleImport)
	mux.HandleFunc("/api/models/", m.handleModelByName)
}

// PruneRequest is the expected JSON body for pruning a model.
type PruneRequest struct {
	MaxProb float64 `json:"max_prob"`
}

// GenerationResponse is returned by the sentence generating actions.
type GenerationResponse struct {
	Model    string `json:"model"`
	Strategy string `json:"strategy"`
	Text     string `json:"text"`
	markov.Sentence
}

// validModelName rejects names that cannot be addressed under /api/models/.
func validModelName(name string) error {
	switch {
	case name == "":
		return errors.New("model name is required")
	case name == "import":
		return errors.New("model name 'import' is reserved")
	case strings.ContainsAny(name, "/?#"):
		return errors.New("model name must not contain '/', '?' or '#'")
	}
	return nil
}

// handleListAndCreateModels handles GET for listing and POST for creating
// models. The listing only holds the models the caller may read.
func (m *ModelAPI) handleListAndCreateModels(w http.ResponseWriter, r *http.Request) {
	perms := permissionsFrom(r)
	switch r.Method {
	case http.MethodGet:
		if !perms.AnyModel(scopeModelsRead) {
			respondWithError(w, http.StatusForbidden, "Forbidden: requires 'models:read' scope")
			return
		}
		models, err := m.store.GetModelInfos(r.Context())
		if err != nil {
			m.logger.Error("Failed to get model infos", slog.Any("error", err))
			respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve models: %v", err))
			return
		}
		modelList := make([]markov.ModelInfo, 0, len(models))
		for name, model := range models {
			if perms.HasModel(scopeModelsRead, name) {
				modelList = append(modelList, model)
			}
		}
		sort.Slice(modelList, func(i, j int) bool { return modelList[i].Name < modelList[j].Name })
		respondWithJSON(w, http.StatusOK, modelList)

	case http.MethodPost:
		name := r.URL.Query().Get("name")
		if err := validModelName(name); err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		if !requireModelScope(w, r, scopeModelsWrite, name) {
			return
		}
		if _, err := m.store.GetModelInfo(r.Context(), name); err == nil {
			respondWithError(w, http.StatusConflict, fmt.Sprintf("Model %q already exists", name))
			return
		}

		cfg := m.cm.Get()
		r.Body = http.MaxBytesReader(w, r.Body, cfg.Generation.MaxUploadSize)
		model, err := markov.ReadModel(r.Body)
		if err != nil {
			m.respondWithModelError(w, "Invalid model", err)
			return
		}

		info, err := m.store.SaveModel(r.Context(), name, model)
		if err != nil {
			m.logger.Error("Failed to save new model", slog.String("name", name), slog.Any("error", err))
			respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create model: %v", err))
			return
		}
		m.autoPrune(r, info, cfg.Generation.PruneMaxProb)
		respondWithJSON(w, http.StatusCreated, info)

	default:
		w.Header().Set("Allow", "GET, POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleModelByName routes actions for a specific model, e.g., beam, stages, export, delete.
func (m *ModelAPI) handleModelByName(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/models/")
	parts := strings.Split(strings.TrimSuffix(path, "/"), "/")
	modelName := parts[0]

	if modelName == "" {
		respondWithError(w, http.StatusBadRequest, "Model name not specified")
		return
	}
	if len(parts) > 2 {
		respondWithError(w, http.StatusNotFound, "Action not found")
		return
	}
	// Scopes are checked before the lookup so a caller cannot tell which
	// models it has no access to exist.
	required := scopeModelsRead
	if len(parts) == 1 || parts[1] == "prune" {
		required = scopeModelsWrite
	}
	if !requireModelScope(w, r, required, modelName) {
		return
	}

	info, err := m.store.GetModelInfo(r.Context(), modelName)
	if err != nil {
		m.respondWithModelError(w, "Failed to get model", err)
		return
	}

	if len(parts) == 1 { // Path is just /api/models/{name}
		if r.Method != http.MethodDelete {
			w.Header().Set("Allow", "DELETE")
			respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		if err = m.store.RemoveModel(r.Context(), info); err != nil {
			m.logger.Error("Failed to remove model", slog.String("name", modelName), slog.Any("error", err))
			respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to remove model: %v", err))
			return
		}
		if err = m.stats.ForgetModel(r.Context(), modelName); err != nil {
			m.logger.Warn("Failed to delete generation counters", slog.String("name", modelName), slog.Any("error", err))
		}
		if _, err = m.auth.RevokeModelScopes(r.Context(), modelName); err != nil {
			m.logger.Warn("Failed to revoke model scopes", slog.String("name", modelName), slog.Any("error", err))
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	action := parts[1]
	switch action {
	case "prune":
		m.handlePrune(w, r, info)
	case "export":
		if !allowGet(w, r) {
			return
		}
		var buf bytes.Buffer
		if err = m.store.ExportModel(r.Context(), info, &buf); err != nil {
			m.logger.Error("Failed to export model", slog.String("name", modelName), slog.Any("error", err))
			respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Export failed: %v", err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s.json\"", modelName))
		_, _ = buf.WriteTo(w)
	case strategyTop, strategySuccessors, strategyGreedy, strategyBeam, strategyStages:
		m.handleGenerate(w, r, info, action)
	default:
		respondWithError(w, http.StatusNotFound, "Action not found")
	}
}

// handleGenerate loads a model and serves one of the generation strategies.
func (m *ModelAPI) handleGenerate(w http.ResponseWriter, r *http.Request, info markov.ModelInfo, strategy string) {
	if !allowGet(w, r) {
		return
	}

	model, err := m.store.LoadModel(r.Context(), info)
	if err != nil {
		m.respondWithModelError(w, "Failed to load model", err)
		return
	}

	if m.cm.Get().Generation.RecordStats {
		if err = m.stats.RecordGeneration(r.Context(), info.Name, strategy); err != nil {
			m.logger.Warn("Failed to record generation", slog.String("name", info.Name), slog.Any("error", err))
		}
	}

	var sentence markov.Sentence
	switch strategy {
	case strategySuccessors:
		respondWithJSON(w, http.StatusOK, model.Successors())
		return
	case strategyStages:
		var buf bytes.Buffer
		if err = writeStages(&buf, model); err != nil {
			respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to render stages: %v", err))
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = buf.WriteTo(w)
		return
	case strategyTop:
		sentence = model.TopWords()
	case strategyGreedy:
		sentence = model.Greedy()
	case strategyBeam:
		sentence = model.BeamSearch()
	}

	m.logger.Debug("Sentence generated",
		slog.String("name", info.Name),
		slog.String("strategy", strategy),
		slog.Int("length", len(sentence.Tokens)),
	)
	respondWithJSON(w, http.StatusOK, GenerationResponse{
		Model:    info.Name,
		Strategy: strategy,
		Text:     sentence.String(),
		Sentence: sentence,
	})
}

func (m *ModelAPI) handlePrune(w http.ResponseWriter, r *http.Request, info markov.ModelInfo) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	var req PruneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	if req.MaxProb < 0 || req.MaxProb > 1 {
		respondWithError(w, http.StatusBadRequest, "max_prob must be within [0, 1]")
		return
	}
	removed, err := m.store.PruneModel(r.Context(), info, req.MaxProb)
	if err != nil {
		m.logger.Error("Failed to prune model", slog.String("name", info.Name), slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Pruning failed: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

// handleImport imports a model from an uploaded JSON export. The caller
// needs write access to the name inside the export.
func (m *ModelAPI) handleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if !permissionsFrom(r).AnyModel(scopeModelsWrite) {
		respondWithError(w, http.StatusForbidden, "Forbidden: requires 'models:write' scope")
		return
	}

	cfg := m.cm.Get()
	body, err := readLimited(w, r, cfg.Generation.MaxUploadSize)
	if err != nil {
		respondWithError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	var peek struct {
		Name string `json:"name"`
	}
	if err = json.Unmarshal(body, &peek); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	if err = validModelName(peek.Name); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !requireModelScope(w, r, scopeModelsWrite, peek.Name) {
		return
	}

	info, err := m.store.ImportModel(r.Context(), bytes.NewReader(body))
	if err != nil {
		m.respondWithModelError(w, "Import failed", err)
		return
	}
	m.autoPrune(r, info, cfg.Generation.PruneMaxProb)
	respondWithJSON(w, http.StatusCreated, info)
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

// autoPrune applies the configured prune threshold to a freshly stored model.
func (m *ModelAPI) autoPrune(r *http.Request, info markov.ModelInfo, maxProb float64) {
	if maxProb <= 0 {
		return
	}
	if _, err := m.store.PruneModel(r.Context(), info, maxProb); err != nil {
		m.logger.Warn("Automatic prune failed", slog.String("name", info.Name), slog.Any("error", err))
	}
}

// respondWithModelError maps library errors to HTTP status codes.
func (m *ModelAPI) respondWithModelError(w http.ResponseWriter, msg string, err error) {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, markov.ErrModelNotFound):
		respondWithError(w, http.StatusNotFound, "Model not found")
	case errors.As(err, &maxBytesErr):
		respondWithError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("%s: body exceeds %d bytes", msg, maxBytesErr.Limit))
	case errors.Is(err, markov.ErrMalformedInput):
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("%s: %v", msg, err))
	default:
		m.logger.Error(msg, slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("%s: %v", msg, err))
	}
}

// readLimited reads the whole request body, failing once it exceeds limit bytes.
func readLimited(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(http.MaxBytesReader(w, r.Body, limit)); err != nil {
		return nil, fmt.Errorf("request body exceeds %d bytes", limit)
	}
	return buf.Bytes(), nil
}
