package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

const authSchema = `
CREATE TABLE IF NOT EXISTS api_keys (
    id            INTEGER   PRIMARY KEY,
    key_hash      TEXT      NOT NULL UNIQUE,
    scopes        TEXT      NOT NULL,
    description   TEXT      NOT NULL
);
`

const authHeader = "wordbeam-auth"

// Scopes granted to API keys. The two model scopes also exist in a per-model
// form, "models:read:<name>", limited to the named model.
const (
	scopeModelsRead    = "models:read"
	scopeModelsWrite   = "models:write"
	scopeStatsRead     = "stats:read"
	scopeServerConfig  = "server:config"
	scopeServerControl = "server:control"
	scopeAuthManage    = "auth:manage"
	scopeMaster        = "*"
)

var globalScopes = map[string]struct{}{
	scopeModelsRead:    {},
	scopeModelsWrite:   {},
	scopeStatsRead:     {},
	scopeServerConfig:  {},
	scopeServerControl: {},
	scopeAuthManage:    {},
	scopeMaster:        {},
}

var errUnauthorized = errors.New("missing or unknown api key")

// modelScope returns the per-model form of a model scope.
func modelScope(base, model string) string {
	return base + ":" + model
}

// parseScope validates a scope and splits a per-model scope into its base
// scope and model name. Global scopes return an empty model.
func parseScope(scope string) (base, model string, err error) {
	if _, ok := globalScopes[scope]; ok {
		return scope, "", nil
	}
	if strings.ContainsFunc(scope, unicode.IsSpace) {
		return "", "", fmt.Errorf("scope %q must not contain whitespace", scope)
	}
	for _, b := range []string{scopeModelsRead, scopeModelsWrite} {
		name, ok := strings.CutPrefix(scope, b+":")
		if !ok {
			continue
		}
		if err = validModelName(name); err != nil {
			return "", "", fmt.Errorf("scope %q: %w", scope, err)
		}
		return b, name, nil
	}
	return "", "", fmt.Errorf("unknown scope %q", scope)
}

// Permissions is the set of scopes granted to a request.
type Permissions struct {
	scopes map[string]struct{}
}

func newPermissions(scopes []string) *Permissions {
	p := &Permissions{scopes: make(map[string]struct{}, len(scopes))}
	for _, s := range scopes {
		p.scopes[s] = struct{}{}
	}
	return p
}

// Has reports whether scope is granted globally.
func (p *Permissions) Has(scope string) bool {
	if p == nil {
		return false
	}
	_, master := p.scopes[scopeMaster]
	_, ok := p.scopes[scope]
	return master || ok
}

// HasModel reports whether a model scope is granted for the named model,
// globally or through its per-model form.
func (p *Permissions) HasModel(base, model string) bool {
	if p.Has(base) {
		return true
	}
	if p == nil {
		return false
	}
	_, ok := p.scopes[modelScope(base, model)]
	return ok
}

// AnyModel reports whether a model scope is granted for at least one model.
func (p *Permissions) AnyModel(base string) bool {
	if p.Has(base) {
		return true
	}
	if p == nil {
		return false
	}
	for s := range p.scopes {
		if strings.HasPrefix(s, base+":") {
			return true
		}
	}
	return false
}

// List returns the granted scopes in sorted order.
func (p *Permissions) List() []string {
	scopes := make([]string, 0, len(p.scopes))
	for s := range p.scopes {
		scopes = append(scopes, s)
	}
	slices.Sort(scopes)
	return scopes
}

type contextKey string

const contextKeyPermissions = contextKey("permissions")

func withPermissions(ctx context.Context, p *Permissions) context.Context {
	return context.WithValue(ctx, contextKeyPermissions, p)
}

// permissionsFrom returns the permissions attached by Authenticate, or nil.
func permissionsFrom(r *http.Request) *Permissions {
	p, _ := r.Context().Value(contextKeyPermissions).(*Permissions)
	return p
}

// hasScope checks if the request holds a global scope.
func hasScope(r *http.Request, scope string) bool {
	return permissionsFrom(r).Has(scope)
}

// requireScope writes a 403 unless the request holds scope.
func requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	if hasScope(r, scope) {
		return true
	}
	respondWithError(w, http.StatusForbidden, fmt.Sprintf("Forbidden: requires '%s' scope", scope))
	return false
}

// requireModelScope writes a 403 unless the request holds base for model.
func requireModelScope(w http.ResponseWriter, r *http.Request, base, model string) bool {
	if permissionsFrom(r).HasModel(base, model) {
		return true
	}
	respondWithError(w, http.StatusForbidden, fmt.Sprintf("Forbidden: requires '%s' or '%s' scope", base, modelScope(base, model)))
	return false
}

// AuthAPI manages API keys and authenticates requests.
type AuthAPI struct {
	db     *sql.DB
	logger *slog.Logger
}

func setupAuthSchema(db *sql.DB) error {
	_, err := db.Exec(authSchema)
	return err
}

func NewAuthAPI(db *sql.DB, logger *slog.Logger) *AuthAPI {
	return &AuthAPI{
		db:     db,
		logger: logger,
	}
}

// RegisterRoutes sets up the routing for all /api/auth endpoints.
func (a *AuthAPI) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/me", a.handleCheckMe)
	mux.HandleFunc("/api/auth/keys", a.handleKeys)
	mux.HandleFunc("/api/auth/keys/", a.handleKeyByID)
}

// APIKeyInfo is the structure returned when listing keys.
type APIKeyInfo struct {
	ID          int      `json:"id"`
	Scopes      []string `json:"scopes"`
	Description string   `json:"description"`
}

// CreateKeyRequest is the expected JSON body for creating a new key.
type CreateKeyRequest struct {
	Scopes      []string `json:"scopes"`
	Description string   `json:"description"`
}

// CreateKeyResponse is the JSON response after creating a key. RawKey is
// only ever shown here.
type CreateKeyResponse struct {
	ID     int      `json:"id"`
	RawKey string   `json:"raw_key"`
	Scopes []string `json:"scopes"`
}

// Authenticate attaches the permissions of the key in authHeader to the
// request. While no keys exist the API is open and every request gets the
// master scope.
func (a *AuthAPI) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		perms, err := a.permissionsFor(r.Context(), r.Header.Get(authHeader))
		if errors.Is(err, errUnauthorized) {
			respondWithError(w, http.StatusUnauthorized, "Missing or unknown API key")
			return
		}
		if err != nil {
			a.logger.Error("Authentication failed", slog.Any("error", err))
			respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		next.ServeHTTP(w, r.WithContext(withPermissions(r.Context(), perms)))
	})
}

func (a *AuthAPI) permissionsFor(ctx context.Context, rawKey string) (*Permissions, error) {
	keyCount, err := a.countKeys(ctx)
	if err != nil {
		return nil, err
	}
	if keyCount == 0 {
		return newPermissions([]string{scopeMaster}), nil
	}
	if rawKey == "" {
		return nil, errUnauthorized
	}

	var scopes string
	err = a.db.QueryRowContext(ctx, "SELECT scopes FROM api_keys WHERE key_hash = ?", hashAPIKey(rawKey)).Scan(&scopes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query api key: %w", err)
	}
	return newPermissions(strings.Fields(scopes)), nil
}

func (a *AuthAPI) countKeys(ctx context.Context) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_keys").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count api keys: %w", err)
	}
	return n, nil
}

// RevokeModelScopes strips the per-model scopes of a removed model from
// every key, so a model created later under the same name starts without
// inherited grants. It returns the number of keys changed.
func (a *AuthAPI) RevokeModelScopes(ctx context.Context, model string) (int, error) {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("could not begin transaction: %w", err)
	}
	defer func(tx *sql.Tx) {
		_ = tx.Rollback()
	}(tx)

	keys, err := queryKeys(ctx, tx)
	if err != nil {
		return 0, err
	}
	revoked := []string{modelScope(scopeModelsRead, model), modelScope(scopeModelsWrite, model)}
	changed := 0
	for _, key := range keys {
		kept := slices.DeleteFunc(slices.Clone(key.Scopes), func(s string) bool {
			return slices.Contains(revoked, s)
		})
		if len(kept) == len(key.Scopes) {
			continue
		}
		if _, err = tx.ExecContext(ctx, "UPDATE api_keys SET scopes = ? WHERE id = ?", strings.Join(kept, " "), key.ID); err != nil {
			return 0, fmt.Errorf("failed to update scopes of key %d: %w", key.ID, err)
		}
		changed++
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("could not commit scope revocation: %w", err)
	}
	if changed > 0 {
		a.logger.Info("Model scopes revoked", slog.String("model_name", model), slog.Int("keys", changed))
	}
	return changed, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryKeys(ctx context.Context, q queryer) ([]APIKeyInfo, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, description, scopes FROM api_keys ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query api keys: %w", err)
	}
	defer func(rows *sql.Rows) {
		_ = rows.Close()
	}(rows)

	keys := []APIKeyInfo{}
	for rows.Next() {
		var key APIKeyInfo
		var scopes string
		if err = rows.Scan(&key.ID, &key.Description, &scopes); err != nil {
			return nil, fmt.Errorf("failed to scan api key row: %w", err)
		}
		key.Scopes = append([]string{}, strings.Fields(scopes)...)
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (a *AuthAPI) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listKeys(w, r)
	case http.MethodPost:
		a.createKey(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (a *AuthAPI) handleKeyByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", "DELETE")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed for this key resource")
		return
	}
	id, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/auth/keys/"), "/"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid key ID format in URL")
		return
	}
	a.deleteKey(w, r, id)
}

func (a *AuthAPI) handleCheckMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		respondWithError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	perms := permissionsFrom(r)
	if perms == nil {
		respondWithError(w, http.StatusUnauthorized, "Missing or unknown API key")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string][]string{"scopes": perms.List()})
}

// listKeys lists every key, or with ?model=<name> only the keys that can
// read or write that model.
func (a *AuthAPI) listKeys(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, scopeAuthManage) {
		return
	}
	keys, err := queryKeys(r.Context(), a.db)
	if err != nil {
		a.logger.Error("Failed to list API keys", slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, "Database query failed")
		return
	}

	if model := r.URL.Query().Get("model"); model != "" {
		keys = slices.DeleteFunc(keys, func(k APIKeyInfo) bool {
			p := newPermissions(k.Scopes)
			return !p.HasModel(scopeModelsRead, model) && !p.HasModel(scopeModelsWrite, model)
		})
	}
	respondWithJSON(w, http.StatusOK, keys)
}

func (a *AuthAPI) createKey(w http.ResponseWriter, r *http.Request) {
	if !requireScope(w, r, scopeAuthManage) {
		return
	}
	var req CreateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid JSON request body")
		return
	}
	for _, scope := range req.Scopes {
		if _, _, err := parseScope(scope); err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	scopes := slices.Compact(slices.Sorted(slices.Values(req.Scopes)))
	if scopes == nil {
		scopes = []string{}
	}

	keyCount, err := a.countKeys(r.Context())
	if err != nil {
		a.logger.Error("Failed to count API keys", slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, "Database query failed")
		return
	}
	// The first key is always a master key so the API cannot lock itself out.
	if keyCount == 0 {
		scopes = []string{scopeMaster}
	}

	rawKey, err := generateAPIKey()
	if err != nil {
		a.logger.Error("Failed to generate new API key", slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, "Key generation failed")
		return
	}

	var newID int
	err = a.db.QueryRowContext(r.Context(),
		`INSERT INTO api_keys (key_hash, description, scopes) VALUES (?, ?, ?) RETURNING id`,
		hashAPIKey(rawKey), req.Description, strings.Join(scopes, " ")).Scan(&newID)
	if err != nil {
		a.logger.Error("Failed to insert new API key", slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, "Failed to save new key")
		return
	}

	a.logger.Info("API key created", slog.Int("id", newID), slog.Any("scopes", scopes))
	respondWithJSON(w, http.StatusCreated, CreateKeyResponse{ID: newID, RawKey: rawKey, Scopes: scopes})
}

func (a *AuthAPI) deleteKey(w http.ResponseWriter, r *http.Request, id int) {
	if !requireScope(w, r, scopeAuthManage) {
		return
	}
	if id == 1 {
		respondWithError(w, http.StatusBadRequest, "Cannot delete the primary master key (ID 1)")
		return
	}

	res, err := a.db.ExecContext(r.Context(), "DELETE FROM api_keys WHERE id = ?", id)
	if err != nil {
		a.logger.Error("Failed to delete API key", slog.Int("id", id), slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, "Failed to delete key")
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		respondWithError(w, http.StatusNotFound, "Key not found")
		return
	}
	a.logger.Info("API key deleted", slog.Int("id", id))
	w.WriteHeader(http.StatusNoContent)
}

func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return "wb_" + hex.EncodeToString(b), nil
}

func hashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}
