package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/classpoint/ragserver/internal/auth"
	"github.com/classpoint/ragserver/internal/core"
	"github.com/classpoint/ragserver/internal/index"
	"github.com/classpoint/ragserver/internal/ingest"
	"github.com/classpoint/ragserver/internal/store"
)

type contextKey string

const claimsContextKey contextKey = "claims"

type APIHandler struct {
	users    *store.SQLiteStore
	staging  *ingest.StagingManager
	registry *index.Registry
	builder  *index.Builder
	chat     *core.ChatService

	jwtSecret []byte

	// buildCtx outlives individual requests so index builds keep running
	// after the triggering request returns. Cancelling it (on shutdown)
	// rolls in-flight builds back.
	buildCtx context.Context
}

func NewAPIHandler(users *store.SQLiteStore, staging *ingest.StagingManager, registry *index.Registry,
	builder *index.Builder, chat *core.ChatService, jwtSecret []byte, buildCtx context.Context) *APIHandler {
	return &APIHandler{
		users:     users,
		staging:   staging,
		registry:  registry,
		builder:   builder,
		chat:      chat,
		jwtSecret: jwtSecret,
		buildCtx:  buildCtx,
	}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		claims, err := auth.ValidateJWT(h.jwtSecret, tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), claimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerClaims(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(claimsContextKey).(*auth.Claims)
	return claims
}

// requireDatasourceRole enforces the datasource-mutation capability at the
// top of every mutating handler, per the operation's own contract.
func (h *APIHandler) requireDatasourceRole(w http.ResponseWriter, r *http.Request) bool {
	claims := callerClaims(r)
	if claims == nil || !auth.CanManageDatasources(claims.Role) {
		http.Error(w, "Role is not permitted to manage datasources", http.StatusForbidden)
		return false
	}
	return true
}

// writeError maps the pipeline's sentinel errors onto HTTP statuses.
// Internal errors never leak paths or credentials.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidFileType),
		errors.Is(err, ingest.ErrInvalidChunkConfig),
		errors.Is(err, ingest.ErrInvalidDatasourceName),
		errors.Is(err, core.ErrMissingDatasource),
		errors.Is(err, core.ErrEmptyMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ingest.ErrAlreadyStaging),
		errors.Is(err, index.ErrDuplicateDatasource),
		errors.Is(err, index.ErrBuildInProgress),
		errors.Is(err, index.ErrDatasourceNotReady),
		errors.Is(err, store.ErrEmailTaken):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, index.ErrDatasourceNotFound),
		errors.Is(err, ingest.ErrStagingNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		log.Printf("Internal error: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

type RegisterRequest struct {
	Email    string    `json:"email"`
	Password string    `json:"password"`
	Role     auth.Role `json:"role"`
}

func (h *APIHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, "Email and password are required", http.StatusBadRequest)
		return
	}
	if !req.Role.Valid() {
		http.Error(w, "Invalid role", http.StatusBadRequest)
		return
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		log.Printf("Error hashing password for %s: %v", req.Email, err)
		http.Error(w, "Failed to process password", http.StatusInternalServerError)
		return
	}

	user, err := h.users.CreateUser(req.Email, hashedPassword, req.Role)
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		log.Printf("Error creating user %s: %v", req.Email, err)
		http.Error(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

type TokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *APIHandler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	user, err := h.users.GetUserByEmail(req.Email)
	if err != nil {
		log.Printf("Error getting user %s: %v", req.Email, err)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	if user == nil || !auth.CheckPasswordHash(req.Password, user.PasswordHash) {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(h.jwtSecret, user.Email, user.Role)
	if err != nil {
		log.Printf("Error generating JWT for %s: %v", user.Email, err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token, "token_type": "bearer"})
}

type ChangeRoleRequest struct {
	Email   string    `json:"email"`
	NewRole auth.Role `json:"new_role"`
}

func (h *APIHandler) ChangeRoleHandler(w http.ResponseWriter, r *http.Request) {
	claims := callerClaims(r)
	if claims == nil || claims.Role != auth.RoleAdmin {
		http.Error(w, "Only admins can change roles", http.StatusForbidden)
		return
	}

	var req ChangeRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !req.NewRole.Valid() {
		http.Error(w, "Invalid role", http.StatusBadRequest)
		return
	}

	if err := h.users.UpdateUserRole(req.Email, req.NewRole); err != nil {
		log.Printf("Error updating role for %s: %v", req.Email, err)
		http.Error(w, "Failed to update role", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"message": fmt.Sprintf("Role updated for %s", req.Email)})
}

const maxUploadMemory = 64 << 20 // 64 MiB buffered in memory, rest spills to disk

func (h *APIHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if !h.requireDatasourceRole(w, r) {
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		http.Error(w, "Invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}

	name := r.FormValue("datasource_name")
	if name == "" {
		http.Error(w, "datasource_name is required", http.StatusBadRequest)
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		http.Error(w, "At least one file is required", http.StatusBadRequest)
		return
	}

	if h.registry.Exists(name) {
		writeError(w, fmt.Errorf("%w: %s", index.ErrDuplicateDatasource, name))
		return
	}

	files := make([]ingest.UploadFile, 0, len(headers))
	for _, header := range headers {
		f, err := header.Open()
		if err != nil {
			http.Error(w, "Failed to read uploaded file", http.StatusBadRequest)
			return
		}
		defer f.Close()
		files = append(files, ingest.UploadFile{Name: header.Filename, Reader: f})
	}

	session, err := h.staging.Stage(name, files)
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(session)
}

type CreateDatasourceRequest struct {
	Name string `json:"name"`
}

func (h *APIHandler) CreateDatasourceHandler(w http.ResponseWriter, r *http.Request) {
	if !h.requireDatasourceRole(w, r) {
		return
	}

	var req CreateDatasourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	if err := h.builder.Start(h.buildCtx, req.Name); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"name":   req.Name,
		"status": string(index.StatusBuilding),
	})
}

func (h *APIHandler) ListDatasourcesHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string][]string{"datasources": h.registry.List()})
}

type DatasourceStatusResponse struct {
	Name     string         `json:"name"`
	Status   index.Status   `json:"status"`
	Progress *BuildProgress `json:"progress,omitempty"`
}

type BuildProgress struct {
	Embedded int `json:"embedded"`
	Total    int `json:"total"`
}

func (h *APIHandler) GetDatasourceHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	status := h.registry.Status(name)
	if status == index.StatusNotFound {
		writeError(w, fmt.Errorf("%w: %s", index.ErrDatasourceNotFound, name))
		return
	}

	resp := DatasourceStatusResponse{Name: name, Status: status}
	if embedded, total, ok := h.builder.Progress(name); ok {
		resp.Progress = &BuildProgress{Embedded: embedded, Total: total}
	}
	json.NewEncoder(w).Encode(resp)
}

func (h *APIHandler) DeleteDatasourceHandler(w http.ResponseWriter, r *http.Request) {
	if !h.requireDatasourceRole(w, r) {
		return
	}

	name := chi.URLParam(r, "name")
	if err := h.builder.Delete(name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ChatHandler(w http.ResponseWriter, r *http.Request) {
	var req core.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.chat.Answer(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	json.NewEncoder(w).Encode(resp)
}

type streamFragment struct {
	Delta string `json:"delta"`
}

// ChatStreamHandler streams the answer as server-sent events, one fragment
// per data line, terminated by [DONE]. A client disconnect cancels the
// request context, which cancels the in-flight completion.
func (h *APIHandler) ChatStreamHandler(w http.ResponseWriter, r *http.Request) {
	var req core.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming is not supported", http.StatusInternalServerError)
		return
	}

	fragments, errc, err := h.chat.AnswerStream(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for fragment := range fragments {
		payload, err := json.Marshal(streamFragment{Delta: fragment})
		if err != nil {
			log.Printf("Failed to encode stream fragment: %v", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	select {
	case err := <-errc:
		if err != nil {
			log.Printf("Streaming completion ended with error: %v", err)
			return
		}
	default:
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
