package commandapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/famlist/project/internal/app/identity"
	"github.com/famlist/project/internal/app/query"
	"github.com/famlist/project/internal/domain"
	"github.com/famlist/project/internal/eventstore"
	platformauth "github.com/famlist/project/internal/platform/auth"
)

type Handler struct {
	Service       *Service
	Identity      *identity.Service
	Queries       *query.Service
	AllowedOrigin string
}

func NewHandler(service *Service, identitySvc *identity.Service, queries *query.Service, allowedOrigin string) *Handler {
	return &Handler{
		Service:       service,
		Identity:      identitySvc,
		Queries:       queries,
		AllowedOrigin: allowedOrigin,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Options("/*", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Post("/api/v1/auth/register", h.handleRegister)
	r.Post("/api/v1/auth/login", h.handleLogin)
	r.Post("/api/v1/auth/refresh", h.handleRefresh)
	r.Post("/api/v1/auth/logout", h.handleLogout)

	r.Group(func(authR chi.Router) {
		authR.Use(h.authMiddleware)

		authR.Get("/api/v1/families", h.handleListFamilies)
		authR.Post("/api/v1/families", h.handleCreateFamily)
		authR.Delete("/api/v1/families/{familyID}", h.handleDeleteFamily)
		authR.Post("/api/v1/families/{familyID}/invitations", h.handleInvite)
		authR.Post("/api/v1/invitations/accept", h.handleAcceptInvitation)
		authR.Patch("/api/v1/families/{familyID}/members/role", h.handleUpdateMemberRole)
		authR.Delete("/api/v1/families/{familyID}/members/{username}", h.handleRemoveMember)

		authR.Post("/api/v1/families/{familyID}/todos", h.handleCreateTodo)
		authR.Get("/api/v1/families/{familyID}/todos", h.handleListTodos)
		authR.Get("/api/v1/families/{familyID}/todos/{todoID}", h.handleGetTodo)
		authR.Patch("/api/v1/families/{familyID}/todos/{todoID}", h.handleUpdateTodo)
		authR.Post("/api/v1/families/{familyID}/todos/{todoID}/complete", h.handleCompleteTodo)
		authR.Delete("/api/v1/families/{familyID}/todos/{todoID}", h.handleDeleteTodo)
		authR.Post("/api/v1/families/{familyID}/todos/{todoID}/rebuild", h.handleRebuildTodo)
	})

	return r
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type createFamilyRequest struct {
	Name string `json:"name"`
}

type acceptInvitationRequest struct {
	Code string `json:"code"`
}

type updateMemberRoleRequest struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidPassword):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			if strings.Contains(strings.ToLower(err.Error()), "duplicate") {
				h.writeError(w, http.StatusConflict, "username already exists")
				return
			}
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	resp, err := h.Identity.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrRefreshTokenMissing):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrInvalidRefreshToken):
			h.writeError(w, http.StatusUnauthorized, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if err := h.Identity.Logout(r.Context(), req.RefreshToken); err != nil {
		if errors.Is(err, identity.ErrRefreshTokenMissing) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListFamilies(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	families, err := h.Identity.ListFamilies(r.Context(), claims.Subject)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, families)
}

func (h *Handler) handleCreateFamily(w http.ResponseWriter, r *http.Request) {
	var req createFamilyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	family, err := h.Identity.CreateFamily(r.Context(), claims.Subject, req.Name)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidFamilyName) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, family)
}

func (h *Handler) handleDeleteFamily(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")
	claims := claimsFromContext(r.Context())
	err := h.Identity.DeleteFamily(r.Context(), claims.Subject, familyID)
	if err != nil {
		h.writeIdentityError(w, err, "family not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleInvite(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")
	claims := claimsFromContext(r.Context())
	inv, err := h.Identity.Invite(r.Context(), claims.Subject, familyID)
	if err != nil {
		h.writeIdentityError(w, err, "family not found")
		return
	}
	h.writeJSON(w, http.StatusCreated, inv)
}

func (h *Handler) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req acceptInvitationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	membership, err := h.Identity.AcceptInvitation(r.Context(), claims.Subject, req.Code)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidInvitation) {
			h.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, membership)
}

func (h *Handler) handleUpdateMemberRole(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")
	var req updateMemberRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	claims := claimsFromContext(r.Context())
	err := h.Identity.UpdateMemberRoleByUsername(r.Context(), claims.Subject, familyID, req.Username, req.Role)
	if err != nil {
		h.writeIdentityError(w, err, "user not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	familyID := chi.URLParam(r, "familyID")
	username := chi.URLParam(r, "username")
	claims := claimsFromContext(r.Context())
	if err := h.Identity.RemoveMemberByUsername(r.Context(), claims.Subject, familyID, username); err != nil {
		h.writeIdentityError(w, err, "user not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleCreateTodo(w http.ResponseWriter, r *http.Request) {
	familyID, claims, ok := h.requireMembership(w, r)
	if !ok {
		return
	}
	var req CreateTodoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	todo, err := h.Service.CreateTodo(r.Context(), claims.Subject, familyID, req)
	if err != nil {
		h.writeCommandError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, todo)
}

func (h *Handler) handleListTodos(w http.ResponseWriter, r *http.Request) {
	familyID, _, ok := h.requireMembership(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	todos, err := h.Queries.ListActive(r.Context(), familyID, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, todos)
}

func (h *Handler) handleGetTodo(w http.ResponseWriter, r *http.Request) {
	familyID, _, ok := h.requireMembership(w, r)
	if !ok {
		return
	}
	todo, err := h.Queries.GetTodo(r.Context(), familyID, chi.URLParam(r, "todoID"))
	if err != nil {
		if errors.Is(err, query.ErrTodoNotFound) {
			h.writeError(w, http.StatusNotFound, "todo not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, todo)
}

func (h *Handler) handleUpdateTodo(w http.ResponseWriter, r *http.Request) {
	familyID, claims, ok := h.requireMembership(w, r)
	if !ok {
		return
	}
	var req UpdateTodoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	todo, err := h.Service.UpdateTodo(r.Context(), claims.Subject, familyID, chi.URLParam(r, "todoID"), req)
	if err != nil {
		h.writeCommandError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, todo)
}

func (h *Handler) handleCompleteTodo(w http.ResponseWriter, r *http.Request) {
	familyID, claims, ok := h.requireMembership(w, r)
	if !ok {
		return
	}
	todo, err := h.Service.CompleteTodo(r.Context(), claims.Subject, familyID, chi.URLParam(r, "todoID"))
	if err != nil {
		h.writeCommandError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, todo)
}

func (h *Handler) handleDeleteTodo(w http.ResponseWriter, r *http.Request) {
	familyID, claims, ok := h.requireMembership(w, r)
	if !ok {
		return
	}
	var req DeleteTodoRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
	}
	if _, err := h.Service.DeleteTodo(r.Context(), claims.Subject, familyID, chi.URLParam(r, "todoID"), req); err != nil {
		h.writeCommandError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRebuildTodo(w http.ResponseWriter, r *http.Request) {
	familyID, _, ok := h.requireMembership(w, r)
	if !ok {
		return
	}
	todo, err := h.Service.RebuildTodo(r.Context(), familyID, chi.URLParam(r, "todoID"))
	if err != nil {
		if errors.Is(err, eventstore.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "todo not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, todo)
}

// requireMembership resolves the family from the URL and verifies the caller
// belongs to it.
func (h *Handler) requireMembership(w http.ResponseWriter, r *http.Request) (string, platformauth.Claims, bool) {
	familyID := chi.URLParam(r, "familyID")
	claims := claimsFromContext(r.Context())
	if _, err := h.Identity.EnsureMemberRole(r.Context(), claims.Subject, familyID); err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidFamilyID):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, identity.ErrForbiddenFamily):
			h.writeError(w, http.StatusForbidden, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return "", platformauth.Claims{}, false
	}
	return familyID, claims, true
}

func (h *Handler) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrAlreadyCreated), errors.Is(err, eventstore.ErrConcurrentModification):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrTodoNotFound), errors.Is(err, eventstore.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "todo not found")
	case errors.Is(err, domain.ErrTodoDeleted), errors.Is(err, domain.ErrNotActive):
		h.writeError(w, http.StatusConflict, err.Error())
	case domain.IsValidation(err):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) writeIdentityError(w http.ResponseWriter, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, identity.ErrInvalidFamilyID), errors.Is(err, identity.ErrInvalidUsername), errors.Is(err, identity.ErrInvalidRole):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrForbiddenFamily), errors.Is(err, identity.ErrForbiddenRole):
		h.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, identity.ErrNotFound):
		h.writeError(w, http.StatusNotFound, notFoundMsg)
	default:
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Origin, Access-Control-Request-Headers")
		w.Header().Set("Access-Control-Allow-Origin", h.allowedOriginForRequest(r.Header.Get("Origin")))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")

		requestHeaders := strings.TrimSpace(r.Header.Get("Access-Control-Request-Headers"))
		if requestHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", requestHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOriginForRequest(requestOrigin string) string {
	allowed := strings.TrimSpace(h.AllowedOrigin)
	if allowed == "" {
		return "*"
	}
	if allowed == "*" {
		return allowed
	}

	origin := strings.TrimSpace(requestOrigin)
	if origin == "" {
		return allowed
	}
	if origin == allowed {
		return origin
	}
	if isEquivalentLoopbackOrigin(origin, allowed) {
		return origin
	}
	return allowed
}

func isEquivalentLoopbackOrigin(originA, originB string) bool {
	a, err := url.Parse(originA)
	if err != nil {
		return false
	}
	b, err := url.Parse(originB)
	if err != nil {
		return false
	}
	if !isLoopbackHost(a.Hostname()) || !isLoopbackHost(b.Hostname()) {
		return false
	}
	if a.Port() != b.Port() {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme)
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(strings.TrimSpace(host)) {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}

type claimsContextKey struct{}

func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := platformauth.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.Identity.AuthToken.Parse(token)
		if err != nil {
			h.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := r.Context()
		ctx = contextWithClaims(ctx, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

func contextWithClaims(ctx context.Context, claims platformauth.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func claimsFromContext(ctx context.Context) platformauth.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(platformauth.Claims)
	return claims
}
