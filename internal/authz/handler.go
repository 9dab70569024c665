package authz

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/clearcomply/clearcomply/internal/platform/httpx"
	"github.com/clearcomply/clearcomply/internal/shared"
)

// Handler exposes the authorization engine to collaborators over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	guard    Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
		guard:    Middleware{Service: service, Logger: logger},
	}
}

// MountRoutes registers authorization routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/seed", h.ensureSeeded)
	r.Get("/check", h.check)
	r.Get("/roles", h.listRoles)
	r.Get("/roles/{roleID}/effective-permissions", h.effectivePermissions)
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAll(PermRolesManage))
		r.Post("/roles", h.createRole)
		r.Post("/roles/{roleID}/permissions", h.grantPermission)
		r.Post("/roles/{roleID}/inherits", h.addInheritance)
	})
	r.Post("/cache/invalidate", h.invalidateCache)
}

func (h *Handler) ensureSeeded(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing identity")
		return
	}
	if err := h.service.EnsureSeeded(r.Context(), id.OrganizationID); err != nil {
		h.logger.Error("ensure seeded", slog.Int64("org_id", id.OrganizationID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"organization_id": id.OrganizationID, "seed_version": SeedVersion})
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing identity")
		return
	}
	code := r.URL.Query().Get("code")
	allowed, err := h.service.HasPermission(r.Context(), id.ActorID, id.OrganizationID, code)
	if err != nil {
		h.logger.Error("permission check", slog.String("code", code), slog.Any("error", err))
		// Fail closed: resolution errors surface as a deny, not a 500.
		httpx.JSON(w, http.StatusOK, map[string]any{"code": code, "allowed": false})
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"code": code, "allowed": allowed})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing identity")
		return
	}
	roles, err := h.service.ListRoles(r.Context(), id.OrganizationID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return
	}
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing identity")
		return
	}
	role, err := h.service.GetRole(r.Context(), roleID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if role.OrganizationID != id.OrganizationID {
		// Do not leak other tenants' role IDs.
		httpx.Problem(w, http.StatusNotFound, "Not Found", "role not found")
		return
	}
	codes, err := h.service.EffectivePermissionCodes(r.Context(), roleID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": roleID, "permissions": codes})
}

type createRoleRequest struct {
	Name        string `json:"name" validate:"required,max=80"`
	Description string `json:"description" validate:"max=255"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	id, _ := shared.IdentityFromContext(r.Context())
	var req createRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	role, err := h.service.CreateRole(r.Context(), id.OrganizationID, req.Name, req.Description, false)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

type grantRequest struct {
	Code string `json:"code" validate:"required,max=80"`
}

func (h *Handler) grantPermission(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return
	}
	var req grantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.requireOwnOrgRole(w, r, roleID); err != nil {
		return
	}
	if err := h.service.Grant(r.Context(), roleID, req.Code); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": roleID, "code": req.Code})
}

type inheritRequest struct {
	InheritedRoleID int64 `json:"inherited_role_id" validate:"required"`
}

func (h *Handler) addInheritance(w http.ResponseWriter, r *http.Request) {
	roleID, err := pathID(r, "roleID")
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid role id")
		return
	}
	var req inheritRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.requireOwnOrgRole(w, r, roleID); err != nil {
		return
	}
	if err := h.service.AddInheritance(r.Context(), roleID, req.InheritedRoleID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"role_id": roleID, "inherited_role_id": req.InheritedRoleID})
}

type invalidateRequest struct {
	UserID int64 `json:"user_id" validate:"required"`
}

func (h *Handler) invalidateCache(w http.ResponseWriter, r *http.Request) {
	id, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing identity")
		return
	}
	var req invalidateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.InvalidateCache(r.Context(), req.UserID, id.OrganizationID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireOwnOrgRole rejects role references outside the actor's organization.
func (h *Handler) requireOwnOrgRole(w http.ResponseWriter, r *http.Request, roleID int64) error {
	id, _ := shared.IdentityFromContext(r.Context())
	role, err := h.service.GetRole(r.Context(), roleID)
	if err != nil {
		httpx.RespondError(w, err)
		return err
	}
	if role.OrganizationID != id.OrganizationID {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "role not found")
		return shared.ErrNotFound
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, name), 10, 64)
}
