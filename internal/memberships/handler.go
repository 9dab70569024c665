package memberships

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/clearcomply/clearcomply/internal/authz"
	"github.com/clearcomply/clearcomply/internal/platform/httpx"
	"github.com/clearcomply/clearcomply/internal/shared"
)

// Handler exposes membership lifecycle operations over JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	guard    authz.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, guard authz.Middleware) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(),
		guard:    guard,
	}
}

// MountRoutes registers membership routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Get("/{membershipID}", h.get)
	r.Post("/{membershipID}/accept", h.acceptInvite)

	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAny(authz.PermUsersInvite, authz.PermUsersManage))
		r.Post("/invites", h.invite)
		r.Post("/{membershipID}/resend", h.resendInvite)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAll(authz.PermUsersManage))
		r.Post("/{membershipID}/revoke", h.revokeInvite)
		r.Put("/{membershipID}/role", h.changeRole)
		r.Delete("/{membershipID}", h.remove)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.guard.RequireAll(authz.PermDepartmentsManage))
		r.Put("/{membershipID}/department", h.changeDepartment)
	})
}

// membershipView is the JSON shape returned to collaborators.
type membershipView struct {
	ID               int64      `json:"id"`
	OrganizationID   int64      `json:"organization_id"`
	UserID           int64      `json:"user_id"`
	RoleID           int64      `json:"role_id,omitempty"`
	LegacyRoleLabel  string     `json:"legacy_role_label,omitempty"`
	DepartmentID     *int64     `json:"department_id,omitempty"`
	IsActive         bool       `json:"is_active"`
	InviteStatus     string     `json:"invite_status"`
	InvitedAt        *time.Time `json:"invited_at,omitempty"`
	InviteLastSentAt *time.Time `json:"invite_last_sent_at,omitempty"`
	InviteSendCount  int        `json:"invite_send_count"`
	CreatedAt        time.Time  `json:"created_at"`
}

func toView(m Membership) membershipView {
	return membershipView{
		ID:               m.ID,
		OrganizationID:   m.OrganizationID,
		UserID:           m.UserID,
		RoleID:           m.Role.RoleID,
		LegacyRoleLabel:  m.Role.LegacyLabel,
		DepartmentID:     m.DepartmentID,
		IsActive:         m.IsActive,
		InviteStatus:     string(m.InviteStatus()),
		InvitedAt:        m.InvitedAt,
		InviteLastSentAt: m.InviteLastSentAt,
		InviteSendCount:  m.InviteSendCount,
		CreatedAt:        m.CreatedAt,
	}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing identity")
		return
	}
	members, err := h.service.ListMemberships(r.Context(), actor)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	views := make([]membershipView, 0, len(members))
	for _, m := range members {
		views = append(views, toView(m))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"memberships": views})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.scoped(w, r)
	if !ok {
		return
	}
	m, err := h.service.GetMembership(r.Context(), actor, id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toView(m))
}

type inviteRequest struct {
	UserID int64  `json:"user_id" validate:"required"`
	Email  string `json:"email" validate:"omitempty,email"`
	RoleID int64  `json:"role_id" validate:"required"`
}

func (h *Handler) invite(w http.ResponseWriter, r *http.Request) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing identity")
		return
	}
	var req inviteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	m, err := h.service.Invite(r.Context(), actor, InviteInput{
		UserID: req.UserID,
		Email:  req.Email,
		RoleID: req.RoleID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toView(m))
}

func (h *Handler) resendInvite(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.scoped(w, r)
	if !ok {
		return
	}
	if err := h.service.ResendInvite(r.Context(), actor, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revokeInvite(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.scoped(w, r)
	if !ok {
		return
	}
	if err := h.service.RevokeInvite(r.Context(), actor, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) acceptInvite(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.scoped(w, r)
	if !ok {
		return
	}
	if err := h.service.AcceptInvite(r.Context(), actor, id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type changeRoleRequest struct {
	RoleID int64 `json:"role_id" validate:"required"`
}

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.scoped(w, r)
	if !ok {
		return
	}
	var req changeRoleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.ChangeRole(r.Context(), actor, id, req.RoleID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.scoped(w, r)
	if !ok {
		return
	}
	mode := RemoveMode(r.URL.Query().Get("mode"))
	if mode == "" {
		mode = RemoveDisable
	}
	if err := h.service.RemoveMembership(r.Context(), actor, id, mode); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type changeDepartmentRequest struct {
	DepartmentID *int64 `json:"department_id"`
}

func (h *Handler) changeDepartment(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.scoped(w, r)
	if !ok {
		return
	}
	var req changeDepartmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.service.ChangeDepartment(r.Context(), actor, id, req.DepartmentID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) scoped(w http.ResponseWriter, r *http.Request) (shared.Identity, int64, bool) {
	actor, ok := shared.IdentityFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusForbidden, "Forbidden", "missing identity")
		return shared.Identity{}, 0, false
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "membershipID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid membership id")
		return shared.Identity{}, 0, false
	}
	return actor, id, true
}
