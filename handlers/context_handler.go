package handlers

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/upb/tenant-isolation/utils"
	"go.uber.org/zap"
)

// ContextResponse summarizes the caller's tenant context
type ContextResponse struct {
	OrganizationID   uuid.UUID `json:"organization_id"`
	OrganizationName string    `json:"organization_name,omitempty"`
	OrganizationSlug string    `json:"organization_slug,omitempty"`
	OrgStatus        string    `json:"organization_status"`
	Plan             string    `json:"plan"`
	UserID           uuid.UUID `json:"user_id"`
	Email            string    `json:"email,omitempty"`
	Name             string    `json:"name,omitempty"`
	Role             string    `json:"role"`
	Permissions      []string  `json:"permissions"`
	Features         []string  `json:"features"`
	RequestID        string    `json:"request_id,omitempty"`
	ResolvedAt       time.Time `json:"resolved_at"`
}

// ContextHandler exposes the resolved tenant context
type ContextHandler struct {
	responder
}

// NewContextHandler creates a new ContextHandler
func NewContextHandler(logger *zap.Logger) *ContextHandler {
	return &ContextHandler{responder: responder{logger: logger}}
}

// HandleGetContext handles GET /api/v1/context
func (h *ContextHandler) HandleGetContext(w http.ResponseWriter, r *http.Request) {
	tc := h.tenant(w, r)
	if tc == nil {
		return
	}

	_ = utils.WriteOK(w, ContextResponse{
		OrganizationID:   tc.OrgID(),
		OrganizationName: tc.OrgName(),
		OrganizationSlug: tc.OrgSlug(),
		OrgStatus:        string(tc.OrgStatus()),
		Plan:             tc.Plan(),
		UserID:           tc.UserID(),
		Email:            tc.UserEmail(),
		Name:             tc.UserName(),
		Role:             tc.Role(),
		Permissions:      tc.Permissions(),
		Features:         tc.Features(),
		RequestID:        tc.RequestID(),
		ResolvedAt:       tc.CreatedAt(),
	})
}
