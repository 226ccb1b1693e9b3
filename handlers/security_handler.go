package handlers

import (
	"net/http"

	"github.com/upb/tenant-isolation/services/guard"
	"github.com/upb/tenant-isolation/utils"
	"go.uber.org/zap"
)

// ViolationSource exposes the guard's recent violations
type ViolationSource interface {
	ViolationStats(limit int) guard.ViolationStats
}

// ViolationsResponse lists the blocked operations of one organization
type ViolationsResponse struct {
	Count  int                         `json:"count"`
	ByKind map[guard.ViolationKind]int `json:"by_kind"`
	Recent []guard.ViolationRecord     `json:"recent"`
}

// SecurityHandler serves isolation diagnostics
type SecurityHandler struct {
	responder
	violations ViolationSource
}

// NewSecurityHandler creates a new SecurityHandler
func NewSecurityHandler(violations ViolationSource, logger *zap.Logger) *SecurityHandler {
	return &SecurityHandler{
		responder:  responder{logger: logger},
		violations: violations,
	}
}

// HandleViolations handles GET /api/v1/security/violations. Only records
// raised by the caller's organization are returned.
func (h *SecurityHandler) HandleViolations(w http.ResponseWriter, r *http.Request) {
	tc := h.tenant(w, r)
	if tc == nil {
		return
	}
	limit, err := utils.QueryInt(r, "limit", 50)
	if err != nil || limit < 0 {
		HandleValidationError(w, r, errInvalidLimit, h.logger)
		return
	}

	stats := h.violations.ViolationStats(0)
	orgID := tc.OrgIDString()
	resp := ViolationsResponse{
		ByKind: map[guard.ViolationKind]int{},
		Recent: []guard.ViolationRecord{},
	}
	for _, rec := range stats.Recent {
		if rec.CurrentOrg != orgID {
			continue
		}
		resp.Count++
		resp.ByKind[rec.Kind]++
		if limit == 0 || len(resp.Recent) < limit {
			resp.Recent = append(resp.Recent, rec)
		}
	}
	_ = utils.WriteOK(w, resp)
}
