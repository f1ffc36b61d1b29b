package treatment

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/dialysis/pdms/internal/domain/vitals"
	"github.com/dialysis/pdms/internal/platform/auth"
	"github.com/dialysis/pdms/internal/platform/db"
	"github.com/dialysis/pdms/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleNurse, auth.RoleAuditor))
	readGroup.GET("/sessions", h.ListSessions)
	readGroup.GET("/sessions/:id", h.GetSession)
	readGroup.GET("/sessions/:id/observations", h.ListObservations)
	readGroup.GET("/sessions/:id/fhir", h.ExportFHIR)
	readGroup.GET("/channels", h.ListChannels)

	writeGroup := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleNurse))
	writeGroup.POST("/sessions/:id/pre-assessment", h.SubmitPreAssessment)
	writeGroup.POST("/sessions/:id/complete", h.CompleteSession)

	signGroup := api.Group("", auth.RequireRole(auth.RoleClinician))
	signGroup.POST("/sessions/:id/sign", h.SignSession)
}

// httpError maps service errors to HTTP status codes.
func httpError(err error) error {
	var stateErr *StateError
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case errors.As(err, &stateErr):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case IsValidation(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *Handler) GetSession(c echo.Context) error {
	tenantID := db.TenantFromContext(c.Request().Context())
	sess, err := h.svc.GetSession(c.Request().Context(), tenantID, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) ListSessions(c echo.Context) error {
	pg := pagination.FromContext(c)
	filter := ListFilter{
		PatientMRN: c.QueryParam("patient_mrn"),
		DeviceID:   c.QueryParam("device_id"),
	}
	if v := c.QueryParam("status"); v != "" {
		st, err := ParseStatus(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		filter.Status = st
	}

	tenantID := db.TenantFromContext(c.Request().Context())
	sessions, total, err := h.svc.ListSessions(c.Request().Context(), tenantID, filter, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(sessions, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListObservations(c echo.Context) error {
	pg := pagination.FromContext(c)
	tenantID := db.TenantFromContext(c.Request().Context())
	obs, total, err := h.svc.ListObservations(c.Request().Context(), tenantID, c.Param("id"), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(obs, total, pg.Limit, pg.Offset))
}

type preAssessmentRequest struct {
	WeightKg              decimal.Decimal `json:"weight_kg"`
	SystolicBP            int             `json:"systolic_bp"`
	DiastolicBP           int             `json:"diastolic_bp"`
	AccessType            string          `json:"access_type"`
	PrescriptionConfirmed bool            `json:"prescription_confirmed"`
	Notes                 *string         `json:"notes"`
	RecordedBy            string          `json:"recorded_by"`
}

func (h *Handler) SubmitPreAssessment(c echo.Context) error {
	var req preAssessmentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.RecordedBy == "" {
		req.RecordedBy = auth.UserIDFromContext(c.Request().Context())
	}
	pa := PreAssessment{
		WeightKg:              req.WeightKg,
		SystolicBP:            req.SystolicBP,
		DiastolicBP:           req.DiastolicBP,
		AccessType:            req.AccessType,
		PrescriptionConfirmed: req.PrescriptionConfirmed,
		Notes:                 req.Notes,
		RecordedBy:            req.RecordedBy,
	}
	tenantID := db.TenantFromContext(c.Request().Context())
	sess, err := h.svc.SubmitPreAssessment(c.Request().Context(), tenantID, c.Param("id"), pa)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) CompleteSession(c echo.Context) error {
	tenantID := db.TenantFromContext(c.Request().Context())
	sess, err := h.svc.CompleteSession(c.Request().Context(), tenantID, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) SignSession(c echo.Context) error {
	var req struct {
		SignedBy string `json:"signed_by"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.SignedBy == "" {
		req.SignedBy = auth.UserIDFromContext(c.Request().Context())
	}
	tenantID := db.TenantFromContext(c.Request().Context())
	sess, err := h.svc.SignSession(c.Request().Context(), tenantID, c.Param("id"), req.SignedBy)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *Handler) ExportFHIR(c echo.Context) error {
	tenantID := db.TenantFromContext(c.Request().Context())
	bundle, err := h.svc.ExportFHIR(c.Request().Context(), tenantID, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, bundle)
}

// ListChannels reports the channels present for a modality or operating
// mode. Without either parameter the full modality matrix is returned.
func (h *Handler) ListChannels(c echo.Context) error {
	if v := c.QueryParam("modality"); v != "" {
		m, err := vitals.ParseModality(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"modality": m,
			"channels": vitals.ChannelsForModality(m).Sorted(),
		})
	}
	if v := c.QueryParam("mode"); v != "" {
		m, err := vitals.ParseOperatingMode(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"mode":     m,
			"channels": vitals.ChannelsForMode(m).Sorted(),
		})
	}

	matrix := make(map[string][]vitals.Channel)
	for _, m := range vitals.Modalities() {
		matrix[string(m)] = vitals.ChannelsForModality(m).Sorted()
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"modalities": matrix})
}
