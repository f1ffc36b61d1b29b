package ingestion

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/dialysis/pdms/internal/platform/auth"
	"github.com/dialysis/pdms/internal/platform/db"
	"github.com/dialysis/pdms/internal/platform/hl7v2"
)

// MIMEHL7 is the content type of acknowledgment bodies.
const MIMEHL7 = "application/hl7-v2"

const maxBodySize = 16 << 20

type Handler struct {
	pipeline *Pipeline
}

func NewHandler(p *Pipeline) *Handler {
	return &Handler{pipeline: p}
}

// RegisterRoutes mounts the ingestion endpoints. Extra middleware, such as a
// per-device rate limit, runs after the role check.
func (h *Handler) RegisterRoutes(api *echo.Group, mw ...echo.MiddlewareFunc) {
	mws := append([]echo.MiddlewareFunc{auth.RequireRole(auth.RoleDevice)}, mw...)
	g := api.Group("/hl7", mws...)
	g.POST("/batch", h.IngestBatch)
	g.POST("/messages", h.IngestMessage)
}

func readBody(c echo.Context) (string, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodySize+1))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(body) > maxBodySize {
		return "", echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", maxBodySize))
	}
	return string(body), nil
}

// IngestBatch accepts a raw HL7 batch and returns the BatchResult as JSON.
func (h *Handler) IngestBatch(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	tenantID := db.TenantFromContext(c.Request().Context())
	res, err := h.pipeline.IngestBatch(c.Request().Context(), tenantID, raw)
	if err != nil {
		if errors.Is(err, hl7v2.ErrEmptyInput) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

// IngestMessage accepts one raw HL7 message and answers with its ACK.
func (h *Handler) IngestMessage(c echo.Context) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, hl7v2.ErrEmptyInput.Error())
	}
	tenantID := db.TenantFromContext(c.Request().Context())
	ack := h.pipeline.Acknowledge(c.Request().Context(), tenantID, raw)
	return c.Blob(http.StatusOK, MIMEHL7, hl7v2.SerializeMessage(ack))
}
