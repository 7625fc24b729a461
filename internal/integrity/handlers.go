package integrity

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/staffmarket/leakguard/internal/logging"
	"github.com/staffmarket/leakguard/internal/pagination"
	"github.com/staffmarket/leakguard/internal/validation"
)

// Handler provides HTTP handlers for the integrity API.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new integrity handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up the integrity routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/integrity")
	g.POST("/direct-bookings", h.IngestDirectBooking)
	g.GET("/scores", h.ListScores)

	events := g.Group("/events/:eventId", validation.IDParamMiddleware("eventId"))
	events.POST("/recompute", h.Recompute)
	events.GET("/score", h.GetScore)
	events.GET("/signals", h.ListSignals)
}

// IngestRequest is the body of POST /v1/integrity/direct-bookings.
type IngestRequest struct {
	DirectEventID    string `json:"directEventId"`
	ActorUserID      string `json:"actorUserId"`
	CompanyID        string `json:"companyId"`
	EventType        string `json:"eventType"`
	LocationPostcode string `json:"locationPostcode"`
	FirstEventDate   string `json:"firstEventDate"` // YYYY-MM-DD
}

// RecomputeRequest is the body of POST /v1/integrity/events/:eventId/recompute.
type RecomputeRequest struct {
	CompanyID   string `json:"companyId"`
	ActorUserID string `json:"actorUserId"`
}

// IngestDirectBooking handles POST /v1/integrity/direct-bookings
func (h *Handler) IngestDirectBooking(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("directEventId", req.DirectEventID),
		validation.ValidID("directEventId", req.DirectEventID),
		validation.Required("companyId", req.CompanyID),
		validation.ValidID("companyId", req.CompanyID),
		validation.ValidID("actorUserId", req.ActorUserID),
		validation.MaxLength("eventType", req.EventType, 64),
		validation.ValidPostcode("locationPostcode", req.LocationPostcode),
		validation.ValidDate("firstEventDate", req.FirstEventDate),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	booking := DirectBooking{
		EventID:          req.DirectEventID,
		ActorUserID:      req.ActorUserID,
		CompanyID:        req.CompanyID,
		EventType:        validation.SanitizeString(req.EventType, 64),
		LocationPostcode: validation.SanitizeString(req.LocationPostcode, 16),
	}
	if req.FirstEventDate != "" {
		d, _ := time.Parse(validation.DateLayout, req.FirstEventDate)
		booking.FirstEventDate = &d
	}

	score, err := h.engine.Detector.Ingest(c.Request.Context(), booking)
	if err != nil {
		if errors.Is(err, ErrInvalidBooking) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_failed",
				"message": err.Error(),
			})
			return
		}
		logging.L(c.Request.Context()).Error("direct booking ingestion failed",
			"event_id", booking.EventID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to ingest direct booking",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"score": score})
}

// Recompute handles POST /v1/integrity/events/:eventId/recompute
func (h *Handler) Recompute(c *gin.Context) {
	eventID := c.Param("eventId")

	var req RecomputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(
		validation.ValidID("companyId", req.CompanyID),
		validation.ValidID("actorUserId", req.ActorUserID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}

	score, err := h.engine.Aggregator.Recompute(c.Request.Context(), eventID, req.CompanyID, req.ActorUserID)
	if err != nil {
		logging.L(c.Request.Context()).Error("integrity recompute failed", "event_id", eventID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to recompute integrity score",
		})
		return
	}

	c.JSON(http.StatusOK, score)
}

// GetScore handles GET /v1/integrity/events/:eventId/score
func (h *Handler) GetScore(c *gin.Context) {
	score, err := h.engine.Aggregator.Get(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		if errors.Is(err, ErrScoreNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No integrity score for this event",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load integrity score",
		})
		return
	}

	c.JSON(http.StatusOK, score)
}

// ListSignals handles GET /v1/integrity/events/:eventId/signals
func (h *Handler) ListSignals(c *gin.Context) {
	signals, err := h.engine.Recorder.List(c.Request.Context(), c.Param("eventId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list integrity signals",
		})
		return
	}
	if signals == nil {
		signals = []*Signal{}
	}

	c.JSON(http.StatusOK, gin.H{
		"signals": signals,
		"count":   len(signals),
	})
}

// ListScores handles GET /v1/integrity/scores
func (h *Handler) ListScores(c *gin.Context) {
	band := c.Query("band")
	companyID := c.Query("companyId")
	if errs := validation.Validate(
		validation.OneOf("band", band, string(BandLow), string(BandMedium), string(BandHigh)),
		validation.ValidID("companyId", companyID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}

	page, err := h.engine.Aggregator.List(c.Request.Context(), ScoreQuery{
		Band:      RiskBand(band),
		CompanyID: companyID,
		Limit:     parseLimit(c, 50),
		Cursor:    c.Query("cursor"),
	})
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "Cursor is malformed",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list integrity scores",
		})
		return
	}
	if page.Scores == nil {
		page.Scores = []*Score{}
	}

	c.JSON(http.StatusOK, page)
}

func parseLimit(c *gin.Context, defaultVal int) int {
	if v := c.Query("limit"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			if i > 500 {
				i = 500
			}
			return i
		}
	}
	return defaultVal
}
