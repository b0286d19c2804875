package chart

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/johnayoung/go-ohlcv-gateway/internal/instruments"
	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

// Handler serves the chart datafeed over HTTP.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a chart handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts the datafeed under /chart.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/chart")
	g.GET("/config", h.GetConfig)
	g.GET("/symbols", h.GetSymbolInfo)
	g.GET("/search", h.Search)
	g.GET("/history", h.GetHistory)
	g.GET("/time", h.GetTime)
}

// GetConfig handles GET /chart/config
func (h *Handler) GetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Config())
}

// GetSymbolInfo handles GET /chart/symbols?symbol=
func (h *Handler) GetSymbolInfo(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		h.fail(c, http.StatusBadRequest, "symbol is required")
		return
	}

	info, err := h.service.SymbolInfo(c.Request.Context(), symbol)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// Search handles GET /chart/search?query=&type=&limit=
func (h *Handler) Search(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		h.fail(c, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	c.JSON(http.StatusOK, h.service.Search(c.Query("query"), c.Query("type"), limit))
}

// GetHistory handles GET /chart/history?symbol=&resolution=&from=&to=
func (h *Handler) GetHistory(c *gin.Context) {
	symbol := c.Query("symbol")
	resolution := c.Query("resolution")
	if symbol == "" || resolution == "" {
		h.fail(c, http.StatusBadRequest, "symbol and resolution are required")
		return
	}

	from, err := strconv.ParseInt(c.Query("from"), 10, 64)
	if err != nil {
		h.fail(c, http.StatusBadRequest, "from must be epoch seconds")
		return
	}
	to, err := strconv.ParseInt(c.Query("to"), 10, 64)
	if err != nil {
		h.fail(c, http.StatusBadRequest, "to must be epoch seconds")
		return
	}

	history, err := h.service.History(c.Request.Context(), symbol, resolution, from, to)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

// GetTime handles GET /chart/time
func (h *Handler) GetTime(c *gin.Context) {
	c.String(http.StatusOK, strconv.FormatInt(h.service.Time(), 10))
}

func (h *Handler) handleError(c *gin.Context, err error) {
	var ve *models.ValidationError
	switch {
	case errors.Is(err, instruments.ErrNotFound):
		h.fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrUnknownTimeframe), errors.As(err, &ve):
		h.fail(c, http.StatusBadRequest, err.Error())
	default:
		h.logger.ErrorContext(c.Request.Context(), "chart request failed",
			"path", c.Request.URL.Path,
			"error", err)
		h.fail(c, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"s": StatusError, "errmsg": msg})
}
