package indicators

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/johnayoung/go-ohlcv-gateway/internal/instruments"
	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

const defaultLength = 14

// Handler serves indicators over HTTP.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates an indicator handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts GET /indicators/:ticker.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/indicators/:ticker", h.GetATR)
}

// GetATR handles GET /indicators/:ticker?length=
func (h *Handler) GetATR(c *gin.Context) {
	ticker := c.Param("ticker")
	length, err := strconv.Atoi(c.DefaultQuery("length", strconv.Itoa(defaultLength)))
	if err != nil || length <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "length must be a positive integer"})
		return
	}

	ind, err := h.service.ATR(c.Request.Context(), ticker, length)
	if err != nil {
		var ve *models.ValidationError
		switch {
		case errors.Is(err, instruments.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("instrument with ticker %s not found", ticker)})
		case errors.As(err, &ve):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.ErrorContext(c.Request.Context(), "indicator request failed",
				"ticker", ticker,
				"error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		}
		return
	}
	c.JSON(http.StatusOK, ind)
}
