package instruments

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

// SessionResponse is the nearest trading session of an instrument.
type SessionResponse struct {
	Ticker string    `json:"ticker"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	IsOpen bool      `json:"is_open"`
}

// Handler serves the instrument catalog over HTTP.
type Handler struct {
	registry *Registry
	sessions *Sessions
	logger   *slog.Logger
}

// NewHandler creates an instrument handler.
func NewHandler(registry *Registry, sessions *Sessions, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: registry, sessions: sessions, logger: logger}
}

// RegisterRoutes mounts the /instruments routes.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/instruments")
	g.GET("", h.List)
	g.GET("/:ticker", h.Get)
	g.GET("/:ticker/session", h.GetSession)
}

// List handles GET /instruments?search=&type=
func (h *Handler) List(c *gin.Context) {
	typ, err := parseType(c.Query("type"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.registry.Search(c.Query("search"), typ, 0))
}

// Get handles GET /instruments/:ticker
func (h *Handler) Get(c *gin.Context) {
	inst, err := h.registry.Resolve(c.Request.Context(), c.Param("ticker"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// GetSession handles GET /instruments/:ticker/session
func (h *Handler) GetSession(c *gin.Context) {
	ctx := c.Request.Context()
	inst, err := h.registry.Resolve(ctx, c.Param("ticker"))
	if err != nil {
		h.handleError(c, err)
		return
	}

	session, err := h.sessions.Nearest(ctx, inst)
	if err != nil {
		h.logger.WarnContext(ctx, "session lookup failed", "ticker", inst.Ticker(), "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trading session unavailable"})
		return
	}
	c.JSON(http.StatusOK, SessionResponse{
		Ticker: inst.Ticker(),
		Start:  session.Start,
		End:    session.End,
		IsOpen: session.IsOpenAt(h.sessions.now()),
	})
}

func (h *Handler) handleError(c *gin.Context, err error) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	h.logger.ErrorContext(c.Request.Context(), "instrument request failed",
		"path", c.Request.URL.Path,
		"error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

// parseType accepts the catalog codes (STK, FUT) and the chart spellings
// (stock, futures).
func parseType(s string) (models.InstrumentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "stk", "stock":
		return models.InstrumentTypeStock, nil
	case "fut", "future", "futures":
		return models.InstrumentTypeFuture, nil
	default:
		return "", errors.New("type must be stock or futures")
	}
}
