package ops

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"pulsefeed/internal/cache"
	"pulsefeed/internal/models"
	"pulsefeed/internal/scheduler"
)

// Pipeline is the scheduler surface the handlers drive.
type Pipeline interface {
	Summary() scheduler.Summary
	Suggestions() []string
	RefreshNow(symbols []string) error
}

type PipelineHandler struct {
	pipeline Pipeline
	cache    *cache.Store
}

func NewPipelineHandler(pipeline Pipeline, cacheStore *cache.Store) *PipelineHandler {
	return &PipelineHandler{
		pipeline: pipeline,
		cache:    cacheStore,
	}
}

type refreshRequest struct {
	Symbols []string `json:"symbols"`
}

// Refresh queues an out-of-schedule fetch. Admission still applies, so
// a 202 means queued, not fetched.
func (h *PipelineHandler) Refresh(c *gin.Context) {
	var req refreshRequest
	// An empty body means refresh everything.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.pipeline.RefreshNow(req.Symbols); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "refresh queued"})
}

func (h *PipelineHandler) GetSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipeline.Summary())
}

func (h *PipelineHandler) GetSuggestions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"suggestions": h.pipeline.Suggestions()})
}

// GetQuote serves the latest retained value for one symbol along with
// its staleness. Reads never touch the provider.
func (h *PipelineHandler) GetQuote(c *gin.Context) {
	symbol := c.Param("symbol")
	if !models.ValidateSymbol(symbol) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid symbol"})
		return
	}
	v, staleness, ok := h.cache.Get(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no retained quote for " + symbol})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"quote":     v.(*models.Quote),
		"staleness": staleness.String(),
	})
}
