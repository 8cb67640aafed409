// Package ops exposes the pipeline's operational HTTP surface: the
// aggregate summary, per-symbol quote reads, suggestions and the
// manual refresh trigger.
package ops

import (
	"github.com/gin-gonic/gin"
)

type Config struct {
	PipelineHandler *PipelineHandler
}

func NewRouter(cfg *Config) *gin.Engine {
	router := gin.Default()

	api := router.Group("/v1/")
	registerPipelineRoutes(api, cfg.PipelineHandler)

	return router
}

func registerPipelineRoutes(router *gin.RouterGroup, h *PipelineHandler) {
	router.POST("/refresh", h.Refresh)
	router.GET("/summary", h.GetSummary)
	router.GET("/suggestions", h.GetSuggestions)
	router.GET("/quotes/:symbol", h.GetQuote)
}
