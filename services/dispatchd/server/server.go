package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edvlasov/dispatchd/docs"
	"github.com/edvlasov/dispatchd/pkg/metrics"
)

func NewHTTPServer(addr string, h *Handlers) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery(), Observability())

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.POST("/campaigns", h.StartCampaign)
	r.GET("/campaigns", h.ListCampaigns)
	r.GET("/campaigns/:id", h.GetSnapshot)
	r.POST("/campaigns/:id/pause", h.PauseCampaign)
	r.POST("/campaigns/:id/resume", h.ResumeCampaign)
	r.POST("/campaigns/:id/cancel", h.CancelCampaign)

	r.POST("/receipts", h.Receipt)

	r.GET("/docs", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", docs.DispatchSwaggerHTML)
	})
	r.GET("/docs/dispatch-api/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", docs.DispatchOpenAPI)
	})

	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}
