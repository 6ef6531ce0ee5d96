package v1

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes sets up the repository routes and the metrics endpoint.
func SetupRoutes(r *gin.Engine, handler RepoHandler, metrics *Metrics) {
	// Registered before the middleware so scrapes are not counted.
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.Use(metrics.Middleware())

	routes := r.Group(BasePath)
	routes.GET("/repo.toml", handler.Metadata)
	routes.GET("/packages.json", handler.Index)
	routes.GET("/packages.json.sig", handler.IndexSignature)
	routes.GET("/packages/:filename", handler.Package)
	routes.GET("/deltas/:filename", handler.Delta)
	routes.GET("/healthz", handler.Health)
}
