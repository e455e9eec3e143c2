package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"thrive/internal/apperr"
	"thrive/internal/config"
	"thrive/internal/logger"
)

var defaultOrigins = []string{"http://localhost:5173", "http://localhost:3000"}

// NewRouter builds the engine with logging, recovery, CORS, the API routes and
// optional static hosting of the built front end.
func NewRouter(h *Handler, basic config.BasicConfig, log *zap.Logger) *gin.Engine {
	log = logger.OrNop(log)
	router := gin.New()
	router.Use(logger.GinLogger(log), logger.GinRecovery(log))

	origins := basic.AllowedOrigins
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	h.RegisterRoutes(router)
	router.NoRoute(spaFallback(basic.StaticDir))
	return router
}

// spaFallback serves files from staticDir and index.html for client-side
// routes. API paths and a missing static dir answer a JSON 404.
func spaFallback(staticDir string) gin.HandlerFunc {
	notFound := func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found", "kind": apperr.KindNotFound})
	}
	if staticDir == "" {
		return notFound
	}
	index := filepath.Join(staticDir, "index.html")
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/api/") || c.Request.Method != http.MethodGet {
			notFound(c)
			return
		}
		candidate := filepath.Join(staticDir, filepath.Clean("/"+path))
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			c.File(candidate)
			return
		}
		if _, err := os.Stat(index); err != nil {
			notFound(c)
			return
		}
		c.File(index)
	}
}
