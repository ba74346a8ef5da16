package http

import (
	stdhttp "net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/chat-relay/internal/config"
	"github.com/vovakirdan/chat-relay/internal/core"
	"github.com/vovakirdan/chat-relay/internal/proto"
)

// NewServer builds the HTTP server carrying the health endpoint and the
// WebSocket relay.
func NewServer(hub *core.Hub, cfg config.Config, logger *zerolog.Logger) *stdhttp.Server {
	return &stdhttp.Server{
		Addr:              cfg.Addr(),
		Handler:           NewRouter(hub, WSOptionsFrom(cfg), logger, time.Now()),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// NewRouter wires routes. Upgrade requests on any path bypass gin and go
// straight to the WebSocket handler; gin serves the health endpoint and an
// empty 404 for everything else.
func NewRouter(hub *core.Hub, opts WSOptions, logger *zerolog.Logger, started time.Time) stdhttp.Handler {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.Any("/health", healthHandler(started))
	router.NoRoute(func(c *gin.Context) {
		c.AbortWithStatus(stdhttp.StatusNotFound)
	})

	ws := NewWSHandler(hub, opts, logger)

	return stdhttp.HandlerFunc(func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		if isUpgrade(r) {
			ws.ServeHTTP(w, r)
			return
		}
		router.ServeHTTP(w, r)
	})
}

func healthHandler(started time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		now := time.Now()
		c.JSON(stdhttp.StatusOK, proto.Health{
			Status:    "healthy",
			Timestamp: now.UTC().Format(time.RFC3339Nano),
			Uptime:    now.Sub(started).Seconds(),
		})
	}
}

func isUpgrade(r *stdhttp.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
