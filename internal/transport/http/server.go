package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/waveline/waveline-server/internal/auth"
	"github.com/waveline/waveline-server/internal/config"
	"github.com/waveline/waveline-server/internal/relay"
	"github.com/waveline/waveline-server/internal/session"
)

// NewServer builds the HTTP server: auth endpoints, health, and the
// signaling relay websocket.
func NewServer(
	authority *session.Authority,
	authService *auth.Service,
	rly *relay.Relay,
	cfg config.Config,
	logger *zerolog.Logger,
) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), LoggerMiddleware(logger))

	handlers := NewAPIHandlers(authService, authority, logger)

	router.GET("/health", handlers.Health)
	router.POST("/api/register", handlers.Register)
	router.POST("/api/login", handlers.Login)
	router.POST("/api/logout", AuthMiddleware(authService, logger), handlers.Logout)

	router.GET("/ws/:roomID/:participantID", func(c *gin.Context) {
		rly.Handle(c.Writer, c.Request, c.Param("roomID"), c.Param("participantID"))
	})

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
