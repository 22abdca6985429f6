// Package httpapi is the web layer: the JSON mail API, the live event
// streams, metrics and health endpoints.
package httpapi

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/shineum/mailcatcher-lite/internal/broker"
	"github.com/shineum/mailcatcher-lite/internal/fake"
	"github.com/shineum/mailcatcher-lite/internal/metrics"
	"github.com/shineum/mailcatcher-lite/internal/provider"
	"github.com/shineum/mailcatcher-lite/internal/provider/capture"
	"github.com/shineum/mailcatcher-lite/internal/store"
)

// Dependencies holds everything the router serves from.
type Dependencies struct {
	Store   store.Store
	Events  *broker.Broker
	Metrics *metrics.Metrics
	// Provider receives generated messages, exactly like mail arriving over
	// SMTP. Defaults to a capture provider over Store and Events.
	Provider provider.Provider
	// Fake generates the messages served by /fake. Defaults to a randomly
	// seeded generator.
	Fake *fake.Generator
	// Health serves /healthz/live and /healthz/ready. Optional.
	Health healthcheck.Handler
	// AllowedOrigins applies to CORS and to WebSocket upgrades.
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Handler serves the mail API.
type Handler struct {
	store   store.Store
	events  *broker.Broker
	metrics *metrics.Metrics
	sink    provider.Provider
	faker   *fake.Generator
	log     *zap.Logger
}

// NewRouter creates the gin engine with every route registered.
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	if deps.Provider == nil {
		deps.Provider = capture.New(deps.Store, deps.Events, deps.Metrics, deps.Logger.Named("capture"))
	}
	if deps.Fake == nil {
		deps.Fake = fake.New(0)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(deps.Logger, deps.Metrics))
	router.Use(gincors.New(corsConfig(deps.AllowedOrigins)))

	h := &Handler{
		store:   deps.Store,
		events:  deps.Events,
		metrics: deps.Metrics,
		sink:    deps.Provider,
		faker:   deps.Fake,
		log:     deps.Logger,
	}
	streams := newStreamHandler(deps.Events, deps.AllowedOrigins, deps.Logger)

	router.GET("/mails", h.listMails)
	router.DELETE("/mails", h.clearMails)

	mail := router.Group("/mail/:id")
	{
		mail.GET("", h.getMail)
		mail.GET("/text", h.getText)
		mail.GET("/html", h.getHTML)
		mail.GET("/source", h.getSource)
		mail.GET("/raw", h.getRaw)
		mail.DELETE("", h.deleteMail)
	}

	// Removal through GET, kept for clients that cannot send DELETE.
	router.GET("/remove/:id", h.removeLegacy)

	router.GET("/fake", h.generateFake)
	router.GET("/fake/:nb", h.generateFake)

	router.GET("/sse", streams.serveSSE)
	router.GET("/ws", streams.serveWS)

	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	if deps.Health != nil {
		router.GET("/healthz/live", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/healthz/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	}

	return router
}

func corsConfig(origins []string) gincors.Config {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	cfg := gincors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// Credentials cannot be combined with a wildcard origin.
	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowCredentials = false
			break
		}
	}
	return cfg
}
