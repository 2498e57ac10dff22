// Package server exposes the paid request gateway over HTTP.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ineyio/inferbill"
)

// Server wires the gateway, wallet and admin routes onto a gin engine.
type Server struct {
	gateway  *inferbill.Gateway
	orch     *inferbill.Orchestrator
	secret   string
	gatherer prometheus.Gatherer
	log      *zap.Logger
	engine   *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used for access logs and panics.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithGatherer serves metrics from g on /metrics. Default prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// New builds the HTTP handler. secret verifies HS256 bearer tokens.
func New(gateway *inferbill.Gateway, orch *inferbill.Orchestrator, secret string, opts ...Option) *Server {
	s := &Server{
		gateway:  gateway,
		orch:     orch,
		secret:   secret,
		gatherer: prometheus.DefaultGatherer,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("http")

	engine := gin.New()
	engine.Use(Correlation(), Recovery(s.log), AccessLog(s.log))

	engine.GET("/healthz", s.health)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := engine.Group("/", AuthMiddleware(secret))
	api.POST("/confirm", s.confirm)
	api.GET("/wallet", s.wallet)
	api.GET("/wallet/transactions", s.transactions)

	admin := engine.Group("/admin", AuthMiddleware(secret), RequireRole(RoleAdmin))
	admin.POST("/wallets/:identity/recharge", s.recharge)
	admin.GET("/wallets/:identity/reconcile", s.reconcile)

	engine.NoRoute(func(c *gin.Context) {
		abort(c, inferbill.NewError(inferbill.KindNotFound, "route not found", nil))
	})

	s.engine = engine
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.engine }
