// Package server assembles the HTTP engine and the background sweep from configuration.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mikepea/access/pkg/access/admin"
	"github.com/mikepea/access/pkg/access/apikeys"
	"github.com/mikepea/access/pkg/access/auth"
	"github.com/mikepea/access/pkg/access/cleanup"
	"github.com/mikepea/access/pkg/access/config"
	"github.com/mikepea/access/pkg/access/invitations"
	"github.com/mikepea/access/pkg/access/logging"
	"github.com/mikepea/access/pkg/access/manage"
	"github.com/mikepea/access/pkg/access/metrics"
	"github.com/mikepea/access/pkg/access/oidc"
	"github.com/mikepea/access/pkg/access/service"
	"github.com/mikepea/access/pkg/access/store"
	"github.com/mikepea/access/pkg/access/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// Server holds the wired components of a running instance
type Server struct {
	conf    *config.Config
	log     *zap.Logger
	store   *store.Store
	tokens  *auth.Tokens
	metrics *metrics.Metrics
	service *service.Service
	engine  *gin.Engine
}

// Option configures a Server
type Option func(*serverOptions)

type serverOptions struct {
	catalog manage.Catalog
	svcOpts []service.Option
}

// WithCatalog replaces the catalog selected from configuration
func WithCatalog(c manage.Catalog) Option {
	return func(o *serverOptions) { o.catalog = c }
}

// WithServiceOptions passes extra options to the access facade
func WithServiceOptions(opts ...service.Option) Option {
	return func(o *serverOptions) { o.svcOpts = append(o.svcOpts, opts...) }
}

// NewCatalog selects the Manage client behind a cache, or an empty in-memory
// catalog when no Manage URL is configured.
func NewCatalog(conf *config.Config, m *metrics.Metrics, log *zap.Logger) manage.Catalog {
	if conf.Manage.URL == "" {
		log.Warn("no manage url configured, using the in-memory catalog")
		return manage.StaticCatalog{}
	}
	client := manage.NewClient(conf.ManageConf(), manage.WithLookupCounter(m.CatalogLookupsTotal))
	return manage.NewCachedCatalog(client, conf.CacheConf())
}

// New wires the store, facade and HTTP routes on db
func New(conf *config.Config, db *gorm.DB, log *zap.Logger, opts ...Option) *Server {
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		conf:    conf,
		log:     log,
		store:   store.New(db),
		tokens:  auth.NewTokens(conf.Auth.JWTSecret, conf.Auth.TokenTTL),
		metrics: metrics.New(),
	}
	if o.catalog == nil {
		o.catalog = NewCatalog(conf, s.metrics, log)
	}

	svcOpts := append([]service.Option{
		service.WithLogger(log.Named("service")),
		service.WithMetrics(s.metrics),
		service.WithInvitationExpiry(conf.InvitationExpiry()),
	}, o.svcOpts...)
	s.service = service.New(s.store, o.catalog, auth.ContextResolver{}, svcOpts...)
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Service returns the access facade
func (s *Server) Service() *service.Service {
	return s.service
}

// Store returns the repository
func (s *Server) Store() *store.Store {
	return s.store
}

// Tokens returns the JWT issuer
func (s *Server) Tokens() *auth.Tokens {
	return s.tokens
}

func (s *Server) routes() *gin.Engine {
	if s.conf.Server.Mode != "" {
		gin.SetMode(s.conf.Server.Mode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), logging.GinLogger(s.log.Named("http")))
	if s.conf.Server.Metrics {
		r.Use(s.metrics.Middleware())
		r.GET("/metrics", s.metrics.Handler())
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	jwt := auth.Middleware(s.tokens)
	optional := auth.OptionalMiddleware(s.tokens)
	combined := apikeys.CombinedAuthMiddleware(s.store, s.tokens, s.log)
	clientURL := s.conf.Server.ClientURL

	api := r.Group("/api/v1")
	{
		api.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "access"})
		})

		auth.NewHandler(s.store, s.tokens, s.log.Named("auth")).RegisterRoutes(api.Group("/auth"))

		if oidcHandler := oidc.NewHandler(s.conf.OIDC, s.store, s.tokens, clientURL, s.log.Named("oidc")); oidcHandler.Enabled() {
			oidcHandler.RegisterRoutes(api.Group("/oidc"))
		}

		users.NewHandler(s.service, clientURL, s.log).RegisterRoutes(api.Group("/users"), jwt, optional)
		invitations.NewHandler(s.service, s.log).RegisterRoutes(api.Group("/invitations"), jwt, optional)

		apikeys.NewHandler(s.store, s.service, s.log.Named("apikeys")).RegisterRoutes(api.Group("", jwt))

		adminGroup := api.Group("/admin", jwt, admin.RequireSuperUser(s.service, s.log.Named("admin")))
		admin.NewHandler(s.store, s.log.Named("admin")).RegisterRoutes(adminGroup)
	}

	// The external API mirrors the user endpoints for API key holders
	external := r.Group("/api/external/v1")
	users.NewHandler(s.service, clientURL, s.log).RegisterRoutes(external.Group("/users"), combined, optional)

	return r
}

// NewSweeper schedules the eager invitation expiry. It returns nil when no schedule is configured.
func (s *Server) NewSweeper() (*cleanup.Sweeper, error) {
	if s.conf.Invitation.SweepCron == "" {
		return nil, nil
	}
	return cleanup.New(s.service, s.conf.Invitation.SweepCron, s.log.Named("cleanup"), s.metrics)
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	sweeper, err := s.NewSweeper()
	if err != nil {
		return err
	}
	if sweeper != nil {
		sweeper.Start()
		defer sweeper.Stop()
	}

	srv := &http.Server{
		Addr:              s.conf.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting access server", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down access server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
