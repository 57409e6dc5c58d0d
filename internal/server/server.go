package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jjudge-oj/authserver/config"
	"github.com/jjudge-oj/authserver/internal/db"
	"github.com/jjudge-oj/authserver/internal/handlers"
	"github.com/jjudge-oj/authserver/internal/logging"
	"github.com/jjudge-oj/authserver/internal/metrics"
	"github.com/jjudge-oj/authserver/internal/mq"
	"github.com/jjudge-oj/authserver/internal/services"
	"github.com/jjudge-oj/authserver/internal/store"
	"github.com/jjudge-oj/authserver/internal/token"
	"github.com/sirupsen/logrus"
)

// Server wraps the HTTP server and router.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	queue      *mq.MQ
	logger     *logrus.Logger
}

// New wires configuration, storage, the token codec and the optional event
// queue into a ready to start Server.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	codec, err := token.NewCodec(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"issuer":    cfg.Auth.Issuer,
		"token_ttl": codec.TTL().String(),
		"store":     cfg.Store,
	}).Info("session tokens configured")

	s := &Server{logger: logger}

	var (
		repo   services.UserRepository
		pinger handlers.Pinger
	)
	switch cfg.Store {
	case config.StoreBackendMemory:
		logger.Warn("using in-memory user store; accounts are lost on restart")
		repo = store.NewMemoryUserRepository()
	default:
		dbConn, err := db.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		s.db = dbConn
		repo = store.NewUserRepository(dbConn)
		pinger = dbConn
	}

	users := services.NewUserService(repo, codec, logger)

	queue, err := mq.Open(ctx, cfg.MQ)
	if err != nil {
		_ = s.Shutdown(ctx)
		return nil, err
	}
	if queue != nil {
		s.queue = queue
		users.WithEvents(queue, cfg.MQ.EventsChannel)
		logger.WithFields(logrus.Fields{
			"backend": cfg.MQ.Backend,
			"channel": cfg.MQ.EventsChannel,
		}).Info("publishing account events")
	}

	s.router = NewRouter(logger, metrics.New(), users, pinger)

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// NewRouter builds the HTTP routes. pinger may be nil when no database backs
// the user store.
func NewRouter(logger *logrus.Logger, m *metrics.Metrics, users *services.UserService, pinger handlers.Pinger) *chi.Mux {
	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		logging.RequestLogger(logger),
		m.Middleware,
		middleware.Timeout(60*time.Second),
	)
	router.Get("/healthz", handlers.Healthz(pinger))
	router.Handle("/metrics", m.Handler())
	router.Route("/api", func(r chi.Router) {
		r.Get("/", handlers.Index)
		handlers.AuthRouter(r, users, logger)
	})
	return router
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then closes the queue and database.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		errs = append(errs, s.httpServer.Shutdown(ctx))
	}
	if s.queue != nil {
		errs = append(errs, s.queue.Close())
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}
