package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Logger *logrus.Logger

	Interface string `cli:"http-interface"`
	Port      int    `cli:"http-port"`
}

// echo-contrib registers its collectors with the default registry, which only works once.
var (
	promOnce sync.Once
	prom     *prometheus.Prometheus
)

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}

	s := &Server{
		config: cfg,
		log:    logger,
	}
	s.e = s.routes()
	return s
}

type Server struct {
	config Config
	log    *logrus.Logger
	e      *echo.Echo
	srv    *http.Server
	addr   net.Addr
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.WithFields(logrus.Fields{
				"uri":     v.URI,
				"status":  v.Status,
				"latency": v.Latency,
			}).Debug("request")
			return nil
		},
	}))

	promOnce.Do(func() {
		prom = prometheus.NewPrometheus("brevwatch", nil)
	})
	prom.Use(e)

	e.GET("/ping", func(c echo.Context) error {
		return c.String(http.StatusOK, "pong")
	})
	return e
}

// Handler is the router, without a listener.
func (s *Server) Handler() http.Handler {
	return s.e
}

// Addr is the address the server listens on, nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Start binds the configured interface and port, and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.config.Interface, s.config.Port))
	if err != nil {
		return fmt.Errorf("could not listen on %s:%d, %w", s.config.Interface, s.config.Port, err)
	}
	s.addr = ln.Addr()
	s.srv = &http.Server{Handler: s.e}

	go func() {
		s.log.Infof("Starting webserver on %s", ln.Addr())
		err := s.srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Webserver stopped")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
