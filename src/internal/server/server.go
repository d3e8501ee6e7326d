package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"civic-session-svc/src/clients"
	"civic-session-svc/src/internal/config"
	"civic-session-svc/src/internal/dependency"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var log = logrus.StandardLogger()

type Server struct {
	cfg  *config.Configuration
	deps *dependency.Manager
	http *http.Server
}

// New connects the configured backing services and wires the router.
func New(cfg *config.Configuration) (*Server, error) {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger)

	var (
		redisClient *clients.RedisClient
		mongodb     *clients.MongoDB
		rabbitMQ    *clients.RabbitMQ
		err         error
	)

	if cfg.Storage.Backend == config.BackendRedis {
		redisClient, err = clients.NewRedisClient(&cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
	}

	if cfg.Database.Enabled {
		mongodb, err = clients.NewMongoDB(&cfg.Database)
		if err != nil {
			log.WithError(err).Warn("MongoDB unavailable, session audit disabled")
			mongodb = nil
		}
	}

	if cfg.Queue.RabbitMQ.Enabled {
		rabbitMQ, err = clients.NewRabbitMQ(&cfg.Queue.RabbitMQ)
		if err == nil {
			err = rabbitMQ.SetupExchange()
		}
		if err != nil {
			log.WithError(err).Warn("RabbitMQ unavailable, activity publishing disabled")
			if rabbitMQ != nil {
				_ = rabbitMQ.Close()
			}
			rabbitMQ = nil
		}
	}

	deps, err := dependency.NewDependencyManager(router, mongodb, redisClient, rabbitMQ, cfg)
	if err != nil {
		return nil, err
	}
	SetupRoutes(deps)

	return &Server{
		cfg:  cfg,
		deps: deps,
		http: &http.Server{
			Addr:         ":" + cfg.Server.Port,
			Handler:      router,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
			IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		},
	}, nil
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", s.http.Addr).Info("HTTP server listening")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		s.close(context.Background())
		return err
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("Shutting down server...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Open SSE streams end when their tabs close.
	s.deps.Registry.Shutdown()

	err := s.http.Shutdown(ctx)
	s.close(ctx)
	if err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	log.Info("Server exited")
	return nil
}

func (s *Server) close(ctx context.Context) {
	s.deps.Close()

	if s.deps.RabbitMQ != nil {
		_ = s.deps.RabbitMQ.Close()
	}
	if s.deps.Mongodb != nil {
		_ = s.deps.Mongodb.Close(ctx)
	}
	if s.deps.Redis != nil {
		_ = s.deps.Redis.Close()
	}
}

func requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()

	log.WithFields(logrus.Fields{
		"method":   c.Request.Method,
		"path":     c.FullPath(),
		"status":   c.Writer.Status(),
		"duration": time.Since(start).String(),
	}).Debug("Request handled")
}
