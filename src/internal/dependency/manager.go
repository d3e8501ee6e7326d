package dependency

import (
	"context"
	"fmt"
	"time"

	"civic-session-svc/src/clients"
	"civic-session-svc/src/internal/broadcast"
	"civic-session-svc/src/internal/config"
	"civic-session-svc/src/internal/session"
	"civic-session-svc/src/internal/storage"
	"civic-session-svc/src/internal/tab"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Manager owns every long-lived dependency. Mongodb, Redis and RabbitMQ are nil
// when the corresponding feature is not configured.
type Manager struct {
	Router        *gin.Engine
	Config        *config.Configuration
	Mongodb       *clients.MongoDB
	Redis         *clients.RedisClient
	RabbitMQ      *clients.RabbitMQ
	Shared        storage.Connector
	Registry      *tab.Registry
	TabHandler    tab.Handler
	ReportClient  *clients.ReportClient
	SessionRepo   session.Repository
	ActivityQueue *clients.ActivityPublisher

	closeShared func() error
}

func NewDependencyManager(router *gin.Engine,
	mongodb *clients.MongoDB,
	redisClient *clients.RedisClient,
	rabbitMQ *clients.RabbitMQ,
	cfg *config.Configuration) (*Manager, error) {
	m := &Manager{
		Router:   router,
		Config:   cfg,
		Mongodb:  mongodb,
		Redis:    redisClient,
		RabbitMQ: rabbitMQ,
	}

	if err := m.setupShared(); err != nil {
		return nil, err
	}

	var repo session.Repository
	if mongodb != nil {
		repo = session.NewSessionRepository(mongodb, cfg.Database.SessionCollection)
		m.SessionRepo = repo
	}

	// Left as a nil interface when RabbitMQ is off.
	var sessionActivity session.ActivityPublisher
	var reportActivity tab.ActivityPublisher
	if rabbitMQ != nil {
		m.ActivityQueue = clients.NewActivityPublisher(&cfg.Queue.RabbitMQ, rabbitMQ.Channel)
		sessionActivity = m.ActivityQueue
		reportActivity = m.ActivityQueue
	}

	opts := []tab.Option{
		tab.WithIdleTimeout(minutes(cfg.Tabs.IdleTimeoutMinutes, tab.DefaultIdleTimeout)),
		tab.WithBusFactory(m.busFactory()),
		tab.WithEventBufferSize(cfg.Tabs.EventBufferSize),
	}
	if repo != nil || sessionActivity != nil {
		opts = append(opts, tab.WithSessionListener(session.NewAuditListener(repo, sessionActivity)))
	}

	m.Registry = tab.NewRegistry(m.Shared, opts...)
	m.ReportClient = clients.NewReportClient(&cfg.ReportAPI)
	m.TabHandler = tab.NewHandler(cfg, m.Registry, m.ReportClient, reportActivity)

	return m, nil
}

func (m *Manager) setupShared() error {
	switch m.Config.Storage.Backend {
	case config.BackendRedis:
		if m.Redis == nil {
			return fmt.Errorf("storage backend %q requires redis", config.BackendRedis)
		}
		shared := storage.NewRedis(m.Redis.Client, m.Config.Redis.Prefix)
		if err := shared.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start redis storage: %w", err)
		}
		m.Shared = shared
		m.closeShared = shared.Close

	case config.BackendMemory, "":
		shared := storage.NewMemory()
		m.Shared = shared
		m.closeShared = func() error {
			shared.Close()
			return nil
		}

	default:
		return fmt.Errorf("unknown storage backend %q", m.Config.Storage.Backend)
	}

	logrus.WithField("backend", m.Config.Storage.Backend).Info("Shared session storage ready")
	return nil
}

func (m *Manager) busFactory() tab.BusFactory {
	retention := minutes(m.Config.Storage.EventRetentionMinutes, 10*time.Minute)

	if m.Config.Storage.Bus == config.BusChannel {
		size := m.Config.Storage.BusBufferSize
		if size <= 0 {
			size = broadcast.DefaultBufferSize
		}
		return tab.ChannelBuses(broadcast.NewChannelBus(retention, size))
	}
	return tab.StorageBuses(retention)
}

// Close shuts down tabs first so no store touches the shared area afterwards.
func (m *Manager) Close() {
	if m.Registry != nil {
		m.Registry.Shutdown()
	}
	if m.closeShared != nil {
		if err := m.closeShared(); err != nil {
			logrus.WithError(err).Warn("Failed to close shared storage")
		}
	}
}

func minutes(n int, fallback time.Duration) time.Duration {
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Minute
}
