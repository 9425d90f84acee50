package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"msg_client/client/common/infra/cache"
	"msg_client/client/common/infra/object"
	"msg_client/client/sync/api"
	"msg_client/client/sync/service"
)

type Server struct {
	HTTPServer *http.Server
	Engine     *service.Engine
	Redis      *redis.Client

	sessionToken string
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var redisClient *redis.Client
	if cfg.UseRedis {
		redisClient = cache.NewClient(cfg.RedisAddr)
		if err := cache.Ping(ctx, redisClient); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
	}

	var attachments *service.AttachmentStore
	if cfg.UseObjectStore {
		objectClient, err := object.NewClient(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOUseSSL)
		if err != nil {
			return nil, fmt.Errorf("initialize object store: %w", err)
		}
		if err := object.EnsureBucket(ctx, objectClient, cfg.MinIOBucket); err != nil {
			return nil, fmt.Errorf("ensure attachment bucket: %w", err)
		}
		attachments = service.NewAttachmentStore(objectClient, cfg.MinIOBucket)
	}

	var transport service.Transport
	switch cfg.PushTransport {
	case "amqp":
		transport = service.NewAMQPTransport(cfg.AMQPURL)
	default:
		transport = service.NewWebSocketTransport(cfg.PushURL)
	}

	conn := service.NewConnectionManager(transport, service.ConnectionConfig{})
	history := service.NewHistoryClient(cfg.RestEndpoints...)
	engine := service.NewEngine(conn, history, service.EngineOptions{
		Attachments:      attachments,
		Redis:            redisClient,
		SnapshotPageSize: cfg.SnapshotPageSize,
	})

	h := api.NewHandler(engine)
	r := gin.Default()
	h.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		HTTPServer:   httpServer,
		Engine:       engine,
		Redis:        redisClient,
		sessionToken: cfg.SessionToken,
	}, nil
}

// Start brings the sync session up: token validated, push connection dialed,
// persisted rooms reopened.
func (s *Server) Start(ctx context.Context) error {
	return s.Engine.Start(ctx, s.sessionToken)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.Engine.Close()
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	return s.HTTPServer.Shutdown(ctx)
}
