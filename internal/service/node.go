package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"sosmesh/internal/config"
	"sosmesh/internal/device"
	"sosmesh/internal/handler"
	"sosmesh/internal/httpapi"
	"sosmesh/internal/models"
	"sosmesh/internal/relay"
	"sosmesh/internal/role"
	"sosmesh/internal/store"
	"sosmesh/internal/transport"
)

// NodeService 节点服务（整合各层）
//
// 一个进程一台"设备"：临时发送者身份、单例传输会话、
// 角色状态机、连接处理器和控制 API
type NodeService struct {
	config      *config.Config
	logger      *zap.Logger
	redisClient *redis.Client // seen 后端为 redis 时才有

	sender      string
	transport   *transport.MQTTTransport
	alertStore  *store.AlertStore
	seen        store.SeenAlertSet
	gateway     *relay.Gateway
	notifier    *device.LogNotifier
	machine     *role.Machine
	connHandler *handler.ConnectionHandler
	httpServer  *http.Server
}

// NewNodeService 创建节点服务
func NewNodeService(cfg *config.Config, logger *zap.Logger) (*NodeService, error) {
	// 1. 每次进程启动生成新的临时显示身份
	sender := models.NewSenderIdentity(cfg.Node.SenderPrefix)

	// 2. 已转发 Alert ID 集合（去重后端按配置选择）
	var seen store.SeenAlertSet
	var redisClient *redis.Client
	switch cfg.Relay.Seen.Backend {
	case "redis":
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		seen = store.NewRedisSeenSet(
			redisClient,
			cfg.Relay.Seen.Prefix,
			time.Duration(cfg.Relay.Seen.TTL)*time.Second,
			logger,
		)
	case "memory":
		seen = store.NewMemorySeenSet(cfg.Relay.Seen.Cap)
	default:
		return nil, fmt.Errorf("unknown seen alerts backend: %s", cfg.Relay.Seen.Backend)
	}

	// 3. 连接本地 MQTT 代理（对等传输信道）
	tr, err := transport.NewMQTTTransport(
		cfg.Transport.Broker,
		sender,
		cfg.Transport.TopicPrefix,
		cfg.Transport.QoS,
		logger,
	)
	if err != nil {
		if redisClient != nil {
			redisClient.Close()
		}
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	// 4. 组装各层
	alertStore := store.NewAlertStore()
	gateway := relay.NewGateway(
		cfg.Relay.SinkURL,
		time.Duration(cfg.Relay.Timeout)*time.Second,
		seen,
		logger,
	)
	notifier := device.NewLogNotifier(logger)
	machine := role.NewMachine(
		tr,
		alertStore,
		gateway,
		device.EnvPermissionGate{},
		device.EnvLocationProvider{},
		notifier,
		sender,
		time.Duration(cfg.Node.LocationTimeout)*time.Second,
		logger,
	)
	connHandler := handler.NewConnectionHandler(tr, machine, alertStore, gateway, notifier, logger)

	// 5. 控制 API
	router := httpapi.NewRouter(logger)
	router.RegisterNodeRoutes(httpapi.NewNodeHandler(machine, connHandler, notifier, seen, logger))

	return &NodeService{
		config:      cfg,
		logger:      logger,
		redisClient: redisClient,
		sender:      sender,
		transport:   tr,
		alertStore:  alertStore,
		seen:        seen,
		gateway:     gateway,
		notifier:    notifier,
		machine:     machine,
		connHandler: connHandler,
		httpServer: &http.Server{
			Addr:    cfg.Node.ControlAddr,
			Handler: router,
		},
	}, nil
}

// Sender 本进程的发送者身份
func (s *NodeService) Sender() string {
	return s.sender
}

// Start 启动服务（阻塞直到 HTTP 服务退出）
func (s *NodeService) Start(ctx context.Context) error {
	s.logger.Info("Starting node service",
		zap.String("sender", s.sender),
		zap.String("control_addr", s.config.Node.ControlAddr),
		zap.String("broker", s.config.Transport.Broker),
	)

	// 传输事件循环
	go s.connHandler.Run(ctx)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("control api server failed: %w", err)
	}
	return nil
}

// Stop 停止服务
func (s *NodeService) Stop() error {
	s.logger.Info("Stopping node service")

	// 先回到 Idle：清掉在场消息，退订发现
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.machine.Stop(ctx)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown control api server", zap.Error(err))
	}

	if err := s.transport.Close(); err != nil {
		s.logger.Error("Failed to close transport", zap.Error(err))
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Error("Failed to close redis", zap.Error(err))
		}
	}

	return nil
}
