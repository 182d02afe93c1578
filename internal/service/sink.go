package service

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"sosmesh/internal/config"
	"sosmesh/internal/httpapi"
	"sosmesh/internal/repository"
)

// SinkService 汇聚端服务（接收中继网关提交的告警）
type SinkService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	alertsRepo *repository.AlertsRepository
	cache      *repository.RecentAlertsCache
	httpServer *http.Server
}

// NewSinkService 创建汇聚端服务
func NewSinkService(cfg *config.Config, logger *zap.Logger) (*SinkService, error) {
	// 1. 连接数据库
	db, err := sql.Open("postgres", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 仓库与缓存
	alertsRepo := repository.NewAlertsRepository(db, logger)
	cache := repository.NewRecentAlertsCache(
		redisClient,
		cfg.Sink.CachePrefix,
		time.Duration(cfg.Sink.CacheTTL)*time.Second,
		logger,
	)

	// 4. HTTP 接口
	router := httpapi.NewRouter(logger)
	router.RegisterSinkRoutes(httpapi.NewSinkHandler(alertsRepo, cache, cfg.Sink.RecentLimit, logger))

	return &SinkService{
		config:      cfg,
		db:          db,
		redisClient: redisClient,
		logger:      logger,
		alertsRepo:  alertsRepo,
		cache:       cache,
		httpServer: &http.Server{
			Addr:    cfg.Sink.ListenAddr,
			Handler: router,
		},
	}, nil
}

// Start 启动服务（阻塞直到 HTTP 服务退出）
func (s *SinkService) Start(_ context.Context) error {
	s.logger.Info("Starting sink service",
		zap.String("listen_addr", s.config.Sink.ListenAddr),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("sink server failed: %w", err)
	}
	return nil
}

// Stop 停止服务
func (s *SinkService) Stop() error {
	s.logger.Info("Stopping sink service")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Failed to shutdown sink server", zap.Error(err))
	}

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database", zap.Error(err))
	}
	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis", zap.Error(err))
	}

	return nil
}

// buildDSN 构建数据库连接字符串
func buildDSN(cfg *config.Config) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Database,
		cfg.Database.SSLMode,
	)
}
