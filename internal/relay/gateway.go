// Package relay 实现转发网关：把本机生成或网格收到的 Alert
// 提交到远端汇聚服务，带去重抑制。
//
// 投递是尽力而为：每个 Alert ID 每台设备至多一次网络尝试，失败只记录
// 不自动重试——网格里逐跳重试会组合放大流量，重试策略留作显式扩展点。
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"sosmesh/internal/models"
	"sosmesh/internal/store"
)

// SubmitRequest 汇聚端提交报文
type SubmitRequest struct {
	Sender    string `json:"sender"`
	AlertID   string `json:"alert_id"`
	Timestamp string `json:"timestamp"`
	Latitude  string `json:"latitude"`
	Longitude string `json:"longitude"`
}

// SubmitResponse 汇聚端响应
type SubmitResponse struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Gateway 转发网关
type Gateway struct {
	httpClient *resty.Client
	seen       store.SeenAlertSet
	logger     *zap.Logger
}

// NewGateway 创建转发网关
//
// 重试次数显式保持为 0：去重标记在投递前落下且失败不回滚，
// 重复的 Relay 调用不会产生第二次网络提交
func NewGateway(sinkURL string, timeout time.Duration, seen store.SeenAlertSet, logger *zap.Logger) *Gateway {
	client := resty.New().
		SetBaseURL(sinkURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Gateway{
		httpClient: client,
		seen:       seen,
		logger:     logger,
	}
}

// Relay 转发一条 Alert
//
// ID 已在已见集合中时跳过投递并返回成功（本设备已转发过）；
// 否则先标记再投递，投递失败记录日志但不返回错误也不回滚标记
func (g *Gateway) Relay(ctx context.Context, alert models.Alert) error {
	fresh, err := g.seen.MarkIfNew(ctx, alert.ID)
	if err != nil {
		return fmt.Errorf("failed to check seen set: %w", err)
	}
	if !fresh {
		g.logger.Debug("Alert already relayed, skipping",
			zap.String("alert_id", alert.ID),
		)
		return nil
	}

	request := SubmitRequest{
		Sender:    alert.Sender,
		AlertID:   alert.ID,
		Timestamp: alert.CreatedAt,
		Latitude:  alert.Latitude,
		Longitude: alert.Longitude,
	}

	var response SubmitResponse
	resp, err := g.httpClient.R().
		SetContext(ctx).
		SetBody(request).
		SetResult(&response).
		Post("/sink/api/v1/alerts")

	if err != nil {
		// 尽力而为：网络失败不重试，标记保留，后续同 ID 不再尝试
		g.logger.Warn("Relay delivery failed",
			zap.String("alert_id", alert.ID),
			zap.Error(err),
		)
		return nil
	}

	if resp.IsError() {
		g.logger.Warn("Sink rejected alert",
			zap.String("alert_id", alert.ID),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("message", response.Message),
		)
		return nil
	}

	g.logger.Info("Alert relayed to sink",
		zap.String("alert_id", alert.ID),
		zap.String("sender", alert.Sender),
		zap.Int("status_code", resp.StatusCode()),
	)
	return nil
}
