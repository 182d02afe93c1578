// Package store 持有节点的运行时状态：本机最近一次生成的 Alert，
// 以及用于转发去重的已见 Alert ID 集合。
//
// 写入方受限：本机 Alert 仅由角色状态机写入，已见集合仅由转发网关写入。
package store

import (
	"context"
	"sync"

	"sosmesh/internal/models"
)

// SeenAlertSet 已转发 Alert ID 集合（仅用于抑制重复转发，
// 不抑制本地 UI 展示）
//
// MarkIfNew 原子地"查询并标记"：ID 未出现过时记录并返回 true，
// 已出现过返回 false。标记先于投递发生，用于约束并发连接下的重复发送。
type SeenAlertSet interface {
	MarkIfNew(ctx context.Context, alertID string) (bool, error)
	Len(ctx context.Context) (int, error)
}

// AlertStore 节点内存状态
type AlertStore struct {
	mu        sync.RWMutex
	selfAlert *models.Alert
}

// NewAlertStore 创建节点状态存储
func NewAlertStore() *AlertStore {
	return &AlertStore{}
}

// SetSelfAlert 替换本机当前 Alert
// 仅在一次全新的 SendAlert 成功时调用；重复广播不会走到这里
func (s *AlertStore) SetSelfAlert(alert models.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := alert
	s.selfAlert = &a
}

// SelfAlert 返回本机当前 Alert 的只读副本
func (s *AlertStore) SelfAlert() (models.Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selfAlert == nil {
		return models.Alert{}, false
	}
	return *s.selfAlert, true
}

// ClearSelfAlert 清除本机 Alert（回到 Idle 后的完全停止）
func (s *AlertStore) ClearSelfAlert() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selfAlert = nil
}
