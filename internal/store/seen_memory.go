package store

import (
	"context"
	"sync"
)

// MemorySeenSet 有界内存实现：按插入顺序先进先出淘汰
//
// 持续网格流量下上限决定内存占用；默认容量见配置 SEEN_ALERTS_CAP（512）。
// 被淘汰的 ID 再次出现会被当作新 Alert 重新转发，这是有界去重的已知代价。
type MemorySeenSet struct {
	mu    sync.Mutex
	cap   int
	ids   map[string]struct{}
	order []string // 插入顺序，淘汰最旧
}

// NewMemorySeenSet 创建内存已见集合；cap <= 0 时退化为 1
func NewMemorySeenSet(cap int) *MemorySeenSet {
	if cap <= 0 {
		cap = 1
	}
	return &MemorySeenSet{
		cap: cap,
		ids: make(map[string]struct{}, cap),
	}
}

// MarkIfNew 见 SeenAlertSet
func (s *MemorySeenSet) MarkIfNew(_ context.Context, alertID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[alertID]; ok {
		return false, nil
	}

	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}

	s.ids[alertID] = struct{}{}
	s.order = append(s.order, alertID)
	return true, nil
}

// Len 当前集合大小
func (s *MemorySeenSet) Len(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids), nil
}
