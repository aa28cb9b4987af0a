package scheduler

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler 截止时间调度器
// 每个键（告警ID或告警ID+用途）至多保留一个待触发的定时任务；
// 重复 Arm 同一个键会先取消旧任务。取消是尽力而为的：
// 已经开始执行的回调无法中止，回调方必须在动作前重新检查状态。
type Scheduler struct {
	clock  Clock
	logger *zap.Logger

	mu      sync.Mutex
	closed  bool
	pending map[string]Timer
}

// NewScheduler 创建调度器
func NewScheduler(clock Clock, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		clock:   clock,
		logger:  logger,
		pending: make(map[string]Timer),
	}
}

// Arm 为指定键安排截止时间回调
// deadline 在过去时立即以零延迟安排（回调仍异步执行）
func (s *Scheduler) Arm(key string, deadline time.Time, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("scheduler is closed")
	}

	// 替换旧任务
	if old, ok := s.pending[key]; ok {
		old.Stop()
		delete(s.pending, key)
	}

	d := deadline.Sub(s.clock.Now())
	if d < 0 {
		d = 0
	}

	var timer Timer
	timer = s.clock.AfterFunc(d, func() {
		// 触发后移除自身（仅当仍是当前任务时）
		s.mu.Lock()
		if cur, ok := s.pending[key]; ok && cur == timer {
			delete(s.pending, key)
		}
		s.mu.Unlock()
		fn()
	})
	s.pending[key] = timer

	s.logger.Debug("Armed deadline",
		zap.String("key", key),
		zap.Time("deadline", deadline),
	)
	return nil
}

// Cancel 取消指定键的定时任务（尽力而为）
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.pending[key]; ok {
		timer.Stop()
		delete(s.pending, key)
		s.logger.Debug("Cancelled deadline", zap.String("key", key))
	}
}

// Pending 返回指定键是否有待触发的任务
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Close 关闭调度器并取消所有待触发任务
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for key, timer := range s.pending {
		timer.Stop()
		delete(s.pending, key)
	}
}
