// Package scheduler 提供升级截止时间的定时调度。
// Clock 抽象使引擎可以用假时钟做确定性测试，不依赖真实 sleep。
package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Timer 已安排的定时任务句柄
type Timer interface {
	// Stop 取消定时任务。已经开始执行的回调无法中止，返回 false。
	Stop() bool
}

// Clock 时钟抽象
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// ============================================
// 真实时钟
// ============================================

type realClock struct{}

// NewRealClock 创建真实时钟（生产环境使用）
func NewRealClock() Clock {
	return &realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ============================================
// 假时钟（测试用）
// ============================================

// FakeClock 手动推进的时钟，Advance 按截止时间顺序同步触发到期回调
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

// NewFakeClock 创建假时钟
func NewFakeClock(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{
		clock:    c,
		deadline: c.now.Add(d),
		fn:       f,
	}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance 推进时钟并同步触发所有到期的回调（按截止时间排序）
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now

	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.deadline.After(target) {
			t.fired = true
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	c.mu.Unlock()

	// 回调在锁外执行，允许回调内再次安排定时任务
	for _, t := range due {
		t.fn()
	}
}
