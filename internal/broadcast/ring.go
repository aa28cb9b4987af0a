package broadcast

import (
	"time"

	"medlink-alert/internal/models"
)

// Event 广播事件
type Event struct {
	Sequence uint64                   `json:"sequence"`
	Scope    string                   `json:"scope"`
	AlertID  string                   `json:"alert_id"`
	Kind     models.TimelineEventKind `json:"kind"`
	Alert    *models.Alert            `json:"alert,omitempty"`
	At       time.Time                `json:"at"`
}

// ring 有界事件环形缓冲
// 只保留每个scope最近 size 条事件：这是有意的有界内存取舍，
// 缓冲窗口之外不提供重放保证。单写者（Hub 持锁追加），无内部锁。
type ring struct {
	events []Event
	size   int
}

func newRing(size int) *ring {
	return &ring{size: size}
}

// append 追加事件，超出容量时淘汰最旧的
func (r *ring) append(event Event) {
	r.events = append(r.events, event)
	if len(r.events) > r.size {
		r.events = r.events[len(r.events)-r.size:]
	}
}

// since 返回序列号大于 lastSeen 的事件（按序）
// gap=true 表示缓冲无法证明连续（lastSeen 之后的事件可能已被淘汰）
func (r *ring) since(lastSeen uint64) (events []Event, gap bool) {
	if len(r.events) == 0 {
		return nil, true
	}

	oldest := r.events[0].Sequence
	if oldest > lastSeen+1 {
		return nil, true
	}

	for _, event := range r.events {
		if event.Sequence > lastSeen {
			events = append(events, event)
		}
	}
	return events, false
}

// latest 最新事件的序列号（空缓冲返回0）
func (r *ring) latest() uint64 {
	if len(r.events) == 0 {
		return 0
	}
	return r.events[len(r.events)-1].Sequence
}
