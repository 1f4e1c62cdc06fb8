package server

import (
	"sync/atomic"
)

// RoomMetrics 记录房间运行期的关键指标（用于监控与调试）
type RoomMetrics struct {
	TickCount        int64 // 统计的 Tick 次数
	InputsAccepted   int64 // 被接受的方向输入数
	MalformedDropped int64 // 因 JSON 解析失败被丢弃的消息数
	UnknownDropped   int64 // 未知类型/未知玩家被忽略的消息数
	TagsTotal        int64 // 发生的抓捕次数
	BroadcastsSent   int64 // 成功入队的出站消息数
	SendOverflows    int64 // 因发送队列溢出被强制断开的连接数
	TotalTickNs      int64 // Tick 累计耗时（纳秒）
}

func (m *RoomMetrics) IncAccepted()     { atomic.AddInt64(&m.InputsAccepted, 1) }
func (m *RoomMetrics) IncMalformed()    { atomic.AddInt64(&m.MalformedDropped, 1) }
func (m *RoomMetrics) IncUnknown()      { atomic.AddInt64(&m.UnknownDropped, 1) }
func (m *RoomMetrics) IncTags()         { atomic.AddInt64(&m.TagsTotal, 1) }
func (m *RoomMetrics) IncBroadcast()    { atomic.AddInt64(&m.BroadcastsSent, 1) }
func (m *RoomMetrics) IncSendOverflow() { atomic.AddInt64(&m.SendOverflows, 1) }
func (m *RoomMetrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *RoomMetrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":        tick,
		"inputs_accepted":   atomic.LoadInt64(&m.InputsAccepted),
		"malformed_dropped": atomic.LoadInt64(&m.MalformedDropped),
		"unknown_dropped":   atomic.LoadInt64(&m.UnknownDropped),
		"tags_total":        atomic.LoadInt64(&m.TagsTotal),
		"broadcasts_sent":   atomic.LoadInt64(&m.BroadcastsSent),
		"send_overflows":    atomic.LoadInt64(&m.SendOverflows),
		"avg_tick_ms":       avgMs,
	}
}
