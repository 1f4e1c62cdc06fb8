package server

import "time"

const (
	// TicksPerSecond 世界推进频率（20 TPS）
	TicksPerSecond = 20
)

var tickInterval = time.Duration(1000/TicksPerSecond) * time.Millisecond // 50ms

// StartTicker 启动房间协程：固定节拍推进世界，命令在两次 Tick 之间串行执行
func (r *Room) StartTicker() {
	if r.tickerStarted {
		return
	}
	r.tickerStarted = true
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		dt := tickInterval.Seconds()
		for {
			select {
			case <-r.quit:
				return
			case cmd := <-r.cmdChan:
				r.handleCommand(cmd)
			case <-ticker.C:
				// 核心循环：移动解算 → 抓捕判定 → 广播结果
				start := time.Now()
				r.tick(dt)
				r.metrics.AddTick(time.Since(start).Nanoseconds())
			}
		}
	}()
}
