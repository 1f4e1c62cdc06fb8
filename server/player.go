package server

import (
	"github.com/google/uuid"
)

// PlayerID 表示玩家唯一标识（UUID，连接存续期内稳定，房间内不复用）
type PlayerID string

// NewPlayerID 分配新的玩家标识
func NewPlayerID() PlayerID {
	return PlayerID(uuid.NewString())
}

// Direction 移动方向（服务端权威解释客户端“意图”）
type Direction int

const (
	DirUp Direction = iota
	DirDown
	DirLeft
	DirRight
	dirCount
)

// ParseDirection 解析协议方向字符串；未知方向返回 false
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "up":
		return DirUp, true
	case "down":
		return DirDown, true
	case "left":
		return DirLeft, true
	case "right":
		return DirRight, true
	}
	return 0, false
}

// 淘汰阈值：被抓满 3 次出局
const maxCaughtCount = 3

// Player 房间内的玩家实体（服务端权威状态）
type Player struct {
	ID       PlayerID
	Nickname string
	X        float64
	Y        float64
	Width    float64
	Height   float64

	// Held 记录四个方向的按住状态，在 Tick 中换算为速度
	Held [dirCount]bool

	IsIt        bool
	CaughtCount int
	ImmuneUntil int64 // 免疫截止时间（epoch 毫秒），0 表示无免疫
	JoinSeq     int   // 入房序号，用于确定性遍历与广播排序

	Conn *ClientConn // 网络连接的发送端（写协程）
}

// Box 返回当前包围盒
func (p *Player) Box() Box {
	return Box{X: p.X, Y: p.Y, W: p.Width, H: p.Height}
}

// Eliminated 是否已出局（不再参与抓捕，也不能持有 pique）
func (p *Player) Eliminated() bool {
	return p.CaughtCount >= maxCaughtCount
}

// Eligible 是否仍在局内（可被抓、可持有 pique）
func (p *Player) Eligible() bool {
	return !p.Eliminated()
}

// ImmuneAt 在给定时刻（epoch 毫秒）是否处于免疫窗口
func (p *Player) ImmuneAt(nowMs int64) bool {
	return nowMs < p.ImmuneUntil
}

// Velocity 按当前按键状态换算速度分量，反向键互相抵消
func (p *Player) Velocity(speed float64) (vx, vy float64) {
	if p.Held[DirRight] {
		vx += speed
	}
	if p.Held[DirLeft] {
		vx -= speed
	}
	if p.Held[DirDown] {
		vy += speed
	}
	if p.Held[DirUp] {
		vy -= speed
	}
	return vx, vy
}

// ClearHeld 清空全部方向按键（淘汰、重开时调用）
func (p *Player) ClearHeld() {
	for i := range p.Held {
		p.Held[i] = false
	}
}

// Color 服务端统一计算展示颜色，客户端不再自带颜色规则
// pique 红色，免疫黄色，出局灰色，其余绿色
func (p *Player) Color(nowMs int64) string {
	switch {
	case p.Eliminated():
		return "grey"
	case p.IsIt:
		return "red"
	case p.ImmuneAt(nowMs):
		return "yellow"
	}
	return "green"
}

// Position 广播用坐标
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// PlayerState 为广播给客户端的轻量状态（字段形状与前端约定一致）
type PlayerState struct {
	ID          string   `json:"id"`
	Nickname    string   `json:"nickname"`
	Position    Position `json:"position"`
	Width       float64  `json:"width"`
	Height      float64  `json:"height"`
	Color       string   `json:"color"`
	IsIt        bool     `json:"isIt"`
	CaughtCount int      `json:"caughtCount"`
	ImmuneUntil int64    `json:"immuneUntil"`
}

// Snapshot 生成当前时刻的广播状态
func (p *Player) Snapshot(nowMs int64) PlayerState {
	return PlayerState{
		ID:          string(p.ID),
		Nickname:    p.Nickname,
		Position:    Position{X: p.X, Y: p.Y},
		Width:       p.Width,
		Height:      p.Height,
		Color:       p.Color(nowMs),
		IsIt:        p.IsIt,
		CaughtCount: p.CaughtCount,
		ImmuneUntil: p.ImmuneUntil,
	}
}
