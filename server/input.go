package server

import "encoding/json"

// 入站/出站统一信封：{"type":"game:xxx","payload":{...}}
// 历史上的裸数组载荷形状已废弃，服务端只产出这一种形状
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// 入站消息类型
const (
	MsgInitRequest = "game:initRequest"
	MsgPlayerInput = "game:playerInput"
	MsgRestart     = "game:restart"
	MsgPing        = "ping"
)

// InputPayload 按下/松开某个方向
// 示例：{"type":"game:playerInput","payload":{"input":"up","state":true}}
type InputPayload struct {
	Input string `json:"input"`
	State bool   `json:"state"`
}

// 房间命令：由网关注入，统一在房间协程内串行执行
// Tick 不会观察到半施加的 Join/Leave

type joinCmd struct {
	nickname string
	conn     *ClientConn
	reply    chan PlayerID
}

type leaveCmd struct {
	playerID PlayerID
}

type inputCmd struct {
	playerID PlayerID
	dir      Direction
	pressed  bool
}

type initRequestCmd struct {
	playerID PlayerID
}

type restartCmd struct {
	playerID PlayerID
}
