package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientConn 负责发送（写）数据到客户端的轻量包装
type ClientConn struct {
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func NewClientConn(ws *websocket.Conn) *ClientConn {
	return NewClientConnWithQueue(ws, 64)
}

func NewClientConnWithQueue(ws *websocket.Conn, queueSize int) *ClientConn {
	return &ClientConn{
		ws:   ws,
		send: make(chan []byte, queueSize),
	}
}

// Enqueue 将要发送的消息压入队列（非阻塞）
// 队列已满返回 false，调用方据此将连接按资源耗尽断开
func (c *ClientConn) Enqueue(b []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Close 关闭底层连接与发送队列；重复调用无害
func (c *ClientConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	if c.ws != nil {
		_ = c.ws.Close()
	}
}

// writePump 独立协程，负责从 send 队列写出到 WS
func (c *ClientConn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// readPump 读取客户端消息，按 type 分发到房间操作
// 读泵退出（正常或异常断开）时恰好触发一次离场
func (c *ClientConn) readPump(room *Room, playerID PlayerID) {
	defer c.ws.Close()
	defer room.RequestLeave(playerID)
	c.ws.SetReadLimit(1 << 20) // 1MB
	_ = c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(60 * time.Second))

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			// 协议错误：丢弃消息，连接保留
			room.Metrics().IncMalformed()
			Log.Debugf("room %s: malformed message from %s: %v", room.ID, playerID, err)
			continue
		}

		switch env.Type {
		case MsgPlayerInput:
			var in InputPayload
			if err := json.Unmarshal(env.Payload, &in); err != nil {
				room.Metrics().IncMalformed()
				continue
			}
			dir, ok := ParseDirection(in.Input)
			if !ok {
				room.Metrics().IncMalformed()
				Log.Debugf("room %s: unknown direction %q from %s", room.ID, in.Input, playerID)
				continue
			}
			room.OnInput(playerID, dir, in.State)
		case MsgInitRequest:
			room.RequestInit(playerID)
		case MsgRestart:
			room.RequestRestart(playerID)
		case MsgPing:
			c.Enqueue(encodePong())
		default:
			// 未知类型静默忽略
			room.Metrics().IncUnknown()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 前后端分离部署：允许所有来源
		return true
	},
}

// HandleWS WebSocket 接入：/ws?room=Ab3xYz&nickname=alice
// 连接即入房，断开即离场
func HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "missing room query", http.StatusBadRequest)
		return
	}
	nickname := r.URL.Query().Get("nickname")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnf("upgrade error: %v", err)
		return
	}

	rm := GetRoomManager()
	client := NewClientConnWithQueue(ws, rm.Config().SendQueueSize)

	// 房间可能在取到引用后恰好被空房回收，重取一次
	var playerID PlayerID
	var ok bool
	for attempt := 0; attempt < 2; attempt++ {
		room := rm.GetOrCreateRoom(roomID)
		if playerID, ok = room.Join(nickname, client); ok {
			go client.writePump()
			go client.readPump(room, playerID)
			return
		}
	}
	Log.Warnf("room %s: join failed, closing connection", roomID)
	_ = ws.Close()
}
