package server

import "sync"

// RoomManager 管理多个房间的生命周期：首次加入时创建，空房销毁
type RoomManager struct {
	mu    sync.RWMutex
	cfg   Config
	rooms map[string]*Room
}

var (
	defaultManager *RoomManager
	once           sync.Once
)

// GetRoomManager 单例房间管理器
func GetRoomManager() *RoomManager {
	once.Do(func() {
		defaultManager = &RoomManager{cfg: LoadConfig(), rooms: make(map[string]*Room)}
	})
	return defaultManager
}

// GetOrCreateRoom 获取或创建房间，并确保开始 Tick
func (m *RoomManager) GetOrCreateRoom(id string) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		r = NewRoom(id, m.cfg)
		created := r
		r.onEmpty = func(id string) { m.removeRoom(id, created) }
		m.rooms[id] = r
		r.StartTicker()
	}
	return r
}

// GetRoom 只查不建
func (m *RoomManager) GetRoom(id string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// removeRoom 空房回收：停止协程并从注册表摘除
// 按指针比对，避免误停后来以相同 id 新建的房间
func (m *RoomManager) removeRoom(id string, r *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rooms[id]; ok && cur == r {
		cur.Stop()
		delete(m.rooms, id)
		Log.Infof("room %s disposed", id)
	}
}

// NumRooms 当前活跃房间数
func (m *RoomManager) NumRooms() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Config 管理器创建房间时使用的配置
func (m *RoomManager) Config() Config {
	return m.cfg
}
