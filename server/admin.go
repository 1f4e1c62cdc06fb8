package server

import (
	"encoding/json"
	"net/http"
)

// HandleAdminConfig 提供房间规则参数的读取与热更新
// GET  /admin/config?room=Ab3xYz  返回当前参数
// POST /admin/config?room=Ab3xYz  以 JSON 载荷更新部分字段
func HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "missing room query", http.StatusBadRequest)
		return
	}
	rm := GetRoomManager()
	room, ok := rm.GetRoom(roomID)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(room.CurrentTunables())
	case http.MethodPost:
		var body Tunables
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		room.ApplyTunables(body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
		cur := room.CurrentTunables()
		Log.Infof("config updated: room=%s speed=%.1f immunityMs=%d taggerImmunityMs=%d margin=%.1f",
			roomID, *cur.Speed, *cur.ImmunityMs, *cur.TaggerImmunityMs, *cur.OverlapMargin)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMetrics 输出指定房间的运行指标
// GET /metrics?room=Ab3xYz
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	rm := GetRoomManager()

	if roomID == "" {
		// 不带 room 参数时输出全局概览
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"rooms": rm.NumRooms()})
		return
	}
	room, ok := rm.GetRoom(roomID)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	payload := map[string]any{
		"room":       roomID,
		"players":    room.NumPlayers(),
		"matchState": room.State().String(),
		"metrics":    room.Metrics().Snapshot(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
