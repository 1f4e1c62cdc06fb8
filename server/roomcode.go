package server

import (
	"encoding/json"
	"net/http"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// HandleCreateRoom 房间号签发接口
// GET /api/room?nickname=alice → {"roomId":"Ab3xYz"}
// 只负责发号，房间实体在第一个 WebSocket 连接到达时才创建
func HandleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	nickname := r.URL.Query().Get("nickname")
	if nickname == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Nickname is required"})
		return
	}

	roomID, err := gonanoid.New(GetRoomManager().Config().RoomCodeLength)
	if err != nil {
		Log.Errorf("room code generation failed: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	Log.Infof("room code %s issued for %s", roomID, nickname)
	_ = json.NewEncoder(w).Encode(map[string]string{"roomId": roomID})
}
