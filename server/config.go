package server

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config 游戏规则与运行参数
// 进程启动时从环境变量读取一次；速度、免疫窗口、重叠余量
// 可在运行期经 /admin/config 按房间热更新
type Config struct {
	ArenaWidth   float64
	ArenaHeight  float64
	PlayerWidth  float64
	PlayerHeight float64

	Speed            float64 // 移动速度（px/s）
	ImmunityMs       int64   // 被抓/成为 pique 后的免疫窗口
	TaggerImmunityMs int64   // 交出 pique 一方的短免疫，防止立刻反抓
	OverlapMargin    float64 // 阻挡收缩 / 抓捕扩张余量（px）

	SendQueueSize  int // 每连接发送队列容量，溢出即断开
	SpawnAttempts  int // 出生点随机重采样上限
	RoomCodeLength int
}

// DefaultConfig 内置默认值，与前端画布尺寸约定一致
func DefaultConfig() Config {
	return Config{
		ArenaWidth:       800,
		ArenaHeight:      600,
		PlayerWidth:      30,
		PlayerHeight:     30,
		Speed:            200,
		ImmunityMs:       1000,
		TaggerImmunityMs: 500,
		OverlapMargin:    2,
		SendQueueSize:    64,
		SpawnAttempts:    32,
		RoomCodeLength:   6,
	}
}

// LoadConfig 读取 .env（缺失则忽略）并用 PIQUE_* 环境变量覆盖默认值
func LoadConfig() Config {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	envFloat("PIQUE_ARENA_WIDTH", &cfg.ArenaWidth)
	envFloat("PIQUE_ARENA_HEIGHT", &cfg.ArenaHeight)
	envFloat("PIQUE_PLAYER_WIDTH", &cfg.PlayerWidth)
	envFloat("PIQUE_PLAYER_HEIGHT", &cfg.PlayerHeight)
	envFloat("PIQUE_SPEED", &cfg.Speed)
	envInt64("PIQUE_IMMUNITY_MS", &cfg.ImmunityMs)
	envInt64("PIQUE_TAGGER_IMMUNITY_MS", &cfg.TaggerImmunityMs)
	envFloat("PIQUE_OVERLAP_MARGIN", &cfg.OverlapMargin)
	envInt("PIQUE_SEND_QUEUE_SIZE", &cfg.SendQueueSize)
	envInt("PIQUE_SPAWN_ATTEMPTS", &cfg.SpawnAttempts)
	envInt("PIQUE_ROOM_CODE_LENGTH", &cfg.RoomCodeLength)
	return cfg
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
