package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pique/server"
)

// Pique 入口：启动 HTTP + WebSocket 服务
// 房间实体按需创建（首个连接到达时），空房自动回收
func main() {
	var addr string
	var logFile string
	flag.StringVar(&addr, "addr", ":8080", "server listen address, e.g. :8080")
	flag.StringVar(&logFile, "log", "app.log", "log file path")
	flag.Parse()

	// 使用第三方 zap 日志库写入文件（带滚动）
	if err := server.InitLogger(logFile); err != nil {
		panic(err)
	}
	defer server.SyncLogger()

	// 初始化管理器（读取 .env / PIQUE_* 配置）
	rm := server.GetRoomManager()
	cfg := rm.Config()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWS)
	// 房间号签发（前端建房表单调用）
	mux.HandleFunc("/api/room", server.HandleCreateRoom)
	// 前后端分离：将 / 映射到 web 目录的静态资源
	mux.Handle("/", http.FileServer(http.Dir("web")))
	// 管理与监控接口
	mux.HandleFunc("/admin/config", server.HandleAdminConfig)
	mux.HandleFunc("/metrics", server.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		server.Log.Infof("Pique listening on %s; arena %.0fx%.0f", addr, cfg.ArenaWidth, cfg.ArenaHeight)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			server.Log.Fatalf("listen: %v", err)
		}
	}()

	// 优雅退出（Ctrl+C）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	server.Log.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
