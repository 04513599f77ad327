// internal/api/websocket.go
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/Corphon/StoryLoomMCP/internal/models"
	"github.com/Corphon/StoryLoomMCP/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 生产环境应该收紧来源检查
		return true
	},
}

// WorkProgressWebSocket 把当前批次的进度更新推送给客户端。
// 作品不在生成中时推送一条状态快照后关闭连接。
func (h *Handler) WorkProgressWebSocket(c *gin.Context) {
	logger := utils.GetLogger()
	workID := c.Param("id")

	work, err := h.WorkService.GetWork(workID)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("WebSocket升级失败: %v", err)
		return
	}
	defer conn.Close()

	if work.Progress.Stage != models.StageBatchGenerating {
		conn.WriteJSON(gin.H{
			"type":               "status",
			"stage":              work.Progress.Stage,
			"chapters_generated": work.Progress.ChaptersGenerated,
			"timestamp":          time.Now().Format(time.RFC3339),
		})
		return
	}

	taskID := fmt.Sprintf("%s:batch_%d", workID, work.Progress.BatchStart)
	tracker, exists := h.ProgressService.GetTracker(taskID)
	if !exists {
		conn.WriteJSON(gin.H{
			"type":  "error",
			"error": "批次进度跟踪器不存在，可能由进程重启导致",
		})
		return
	}

	updates := tracker.Subscribe()
	defer tracker.Unsubscribe(updates)

	// 读goroutine只用于感知客户端断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(gin.H{
				"type":      "progress",
				"progress":  update.Progress,
				"message":   update.Message,
				"status":    update.Status,
				"timestamp": time.Now().Format(time.RFC3339),
			}); err != nil {
				return
			}
			if update.Status == "completed" || update.Status == "failed" {
				return
			}
		case <-done:
			return
		}
	}
}
