// internal/api/router.go
package api

import (
	"fmt"

	"github.com/Corphon/StoryLoomMCP/internal/config"
	"github.com/Corphon/StoryLoomMCP/internal/di"
	"github.com/Corphon/StoryLoomMCP/internal/services"
	"github.com/gin-gonic/gin"
)

// SetupRouter 配置HTTP路由
func SetupRouter() (*gin.Engine, error) {
	cfg := config.GetCurrentConfig()

	// 获取依赖注入容器
	container := di.GetContainer()

	// 只从容器获取服务，不再创建新实例
	workService, ok := container.Get("work").(*services.WorkService)
	if !ok {
		return nil, fmt.Errorf("作品服务未正确初始化")
	}

	llmService, ok := container.Get("llm").(*services.LLMService)
	if !ok {
		return nil, fmt.Errorf("LLM服务未正确初始化")
	}

	progressService, ok := container.Get("progress").(*services.ProgressService)
	if !ok {
		return nil, fmt.Errorf("进度服务未正确初始化")
	}

	correctionService, ok := container.Get("corrections").(*services.CourseCorrectionService)
	if !ok {
		return nil, fmt.Errorf("修正编译服务未正确初始化")
	}

	handler := NewHandler(workService, llmService, progressService, correctionService)

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	// 启用CORS
	r.Use(corsMiddleware())

	// WebSocket 支持
	r.GET("/ws/works/:id/progress", handler.WorkProgressWebSocket)

	// ===============================
	// API路由组
	// ===============================
	api := r.Group("/api")
	{
		// ===============================
		// 作品相关路由
		// ===============================
		worksGroup := api.Group("/works")
		{
			worksGroup.GET("", handler.GetWorks)
			worksGroup.POST("", handler.CreateWork)
			worksGroup.GET("/:id", handler.GetWork)
			worksGroup.POST("/:id/generate", handler.TriggerGeneration)
			worksGroup.POST("/:id/feedback", handler.SubmitFeedback)
			worksGroup.GET("/:id/status", handler.GetStatus)
			worksGroup.GET("/:id/chapters", handler.GetChapters)
			worksGroup.GET("/:id/chapters/:number", handler.GetChapter)
			worksGroup.GET("/:id/chapters/:number/voice", handler.GetVoiceReview)
			worksGroup.GET("/:id/ledger", handler.GetLedger)
			worksGroup.GET("/:id/corrections", handler.GetCorrections)
			worksGroup.GET("/:id/feedback", handler.GetFeedbackHistory)
		}

		// ===============================
		// LLM配置相关路由
		// ===============================
		llmGroup := api.Group("/llm")
		{
			llmGroup.GET("/status", handler.GetLLMStatus)
			llmGroup.GET("/models", handler.GetLLMModels)
			llmGroup.PUT("/config", handler.UpdateLLMConfig)
		}
	}

	return r, nil
}
