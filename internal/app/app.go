// internal/app/app.go
package app

import (
	"fmt"

	"github.com/Corphon/StoryLoomMCP/internal/config"
	"github.com/Corphon/StoryLoomMCP/internal/di"
	"github.com/Corphon/StoryLoomMCP/internal/services"
	"github.com/Corphon/StoryLoomMCP/internal/storage"
	"github.com/Corphon/StoryLoomMCP/internal/utils"

	// 注册LLM提供者
	_ "github.com/Corphon/StoryLoomMCP/internal/llm/providers/anthropic"
	_ "github.com/Corphon/StoryLoomMCP/internal/llm/providers/openai"
)

// InitServices 按依赖顺序初始化所有服务并注册到容器。
// 顺序要求：存储 -> LLM -> 各生成子服务 -> 批次编排 -> 作品服务。
func InitServices() error {
	container := di.GetContainer()
	logger := utils.GetLogger()

	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return fmt.Errorf("配置系统未初始化")
	}
	genCfg := cfg.Generation

	// 1. 基础存储
	fileStorage, err := storage.NewFileStorage(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("初始化文件存储失败: %w", err)
	}
	container.Register("storage", fileStorage)

	workStore := storage.NewWorkStore(fileStorage)
	container.Register("work_store", workStore)

	// 2. LLM服务（密钥未配置时降级为待机模式）
	llmService, err := services.NewLLMService()
	if err != nil {
		logger.Warnf("LLM服务初始化异常，使用待机模式: %v", err)
		llmService = services.NewEmptyLLMService()
	}
	container.Register("llm", llmService)

	// 3. 生成子服务
	qualityService := services.NewQualityService(llmService, genCfg)
	container.Register("quality", qualityService)

	ledgerService := services.NewLedgerService(llmService, workStore, genCfg)
	container.Register("ledger", ledgerService)

	voiceService := services.NewVoiceService(llmService, genCfg)
	container.Register("voice", voiceService)

	correctionService := services.NewCourseCorrectionService()
	container.Register("corrections", correctionService)

	progressService := services.NewProgressService()
	container.Register("progress", progressService)

	limiter := services.NewBatchLimiter(genCfg.MaxConcurrentBatch)
	container.Register("limiter", limiter)

	// 4. 批次编排
	batchService := services.NewBatchService(
		workStore,
		qualityService,
		ledgerService,
		voiceService,
		correctionService,
		progressService,
		limiter,
		genCfg,
	)
	container.Register("batch", batchService)

	// 5. 作品生命周期
	workService := services.NewWorkService(workStore, llmService, batchService)
	container.Register("work", workService)

	logger.Infof("服务初始化完成，共注册%d个服务", len(container.GetNames()))
	return nil
}
