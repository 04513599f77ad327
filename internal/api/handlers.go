// internal/api/handlers.go
package api

import (
	"fmt"
	"strconv"

	"github.com/Corphon/StoryLoomMCP/internal/config"
	apperrors "github.com/Corphon/StoryLoomMCP/internal/errors"
	"github.com/Corphon/StoryLoomMCP/internal/services"
	"github.com/gin-gonic/gin"
)

// Handler API处理器
type Handler struct {
	WorkService     *services.WorkService
	LLMService      *services.LLMService
	ProgressService *services.ProgressService
	Corrections     *services.CourseCorrectionService
	Response        *ResponseHelper
}

// NewHandler 创建API处理器
func NewHandler(
	workService *services.WorkService,
	llmService *services.LLMService,
	progressService *services.ProgressService,
	corrections *services.CourseCorrectionService,
) *Handler {
	return &Handler{
		WorkService:     workService,
		LLMService:      llmService,
		ProgressService: progressService,
		Corrections:     corrections,
		Response:        NewResponseHelper(),
	}
}

// ---------------------------------------------------------------
// 作品生命周期

// CreateWork 创建作品并生成大纲
func (h *Handler) CreateWork(c *gin.Context) {
	var req services.CreateWorkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, fmt.Sprintf("请求格式错误: %v", err))
		return
	}

	work, err := h.WorkService.CreateWork(c.Request.Context(), &req)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Created(c, work, "作品已创建，大纲已生成")
}

// GetWorks 列出全部作品
func (h *Handler) GetWorks(c *gin.Context) {
	works, err := h.WorkService.ListWorks()
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, works)
}

// GetWork 获取单个作品
func (h *Handler) GetWork(c *gin.Context) {
	work, err := h.WorkService.GetWork(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, work)
}

// TriggerGeneration 触发首个批次的后台生成
func (h *Handler) TriggerGeneration(c *gin.Context) {
	work, err := h.WorkService.TriggerGeneration(c.Param("id"))
	if err != nil {
		// 重复触发时随409返回当前进度，调用方无需再查一次状态
		if apperrors.IsConflictError(err) {
			if status, serr := h.WorkService.GetStatus(c.Param("id")); serr == nil {
				h.Response.ConflictWithData(c, status, err.Error())
				return
			}
		}
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Accepted(c, work.Progress, fmt.Sprintf("批次已启动: 第%d-%d章", work.Progress.BatchStart, work.Progress.BatchEnd))
}

// SubmitFeedback 提交检查点反馈并触发下一批次
func (h *Handler) SubmitFeedback(c *gin.Context) {
	var req services.SubmitFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, fmt.Sprintf("请求格式错误: %v", err))
		return
	}

	work, err := h.WorkService.SubmitFeedback(c.Param("id"), &req)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Accepted(c, work.Progress, fmt.Sprintf("反馈已记录，批次已启动: 第%d-%d章", work.Progress.BatchStart, work.Progress.BatchEnd))
}

// GetStatus 查询作品状态与批次进度
func (h *Handler) GetStatus(c *gin.Context) {
	status, err := h.WorkService.GetStatus(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, status)
}

// ---------------------------------------------------------------
// 章节与台账

// GetChapters 按章节号升序返回全部章节
func (h *Handler) GetChapters(c *gin.Context) {
	chapters, err := h.WorkService.ListChapters(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, chapters)
}

// GetChapter 获取单个章节
func (h *Handler) GetChapter(c *gin.Context) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		h.Response.BadRequest(c, "章节号必须是整数")
		return
	}

	chapter, err := h.WorkService.GetChapter(c.Param("id"), number)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, chapter)
}

// GetLedger 返回作品的连续性台账
func (h *Handler) GetLedger(c *gin.Context) {
	entries, err := h.WorkService.ListLedgerEntries(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, entries)
}

// GetVoiceReview 获取指定章节的语声评审
func (h *Handler) GetVoiceReview(c *gin.Context) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		h.Response.BadRequest(c, "章节号必须是整数")
		return
	}

	review, err := h.WorkService.GetVoiceReview(c.Param("id"), number)
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, review)
}

// GetCorrections 返回按当前反馈历史编译出的修正指令文本
func (h *Handler) GetCorrections(c *gin.Context) {
	history, err := h.WorkService.ListFeedback(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}

	h.Response.Success(c, gin.H{
		"checkpoints": len(history),
		"directives":  h.Corrections.Compile(history),
	})
}

// GetFeedbackHistory 返回已提交的全部检查点反馈
func (h *Handler) GetFeedbackHistory(c *gin.Context) {
	history, err := h.WorkService.ListFeedback(c.Param("id"))
	if err != nil {
		h.Response.FromAppError(c, err)
		return
	}
	h.Response.Success(c, history)
}

// ---------------------------------------------------------------
// LLM配置

// GetLLMStatus 获取LLM服务状态
func (h *Handler) GetLLMStatus(c *gin.Context) {
	ready, state := h.LLMService.GetProviderStatus()
	h.Response.Success(c, gin.H{
		"ready":  ready,
		"status": state,
	})
}

// GetLLMModels 获取当前提供商支持的模型列表
func (h *Handler) GetLLMModels(c *gin.Context) {
	h.Response.Success(c, gin.H{
		"models": h.LLMService.GetSupportedModels(),
	})
}

// UpdateLLMConfig 更新LLM提供商配置
func (h *Handler) UpdateLLMConfig(c *gin.Context) {
	var req struct {
		Provider string            `json:"provider" binding:"required"`
		Config   map[string]string `json:"config" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, fmt.Sprintf("请求格式错误: %v", err))
		return
	}

	if err := h.LLMService.UpdateProvider(req.Provider, req.Config); err != nil {
		h.Response.BadRequest(c, fmt.Sprintf("提供商配置失败: %v", err))
		return
	}

	if err := config.UpdateLLMConfig(req.Provider, req.Config); err != nil {
		h.Response.InternalError(c, fmt.Sprintf("配置保存失败: %v", err))
		return
	}

	h.Response.Success(c, nil, "LLM配置已更新")
}
