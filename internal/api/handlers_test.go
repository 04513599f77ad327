// internal/api/handlers_test.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/StoryLoomMCP/internal/config"
	"github.com/Corphon/StoryLoomMCP/internal/llm"
	"github.com/Corphon/StoryLoomMCP/internal/models"
	"github.com/Corphon/StoryLoomMCP/internal/services"
	"github.com/Corphon/StoryLoomMCP/internal/storage"
)

// scriptedProvider 大纲、生成、评审全部成功的脚本提供者
type scriptedProvider struct{}

func (p *scriptedProvider) Initialize(cfg map[string]string) error { return nil }
func (p *scriptedProvider) GetName() string                        { return "scripted" }
func (p *scriptedProvider) GetSupportedModels() []string           { return []string{"stub-model"} }

func (p *scriptedProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	switch {
	case strings.HasPrefix(req.Prompt, "Outline a"):
		return &llm.CompletionResponse{Text: scriptedOutline()}, nil
	case strings.HasPrefix(req.Prompt, "Score the following chapter draft"):
		return &llm.CompletionResponse{Text: scriptedReview()}, nil
	default:
		return &llm.CompletionResponse{Text: "chapter body"}, nil
	}
}

func scriptedOutline() string {
	var b strings.Builder
	b.WriteString(`{"outline": [`)
	for ch := 1; ch <= models.TotalChapters; ch++ {
		if ch > 1 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf(`{"chapter": %d, "title": "第%d站", "summary": "beat %d"}`, ch, ch, ch))
	}
	b.WriteString(`]}`)
	return b.String()
}

func scriptedReview() string {
	dims := []string{
		models.DimShowVsTell, models.DimDialogue, models.DimPacing,
		models.DimAudienceFit, models.DimConsistency, models.DimProseQuality,
	}
	parts := make([]string, 0, len(dims))
	for _, dim := range dims {
		parts = append(parts, fmt.Sprintf("%q: 9.0", dim))
	}
	return `{"scores": {` + strings.Join(parts, ", ") + `}, "evidence": {}}`
}

// newTestHandler 装配一套基于脚本提供者与临时目录存储的处理器
func newTestHandler(t *testing.T) (*Handler, *storage.WorkStore) {
	t.Helper()

	fs, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}
	store := storage.NewWorkStore(fs)

	cfg := config.DefaultGenerationConfig()
	cfg.RetryBaseDelayMs = 1

	llmService := services.NewLLMServiceWithProvider(&scriptedProvider{}, "stub-model", "stub-model")
	progress := services.NewProgressService()
	corrections := services.NewCourseCorrectionService()
	batch := services.NewBatchService(
		store,
		services.NewQualityService(llmService, cfg),
		services.NewLedgerService(llmService, store, cfg),
		services.NewVoiceService(llmService, cfg),
		corrections,
		progress,
		services.NewBatchLimiter(cfg.MaxConcurrentBatch),
		cfg,
	)
	workService := services.NewWorkService(store, llmService, batch)

	return NewHandler(workService, llmService, progress, corrections), store
}

// TestTriggerGenerationConflictCarriesStatus 重复触发的409响应附带当前进度
func TestTriggerGenerationConflictCarriesStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler, store := newTestHandler(t)

	r := gin.New()
	r.POST("/api/works/:id/generate", handler.TriggerGeneration)

	work, err := handler.WorkService.CreateWork(context.Background(), &services.CreateWorkRequest{
		Title:   "月影列车",
		Premise: "a night train that only stops for the lost",
		Config:  &models.WorkConfig{},
	})
	if err != nil {
		t.Fatalf("CreateWork失败: %v", err)
	}

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/works/"+work.ID+"/generate", nil))
	if first.Code != http.StatusAccepted {
		t.Fatalf("首次触发应返回202，实际%d: %s", first.Code, first.Body.String())
	}

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/works/"+work.ID+"/generate", nil))
	if second.Code != http.StatusConflict {
		t.Fatalf("重复触发应返回409，实际%d: %s", second.Code, second.Body.String())
	}

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			Stage string `json:"stage"`
		} `json:"data"`
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析409响应失败: %v", err)
	}
	if resp.Success {
		t.Error("409响应的success应为false")
	}
	if resp.Error == nil || resp.Error.Code != "CONFLICT" {
		t.Errorf("409响应应携带CONFLICT错误码: %+v", resp.Error)
	}
	if resp.Data.Stage == "" {
		t.Error("409响应应附带作品当前状态")
	}

	// 等待后台批次结束，避免测试目录提前清理
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w, err := store.GetWork(work.ID)
		if err == nil && w.Progress.Stage == models.StageAwaitingFeedback {
			return
		}
		if err == nil && w.Progress.Stage == models.StageFailed {
			t.Fatalf("作品意外进入failed: %s", w.Progress.FailReason)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("等待批次结束超时")
}
