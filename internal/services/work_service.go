// internal/services/work_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/StoryLoomMCP/internal/errors"
	"github.com/Corphon/StoryLoomMCP/internal/models"
	"github.com/Corphon/StoryLoomMCP/internal/storage"
	"github.com/Corphon/StoryLoomMCP/internal/utils"
)

// WorkService 作品生命周期：创建（含大纲生成）、批次触发、
// 检查点反馈与状态查询。所有状态机转换都通过条件更新完成，
// 并发触发中恰好一个成功。
type WorkService struct {
	store *storage.WorkStore
	llm   *LLMService
	batch *BatchService
}

// NewWorkService 创建作品服务
func NewWorkService(store *storage.WorkStore, llmService *LLMService, batch *BatchService) *WorkService {
	return &WorkService{
		store: store,
		llm:   llmService,
		batch: batch,
	}
}

// CreateWorkRequest 创建作品的输入
type CreateWorkRequest struct {
	Title       string                 `json:"title" binding:"required"`
	Premise     string                 `json:"premise" binding:"required"`
	Audience    string                 `json:"audience"`
	Characters  []models.WorkCharacter `json:"characters"`
	Preferences string                 `json:"preferences"`
	Config      *models.WorkConfig     `json:"config"`
}

// CreateWork 创建作品并同步生成12章大纲，初始阶段为outline_pending
func (s *WorkService) CreateWork(ctx context.Context, req *CreateWorkRequest) (*models.Work, error) {
	if req.Title == "" || req.Premise == "" {
		return nil, apperrors.NewValidationError("标题和前提不能为空", nil)
	}

	workConfig := models.DefaultWorkConfig()
	if req.Config != nil {
		workConfig = *req.Config
	}

	work := &models.Work{
		ID:          uuid.New().String(),
		Title:       req.Title,
		Premise:     req.Premise,
		Audience:    req.Audience,
		Characters:  req.Characters,
		Config:      workConfig,
		Preferences: req.Preferences,
		Progress: models.WorkProgress{
			Stage:     models.StageOutlinePending,
			Version:   0,
			UpdatedAt: time.Now(),
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	outline, err := s.generateOutline(ctx, work)
	if err != nil {
		return nil, err
	}
	work.Outline = outline

	if err := s.store.CreateWork(work); err != nil {
		return nil, err
	}

	utils.GetLogger().Infof("作品已创建: %s (%s)", work.Title, work.ID)
	return work, nil
}

// generateOutline 生成完整的章节大纲
func (s *WorkService) generateOutline(ctx context.Context, work *models.Work) ([]models.OutlineEntry, error) {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Outline a %d-chapter serialized story titled %q.\n", models.TotalChapters, work.Title))
	b.WriteString("PREMISE: " + work.Premise + "\n")
	if work.Audience != "" {
		b.WriteString("AUDIENCE: " + work.Audience + "\n")
	}
	if len(work.Characters) > 0 {
		b.WriteString("CHARACTERS:\n")
		for _, c := range work.Characters {
			b.WriteString(fmt.Sprintf("- %s (%s): %s\n", c.Name, c.Role, c.Description))
		}
	}
	b.WriteString(fmt.Sprintf("\nGive each chapter a title and a 2-3 sentence summary with a clear arc "+
		"across all %d chapters. Respond with JSON only:\n", models.TotalChapters))
	b.WriteString(`{"outline": [{"chapter": 1, "title": "", "summary": ""}]}`)

	resp, err := s.llm.GenerateText(ctx, b.String(), "", 2500)
	if err != nil {
		return nil, apperrors.WrapError(err, "大纲生成失败", apperrors.ErrorTypeError)
	}

	var parsed struct {
		Outline []models.OutlineEntry `json:"outline"`
	}
	if err := json.Unmarshal([]byte(utils.ExtractJSONObject(resp.Text)), &parsed); err != nil {
		return nil, apperrors.NewProcessingError("大纲解析失败", err)
	}
	if len(parsed.Outline) != models.TotalChapters {
		return nil, apperrors.NewProcessingError(
			fmt.Sprintf("大纲章节数不符: 期望%d，实际%d", models.TotalChapters, len(parsed.Outline)), nil)
	}

	return parsed.Outline, nil
}

// TriggerGeneration 触发首个批次。条件更新保证并发触发中恰好一个
// 成功推进到batch_generating；落败方收到冲突错误，调用方应将其
// 呈现为"生成已在进行中"。
func (s *WorkService) TriggerGeneration(workID string) (*models.Work, error) {
	work, err := s.store.GetWork(workID)
	if err != nil {
		return nil, err
	}

	if work.Progress.Stage != models.StageOutlinePending {
		return nil, apperrors.NewConflictError(
			fmt.Sprintf("当前阶段无法触发首批次: %s", work.Progress.Stage), nil)
	}

	updated, err := s.store.UpdateProgress(workID, models.StageOutlinePending, work.Progress.Version, func(w *models.Work) {
		w.Progress.Stage = models.StageBatchGenerating
		w.Progress.BatchStart = 1
		w.Progress.BatchEnd = models.BatchSize
		w.Progress.Checkpoint = 0
	})
	if err != nil {
		return nil, err
	}

	s.batch.StartBatch(updated)
	return updated, nil
}

// SubmitFeedbackRequest 检查点反馈的输入
type SubmitFeedbackRequest struct {
	Checkpoint int    `json:"checkpoint" binding:"required"`
	Pacing     string `json:"pacing" binding:"required"`
	Tone       string `json:"tone" binding:"required"`
	Character  string `json:"character" binding:"required"`
	Notes      string `json:"notes"`
}

// SubmitFeedback 接收检查点反馈并触发下一批次。反馈先落盘
// （upsert语义，重复提交覆盖旧记录），再做条件阶段转换；转换
// 冲突意味着另一次提交已触发了批次，反馈本身仍然被保留。
func (s *WorkService) SubmitFeedback(workID string, req *SubmitFeedbackRequest) (*models.Work, error) {
	if !models.ValidFeedbackValue("pacing", req.Pacing) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("非法的pacing取值: %s", req.Pacing), nil)
	}
	if !models.ValidFeedbackValue("tone", req.Tone) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("非法的tone取值: %s", req.Tone), nil)
	}
	if !models.ValidFeedbackValue("character", req.Character) {
		return nil, apperrors.NewValidationError(fmt.Sprintf("非法的character取值: %s", req.Character), nil)
	}

	work, err := s.store.GetWork(workID)
	if err != nil {
		return nil, err
	}

	if work.Progress.Stage != models.StageAwaitingFeedback {
		return nil, apperrors.NewConflictError(
			fmt.Sprintf("当前阶段不接收反馈: %s", work.Progress.Stage), nil)
	}

	checkpoint := work.Progress.Checkpoint
	if req.Checkpoint != checkpoint {
		return nil, apperrors.NewConflictError(
			fmt.Sprintf("检查点不匹配: 当前等待%d，提交%d", checkpoint, req.Checkpoint), nil)
	}
	fb := &models.FeedbackCheckpoint{
		WorkID:      workID,
		Checkpoint:  checkpoint,
		Pacing:      req.Pacing,
		Tone:        req.Tone,
		Character:   req.Character,
		Notes:       req.Notes,
		SubmittedAt: time.Now(),
	}
	if err := s.store.SaveFeedback(fb); err != nil {
		return nil, err
	}

	start, end := models.NextBatchAfter(checkpoint)
	if start == 0 {
		return nil, apperrors.NewProcessingError(fmt.Sprintf("未知检查点: %d", checkpoint), nil)
	}

	updated, err := s.store.UpdateProgress(workID, models.StageAwaitingFeedback, work.Progress.Version, func(w *models.Work) {
		w.Progress.Stage = models.StageBatchGenerating
		w.Progress.BatchStart = start
		w.Progress.BatchEnd = end
		w.Progress.Checkpoint = 0
	})
	if err != nil {
		return nil, err
	}

	s.batch.StartBatch(updated)
	return updated, nil
}

// WorkStatus 作品状态查询结果
type WorkStatus struct {
	WorkID            string           `json:"work_id"`
	Title             string           `json:"title"`
	Stage             models.WorkStage `json:"stage"`
	ChaptersGenerated int              `json:"chapters_generated"`
	TotalChapters     int              `json:"total_chapters"`
	BatchStart        int              `json:"batch_start,omitempty"`
	BatchEnd          int              `json:"batch_end,omitempty"`
	BatchCompleted    int              `json:"batch_completed"` // 当前批次内已完成的章节数
	Checkpoint        int              `json:"checkpoint,omitempty"`
	FailReason        string           `json:"fail_reason,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// GetStatus 返回作品当前状态与批次内进度
func (s *WorkService) GetStatus(workID string) (*WorkStatus, error) {
	work, err := s.store.GetWork(workID)
	if err != nil {
		return nil, err
	}

	status := &WorkStatus{
		WorkID:            work.ID,
		Title:             work.Title,
		Stage:             work.Progress.Stage,
		ChaptersGenerated: work.Progress.ChaptersGenerated,
		TotalChapters:     models.TotalChapters,
		Checkpoint:        work.Progress.Checkpoint,
		FailReason:        work.Progress.FailReason,
		UpdatedAt:         work.Progress.UpdatedAt,
	}

	if work.Progress.Stage == models.StageBatchGenerating {
		status.BatchStart = work.Progress.BatchStart
		status.BatchEnd = work.Progress.BatchEnd
		for n := work.Progress.BatchStart; n <= work.Progress.BatchEnd; n++ {
			if s.store.ChapterExists(workID, n) {
				status.BatchCompleted++
			}
		}
	}

	return status, nil
}

// GetWork 读取作品记录
func (s *WorkService) GetWork(workID string) (*models.Work, error) {
	return s.store.GetWork(workID)
}

// ListWorks 列出全部作品
func (s *WorkService) ListWorks() ([]*models.Work, error) {
	return s.store.ListWorks()
}

// GetChapter 读取指定章节
func (s *WorkService) GetChapter(workID string, number int) (*models.Chapter, error) {
	return s.store.GetChapter(workID, number)
}

// ListChapters 按章节号升序返回全部章节
func (s *WorkService) ListChapters(workID string) ([]*models.Chapter, error) {
	return s.store.ListChapters(workID)
}

// ListLedgerEntries 返回作品的连续性台账
func (s *WorkService) ListLedgerEntries(workID string) ([]*models.LedgerEntry, error) {
	return s.store.ListLedgerEntries(workID)
}

// ListFeedback 返回作品已提交的全部检查点反馈
func (s *WorkService) ListFeedback(workID string) ([]*models.FeedbackCheckpoint, error) {
	return s.store.ListFeedback(workID)
}

// GetVoiceReview 读取指定章节的语声评审
func (s *WorkService) GetVoiceReview(workID string, chapter int) (*models.VoiceReview, error) {
	return s.store.GetVoiceReview(workID, chapter)
}
