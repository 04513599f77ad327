// internal/services/batch_service.go
package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Corphon/StoryLoomMCP/internal/config"
	apperrors "github.com/Corphon/StoryLoomMCP/internal/errors"
	"github.com/Corphon/StoryLoomMCP/internal/models"
	"github.com/Corphon/StoryLoomMCP/internal/storage"
	"github.com/Corphon/StoryLoomMCP/internal/utils"
)

// BatchService 批次编排器：在后台串行生成一个批次内的章节，
// 每章走质量循环，章节落盘后做台账提取与语声评审富化，批次
// 结束时把作品推进到下一个检查点或完成态。
type BatchService struct {
	store       *storage.WorkStore
	quality     *QualityService
	ledger      *LedgerService
	voice       *VoiceService
	corrections *CourseCorrectionService
	progress    *ProgressService
	limiter     *BatchLimiter
	cfg         config.GenerationConfig
}

// NewBatchService 创建批次编排器
func NewBatchService(
	store *storage.WorkStore,
	quality *QualityService,
	ledger *LedgerService,
	voice *VoiceService,
	corrections *CourseCorrectionService,
	progress *ProgressService,
	limiter *BatchLimiter,
	cfg config.GenerationConfig,
) *BatchService {
	return &BatchService{
		store:       store,
		quality:     quality,
		ledger:      ledger,
		voice:       voice,
		corrections: corrections,
		progress:    progress,
		limiter:     limiter,
		cfg:         cfg,
	}
}

// batchTaskID 批次任务在进度服务中的标识
func batchTaskID(workID string, batchStart int) string {
	return fmt.Sprintf("%s:batch_%d", workID, batchStart)
}

// StartBatch 在后台goroutine中运行批次。调用方必须已经通过条件
// 更新把作品推进到 batch_generating，保证同一批次只会启动一次。
func (s *BatchService) StartBatch(work *models.Work) {
	tracker := s.progress.CreateTracker(batchTaskID(work.ID, work.Progress.BatchStart))

	go func() {
		logger := utils.GetLogger()
		ctx := context.Background()

		if err := s.limiter.Acquire(ctx); err != nil {
			s.failBatch(work.ID, tracker, fmt.Sprintf("并发槽获取失败: %v", err))
			return
		}
		defer s.limiter.Release()

		if err := s.RunBatch(ctx, work.ID, work.Progress.BatchStart, work.Progress.BatchEnd, tracker); err != nil {
			logger.Errorf("批次失败: %s 章节%d-%d: %v",
				work.ID, work.Progress.BatchStart, work.Progress.BatchEnd, err)
			s.failBatch(work.ID, tracker, err.Error())
		}
	}()
}

// RunBatch 串行生成 [batchStart, batchEnd] 范围内的章节。
// 已持久化的章节直接跳过，使进程重启后重新触发的批次从第一个
// 缺失章节续写。全部章节落盘后推进状态机。
func (s *BatchService) RunBatch(ctx context.Context, workID string, batchStart, batchEnd int, tracker *ProgressTracker) error {
	logger := utils.GetLogger()

	work, err := s.store.GetWork(workID)
	if err != nil {
		return err
	}

	total := batchEnd - batchStart + 1
	for number := batchStart; number <= batchEnd; number++ {
		if s.store.ChapterExists(workID, number) {
			logger.Infof("章节已存在，跳过: %s #%d", workID, number)
			continue
		}

		tracker.UpdateProgress(
			(number-batchStart)*100/total,
			fmt.Sprintf("正在生成第%d章 (%d/%d)", number, number-batchStart+1, total),
		)

		chapter, err := s.generateChapter(ctx, work, number)
		if err != nil {
			return err
		}

		if _, err := s.store.AdvanceProgress(workID, func(w *models.Work) {
			w.Progress.ChaptersGenerated = number
		}); err != nil {
			return err
		}

		// 富化阶段：失败记录警告但不中止批次
		s.enrichChapter(ctx, work, chapter, tracker)
	}

	return s.finishBatch(workID, batchEnd, tracker)
}

// generateChapter 对单个章节做质量循环，瞬时错误做指数退避重试
func (s *BatchService) generateChapter(ctx context.Context, work *models.Work, number int) (*models.Chapter, error) {
	logger := utils.GetLogger()

	prompt, err := s.buildChapterPrompt(ctx, work, number)
	if err != nil {
		return nil, err
	}

	var draft *Draft
	for attempt := 0; ; attempt++ {
		draft, err = s.quality.GenerateWithReview(ctx, prompt)
		if err == nil {
			break
		}
		if !apperrors.IsTransientError(err) {
			return nil, apperrors.NewFatalBatchError(fmt.Sprintf("第%d章生成失败", number), err)
		}
		if attempt >= s.cfg.RetryAttempts {
			return nil, apperrors.NewFatalBatchError(
				fmt.Sprintf("第%d章重试%d次后仍然失败", number, s.cfg.RetryAttempts), err)
		}

		delay := time.Duration(s.cfg.RetryBaseDelayMs) * time.Millisecond << attempt
		logger.Warnf("第%d章遇到瞬时错误，%v后重试 (第%d次): %v", number, delay, attempt+1, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, apperrors.NewFatalBatchError(fmt.Sprintf("第%d章生成被取消", number), ctx.Err())
		}
	}

	title := ""
	if entry := work.OutlineFor(number); entry != nil {
		title = entry.Title
	}

	chapter := &models.Chapter{
		WorkID:            work.ID,
		Number:            number,
		Title:             title,
		Content:           draft.Content,
		Review:            draft.Review,
		RegenerationCount: draft.Review.Attempts - 1,
		TokensIn:          draft.TokensIn,
		TokensOut:         draft.TokensOut,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}

	if err := s.store.SaveChapter(chapter); err != nil {
		return nil, apperrors.NewFatalBatchError(fmt.Sprintf("第%d章写入失败", number), err)
	}

	return chapter, nil
}

// enrichChapter 章节落盘后的富化：台账提取、语声评审与修复。
// 所有失败都降级为警告，章节本身已经交付。
func (s *BatchService) enrichChapter(ctx context.Context, work *models.Work, chapter *models.Chapter, tracker *ProgressTracker) {
	logger := utils.GetLogger()

	var entry *models.LedgerEntry
	if work.Config.CharacterLedger {
		var err error
		entry, err = s.ledger.Extract(ctx, work, chapter)
		if err != nil {
			logger.Warnf("台账提取失败（继续批次）: %s #%d: %v", work.ID, chapter.Number, err)
		}
	}

	if !work.Config.VoiceReview {
		return
	}

	review, err := s.voice.Review(ctx, work, chapter, entry)
	if err != nil {
		logger.Warnf("语声评审失败（继续批次）: %s #%d: %v", work.ID, chapter.Number, err)
		return
	}

	if s.voice.NeedsRepair(review) {
		tracker.UpdateProgress(tracker.Progress, fmt.Sprintf("正在修复第%d章的角色语声", chapter.Number))

		repaired, err := s.voice.Repair(ctx, chapter, review)
		if err != nil {
			logger.Warnf("语声修复失败（保留原文）: %s #%d: %v", work.ID, chapter.Number, err)
		} else {
			chapter.Content = repaired
			chapter.RepairApplied = true
			chapter.UpdatedAt = time.Now()
			review.RepairApplied = true
			if err := s.store.SaveChapter(chapter); err != nil {
				logger.Warnf("修复后章节写入失败: %s #%d: %v", work.ID, chapter.Number, err)
			}
		}
	}

	if err := s.store.SaveVoiceReview(review); err != nil {
		logger.Warnf("语声评审写入失败: %s #%d: %v", work.ID, chapter.Number, err)
	}
}

// finishBatch 批次收尾：有检查点则转入等待反馈，否则全书完成
func (s *BatchService) finishBatch(workID string, batchEnd int, tracker *ProgressTracker) error {
	checkpoint := models.CheckpointAfter(batchEnd)

	_, err := s.store.AdvanceProgress(workID, func(w *models.Work) {
		// 续写批次跳过已落盘的章节，不会逐章推进计数，这里补齐
		if w.Progress.ChaptersGenerated < batchEnd {
			w.Progress.ChaptersGenerated = batchEnd
		}
		if checkpoint > 0 {
			w.Progress.Stage = models.StageAwaitingFeedback
			w.Progress.Checkpoint = checkpoint
		} else {
			w.Progress.Stage = models.StageComplete
			w.Progress.Checkpoint = 0
		}
	})
	if err != nil {
		return err
	}

	if checkpoint > 0 {
		tracker.Complete(fmt.Sprintf("批次完成，等待第%d章后的读者反馈", checkpoint))
	} else {
		tracker.Complete("全部章节已生成")
	}
	return nil
}

// failBatch 把作品转入failed终态并标记任务失败
func (s *BatchService) failBatch(workID string, tracker *ProgressTracker, reason string) {
	if _, err := s.store.AdvanceProgress(workID, func(w *models.Work) {
		w.Progress.Stage = models.StageFailed
		w.Progress.FailReason = reason
	}); err != nil {
		utils.GetLogger().Errorf("写入失败状态出错: %s: %v", workID, err)
	}
	tracker.Fail(reason)
}

// buildChapterPrompt 拼装单章生成的提示词：大纲条目、前两章结尾、
// 连续性块、课程修正指令与长期偏好，各段按作品配置开关门控。
func (s *BatchService) buildChapterPrompt(ctx context.Context, work *models.Work, number int) (string, error) {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Write chapter %d of %d of %q.\n", number, models.TotalChapters, work.Title))
	b.WriteString("PREMISE: " + work.Premise + "\n")
	if work.Audience != "" {
		b.WriteString("AUDIENCE: " + work.Audience + "\n")
	}

	if len(work.Characters) > 0 {
		b.WriteString("\nCHARACTERS:\n")
		for _, c := range work.Characters {
			line := fmt.Sprintf("- %s (%s)", c.Name, c.Role)
			if c.Description != "" {
				line += ": " + c.Description
			}
			if c.SpeechStyle != "" {
				line += " Speech: " + c.SpeechStyle
			}
			b.WriteString(line + "\n")
		}
	}

	if entry := work.OutlineFor(number); entry != nil {
		b.WriteString(fmt.Sprintf("\nTHIS CHAPTER — %q: %s\n", entry.Title, entry.Summary))
	}

	// 前两章的结尾片段，保证衔接处的文字连续性
	for _, prev := range []int{number - 2, number - 1} {
		if prev < 1 {
			continue
		}
		prevChapter, err := s.store.GetChapter(work.ID, prev)
		if err != nil {
			continue
		}
		b.WriteString(fmt.Sprintf("\nENDING OF CHAPTER %d:\n%s\n", prev, utils.ExcerptTail(prevChapter.Content, 1500)))
	}

	if work.Config.CharacterLedger {
		block, err := s.ledger.BuildContinuityBlock(ctx, work.ID, number)
		if err != nil {
			// 连续性块构建失败不阻塞生成，记录后退化为无块生成
			utils.GetLogger().Warnf("连续性块构建失败: %s #%d: %v", work.ID, number, err)
		} else if block != "" {
			b.WriteString("\n" + block)
		}
	}

	if work.Config.CourseCorrections {
		history, err := s.store.ListFeedback(work.ID)
		if err == nil && len(history) > 0 {
			b.WriteString("\n" + s.corrections.Compile(history))
		}
	}

	if work.Config.AdaptivePreferences && work.Preferences != "" {
		b.WriteString("\nREADER PREFERENCES (learned from past works):\n" + work.Preferences + "\n")
	}

	return b.String(), nil
}
