// internal/services/ledger_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Corphon/StoryLoomMCP/internal/config"
	apperrors "github.com/Corphon/StoryLoomMCP/internal/errors"
	"github.com/Corphon/StoryLoomMCP/internal/models"
	"github.com/Corphon/StoryLoomMCP/internal/storage"
	"github.com/Corphon/StoryLoomMCP/internal/utils"
)

// LedgerService 维护每部作品的连续性台账：章节生成后提取角色状态
// 与伏笔，生成前把最近的台账拼装成受token预算约束的连续性块。
type LedgerService struct {
	llm   *LLMService
	store *storage.WorkStore
	cfg   config.GenerationConfig
}

// NewLedgerService 创建台账服务
func NewLedgerService(llmService *LLMService, store *storage.WorkStore, cfg config.GenerationConfig) *LedgerService {
	return &LedgerService{
		llm:   llmService,
		store: store,
		cfg:   cfg,
	}
}

// Extract 从章节全文提取结构化的角色状态与伏笔，走快速档模型。
// 提取失败返回enrichment错误，调用方不应因此中止批次。
func (s *LedgerService) Extract(ctx context.Context, work *models.Work, chapter *models.Chapter) (*models.LedgerEntry, error) {
	// 最近一次提取的伏笔库进入提取提示词，模型才能把回收过的时刻标为used
	existing := s.latestBankBefore(work.ID, chapter.Number)

	prompt := s.buildExtractPrompt(work, chapter, existing)

	resp, err := s.llm.ExtractText(ctx, prompt, s.cfg.ExtractMaxTokens)
	if err != nil {
		return nil, apperrors.NewEnrichmentError(fmt.Sprintf("台账提取调用失败: 章节%d", chapter.Number), err)
	}

	var parsed struct {
		Characters map[string]models.CharacterState `json:"characters"`
		Callbacks  []struct {
			SourceChapter int    `json:"source_chapter"`
			Moment        string `json:"moment"`
			Detail        string `json:"detail"`
			Status        string `json:"status"`
		} `json:"callbacks"`
	}
	if err := json.Unmarshal([]byte(utils.ExtractJSONObject(resp.Text)), &parsed); err != nil {
		return nil, apperrors.NewEnrichmentError(fmt.Sprintf("台账提取解析失败: 章节%d", chapter.Number), err)
	}

	incoming := make([]models.CallbackEntry, 0, len(parsed.Callbacks))
	for _, cb := range parsed.Callbacks {
		if cb.Moment == "" {
			continue
		}
		status := models.CallbackStatus(cb.Status)
		if status != models.CallbackRipe && status != models.CallbackUsed && status != models.CallbackExpired {
			status = models.CallbackRipe
		}
		// 未标注来源章节的视为本章新埋设；标注了来源的是对旧条目的状态更新
		source := cb.SourceChapter
		if source == 0 {
			source = chapter.Number
		}
		incoming = append(incoming, models.CallbackEntry{
			SourceChapter: source,
			Moment:        cb.Moment,
			Detail:        cb.Detail,
			Status:        status,
		})
	}

	entry := &models.LedgerEntry{
		WorkID:       work.ID,
		Chapter:      chapter.Number,
		Characters:   parsed.Characters,
		CallbackBank: MergeCallbackBank(existing, incoming, chapter.Number, s.cfg.CallbackPruneWindow),
		CreatedAt:    time.Now(),
	}
	entry.SizeTokens = utils.EstimateTokens(renderEntry(entry, true))

	if err := s.store.SaveLedgerEntry(entry); err != nil {
		return nil, apperrors.NewEnrichmentError(fmt.Sprintf("台账条目写入失败: 章节%d", chapter.Number), err)
	}

	return entry, nil
}

// latestBankBefore 返回指定章节之前最近一次成功提取的伏笔库。
// 提取是尽力而为的，中间章节可能没有台账条目；只看N-1会让之前
// 累积的伏笔在一次提取失败后永久丢失，所以回退到最近的既有条目。
func (s *LedgerService) latestBankBefore(workID string, chapter int) []models.CallbackEntry {
	if prev, err := s.store.GetLedgerEntry(workID, chapter-1); err == nil {
		return prev.CallbackBank
	}

	entries, err := s.store.ListLedgerEntries(workID)
	if err != nil {
		return nil
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Chapter < chapter {
			return entries[i].CallbackBank
		}
	}
	return nil
}

// MergeCallbackBank 把本章提取出的伏笔合并进既有伏笔库。
// 同键条目以较新的状态为准（状态只会向前流转）；超出修剪窗口
// 且已经是used/expired的旧条目被清除；结果按 (来源章节, 时刻)
// 排序以保证确定性。
func MergeCallbackBank(existing, incoming []models.CallbackEntry, currentChapter, window int) []models.CallbackEntry {
	merged := make(map[string]models.CallbackEntry, len(existing)+len(incoming))

	for _, cb := range existing {
		merged[cb.Key()] = cb
	}
	for _, cb := range incoming {
		// 本章提取的状态是最新观察，覆盖旧状态
		merged[cb.Key()] = cb
	}

	result := make([]models.CallbackEntry, 0, len(merged))
	for _, cb := range merged {
		settled := cb.Status == models.CallbackUsed || cb.Status == models.CallbackExpired
		if settled && currentChapter-cb.SourceChapter > window {
			continue
		}
		result = append(result, cb)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].SourceChapter != result[j].SourceChapter {
			return result[i].SourceChapter < result[j].SourceChapter
		}
		return result[i].Moment < result[j].Moment
	})

	return result
}

// BuildContinuityBlock 为即将生成的章节拼装连续性块：最近几章保留
// 完整的角色状态，更早的章节只保留压缩摘要，末尾附当前伏笔库。
// 超出token预算时把完整条目窗口从3降到2，被降级的条目按需补压缩。
func (s *LedgerService) BuildContinuityBlock(ctx context.Context, workID string, upcomingChapter int) (string, error) {
	entries, err := s.store.ListLedgerEntries(workID)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}

	block, err := s.render(ctx, entries, 3)
	if err != nil {
		return "", err
	}

	if utils.EstimateTokens(block) > s.cfg.ContinuityTokenCap {
		block, err = s.render(ctx, entries, 2)
		if err != nil {
			return "", err
		}
	}

	return block, nil
}

// render 渲染连续性块，最近fullWindow个条目保留完整状态
func (s *LedgerService) render(ctx context.Context, entries []*models.LedgerEntry, fullWindow int) (string, error) {
	var b strings.Builder
	b.WriteString("CONTINUITY (most recent first):\n\n")

	// 条目按章节号升序存储，渲染时最近的在前
	fullFrom := len(entries) - fullWindow
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if i >= fullFrom {
			b.WriteString(renderEntry(entry, true))
		} else {
			summary, err := s.summaryFor(ctx, entry)
			if err != nil {
				return "", err
			}
			b.WriteString(fmt.Sprintf("Chapter %d (summary): %s\n", entry.Chapter, summary))
		}
		b.WriteString("\n")
	}

	latest := entries[len(entries)-1]
	if len(latest.CallbackBank) > 0 {
		b.WriteString("CALLBACK BANK (planted moments — weave ripe ones back in when natural):\n")
		for _, cb := range latest.CallbackBank {
			line := fmt.Sprintf("- [ch%d, %s] %s", cb.SourceChapter, cb.Status, cb.Moment)
			if cb.Detail != "" {
				line += ": " + cb.Detail
			}
			b.WriteString(line + "\n")
		}
	}

	return b.String(), nil
}

// summaryFor 返回条目的压缩摘要，缺失时惰性生成并回写缓存
func (s *LedgerService) summaryFor(ctx context.Context, entry *models.LedgerEntry) (string, error) {
	if entry.Summary != "" {
		return entry.Summary, nil
	}

	summary, err := s.Compress(ctx, entry)
	if err != nil {
		return "", err
	}

	entry.Summary = summary
	if err := s.store.SaveLedgerEntry(entry); err != nil {
		// 回写失败只影响缓存命中，不影响本次渲染
		utils.GetLogger().Warnf("台账摘要回写失败: %s 章节%d: %v", entry.WorkID, entry.Chapter, err)
	}

	return summary, nil
}

// Compress 把完整的台账条目压缩成100-150词的连续性摘要
func (s *LedgerService) Compress(ctx context.Context, entry *models.LedgerEntry) (string, error) {
	prompt := "Compress the following chapter continuity record into a 100-150 word summary. " +
		"Preserve every fact a future chapter could contradict: who knows what, emotional states, " +
		"relationship changes, and unresolved threads. Plain prose, no headers.\n\n" +
		renderEntry(entry, true)

	resp, err := s.llm.ExtractText(ctx, prompt, 400)
	if err != nil {
		return "", apperrors.NewEnrichmentError(fmt.Sprintf("台账压缩失败: 章节%d", entry.Chapter), err)
	}

	return strings.TrimSpace(resp.Text), nil
}

// renderEntry 把单个台账条目渲染为提示词文本
func renderEntry(entry *models.LedgerEntry, full bool) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Chapter %d:\n", entry.Chapter))

	if !full {
		b.WriteString("  " + entry.Summary + "\n")
		return b.String()
	}

	names := make([]string, 0, len(entry.Characters))
	for name := range entry.Characters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		state := entry.Characters[name]
		b.WriteString(fmt.Sprintf("  %s: %s", name, state.EmotionalState))
		if state.ChapterExperience != "" {
			b.WriteString(" — " + state.ChapterExperience)
		}
		b.WriteString("\n")
		if len(state.NewKnowledge) > 0 {
			b.WriteString("    now knows: " + strings.Join(state.NewKnowledge, "; ") + "\n")
		}
		if state.PrivateThoughts != "" {
			b.WriteString("    privately: " + state.PrivateThoughts + "\n")
		}
		if len(state.RelationshipDeltas) > 0 {
			others := make([]string, 0, len(state.RelationshipDeltas))
			for other := range state.RelationshipDeltas {
				others = append(others, other)
			}
			sort.Strings(others)
			for _, other := range others {
				b.WriteString(fmt.Sprintf("    with %s: %s\n", other, state.RelationshipDeltas[other]))
			}
		}
	}

	return b.String()
}

// buildExtractPrompt 构造台账提取的提示词
func (s *LedgerService) buildExtractPrompt(work *models.Work, chapter *models.Chapter, existing []models.CallbackEntry) string {
	var b strings.Builder
	b.WriteString("Extract the continuity ledger from this chapter. For each named character who appears, ")
	b.WriteString("record their state at chapter end. Also list callback moments: small planted details ")
	b.WriteString("(objects, jokes, promises) worth paying off later, and mark any previously planted moment ")
	b.WriteString("this chapter paid off as \"used\". Respond with JSON only:\n")
	b.WriteString(`{"characters": {"<name>": {"emotional_state": "", "chapter_experience": "", ` +
		`"new_knowledge": [], "private_thoughts": "", "relationship_deltas": {"<other>": ""}}}, ` +
		`"callbacks": [{"source_chapter": 0, "moment": "", "detail": "", "status": "ripe|used|expired"}]}`)
	b.WriteString("\nFor a previously planted moment, keep its original source_chapter; " +
		"use 0 (or this chapter's number) for moments planted in this chapter.")
	b.WriteString("\n\nCHARACTERS: ")
	names := make([]string, 0, len(work.Characters))
	for _, c := range work.Characters {
		names = append(names, c.Name)
	}
	b.WriteString(strings.Join(names, ", "))

	if len(existing) > 0 {
		b.WriteString("\n\nPREVIOUSLY PLANTED MOMENTS:\n")
		for _, cb := range existing {
			b.WriteString(fmt.Sprintf("- [ch%d, %s] %s\n", cb.SourceChapter, cb.Status, cb.Moment))
		}
	}

	b.WriteString(fmt.Sprintf("\n\nCHAPTER %d:\n", chapter.Number))
	b.WriteString(chapter.Content)
	return b.String()
}
