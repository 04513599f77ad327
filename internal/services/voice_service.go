// internal/services/voice_service.go
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
	"github.com/Corphon/StoryLoomMCP/internal/utils"
)

// VoiceService 做角色语声评审与外科手术式修复。
// 评审对照台账中的角色状态检查每个角色的台词与内心活动是否
// 符合其既有声音与已知信息；低于阈值或存在可落地的伏笔回收
// 机会时做只改标记行的修复。
type VoiceService struct {
	llm *LLMService
	cfg config.GenerationConfig
}

// NewVoiceService 创建语声评审服务
func NewVoiceService(llmService *LLMService, cfg config.GenerationConfig) *VoiceService {
	return &VoiceService{
		llm: llmService,
		cfg: cfg,
	}
}

// Review 对章节做角色语声评审，走主力档模型。
// 失败返回enrichment错误，调用方不应因此中止批次。
func (s *VoiceService) Review(ctx context.Context, work *models.Work, chapter *models.Chapter, ledger *models.LedgerEntry) (*models.VoiceReview, error) {
	prompt := s.buildReviewPrompt(work, chapter, ledger)

	resp, err := s.llm.GenerateText(ctx, prompt, "", 1500)
	if err != nil {
		return nil, apperrors.NewEnrichmentError(fmt.Sprintf("语声评审调用失败: 章节%d", chapter.Number), err)
	}

	var parsed struct {
		Scores map[string]float64 `json:"scores"`
		Flags  []struct {
			Character  string `json:"character"`
			Line       string `json:"line"`
			Issue      string `json:"issue"`
			Suggestion string `json:"suggestion"`
		} `json:"flags"`
		MissedCallbacks []struct {
			SourceChapter int    `json:"source_chapter"`
			Moment        string `json:"moment"`
			Suggestion    string `json:"suggestion"`
			Actionable    bool   `json:"actionable"`
		} `json:"missed_callbacks"`
	}
	if err := json.Unmarshal([]byte(utils.ExtractJSONObject(resp.Text)), &parsed); err != nil {
		return nil, apperrors.NewEnrichmentError(fmt.Sprintf("语声评审解析失败: 章节%d", chapter.Number), err)
	}

	review := &models.VoiceReview{
		WorkID:    work.ID,
		Chapter:   chapter.Number,
		Scores:    parsed.Scores,
		CreatedAt: time.Now(),
	}
	for _, f := range parsed.Flags {
		review.Flags = append(review.Flags, models.VoiceFlag{
			Character:  f.Character,
			Line:       f.Line,
			Issue:      f.Issue,
			Suggestion: f.Suggestion,
		})
	}
	for _, mc := range parsed.MissedCallbacks {
		review.MissedCallbacks = append(review.MissedCallbacks, models.MissedCallback{
			SourceChapter: mc.SourceChapter,
			Moment:        mc.Moment,
			Suggestion:    mc.Suggestion,
			Actionable:    mc.Actionable,
		})
	}

	return review, nil
}

// NeedsRepair 判定评审结果是否触发修复：任一角色语声分低于阈值，
// 或存在可落地的伏笔回收机会。
func (s *VoiceService) NeedsRepair(review *models.VoiceReview) bool {
	for _, score := range review.Scores {
		if score < s.cfg.VoiceRepairCutoff {
			return true
		}
	}
	for _, mc := range review.MissedCallbacks {
		if mc.Actionable {
			return true
		}
	}
	return false
}

// Repair 做外科手术式修复：只改写被标记的台词/段落和插入伏笔
// 回收，其余文本必须原样保留。返回修复后的章节全文。
func (s *VoiceService) Repair(ctx context.Context, chapter *models.Chapter, review *models.VoiceReview) (string, error) {
	prompt := s.buildRepairPrompt(chapter, review)

	resp, err := s.llm.GenerateText(ctx, prompt, "", s.cfg.ChapterMaxTokens)
	if err != nil {
		return "", apperrors.NewEnrichmentError(fmt.Sprintf("语声修复调用失败: 章节%d", chapter.Number), err)
	}

	repaired := strings.TrimSpace(resp.Text)
	if repaired == "" {
		return "", apperrors.NewEnrichmentError(fmt.Sprintf("语声修复返回空文本: 章节%d", chapter.Number), nil)
	}

	return repaired, nil
}

func (s *VoiceService) buildReviewPrompt(work *models.Work, chapter *models.Chapter, ledger *models.LedgerEntry) string {
	var b strings.Builder
	b.WriteString("Review this chapter for character voice consistency. For each character below, ")
	b.WriteString("score 0.0-1.0 how consistent their dialogue and interiority is with their established ")
	b.WriteString("voice and what they actually know. Flag specific lines that break voice. Also check the ")
	b.WriteString("callback bank: list planted moments this chapter could have naturally paid off but did not, ")
	b.WriteString("and mark actionable=true only where a small line-level insertion would work. ")
	b.WriteString("Respond with JSON only:\n")
	b.WriteString(`{"scores": {"<character>": 0.0}, ` +
		`"flags": [{"character": "", "line": "", "issue": "", "suggestion": ""}], ` +
		`"missed_callbacks": [{"source_chapter": 0, "moment": "", "suggestion": "", "actionable": false}]}`)

	b.WriteString("\n\nCHARACTERS:\n")
	for _, c := range work.Characters {
		b.WriteString(fmt.Sprintf("- %s (%s): %s\n", c.Name, c.Role, c.SpeechStyle))
	}

	if ledger != nil {
		if len(ledger.Characters) > 0 {
			// 台账条目是本章提取的结果，描述的是章节结束时的状态
			b.WriteString("\nCHARACTER STATE AS TRACKED THROUGH THIS CHAPTER:\n")
			names := make([]string, 0, len(ledger.Characters))
			for name := range ledger.Characters {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				state := ledger.Characters[name]
				b.WriteString(fmt.Sprintf("- %s: %s", name, state.EmotionalState))
				if len(state.NewKnowledge) > 0 {
					b.WriteString("; knows: " + strings.Join(state.NewKnowledge, "; "))
				}
				b.WriteString("\n")
			}
		}
		if len(ledger.CallbackBank) > 0 {
			b.WriteString("\nCALLBACK BANK:\n")
			for _, cb := range ledger.CallbackBank {
				if cb.Status != models.CallbackRipe {
					continue
				}
				b.WriteString(fmt.Sprintf("- [ch%d] %s\n", cb.SourceChapter, cb.Moment))
			}
		}
	}

	b.WriteString(fmt.Sprintf("\nCHAPTER %d:\n", chapter.Number))
	b.WriteString(chapter.Content)
	return b.String()
}

func (s *VoiceService) buildRepairPrompt(chapter *models.Chapter, review *models.VoiceReview) string {
	var b strings.Builder
	b.WriteString("Apply surgical repairs to this chapter. Rewrite ONLY the flagged lines and insert ONLY ")
	b.WriteString("the suggested callbacks — every other sentence must be reproduced exactly as written. ")
	b.WriteString("Do not restructure scenes or change plot events. Return the full repaired chapter text.\n")

	if len(review.Flags) > 0 {
		b.WriteString("\nVOICE FIXES:\n")
		for _, f := range review.Flags {
			b.WriteString(fmt.Sprintf("- %s: %q — %s. Fix: %s\n", f.Character, f.Line, f.Issue, f.Suggestion))
		}
	}

	actionable := false
	for _, mc := range review.MissedCallbacks {
		if !mc.Actionable {
			continue
		}
		if !actionable {
			b.WriteString("\nCALLBACK INSERTIONS:\n")
			actionable = true
		}
		b.WriteString(fmt.Sprintf("- Pay off %q (planted in chapter %d): %s\n", mc.Moment, mc.SourceChapter, mc.Suggestion))
	}

	b.WriteString(fmt.Sprintf("\nCHAPTER %d:\n", chapter.Number))
	b.WriteString(chapter.Content)
	return b.String()
}
