// internal/services/quality_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Corphon/StoryLoomMCP/internal/config"
	"github.com/Corphon/StoryLoomMCP/internal/models"
	"github.com/Corphon/StoryLoomMCP/internal/utils"
)

// 质量评审的固定加权评分表
var rubricWeights = map[string]float64{
	models.DimShowVsTell:   0.20,
	models.DimDialogue:     0.15,
	models.DimPacing:       0.15,
	models.DimAudienceFit:  0.15,
	models.DimConsistency:  0.20,
	models.DimProseQuality: 0.15,
}

// rubricOrder 固定的维度渲染顺序
var rubricOrder = []string{
	models.DimShowVsTell,
	models.DimDialogue,
	models.DimPacing,
	models.DimAudienceFit,
	models.DimConsistency,
	models.DimProseQuality,
}

// QualityService 实现生成-评分-再生成的质量循环
type QualityService struct {
	llm *LLMService
	cfg config.GenerationConfig
}

// NewQualityService 创建质量评审服务
func NewQualityService(llmService *LLMService, cfg config.GenerationConfig) *QualityService {
	return &QualityService{
		llm: llmService,
		cfg: cfg,
	}
}

// Draft 一次质量循环的最终产出
type Draft struct {
	Content   string
	Review    models.QualityReview
	TokensIn  int
	TokensOut int
}

const chapterSystemPrompt = "You are a serialized fiction author writing one chapter at a time. " +
	"Write vivid, immersive prose. Show, don't tell. Keep every character's voice consistent " +
	"with what the reader already knows about them. Return only the chapter text."

// GenerateWithReview 生成一个章节并对其评分；低于阈值时把评审指出的
// 具体缺陷追加到提示词后重新生成，最多 MaxAttempts 次。任何一次尝试
// 都不达标时返回见过的最高分草稿（不是最后一稿），并记录尝试次数。
func (s *QualityService) GenerateWithReview(ctx context.Context, prompt string) (*Draft, error) {
	logger := utils.GetLogger()

	var best *Draft
	currentPrompt := prompt

	attempts := 0
	for attempts < s.cfg.MaxAttempts {
		attempts++

		resp, err := s.llm.GenerateText(ctx, currentPrompt, chapterSystemPrompt, s.cfg.ChapterMaxTokens)
		if err != nil {
			// 已有可用草稿时不让瞬时错误毁掉整次循环
			if best != nil {
				logger.Warnf("质量循环第%d次生成失败，保留已有最佳草稿: %v", attempts, err)
				break
			}
			return nil, err
		}

		review, err := s.reviewDraft(ctx, resp.Text)
		if err != nil {
			// 评审不可用时按原样接受草稿，不阻塞章节交付
			logger.Warnf("质量评审不可用，按原样接受草稿: %v", err)
			draft := &Draft{
				Content:   resp.Text,
				Review:    models.QualityReview{Attempts: attempts, Evidence: map[string]string{"review": "评审调用失败，未评分"}},
				TokensIn:  resp.PromptTokens,
				TokensOut: resp.OutputTokens,
			}
			if best == nil || draft.Review.Weighted > best.Review.Weighted {
				best = draft
			}
			break
		}

		draft := &Draft{
			Content:   resp.Text,
			Review:    *review,
			TokensIn:  resp.PromptTokens,
			TokensOut: resp.OutputTokens,
		}

		if best == nil || draft.Review.Weighted > best.Review.Weighted {
			best = draft
		}

		if review.Weighted >= s.cfg.QualityThreshold {
			break
		}

		logger.Infof("章节草稿加权分 %.2f 低于阈值 %.2f (第%d次)，准备重新生成",
			review.Weighted, s.cfg.QualityThreshold, attempts)
		currentPrompt = prompt + s.revisionNotes(review)
	}

	best.Review.Attempts = attempts
	return best, nil
}

// reviewDraft 调用主力档模型对草稿做多维度评分
func (s *QualityService) reviewDraft(ctx context.Context, content string) (*models.QualityReview, error) {
	prompt := s.buildReviewPrompt(content)

	resp, err := s.llm.GenerateText(ctx, prompt, "", 1200)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Scores   map[string]float64 `json:"scores"`
		Evidence map[string]string  `json:"evidence"`
	}
	if err := json.Unmarshal([]byte(utils.ExtractJSONObject(resp.Text)), &parsed); err != nil {
		return nil, fmt.Errorf("解析评审响应失败: %w", err)
	}

	review := &models.QualityReview{
		Scores:   make(map[string]float64, len(rubricOrder)),
		Evidence: parsed.Evidence,
	}

	for _, dim := range rubricOrder {
		score, ok := parsed.Scores[dim]
		if !ok {
			// 缺失维度按中位分处理，避免单个维度毁掉整次评审
			score = 5.0
		}
		review.Scores[dim] = score
		review.Weighted += score * rubricWeights[dim]
	}

	return review, nil
}

func (s *QualityService) buildReviewPrompt(content string) string {
	var b strings.Builder
	b.WriteString("Score the following chapter draft on each dimension from 0 to 10. ")
	b.WriteString("For every dimension, cite one concrete piece of evidence from the text. ")
	b.WriteString("Respond with JSON only:\n")
	b.WriteString(`{"scores": {`)
	for i, dim := range rubricOrder {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("%q: 0.0", dim))
	}
	b.WriteString(`}, "evidence": {"<dimension>": "<quote or observation>"}}`)
	b.WriteString("\n\nCHAPTER DRAFT:\n")
	b.WriteString(content)
	return b.String()
}

// revisionNotes 把评审中低于阈值的维度整理成追加的修改要求
func (s *QualityService) revisionNotes(review *models.QualityReview) string {
	var b strings.Builder
	b.WriteString("\n\nREVISION NOTES — the previous draft fell short. Address these specific deficiencies:\n")
	for _, dim := range rubricOrder {
		score := review.Scores[dim]
		if score >= s.cfg.QualityThreshold {
			continue
		}
		line := fmt.Sprintf("- %s (scored %.1f)", dim, score)
		if evidence, ok := review.Evidence[dim]; ok && evidence != "" {
			line += ": " + evidence
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}
