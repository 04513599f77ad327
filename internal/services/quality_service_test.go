// internal/services/quality_service_test.go
package services

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/Corphon/StoryLoomMCP/internal/config"
	"github.com/Corphon/StoryLoomMCP/internal/llm"
)

func isReviewRequest(req llm.CompletionRequest) bool {
	return strings.HasPrefix(req.Prompt, "Score the following chapter draft")
}

func isChapterRequest(req llm.CompletionRequest) bool {
	return req.SystemPrompt == chapterSystemPrompt
}

// reviewJSON 构造一个所有维度同分的评审响应（加权分等于单维分）
func reviewJSON(score float64) string {
	var b strings.Builder
	b.WriteString(`{"scores": {`)
	for i, dim := range rubricOrder {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(fmt.Sprintf("%q: %.1f", dim, score))
	}
	b.WriteString(`}, "evidence": {"show_vs_tell": "example passage"}}`)
	return b.String()
}

func newQualityTestService(handler func(req llm.CompletionRequest, call int) (*llm.CompletionResponse, error)) (*QualityService, *stubProvider) {
	provider := &stubProvider{handler: handler}
	llmService := NewLLMServiceWithProvider(provider, "stub-model", "stub-model")
	return NewQualityService(llmService, config.DefaultGenerationConfig()), provider
}

// TestGenerateWithReviewFirstPass 首稿达标：一次生成一次评审，无重生成
func TestGenerateWithReviewFirstPass(t *testing.T) {
	svc, provider := newQualityTestService(func(req llm.CompletionRequest, call int) (*llm.CompletionResponse, error) {
		if isReviewRequest(req) {
			return textResponse(reviewJSON(9.0)), nil
		}
		return textResponse("第一稿内容"), nil
	})

	draft, err := svc.GenerateWithReview(context.Background(), "write chapter 1")
	if err != nil {
		t.Fatalf("GenerateWithReview失败: %v", err)
	}

	if draft.Content != "第一稿内容" {
		t.Errorf("内容不符: %q", draft.Content)
	}
	if draft.Review.Attempts != 1 {
		t.Errorf("期望1次尝试，实际%d", draft.Review.Attempts)
	}
	if draft.Review.Weighted < 8.9 || draft.Review.Weighted > 9.1 {
		t.Errorf("加权分应约为9.0，实际%.2f", draft.Review.Weighted)
	}
	if n := provider.callCount(isChapterRequest); n != 1 {
		t.Errorf("期望1次生成调用，实际%d", n)
	}
}

// TestGenerateWithReviewKeepsBestDraft 全部尝试不达标时返回最高分草稿
func TestGenerateWithReviewKeepsBestDraft(t *testing.T) {
	scores := []float64{5.0, 6.5, 4.0}
	generated := 0

	svc, provider := newQualityTestService(func(req llm.CompletionRequest, call int) (*llm.CompletionResponse, error) {
		if isReviewRequest(req) {
			return textResponse(reviewJSON(scores[generated-1])), nil
		}
		generated++
		return textResponse(fmt.Sprintf("草稿%d", generated)), nil
	})

	draft, err := svc.GenerateWithReview(context.Background(), "write chapter 1")
	if err != nil {
		t.Fatalf("GenerateWithReview失败: %v", err)
	}

	if draft.Content != "草稿2" {
		t.Errorf("应保留最高分草稿(草稿2)，实际: %q", draft.Content)
	}
	if draft.Review.Attempts != 3 {
		t.Errorf("期望3次尝试，实际%d", draft.Review.Attempts)
	}
	if n := provider.callCount(isChapterRequest); n != 3 {
		t.Errorf("期望3次生成调用，实际%d", n)
	}
}

// TestGenerateWithReviewRevisionNotes 重生成的提示词应包含具体缺陷
func TestGenerateWithReviewRevisionNotes(t *testing.T) {
	generated := 0
	var secondPrompt string

	svc, _ := newQualityTestService(func(req llm.CompletionRequest, call int) (*llm.CompletionResponse, error) {
		if isReviewRequest(req) {
			if generated == 1 {
				return textResponse(reviewJSON(5.0)), nil
			}
			return textResponse(reviewJSON(9.0)), nil
		}
		generated++
		if generated == 2 {
			secondPrompt = req.Prompt
		}
		return textResponse(fmt.Sprintf("草稿%d", generated)), nil
	})

	draft, err := svc.GenerateWithReview(context.Background(), "write chapter 1")
	if err != nil {
		t.Fatalf("GenerateWithReview失败: %v", err)
	}

	if draft.Content != "草稿2" {
		t.Errorf("第二稿达标后应返回第二稿，实际: %q", draft.Content)
	}
	if !strings.Contains(secondPrompt, "REVISION NOTES") {
		t.Error("重生成提示词应包含REVISION NOTES段落")
	}
	if !strings.Contains(secondPrompt, "show_vs_tell (scored 5.0): example passage") {
		t.Errorf("重生成提示词应引用评审证据:\n%s", secondPrompt)
	}
}

// TestGenerateWithReviewReviewFailure 评审不可用时按原样接受草稿
func TestGenerateWithReviewReviewFailure(t *testing.T) {
	svc, provider := newQualityTestService(func(req llm.CompletionRequest, call int) (*llm.CompletionResponse, error) {
		if isReviewRequest(req) {
			return textResponse("not json at all"), nil
		}
		return textResponse("唯一的草稿"), nil
	})

	draft, err := svc.GenerateWithReview(context.Background(), "write chapter 1")
	if err != nil {
		t.Fatalf("评审失败不应使生成失败: %v", err)
	}

	if draft.Content != "唯一的草稿" {
		t.Errorf("应接受首稿，实际: %q", draft.Content)
	}
	if draft.Review.Attempts != 1 {
		t.Errorf("期望1次尝试，实际%d", draft.Review.Attempts)
	}
	if n := provider.callCount(isChapterRequest); n != 1 {
		t.Errorf("评审失败后不应继续重生成，生成调用%d次", n)
	}
}
