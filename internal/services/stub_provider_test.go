// internal/services/stub_provider_test.go
package services

import (
	"context"
	"sync"

	"github.com/Corphon/StoryLoomMCP/internal/llm"
)

// stubProvider 测试用的脚本化LLM提供者。
// handler 按请求内容与调用序号返回预设响应。
type stubProvider struct {
	mu      sync.Mutex
	calls   []llm.CompletionRequest
	handler func(req llm.CompletionRequest, call int) (*llm.CompletionResponse, error)
}

func (p *stubProvider) Initialize(config map[string]string) error { return nil }

func (p *stubProvider) GetName() string { return "stub" }

func (p *stubProvider) GetSupportedModels() []string { return []string{"stub-model"} }

func (p *stubProvider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	call := len(p.calls)
	p.mu.Unlock()
	return p.handler(req, call)
}

// callCount 返回满足条件的调用次数
func (p *stubProvider) callCount(match func(req llm.CompletionRequest) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, req := range p.calls {
		if match(req) {
			count++
		}
	}
	return count
}

func textResponse(text string) *llm.CompletionResponse {
	return &llm.CompletionResponse{
		Text:         text,
		FinishReason: "stop",
		PromptTokens: 100,
		OutputTokens: 200,
		ModelName:    "stub-model",
		ProviderName: "stub",
	}
}
