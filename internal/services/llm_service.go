// internal/services/llm_service.go
package services

import (
	"context"
	"crypto/md5"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Corphon/StoryLoomMCP/internal/config"
	apperrors "github.com/Corphon/StoryLoomMCP/internal/errors"
	"github.com/Corphon/StoryLoomMCP/internal/llm"
)

// LLMService 提供统一的大语言模型调用接口。
// 章节生成与质量/语声评审走主力模型，台账提取与压缩走
// 快速模型，两档模型共用同一个提供商连接。
type LLMService struct {
	providerMutex sync.RWMutex
	provider      llm.Provider
	providerName  string
	defaultModel  string // 主力档：章节生成、评审、修复
	fastModel     string // 快速档：台账提取、压缩
	cache         *LLMCache
	isReady       bool
	readyState    string
}

// LLMCache 响应缓存
type LLMCache struct {
	cache      map[string]*LLMCacheEntry
	mutex      sync.RWMutex
	expiration time.Duration
}

// LLMCacheEntry 缓存条目
type LLMCacheEntry struct {
	Response  *llm.CompletionResponse
	CreatedAt time.Time
}

// NewLLMService 从当前配置创建LLM服务
func NewLLMService() (*LLMService, error) {
	service := createBaseLLMService()

	cfg := config.GetCurrentConfig()
	if cfg == nil {
		service.readyState = "无法获取配置"
		return service, nil
	}

	if cfg.LLMProvider == "" || (cfg.LLMConfig != nil && cfg.LLMConfig["api_key"] == "") {
		service.readyState = "API密钥未配置"
		return service, nil
	}

	provider, err := llm.GetProvider(cfg.LLMProvider, cfg.LLMConfig)
	if err != nil {
		service.readyState = fmt.Sprintf("初始化失败: %v", err)
		return service, nil // 返回未就绪服务而不是错误
	}

	service.provider = provider
	service.providerName = cfg.LLMProvider
	service.defaultModel = cfg.LLMConfig["default_model"]
	service.fastModel = cfg.LLMConfig["fast_model"]
	service.isReady = true
	service.readyState = "Ready"

	return service, nil
}

// NewEmptyLLMService 创建一个空的LLM服务实例作为后备方案
func NewEmptyLLMService() *LLMService {
	service := createBaseLLMService()
	service.providerName = "empty"
	service.readyState = "待机模式 – 请先配置API密钥"
	return service
}

// NewLLMServiceWithProvider 用指定的提供者创建服务（测试和内部装配用）
func NewLLMServiceWithProvider(provider llm.Provider, defaultModel, fastModel string) *LLMService {
	service := createBaseLLMService()
	service.provider = provider
	service.providerName = provider.GetName()
	service.defaultModel = defaultModel
	service.fastModel = fastModel
	service.isReady = true
	service.readyState = "Ready"
	return service
}

func createBaseLLMService() *LLMService {
	return &LLMService{
		readyState: "Uninitialized",
		cache: &LLMCache{
			cache:      make(map[string]*LLMCacheEntry),
			expiration: 30 * time.Minute,
		},
	}
}

// IsReady 返回服务是否已就绪
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.provider != nil && s.isReady
}

// GetProviderStatus 返回服务是否就绪以及可读描述
func (s *LLMService) GetProviderStatus() (bool, string) {
	if s == nil {
		return false, "LLM服务实例未初始化"
	}
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	if s.provider != nil && s.isReady {
		return true, "Ready"
	}
	return false, s.readyState
}

// GetSupportedModels 返回当前提供商支持的模型列表
func (s *LLMService) GetSupportedModels() []string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	if s.provider == nil {
		return nil
	}
	return s.provider.GetSupportedModels()
}

// UpdateProvider 更新LLM服务的提供商
func (s *LLMService) UpdateProvider(providerName string, providerConfig map[string]string) error {
	provider, err := llm.GetProvider(providerName, providerConfig)
	if err != nil {
		s.providerMutex.Lock()
		s.isReady = false
		s.readyState = fmt.Sprintf("配置失败: %v", err)
		s.providerMutex.Unlock()
		return err
	}

	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	s.provider = provider
	s.providerName = providerName
	s.defaultModel = providerConfig["default_model"]
	s.fastModel = providerConfig["fast_model"]
	s.isReady = true
	s.readyState = "Ready"

	// 换提供商后清空缓存
	s.cache = &LLMCache{
		cache:      make(map[string]*LLMCacheEntry),
		expiration: 30 * time.Minute,
	}

	return nil
}

// GenerateText 主力档生成：章节散文、质量评审、语声修复
func (s *LLMService) GenerateText(ctx context.Context, prompt, systemPrompt string, maxTokens int) (*llm.CompletionResponse, error) {
	s.providerMutex.RLock()
	model := s.defaultModel
	s.providerMutex.RUnlock()
	return s.complete(ctx, prompt, systemPrompt, model, maxTokens, 0.8)
}

// ExtractText 快速档生成：台账提取、摘要压缩
func (s *LLMService) ExtractText(ctx context.Context, prompt string, maxTokens int) (*llm.CompletionResponse, error) {
	s.providerMutex.RLock()
	model := s.fastModel
	if model == "" {
		model = s.defaultModel
	}
	s.providerMutex.RUnlock()
	return s.complete(ctx, prompt, "", model, maxTokens, 0.2)
}

func (s *LLMService) complete(ctx context.Context, prompt, systemPrompt, model string, maxTokens int, temperature float32) (*llm.CompletionResponse, error) {
	s.providerMutex.RLock()
	provider := s.provider
	ready := s.isReady
	s.providerMutex.RUnlock()

	if provider == nil || !ready {
		return nil, apperrors.NewProcessingError("LLM服务未就绪", nil)
	}

	cacheKey := s.generateCacheKey(prompt, systemPrompt, model)
	if cached, ok := s.cache.get(cacheKey); ok {
		return cached, nil
	}

	resp, err := provider.CompleteText(ctx, llm.CompletionRequest{
		Prompt:       prompt,
		SystemPrompt: systemPrompt,
		MaxTokens:    maxTokens,
		Temperature:  temperature,
		Model:        model,
	})
	if err != nil {
		// 提供商层面的失败（网络/超时/限流）统一按瞬时错误处理，
		// 由批次编排器做有界退避重试
		return nil, apperrors.NewTransientError("生成调用失败", err)
	}

	s.cache.save(cacheKey, resp)
	return resp, nil
}

// generateCacheKey 生成缓存键
func (s *LLMService) generateCacheKey(prompt, systemPrompt, model string) string {
	s.providerMutex.RLock()
	providerName := s.providerName
	s.providerMutex.RUnlock()

	hashInput := fmt.Sprintf("%s:::%s:::%s:::%s", prompt, systemPrompt, model, providerName)
	h := md5.New()
	h.Write([]byte(hashInput))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// get 从缓存中获取结果
func (c *LLMCache) get(key string) (*llm.CompletionResponse, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.cache[key]
	if !exists {
		return nil, false
	}

	if time.Since(entry.CreatedAt) > c.expiration {
		return nil, false
	}

	return entry.Response, true
}

// save 保存结果到缓存
func (c *LLMCache) save(key string, response *llm.CompletionResponse) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.cache[key] = &LLMCacheEntry{
		Response:  response,
		CreatedAt: time.Now(),
	}

	// 如果缓存太大，清理最旧的条目
	if len(c.cache) > 1000 {
		c.cleanupOldest(100)
	}
}

// cleanupOldest 清理最旧的缓存条目
func (c *LLMCache) cleanupOldest(count int) {
	type keyAge struct {
		key string
		age time.Time
	}

	entries := make([]keyAge, 0, len(c.cache))
	for k, v := range c.cache {
		entries = append(entries, keyAge{k, v.CreatedAt})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].age.Before(entries[j].age)
	})

	maxToDelete := count
	if maxToDelete > len(entries) {
		maxToDelete = len(entries)
	}
	for i := 0; i < maxToDelete; i++ {
		delete(c.cache, entries[i].key)
	}
}
