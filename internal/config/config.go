// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/joho/godotenv"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

// GenerationConfig 生成管线的调优参数
type GenerationConfig struct {
	QualityThreshold    float64 `json:"quality_threshold"`     // 质量评审加权分阈值
	MaxAttempts         int     `json:"max_attempts"`          // 质量循环最大生成次数
	RetryAttempts       int     `json:"retry_attempts"`        // 瞬时错误重试次数
	RetryBaseDelayMs    int     `json:"retry_base_delay_ms"`   // 指数退避基准延迟
	ContinuityTokenCap  int     `json:"continuity_token_cap"`  // 连续性块token上限
	ChapterMaxTokens    int     `json:"chapter_max_tokens"`    // 单章生成token上限
	ExtractMaxTokens    int     `json:"extract_max_tokens"`    // 台账提取token上限
	MaxConcurrentBatch  int     `json:"max_concurrent_batch"`  // 跨作品并发批次上限
	VoiceRepairCutoff   float64 `json:"voice_repair_cutoff"`   // 触发语声修复的分数线
	CallbackPruneWindow int     `json:"callback_prune_window"` // 伏笔修剪的章节距离
}

// DefaultGenerationConfig 返回生成管线默认参数
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		QualityThreshold:    7.5,
		MaxAttempts:         3,
		RetryAttempts:       3,
		RetryBaseDelayMs:    500,
		ContinuityTokenCap:  5000,
		ChapterMaxTokens:    4000,
		ExtractMaxTokens:    1500,
		MaxConcurrentBatch:  4,
		VoiceRepairCutoff:   0.8,
		CallbackPruneWindow: 3,
	}
}

// AppConfig 包含应用程序的所有配置
type AppConfig struct {
	// 基础配置
	Port      string `json:"port"`
	DataDir   string `json:"data_dir"`
	LogDir    string `json:"log_dir"`
	DebugMode bool   `json:"debug_mode"`

	// LLM相关配置
	LLMProvider string            `json:"llm_provider"`
	LLMConfig   map[string]string `json:"llm_config"`

	// 生成管线配置
	Generation GenerationConfig `json:"generation"`
}

// Config 存储应用基础配置
type Config struct {
	Port      string
	APIKey    string
	DataDir   string
	LogDir    string
	DebugMode bool
}

// Load 从环境变量加载配置
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	config := &Config{
		Port:      getEnv("PORT", "8080"),
		APIKey:    getEnv("LLM_API_KEY", ""),
		DataDir:   getEnvPath("DATA_DIR", "data"),
		LogDir:    getEnvPath("LOG_DIR", "logs"),
		DebugMode: getEnvBool("DEBUG_MODE", true),
	}

	if config.APIKey == "" {
		// 只记录警告，不返回错误
		log.Println("警告: 未设置LLM API密钥，需要通过设置接口配置后才能生成内容")
	}

	return config, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0755); err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt 获取整数类型环境变量
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return defaultValue
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	configFile = filepath.Join(dataDir, "config.json")

	// 加载基础配置
	baseConfig, err := Load()
	if err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	gen := DefaultGenerationConfig()
	gen.MaxConcurrentBatch = getEnvInt("MAX_CONCURRENT_BATCH", gen.MaxConcurrentBatch)

	currentConfig = &AppConfig{
		Port:        baseConfig.Port,
		DataDir:     baseConfig.DataDir,
		LogDir:      baseConfig.LogDir,
		DebugMode:   baseConfig.DebugMode,
		LLMProvider: getEnv("LLM_PROVIDER", "openai"),
		LLMConfig: map[string]string{
			"api_key":       baseConfig.APIKey,
			"default_model": getEnv("LLM_MODEL", "gpt-4o"),
			"fast_model":    getEnv("LLM_FAST_MODEL", "gpt-4o-mini"),
		},
		Generation: gen,
	}

	// 尝试从文件加载已保存的配置
	if _, err := os.Stat(configFile); !os.IsNotExist(err) {
		data, err := os.ReadFile(configFile)
		if err == nil {
			var savedConfig AppConfig
			if json.Unmarshal(data, &savedConfig) == nil {
				// 合并配置：保留文件中的LLM设置，但使用最新的基础配置
				savedConfig.Port = baseConfig.Port
				savedConfig.DataDir = baseConfig.DataDir
				savedConfig.LogDir = baseConfig.LogDir
				savedConfig.DebugMode = baseConfig.DebugMode

				if savedConfig.LLMConfig != nil && savedConfig.LLMConfig["api_key"] == "" {
					savedConfig.LLMConfig["api_key"] = baseConfig.APIKey
				}
				if savedConfig.Generation.MaxAttempts == 0 {
					savedConfig.Generation = gen
				}

				currentConfig = &savedConfig
			}
		}
	}

	// 保存初始配置到文件
	return saveConfigLocked()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		// 紧急情况，返回一个基本配置
		baseConfig, _ := Load()
		return &AppConfig{
			Port:        baseConfig.Port,
			DataDir:     baseConfig.DataDir,
			LogDir:      baseConfig.LogDir,
			DebugMode:   baseConfig.DebugMode,
			LLMProvider: "openai",
			LLMConfig: map[string]string{
				"api_key": baseConfig.APIKey,
			},
			Generation: DefaultGenerationConfig(),
		}
	}

	// 返回配置的副本
	configCopy := *currentConfig
	return &configCopy
}

// UpdateLLMConfig 更新LLM配置
func UpdateLLMConfig(provider string, config map[string]string) error {
	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.LLMProvider = provider
	currentConfig.LLMConfig = config

	return saveConfigLocked()
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	configMutex.Lock()
	defer configMutex.Unlock()
	return saveConfigLocked()
}

func saveConfigLocked() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	// 确保目录存在
	dir := filepath.Dir(configFile)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}

	data, err := json.MarshalIndent(currentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0644)
}
