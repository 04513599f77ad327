// internal/models/work.go
package models

import (
	"time"
)

// WorkStage 表示作品状态机所处的阶段
type WorkStage string

const (
	// StageOutlinePending 大纲已生成，等待首次触发
	StageOutlinePending WorkStage = "outline_pending"
	// StageBatchGenerating 正在后台生成一个章节批次
	StageBatchGenerating WorkStage = "batch_generating"
	// StageAwaitingFeedback 批次完成，等待读者检查点反馈
	StageAwaitingFeedback WorkStage = "awaiting_feedback"
	// StageComplete 全部章节生成完毕
	StageComplete WorkStage = "complete"
	// StageFailed 终态：生成失败，需要人工介入
	StageFailed WorkStage = "failed"
)

const (
	// TotalChapters 每部作品的章节总数
	TotalChapters = 12
	// BatchSize 每个批次生成的章节数
	BatchSize = 3
)

// FeedbackCheckpoints 固定的反馈检查点（章节号）
var FeedbackCheckpoints = []int{2, 5, 8}

// WorkProgress 编码状态机位置，整体以乐观锁方式写入
type WorkProgress struct {
	Stage             WorkStage `json:"stage"`
	BatchStart        int       `json:"batch_start,omitempty"`
	BatchEnd          int       `json:"batch_end,omitempty"`
	Checkpoint        int       `json:"checkpoint,omitempty"`         // awaiting_feedback 时有效
	ChaptersGenerated int       `json:"chapters_generated"`           // 已持久化的章节数
	Version           int       `json:"version"`                      // 乐观并发版本号
	FailReason        string    `json:"fail_reason,omitempty"`        // failed 时有效
	UpdatedAt         time.Time `json:"updated_at"`
}

// WorkConfig 每部作品的功能开关集合
type WorkConfig struct {
	CharacterLedger     bool `json:"character_ledger"`
	VoiceReview         bool `json:"voice_review"`
	AdaptivePreferences bool `json:"adaptive_preferences"`
	CourseCorrections   bool `json:"course_corrections"`
}

// DefaultWorkConfig 返回默认配置（全部启用）
func DefaultWorkConfig() WorkConfig {
	return WorkConfig{
		CharacterLedger:     true,
		VoiceReview:         true,
		AdaptivePreferences: true,
		CourseCorrections:   true,
	}
}

// WorkCharacter 作品的角色名册条目
type WorkCharacter struct {
	Name        string `json:"name"`
	Role        string `json:"role"`
	Description string `json:"description,omitempty"`
	SpeechStyle string `json:"speech_style,omitempty"`
}

// OutlineEntry 大纲中一个章节的条目
type OutlineEntry struct {
	Chapter int    `json:"chapter"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Work 表示一部正在生成的长篇作品
type Work struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Premise     string          `json:"premise"`            // 作品前提/设定
	Audience    string          `json:"audience,omitempty"` // 目标读者描述
	Characters  []WorkCharacter `json:"characters"`
	Outline     []OutlineEntry  `json:"outline"`
	Config      WorkConfig      `json:"config"`
	Progress    WorkProgress    `json:"progress"`
	Preferences string          `json:"preferences,omitempty"` // 跨作品学习到的长期偏好文本
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// OutlineFor 返回指定章节的大纲条目
func (w *Work) OutlineFor(chapter int) *OutlineEntry {
	for i := range w.Outline {
		if w.Outline[i].Chapter == chapter {
			return &w.Outline[i]
		}
	}
	return nil
}

// CheckpointAfter 返回指定批次结束章节对应的检查点，没有则返回0
func CheckpointAfter(batchEnd int) int {
	for _, cp := range FeedbackCheckpoints {
		if cp >= batchEnd-BatchSize+1 && cp <= batchEnd {
			return cp
		}
	}
	return 0
}

// NextBatchAfter 返回指定检查点之后应生成的批次范围
func NextBatchAfter(checkpoint int) (start, end int) {
	for i, cp := range FeedbackCheckpoints {
		if cp == checkpoint {
			start = (i+1)*BatchSize + 1
			end = start + BatchSize - 1
			return start, end
		}
	}
	return 0, 0
}
