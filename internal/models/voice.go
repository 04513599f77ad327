// internal/models/voice.go
package models

import (
	"time"
)

// VoiceFlag 指出某个角色具体的失真位置
type VoiceFlag struct {
	Character  string `json:"character"`
	Line       string `json:"line"`                 // 被标记的原文行
	Issue      string `json:"issue"`                // 与台账状态不符之处
	Suggestion string `json:"suggestion,omitempty"` // 外科手术式修改建议
}

// MissedCallback 一次被错过的伏笔回收机会
type MissedCallback struct {
	SourceChapter int    `json:"source_chapter"`
	Moment        string `json:"moment"`
	Suggestion    string `json:"suggestion"` // 可插入的具体时刻
	Actionable    bool   `json:"actionable"` // 是否值得触发修复
}

// VoiceReview 每个 (作品, 章节) 唯一的角色真实性评审
type VoiceReview struct {
	WorkID          string             `json:"work_id"`
	Chapter         int                `json:"chapter"`
	Scores          map[string]float64 `json:"scores"` // 角色名 -> 真实性得分 (0.0-1.0)
	Flags           []VoiceFlag        `json:"flags,omitempty"`
	MissedCallbacks []MissedCallback   `json:"missed_callbacks,omitempty"`
	RepairApplied   bool               `json:"repair_applied"`
	CreatedAt       time.Time          `json:"created_at"`
}
