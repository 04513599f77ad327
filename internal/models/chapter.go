// internal/models/chapter.go
package models

import (
	"time"
)

// QualityDimension 质量评审的维度名称
const (
	DimShowVsTell   = "show_vs_tell"
	DimDialogue     = "dialogue"
	DimPacing       = "pacing"
	DimAudienceFit  = "audience_fit"
	DimConsistency  = "character_consistency"
	DimProseQuality = "prose_quality"
)

// QualityReview 一次章节质量评审的记录
type QualityReview struct {
	Scores   map[string]float64 `json:"scores"`   // 各维度得分 (0-10)
	Evidence map[string]string  `json:"evidence"` // 各维度的佐证说明
	Weighted float64            `json:"weighted"` // 加权总分
	Attempts int                `json:"attempts"` // 实际生成次数
}

// Chapter 表示一个已生成并持久化的章节
type Chapter struct {
	WorkID            string        `json:"work_id"`
	Number            int           `json:"number"`
	Title             string        `json:"title"`
	Content           string        `json:"content"`
	Review            QualityReview `json:"review"`
	RegenerationCount int           `json:"regeneration_count"`
	RepairApplied     bool          `json:"repair_applied,omitempty"`
	TokensIn          int           `json:"tokens_in,omitempty"`
	TokensOut         int           `json:"tokens_out,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}
