// internal/models/feedback.go
package models

import (
	"time"
)

// 反馈三个维度的取值（每个维度的中间值为"满意"）
const (
	PacingSlow = "slow"
	PacingGood = "good"
	PacingFast = "fast"

	ToneSilly   = "silly"
	ToneGood    = "good"
	ToneSerious = "serious"

	CharacterLove = "love"
	CharacterOkay = "okay"
	CharacterMiss = "miss"
)

// FeedbackCheckpoint 每个 (作品, 检查点) 唯一的读者反馈记录。
// 重复提交按更新处理，不产生重复行。
type FeedbackCheckpoint struct {
	WorkID      string    `json:"work_id"`
	Checkpoint  int       `json:"checkpoint"`
	Pacing      string    `json:"pacing"`
	Tone        string    `json:"tone"`
	Character   string    `json:"character"`
	Notes       string    `json:"notes,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// ValidFeedbackValue 校验某个维度的取值是否合法
func ValidFeedbackValue(dimension, value string) bool {
	switch dimension {
	case "pacing":
		return value == PacingSlow || value == PacingGood || value == PacingFast
	case "tone":
		return value == ToneSilly || value == ToneGood || value == ToneSerious
	case "character":
		return value == CharacterLove || value == CharacterOkay || value == CharacterMiss
	}
	return false
}
