// internal/models/ledger.go
package models

import (
	"fmt"
	"time"
)

// CallbackStatus 伏笔条目的生命周期状态
type CallbackStatus string

const (
	// CallbackRipe 已埋设，等待回收
	CallbackRipe CallbackStatus = "ripe"
	// CallbackUsed 已在后续章节中回收
	CallbackUsed CallbackStatus = "used"
	// CallbackExpired 时效已过，不再值得回收
	CallbackExpired CallbackStatus = "expired"
)

// CallbackEntry 伏笔库中的一个条目，以 (来源章节, 时刻描述) 为键
type CallbackEntry struct {
	SourceChapter int            `json:"source_chapter"`
	Moment        string         `json:"moment"`
	Detail        string         `json:"detail,omitempty"`
	Status        CallbackStatus `json:"status"`
}

// Key 返回条目的唯一标识键
func (c CallbackEntry) Key() string {
	return fmt.Sprintf("%d|%s", c.SourceChapter, c.Moment)
}

// CharacterState 单个角色在一个章节中的结构化状态
type CharacterState struct {
	EmotionalState     string            `json:"emotional_state"`
	ChapterExperience  string            `json:"chapter_experience"`
	NewKnowledge       []string          `json:"new_knowledge,omitempty"`
	PrivateThoughts    string            `json:"private_thoughts,omitempty"`
	RelationshipDeltas map[string]string `json:"relationship_deltas,omitempty"`
}

// LedgerEntry 每个 (作品, 章节) 唯一的连续性台账条目
type LedgerEntry struct {
	WorkID       string                    `json:"work_id"`
	Chapter      int                       `json:"chapter"`
	Characters   map[string]CharacterState `json:"characters"`
	Summary      string                    `json:"summary,omitempty"` // 惰性填充的压缩摘要
	CallbackBank []CallbackEntry           `json:"callback_bank"`
	SizeTokens   int                       `json:"size_tokens"` // 近似token大小
	CreatedAt    time.Time                 `json:"created_at"`
}
