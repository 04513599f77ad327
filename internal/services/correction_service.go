// internal/services/correction_service.go
package services

import (
	"fmt"
	"strings"

	"github.com/Corphon/StoryLoomMCP/internal/models"
)

// CourseCorrectionService 把检查点反馈编译成注入提示词的指令文本。
// 编译是纯确定性的：固定查表 + 跨检查点的趋势比较。生成模型是否
// 真正遵守指令无法验证，这里只保证指令文本相对反馈是正确的。
type CourseCorrectionService struct{}

// NewCourseCorrectionService 创建课程修正编译器
func NewCourseCorrectionService() *CourseCorrectionService {
	return &CourseCorrectionService{}
}

// directive 单个维度的指令条目
type directive struct {
	dimension string
	value     string
	text      string
	escalated bool
	maintain  bool
}

// 固定的指令查找表：维度取值 -> 具体的写作指令
var pacingDirectives = map[string]string{
	models.PacingSlow: "Pick up the pace: shorter paragraphs, enter scenes later and leave them earlier, and end every chapter on a stronger hook.",
	models.PacingFast: "Slow down: give key moments room to breathe, add reaction beats after big events, and let quiet scenes do their work.",
}

var toneDirectives = map[string]string{
	models.ToneSerious: "Lighten the tone: more playful banter and visual comedy, let the characters have fun between the tense beats.",
	models.ToneSilly:   "Rein in the gags: keep the humor, but let the stakes and consequences stay real so tension can build.",
}

var characterDirectives = map[string]string{
	models.CharacterMiss: "Deepen character connection: more interiority, show what each choice costs, and give the protagonist a private want in every chapter.",
	models.CharacterOkay: "Strengthen character moments: give secondary characters one memorable beat per chapter and keep their voices distinct.",
}

// 每个维度的满意值：反馈落在满意值上时输出维持说明而不是指令
var satisfiedValues = map[string]string{
	"pacing":    models.PacingGood,
	"tone":      models.ToneGood,
	"character": models.CharacterLove,
}

var maintainNotes = map[string]string{
	"pacing":    "Pacing is landing well — maintain the current rhythm.",
	"tone":      "Tone is landing well — maintain the current balance.",
	"character": "Readers love the characters — maintain their voices exactly as they are.",
}

// Compile 把按检查点升序排列的反馈历史编译为单个指令文本块。
// 同一维度跨检查点复现时比较趋势：向满意值改善则标注
// "correction worked, maintain"；不变或恶化则升级指令。
func (s *CourseCorrectionService) Compile(history []*models.FeedbackCheckpoint) string {
	if len(history) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("READER FEEDBACK HISTORY:\n")
	for _, cp := range history {
		b.WriteString(fmt.Sprintf("- Checkpoint after chapter %d: pacing=%s, tone=%s, character=%s\n",
			cp.Checkpoint, cp.Pacing, cp.Tone, cp.Character))
		if cp.Notes != "" {
			b.WriteString(fmt.Sprintf("  Reader notes: %s\n", cp.Notes))
		}
	}

	latest := history[len(history)-1]
	var previous *models.FeedbackCheckpoint
	if len(history) > 1 {
		previous = history[len(history)-2]
	}

	directives := []directive{
		s.compileDimension("pacing", latest.Pacing, dimensionValue(previous, "pacing"), pacingDirectives),
		s.compileDimension("tone", latest.Tone, dimensionValue(previous, "tone"), toneDirectives),
		s.compileDimension("character", latest.Character, dimensionValue(previous, "character"), characterDirectives),
	}

	b.WriteString("\nCURRENT DIRECTIVES:\n")
	for _, d := range directives {
		if d.maintain {
			b.WriteString(fmt.Sprintf("- [%s] correction worked, maintain: %s\n", d.dimension, d.text))
			continue
		}
		if d.escalated {
			b.WriteString(fmt.Sprintf("- [%s] PRIORITY (flagged before, not yet improved): %s\n", d.dimension, d.text))
			continue
		}
		b.WriteString(fmt.Sprintf("- [%s] %s\n", d.dimension, d.text))
	}

	return b.String()
}

// compileDimension 编译单个维度：查表出指令，再按历史趋势调整
func (s *CourseCorrectionService) compileDimension(dimension, current, prior string, table map[string]string) directive {
	satisfied := satisfiedValues[dimension]

	// 当前值已满意：输出维持说明（不是指令）
	if current == satisfied {
		return directive{
			dimension: dimension,
			value:     current,
			text:      maintainNotes[dimension],
			maintain:  true,
		}
	}

	text, ok := table[current]
	if !ok {
		// 未知取值按满意处理，避免编造指令
		return directive{
			dimension: dimension,
			value:     current,
			text:      maintainNotes[dimension],
			maintain:  true,
		}
	}

	// 同一维度在上个检查点也不满意且没有改善：升级指令
	if prior != "" && prior != satisfied && prior == current {
		return directive{
			dimension: dimension,
			value:     current,
			text:      text,
			escalated: true,
		}
	}

	return directive{
		dimension: dimension,
		value:     current,
		text:      text,
	}
}

// dimensionValue 取出某个反馈记录中指定维度的值
func dimensionValue(cp *models.FeedbackCheckpoint, dimension string) string {
	if cp == nil {
		return ""
	}
	switch dimension {
	case "pacing":
		return cp.Pacing
	case "tone":
		return cp.Tone
	case "character":
		return cp.Character
	}
	return ""
}
