// internal/services/correction_service_test.go
package services

import (
	"strings"
	"testing"
	"time"

	"github.com/Corphon/StoryLoomMCP/internal/models"
)

func makeCheckpoint(checkpoint int, pacing, tone, character string) *models.FeedbackCheckpoint {
	return &models.FeedbackCheckpoint{
		WorkID:      "work-1",
		Checkpoint:  checkpoint,
		Pacing:      pacing,
		Tone:        tone,
		Character:   character,
		SubmittedAt: time.Now(),
	}
}

// TestCompileSingleCheckpoint 单个检查点：不满意的维度出指令，满意的维度出维持说明
func TestCompileSingleCheckpoint(t *testing.T) {
	svc := NewCourseCorrectionService()

	result := svc.Compile([]*models.FeedbackCheckpoint{
		makeCheckpoint(2, models.PacingSlow, models.ToneSerious, models.CharacterLove),
	})

	if !strings.Contains(result, "READER FEEDBACK HISTORY:") {
		t.Error("编译结果应包含反馈历史段落")
	}
	if !strings.Contains(result, "pacing=slow, tone=serious, character=love") {
		t.Errorf("反馈历史行格式不正确:\n%s", result)
	}
	if !strings.Contains(result, "[pacing] Pick up the pace") {
		t.Errorf("pacing=slow应产生提速指令:\n%s", result)
	}
	if !strings.Contains(result, "[tone] Lighten the tone") {
		t.Errorf("tone=serious应产生减压指令:\n%s", result)
	}
	if !strings.Contains(result, "[character] correction worked, maintain") {
		t.Errorf("character=love应产生维持说明:\n%s", result)
	}
	if strings.Contains(result, "PRIORITY") {
		t.Error("单个检查点不应产生升级指令")
	}
}

// TestCompileEscalation 同一维度连续两次不满意且未改变：指令升级
func TestCompileEscalation(t *testing.T) {
	svc := NewCourseCorrectionService()

	result := svc.Compile([]*models.FeedbackCheckpoint{
		makeCheckpoint(2, models.PacingSlow, models.ToneGood, models.CharacterOkay),
		makeCheckpoint(5, models.PacingSlow, models.ToneGood, models.CharacterLove),
	})

	if !strings.Contains(result, "[pacing] PRIORITY (flagged before, not yet improved)") {
		t.Errorf("pacing连续两次slow应产生升级指令:\n%s", result)
	}
	if !strings.Contains(result, "[character] correction worked, maintain") {
		t.Errorf("character从okay改善到love应产生维持说明:\n%s", result)
	}
}

// TestCompileImprovement 维度改善到满意值：标注correction worked
func TestCompileImprovement(t *testing.T) {
	svc := NewCourseCorrectionService()

	result := svc.Compile([]*models.FeedbackCheckpoint{
		makeCheckpoint(2, models.PacingSlow, models.ToneSilly, models.CharacterMiss),
		makeCheckpoint(5, models.PacingGood, models.ToneSilly, models.CharacterMiss),
	})

	if !strings.Contains(result, "[pacing] correction worked, maintain") {
		t.Errorf("pacing改善到good应产生维持说明:\n%s", result)
	}
	if !strings.Contains(result, "[tone] PRIORITY") {
		t.Errorf("tone连续两次silly应升级:\n%s", result)
	}
	if !strings.Contains(result, "[character] PRIORITY") {
		t.Errorf("character连续两次miss应升级:\n%s", result)
	}
}

// TestCompileNotesIncluded 自由文本备注应出现在历史段落中
func TestCompileNotesIncluded(t *testing.T) {
	svc := NewCourseCorrectionService()

	cp := makeCheckpoint(2, models.PacingGood, models.ToneGood, models.CharacterLove)
	cp.Notes = "more dragons please"

	result := svc.Compile([]*models.FeedbackCheckpoint{cp})
	if !strings.Contains(result, "Reader notes: more dragons please") {
		t.Errorf("编译结果应包含读者备注:\n%s", result)
	}
}

// TestCompileEmptyHistory 无历史时返回空串
func TestCompileEmptyHistory(t *testing.T) {
	svc := NewCourseCorrectionService()

	if result := svc.Compile(nil); result != "" {
		t.Errorf("空历史应返回空串，实际: %q", result)
	}
}
