// internal/models/work_test.go
package models

import (
	"testing"
)

// TestCheckpointAfter 每个批次结束章节映射到正确的检查点
func TestCheckpointAfter(t *testing.T) {
	cases := []struct {
		batchEnd int
		want     int
	}{
		{3, 2},
		{6, 5},
		{9, 8},
		{12, 0}, // 末批次没有检查点
	}

	for _, tc := range cases {
		if got := CheckpointAfter(tc.batchEnd); got != tc.want {
			t.Errorf("CheckpointAfter(%d) = %d，期望%d", tc.batchEnd, got, tc.want)
		}
	}
}

// TestNextBatchAfter 检查点到下一批次范围的映射
func TestNextBatchAfter(t *testing.T) {
	cases := []struct {
		checkpoint int
		wantStart  int
		wantEnd    int
	}{
		{2, 4, 6},
		{5, 7, 9},
		{8, 10, 12},
		{99, 0, 0}, // 未知检查点
	}

	for _, tc := range cases {
		start, end := NextBatchAfter(tc.checkpoint)
		if start != tc.wantStart || end != tc.wantEnd {
			t.Errorf("NextBatchAfter(%d) = (%d,%d)，期望(%d,%d)",
				tc.checkpoint, start, end, tc.wantStart, tc.wantEnd)
		}
	}
}

// TestOutlineFor 按章节号查找大纲条目
func TestOutlineFor(t *testing.T) {
	work := &Work{
		Outline: []OutlineEntry{
			{Chapter: 1, Title: "一"},
			{Chapter: 2, Title: "二"},
		},
	}

	if entry := work.OutlineFor(2); entry == nil || entry.Title != "二" {
		t.Errorf("OutlineFor(2)应返回第二章条目: %+v", entry)
	}
	if entry := work.OutlineFor(7); entry != nil {
		t.Errorf("缺失章节应返回nil: %+v", entry)
	}
}

// TestValidFeedbackValue 反馈词汇校验
func TestValidFeedbackValue(t *testing.T) {
	valid := []struct{ dim, val string }{
		{"pacing", PacingSlow}, {"pacing", PacingGood}, {"pacing", PacingFast},
		{"tone", ToneSilly}, {"tone", ToneGood}, {"tone", ToneSerious},
		{"character", CharacterLove}, {"character", CharacterOkay}, {"character", CharacterMiss},
	}
	for _, tc := range valid {
		if !ValidFeedbackValue(tc.dim, tc.val) {
			t.Errorf("%s=%s应合法", tc.dim, tc.val)
		}
	}

	invalid := []struct{ dim, val string }{
		{"pacing", "breakneck"},
		{"tone", "slow"},
		{"character", "good"},
		{"mystery", "good"},
	}
	for _, tc := range invalid {
		if ValidFeedbackValue(tc.dim, tc.val) {
			t.Errorf("%s=%s应非法", tc.dim, tc.val)
		}
	}
}
