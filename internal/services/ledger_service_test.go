// internal/services/ledger_service_test.go
package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Corphon/StoryLoomMCP/internal/config"
	"github.com/Corphon/StoryLoomMCP/internal/llm"
	"github.com/Corphon/StoryLoomMCP/internal/models"
	"github.com/Corphon/StoryLoomMCP/internal/storage"
)

func newTestStore(t *testing.T) *storage.WorkStore {
	t.Helper()

	fs, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}
	return storage.NewWorkStore(fs)
}

// TestMergeCallbackBankNewestWins 同键条目以本章提取的状态为准
func TestMergeCallbackBankNewestWins(t *testing.T) {
	existing := []models.CallbackEntry{
		{SourceChapter: 1, Moment: "borrowed compass", Status: models.CallbackRipe},
		{SourceChapter: 2, Moment: "broken promise", Status: models.CallbackRipe},
	}
	incoming := []models.CallbackEntry{
		{SourceChapter: 1, Moment: "borrowed compass", Status: models.CallbackUsed},
		{SourceChapter: 3, Moment: "mysterious letter", Status: models.CallbackRipe},
	}

	merged := MergeCallbackBank(existing, incoming, 3, 3)

	if len(merged) != 3 {
		t.Fatalf("期望3个条目，实际%d: %+v", len(merged), merged)
	}

	byKey := make(map[string]models.CallbackEntry)
	for _, cb := range merged {
		byKey[cb.Key()] = cb
	}
	if byKey["1|borrowed compass"].Status != models.CallbackUsed {
		t.Error("同键条目应采用较新的used状态")
	}
	if byKey["2|broken promise"].Status != models.CallbackRipe {
		t.Error("未触及的条目应保持ripe状态")
	}
}

// TestMergeCallbackBankPrunesSettled 超出窗口的used/expired条目被修剪，ripe永不修剪
func TestMergeCallbackBankPrunesSettled(t *testing.T) {
	existing := []models.CallbackEntry{
		{SourceChapter: 1, Moment: "old joke", Status: models.CallbackUsed},
		{SourceChapter: 1, Moment: "lost ring", Status: models.CallbackRipe},
		{SourceChapter: 5, Moment: "recent gag", Status: models.CallbackUsed},
	}

	merged := MergeCallbackBank(existing, nil, 7, 3)

	byKey := make(map[string]bool)
	for _, cb := range merged {
		byKey[cb.Key()] = true
	}

	if byKey["1|old joke"] {
		t.Error("距今6章的used条目应被修剪")
	}
	if !byKey["1|lost ring"] {
		t.Error("ripe条目无论多旧都不应被修剪")
	}
	if !byKey["5|recent gag"] {
		t.Error("窗口内的used条目应被保留")
	}
}

// TestMergeCallbackBankDeterministicOrder 合并结果按来源章节与时刻排序
func TestMergeCallbackBankDeterministicOrder(t *testing.T) {
	incoming := []models.CallbackEntry{
		{SourceChapter: 3, Moment: "zebra", Status: models.CallbackRipe},
		{SourceChapter: 1, Moment: "banana", Status: models.CallbackRipe},
		{SourceChapter: 1, Moment: "apple", Status: models.CallbackRipe},
	}

	merged := MergeCallbackBank(nil, incoming, 3, 3)

	want := []string{"1|apple", "1|banana", "3|zebra"}
	for i, cb := range merged {
		if cb.Key() != want[i] {
			t.Fatalf("排序不符: 位置%d期望%s，实际%s", i, want[i], cb.Key())
		}
	}
}

func seedLedgerEntry(t *testing.T, store *storage.WorkStore, chapter int, stateText, summary string) {
	t.Helper()

	entry := &models.LedgerEntry{
		WorkID:  "work-1",
		Chapter: chapter,
		Characters: map[string]models.CharacterState{
			"Mira": {
				EmotionalState:    stateText,
				ChapterExperience: stateText,
			},
		},
		Summary:   summary,
		CreatedAt: time.Now(),
	}
	if err := store.SaveLedgerEntry(entry); err != nil {
		t.Fatalf("写入台账条目失败: %v", err)
	}
}

// TestBuildContinuityBlockWindow 最近3章完整，更早的用压缩摘要
func TestBuildContinuityBlockWindow(t *testing.T) {
	store := newTestStore(t)
	for ch := 1; ch <= 5; ch++ {
		seedLedgerEntry(t, store, ch, "steady", "earlier chapter summary")
	}

	svc := NewLedgerService(nil, store, config.DefaultGenerationConfig())

	block, err := svc.BuildContinuityBlock(context.Background(), "work-1", 6)
	if err != nil {
		t.Fatalf("BuildContinuityBlock失败: %v", err)
	}

	for _, full := range []string{"Chapter 5:", "Chapter 4:", "Chapter 3:"} {
		if !strings.Contains(block, full) {
			t.Errorf("最近章节应完整出现: %s", full)
		}
	}
	for _, summarized := range []string{"Chapter 2 (summary):", "Chapter 1 (summary):"} {
		if !strings.Contains(block, summarized) {
			t.Errorf("更早章节应以摘要出现: %s", summarized)
		}
	}

	// 最近的章节在前
	if strings.Index(block, "Chapter 5:") > strings.Index(block, "Chapter 3:") {
		t.Error("连续性块应按最近章节在前排序")
	}
}

// TestBuildContinuityBlockBudgetDemotion 超预算时完整窗口降到2
func TestBuildContinuityBlockBudgetDemotion(t *testing.T) {
	store := newTestStore(t)
	// 足够大的状态文本使3个完整条目超出预算
	bigState := strings.Repeat("an elaborate emotional journey ", 40)
	for ch := 1; ch <= 5; ch++ {
		seedLedgerEntry(t, store, ch, bigState, "compact summary")
	}

	cfg := config.DefaultGenerationConfig()
	cfg.ContinuityTokenCap = 600

	svc := NewLedgerService(nil, store, cfg)

	block, err := svc.BuildContinuityBlock(context.Background(), "work-1", 6)
	if err != nil {
		t.Fatalf("BuildContinuityBlock失败: %v", err)
	}

	if !strings.Contains(block, "Chapter 5:") || !strings.Contains(block, "Chapter 4:") {
		t.Error("降级后最近2章仍应完整出现")
	}
	if !strings.Contains(block, "Chapter 3 (summary):") {
		t.Error("降级后第3近的章节应改为摘要")
	}
}

// TestBuildContinuityBlockEmpty 无台账条目时返回空块，不占提示词
func TestBuildContinuityBlockEmpty(t *testing.T) {
	store := newTestStore(t)
	svc := NewLedgerService(nil, store, config.DefaultGenerationConfig())

	block, err := svc.BuildContinuityBlock(context.Background(), "work-1", 1)
	if err != nil {
		t.Fatalf("BuildContinuityBlock失败: %v", err)
	}
	if block != "" {
		t.Errorf("无台账时连续性块应为空，实际: %q", block)
	}
}

// TestExtractMergesWithPreviousBank 提取结果与上一章的伏笔库合并
func TestExtractMergesWithPreviousBank(t *testing.T) {
	store := newTestStore(t)

	prev := &models.LedgerEntry{
		WorkID:  "work-1",
		Chapter: 1,
		CallbackBank: []models.CallbackEntry{
			{SourceChapter: 1, Moment: "borrowed compass", Status: models.CallbackRipe},
		},
		CreatedAt: time.Now(),
	}
	if err := store.SaveLedgerEntry(prev); err != nil {
		t.Fatalf("写入前章台账失败: %v", err)
	}

	provider := &stubProvider{handler: func(req llm.CompletionRequest, call int) (*llm.CompletionResponse, error) {
		return textResponse(`{
			"characters": {"Mira": {"emotional_state": "hopeful", "chapter_experience": "found the map"}},
			"callbacks": [{"moment": "singed map corner", "detail": "burned in the fire scene", "status": "ripe"}]
		}`), nil
	}}
	llmService := NewLLMServiceWithProvider(provider, "stub-model", "stub-model")
	svc := NewLedgerService(llmService, store, config.DefaultGenerationConfig())

	work := &models.Work{
		ID:         "work-1",
		Characters: []models.WorkCharacter{{Name: "Mira", Role: "protagonist"}},
	}
	chapter := &models.Chapter{WorkID: "work-1", Number: 2, Content: "chapter text"}

	entry, err := svc.Extract(context.Background(), work, chapter)
	if err != nil {
		t.Fatalf("Extract失败: %v", err)
	}

	if len(entry.CallbackBank) != 2 {
		t.Fatalf("伏笔库应包含继承+新增共2条，实际%d", len(entry.CallbackBank))
	}
	if entry.Characters["Mira"].EmotionalState != "hopeful" {
		t.Errorf("角色状态未正确解析: %+v", entry.Characters["Mira"])
	}

	// 条目应已持久化
	saved, err := store.GetLedgerEntry("work-1", 2)
	if err != nil {
		t.Fatalf("读取持久化台账失败: %v", err)
	}
	if saved.SizeTokens == 0 {
		t.Error("持久化条目应记录近似token大小")
	}
}

// TestExtractBridgesLedgerGap 上一章提取失败留下空洞时，
// 伏笔库从最近的既有条目继承而不是从空库重新开始
func TestExtractBridgesLedgerGap(t *testing.T) {
	store := newTestStore(t)

	// 第2章有台账，第3章提取失败没有条目
	prev := &models.LedgerEntry{
		WorkID:  "work-1",
		Chapter: 2,
		CallbackBank: []models.CallbackEntry{
			{SourceChapter: 2, Moment: "running joke", Status: models.CallbackRipe},
		},
		CreatedAt: time.Now(),
	}
	if err := store.SaveLedgerEntry(prev); err != nil {
		t.Fatalf("写入前章台账失败: %v", err)
	}

	provider := &stubProvider{handler: func(req llm.CompletionRequest, call int) (*llm.CompletionResponse, error) {
		if !strings.Contains(req.Prompt, "running joke") {
			t.Error("提取提示词应包含既有伏笔库中的时刻")
		}
		return textResponse(`{
			"characters": {},
			"callbacks": [{"moment": "new coin", "status": "ripe"}]
		}`), nil
	}}
	llmService := NewLLMServiceWithProvider(provider, "stub-model", "stub-model")
	svc := NewLedgerService(llmService, store, config.DefaultGenerationConfig())

	work := &models.Work{ID: "work-1"}
	chapter := &models.Chapter{WorkID: "work-1", Number: 4, Content: "chapter text"}

	entry, err := svc.Extract(context.Background(), work, chapter)
	if err != nil {
		t.Fatalf("Extract失败: %v", err)
	}

	byKey := make(map[string]bool)
	for _, cb := range entry.CallbackBank {
		byKey[cb.Key()] = true
	}
	if !byKey["2|running joke"] {
		t.Errorf("跨越空洞后累积的伏笔不应丢失: %+v", entry.CallbackBank)
	}
	if !byKey["4|new coin"] {
		t.Errorf("本章新伏笔应进入伏笔库: %+v", entry.CallbackBank)
	}
}

// TestExtractHonorsSourceChapter 回收旧伏笔时按原始来源章节覆盖，不产生重复条目
func TestExtractHonorsSourceChapter(t *testing.T) {
	store := newTestStore(t)

	prev := &models.LedgerEntry{
		WorkID:  "work-1",
		Chapter: 4,
		CallbackBank: []models.CallbackEntry{
			{SourceChapter: 2, Moment: "running joke", Status: models.CallbackRipe},
		},
		CreatedAt: time.Now(),
	}
	if err := store.SaveLedgerEntry(prev); err != nil {
		t.Fatalf("写入前章台账失败: %v", err)
	}

	provider := &stubProvider{handler: func(req llm.CompletionRequest, call int) (*llm.CompletionResponse, error) {
		return textResponse(`{
			"characters": {},
			"callbacks": [{"source_chapter": 2, "moment": "running joke", "status": "used"}]
		}`), nil
	}}
	llmService := NewLLMServiceWithProvider(provider, "stub-model", "stub-model")
	svc := NewLedgerService(llmService, store, config.DefaultGenerationConfig())

	work := &models.Work{ID: "work-1"}
	chapter := &models.Chapter{WorkID: "work-1", Number: 5, Content: "the joke lands at last"}

	entry, err := svc.Extract(context.Background(), work, chapter)
	if err != nil {
		t.Fatalf("Extract失败: %v", err)
	}

	if len(entry.CallbackBank) != 1 {
		t.Fatalf("同一伏笔不应分裂为两条，实际%d: %+v", len(entry.CallbackBank), entry.CallbackBank)
	}
	cb := entry.CallbackBank[0]
	if cb.SourceChapter != 2 || cb.Status != models.CallbackUsed {
		t.Errorf("条目应保留原始来源章节并更新为used: %+v", cb)
	}
}
