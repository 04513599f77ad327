// internal/storage/work_store.go
package storage

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	apperrors "github.com/Corphon/StoryLoomMCP/internal/errors"
	"github.com/Corphon/StoryLoomMCP/internal/models"
)

// WorkStore 以记录存储的语义封装作品相关的所有持久化操作。
// 作品进度记录支持"读取-校验-写入"的条件更新；章节、台账、
// 语声评审和反馈检查点按 §数据模型 中的键做追加/替换。
type WorkStore struct {
	fs *FileStorage

	// 每部作品一个互斥锁，保护 work.json 的读-改-写序列
	workLocks sync.Map // workID -> *sync.Mutex
}

// NewWorkStore 创建作品记录存储
func NewWorkStore(fs *FileStorage) *WorkStore {
	return &WorkStore{fs: fs}
}

func (s *WorkStore) workDir(workID string) string {
	return filepath.Join("works", workID)
}

func (s *WorkStore) lockFor(workID string) *sync.Mutex {
	value, _ := s.workLocks.LoadOrStore(workID, &sync.Mutex{})
	return value.(*sync.Mutex)
}

// ---------------------------------------------------------------
// 作品记录

// CreateWork 创建新作品，ID已存在时返回冲突错误
func (s *WorkStore) CreateWork(work *models.Work) error {
	lock := s.lockFor(work.ID)
	lock.Lock()
	defer lock.Unlock()

	if s.fs.FileExists(s.workDir(work.ID), "work.json") {
		return apperrors.NewConflictError(fmt.Sprintf("作品已存在: %s", work.ID), nil)
	}

	return s.fs.SaveJSONFile(s.workDir(work.ID), "work.json", work)
}

// GetWork 读取作品记录
func (s *WorkStore) GetWork(workID string) (*models.Work, error) {
	var work models.Work
	if err := s.fs.LoadJSONFile(s.workDir(workID), "work.json", &work); err != nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("作品不存在: %s", workID), err)
	}
	return &work, nil
}

// ListWorks 列出所有作品（按创建时间排序）
func (s *WorkStore) ListWorks() ([]*models.Work, error) {
	if !s.fs.DirExists("works") {
		return nil, nil
	}

	ids, err := s.fs.ListDirs("works")
	if err != nil {
		return nil, err
	}

	works := make([]*models.Work, 0, len(ids))
	for _, id := range ids {
		work, err := s.GetWork(id)
		if err != nil {
			continue // 跳过损坏的目录
		}
		works = append(works, work)
	}

	sort.Slice(works, func(i, j int) bool {
		return works[i].CreatedAt.Before(works[j].CreatedAt)
	})

	return works, nil
}

// UpdateProgress 以乐观并发方式更新作品进度记录。
// 在作品锁内重新读取最新记录，校验当前阶段与版本号都与期望值
// 一致后才应用mutate并写回；否则返回冲突错误，调用方应将其
// 视为"已被触发"而不是失败。
func (s *WorkStore) UpdateProgress(workID string, expectStage models.WorkStage, expectVersion int, mutate func(*models.Work)) (*models.Work, error) {
	lock := s.lockFor(workID)
	lock.Lock()
	defer lock.Unlock()

	work, err := s.GetWork(workID)
	if err != nil {
		return nil, err
	}

	if work.Progress.Stage != expectStage || work.Progress.Version != expectVersion {
		return work, apperrors.NewConflictError(
			fmt.Sprintf("进度状态已变更: 期望 %s(v%d)，实际 %s(v%d)",
				expectStage, expectVersion, work.Progress.Stage, work.Progress.Version), nil)
	}

	mutate(work)
	work.Progress.Version++
	work.Progress.UpdatedAt = time.Now()
	work.UpdatedAt = time.Now()

	if err := s.fs.SaveJSONFile(s.workDir(workID), "work.json", work); err != nil {
		return nil, apperrors.NewFatalBatchError("写入作品进度失败", err)
	}

	return work, nil
}

// AdvanceProgress 在当前阶段不变的前提下更新进度（章节计数等）。
// 与 UpdateProgress 不同之处在于它不校验版本号，用于批次内部
// 的单写者推进。
func (s *WorkStore) AdvanceProgress(workID string, mutate func(*models.Work)) (*models.Work, error) {
	lock := s.lockFor(workID)
	lock.Lock()
	defer lock.Unlock()

	work, err := s.GetWork(workID)
	if err != nil {
		return nil, err
	}

	mutate(work)
	work.Progress.Version++
	work.Progress.UpdatedAt = time.Now()
	work.UpdatedAt = time.Now()

	if err := s.fs.SaveJSONFile(s.workDir(workID), "work.json", work); err != nil {
		return nil, apperrors.NewFatalBatchError("写入作品进度失败", err)
	}

	return work, nil
}

// ---------------------------------------------------------------
// 章节记录

func chapterFilename(number int) string {
	return fmt.Sprintf("chapter_%03d.json", number)
}

// SaveChapter 保存章节（替换语义）
func (s *WorkStore) SaveChapter(chapter *models.Chapter) error {
	dir := filepath.Join(s.workDir(chapter.WorkID), "chapters")
	return s.fs.SaveJSONFile(dir, chapterFilename(chapter.Number), chapter)
}

// GetChapter 读取指定章节
func (s *WorkStore) GetChapter(workID string, number int) (*models.Chapter, error) {
	var chapter models.Chapter
	dir := filepath.Join(s.workDir(workID), "chapters")
	if err := s.fs.LoadJSONFile(dir, chapterFilename(number), &chapter); err != nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("章节不存在: %s #%d", workID, number), err)
	}
	return &chapter, nil
}

// ChapterExists 检查章节是否已持久化
func (s *WorkStore) ChapterExists(workID string, number int) bool {
	dir := filepath.Join(s.workDir(workID), "chapters")
	return s.fs.FileExists(dir, chapterFilename(number))
}

// ListChapters 按章节号升序返回全部章节
func (s *WorkStore) ListChapters(workID string) ([]*models.Chapter, error) {
	dir := filepath.Join(s.workDir(workID), "chapters")
	files, err := s.fs.ListFiles(dir, "chapter_")
	if err != nil {
		return nil, err
	}

	chapters := make([]*models.Chapter, 0, len(files))
	for _, f := range files {
		var chapter models.Chapter
		if err := s.fs.LoadJSONFile(dir, f, &chapter); err != nil {
			return nil, err
		}
		chapters = append(chapters, &chapter)
	}

	sort.Slice(chapters, func(i, j int) bool {
		return chapters[i].Number < chapters[j].Number
	})

	return chapters, nil
}

// ---------------------------------------------------------------
// 台账记录

func ledgerFilename(number int) string {
	return fmt.Sprintf("entry_%03d.json", number)
}

// SaveLedgerEntry 保存台账条目（每 (作品,章节) 唯一，替换语义）
func (s *WorkStore) SaveLedgerEntry(entry *models.LedgerEntry) error {
	dir := filepath.Join(s.workDir(entry.WorkID), "ledger")
	return s.fs.SaveJSONFile(dir, ledgerFilename(entry.Chapter), entry)
}

// GetLedgerEntry 读取指定章节的台账条目
func (s *WorkStore) GetLedgerEntry(workID string, chapter int) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	dir := filepath.Join(s.workDir(workID), "ledger")
	if err := s.fs.LoadJSONFile(dir, ledgerFilename(chapter), &entry); err != nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("台账条目不存在: %s #%d", workID, chapter), err)
	}
	return &entry, nil
}

// ListLedgerEntries 按章节号升序返回全部台账条目
func (s *WorkStore) ListLedgerEntries(workID string) ([]*models.LedgerEntry, error) {
	dir := filepath.Join(s.workDir(workID), "ledger")
	files, err := s.fs.ListFiles(dir, "entry_")
	if err != nil {
		return nil, err
	}

	entries := make([]*models.LedgerEntry, 0, len(files))
	for _, f := range files {
		var entry models.LedgerEntry
		if err := s.fs.LoadJSONFile(dir, f, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Chapter < entries[j].Chapter
	})

	return entries, nil
}

// ---------------------------------------------------------------
// 语声评审记录

func voiceFilename(number int) string {
	return fmt.Sprintf("review_%03d.json", number)
}

// SaveVoiceReview 保存语声评审（每 (作品,章节) 唯一，替换语义）
func (s *WorkStore) SaveVoiceReview(review *models.VoiceReview) error {
	dir := filepath.Join(s.workDir(review.WorkID), "voice")
	return s.fs.SaveJSONFile(dir, voiceFilename(review.Chapter), review)
}

// GetVoiceReview 读取指定章节的语声评审
func (s *WorkStore) GetVoiceReview(workID string, chapter int) (*models.VoiceReview, error) {
	var review models.VoiceReview
	dir := filepath.Join(s.workDir(workID), "voice")
	if err := s.fs.LoadJSONFile(dir, voiceFilename(chapter), &review); err != nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("语声评审不存在: %s #%d", workID, chapter), err)
	}
	return &review, nil
}

// ---------------------------------------------------------------
// 反馈检查点记录

func feedbackFilename(checkpoint int) string {
	return fmt.Sprintf("checkpoint_%d.json", checkpoint)
}

// SaveFeedback 保存检查点反馈（upsert语义：重复提交覆盖旧记录）
func (s *WorkStore) SaveFeedback(fb *models.FeedbackCheckpoint) error {
	dir := filepath.Join(s.workDir(fb.WorkID), "feedback")
	return s.fs.SaveJSONFile(dir, feedbackFilename(fb.Checkpoint), fb)
}

// GetFeedback 读取指定检查点的反馈
func (s *WorkStore) GetFeedback(workID string, checkpoint int) (*models.FeedbackCheckpoint, error) {
	var fb models.FeedbackCheckpoint
	dir := filepath.Join(s.workDir(workID), "feedback")
	if err := s.fs.LoadJSONFile(dir, feedbackFilename(checkpoint), &fb); err != nil {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("检查点反馈不存在: %s @%d", workID, checkpoint), err)
	}
	return &fb, nil
}

// ListFeedback 按检查点升序返回全部反馈
func (s *WorkStore) ListFeedback(workID string) ([]*models.FeedbackCheckpoint, error) {
	dir := filepath.Join(s.workDir(workID), "feedback")
	files, err := s.fs.ListFiles(dir, "checkpoint_")
	if err != nil {
		return nil, err
	}

	feedback := make([]*models.FeedbackCheckpoint, 0, len(files))
	for _, f := range files {
		var fb models.FeedbackCheckpoint
		if err := s.fs.LoadJSONFile(dir, f, &fb); err != nil {
			return nil, err
		}
		feedback = append(feedback, &fb)
	}

	sort.Slice(feedback, func(i, j int) bool {
		return feedback[i].Checkpoint < feedback[j].Checkpoint
	})

	return feedback, nil
}
