// Package checkpoint はポーラーのターゲット別チェックポイントを
// JSONファイルとして永続化する。プロセス再起動後もミスカウンタと
// スナップショット指紋が失われないことを保証する。
package checkpoint

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// MissingDataHash はセクションデータが存在しないターゲットを示す番兵値。
// 上流データ欠損と正当な空集合を区別するために使用する。
const MissingDataHash = "missing-data"

// Entry は1ターゲット分のチェックポイント。
type Entry struct {
	Term             string            `json:"term"`
	Campus           string            `json:"campus"`
	LastPollAt       string            `json:"lastPollAt"`
	LastSnapshotHash string            `json:"lastSnapshotHash"`
	OpenIndexes      int               `json:"openIndexes"`
	Misses           map[string]int    `json:"misses"`
	Reminders        map[string]string `json:"reminders,omitempty"`
}

// State はチェックポイントファイル全体の構造。
// キーは "term|campus" 形式。
type State struct {
	Version   int              `json:"version"`
	UpdatedAt string           `json:"updatedAt"`
	Campuses  map[string]Entry `json:"campuses"`
}

// Key はターゲットのチェックポイントキーを返す。
func Key(term, campus string) string {
	return term + "|" + campus
}

// Store はチェックポイントファイルの読み書きを担当する。
// 複数のポーリングループから共有されるためロックで直列化する。
type Store struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

// Load はチェックポイントファイルを読み込んでStoreを生成する。
// ファイルが存在しない、または壊れている場合は警告を出して
// 空の状態から開始する。読み込み失敗は起動エラーにしない。
func Load(path string, logger *slog.Logger) *Store {
	s := &Store{
		path:   path,
		logger: logger,
		state: State{
			Version:  1,
			Campuses: make(map[string]Entry),
		},
	}
	if path == "" {
		return s
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("チェックポイントファイルの読み込みに失敗、空の状態から開始します",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
		return s
	}

	var parsed State
	if err := json.Unmarshal(raw, &parsed); err != nil {
		logger.Warn("チェックポイントファイルの解析に失敗、空の状態から開始します",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return s
	}
	if parsed.Version != 1 || parsed.Campuses == nil {
		logger.Warn("チェックポイントファイルの形式が不正、空の状態から開始します",
			slog.String("path", path),
			slog.Int("version", parsed.Version),
		)
		return s
	}

	s.state = parsed
	return s
}

// Entry は指定ターゲットのチェックポイントを返す。
func (s *Store) Entry(term, campus string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.state.Campuses[Key(term, campus)]
	return entry, ok
}

// HydrateMissCounters は指定ターゲットの永続化済みミスカウンタを返す。
// 正の値のみを復元する。該当エントリがない、または学期が一致しない
// 場合は空のマップを返す。
func (s *Store) HydrateMissCounters(term, campus string) map[string]int {
	misses := make(map[string]int)
	entry, ok := s.Entry(term, campus)
	if !ok || entry.Term != term {
		return misses
	}
	for index, count := range entry.Misses {
		if count > 0 {
			misses[index] = count
		}
	}
	return misses
}

// Reminders は指定ターゲットのリマインダー時刻マップを返す。
// 解釈できないタイムスタンプは捨てる。
func (s *Store) Reminders(term, campus string) map[string]time.Time {
	reminders := make(map[string]time.Time)
	entry, ok := s.Entry(term, campus)
	if !ok || entry.Term != term {
		return reminders
	}
	for index, raw := range entry.Reminders {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue
		}
		reminders[index] = at
	}
	return reminders
}

// Persist はターゲットのチェックポイントを更新してファイルに書き出す。
// 一時ファイルへ書いてからリネームすることで中途半端な状態を残さない。
func (s *Store) Persist(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Campuses[Key(entry.Term, entry.Campus)] = entry
	s.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339Nano)

	if s.path == "" {
		return nil
	}

	raw, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("チェックポイントのシリアライズに失敗: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("チェックポイントディレクトリの作成に失敗: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("チェックポイントの書き込みに失敗: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("一時ファイルのクローズに失敗: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("チェックポイントの置き換えに失敗: %w", err)
	}
	return nil
}
