package detector

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DedupeWindow はイベント重複排除の時間幅。
// 同じデデュープキーのイベントはこの時間内に1回しか記録されない。
const DedupeWindow = 5 * time.Minute

// SnapshotHash はスナップショットの指紋を計算する。
// インデックス一覧は正規化済み（ソート済み）であることを前提とする。
func SnapshotHash(term, campus string, indexes []string) string {
	sum := sha1.Sum([]byte(term + "|" + campus + "|" + strings.Join(indexes, ",")))
	return hex.EncodeToString(sum[:])
}

// DedupeKey はイベントのデデュープキーを計算する。
// 時刻はDedupeWindow幅のバケットに丸められるため、
// 同一バケット内の同一遷移は同じキーになる。
func DedupeKey(term, campus, index, status string, at time.Time) string {
	bucket := at.UnixMilli() / DedupeWindow.Milliseconds()
	sum := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%s|%s|%d", term, campus, index, status, bucket)))
	return hex.EncodeToString(sum[:])
}
