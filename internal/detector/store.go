package detector

import (
	"context"
	"time"

	"github.com/hitoshi/seatwatch/internal/model"
)

// Tx は1回のスナップショット適用で行う書き込みの集合。
// 全操作は単一のデータベーストランザクション内で実行され、
// 途中で失敗した場合は全体がロールバックされる。
type Tx interface {
	// ReplaceSnapshot はターゲットのスナップショット履歴を記録する。
	ReplaceSnapshot(term, campus string, indexes []string, hash string, takenAt time.Time) error

	// UpdateSectionStatus はセクションの現在状態を更新する。
	UpdateSectionStatus(sectionID int64, isOpen bool, status string, at time.Time) error

	// InsertStatusEvent はセクション状態遷移の監査レコードを追加する。
	InsertStatusEvent(sectionID int64, statusBefore, statusAfter, source string, at time.Time) error

	// RecentEventExists は指定デデュープキーのイベントがsince以降に
	// 存在するかを返す。
	RecentEventExists(dedupeKey string, since time.Time) (bool, error)

	// InsertOpenEvent はイベントを記録してIDを返す。
	InsertOpenEvent(ev *model.OpenEvent) (int64, error)

	// SubscriptionsPage は対象セクションの購読をID昇順でページ取得する。
	SubscriptionsPage(term, campus, index string, statuses []model.SubscriptionStatus, limit, offset int) ([]model.Subscription, error)

	// InsertNotification はファンアウトキューに行を追加する。
	// (イベント, 購読)の組が既に存在する場合は追加せずfalseを返す。
	InsertNotification(openEventID, subscriptionID int64, dedupeKey string, at time.Time) (bool, error)

	// SetLastKnownStatus は購読の既知セクション状態を更新する。
	SetLastKnownStatus(subscriptionID int64, status string, at time.Time) error

	// ResetSubscriptionsForIndex は対象セクションの通知可能な購読すべての
	// 既知セクション状態を更新する。閉鎖検出時に使用する。
	ResetSubscriptionsForIndex(term, campus, index, status string, at time.Time) error
}

// Store はスナップショット適用に必要な永続化層のインターフェース。
type Store interface {
	// SectionsForTarget はターゲットの追跡対象セクション一覧を返す。
	SectionsForTarget(ctx context.Context, term, campus string) ([]model.Section, error)

	// WithTx はトランザクション内でfnを実行する。
	// fnがエラーを返した場合はロールバックする。
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
