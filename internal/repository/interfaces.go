// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/seatwatch/internal/model"
)

// SectionRepository はセクションデータの永続化インターフェース。
type SectionRepository interface {
	// ListByTarget は指定ターゲットの追跡対象セクション一覧を返す。
	ListByTarget(ctx context.Context, term, campus string) ([]model.Section, error)

	// CountByTarget は指定ターゲットのセクション数を返す。
	// ポーリングループの開始可否判定に使用する。
	CountByTarget(ctx context.Context, term, campus string) (int, error)
}

// SubscriptionRepository は購読データの永続化インターフェース。
type SubscriptionRepository interface {
	// DistinctActiveTargets は通知可能な購読が存在する(学期, キャンパス)の
	// 組を重複なく返す。自動ターゲット発見に使用する。
	DistinctActiveTargets(ctx context.Context) ([]model.Target, error)

	// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Subscription, error)
}

// ClaimOutcome はディスパッチ結果の永続化入力。
type ClaimOutcome struct {
	NotificationID int64
	SubscriptionID int64
	FanoutStatus   model.FanoutStatus
	Attempts       int
	Error          string
	// LockedAt が非nilの場合、リトライ再配信時刻を制御するために
	// ロック時刻を過去に巻き戻した値を設定する。nilはロック解除。
	LockedAt *time.Time
	// UpdateLastNotified は配信成功時に購読の最終通知時刻と
	// 既知セクション状態を更新するかどうか。
	UpdateLastNotified bool
	// EventType が空でない場合、subscription_eventsに監査レコードを残す。
	EventType             string
	EventPayload          string
	SectionStatusSnapshot string
}

// NotificationRepository はファンアウトキューの永続化インターフェース。
type NotificationRepository interface {
	// Claim は配信待ちのキュー行をリース方式でクレームする。
	// 期限切れロックの行も対象になる。クレームできた行のIDを昇順で返す。
	Claim(ctx context.Context, contactTypes []string, limit int, lockTTL time.Duration, workerID string, now time.Time) ([]int64, error)

	// LoadJobs はクレーム済みIDに対応する配信ジョブを読み出す。
	LoadJobs(ctx context.Context, ids []int64) ([]model.NotificationJob, error)

	// PersistOutcome は配信結果をキュー行・購読・監査ログへ
	// 単一トランザクションで反映する。
	PersistOutcome(ctx context.Context, outcome ClaimOutcome, now time.Time) error

	// ClaimLocal はローカルプル型チャネルの配信待ち通知を即時sentとして
	// クレームする。deviceHashは購読のcontact_hashと照合される。
	ClaimLocal(ctx context.Context, deviceHash string, limit int, now time.Time) ([]model.NotificationJob, error)
}
