package model

import "time"

// FanoutStatus は通知キュー行の状態機械。
// pending → sent / skipped / failed が基本遷移で、
// リトライ可能な失敗はpendingに戻る。sentとskippedは終端状態。
type FanoutStatus string

const (
	// FanoutPending は配信待ちの状態。
	FanoutPending FanoutStatus = "pending"
	// FanoutSent は配信成功の終端状態。
	FanoutSent FanoutStatus = "sent"
	// FanoutSkipped は構造的に配信不能（無効な宛先等）の終端状態。
	FanoutSkipped FanoutStatus = "skipped"
	// FanoutFailed はリトライ上限到達または恒久エラーの終端状態。
	FanoutFailed FanoutStatus = "failed"
)

// Notification は1つのOpenEventと1つのSubscriptionを結ぶファンアウトキュー行。
// リース方式のロック（locked_by / locked_at + TTL）で多重配信を防ぐ。
type Notification struct {
	ID             int64
	OpenEventID    int64
	SubscriptionID int64
	DedupeKey      string
	FanoutStatus   FanoutStatus
	FanoutAttempts int
	LockedBy       string
	LockedAt       *time.Time
	LastAttemptAt  *time.Time
	Error          string
	CreatedAt      time.Time
}

// SubscriptionEvent は購読に対する監査ログ行（追記専用）。
type SubscriptionEvent struct {
	ID                    int64
	SubscriptionID        int64
	EventType             string
	SectionStatusSnapshot string
	Payload               string
	CreatedAt             time.Time
}

// 購読監査イベントの種別。
const (
	SubscriptionEventNotifySent   = "notify_sent"
	SubscriptionEventNotifyFailed = "notify_failed"
)

// Target はポーリング対象の(学期, キャンパス)の組。
type Target struct {
	TermID     string
	CampusCode string
}

// Key はチェックポイント等で使用するターゲットの識別子を返す。
func (t Target) Key() string {
	return t.TermID + "|" + t.CampusCode
}

// NotificationJob はディスパッチャがクレームした1件分の配信ジョブ。
// キュー行とイベントと購読の結合結果を保持する。
type NotificationJob struct {
	NotificationID int64
	OpenEventID    int64
	DedupeKey      string
	FanoutAttempts int
	Event          OpenEvent
	Subscription   Subscription
}
