package model

import (
	"encoding/json"
	"time"
)

// SubscriptionStatus は購読のライフサイクル状態。
type SubscriptionStatus string

const (
	// SubscriptionPending は確認待ちだが通知対象の状態。
	SubscriptionPending SubscriptionStatus = "pending"
	// SubscriptionActive は通知対象の状態。
	SubscriptionActive SubscriptionStatus = "active"
	// SubscriptionPaused はユーザーが一時停止した状態。
	SubscriptionPaused SubscriptionStatus = "paused"
	// SubscriptionSuppressed は配信エラー等によりシステムが停止した状態。
	SubscriptionSuppressed SubscriptionStatus = "suppressed"
	// SubscriptionUnsubscribed はユーザーが解除した状態。履歴保持のため物理削除しない。
	SubscriptionUnsubscribed SubscriptionStatus = "unsubscribed"
)

// 連絡先チャネルの種別。
const (
	ContactTypeEmail       = "email"
	ContactTypeChatUser    = "chat_user"
	ContactTypeChatChannel = "chat_channel"
	ContactTypeLocal       = "local"
)

// NotifiableStatuses はファンアウト対象となる購読状態。
var NotifiableStatuses = []SubscriptionStatus{SubscriptionPending, SubscriptionActive}

// IsNotifiable は購読状態がファンアウト対象かを返す。
func IsNotifiable(status SubscriptionStatus) bool {
	return status == SubscriptionPending || status == SubscriptionActive
}

// Subscription はユーザーの(term, campus, index)への通知購読を表す。
type Subscription struct {
	ID                     int64
	TermID                 string
	CampusCode             string
	IndexNumber            string
	ContactType            string
	ContactValue           string
	ContactHash            string
	Locale                 string
	Status                 SubscriptionStatus
	Metadata               string
	LastKnownSectionStatus string
	LastNotifiedAt         *time.Time
	UnsubscribeToken       string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// DeliveryWindow は通知を許可する時間帯（深夜0時からの分数）。
type DeliveryWindow struct {
	StartMinutes int `json:"startMinutes"`
	EndMinutes   int `json:"endMinutes"`
}

// Preferences は購読メタデータに埋め込まれる通知設定。
type Preferences struct {
	NotifyOn         []string       `json:"notifyOn"`
	MaxNotifications int            `json:"maxNotifications"`
	DeliveryWindow   DeliveryWindow `json:"deliveryWindow"`
	SnoozeUntil      string         `json:"snoozeUntil"`
	ChannelMetadata  map[string]any `json:"channelMetadata"`
}

// DefaultPreferences は設定未指定時の既定値を返す。
func DefaultPreferences() Preferences {
	return Preferences{
		NotifyOn:         []string{"open"},
		MaxNotifications: 3,
		DeliveryWindow:   DeliveryWindow{StartMinutes: 0, EndMinutes: 1440},
	}
}

// subscriptionMetadata は購読メタデータJSONの外形。
type subscriptionMetadata struct {
	Preferences *Preferences `json:"preferences"`
}

// ParsePreferences は購読メタデータから通知設定を取り出す。
// メタデータが空・不正・未設定の場合は既定値を返す（ベストエフォート）。
func ParsePreferences(metadata string) Preferences {
	defaults := DefaultPreferences()
	if metadata == "" {
		return defaults
	}
	var parsed subscriptionMetadata
	if err := json.Unmarshal([]byte(metadata), &parsed); err != nil || parsed.Preferences == nil {
		return defaults
	}
	prefs := *parsed.Preferences
	if len(prefs.NotifyOn) == 0 {
		prefs.NotifyOn = defaults.NotifyOn
	}
	if prefs.MaxNotifications == 0 {
		prefs.MaxNotifications = defaults.MaxNotifications
	}
	if prefs.DeliveryWindow.EndMinutes == 0 {
		prefs.DeliveryWindow.EndMinutes = defaults.DeliveryWindow.EndMinutes
	}
	return prefs
}

// WantsOpen は「空席発生」イベントを通知対象としているかを返す。
func (p Preferences) WantsOpen() bool {
	for _, kind := range p.NotifyOn {
		if kind == "open" {
			return true
		}
	}
	return false
}

// Snoozed は指定時刻がスヌーズ期間内かを返す。時刻のパースに失敗した場合はfalse。
func (p Preferences) Snoozed(now time.Time) bool {
	if p.SnoozeUntil == "" {
		return false
	}
	until, err := time.Parse(time.RFC3339, p.SnoozeUntil)
	if err != nil {
		return false
	}
	return until.After(now)
}

// InDeliveryWindow は指定時刻が配信許可時間帯に含まれるかを返す。
func (p Preferences) InDeliveryWindow(now time.Time) bool {
	minutes := now.Hour()*60 + now.Minute()
	return minutes >= p.DeliveryWindow.StartMinutes && minutes <= p.DeliveryWindow.EndMinutes
}
