package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/hitoshi/seatwatch/internal/model"
	"github.com/hitoshi/seatwatch/internal/notify"
)

// targetKind は配信先の種別。
type targetKind string

const (
	targetChannel targetKind = "channel"
	targetUser    targetKind = "user"
)

// target は解決済みの配信先。
type target struct {
	kind targetKind
	id   string
}

// Adapter は配信ジョブをチャットボットのメッセージ投稿に変換するチャネルアダプタ。
type Adapter struct {
	cfg    *Config
	client *BotClient
}

// NewAdapter はチャットチャネルアダプタを生成する。
func NewAdapter(cfg *Config, client *BotClient) *Adapter {
	return &Adapter{cfg: cfg, client: client}
}

// Channel はチャネル識別子を返す。
func (a *Adapter) Channel() string { return "chat" }

// ContactTypes はこのアダプタが処理する連絡先種別を返す。
func (a *Adapter) ContactTypes() []string {
	return []string{model.ContactTypeChatUser, model.ContactTypeChatChannel}
}

// RateLimitKey はレート制限のキーを返す。ボットAPIはトークン単位で制限されるため固定。
func (a *Adapter) RateLimitKey(job model.NotificationJob) string {
	return "chat-bot"
}

// Validate は配信前の適格性チェックを行う。配信不能な場合は非nilのエラーを返す。
func (a *Adapter) Validate(job model.NotificationJob) *notify.SendError {
	sub := job.Subscription
	if sub.ContactType != model.ContactTypeChatUser && sub.ContactType != model.ContactTypeChatChannel {
		return &notify.SendError{Code: notify.ErrCodeUnsupportedContact, Message: fmt.Sprintf("連絡先種別=%s はチャットチャネルでは処理できません", sub.ContactType)}
	}
	if !model.IsNotifiable(sub.Status) {
		return &notify.SendError{Code: notify.ErrCodeIneligible, Message: fmt.Sprintf("購読状態=%s", sub.Status)}
	}
	if job.Event.StatusAfter != "" && job.Event.StatusAfter != model.SectionOpen {
		return &notify.SendError{Code: notify.ErrCodeIneligible, Message: fmt.Sprintf("イベント状態=%s", job.Event.StatusAfter)}
	}

	tgt, sendErr := a.resolveTarget(sub)
	if sendErr != nil {
		return sendErr
	}
	if tgt.kind == targetChannel && !a.channelAllowed(tgt.id) {
		return &notify.SendError{Code: notify.ErrCodeChannelBlocked, Message: fmt.Sprintf("チャネル %s は許可リストに含まれていません", tgt.id)}
	}
	return nil
}

// Attempt は1回分の送信を実行する。
func (a *Adapter) Attempt(ctx context.Context, job model.NotificationJob, attempt int) notify.SendResult {
	tgt, sendErr := a.resolveTarget(job.Subscription)
	if sendErr != nil {
		return notify.SendResult{
			Status:   notify.StatusFailed,
			Provider: "chat-bot",
			Attempt:  attempt,
			Error:    sendErr,
		}
	}

	content := a.buildContent(job)
	var res notify.SendResult
	if tgt.kind == targetUser {
		res = a.client.SendToUser(ctx, tgt.id, content, job.Event.TraceID)
	} else {
		res = a.client.SendToChannel(ctx, tgt.id, content, job.Event.TraceID)
	}
	res.Attempt = attempt
	return res
}

// resolveTarget は購読メタデータと連絡先から配信先を解決する。
// メタデータの channelMetadata.chat.{channelId,userId} を優先し、無ければ連絡先値を使う。
func (a *Adapter) resolveTarget(sub model.Subscription) (target, *notify.SendError) {
	prefs := model.ParsePreferences(sub.Metadata)

	var channelID, userID string
	if chatMeta, ok := prefs.ChannelMetadata["chat"].(map[string]any); ok {
		channelID, _ = chatMeta["channelId"].(string)
		userID, _ = chatMeta["userId"].(string)
	}

	switch sub.ContactType {
	case model.ContactTypeChatChannel:
		id := strings.TrimSpace(channelID)
		if id == "" {
			id = strings.TrimSpace(sub.ContactValue)
		}
		if id == "" {
			return target{}, &notify.SendError{Code: notify.ErrCodeInvalidTarget, Message: "投稿先チャネルIDが未設定です"}
		}
		return target{kind: targetChannel, id: id}, nil
	case model.ContactTypeChatUser:
		id := strings.TrimSpace(userID)
		if id == "" {
			id = strings.TrimSpace(sub.ContactValue)
		}
		if id == "" {
			return target{}, &notify.SendError{Code: notify.ErrCodeInvalidTarget, Message: "DM先ユーザーIDが未設定です"}
		}
		return target{kind: targetUser, id: id}, nil
	default:
		return target{}, &notify.SendError{Code: notify.ErrCodeUnsupportedContact, Message: fmt.Sprintf("連絡先種別=%s", sub.ContactType)}
	}
}

func (a *Adapter) channelAllowed(channelID string) bool {
	if len(a.cfg.AllowedChannelIDs) == 0 {
		return true
	}
	for _, allowed := range a.cfg.AllowedChannelIDs {
		if allowed == channelID {
			return true
		}
	}
	return false
}

// buildContent は通知メッセージ本文を組み立てる。空行は除外して改行で連結する。
func (a *Adapter) buildContent(job model.NotificationJob) string {
	payload := job.Event.Payload

	course := payload.CourseTitle
	if course == "" {
		course = "Course update"
	}
	index := payload.Index
	if index == "" {
		index = job.Event.IndexNumber
	}

	prefix := a.cfg.MessageTemplate.Prefix
	if prefix == "" {
		prefix = "空席が見つかりました"
	}

	statusLine := fmt.Sprintf("%s (index %s) が %s / %s で登録可能になりました", course, index, payload.Campus, payload.Term)
	if payload.SectionNumber != "" {
		statusLine = fmt.Sprintf("%s (section %s, index %s) が %s / %s で登録可能になりました", course, payload.SectionNumber, index, payload.Campus, payload.Term)
	}

	var detectedLine string
	if payload.DetectedAt != "" {
		detectedLine = "検出時刻: " + payload.DetectedAt
	}

	lines := []string{
		prefix,
		statusLine,
		detectedLine,
		a.cfg.MessageTemplate.StatusLine,
		a.cfg.MessageTemplate.Footer,
	}

	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			filtered = append(filtered, line)
		}
	}
	return strings.Join(filtered, "\n")
}
