package mail

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/hitoshi/seatwatch/internal/model"
	"github.com/hitoshi/seatwatch/internal/notify"
)

// Adapter は配信ジョブをメール送信要求に変換するチャネルアダプタ。
type Adapter struct {
	cfg           *Config
	sender        *SendGridSender
	appBaseURL    string
	defaultLocale string
}

// NewAdapter はメールチャネルアダプタを生成する。
func NewAdapter(cfg *Config, sender *SendGridSender, appBaseURL, defaultLocale string) *Adapter {
	return &Adapter{
		cfg:           cfg,
		sender:        sender,
		appBaseURL:    strings.TrimRight(appBaseURL, "/"),
		defaultLocale: defaultLocale,
	}
}

// Channel はチャネル名を返す。
func (a *Adapter) Channel() string {
	return "mail"
}

// ContactTypes はこのアダプタが配信する連絡先種別を返す。
func (a *Adapter) ContactTypes() []string {
	return []string{model.ContactTypeEmail}
}

// RateLimitKey はレート制限のバケットキーを返す。
func (a *Adapter) RateLimitKey(job model.NotificationJob) string {
	return "mail-open-seat"
}

// Validate はジョブが配信可能かを確認する。
// 配信対象外の場合は理由コード付きのエラーを返す。
func (a *Adapter) Validate(job model.NotificationJob) *notify.SendError {
	if job.Subscription.ContactType != model.ContactTypeEmail {
		return &notify.SendError{Code: notify.ErrCodeIneligible, Message: "連絡先種別がemailではありません"}
	}
	if job.Subscription.ContactValue == "" {
		return &notify.SendError{Code: notify.ErrCodeInvalidRecipient, Message: "宛先が未設定です"}
	}
	if !model.IsNotifiable(job.Subscription.Status) {
		return &notify.SendError{Code: notify.ErrCodeIneligible, Message: fmt.Sprintf("購読状態=%s", job.Subscription.Status)}
	}
	if job.Event.StatusAfter != "" && job.Event.StatusAfter != model.SectionOpen {
		return &notify.SendError{Code: notify.ErrCodeIneligible, Message: fmt.Sprintf("イベント状態=%s", job.Event.StatusAfter)}
	}
	return nil
}

// Attempt は1回の送信試行を実行する。
func (a *Adapter) Attempt(ctx context.Context, job model.NotificationJob, attempt int) notify.SendResult {
	return a.sender.Send(ctx, a.buildMessage(job))
}

// buildMessage はジョブからメール送信要求を組み立てる。
// セクション情報はイベントペイロードから復元する。
func (a *Adapter) buildMessage(job model.NotificationJob) Message {
	locale := ChooseLocale(job.Subscription.Locale, a.cfg.SupportedLocales, a.defaultLocale)

	courseTitle := job.Event.Payload.CourseTitle
	if courseTitle == "" {
		courseTitle = "Course update"
	}
	indexNumber := job.Event.IndexNumber
	if indexNumber == "" {
		indexNumber = job.Subscription.IndexNumber
	}
	sectionNumber := job.Event.Payload.SectionNumber
	if sectionNumber == "" {
		sectionNumber = indexNumber
	}

	manageURL := fmt.Sprintf("%s/subscriptions/%d", a.appBaseURL, job.Subscription.ID)
	unsubscribeURL := ""
	if job.Subscription.UnsubscribeToken != "" {
		unsubscribeURL = fmt.Sprintf("%s/unsubscribe?token=%s", a.appBaseURL, url.QueryEscape(job.Subscription.UnsubscribeToken))
	}

	return Message{
		To:         EmailAddress{Email: job.Subscription.ContactValue},
		Locale:     locale,
		TemplateID: "open-seat",
		Variables: map[string]string{
			"courseTitle":     courseTitle,
			"subject":         job.Event.Payload.Subject,
			"indexNumber":     indexNumber,
			"sectionNumber":   sectionNumber,
			"campus":          job.Event.CampusCode,
			"term":            job.Event.TermID,
			"eventDetectedAt": job.Event.Payload.DetectedAt,
			"subscriptionId":  fmt.Sprintf("%d", job.Subscription.ID),
			"manageUrl":       manageURL,
			"unsubscribeUrl":  unsubscribeURL,
		},
		ManageURL:      manageURL,
		UnsubscribeURL: unsubscribeURL,
		DedupeKey:      job.DedupeKey,
		TraceID:        job.Event.TraceID,
	}
}
