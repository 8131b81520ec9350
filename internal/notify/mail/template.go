package mail

import (
	"fmt"
	"html"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/hitoshi/seatwatch/internal/notify"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// TemplateError はテンプレート解決の失敗。
// コードはそのまま送信結果のエラーコードになる。
type TemplateError struct {
	Code    notify.SendErrorCode
	Message string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Message はメールチャネルの送信要求。
type Message struct {
	To             EmailAddress
	Locale         string
	TemplateID     string
	Variables      map[string]string
	ManageURL      string
	UnsubscribeURL string
	DedupeKey      string
	TraceID        string
}

// Rendered はテンプレート解決後のメール本文。
type Rendered struct {
	Subject  string
	HTMLBody string
	TextBody string
}

// Render はメッセージのテンプレートを解決して本文を生成する。
// ロケール未対応・テンプレート未定義・必須変数欠落はTemplateErrorとして返す。
func Render(cfg *Config, msg Message) (Rendered, error) {
	if !containsLocale(cfg.SupportedLocales, msg.Locale) {
		return Rendered{}, &TemplateError{
			Code:    notify.ErrCodeValidation,
			Message: fmt.Sprintf("ロケール %s は未対応です", msg.Locale),
		}
	}

	tpl, ok := cfg.Templates[msg.TemplateID]
	if !ok {
		return Rendered{}, &TemplateError{
			Code:    notify.ErrCodeTemplateMissingLocale,
			Message: fmt.Sprintf("テンプレート %s が設定されていません", msg.TemplateID),
		}
	}

	variables := buildVariables(msg)
	var missing []string
	for _, key := range tpl.RequiredVariables {
		if _, ok := variables[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return Rendered{}, &TemplateError{
			Code:    notify.ErrCodeTemplateVariableMissing,
			Message: fmt.Sprintf("必須テンプレート変数が未設定: %s", strings.Join(missing, ", ")),
		}
	}

	rendered := Rendered{}
	if subject, ok := tpl.Subject[msg.Locale]; ok {
		rendered.Subject = renderString(subject, variables, false)
	}

	htmlBody, err := renderFile(cfg.TemplateRoot, tpl.HTML[msg.Locale], variables, true)
	if err != nil {
		return Rendered{}, err
	}
	rendered.HTMLBody = htmlBody

	textBody, err := renderFile(cfg.TemplateRoot, tpl.Text[msg.Locale], variables, false)
	if err != nil {
		return Rendered{}, err
	}
	rendered.TextBody = textBody

	if rendered.HTMLBody == "" && rendered.TextBody == "" {
		return Rendered{}, &TemplateError{
			Code:    notify.ErrCodeTemplateMissingLocale,
			Message: fmt.Sprintf("テンプレート %s にロケール %s の本文がありません", msg.TemplateID, msg.Locale),
		}
	}

	return rendered, nil
}

// renderString はプレースホルダを変数値で置き換える。
// 未定義の変数は空文字列になる。
func renderString(template string, variables map[string]string, escapeHTML bool) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		value := variables[key]
		if escapeHTML {
			return html.EscapeString(value)
		}
		return value
	})
}

// renderFile はテンプレートファイルを読み込んで変数を展開する。
// パスが空の場合は空文字列を返す。ファイルが見つからない場合はTemplateError。
func renderFile(root, relativePath string, variables map[string]string, escapeHTML bool) (string, error) {
	if relativePath == "" {
		return "", nil
	}
	resolved := relativePath
	if !filepath.IsAbs(relativePath) {
		resolved = filepath.Join(root, relativePath)
	}
	contents, err := os.ReadFile(resolved)
	if err != nil {
		return "", &TemplateError{
			Code:    notify.ErrCodeTemplateMissingLocale,
			Message: fmt.Sprintf("テンプレートファイルを読み込めません: %s", resolved),
		}
	}
	return renderString(string(contents), variables, escapeHTML), nil
}

// buildVariables はメッセージ変数に共通変数を補完する。
func buildVariables(msg Message) map[string]string {
	merged := make(map[string]string, len(msg.Variables)+3)
	for key, value := range msg.Variables {
		merged[key] = value
	}
	if _, ok := merged["locale"]; !ok {
		merged["locale"] = msg.Locale
	}
	if msg.UnsubscribeURL != "" {
		if _, ok := merged["unsubscribeUrl"]; !ok {
			merged["unsubscribeUrl"] = msg.UnsubscribeURL
		}
	}
	if msg.ManageURL != "" {
		if _, ok := merged["manageUrl"]; !ok {
			merged["manageUrl"] = msg.ManageURL
		}
	}
	return merged
}

func containsLocale(locales []string, locale string) bool {
	for _, l := range locales {
		if l == locale {
			return true
		}
	}
	return false
}

// ChooseLocale は購読者の希望ロケールを対応ロケールに解決する。
// 希望が未対応の場合はフォールバック、それも未対応なら先頭を返す。
func ChooseLocale(preferred string, supported []string, fallback string) string {
	if preferred != "" && containsLocale(supported, preferred) {
		return preferred
	}
	if containsLocale(supported, fallback) {
		return fallback
	}
	return supported[0]
}
