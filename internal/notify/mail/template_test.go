package mail

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hitoshi/seatwatch/internal/notify"
)

func templateConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()

	htmlBody := "<p>{{courseTitle}} (index {{indexNumber}}) is open.</p>"
	textBody := "{{courseTitle}} (index {{indexNumber}}) is open. Manage: {{manageUrl}}"
	if err := os.WriteFile(filepath.Join(root, "open-seat.en.html"), []byte(htmlBody), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "open-seat.en.txt"), []byte(textBody), 0o644); err != nil {
		t.Fatal(err)
	}

	return &Config{
		Provider:         "sendgrid",
		DefaultFrom:      EmailAddress{Email: "noreply@example.com"},
		SupportedLocales: []string{"en", "ja"},
		TemplateRoot:     root,
		Templates: map[string]Template{
			"open-seat": {
				Subject:           map[string]string{"en": "Seat open: {{courseTitle}}"},
				HTML:              map[string]string{"en": "open-seat.en.html"},
				Text:              map[string]string{"en": "open-seat.en.txt"},
				RequiredVariables: []string{"courseTitle", "indexNumber"},
			},
		},
	}
}

func openSeatMessage() Message {
	return Message{
		To:         EmailAddress{Email: "student@example.com"},
		Locale:     "en",
		TemplateID: "open-seat",
		Variables: map[string]string{
			"courseTitle": "Intro to Databases",
			"indexNumber": "10101",
		},
		ManageURL: "https://seatwatch.example.com/subscriptions/1",
	}
}

func templateCode(t *testing.T, err error) notify.SendErrorCode {
	t.Helper()
	var tplErr *TemplateError
	if !errors.As(err, &tplErr) {
		t.Fatalf("TemplateErrorではないエラー: %v", err)
	}
	return tplErr.Code
}

func TestRender(t *testing.T) {
	cfg := templateConfig(t)
	rendered, err := Render(cfg, openSeatMessage())
	if err != nil {
		t.Fatalf("Render() がエラーを返した: %v", err)
	}

	if rendered.Subject != "Seat open: Intro to Databases" {
		t.Errorf("Subject = %q", rendered.Subject)
	}
	if !strings.Contains(rendered.HTMLBody, "Intro to Databases (index 10101)") {
		t.Errorf("HTML本文に変数が展開されていない: %q", rendered.HTMLBody)
	}
	if !strings.Contains(rendered.TextBody, "Manage: https://seatwatch.example.com/subscriptions/1") {
		t.Errorf("テキスト本文に共通変数が補完されていない: %q", rendered.TextBody)
	}
}

func TestRender_EscapesHTML(t *testing.T) {
	cfg := templateConfig(t)
	msg := openSeatMessage()
	msg.Variables["courseTitle"] = `<script>alert("x")</script>`

	rendered, err := Render(cfg, msg)
	if err != nil {
		t.Fatalf("Render() がエラーを返した: %v", err)
	}
	if strings.Contains(rendered.HTMLBody, "<script>") {
		t.Errorf("HTML本文がエスケープされていない: %q", rendered.HTMLBody)
	}
	if !strings.Contains(rendered.HTMLBody, "&lt;script&gt;") {
		t.Errorf("エスケープ結果が想定外: %q", rendered.HTMLBody)
	}
	// テキスト本文はエスケープしない
	if !strings.Contains(rendered.TextBody, "<script>") {
		t.Errorf("テキスト本文がエスケープされた: %q", rendered.TextBody)
	}
}

func TestRender_UnsupportedLocale(t *testing.T) {
	cfg := templateConfig(t)
	msg := openSeatMessage()
	msg.Locale = "fr"

	_, err := Render(cfg, msg)
	if code := templateCode(t, err); code != notify.ErrCodeValidation {
		t.Errorf("エラーコード = %s, want validation_error", code)
	}
}

func TestRender_UnknownTemplate(t *testing.T) {
	cfg := templateConfig(t)
	msg := openSeatMessage()
	msg.TemplateID = "welcome"

	_, err := Render(cfg, msg)
	if code := templateCode(t, err); code != notify.ErrCodeTemplateMissingLocale {
		t.Errorf("エラーコード = %s, want template_missing_locale", code)
	}
}

func TestRender_MissingRequiredVariables(t *testing.T) {
	cfg := templateConfig(t)
	msg := openSeatMessage()
	delete(msg.Variables, "indexNumber")

	_, err := Render(cfg, msg)
	if code := templateCode(t, err); code != notify.ErrCodeTemplateVariableMissing {
		t.Errorf("エラーコード = %s, want template_variable_missing", code)
	}
	if !strings.Contains(err.Error(), "indexNumber") {
		t.Errorf("欠落変数名がエラーに含まれない: %v", err)
	}
}

func TestRender_MissingBodyForLocale(t *testing.T) {
	cfg := templateConfig(t)
	msg := openSeatMessage()
	msg.Locale = "ja"

	_, err := Render(cfg, msg)
	if code := templateCode(t, err); code != notify.ErrCodeTemplateMissingLocale {
		t.Errorf("エラーコード = %s, want template_missing_locale", code)
	}
}

func TestRender_UnreadableTemplateFile(t *testing.T) {
	cfg := templateConfig(t)
	tpl := cfg.Templates["open-seat"]
	tpl.HTML = map[string]string{"en": "missing.html"}
	cfg.Templates["open-seat"] = tpl

	_, err := Render(cfg, openSeatMessage())
	if code := templateCode(t, err); code != notify.ErrCodeTemplateMissingLocale {
		t.Errorf("エラーコード = %s, want template_missing_locale", code)
	}
}

func TestRenderString_UnknownVariableBecomesEmpty(t *testing.T) {
	out := renderString("Hello {{name}}, {{ missing }}!", map[string]string{"name": "Ann"}, false)
	if out != "Hello Ann, !" {
		t.Errorf("renderString() = %q", out)
	}
}

func TestChooseLocale(t *testing.T) {
	supported := []string{"en", "ja"}
	tests := []struct {
		preferred string
		fallback  string
		want      string
	}{
		{"ja", "en", "ja"},
		{"fr", "en", "en"},
		{"", "ja", "ja"},
		{"fr", "de", "en"},
	}
	for _, tt := range tests {
		if got := ChooseLocale(tt.preferred, supported, tt.fallback); got != tt.want {
			t.Errorf("ChooseLocale(%q, %v, %q) = %q, want %q", tt.preferred, supported, tt.fallback, got, tt.want)
		}
	}
}
