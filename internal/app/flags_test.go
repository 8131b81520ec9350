package app

import (
	"testing"
	"time"
)

func TestParsePollerFlags(t *testing.T) {
	flags, err := ParsePollerFlags([]string{
		"-term", "92024",
		"-campuses", "nb, nk",
		"-run-once",
		"-interval", "30s",
		"-jitter", "0.2",
		"-concurrency", "5",
		"-miss-threshold", "3",
		"-refresh", "10m",
		"-checkpoint", "/var/lib/seatwatch/checkpoint.json",
	})
	if err != nil {
		t.Fatalf("ParsePollerFlags() がエラーを返した: %v", err)
	}

	if flags.Term != "92024" {
		t.Errorf("Term = %q", flags.Term)
	}
	if len(flags.Campuses) != 2 || flags.Campuses[0] != "NB" || flags.Campuses[1] != "NK" {
		t.Errorf("Campuses = %v, want 大文字化された2件", flags.Campuses)
	}
	if !flags.RunOnce {
		t.Error("RunOnceがfalse")
	}
	if flags.Interval != 30*time.Second {
		t.Errorf("Interval = %v", flags.Interval)
	}
	if flags.Jitter != 0.2 {
		t.Errorf("Jitter = %v", flags.Jitter)
	}
	if flags.Concurrency != 5 {
		t.Errorf("Concurrency = %d", flags.Concurrency)
	}
	if flags.MissThreshold != 3 {
		t.Errorf("MissThreshold = %d", flags.MissThreshold)
	}
	if flags.Refresh != 10*time.Minute {
		t.Errorf("Refresh = %v", flags.Refresh)
	}
	if flags.Checkpoint != "/var/lib/seatwatch/checkpoint.json" {
		t.Errorf("Checkpoint = %q", flags.Checkpoint)
	}
}

func TestParsePollerFlags_Defaults(t *testing.T) {
	flags, err := ParsePollerFlags(nil)
	if err != nil {
		t.Fatalf("ParsePollerFlags() がエラーを返した: %v", err)
	}
	if flags.Term != "" || len(flags.Campuses) != 0 {
		t.Errorf("自動発見モードになっていない: %+v", flags)
	}
	// ジッター未指定は環境変数の値を使う合図
	if flags.Jitter != -1 {
		t.Errorf("Jitter = %v, want -1 (未指定)", flags.Jitter)
	}
}

func TestParsePollerFlags_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"不正な学期", []string{"-term", "bogus", "-campuses", "NB"}},
		{"学期のみでキャンパスなし", []string{"-term", "92024"}},
		{"短すぎる間隔", []string{"-interval", "500ms"}},
		{"短すぎる再解決間隔", []string{"-refresh", "30s"}},
		{"範囲外のジッター", []string{"-jitter", "1.5"}},
		{"負のミス閾値", []string{"-miss-threshold", "-1"}},
		{"未知のフラグ", []string{"-bogus"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePollerFlags(tt.args); err == nil {
				t.Errorf("ParsePollerFlags(%v) がエラーを返さない", tt.args)
			}
		})
	}
}

func TestPollerFlags_Targets(t *testing.T) {
	flags, err := ParsePollerFlags([]string{"-term", "92024", "-campuses", "NB,CM"})
	if err != nil {
		t.Fatal(err)
	}
	targets := flags.Targets()
	if len(targets) != 2 {
		t.Fatalf("targets = %v", targets)
	}
	if targets[0].TermID != "92024" || targets[0].CampusCode != "NB" {
		t.Errorf("targets[0] = %+v", targets[0])
	}

	// 学期未指定は自動発見なのでnil
	flags, err = ParsePollerFlags([]string{"-campuses", "NB"})
	if err != nil {
		t.Fatal(err)
	}
	if flags.Targets() != nil {
		t.Errorf("自動発見モードでTargetsが非nil: %v", flags.Targets())
	}
}
