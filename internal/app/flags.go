package app

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/seatwatch/internal/model"
	"github.com/hitoshi/seatwatch/internal/soc"
)

// PollerFlags はpollerサブコマンドのコマンドラインオプション。
// 指定されたフィールドのみが環境変数の設定を上書きする。
type PollerFlags struct {
	// Term は監視する学期。空の場合は購読からターゲットを自動発見する。
	Term string
	// Campuses は監視するキャンパスコードのリスト。
	// Termと併用すると明示ターゲット、自動発見時は許可リストになる。
	Campuses []string
	// RunOnce は1回だけポーリングして終了するモード。
	RunOnce bool

	Interval      time.Duration
	Jitter        float64
	Concurrency   int
	MissThreshold int
	Refresh       time.Duration
	Checkpoint    string
}

// ParsePollerFlags はpollerサブコマンドの引数を解析して検証する。
func ParsePollerFlags(args []string) (PollerFlags, error) {
	flags := PollerFlags{Jitter: -1}

	fs := flag.NewFlagSet("poller", flag.ContinueOnError)
	term := fs.String("term", "", "監視する学期 (例: 12024, FA2024)。未指定の場合は購読から自動発見する")
	campuses := fs.String("campuses", "", "キャンパスコードのカンマ区切りリスト (例: NB,NK,CM)")
	runOnce := fs.Bool("run-once", false, "1回だけポーリングして終了する")
	interval := fs.Duration("interval", 0, "ポーリング間隔")
	jitter := fs.Float64("jitter", -1, "ポーリング間隔のゆらぎ比率 (0〜1)")
	concurrency := fs.Int("concurrency", 0, "同時プローブ数の上限")
	missThreshold := fs.Int("miss-threshold", 0, "閉鎖と判定するまでの連続ミス回数")
	refresh := fs.Duration("refresh", 0, "ターゲット一覧の再解決間隔")
	checkpoint := fs.String("checkpoint", "", "チェックポイントファイルのパス")

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	flags.Term = strings.TrimSpace(*term)
	flags.RunOnce = *runOnce
	flags.Interval = *interval
	flags.Jitter = *jitter
	flags.Concurrency = *concurrency
	flags.MissThreshold = *missThreshold
	flags.Refresh = *refresh
	flags.Checkpoint = strings.TrimSpace(*checkpoint)

	for _, campus := range strings.Split(*campuses, ",") {
		campus = strings.ToUpper(strings.TrimSpace(campus))
		if campus != "" {
			flags.Campuses = append(flags.Campuses, campus)
		}
	}

	if flags.Term != "" {
		if _, err := soc.DecodeSemester(flags.Term); err != nil {
			return flags, err
		}
		if len(flags.Campuses) == 0 {
			return flags, fmt.Errorf("-term を指定する場合は -campuses も指定してください")
		}
	}
	if flags.Interval != 0 && flags.Interval < time.Second {
		return flags, fmt.Errorf("-interval は1秒以上でなければなりません: %s", flags.Interval)
	}
	if flags.Refresh != 0 && flags.Refresh < time.Minute {
		return flags, fmt.Errorf("-refresh は1分以上でなければなりません: %s", flags.Refresh)
	}
	if flags.Jitter > 1 {
		return flags, fmt.Errorf("-jitter は0〜1の範囲で指定してください: %v", flags.Jitter)
	}
	if flags.MissThreshold < 0 {
		return flags, fmt.Errorf("-miss-threshold は1以上でなければなりません: %d", flags.MissThreshold)
	}

	return flags, nil
}

// Targets は明示指定されたポーリングターゲットを返す。自動発見モードではnil。
func (f PollerFlags) Targets() []model.Target {
	if f.Term == "" {
		return nil
	}
	targets := make([]model.Target, 0, len(f.Campuses))
	for _, campus := range f.Campuses {
		targets = append(targets, model.Target{TermID: f.Term, CampusCode: campus})
	}
	return targets
}
