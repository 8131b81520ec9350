// Package poll はSOC APIのポーリングと空席検出のバックグラウンド処理を提供する。
// ターゲット(学期, キャンパス)ごとのループ管理、ジッター付きスケジューリング、
// semaphoreパターンによる並列プローブ数の制御を含む。
package poll

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/hitoshi/seatwatch/internal/checkpoint"
	"github.com/hitoshi/seatwatch/internal/detector"
	"github.com/hitoshi/seatwatch/internal/metrics"
	"github.com/hitoshi/seatwatch/internal/model"
	"github.com/hitoshi/seatwatch/internal/repository"
	"github.com/hitoshi/seatwatch/internal/soc"
)

// Prober はopenSectionsの取得インターフェース。
type Prober interface {
	// FetchOpenSections は指定ターゲットの空席インデックス一覧を取得する。
	FetchOpenSections(ctx context.Context, sem soc.Semester, campus string) (soc.ProbeResult, error)
}

// Config はポーラーの動作設定。
type Config struct {
	// Interval はポーリングの基準間隔。
	Interval time.Duration
	// Jitter は間隔に加えるゆらぎの比率(0〜1)。
	Jitter float64
	// MaxConcurrent は同時プローブ数の上限。
	MaxConcurrent int
	// RefreshInterval はターゲット一覧の再解決間隔。
	RefreshInterval time.Duration
	// Targets は明示指定のポーリング対象。空の場合は購読から自動発見する。
	Targets []model.Target
	// CampusAllowlist は自動発見時に許可するキャンパスコード。空は全許可。
	CampusAllowlist []string
	// RunOnce がtrueの場合、各ターゲットを1回ポーリングして終了する。
	RunOnce bool
}

// Poller はターゲットごとのポーリングループを管理する。
// 各ループは独立したゴルーチンで動作し、semaphoreで同時プローブ数を制御する。
type Poller struct {
	prober      Prober
	detector    *detector.Detector
	checkpoints *checkpoint.Store
	sections    repository.SectionRepository
	subs        repository.SubscriptionRepository
	metrics     metrics.MetricsCollector
	logger      *slog.Logger
	cfg         Config

	sem chan struct{}

	mu            sync.Mutex
	loops         map[string]context.CancelFunc
	missingWarned map[string]struct{}
	wg            sync.WaitGroup
}

// New はPollerの新しいインスタンスを生成する。
// MaxConcurrentが0以下の場合はデフォルト値3を使用する。
func New(
	prober Prober,
	det *detector.Detector,
	checkpoints *checkpoint.Store,
	sections repository.SectionRepository,
	subs repository.SubscriptionRepository,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Poller {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	return &Poller{
		prober:        prober,
		detector:      det,
		checkpoints:   checkpoints,
		sections:      sections,
		subs:          subs,
		metrics:       collector,
		logger:        logger,
		cfg:           cfg,
		sem:           make(chan struct{}, cfg.MaxConcurrent),
		loops:         make(map[string]context.CancelFunc),
		missingWarned: make(map[string]struct{}),
	}
}

// Run はポーラーを起動する。コンテキストがキャンセルされるまで実行を継続する。
// RunOnceモードでは全ターゲットを1回ポーリングして戻る。
func (p *Poller) Run(ctx context.Context) error {
	targets, err := p.resolveTargets(ctx)
	if err != nil {
		return err
	}

	if p.cfg.RunOnce {
		return p.runOnce(ctx, targets)
	}

	p.logger.Info("ポーラーを開始しました",
		slog.Int("target_count", len(targets)),
		slog.Duration("interval", p.cfg.Interval),
		slog.Int("max_concurrent", p.cfg.MaxConcurrent),
	)

	p.syncTargetLoops(ctx, targets)

	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.stopAll()
			p.wg.Wait()
			p.logger.Info("ポーラーを停止しました")
			return nil
		case <-ticker.C:
			refreshed, err := p.resolveTargets(ctx)
			if err != nil {
				p.logger.Error("ターゲット一覧の再解決に失敗しました",
					slog.String("error", err.Error()),
				)
				continue
			}
			p.syncTargetLoops(ctx, refreshed)
		}
	}
}

// runOnce は全ターゲットを1回ずつポーリングする。
func (p *Poller) runOnce(ctx context.Context, targets []model.Target) error {
	var wg sync.WaitGroup
	for _, target := range targets {
		sem, err := soc.DecodeSemester(target.TermID)
		if err != nil {
			p.logger.Error("学期の解釈に失敗しました",
				slog.String("term", target.TermID),
				slog.String("error", err.Error()),
			)
			continue
		}
		p.hydrate(target)

		wg.Add(1)
		go func(t model.Target, s soc.Semester) {
			defer wg.Done()
			p.pollOnce(ctx, t, s)
		}(target, sem)
	}
	wg.Wait()
	return nil
}

// resolveTargets はポーリング対象を解決する。明示指定があればそれを、
// なければ通知可能な購読から自動発見する。
func (p *Poller) resolveTargets(ctx context.Context) ([]model.Target, error) {
	if len(p.cfg.Targets) > 0 {
		return p.cfg.Targets, nil
	}

	discovered, err := p.subs.DistinctActiveTargets(ctx)
	if err != nil {
		return nil, err
	}

	if len(p.cfg.CampusAllowlist) == 0 {
		return discovered, nil
	}

	allowed := make(map[string]struct{}, len(p.cfg.CampusAllowlist))
	for _, campus := range p.cfg.CampusAllowlist {
		allowed[campus] = struct{}{}
	}
	filtered := make([]model.Target, 0, len(discovered))
	for _, target := range discovered {
		if _, ok := allowed[target.CampusCode]; ok {
			filtered = append(filtered, target)
		}
	}
	return filtered, nil
}

// syncTargetLoops は希望するターゲット集合と実行中のループを突き合わせ、
// 不足分を起動し余剰分を停止する。
func (p *Poller) syncTargetLoops(ctx context.Context, targets []model.Target) {
	desired := make(map[string]model.Target, len(targets))
	for _, target := range targets {
		desired[target.Key()] = target
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for key, cancel := range p.loops {
		if _, ok := desired[key]; !ok {
			cancel()
			delete(p.loops, key)
			p.logger.Info("ポーリングループを停止しました", slog.String("target", key))
		}
	}

	for key, target := range desired {
		if _, running := p.loops[key]; running {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		p.loops[key] = cancel
		p.wg.Add(1)
		go p.runLoop(loopCtx, target)
		p.logger.Info("ポーリングループを開始しました", slog.String("target", key))
	}
}

func (p *Poller) stopAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, cancel := range p.loops {
		cancel()
		delete(p.loops, key)
	}
}

// RunningLoops は実行中のループのターゲットキー数を返す。
func (p *Poller) RunningLoops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.loops)
}

// runLoop は1ターゲット分のポーリングループ。
// チェックポイントからミスカウンタとリマインダを復元してから周回を開始する。
func (p *Poller) runLoop(ctx context.Context, target model.Target) {
	defer p.wg.Done()

	sem, err := soc.DecodeSemester(target.TermID)
	if err != nil {
		p.logger.Error("学期の解釈に失敗しました。ループを開始できません",
			slog.String("term", target.TermID),
			slog.String("error", err.Error()),
		)
		return
	}

	p.hydrate(target)

	for {
		p.pollOnce(ctx, target, sem)

		delay := jitteredDelay(p.cfg.Interval, p.cfg.Jitter)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// hydrate はチェックポイントの状態を検出器へ復元する。
func (p *Poller) hydrate(target model.Target) {
	misses := p.checkpoints.HydrateMissCounters(target.TermID, target.CampusCode)
	if len(misses) > 0 {
		p.detector.HydrateMissCounters(target.TermID, target.CampusCode, misses)
	}
	reminders := p.checkpoints.Reminders(target.TermID, target.CampusCode)
	if len(reminders) > 0 {
		p.detector.HydrateReminders(target.TermID, target.CampusCode, reminders)
	}
}

// pollOnce は1回分のポーリングを実行する。semaphore取得からプローブ、
// スナップショット適用、チェックポイント保存までを行う。
func (p *Poller) pollOnce(ctx context.Context, target model.Target, sem soc.Semester) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-p.sem }()

	now := time.Now()

	count, err := p.sections.CountByTarget(ctx, target.TermID, target.CampusCode)
	if err != nil {
		p.metrics.RecordPollFailure(target.CampusCode)
		p.logger.Error("セクション数の取得に失敗しました",
			slog.String("target", target.Key()),
			slog.String("error", err.Error()),
		)
		return
	}
	if count == 0 {
		if p.markMissingData(target.Key()) {
			p.logger.Warn("追跡対象のセクションがありません。プローブをスキップします",
				slog.String("target", target.Key()),
			)
		}
		p.persistEntry(target, now, checkpoint.MissingDataHash, 0, nil, nil)
		return
	}
	p.clearMissingData(target.Key())

	result, err := p.prober.FetchOpenSections(ctx, sem, target.CampusCode)
	duration := time.Since(now)
	p.metrics.RecordPoll(target.CampusCode)
	p.metrics.RecordPollDuration(target.CampusCode, duration)

	if err != nil {
		p.metrics.RecordPollFailure(target.CampusCode)
		attrs := []any{
			slog.String("target", target.Key()),
			slog.String("error", err.Error()),
		}
		var probeErr *soc.ProbeError
		if errors.As(err, &probeErr) {
			attrs = append(attrs,
				slog.String("kind", string(probeErr.Kind)),
				slog.String("request_id", probeErr.RequestID),
				slog.String("retry_hint", probeErr.RetryHint),
			)
		}
		p.logger.Warn("openSectionsの取得に失敗しました", attrs...)
		return
	}

	lastHash := ""
	if entry, ok := p.checkpoints.Entry(target.TermID, target.CampusCode); ok {
		lastHash = entry.LastSnapshotHash
	}

	outcome, err := p.detector.ApplySnapshot(ctx, target.TermID, target.CampusCode, result.Indexes, lastHash, now)
	if err != nil {
		p.metrics.RecordPollFailure(target.CampusCode)
		p.logger.Error("スナップショットの適用に失敗しました",
			slog.String("target", target.Key()),
			slog.String("error", err.Error()),
		)
		return
	}

	p.metrics.RecordOpenIndexes(target.CampusCode, outcome.OpenCount)
	if outcome.Events > 0 {
		p.metrics.RecordEventsEmitted(target.CampusCode, outcome.Events)
	}
	if outcome.Notifications > 0 {
		p.metrics.RecordNotificationsQueued(target.CampusCode, outcome.Notifications)
	}

	p.persistEntry(target, now, outcome.SnapshotHash, outcome.OpenCount, outcome.Misses, outcome.Reminders)

	if outcome.ShortCircuit {
		p.logger.Info("スナップショットに変化はありません",
			slog.String("target", target.Key()),
			slog.Int("open_count", outcome.OpenCount),
		)
		return
	}

	p.logger.Info("ポーリングが完了しました",
		slog.String("target", target.Key()),
		slog.String("request_id", result.RequestID),
		slog.Int("open_count", outcome.OpenCount),
		slog.Int("opened", outcome.Opened),
		slog.Int("closed", outcome.Closed),
		slog.Int("reminded", outcome.Reminded),
		slog.Int("notifications", outcome.Notifications),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)
}

// markMissingData は欠損データ状態への遷移を記録する。
// 初回の遷移でのみtrueを返す。警告ログはターゲットごとに1回に抑える。
func (p *Poller) markMissingData(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.missingWarned[key]; ok {
		return false
	}
	p.missingWarned[key] = struct{}{}
	return true
}

// clearMissingData はセクションデータの復帰を記録する。
// 次に欠損した場合は再び警告を出す。
func (p *Poller) clearMissingData(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.missingWarned, key)
}

// persistEntry はチェックポイントを保存する。保存失敗は警告に留める。
func (p *Poller) persistEntry(target model.Target, polledAt time.Time, hash string, openCount int, misses map[string]int, reminders map[string]time.Time) {
	entry := checkpoint.Entry{
		Term:             target.TermID,
		Campus:           target.CampusCode,
		LastPollAt:       polledAt.UTC().Format(time.RFC3339Nano),
		LastSnapshotHash: hash,
		OpenIndexes:      openCount,
		Misses:           misses,
	}
	if len(reminders) > 0 {
		entry.Reminders = make(map[string]string, len(reminders))
		for index, at := range reminders {
			entry.Reminders[index] = at.UTC().Format(time.RFC3339Nano)
		}
	}
	if err := p.checkpoints.Persist(entry); err != nil {
		p.logger.Warn("チェックポイントの保存に失敗しました",
			slog.String("target", target.Key()),
			slog.String("error", err.Error()),
		)
	}
}

// jitteredDelay は基準間隔にジッターを加えた待機時間を返す。下限は1秒。
func jitteredDelay(base time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		if base < time.Second {
			return time.Second
		}
		return base
	}
	offset := (rand.Float64()*2 - 1) * jitter * float64(base)
	delay := time.Duration(float64(base) + offset)
	if delay < time.Second {
		delay = time.Second
	}
	return delay
}
