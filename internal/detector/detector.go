// Package detector はopenSectionsスナップショットの差分検出を行う。
// ミス閾値によるデバウンス付きで開放/閉鎖遷移を判定し、
// イベントの記録と通知キューへのファンアウトを単一トランザクションで行う。
package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/seatwatch/internal/model"
)

// Outcome は1回のスナップショット適用の結果。
type Outcome struct {
	Opened        int
	Closed        int
	Reminded      int
	Events        int
	Notifications int
	OpenCount     int
	SnapshotHash  string
	PolledAt      time.Time
	ShortCircuit  bool
	Misses        map[string]int
	Reminders     map[string]time.Time
}

// Config はDetectorの動作設定。
type Config struct {
	// MissThreshold は閉鎖と判定するまでの連続ミス回数。
	MissThreshold int
	// ReminderInterval は開放が継続するセクションへのリマインダー間隔。
	// 0の場合はリマインダーを無効にする。
	ReminderInterval time.Duration
	// SubscriptionChunkSize はファンアウト時の購読ページサイズ。
	SubscriptionChunkSize int
}

// Detector はターゲット別のミスカウンタとリマインダー時刻を保持し、
// スナップショットを永続状態に適用する。
// 同一ターゲットへの適用は呼び出し側で直列化されることを前提とするが、
// 異なるターゲットからの並行呼び出しには安全。
type Detector struct {
	store  Store
	logger *slog.Logger
	cfg    Config

	mu        sync.Mutex
	misses    map[string]map[string]int
	reminders map[string]map[string]time.Time
}

// New はDetectorを生成する。
func New(store Store, cfg Config, logger *slog.Logger) *Detector {
	if cfg.MissThreshold < 1 {
		cfg.MissThreshold = 1
	}
	if cfg.SubscriptionChunkSize < 1 {
		cfg.SubscriptionChunkSize = 200
	}
	return &Detector{
		store:     store,
		logger:    logger,
		cfg:       cfg,
		misses:    make(map[string]map[string]int),
		reminders: make(map[string]map[string]time.Time),
	}
}

func targetKey(term, campus string) string {
	return term + "|" + campus
}

// HydrateMissCounters はチェックポイントから復元したミスカウンタを取り込む。
// 再起動後もデバウンスの途中経過が維持される。
func (d *Detector) HydrateMissCounters(term, campus string, misses map[string]int) {
	if len(misses) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m := make(map[string]int, len(misses))
	for index, count := range misses {
		if count > 0 {
			m[index] = count
		}
	}
	d.misses[targetKey(term, campus)] = m
}

// HydrateReminders はチェックポイントから復元したリマインダー時刻を取り込む。
func (d *Detector) HydrateReminders(term, campus string, reminders map[string]time.Time) {
	if len(reminders) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m := make(map[string]time.Time, len(reminders))
	for index, at := range reminders {
		m[index] = at
	}
	d.reminders[targetKey(term, campus)] = m
}

// MissCounters は指定ターゲットの現在のミスカウンタのコピーを返す。
func (d *Detector) MissCounters(term, campus string) map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return copyInts(d.misses[targetKey(term, campus)])
}

// ApplySnapshot は正規化済みスナップショットを永続状態に適用する。
// lastHashは前回のスナップショット指紋で、指紋が変わらずリマインダーも
// 不要な場合は書き込みを行わずに短絡する。ミスカウンタが進行中の
// ターゲットは短絡しない。連続する同一指紋の欠落ティックでも
// カウントダウンを閾値まで進める必要があるため。
func (d *Detector) ApplySnapshot(ctx context.Context, term, campus string, indexes []string, lastHash string, now time.Time) (Outcome, error) {
	hash := SnapshotHash(term, campus, indexes)
	key := targetKey(term, campus)

	d.mu.Lock()
	missSet := d.misses[key]
	if missSet == nil {
		missSet = make(map[string]int)
		d.misses[key] = missSet
	}
	remindSet := d.reminders[key]
	if remindSet == nil {
		remindSet = make(map[string]time.Time)
		d.reminders[key] = remindSet
	}

	seen := make(map[string]struct{}, len(indexes))
	for _, index := range indexes {
		seen[index] = struct{}{}
	}

	reminderDue := d.dueReminders(remindSet, seen, now)
	if hash == lastHash && len(reminderDue) == 0 && len(missSet) == 0 {
		outcome := Outcome{
			OpenCount:    len(indexes),
			SnapshotHash: hash,
			PolledAt:     now,
			ShortCircuit: true,
			Misses:       copyInts(missSet),
			Reminders:    copyTimes(remindSet),
		}
		d.mu.Unlock()
		return outcome, nil
	}
	d.mu.Unlock()

	sections, err := d.store.SectionsForTarget(ctx, term, campus)
	if err != nil {
		return Outcome{}, fmt.Errorf("セクション一覧の取得に失敗: %w", err)
	}

	d.mu.Lock()
	var toOpen, toClose, toRemind []model.Section
	for _, section := range sections {
		_, isOpenNow := seen[section.IndexNumber]
		switch {
		case isOpenNow && !section.IsOpen:
			toOpen = append(toOpen, section)
			delete(missSet, section.IndexNumber)
		case isOpenNow && section.IsOpen:
			delete(missSet, section.IndexNumber)
			if _, due := reminderDue[section.IndexNumber]; due {
				toRemind = append(toRemind, section)
			}
		case !isOpenNow && section.IsOpen:
			misses := missSet[section.IndexNumber] + 1
			if misses >= d.cfg.MissThreshold {
				toClose = append(toClose, section)
				delete(missSet, section.IndexNumber)
			} else {
				missSet[section.IndexNumber] = misses
			}
		}
	}
	d.mu.Unlock()

	outcome := Outcome{
		OpenCount:    len(indexes),
		SnapshotHash: hash,
		PolledAt:     now,
	}

	err = d.store.WithTx(ctx, func(tx Tx) error {
		if err := tx.ReplaceSnapshot(term, campus, indexes, hash, now); err != nil {
			return fmt.Errorf("スナップショットの記録に失敗: %w", err)
		}

		for _, section := range toOpen {
			previous := d.previousStatus(section)
			if err := tx.UpdateSectionStatus(section.ID, true, model.SectionOpen, now); err != nil {
				return fmt.Errorf("セクション状態の更新に失敗: %w", err)
			}
			if err := tx.InsertStatusEvent(section.ID, previous, model.SectionOpen, model.DetectedByOpenSections, now); err != nil {
				return fmt.Errorf("状態遷移イベントの記録に失敗: %w", err)
			}
			seatDelta := 1
			if previous == model.SectionOpen {
				seatDelta = 0
			}
			events, notifications, err := d.emitEvent(tx, eventArgs{
				section:      section,
				term:         term,
				campus:       campus,
				statusBefore: previous,
				statusAfter:  model.SectionOpen,
				seatDelta:    seatDelta,
				detectedBy:   model.DetectedByOpenSections,
				snapshotHash: hash,
				at:           now,
			})
			if err != nil {
				return err
			}
			outcome.Events += events
			outcome.Notifications += notifications
		}

		for _, section := range toClose {
			previous := section.OpenStatus
			if previous == "" {
				previous = model.SectionOpen
			}
			if err := tx.UpdateSectionStatus(section.ID, false, model.SectionClosed, now); err != nil {
				return fmt.Errorf("セクション状態の更新に失敗: %w", err)
			}
			if err := tx.InsertStatusEvent(section.ID, previous, model.SectionClosed, model.DetectedByOpenSections, now); err != nil {
				return fmt.Errorf("状態遷移イベントの記録に失敗: %w", err)
			}
			if err := tx.ResetSubscriptionsForIndex(term, campus, section.IndexNumber, model.SectionClosed, now); err != nil {
				return fmt.Errorf("購読の既知状態リセットに失敗: %w", err)
			}
			events, notifications, err := d.emitEvent(tx, eventArgs{
				section:      section,
				term:         term,
				campus:       campus,
				statusBefore: previous,
				statusAfter:  model.SectionClosed,
				seatDelta:    -1,
				detectedBy:   model.DetectedByOpenSections,
				snapshotHash: hash,
				at:           now,
			})
			if err != nil {
				return err
			}
			outcome.Events += events
			outcome.Notifications += notifications
		}

		for _, section := range toRemind {
			events, notifications, err := d.emitEvent(tx, eventArgs{
				section:      section,
				term:         term,
				campus:       campus,
				statusBefore: model.SectionOpen,
				statusAfter:  model.SectionOpen,
				seatDelta:    0,
				detectedBy:   model.DetectedByReminder,
				snapshotHash: hash,
				at:           now,
			})
			if err != nil {
				return err
			}
			outcome.Events += events
			outcome.Notifications += notifications
		}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}

	d.mu.Lock()
	for _, section := range toOpen {
		remindSet[section.IndexNumber] = now
	}
	for _, section := range toRemind {
		remindSet[section.IndexNumber] = now
	}
	for _, section := range toClose {
		delete(remindSet, section.IndexNumber)
	}
	outcome.Opened = len(toOpen)
	outcome.Closed = len(toClose)
	outcome.Reminded = len(toRemind)
	outcome.Misses = copyInts(missSet)
	outcome.Reminders = copyTimes(remindSet)
	d.mu.Unlock()

	return outcome, nil
}

// previousStatus は遷移前のセクション状態を返す。未記録の場合はCLOSED扱い。
func (d *Detector) previousStatus(section model.Section) string {
	if section.OpenStatus != "" {
		return section.OpenStatus
	}
	return model.SectionClosed
}

type eventArgs struct {
	section      model.Section
	term         string
	campus       string
	statusBefore string
	statusAfter  string
	seatDelta    int
	detectedBy   string
	snapshotHash string
	at           time.Time
}

// emitEvent はイベントを重複排除付きで記録し、開放イベントの場合は
// 対象購読への通知をキューに積む。
func (d *Detector) emitEvent(tx Tx, args eventArgs) (events, notifications int, err error) {
	dedupeKey := DedupeKey(args.term, args.campus, args.section.IndexNumber, args.statusAfter, args.at)
	exists, err := tx.RecentEventExists(dedupeKey, args.at.Add(-DedupeWindow))
	if err != nil {
		return 0, 0, fmt.Errorf("重複イベントの確認に失敗: %w", err)
	}
	if exists {
		return 0, 0, nil
	}

	sectionID := args.section.ID
	ev := &model.OpenEvent{
		SectionID:    &sectionID,
		TermID:       args.term,
		CampusCode:   args.campus,
		IndexNumber:  args.section.IndexNumber,
		StatusBefore: args.statusBefore,
		StatusAfter:  args.statusAfter,
		SeatDelta:    args.seatDelta,
		EventAt:      args.at,
		DetectedBy:   args.detectedBy,
		DedupeKey:    dedupeKey,
		TraceID:      uuid.NewString(),
		Payload: model.EventPayload{
			Term:          args.term,
			Campus:        args.campus,
			Index:         args.section.IndexNumber,
			SectionNumber: args.section.SectionNumber,
			Subject:       args.section.SubjectCode,
			CourseTitle:   args.section.CourseTitle,
			DetectedAt:    args.at.UTC().Format(time.RFC3339Nano),
			SnapshotHash:  args.snapshotHash,
		},
	}
	eventID, err := tx.InsertOpenEvent(ev)
	if err != nil {
		return 0, 0, fmt.Errorf("イベントの記録に失敗: %w", err)
	}

	if args.statusAfter != model.SectionOpen {
		return 1, 0, nil
	}

	created, err := d.enqueueNotifications(tx, args.term, args.campus, args.section.IndexNumber, eventID, dedupeKey, args.at)
	if err != nil {
		return 0, 0, err
	}
	return 1, created, nil
}

// enqueueNotifications は対象セクションの通知可能な購読すべてに対して
// キュー行を作成する。購読はページ単位で読み出す。
func (d *Detector) enqueueNotifications(tx Tx, term, campus, index string, eventID int64, dedupeKey string, now time.Time) (int, error) {
	created := 0
	offset := 0
	for {
		subs, err := tx.SubscriptionsPage(term, campus, index, model.NotifiableStatuses, d.cfg.SubscriptionChunkSize, offset)
		if err != nil {
			return created, fmt.Errorf("購読ページの取得に失敗: %w", err)
		}
		if len(subs) == 0 {
			break
		}
		offset += len(subs)
		for _, sub := range subs {
			if !shouldNotify(sub, now) {
				continue
			}
			inserted, err := tx.InsertNotification(eventID, sub.ID, dedupeKey, now)
			if err != nil {
				return created, fmt.Errorf("通知キューへの追加に失敗: %w", err)
			}
			if inserted {
				if err := tx.SetLastKnownStatus(sub.ID, model.SectionOpen, now); err != nil {
					return created, fmt.Errorf("購読の既知状態更新に失敗: %w", err)
				}
				created++
			}
		}
		if len(subs) < d.cfg.SubscriptionChunkSize {
			break
		}
	}
	return created, nil
}

// shouldNotify は購読が今通知を受け取るべきかを判定する。
// 既にOPENと知っている購読や、スヌーズ中・配信時間帯外の購読は除外する。
func shouldNotify(sub model.Subscription, now time.Time) bool {
	if !model.IsNotifiable(sub.Status) {
		return false
	}
	if sub.LastKnownSectionStatus == model.SectionOpen {
		return false
	}
	prefs := model.ParsePreferences(sub.Metadata)
	if !prefs.WantsOpen() {
		return false
	}
	if prefs.Snoozed(now) {
		return false
	}
	if !prefs.InDeliveryWindow(now) {
		return false
	}
	return true
}

// dueReminders はスナップショット内でリマインダー期限が到来した
// インデックスを返す。呼び出し側でd.muを保持していること。
func (d *Detector) dueReminders(remindSet map[string]time.Time, seen map[string]struct{}, now time.Time) map[string]struct{} {
	due := make(map[string]struct{})
	if d.cfg.ReminderInterval <= 0 {
		return due
	}
	for index, lastAt := range remindSet {
		if _, ok := seen[index]; !ok {
			continue
		}
		if now.Sub(lastAt) >= d.cfg.ReminderInterval {
			due[index] = struct{}{}
		}
	}
	return due
}

func copyInts(src map[string]int) map[string]int {
	dst := make(map[string]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func copyTimes(src map[string]time.Time) map[string]time.Time {
	dst := make(map[string]time.Time, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
