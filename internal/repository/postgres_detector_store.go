package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/seatwatch/internal/detector"
	"github.com/hitoshi/seatwatch/internal/model"
)

// PostgresDetectorStore は検出器の永続化層のPostgreSQL実装。
// スナップショット適用の全書き込みを単一トランザクションで実行する。
type PostgresDetectorStore struct {
	db       *sql.DB
	sections SectionRepository
}

// NewPostgresDetectorStore はPostgresDetectorStoreを生成する。
func NewPostgresDetectorStore(db *sql.DB, sections SectionRepository) *PostgresDetectorStore {
	return &PostgresDetectorStore{db: db, sections: sections}
}

var _ detector.Store = (*PostgresDetectorStore)(nil)

// SectionsForTarget はターゲットの追跡対象セクション一覧を返す。
func (s *PostgresDetectorStore) SectionsForTarget(ctx context.Context, term, campus string) ([]model.Section, error) {
	return s.sections.ListByTarget(ctx, term, campus)
}

// WithTx はトランザクション内でfnを実行する。
func (s *PostgresDetectorStore) WithTx(ctx context.Context, fn func(tx detector.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&detectorTx{ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// detectorTx はdetector.Txの*sql.Tx実装。
type detectorTx struct {
	ctx context.Context
	tx  *sql.Tx
}

var _ detector.Tx = (*detectorTx)(nil)

// ReplaceSnapshot はターゲットのスナップショット履歴を記録する。
func (t *detectorTx) ReplaceSnapshot(term, campus string, indexes []string, hash string, takenAt time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO open_section_snapshots (term_id, campus_code, snapshot_hash, open_count, taken_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		term, campus, hash, len(indexes), takenAt,
	)
	if err != nil {
		return fmt.Errorf("スナップショットの記録に失敗しました: %w", err)
	}
	return nil
}

// UpdateSectionStatus はセクションの現在状態を更新する。
func (t *detectorTx) UpdateSectionStatus(sectionID int64, isOpen bool, status string, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE sections
		 SET is_open = $1, open_status = $2, open_status_updated_at = $3, updated_at = $3
		 WHERE id = $4`,
		isOpen, status, at, sectionID,
	)
	if err != nil {
		return fmt.Errorf("セクション状態の更新に失敗しました: %w", err)
	}
	return nil
}

// InsertStatusEvent はセクション状態遷移の監査レコードを追加する。
func (t *detectorTx) InsertStatusEvent(sectionID int64, statusBefore, statusAfter, source string, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO section_status_events (section_id, status_before, status_after, source, observed_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		sectionID, statusBefore, statusAfter, source, at,
	)
	if err != nil {
		return fmt.Errorf("状態遷移イベントの記録に失敗しました: %w", err)
	}
	return nil
}

// RecentEventExists は指定デデュープキーのイベントがsince以降に存在するかを返す。
func (t *detectorTx) RecentEventExists(dedupeKey string, since time.Time) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT EXISTS (
		    SELECT 1 FROM open_events WHERE dedupe_key = $1 AND event_at >= $2
		 )`,
		dedupeKey, since,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("重複イベントの確認に失敗しました: %w", err)
	}
	return exists, nil
}

// InsertOpenEvent はイベントを記録してIDを返す。
func (t *detectorTx) InsertOpenEvent(ev *model.OpenEvent) (int64, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return 0, fmt.Errorf("イベントペイロードのシリアライズに失敗しました: %w", err)
	}

	var id int64
	err = t.tx.QueryRowContext(t.ctx,
		`INSERT INTO open_events (
		    section_id, term_id, campus_code, index_number, status_before, status_after,
		    seat_delta, event_at, detected_by, dedupe_key, trace_id, payload
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING id`,
		nullableInt64(ev.SectionID), ev.TermID, ev.CampusCode, ev.IndexNumber,
		ev.StatusBefore, ev.StatusAfter, ev.SeatDelta, ev.EventAt,
		ev.DetectedBy, ev.DedupeKey, ev.TraceID, payload,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("イベントの記録に失敗しました: %w", err)
	}
	return id, nil
}

// SubscriptionsPage は対象セクションの購読をID昇順でページ取得する。
func (t *detectorTx) SubscriptionsPage(term, campus, index string, statuses []model.SubscriptionStatus, limit, offset int) ([]model.Subscription, error) {
	statusValues := make([]string, len(statuses))
	for i, status := range statuses {
		statusValues[i] = string(status)
	}

	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT id, term_id, campus_code, index_number, contact_type, contact_value,
		        contact_hash, status, locale, metadata, last_known_section_status,
		        last_notified_at, unsubscribe_token, created_at, updated_at
		 FROM subscriptions
		 WHERE term_id = $1 AND campus_code = $2 AND index_number = $3
		   AND status = ANY($4)
		 ORDER BY id
		 LIMIT $5 OFFSET $6`,
		term, campus, index, pq.Array(statusValues), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("購読ページの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		var sub model.Subscription
		var lastNotifiedAt sql.NullTime
		if err := rows.Scan(
			&sub.ID, &sub.TermID, &sub.CampusCode, &sub.IndexNumber,
			&sub.ContactType, &sub.ContactValue, &sub.ContactHash,
			&sub.Status, &sub.Locale, &sub.Metadata, &sub.LastKnownSectionStatus,
			&lastNotifiedAt, &sub.UnsubscribeToken, &sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("購読行の読み取りに失敗しました: %w", err)
		}
		if lastNotifiedAt.Valid {
			at := lastNotifiedAt.Time
			sub.LastNotifiedAt = &at
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読ページの走査に失敗しました: %w", err)
	}
	return subs, nil
}

// InsertNotification はファンアウトキューに行を追加する。
// (イベント, 購読)の組が既に存在する場合はON CONFLICTで無視しfalseを返す。
func (t *detectorTx) InsertNotification(openEventID, subscriptionID int64, dedupeKey string, at time.Time) (bool, error) {
	result, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO open_event_notifications (
		    open_event_id, subscription_id, dedupe_key, fanout_status, fanout_attempts, created_at
		 ) VALUES ($1, $2, $3, 'pending', 0, $4)
		 ON CONFLICT (open_event_id, subscription_id) DO NOTHING`,
		openEventID, subscriptionID, dedupeKey, at,
	)
	if err != nil {
		return false, fmt.Errorf("通知キューへの追加に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("通知キュー追加結果の確認に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// SetLastKnownStatus は購読の既知セクション状態を更新する。
func (t *detectorTx) SetLastKnownStatus(subscriptionID int64, status string, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE subscriptions SET last_known_section_status = $1, updated_at = $2 WHERE id = $3`,
		status, at, subscriptionID,
	)
	if err != nil {
		return fmt.Errorf("購読の既知状態更新に失敗しました: %w", err)
	}
	return nil
}

// ResetSubscriptionsForIndex は対象セクションの通知可能な購読すべての
// 既知セクション状態を更新する。
func (t *detectorTx) ResetSubscriptionsForIndex(term, campus, index, status string, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx,
		`UPDATE subscriptions
		 SET last_known_section_status = $1, updated_at = $2
		 WHERE term_id = $3 AND campus_code = $4 AND index_number = $5
		   AND status IN ('pending', 'active')`,
		status, at, term, campus, index,
	)
	if err != nil {
		return fmt.Errorf("購読の既知状態リセットに失敗しました: %w", err)
	}
	return nil
}

// nullableInt64 は*int64をsql.NullInt64に変換する。
func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
