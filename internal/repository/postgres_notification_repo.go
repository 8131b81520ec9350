package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/seatwatch/internal/model"
)

// PostgresNotificationRepo はPostgreSQLを使用したファンアウトキューリポジトリ。
type PostgresNotificationRepo struct {
	db *sql.DB
}

// NewPostgresNotificationRepo はPostgresNotificationRepoを生成する。
func NewPostgresNotificationRepo(db *sql.DB) *PostgresNotificationRepo {
	return &PostgresNotificationRepo{db: db}
}

var _ NotificationRepository = (*PostgresNotificationRepo)(nil)

// Claim は配信待ちのキュー行をリース方式でクレームする。
// 候補をID昇順で選んだ後、1行ずつ条件付きUPDATEでロックを取得する。
// 条件付きUPDATEの影響行数を確認することで、複数ワーカーが同じ行を
// 同時にクレームすることはない。ロックTTLを過ぎた行は再クレーム可能。
func (r *PostgresNotificationRepo) Claim(ctx context.Context, contactTypes []string, limit int, lockTTL time.Duration, workerID string, now time.Time) ([]int64, error) {
	expiry := now.Add(-lockTTL)

	rows, err := r.db.QueryContext(ctx,
		`SELECT n.id
		 FROM open_event_notifications n
		 JOIN subscriptions s ON n.subscription_id = s.id
		 WHERE n.fanout_status = 'pending'
		   AND s.contact_type = ANY($1)
		   AND (n.locked_at IS NULL OR n.locked_at < $2)
		 ORDER BY n.id
		 LIMIT $3`,
		pq.Array(contactTypes), expiry, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("クレーム候補の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("クレーム候補行の読み取りに失敗しました: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("クレーム候補の走査に失敗しました: %w", err)
	}

	var claimed []int64
	for _, id := range candidates {
		result, err := r.db.ExecContext(ctx,
			`UPDATE open_event_notifications
			 SET locked_by = $1, locked_at = $2
			 WHERE id = $3
			   AND fanout_status = 'pending'
			   AND (locked_at IS NULL OR locked_at < $4)`,
			workerID, now, id, expiry,
		)
		if err != nil {
			return claimed, fmt.Errorf("キュー行のロック取得に失敗しました: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("ロック取得結果の確認に失敗しました: %w", err)
		}
		if affected > 0 {
			claimed = append(claimed, id)
		}
	}
	return claimed, nil
}

// LoadJobs はクレーム済みIDに対応する配信ジョブを読み出す。
func (r *PostgresNotificationRepo) LoadJobs(ctx context.Context, ids []int64) ([]model.NotificationJob, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT
		    n.id, n.open_event_id, n.dedupe_key, n.fanout_attempts,
		    e.section_id, e.term_id, e.campus_code, e.index_number,
		    e.status_before, e.status_after, e.seat_delta, e.event_at,
		    e.detected_by, e.dedupe_key, e.trace_id, e.payload,
		    s.id, s.term_id, s.campus_code, s.index_number,
		    s.contact_type, s.contact_value, s.contact_hash, s.status,
		    s.locale, s.metadata, s.last_known_section_status,
		    s.last_notified_at, s.unsubscribe_token, s.created_at, s.updated_at
		 FROM open_event_notifications n
		 JOIN open_events e ON n.open_event_id = e.id
		 JOIN subscriptions s ON n.subscription_id = s.id
		 WHERE n.id = ANY($1)
		 ORDER BY n.id`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("配信ジョブの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var jobs []model.NotificationJob
	for rows.Next() {
		var job model.NotificationJob
		var sectionID sql.NullInt64
		var payloadRaw []byte
		var lastNotifiedAt sql.NullTime
		if err := rows.Scan(
			&job.NotificationID, &job.OpenEventID, &job.DedupeKey, &job.FanoutAttempts,
			&sectionID, &job.Event.TermID, &job.Event.CampusCode, &job.Event.IndexNumber,
			&job.Event.StatusBefore, &job.Event.StatusAfter, &job.Event.SeatDelta, &job.Event.EventAt,
			&job.Event.DetectedBy, &job.Event.DedupeKey, &job.Event.TraceID, &payloadRaw,
			&job.Subscription.ID, &job.Subscription.TermID, &job.Subscription.CampusCode, &job.Subscription.IndexNumber,
			&job.Subscription.ContactType, &job.Subscription.ContactValue, &job.Subscription.ContactHash, &job.Subscription.Status,
			&job.Subscription.Locale, &job.Subscription.Metadata, &job.Subscription.LastKnownSectionStatus,
			&lastNotifiedAt, &job.Subscription.UnsubscribeToken, &job.Subscription.CreatedAt, &job.Subscription.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("配信ジョブ行の読み取りに失敗しました: %w", err)
		}
		job.Event.ID = job.OpenEventID
		if sectionID.Valid {
			v := sectionID.Int64
			job.Event.SectionID = &v
		}
		if lastNotifiedAt.Valid {
			t := lastNotifiedAt.Time
			job.Subscription.LastNotifiedAt = &t
		}
		if len(payloadRaw) > 0 {
			if err := json.Unmarshal(payloadRaw, &job.Event.Payload); err != nil {
				return nil, fmt.Errorf("イベントペイロードの解析に失敗しました: %w", err)
			}
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("配信ジョブの走査に失敗しました: %w", err)
	}
	return jobs, nil
}

// PersistOutcome は配信結果をキュー行・購読・監査ログへ反映する。
func (r *PostgresNotificationRepo) PersistOutcome(ctx context.Context, outcome ClaimOutcome, now time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE open_event_notifications
		 SET fanout_status = $1, fanout_attempts = $2, last_attempt_at = $3,
		     locked_by = '', locked_at = $4, error = $5
		 WHERE id = $6`,
		outcome.FanoutStatus, outcome.Attempts, now,
		nullableTime(outcome.LockedAt), outcome.Error, outcome.NotificationID,
	); err != nil {
		return fmt.Errorf("キュー行の更新に失敗しました: %w", err)
	}

	if outcome.UpdateLastNotified {
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions
			 SET last_known_section_status = 'OPEN', last_notified_at = $1, updated_at = $1
			 WHERE id = $2`,
			now, outcome.SubscriptionID,
		); err != nil {
			return fmt.Errorf("購読の更新に失敗しました: %w", err)
		}
	}

	if outcome.EventType != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscription_events (subscription_id, event_type, section_status_snapshot, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			outcome.SubscriptionID, outcome.EventType, outcome.SectionStatusSnapshot,
			outcome.EventPayload, now,
		); err != nil {
			return fmt.Errorf("購読監査ログの記録に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// ClaimLocal はローカルプル型チャネルの配信待ち通知を即時sentとして
// クレームする。キュー行の更新・購読の更新・監査ログを
// 単一トランザクションで行う。
func (r *PostgresNotificationRepo) ClaimLocal(ctx context.Context, deviceHash string, limit int, now time.Time) ([]model.NotificationJob, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT n.id
		 FROM open_event_notifications n
		 JOIN subscriptions s ON n.subscription_id = s.id
		 WHERE n.fanout_status = 'pending'
		   AND s.contact_type = 'local'
		   AND s.contact_hash = $1
		   AND s.status IN ('pending', 'active')
		 ORDER BY n.id
		 LIMIT $2`,
		deviceHash, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ローカル通知候補の取得に失敗しました: %w", err)
	}
	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("ローカル通知候補行の読み取りに失敗しました: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("ローカル通知候補の走査に失敗しました: %w", err)
	}
	rows.Close()

	var claimedIDs []int64
	for _, id := range candidates {
		var subscriptionID int64
		var eventID int64
		var dedupeKey, traceID string
		var statusAfter, lastKnown string
		err := tx.QueryRowContext(ctx,
			`UPDATE open_event_notifications
			 SET fanout_status = 'sent', fanout_attempts = fanout_attempts + 1,
			     last_attempt_at = $1, locked_by = '', locked_at = NULL, error = ''
			 WHERE id = $2 AND fanout_status = 'pending'
			 RETURNING subscription_id, open_event_id, dedupe_key`,
			now, id,
		).Scan(&subscriptionID, &eventID, &dedupeKey)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("ローカル通知のクレームに失敗しました: %w", err)
		}

		if err := tx.QueryRowContext(ctx,
			`SELECT e.status_after, s.last_known_section_status
			 FROM open_events e, subscriptions s
			 WHERE e.id = $1 AND s.id = $2`,
			eventID, subscriptionID,
		).Scan(&statusAfter, &lastKnown); err != nil {
			return nil, fmt.Errorf("ローカル通知の状態取得に失敗しました: %w", err)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT trace_id FROM open_events WHERE id = $1`, eventID,
		).Scan(&traceID); err != nil {
			return nil, fmt.Errorf("イベントのトレースID取得に失敗しました: %w", err)
		}

		statusSnapshot := statusAfter
		if statusSnapshot == "" {
			statusSnapshot = lastKnown
		}
		if statusSnapshot == "" {
			statusSnapshot = model.SectionOpen
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions
			 SET last_known_section_status = $1, last_notified_at = $2, updated_at = $2
			 WHERE id = $3`,
			statusSnapshot, now, subscriptionID,
		); err != nil {
			return nil, fmt.Errorf("購読の更新に失敗しました: %w", err)
		}

		auditPayload, err := json.Marshal(map[string]any{
			"channel":     model.ContactTypeLocal,
			"openEventId": eventID,
			"dedupeKey":   dedupeKey,
			"traceId":     traceID,
		})
		if err != nil {
			return nil, fmt.Errorf("監査ペイロードのシリアライズに失敗しました: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscription_events (subscription_id, event_type, section_status_snapshot, payload, created_at)
			 VALUES ($1, 'notify_sent', $2, $3, $4)`,
			subscriptionID, statusSnapshot, string(auditPayload), now,
		); err != nil {
			return nil, fmt.Errorf("購読監査ログの記録に失敗しました: %w", err)
		}

		claimedIDs = append(claimedIDs, id)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	return r.LoadJobs(ctx, claimedIDs)
}

// nullableTime は*time.Timeをsql.NullTimeに変換する。
func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
