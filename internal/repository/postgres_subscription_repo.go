package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/seatwatch/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)

// DistinctActiveTargets は通知可能な購読が存在する(学期, キャンパス)の
// 組を重複なく返す。
func (r *PostgresSubscriptionRepo) DistinctActiveTargets(ctx context.Context) ([]model.Target, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT term_id, campus_code
		 FROM subscriptions
		 WHERE status IN ('pending', 'active')
		 ORDER BY term_id, campus_code`,
	)
	if err != nil {
		return nil, fmt.Errorf("アクティブターゲットの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var targets []model.Target
	for rows.Next() {
		var target model.Target
		if err := rows.Scan(&target.TermID, &target.CampusCode); err != nil {
			return nil, fmt.Errorf("ターゲット行の読み取りに失敗しました: %w", err)
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ターゲット一覧の走査に失敗しました: %w", err)
	}
	return targets, nil
}

// FindByID は指定IDの購読を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByID(ctx context.Context, id int64) (*model.Subscription, error) {
	sub := &model.Subscription{}
	var lastNotifiedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, term_id, campus_code, index_number, contact_type, contact_value,
		        contact_hash, status, locale, metadata, last_known_section_status,
		        last_notified_at, unsubscribe_token, created_at, updated_at
		 FROM subscriptions WHERE id = $1`,
		id,
	).Scan(
		&sub.ID, &sub.TermID, &sub.CampusCode, &sub.IndexNumber,
		&sub.ContactType, &sub.ContactValue, &sub.ContactHash,
		&sub.Status, &sub.Locale, &sub.Metadata, &sub.LastKnownSectionStatus,
		&lastNotifiedAt, &sub.UnsubscribeToken, &sub.CreatedAt, &sub.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}
	if lastNotifiedAt.Valid {
		t := lastNotifiedAt.Time
		sub.LastNotifiedAt = &t
	}
	return sub, nil
}
