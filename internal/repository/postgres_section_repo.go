package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/seatwatch/internal/model"
)

// PostgresSectionRepo はPostgreSQLを使用したセクションリポジトリ。
type PostgresSectionRepo struct {
	db *sql.DB
}

// NewPostgresSectionRepo はPostgresSectionRepoを生成する。
func NewPostgresSectionRepo(db *sql.DB) *PostgresSectionRepo {
	return &PostgresSectionRepo{db: db}
}

var _ SectionRepository = (*PostgresSectionRepo)(nil)

// ListByTarget は指定ターゲットの追跡対象セクション一覧を返す。
func (r *PostgresSectionRepo) ListByTarget(ctx context.Context, term, campus string) ([]model.Section, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, term_id, campus_code, index_number, subject_code, section_number,
		        course_title, is_open, open_status, open_status_updated_at, created_at, updated_at
		 FROM sections
		 WHERE term_id = $1 AND campus_code = $2
		 ORDER BY index_number ASC`,
		term, campus,
	)
	if err != nil {
		return nil, fmt.Errorf("セクション一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var sections []model.Section
	for rows.Next() {
		section, err := scanSection(rows)
		if err != nil {
			return nil, err
		}
		sections = append(sections, section)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("セクション一覧の走査に失敗しました: %w", err)
	}
	return sections, nil
}

// CountByTarget は指定ターゲットのセクション数を返す。
func (r *PostgresSectionRepo) CountByTarget(ctx context.Context, term, campus string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sections WHERE term_id = $1 AND campus_code = $2`,
		term, campus,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("セクション数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// scanSection は1行分のセクションを読み取る。
func scanSection(rows *sql.Rows) (model.Section, error) {
	var section model.Section
	var updatedAt sql.NullTime
	if err := rows.Scan(
		&section.ID, &section.TermID, &section.CampusCode, &section.IndexNumber,
		&section.SubjectCode, &section.SectionNumber, &section.CourseTitle,
		&section.IsOpen, &section.OpenStatus, &updatedAt,
		&section.CreatedAt, &section.UpdatedAt,
	); err != nil {
		return model.Section{}, fmt.Errorf("セクション行の読み取りに失敗しました: %w", err)
	}
	if updatedAt.Valid {
		t := updatedAt.Time
		section.OpenStatusUpdatedAt = &t
	}
	return section, nil
}
