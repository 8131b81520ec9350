// Package model はドメインモデルを定義する。
package model

import "time"

// SectionStatus はセクションの開講状態を表す。
type SectionStatus = string

const (
	// SectionOpen は空席があり履修登録可能な状態。
	SectionOpen SectionStatus = "OPEN"
	// SectionClosed は満席または閉講の状態。
	SectionClosed SectionStatus = "CLOSED"
)

// Section は1つの開講セクション（term × campus × index）を表す。
// 状態の書き込みは検出器（detector）のみが行う。
type Section struct {
	ID                  int64
	TermID              string
	CampusCode          string
	IndexNumber         string
	SubjectCode         string
	SectionNumber       string
	CourseTitle         string
	IsOpen              bool
	OpenStatus          string
	OpenStatusUpdatedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// StatusLabel は現在の状態ラベルを返す。
// open_statusが未設定の場合はis_openから導出する。
func (s *Section) StatusLabel() string {
	if s.OpenStatus != "" {
		return s.OpenStatus
	}
	if s.IsOpen {
		return SectionOpen
	}
	return SectionClosed
}
