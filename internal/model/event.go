package model

import (
	"encoding/json"
	"time"
)

// EventPayload はopen_eventsのpayloadカラムに格納される通知用メタデータ。
// 既知フィールドを型付きで持ち、未知のキーはRawに保持して前方互換性を保つ。
type EventPayload struct {
	Term          string `json:"term"`
	Campus        string `json:"campus"`
	Index         string `json:"index"`
	SectionNumber string `json:"sectionNumber,omitempty"`
	Subject       string `json:"subject,omitempty"`
	CourseTitle   string `json:"courseTitle,omitempty"`
	DetectedAt    string `json:"detectedAt,omitempty"`
	SnapshotHash  string `json:"snapshotHash,omitempty"`

	// Raw は既知フィールド以外のキーを保持する。
	Raw map[string]any `json:"-"`
}

// knownPayloadKeys はEventPayloadの型付きフィールドに対応するJSONキー。
var knownPayloadKeys = map[string]struct{}{
	"term": {}, "campus": {}, "index": {}, "sectionNumber": {},
	"subject": {}, "courseTitle": {}, "detectedAt": {}, "snapshotHash": {},
}

// MarshalJSON は型付きフィールドとRawをマージして1つのJSONオブジェクトを出力する。
func (p EventPayload) MarshalJSON() ([]byte, error) {
	type alias EventPayload
	base, err := json.Marshal(alias(p))
	if err != nil {
		return nil, err
	}
	if len(p.Raw) == 0 {
		return base, nil
	}
	merged := make(map[string]any, len(p.Raw)+8)
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range p.Raw {
		if _, known := knownPayloadKeys[k]; known {
			continue
		}
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON は既知フィールドを型付きで読み込み、残りのキーをRawに退避する。
func (p *EventPayload) UnmarshalJSON(data []byte) error {
	type alias EventPayload
	var typed alias
	if err := json.Unmarshal(data, &typed); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*p = EventPayload(typed)
	for k := range knownPayloadKeys {
		delete(all, k)
	}
	if len(all) > 0 {
		p.Raw = all
	}
	return nil
}

// OpenEvent はセクション状態遷移の確定事実を表すイベント。
// 追記専用で、一度作成されたら変更されない。
type OpenEvent struct {
	ID           int64
	SectionID    *int64
	TermID       string
	CampusCode   string
	IndexNumber  string
	StatusBefore string
	StatusAfter  string
	SeatDelta    int
	EventAt      time.Time
	DetectedBy   string
	DedupeKey    string
	TraceID      string
	Payload      EventPayload
}

// 検出元の識別子。
const (
	// DetectedByOpenSections はopenSectionsフィードの差分検出によるイベント。
	DetectedByOpenSections = "openSections"
	// DetectedByReminder は開き続けているセクションのリマインダーイベント。
	DetectedByReminder = "reminder"
)
