package detector

import (
	"testing"
	"time"
)

func TestSnapshotHash(t *testing.T) {
	h1 := SnapshotHash("92024", "NB", []string{"10101", "20202"})
	h2 := SnapshotHash("92024", "NB", []string{"10101", "20202"})
	if h1 != h2 {
		t.Errorf("同一入力で指紋が一致しない: %q != %q", h1, h2)
	}
	if len(h1) != 40 {
		t.Errorf("指紋の長さ = %d, want 40", len(h1))
	}

	if h1 == SnapshotHash("92024", "NB", []string{"10101"}) {
		t.Error("異なるインデックス一覧で指紋が一致した")
	}
	if h1 == SnapshotHash("92024", "CM", []string{"10101", "20202"}) {
		t.Error("異なるキャンパスで指紋が一致した")
	}
	if h1 == SnapshotHash("12024", "NB", []string{"10101", "20202"}) {
		t.Error("異なる学期で指紋が一致した")
	}
}

func TestSnapshotHash_EmptySnapshot(t *testing.T) {
	h := SnapshotHash("92024", "NB", nil)
	if len(h) != 40 {
		t.Errorf("空スナップショットの指紋の長さ = %d, want 40", len(h))
	}
	if h != SnapshotHash("92024", "NB", []string{}) {
		t.Error("nilと空スライスで指紋が異なる")
	}
}

func TestDedupeKey_BucketsByWindow(t *testing.T) {
	base := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

	k1 := DedupeKey("92024", "NB", "10101", "OPEN", base)
	k2 := DedupeKey("92024", "NB", "10101", "OPEN", base.Add(DedupeWindow-time.Second))
	if k1 != k2 {
		t.Errorf("同一バケット内でキーが一致しない: %q != %q", k1, k2)
	}

	k3 := DedupeKey("92024", "NB", "10101", "OPEN", base.Add(DedupeWindow))
	if k1 == k3 {
		t.Error("次のバケットでキーが一致した")
	}
}

func TestDedupeKey_DistinguishesTransitions(t *testing.T) {
	at := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

	open := DedupeKey("92024", "NB", "10101", "OPEN", at)
	closed := DedupeKey("92024", "NB", "10101", "CLOSED", at)
	if open == closed {
		t.Error("異なる遷移先でキーが一致した")
	}
	if open == DedupeKey("92024", "NB", "20202", "OPEN", at) {
		t.Error("異なるインデックスでキーが一致した")
	}
}
