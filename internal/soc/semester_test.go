package soc

import "testing"

func TestDecodeSemester_CodeFirstFormat(t *testing.T) {
	sem, err := DecodeSemester("12024")
	if err != nil {
		t.Fatalf("DecodeSemester がエラーを返した: %v", err)
	}
	if sem.Year != 2024 {
		t.Errorf("Year = %d, want 2024", sem.Year)
	}
	if sem.TermCode != 1 {
		t.Errorf("TermCode = %d, want 1", sem.TermCode)
	}
}

func TestDecodeSemester_YearFirstFormat(t *testing.T) {
	sem, err := DecodeSemester("20249")
	if err != nil {
		t.Fatalf("DecodeSemester がエラーを返した: %v", err)
	}
	if sem.Year != 2024 {
		t.Errorf("Year = %d, want 2024", sem.Year)
	}
	if sem.TermCode != 9 {
		t.Errorf("TermCode = %d, want 9", sem.TermCode)
	}
}

func TestDecodeSemester_AliasFormat(t *testing.T) {
	tests := []struct {
		input    string
		wantYear int
		wantCode int
	}{
		{"FA2024", 2024, 9},
		{"fa2024", 2024, 9},
		{"SPRING2025", 2025, 1},
		{"su2025", 2025, 7},
		{"W2026", 2026, 0},
	}
	for _, tt := range tests {
		sem, err := DecodeSemester(tt.input)
		if err != nil {
			t.Errorf("DecodeSemester(%q) がエラーを返した: %v", tt.input, err)
			continue
		}
		if sem.Year != tt.wantYear || sem.TermCode != tt.wantCode {
			t.Errorf("DecodeSemester(%q) = (%d, %d), want (%d, %d)",
				tt.input, sem.Year, sem.TermCode, tt.wantYear, tt.wantCode)
		}
	}
}

func TestDecodeSemester_IgnoresSeparators(t *testing.T) {
	sem, err := DecodeSemester("fa-2024")
	if err != nil {
		t.Fatalf("DecodeSemester がエラーを返した: %v", err)
	}
	if sem.Year != 2024 || sem.TermCode != 9 {
		t.Errorf("DecodeSemester(\"fa-2024\") = (%d, %d), want (2024, 9)", sem.Year, sem.TermCode)
	}
}

func TestDecodeSemester_InvalidInputs(t *testing.T) {
	for _, input := range []string{"", "XX2024", "22024", "2024", "FA24"} {
		if _, err := DecodeSemester(input); err == nil {
			t.Errorf("DecodeSemester(%q) はエラーを返すべき", input)
		}
	}
}
