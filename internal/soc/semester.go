package soc

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Semester は学期コードの正規化結果。
// TermCodeは 0=冬, 1=春, 7=夏, 9=秋。
type Semester struct {
	Year     int
	TermCode int
	Label    string
}

// termAliases は学期名の略記からタームコードへの対応表。
var termAliases = map[string]int{
	"W":      0,
	"WINTER": 0,
	"WI":     0,
	"S":      1,
	"SP":     1,
	"SPRING": 1,
	"SU":     7,
	"SUM":    7,
	"SUMMER": 7,
	"F":      9,
	"FA":     9,
	"FALL":   9,
}

var (
	fiveDigitRe = regexp.MustCompile(`^([0179])(\d{4})$`)
	swappedRe   = regexp.MustCompile(`^(\d{4})([0179])$`)
	aliasRe     = regexp.MustCompile(`^([A-Z]+)(\d{4})$`)
	separatorRe = regexp.MustCompile(`[-_\s]`)
)

// DecodeSemester は学期指定文字列をSemesterに正規化する。
// "12024"（ターム+年）、"20249"（年+ターム）、"FA2024"（略記+年）の
// 3形式を受け付ける。いずれにも該当しない場合はエラーを返す。
func DecodeSemester(term string) (Semester, error) {
	stripped := strings.ToUpper(separatorRe.ReplaceAllString(term, ""))

	if m := fiveDigitRe.FindStringSubmatch(stripped); m != nil {
		return buildSemester(m[2], m[1])
	}
	if m := swappedRe.FindStringSubmatch(stripped); m != nil {
		return buildSemester(m[1], m[2])
	}
	if m := aliasRe.FindStringSubmatch(stripped); m != nil {
		code, ok := termAliases[m[1]]
		if !ok {
			return Semester{}, fmt.Errorf("学期略記を解釈できません: %s", m[1])
		}
		return buildSemester(m[2], strconv.Itoa(code))
	}

	return Semester{}, fmt.Errorf("学期指定 %q を解釈できません（例: 12024, 20249, FA2024）", term)
}

func buildSemester(yearRaw, codeRaw string) (Semester, error) {
	year, err := strconv.Atoi(yearRaw)
	if err != nil {
		return Semester{}, fmt.Errorf("年の解釈に失敗: %w", err)
	}
	code, err := strconv.Atoi(codeRaw)
	if err != nil {
		return Semester{}, fmt.Errorf("タームコードの解釈に失敗: %w", err)
	}
	return Semester{
		Year:     year,
		TermCode: code,
		Label:    codeRaw + yearRaw,
	}, nil
}
