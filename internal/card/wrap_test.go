package card

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/image/font/basicfont"
)

func TestWrap(t *testing.T) {
	tests := []struct {
		name string
		text string
		cpl  int
		want []string
	}{
		{"fits", "reading, hiking", 20, []string{"reading, hiking"}},
		{"word boundary", "reading, hiking and chess", 16, []string{"reading, hiking", "and chess"}},
		{"han text split by runes", "喜欢阅读和徒步旅行", 4, []string{"喜欢阅读", "和徒步旅", "行"}},
		{"long word split", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"newlines kept", "one\ntwo", 10, []string{"one", "two"}},
		{"collapses spaces", "a   b", 10, []string{"a b"}},
		{"empty", "", 5, nil},
		{"cpl floor", "ab", 0, []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Wrap(tt.text, tt.cpl)); diff != "" {
				t.Errorf("Wrap mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCharsPerLine_BasicFont(t *testing.T) {
	// basicfont.Face7x13 advances 7px per glyph.
	if got := CharsPerLine(basicfont.Face7x13, 'M', 70); got != 10 {
		t.Errorf("CharsPerLine = %d, want 10", got)
	}
	if got := CharsPerLine(basicfont.Face7x13, 'M', 3); got != 1 {
		t.Errorf("CharsPerLine narrow = %d, want 1", got)
	}
}
