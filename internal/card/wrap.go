package card

import (
	"math"
	"strings"
	"unicode/utf8"

	"golang.org/x/image/font"
)

// CharsPerLine is how many representative glyphs fit in maxWidthPx. The
// result is at least 1.
func CharsPerLine(face font.Face, rep rune, maxWidthPx int) int {
	adv, ok := face.GlyphAdvance(rep)
	if !ok || adv <= 0 {
		adv, ok = face.GlyphAdvance('M')
	}
	if !ok || adv <= 0 {
		return max(1, maxWidthPx)
	}
	cpl := int(math.Floor(float64(maxWidthPx) / (float64(adv) / 64)))
	return max(1, cpl)
}

// Wrap breaks text into lines of at most cpl runes. Whitespace separates
// words; a word longer than cpl (typical for Han text, which has no
// spaces) is split at rune boundaries. Explicit newlines are kept.
func Wrap(text string, cpl int) []string {
	if cpl < 1 {
		cpl = 1
	}
	var lines []string
	for _, para := range strings.Split(text, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			continue
		}
		var cur strings.Builder
		curLen := 0
		flush := func() {
			if curLen > 0 {
				lines = append(lines, cur.String())
				cur.Reset()
				curLen = 0
			}
		}
		for _, w := range words {
			for _, chunk := range splitRunes(w, cpl) {
				n := utf8.RuneCountInString(chunk)
				switch {
				case curLen == 0:
					cur.WriteString(chunk)
					curLen = n
				case curLen+1+n <= cpl:
					cur.WriteByte(' ')
					cur.WriteString(chunk)
					curLen += 1 + n
				default:
					flush()
					cur.WriteString(chunk)
					curLen = n
				}
			}
		}
		flush()
	}
	return lines
}

func splitRunes(s string, n int) []string {
	if utf8.RuneCountInString(s) <= n {
		return []string{s}
	}
	var out []string
	runes := []rune(s)
	for len(runes) > n {
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
