package card

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/font/sfnt"
)

// maxFontFileSize limits the size of font files loaded into memory.
const maxFontFileSize = 40 << 20

// systemCJKFonts are tried in order when no bundled font is configured.
var systemCJKFonts = []string{
	"/System/Library/Fonts/PingFang.ttc",
	"/System/Library/Fonts/STHeiti Light.ttc",
	"/System/Library/Fonts/Hiragino Sans GB W3.otf",
	"/Library/Fonts/Arial Unicode.ttf",
	"/usr/share/fonts/opentype/noto/NotoSansCJK-Regular.ttc",
	"/usr/share/fonts/truetype/noto/NotoSansSC-Regular.ttf",
	"/usr/share/fonts/truetype/wqy/wqy-zenhei.ttc",
	`C:\Windows\Fonts\msyh.ttc`,
	`C:\Windows\Fonts\simhei.ttf`,
}

// Fonts resolves the card typeface once and hands out sized faces. Faces
// are not safe for concurrent use, so callers create them per render.
type Fonts struct {
	candidates []string
	logger     *slog.Logger

	once   sync.Once
	font   *opentype.Font
	source string
}

// NewFonts tries paths in order, then any fonts under assetsDir/fonts, then
// the system CJK list. Go Regular and finally basicfont back them up.
func NewFonts(assetsDir string, paths ...string) *Fonts {
	var candidates []string
	for _, p := range paths {
		if p != "" {
			candidates = append(candidates, p)
		}
	}
	if assetsDir != "" {
		candidates = append(candidates, bundledFonts(filepath.Join(assetsDir, "fonts"))...)
	}
	candidates = append(candidates, systemCJKFonts...)
	return &Fonts{candidates: candidates, logger: slog.Default()}
}

func bundledFonts(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !isFontFile(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out
}

func isFontFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".ttf", ".otf", ".ttc", ".otc":
		return true
	}
	return false
}

func (f *Fonts) resolve() {
	f.once.Do(func() {
		for _, path := range f.candidates {
			ft, err := loadFontFile(path)
			if err != nil {
				f.logger.Debug("font candidate skipped", "path", path, "error", err)
				continue
			}
			f.font, f.source = ft, path
			f.logger.Debug("font loaded", "path", path)
			return
		}
		ft, err := opentype.Parse(goregular.TTF)
		if err != nil {
			f.logger.Warn("go regular unavailable, using basic font", "error", err)
			f.source = "basicfont"
			return
		}
		f.font, f.source = ft, "goregular"
	})
}

func loadFontFile(path string) (*opentype.Font, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxFontFileSize {
		return nil, fmt.Errorf("font file too large: %d bytes", info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".ttc") || strings.HasSuffix(lower, ".otc") {
		coll, err := opentype.ParseCollection(data)
		if err != nil {
			return nil, err
		}
		return coll.Font(0)
	}
	return opentype.Parse(data)
}

// Source names the font in use: a file path, "goregular" or "basicfont".
func (f *Fonts) Source() string {
	f.resolve()
	return f.source
}

// Face returns a new face at sizePt points. It never fails.
func (f *Fonts) Face(sizePt float64) font.Face {
	f.resolve()
	if f.font == nil {
		return basicfont.Face7x13
	}
	face, err := opentype.NewFace(f.font, &opentype.FaceOptions{
		Size:    sizePt,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return basicfont.Face7x13
	}
	return face
}

// RepresentativeRune is the glyph whose advance sets characters per line:
// '中' when the font covers it, otherwise 'M'.
func (f *Fonts) RepresentativeRune() rune {
	f.resolve()
	if f.font == nil {
		return 'M'
	}
	var buf sfnt.Buffer
	idx, err := f.font.GlyphIndex(&buf, '中')
	if err != nil || idx == 0 {
		return 'M'
	}
	return '中'
}
