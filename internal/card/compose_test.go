package card

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/VecSil/feishu-card-bot/internal/profile"
)

// tagColor gives every tag a distinct opaque background.
func tagColor(i int) color.NRGBA {
	return color.NRGBA{R: uint8(10 + i*15), G: uint8(200 - i*10), B: uint8(40 + i*7), A: 255}
}

func writeTemplate(t *testing.T, dir string, tag profile.Tag, w, h int, c color.Color) {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, Blank(w, h, c)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, string(tag)+".png"), buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeAllTemplates(t *testing.T, w, h int) string {
	t.Helper()
	dir := t.TempDir()
	for i, tag := range profile.Tags() {
		writeTemplate(t, dir, tag, w, h, tagColor(i))
	}
	return dir
}

var fixedClock = func() time.Time { return time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC) }

func newTestCompositor(t *testing.T, templateDir, outputDir string) *Compositor {
	t.Helper()
	return NewCompositor(NewTemplateSet(templateDir), NewFonts(""), outputDir, WithClock(fixedClock))
}

func decodePNG(t *testing.T, data []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	return img
}

func sameRGB(a, b color.Color) bool {
	ar, ag, ab, _ := a.RGBA()
	br, bg, bb, _ := b.RGBA()
	return ar>>8 == br>>8 && ag>>8 == bg>>8 && ab>>8 == bb>>8
}

func TestCompose_SelectsTemplatePerTag(t *testing.T) {
	dir := writeAllTemplates(t, 540, 960)
	c := newTestCompositor(t, dir, "")

	for i, tag := range profile.Tags() {
		r, err := c.Compose(profile.Profile{Nickname: "Ann", Personality: tag}, nil)
		if err != nil {
			t.Fatalf("%s: Compose: %v", tag, err)
		}
		if r.Tag != tag {
			t.Errorf("Tag = %s, want %s", r.Tag, tag)
		}
		if r.Width != 540 || r.Height != 960 {
			t.Errorf("%s: size = %dx%d, want template size", tag, r.Width, r.Height)
		}
		out := decodePNG(t, r.PNG)
		if got := out.At(1, 1); !sameRGB(got, tagColor(i)) {
			t.Errorf("%s: background = %v, want %v", tag, got, tagColor(i))
		}
	}
}

func TestCompose_InvalidTagFallsBackToDefault(t *testing.T) {
	dir := writeAllTemplates(t, 270, 480)
	c := newTestCompositor(t, dir, "")

	for _, tag := range []profile.Tag{"", "XXXX", "enfp"} {
		r, err := c.Compose(profile.Profile{Personality: tag}, nil)
		if err != nil {
			t.Fatalf("Compose(%q): %v", tag, err)
		}
		if r.Tag != profile.DefaultTag {
			t.Errorf("Compose(%q).Tag = %s, want %s", tag, r.Tag, profile.DefaultTag)
		}
	}
}

func TestCompose_MissingTemplateIsFatal(t *testing.T) {
	c := newTestCompositor(t, t.TempDir(), "")
	_, err := c.Compose(profile.Profile{Personality: "INTJ"}, nil)
	if !errors.Is(err, ErrRenderFailed) {
		t.Fatalf("err = %v, want ErrRenderFailed", err)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want it to wrap fs.ErrNotExist", err)
	}
}

func TestCompose_EmbedsImagePreservingAspect(t *testing.T) {
	dir := writeAllTemplates(t, 1080, 1920)
	c := newTestCompositor(t, dir, "")
	box := DefaultLayout().Image.Rect(1080, 1920)

	for _, size := range [][2]int{{300, 100}, {100, 300}, {4000, 3000}, {17, 17}, {1, 50}} {
		src := Blank(size[0], size[1], color.NRGBA{R: 200, A: 255})
		r, err := c.Compose(profile.Profile{Personality: "INFP"}, src)
		if err != nil {
			t.Fatalf("Compose: %v", err)
		}
		got := r.ImageRect
		if got.Empty() {
			t.Fatalf("%v: image slot left empty", size)
		}
		if !got.In(box) {
			t.Errorf("%v: image %v escapes box %v", size, got, box)
		}
		checkAspect(t, size[0], size[1], got)
	}
}

func checkAspect(t *testing.T, ow, oh int, got image.Rectangle) {
	t.Helper()
	// One side matches the box; the other is rounded to the nearest pixel.
	diff := math.Abs(float64(got.Dx()*oh - got.Dy()*ow))
	if diff > float64(max(ow, oh))/2+1e-9 {
		t.Errorf("%dx%d -> %dx%d: aspect ratio drifted (|w*oh - h*ow| = %v)", ow, oh, got.Dx(), got.Dy(), diff)
	}
}

func TestFit(t *testing.T) {
	box := image.Rect(100, 200, 500, 400) // 400 x 200
	tests := []struct {
		ow, oh int
		want   image.Rectangle
	}{
		{400, 200, image.Rect(100, 200, 500, 400)},
		{800, 400, image.Rect(100, 200, 500, 400)},
		{200, 200, image.Rect(200, 200, 400, 400)},
		{1000, 100, image.Rect(100, 280, 500, 320)},
		{50, 100, image.Rect(250, 200, 350, 400)},
	}
	for _, tt := range tests {
		got := Fit(tt.ow, tt.oh, box)
		if got != tt.want {
			t.Errorf("Fit(%d, %d) = %v, want %v", tt.ow, tt.oh, got, tt.want)
		}
		checkAspect(t, tt.ow, tt.oh, got)
	}
	if got := Fit(0, 10, box); !got.Empty() {
		t.Errorf("Fit with zero width = %v, want empty", got)
	}
}

func TestCompose_PixelIdempotent(t *testing.T) {
	dir := writeAllTemplates(t, 540, 960)
	out := t.TempDir()
	c := newTestCompositor(t, dir, out)
	p := profile.Profile{
		Nickname: "Zhang San", Gender: "M", Profession: "Engineer",
		Interests: "reading, hiking", Introduction: "builder of things", Personality: "INFP",
	}
	img := Blank(120, 80, color.NRGBA{B: 255, A: 200})

	first, err := c.Compose(p, img)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Compose(p, img)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.PNG, second.PNG) {
		t.Error("identical inputs produced different PNG bytes")
	}
	if first.FileName != "20260301-093000_Zhang_San.png" {
		t.Errorf("first file = %q", first.FileName)
	}
	if second.FileName != "20260301-093000_Zhang_San-2.png" {
		t.Errorf("second file = %q, want -2 suffix", second.FileName)
	}
	onDisk, err := os.ReadFile(first.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(onDisk, first.PNG) {
		t.Error("persisted file differs from returned bytes")
	}
}

func TestCompose_WrapsLongText(t *testing.T) {
	dir := writeAllTemplates(t, 1080, 1920)
	fonts := NewFonts("")
	c := NewCompositor(NewTemplateSet(dir), fonts, "")

	interests := strings.Repeat("abcd efgh ", 20) // 200 characters
	r, err := c.Compose(profile.Profile{Nickname: "Ann", Interests: interests}, nil)
	if err != nil {
		t.Fatal(err)
	}
	slot := DefaultLayout().Fields[FieldInterests]
	cpl := CharsPerLine(fonts.Face(slot.Size.Points()), fonts.RepresentativeRune(), int(slot.MaxWidth*1080))

	lines := r.Lines[FieldInterests]
	if len(lines) < 2 {
		t.Fatalf("got %d lines for 200 characters (cpl %d)", len(lines), cpl)
	}
	for i, l := range lines {
		if n := utf8.RuneCountInString(l); n > cpl {
			t.Errorf("line %d has %d runes, bound is %d", i, n, cpl)
		}
	}
}

func TestCompose_WrappedLinePitch(t *testing.T) {
	interests := strings.Repeat("读书 徒步 摄影 ", 20)
	for _, width := range []int{1080, 540} {
		dir := writeAllTemplates(t, width, width*16/9)
		c := NewCompositor(NewTemplateSet(dir), NewFonts(""), "")

		r, err := c.Compose(profile.Profile{Nickname: "Ann", Interests: interests}, nil)
		if err != nil {
			t.Fatal(err)
		}
		lines, baselines := r.Lines[FieldInterests], r.Baselines[FieldInterests]
		if len(lines) < 2 || len(baselines) != len(lines) {
			t.Fatalf("width %d: %d lines, %d baselines", width, len(lines), len(baselines))
		}
		want := int(math.Round(LinePitch * float64(width) / ReferenceWidth))
		for i := 1; i < len(baselines); i++ {
			if got := baselines[i] - baselines[i-1]; got != want {
				t.Errorf("width %d: pitch between lines %d and %d = %d, want %d", width, i-1, i, got, want)
			}
		}
	}
}

func TestCompose_AbsentFieldsAreOmitted(t *testing.T) {
	dir := writeAllTemplates(t, 540, 960)
	c := newTestCompositor(t, dir, "")

	r, err := c.Compose(profile.Profile{Nickname: "Ann", Interests: "chess"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Lines) != 2 {
		t.Errorf("drew fields %v, want nickname and interests only", r.Lines)
	}
	if !r.ImageRect.Empty() {
		t.Errorf("image rect = %v, want empty without an image", r.ImageRect)
	}
}

func TestCompose_QRFallback(t *testing.T) {
	dir := writeAllTemplates(t, 540, 960)
	c := newTestCompositor(t, dir, "")

	r, err := c.Compose(profile.Profile{Nickname: "Ann", QRText: "https://example.com/u/ann"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !r.GeneratedQR || r.ImageRect.Empty() {
		t.Errorf("GeneratedQR = %v, rect = %v; want a QR in the image slot", r.GeneratedQR, r.ImageRect)
	}
}

func TestCompose_PerTagLayoutOverride(t *testing.T) {
	dir := writeAllTemplates(t, 540, 960)
	layouts := `{"tags":{"INTJ":{"image":{"x":0,"y":0,"w":0.5,"h":0.5}}}}`
	if err := os.WriteFile(filepath.Join(dir, "layouts.json"), []byte(layouts), 0o644); err != nil {
		t.Fatal(err)
	}
	c := newTestCompositor(t, dir, "")
	img := Blank(10, 10, color.Black)

	r, err := c.Compose(profile.Profile{Personality: "INTJ"}, img)
	if err != nil {
		t.Fatal(err)
	}
	if want := image.Rect(0, 0, 270, 480); !r.ImageRect.In(want) {
		t.Errorf("INTJ image at %v, want inside %v", r.ImageRect, want)
	}
	r, err = c.Compose(profile.Profile{Personality: "ENTP"}, img)
	if err != nil {
		t.Fatal(err)
	}
	if box := DefaultLayout().Image.Rect(540, 960); !r.ImageRect.In(box) {
		t.Errorf("ENTP image at %v, want default box %v", r.ImageRect, box)
	}
}

func TestSafeName(t *testing.T) {
	tests := map[string]string{
		"Zhang San":      "Zhang_San",
		"  张三 ":          "张三",
		"a/b\\c..d":      "abcd",
		"":               "card",
		"!!!":            "card",
		"x-y_z 9":        "x-y_z_9",
		"emoji😀name":     "emojiname",
		"../../etc/pass": "etcpass",
	}
	for in, want := range tests {
		if got := SafeName(in); got != want {
			t.Errorf("SafeName(%q) = %q, want %q", in, got, want)
		}
	}
}
