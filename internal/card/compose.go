package card

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/math/fixed"

	"github.com/VecSil/feishu-card-bot/internal/profile"
)

// ErrRenderFailed marks the failures that abort a card: a missing or
// undecodable template, PNG encoding, or persisting the file.
var ErrRenderFailed = errors.New("render failed")

// Rendered is a finished card.
type Rendered struct {
	PNG      []byte
	FileName string
	// Path is empty when the compositor has no output directory.
	Path   string
	Tag    profile.Tag
	Width  int
	Height int
	// Lines holds the lines drawn per field after wrapping.
	Lines map[Field][]string
	// Baselines holds the y coordinate each of those lines was drawn at.
	Baselines map[Field][]int
	// ImageRect is where the embedded image landed; empty when the slot was
	// left blank.
	ImageRect image.Rectangle
	// GeneratedQR is set when the image slot holds a QR code made from
	// the profile's QR text.
	GeneratedQR bool
}

// Compositor draws profiles onto templates.
type Compositor struct {
	templates *TemplateSet
	fonts     *Fonts
	outputDir string
	now       func() time.Time
	logger    *slog.Logger
}

// CompositorOption configures a Compositor.
type CompositorOption func(*Compositor)

// WithClock overrides the time used in file names.
func WithClock(now func() time.Time) CompositorOption {
	return func(c *Compositor) { c.now = now }
}

func WithLogger(l *slog.Logger) CompositorOption {
	return func(c *Compositor) { c.logger = l }
}

// NewCompositor persists cards into outputDir; an empty outputDir keeps
// cards in memory only.
func NewCompositor(templates *TemplateSet, fonts *Fonts, outputDir string, opts ...CompositorOption) *Compositor {
	c := &Compositor{
		templates: templates,
		fonts:     fonts,
		outputDir: outputDir,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Compose renders p onto the template for its tag, embedding img when it is
// non-nil. Only the failures described by ErrRenderFailed are returned.
func (c *Compositor) Compose(p profile.Profile, img image.Image) (*Rendered, error) {
	tag := p.Personality
	if !profile.ValidTag(tag) {
		tag = profile.DefaultTag
	}

	tmpl, err := c.templates.Load(tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}
	layouts, err := c.templates.Layouts()
	if err != nil {
		c.logger.Warn("layouts unreadable, using built-in layout", "error", err)
		layouts = DefaultLayouts()
	}
	layout := layouts.For(tag)

	b := tmpl.Bounds()
	w, h := b.Dx(), b.Dy()
	canvas := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), tmpl, b.Min, draw.Src)

	r := &Rendered{Tag: tag, Width: w, Height: h, Lines: make(map[Field][]string), Baselines: make(map[Field][]int)}
	c.drawText(canvas, p, layout, r)

	if !layout.Image.Empty() {
		box := layout.Image.Rect(w, h)
		if img == nil && p.QRText != "" {
			qr, err := QRImage(p.QRText, min(box.Dx(), box.Dy()))
			if err != nil {
				c.logger.Warn("qr fallback failed", "error", err)
			} else {
				img, r.GeneratedQR = qr, true
			}
		}
		if img != nil {
			r.ImageRect = embed(canvas, img, box)
		}
	}

	// Flatten onto opaque white so transparent templates encode predictably.
	out := image.NewRGBA(canvas.Bounds())
	draw.Draw(out, out.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), canvas, image.Point{}, draw.Over)

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	if err := enc.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("%w: encoding png: %w", ErrRenderFailed, err)
	}
	r.PNG = buf.Bytes()
	r.FileName = c.now().Format("20060102-150405") + "_" + SafeName(p.Nickname) + ".png"

	if c.outputDir != "" {
		path, err := writeExclusive(c.outputDir, r.FileName, r.PNG)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRenderFailed, err)
		}
		r.Path = path
		r.FileName = filepath.Base(path)
	}
	return r, nil
}

func (c *Compositor) drawText(canvas draw.Image, p profile.Profile, layout Layout, r *Rendered) {
	w, h := r.Width, r.Height
	scale := float64(w) / ReferenceWidth
	pitch := int(math.Round(LinePitch * scale))
	rep := c.fonts.RepresentativeRune()

	for _, field := range fieldOrder {
		text := fieldValue(p, field)
		slot, ok := layout.Fields[field]
		if text == "" || !ok {
			continue
		}
		face := c.fonts.Face(slot.Size.Points() * scale)
		maxPx := int(slot.MaxWidth * float64(w))

		var lines []string
		if slot.Wrap && maxPx > 0 {
			lines = Wrap(text, CharsPerLine(face, rep, maxPx))
		} else {
			lines = []string{strings.Join(strings.Fields(text), " ")}
		}

		x := int(math.Round(slot.X * float64(w)))
		top := int(math.Round(slot.Y * float64(h)))
		ascent := face.Metrics().Ascent.Ceil()
		d := &font.Drawer{Dst: canvas, Src: image.NewUniform(parseColor(slot.Color)), Face: face}
		baselines := make([]int, len(lines))
		for i, line := range lines {
			baselines[i] = top + ascent + i*pitch
			d.Dot = fixed.P(x, baselines[i])
			d.DrawString(line)
		}
		r.Lines[field] = lines
		r.Baselines[field] = baselines
		if closer, ok := face.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
	}
}

// Fit scales an ow x oh image to fit box without cropping and centres it.
// The aspect ratio is preserved up to pixel rounding.
func Fit(ow, oh int, box image.Rectangle) image.Rectangle {
	bw, bh := box.Dx(), box.Dy()
	if ow <= 0 || oh <= 0 || bw <= 0 || bh <= 0 {
		return image.Rectangle{}
	}
	scale := math.Min(float64(bw)/float64(ow), float64(bh)/float64(oh))
	nw := min(bw, max(1, int(math.Round(float64(ow)*scale))))
	nh := min(bh, max(1, int(math.Round(float64(oh)*scale))))
	x := box.Min.X + (bw-nw)/2
	y := box.Min.Y + (bh-nh)/2
	return image.Rect(x, y, x+nw, y+nh)
}

// embed resizes img into box and composites it using its own alpha.
func embed(dst draw.Image, img image.Image, box image.Rectangle) image.Rectangle {
	ib := img.Bounds()
	rect := Fit(ib.Dx(), ib.Dy(), box)
	if rect.Empty() {
		return image.Rectangle{}
	}
	resized := imaging.Resize(img, rect.Dx(), rect.Dy(), imaging.Lanczos)
	draw.Draw(dst, rect, resized, resized.Bounds().Min, draw.Over)
	return rect
}

// SafeName reduces s to characters that are safe in a file name: ASCII
// letters and digits, '_', '-', and Han characters. Spaces become '_'.
func SafeName(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "_")
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case unicode.Is(unicode.Han, r):
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "card"
	}
	return b.String()
}

// writeExclusive creates dir/name without overwriting, appending -2, -3 ...
// to the stem when the name is taken. It returns the path written.
func writeExclusive(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; i < 1000; i++ {
		candidate := name
		if i > 1 {
			candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating %s: %w", path, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("writing %s: %w", path, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("closing %s: %w", path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("no free file name for %s", name)
}

// Blank returns a plain w x h template, used when an asset directory has
// no templates yet.
func Blank(w, h int, c color.Color) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}
