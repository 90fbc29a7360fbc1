package card

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io/fs"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/VecSil/feishu-card-bot/internal/profile"
)

// ReferenceWidth is the template width the point sizes and line pitch are
// authored against. Templates of other widths scale every metric by
// width/ReferenceWidth.
const ReferenceWidth = 1080

// LinePitch is the baseline-to-baseline distance of wrapped lines at
// ReferenceWidth.
const LinePitch = 46

// Size names a typographic size class.
type Size string

const (
	SizeTitle Size = "title"
	SizeBody  Size = "body"
	SizeSmall Size = "small"
)

// Points returns the size in points at ReferenceWidth.
func (s Size) Points() float64 {
	switch s {
	case SizeTitle:
		return 56
	case SizeSmall:
		return 28
	default:
		return 36
	}
}

// Field names a profile value that can be drawn on a card.
type Field string

const (
	FieldNickname     Field = "nickname"
	FieldGender       Field = "gender"
	FieldProfession   Field = "profession"
	FieldInterests    Field = "interests"
	FieldIntroduction Field = "introduction"
	FieldPersonality  Field = "personality"
)

// fieldOrder fixes the draw order so output is reproducible.
var fieldOrder = []Field{FieldNickname, FieldGender, FieldProfession, FieldInterests, FieldIntroduction, FieldPersonality}

func fieldValue(p profile.Profile, f Field) string {
	switch f {
	case FieldNickname:
		return p.Nickname
	case FieldGender:
		return p.Gender
	case FieldProfession:
		return p.Profession
	case FieldInterests:
		return p.Interests
	case FieldIntroduction:
		return p.Introduction
	case FieldPersonality:
		return string(p.Personality)
	}
	return ""
}

// Slot positions one text field. X and Y locate the top-left corner of the
// first line and MaxWidth bounds wrapped lines; all three are fractions of
// the canvas.
type Slot struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	MaxWidth float64 `json:"max_width"`
	Size     Size    `json:"size"`
	Color    string  `json:"color"`
	Wrap     bool    `json:"wrap"`
}

// Box is a fractional rectangle.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Empty reports whether the box has no area.
func (b Box) Empty() bool { return b.W <= 0 || b.H <= 0 }

// Rect converts b to pixels on a w x h canvas.
func (b Box) Rect(w, h int) image.Rectangle {
	x0 := int(math.Round(b.X * float64(w)))
	y0 := int(math.Round(b.Y * float64(h)))
	x1 := int(math.Round((b.X + b.W) * float64(w)))
	y1 := int(math.Round((b.Y + b.H) * float64(h)))
	return image.Rect(x0, y0, x1, y1)
}

// Layout describes where every field and the image land on a template.
type Layout struct {
	Fields map[Field]Slot `json:"fields"`
	Image  Box            `json:"image"`
}

// DefaultLayout is shared by every tag unless overridden.
func DefaultLayout() Layout {
	return Layout{
		Fields: map[Field]Slot{
			FieldNickname:     {X: 0.08, Y: 0.26, MaxWidth: 0.84, Size: SizeTitle, Color: "#0F172A"},
			FieldGender:       {X: 0.08, Y: 0.33, MaxWidth: 0.40, Size: SizeBody, Color: "#334155"},
			FieldProfession:   {X: 0.08, Y: 0.38, MaxWidth: 0.84, Size: SizeBody, Color: "#334155"},
			FieldInterests:    {X: 0.08, Y: 0.45, MaxWidth: 0.84, Size: SizeSmall, Color: "#475569", Wrap: true},
			FieldIntroduction: {X: 0.08, Y: 0.58, MaxWidth: 0.84, Size: SizeSmall, Color: "#475569", Wrap: true},
		},
		Image: Box{X: 0.32, Y: 0.72, W: 0.36, H: 0.22},
	}
}

// Layouts holds the default layout and per-tag overrides.
type Layouts struct {
	Default Layout                 `json:"default"`
	Tags    map[profile.Tag]Layout `json:"tags"`
}

// DefaultLayouts returns the built-in layout for all tags.
func DefaultLayouts() Layouts {
	return Layouts{Default: DefaultLayout()}
}

// For returns the layout for tag. Override fields replace the default slot
// of the same name; an override image box replaces the default box.
func (l Layouts) For(tag profile.Tag) Layout {
	base := l.Default
	if base.Fields == nil {
		base = DefaultLayout()
	}
	over, ok := l.Tags[tag]
	if !ok {
		return base
	}
	merged := Layout{Fields: make(map[Field]Slot, len(base.Fields)), Image: base.Image}
	for f, s := range base.Fields {
		merged.Fields[f] = s
	}
	for f, s := range over.Fields {
		merged.Fields[f] = s
	}
	if !over.Image.Empty() {
		merged.Image = over.Image
	}
	return merged
}

// LoadLayouts reads a layouts.json file. A missing file yields the built-in
// layouts.
func LoadLayouts(path string) (Layouts, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultLayouts(), nil
	}
	if err != nil {
		return Layouts{}, fmt.Errorf("reading layouts: %w", err)
	}
	var l Layouts
	if err := json.Unmarshal(data, &l); err != nil {
		return Layouts{}, fmt.Errorf("parsing layouts %s: %w", path, err)
	}
	if l.Default.Fields == nil {
		def := DefaultLayout()
		l.Default.Fields = def.Fields
		if l.Default.Image.Empty() {
			l.Default.Image = def.Image
		}
	}
	for tag := range l.Tags {
		if !profile.ValidTag(tag) {
			return Layouts{}, fmt.Errorf("layouts %s: unknown tag %q", path, tag)
		}
	}
	return l, nil
}

func parseColor(s string) color.Color {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 && len(s) != 8 {
		return color.Black
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.Black
	}
	if len(s) == 6 {
		return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}
}
