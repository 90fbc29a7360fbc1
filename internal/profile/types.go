package profile

import "strings"

// Tag is a personality code (one of the 16 MBTI types) that selects a card template.
type Tag string

// DefaultTag is used when a payload carries no tag or an unrecognized one.
const DefaultTag Tag = "ENFP"

var validTags = []Tag{
	"ENFJ", "ENFP", "ENTJ", "ENTP", "ESFJ", "ESFP", "ESTJ", "ESTP",
	"INFJ", "INFP", "INTJ", "INTP", "ISFJ", "ISFP", "ISTJ", "ISTP",
}

// Tags returns the 16 valid personality codes in a stable order.
func Tags() []Tag {
	out := make([]Tag, len(validTags))
	copy(out, validTags)
	return out
}

// ValidTag reports whether t is one of the 16 codes.
func ValidTag(t Tag) bool {
	_, ok := ParseTag(string(t))
	return ok && Tag(strings.ToUpper(string(t))) == t
}

// ParseTag normalizes s and reports whether it is one of the valid codes.
// Invalid input returns DefaultTag and false.
func ParseTag(s string) (Tag, bool) {
	t := Tag(strings.ToUpper(strings.TrimSpace(s)))
	for _, v := range validTags {
		if v == t {
			return t, true
		}
	}
	return DefaultTag, false
}

// Shape names the payload layout a profile was extracted from.
type Shape string

const (
	ShapeFlat   Shape = "flat"
	ShapeFields Shape = "fields"
	ShapeEvent  Shape = "event"
)

// Profile is the fixed internal schema every accepted payload shape maps to.
// Text fields are trimmed and never absent; Personality is always valid.
type Profile struct {
	Nickname     string `json:"nickname"`
	Gender       string `json:"gender"`
	Profession   string `json:"profession"`
	Interests    string `json:"interests"`
	Introduction string `json:"introduction"`
	Personality  Tag    `json:"personality"`

	AttachmentID string `json:"attachment_id"`
	ContainerID  string `json:"container_id"`
	CollectionID string `json:"collection_id"`
	EntryID      string `json:"entry_id"`

	OpenID string `json:"open_id"`
	Email  string `json:"email"`
	Mobile string `json:"mobile"`
	QRText string `json:"qr_text"`

	Shape Shape `json:"shape"`
}

// HasRecordContext reports whether the profile identifies a remote table record.
func (p Profile) HasRecordContext() bool {
	return p.ContainerID != "" && p.CollectionID != ""
}
