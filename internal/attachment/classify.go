package attachment

import "strings"

// Class is a heuristic guess at what kind of identifier an attachment id is.
// It only orders the strategies; it never rules one out.
type Class string

const (
	ClassEmpty    Class = "empty"
	ClassImageKey Class = "image_key"
	ClassFileKey  Class = "file_key"
	ClassLongForm Class = "long_form"
	ClassShort    Class = "short"
	// ClassURL is a plain http(s) link such as an avatar URL.
	ClassURL Class = "url"
)

// longFormThreshold separates storage tokens issued by the drive/bitable
// layer from shorter keys minted elsewhere.
const longFormThreshold = 25

// Classify inspects the textual shape of id.
func Classify(id string) Class {
	id = strings.TrimSpace(id)
	switch {
	case id == "":
		return ClassEmpty
	case isPlainURL(id):
		return ClassURL
	case strings.HasPrefix(id, "img_"):
		return ClassImageKey
	case strings.HasPrefix(id, "file_"):
		return ClassFileKey
	case len(id) > longFormThreshold:
		return ClassLongForm
	default:
		return ClassShort
	}
}

func isPlainURL(id string) bool {
	lower := strings.ToLower(id)
	return strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://")
}

// Endpoint families, used for ordering and for failure reports.
const (
	familyRecord     = "record"
	familyCollection = "collection"
	familyAttachment = "attachment_url"
	familyIMImage    = "im_image"
	familyMedia      = "media"
	familyMediaTmp   = "media_tmp_url"
	familyFile       = "file"
	familyPlainURL   = "plain_url"
)

// directOrder lists the direct-download families to try per class. Plain
// URLs have none: they are fetched as-is before anything else.
var directOrder = map[Class][]string{
	ClassImageKey: {familyIMImage, familyMedia, familyFile},
	ClassFileKey:  {familyFile, familyMedia},
	ClassLongForm: {familyMedia, familyMediaTmp, familyFile},
	ClassShort:    {familyMedia, familyFile},
}

func familyKind(family string) Kind {
	switch family {
	case familyRecord:
		return RecordFieldLookup
	case familyCollection:
		return CollectionScan
	case familyFile:
		return DirectFileDownload
	case familyPlainURL:
		return PlainURLDownload
	default:
		return DirectMediaDownload
	}
}
