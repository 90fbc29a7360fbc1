package attachment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"mime"
	"strings"

	// Decoders for formats users upload as QR codes and avatars.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// Kind tags a resolution strategy.
type Kind int

const (
	RecordFieldLookup Kind = iota
	CollectionScan
	DirectMediaDownload
	DirectFileDownload
	PlainURLDownload
)

func (k Kind) String() string {
	switch k {
	case RecordFieldLookup:
		return "record_field_lookup"
	case CollectionScan:
		return "collection_scan"
	case DirectMediaDownload:
		return "direct_media_download"
	case DirectFileDownload:
		return "direct_file_download"
	case PlainURLDownload:
		return "plain_url_download"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Step is the outcome of running one strategy.
type Step struct {
	Data        []byte
	ContentType string
	Status      int
	// Tokens lists canonical storage tokens discovered by lookup strategies.
	Tokens []string
	// Image is set when the strategy already decoded an accepted image.
	Image *Image
	Err   error
}

// Strategy is one ranked way of turning credentials into image bytes.
type Strategy struct {
	Kind   Kind
	Family string
	Token  string
	Run    func(ctx context.Context, cred string) Step
}

// Image is a decoded attachment and its original pixel size.
type Image struct {
	Image    image.Image
	Width    int
	Height   int
	Format   string
	Token    string
	Endpoint string
}

var (
	errTooSmall  = errors.New("response below minimum size")
	errTooLarge  = errors.New("response too large")
	errJSONBody  = errors.New("response is JSON, not image bytes")
	errNoImage   = errors.New("no attachment image found")
	errDuplicate = errors.New("endpoint already tried")
)

// Acceptor decides whether a step produced a usable image.
type Acceptor func(Step) (*Image, error)

// NewAcceptor returns the default acceptance check: a 2xx status, a body
// larger than minBytes, a non-JSON payload, and bytes that decode as an image.
func NewAcceptor(minBytes int) Acceptor {
	return func(s Step) (*Image, error) {
		if s.Image != nil {
			return s.Image, nil
		}
		if s.Err != nil {
			return nil, s.Err
		}
		if s.Status < 200 || s.Status > 299 {
			return nil, fmt.Errorf("unexpected status %d", s.Status)
		}
		if len(s.Data) <= minBytes {
			return nil, fmt.Errorf("%w: %d bytes", errTooSmall, len(s.Data))
		}
		if looksLikeJSON(s.ContentType, s.Data) {
			return nil, errJSONBody
		}
		img, format, err := image.Decode(bytes.NewReader(s.Data))
		if err != nil {
			return nil, fmt.Errorf("decoding image: %w", err)
		}
		b := img.Bounds()
		return &Image{Image: img, Width: b.Dx(), Height: b.Dy(), Format: format}, nil
	}
}

func looksLikeJSON(contentType string, data []byte) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if mt == "application/json" || strings.HasSuffix(mt, "+json") {
			return true
		}
	}
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// FirstSuccess runs strategies in order and returns the first accepted image.
// observe, when non-nil, sees every step. When all strategies fail the last
// rejection is returned.
func FirstSuccess(ctx context.Context, cred string, strategies []Strategy, accept Acceptor, observe func(Strategy, Step)) (*Image, error) {
	lastErr := errNoImage
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		step := s.Run(ctx, cred)
		if observe != nil {
			observe(s, step)
		}
		img, err := accept(step)
		if err == nil {
			if img.Token == "" {
				img.Token = s.Token
			}
			if img.Endpoint == "" {
				img.Endpoint = s.Family
			}
			return img, nil
		}
		if !errors.Is(err, errDuplicate) {
			lastErr = fmt.Errorf("%s %s: %w", s.Kind, s.Family, err)
		}
	}
	return nil, lastErr
}
