package card

import (
	"fmt"
	"image"

	"github.com/skip2/go-qrcode"
)

// QRImage encodes text as a QR code with medium error correction, size
// pixels square.
func QRImage(text string, size int) (image.Image, error) {
	q, err := qrcode.New(text, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("encoding qr code: %w", err)
	}
	return q.Image(size), nil
}
