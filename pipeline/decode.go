package pipeline

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MaxPixels caps the decoded frame size. Headers declaring more pixels are
// rejected before any pixel buffer is allocated.
const MaxPixels = 8192 * 8192

// Decode turns a data URL ("data:image/jpeg;base64,<payload>") or a bare
// base64 string into a pixel grid. Everything up to and including the first
// comma is discarded.
func Decode(input string) (image.Image, error) {
	payload := input
	if i := strings.IndexByte(input, ','); i >= 0 {
		payload = input[i+1:]
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &DecodeError{Reason: ReasonInvalidEncoding, Cause: err}
	}
	return DecodeBytes(raw)
}

// DecodeBytes decodes an already binary image buffer in any registered
// raster format.
func DecodeBytes(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, &DecodeError{Reason: ReasonUnreadableImage}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Reason: ReasonUnreadableImage, Cause: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, &DecodeError{
			Reason: ReasonUnreadableImage,
			Cause:  fmt.Errorf("image is %dx%d, limit is %d pixels", cfg.Width, cfg.Height, MaxPixels),
		}
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &DecodeError{Reason: ReasonUnreadableImage, Cause: err}
	}
	if img.Bounds().Empty() {
		return nil, &DecodeError{Reason: ReasonUnreadableImage}
	}
	return img, nil
}
