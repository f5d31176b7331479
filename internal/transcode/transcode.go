// Package transcode decodes uploaded images and re-encodes them into the single
// output format served by the site. Every function is pure; callers decide sizes
// and quality.
package transcode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"solarcms/internal/variant"
)

const (
	MimeType  = "image/jpeg"
	Extension = ".jpg"

	QualityCanonical = 90
	QualityVariant   = 80
)

var (
	ErrDecode = errors.New("image decode failed")
	ErrEncode = errors.New("image encode failed")
)

// Decode parses raw bytes in any supported raster format. The format is sniffed
// from the content; EXIF orientation is applied.
func Decode(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrDecode)
	}
	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// Dimensions returns the intrinsic dimensions without decoding pixel data.
func Dimensions(raw []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return cfg.Width, cfg.Height, nil
}

// Resize applies the variant's fit policy. Shrink-only is the caller's decision
// (variant.Spec.Applies); Resize itself scales whatever it is given.
func Resize(img image.Image, spec variant.Spec) image.Image {
	switch spec.Fit {
	case variant.FitFill:
		return imaging.Fill(img, spec.Width, spec.Height, imaging.Center, imaging.Lanczos)
	default:
		return imaging.Resize(img, spec.Width, spec.Height, imaging.Lanczos)
	}
}

// Encode writes img as JPEG at the given quality. Transparent pixels are
// flattened onto white first.
func Encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flatten(img), imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return buf.Bytes(), nil
}

func flatten(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// Size reports the pixel dimensions of img.
func Size(img image.Image) (int, int) {
	b := img.Bounds()
	return b.Dx(), b.Dy()
}
