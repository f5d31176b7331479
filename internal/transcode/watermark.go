package transcode

import (
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

const minWatermarkSize = 12

// Watermarker stamps a line of text into the bottom-left corner of an image.
// A nil Watermarker is valid and leaves images untouched.
type Watermarker struct {
	text string
	font *truetype.Font
}

// NewWatermarker returns nil when text is empty.
func NewWatermarker(text string) (*Watermarker, error) {
	const op = "transcode.NewWatermarker"
	if text == "" {
		return nil, nil
	}
	f, err := freetype.ParseFont(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Watermarker{text: text, font: f}, nil
}

func (w *Watermarker) Apply(img image.Image) (image.Image, error) {
	const op = "transcode.Watermarker.Apply"
	if w == nil {
		return img, nil
	}

	dst := imaging.Clone(img)
	b := dst.Bounds()
	size := float64(b.Dx()) / 40
	if size < minWatermarkSize {
		size = minWatermarkSize
	}

	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(w.font)
	c.SetFontSize(size)
	c.SetClip(b)
	c.SetDst(dst)
	c.SetSrc(image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 170}))

	margin := int(size)
	if _, err := c.DrawString(w.text, freetype.Pt(margin, b.Dy()-margin)); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return dst, nil
}
