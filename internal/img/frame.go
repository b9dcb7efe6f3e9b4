// Package img loads sampled frames and decodes the QR codes in them.
package img

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
)

// LoadFrame opens a frame honouring EXIF orientation and shrinks it to fit
// within maxDim x maxDim. It never upscales; maxDim <= 0 keeps the source size.
func LoadFrame(path string, maxDim int) (image.Image, error) {
	src, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	if maxDim <= 0 {
		return src, nil
	}
	b := src.Bounds()
	if b.Dx() <= maxDim && b.Dy() <= maxDim {
		return src, nil
	}
	return imaging.Fit(src, maxDim, maxDim, imaging.Lanczos), nil
}
