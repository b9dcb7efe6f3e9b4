package img

import (
	"context"
	"fmt"

	"github.com/makiuchi-d/gozxing"
	multiqr "github.com/makiuchi-d/gozxing/multi/qrcode"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// Decoder finds every machine-readable symbol in one frame. An empty result
// means nothing was found; errors are reserved for unreadable image data.
type Decoder interface {
	Name() string
	DecodeAll(ctx context.Context, framePath string) ([]string, error)
}

// QRDecoder decodes QR codes with gozxing, trying the multi-symbol reader
// first and falling back to the single-symbol reader.
type QRDecoder struct {
	maxDim int
	hints  map[gozxing.DecodeHintType]interface{}
}

// NewQRDecoder returns a decoder that downscales frames larger than maxDim
// pixels on either side before decoding.
func NewQRDecoder(maxDim int) *QRDecoder {
	return &QRDecoder{
		maxDim: maxDim,
		hints: map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		},
	}
}

func (d *QRDecoder) Name() string {
	return "gozxing-qr"
}

func (d *QRDecoder) DecodeAll(ctx context.Context, framePath string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame, err := LoadFrame(framePath, d.maxDim)
	if err != nil {
		return nil, err
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(frame)
	if err != nil {
		return nil, fmt.Errorf("binarize: %w", err)
	}

	results, err := multiqr.NewQRCodeMultiReader().DecodeMultiple(bmp, d.hints)
	if err == nil && len(results) > 0 {
		out := make([]string, 0, len(results))
		for _, r := range results {
			if text := r.GetText(); text != "" {
				out = append(out, text)
			}
		}
		return out, nil
	}

	// Not-found, checksum and format errors all mean no readable symbol.
	single, err := qrcode.NewQRCodeReader().Decode(bmp, d.hints)
	if err != nil || single.GetText() == "" {
		return []string{}, nil
	}
	return []string{single.GetText()}, nil
}
