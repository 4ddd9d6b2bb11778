package testpattern

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/pion/mediadevices/pkg/frame"
)

// A ColorConverter converts the planar I420 frame into the interleaved
// layout delivered to raw sample handlers.
type ColorConverter interface {
	Convert(img *image.YCbCr) ([]byte, frame.Format, error)
}

// A ColorConverterFunc is a helper to turn a function into a ColorConverter.
type ColorConverterFunc func(img *image.YCbCr) ([]byte, frame.Format, error)

// Convert calls the underlying function.
func (f ColorConverterFunc) Convert(img *image.YCbCr) ([]byte, frame.Format, error) {
	return f(img)
}

// RGBAConverter converts frames to 8-bit RGBA. Every call returns a newly
// allocated buffer so handlers may keep it.
var RGBAConverter = ColorConverterFunc(func(img *image.YCbCr) ([]byte, frame.Format, error) {
	// the source is opaque so NRGBA and RGBA pixels are identical.
	return imaging.Clone(img).Pix, frame.FormatRGBA, nil
})
