package testpattern

import (
	"bytes"
	_ "embed"
	"image"
	"image/color"
	// register the reference image decoder.
	_ "image/png"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

//go:embed data/testpattern.png
var testPatternPNG []byte

// i420Len returns the number of bytes in an I420 frame of the given size.
func i420Len(width, height int) int {
	return width * height * 3 / 2
}

// loadReferenceFrame returns the reference image as an I420 buffer of exactly
// i420Len(width, height) bytes. A nil img means the embedded test pattern.
func loadReferenceFrame(img image.Image, width, height int) ([]byte, error) {
	if img == nil {
		decoded, _, err := image.Decode(bytes.NewReader(testPatternPNG))
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode embedded test pattern")
		}
		img = decoded
	}
	bounds := img.Bounds()
	if bounds.Dx() != width || bounds.Dy() != height {
		img = resize.Resize(uint(width), uint(height), img, resize.Bilinear)
	}
	buf := toI420(img, width, height)
	if len(buf) != i420Len(width, height) {
		return nil, errors.Errorf("reference frame has %d bytes; expected %d", len(buf), i420Len(width, height))
	}
	return buf, nil
}

// toI420 samples chroma from the top left pixel of every 2x2 block.
func toI420(img image.Image, width, height int) []byte {
	buf := make([]byte, i420Len(width, height))
	lumaLen := width * height
	chromaWidth := width / 2
	cb := buf[lumaLen : lumaLen+lumaLen/4]
	cr := buf[lumaLen+lumaLen/4:]

	origin := img.Bounds().Min
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(origin.X+x, origin.Y+y).RGBA()
			yy, u, v := color.RGBToYCbCr(uint8(r>>8), uint8(g>>8), uint8(b>>8))
			buf[y*width+x] = yy
			if x%2 == 0 && y%2 == 0 {
				idx := (y/2)*chromaWidth + x/2
				cb[idx] = u
				cr[idx] = v
			}
		}
	}
	return buf
}

// ycbcrView wraps an I420 buffer without copying it. Writes to buf are visible
// through the returned image.
func ycbcrView(buf []byte, width, height int) *image.YCbCr {
	lumaLen := width * height
	chromaLen := lumaLen / 4
	return &image.YCbCr{
		Y:              buf[:lumaLen:lumaLen],
		Cb:             buf[lumaLen : lumaLen+chromaLen : lumaLen+chromaLen],
		Cr:             buf[lumaLen+chromaLen : lumaLen+2*chromaLen : lumaLen+2*chromaLen],
		YStride:        width,
		CStride:        width / 2,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, width, height),
	}
}
