package main

import (
	"image"
	// register reference image decoders.
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// loadReferenceImage decodes a PNG, JPEG, BMP, TIFF or WebP file.
func loadReferenceImage(path string, logger golog.Logger) (image.Image, error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode reference image %q", path)
	}
	logger.Debugw("loaded reference image", "path", path, "format", format, "bounds", img.Bounds())
	return img, nil
}
