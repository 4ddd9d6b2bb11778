// Package codec defines the encoder and factory interfaces for encoding video frames.
package codec

import (
	"context"
	"image"

	"github.com/edaniels/golog"
)

// DefaultKeyFrameInterval is the default interval chosen
// in order to produce high enough quality results at a low
// latency.
const DefaultKeyFrameInterval = 30

// A VideoEncoder is anything that can encode images into bytes. This means that
// the encoder must follow some type of format dictated by a type (see VideoEncoderFactory.MIMEType).
// An encoder that produces bytes of different encoding formats per call is invalid.
type VideoEncoder interface {
	// Encode encodes the image. A nil result with a nil error means the codec
	// buffered the frame and has nothing to emit yet.
	Encode(ctx context.Context, img image.Image) ([]byte, error)
	// ForceKeyFrame asks that the next encoded frame be a key frame.
	ForceKeyFrame() error
	Close() error
}

// A VideoEncoderFactory produces VideoEncoders and provides information about the underlying encoder itself.
type VideoEncoderFactory interface {
	New(width, height, keyFrameInterval int, logger golog.Logger) (VideoEncoder, error)
	MIMEType() string
}
