// Package x264 contains the x264 video codec.
package x264

import (
	"github.com/edaniels/golog"
	"github.com/pion/mediadevices/pkg/codec/x264"

	"github.com/edaniels/testpattern/codec"
)

const bitrate = 3_200_000

// NewEncoder returns an x264 encoder that can encode images of the given width and height. It will
// also ensure that it produces key frames at the given interval.
func NewEncoder(width, height, keyFrameInterval int, logger golog.Logger) (codec.VideoEncoder, error) {
	params, err := x264.NewParams()
	if err != nil {
		return nil, err
	}
	params.BitRate = bitrate
	params.KeyFrameInterval = keyFrameInterval

	return codec.NewReaderEncoder(&params, width, height, logger)
}
