// Package vpx contains the vpx video codec.
package vpx

import (
	"github.com/edaniels/golog"
	mdcodec "github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pkg/errors"

	"github.com/edaniels/testpattern/codec"
)

// Version determines the version of a vpx codec.
type Version string

// The set of allowed vpx versions.
const (
	Version8 Version = "vp8"
	Version9 Version = "vp9"
)

const bitrate = 1_200_000

// NewEncoder returns a vpx encoder of the given type that can encode images of the given width and height. It will
// also ensure that it produces key frames at the given interval.
func NewEncoder(codecVersion Version, width, height, keyFrameInterval int, logger golog.Logger) (codec.VideoEncoder, error) {
	var builder mdcodec.VideoEncoderBuilder
	switch codecVersion {
	case Version8:
		params, err := vpx.NewVP8Params()
		if err != nil {
			return nil, err
		}
		params.BitRate = bitrate
		params.KeyFrameInterval = keyFrameInterval
		builder = &params
	case Version9:
		params, err := vpx.NewVP9Params()
		if err != nil {
			return nil, err
		}
		params.BitRate = bitrate
		params.KeyFrameInterval = keyFrameInterval
		builder = &params
	default:
		return nil, errors.Errorf("unsupported vpx version: %s", codecVersion)
	}

	return codec.NewReaderEncoder(builder, width, height, logger)
}
