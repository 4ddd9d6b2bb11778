package x264

import (
	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v3"

	"github.com/edaniels/testpattern/codec"
)

// NewEncoderFactory returns an x264 encoder factory.
func NewEncoderFactory() codec.VideoEncoderFactory {
	return &factory{}
}

type factory struct{}

func (f *factory) New(width, height, keyFrameInterval int, logger golog.Logger) (codec.VideoEncoder, error) {
	return NewEncoder(width, height, keyFrameInterval, logger)
}

func (f *factory) MIMEType() string {
	return webrtc.MimeTypeH264
}
