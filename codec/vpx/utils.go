package vpx

import (
	"github.com/edaniels/golog"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"

	"github.com/edaniels/testpattern/codec"
)

// NewEncoderFactory returns a vpx factory for the given vpx codec.
func NewEncoderFactory(codecVersion Version) codec.VideoEncoderFactory {
	return &factory{codecVersion}
}

type factory struct {
	codecVersion Version
}

func (f *factory) New(width, height, keyFrameInterval int, logger golog.Logger) (codec.VideoEncoder, error) {
	return NewEncoder(f.codecVersion, width, height, keyFrameInterval, logger)
}

func (f *factory) MIMEType() string {
	switch f.codecVersion {
	case Version8:
		return webrtc.MimeTypeVP8
	case Version9:
		return webrtc.MimeTypeVP9
	default:
		panic(errors.Errorf("unknown codec version %q", f.codecVersion))
	}
}
