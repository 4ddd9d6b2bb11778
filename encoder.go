package testpattern

import (
	"context"
	"image"
	"strings"
	"sync"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/edaniels/testpattern/codec"
)

// ErrNoEncoderForFormat happens when no factory can produce the requested format.
var ErrNoEncoderForFormat = errors.New("no encoder for format")

// An Encoder encodes frames into whichever format was negotiated for the source.
type Encoder interface {
	Encode(ctx context.Context, img image.Image, format Format) ([]byte, error)
	ForceKeyFrame() error
	Close() error
}

// NewEncoder returns an Encoder that lazily creates a codec per format using
// the factory whose MIME type matches the format.
func NewEncoder(keyFrameInterval int, logger golog.Logger, factories ...codec.VideoEncoderFactory) Encoder {
	if keyFrameInterval <= 0 {
		keyFrameInterval = codec.DefaultKeyFrameInterval
	}
	return &formatEncoder{
		factories:        factories,
		keyFrameInterval: keyFrameInterval,
		encoders:         map[string]*sizedEncoder{},
		logger:           logger,
	}
}

type sizedEncoder struct {
	codec.VideoEncoder
	bounds image.Rectangle
}

type formatEncoder struct {
	mu               sync.Mutex
	factories        []codec.VideoEncoderFactory
	keyFrameInterval int
	encoders         map[string]*sizedEncoder
	active           codec.VideoEncoder
	logger           golog.Logger
}

func (fe *formatEncoder) Encode(ctx context.Context, img image.Image, format Format) ([]byte, error) {
	fe.mu.Lock()
	enc, err := fe.encoderFor(img.Bounds(), format)
	fe.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return enc.Encode(ctx, img)
}

// encoderFor must be called with the lock held.
func (fe *formatEncoder) encoderFor(bounds image.Rectangle, format Format) (codec.VideoEncoder, error) {
	mimeType := strings.ToLower(format.MimeType)
	if enc, ok := fe.encoders[mimeType]; ok {
		if enc.bounds.Eq(bounds) {
			fe.active = enc.VideoEncoder
			return enc.VideoEncoder, nil
		}
		fe.logger.Infow("detected new image bounds", "width", bounds.Dx(), "height", bounds.Dy())
		if err := enc.Close(); err != nil {
			fe.logger.Warnw("error closing encoder", "mime_type", format.MimeType, "error", err)
		}
		delete(fe.encoders, mimeType)
	}
	for _, factory := range fe.factories {
		if !strings.EqualFold(factory.MIMEType(), format.MimeType) {
			continue
		}
		enc, err := factory.New(bounds.Dx(), bounds.Dy(), fe.keyFrameInterval, fe.logger)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create %s encoder", format.MimeType)
		}
		fe.logger.Debugw("created encoder", "mime_type", format.MimeType, "width", bounds.Dx(), "height", bounds.Dy())
		fe.encoders[mimeType] = &sizedEncoder{enc, bounds}
		fe.active = enc
		return enc, nil
	}
	return nil, errors.Wrapf(ErrNoEncoderForFormat, "%q", format.MimeType)
}

// ForceKeyFrame applies to the encoder that handled the most recent frame.
// Before any frame has been encoded there is nothing to do.
func (fe *formatEncoder) ForceKeyFrame() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	if fe.active == nil {
		return nil
	}
	return fe.active.ForceKeyFrame()
}

func (fe *formatEncoder) Close() error {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	var err error
	for mimeType, enc := range fe.encoders {
		err = multierr.Append(err, enc.Close())
		delete(fe.encoders, mimeType)
	}
	fe.active = nil
	return err
}
