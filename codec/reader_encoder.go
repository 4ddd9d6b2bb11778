package codec

import (
	"context"
	"image"
	"sync"

	"github.com/edaniels/golog"
	mdcodec "github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"
)

// ErrKeyFrameUnsupported happens when the underlying codec cannot be asked for a key frame.
var ErrKeyFrameUnsupported = errors.New("codec does not support forcing key frames")

type keyFrameForcer interface {
	ForceKeyFrame() error
}

// readerEncoder adapts a mediadevices encoder, which pulls images from a
// video.Reader, into a push style VideoEncoder. The reader side hands back
// whatever image was most recently pushed.
type readerEncoder struct {
	mu     sync.Mutex
	codec  mdcodec.ReadCloser
	img    image.Image
	logger golog.Logger
}

// NewReaderEncoder builds a VideoEncoder of the given dimensions from a mediadevices
// encoder builder.
func NewReaderEncoder(builder mdcodec.VideoEncoderBuilder, width, height int, logger golog.Logger) (VideoEncoder, error) {
	enc := &readerEncoder{logger: logger}

	codec, err := builder.BuildVideoEncoder(enc, prop.Media{
		Video: prop.Video{
			Width:  width,
			Height: height,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build video encoder")
	}
	enc.codec = codec

	return enc, nil
}

// Read returns the image last passed to Encode.
func (v *readerEncoder) Read() (img image.Image, release func(), err error) {
	return v.img, func() {}, nil
}

func (v *readerEncoder) Encode(ctx context.Context, img image.Image) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	v.img = img
	data, release, err := v.codec.Read()
	if err != nil {
		return nil, err
	}
	defer release()
	if len(data) == 0 {
		return nil, nil
	}
	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	return dataCopy, nil
}

func (v *readerEncoder) ForceKeyFrame() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	forcer, ok := v.codec.(keyFrameForcer)
	if !ok {
		return ErrKeyFrameUnsupported
	}
	return forcer.ForceKeyFrame()
}

func (v *readerEncoder) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.codec.Close()
}
