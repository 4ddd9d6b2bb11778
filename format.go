package testpattern

import (
	"strings"
	"sync"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

// VideoClockRate is the RTP clock rate used by every video format this source
// advertises.
const VideoClockRate = 90000

// ErrFormatNotSupported happens when a format is selected that is not in the
// (possibly restricted) list of supported formats.
var ErrFormatNotSupported = errors.New("format not supported by this source")

// A Format is a codec format a source can produce encoded samples in.
type Format struct {
	PayloadType uint8
	webrtc.RTPCodecCapability
}

// String returns the MIME type of the format.
func (f Format) String() string {
	return f.MimeType
}

// matches reports whether two formats describe the same codec. It follows
// the same fuzzy rules as codec negotiation: MIME type plus fmtp line first,
// falling back to MIME type alone when either fmtp line is empty.
func (f Format) matches(other Format) bool {
	if !strings.EqualFold(f.MimeType, other.MimeType) {
		return false
	}
	if f.SDPFmtpLine == "" || other.SDPFmtpLine == "" {
		return true
	}
	return f.SDPFmtpLine == other.SDPFmtpLine
}

// DefaultFormats returns the formats a source supports unless configured otherwise.
func DefaultFormats() []Format {
	return []Format{
		{
			PayloadType: 96,
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeVP8,
				ClockRate: VideoClockRate,
			},
		},
		{
			PayloadType: 98,
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeVP9,
				ClockRate: VideoClockRate,
			},
		},
		{
			PayloadType: 102,
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeH264,
				ClockRate:   VideoClockRate,
				SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
			},
		},
	}
}

// A FormatSelector tracks which formats a source supports and which one has
// been negotiated for encoded output.
type FormatSelector interface {
	// Formats returns the currently supported formats.
	Formats() []Format
	// Select negotiates the given format. It must match a supported format.
	Select(format Format) error
	// Selected returns the negotiated format, if any.
	Selected() (Format, bool)
	// Restrict narrows the supported formats to those the filter accepts.
	Restrict(filter func(Format) bool)
}

// NewFormatSelector returns a thread-safe FormatSelector over the given formats.
func NewFormatSelector(formats ...Format) FormatSelector {
	supported := make([]Format, len(formats))
	copy(supported, formats)
	return &formatSelector{supported: supported}
}

type formatSelector struct {
	mu        sync.RWMutex
	supported []Format
	selected  *Format
}

func (fs *formatSelector) Formats() []Format {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	formats := make([]Format, len(fs.supported))
	copy(formats, fs.supported)
	return formats
}

func (fs *formatSelector) Select(format Format) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, supported := range fs.supported {
		if supported.matches(format) {
			selected := supported
			fs.selected = &selected
			return nil
		}
	}
	return errors.Wrapf(ErrFormatNotSupported, "%q", format.MimeType)
}

func (fs *formatSelector) Selected() (Format, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.selected == nil {
		return Format{}, false
	}
	return *fs.selected, true
}

func (fs *formatSelector) Restrict(filter func(Format) bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	kept := fs.supported[:0]
	for _, format := range fs.supported {
		if filter(format) {
			kept = append(kept, format)
		}
	}
	fs.supported = kept
	if fs.selected != nil && !filter(*fs.selected) {
		fs.selected = nil
	}
}
