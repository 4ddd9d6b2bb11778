// Package webrtc contains a local WebRTC track that encoded samples from a
// test pattern source can be written to. The caller supplies each sample's
// duration so packet timestamps follow the source's frame spacing.
package webrtc

import (
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
	"go.uber.org/multierr"
)

// Adapted from https://github.com/pion/webrtc/blob/master/track_local_static.go

// rtpOutboundMTU is the largest RTP packet the track will produce.
const rtpOutboundMTU = 1200

// binding is the result of one successful Bind; a track has one per peer connection.
type binding struct {
	id          string
	ssrc        webrtc.SSRC
	payloadType webrtc.PayloadType
	writeStream webrtc.TrackLocalWriter
}

// TrackLocalStaticSample is a webrtc.TrackLocal with a fixed codec that
// accepts whole encoded samples and packetizes them itself.
type TrackLocalStaticSample struct {
	mu           sync.RWMutex
	bindings     []binding
	codec        webrtc.RTPCodecCapability
	id, streamID string
	packetizer   rtp.Packetizer
}

// NewTrackLocalStaticSample returns a TrackLocalStaticSample for the given codec.
func NewTrackLocalStaticSample(c webrtc.RTPCodecCapability, id, streamID string) *TrackLocalStaticSample {
	return &TrackLocalStaticSample{
		codec:    c,
		id:       id,
		streamID: streamID,
	}
}

// ID is the identifier of the track within its stream.
func (s *TrackLocalStaticSample) ID() string { return s.id }

// StreamID is the identifier of the stream the track belongs to.
func (s *TrackLocalStaticSample) StreamID() string { return s.streamID }

// Kind is derived from the codec's MIME type.
func (s *TrackLocalStaticSample) Kind() webrtc.RTPCodecType {
	switch {
	case strings.HasPrefix(s.codec.MimeType, "audio/"):
		return webrtc.RTPCodecTypeAudio
	case strings.HasPrefix(s.codec.MimeType, "video/"):
		return webrtc.RTPCodecTypeVideo
	default:
		return webrtc.RTPCodecType(0)
	}
}

// Codec returns the codec the track was created with.
func (s *TrackLocalStaticSample) Codec() webrtc.RTPCodecCapability {
	return s.codec
}

// Bind is called by a PeerConnection once negotiation completes. It fails if
// the remote side did not accept the track's codec. The first binding also
// creates the packetizer shared by all bindings.
func (s *TrackLocalStaticSample) Bind(t webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parameters := webrtc.RTPCodecParameters{RTPCodecCapability: s.codec}
	codec, err := codecParametersFuzzySearch(parameters, t.CodecParameters())
	if err != nil {
		return webrtc.RTPCodecParameters{}, webrtc.ErrUnsupportedCodec
	}
	if err := s.bind(t.ID(), t.SSRC(), codec, t.WriteStream()); err != nil {
		return codec, err
	}
	return codec, nil
}

// bind must be called with mu held. Nothing is recorded unless the codec can
// be packetized.
func (s *TrackLocalStaticSample) bind(
	id string,
	ssrc webrtc.SSRC,
	codec webrtc.RTPCodecParameters,
	writeStream webrtc.TrackLocalWriter,
) error {
	if s.packetizer == nil {
		payloader, err := payloaderForCodec(codec.RTPCodecCapability)
		if err != nil {
			return err
		}
		s.packetizer = rtp.NewPacketizer(
			rtpOutboundMTU,
			uint8(codec.PayloadType),
			uint32(ssrc),
			payloader,
			rtp.NewRandomSequencer(),
			codec.ClockRate,
		)
	}
	s.bindings = append(s.bindings, binding{
		id:          id,
		ssrc:        ssrc,
		payloadType: codec.PayloadType,
		writeStream: writeStream,
	})
	return nil
}

// Unbind removes the binding of a stopped track.
func (s *TrackLocalStaticSample) Unbind(t webrtc.TrackLocalContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.bindings {
		if s.bindings[i].id == t.ID() {
			s.bindings[i] = s.bindings[len(s.bindings)-1]
			s.bindings = s.bindings[:len(s.bindings)-1]
			return nil
		}
	}
	return webrtc.ErrUnbindFailed
}

// WriteSample packetizes an encoded sample that lasts durationUnits of the
// codec's clock rate and writes it to every binding. Until the track is bound
// samples are dropped. A failing binding does not stop the others; all
// failures are returned together.
func (s *TrackLocalStaticSample) WriteSample(durationUnits uint32, payload []byte) error {
	// the packetizer advances its sequence number and timestamp on every call.
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.packetizer == nil {
		return nil
	}

	var writeErrs []error
	for _, p := range s.packetizer.Packetize(payload, durationUnits) {
		for _, b := range s.bindings {
			header := p.Header
			header.SSRC = uint32(b.ssrc)
			header.PayloadType = uint8(b.payloadType)
			if _, err := b.writeStream.WriteRTP(&header, p.Payload); err != nil {
				writeErrs = append(writeErrs, err)
			}
		}
	}
	return multierr.Combine(writeErrs...)
}

// codecParametersFuzzySearch looks for needle in haystack, first by MIME type
// and fmtp line and then by MIME type alone.
func codecParametersFuzzySearch(needle webrtc.RTPCodecParameters, haystack []webrtc.RTPCodecParameters) (webrtc.RTPCodecParameters, error) {
	for _, c := range haystack {
		if strings.EqualFold(c.RTPCodecCapability.MimeType, needle.RTPCodecCapability.MimeType) &&
			c.RTPCodecCapability.SDPFmtpLine == needle.RTPCodecCapability.SDPFmtpLine {
			return c, nil
		}
	}
	for _, c := range haystack {
		if strings.EqualFold(c.RTPCodecCapability.MimeType, needle.RTPCodecCapability.MimeType) {
			return c, nil
		}
	}
	return webrtc.RTPCodecParameters{}, webrtc.ErrCodecNotFound
}

func payloaderForCodec(codec webrtc.RTPCodecCapability) (rtp.Payloader, error) {
	switch strings.ToLower(codec.MimeType) {
	case strings.ToLower(webrtc.MimeTypeH264):
		return &codecs.H264Payloader{}, nil
	case strings.ToLower(webrtc.MimeTypeVP8):
		return &codecs.VP8Payloader{}, nil
	case strings.ToLower(webrtc.MimeTypeVP9):
		return &codecs.VP9Payloader{}, nil
	default:
		return nil, webrtc.ErrNoPayloaderForCodec
	}
}
