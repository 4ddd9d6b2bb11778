package testpattern

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.viam.com/test"
)

func testFormat(mimeType, fmtp string) Format {
	return Format{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: mimeType, SDPFmtpLine: fmtp}}
}

func TestDefaultFormats(t *testing.T) {
	formats := DefaultFormats()
	test.That(t, formats, test.ShouldHaveLength, 3)
	for _, f := range formats {
		test.That(t, f.ClockRate, test.ShouldEqual, VideoClockRate)
	}
	test.That(t, formats[0].String(), test.ShouldEqual, webrtc.MimeTypeVP8)
}

func TestFormatSelector(t *testing.T) {
	fs := NewFormatSelector(DefaultFormats()...)
	_, ok := fs.Selected()
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, fs.Select(testFormat("VIDEO/vp8", "")), test.ShouldBeNil)
	selected, ok := fs.Selected()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, selected.MimeType, test.ShouldEqual, webrtc.MimeTypeVP8)
	test.That(t, selected.PayloadType, test.ShouldEqual, 96)

	err := fs.Select(testFormat("video/AV1", ""))
	test.That(t, errors.Is(err, ErrFormatNotSupported), test.ShouldBeTrue)
	selected, _ = fs.Selected()
	test.That(t, selected.MimeType, test.ShouldEqual, webrtc.MimeTypeVP8)

	err = fs.Select(testFormat(webrtc.MimeTypeH264, "packetization-mode=0"))
	test.That(t, errors.Is(err, ErrFormatNotSupported), test.ShouldBeTrue)

	test.That(t, fs.Select(testFormat(webrtc.MimeTypeH264, "")), test.ShouldBeNil)
	selected, _ = fs.Selected()
	test.That(t, selected.SDPFmtpLine, test.ShouldContainSubstring, "packetization-mode=1")
}

func TestFormatSelectorRestrict(t *testing.T) {
	fs := NewFormatSelector(DefaultFormats()...)
	test.That(t, fs.Select(testFormat(webrtc.MimeTypeVP9, "")), test.ShouldBeNil)

	fs.Restrict(func(f Format) bool { return f.MimeType != webrtc.MimeTypeVP8 })
	test.That(t, fs.Formats(), test.ShouldHaveLength, 2)
	_, ok := fs.Selected()
	test.That(t, ok, test.ShouldBeTrue)

	fs.Restrict(func(f Format) bool { return f.MimeType == webrtc.MimeTypeH264 })
	test.That(t, fs.Formats(), test.ShouldHaveLength, 1)
	_, ok = fs.Selected()
	test.That(t, ok, test.ShouldBeFalse)

	err := fs.Select(testFormat(webrtc.MimeTypeVP9, ""))
	test.That(t, errors.Is(err, ErrFormatNotSupported), test.ShouldBeTrue)

	formats := fs.Formats()
	formats[0].MimeType = "video/mutated"
	test.That(t, fs.Formats()[0].MimeType, test.ShouldEqual, webrtc.MimeTypeH264)
}
