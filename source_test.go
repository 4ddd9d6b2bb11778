package testpattern

import (
	"context"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"
)

const (
	testWidth   = 64
	testHeight  = 48
	testSpacing = 33 * time.Millisecond
)

func newMockSource(t *testing.T, config SourceConfig) (*Source, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	config.Clock = clk
	if config.Width == 0 && config.Height == 0 {
		config.Width, config.Height = testWidth, testHeight
	}
	if config.Logger == nil {
		config.Logger = golog.NewTestLogger(t)
	}
	s, err := NewSource(config)
	test.That(t, err, test.ShouldBeNil)
	return s, clk
}

// rawRecorder collects raw samples delivered on the source's goroutine.
type rawRecorder struct {
	mu      sync.Mutex
	samples []RawSample
}

func (r *rawRecorder) handle(sample RawSample) {
	r.mu.Lock()
	r.samples = append(r.samples, sample)
	r.mu.Unlock()
}

func (r *rawRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

func (r *rawRecorder) last() RawSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples[len(r.samples)-1]
}

type encodedSample struct {
	durationUnits uint32
	payload       []byte
}

type fakeEncoder struct {
	mu        sync.Mutex
	payloads  [][]byte
	encodeErr error
	formats   []Format
	keyFrames int
	closed    int
	closeErr  error
}

func (e *fakeEncoder) Encode(ctx context.Context, img image.Image, format Format) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.formats = append(e.formats, format)
	if e.encodeErr != nil {
		return nil, e.encodeErr
	}
	if len(e.payloads) == 0 {
		return nil, nil
	}
	payload := e.payloads[0]
	e.payloads = e.payloads[1:]
	return payload, nil
}

func (e *fakeEncoder) ForceKeyFrame() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keyFrames++
	return nil
}

func (e *fakeEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed++
	return e.closeErr
}

func TestNewSource(t *testing.T) {
	logger := golog.NewTestLogger(t)
	_, err := NewSource(SourceConfig{Width: 63, Height: 48, Logger: logger})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "even")
	_, err = NewSource(SourceConfig{Width: -2, Height: 48, Logger: logger})
	test.That(t, err, test.ShouldNotBeNil)

	s, err := NewSource(SourceConfig{Logger: logger})
	test.That(t, err, test.ShouldBeNil)
	defer s.Dispose()
	test.That(t, s.Name(), test.ShouldNotBeEmpty)
	test.That(t, s.IsStarted(), test.ShouldBeFalse)
	test.That(t, s.IsPaused(), test.ShouldBeFalse)
	test.That(t, s.IsClosed(), test.ShouldBeFalse)
	test.That(t, s.IsMaxFrameRate(), test.ShouldBeFalse)
	test.That(t, s.FrameSpacing(), test.ShouldEqual, testSpacing)
	test.That(t, s.FrameCount(), test.ShouldEqual, 0)
	test.That(t, s.Formats(), test.ShouldHaveLength, 3)

	props := s.Properties()
	test.That(t, props.Width, test.ShouldEqual, DefaultWidth)
	test.That(t, props.Height, test.ShouldEqual, DefaultHeight)
	test.That(t, props.FrameRate, test.ShouldEqual, 30)
	test.That(t, props.FrameFormat, test.ShouldEqual, frame.FormatI420)
}

func TestNewSourceFrameRateOutOfRange(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	s, _ := newMockSource(t, SourceConfig{FrameRate: 90, Logger: logger})
	defer s.Dispose()
	test.That(t, s.FrameSpacing(), test.ShouldEqual, testSpacing)
	test.That(t, logs.FilterMessageSnippet("out of range").Len(), test.ShouldEqual, 1)
}

func TestSetFrameRate(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	s, _ := newMockSource(t, SourceConfig{Logger: logger})
	defer s.Dispose()

	for fps := MinFrameRate; fps <= MaxFrameRate; fps++ {
		s.SetFrameRate(fps)
		test.That(t, s.FrameSpacing(), test.ShouldEqual, time.Duration(1000/fps)*time.Millisecond)
	}

	s.SetFrameRate(25)
	for _, fps := range []int{0, -1, 61, 1000} {
		s.SetFrameRate(fps)
		test.That(t, s.FrameSpacing(), test.ShouldEqual, 40*time.Millisecond)
	}
	test.That(t, logs.FilterMessageSnippet("out of range").Len(), test.ShouldEqual, 4)
}

func TestStart(t *testing.T) {
	s, clk := newMockSource(t, SourceConfig{})
	defer s.Dispose()
	var rec rawRecorder
	s.OnRawSample(rec.handle)

	s.Start()
	s.Start()
	test.That(t, s.IsStarted(), test.ShouldBeTrue)
	for i := 1; i <= 3; i++ {
		clk.Add(testSpacing)
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, rec.count(), test.ShouldEqual, i)
		})
	}
	test.That(t, s.FrameCount(), test.ShouldEqual, 3)

	sample := rec.last()
	test.That(t, sample.Width, test.ShouldEqual, testWidth)
	test.That(t, sample.Height, test.ShouldEqual, testHeight)
	test.That(t, sample.Duration, test.ShouldEqual, testSpacing)
	test.That(t, sample.Format, test.ShouldEqual, frame.FormatRGBA)
	test.That(t, sample.Data, test.ShouldHaveLength, testWidth*testHeight*4)
}

func TestFrameRateOverTime(t *testing.T) {
	s, clk := newMockSource(t, SourceConfig{})
	defer s.Dispose()
	var rec rawRecorder
	s.OnRawSample(rec.handle)
	s.Start()

	clk.Add(100 * time.Millisecond)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, rec.count(), test.ShouldBeBetweenOrEqual, 2, 4)
	})

	s.SetFrameRate(10)
	before := rec.count()
	clk.Add(time.Second)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, rec.count()-before, test.ShouldBeGreaterThanOrEqualTo, 9)
	})
	time.Sleep(20 * time.Millisecond)
	test.That(t, rec.count()-before, test.ShouldBeLessThanOrEqualTo, 11)
	test.That(t, rec.last().Duration, test.ShouldEqual, 100*time.Millisecond)
}

func TestNoHandlersNoFrames(t *testing.T) {
	s, clk := newMockSource(t, SourceConfig{})
	defer s.Dispose()
	s.Start()
	clk.Add(time.Second)
	test.That(t, s.FrameCount(), test.ShouldEqual, 0)

	var rec rawRecorder
	unsubscribe := s.OnRawSample(rec.handle)
	clk.Add(testSpacing)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, rec.count(), test.ShouldEqual, 1)
	})

	unsubscribe()
	clk.Add(time.Second)
	test.That(t, s.FrameCount(), test.ShouldEqual, 1)
	test.That(t, rec.count(), test.ShouldEqual, 1)
}

func TestPauseResume(t *testing.T) {
	s, clk := newMockSource(t, SourceConfig{})
	defer s.Dispose()
	var rec rawRecorder
	s.OnRawSample(rec.handle)

	s.Pause()
	test.That(t, s.IsPaused(), test.ShouldBeFalse)
	s.Resume()
	test.That(t, s.IsStarted(), test.ShouldBeFalse)

	s.Start()
	clk.Add(testSpacing)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, rec.count(), test.ShouldEqual, 1)
	})

	s.Pause()
	test.That(t, s.IsPaused(), test.ShouldBeTrue)
	clk.Add(time.Second)
	test.That(t, rec.count(), test.ShouldEqual, 1)
	s.SetFrameRate(20)
	clk.Add(time.Second)
	test.That(t, rec.count(), test.ShouldEqual, 1)

	s.Resume()
	test.That(t, s.IsPaused(), test.ShouldBeFalse)
	clk.Add(50 * time.Millisecond)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, rec.count(), test.ShouldEqual, 2)
	})
	test.That(t, s.FrameCount(), test.ShouldEqual, 2)
	test.That(t, rec.last().Duration, test.ShouldEqual, 50*time.Millisecond)
}

func TestClose(t *testing.T) {
	s, clk := newMockSource(t, SourceConfig{})
	var rec rawRecorder
	s.OnRawSample(rec.handle)
	s.Start()
	clk.Add(testSpacing)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, rec.count(), test.ShouldEqual, 1)
	})

	test.That(t, s.Close(context.Background()), test.ShouldBeNil)
	test.That(t, s.IsClosed(), test.ShouldBeTrue)
	test.That(t, s.Close(context.Background()), test.ShouldBeNil)

	s.Start()
	s.Resume()
	s.SetMaxFrameRate(true)
	s.SetFrameRate(60)
	clk.Add(time.Second)
	test.That(t, rec.count(), test.ShouldEqual, 1)
	s.tick()
	test.That(t, rec.count(), test.ShouldEqual, 1)
	test.That(t, s.FrameCount(), test.ShouldEqual, 1)
	s.Dispose()
	s.Dispose()
}

func TestStatusFromHandler(t *testing.T) {
	s, clk := newMockSource(t, SourceConfig{})
	counts := make(chan int32, 1)
	s.OnRawSample(func(RawSample) {
		select {
		case counts <- s.FrameCount():
		default:
		}
	})
	s.Start()
	clk.Add(testSpacing)

	select {
	case count := <-counts:
		test.That(t, count, test.ShouldEqual, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("status query from a raw handler did not return")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	test.That(t, s.Close(ctx), test.ShouldBeNil)
	s.Dispose()
}

func TestCloseBeforeStart(t *testing.T) {
	s, _ := newMockSource(t, SourceConfig{})
	test.That(t, s.Close(context.Background()), test.ShouldBeNil)
	s.Start()
	test.That(t, s.IsStarted(), test.ShouldBeFalse)
	test.That(t, s.IsClosed(), test.ShouldBeTrue)
}

func TestFrameCounterWraps(t *testing.T) {
	s, _ := newMockSource(t, SourceConfig{})
	defer s.Dispose()
	var rec rawRecorder
	s.OnRawSample(rec.handle)

	s.frameCount.Store(math.MaxInt32 - 1)
	s.tick()
	test.That(t, s.FrameCount(), test.ShouldEqual, math.MaxInt32)
	s.tick()
	test.That(t, s.FrameCount(), test.ShouldEqual, 0)
	s.tick()
	test.That(t, s.FrameCount(), test.ShouldEqual, 1)
	test.That(t, rec.count(), test.ShouldEqual, 3)
}

func TestSourceOverlays(t *testing.T) {
	s, _ := newMockSource(t, SourceConfig{Overlay: OverlayMovingBox})
	defer s.Dispose()
	s.OnRawSample(func(RawSample) {})

	boxAt := (testHeight-boxMargin-boxSize)*testWidth + testWidth - boxMargin - boxSize
	for i := 1; i <= 3; i++ {
		s.tick()
		test.That(t, s.buf[boxAt], test.ShouldEqual, i)
	}

	var counts []int32
	s.SetCustomOverlay(func(buf []byte, width, height int, frameCount int32) {
		test.That(t, width, test.ShouldEqual, testWidth)
		test.That(t, height, test.ShouldEqual, testHeight)
		test.That(t, buf, test.ShouldHaveLength, i420Len(testWidth, testHeight))
		counts = append(counts, frameCount)
		buf[0] = 42
	})
	s.tick()
	test.That(t, counts, test.ShouldResemble, []int32{4})
	test.That(t, s.buf[0], test.ShouldEqual, 42)
	test.That(t, s.buf[boxAt], test.ShouldEqual, 3)

	s.SetCustomOverlay(nil)
	s.tick()
	test.That(t, counts, test.ShouldHaveLength, 1)
	test.That(t, s.buf[boxAt], test.ShouldEqual, 3)

	s.SetOverlayMode(OverlayMovingBox)
	s.tick()
	test.That(t, s.buf[boxAt], test.ShouldEqual, 6)
}

func TestTickFailuresAreIsolated(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	s, clk := newMockSource(t, SourceConfig{Logger: logger})
	defer s.Dispose()
	var rec rawRecorder
	s.OnRawSample(rec.handle)
	var errs []string
	var errsMu sync.Mutex
	s.OnSourceError(func(msg string) {
		errsMu.Lock()
		errs = append(errs, msg)
		errsMu.Unlock()
	})

	var panicked atomic.Bool
	s.SetCustomOverlay(func(buf []byte, width, height int, frameCount int32) {
		if panicked.CompareAndSwap(false, true) {
			panic("bad overlay")
		}
	})
	s.Start()
	clk.Add(testSpacing)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		errsMu.Lock()
		defer errsMu.Unlock()
		test.That(tb, errs, test.ShouldHaveLength, 1)
		test.That(tb, errs[0], test.ShouldContainSubstring, "bad overlay")
	})
	test.That(t, rec.count(), test.ShouldEqual, 0)

	clk.Add(testSpacing)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, rec.count(), test.ShouldEqual, 1)
	})
	test.That(t, s.FrameCount(), test.ShouldEqual, 2)
	test.That(t, logs.FilterMessageSnippet("error producing frame").Len(), test.ShouldEqual, 1)
}

func TestEncodedSamples(t *testing.T) {
	enc := &fakeEncoder{payloads: [][]byte{nil, {1, 2, 3}, {}, {4}}}
	s, _ := newMockSource(t, SourceConfig{Encoder: enc})
	defer s.Dispose()

	var samples []encodedSample
	s.OnEncodedSample(func(durationUnits uint32, payload []byte) {
		samples = append(samples, encodedSample{durationUnits, payload})
	})

	s.tick()
	test.That(t, s.FrameCount(), test.ShouldEqual, 1)
	test.That(t, enc.formats, test.ShouldBeEmpty)

	test.That(t, s.SelectFormat(DefaultFormats()[0]), test.ShouldBeNil)
	for i := 0; i < 4; i++ {
		s.tick()
	}
	test.That(t, enc.formats, test.ShouldHaveLength, 4)
	test.That(t, enc.formats[0].MimeType, test.ShouldEqual, webrtc.MimeTypeVP8)
	test.That(t, samples, test.ShouldResemble, []encodedSample{
		{3000, []byte{1, 2, 3}},
		{3000, []byte{4}},
	})

	test.That(t, s.ForceKeyFrame(), test.ShouldBeNil)
	test.That(t, enc.keyFrames, test.ShouldEqual, 1)
}

func TestEncodeError(t *testing.T) {
	enc := &fakeEncoder{encodeErr: errors.New("encoder on fire")}
	s, _ := newMockSource(t, SourceConfig{Encoder: enc})
	defer s.Dispose()
	test.That(t, s.SelectFormat(DefaultFormats()[2]), test.ShouldBeNil)

	var encoded int
	s.OnEncodedSample(func(uint32, []byte) { encoded++ })
	var errs []string
	s.OnSourceError(func(msg string) { errs = append(errs, msg) })

	s.tick()
	s.tick()
	test.That(t, encoded, test.ShouldEqual, 0)
	test.That(t, s.FrameCount(), test.ShouldEqual, 2)
	test.That(t, errs, test.ShouldHaveLength, 2)
	test.That(t, errs[0], test.ShouldContainSubstring, "encoder on fire")
	test.That(t, errs[0], test.ShouldContainSubstring, webrtc.MimeTypeH264)
}

func TestFormats(t *testing.T) {
	s, _ := newMockSource(t, SourceConfig{})
	defer s.Dispose()
	test.That(t, s.ForceKeyFrame(), test.ShouldBeNil)

	s.RestrictFormats(func(f Format) bool { return f.MimeType == webrtc.MimeTypeVP9 })
	test.That(t, s.Formats(), test.ShouldHaveLength, 1)
	err := s.SelectFormat(DefaultFormats()[0])
	test.That(t, errors.Is(err, ErrFormatNotSupported), test.ShouldBeTrue)
	test.That(t, s.SelectFormat(DefaultFormats()[1]), test.ShouldBeNil)
}

func TestDurationUnits(t *testing.T) {
	for _, tc := range []struct {
		clockRate uint32
		spacing   int32
		expected  uint32
	}{
		{VideoClockRate, 33, 3000},
		{VideoClockRate, 16, 1451},
		{VideoClockRate, 1, 90},
		{VideoClockRate, 1000, 90000},
		{VideoClockRate, 5000, 90000},
		{VideoClockRate, 0, 90},
		{0, 33, 3000},
		{48000, 20, 960},
	} {
		test.That(t, durationUnits(tc.clockRate, tc.spacing), test.ShouldEqual, tc.expected)
	}
}

func TestUnsupported(t *testing.T) {
	s, _ := newMockSource(t, SourceConfig{})
	defer s.Dispose()
	err := s.ExternalRawSample(time.Second, testWidth, testHeight, nil, frame.FormatI420)
	test.That(t, errors.Is(err, ErrUnsupported), test.ShouldBeTrue)
	err = s.InitializeDevice(context.Background())
	test.That(t, errors.Is(err, ErrUnsupported), test.ShouldBeTrue)
}

func TestReferenceFrameFailure(t *testing.T) {
	orig := testPatternPNG
	testPatternPNG = []byte("not a png")
	defer func() { testPatternPNG = orig }()

	logger, logs := golog.NewObservedTestLogger(t)
	s, clk := newMockSource(t, SourceConfig{Logger: logger})
	defer s.Dispose()
	test.That(t, logs.FilterMessageSnippet("failed to load reference frame").Len(), test.ShouldEqual, 1)

	var rec rawRecorder
	s.OnRawSample(rec.handle)
	var errs []string
	s.OnSourceError(func(msg string) { errs = append(errs, msg) })

	s.Start()
	test.That(t, errs, test.ShouldHaveLength, 1)
	test.That(t, errs[0], test.ShouldContainSubstring, "embedded test pattern")
	clk.Add(time.Second)
	test.That(t, rec.count(), test.ShouldEqual, 0)
	test.That(t, s.FrameCount(), test.ShouldEqual, 0)
}

func TestDispose(t *testing.T) {
	logger, logs := golog.NewObservedTestLogger(t)
	enc := &fakeEncoder{closeErr: errors.New("stuck")}
	s, _ := newMockSource(t, SourceConfig{Encoder: enc, Logger: logger})
	s.Start()

	s.Dispose()
	s.Dispose()
	test.That(t, s.IsClosed(), test.ShouldBeTrue)
	test.That(t, enc.closed, test.ShouldEqual, 1)
	test.That(t, logs.FilterMessageSnippet("error disposing source").Len(), test.ShouldEqual, 1)
}

func TestMaxFrameRate(t *testing.T) {
	s, err := NewSource(SourceConfig{Width: testWidth, Height: testHeight, Logger: golog.NewTestLogger(t)})
	test.That(t, err, test.ShouldBeNil)
	defer s.Dispose()
	var frames atomic.Int64
	s.OnRawSample(func(RawSample) { frames.Add(1) })

	s.SetMaxFrameRate(true)
	test.That(t, s.IsMaxFrameRate(), test.ShouldBeTrue)
	s.SetMaxFrameRate(false)
	s.Start()
	s.SetMaxFrameRate(true)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, frames.Load(), test.ShouldBeGreaterThan, 100)
	})
	test.That(t, s.FrameSpacing(), test.ShouldBeLessThan, testSpacing)

	s.Pause()
	time.Sleep(30 * time.Millisecond)
	paused := frames.Load()
	time.Sleep(50 * time.Millisecond)
	test.That(t, frames.Load(), test.ShouldEqual, paused)
	s.Resume()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, frames.Load(), test.ShouldBeGreaterThan, paused+100)
	})

	s.SetMaxFrameRate(false)
	test.That(t, s.IsMaxFrameRate(), test.ShouldBeFalse)
	time.Sleep(20 * time.Millisecond)
	test.That(t, s.FrameSpacing(), test.ShouldEqual, testSpacing)
	test.That(t, s.IsStarted(), test.ShouldBeTrue)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	test.That(t, s.Close(ctx), test.ShouldBeNil)
	count := frames.Load()
	time.Sleep(50 * time.Millisecond)
	test.That(t, frames.Load(), test.ShouldEqual, count)
}
