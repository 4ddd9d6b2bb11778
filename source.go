// Package testpattern implements a synthetic video source that produces a
// fixed test pattern, optionally stamped with an overlay, as raw and encoded
// samples at a controllable rate.
package testpattern

import (
	"context"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ErrUnsupported happens when an operation other video sources provide makes
// no sense for a synthetic one.
var ErrUnsupported = errors.New("unsupported by this source")

// closeTimeout bounds how long Close waits for the frame clocks to stop.
const closeTimeout = 2 * time.Second

// A Source produces test pattern frames. Handlers run on the source's
// scheduling goroutine while it holds the frame lock; they may query status
// but must not call SetOverlayMode or SetCustomOverlay, and a Close from
// inside a handler waits out the close timeout.
type Source struct {
	name      string
	width     int
	height    int
	clk       clock.Clock
	encoder   Encoder
	formats   FormatSelector
	converter ColorConverter
	logger    golog.Logger
	loadErr   error

	mu                sync.Mutex
	started           bool
	maxRate           bool
	disposed          bool
	configuredSpacing int32
	periodic          *periodicClock
	freeRunning       *freeRunningClock

	paused     atomic.Bool
	closed     atomic.Bool
	spacing    atomic.Int32
	frameCount atomic.Int32 // written only under tickMu

	tickMu     sync.Mutex
	buf        []byte
	img        *image.YCbCr
	overlay    overlay

	rawHandlers     handlerRegistry[RawSampleHandler]
	encodedHandlers handlerRegistry[EncodedSampleHandler]
	errorHandlers   handlerRegistry[SourceErrorHandler]

	shutdownCtx       context.Context
	shutdownCtxCancel func()
}

// NewSource returns a new idle source. Only an invalid configuration is an
// error; if the reference image cannot be loaded the source is still
// returned but never produces frames and reports the problem to error
// handlers when started.
func NewSource(config SourceConfig) (*Source, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	ctx, cancelFunc := context.WithCancel(context.Background())
	s := &Source{
		name:              config.Name,
		width:             config.Width,
		height:            config.Height,
		clk:               config.Clock,
		encoder:           config.Encoder,
		formats:           config.Formats,
		converter:         config.Converter,
		logger:            config.Logger,
		maxRate:           config.MaxFrameRate,
		shutdownCtx:       ctx,
		shutdownCtxCancel: cancelFunc,
	}
	s.overlay.setMode(config.Overlay)
	s.configuredSpacing = int32(1000 / config.FrameRate)
	s.spacing.Store(s.configuredSpacing)

	buf, err := loadReferenceFrame(config.ReferenceImage, config.Width, config.Height)
	if err != nil {
		s.loadErr = err
		s.logger.Errorw("failed to load reference frame", "error", err)
	} else {
		s.buf = buf
		s.img = ycbcrView(buf, config.Width, config.Height)
	}

	s.periodic = newPeriodicClock(s.clk, s.FrameSpacing, s.tick)
	s.freeRunning = newFreeRunningClock(s.clk, s.paused.Load, s.storeMeasuredSpacing, s.tick)
	return s, nil
}

// Name returns the name of the source.
func (s *Source) Name() string {
	return s.name
}

// activeClock must be called with mu held.
func (s *Source) activeClock() frameClock {
	if s.maxRate {
		return s.freeRunning
	}
	return s.periodic
}

// Start starts producing frames. It does nothing if the source is already
// started or has been closed.
func (s *Source) Start() {
	s.mu.Lock()
	if s.started || s.closed.Load() {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.activeClock().start()
	s.mu.Unlock()

	s.logger.Debugw("started", "name", s.name, "max_frame_rate", s.IsMaxFrameRate(), "spacing", s.FrameSpacing())
	if s.loadErr != nil {
		s.emitError(s.loadErr.Error())
	}
}

// Pause stops frames from being produced without forgetting the clock
// configuration.
func (s *Source) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed.Load() || s.paused.Load() {
		return
	}
	s.paused.Store(true)
	// the free running loop idles while paused instead of exiting.
	s.periodic.stop()
	s.logger.Debugw("paused", "name", s.name)
}

// Resume restarts frame production after a Pause. It does nothing if the
// source was never started.
func (s *Source) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed.Load() {
		return
	}
	s.paused.Store(false)
	if s.maxRate {
		s.freeRunning.stop()
		s.freeRunning.start()
	} else {
		s.periodic.start()
	}
	s.logger.Debugw("resumed", "name", s.name)
}

// Close stops frame production for good. It waits, bounded by ctx and an
// internal timeout, for every scheduling goroutine to exit. Closing an
// already closed source returns immediately.
func (s *Source) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	s.periodic.stop()
	s.freeRunning.stop()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, closeTimeout)
	defer cancel()
	defer s.shutdownCtxCancel()

	if err := runParallel(
		func() error {
			return errors.Wrap(s.periodic.wait(ctx), "timed out waiting for periodic clock to stop")
		},
		func() error {
			return errors.Wrap(s.freeRunning.wait(ctx), "timed out waiting for free running clock to stop")
		},
	); err != nil {
		return err
	}
	s.logger.Debugw("closed", "name", s.name, "frames", s.FrameCount())
	return nil
}

// Dispose closes the source and releases the encoder. Failures are logged,
// never returned. It is safe to call more than once.
func (s *Source) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	err := s.Close(ctx)
	if s.encoder != nil {
		err = multierr.Combine(err, closeEncoder(s.encoder))
	}
	if err != nil {
		s.logger.Errorw("error disposing source", "name", s.name, "error", err)
	}
}

func closeEncoder(enc Encoder) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic closing encoder: %v", r)
		}
	}()
	return enc.Close()
}

// SetFrameRate sets the target frame rate. Rates outside of
// [MinFrameRate, MaxFrameRate] are ignored with a warning.
func (s *Source) SetFrameRate(fps int) {
	if fps < MinFrameRate || fps > MaxFrameRate {
		s.logger.Warnw(
			"frame rate out of range; ignoring",
			"frame_rate", fps,
			"min", MinFrameRate,
			"max", MaxFrameRate,
		)
		return
	}
	spacing := int32(1000 / fps)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.configuredSpacing = spacing
	s.spacing.Store(spacing)
	if s.started && !s.maxRate && !s.paused.Load() && !s.closed.Load() {
		s.periodic.reset(time.Duration(spacing) * time.Millisecond)
	}
}

// SetMaxFrameRate switches between producing frames at the target frame rate
// and producing them as fast as possible.
func (s *Source) SetMaxFrameRate(maxRate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxRate == maxRate {
		return
	}
	s.maxRate = maxRate
	if !maxRate {
		s.spacing.Store(s.configuredSpacing)
	}
	if !s.started || s.closed.Load() {
		return
	}
	if maxRate {
		s.periodic.stop()
		s.freeRunning.start()
	} else {
		s.freeRunning.stop()
		if !s.paused.Load() {
			s.periodic.start()
		}
	}
	s.logger.Debugw("switched frame clock", "name", s.name, "max_frame_rate", maxRate)
}

// SetOverlayMode selects a built in overlay. A custom overlay, if set, still
// takes precedence.
func (s *Source) SetOverlayMode(mode OverlayMode) {
	s.tickMu.Lock()
	s.overlay.setMode(mode)
	s.tickMu.Unlock()
}

// SetCustomOverlay installs f in place of the built in overlays. Passing nil
// removes it. Either way the overlay mode is reset to OverlayNone.
func (s *Source) SetCustomOverlay(f OverlayFunc) {
	s.tickMu.Lock()
	s.overlay.setCustom(f)
	s.tickMu.Unlock()
}

// ForceKeyFrame asks the encoder to make the next frame a key frame.
func (s *Source) ForceKeyFrame() error {
	if s.encoder == nil {
		return nil
	}
	return s.encoder.ForceKeyFrame()
}

// Formats returns the formats encoded samples can be produced in.
func (s *Source) Formats() []Format {
	return s.formats.Formats()
}

// SelectFormat negotiates the format encoded samples are produced in.
func (s *Source) SelectFormat(format Format) error {
	return s.formats.Select(format)
}

// RestrictFormats narrows the supported formats to those filter accepts.
func (s *Source) RestrictFormats(filter func(Format) bool) {
	s.formats.Restrict(filter)
}

// ExternalRawSample always fails; this source only produces its own frames.
func (s *Source) ExternalRawSample(duration time.Duration, width, height int, sample []byte, format frame.Format) error {
	return errors.Wrap(ErrUnsupported, "external raw samples")
}

// InitializeDevice always fails; there is no device behind this source.
func (s *Source) InitializeDevice(ctx context.Context) error {
	return errors.Wrap(ErrUnsupported, "device initialization")
}

// OnRawSample registers h for raw frames and returns a func that unregisters it.
func (s *Source) OnRawSample(h RawSampleHandler) func() {
	return s.rawHandlers.add(h)
}

// OnEncodedSample registers h for encoded frames and returns a func that unregisters it.
func (s *Source) OnEncodedSample(h EncodedSampleHandler) func() {
	return s.encodedHandlers.add(h)
}

// OnSourceError registers h for source errors and returns a func that unregisters it.
func (s *Source) OnSourceError(h SourceErrorHandler) func() {
	return s.errorHandlers.add(h)
}

// IsStarted returns whether Start has been called.
func (s *Source) IsStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// IsPaused returns whether the source is paused.
func (s *Source) IsPaused() bool {
	return s.paused.Load()
}

// IsClosed returns whether the source has been closed.
func (s *Source) IsClosed() bool {
	return s.closed.Load()
}

// IsMaxFrameRate returns whether frames are produced as fast as possible.
func (s *Source) IsMaxFrameRate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRate
}

// FrameSpacing returns the time between frames. In max frame rate mode it is
// the measured gap between the last two frames.
func (s *Source) FrameSpacing() time.Duration {
	return time.Duration(s.spacing.Load()) * time.Millisecond
}

// FrameRate returns the frame rate implied by the current frame spacing.
func (s *Source) FrameRate() int {
	return int(1000 / s.spacing.Load())
}

// FrameCount returns the number of the most recently produced frame.
func (s *Source) FrameCount() int32 {
	return s.frameCount.Load()
}

// Properties describes the frames this source produces.
func (s *Source) Properties() prop.Video {
	return prop.Video{
		Width:       s.width,
		Height:      s.height,
		FrameRate:   float32(s.FrameRate()),
		FrameFormat: frame.FormatI420,
	}
}

func (s *Source) storeMeasuredSpacing(elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	if ms < 1 {
		ms = 1
	} else if ms > math.MaxInt32 {
		ms = math.MaxInt32
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// a cancelled loop can still finish an iteration after the switch back.
	if !s.maxRate {
		return
	}
	s.spacing.Store(int32(ms))
}

// tick produces one frame. Nothing happens, including counting the frame,
// when the source is closed, has no frame or nobody is listening.
func (s *Source) tick() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	rawHandlers := s.rawHandlers.snapshot()
	encodedHandlers := s.encodedHandlers.snapshot()
	if s.closed.Load() || s.buf == nil || (len(rawHandlers) == 0 && len(encodedHandlers) == 0) {
		return
	}

	count := nextFrameCount(s.frameCount.Load())
	s.frameCount.Store(count)
	if err := s.emitFrame(rawHandlers, encodedHandlers, count); err != nil {
		s.logger.Errorw("error producing frame", "name", s.name, "frame", count, "error", err)
		s.emitError(err.Error())
	}
}

// emitFrame must be called with tickMu held. A panic anywhere in the frame's
// production is turned into an error so one bad frame does not stop the clock.
func (s *Source) emitFrame(
	rawHandlers []RawSampleHandler,
	encodedHandlers []EncodedSampleHandler,
	frameCount int32,
) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic producing frame: %v", r)
		}
	}()

	s.overlay.apply(s.buf, s.width, s.height, frameCount, s.clk.Now())
	spacing := s.spacing.Load()

	if len(rawHandlers) != 0 {
		data, format, err := s.converter.Convert(s.img)
		if err != nil {
			return errors.Wrap(err, "failed to convert frame")
		}
		sample := RawSample{
			Duration: time.Duration(spacing) * time.Millisecond,
			Width:    s.width,
			Height:   s.height,
			Data:     data,
			Format:   format,
		}
		for _, h := range rawHandlers {
			h(sample)
		}
	}

	if len(encodedHandlers) == 0 || s.encoder == nil {
		return nil
	}
	format, ok := s.formats.Selected()
	if !ok {
		return nil
	}
	payload, err := s.encoder.Encode(s.shutdownCtx, s.img, format)
	if err != nil {
		return errors.Wrapf(err, "failed to encode frame as %s", format.MimeType)
	}
	if len(payload) == 0 {
		return nil
	}
	units := durationUnits(format.ClockRate, spacing)
	for _, h := range encodedHandlers {
		h(units, payload)
	}
	return nil
}

func (s *Source) emitError(msg string) {
	for _, h := range s.errorHandlers.snapshot() {
		h(msg)
	}
}

func nextFrameCount(count int32) int32 {
	if count == math.MaxInt32 {
		return 0
	}
	return count + 1
}

// durationUnits converts a frame spacing in milliseconds into units of the
// given clock rate.
func durationUnits(clockRate uint32, spacingMillis int32) uint32 {
	if clockRate == 0 {
		clockRate = VideoClockRate
	}
	if spacingMillis < 1 {
		spacingMillis = 1
	}
	fps := 1000 / spacingMillis
	if fps < 1 {
		fps = 1
	}
	return clockRate / uint32(fps)
}
