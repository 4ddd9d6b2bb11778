package testpattern

import (
	"image"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Defaults and limits for a SourceConfig.
const (
	DefaultWidth     = 640
	DefaultHeight    = 480
	DefaultFrameRate = 30
	MinFrameRate     = 1
	MaxFrameRate     = 60
)

// A SourceConfig describes how a Source should be set up. The zero value is a
// valid configuration that produces raw frames only.
type SourceConfig struct {
	Name string
	// Width and Height must be even; they default to 640x480.
	Width, Height int
	// FrameRate is the initial target frame rate. Values outside of
	// [MinFrameRate, MaxFrameRate] fall back to DefaultFrameRate.
	FrameRate int
	// MaxFrameRate starts the source producing frames as fast as possible.
	MaxFrameRate bool
	Overlay      OverlayMode
	// ReferenceImage replaces the embedded test pattern. It is resized to fit.
	ReferenceImage image.Image

	// Encoder is optional; without it only raw samples are produced.
	Encoder   Encoder
	Formats   FormatSelector
	Converter ColorConverter
	Clock     clock.Clock
	Logger    golog.Logger
}

func (config SourceConfig) withDefaults() SourceConfig {
	if config.Name == "" {
		config.Name = uuid.NewString()
	}
	if config.Width == 0 && config.Height == 0 {
		config.Width, config.Height = DefaultWidth, DefaultHeight
	}
	if config.Logger == nil {
		config.Logger = golog.Global().Named("testpattern")
	}
	if config.FrameRate == 0 {
		config.FrameRate = DefaultFrameRate
	} else if config.FrameRate < MinFrameRate || config.FrameRate > MaxFrameRate {
		config.Logger.Warnw(
			"frame rate out of range; using default",
			"frame_rate", config.FrameRate,
			"default", DefaultFrameRate,
		)
		config.FrameRate = DefaultFrameRate
	}
	if config.Formats == nil {
		config.Formats = NewFormatSelector(DefaultFormats()...)
	}
	if config.Converter == nil {
		config.Converter = RGBAConverter
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	return config
}

func (config SourceConfig) validate() error {
	if config.Width <= 0 || config.Height <= 0 {
		return errors.Errorf("invalid frame size %dx%d", config.Width, config.Height)
	}
	if config.Width%2 != 0 || config.Height%2 != 0 {
		return errors.Errorf("frame size %dx%d must be even for I420", config.Width, config.Height)
	}
	return nil
}
