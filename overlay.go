package testpattern

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// An OverlayMode selects one of the built in markers stamped onto every frame.
type OverlayMode int

// The set of built in overlays.
const (
	OverlayNone OverlayMode = iota
	OverlayMovingBox
	OverlayTimestamp
)

func (m OverlayMode) String() string {
	switch m {
	case OverlayNone:
		return "none"
	case OverlayMovingBox:
		return "box"
	case OverlayTimestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("OverlayMode(%d)", int(m))
	}
}

// ParseOverlayMode returns the overlay named by s.
func ParseOverlayMode(s string) (OverlayMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return OverlayNone, nil
	case "box", "moving-box":
		return OverlayMovingBox, nil
	case "timestamp":
		return OverlayTimestamp, nil
	default:
		return OverlayNone, errors.Errorf("unknown overlay %q", s)
	}
}

// An OverlayFunc mutates the I420 frame in place before it is emitted. It
// must only write inside buf.
type OverlayFunc func(buf []byte, width, height int, frameCount int32)

const (
	boxSize   = 32
	boxMargin = 16

	glyphWidth   = 12
	glyphHeight  = 16
	glyphOriginX = 16
	glyphOriginY = 16
	lumaBright   = 235
	lumaDark     = 16
)

// overlay holds the active overlay. A custom transform takes precedence over
// the mode.
type overlay struct {
	mode   OverlayMode
	custom OverlayFunc
}

func (o *overlay) setMode(mode OverlayMode) {
	o.mode = mode
}

// setCustom replaces the custom transform and always resets the mode, so
// clearing the transform later leaves no overlay active.
func (o *overlay) setCustom(f OverlayFunc) {
	o.custom = f
	o.mode = OverlayNone
}

func (o *overlay) apply(buf []byte, width, height int, frameCount int32, now time.Time) {
	if o.custom != nil {
		o.custom(buf, width, height, frameCount)
		return
	}
	switch o.mode {
	case OverlayMovingBox:
		stampBox(buf, width, height, byte(frameCount%255))
	case OverlayTimestamp:
		text := fmt.Sprintf("%s #%d", now.Format("15:04:05.000"), frameCount)
		stampText(buf, width, height, text)
	case OverlayNone:
	}
}

// stampBox fills a square near the bottom right corner of the luma plane.
func stampBox(buf []byte, width, height int, value byte) {
	x0 := clamp(width-boxMargin-boxSize, 0, width)
	y0 := clamp(height-boxMargin-boxSize, 0, height)
	x1 := clamp(x0+boxSize, 0, width)
	y1 := clamp(y0+boxSize, 0, height)
	for y := y0; y < y1; y++ {
		row := buf[y*width : y*width+width]
		for x := x0; x < x1; x++ {
			row[x] = value
		}
	}
}

// stampText draws one cell per character into the luma plane. The cells are
// not glyphs; every character just gets its own pixel signature.
func stampText(buf []byte, width, height int, text string) {
	maxChars := (width - glyphOriginX) / glyphWidth
	if maxChars <= 0 || glyphOriginY >= height {
		return
	}
	if len(text) > maxChars {
		text = text[:maxChars]
	}
	y1 := clamp(glyphOriginY+glyphHeight, 0, height)
	for i := 0; i < len(text); i++ {
		x0 := glyphOriginX + i*glyphWidth
		for y := glyphOriginY; y < y1; y++ {
			row := buf[y*width : y*width+width]
			for x := 0; x < glyphWidth; x++ {
				if glyphBit(text[i], x, y-glyphOriginY) {
					row[x0+x] = lumaBright
				} else {
					row[x0+x] = lumaDark
				}
			}
		}
	}
}

func glyphBit(c byte, x, y int) bool {
	h := uint32(c)*2654435761 ^ uint32(x)*40503 ^ uint32(y)*9973
	h ^= h >> 13
	h *= 0x5bd1e995
	return (h>>15)&1 == 1
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
