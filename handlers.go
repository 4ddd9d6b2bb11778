package testpattern

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/mediadevices/pkg/frame"
)

// A RawSample is an unencoded frame delivered to RawSampleHandlers.
type RawSample struct {
	// Duration is the current frame spacing.
	Duration time.Duration
	Width    int
	Height   int
	Data     []byte
	Format   frame.Format
}

// A RawSampleHandler receives every raw frame produced by a source.
type RawSampleHandler func(sample RawSample)

// An EncodedSampleHandler receives every encoded frame produced by a source. The
// duration is expressed in units of the format's clock rate.
type EncodedSampleHandler func(durationUnits uint32, payload []byte)

// A SourceErrorHandler receives errors the source could not surface any other way.
type SourceErrorHandler func(msg string)

type registeredHandler[T any] struct {
	id      uuid.UUID
	handler T
}

// handlerRegistry keeps handlers in the order they were added.
type handlerRegistry[T any] struct {
	mu       sync.RWMutex
	handlers []registeredHandler[T]
}

// add registers the handler and returns a func that removes it again.
func (hr *handlerRegistry[T]) add(handler T) func() {
	id := uuid.New()
	hr.mu.Lock()
	hr.handlers = append(hr.handlers, registeredHandler[T]{id, handler})
	hr.mu.Unlock()
	return func() { hr.remove(id) }
}

func (hr *handlerRegistry[T]) remove(id uuid.UUID) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	for i, h := range hr.handlers {
		if h.id == id {
			hr.handlers = append(hr.handlers[:i:i], hr.handlers[i+1:]...)
			return
		}
	}
}

func (hr *handlerRegistry[T]) snapshot() []T {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	if len(hr.handlers) == 0 {
		return nil
	}
	handlers := make([]T, 0, len(hr.handlers))
	for _, h := range hr.handlers {
		handlers = append(handlers, h.handler)
	}
	return handlers
}
