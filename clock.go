package testpattern

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/utils"
)

const (
	// freeRunYieldInterval is how many free running iterations happen between
	// voluntary yields of the processor.
	freeRunYieldInterval = 16
	freeRunPausedSleep   = 10 * time.Millisecond
)

// A frameClock schedules ticks. start and stop may be called repeatedly; wait
// blocks until every goroutine the clock launched has exited.
type frameClock interface {
	start()
	stop()
	wait(ctx context.Context) error
}

// periodicClock ticks every period once armed.
type periodicClock struct {
	clk    clock.Clock
	tick   func()
	period func() time.Duration

	mu                      sync.Mutex
	ticker                  *clock.Ticker
	stopCh                  chan struct{}
	activeBackgroundWorkers workerGroup
}

func newPeriodicClock(clk clock.Clock, period func() time.Duration, tick func()) *periodicClock {
	return &periodicClock{clk: clk, period: period, tick: tick}
}

func (pc *periodicClock) start() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.stopCh != nil {
		return
	}
	ticker := pc.clk.Ticker(pc.period())
	stopCh := make(chan struct{})
	pc.ticker = ticker
	pc.stopCh = stopCh
	pc.activeBackgroundWorkers.add()
	utils.ManagedGo(func() {
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
			}
			// a stop may race with a pending tick; prefer the stop.
			select {
			case <-stopCh:
				return
			default:
			}
			pc.tick()
		}
	}, pc.activeBackgroundWorkers.done)
}

// reset re-arms a running clock with a new period. It does nothing while disarmed.
func (pc *periodicClock) reset(period time.Duration) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.ticker == nil {
		return
	}
	pc.ticker.Reset(period)
}

func (pc *periodicClock) stop() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.stopCh == nil {
		return
	}
	pc.ticker.Stop()
	close(pc.stopCh)
	pc.ticker = nil
	pc.stopCh = nil
}

func (pc *periodicClock) wait(ctx context.Context) error {
	return pc.activeBackgroundWorkers.wait(ctx)
}

// freeRunningClock ticks as fast as it can and reports the measured gap
// between ticks through setSpacing.
type freeRunningClock struct {
	clk        clock.Clock
	tick       func()
	paused     func() bool
	setSpacing func(elapsed time.Duration)

	mu                      sync.Mutex
	cancel                  func()
	activeBackgroundWorkers workerGroup
}

func newFreeRunningClock(
	clk clock.Clock,
	paused func() bool,
	setSpacing func(elapsed time.Duration),
	tick func(),
) *freeRunningClock {
	return &freeRunningClock{clk: clk, paused: paused, setSpacing: setSpacing, tick: tick}
}

func (fc *freeRunningClock) start() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.cancel != nil {
		return
	}
	cancelCtx, cancel := context.WithCancel(context.Background())
	fc.cancel = cancel
	fc.activeBackgroundWorkers.add()
	utils.ManagedGo(func() { fc.run(cancelCtx) }, fc.activeBackgroundWorkers.done)
}

func (fc *freeRunningClock) run(ctx context.Context) {
	last := fc.clk.Now()
	for iteration := 1; ctx.Err() == nil; iteration++ {
		if fc.paused() {
			fc.clk.Sleep(freeRunPausedSleep)
			last = fc.clk.Now()
			continue
		}
		now := fc.clk.Now()
		fc.setSpacing(now.Sub(last))
		last = now
		fc.tick()
		if iteration%freeRunYieldInterval == 0 {
			runtime.Gosched()
		}
	}
}

// stop only requests cancellation; use wait to know the loop has exited.
func (fc *freeRunningClock) stop() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.cancel == nil {
		return
	}
	fc.cancel()
	fc.cancel = nil
}

func (fc *freeRunningClock) wait(ctx context.Context) error {
	return fc.activeBackgroundWorkers.wait(ctx)
}

// workerGroup counts running goroutines like a sync.WaitGroup, but waiting on
// it can be abandoned through a context without leaving a goroutine behind.
type workerGroup struct {
	mu     sync.Mutex
	active int
	idle   chan struct{}
}

func (wg *workerGroup) add() {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	if wg.active == 0 {
		wg.idle = make(chan struct{})
	}
	wg.active++
}

func (wg *workerGroup) done() {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	wg.active--
	if wg.active == 0 {
		close(wg.idle)
	}
}

// wait blocks until no workers are running or ctx is done.
func (wg *workerGroup) wait(ctx context.Context) error {
	wg.mu.Lock()
	if wg.active == 0 {
		wg.mu.Unlock()
		return nil
	}
	idle := wg.idle
	wg.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
