// Package audiolevel polls a transport's instantaneous volume at a rendered
// frame cadence and publishes the latest values for UI consumption.
package audiolevel

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval approximates one rendered frame at 60fps.
const DefaultInterval = 16 * time.Millisecond

// Levels is one published input/output volume pair, both in [0,1].
type Levels struct {
	Input  float64
	Output float64
}

// Sampler runs a cancellable repeating task bound to the recording/speaking
// lifecycle. The loop holds no reference that outlives Stop: the ticker is
// released on every exit path, and published levels reset to zero the moment
// sampling stops.
type Sampler struct {
	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}

	input  atomic.Uint64 // math.Float64bits
	output atomic.Uint64

	// OnSample, when set, is invoked with each published pair. Set it before
	// the first Start; it is read by the sampling goroutine.
	OnSample func(Levels)
}

func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{interval: interval}
}

// Start begins sampling the given probes. Starting an already-running
// sampler is a no-op.
func (s *Sampler) Start(inputProbe, outputProbe func() float64) {
	if inputProbe == nil || outputProbe == nil {
		return
	}
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	stopped := make(chan struct{})
	s.stop = stop
	s.stopped = stopped
	s.mu.Unlock()

	go s.run(inputProbe, outputProbe, stop, stopped)
}

// Cancel signals the sampling loop to exit without waiting for it. The loop
// is deregistered synchronously, so a Start issued immediately after Cancel
// begins a fresh loop rather than no-opping against the dying one.
func (s *Sampler) Cancel() {
	s.signalStop()
}

// Stop cancels the sampling loop and resets published levels to zero. It is
// idempotent and returns after the loop has exited.
func (s *Sampler) Stop() {
	if stopped := s.signalStop(); stopped != nil {
		<-stopped
	}
}

func (s *Sampler) signalStop() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	stop, stopped := s.stop, s.stopped
	s.stop = nil
	s.stopped = nil
	if stop != nil {
		close(stop)
	}
	return stopped
}

// Running reports whether the sampling loop is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// Levels returns the most recently published pair; zeros when stopped.
func (s *Sampler) Levels() Levels {
	return Levels{
		Input:  math.Float64frombits(s.input.Load()),
		Output: math.Float64frombits(s.output.Load()),
	}
}

func (s *Sampler) run(inputProbe, outputProbe func() float64, stop, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	// Reset to zero only when no replacement loop took over; otherwise this
	// deferred write would clobber the new loop's published levels.
	defer func() {
		s.mu.Lock()
		replaced := s.stop != nil
		s.mu.Unlock()
		if !replaced {
			s.publish(0, 0)
		}
	}()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			select {
			case <-stop:
				return
			default:
			}
			s.publish(inputProbe(), outputProbe())
		}
	}
}

func (s *Sampler) publish(input, output float64) {
	s.input.Store(math.Float64bits(input))
	s.output.Store(math.Float64bits(output))
	if s.OnSample != nil {
		s.OnSample(Levels{Input: input, Output: output})
	}
}
