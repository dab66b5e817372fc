package flowsync

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type InterpolatorSettings struct {
	// fraction of the remaining delta applied per tick.
	// an exponential ease toward the target, decelerating with no overshoot
	LerpFactor float64
	// below this gap a numeric field snaps exactly to the target,
	// preventing micro oscillation from floating point residue
	ConvergenceThreshold float64
	TickInterval         time.Duration
}

func DefaultInterpolatorSettings() *InterpolatorSettings {
	return &InterpolatorSettings{
		LerpFactor:           0.15,
		ConvergenceThreshold: 0.1,
		TickInterval:         16 * time.Millisecond,
	}
}

// Snapshot is one displayed entity's field bag. float64 and int values are
// eased; every other value passes through unchanged on the next tick.
type Snapshot map[string]any

// Interpolator converges a display snapshot toward the latest target
// snapshot across animation ticks. The target is replaced wholesale whenever
// fresh data arrives; the display is owned exclusively by the interpolator.
// The tick loop self-terminates on convergence and restarts on the next
// target push. Close cancels the loop on teardown.
type Interpolator struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *InterpolatorSettings
	render   func(display Snapshot)

	mutex   sync.Mutex
	target  Snapshot
	display Snapshot
	ticking bool
}

func NewInterpolatorWithDefaults(ctx context.Context, render func(display Snapshot)) *Interpolator {
	return NewInterpolator(ctx, render, DefaultInterpolatorSettings())
}

func NewInterpolator(ctx context.Context, render func(display Snapshot), settings *InterpolatorSettings) *Interpolator {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Interpolator{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		render:   render,
		display:  Snapshot{},
	}
}

// SetTarget replaces the target snapshot and wakes the tick loop if it is
// not already running
func (self *Interpolator) SetTarget(target Snapshot) {
	self.mutex.Lock()
	self.target = maps.Clone(target)
	start := !self.ticking && self.ctx.Err() == nil
	if start {
		self.ticking = true
	}
	self.mutex.Unlock()

	if start {
		go self.run()
	}
}

// Display returns a copy of the current display snapshot
func (self *Interpolator) Display() Snapshot {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Clone(self.display)
}

func (self *Interpolator) Close() {
	self.cancel()
}

func (self *Interpolator) run() {
	ticker := time.NewTicker(self.settings.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-self.ctx.Done():
			self.mutex.Lock()
			self.ticking = false
			self.mutex.Unlock()
			return
		case <-ticker.C:
			if !self.step() {
				glog.V(2).Infof("[i]converged\n")
				return
			}
		}
	}
}

// step advances the display one tick and reports whether any field is still
// converging. The latest target is re-read here rather than captured when
// the tick was scheduled, so a fast double update cannot stall the
// animation. Convergence is judged against the freshly computed display
// values.
func (self *Interpolator) step() bool {
	self.mutex.Lock()

	converging := false
	for field, targetValue := range self.target {
		if tv, ok := numericValue(targetValue); ok {
			dv, _ := numericValue(self.display[field])
			delta := tv - dv
			if math.Abs(delta) <= self.settings.ConvergenceThreshold {
				self.display[field] = tv
			} else {
				self.display[field] = dv + delta*self.settings.LerpFactor
				converging = true
			}
		} else {
			// non numeric fields move immediately. motion would be
			// meaningless for text, status, and enum values
			self.display[field] = targetValue
		}
	}
	for field := range self.display {
		if _, ok := self.target[field]; !ok {
			delete(self.display, field)
		}
	}
	if !converging {
		self.ticking = false
	}

	var display Snapshot
	if self.render != nil {
		display = maps.Clone(self.display)
	}
	self.mutex.Unlock()

	if self.render != nil {
		self.render(display)
	}
	return converging
}

func numericValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
