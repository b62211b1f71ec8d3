package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrIntervalTooShort is returned when an auto-send interval is below the minimum.
var ErrIntervalTooShort = fmt.Errorf("push: auto-send interval must be at least %d seconds", minAutoSendInterval)

// Auto-send cycle results.
const (
	CycleSent     = "sent"
	CycleDisabled = "disabled"
	CycleEmpty    = "empty"
	CyclePanicked = "panicked"
)

// AutoSend holds the live auto-send settings. It is safe for concurrent use.
type AutoSend struct {
	enabled atomic.Bool
	seconds atomic.Int64
}

// NewAutoSend constructs settings. seconds <= 0 selects the default interval;
// values below the minimum are raised to it.
func NewAutoSend(enabled bool, seconds int) *AutoSend {
	if seconds <= 0 {
		seconds = defaultAutoSendInterval
	}
	if seconds < minAutoSendInterval {
		seconds = minAutoSendInterval
	}
	a := &AutoSend{}
	a.enabled.Store(enabled)
	a.seconds.Store(int64(seconds))
	return a
}

// Enabled reports whether auto-send is on.
func (a *AutoSend) Enabled() bool { return a.enabled.Load() }

// Toggle flips the enabled flag and returns the new value.
func (a *AutoSend) Toggle() bool {
	for {
		cur := a.enabled.Load()
		if a.enabled.CompareAndSwap(cur, !cur) {
			return !cur
		}
	}
}

// IntervalSeconds returns the current interval in whole seconds.
func (a *AutoSend) IntervalSeconds() int { return int(a.seconds.Load()) }

// Interval returns the current interval.
func (a *AutoSend) Interval() time.Duration {
	return time.Duration(a.seconds.Load()) * time.Second
}

// ValidateInterval reports whether seconds is an acceptable auto-send interval.
func ValidateInterval(seconds int) error {
	if seconds < minAutoSendInterval {
		return ErrIntervalTooShort
	}
	return nil
}

// SetInterval updates the interval. The previous value is kept on error.
func (a *AutoSend) SetInterval(seconds int) error {
	if err := ValidateInterval(seconds); err != nil {
		return err
	}
	a.seconds.Store(int64(seconds))
	return nil
}

// Scheduler periodically broadcasts the default notification.
//
// It wakes every step and compares the time since the last cycle with the
// current interval, so interval changes take effect without restarting it.
type Scheduler struct {
	log      *slog.Logger
	settings *AutoSend
	clock    clockwork.Clock
	step     time.Duration

	clients func() int
	send    func(ctx context.Context) int

	// observe, when set, receives every cycle result.
	observe func(result string)
}

// NewScheduler constructs a Scheduler. clients reports the registry size and
// send performs one broadcast.
func NewScheduler(log *slog.Logger, settings *AutoSend, clock clockwork.Clock, clients func() int, send func(ctx context.Context) int) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		log:      log,
		settings: settings,
		clock:    clock,
		step:     defaultAutoSendStep,
		clients:  clients,
		send:     send,
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.settings == nil || s.clients == nil || s.send == nil {
		return errors.New("push: scheduler not configured")
	}

	last := s.clock.Now()
	t := s.clock.NewTicker(s.step)
	defer t.Stop()

	s.log.Info("autosend.start",
		"enabled", s.settings.Enabled(),
		"interval_s", s.settings.IntervalSeconds(),
	)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("autosend.stop")
			return nil
		case <-t.Chan():
		}

		now := s.clock.Now()
		if now.Sub(last) < s.settings.Interval() {
			continue
		}
		last = now
		s.cycle(ctx)
	}
}

func (s *Scheduler) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			AutoSendCycles.WithLabelValues(CyclePanicked).Inc()
			s.log.Error("autosend.cycle.panic", "panic", r)
		}
	}()

	var result string
	switch {
	case !s.settings.Enabled():
		result = CycleDisabled
	case s.clients() == 0:
		result = CycleEmpty
	default:
		result = CycleSent
		n := s.send(ctx)
		s.log.Info("autosend.cycle", "sent", n, "interval_s", s.settings.IntervalSeconds())
	}

	AutoSendCycles.WithLabelValues(result).Inc()
	if result != CycleSent {
		s.log.Debug("autosend.skip", "reason", result)
	}
	if s.observe != nil {
		s.observe(result)
	}
}
