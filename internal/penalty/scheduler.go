package penalty

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

type realClock struct{}

type realTimer struct{ t *time.Timer }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{t: time.AfterFunc(d, f)}
}

func (t realTimer) Stop() bool { return t.t.Stop() }

type armed struct {
	gen    uint64
	expiry time.Time
	timer  Timer
}

// Scheduler keeps one pending reversal per key. Timers are a rebuildable
// cache over persisted expiries; Rehydrate reconstructs them after restart.
type Scheduler struct {
	mu     sync.Mutex
	gen    uint64
	clock  Clock
	logger *zap.Logger
	timers map[string]*armed
}

func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		clock:  realClock{},
		logger: logger,
		timers: make(map[string]*armed),
	}
}

func (s *Scheduler) WithClock(clock Clock) {
	s.clock = clock
}

// Arm registers a single-shot callback at expiry. A pending timer for the
// same key is superseded; the generation check keeps a superseded timer
// from firing even when it was already past Stop.
func (s *Scheduler) Arm(key string, expiry time.Time, onFire func()) {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	if old := s.timers[key]; old != nil {
		old.timer.Stop()
	}
	delay := expiry.Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	entry := &armed{gen: gen, expiry: expiry}
	entry.timer = s.clock.AfterFunc(delay, func() {
		s.fire(key, gen, onFire)
	})
	s.timers[key] = entry
	s.mu.Unlock()
}

func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	if entry := s.timers[key]; entry != nil {
		entry.timer.Stop()
		delete(s.timers, key)
	}
	s.mu.Unlock()
}

func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[key] != nil
}

// Rehydrate arms every future expiry and fires past-due ones immediately so
// extended downtime cannot leave a restriction stuck.
func (s *Scheduler) Rehydrate(expiries map[string]time.Time, onFire func(key string)) {
	now := s.clock.Now()
	for key, expiry := range expiries {
		if !expiry.After(now) {
			s.logger.Info("reversal past due after restart", zap.String("key", key), zap.Time("expiry", expiry))
			onFire(key)
			continue
		}
		key := key
		s.Arm(key, expiry, func() { onFire(key) })
	}
}

func (s *Scheduler) fire(key string, gen uint64, onFire func()) {
	s.mu.Lock()
	entry := s.timers[key]
	if entry == nil || entry.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.mu.Unlock()
	onFire()
}
