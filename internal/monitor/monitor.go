// Package monitor watches session liveness and tears sessions down once
// their client is gone.
//
// Each monitored session has one goroutine driven by a ticker. On every tick
// the liveness function is asked whether the session's client is still
// present; the first negative answer (or error, or timeout) moves the
// session to StateTerminated and runs the terminate function exactly once.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/soyeahso/docchat/internal/domain"
	"github.com/soyeahso/docchat/internal/logging"
)

var (
	// ErrAlreadyMonitored is returned by Start for a session that already
	// has a live monitor.
	ErrAlreadyMonitored = errors.New("monitor: session already monitored")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("monitor: closed")
)

// State is the lifecycle state of a monitored session.
type State int

const (
	StateAlive State = iota + 1
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// LivenessFunc reports whether the session's client is still present.
type LivenessFunc func(ctx context.Context, id domain.SessionID) (bool, error)

// TerminateFunc releases everything the session holds.
type TerminateFunc func(ctx context.Context, id domain.SessionID) error

const (
	minCheckTimeout  = time.Second
	terminateTimeout = 30 * time.Second
)

type watch struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Monitor schedules liveness checks for any number of sessions.
type Monitor struct {
	interval  time.Duration
	alive     LivenessFunc
	terminate TerminateFunc
	log       *logging.Logger

	// terminated remembers finished sessions for State, then forgets them.
	terminated *cache.Cache

	mu       sync.Mutex
	sessions map[domain.SessionID]*watch
	closed   bool
	wg       sync.WaitGroup
}

const (
	// DefaultInterval is used when New is given a non-positive interval.
	DefaultInterval = 2 * time.Second
	// DefaultRetention is how long State still reports a terminated session.
	DefaultRetention = 10 * time.Minute
)

// Option customizes a Monitor.
type Option func(*Monitor)

// WithRetention sets how long terminated sessions stay visible to State.
func WithRetention(d time.Duration) Option {
	return func(m *Monitor) { m.terminated = cache.New(d, d) }
}

// New creates a monitor that checks every interval.
func New(interval time.Duration, alive LivenessFunc, terminate TerminateFunc, log *logging.Logger, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	m := &Monitor{
		interval:   interval,
		alive:      alive,
		terminate:  terminate,
		log:        log.Sub("monitor"),
		terminated: cache.New(DefaultRetention, time.Minute),
		sessions:   make(map[domain.SessionID]*watch),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start begins monitoring id. A previously terminated id may be started
// again; it gets a fresh monitor.
func (m *Monitor) Start(id domain.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.sessions[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyMonitored, id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{cancel: cancel, done: make(chan struct{})}
	m.sessions[id] = w
	m.terminated.Delete(string(id))

	m.wg.Add(1)
	go m.run(ctx, id, w)

	m.log.Debug().Str("session", string(id)).Dur("interval", m.interval).Msg("monitoring session")
	return nil
}

func (m *Monitor) run(ctx context.Context, id domain.SessionID, w *watch) {
	defer m.wg.Done()
	defer close(w.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		ok, err := m.check(ctx, id)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.log.Warn().Err(err).Str("session", string(id)).Msg("liveness check failed")
		}
		if ok && err == nil {
			continue
		}

		m.finish(id, w, "client gone")
		return
	}
}

// check runs one liveness probe bounded by max(interval, 1s). A probe that
// outlives its deadline counts as a failure.
func (m *Monitor) check(ctx context.Context, id domain.SessionID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, max(m.interval, minCheckTimeout))
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	ch := make(chan result, 1)
	go func() {
		ok, err := m.alive(ctx, id)
		ch <- result{ok, err}
	}()

	select {
	case r := <-ch:
		return r.ok, r.err
	case <-ctx.Done():
		return false, fmt.Errorf("liveness check: %w", ctx.Err())
	}
}

// finish runs terminate once for w and records the terminal state.
func (m *Monitor) finish(id domain.SessionID, w *watch, reason string) {
	w.once.Do(func() {
		m.log.Info().Str("session", string(id)).Str("reason", reason).Msg("terminating session")

		ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
		defer cancel()
		if err := m.terminate(ctx, id); err != nil {
			m.log.Error().Err(err).Str("session", string(id)).Msg("terminate failed")
		}

		m.mu.Lock()
		if m.sessions[id] == w {
			delete(m.sessions, id)
		}
		m.terminated.SetDefault(string(id), struct{}{})
		m.mu.Unlock()
	})
}

// Stop terminates id now, running the terminate function. It reports
// whether the session was being monitored.
func (m *Monitor) Stop(id domain.SessionID) bool {
	m.mu.Lock()
	w, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return false
	}

	w.cancel()
	m.finish(id, w, "stopped")
	<-w.done
	return true
}

// Forget stops monitoring id without terminating it.
func (m *Monitor) Forget(id domain.SessionID) {
	m.mu.Lock()
	w, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	w.cancel()
	<-w.done
}

// State reports the state of id. The second result is false for ids that
// were never monitored, or whose termination is older than the retention.
func (m *Monitor) State(id domain.SessionID) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; ok {
		return StateAlive, true
	}
	if _, ok := m.terminated.Get(string(id)); ok {
		return StateTerminated, true
	}
	return 0, false
}

// Active returns the number of sessions being monitored.
func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops every loop without terminating sessions and waits for the
// goroutines to exit.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	for id, w := range m.sessions {
		w.cancel()
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
}
