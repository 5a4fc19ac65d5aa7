// Package backend tracks the health of the external model backends (the
// local chat model server, the image backend) with a circuit breaker per
// backend and a periodic health probe.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Errors returned by the backend package.
var (
	ErrUnavailable = errors.New("backend: unavailable (circuit open)")
	ErrUnknown     = errors.New("backend: not registered")
	ErrInvalidURL  = errors.New("backend: invalid URL")
	ErrHealthCheck = errors.New("backend: health check failed")
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int32

const (
	CircuitClosed   CircuitState = iota // healthy
	CircuitOpen                         // unavailable, calls rejected
	CircuitHalfOpen                     // probing
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// failureThreshold is the number of consecutive failures that opens a circuit.
const failureThreshold = 3

type circuitBreaker struct {
	state    atomic.Int32
	failures atomic.Int32
	openedAt atomic.Int64 // unix nanos of the last transition to open
}

func newCircuitBreaker() *circuitBreaker {
	cb := &circuitBreaker{}
	cb.state.Store(int32(CircuitClosed))
	return cb
}

func (cb *circuitBreaker) State() CircuitState {
	return CircuitState(cb.state.Load())
}

func (cb *circuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitClosed))
}

func (cb *circuitBreaker) RecordFailure() CircuitState {
	if cb.failures.Add(1) >= failureThreshold {
		cb.openedAt.Store(time.Now().UnixNano())
		cb.state.Store(int32(CircuitOpen))
	}
	return cb.State()
}

// CooledDown reports whether the circuit has been open for at least d.
func (cb *circuitBreaker) CooledDown(d time.Duration) bool {
	return time.Since(time.Unix(0, cb.openedAt.Load())) >= d
}

func (cb *circuitBreaker) TryHalfOpen() bool {
	return cb.state.CompareAndSwap(int32(CircuitOpen), int32(CircuitHalfOpen))
}

// reopenIfTrial returns an abandoned half-open trial to open without
// resetting the cooldown.
func (cb *circuitBreaker) reopenIfTrial() {
	cb.state.CompareAndSwap(int32(CircuitHalfOpen), int32(CircuitOpen))
}

// Prober checks one backend.
type Prober interface {
	Probe(ctx context.Context) error
}

// HTTPProber issues a GET and treats any status below 500 as healthy.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe implements Prober.
func (p HTTPProber) Probe(ctx context.Context) error {
	c := p.Client
	if c == nil {
		c = &http.Client{Timeout: 5 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return err
	}
	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHealthCheck, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrHealthCheck, resp.StatusCode)
	}
	return nil
}

type entry struct {
	prober  Prober
	breaker *circuitBreaker
}

// Monitor owns the breakers of all registered backends.
type Monitor struct {
	mu       sync.RWMutex
	backends map[string]*entry
	interval time.Duration
}

// NewMonitor creates a monitor probing every interval. An open circuit
// also admits one trial call once it has been open for an interval, so
// backends without a prober recover too.
func NewMonitor(interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{backends: make(map[string]*entry), interval: interval}
}

// Register adds a backend. A nil prober disables background probing for it.
func (m *Monitor) Register(name string, p Prober) {
	m.mu.Lock()
	m.backends[name] = &entry{prober: p, breaker: newCircuitBreaker()}
	m.mu.Unlock()
}

// Call runs fn through the named backend's breaker. Failures of fn count
// toward opening the circuit. While open, fn is not called until the
// cooldown has passed; then a single caller runs fn as the half-open trial
// and everyone else is rejected until it finishes.
func (m *Monitor) Call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	m.mu.RLock()
	e := m.backends[name]
	m.mu.RUnlock()
	if e == nil {
		return fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	switch e.breaker.State() {
	case CircuitOpen:
		if !e.breaker.CooledDown(m.interval) || !e.breaker.TryHalfOpen() {
			return fmt.Errorf("%w: %s", ErrUnavailable, name)
		}
		slog.Info("backend: trial call", slog.String("backend", name))
	case CircuitHalfOpen:
		return fmt.Errorf("%w: %s", ErrUnavailable, name)
	}

	if err := fn(ctx); err != nil {
		if ctx.Err() != nil {
			e.breaker.reopenIfTrial()
			return err
		}
		if e.breaker.RecordFailure() == CircuitOpen {
			slog.Warn("backend: circuit opened", slog.String("backend", name))
		}
		return err
	}
	if e.breaker.State() != CircuitClosed {
		slog.Info("backend: circuit recovered", slog.String("backend", name))
	}
	e.breaker.RecordSuccess()
	return nil
}

// States returns the circuit state of every backend.
func (m *Monitor) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.backends))
	for name, e := range m.backends {
		out[name] = e.breaker.State().String()
	}
	return out
}

// Run probes all backends every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.probeAll(ctx)
		}
	}
}

func (m *Monitor) probeAll(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.backends))
	for name := range m.backends {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		m.mu.RLock()
		e := m.backends[name]
		m.mu.RUnlock()
		if e == nil || e.prober == nil {
			continue
		}

		state := e.breaker.State()
		if state == CircuitOpen && !e.breaker.TryHalfOpen() {
			continue
		}

		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := e.prober.Probe(checkCtx)
		cancel()

		if err != nil {
			if e.breaker.RecordFailure() == CircuitOpen && state != CircuitOpen {
				slog.Warn("backend: circuit opened", slog.String("backend", name), slog.String("error", err.Error()))
			}
			continue
		}
		if state != CircuitClosed {
			slog.Info("backend: circuit recovered", slog.String("backend", name))
		}
		e.breaker.RecordSuccess()
	}
}

// ValidateURL checks that raw is an absolute http(s) URL.
func ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidURL)
	}
	return nil
}
