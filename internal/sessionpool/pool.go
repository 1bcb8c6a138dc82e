// Package sessionpool owns the one persistent native session per machine:
// exactly one long-lived session per machine, serialized by a per-machine
// mutex. Native connections must never churn — frequent reconnects
// destabilize the controller — so transient call failures leave the
// session open and only an explicit Disconnect or shutdown closes it.
// Repeated open failures trip a per-machine circuit breaker so a dead
// controller is not hammered on every dispatch.
package sessionpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"okuma-bridge/internal/opcuaclient"
	"okuma-bridge/internal/ospapi"
)

// connectResult is the sentinel-guarded result of an in-flight Acquire.
type connectResult struct {
	session ospapi.Session
	err     error
	done    chan struct{}
}

// entry is one pool slot: either a sentinel (connecting in progress) or a
// resolved session, plus the per-machine mutex every call is serialized
// through.
type entry struct {
	mu      sync.Mutex // guards calls into session, not the map slot itself
	session ospapi.Session
	pending *connectResult
}

// ControlPlane is the narrow surface the pool needs from the control-plane
// client to maintain the connection-status mirror and read MachineConfig.
type ControlPlane interface {
	Read(ctx context.Context, nodeID string) (*opcuaclient.Value, error)
	Write(ctx context.Context, nodeID string, value opcuaclient.Value) (bool, error)
}

// Pool is the Machine Session Pool.
type Pool struct {
	logger  *zap.Logger
	dialer  ospapi.Dialer
	control ControlPlane

	mapMu   sync.Mutex // short-held lock guarding the machineName -> entry map
	entries map[string]*entry

	breakers   sync.Map // machineName -> *gobreaker.CircuitBreaker
	breakerCfg gobreaker.Settings
}

// New constructs a Pool. breakerTimeout is how long the breaker stays open
// before allowing a half-open probe.
func New(dialer ospapi.Dialer, control ControlPlane, logger *zap.Logger, breakerTimeout time.Duration) *Pool {
	return &Pool{
		logger:  logger,
		dialer:  dialer,
		control: control,
		entries: make(map[string]*entry),
		breakerCfg: gobreaker.Settings{
			MaxRequests: 1,
			Interval:    0,
			Timeout:     breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		},
	}
}

func (p *Pool) breakerFor(machineName string) *gobreaker.CircuitBreaker {
	if b, ok := p.breakers.Load(machineName); ok {
		return b.(*gobreaker.CircuitBreaker)
	}
	cfg := p.breakerCfg
	cfg.Name = machineName
	b := gobreaker.NewCircuitBreaker(cfg)
	actual, _ := p.breakers.LoadOrStore(machineName, b)
	return actual.(*gobreaker.CircuitBreaker)
}

// Machine describes the inputs Acquire needs to open a session; callers
// resolve this from MachineConfig through machine.Directory before calling
// in.
type Machine struct {
	Name string
	IP   string
	Kind ospapi.MachineKind
}

// Handle is a session plus the mutex that serializes every call through it,
// returned by Acquire/Get so callers can hold the lock across a sequence of
// native calls (e.g. StartUpdate/WaitUpdateEnd/GetByString in MacMan).
type Handle struct {
	Session ospapi.Session
	mu      *sync.Mutex
}

// Lock serializes access to the underlying session for the duration of the
// caller's critical section.
func (h *Handle) Lock()   { h.mu.Lock() }
func (h *Handle) Unlock() { h.mu.Unlock() }

// NewTestHandle builds a Handle directly from a session and mutex, for use
// in other packages' tests that need to exercise a collector without a
// live Pool.
func NewTestHandle(session ospapi.Session, mu *sync.Mutex) *Handle {
	return &Handle{Session: session, mu: mu}
}

// Get performs a non-blocking lookup; it never opens a session.
func (p *Pool) Get(machineName string) (*Handle, bool) {
	p.mapMu.Lock()
	e, ok := p.entries[machineName]
	p.mapMu.Unlock()
	if !ok || e.session == nil {
		return nil, false
	}
	return &Handle{Session: e.session, mu: &e.mu}, true
}

// Acquire returns the existing open session for machineName, or opens one.
// Concurrent acquisitions for the same name collapse to a single open
// attempt via the sentinel entry.
func (p *Pool) Acquire(ctx context.Context, m Machine) (*Handle, error) {
	p.mapMu.Lock()
	e, exists := p.entries[m.Name]
	if exists && e.session != nil {
		p.mapMu.Unlock()
		return &Handle{Session: e.session, mu: &e.mu}, nil
	}
	if exists && e.pending != nil {
		pending := e.pending
		p.mapMu.Unlock()
		<-pending.done
		if pending.err != nil {
			return nil, pending.err
		}
		return &Handle{Session: pending.session, mu: &e.mu}, nil
	}

	// No entry, or a stale failed one: place a sentinel and become the
	// single opener.
	if !exists {
		e = &entry{}
		p.entries[m.Name] = e
	}
	result := &connectResult{done: make(chan struct{})}
	e.pending = result
	p.mapMu.Unlock()

	session, err := p.open(ctx, m)

	p.mapMu.Lock()
	e.pending = nil
	if err == nil {
		e.session = session
	}
	p.mapMu.Unlock()

	result.session = session
	result.err = err
	close(result.done)

	if err != nil {
		return nil, err
	}
	return &Handle{Session: session, mu: &e.mu}, nil
}

func (p *Pool) open(ctx context.Context, m Machine) (ospapi.Session, error) {
	if m.IP == "" {
		p.markDisconnected(ctx, m.Name)
		return nil, fmt.Errorf("sessionpool: %s: empty IPAddress", m.Name)
	}

	breaker := p.breakerFor(m.Name)
	opened, err := breaker.Execute(func() (interface{}, error) {
		sess, dialErr := p.dialer.Dial(m.Kind)
		if dialErr != nil {
			return nil, dialErr
		}
		result, errMsg, connErr := sess.Connect(ctx, m.IP)
		if connErr != nil {
			_ = sess.Disconnect(ctx)
			return nil, connErr
		}
		if errMsg != "" {
			_ = sess.Disconnect(ctx)
			return nil, fmt.Errorf("native connect refused: %s", errMsg)
		}
		if result != "" && result != "0" {
			_ = sess.Disconnect(ctx)
			return nil, fmt.Errorf("native connect failed: result=%s", result)
		}
		return sess, nil
	})

	if err != nil {
		p.logger.Warn("sessionpool: open failed", zap.String("machine", m.Name), zap.String("ip", m.IP), zap.Error(err))
		p.markDisconnected(ctx, m.Name)
		return nil, err
	}

	session := opened.(ospapi.Session)
	p.markConnected(ctx, m.Name)
	p.logger.Info("sessionpool: session opened", zap.String("machine", m.Name), zap.String("ip", m.IP))
	return session, nil
}

// Disconnect tears a session down. Within the bridge, Shutdown is its only
// caller.
func (p *Pool) Disconnect(ctx context.Context, machineName string) error {
	p.mapMu.Lock()
	e, ok := p.entries[machineName]
	if !ok || e.session == nil {
		p.mapMu.Unlock()
		return nil
	}
	session := e.session
	e.session = nil
	p.mapMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	err := session.Disconnect(ctx)
	p.markDisconnected(ctx, machineName)
	return err
}

func (p *Pool) mirrorPrefix(machineName string) string {
	return "ns=2;s=Okuma.Machines." + machineName
}

func (p *Pool) markConnected(ctx context.Context, machineName string) {
	now := opcuaclient.Int32Value(int32(time.Now().Unix()))
	zero := opcuaclient.Int32Value(0)
	if _, err := p.control.Write(ctx, p.mirrorPrefix(machineName)+".Connected", now); err != nil {
		p.logger.Warn("sessionpool: write Connected mirror failed", zap.String("machine", machineName), zap.Error(err))
	}
	if _, err := p.control.Write(ctx, p.mirrorPrefix(machineName)+".DisConnected", zero); err != nil {
		p.logger.Warn("sessionpool: write DisConnected mirror failed", zap.String("machine", machineName), zap.Error(err))
	}
}

func (p *Pool) markDisconnected(ctx context.Context, machineName string) {
	now := opcuaclient.Int32Value(int32(time.Now().Unix()))
	zero := opcuaclient.Int32Value(0)
	if _, err := p.control.Write(ctx, p.mirrorPrefix(machineName)+".DisConnected", now); err != nil {
		p.logger.Warn("sessionpool: write DisConnected mirror failed", zap.String("machine", machineName), zap.Error(err))
	}
	if _, err := p.control.Write(ctx, p.mirrorPrefix(machineName)+".Connected", zero); err != nil {
		p.logger.Warn("sessionpool: write Connected mirror failed", zap.String("machine", machineName), zap.Error(err))
	}
}

// Shutdown disconnects every open session. Called once, at process
// teardown.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mapMu.Lock()
	names := make([]string, 0, len(p.entries))
	for name, e := range p.entries {
		if e.session != nil {
			names = append(names, name)
		}
	}
	p.mapMu.Unlock()

	for _, name := range names {
		if err := p.Disconnect(ctx, name); err != nil {
			p.logger.Warn("sessionpool: shutdown disconnect failed", zap.String("machine", name), zap.Error(err))
		}
	}
}
