package netstate

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Prober checks whether the network is usable.
type Prober interface {
	Probe(ctx context.Context) error
}

// DialProber treats a successful TCP dial to Address as connectivity.
type DialProber struct {
	Network string
	Address string
	Timeout time.Duration
}

func (p DialProber) Probe(ctx context.Context) error {
	network := p.Network
	if network == "" {
		network = "tcp"
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, network, p.Address)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.Address, err)
	}
	return conn.Close()
}

type MonitorOptions struct {
	Prober   Prober
	Interval time.Duration
	Logger   *slog.Logger
}

// Monitor tracks connectivity and notifies subscribers on transitions only.
type Monitor struct {
	mu        sync.Mutex
	connected bool
	ready     chan struct{}
	subs      map[int]func(bool)
	nextSub   int

	prober   Prober
	interval time.Duration
	logger   *slog.Logger
}

func NewMonitor(connected bool, opts MonitorOptions) *Monitor {
	m := &Monitor{
		connected: connected,
		ready:     make(chan struct{}),
		subs:      make(map[int]func(bool)),
		prober:    opts.Prober,
		interval:  opts.Interval,
		logger:    opts.Logger,
	}
	if connected {
		close(m.ready)
	}
	if m.interval <= 0 {
		m.interval = 15 * time.Second
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Subscribe registers fn for state changes and returns a function that
// removes it.
func (m *Monitor) Subscribe(fn func(connected bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
		})
	}
}

// SetConnected records the current state. Subscribers are called, outside
// the monitor lock, only when the state actually changes.
func (m *Monitor) SetConnected(connected bool) {
	m.mu.Lock()
	if m.connected == connected {
		m.mu.Unlock()
		return
	}
	m.connected = connected
	if connected {
		close(m.ready)
	} else {
		m.ready = make(chan struct{})
	}
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.Info("network state changed", "connected", connected)
	for _, fn := range subs {
		fn(connected)
	}
}

// WaitConnected blocks until the network is connected or ctx is done.
func (m *Monitor) WaitConnected(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.connected {
			m.mu.Unlock()
			return nil
		}
		ready := m.ready
		m.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run probes connectivity every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.prober == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.probe(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	err := m.prober.Probe(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logger.Debug("network probe failed", "error", err)
	}
	m.SetConnected(err == nil)
}
