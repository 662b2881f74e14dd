package netwatch

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	defaultProbeInterval = 15 * time.Second
	probeTimeout         = 5 * time.Second
)

// Prober periodically dials a well-known address and feeds the result into
// a Monitor.
type Prober struct {
	mu       sync.Mutex
	monitor  *Monitor
	addr     string
	interval time.Duration
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewProber creates a prober dialing addr (host:port). A zero interval
// selects the default.
func NewProber(monitor *Monitor, addr string, interval time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	return &Prober{
		monitor:  monitor,
		addr:     addr,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the probe loop. The first probe runs immediately.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.mu.Unlock()

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.probe(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for it to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

func (p *Prober) probe(ctx context.Context) {
	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		if ctx.Err() == nil && p.monitor.Online() {
			p.logger.Info("connectivity lost", "addr", p.addr, "error", err)
		}
		p.monitor.SetOnline(false)
		return
	}
	conn.Close()
	if !p.monitor.Online() {
		p.logger.Info("connectivity restored", "addr", p.addr)
	}
	p.monitor.SetOnline(true)
}
