// Package balancer implements the inbound reverse proxy: it accepts HTTP
// forward-proxy and CONNECT-tunnel traffic and spreads it across the pool's
// egress backends, keeping per-backend failure accounting with automatic
// recovery probing.
package balancer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/net/proxy"
)

var (
	// ErrNoBackends is returned by SelectBackend when no backend is
	// available; request handlers surface it as a 503.
	ErrNoBackends = errors.New("no backends available")

	// errBackendConn marks a failure to reach a backend's own SOCKS
	// port, as opposed to a failure beyond it. Only these count toward
	// backend demotion.
	errBackendConn = errors.New("backend connection failed")
)

// Config bundles the balancer's dependencies and tunables.
type Config struct {
	// FailureThreshold is the consecutive failure count at which an
	// available backend is demoted. Defaults to 3.
	FailureThreshold int

	// ProbeTicker drives the background health loop.
	ProbeTicker ticker.Ticker

	// ProbeAddr is the host:port dialed through a backend to verify
	// outbound connectivity. Defaults to check.torproject.org:443.
	ProbeAddr string

	// ProbeTimeout bounds one connectivity probe. Defaults to 30s.
	ProbeTimeout time.Duration

	// UpstreamTimeout bounds a proxied request end to end. Circuits are
	// slow; the default is 60s.
	UpstreamTimeout time.Duration

	// SocksAddr maps a backend port to its SOCKS listen address.
	// Defaults to 127.0.0.1:port.
	SocksAddr func(port int) string

	// NewTransport builds the persistent upstream session for a backend.
	// Tests substitute this; the default is a SOCKS5 http.Transport
	// through the backend.
	NewTransport func(socksAddr string) http.RoundTripper

	// DialBackend opens one TCP connection to target through the
	// backend's SOCKS proxy. Errors wrapping errBackendConn indicate
	// the backend itself was unreachable. Tests substitute this.
	DialBackend func(socksAddr, target string,
		timeout time.Duration) (net.Conn, error)
}

// backend is the balancer's view of one egress instance port.
type backend struct {
	port      int
	socksAddr string

	// failures is the consecutive failure streak. Guarded by the
	// balancer mutex.
	failures int

	// transport is the persistent upstream session for plain HTTP
	// forwarding.
	transport http.RoundTripper
}

// Balancer routes client traffic across a disjoint available/unavailable
// partition of backend ports.
type Balancer struct {
	started int32 // used atomically
	stopped int32 // used atomically

	cfg *Config

	mu          sync.Mutex
	available   map[int]*backend
	unavailable map[int]*backend
	rand        *rand.Rand

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a balancer with no backends.
func New(cfg *Config) *Balancer {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ProbeAddr == "" {
		cfg.ProbeAddr = "check.torproject.org:443"
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	if cfg.UpstreamTimeout == 0 {
		cfg.UpstreamTimeout = 60 * time.Second
	}
	if cfg.SocksAddr == nil {
		cfg.SocksAddr = func(port int) string {
			return fmt.Sprintf("127.0.0.1:%d", port)
		}
	}
	if cfg.NewTransport == nil {
		cfg.NewTransport = func(socksAddr string) http.RoundTripper {
			return newSocksTransport(socksAddr,
				cfg.UpstreamTimeout)
		}
	}
	if cfg.DialBackend == nil {
		cfg.DialBackend = dialViaSocks
	}

	return &Balancer{
		cfg:         cfg,
		available:   make(map[int]*backend),
		unavailable: make(map[int]*backend),
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
		quit:        make(chan struct{}),
	}
}

// Start launches the background health loop.
func (b *Balancer) Start() error {
	if !atomic.CompareAndSwapInt32(&b.started, 0, 1) {
		return nil
	}

	if b.cfg.ProbeTicker != nil {
		b.wg.Add(1)
		go b.probeLoop()
	}

	return nil
}

// Stop terminates the health loop and releases upstream sessions.
func (b *Balancer) Stop() error {
	if !atomic.CompareAndSwapInt32(&b.stopped, 0, 1) {
		return nil
	}

	close(b.quit)
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, be := range b.available {
		closeTransport(be.transport)
	}
	for _, be := range b.unavailable {
		closeTransport(be.transport)
	}
	b.available = make(map[int]*backend)
	b.unavailable = make(map[int]*backend)

	return nil
}

// closeTransport releases a transport's idle connections when supported.
func closeTransport(rt http.RoundTripper) {
	if t, ok := rt.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}

// AddBackend registers the instance on the given port, probing it once to
// decide its initial partition. Adding a known port is a no-op.
func (b *Balancer) AddBackend(port int) {
	b.mu.Lock()
	_, inAvail := b.available[port]
	_, inUnavail := b.unavailable[port]
	if inAvail || inUnavail {
		b.mu.Unlock()
		return
	}

	be := &backend{
		port:      port,
		socksAddr: b.cfg.SocksAddr(port),
		transport: b.cfg.NewTransport(b.cfg.SocksAddr(port)),
	}

	// Reserve the slot before probing so a concurrent AddBackend for the
	// same port stays idempotent, then place it according to the probe.
	b.unavailable[port] = be
	b.mu.Unlock()

	if b.probe(be) {
		b.mu.Lock()
		// The backend may have been removed while the probe was in
		// flight; promoting it then would resurrect it.
		if _, ok := b.unavailable[port]; ok {
			delete(b.unavailable, port)
			be.failures = 0
			b.available[port] = be

			log.Infof("Backend %d added (available)", port)
		}
		b.mu.Unlock()
		return
	}

	log.Warnf("Backend %d added but failed its connectivity probe", port)
}

// RemoveBackend drops the port from both partitions and releases its
// session.
func (b *Balancer) RemoveBackend(port int) {
	b.mu.Lock()
	be, ok := b.available[port]
	if !ok {
		be, ok = b.unavailable[port]
	}
	delete(b.available, port)
	delete(b.unavailable, port)
	b.mu.Unlock()

	if ok {
		closeTransport(be.transport)
		log.Infof("Backend %d removed", port)
	}
}

// SelectBackend returns a uniformly random available backend port.
func (b *Balancer) SelectBackend() (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.available) == 0 {
		return 0, ErrNoBackends
	}

	// Map iteration order is not uniform enough to rely on; draw an
	// index explicitly.
	target := b.rand.Intn(len(b.available))
	for port := range b.available {
		if target == 0 {
			return port, nil
		}
		target--
	}

	// Unreachable.
	return 0, ErrNoBackends
}

// MarkFailure records one failure against the backend. Crossing the
// threshold demotes it to the unavailable partition.
func (b *Balancer) MarkFailure(port int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	be, ok := b.available[port]
	if !ok {
		return
	}

	be.failures++
	if be.failures < b.cfg.FailureThreshold {
		return
	}

	delete(b.available, port)
	b.unavailable[port] = be

	log.Warnf("Backend %d demoted after %d consecutive failures", port,
		be.failures)
}

// MarkSuccess resets the backend's failure streak.
func (b *Balancer) MarkSuccess(port int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if be, ok := b.available[port]; ok {
		be.failures = 0
	}
}

// Counts returns the sizes of the available and unavailable partitions.
func (b *Balancer) Counts() (int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.available), len(b.unavailable)
}

// probeLoop periodically probes up to two unavailable backends for recovery
// and one random available backend for silent failure.
func (b *Balancer) probeLoop() {
	defer b.wg.Done()

	b.cfg.ProbeTicker.Resume()
	defer b.cfg.ProbeTicker.Stop()

	for {
		select {
		case <-b.cfg.ProbeTicker.Ticks():
			b.probePass()

		case <-b.quit:
			return
		}
	}
}

// probePass runs one cycle of the background health loop.
func (b *Balancer) probePass() {
	b.mu.Lock()
	var down []*backend
	for _, be := range b.unavailable {
		down = append(down, be)
		if len(down) == 2 {
			break
		}
	}

	var up *backend
	if len(b.available) > 0 {
		target := b.rand.Intn(len(b.available))
		for _, be := range b.available {
			if target == 0 {
				up = be
				break
			}
			target--
		}
	}
	b.mu.Unlock()

	// Probes block on network I/O, so they run outside the lock.
	for _, be := range down {
		if !b.probe(be) {
			continue
		}

		b.mu.Lock()
		// The backend may have been removed while we probed.
		if _, ok := b.unavailable[be.port]; ok {
			delete(b.unavailable, be.port)
			be.failures = 0
			b.available[be.port] = be

			log.Infof("Backend %d restored", be.port)
		}
		b.mu.Unlock()
	}

	if up != nil && !b.probe(up) {
		b.mu.Lock()
		if _, ok := b.available[up.port]; ok {
			delete(b.available, up.port)
			b.unavailable[up.port] = up

			log.Warnf("Backend %d demoted by background probe",
				up.port)
		}
		b.mu.Unlock()
	}
}

// probe verifies outbound connectivity through the backend's SOCKS port.
func (b *Balancer) probe(be *backend) bool {
	conn, err := b.cfg.DialBackend(
		be.socksAddr, b.cfg.ProbeAddr, b.cfg.ProbeTimeout,
	)
	if err != nil {
		log.Debugf("Probe of backend %d failed: %v", be.port, err)
		return false
	}
	conn.Close()

	return true
}

// newSocksTransport builds the persistent upstream session for one backend.
func newSocksTransport(socksAddr string,
	timeout time.Duration) http.RoundTripper {

	return &http.Transport{
		DialContext: func(ctx context.Context, network,
			addr string) (net.Conn, error) {

			dialer, err := proxy.SOCKS5(
				"tcp", socksAddr, nil, proxy.Direct,
			)
			if err != nil {
				return nil, err
			}

			if cd, ok := dialer.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return dialer.Dial(network, addr)
		},
		MaxIdleConns:          8,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
}

// dialViaSocks opens a TCP connection to target through the SOCKS proxy at
// socksAddr. The TCP leg to the proxy itself is dialed first so its failure
// (the backend being down) is distinguishable from a failure beyond the
// backend.
func dialViaSocks(socksAddr, target string,
	timeout time.Duration) (net.Conn, error) {

	raw, err := net.DialTimeout("tcp", socksAddr, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBackendConn, err)
	}

	_ = raw.SetDeadline(time.Now().Add(timeout))

	dialer, err := proxy.SOCKS5(
		"tcp", socksAddr, nil, fixedConn{conn: raw},
	)
	if err != nil {
		raw.Close()
		return nil, err
	}

	// The handshake runs over the pre-established connection; failure
	// here is the circuit's fault, not the backend's.
	conn, err := dialer.Dial("tcp", target)
	if err != nil {
		raw.Close()
		return nil, err
	}

	_ = raw.SetDeadline(time.Time{})

	return conn, nil
}

// fixedConn is a proxy.Dialer handing out one pre-established connection.
type fixedConn struct {
	conn net.Conn
}

func (f fixedConn) Dial(network, addr string) (net.Conn, error) {
	return f.conn, nil
}
