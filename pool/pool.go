// Package pool orchestrates the set of egress instances: bounded-concurrency
// batch startup with readiness gating, periodic dead-instance sweeps, and
// directory-driven exit-node redistribution.
package pool

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"golang.org/x/sync/errgroup"

	"github.com/rotorproxy/rotor/nodedir"
)

var (
	// ErrPoolStopped is returned when operations are attempted on a
	// stopped pool.
	ErrPoolStopped = errors.New("pool stopped")

	// ErrNoInstances is returned by Start when not a single instance
	// became healthy.
	ErrNoInstances = errors.New("no instances became healthy")
)

// Instance is the egress-instance surface the pool drives. Implemented by
// *egress.Instance.
type Instance interface {
	// Start launches the instance's subprocess.
	Start() error

	// Stop terminates the instance and removes its artifacts.
	Stop() error

	// Restart stops then starts the instance.
	Restart() error

	// CheckHealth runs one health probe and reports the result.
	CheckHealth() bool

	// ShouldRestart reports whether the failure threshold was crossed.
	ShouldRestart() bool

	// Running reports whether the process was last observed alive.
	Running() bool

	// Port returns the instance's SOCKS port.
	Port() int

	// ExitNodeSet returns the instance's assigned node fingerprints.
	ExitNodeSet() []string

	// ReloadExitNodes swaps the assignment in place.
	ReloadExitNodes(nodes []string) error

	// RotateCircuit requests fresh circuits.
	RotateCircuit() error
}

// Directory is the node-directory surface the pool delegates to. Implemented
// by *nodedir.Directory.
type Directory interface {
	FetchCandidates() (int, error)
	Distribute(nodeCount int) ([][]string, []nodedir.ShareInfo, error)
	HealthyNodesFor(assigned []string) []string
	MarkStale() int
}

// Config bundles the pool's dependencies and tunables.
type Config struct {
	// NewInstance constructs an (unstarted) instance bound to the given
	// SOCKS/control ports and exit-node assignment.
	NewInstance func(socksPort, controlPort int,
		exitNodes []string) Instance

	// Directory tracks exit nodes and produces assignments.
	Directory Directory

	// BatchTimeout bounds how long a startup batch may take to become
	// healthy. Defaults to 90s.
	BatchTimeout time.Duration

	// BatchPoll is the readiness poll interval within a batch. Defaults
	// to 2s.
	BatchPoll time.Duration

	// SweepTicker drives the periodic liveness sweep.
	SweepTicker ticker.Ticker

	// RedistributeEvery makes every Nth sweep also run staleness marking
	// and node redistribution. Defaults to 5.
	RedistributeEvery int

	// RotateTicker, if set, drives periodic circuit rotation across all
	// instances.
	RotateTicker ticker.Ticker

	// OnAdd is called when an instance has passed its readiness gate and
	// may receive traffic.
	OnAdd func(port int)

	// OnRemove is called when an instance is removed from service.
	OnRemove func(port int)

	// PortsFile, if set, is atomically rewritten with the healthy port
	// list after every membership change, for downstream edge routers.
	PortsFile string

	// StopWorkers bounds concurrent instance shutdowns. Defaults to 8.
	StopWorkers int
}

// Pool owns the instance map. Instances enter the map only after passing at
// least one health check.
type Pool struct {
	started int32 // used atomically
	stopped int32 // used atomically

	cfg *Config

	mu        sync.Mutex
	instances map[int]Instance

	// failedStarts counts allocation slots that never became healthy.
	failedStarts int

	// desired is the instance count most recently requested.
	desired int

	sweepCount int

	quit chan struct{}
	wg   sync.WaitGroup
}

// InstanceStatus is one row of a pool snapshot.
type InstanceStatus struct {
	Port     int
	Running  bool
	Degraded bool
	Nodes    int
}

// Snapshot is a derived, read-only aggregate of pool state, recomputed on
// demand.
type Snapshot struct {
	Desired      int
	Running      int
	Degraded     int
	FailedStarts int
	Instances    []InstanceStatus
}

// New creates a pool from the given config.
func New(cfg *Config) *Pool {
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 90 * time.Second
	}
	if cfg.BatchPoll == 0 {
		cfg.BatchPoll = 2 * time.Second
	}
	if cfg.RedistributeEvery == 0 {
		cfg.RedistributeEvery = 5
	}
	if cfg.StopWorkers == 0 {
		cfg.StopWorkers = 8
	}

	return &Pool{
		cfg:       cfg,
		instances: make(map[int]Instance),
		quit:      make(chan struct{}),
	}
}

// Start allocates ports, derives exit-node assignments, and launches
// desiredCount instances in batches of batchSize, gating each on a passed
// health check. It returns the number of instances that made it into
// service; the call succeeds if at least one did.
func (p *Pool) Start(desiredCount, batchSize int) (int, error) {
	if atomic.LoadInt32(&p.stopped) == 1 {
		return 0, ErrPoolStopped
	}
	if desiredCount <= 0 || batchSize <= 0 {
		return 0, fmt.Errorf("invalid desired=%d batch=%d",
			desiredCount, batchSize)
	}

	p.mu.Lock()
	p.desired = desiredCount
	p.mu.Unlock()

	// A failed fetch is non-fatal: assignments fall back to whatever the
	// directory already knows, or to unrestricted egress.
	if _, err := p.cfg.Directory.FetchCandidates(); err != nil {
		log.Warnf("Candidate fetch failed, continuing with known "+
			"nodes: %v", err)
	}

	pairs, err := allocatePorts(desiredCount)
	if err != nil {
		return 0, err
	}

	shares := make([][]string, desiredCount)
	distributed, _, err := p.cfg.Directory.Distribute(desiredCount)
	if err != nil {
		log.Warnf("Node distribution unavailable, instances start "+
			"unrestricted: %v", err)
	} else {
		shares = distributed
	}

	var added int
	for off := 0; off < len(pairs); off += batchSize {
		end := off + batchSize
		if end > len(pairs) {
			end = len(pairs)
		}

		added += p.startBatch(pairs[off:end], shares[off:end])
	}

	if added == 0 {
		return 0, ErrNoInstances
	}

	log.Infof("Pool started %d/%d instances", added, desiredCount)

	if atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		if p.cfg.SweepTicker != nil {
			p.wg.Add(1)
			go p.sweepLoop()
		}
		if p.cfg.RotateTicker != nil {
			p.wg.Add(1)
			go p.rotateLoop()
		}
	}

	return added, nil
}

// startBatch launches one batch with bounded concurrency, polls it to
// readiness, and tears down whatever did not make the gate. Returns how many
// instances entered service.
func (p *Pool) startBatch(pairs []portPair, shares [][]string) int {
	instances := make([]Instance, len(pairs))

	// Launch the whole batch; the errgroup limit keeps at most
	// len(pairs) subprocess spawns in flight.
	var g errgroup.Group
	g.SetLimit(len(pairs))
	for idx, pair := range pairs {
		idx, pair := idx, pair
		g.Go(func() error {
			inst := p.cfg.NewInstance(
				pair.socks, pair.control, shares[idx],
			)
			if err := inst.Start(); err != nil {
				log.Errorf("Instance on port %d failed to "+
					"start: %v", pair.socks, err)
				return nil
			}
			instances[idx] = inst
			return nil
		})
	}
	_ = g.Wait()

	// Poll the batch until every launched instance has verified egress
	// or the batch timeout expires. Checks run concurrently; a slow
	// instance cannot stall its batch mates' verification.
	healthy := make([]bool, len(instances))
	deadline := time.Now().Add(p.cfg.BatchTimeout)
	for time.Now().Before(deadline) {
		var checks errgroup.Group
		for idx, inst := range instances {
			if inst == nil || healthy[idx] {
				continue
			}
			idx, inst := idx, inst
			checks.Go(func() error {
				if inst.CheckHealth() {
					healthy[idx] = true
				}
				return nil
			})
		}
		_ = checks.Wait()

		allHealthy := true
		for idx, inst := range instances {
			if inst != nil && !healthy[idx] {
				allHealthy = false
			}
		}
		if allHealthy {
			break
		}

		select {
		case <-time.After(p.cfg.BatchPoll):
		case <-p.quit:
			return 0
		}
	}

	// Instances still unverified at the deadline are stopped and counted
	// as failed; they are not retried within this call.
	var added int
	for idx, inst := range instances {
		if inst == nil {
			p.mu.Lock()
			p.failedStarts++
			p.mu.Unlock()
			continue
		}

		if !healthy[idx] {
			log.Warnf("Instance on port %d missed the readiness "+
				"gate, stopping", inst.Port())
			if err := inst.Stop(); err != nil {
				log.Errorf("Stopping unready instance %d: %v",
					inst.Port(), err)
			}
			p.mu.Lock()
			p.failedStarts++
			p.mu.Unlock()
			continue
		}

		p.mu.Lock()
		p.instances[inst.Port()] = inst
		p.mu.Unlock()

		if p.cfg.OnAdd != nil {
			p.cfg.OnAdd(inst.Port())
		}
		added++
	}

	p.publishPorts()

	return added
}

// Stop shuts down the background loops and all instances, bounded by
// StopWorkers concurrent shutdowns.
func (p *Pool) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.stopped, 0, 1) {
		return nil
	}

	close(p.quit)
	p.wg.Wait()

	p.mu.Lock()
	instances := make([]Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		instances = append(instances, inst)
	}
	p.instances = make(map[int]Instance)
	p.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(p.cfg.StopWorkers)
	for _, inst := range instances {
		inst := inst
		g.Go(func() error {
			if err := inst.Stop(); err != nil {
				log.Errorf("Stopping instance %d: %v",
					inst.Port(), err)
			}
			if p.cfg.OnRemove != nil {
				p.cfg.OnRemove(inst.Port())
			}
			return nil
		})
	}
	_ = g.Wait()

	p.publishPorts()

	log.Infof("Pool stopped %d instances", len(instances))

	return nil
}

// sweepLoop periodically removes dead instances and, every Nth pass, runs
// staleness marking plus redistribution.
func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	p.cfg.SweepTicker.Resume()
	defer p.cfg.SweepTicker.Stop()

	for {
		select {
		case <-p.cfg.SweepTicker.Ticks():
			p.sweep()

		case <-p.quit:
			return
		}
	}
}

// sweep removes instances whose process has exited and restarts instances
// that crossed their failure threshold.
func (p *Pool) sweep() {
	p.mu.Lock()
	snapshot := make(map[int]Instance, len(p.instances))
	for port, inst := range p.instances {
		snapshot[port] = inst
	}
	p.sweepCount++
	redistribute := p.sweepCount%p.cfg.RedistributeEvery == 0
	p.mu.Unlock()

	for port, inst := range snapshot {
		switch {
		// The process died behind our back: drop the instance. It is
		// eligible for replacement on a later Start call, not
		// immediately, which bounds thrash.
		case !inst.Running():
			log.Warnf("Instance on port %d found dead, removing",
				port)
			p.remove(port, inst)

		// Degraded instances get a pool-initiated restart, which
		// resets their failure accounting.
		case inst.ShouldRestart():
			log.Warnf("Instance on port %d exceeded failure "+
				"threshold, restarting", port)

			// Take it out of the pool entirely while it restarts;
			// it re-enters only after proving egress again, the
			// same gate new instances pass at startup.
			p.mu.Lock()
			delete(p.instances, port)
			p.mu.Unlock()
			if p.cfg.OnRemove != nil {
				p.cfg.OnRemove(port)
			}
			p.publishPorts()

			if err := inst.Restart(); err != nil {
				log.Errorf("Restart of instance %d failed: "+
					"%v", port, err)
				if err := inst.Stop(); err != nil {
					log.Debugf("Stopping instance %d: %v",
						port, err)
				}
				continue
			}

			if !p.regate(inst) {
				log.Warnf("Instance on port %d missed its "+
					"post-restart readiness gate, "+
					"stopping", port)
				if err := inst.Stop(); err != nil {
					log.Debugf("Stopping instance %d: %v",
						port, err)
				}
				continue
			}

			p.mu.Lock()
			p.instances[port] = inst
			p.mu.Unlock()
			if p.cfg.OnAdd != nil {
				p.cfg.OnAdd(port)
			}
			p.publishPorts()
		}
	}

	if redistribute {
		demoted := p.cfg.Directory.MarkStale()
		log.Debugf("Sweep %d: redistribution pass (%d newly stale)",
			p.sweepCount, demoted)
		p.RedistributeNodes()
	}
}

// rotateLoop periodically requests fresh circuits on every instance.
func (p *Pool) rotateLoop() {
	defer p.wg.Done()

	p.cfg.RotateTicker.Resume()
	defer p.cfg.RotateTicker.Stop()

	for {
		select {
		case <-p.cfg.RotateTicker.Ticks():
			for _, inst := range p.snapshotInstances() {
				if err := inst.RotateCircuit(); err != nil {
					log.Debugf("Circuit rotation on %d: "+
						"%v", inst.Port(), err)
				}
			}

		case <-p.quit:
			return
		}
	}
}

// RedistributeNodes asks the directory for fresh assignments for every
// instance whose healthy node fraction dropped to half or below, reloading
// in place where supported and restarting where not.
func (p *Pool) RedistributeNodes() {
	instances := p.snapshotInstances()

	// Determine which instances need fresh node sets.
	var needy []Instance
	for _, inst := range instances {
		assigned := inst.ExitNodeSet()
		if len(assigned) == 0 {
			continue
		}

		healthy := p.cfg.Directory.HealthyNodesFor(assigned)
		if len(healthy)*2 <= len(assigned) {
			needy = append(needy, inst)
		}
	}

	if len(needy) == 0 {
		return
	}

	shares, _, err := p.cfg.Directory.Distribute(len(needy))
	if err != nil {
		log.Warnf("Redistribution skipped: %v", err)
		return
	}

	for idx, inst := range needy {
		err := inst.ReloadExitNodes(shares[idx])
		switch {
		case err == nil:
			log.Infof("Instance %d reloaded with %d fresh nodes",
				inst.Port(), len(shares[idx]))

		// In-place reload is best effort; fall back to a restart
		// when the instance is up but the reload could not be
		// delivered.
		case inst.Running():
			log.Warnf("Reload unsupported on instance %d (%v), "+
				"restarting", inst.Port(), err)
			if err := inst.Restart(); err != nil {
				log.Errorf("Restart of instance %d failed: "+
					"%v", inst.Port(), err)
				p.remove(inst.Port(), inst)
			}

		default:
			log.Debugf("Skipping reload of stopped instance %d",
				inst.Port())
		}
	}
}

// regate polls a restarted instance until it passes a health check or the
// batch timeout expires, mirroring the startup readiness gate.
func (p *Pool) regate(inst Instance) bool {
	deadline := time.Now().Add(p.cfg.BatchTimeout)
	for {
		if inst.CheckHealth() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}

		select {
		case <-time.After(p.cfg.BatchPoll):
		case <-p.quit:
			return false
		}
	}
}

// remove drops an instance from the map and service, stopping it to clean
// up its artifacts.
func (p *Pool) remove(port int, inst Instance) {
	p.mu.Lock()
	delete(p.instances, port)
	p.mu.Unlock()

	if p.cfg.OnRemove != nil {
		p.cfg.OnRemove(port)
	}
	if err := inst.Stop(); err != nil {
		log.Debugf("Stopping removed instance %d: %v", port, err)
	}

	p.publishPorts()
}

// snapshotInstances copies the instance list out from under the lock.
func (p *Pool) snapshotInstances() []Instance {
	p.mu.Lock()
	defer p.mu.Unlock()

	instances := make([]Instance, 0, len(p.instances))
	for _, inst := range p.instances {
		instances = append(instances, inst)
	}

	return instances
}

// HealthyPorts returns the sorted ports of all instances currently in
// service.
func (p *Pool) HealthyPorts() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ports := make([]int, 0, len(p.instances))
	for port := range p.instances {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	return ports
}

// publishPorts atomically rewrites the ports file, if configured, with the
// current healthy port list, one port per line.
func (p *Pool) publishPorts() {
	if p.cfg.PortsFile == "" {
		return
	}

	ports := p.HealthyPorts()

	var buf []byte
	for _, port := range ports {
		buf = append(buf, fmt.Sprintf("%d\n", port)...)
	}

	tmp := p.cfg.PortsFile + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		log.Errorf("Unable to write ports file: %v", err)
		return
	}
	if err := os.Rename(tmp, p.cfg.PortsFile); err != nil {
		log.Errorf("Unable to publish ports file: %v", err)
	}
}

// Snapshot recomputes the pool's derived stats.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	instances := make(map[int]Instance, len(p.instances))
	for port, inst := range p.instances {
		instances[port] = inst
	}
	snap := Snapshot{
		Desired:      p.desired,
		FailedStarts: p.failedStarts,
	}
	p.mu.Unlock()

	ports := make([]int, 0, len(instances))
	for port := range instances {
		ports = append(ports, port)
	}
	sort.Ints(ports)

	for _, port := range ports {
		inst := instances[port]
		status := InstanceStatus{
			Port:     port,
			Running:  inst.Running(),
			Degraded: inst.ShouldRestart(),
			Nodes:    len(inst.ExitNodeSet()),
		}
		if status.Running {
			snap.Running++
		}
		if status.Degraded {
			snap.Degraded++
		}
		snap.Instances = append(snap.Instances, status)
	}

	return snap
}
