package pool

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

	"github.com/rotorproxy/rotor/nodedir"
)

// fakeInstance is a scriptable pool.Instance.
type fakeInstance struct {
	mu sync.Mutex

	port  int
	nodes []string

	// healthyAfter is how many health checks fail before the instance
	// reports healthy. Negative means never healthy.
	healthyAfter int
	checks       int

	started     bool
	stoppedAt   int
	dead        bool
	degraded    bool
	restarts    int
	rotations   int
	reloadedTo  [][]string
	reloadError error
}

func (f *fakeInstance) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	f.dead = false
	return nil
}

func (f *fakeInstance) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = false
	f.stoppedAt++
	return nil
}

func (f *fakeInstance) Restart() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	f.degraded = false
	f.dead = false
	f.started = true
	return nil
}

func (f *fakeInstance) CheckHealth() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.checks++
	if f.healthyAfter < 0 {
		return false
	}
	return f.checks > f.healthyAfter
}

func (f *fakeInstance) ShouldRestart() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.degraded
}

func (f *fakeInstance) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started && !f.dead
}

func (f *fakeInstance) Port() int { return f.port }

func (f *fakeInstance) ExitNodeSet() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.nodes...)
}

func (f *fakeInstance) ReloadExitNodes(nodes []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reloadError != nil {
		return f.reloadError
	}
	f.nodes = append([]string(nil), nodes...)
	f.reloadedTo = append(f.reloadedTo, f.nodes)
	return nil
}

func (f *fakeInstance) RotateCircuit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotations++
	return nil
}

// fakeDirectory is a scriptable pool.Directory.
type fakeDirectory struct {
	mu      sync.Mutex
	healthy map[string]bool
	stale   int
}

func (f *fakeDirectory) FetchCandidates() (int, error) { return 0, nil }

func (f *fakeDirectory) Distribute(n int) ([][]string, []nodedir.ShareInfo,
	error) {

	shares := make([][]string, n)
	infos := make([]nodedir.ShareInfo, n)
	for i := range shares {
		shares[i] = []string{
			fmt.Sprintf("FRESH%d-A", i), fmt.Sprintf("FRESH%d-B", i),
		}
		infos[i] = nodedir.ShareInfo{Count: 2}
	}
	return shares, infos, nil
}

func (f *fakeDirectory) HealthyNodesFor(assigned []string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var healthy []string
	for _, fp := range assigned {
		if f.healthy == nil || f.healthy[fp] {
			healthy = append(healthy, fp)
		}
	}
	return healthy
}

func (f *fakeDirectory) MarkStale() int { return f.stale }

// recorder tracks add/remove callbacks from the pool.
type recorder struct {
	mu      sync.Mutex
	added   []int
	removed []int
}

func (r *recorder) add(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, port)
}

func (r *recorder) remove(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, port)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.added), len(r.removed)
}

// newTestPool builds a pool whose factory hands out the given fakes in
// creation order.
func newTestPool(t *testing.T, cfg *Config,
	fakes []*fakeInstance) (*Pool, func() []*fakeInstance) {

	t.Helper()

	var mu sync.Mutex
	var created []*fakeInstance
	next := 0

	cfg.NewInstance = func(socksPort, _ int, nodes []string) Instance {
		mu.Lock()
		defer mu.Unlock()

		inst := fakes[next]
		next++
		inst.port = socksPort
		if inst.nodes == nil {
			inst.nodes = nodes
		}
		created = append(created, inst)
		return inst
	}
	if cfg.Directory == nil {
		cfg.Directory = &fakeDirectory{}
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = time.Second
	}
	if cfg.BatchPoll == 0 {
		cfg.BatchPoll = 5 * time.Millisecond
	}

	pool := New(cfg)
	t.Cleanup(func() { _ = pool.Stop() })

	snapshot := func() []*fakeInstance {
		mu.Lock()
		defer mu.Unlock()
		return append([]*fakeInstance(nil), created...)
	}

	return pool, snapshot
}

// TestStartReadinessGating covers the batch scenario: 5 requested with batch
// size 2 where 2 instances never pass their health check leaves 3 in
// service, and the failures are not retried.
func TestStartReadinessGating(t *testing.T) {
	t.Parallel()

	fakes := []*fakeInstance{
		{}, {healthyAfter: -1}, {}, {healthyAfter: -1}, {},
	}
	rec := &recorder{}

	pool, _ := newTestPool(t, &Config{
		BatchTimeout: 200 * time.Millisecond,
		OnAdd:        rec.add,
		OnRemove:     rec.remove,
	}, fakes)

	added, err := pool.Start(5, 2)
	require.NoError(t, err)
	require.Equal(t, 3, added)

	require.Len(t, pool.HealthyPorts(), 3)

	// The two gate misses were stopped and are absent from the map.
	require.Equal(t, 1, fakes[1].stoppedAt)
	require.Equal(t, 1, fakes[3].stoppedAt)
	require.NotContains(t, pool.HealthyPorts(), fakes[1].port)
	require.NotContains(t, pool.HealthyPorts(), fakes[3].port)

	addedCount, _ := rec.counts()
	require.Equal(t, 3, addedCount)

	snap := pool.Snapshot()
	require.Equal(t, 5, snap.Desired)
	require.Equal(t, 3, snap.Running)
	require.Equal(t, 2, snap.FailedStarts)
}

// TestStartNoneHealthy checks the all-failed error.
func TestStartNoneHealthy(t *testing.T) {
	t.Parallel()

	fakes := []*fakeInstance{{healthyAfter: -1}, {healthyAfter: -1}}

	pool, _ := newTestPool(t, &Config{
		BatchTimeout: 50 * time.Millisecond,
	}, fakes)

	_, err := pool.Start(2, 2)
	require.ErrorIs(t, err, ErrNoInstances)
	require.Empty(t, pool.HealthyPorts())
}

// TestSweepRemovesDead checks that a process death observed by the sweep
// evicts the instance from pool and balancer.
func TestSweepRemovesDead(t *testing.T) {
	t.Parallel()

	fakes := []*fakeInstance{{}, {}}
	rec := &recorder{}
	sweep := ticker.NewForce(time.Hour)

	pool, _ := newTestPool(t, &Config{
		SweepTicker: sweep,
		OnAdd:       rec.add,
		OnRemove:    rec.remove,
	}, fakes)

	added, err := pool.Start(2, 2)
	require.NoError(t, err)
	require.Equal(t, 2, added)

	// Kill one instance out-of-band and force a sweep.
	fakes[0].mu.Lock()
	fakes[0].dead = true
	fakes[0].mu.Unlock()

	sweep.Force <- time.Now()

	require.Eventually(t, func() bool {
		return len(pool.HealthyPorts()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NotContains(t, pool.HealthyPorts(), fakes[0].port)

	_, removed := rec.counts()
	require.Equal(t, 1, removed)
}

// TestSweepRestartsDegraded checks the pool-initiated restart of an
// instance that crossed its failure threshold.
func TestSweepRestartsDegraded(t *testing.T) {
	t.Parallel()

	fakes := []*fakeInstance{{}}
	sweep := ticker.NewForce(time.Hour)

	pool, _ := newTestPool(t, &Config{SweepTicker: sweep}, fakes)

	_, err := pool.Start(1, 1)
	require.NoError(t, err)

	fakes[0].mu.Lock()
	fakes[0].degraded = true
	fakes[0].mu.Unlock()

	sweep.Force <- time.Now()

	require.Eventually(t, func() bool {
		fakes[0].mu.Lock()
		defer fakes[0].mu.Unlock()
		return fakes[0].restarts == 1
	}, time.Second, 10*time.Millisecond)

	// The restarted instance stays in the pool.
	require.Len(t, pool.HealthyPorts(), 1)
}

// TestSweepRestartGate asserts that a restarted instance re-enters the pool
// only after passing a health check again: one that cannot prove egress is
// stopped and dropped from the published port list rather than lingering
// unverified.
func TestSweepRestartGate(t *testing.T) {
	t.Parallel()

	portsFile := filepath.Join(t.TempDir(), "backends")
	fakes := []*fakeInstance{{}}
	rec := &recorder{}
	sweep := ticker.NewForce(time.Hour)

	pool, _ := newTestPool(t, &Config{
		SweepTicker:  sweep,
		BatchTimeout: 100 * time.Millisecond,
		OnAdd:        rec.add,
		OnRemove:     rec.remove,
		PortsFile:    portsFile,
	}, fakes)

	_, err := pool.Start(1, 1)
	require.NoError(t, err)
	require.Len(t, pool.HealthyPorts(), 1)

	// Degrade the instance and make every health check from here on
	// fail, so the post-restart gate can never pass.
	fakes[0].mu.Lock()
	fakes[0].degraded = true
	fakes[0].healthyAfter = -1
	fakes[0].mu.Unlock()

	sweep.Force <- time.Now()

	require.Eventually(t, func() bool {
		fakes[0].mu.Lock()
		defer fakes[0].mu.Unlock()
		return fakes[0].restarts == 1 && fakes[0].stoppedAt == 1
	}, time.Second, 10*time.Millisecond)

	require.Empty(t, pool.HealthyPorts())

	// The published list no longer carries the unverified port.
	contents, err := os.ReadFile(portsFile)
	require.NoError(t, err)
	require.Empty(t, string(contents))

	// One add at startup, one remove at restart time, and no re-add.
	addedCount, removed := rec.counts()
	require.Equal(t, 1, addedCount)
	require.Equal(t, 1, removed)
}

// TestRedistributeNodes asserts the blacklist flow: an instance assigned
// {A,B,C,D} with A and B blacklisted gets a fresh set excluding both and
// containing at least two active nodes, delivered via in-place reload.
func TestRedistributeNodes(t *testing.T) {
	t.Parallel()

	// Build a real directory over a fake upstream with eight relays.
	var relays []string
	for _, fp := range []string{"A", "B", "C", "D", "E", "F", "G", "H"} {
		relays = append(relays, fmt.Sprintf(
			`{"f":"%s","a":["10.0.0.%d"],"w":0.1}`,
			fp, len(relays)))
	}
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `{"relays":[%s]}`,
				strings.Join(relays, ","))
		},
	))
	t.Cleanup(server.Close)

	dir := nodedir.New(&nodedir.Config{SourceURL: server.URL})
	_, err := dir.FetchCandidates()
	require.NoError(t, err)

	inst := &fakeInstance{nodes: []string{"A", "B", "C", "D"}}
	pool, _ := newTestPool(t, &Config{Directory: dir},
		[]*fakeInstance{inst})

	_, err = pool.Start(1, 1)
	require.NoError(t, err)

	dir.Blacklist("A")
	dir.Blacklist("B")

	pool.RedistributeNodes()

	inst.mu.Lock()
	defer inst.mu.Unlock()
	require.Len(t, inst.reloadedTo, 1)

	fresh := inst.reloadedTo[0]
	require.NotContains(t, fresh, "A")
	require.NotContains(t, fresh, "B")
	require.GreaterOrEqual(t, len(fresh), 2)
}

// TestRedistributeSkipsHealthy checks that an instance with a majority of
// healthy nodes is left alone.
func TestRedistributeSkipsHealthy(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{healthy: map[string]bool{
		"A": true, "B": true, "C": true, "D": false,
	}}
	inst := &fakeInstance{nodes: []string{"A", "B", "C", "D"}}

	pool, _ := newTestPool(t, &Config{Directory: dir},
		[]*fakeInstance{inst})

	_, err := pool.Start(1, 1)
	require.NoError(t, err)

	pool.RedistributeNodes()

	inst.mu.Lock()
	defer inst.mu.Unlock()
	require.Empty(t, inst.reloadedTo)
}

// TestRedistributeFallsBackToRestart checks the reload-unsupported path.
func TestRedistributeFallsBackToRestart(t *testing.T) {
	t.Parallel()

	dir := &fakeDirectory{healthy: map[string]bool{}}
	inst := &fakeInstance{
		nodes:       []string{"A", "B"},
		reloadError: fmt.Errorf("reload unsupported"),
	}

	pool, _ := newTestPool(t, &Config{Directory: dir},
		[]*fakeInstance{inst})

	_, err := pool.Start(1, 1)
	require.NoError(t, err)

	pool.RedistributeNodes()

	inst.mu.Lock()
	defer inst.mu.Unlock()
	require.Equal(t, 1, inst.restarts)
}

// TestRotateLoop checks the periodic circuit rotation sweep.
func TestRotateLoop(t *testing.T) {
	t.Parallel()

	fakes := []*fakeInstance{{}, {}}
	rotate := ticker.NewForce(time.Hour)

	pool, _ := newTestPool(t, &Config{RotateTicker: rotate}, fakes)

	_, err := pool.Start(2, 2)
	require.NoError(t, err)

	rotate.Force <- time.Now()

	require.Eventually(t, func() bool {
		for _, inst := range fakes {
			inst.mu.Lock()
			n := inst.rotations
			inst.mu.Unlock()
			if n == 0 {
				return false
			}
		}
		return true
	}, time.Second, 10*time.Millisecond)
}

// TestStopClearsPool checks concurrent shutdown and the published ports
// file lifecycle.
func TestStopClearsPool(t *testing.T) {
	t.Parallel()

	portsFile := filepath.Join(t.TempDir(), "backends")
	fakes := []*fakeInstance{{}, {}, {}}
	rec := &recorder{}

	pool, _ := newTestPool(t, &Config{
		OnAdd:     rec.add,
		OnRemove:  rec.remove,
		PortsFile: portsFile,
	}, fakes)

	added, err := pool.Start(3, 3)
	require.NoError(t, err)
	require.Equal(t, 3, added)

	// The ports file lists every healthy port, sorted.
	contents, err := os.ReadFile(portsFile)
	require.NoError(t, err)
	var want string
	for _, port := range pool.HealthyPorts() {
		want += fmt.Sprintf("%d\n", port)
	}
	require.Equal(t, want, string(contents))

	require.NoError(t, pool.Stop())
	require.Empty(t, pool.HealthyPorts())

	for _, inst := range fakes {
		require.Equal(t, 1, inst.stoppedAt)
	}

	_, removed := rec.counts()
	require.Equal(t, 3, removed)

	// After shutdown the published list is empty.
	contents, err = os.ReadFile(portsFile)
	require.NoError(t, err)
	require.Empty(t, string(contents))
}
