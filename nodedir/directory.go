// Package nodedir tracks the population of exit-capable relays: which are in
// active use, which have gone stale, and which have been blacklisted, and
// partitions healthy relays into per-instance assignments.
package nodedir

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
)

var (
	// ErrDirectoryUnavailable is returned when the upstream relay
	// directory cannot be fetched or parsed. Callers keep operating with
	// their last known-good assignments.
	ErrDirectoryUnavailable = errors.New("exit node directory unavailable")
)

// NodeState is the lifecycle state of one exit node.
type NodeState uint8

const (
	// StateActive marks a node believed usable.
	StateActive NodeState = iota

	// StateSuspicious marks a node that has not carried traffic within
	// the inactivity threshold. A fresh activity report returns it to
	// Active.
	StateSuspicious

	// StateBlacklisted marks a node explicitly removed from service.
	// Terminal; a blacklisted node never recovers automatically.
	StateBlacklisted
)

// String returns a human readable node state name.
func (s NodeState) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateSuspicious:
		return "Suspicious"
	case StateBlacklisted:
		return "Blacklisted"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Node is one exit-capable relay known to the directory.
type Node struct {
	// Fingerprint is the relay's identity, used in instance constraint
	// sets.
	Fingerprint string

	// Address is the relay's advertised address, as seen by echo
	// endpoints when traffic leaves through it.
	Address string

	// Weight is the relay's advertised probability-of-use signal.
	Weight float64

	// LastActive is the last time traffic was reported leaving through
	// this relay.
	LastActive time.Time

	// UsageCount counts activity reports for this relay.
	UsageCount int

	// State is the relay's lifecycle state.
	State NodeState
}

// ShareInfo describes one distributed share for diagnostics. Not
// authoritative; the returned fingerprint slices are.
type ShareInfo struct {
	// Count is the number of nodes in the share.
	Count int

	// TotalWeight is the summed weight of the share's nodes.
	TotalWeight float64
}

// Config bundles the directory's dependencies and tunables.
type Config struct {
	// SourceURL is the upstream directory service endpoint returning
	// relay records as JSON.
	SourceURL string

	// HTTPTimeout bounds the candidate fetch. Defaults to 30s.
	HTTPTimeout time.Duration

	// InactivityThreshold is how long an Active node may go without an
	// activity report before turning Suspicious. Defaults to 60m.
	InactivityThreshold time.Duration

	// MinShare and MaxShare bound the per-instance assignment size.
	// Default 10 and 50.
	MinShare int
	MaxShare int

	// Clock is the time source, injectable for tests. Defaults to the
	// wall clock.
	Clock clock.Clock
}

// Directory owns the node-state map. It is the only mutator of node state;
// instances and the pool read through its methods.
type Directory struct {
	cfg *Config

	mu sync.Mutex

	// nodes indexes all known relays by fingerprint.
	nodes map[string]*Node

	// byAddr maps advertised addresses back to fingerprints, for
	// resolving activity reports which carry addresses.
	byAddr map[string]string

	rand *rand.Rand
}

// relayRecord is the upstream directory service's wire format for one relay,
// matching the compact Onionoo field naming.
type relayRecord struct {
	Fingerprint string   `json:"f"`
	Addresses   []string `json:"a"`
	Weight      float64  `json:"w"`
}

// relayDocument is the top-level upstream response.
type relayDocument struct {
	Relays []relayRecord `json:"relays"`
}

// New creates an empty directory.
func New(cfg *Config) *Directory {
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.InactivityThreshold == 0 {
		cfg.InactivityThreshold = time.Hour
	}
	if cfg.MinShare == 0 {
		cfg.MinShare = 10
	}
	if cfg.MaxShare == 0 {
		cfg.MaxShare = 50
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Directory{
		cfg:    cfg,
		nodes:  make(map[string]*Node),
		byAddr: make(map[string]string),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// FetchCandidates retrieves the currently published exit-capable relays and
// merges them into the directory. Known nodes keep their state and counters;
// new nodes start Active. Returns the number of known nodes after the merge.
// On failure the previous candidate set remains in effect and the error
// wraps ErrDirectoryUnavailable.
func (d *Directory) FetchCandidates() (int, error) {
	client := &http.Client{Timeout: d.cfg.HTTPTimeout}

	resp, err := client.Get(d.cfg.SourceURL)
	if err != nil {
		return d.NodeCount(), fmt.Errorf("%w: %v",
			ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return d.NodeCount(), fmt.Errorf("%w: status %v",
			ErrDirectoryUnavailable, resp.StatusCode)
	}

	var doc relayDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return d.NodeCount(), fmt.Errorf("%w: malformed response: %v",
			ErrDirectoryUnavailable, err)
	}

	added := d.merge(doc.Relays)

	log.Infof("Fetched %d candidate relays (%d new), directory now "+
		"tracks %d", len(doc.Relays), added, d.NodeCount())

	return d.NodeCount(), nil
}

// merge folds fetched relay records into the node map, returning how many
// were previously unknown.
func (d *Directory) merge(relays []relayRecord) int {
	now := d.cfg.Clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	var added int
	for _, relay := range relays {
		if relay.Fingerprint == "" || len(relay.Addresses) == 0 {
			continue
		}

		if node, ok := d.nodes[relay.Fingerprint]; ok {
			// Weight and address may drift between consensuses.
			node.Weight = relay.Weight
			if node.Address != relay.Addresses[0] {
				delete(d.byAddr, node.Address)
				node.Address = relay.Addresses[0]
				d.byAddr[node.Address] = node.Fingerprint
			}
			continue
		}

		node := &Node{
			Fingerprint: relay.Fingerprint,
			Address:     relay.Addresses[0],
			Weight:      relay.Weight,
			State:       StateActive,

			// A freshly published relay gets the benefit of the
			// doubt until the inactivity threshold passes.
			LastActive: now,
		}
		d.nodes[node.Fingerprint] = node
		d.byAddr[node.Address] = node.Fingerprint
		added++
	}

	return added
}

// Distribute partitions the Active candidate population into nodeCount
// shares. Candidates are stratified into high/medium/low weight tiers,
// shuffled within each tier for fairness, interleaved, and sliced into
// contiguous, bounded-size shares. Shares are disjoint unless the population
// is too small, in which case assignment wraps around.
func (d *Directory) Distribute(nodeCount int) ([][]string, []ShareInfo,
	error) {

	if nodeCount <= 0 {
		return nil, nil, fmt.Errorf("invalid share count %d",
			nodeCount)
	}

	d.mu.Lock()

	candidates := make([]*Node, 0, len(d.nodes))
	for _, node := range d.nodes {
		if node.State == StateActive {
			candidates = append(candidates, node)
		}
	}

	if len(candidates) == 0 {
		d.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: no active candidates",
			ErrDirectoryUnavailable)
	}

	// Stratify by weight, heaviest first.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Weight > candidates[j].Weight
	})

	third := len(candidates) / 3
	tiers := [][]*Node{
		candidates[:third],
		candidates[third : 2*third],
		candidates[2*third:],
	}
	for _, tier := range tiers {
		d.rand.Shuffle(len(tier), func(i, j int) {
			tier[i], tier[j] = tier[j], tier[i]
		})
	}

	// Interleave the tiers so each contiguous slice spans the weight
	// spectrum.
	ordered := make([]*Node, 0, len(candidates))
	for idx := 0; len(ordered) < len(candidates); idx++ {
		for _, tier := range tiers {
			if idx < len(tier) {
				ordered = append(ordered, tier[idx])
			}
		}
	}

	shareSize := len(ordered) / nodeCount
	if shareSize < d.cfg.MinShare {
		shareSize = d.cfg.MinShare
	}
	if shareSize > d.cfg.MaxShare {
		shareSize = d.cfg.MaxShare
	}
	// A share can never need more nodes than exist; this also guarantees
	// a share never contains the same node twice.
	if shareSize > len(ordered) {
		shareSize = len(ordered)
	}

	shares := make([][]string, nodeCount)
	infos := make([]ShareInfo, nodeCount)
	pos := 0
	for s := 0; s < nodeCount; s++ {
		share := make([]string, 0, shareSize)
		var weight float64

		for len(share) < shareSize {
			// Wrap around when the population is exhausted; this
			// is the only case producing overlapping shares.
			if pos >= len(ordered) {
				pos = 0
			}

			node := ordered[pos]
			pos++
			share = append(share, node.Fingerprint)
			weight += node.Weight
		}

		shares[s] = share
		infos[s] = ShareInfo{Count: len(share), TotalWeight: weight}
	}

	d.mu.Unlock()

	for s, info := range infos {
		log.Debugf("Share %d: %d nodes, total weight %.4f", s,
			info.Count, info.TotalWeight)
	}

	return shares, infos, nil
}

// ReportActive records a fresh activity observation for the node with the
// given exit address. A Suspicious node returns to Active; a Blacklisted
// node stays blacklisted.
func (d *Directory) ReportActive(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fp, ok := d.byAddr[address]
	if !ok {
		log.Tracef("Activity report for unknown exit address %v",
			address)
		return
	}

	node := d.nodes[fp]
	node.LastActive = d.cfg.Clock.Now()
	node.UsageCount++

	if node.State == StateSuspicious {
		log.Debugf("Node %v recovered from suspicious state", fp)
		node.State = StateActive
	}
}

// MarkStale transitions Active nodes with no activity report within the
// inactivity threshold to Suspicious, returning how many were demoted.
func (d *Directory) MarkStale() int {
	cutoff := d.cfg.Clock.Now().Add(-d.cfg.InactivityThreshold)

	d.mu.Lock()
	defer d.mu.Unlock()

	var demoted int
	for _, node := range d.nodes {
		if node.State != StateActive {
			continue
		}
		if node.LastActive.After(cutoff) {
			continue
		}

		node.State = StateSuspicious
		demoted++
	}

	if demoted > 0 {
		log.Infof("Marked %d stale nodes suspicious", demoted)
	}

	return demoted
}

// Blacklist forcibly removes a node from service. Accepts either a
// fingerprint or an advertised address. The transition is terminal.
func (d *Directory) Blacklist(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	fp := id
	if mapped, ok := d.byAddr[id]; ok {
		fp = mapped
	}

	node, ok := d.nodes[fp]
	if !ok {
		log.Warnf("Blacklist request for unknown node %v", id)
		return
	}

	node.State = StateBlacklisted
	log.Infof("Node %v blacklisted", fp)
}

// HealthyNodesFor filters an instance's assigned fingerprint set down to the
// nodes still Active. Suspicious, blacklisted, and no-longer-known nodes are
// dropped.
func (d *Directory) HealthyNodesFor(assigned []string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	healthy := make([]string, 0, len(assigned))
	for _, fp := range assigned {
		node, ok := d.nodes[fp]
		if !ok || node.State != StateActive {
			continue
		}
		healthy = append(healthy, fp)
	}

	return healthy
}

// NodeCount returns the number of known nodes.
func (d *Directory) NodeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.nodes)
}

// CountByState returns how many known nodes are in each state.
func (d *Directory) CountByState() map[NodeState]int {
	d.mu.Lock()
	defer d.mu.Unlock()

	counts := make(map[NodeState]int)
	for _, node := range d.nodes {
		counts[node.State]++
	}

	return counts
}

// NodeInfo returns a copy of the named node, if known.
func (d *Directory) NodeInfo(fingerprint string) (Node, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	node, ok := d.nodes[fingerprint]
	if !ok {
		return Node{}, false
	}

	return *node, true
}
