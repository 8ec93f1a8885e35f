// Package scanner implements C3: fan out probes over a bounded worker pool,
// stream top-N live results, and support cooperative cancellation. Grounded
// on xray-knife's cfscanner.go (pond worker pool, per-CIDR shuffle) and
// spec.md §4.3/§5 for the chunking, dedup and live-snapshot semantics.
package scanner

import (
	"context"
	"math/rand"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alitto/pond/v2"
	"golang.org/x/sync/semaphore"

	"github.com/SamNet-dev/cfray/internal/model"
)

const chunkSize = 50_000

// Result pairs an endpoint with its latency, kept ascending by latency.
type Result struct {
	Endpoint  model.Endpoint
	LatencyMS int64
}

// ProbeFunc runs one probe and returns the result; the scanner is agnostic
// to whether it's a TCP-only or TLS+HTTP validating probe.
type ProbeFunc func(ctx context.Context, ep model.Endpoint) model.ProbeResult

// State is the live, streamed aggregate of one scan (§3 ScanState).
type State struct {
	Done      int64 // atomic
	Total     int64 // atomic
	Alive     int64 // atomic
	interrupt int32 // atomic bool

	mu       sync.Mutex
	top20    []Result
	sinceTop int

	onLiveUpdate func([]Result)
}

// NewState builds a fresh State for total probes.
func NewState(total int) *State {
	return &State{Total: int64(total)}
}

// Interrupt sets the best-effort cancellation flag consulted at every
// natural suspension point.
func (s *State) Interrupt() { atomic.StoreInt32(&s.interrupt, 1) }

func (s *State) interrupted() bool { return atomic.LoadInt32(&s.interrupt) == 1 }

// OnLiveUpdate registers a callback invoked every 10 successful finds with
// the current top-20 snapshot (§4.3).
func (s *State) OnLiveUpdate(fn func([]Result)) { s.onLiveUpdate = fn }

func (s *State) recordSuccess(r Result) {
	s.mu.Lock()
	s.top20 = append(s.top20, r)
	sort.Slice(s.top20, func(i, j int) bool { return s.top20[i].LatencyMS < s.top20[j].LatencyMS })
	if len(s.top20) > 20 {
		s.top20 = s.top20[:20]
	}
	s.sinceTop++
	var snapshot []Result
	if s.sinceTop >= 10 {
		s.sinceTop = 0
		snapshot = append([]Result(nil), s.top20...)
	}
	s.mu.Unlock()

	atomic.AddInt64(&s.Alive, 1)
	if snapshot != nil && s.onLiveUpdate != nil {
		s.onLiveUpdate(snapshot)
	}
}

// Scan runs C3's scan operation: endpoints × ports, shuffled, in chunks of
// up to 50,000 probes with `concurrency` permits in flight, returning an
// ordered (ascending latency) list deduplicated by minimum-latency-per-IP,
// plus the set of working ports observed per IP.
func Scan(ctx context.Context, endpoints []netip.Addr, ports []uint16, probe ProbeFunc, concurrency int, state *State, rng *rand.Rand) ([]Result, map[netip.Addr][]uint16) {
	pairs := cartesian(endpoints, ports)
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	rng.Shuffle(len(pairs), func(i, j int) {
		pairs[i], pairs[j] = pairs[j], pairs[i]
	})

	if state == nil {
		state = NewState(len(pairs))
	} else {
		atomic.StoreInt64(&state.Total, int64(len(pairs)))
	}

	bestByIP := make(map[netip.Addr]int64)
	portsByIP := make(map[netip.Addr]map[uint16]bool)
	var resMu sync.Mutex

	sem := semaphore.NewWeighted(int64(concurrency))

	for start := 0; start < len(pairs); start += chunkSize {
		if state.interrupted() || ctx.Err() != nil {
			break
		}
		end := start + chunkSize
		if end > len(pairs) {
			end = len(pairs)
		}
		chunk := pairs[start:end]

		pool := pond.NewPool(concurrency)
		for _, ep := range chunk {
			if state.interrupted() || ctx.Err() != nil {
				break
			}
			ep := ep
			pool.Submit(func() {
				if err := sem.Acquire(ctx, 1); err != nil {
					return
				}
				defer sem.Release(1)

				if state.interrupted() || ctx.Err() != nil {
					return
				}

				result := probe(ctx, ep)
				atomic.AddInt64(&state.Done, 1)

				if result.Alive() {
					resMu.Lock()
					if best, ok := bestByIP[ep.Addr]; !ok || result.LatencyMS < best {
						bestByIP[ep.Addr] = result.LatencyMS
					}
					if portsByIP[ep.Addr] == nil {
						portsByIP[ep.Addr] = make(map[uint16]bool)
					}
					portsByIP[ep.Addr][ep.Port] = true
					resMu.Unlock()

					state.recordSuccess(Result{Endpoint: ep, LatencyMS: result.LatencyMS})
				}
			})
		}
		pool.StopAndWait()
	}

	var out []Result
	for ip, lat := range bestByIP {
		out = append(out, Result{Endpoint: model.Endpoint{Addr: ip}, LatencyMS: lat})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LatencyMS < out[j].LatencyMS })

	workingPorts := make(map[netip.Addr][]uint16, len(portsByIP))
	for ip, set := range portsByIP {
		var ps []uint16
		for p := range set {
			ps = append(ps, p)
		}
		sort.Slice(ps, func(i, j int) bool { return ps[i] < ps[j] })
		workingPorts[ip] = ps
	}

	return out, workingPorts
}

func cartesian(ips []netip.Addr, ports []uint16) []model.Endpoint {
	out := make([]model.Endpoint, 0, len(ips)*len(ports))
	for _, ip := range ips {
		for _, p := range ports {
			out = append(out, model.Endpoint{Addr: ip, Port: p})
		}
	}
	return out
}
