// Package pipeline implements C9: the three-stage orchestrator (IP-SCAN,
// BASE-TEST, EXPANSION) and the test_one dispatch primitive shared by both
// later stages. Grounded on original_source/scanner.py's top-level run()
// staging (no direct VLESS/tunnel precedent there, so the native-vs-external
// dispatch and the VLESS/WS pieces are built straight from spec.md §4.9) and
// on the teacher's pond/semaphore concurrency idiom already used in
// internal/scanner.
package pipeline

import (
	"context"
	"net/netip"
	"sort"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/SamNet-dev/cfray/internal/funnel"
	"github.com/SamNet-dev/cfray/internal/model"
	"github.com/SamNet-dev/cfray/internal/probe"
	"github.com/SamNet-dev/cfray/internal/ratelimit"
	"github.com/SamNet-dev/cfray/internal/scanner"
	"github.com/SamNet-dev/cfray/internal/scoring"
	"github.com/SamNet-dev/cfray/internal/tunnel"
	"github.com/SamNet-dev/cfray/internal/variation"
)

// expansion-stage chunk size, bounding cancellation latency (§4.9).
const expansionChunkSize = 60

const (
	baseTestConcurrency  = 10
	expansionConcurrency = 20
)

// fallbackSNIGeneric is the "one generic" fallback SNI from §4.9's base-test
// retry list.
const fallbackSNIGeneric = "www.cloudflare.com"

// Config bundles C9's external parameters.
type Config struct {
	DefaultIPs   []netip.Addr
	Ports        []uint16
	ScanSNI      string // e.g. "speed.cloudflare.com", used for IP-SCAN validation
	MaxStage2IPs int

	Endpoints        funnel.Endpoints
	DownloadTimeout  time.Duration
	FragPreset       string
	TransportVariant []model.Transport
	MaxTotal         int
	MaxSNIsPerIP     int

	// TestDownloadSize is the byte count requested by test_one's §4.5
	// download through the external proxy's SOCKS5 port. The native tunnel
	// probe fetches a fixed trace page and does not use it. Defaults to
	// defaultTestDownloadSize.
	TestDownloadSize int64
}

// defaultTestDownloadSize is used by test_one (§4.9) when Config.TestDownloadSize
// is unset: large enough to exercise early-stability termination (§4.5 step 6)
// without the multi-round funnel's largest round sizes.
const defaultTestDownloadSize = 5 * 1024 * 1024

// State is the accumulated pipeline output (§3 PipelineState).
type State struct {
	LiveIPs      []scanner.Result
	LiveIPPorts  map[netip.Addr][]uint16
	WorkingIPs   []netip.Addr
	Variations   []model.Variation
	Warnings     []string

	interrupt int32
}

// Interrupt requests cooperative cancellation at the next suspension point.
func (s *State) Interrupt() { atomic.StoreInt32(&s.interrupt, 1) }

func (s *State) interrupted() bool { return atomic.LoadInt32(&s.interrupt) == 1 }

// ProbeFunc matches probe.TLSProbe's shape; overridable in tests.
type ProbeFunc func(ctx context.Context, ep model.Endpoint, sni string, timeout time.Duration, validate bool) model.ProbeResult

// Pipeline holds C9's collaborators.
type Pipeline struct {
	cfg      Config
	rl       *ratelimit.Limiter
	external ExternalTester
	probeTLS ProbeFunc

	// Logger is optional; when set, stageIPScan logs each CF-origin hit at
	// debug level, throttled by cfOriginLog so a bad origin doesn't flood
	// the log file with one line per probe.
	Logger     *zerolog.Logger
	cfOriginLog *rate.Limiter
}

// New builds a Pipeline. external may be nil if no config can use the
// external-proxy path (e.g. in tests restricted to native tunnel variations).
func New(cfg Config, rl *ratelimit.Limiter, external ExternalTester) *Pipeline {
	return &Pipeline{
		cfg: cfg, rl: rl, external: external, probeTLS: probe.TLSProbe,
		cfOriginLog: rate.NewLimiter(rate.Limit(5), 5),
	}
}

// WithProbeTLS overrides the IP-SCAN/BASE-TEST TLS probe, for tests.
func (p *Pipeline) WithProbeTLS(fn ProbeFunc) *Pipeline {
	p.probeTLS = fn
	return p
}

// Run executes all three stages in sequence and returns the final state.
func (p *Pipeline) Run(ctx context.Context, parsed model.ParsedConfig) *State {
	state := &State{LiveIPPorts: map[netip.Addr][]uint16{}}

	p.stageIPScan(ctx, parsed, state)
	if state.interrupted() || ctx.Err() != nil {
		return state
	}

	providerReachable := p.stageBaseTest(ctx, parsed, state)
	if state.interrupted() || ctx.Err() != nil {
		return state
	}

	p.stageExpansion(ctx, parsed, state, providerReachable)
	return state
}

// stageIPScan implements §4.9 Stage IP-SCAN.
func (p *Pipeline) stageIPScan(ctx context.Context, parsed model.ParsedConfig, state *State) {
	if parsed.Security == model.SecurityReality {
		ip, ok := parseIP(parsed.Address)
		if !ok {
			return
		}
		ep := model.Endpoint{Addr: ip, Port: parsed.Port}
		result := p.probeTLS(ctx, ep, parsed.SNI, 5*time.Second, true)
		if result.Alive() {
			state.LiveIPs = []scanner.Result{{Endpoint: ep, LatencyMS: result.LatencyMS}}
			state.LiveIPPorts[ip] = []uint16{parsed.Port}
		}
		return
	}

	ips := append([]netip.Addr(nil), p.cfg.DefaultIPs...)
	if ip, ok := parseIP(parsed.Address); ok {
		ips = appendUnique(ips, ip)
	}

	var cfOriginCount int64
	var validatedTotal int64
	probeFn := func(ctx context.Context, ep model.Endpoint) model.ProbeResult {
		r := p.probeTLS(ctx, ep, p.cfg.ScanSNI, 5*time.Second, true)
		if r.Alive() {
			atomic.AddInt64(&validatedTotal, 1)
			if r.Error.Kind == model.ErrCfOrigin {
				atomic.AddInt64(&cfOriginCount, 1)
				if p.Logger != nil && p.cfOriginLog.Allow() {
					p.Logger.Debug().Str("ip", ep.Addr.String()).Int("status", r.Error.Code).Msg("cf-origin error during ip-scan")
				}
			}
		}
		return r
	}

	scanState := scanner.NewState(0)
	results, ipPorts := scanner.Scan(ctx, ips, p.cfg.Ports, probeFn, 50, scanState, nil)
	state.LiveIPs = results
	state.LiveIPPorts = ipPorts

	if validatedTotal > 0 && float64(cfOriginCount)/float64(validatedTotal) > 0.5 {
		state.Warnings = append(state.Warnings, "many validated IPs returned CF-origin HTTP errors; origin may be degraded")
	}
}

// stageBaseTest implements §4.9 Stage BASE-TEST. Returns whether IP-SCAN
// found any live IP (used by EXPANSION's empty-working-ips fallback).
func (p *Pipeline) stageBaseTest(ctx context.Context, parsed model.ParsedConfig, state *State) bool {
	providerReachable := len(state.LiveIPs) > 0

	candidates := topNIPs(state.LiveIPs, p.cfg.MaxStage2IPs)
	if ip, ok := parseIP(parsed.Address); ok {
		candidates = appendUnique(candidates, ip)
	}
	if len(candidates) == 0 {
		return providerReachable
	}

	inferredSNI := parsed.SNI
	if inferredSNI == "" {
		inferredSNI = parsed.Host
	}

	vars := make([]model.Variation, 0, len(candidates))
	for i, ip := range candidates {
		cfg := parsed.Clone()
		cfg.SNI = inferredSNI
		vars = append(vars, model.Variation{
			Identity: model.VariationIdentity{
				SourceIP: ip, SourcePort: parsed.Port, SNI: inferredSNI,
				FragmentLabel: "none", TransportLabel: string(parsed.Transport),
			},
			Config:    cfg,
			LocalPort: 10000 + i,
		})
	}

	p.dispatch(ctx, vars, baseTestConcurrency, state)

	var workingIPs []netip.Addr
	for _, v := range vars {
		if v.Alive {
			workingIPs = appendUnique(workingIPs, v.Identity.SourceIP)
		}
	}

	if len(workingIPs) == 0 && !parsed.IsCloudflareOriginBound() {
		originalIP, ok := parseIP(parsed.Address)
		if ok {
			for _, sni := range fallbackSNIs(parsed) {
				cfg := parsed.Clone()
				cfg.SNI = sni
				v := model.Variation{
					Identity: model.VariationIdentity{SourceIP: originalIP, SourcePort: parsed.Port, SNI: sni, FragmentLabel: "none", TransportLabel: string(parsed.Transport)},
					Config:   cfg, LocalPort: 10500,
				}
				p.testOne(ctx, &v)
				state.Variations = append(state.Variations, v)
				if v.Alive {
					workingIPs = appendUnique(workingIPs, originalIP)
					break
				}
			}
		}
	}

	state.WorkingIPs = workingIPs
	return providerReachable
}

func fallbackSNIs(parsed model.ParsedConfig) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	add(parsed.Host)
	add("speed.cloudflare.com")
	add("dash.cloudflare.com")
	add(fallbackSNIGeneric)
	return out
}

// stageExpansion implements §4.9 Stage EXPANSION.
func (p *Pipeline) stageExpansion(ctx context.Context, parsed model.ParsedConfig, state *State, providerReachable bool) {
	expansionIPs := state.WorkingIPs
	if len(expansionIPs) == 0 && providerReachable {
		expansionIPs = topIPAddrs(state.LiveIPs, 20)
	}
	if len(expansionIPs) == 0 {
		return
	}

	seen := make(map[model.VariationIdentity]bool)
	for _, v := range state.Variations {
		seen[v.Identity] = true
	}

	in := variation.Input{
		Parsed:            parsed,
		WorkingIPs:        expansionIPs,
		IPPorts:           state.LiveIPPorts,
		SNIPool:           fallbackSNIs(parsed),
		FragPreset:        p.cfg.FragPreset,
		TransportVariants: p.cfg.TransportVariant,
		MaxTotal:          p.cfg.MaxTotal,
		MaxSNIsPerIP:      p.cfg.MaxSNIsPerIP,
	}
	all := variation.Generate(in)

	var fresh []model.Variation
	for _, v := range all {
		if !seen[v.Identity] {
			seen[v.Identity] = true
			fresh = append(fresh, v)
		}
	}

	for start := 0; start < len(fresh); start += expansionChunkSize {
		if state.interrupted() || ctx.Err() != nil {
			return
		}
		end := start + expansionChunkSize
		if end > len(fresh) {
			end = len(fresh)
		}
		chunk := fresh[start:end]
		p.dispatch(ctx, chunk, expansionConcurrency, state)
		state.Variations = append(state.Variations, chunk...)
	}
}

// dispatch runs test_one over vars with the given concurrency cap, writing
// results back into each element in place.
func (p *Pipeline) dispatch(ctx context.Context, vars []model.Variation, concurrency int, state *State) {
	pool := pond.NewPool(concurrency)
	sem := semaphore.NewWeighted(int64(concurrency))

	for i := range vars {
		if state.interrupted() || ctx.Err() != nil {
			break
		}
		i := i
		pool.Submit(func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			if state.interrupted() || ctx.Err() != nil {
				return
			}
			p.testOne(ctx, &vars[i])
		})
	}
	pool.StopAndWait()
}

// testOne is the §4.9 test_one primitive: native C7 for ws+vless+uuid
// variations, external proxy subprocess otherwise.
func (p *Pipeline) testOne(ctx context.Context, v *model.Variation) {
	cfg := v.Config
	isNativeCandidate := cfg.Transport == model.TransportWS &&
		cfg.Protocol == model.ProtocolVless &&
		cfg.UUID != uuid.Nil

	if isNativeCandidate {
		res := tunnel.Probe(ctx, tunnel.Params{
			Endpoint: model.Endpoint{Addr: v.Identity.SourceIP, Port: v.Identity.SourcePort},
			SNI:      v.Identity.SNI,
			Host:     cfg.Host,
			WSPath:   cfg.Path,
			UUID:     cfg.UUID,
			Security: cfg.Security,
			Timeout:  p.cfg.DownloadTimeout,
		})
		v.NativeTested = true
		v.ConnectMS = res.ConnectMS
		v.TTFBMS = res.TTFBMS
		v.SpeedMbps = res.Mbps
		v.Error = res.Error
		v.Alive = res.Error.IsZero() && res.Mbps > 0
		v.Score = scoring.Score(scoring.PhaseNativeTunnel, v.ConnectMS, v.TTFBMS, v.SpeedMbps)
		return
	}

	if p.external == nil {
		v.Error = model.NewDetail(model.ErrBinaryMissing, 0, "no external tester configured")
		return
	}

	host, path := p.cfg.Endpoints.PrimaryHost, p.cfg.Endpoints.PrimaryPath
	useFallback := false
	if p.rl != nil {
		if p.rl.WouldBlock() {
			host, path = p.cfg.Endpoints.FallbackHost, p.cfg.Endpoints.FallbackPath
			useFallback = true
		} else if err := p.rl.Acquire(ctx); err != nil {
			v.Error = model.NewDetail(model.ErrInterrupted, 0, err.Error())
			return
		}
	}

	size := p.cfg.TestDownloadSize
	if size <= 0 {
		size = defaultTestDownloadSize
	}

	connectMS, ttfbMS, mbps, detail := p.external.Test(ctx, *v, host, path, useFallback, size, p.cfg.DownloadTimeout)
	if detail.Kind == model.ErrRateLimited && p.rl != nil {
		p.rl.Report429(detail.Code)
	}
	v.NativeTested = false
	v.ConnectMS = connectMS
	v.TTFBMS = ttfbMS
	v.SpeedMbps = mbps
	v.Error = detail
	v.Alive = detail.IsZero() && mbps > 0
	v.Score = scoring.Score(scoring.PhaseFull, v.ConnectMS, v.TTFBMS, v.SpeedMbps)
}

func parseIP(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return netip.Addr{}, false
	}
	return addr, true
}

func appendUnique(ips []netip.Addr, ip netip.Addr) []netip.Addr {
	for _, existing := range ips {
		if existing == ip {
			return ips
		}
	}
	return append(ips, ip)
}

func topNIPs(results []scanner.Result, n int) []netip.Addr {
	sorted := append([]scanner.Result(nil), results...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LatencyMS < sorted[j].LatencyMS })
	if n > len(sorted) {
		n = len(sorted)
	}
	out := make([]netip.Addr, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, sorted[i].Endpoint.Addr)
	}
	return out
}

func topIPAddrs(results []scanner.Result, n int) []netip.Addr {
	return topNIPs(results, n)
}
