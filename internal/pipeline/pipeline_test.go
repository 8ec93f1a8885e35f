package pipeline

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/SamNet-dev/cfray/internal/funnel"
	"github.com/SamNet-dev/cfray/internal/model"
	"github.com/SamNet-dev/cfray/internal/ratelimit"
	"github.com/SamNet-dev/cfray/internal/scanner"
)

func baseParsed() model.ParsedConfig {
	return model.ParsedConfig{
		Protocol:  model.ProtocolVless,
		Transport: model.TransportTCP,
		Security:  model.SecurityTLS,
		Address:   "203.0.113.9",
		Port:      443,
		SNI:       "origin.example.com",
		Host:      "host.example.com",
	}
}

func testConfig() Config {
	return Config{
		DefaultIPs:   []netip.Addr{netip.MustParseAddr("198.51.100.1")},
		Ports:        []uint16{443},
		ScanSNI:      "speed.cloudflare.com",
		MaxStage2IPs: 5,
		Endpoints: funnel.Endpoints{
			PrimaryHost: "speed.cloudflare.com", PrimaryPath: "/__down",
			FallbackHost: "dash.cloudflare.com", FallbackPath: "/__down",
		},
		DownloadTimeout: time.Second,
		MaxTotal:        20,
		MaxSNIsPerIP:    2,
	}
}

// fakeExternalTester lets each test script how Test() answers, and records
// every call it receives.
type fakeExternalTester struct {
	mu    sync.Mutex
	calls []model.Variation
	fn    func(v model.Variation) (int64, int64, float64, model.Detail)
}

func (f *fakeExternalTester) Test(ctx context.Context, v model.Variation, host, path string, customPath bool, size int64, timeout time.Duration) (int64, int64, float64, model.Detail) {
	f.mu.Lock()
	f.calls = append(f.calls, v)
	f.mu.Unlock()
	return f.fn(v)
}

func (f *fakeExternalTester) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestStageIPScan_RealityProbesOnlyConfigEndpoint(t *testing.T) {
	parsed := baseParsed()
	parsed.Security = model.SecurityReality

	p := New(testConfig(), nil, nil)
	var probed []model.Endpoint
	p.WithProbeTLS(func(ctx context.Context, ep model.Endpoint, sni string, timeout time.Duration, validate bool) model.ProbeResult {
		probed = append(probed, ep)
		return model.ProbeResult{LatencyMS: 42}
	})

	state := &State{LiveIPPorts: map[netip.Addr][]uint16{}}
	p.stageIPScan(context.Background(), parsed, state)

	require.Len(t, probed, 1)
	require.Equal(t, "203.0.113.9", probed[0].Addr.String())
	require.Len(t, state.LiveIPs, 1)
	require.Equal(t, int64(42), state.LiveIPs[0].LatencyMS)
}

func TestStageIPScan_NonRealityWarnsWhenMostlyCfOrigin(t *testing.T) {
	parsed := baseParsed()

	p := New(testConfig(), nil, nil)
	p.WithProbeTLS(func(ctx context.Context, ep model.Endpoint, sni string, timeout time.Duration, validate bool) model.ProbeResult {
		return model.ProbeResult{LatencyMS: 10, Error: model.NewDetail(model.ErrCfOrigin, 530, "")}
	})

	state := &State{LiveIPPorts: map[netip.Addr][]uint16{}}
	p.stageIPScan(context.Background(), parsed, state)

	require.NotEmpty(t, state.Warnings)
}

func TestStageIPScan_NonRealityNoWarningWhenHealthy(t *testing.T) {
	parsed := baseParsed()

	p := New(testConfig(), nil, nil)
	p.WithProbeTLS(func(ctx context.Context, ep model.Endpoint, sni string, timeout time.Duration, validate bool) model.ProbeResult {
		return model.ProbeResult{LatencyMS: 10}
	})

	state := &State{LiveIPPorts: map[netip.Addr][]uint16{}}
	p.stageIPScan(context.Background(), parsed, state)

	require.Empty(t, state.Warnings)
	require.NotEmpty(t, state.LiveIPs)
}

func TestStageBaseTest_MarksWorkingIPsFromAliveCandidates(t *testing.T) {
	parsed := baseParsed()
	cfg := testConfig()
	p := New(cfg, nil, &fakeExternalTester{fn: func(v model.Variation) (int64, int64, float64, model.Detail) {
		return 10, 20, 50, model.Detail{}
	}})

	ip := netip.MustParseAddr("198.51.100.1")
	state := &State{
		LiveIPs:     []scanner.Result{{Endpoint: model.Endpoint{Addr: ip}, LatencyMS: 5}},
		LiveIPPorts: map[netip.Addr][]uint16{ip: {443}},
	}

	providerReachable := p.stageBaseTest(context.Background(), parsed, state)

	require.True(t, providerReachable)
	require.Contains(t, state.WorkingIPs, ip)
}

func TestStageBaseTest_FallsBackThroughSNIListWhenNoCandidateWorks(t *testing.T) {
	parsed := baseParsed()
	cfg := testConfig()

	tester := &fakeExternalTester{fn: func(v model.Variation) (int64, int64, float64, model.Detail) {
		if v.Identity.SNI == fallbackSNIGeneric {
			return 10, 20, 50, model.Detail{}
		}
		return 0, 0, 0, model.NewDetail(model.ErrTcpError, 0, "refused")
	}}
	p := New(cfg, nil, tester)

	ip := netip.MustParseAddr("198.51.100.1")
	state := &State{
		LiveIPs:     []scanner.Result{{Endpoint: model.Endpoint{Addr: ip}, LatencyMS: 5}},
		LiveIPPorts: map[netip.Addr][]uint16{ip: {443}},
	}

	providerReachable := p.stageBaseTest(context.Background(), parsed, state)

	require.True(t, providerReachable)
	require.Contains(t, state.WorkingIPs, netip.MustParseAddr("203.0.113.9"))

	var sawGeneric bool
	for _, v := range tester.calls {
		if v.Identity.SNI == fallbackSNIGeneric {
			sawGeneric = true
		}
	}
	require.True(t, sawGeneric)
}

func TestStageBaseTest_SkipsFallbackWhenOriginBound(t *testing.T) {
	parsed := baseParsed()
	parsed.Security = model.SecurityReality

	tester := &fakeExternalTester{fn: func(v model.Variation) (int64, int64, float64, model.Detail) {
		return 0, 0, 0, model.NewDetail(model.ErrTcpError, 0, "refused")
	}}
	p := New(testConfig(), nil, tester)

	ip := netip.MustParseAddr("198.51.100.1")
	state := &State{
		LiveIPs:     []scanner.Result{{Endpoint: model.Endpoint{Addr: ip}, LatencyMS: 5}},
		LiveIPPorts: map[netip.Addr][]uint16{ip: {443}},
	}

	p.stageBaseTest(context.Background(), parsed, state)
	require.Empty(t, state.WorkingIPs)
}

func TestStageExpansion_DedupsAgainstAlreadyTestedIdentities(t *testing.T) {
	parsed := baseParsed()
	cfg := testConfig()
	cfg.FragPreset = "none"
	cfg.MaxTotal = 50

	tester := &fakeExternalTester{fn: func(v model.Variation) (int64, int64, float64, model.Detail) {
		return 5, 5, 10, model.Detail{}
	}}
	p := New(cfg, nil, tester)

	ip := netip.MustParseAddr("198.51.100.1")
	inferredSNI := parsed.Host

	state := &State{
		LiveIPPorts: map[netip.Addr][]uint16{ip: {443}},
		WorkingIPs:  []netip.Addr{ip},
		Variations: []model.Variation{{
			Identity: model.VariationIdentity{
				SourceIP: ip, SourcePort: 443, SNI: inferredSNI,
				FragmentLabel: "none", TransportLabel: string(parsed.Transport),
			},
		}},
	}
	preExisting := state.Variations[0].Identity

	p.stageExpansion(context.Background(), parsed, state, true)

	for _, v := range state.Variations[1:] {
		require.NotEqual(t, preExisting, v.Identity)
	}
	require.Greater(t, tester.callCount(), 0)
}

func TestStageExpansion_NoopWhenNoWorkingIPsAndProviderUnreachable(t *testing.T) {
	parsed := baseParsed()
	p := New(testConfig(), nil, &fakeExternalTester{fn: func(v model.Variation) (int64, int64, float64, model.Detail) {
		return 0, 0, 0, model.Detail{}
	}})
	state := &State{LiveIPPorts: map[netip.Addr][]uint16{}}

	p.stageExpansion(context.Background(), parsed, state, false)
	require.Empty(t, state.Variations)
}

func TestTestOne_ExternalBranchUsesFallbackEndpointWhenLimiterWouldBlock(t *testing.T) {
	rl := ratelimit.New()
	rl.Report429(60) // forces WouldBlock() == true

	var gotHost string
	tester := &fakeExternalTester{fn: func(v model.Variation) (int64, int64, float64, model.Detail) {
		return 1, 1, 1, model.Detail{}
	}}
	cfg := testConfig()
	p := New(cfg, rl, tester)
	p.external = &hostCapturingTester{inner: tester, capture: &gotHost}

	v := model.Variation{Config: model.ParsedConfig{Transport: model.TransportTCP, Protocol: model.ProtocolVless}}
	p.testOne(context.Background(), &v)

	require.Equal(t, cfg.Endpoints.FallbackHost, gotHost)
}

// hostCapturingTester wraps another ExternalTester and records which host
// testOne actually dialed, for asserting primary/fallback endpoint steering.
type hostCapturingTester struct {
	inner   ExternalTester
	capture *string
}

func (h *hostCapturingTester) Test(ctx context.Context, v model.Variation, host, path string, customPath bool, size int64, timeout time.Duration) (int64, int64, float64, model.Detail) {
	*h.capture = host
	return h.inner.Test(ctx, v, host, path, customPath, size, timeout)
}

func TestTestOne_ExternalBranchReportsRateLimitToLimiter(t *testing.T) {
	rl := ratelimit.New()
	tester := &fakeExternalTester{fn: func(v model.Variation) (int64, int64, float64, model.Detail) {
		return 1, 1, 0, model.NewDetail(model.ErrRateLimited, 45, "")
	}}
	p := New(testConfig(), rl, tester)

	v := model.Variation{Config: model.ParsedConfig{Transport: model.TransportTCP, Protocol: model.ProtocolVless}}
	p.testOne(context.Background(), &v)

	require.True(t, rl.WouldBlock())
	require.False(t, v.Alive)
}

func TestTestOne_ExternalBranchWithoutTesterSetsBinaryMissing(t *testing.T) {
	p := New(testConfig(), nil, nil)
	v := model.Variation{Config: model.ParsedConfig{Transport: model.TransportTCP, Protocol: model.ProtocolVless}}
	p.testOne(context.Background(), &v)

	require.Equal(t, model.ErrBinaryMissing, v.Error.Kind)
}

func TestTestOne_NativeBranchDispatchesToTunnelProbeForWSVless(t *testing.T) {
	p := New(testConfig(), nil, nil)
	v := model.Variation{
		Identity: model.VariationIdentity{SourceIP: netip.MustParseAddr("127.0.0.1"), SourcePort: 1},
		Config: model.ParsedConfig{
			Transport: model.TransportWS, Protocol: model.ProtocolVless,
			UUID: uuid.New(), Host: "host.example.com", Path: "/ws",
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.testOne(ctx, &v)

	require.True(t, v.NativeTested)
	require.False(t, v.Alive)
	require.False(t, v.Error.IsZero())
}
