package funnel

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SamNet-dev/cfray/internal/model"
	"github.com/SamNet-dev/cfray/internal/ratelimit"
)

func mkCandidates(n int) []Candidate {
	out := make([]Candidate, n)
	for i := 0; i < n; i++ {
		out[i] = Candidate{
			IP:        netip.AddrFrom4([4]byte{10, 0, byte(i / 256), byte(i % 256)}),
			Port:      443,
			LatencyMS: int64(n - i),
		}
	}
	return out
}

var testEndpoints = Endpoints{
	PrimaryHost: "speed.cloudflare.com", PrimaryPath: "/__down",
	FallbackHost: "cloudflare.com", FallbackPath: "/cdn-cgi/trace",
}

func TestRunRounds_HappyPathAppliesLatencyCut(t *testing.T) {
	// 60 candidates: cut = 60*40% = 24, postCut = 36 (<=50, so every round
	// keeps all 36 survivors; only the latency cut actually prunes anyone).
	candidates := mkCandidates(60)
	rl := ratelimit.New()

	download := func(ctx context.Context, ep model.Endpoint, size int64, timeout time.Duration, host, path string, customPath bool) model.SpeedResult {
		require.Equal(t, testEndpoints.PrimaryHost, host)
		return model.SpeedResult{ConnectMS: 10, TTFBMS: 20, Mbps: 100}
	}

	survivors := RunRounds(context.Background(), "normal", candidates, testEndpoints, rl, download, 5*time.Second)
	require.Len(t, survivors, 36)
}

func TestRunRounds_SmallSetNoCutNoClamp(t *testing.T) {
	candidates := mkCandidates(40)
	rl := ratelimit.New()

	calls := 0
	download := func(ctx context.Context, ep model.Endpoint, size int64, timeout time.Duration, host, path string, customPath bool) model.SpeedResult {
		calls++
		return model.SpeedResult{ConnectMS: 5, TTFBMS: 5, Mbps: 50}
	}

	survivors := RunRounds(context.Background(), "normal", candidates, testEndpoints, rl, download, time.Second)
	require.Len(t, survivors, 40)
	require.Equal(t, 40*3, calls) // 3 rounds in normal preset, all 40 survive every round
}

func TestRunRounds_RateLimitedFallsBackToFallbackEndpoint(t *testing.T) {
	candidates := mkCandidates(1)
	rl := ratelimit.New()

	var hosts []string
	download := func(ctx context.Context, ep model.Endpoint, size int64, timeout time.Duration, host, path string, customPath bool) model.SpeedResult {
		hosts = append(hosts, host)
		if host == testEndpoints.PrimaryHost {
			require.False(t, customPath, "primary endpoint supports ?bytes=N, not a custom path")
			return model.SpeedResult{Error: model.NewDetail(model.ErrRateLimited, 45, "")}
		}
		require.True(t, customPath, "fallback endpoint needs a Range header, not ?bytes=N")
		return model.SpeedResult{ConnectMS: 1, TTFBMS: 1, Mbps: 10}
	}

	survivors := RunRounds(context.Background(), "normal", candidates, testEndpoints, rl, download, time.Second)
	require.Len(t, survivors, 1)
	require.Contains(t, hosts, testEndpoints.FallbackHost)
	require.True(t, rl.WouldBlock())
}

func TestRunRounds_ContextCancellationStopsEarly(t *testing.T) {
	candidates := mkCandidates(40)
	rl := ratelimit.New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	download := func(ctx context.Context, ep model.Endpoint, size int64, timeout time.Duration, host, path string, customPath bool) model.SpeedResult {
		t.Fatalf("download should not be called once context is canceled before the first round")
		return model.SpeedResult{}
	}

	survivors := RunRounds(ctx, "normal", candidates, testEndpoints, rl, download, time.Second)
	require.NotNil(t, survivors)
}
