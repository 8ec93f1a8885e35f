package funnel

import (
	"context"
	"net/netip"
	"sort"
	"time"

	"github.com/SamNet-dev/cfray/internal/model"
	"github.com/SamNet-dev/cfray/internal/ratelimit"
	"github.com/SamNet-dev/cfray/internal/scoring"
	"github.com/SamNet-dev/cfray/internal/speedtest"
)

const maxRetriesPerIP = 2

// Endpoints names the primary and fallback download targets (§4.6 step 5,
// §6 "Fallback throughput endpoint").
type Endpoints struct {
	PrimaryHost  string
	PrimaryPath  string
	FallbackHost string
	FallbackPath string
}

// Candidate is one alive IP entering the funnel, with its TLS latency and
// accumulated speed-test metrics.
type Candidate struct {
	IP        netip.Addr
	Port      uint16
	LatencyMS int64
	ConnectMS int64
	TTFBMS    int64
	SpeedMbps float64
	Score     float64
	ForceCDN  bool // a previous 403/429/http-error forced the fallback endpoint
	Retries   int
}

// Downloader abstracts speedtest.Download for tests. customPath is true when
// path is the fallback static-asset endpoint, which has no "?bytes=N"
// support and must be requested with a Range header instead (§4.5 step 2).
type Downloader func(ctx context.Context, ep model.Endpoint, size int64, timeout time.Duration, host, path string, customPath bool) model.SpeedResult

// RealDownloader adapts speedtest.Download to the Downloader shape.
func RealDownloader(ctx context.Context, ep model.Endpoint, size int64, timeout time.Duration, host, path string, customPath bool) model.SpeedResult {
	return speedtest.Download(ctx, speedtest.Config{
		Endpoint:     ep,
		Size:         size,
		Timeout:      timeout,
		HostOverride: host,
		PathOverride: path,
		CustomPath:   customPath,
	})
}

// RunRounds executes C6: sorts candidates by latency, applies the latency
// cut, then runs each round's download against every surviving candidate,
// pruning by score between rounds.
func RunRounds(ctx context.Context, mode string, candidates []Candidate, ep Endpoints, rl *ratelimit.Limiter, download Downloader, timeout time.Duration) []Candidate {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].LatencyMS < candidates[j].LatencyMS })

	cut := LatencyCutCount(mode, len(candidates))
	if cut > 0 {
		candidates = candidates[:len(candidates)-cut]
	}

	survivors := candidates
	rounds := BuildRounds(mode, len(survivors))

	for _, round := range rounds {
		if ctx.Err() != nil {
			break
		}
		active := survivors
		if round.Keep < len(active) {
			active = active[:round.Keep]
		}

		for i := range active {
			if ctx.Err() != nil {
				break
			}
			runOneDownload(ctx, &active[i], round.SizeBytes, ep, rl, download, timeout)
		}

		for i := range active {
			active[i].Score = scoring.Score(scoring.PhaseFull, active[i].ConnectMS, active[i].TTFBMS, active[i].SpeedMbps)
		}
		sort.Slice(active, func(i, j int) bool { return active[i].Score > active[j].Score })
		survivors = active
	}

	return survivors
}

func runOneDownload(ctx context.Context, c *Candidate, size int64, ep Endpoints, rl *ratelimit.Limiter, download Downloader, timeout time.Duration) {
	endpoint := model.Endpoint{Addr: c.IP, Port: c.Port}

	for attempt := 0; attempt <= maxRetriesPerIP; attempt++ {
		useFallback := c.ForceCDN
		if !useFallback {
			if rl.WouldBlock() {
				useFallback = true
			} else if err := rl.Acquire(ctx); err != nil {
				return
			}
		}

		host, path := ep.PrimaryHost, ep.PrimaryPath
		if useFallback {
			host, path = ep.FallbackHost, ep.FallbackPath
		}

		res := download(ctx, endpoint, size, timeout, host, path, useFallback)

		switch {
		case res.Error.IsZero():
			c.ConnectMS = res.ConnectMS
			c.TTFBMS = res.TTFBMS
			c.SpeedMbps = res.Mbps
			return
		case res.Error.Kind == model.ErrRateLimited:
			if !useFallback {
				rl.Report429(res.Error.Code)
			}
			c.ForceCDN = true
			c.Retries++
			continue
		case res.Error.Kind == model.ErrHttpError:
			if !useFallback {
				c.ForceCDN = true
				c.Retries++
				continue
			}
			// fallback itself errored: dead after max retries, handled by loop exit.
			c.Retries++
			continue
		default:
			c.Retries++
			continue
		}
	}
}
