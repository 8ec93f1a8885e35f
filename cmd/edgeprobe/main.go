// Command edgeprobe wires the engine's components for a manual/local run:
// load config, expand the address space, run the clean-IP scan plus
// elimination funnel, or run the full pipeline against one VLESS/VMess
// config. Flag parsing is intentionally thin; it's the Non-goal collaborator
// named in spec.md §1, not the engine itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/SamNet-dev/cfray/internal/addrspace"
	"github.com/SamNet-dev/cfray/internal/engconfig"
	"github.com/SamNet-dev/cfray/internal/funnel"
	"github.com/SamNet-dev/cfray/internal/metrics"
	"github.com/SamNet-dev/cfray/internal/model"
	"github.com/SamNet-dev/cfray/internal/pipeline"
	"github.com/SamNet-dev/cfray/internal/probe"
	"github.com/SamNet-dev/cfray/internal/ratelimit"
	"github.com/SamNet-dev/cfray/internal/rlog"
	"github.com/SamNet-dev/cfray/internal/scanner"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to a YAML engine config (optional; defaults are used otherwise)")
		subnetsCSV = flag.String("subnets", "173.245.48.0/20", "comma-separated CIDRs to expand for the clean-IP scan")
		uriFlag    = flag.String("uri", "", "config address (IP or host, used verbatim, no URI parsing) to run the full pipeline against")
		logFile    = flag.String("log-file", "", "optional debug log file path")
		verbose    = flag.Bool("v", false, "console-log at debug level")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := rlog.New(rlog.Options{FilePath: *logFile, Console: true, Level: level}).Level(level)

	cfg, err := engconfig.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	reg := prometheus.NewRegistry()
	mset := metrics.NewSet(reg)
	_ = mset // registered for a collaborator's own mux; this entrypoint doesn't serve it

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyShutdown(cancel, &logger)

	if *uriFlag != "" {
		runPipeline(ctx, cfg, *uriFlag, &logger)
		return
	}
	runCleanScan(ctx, cfg, *subnetsCSV, &logger)
}

// runCleanScan expands the given subnets, scans them for reachable IPs, then
// runs the elimination funnel over the survivors (§4.1, §4.3, §4.6).
func runCleanScan(ctx context.Context, cfg engconfig.Config, subnetsCSV string, logger *zerolog.Logger) {
	subnets := splitCSV(subnetsCSV)
	ips, err := addrspace.ExpandCIDRs(subnets, 0, rand.New(rand.NewSource(time.Now().UnixNano())))
	if err != nil {
		logger.Fatal().Err(err).Msg("expand cidrs")
	}
	logger.Info().Int("count", len(ips)).Msg("expanded address space")

	probeFn := func(ctx context.Context, ep model.Endpoint) model.ProbeResult {
		return probe.TLSProbe(ctx, ep, cfg.Endpoints.SpeedHost, cfg.Timeout, true)
	}

	state := scanner.NewState(0)
	state.OnLiveUpdate(func(top []scanner.Result) {
		logger.Info().Int("top20", len(top)).Msg("scan progress")
	})

	results, _ := scanner.Scan(ctx, ips, []uint16{443}, probeFn, cfg.Concurrency.CleanScan, state, nil)
	logger.Info().Int64("alive", state.Alive).Int("unique_ips", len(results)).Msg("scan complete")

	candidates := make([]funnel.Candidate, 0, len(results))
	for _, r := range results {
		candidates = append(candidates, funnel.Candidate{IP: r.Endpoint.Addr, Port: 443, LatencyMS: r.LatencyMS})
	}

	rl := ratelimit.New(ratelimit.WithMetrics(prometheusCounterOrNil(), nil))
	survivors := funnel.RunRounds(ctx, cfg.Mode, candidates, funnel.Endpoints{
		PrimaryHost: cfg.Endpoints.SpeedHost, PrimaryPath: cfg.Endpoints.SpeedPath,
		FallbackHost: cfg.Endpoints.FallbackHost, FallbackPath: cfg.Endpoints.FallbackPath,
	}, rl, funnel.RealDownloader, cfg.Timeout)

	for _, c := range survivors {
		fmt.Printf("%s\tlatency=%dms\tspeed=%.2fMbps\tscore=%.1f\n", c.IP, c.LatencyMS, c.SpeedMbps, c.Score)
	}
}

// runPipeline runs the full C9 orchestrator against one parsed config. The
// URI codec itself is an external collaborator (§1); this stub parses
// nothing: it uses the -uri value verbatim as the config's address, with
// port 443, ws transport, TLS and a random UUID.
func runPipeline(ctx context.Context, cfg engconfig.Config, uri string, logger *zerolog.Logger) {
	parsed := model.ParsedConfig{
		Protocol:  model.ProtocolVless,
		Transport: model.TransportWS,
		Security:  model.SecurityTLS,
		Address:   uri,
		Port:      443,
		SNI:       cfg.Endpoints.SpeedHost,
		Host:      cfg.Endpoints.SpeedHost,
		Path:      "/ws",
		UUID:      uuid.New(),
	}

	defaultIPs := make([]netip.Addr, 0, len(cfg.Endpoints.PreflightIPs))
	for _, s := range cfg.Endpoints.PreflightIPs {
		if ip, err := netip.ParseAddr(s); err == nil {
			defaultIPs = append(defaultIPs, ip)
		}
	}

	rl := ratelimit.New()
	pl := pipeline.New(pipeline.Config{
		DefaultIPs:   defaultIPs,
		Ports:        []uint16{443, 2053, 2083, 2087, 2096, 8443},
		ScanSNI:      cfg.Endpoints.SpeedHost,
		MaxStage2IPs: 20,
		Endpoints: funnel.Endpoints{
			PrimaryHost: cfg.Endpoints.SpeedHost, PrimaryPath: cfg.Endpoints.SpeedPath,
			FallbackHost: cfg.Endpoints.FallbackHost, FallbackPath: cfg.Endpoints.FallbackPath,
		},
		DownloadTimeout: cfg.Timeout,
		FragPreset:      "light",
		MaxTotal:        cfg.MaxTotal,
		MaxSNIsPerIP:    3,
	}, rl, nil)
	pl.Logger = logger

	state := pl.Run(ctx, parsed)
	logger.Info().Int("variations", len(state.Variations)).Int("working_ips", len(state.WorkingIPs)).Msg("pipeline complete")
	for _, w := range state.Warnings {
		logger.Warn().Msg(w)
	}
	for _, v := range state.Variations {
		if v.Alive {
			fmt.Printf("%s:%d sni=%s transport=%s score=%.1f\n", v.Identity.SourceIP, v.Identity.SourcePort, v.Identity.SNI, v.Identity.TransportLabel, v.Score)
		}
	}
}

func notifyShutdown(cancel context.CancelFunc, logger *zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received, cancelling in-flight work")
		cancel()
	}()
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func prometheusCounterOrNil() prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Name: "edgeprobe_cli_ratelimiter_blocked_total"})
}
